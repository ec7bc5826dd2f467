package serial

import (
	"errors"

	"github.com/davidsainty/xbeeboot/internal/frame"
)

// Fake is an in-memory Port for tests: an Inbox of bytes this side will
// read (fed by InjectFrame or directly), and an Outbox recording
// everything this side has sent (read back frame by frame with
// TakeOutboundFrame).
type Fake struct {
	Inbox  []byte
	Outbox []byte

	dtrrts bool
	opened bool
}

func (f *Fake) Open(device string, baud int) error {
	f.opened = true
	return nil
}

func (f *Fake) Close() error {
	f.opened = false
	return nil
}

func (f *Fake) Send(buf []byte) error {
	f.Outbox = append(f.Outbox, buf...)
	return nil
}

func (f *Fake) Recv(buf []byte) (int, error) {
	if len(f.Inbox) == 0 {
		return 0, nil
	}
	n := copy(buf, f.Inbox)
	f.Inbox = f.Inbox[n:]
	return n, nil
}

func (f *Fake) Drain() error {
	f.Inbox = nil
	return nil
}

func (f *Fake) SetDTRRTS(on bool) error {
	f.dtrrts = on
	return nil
}

// DTRRTS reports the line state last set by SetDTRRTS, for test assertions
// on the reset-pin pulse sequence.
func (f *Fake) DTRRTS() bool {
	return f.dtrrts
}

// InjectFrame encodes payload as a wire frame and appends it to Inbox, as
// if the far end had just transmitted it.
func (f *Fake) InjectFrame(payload []byte) {
	f.Inbox = append(f.Inbox, frame.Encode(payload)...)
}

// TakeOutboundFrame decodes and removes the first complete wire frame from
// Outbox, for a test to assert on what this side actually transmitted. It
// returns an error if Outbox doesn't currently hold a complete frame.
func (f *Fake) TakeOutboundFrame() ([]byte, error) {
	src := &sliceByteSource{buf: f.Outbox}
	payload, err := frame.Decode(src)
	if err != nil {
		return nil, err
	}
	f.Outbox = f.Outbox[src.pos:]
	return payload, nil
}

type sliceByteSource struct {
	buf []byte
	pos int
}

func (s *sliceByteSource) ReadByte() (byte, error) {
	if s.pos >= len(s.buf) {
		return 0, errOutboxExhausted
	}
	b := s.buf[s.pos]
	s.pos++
	return b, nil
}

var errOutboxExhausted = errors.New("serial: no complete frame in outbox")
