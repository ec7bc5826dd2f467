// Package serial defines the blocking byte-level port this transport rides
// on, plus two implementations: a real backing driver over
// github.com/tarm/serial, and an in-memory fake for tests.
package serial

import "errors"

// ErrTimeout is returned by the ReadByte of a NewByteSource adapter when
// the port's Recv reports no byte within its read timeout (Recv itself
// returns (0, nil) then); it is not a fatal condition, callers retry.
var ErrTimeout = errors.New("serial: read timeout")

// Port is the minimal blocking serial device this transport needs: open a
// device at a baud rate, send and receive raw bytes, drain buffered input,
// and toggle DTR/RTS for the reset-pin fallback used when no remote reset
// pin command is available.
type Port interface {
	Open(device string, baud int) error
	Close() error
	Send(buf []byte) error
	// Recv reads up to len(buf) bytes, returning (0, nil) on a read
	// timeout rather than an error -- a timeout is an expected poll
	// outcome for this transport's retry loops, not a failure.
	Recv(buf []byte) (int, error)
	Drain() error
	SetDTRRTS(on bool) error
}

// byteSource adapts a Port's Recv into the one-byte-at-a-time interface
// the frame codec's Decode function consumes.
type byteSource struct {
	port Port
	buf  [1]byte
}

// NewByteSource wraps a Port for use with frame.Decode.
func NewByteSource(p Port) *byteSource {
	return &byteSource{port: p}
}

func (b *byteSource) ReadByte() (byte, error) {
	n, err := b.port.Recv(b.buf[:])
	if err != nil {
		return 0, err
	}
	if n == 0 {
		// A timeout with no error; the frame decoder's caller decides how
		// many of these to tolerate before giving up, so we simply
		// surface it rather than looping here forever.
		return 0, ErrTimeout
	}
	return b.buf[0], nil
}
