package reliable

import (
	"testing"

	"github.com/davidsainty/xbeeboot/internal/xbeeproto"
	"github.com/davidsainty/xbeeboot/serial"
)

func testDest() xbeeproto.Address {
	var a xbeeproto.Address
	copy(a[:], []byte{0, 0x13, 0xA2, 0, 0x41, 0x88, 0x77, 0x66, 0x12, 0x34})
	return a
}

// queueTransport is a scripted Transport: RecvFrame replays a queue of
// canned frames (or errors), and SendFrame records every frame sent so
// tests can assert on what this channel transmitted.
type queueTransport struct {
	recvQueue [][]byte
	recvErrs  []error
	sent      [][]byte
}

func (q *queueTransport) SendFrame(payload []byte) error {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	q.sent = append(q.sent, cp)
	return nil
}

func (q *queueTransport) RecvFrame() ([]byte, error) {
	if len(q.recvErrs) > 0 && q.recvErrs[0] != nil {
		err := q.recvErrs[0]
		q.recvErrs = q.recvErrs[1:]
		return nil, err
	}
	if len(q.recvErrs) > 0 {
		q.recvErrs = q.recvErrs[1:]
	}
	if len(q.recvQueue) == 0 {
		return nil, errNoMoreFrames
	}
	f := q.recvQueue[0]
	q.recvQueue = q.recvQueue[1:]
	return f, nil
}

var errNoMoreFrames = &testError{"queueTransport: no more frames"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func ackFrame(seq byte) []byte {
	// 0x90 Receive Packet carrying an XBeeBoot ACK.
	f := make([]byte, 0, 12+2)
	f = append(f, xbeeproto.FrameReceivePacket)
	f = append(f, make([]byte, xbeeproto.AddressSize)...)
	f = append(f, 0) // rx options
	f = append(f, xbeeproto.PacketTypeACK, seq)
	return f
}

func TestWriteSingleChunkAcked(t *testing.T) {
	tr := &queueTransport{}
	ch := New(tr, nil, testDest())

	// Sequence the channel will use for its first chunk is 1 (NextSequence(0)).
	tr.recvQueue = [][]byte{ackFrame(1)}

	n, err := ch.Write([]byte("hello"))
	if err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 bytes written, got %d", n)
	}
	if len(tr.sent) != 1 {
		t.Fatalf("expected 1 frame sent, got %d", len(tr.sent))
	}
}

func TestWriteRetriesOnWrongAck(t *testing.T) {
	tr := &queueTransport{
		recvQueue: [][]byte{ackFrame(0xFF), ackFrame(1)},
	}
	ch := New(tr, nil, testDest())

	n, err := ch.Write([]byte("hi"))
	if err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 bytes written, got %d", n)
	}
	if len(tr.sent) != 2 {
		t.Fatalf("expected 2 send attempts, got %d", len(tr.sent))
	}
}

// TestWriteRetriesOnTimeout covers scenario E5: a dropped chunk surfaces
// as serial.ErrTimeout, which must resend the chunk rather than abandon
// the channel.
func TestWriteRetriesOnTimeout(t *testing.T) {
	tr := &queueTransport{
		recvErrs:  []error{serial.ErrTimeout, nil},
		recvQueue: [][]byte{ackFrame(1)},
	}
	ch := New(tr, nil, testDest())

	n, err := ch.Write([]byte("hi"))
	if err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 bytes written, got %d", n)
	}
	if len(tr.sent) != 2 {
		t.Fatalf("expected the chunk to be resent once after the timeout, got %d sends", len(tr.sent))
	}
	if ch.unusable {
		t.Fatal("a timeout must not mark the channel unusable")
	}
}

// TestWriteAbortsOnRealIOError covers the flip side: a genuine transport
// failure (as opposed to a read timeout) is still immediately fatal.
func TestWriteAbortsOnRealIOError(t *testing.T) {
	tr := &queueTransport{recvErrs: []error{errNoMoreFrames}}
	ch := New(tr, nil, testDest())

	_, err := ch.Write([]byte("x"))
	if err == nil {
		t.Fatal("expected an error")
	}
	if len(tr.sent) != 1 {
		t.Fatalf("expected exactly one send attempt before aborting, got %d", len(tr.sent))
	}
	if !ch.unusable {
		t.Fatal("expected the channel to be marked unusable after a real I/O error")
	}
}

func TestWriteExhaustsRetries(t *testing.T) {
	tr := &queueTransport{}
	for i := 0; i < maxRetries; i++ {
		tr.recvQueue = append(tr.recvQueue, ackFrame(0xFF))
	}
	ch := New(tr, nil, testDest())

	_, err := ch.Write([]byte("x"))
	if err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
	if len(tr.sent) != maxRetries {
		t.Fatalf("expected %d send attempts, got %d", maxRetries, len(tr.sent))
	}
}

func requestFrame(seq byte, app byte, data []byte) []byte {
	f := make([]byte, 0, 12+3+len(data))
	f = append(f, xbeeproto.FrameReceivePacket)
	f = append(f, make([]byte, xbeeproto.AddressSize)...)
	f = append(f, 0)
	f = append(f, xbeeproto.PacketTypeRequest, seq, app)
	f = append(f, data...)
	return f
}

func TestReadBuffersAndAcks(t *testing.T) {
	tr := &queueTransport{
		recvQueue: [][]byte{requestFrame(1, xbeeproto.AppFrameReply, []byte("abc"))},
	}
	ch := New(tr, nil, testDest())

	buf := make([]byte, 3)
	n, err := ch.Read(buf)
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if n != 3 || string(buf) != "abc" {
		t.Fatalf("unexpected read result: %q (%d bytes)", buf[:n], n)
	}
	if len(tr.sent) != 1 {
		t.Fatalf("expected an ACK to be sent, got %d frames", len(tr.sent))
	}
}

func TestReadIgnoresDuplicateSequence(t *testing.T) {
	tr := &queueTransport{
		recvQueue: [][]byte{
			requestFrame(1, xbeeproto.AppFrameReply, []byte("a")),
			requestFrame(1, xbeeproto.AppFrameReply, []byte("z")), // duplicate, must be ignored
			requestFrame(2, xbeeproto.AppFrameReply, []byte("b")),
		},
	}
	ch := New(tr, nil, testDest())

	buf := make([]byte, 2)
	n, err := ch.Read(buf)
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if string(buf[:n]) != "ab" {
		t.Fatalf("expected \"ab\", got %q", buf[:n])
	}
}

// TestReadRetriesOnTimeout mirrors TestWriteRetriesOnTimeout for the Read
// side's dry-read counter.
func TestReadRetriesOnTimeout(t *testing.T) {
	tr := &queueTransport{
		recvErrs:  []error{serial.ErrTimeout, nil},
		recvQueue: [][]byte{requestFrame(1, xbeeproto.AppFrameReply, []byte("ab"))},
	}
	ch := New(tr, nil, testDest())

	buf := make([]byte, 2)
	n, err := ch.Read(buf)
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if string(buf[:n]) != "ab" {
		t.Fatalf("unexpected read result: %q", buf[:n])
	}
	if ch.unusable {
		t.Fatal("a timeout must not mark the channel unusable")
	}
}

// TestReadAbortsOnRealIOError is Read's counterpart to
// TestWriteAbortsOnRealIOError.
func TestReadAbortsOnRealIOError(t *testing.T) {
	tr := &queueTransport{recvErrs: []error{errNoMoreFrames}}
	ch := New(tr, nil, testDest())

	_, err := ch.Read(make([]byte, 2))
	if err == nil {
		t.Fatal("expected an error")
	}
	if !ch.unusable {
		t.Fatal("expected the channel to be marked unusable after a real I/O error")
	}
}

func ackFrameWithAddr(seq byte, addr xbeeproto.Address) []byte {
	f := make([]byte, 0, 12+2)
	f = append(f, xbeeproto.FrameReceivePacket)
	f = append(f, addr[:xbeeproto.AddressSize]...)
	f = append(f, 0) // rx options
	f = append(f, xbeeproto.PacketTypeACK, seq)
	return f
}

// TestWriteObservesPeerAddress confirms the address carried by an inbound
// frame reaches a registered SetPeerAddressObserver callback.
func TestWriteObservesPeerAddress(t *testing.T) {
	dest := testDest()
	tr := &queueTransport{recvQueue: [][]byte{ackFrameWithAddr(1, dest)}}
	ch := New(tr, nil, dest)

	var got [2]byte
	var calls int
	ch.SetPeerAddressObserver(func(netAddr [2]byte) {
		got = netAddr
		calls++
	})

	if _, err := ch.Write([]byte("x")); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected the observer to be called once, got %d", calls)
	}
	if want := dest.NetworkAddress(); got != want {
		t.Fatalf("expected observed address %x, got %x", want, got)
	}
}

func TestChunkSizeReducedBySourceRoute(t *testing.T) {
	ch := New(&queueTransport{}, fixedHops{3}, testDest())
	got := ch.chunkSize()
	want := maxChunk - (3*2 + 2)
	if got != want {
		t.Fatalf("expected chunk size %d, got %d", want, got)
	}
}

func TestChunkSizeDirectModeInert(t *testing.T) {
	ch := New(&queueTransport{}, fixedHops{0}, testDest())
	if got := ch.chunkSize(); got != maxChunk {
		t.Fatalf("expected full chunk size %d with no hops, got %d", maxChunk, got)
	}
}

type fixedHops struct{ n int }

func (f fixedHops) Hops(xbeeproto.Address) int { return f.n }
