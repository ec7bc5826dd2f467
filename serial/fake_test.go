package serial

import (
	"testing"

	"github.com/davidsainty/xbeeboot/internal/frame"
)

func TestFakeInjectAndByteSourceRoundTrip(t *testing.T) {
	f := &Fake{}
	f.InjectFrame([]byte{0x08, 0x01, 'N', 'J'})

	src := NewByteSource(f)
	got, err := frame.Decode(src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != "\x08\x01NJ" {
		t.Fatalf("unexpected payload: %x", got)
	}
}

func TestFakeTakeOutboundFrame(t *testing.T) {
	f := &Fake{}
	if err := f.Send(frame.Encode([]byte{0x17, 0x02})); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	got, err := f.TakeOutboundFrame()
	if err != nil {
		t.Fatalf("TakeOutboundFrame returned error: %v", err)
	}
	if string(got) != "\x17\x02" {
		t.Fatalf("unexpected outbound payload: %x", got)
	}
	if len(f.Outbox) != 0 {
		t.Fatalf("expected outbox drained, has %d bytes left", len(f.Outbox))
	}
}

func TestFakeDTRRTS(t *testing.T) {
	f := &Fake{}
	if f.DTRRTS() {
		t.Fatal("expected initial DTR/RTS state to be false")
	}
	if err := f.SetDTRRTS(true); err != nil {
		t.Fatalf("SetDTRRTS returned error: %v", err)
	}
	if !f.DTRRTS() {
		t.Fatal("expected DTR/RTS to be true after SetDTRRTS(true)")
	}
}
