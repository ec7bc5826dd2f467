// Package atcommand implements the XBee Local and Remote AT command
// drivers: request/response exchanges identified by a one-byte frame id,
// retried on timeout, used by the session controller to configure both the
// attached (local) XBee and the radio at the far end of the link (remote).
package atcommand

import (
	"errors"
	"fmt"

	"github.com/davidsainty/xbeeboot/internal/xbeeproto"
)

// Transport is the frame-level exchange the drivers need: send one
// outbound API frame payload, and block for the next inbound one (or time
// out). The session controller supplies this as a thin wrapper around the
// serial port and the frame codec.
type Transport interface {
	SendFrame(payload []byte) error
	RecvFrame() ([]byte, error)
}

// ErrTimeout is returned once a driver exhausts its retry budget without a
// matching response.
var ErrTimeout = errors.New("atcommand: no response after retries")

// Status mirrors the one-byte AT command status field carried in both
// 0x88 and 0x97 responses.
type Status byte

const (
	StatusOK               Status = 0
	StatusError            Status = 1
	StatusInvalidCommand   Status = 2
	StatusInvalidParameter Status = 3
	StatusTransmitFailure  Status = 4
)

// ATStatusError wraps a non-OK AT status so callers can errors.As it out.
type ATStatusError struct {
	Command string
	Status  Status
}

func (e *ATStatusError) Error() string {
	return fmt.Sprintf("atcommand: %s returned status %d", e.Command, e.Status)
}

func atCommandBytes(cmd string) [2]byte {
	return [2]byte{cmd[0], cmd[1]}
}

// localRetries matches the original implementation's retry budget for
// commands addressed to the directly attached XBee, which only needs to
// survive USB/UART jitter, not a multi-hop mesh round trip.
const localRetries = 5

// Local issues an AT command to the locally attached XBee (API frame
// 0x08/0x88) and returns its value bytes. value may be nil to query the
// current setting.
func Local(t Transport, frameID *byte, cmd string, value []byte) ([]byte, error) {
	ac := atCommandBytes(cmd)

	for attempt := 0; attempt < localRetries; attempt++ {
		*frameID = xbeeproto.NextSequence(*frameID)
		id := *frameID

		payload := make([]byte, 0, 4+len(value))
		payload = append(payload, xbeeproto.FrameLocalATCommand, id, ac[0], ac[1])
		payload = append(payload, value...)

		if err := t.SendFrame(payload); err != nil {
			return nil, err
		}

		resp, err := t.RecvFrame()
		if err != nil {
			continue
		}
		if len(resp) < 5 || resp[0] != xbeeproto.FrameLocalATResponse || resp[1] != id {
			continue
		}

		status := Status(resp[4])
		if status != StatusOK {
			return nil, &ATStatusError{Command: cmd, Status: status}
		}
		return resp[5:], nil
	}

	return nil, ErrTimeout
}

// remoteRetries matches the original implementation's much larger budget
// for commands addressed across the mesh, where a single hop can legitimately
// need several link-layer retries before an ACK returns.
const remoteRetries = 30

// Remote issues an AT command to a remote XBee (API frame 0x17/0x97),
// applying the change immediately, and returns its value bytes.
func Remote(t Transport, frameID *byte, dest xbeeproto.Address, cmd string, value []byte) ([]byte, error) {
	ac := atCommandBytes(cmd)

	for attempt := 0; attempt < remoteRetries; attempt++ {
		*frameID = xbeeproto.NextSequence(*frameID)
		id := *frameID

		payload := make([]byte, 0, 15+len(value))
		payload = append(payload, xbeeproto.FrameRemoteATCommand, id)
		payload = append(payload, dest[:]...)
		payload = append(payload, xbeeproto.RemoteATApplyChanges, ac[0], ac[1])
		payload = append(payload, value...)

		if err := t.SendFrame(payload); err != nil {
			return nil, err
		}

		resp, err := t.RecvFrame()
		if err != nil {
			continue
		}
		// 0x97: type, frame id, 8-byte IEEE addr, 2-byte net addr, 2-byte AT
		// command, 1-byte status, value...
		if len(resp) < 15 || resp[0] != xbeeproto.FrameRemoteATResp || resp[1] != id {
			continue
		}
		if resp[12] != ac[0] || resp[13] != ac[1] {
			continue
		}

		status := Status(resp[14])
		if status != StatusOK {
			return nil, &ATStatusError{Command: cmd, Status: status}
		}
		return resp[15:], nil
	}

	return nil, ErrTimeout
}
