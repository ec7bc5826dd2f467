// Package xbeeproto holds the wire-level constants and address type shared
// by the frame codec, the AT command drivers, the source-route cache and
// the XBeeBoot reliable channel. Keeping them in one leaf package avoids
// import cycles between those layers.
package xbeeproto

// XBee API frame type identifiers (API mode 2, escaped).
const (
	FrameLocalATCommand  byte = 0x08
	FrameLocalATResponse byte = 0x88
	FrameTransmitRequest byte = 0x10
	FrameRemoteATCommand byte = 0x17
	FrameCreateRoute     byte = 0x21
	FrameTransmitStatus  byte = 0x8B
	FrameReceivePacket   byte = 0x90
	FrameRemoteATResp    byte = 0x97
	FrameRouteRecord     byte = 0xA1
)

// Remote AT "Apply Changes" option, set on every 0x17 frame this transport
// emits.
const RemoteATApplyChanges byte = 0x02

// XBeeBoot inner packet types, carried as the first byte of the payload
// wrapped inside a 0x10/0x90 frame.
const (
	PacketTypeACK     byte = 0
	PacketTypeRequest byte = 1
)

// XBeeBoot application sub-types, carried as the third byte of a REQUEST
// packet (after packetType and sequence).
const (
	AppFirmwareDeliver byte = 23 // host -> target
	AppFrameReply      byte = 24 // target -> host
)

// MaxIntermediateHops bounds the source-route vector this transport will
// track; the XBee manual describes limits from 11 to 40 hops depending on
// firmware and routing table size.
const MaxIntermediateHops = 40

// AddressSize is the length in bytes of the full XBee destination address:
// 8 bytes of canonical 64-bit IEEE address followed by 2 bytes of 16-bit
// network address.
const AddressSize = 10

// Address is the 10-byte destination address used on every addressed API
// frame: the canonical 64-bit IEEE address (big-endian) followed by the
// 16-bit network address, which starts "unknown" (0xFFFE) and is overwritten
// by any inbound frame from the target.
type Address [AddressSize]byte

// UnknownNetworkAddress is the 16-bit network address placeholder used
// until the target is actually heard from.
var UnknownNetworkAddress = [2]byte{0xFF, 0xFE}

// NewAddress builds an Address from a 64-bit IEEE address, with the 16-bit
// half set to "unknown".
func NewAddress(ieee64 [8]byte) Address {
	var a Address
	copy(a[:8], ieee64[:])
	a[8], a[9] = UnknownNetworkAddress[0], UnknownNetworkAddress[1]
	return a
}

// NetworkAddress returns the current 16-bit short address half.
func (a Address) NetworkAddress() [2]byte {
	return [2]byte{a[8], a[9]}
}

// UpdateNetworkAddress overwrites the 16-bit half if it differs, returning
// whether it changed.
func (a *Address) UpdateNetworkAddress(rx [2]byte) bool {
	if a[8] == rx[0] && a[9] == rx[1] {
		return false
	}
	a[8], a[9] = rx[0], rx[1]
	return true
}

// IEEE64 returns the 8-byte canonical address half.
func (a Address) IEEE64() [8]byte {
	var out [8]byte
	copy(out[:], a[:8])
	return out
}

// NextSequence advances a sequence counter in [1,255], skipping the illegal
// value 0 on wraparound. All three of a session's sequence counters
// (frame id, outbound XBeeBoot sequence, inbound XBeeBoot sequence) use
// this rule.
func NextSequence(current byte) byte {
	next := current + 1
	if next == 0 {
		next = 1
	}
	return next
}
