// Package reliable implements the XBeeBoot mini-transport: a stop-and-wait,
// at-most-one-chunk-in-flight reliable byte stream carried inside XBee
// Transmit Request / Receive Packet frames (0x10/0x90), used to move
// STK500v1/optiboot bytes between avrdude and the remote bootloader.
package reliable

import (
	"errors"
	"fmt"
	"time"

	"github.com/davidsainty/xbeeboot/internal/stats"
	"github.com/davidsainty/xbeeboot/internal/xbeeproto"
	"github.com/davidsainty/xbeeboot/serial"
)

// maxRetries matches the original implementation's retry budget for both
// directions of the reliable channel.
const maxRetries = 16

// maxChunk is the largest payload this channel will ever put in a single
// REQUEST packet before source-route overhead is subtracted.
const maxChunk = 54

// Transport is the frame-level exchange the channel needs. SendFrame
// transmits one fully-formed 0x10 API frame; RecvFrame blocks for the next
// inbound frame. The channel acts only on 0x10/0x90 frames carrying an
// XBeeBoot ACK or REQUEST and ignores every other frame type it is handed
// (the session's frame router consumes route records itself, but passes
// AT responses and transmit status frames through).
type Transport interface {
	SendFrame(payload []byte) error
	RecvFrame() ([]byte, error)
}

// RouteHops reports the current number of intermediate hops on the source
// route to the target, so the channel can shrink its chunk size to avoid
// fragmentation; a direct destination (or one with no known route) reports
// 0, which is inert in the chunk-size formula below.
type RouteHops interface {
	Hops(dest xbeeproto.Address) int
}

// ErrTransportUnusable is returned once a send or receive has failed in a
// way that leaves the channel in an unrecoverable state; like the original
// implementation, this transport never attempts to resynchronize after a
// mid-transfer failure.
var ErrTransportUnusable = errors.New("reliable: transport unusable, channel abandoned")

// Channel is one XBeeBoot reliable byte stream to a single destination.
type Channel struct {
	transport Transport
	routes    RouteHops
	dest      xbeeproto.Address

	outSequence byte
	inSequence  byte

	ring     []byte
	ringHead int

	unusable bool

	stats         *stats.Tracker
	onPeerAddress func(netAddr [2]byte)
}

// New returns a Channel addressed to dest. routes may be nil, in which
// case the chunk size is never reduced for source routing.
func New(t Transport, routes RouteHops, dest xbeeproto.Address) *Channel {
	return &Channel{transport: t, routes: routes, dest: dest}
}

// SetStats attaches a stats.Tracker to record Transmit (outbound chunk
// round trip, send to matching ACK) and Receive timings into. Each accepted
// inbound chunk is recorded under Receive as a zero-duration sample, so
// only that group's count is meaningful. Calling it is optional; a Channel
// with no tracker simply doesn't record timing.
func (c *Channel) SetStats(t *stats.Tracker) {
	c.stats = t
}

// SetPeerAddressObserver registers fn to be called with the peer's current
// 16-bit network address whenever an inbound 0x10/0x90 frame reports it,
// so the session controller can keep its own record of the target's
// address up to date for persistence, the same way the local/remote AT
// drivers and the source-route cache learn it from their own frame types.
func (c *Channel) SetPeerAddressObserver(fn func(netAddr [2]byte)) {
	c.onPeerAddress = fn
}

func (c *Channel) chunkSize() int {
	chunk := maxChunk
	if c.routes != nil {
		if hops := c.routes.Hops(c.dest); hops > 0 && hops*2+2 < maxChunk {
			chunk -= hops*2 + 2
		}
	}
	return chunk
}

// requestHeader is the 0x10 Transmit Request fixed header length: type,
// frame id, 10-byte destination address, broadcast radius, options.
const requestHeader = 1 + 1 + xbeeproto.AddressSize + 1 + 1

func buildRequestFrame(dest xbeeproto.Address, seq byte, app byte, data []byte) []byte {
	payload := make([]byte, 0, requestHeader+3+len(data))
	payload = append(payload, xbeeproto.FrameTransmitRequest, seq)
	payload = append(payload, dest[:]...)
	payload = append(payload, 0, 0) // broadcast radius, options
	payload = append(payload, xbeeproto.PacketTypeRequest, seq, app)
	payload = append(payload, data...)
	return payload
}

func buildACKFrame(dest xbeeproto.Address, frameSeq byte, ackSeq byte) []byte {
	payload := make([]byte, 0, requestHeader+2)
	payload = append(payload, xbeeproto.FrameTransmitRequest, frameSeq)
	payload = append(payload, dest[:]...)
	payload = append(payload, 0, 0)
	payload = append(payload, xbeeproto.PacketTypeACK, ackSeq)
	return payload
}

// inbound describes one decoded 0x10/0x90 frame relevant to this channel.
type inbound struct {
	isACK    bool
	sequence byte
	app      byte
	data     []byte

	peerAddr xbeeproto.Address
	havePeer bool
}

// decodeReceivePacket extracts the XBeeBoot packet carried by a 0x10 or
// 0x90 frame payload (as returned by the frame codec: starting at the API
// type byte). Returns ok=false for anything that isn't a well-formed
// XBeeBoot packet this channel understands. Alongside the packet itself,
// it captures the sender's address (IEEE64 + current 16-bit network
// address) carried by every such frame, mirroring the original
// implementation recording the 16-bit address from both its 0x90 and
// its route-record handlers.
func decodeReceivePacket(frame []byte) (in inbound, ok bool) {
	if len(frame) == 0 {
		return inbound{}, false
	}

	var data []byte
	switch frame[0] {
	case xbeeproto.FrameTransmitRequest:
		if len(frame) <= requestHeader {
			return inbound{}, false
		}
		copy(in.peerAddr[:], frame[2:2+xbeeproto.AddressSize])
		in.havePeer = true
		data = frame[requestHeader:]
	case xbeeproto.FrameReceivePacket:
		const header = 1 + xbeeproto.AddressSize + 1
		if len(frame) <= header {
			return inbound{}, false
		}
		copy(in.peerAddr[:], frame[1:1+xbeeproto.AddressSize])
		in.havePeer = true
		data = frame[header:]
	default:
		return inbound{}, false
	}

	if len(data) < 2 {
		return inbound{}, false
	}

	switch data[0] {
	case xbeeproto.PacketTypeACK:
		in.isACK = true
		in.sequence = data[1]
		return in, true
	case xbeeproto.PacketTypeRequest:
		if len(data) < 3 {
			return inbound{}, false
		}
		in.sequence = data[1]
		in.app = data[2]
		in.data = data[3:]
		return in, true
	default:
		return inbound{}, false
	}
}

// notifyPeerAddress reports in's carried address to the registered
// observer, if any and if in actually carried one.
func (c *Channel) notifyPeerAddress(in inbound) {
	if c.onPeerAddress != nil && in.havePeer {
		c.onPeerAddress(in.peerAddr.NetworkAddress())
	}
}

// Write sends buf as a sequence of stop-and-wait acknowledged chunks,
// retrying each chunk up to maxRetries times and re-sending our last ACK
// in case the peer missed it while waiting for ours.
func (c *Channel) Write(buf []byte) (int, error) {
	if c.unusable {
		return 0, ErrTransportUnusable
	}

	written := 0
	for len(buf) > 0 {
		c.outSequence = xbeeproto.NextSequence(c.outSequence)
		seq := c.outSequence

		chunk := c.chunkSize()
		if chunk > len(buf) {
			chunk = len(buf)
		}
		block := buf[:chunk]

		if c.stats != nil {
			c.stats.Sent(stats.Transmit, seq, time.Now())
		}

		acked := false
		for retries := 0; retries < maxRetries; retries++ {
			frame := buildRequestFrame(c.dest, seq, xbeeproto.AppFirmwareDeliver, block)
			if err := c.transport.SendFrame(frame); err != nil {
				c.unusable = true
				return written, fmt.Errorf("reliable: send chunk: %w", err)
			}

			in, err := c.waitForEvent(seq)
			if err != nil && !errors.Is(err, serial.ErrTimeout) {
				c.unusable = true
				return written, err
			}
			// A read timeout (a dropped chunk on a lossy link) is the
			// ordinary case this retry budget exists for: fall through to
			// the ACK resend below and then resend the request rather than
			// abandoning the channel.
			if in.matchedACK {
				acked = true
				if c.stats != nil {
					c.stats.Acked(stats.Transmit, seq, time.Now())
				}
				break
			}

			// The peer may have missed our ACK for whatever it last sent
			// us; resend it while we wait for ours.
			if c.inSequence != 0 {
				ack := buildACKFrame(c.dest, seq, c.inSequence)
				if err := c.transport.SendFrame(ack); err != nil {
					c.unusable = true
					return written, fmt.Errorf("reliable: resend ack: %w", err)
				}
			}
		}

		if !acked {
			c.unusable = true
			return written, fmt.Errorf("reliable: chunk %d: %w", seq, ErrTransportUnusable)
		}

		buf = buf[chunk:]
		written += chunk
	}

	return written, nil
}

// waitResult is the outcome of one waitForEvent pass.
type waitResult struct {
	matchedACK bool
}

// waitForEvent polls one inbound frame. A read timeout (serial.ErrTimeout)
// is returned to the caller exactly as received: it is the ordinary
// outcome of a dropped chunk on a lossy link, and it is the caller's retry
// loop, not this function, that decides how many of those to tolerate
// before giving up. Any REQUEST packet observed along the way is
// delivered into the ring buffer exactly like Read's own polling does, so
// a peer that interleaves data with ACKs is never starved.
func (c *Channel) waitForEvent(waitSeq byte) (waitResult, error) {
	frame, err := c.transport.RecvFrame()
	if err != nil {
		return waitResult{}, err
	}

	in, ok := decodeReceivePacket(frame)
	if !ok {
		return waitResult{}, nil
	}
	c.notifyPeerAddress(in)

	if in.isACK {
		return waitResult{matchedACK: in.sequence == waitSeq}, nil
	}

	c.absorbRequest(in)
	return waitResult{}, nil
}

// absorbRequest processes an inbound REQUEST packet: if its sequence is
// the next one we expect, appends its payload to the ring buffer and ACKs
// it; a duplicate (already-seen) sequence is ACKed again without
// re-appending, since the peer's ACK for it must have been lost.
func (c *Channel) absorbRequest(in inbound) {
	if in.app != xbeeproto.AppFrameReply {
		return
	}

	if in.sequence == c.inSequence {
		// Already processed; the peer's copy of our ACK must have been
		// lost, so send it again without re-appending the payload.
		ack := buildACKFrame(c.dest, c.outSequence, in.sequence)
		_ = c.transport.SendFrame(ack)
		return
	}

	next := xbeeproto.NextSequence(c.inSequence)
	if in.sequence != next {
		return
	}
	c.inSequence = next
	c.ring = append(c.ring, in.data...)
	if c.stats != nil {
		now := time.Now()
		c.stats.Sent(stats.Receive, in.sequence, now)
		c.stats.Acked(stats.Receive, in.sequence, now)
	}

	ack := buildACKFrame(c.dest, c.outSequence, in.sequence)
	_ = c.transport.SendFrame(ack)
}

// Read fills buf from previously buffered bytes first, then blocks reading
// and ACKing further REQUEST packets from the peer until buf is full or
// the retry budget for a dry poll is exhausted.
func (c *Channel) Read(buf []byte) (int, error) {
	read := c.drainRing(buf)
	if read == len(buf) || c.unusable {
		if c.unusable {
			return read, ErrTransportUnusable
		}
		return read, nil
	}

	dry := 0
	for dry < maxRetries {
		frame, err := c.transport.RecvFrame()
		if err != nil {
			if errors.Is(err, serial.ErrTimeout) {
				dry++
				continue
			}
			c.unusable = true
			return read, err
		}

		in, ok := decodeReceivePacket(frame)
		if !ok {
			dry++
			continue
		}
		c.notifyPeerAddress(in)
		if in.isACK {
			dry++
			continue
		}
		c.absorbRequest(in)
		dry = 0

		n := c.drainRing(buf[read:])
		read += n
		if read == len(buf) {
			return read, nil
		}
	}

	return read, nil
}

func (c *Channel) drainRing(buf []byte) int {
	n := copy(buf, c.ring[c.ringHead:])
	c.ringHead += n
	if c.ringHead == len(c.ring) {
		c.ring = c.ring[:0]
		c.ringHead = 0
	}
	return n
}
