// Package session wires together the frame codec, AT command drivers,
// source-route cache and reliable channel into the single io.ReadWriteCloser
// avrdude drives as its programmer connection, handling the direct-vs-OTA
// mode distinction, the OTA bring-up sequence, and the reset-pin pulse.
package session

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/davidsainty/xbeeboot/config"
	"github.com/davidsainty/xbeeboot/internal/atcommand"
	"github.com/davidsainty/xbeeboot/internal/frame"
	"github.com/davidsainty/xbeeboot/internal/reliable"
	"github.com/davidsainty/xbeeboot/internal/sourceroute"
	"github.com/davidsainty/xbeeboot/internal/stats"
	"github.com/davidsainty/xbeeboot/internal/xbeeproto"
	"github.com/davidsainty/xbeeboot/routecache"
	"github.com/davidsainty/xbeeboot/serial"
)

// router owns the single blocking read loop over the serial port,
// decoding one frame at a time and handing it to whichever consumer asked
// for it, so the AT drivers, the route cache and the reliable channel can
// each call a simple RecvFrame without racing each other over the same
// byte stream. This transport is single-threaded and cooperative: there is
// exactly one outstanding request at a time, so a consumer only ever needs
// the next frame addressed to it, not a fan-out.
type router struct {
	port   serial.Port
	src    frame.ByteSource
	routes *sourceroute.Cache
	st     *stats.Tracker
	log    *logrus.Logger

	localFrameID  byte
	remoteFrameID byte

	// onPeerAddress, if set, is called with the 16-bit network address
	// carried by every inbound route record, so the session can keep its
	// own record of the target's current address up to date.
	onPeerAddress func(netAddr [2]byte)
}

func newRouter(port serial.Port, log *logrus.Logger) *router {
	return &router{
		port:   port,
		src:    serial.NewByteSource(port),
		routes: sourceroute.New(),
		st:     stats.New(),
		log:    log,
	}
}

// SendFrame encodes and transmits payload as one wire frame, recording a
// send timestamp for the local/remote AT command groups so the matching
// response in RecvFrame can complete a round-trip sample.
func (r *router) SendFrame(payload []byte) error {
	if len(payload) >= 2 {
		switch payload[0] {
		case xbeeproto.FrameLocalATCommand:
			r.st.Sent(stats.FrameLocal, payload[1], time.Now())
		case xbeeproto.FrameRemoteATCommand:
			// A remote AT frame is addressed too: precede it with a 0x21
			// when its destination's route has changed.
			if len(payload) >= 2+xbeeproto.AddressSize {
				var dest xbeeproto.Address
				copy(dest[:], payload[2:2+xbeeproto.AddressSize])
				if r.routes.NeedsCreateSourceRoute(dest) {
					if err := r.SendFrame(sourceroute.CreateSourceRouteFrame(r.routes, dest)); err != nil {
						return err
					}
				}
			}
			r.st.Sent(stats.FrameRemote, payload[1], time.Now())
		}
	}
	return r.port.Send(frame.Encode(payload))
}

// RecvFrame blocks for the next frame, transparently consuming and
// dispatching route records (0xA1) rather than handing them back, since no
// caller of RecvFrame ever wants one directly.
func (r *router) RecvFrame() ([]byte, error) {
	for {
		payload, err := frame.Decode(r.src)
		if err != nil {
			return nil, err
		}
		if len(payload) == 0 {
			continue
		}
		switch payload[0] {
		case xbeeproto.FrameRouteRecord:
			r.handleRouteRecord(payload)
			continue
		case xbeeproto.FrameLocalATResponse:
			if len(payload) >= 2 {
				r.st.Acked(stats.FrameLocal, payload[1], time.Now())
			}
		case xbeeproto.FrameRemoteATResp:
			if len(payload) >= 2 {
				r.st.Acked(stats.FrameRemote, payload[1], time.Now())
			}
		}
		return payload, nil
	}
}

func (r *router) handleRouteRecord(payload []byte) {
	const addrOffset = 1
	if len(payload) < addrOffset+xbeeproto.AddressSize {
		return
	}
	var dest xbeeproto.Address
	copy(dest[:], payload[addrOffset:addrOffset+xbeeproto.AddressSize])
	// sourceroute.ObserveRouteRecord expects the address, options and hop
	// table starting at its own payload[0]; payload[addrOffset:] is
	// exactly that slice of the 0xA1 frame.
	sourceroute.ObserveRouteRecord(r.routes, dest, payload[addrOffset:])

	// The 0xA1 frame's own address field carries the reporting device's
	// current 16-bit network address, the same value a 0x90 frame from it
	// would carry; record it the same way.
	if r.onPeerAddress != nil {
		r.onPeerAddress(dest.NetworkAddress())
	}
}

// sendAddressed prefixes an outbound frame with a 0x21 Create Source
// Route frame whenever dest's route has changed since the last one was
// sent, per the wire ordering this transport requires: the route frame
// always immediately precedes the addressed frame it applies to. Remote AT
// frames get the same treatment inside SendFrame.
func (r *router) sendAddressed(dest xbeeproto.Address, payload []byte) error {
	if r.routes.NeedsCreateSourceRoute(dest) {
		createFrame := sourceroute.CreateSourceRouteFrame(r.routes, dest)
		if err := r.SendFrame(createFrame); err != nil {
			return err
		}
	}
	return r.SendFrame(payload)
}

// addressedTransport adapts a router into a reliable.Transport that routes
// every outbound frame through sendAddressed for a fixed destination, so
// the reliable channel's chunks always carry a fresh 0x21 ahead of them
// when the source route has changed.
type addressedTransport struct {
	r    *router
	dest xbeeproto.Address
}

func (t addressedTransport) SendFrame(payload []byte) error {
	return t.r.sendAddressed(t.dest, payload)
}

func (t addressedTransport) RecvFrame() ([]byte, error) {
	return t.r.RecvFrame()
}

// Session is one open XBeeBoot connection, either direct (no XBee,
// straight serial to the bootloader) or OTA (through a local and remote
// XBee pair).
type Session struct {
	cfg    config.Settings
	port   serial.Port
	router *router
	log    *logrus.Logger
	routes routecache.Cache

	channel *reliable.Channel
}

// Open brings up a session per cfg: opens the serial port at the
// appropriate baud, and in OTA mode runs the local/remote AT bring-up
// sequence (local AP=2 for escaped API mode, local AR=0 for many-to-one
// routing, and remote D6=0 to disable RTS flow control on the remote XBee)
// before returning a ready-to-use Session. A cached route entry, if any, is
// only logged; it does not seed the address or the source route.
func Open(cfg config.Settings, port serial.Port, routes routecache.Cache, log *logrus.Logger) (*Session, error) {
	if log == nil {
		log = logrus.New()
	}
	if routes == nil {
		routes = routecache.NoOp{}
	}

	if err := port.Open(cfg.Device, cfg.Baud); err != nil {
		return nil, fmt.Errorf("session: opening %s: %w", cfg.Device, err)
	}

	r := newRouter(port, log)
	s := &Session{cfg: cfg, port: port, router: r, log: log, routes: routes}
	r.onPeerAddress = func(netAddr [2]byte) {
		s.cfg.Address.UpdateNetworkAddress(netAddr)
	}

	if cfg.DirectMode {
		log.Info("xbeeboot: direct mode, no XBee bring-up required")
		return s, nil
	}

	if entry, ok := routes.Load(cfg.Address); ok {
		log.WithField("hops", len(entry.Route)).Debug("xbeeboot: found cached route entry")
	}

	if err := s.bringUpOTA(); err != nil {
		port.Close()
		return nil, err
	}

	s.channel = reliable.New(addressedTransport{r: r, dest: cfg.Address}, r.routes, cfg.Address)
	s.channel.SetStats(r.st)
	s.channel.SetPeerAddressObserver(func(netAddr [2]byte) {
		s.cfg.Address.UpdateNetworkAddress(netAddr)
	})
	return s, nil
}

func (s *Session) bringUpOTA() error {
	log := s.log

	log.Info("xbeeboot: configuring local XBee for OTA session")
	if _, err := atcommand.Local(s.router, &s.router.localFrameID, "AP", []byte{2}); err != nil {
		return fmt.Errorf("session: local AP=2: %w", err)
	}
	if _, err := atcommand.Local(s.router, &s.router.localFrameID, "AR", []byte{0}); err != nil {
		return fmt.Errorf("session: local AR=0: %w", err)
	}

	log.Info("xbeeboot: disabling RTS flow control on the remote XBee")
	if _, err := atcommand.Remote(s.router, &s.router.remoteFrameID, s.cfg.Address, "D6", []byte{0}); err != nil {
		return fmt.Errorf("session: remote D6=0: %w", err)
	}

	return nil
}

// pulseResetPin sets the configured remote reset pin with the XBee
// digital-output AT command: low=true sends value 4 (drive the pin low,
// asserting the active-low reset), low=false sends value 5 (drive it high,
// releasing reset). ResetTarget holds it low for resetPulseDuration.
const resetPulseDuration = 250 * time.Millisecond

func (s *Session) pulseResetPin(low bool) error {
	cmd := fmt.Sprintf("D%d", s.cfg.ResetPin)
	value := byte(5)
	if low {
		value = 4
	}
	_, err := atcommand.Remote(s.router, &s.router.remoteFrameID, s.cfg.Address, cmd, []byte{value})
	return err
}

// ResetTarget pulses the remote reset pin to reboot the target into its
// bootloader, as avrdude expects before beginning a programming session.
func (s *Session) ResetTarget() error {
	if s.cfg.DirectMode {
		// A direct-wired target resets itself via DTR/RTS through the
		// serial adapter; see serial.TTY.SetDTRRTS.
		if err := s.port.SetDTRRTS(true); err != nil {
			s.log.WithError(err).Warn("xbeeboot: DTR/RTS reset unsupported on this backend")
		}
		time.Sleep(resetPulseDuration)
		return s.port.SetDTRRTS(false)
	}

	if err := s.pulseResetPin(true); err != nil {
		return fmt.Errorf("session: reset pin low: %w", err)
	}
	time.Sleep(resetPulseDuration)
	if err := s.pulseResetPin(false); err != nil {
		return fmt.Errorf("session: reset pin high: %w", err)
	}
	return nil
}

// Read implements io.Reader, pulling bytes from the reliable channel (OTA
// mode) or directly from the serial port (direct mode).
func (s *Session) Read(buf []byte) (int, error) {
	if s.cfg.DirectMode {
		return s.port.Recv(buf)
	}
	return s.channel.Read(buf)
}

// Write implements io.Writer.
func (s *Session) Write(buf []byte) (int, error) {
	if s.cfg.DirectMode {
		if err := s.port.Send(buf); err != nil {
			return 0, err
		}
		return len(buf), nil
	}
	return s.channel.Write(buf)
}

// Drain discards input buffered by the serial port, matching avrdude's
// expectation that drain flushes pending bytes rather than blocking for new
// ones. Bytes already held in the OTA reliable channel's buffer are not
// discarded.
func (s *Session) Drain() error {
	return s.port.Drain()
}

// Close runs the OTA teardown sequence (a remote FR full reset of the
// remote XBee), persists the target's learned 16-bit network address for
// next time (the source route itself is not stored), logs the session's
// timing summary, and closes the serial port.
func (s *Session) Close() error {
	if !s.cfg.DirectMode {
		if _, err := atcommand.Remote(s.router, &s.router.remoteFrameID, s.cfg.Address, "FR", nil); err != nil {
			s.log.WithError(err).Warn("xbeeboot: remote FR on close failed")
		}
		s.routes.Store(s.cfg.Address, routecache.Entry{
			NetworkAddress: s.cfg.Address.NetworkAddress(),
		})
	}

	for g, sum := range s.router.st.All() {
		s.log.WithFields(logrus.Fields{
			"group": g.String(),
			"count": sum.Count,
			"min":   sum.Min,
			"max":   sum.Max,
			"mean":  sum.Mean,
		}).Info("xbeeboot: session statistics")
	}

	return s.port.Close()
}
