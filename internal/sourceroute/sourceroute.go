// Package sourceroute tracks the per-destination source route learned from
// inbound Route Record Indicator frames (0xA1) and emits Create Source
// Route frames (0x21) ahead of any addressed frame sent while the route is
// stale, so the mesh forwards along the path this transport actually
// measured instead of whatever the routing table currently believes.
package sourceroute

import "github.com/davidsainty/xbeeboot/internal/xbeeproto"

// Route is the ordered list of 16-bit network addresses of the
// intermediate hops between us and a destination, nearest-hop first, as
// carried by a 0xA1 frame. A nil or empty Route means no hop is known and
// the destination is reachable directly (or via ordinary mesh routing).
type Route [][2]byte

// Cache remembers the most recently learned route to each destination and
// reports whether the next addressed frame needs a fresh 0x21 ahead of it.
type Cache struct {
	routes  map[xbeeproto.Address]Route
	changed map[xbeeproto.Address]bool
}

// New returns an empty route cache.
func New() *Cache {
	return &Cache{
		routes:  make(map[xbeeproto.Address]Route),
		changed: make(map[xbeeproto.Address]bool),
	}
}

// routeEqual reports whether two routes describe the same hop sequence.
func routeEqual(a, b Route) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ObserveRouteRecord consumes the payload of a 0xA1 Route Record Indicator
// frame (destination address followed by a hop count and that many 2-byte
// network addresses, furthest hop first on the wire) and updates the
// cached route for that destination if it changed.
func ObserveRouteRecord(c *Cache, dest xbeeproto.Address, payload []byte) {
	// Payload layout: 8-byte IEEE addr, 2-byte net addr, 1-byte options,
	// 1-byte hop count N, then N 2-byte addresses ordered furthest-from-us
	// to nearest-to-us; our Route stores nearest-first, so reverse it.
	const hopCountOffset = 11
	if len(payload) < hopCountOffset+1 {
		return
	}
	hopCount := int(payload[hopCountOffset])
	want := hopCountOffset + 1 + hopCount*2
	if len(payload) < want || hopCount > xbeeproto.MaxIntermediateHops {
		return
	}

	route := make(Route, hopCount)
	for i := 0; i < hopCount; i++ {
		off := hopCountOffset + 1 + (hopCount-1-i)*2
		route[i] = [2]byte{payload[off], payload[off+1]}
	}

	if existing, ok := c.routes[dest]; ok && routeEqual(existing, route) {
		return
	}
	c.routes[dest] = route
	c.changed[dest] = true
}

// NeedsCreateSourceRoute reports whether dest's route changed since the
// last CreateSourceRouteFrame call and the cache holds a non-empty route
// for it (a direct destination never needs a 0x21).
func (c *Cache) NeedsCreateSourceRoute(dest xbeeproto.Address) bool {
	return c.changed[dest] && len(c.routes[dest]) > 0
}

// Hops returns the number of intermediate hops currently cached for dest.
func (c *Cache) Hops(dest xbeeproto.Address) int {
	return len(c.routes[dest])
}

// CreateSourceRouteFrame builds the 0x21 frame payload for dest's current
// route and clears the changed flag, so the next call to
// NeedsCreateSourceRoute returns false until the route changes again.
func CreateSourceRouteFrame(c *Cache, dest xbeeproto.Address) []byte {
	route := c.routes[dest]
	c.changed[dest] = false

	// 0x21 layout: type, frame id (always 0 per the XBee manual), 8-byte
	// IEEE addr, 2-byte net addr, 1-byte reserved, 1-byte hop count, then
	// the addresses furthest-from-us first -- the reverse of our storage
	// order.
	payload := make([]byte, 0, 13+len(route)*2)
	payload = append(payload, xbeeproto.FrameCreateRoute, 0)
	payload = append(payload, dest[:]...)
	payload = append(payload, 0, byte(len(route)))
	for i := len(route) - 1; i >= 0; i-- {
		payload = append(payload, route[i][0], route[i][1])
	}
	return payload
}
