// Package routecache persists a per-destination snapshot (16-bit network
// address and source route) across sessions; the session controller stores
// only the network address and does not apply what it loads. It is a pure
// optimization: losing or
// never having this state must never change transport correctness, only
// how quickly a good route is found.
package routecache

import (
	"context"
	"encoding/hex"
	"encoding/json"

	"github.com/go-redis/redis/v8"

	"github.com/davidsainty/xbeeboot/internal/xbeeproto"
)

// Entry is the snapshot persisted for one destination.
type Entry struct {
	NetworkAddress [2]byte   `json:"network_address"`
	Route          [][2]byte `json:"route"`
}

// Cache loads and stores route snapshots keyed by destination address.
type Cache interface {
	Load(dest xbeeproto.Address) (Entry, bool)
	Store(dest xbeeproto.Address, e Entry)
}

// NoOp is a Cache that never remembers anything, used when no persistence
// backend is configured; correctness never depends on it doing more than
// this.
type NoOp struct{}

func (NoOp) Load(xbeeproto.Address) (Entry, bool) { return Entry{}, false }
func (NoOp) Store(xbeeproto.Address, Entry)       {}

// Redis is a Cache backed by a redis.Client using the server's default
// database (0). Values are JSON-encoded: this is a side-channel snapshot rather
// than wire protocol, so there is no reason to hand-roll a binary codec
// for it the way the frame layer must.
type Redis struct {
	db  *redis.Client
	ctx context.Context
}

// NewRedis returns a Redis-backed Cache talking to the server at addr
// (host:port).
func NewRedis(addr string) *Redis {
	return &Redis{
		db:  redis.NewClient(&redis.Options{Addr: addr}),
		ctx: context.Background(),
	}
}

func key(dest xbeeproto.Address) string {
	return "xbeeboot:route:" + hex.EncodeToString(dest[:])
}

// Load returns the last stored route for dest, if any.
func (r *Redis) Load(dest xbeeproto.Address) (Entry, bool) {
	raw, err := r.db.Get(r.ctx, key(dest)).Bytes()
	if err != nil {
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false
	}
	return e, true
}

// Store persists e for dest. Errors are swallowed: a failed write just
// means the next session re-learns the route, which is a performance
// regression, not a correctness one.
func (r *Redis) Store(dest xbeeproto.Address, e Entry) {
	raw, err := json.Marshal(e)
	if err != nil {
		return
	}
	r.db.Set(r.ctx, key(dest), raw, 0)
}
