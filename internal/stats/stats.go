// Package stats tracks per-sequence round-trip timing for the four frame
// classes this transport exchanges, and summarizes each into a min/max/mean
// report at session close.
package stats

import "time"

// Group names the four independent timing series this transport tracks.
// All four are always initialized and reported, unlike the original
// implementation which only reset the first three; in Go the zero value of
// time.Time already gives every group a well-defined empty state, so there
// is no separate reset step to skip.
type Group int

const (
	FrameLocal Group = iota
	FrameRemote
	Transmit
	Receive

	groupCount
)

func (g Group) String() string {
	switch g {
	case FrameLocal:
		return "frame-local"
	case FrameRemote:
		return "frame-remote"
	case Transmit:
		return "transmit"
	case Receive:
		return "receive"
	default:
		return "unknown"
	}
}

// Summary reports the min/max/mean round-trip latency observed for a
// group, and how many samples contributed to it.
type Summary struct {
	Count int
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
}

// Tracker accumulates send timestamps keyed by sequence number and rolls
// completed round trips into a running Summary per group.
type Tracker struct {
	pending [groupCount]map[byte]time.Time
	summary [groupCount]Summary
	total   [groupCount]time.Duration
}

// New returns a Tracker with all four groups ready to record.
func New() *Tracker {
	t := &Tracker{}
	for g := Group(0); g < groupCount; g++ {
		t.pending[g] = make(map[byte]time.Time)
	}
	return t
}

// Sent records that a frame in the given group and sequence was sent at
// now, starting the clock on its round trip.
func (t *Tracker) Sent(g Group, seq byte, now time.Time) {
	t.pending[g][seq] = now
}

// Acked records that the frame sent under (g, seq) has now been
// acknowledged, folding its round-trip latency into the group's summary.
// Acking a sequence that was never recorded as sent (a duplicate or
// unsolicited ACK) is a no-op.
func (t *Tracker) Acked(g Group, seq byte, now time.Time) {
	sentAt, ok := t.pending[g][seq]
	if !ok {
		return
	}
	delete(t.pending[g], seq)

	rtt := now.Sub(sentAt)
	s := &t.summary[g]
	if s.Count == 0 || rtt < s.Min {
		s.Min = rtt
	}
	if rtt > s.Max {
		s.Max = rtt
	}
	t.total[g] += rtt
	s.Count++
	s.Mean = t.total[g] / time.Duration(s.Count)
}

// Summary returns the current summary for a group.
func (t *Tracker) Summary(g Group) Summary {
	return t.summary[g]
}

// All returns every group's summary keyed by Group, for a session-close
// report. Ranging over the returned map visits the groups in no fixed
// order.
func (t *Tracker) All() map[Group]Summary {
	out := make(map[Group]Summary, groupCount)
	for g := Group(0); g < groupCount; g++ {
		out[g] = t.summary[g]
	}
	return out
}
