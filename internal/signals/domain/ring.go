package signals

import "time"

// DefaultRingCapacity bounds the per-equipment signal history.
const DefaultRingCapacity = 32

// Ring is a fixed-capacity buffer of recent signals, oldest overwritten first.
// It is not safe for concurrent use; the owning equipment slot serializes access.
type Ring struct {
	buf   []Signal
	start int
	size  int
}

// NewRing constructs a ring with the given capacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &Ring{buf: make([]Signal, capacity)}
}

// Push appends a signal, evicting the oldest when full.
func (r *Ring) Push(s Signal) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = s
		r.size++
		return
	}
	r.buf[r.start] = s
	r.start = (r.start + 1) % len(r.buf)
}

// Len returns the number of buffered signals.
func (r *Ring) Len() int { return r.size }

// Cap returns the ring capacity.
func (r *Ring) Cap() int { return len(r.buf) }

// Last returns the newest signal.
func (r *Ring) Last() (Signal, bool) {
	if r.size == 0 {
		return Signal{}, false
	}
	return r.buf[(r.start+r.size-1)%len(r.buf)], true
}

// Snapshot returns buffered signals oldest first.
func (r *Ring) Snapshot() []Signal {
	out := make([]Signal, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

// Within returns signals with timestamps in (now-window, now], oldest first.
func (r *Ring) Within(window time.Duration, now time.Time) []Signal {
	cutoff := now.Add(-window)
	var out []Signal
	for _, s := range r.Snapshot() {
		if s.Timestamp.After(cutoff) && !s.Timestamp.After(now) {
			out = append(out, s)
		}
	}
	return out
}

// Changes counts classification changes among signals in the window.
// Counter signals are ignored.
func (r *Ring) Changes(window time.Duration, now time.Time) int {
	var prev SignalType
	changes := 0
	for _, s := range r.Within(window, now) {
		if s.Type.IsCounter() {
			continue
		}
		if prev != "" && s.Type != prev {
			changes++
		}
		prev = s.Type
	}
	return changes
}
