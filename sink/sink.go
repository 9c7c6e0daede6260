// Package sink accumulates command output lines for live display and for
// the session transcript.
package sink

import "sync"

// Sink is an ordered, append-only line buffer with bounded retention.
// Every appended line is forwarded to the live display, but only the most
// recent Max lines are retained for Snapshot. Safe for concurrent use.
type Sink struct {
	// order serialises Append so forwarded lines keep arrival order.
	order sync.Mutex

	mu      sync.Mutex
	max     int
	ring    []string
	start   int
	total   int
	forward func(line string)
}

// New creates a sink retaining at most max lines. forward may be nil.
// A max of zero or less retains nothing but still forwards.
func New(max int, forward func(line string)) *Sink {
	if max < 0 {
		max = 0
	}
	return &Sink{max: max, forward: forward}
}

// SetForward replaces the live-display callback.
func (s *Sink) SetForward(forward func(line string)) {
	s.order.Lock()
	defer s.order.Unlock()
	s.forward = forward
}

// Append retains line and forwards it. forward runs outside the retention
// lock but must not call Append itself.
func (s *Sink) Append(line string) {
	s.order.Lock()
	defer s.order.Unlock()

	s.mu.Lock()
	s.total++
	if s.max > 0 {
		if len(s.ring) < s.max {
			s.ring = append(s.ring, line)
		} else {
			s.ring[s.start] = line
			s.start = (s.start + 1) % s.max
		}
	}
	s.mu.Unlock()

	if s.forward != nil {
		s.forward(line)
	}
}

// Snapshot returns the retained lines in arrival order.
func (s *Sink) Snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.ring))
	out = append(out, s.ring[s.start:]...)
	out = append(out, s.ring[:s.start]...)
	return out
}

// Len returns the number of retained lines.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ring)
}

// Dropped returns how many appended lines are no longer retained.
func (s *Sink) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total - len(s.ring)
}

// Clear resets the sink to empty.
func (s *Sink) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring = nil
	s.start = 0
	s.total = 0
}

// Reset replaces the retained lines with lines (the tail, if longer than
// the cap). Used when a stored transcript becomes current. Nothing is
// forwarded.
func (s *Sink) Reset(lines []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.start = 0
	s.total = len(lines)
	if len(lines) > s.max {
		lines = lines[len(lines)-s.max:]
	}
	s.ring = append(make([]string, 0, len(lines)), lines...)
}
