// Package hysteresis provides the per-frame noise filters shared by the spine
// detector and the rep phase machine: an exponential moving average and two
// "N consecutive frames" debouncers.
//
// All filters are plain values. Callers rebuild them from persisted state,
// feed one sample, and store the result back, so a filter never outlives the
// frame that used it.
package hysteresis

// EMA is an exponential moving average. The first sample primes the filter.
type EMA struct {
	Alpha  float64
	Value  float64
	Primed bool
}

func (e *EMA) Update(sample float64) float64 {
	if !e.Primed {
		e.Value = sample
		e.Primed = true
		return e.Value
	}
	e.Value = e.Alpha*sample + (1-e.Alpha)*e.Value
	return e.Value
}

// Counter tracks how many consecutive frames a condition held.
type Counter struct {
	Threshold int
	Count     int
}

// Observe extends the run when hold is true and resets it otherwise.
// It reports whether the run has reached the threshold.
func (c *Counter) Observe(hold bool) bool {
	if hold {
		c.Count++
	} else {
		c.Count = 0
	}
	return c.Confirmed()
}

func (c Counter) Confirmed() bool {
	return c.Threshold > 0 && c.Count >= c.Threshold
}

func (c *Counter) Reset() {
	c.Count = 0
}

// Latch commits a new value only after it has been proposed for Threshold
// consecutive frames. A proposal that changes or falls back to the committed
// value before the threshold restarts the count.
type Latch[T comparable] struct {
	Threshold int
	Candidate T
	Count     int
}

// Propose feeds this frame's target. It returns the value to commit and
// whether it differs from current.
func (l *Latch[T]) Propose(current, target T) (T, bool) {
	if target == current {
		l.Candidate = current
		l.Count = 0
		return current, false
	}

	if target != l.Candidate {
		l.Candidate = target
		l.Count = 0
	}
	l.Count++

	if l.Count >= l.Threshold {
		l.Count = 0
		return target, true
	}
	return current, false
}
