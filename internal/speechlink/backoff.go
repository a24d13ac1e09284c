package speechlink

import "time"

// reconnectPolicy implements the exponential backoff the spec leaves as a
// policy choice ("choose values consistent with the detail floor", §9 open
// questions): base 500ms, factor 2, capped at 8 attempts or 60s of total
// wall-clock elapsed, whichever comes first.
type reconnectPolicy struct {
	base       time.Duration
	factor     float64
	maxAttempt int
	wallCap    time.Duration
}

func defaultReconnectPolicy() reconnectPolicy {
	return reconnectPolicy{
		base:       500 * time.Millisecond,
		factor:     2,
		maxAttempt: 8,
		wallCap:    60 * time.Second,
	}
}

// delay returns the sleep before attempt number n (1-indexed).
func (p reconnectPolicy) delay(n int) time.Duration {
	d := p.base
	for i := 1; i < n; i++ {
		d = time.Duration(float64(d) * p.factor)
	}
	return d
}

// exhausted reports whether another attempt should be made given the
// attempt count so far and the elapsed wall-clock time since the first
// failure.
func (p reconnectPolicy) exhausted(attempt int, elapsed time.Duration) bool {
	return attempt >= p.maxAttempt || elapsed >= p.wallCap
}
