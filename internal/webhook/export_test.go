package webhook

import "time"

// SetBackoffForTest swaps the retry backoff so failure-path tests don't
// sleep through the real attempt-squared delays.
func (d *Dispatcher) SetBackoffForTest(f func(attempt int) int) {
	d.backoff = func(attempt int) time.Duration {
		return time.Duration(f(attempt)) * time.Millisecond
	}
}
