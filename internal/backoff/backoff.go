// Package backoff provides a small capped exponential backoff policy shared
// by the connection supervisor, registry refresh suppression, and the
// dispatcher's rate-limit handling.
package backoff

import "time"

// Policy computes delays that double per attempt from Base up to Cap.
// Delays are deterministic: consecutive attempts never decrease and never
// exceed Cap.
type Policy struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns the delay for the given zero-based attempt number.
func (p Policy) Delay(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.Cap > 0 && d >= p.Cap {
			return p.Cap
		}
	}
	if p.Cap > 0 && d > p.Cap {
		return p.Cap
	}
	return d
}
