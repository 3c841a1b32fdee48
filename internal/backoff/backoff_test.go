package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelayDoublesUpToCap(t *testing.T) {
	p := Policy{Base: time.Second, Cap: 10 * time.Second}

	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(3))
	assert.Equal(t, 10*time.Second, p.Delay(4))
	assert.Equal(t, 10*time.Second, p.Delay(5))
}

func TestDelayMonotonic(t *testing.T) {
	p := Policy{Base: 250 * time.Millisecond, Cap: 2 * time.Minute}

	prev := time.Duration(0)
	for attempt := 0; attempt < 64; attempt++ {
		d := p.Delay(attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, p.Cap, "attempt %d", attempt)
		prev = d
	}
	assert.Equal(t, p.Cap, prev)
}

func TestDelayEdgeCases(t *testing.T) {
	assert.Equal(t, time.Duration(0), Policy{}.Delay(3))
	assert.Equal(t, time.Second, Policy{Base: time.Second, Cap: 10 * time.Second}.Delay(-1))

	// no cap configured
	p := Policy{Base: time.Second}
	assert.Equal(t, 8*time.Second, p.Delay(3))
}
