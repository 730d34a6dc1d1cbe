package agent

import (
	"math/rand/v2"
	"time"

	"github.com/hupe1980/llmwire/config"
	"github.com/hupe1980/llmwire/model"
)

// RetryPolicy bounds how often and how patiently the loop re-sends after a
// transient failure. Attempts count the first send, so MaxAttempts 3 means
// at most two retries.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Multiplier grows the delay per attempt. Values below 1 are treated
	// as the default.
	Multiplier float64
	// Jitter is the symmetric random fraction applied to each delay,
	// 0..1. A delay d becomes d*(1±Jitter).
	Jitter float64
}

// DefaultRetryPolicy mirrors the stock configuration defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Multiplier:     2,
		Jitter:         0.1,
	}
}

// PolicyFromConfig lifts the retry block of a configuration document.
func PolicyFromConfig(r config.Retry) RetryPolicy {
	p := DefaultRetryPolicy()
	if r.MaxAttempts > 0 {
		p.MaxAttempts = r.MaxAttempts
	}
	if r.InitialBackoffMS > 0 {
		p.InitialBackoff = r.InitialBackoff()
	}
	if r.MaxBackoffMS > 0 {
		p.MaxBackoff = r.MaxBackoff()
	}
	return p
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p RetryPolicy) multiplier() float64 {
	if p.Multiplier < 1 {
		return 2
	}
	return p.Multiplier
}

// Backoff returns the delay before the retry that follows the given
// 1-based attempt: InitialBackoff grown by Multiplier per attempt, capped at
// MaxBackoff, then jittered.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.InitialBackoff <= 0 {
		return 0
	}
	d := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= p.multiplier()
		if p.MaxBackoff > 0 && d >= float64(p.MaxBackoff) {
			d = float64(p.MaxBackoff)
			break
		}
	}
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		d = float64(p.MaxBackoff)
	}
	if p.Jitter > 0 {
		d *= 1 + (rand.Float64()*2-1)*p.Jitter
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

// BackoffFor widens the computed delay to a provider-supplied Retry-After
// hint when the hint asks for more patience.
func (p RetryPolicy) BackoffFor(attempt int, err error) time.Duration {
	d := p.Backoff(attempt)
	if werr, ok := model.AsError(err); ok && werr.RetryAfter > d {
		return werr.RetryAfter
	}
	return d
}
