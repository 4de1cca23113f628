package session

import (
	"math"
	"math/rand"
	"time"
)

// NextBackoffDelay returns the delay before dial attempt N+1 (attempt is
// 1-based). With Jitter the delay lands in [0.5x, 1.5x] of the computed
// value so simultaneous clients spread out.
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	mult := cfg.Multiplier
	if mult < 1.0 {
		mult = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay *= f
	}
	return time.Duration(delay)
}
