package session

import (
	"math"
	"time"

	"github.com/jpillora/backoff"
)

// NextBackoffDelay returns the retry delay for attempt N (1-based). With
// jitter the delay is drawn from [InitialDelay, computed delay].
func NextBackoffDelay(cfg BackoffConfig, attempt int) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	maxDelay := cfg.MaxDelay
	switch {
	case maxDelay <= 0:
		maxDelay = time.Duration(math.MaxInt64)
	case maxDelay < cfg.InitialDelay:
		maxDelay = cfg.InitialDelay
	}
	b := &backoff.Backoff{
		Min:    cfg.InitialDelay,
		Max:    maxDelay,
		Factor: cfg.Multiplier,
		Jitter: cfg.Jitter,
	}
	return b.ForAttempt(float64(attempt - 1))
}
