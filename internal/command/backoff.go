package command

import (
	"math"
	"time"
)

// acceptWait returns how long attempt N (1-based) waits for an inbound
// connection before the next open_connection broadcast.
func acceptWait(cfg Config, attempt int) time.Duration {
	if attempt <= 1 || cfg.AcceptBackoff <= 1.0 {
		return cfg.AcceptInterval
	}
	wait := float64(cfg.AcceptInterval) * math.Pow(cfg.AcceptBackoff, float64(attempt-1))
	if cfg.AcceptMaxInterval > 0 && wait > float64(cfg.AcceptMaxInterval) {
		wait = float64(cfg.AcceptMaxInterval)
	}
	return time.Duration(wait)
}

// acceptBudget is the total time Open waits across every attempt.
func acceptBudget(cfg Config) time.Duration {
	var total time.Duration
	for attempt := 1; attempt <= cfg.AcceptAttempts; attempt++ {
		total += acceptWait(cfg, attempt)
	}
	return total
}
