package cron

import (
	"math/rand/v2"
	"time"
)

// maxOutputBytes caps run-log output at 16KB.
const maxOutputBytes = 16 * 1024

// RetryConfig controls backoff for failing jobs.
type RetryConfig struct {
	MaxRetries int // extra attempts after the first (0 = run once)
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// ExecuteWithRetry runs fn until it succeeds or the retry budget is
// spent, sleeping an exponentially growing jittered delay between
// attempts. attempts reports how many times fn actually ran.
func ExecuteWithRetry(fn func() (string, error), cfg RetryConfig) (result string, attempts int, err error) {
	for attempt := 0; ; attempt++ {
		result, err = fn()
		if err == nil {
			return result, attempt + 1, nil
		}
		if attempt >= cfg.MaxRetries {
			return "", attempt + 1, err
		}
		time.Sleep(backoffWithJitter(cfg.BaseDelay, cfg.MaxDelay, attempt))
	}
}

// backoffWithJitter doubles base per attempt, caps at max, then skews
// the result by up to ±25% so retries from many jobs spread out.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		delay = max
	}
	if quarter := delay / 4; quarter > 0 {
		delay += time.Duration(rand.Int64N(int64(2*quarter))) - quarter
	}
	return delay
}

// TruncateOutput bounds job output before it goes into the run log.
func TruncateOutput(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	return s[:maxOutputBytes] + "...[truncated]"
}
