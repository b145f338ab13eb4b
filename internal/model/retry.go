package model

import (
	"math/rand/v2"
	"strings"
	"time"
)

// RetryConfig configures the retry behavior for provider calls.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig returns sensible defaults for model API calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      1,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// retryablePatterns groups error substrings by category. Matched
// case-insensitively against err.Error().
//
// NOTE: string matching because Genkit and provider SDKs do not
// expose typed errors for transient failures. Re-evaluate if Genkit
// adds structured error types.
var retryablePatterns = [][]string{
	{"rate limit", "quota exceeded", "resource exhausted", "429"},
	{"500", "502", "503", "504", "unavailable", "overloaded"},
	{"connection reset", "timeout", "temporary", "eof"},
}

// retryableError reports whether err is transient and worth retrying.
func retryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, group := range retryablePatterns {
		for _, sub := range group {
			if strings.Contains(msg, sub) {
				return true
			}
		}
	}
	return false
}

// backoff returns the delay before retry attempt n (0-based), with
// jitter so concurrent runs do not retry in lockstep.
func (c RetryConfig) backoff(attempt int) time.Duration {
	d := c.InitialInterval << attempt
	if d > c.MaxInterval || d <= 0 {
		d = c.MaxInterval
	}
	jitter := time.Duration(rand.Int64N(int64(d)/2 + 1))
	return d/2 + jitter
}
