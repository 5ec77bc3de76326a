package llm

import (
	"context"
	"errors"
	"io"
	"net"
	"regexp"
	"syscall"
	"time"

	"github.com/phuslu/log"
	"github.com/xhad/lexqa/internal/types"
)

// RetryConfig bounds how transient provider failures are retried.
type RetryConfig struct {
	// MaxAttempts counts the first call, so 3 means one call plus two retries.
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

const (
	DefaultMaxAttempts       = 3
	DefaultInitialBackoff    = 500 * time.Millisecond
	DefaultMaxBackoff        = 8 * time.Second
	DefaultBackoffMultiplier = 2.0
)

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       DefaultMaxAttempts,
		InitialBackoff:    DefaultInitialBackoff,
		MaxBackoff:        DefaultMaxBackoff,
		BackoffMultiplier: DefaultBackoffMultiplier,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.InitialBackoff < 0 {
		c.InitialBackoff = 0
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = DefaultBackoffMultiplier
	}
	return c
}

// Backoff returns the wait before retry number attempt (0-based), capped at MaxBackoff.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	c = c.withDefaults()
	backoff := float64(c.InitialBackoff)
	for i := 0; i < attempt; i++ {
		backoff *= c.BackoffMultiplier
	}
	if backoff > float64(c.MaxBackoff) {
		return c.MaxBackoff
	}
	return time.Duration(backoff)
}

var errEmptyResponse = errors.New("provider returned an empty response")

// transientMessage matches whole words and status codes only, so "1500" or
// "geoff" do not count.
var transientMessage = regexp.MustCompile(`(?i)\b(?:429|500|502|503|504|rate limit(?:ed)?|too many requests|resource_exhausted|quota|overloaded|unavailable|timeout|timed out|connection refused|connection reset|eof)\b`)

// IsTransient reports whether err is worth retrying: timeouts, rate limits,
// upstream 5xx responses and dropped connections.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, types.ErrDimensionMismatch) {
		return false
	}
	switch {
	case errors.Is(err, errEmptyResponse), errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return true
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return transientMessage.MatchString(err.Error())
}

// retry runs fn until it succeeds, fails permanently, or attempts run out.
// Cancellation of ctx is returned as ctx.Err() and never retried.
func retry(ctx context.Context, cfg RetryConfig, logger *log.Logger, op string, fn func(context.Context) error) error {
	cfg = cfg.withDefaults()

	var err error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := cfg.Backoff(attempt - 1)
			logger.Warn().
				Str("op", op).
				Int("attempt", attempt+1).
				Int("max_attempts", cfg.MaxAttempts).
				Dur("backoff", wait).
				Err(err).
				Msg("retrying provider call")

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !IsTransient(err) {
			return err
		}
	}
	return err
}
