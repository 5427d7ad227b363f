package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	kvlog "github.com/kvsync-labs/kvsync/pkg/kvsync/v1/log"
)

// Operation is a retryable unit of work.
type Operation func(ctx context.Context) error

// Config controls the retry schedule: attempt count, initial delay, delay
// cap, exponential backoff factor and jitter fraction.
type Config struct {
	Attempts      int
	Delay         time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        float64
	Label         string
}

// Helper executes operations under a retry policy. Used by the transport
// dialer to ride out peers that have not finished binding yet.
type Helper struct {
	log        kvlog.Logger
	randSource *rand.Rand
}

func NewHelper(log kvlog.Logger) *Helper {
	if log == nil {
		panic("retry.NewHelper requires a non-nil logger")
	}
	return &Helper{
		log:        log,
		randSource: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Do runs op until it succeeds, attempts are exhausted, or the context is
// cancelled. The final error is the last operation error, or the context
// error when cancellation interrupted the schedule.
func (h *Helper) Do(ctx context.Context, cfg Config, op Operation) error {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if cfg.BackoffFactor < 1.0 {
		cfg.BackoffFactor = 1.0
	}
	if cfg.Jitter < 0.0 {
		cfg.Jitter = 0.0
	} else if cfg.Jitter > 1.0 {
		cfg.Jitter = 1.0
	}
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	if cfg.MaxDelay < 0 {
		cfg.MaxDelay = 0
	}

	var lastErr error
	logPrefix := ""
	if cfg.Label != "" {
		logPrefix = fmt.Sprintf("%s: ", cfg.Label)
	}

	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		select {
		case <-ctx.Done():
			h.log.Warnf("%sretry attempt %d/%d cancelled before start: %v", logPrefix, attempt, cfg.Attempts, ctx.Err())
			if lastErr == nil {
				return ctx.Err()
			}
			return fmt.Errorf("cancelled during retry: %w (last error: %v)", ctx.Err(), lastErr)
		default:
		}

		lastErr = op(ctx)
		if lastErr == nil {
			if attempt > 1 {
				h.log.Infof("%ssucceeded on attempt %d/%d", logPrefix, attempt, cfg.Attempts)
			}
			return nil
		}

		if attempt == cfg.Attempts {
			break
		}

		delay := h.nextDelay(cfg, attempt)
		h.log.Debugf("%sattempt %d/%d failed (%v), retrying in %v", logPrefix, attempt, cfg.Attempts, lastErr, delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("cancelled while waiting to retry: %w (last error: %v)", ctx.Err(), lastErr)
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", cfg.Attempts, lastErr)
}

// nextDelay computes the backoff delay for the given (1-based) attempt,
// applying the cap and symmetric jitter.
func (h *Helper) nextDelay(cfg Config, attempt int) time.Duration {
	delay := float64(cfg.Delay) * math.Pow(cfg.BackoffFactor, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter > 0 {
		span := delay * cfg.Jitter
		delay = delay - span/2 + h.randSource.Float64()*span
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
