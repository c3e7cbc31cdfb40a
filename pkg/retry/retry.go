// Package retry holds the retry policy applied to vendor HTTP calls.
package retry

import (
	"context"
	"log/slog"
	"time"

	goretry "github.com/sethvargo/go-retry"
	"github.com/sunledger/sunledger/pkg/log"
	"github.com/sunledger/sunledger/pkg/types"
)

// Policy is a bounded exponential backoff. Zero values fall back to the
// defaults of Default.
type Policy struct {
	MaxAttempts uint64
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	IsRetryable func(error) bool
}

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 2 * time.Second
)

// Default retries transient errors up to three attempts, starting at 2s and
// doubling up to maxDelay.
func Default(maxDelay time.Duration) Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    maxDelay,
		IsRetryable: types.IsTransient,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.IsRetryable == nil {
		p.IsRetryable = types.IsTransient
	}
	return p
}

func (p Policy) backoff() goretry.Backoff {
	b := goretry.NewExponential(p.BaseDelay)
	b = goretry.WithCappedDuration(p.MaxDelay, b)
	return goretry.WithMaxRetries(p.MaxAttempts-1, b)
}

// Delays returns the waits between attempts.
func (p Policy) Delays() []time.Duration {
	p = p.normalized()
	b := p.backoff()
	var out []time.Duration
	for {
		d, stop := b.Next()
		if stop {
			return out
		}
		out = append(out, d)
	}
}

// Do calls fn until it succeeds, returns an error IsRetryable rejects, the
// attempts run out or ctx is done. The last error from fn is returned.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	p = p.normalized()
	if err := ctx.Err(); err != nil {
		return err
	}
	var attempt int
	return goretry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !p.IsRetryable(err) {
			return err
		}
		log.Ctx(ctx).DebugContext(ctx, "retrying vendor call",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
		return goretry.RetryableError(err)
	})
}
