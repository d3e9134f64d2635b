package fetcher

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Policy bounds the retry loop. The delay between attempts is fixed.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultPolicy mirrors the dashboards: three attempts, one second apart.
var DefaultPolicy = Policy{MaxAttempts: 3, BaseDelay: time.Second}

func (p Policy) normalize() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	return p
}

// Retry resolves f into an Outcome. An error or an empty payload counts as
// a failed attempt; after MaxAttempts failed attempts the outcome is
// KindExhausted. The context is honored before each attempt and during
// the delay between attempts.
func Retry(ctx context.Context, f Fetcher, p Policy) Outcome {
	p = p.normalize()
	log := zerolog.Ctx(ctx)

	var (
		lastErr   error
		lastCause Kind
	)
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return interrupted(f, err, attempt-1)
		}

		payload, err := f.Fetch(ctx)
		switch {
		case err != nil:
			// an attempt cut short by the context is not an upstream failure
			if ctxErr := ctx.Err(); ctxErr != nil {
				return interrupted(f, ctxErr, attempt)
			}
			lastErr, lastCause = err, KindTransient
		case payload == nil || payload.Empty():
			lastErr, lastCause = ErrEmptyResult, KindEmpty
		default:
			if attempt > 1 {
				log.Debug().Str("key", f.Key()).Int("attempt", attempt).Msg("fetch succeeded after retry")
			}
			return Success(f, payload, attempt)
		}

		if attempt == p.MaxAttempts {
			break
		}

		log.Debug().
			Str("key", f.Key()).
			Int("attempt", attempt).
			Int("max_attempts", p.MaxAttempts).
			Str("cause", string(lastCause)).
			Err(lastErr).
			Dur("delay", p.BaseDelay).
			Msg("retrying fetch")

		if err := sleep(ctx, p.BaseDelay); err != nil {
			return interrupted(f, err, attempt)
		}
	}

	log.Warn().Str("key", f.Key()).Int("attempts", p.MaxAttempts).Err(lastErr).Msg("fetch exhausted retries")

	out := Failed(f, KindExhausted, lastErr, p.MaxAttempts)
	out.Failure.Cause = lastCause
	return out
}

func interrupted(f Fetcher, err error, attempts int) Outcome {
	if errors.Is(err, context.DeadlineExceeded) {
		return Failed(f, KindTimeout, err, attempts)
	}
	return Failed(f, KindCanceled, err, attempts)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
