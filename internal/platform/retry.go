package platform

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/modwarden/warden/internal/db"
	"github.com/modwarden/warden/internal/observability"
)

// Retrier wraps an Executor with bounded exponential backoff. Permanent
// failures pass through untouched; transient ones are retried, and when the
// budget runs out the call degrades to ErrEnforcementPending instead of
// losing the sanction.
type Retrier struct {
	next       Executor
	maxRetries int
	step       time.Duration
}

func NewRetrier(next Executor, maxRetries int, step time.Duration) *Retrier {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if step <= 0 {
		step = 300 * time.Millisecond
	}
	return &Retrier{next: next, maxRetries: maxRetries, step: step}
}

func (r *Retrier) Apply(ctx context.Context, sanction *db.Sanction) error {
	return r.attempt(ctx, "apply", sanction, r.next.Apply)
}

func (r *Retrier) Lift(ctx context.Context, sanction *db.Sanction) error {
	return r.attempt(ctx, "lift", sanction, r.next.Lift)
}

func (r *Retrier) attempt(ctx context.Context, op string, sanction *db.Sanction, call func(context.Context, *db.Sanction) error) error {
	entry := log.WithFields(log.Fields{
		"context":  "platform",
		"op":       op,
		"sanction": sanction.ID,
	})

	delay := r.step
	var lastErr error
	for i := 0; i <= r.maxRetries; i++ {
		lastErr = call(ctx, sanction)
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) {
			return lastErr
		}
		if i == r.maxRetries {
			break
		}
		entry.WithField("error", lastErr.Error()).WithField("attempt", i+1).Warn("transient platform failure, retrying")
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "enforcement interrupted")
		case <-time.After(delay):
		}
		delay *= 2
	}

	observability.RecordEnforcementPending()
	entry.WithField("error", lastErr.Error()).Error("enforcement retries exhausted")
	return errors.Wrap(ErrEnforcementPending, lastErr.Error())
}
