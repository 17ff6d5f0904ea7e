package service

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-governance-workflows/internal/client"
	"github.com/pesio-ai/be-governance-workflows/internal/common/logger"
	"github.com/pesio-ai/be-governance-workflows/internal/metrics"
	"github.com/pesio-ai/be-governance-workflows/internal/policy"
	"github.com/pesio-ai/be-governance-workflows/internal/repository"
)

// Clock returns the current time. Engines never call time.Now directly.
type Clock func() time.Time

// IDGenerator returns a new unique identifier.
type IDGenerator func() string

// SystemClock is the wall clock in UTC.
func SystemClock() time.Time { return time.Now().UTC() }

// NewUUID generates random UUIDs.
func NewUUID() string { return uuid.NewString() }

// Deps are the collaborators shared by the engines. Zero fields get
// defaults, except the repositories the engine actually uses.
type Deps struct {
	Requests  repository.RequestRepository
	Instances repository.InstanceRepository
	Audit     repository.AuditRepository
	Notifier  client.Notifier
	Metrics   *metrics.Metrics
	Log       *logger.Logger
	Clock     Clock
	NewID     IDGenerator
}

func (d Deps) withDefaults() Deps {
	if d.Log == nil {
		d.Log = logger.Nop()
	}
	if d.Notifier == nil {
		d.Notifier = client.NewLogNotifier(d.Log.Logger)
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New(nil)
	}
	if d.Clock == nil {
		d.Clock = SystemClock
	}
	if d.NewID == nil {
		d.NewID = NewUUID
	}
	return d
}

// maxMutationAttempts bounds the optimistic retry loop.
const maxMutationAttempts = 5

// errNoChange lets an apply func abort a mutation without writing.
var errNoChange = stderrors.New("no change")

type versionedStore[T any] interface {
	Get(ctx context.Context, id string) (*T, error)
	Update(ctx context.Context, v *T) error
}

// mutate runs load, apply, conditional write until the write lands or the
// attempts run out. apply sees fresh state on every attempt, so validation
// is re-run against whatever a concurrent writer left behind.
func mutate[T any](
	ctx context.Context,
	store versionedStore[T],
	kind, id string,
	notFound func(string) error,
	onConflict func(),
	apply func(*T) error,
) (*T, error) {
	for attempt := 0; attempt < maxMutationAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cur, err := store.Get(ctx, id)
		if err != nil {
			if stderrors.Is(err, repository.ErrNotFound) {
				return nil, notFound(id)
			}
			return nil, err
		}
		if err := apply(cur); err != nil {
			return cur, err
		}
		err = store.Update(ctx, cur)
		if err == nil {
			return cur, nil
		}
		if !stderrors.Is(err, repository.ErrVersionConflict) {
			return nil, err
		}
		if onConflict != nil {
			onConflict()
		}
	}
	return nil, errConcurrentModification(kind, id)
}

// resolveRecipients expands the "requestor" token and drops duplicates.
func resolveRecipients(tokens []string, requestor string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t == policy.RecipientRequestor {
			if requestor == "" {
				continue
			}
			t = "user:" + requestor
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func hours(n int) time.Duration {
	return time.Duration(n) * time.Hour
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
