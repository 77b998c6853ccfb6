package ledger

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/modwarden/warden/internal/db"
	"github.com/modwarden/warden/internal/observability"
)

// Ledger is the durable, append-only record of confirmed violations.
// Aggregates are computed on read; a small per-subject cache is invalidated
// on every append so escalation never sees a stale count.
type Ledger struct {
	store ledgerStore

	mu    sync.Mutex
	cache map[string]cachedWeight
}

type ledgerStore interface {
	AppendInfraction(ctx context.Context, infraction *db.Infraction) error
	ListInfractions(ctx context.Context, subject db.Subject) ([]*db.Infraction, error)
	SumInfractionWeightSince(ctx context.Context, subject db.Subject, category string, since time.Time) (int, error)
}

type cachedWeight struct {
	since  time.Time
	weight int
}

func New(store ledgerStore) *Ledger {
	return &Ledger{
		store: store,
		cache: map[string]cachedWeight{},
	}
}

func (l *Ledger) Append(ctx context.Context, infraction *db.Infraction) error {
	if err := l.store.AppendInfraction(ctx, infraction); err != nil {
		return err
	}
	observability.RecordInfraction(infraction.Category)

	l.mu.Lock()
	delete(l.cache, weightKey(infraction.Subject(), ""))
	delete(l.cache, weightKey(infraction.Subject(), infraction.Category))
	l.mu.Unlock()

	log.WithFields(log.Fields{
		"context":      "ledger",
		"infraction":   infraction.ID,
		"community_id": infraction.CommunityID,
		"user_id":      infraction.UserID,
		"category":     infraction.Category,
		"weight":       infraction.Weight,
	}).Info("infraction recorded")
	return nil
}

// WeightSince returns the cumulative severity weight of the subject's
// infractions newer than since. An empty category counts all categories.
func (l *Ledger) WeightSince(ctx context.Context, subject db.Subject, category string, since time.Time) (int, error) {
	key := weightKey(subject, category)

	l.mu.Lock()
	if cached, ok := l.cache[key]; ok && cached.since.Equal(since) {
		l.mu.Unlock()
		return cached.weight, nil
	}
	l.mu.Unlock()

	weight, err := l.store.SumInfractionWeightSince(ctx, subject, category, since)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	l.cache[key] = cachedWeight{since: since, weight: weight}
	l.mu.Unlock()
	return weight, nil
}

func weightKey(subject db.Subject, category string) string {
	return subject.String() + "/" + category
}

func (l *Ledger) List(ctx context.Context, subject db.Subject) ([]*db.Infraction, error) {
	return l.store.ListInfractions(ctx, subject)
}
