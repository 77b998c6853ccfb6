package sanction

import (
	"container/heap"
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/modwarden/warden/internal/db"
)

// Expirer is the manager surface the scheduler drives.
type Expirer interface {
	Expire(ctx context.Context, id string) error
	Reconcile(ctx context.Context) ([]*db.Sanction, error)
}

type retentionStore interface {
	PurgeResolvedInfractionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type deadline struct {
	id string
	at time.Time
}

type deadlineHeap []deadline

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h deadlineHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x interface{}) { *h = append(*h, x.(deadline)) }
func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Scheduler fires sanction expiries at their deadline. Deadlines live in a
// min-heap; the run loop sleeps until the earliest one, capped at maxSleep so
// a wall-clock jump never stalls it for long. Stale heap entries (re-armed or
// disarmed ids) are dropped when popped.
type Scheduler struct {
	expirer   Expirer
	retention retentionStore

	maxSleep      time.Duration
	retentionDays int

	mu    sync.Mutex
	heap  deadlineHeap
	armed map[string]time.Time
	wake  chan struct{}

	runMutex  sync.Mutex
	started   bool
	runCancel context.CancelFunc
	workersWg sync.WaitGroup
}

func NewScheduler(expirer Expirer, retention retentionStore, maxSleep time.Duration, retentionDays int) *Scheduler {
	if maxSleep <= 0 {
		maxSleep = time.Minute
	}
	return &Scheduler{
		expirer:       expirer,
		retention:     retention,
		maxSleep:      maxSleep,
		retentionDays: retentionDays,
		armed:         map[string]time.Time{},
		wake:          make(chan struct{}, 1),
	}
}

// Arm schedules the sanction's expiry. Re-arming with a new deadline
// supersedes the old one; arming an untimed sanction is a no-op.
func (s *Scheduler) Arm(sanction *db.Sanction) {
	if sanction.ExpiresAt == nil {
		return
	}
	at := *sanction.ExpiresAt

	s.mu.Lock()
	if prev, ok := s.armed[sanction.ID]; ok && prev.Equal(at) {
		s.mu.Unlock()
		return
	}
	s.armed[sanction.ID] = at
	heap.Push(&s.heap, deadline{id: sanction.ID, at: at})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Disarm forgets a scheduled expiry, typically after a revoke. Firing a
// forgotten id would be harmless (the status guard no-ops) but pointless.
func (s *Scheduler) Disarm(id string) {
	s.mu.Lock()
	delete(s.armed, id)
	s.mu.Unlock()
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.runMutex.Lock()
	defer s.runMutex.Unlock()
	if s.started {
		return nil
	}

	pending, err := s.expirer.Reconcile(ctx)
	if err != nil {
		return err
	}
	for _, sanction := range pending {
		s.Arm(sanction)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel
	s.started = true

	s.workersWg.Add(2)
	go func() {
		defer s.workersWg.Done()
		s.run(runCtx)
	}()
	go func() {
		defer s.workersWg.Done()
		s.runRetention(runCtx)
	}()
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	s.runMutex.Lock()
	if !s.started {
		s.runMutex.Unlock()
		return nil
	}
	s.started = false
	cancel := s.runCancel
	s.runMutex.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.workersWg.Wait()
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (s *Scheduler) run(ctx context.Context) {
	for {
		sleep := s.nextSleep(time.Now())
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
		s.fireDue(ctx, time.Now())
	}
}

// nextSleep returns how long to wait before the earliest armed deadline,
// never more than maxSleep.
func (s *Scheduler) nextSleep(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.heap.Len() > 0 {
		next := s.heap[0]
		if armedAt, ok := s.armed[next.id]; !ok || !armedAt.Equal(next.at) {
			heap.Pop(&s.heap)
			continue
		}
		until := next.at.Sub(now)
		if until < 0 {
			until = 0
		}
		if until > s.maxSleep {
			return s.maxSleep
		}
		return until
	}
	return s.maxSleep
}

// fireDue expires everything whose deadline passed. Each expiry runs to
// completion; an error is logged and the deadline dropped, the next reconcile
// pass will retry it.
func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	for {
		s.mu.Lock()
		var due *deadline
		for s.heap.Len() > 0 {
			next := s.heap[0]
			if armedAt, ok := s.armed[next.id]; !ok || !armedAt.Equal(next.at) {
				heap.Pop(&s.heap)
				continue
			}
			if next.at.After(now) {
				break
			}
			item := heap.Pop(&s.heap).(deadline)
			delete(s.armed, item.id)
			due = &item
			break
		}
		s.mu.Unlock()

		if due == nil {
			return
		}
		if err := s.expirer.Expire(ctx, due.id); err != nil {
			log.WithFields(log.Fields{
				"context":  "scheduler",
				"sanction": due.id,
				"error":    err.Error(),
			}).Error("expiry failed")
		}
	}
}

// runRetention purges aged-out resolved infractions once a day, first pass
// right after startup.
func (s *Scheduler) runRetention(ctx context.Context) {
	if s.retention == nil || s.retentionDays <= 0 {
		return
	}
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
		purged, err := s.retention.PurgeResolvedInfractionsBefore(ctx, cutoff)
		if err != nil {
			log.WithField("context", "scheduler").WithField("error", err.Error()).Error("retention purge failed")
		} else if purged > 0 {
			log.WithField("context", "scheduler").WithField("purged", purged).Info("purged aged-out infractions")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
