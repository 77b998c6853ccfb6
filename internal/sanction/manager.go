package sanction

import (
	"context"
	"sync"
	"time"

	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/modwarden/warden/internal/db"
	"github.com/modwarden/warden/internal/observability"
	"github.com/modwarden/warden/internal/platform"
)

// Armer is the scheduler surface the manager needs. Kept as an interface so
// the manager and scheduler can reference each other without a package cycle.
type Armer interface {
	Arm(sanction *db.Sanction)
	Disarm(id string)
}

type managerStore interface {
	InsertSanction(ctx context.Context, sanction *db.Sanction) error
	GetSanction(ctx context.Context, id string) (*db.Sanction, error)
	GetActiveSanction(ctx context.Context, subject db.Subject, kind string) (*db.Sanction, error)
	ListActiveTimedSanctions(ctx context.Context) ([]*db.Sanction, error)
	ExtendSanction(ctx context.Context, id string, expiresAt *time.Time) (bool, error)
	TransitionSanctionStatus(ctx context.Context, id, from, to string, at time.Time) (bool, error)
}

// Manager owns the sanction lifecycle: apply with overlap resolution, revoke,
// scheduler-driven expiry and startup reconciliation. All state transitions
// for one subject are serialized behind a per-subject lock; the status CAS in
// the store settles whoever loses the remaining races.
type Manager struct {
	store managerStore
	exec  platform.Executor
	now   func() time.Time

	armerMu sync.RWMutex
	armer   Armer

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

type Request struct {
	CommunityID  int64
	UserID       int64
	Kind         string
	Reason       string
	Duration     time.Duration // 0 means permanent
	InfractionID *string
}

func NewManager(store managerStore, exec platform.Executor) *Manager {
	return &Manager{
		store: store,
		exec:  exec,
		now:   time.Now,
		locks: map[string]*sync.Mutex{},
	}
}

// SetArmer wires the expiry scheduler in after construction.
func (m *Manager) SetArmer(armer Armer) {
	m.armerMu.Lock()
	m.armer = armer
	m.armerMu.Unlock()
}

func (m *Manager) arm(sanction *db.Sanction) {
	if sanction.ExpiresAt == nil {
		return
	}
	if armer := m.currentArmer(); armer != nil {
		armer.Arm(sanction)
	}
}

func (m *Manager) disarm(id string) {
	if armer := m.currentArmer(); armer != nil {
		armer.Disarm(id)
	}
}

func (m *Manager) currentArmer() Armer {
	m.armerMu.RLock()
	defer m.armerMu.RUnlock()
	return m.armer
}

func (m *Manager) subjectLock(subject db.Subject) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	mu, ok := m.locks[subject.String()]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[subject.String()] = mu
	}
	return mu
}

// Apply issues a sanction, resolving overlap with any active sanction of the
// same kind: the one reaching further into the future wins. A permanent
// sanction always wins; a shorter overlapping request is discarded. Returns
// the sanction that ends up governing the subject.
func (m *Manager) Apply(ctx context.Context, req Request) (*db.Sanction, error) {
	subject := db.Subject{CommunityID: req.CommunityID, UserID: req.UserID}
	mu := m.subjectLock(subject)
	mu.Lock()
	sanction, created, err := m.admit(ctx, req, subject)
	mu.Unlock()
	if err != nil || !created {
		return sanction, err
	}

	entry := log.WithFields(log.Fields{
		"context":      "sanction",
		"sanction":     sanction.ID,
		"kind":         sanction.Kind,
		"community_id": sanction.CommunityID,
		"user_id":      sanction.UserID,
	})

	// Enforcement runs outside the subject lock: the retrier may back off
	// for seconds and must not block other transitions for this subject.
	err = m.exec.Apply(ctx, sanction)
	switch {
	case err == nil:
		entry.Info("sanction applied")
	case errors.Is(err, platform.ErrTargetNotFound):
		// Nothing to enforce against; resolve the record right away.
		m.disarm(sanction.ID)
		if _, terr := m.store.TransitionSanctionStatus(ctx, sanction.ID, db.SanctionStatusActive, db.SanctionStatusExpired, m.now()); terr != nil {
			return nil, errors.Wrap(terr, "resolve sanction for missing target")
		}
		sanction.Status = db.SanctionStatusExpired
		entry.Info("sanction target gone, resolved immediately")
	case errors.Is(err, platform.ErrEnforcementPending):
		// Recorded and armed; enforcement catches up later.
		entry.Warn("sanction recorded, enforcement pending")
	default:
		return sanction, errors.Wrap(err, "enforce sanction")
	}
	return sanction, nil
}

// admit records the sanction under the subject lock, resolving overlap with
// any active sanction of the same kind. created reports whether a fresh
// record now needs enforcement against the platform.
func (m *Manager) admit(ctx context.Context, req Request, subject db.Subject) (*db.Sanction, bool, error) {
	now := m.now()
	var expiresAt *time.Time
	if req.Duration > 0 {
		t := now.Add(req.Duration)
		expiresAt = &t
	}

	existing, err := m.store.GetActiveSanction(ctx, subject, req.Kind)
	if err != nil {
		return nil, false, errors.Wrap(err, "lookup active sanction")
	}
	if existing != nil {
		resolved, err := m.resolveOverlap(ctx, existing, expiresAt)
		return resolved, false, err
	}

	sanction := &db.Sanction{
		ID:           uuid.New(),
		CommunityID:  req.CommunityID,
		UserID:       req.UserID,
		Kind:         req.Kind,
		Reason:       req.Reason,
		InfractionID: req.InfractionID,
		IssuedAt:     now,
		ExpiresAt:    expiresAt,
		Status:       db.SanctionStatusActive,
	}
	if err := m.store.InsertSanction(ctx, sanction); err != nil {
		return nil, false, errors.Wrap(err, "insert sanction")
	}
	observability.RecordSanctionApplied(sanction.Kind)
	m.arm(sanction)
	return sanction, true, nil
}

// resolveOverlap handles a new request colliding with an active sanction of
// the same kind. Caller holds the subject lock.
func (m *Manager) resolveOverlap(ctx context.Context, existing *db.Sanction, newExpiry *time.Time) (*db.Sanction, error) {
	if existing.Permanent() {
		return existing, nil
	}
	if newExpiry != nil && !newExpiry.After(*existing.ExpiresAt) {
		return existing, nil
	}

	// The new request reaches further (or is permanent): extend in place.
	extended, err := m.store.ExtendSanction(ctx, existing.ID, newExpiry)
	if err != nil {
		return nil, errors.Wrap(err, "extend sanction")
	}
	if !extended {
		// Lost a race with expiry; the record resolved between lookup and
		// extend. The caller can re-apply.
		return nil, errors.New("sanction resolved during extension")
	}
	existing.ExpiresAt = newExpiry
	m.arm(existing)
	log.WithFields(log.Fields{
		"context":  "sanction",
		"sanction": existing.ID,
		"kind":     existing.Kind,
	}).Info("active sanction extended")
	return existing, nil
}

// Revoke lifts a sanction ahead of schedule. Revoking an already resolved
// sanction is a no-op.
func (m *Manager) Revoke(ctx context.Context, id string) error {
	sanction, err := m.store.GetSanction(ctx, id)
	if err != nil {
		return errors.Wrap(err, "get sanction")
	}

	mu := m.subjectLock(sanction.Subject())
	mu.Lock()
	swapped, err := m.store.TransitionSanctionStatus(ctx, id, db.SanctionStatusActive, db.SanctionStatusRevoked, m.now())
	mu.Unlock()
	if err != nil {
		return errors.Wrap(err, "revoke sanction")
	}
	if !swapped {
		return nil
	}
	m.disarm(id)
	log.WithFields(log.Fields{
		"context":  "sanction",
		"sanction": id,
		"kind":     sanction.Kind,
	}).Info("sanction revoked")

	if err := m.exec.Lift(ctx, sanction); err != nil && !platform.IsPermanent(err) {
		return errors.Wrap(err, "lift sanction")
	}
	return nil
}

// Expire resolves a timed sanction whose deadline passed. Called by the
// scheduler; losing the CAS to a concurrent revoke is a silent no-op.
func (m *Manager) Expire(ctx context.Context, id string) error {
	sanction, err := m.store.GetSanction(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		return errors.Wrap(err, "get sanction")
	}

	mu := m.subjectLock(sanction.Subject())
	mu.Lock()
	// Refetch under the lock: an extension may have landed between the
	// lookup above and acquiring the lock.
	sanction, err = m.store.GetSanction(ctx, id)
	if err != nil {
		mu.Unlock()
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		return errors.Wrap(err, "get sanction")
	}

	// A sanction extended after arming is not due yet; re-arm instead.
	if sanction.Status == db.SanctionStatusActive && sanction.ExpiresAt != nil && sanction.ExpiresAt.After(m.now()) {
		m.arm(sanction)
		mu.Unlock()
		return nil
	}

	swapped, err := m.store.TransitionSanctionStatus(ctx, id, db.SanctionStatusActive, db.SanctionStatusExpired, m.now())
	mu.Unlock()
	if err != nil {
		return errors.Wrap(err, "expire sanction")
	}
	if !swapped {
		return nil
	}
	observability.RecordSanctionExpired()
	log.WithFields(log.Fields{
		"context":  "sanction",
		"sanction": id,
		"kind":     sanction.Kind,
	}).Info("sanction expired")

	if err := m.exec.Lift(ctx, sanction); err != nil && !platform.IsPermanent(err) {
		return errors.Wrap(err, "lift expired sanction")
	}
	return nil
}

// IsActive reports whether the subject carries an active sanction of the kind.
func (m *Manager) IsActive(ctx context.Context, subject db.Subject, kind string) (bool, error) {
	sanction, err := m.store.GetActiveSanction(ctx, subject, kind)
	if err != nil {
		return false, err
	}
	return sanction != nil, nil
}

// Reconcile loads every active timed sanction after a restart, expires the
// overdue ones, repairs duplicate-kind anomalies by keeping the later-issued
// record, and returns the remainder for arming.
func (m *Manager) Reconcile(ctx context.Context) ([]*db.Sanction, error) {
	sanctions, err := m.store.ListActiveTimedSanctions(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list active sanctions")
	}

	now := m.now()
	keep := map[string]*db.Sanction{}
	var drop []*db.Sanction
	for _, s := range sanctions {
		key := s.Subject().String() + "/" + s.Kind
		if prev, ok := keep[key]; ok {
			if s.IssuedAt.After(prev.IssuedAt) {
				drop = append(drop, prev)
				keep[key] = s
			} else {
				drop = append(drop, s)
			}
			continue
		}
		keep[key] = s
	}

	for _, s := range drop {
		log.WithFields(log.Fields{
			"context":  "sanction",
			"sanction": s.ID,
			"kind":     s.Kind,
		}).Warn("duplicate active sanction, revoking older record")
		if _, err := m.store.TransitionSanctionStatus(ctx, s.ID, db.SanctionStatusActive, db.SanctionStatusRevoked, now); err != nil {
			return nil, errors.Wrap(err, "revoke duplicate sanction")
		}
		m.disarm(s.ID)
	}

	var pending []*db.Sanction
	for _, s := range keep {
		if !s.ExpiresAt.After(now) {
			if err := m.Expire(ctx, s.ID); err != nil {
				return nil, err
			}
			continue
		}
		pending = append(pending, s)
	}
	log.WithFields(log.Fields{
		"context": "sanction",
		"armed":   len(pending),
		"expired": len(sanctions) - len(drop) - len(pending),
	}).Info("reconciled sanctions")
	return pending, nil
}
