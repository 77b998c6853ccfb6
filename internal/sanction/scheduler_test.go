package sanction

import (
	"context"
	"testing"
	"time"

	"github.com/modwarden/warden/internal/db"
)

type fakeExpirer struct {
	pending []*db.Sanction
	fired   chan string
}

func newFakeExpirer(pending ...*db.Sanction) *fakeExpirer {
	return &fakeExpirer{pending: pending, fired: make(chan string, 16)}
}

func (f *fakeExpirer) Reconcile(context.Context) ([]*db.Sanction, error) {
	return f.pending, nil
}

func (f *fakeExpirer) Expire(_ context.Context, id string) error {
	f.fired <- id
	return nil
}

func timedSanction(id string, expiresAt time.Time) *db.Sanction {
	return &db.Sanction{
		ID:          id,
		CommunityID: 1,
		UserID:      100,
		Kind:        db.SanctionKindMute,
		IssuedAt:    time.Now(),
		ExpiresAt:   &expiresAt,
		Status:      db.SanctionStatusActive,
	}
}

func awaitFire(t *testing.T, fired chan string, within time.Duration) (string, time.Time) {
	t.Helper()
	select {
	case id := <-fired:
		return id, time.Now()
	case <-time.After(within):
		t.Fatal("expiry never fired")
		return "", time.Time{}
	}
}

func TestSchedulerReconcileArmsAndFiresInOrder(t *testing.T) {
	t.Parallel()

	later := time.Now().Add(300 * time.Millisecond)
	sooner := time.Now().Add(150 * time.Millisecond)
	expirer := newFakeExpirer(timedSanction("later", later), timedSanction("sooner", sooner))
	s := NewScheduler(expirer, nil, 20*time.Millisecond, 0)

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Stop(context.Background()) }()

	id, at := awaitFire(t, expirer.fired, 2*time.Second)
	if id != "sooner" {
		t.Fatalf("first fire = %q, want sooner", id)
	}
	if at.Before(sooner) {
		t.Fatalf("fired %v before deadline %v", at, sooner)
	}
	if id, _ := awaitFire(t, expirer.fired, 2*time.Second); id != "later" {
		t.Fatalf("second fire = %q, want later", id)
	}
}

func TestSchedulerNeverFiresEarly(t *testing.T) {
	t.Parallel()

	deadline := time.Now().Add(250 * time.Millisecond)
	expirer := newFakeExpirer(timedSanction("s1", deadline))
	s := NewScheduler(expirer, nil, 10*time.Millisecond, 0)

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Stop(context.Background()) }()

	select {
	case id := <-expirer.fired:
		t.Fatalf("%q fired %v early", id, time.Until(deadline))
	case <-time.After(100 * time.Millisecond):
	}

	if _, at := awaitFire(t, expirer.fired, 2*time.Second); at.Before(deadline) {
		t.Fatalf("fired before deadline")
	}
}

func TestSchedulerArmAfterStart(t *testing.T) {
	t.Parallel()

	expirer := newFakeExpirer()
	// maxSleep far beyond the deadline: only the wake signal can make this pass.
	s := NewScheduler(expirer, nil, time.Hour, 0)

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Stop(context.Background()) }()

	s.Arm(timedSanction("live", time.Now().Add(100*time.Millisecond)))
	if id, _ := awaitFire(t, expirer.fired, 2*time.Second); id != "live" {
		t.Fatalf("fired %q, want live", id)
	}
}

func TestSchedulerDisarmPreventsFire(t *testing.T) {
	t.Parallel()

	expirer := newFakeExpirer(timedSanction("gone", time.Now().Add(150*time.Millisecond)))
	s := NewScheduler(expirer, nil, 10*time.Millisecond, 0)

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Stop(context.Background()) }()

	s.Disarm("gone")
	select {
	case id := <-expirer.fired:
		t.Fatalf("disarmed %q still fired", id)
	case <-time.After(400 * time.Millisecond):
	}
}

func TestSchedulerRearmSupersedesOldDeadline(t *testing.T) {
	t.Parallel()

	expirer := newFakeExpirer()
	s := NewScheduler(expirer, nil, 10*time.Millisecond, 0)

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Stop(context.Background()) }()

	s.Arm(timedSanction("s1", time.Now().Add(100*time.Millisecond)))
	pushed := time.Now().Add(350 * time.Millisecond)
	s.Arm(timedSanction("s1", pushed))

	id, at := awaitFire(t, expirer.fired, 2*time.Second)
	if id != "s1" {
		t.Fatalf("fired %q", id)
	}
	if at.Before(pushed) {
		t.Fatalf("old deadline fired despite re-arm: %v < %v", at, pushed)
	}
}

func TestSchedulerStartIdempotentAndStops(t *testing.T) {
	t.Parallel()

	expirer := newFakeExpirer()
	s := NewScheduler(expirer, nil, 10*time.Millisecond, 0)

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatal(err)
	}
}
