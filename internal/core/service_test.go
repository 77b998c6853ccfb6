package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/modwarden/warden/internal/db"
	"github.com/modwarden/warden/internal/event"
	"github.com/modwarden/warden/internal/ledger"
	"github.com/modwarden/warden/internal/platform"
	"github.com/modwarden/warden/internal/sanction"
)

// coreStore is an in-memory stand-in for the sqlite client, shared by the
// service, ledger and manager under test.
type coreStore struct {
	mu          sync.Mutex
	configs     map[int64]*db.CommunityConfig
	infractions []*db.Infraction
	sanctions   map[string]*db.Sanction
}

func newCoreStore() *coreStore {
	return &coreStore{
		configs:   map[int64]*db.CommunityConfig{},
		sanctions: map[string]*db.Sanction{},
	}
}

func (s *coreStore) GetCommunityConfig(_ context.Context, communityID int64) (*db.CommunityConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[communityID]
	if !ok {
		return nil, db.ErrNotFound
	}
	return cfg, nil
}

func (s *coreStore) SetCommunityConfig(_ context.Context, cfg *db.CommunityConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.ID] = cfg
	return nil
}

func (s *coreStore) LinkInfractionSanction(_ context.Context, infractionID, sanctionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, i := range s.infractions {
		if i.ID == infractionID {
			i.SanctionID = &sanctionID
			return nil
		}
	}
	return db.ErrNotFound
}

func (s *coreStore) AppendInfraction(_ context.Context, infraction *db.Infraction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.infractions = append(s.infractions, infraction)
	return nil
}

func (s *coreStore) ListInfractions(_ context.Context, subject db.Subject) ([]*db.Infraction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.Infraction
	for _, i := range s.infractions {
		if i.Subject() == subject {
			out = append(out, i)
		}
	}
	return out, nil
}

func (s *coreStore) SumInfractionWeightSince(_ context.Context, subject db.Subject, category string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, i := range s.infractions {
		if i.Subject() != subject || !i.CreatedAt.After(since) {
			continue
		}
		if category != "" && i.Category != category {
			continue
		}
		total += i.Weight
	}
	return total, nil
}

func (s *coreStore) InsertSanction(_ context.Context, sanction *db.Sanction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *sanction
	s.sanctions[sanction.ID] = &clone
	return nil
}

func (s *coreStore) GetSanction(_ context.Context, id string) (*db.Sanction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sanction, ok := s.sanctions[id]; ok {
		clone := *sanction
		return &clone, nil
	}
	return nil, db.ErrNotFound
}

func (s *coreStore) GetActiveSanction(_ context.Context, subject db.Subject, kind string) (*db.Sanction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *db.Sanction
	for _, sanction := range s.sanctions {
		if sanction.Subject() != subject || sanction.Kind != kind || sanction.Status != db.SanctionStatusActive {
			continue
		}
		if best == nil || sanction.IssuedAt.After(best.IssuedAt) {
			best = sanction
		}
	}
	if best == nil {
		return nil, nil
	}
	clone := *best
	return &clone, nil
}

func (s *coreStore) ListActiveTimedSanctions(_ context.Context) ([]*db.Sanction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.Sanction
	for _, sanction := range s.sanctions {
		if sanction.Status == db.SanctionStatusActive && sanction.ExpiresAt != nil {
			clone := *sanction
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *coreStore) ExtendSanction(_ context.Context, id string, expiresAt *time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sanction, ok := s.sanctions[id]
	if !ok || sanction.Status != db.SanctionStatusActive {
		return false, nil
	}
	sanction.ExpiresAt = expiresAt
	return true, nil
}

func (s *coreStore) TransitionSanctionStatus(_ context.Context, id, from, to string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sanction, ok := s.sanctions[id]
	if !ok || sanction.Status != from {
		return false, nil
	}
	sanction.Status = to
	sanction.ResolvedAt = &at
	return true, nil
}

func (s *coreStore) activeSanctions(subject db.Subject, kind string) []*db.Sanction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.Sanction
	for _, sanction := range s.sanctions {
		if sanction.Subject() == subject && sanction.Kind == kind && sanction.Status == db.SanctionStatusActive {
			out = append(out, sanction)
		}
	}
	return out
}

func testSettings() db.Settings {
	return db.Settings{
		Enabled:        true,
		AlertChannelID: 42,
		Spam:           db.SpamSettings{Enabled: true, MaxMessages: 5, WindowSeconds: 10, RepeatThreshold: 3},
		Content:        db.ContentSettings{Enabled: true, BannedWords: []string{"badword"}, BlockInvites: true},
		Raid:           db.RaidSettings{Enabled: true, JoinThreshold: 10, WindowSeconds: 60, LockSeconds: 600},
		Nuke:           db.NukeSettings{Enabled: true, ActionThreshold: 5, WindowSeconds: 60, LockSeconds: 900},
		Escalation: db.EscalationSettings{
			Enabled:       true,
			RetentionDays: 30,
			Steps: []db.EscalationStep{
				{MinWeight: 2, Action: "warn"},
				{MinWeight: 4, Action: "mute", DurationSeconds: 1800},
				{MinWeight: 12, Action: "tempban", DurationSeconds: 604800},
				{MinWeight: 20, Action: "ban"},
			},
		},
	}
}

func newTestService(t *testing.T) (*Service, *coreStore) {
	t.Helper()
	store := newCoreStore()
	manager := sanction.NewManager(store, platform.NewDryRunExecutor())
	svc := NewService(store, ledger.New(store), manager)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	if err := svc.UpdateConfig(context.Background(), 1, testSettings()); err != nil {
		t.Fatal(err)
	}
	return svc, store
}

func messageAt(userID int64, text string, at time.Time) *event.Event {
	return &event.Event{
		Kind:        event.KindMessageSent,
		CommunityID: 1,
		UserID:      userID,
		OccurredAt:  at,
		Message:     &event.Message{Text: text},
	}
}

func TestServiceSpamBurstsEscalateToMute(t *testing.T) {
	t.Parallel()

	svc, store := newTestService(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	subject := db.Subject{CommunityID: 1, UserID: 100}

	// First flood burst: weight 2, lands on "warn", no sanction yet.
	for i := 0; i < 5; i++ {
		svc.HandleEvent(ctx, messageAt(100, "msg "+string(rune('a'+i)), base.Add(time.Duration(i)*time.Second)))
	}
	infractions, err := svc.ListInfractions(ctx, subject)
	if err != nil {
		t.Fatal(err)
	}
	if len(infractions) != 1 {
		t.Fatalf("infractions after first burst = %d, want 1", len(infractions))
	}
	if got := store.activeSanctions(subject, db.SanctionKindMute); len(got) != 0 {
		t.Fatalf("warn step must not sanction, got %d mutes", len(got))
	}

	// Second burst a minute later: cumulative weight 4 lands on the mute step.
	for i := 0; i < 5; i++ {
		svc.HandleEvent(ctx, messageAt(100, "more "+string(rune('a'+i)), base.Add(time.Minute+time.Duration(i)*time.Second)))
	}
	mutes := store.activeSanctions(subject, db.SanctionKindMute)
	if len(mutes) != 1 {
		t.Fatalf("mutes after second burst = %d, want 1", len(mutes))
	}
	if mutes[0].ExpiresAt == nil {
		t.Fatal("escalation mute must be timed")
	}

	// The triggering infraction links back to the sanction.
	infractions, err = svc.ListInfractions(ctx, subject)
	if err != nil {
		t.Fatal(err)
	}
	var linked bool
	for _, i := range infractions {
		if i.SanctionID != nil && *i.SanctionID == mutes[0].ID {
			linked = true
		}
	}
	if !linked {
		t.Fatal("no infraction linked to the applied sanction")
	}
}

func TestServiceRaidLocksCommunity(t *testing.T) {
	t.Parallel()

	svc, store := newTestService(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		svc.HandleEvent(ctx, &event.Event{
			Kind:        event.KindMemberJoined,
			CommunityID: 1,
			UserID:      int64(500 + i),
			OccurredAt:  base.Add(time.Duration(i) * time.Second),
		})
	}

	community := db.Subject{CommunityID: 1}
	locks := store.activeSanctions(community, db.SanctionKindLock)
	if len(locks) != 1 {
		t.Fatalf("community locks = %d, want 1", len(locks))
	}
	if locks[0].ExpiresAt == nil {
		t.Fatal("raid lock must be temporary")
	}

	infractions, err := svc.ListInfractions(ctx, community)
	if err != nil {
		t.Fatal(err)
	}
	if len(infractions) != 1 || infractions[0].Category != db.CategoryRaid {
		t.Fatalf("unexpected community ledger: %+v", infractions)
	}
	// No joiner gets an individual infraction from a raid.
	for i := 0; i < 10; i++ {
		list, err := svc.ListInfractions(ctx, db.Subject{CommunityID: 1, UserID: int64(500 + i)})
		if err != nil {
			t.Fatal(err)
		}
		if len(list) != 0 {
			t.Fatalf("joiner %d has %d infractions, want 0", 500+i, len(list))
		}
	}
}

func TestServiceNukeSanctionsActorAndLocks(t *testing.T) {
	t.Parallel()

	svc, store := newTestService(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		svc.HandleEvent(ctx, &event.Event{
			Kind:        event.KindChannelRemoved,
			CommunityID: 1,
			ActorID:     77,
			OccurredAt:  base.Add(time.Duration(i) * time.Second),
		})
	}

	actor := db.Subject{CommunityID: 1, UserID: 77}
	infractions, err := svc.ListInfractions(ctx, actor)
	if err != nil {
		t.Fatal(err)
	}
	if len(infractions) != 1 || infractions[0].Weight != 5 {
		t.Fatalf("unexpected actor ledger: %+v", infractions)
	}
	// Weight 5 lands on the mute step of the test ladder.
	if got := store.activeSanctions(actor, db.SanctionKindMute); len(got) != 1 {
		t.Fatalf("actor mutes = %d, want 1", len(got))
	}
	if got := store.activeSanctions(db.Subject{CommunityID: 1}, db.SanctionKindLock); len(got) != 1 {
		t.Fatalf("community locks = %d, want 1", len(got))
	}
}

func TestServiceConfigMaterializesDefaults(t *testing.T) {
	t.Parallel()

	store := newCoreStore()
	manager := sanction.NewManager(store, platform.NewDryRunExecutor())
	svc := NewService(store, ledger.New(store), manager)
	ctx := context.Background()

	cfg, err := svc.Config(ctx, 9)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ID != 9 {
		t.Fatalf("cfg.ID = %d", cfg.ID)
	}
	// The materialized default is persisted, not just cached.
	if _, err := store.GetCommunityConfig(ctx, 9); err != nil {
		t.Fatalf("default config not persisted: %v", err)
	}
}

func TestServiceDisabledCommunityIgnoresEvents(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()

	settings := testSettings()
	settings.Enabled = false
	if err := svc.UpdateConfig(ctx, 1, settings); err != nil {
		t.Fatal(err)
	}

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 8; i++ {
		svc.HandleEvent(ctx, messageAt(100, "x", base.Add(time.Duration(i)*time.Second)))
	}
	list, err := svc.ListInfractions(ctx, db.Subject{CommunityID: 1, UserID: 100})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Fatalf("disabled community recorded %d infractions", len(list))
	}
}

func TestServiceManualSanctionLifecycle(t *testing.T) {
	t.Parallel()

	svc, store := newTestService(t)
	ctx := context.Background()

	applied, err := svc.ManualSanction(ctx, 1, 100, db.SanctionKindMute, "30m", "cool off")
	if err != nil {
		t.Fatal(err)
	}
	if applied.ExpiresAt == nil {
		t.Fatal("timed manual sanction lost its expiry")
	}

	// Recorded as a zero-weight manual entry in the ledger.
	list, err := svc.ListInfractions(ctx, db.Subject{CommunityID: 1, UserID: 100})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Category != db.CategoryManual || list[0].Weight != 0 {
		t.Fatalf("unexpected manual ledger entry: %+v", list)
	}

	if err := svc.ManualRevoke(ctx, applied.ID); err != nil {
		t.Fatal(err)
	}
	if got := store.activeSanctions(db.Subject{CommunityID: 1, UserID: 100}, db.SanctionKindMute); len(got) != 0 {
		t.Fatalf("revoked sanction still active: %d", len(got))
	}

	if _, err := svc.ManualSanction(ctx, 1, 100, "smite", "", "nope"); err == nil {
		t.Fatal("unknown sanction kind must be rejected")
	}
}

func TestServiceManualWarnFeedsEscalation(t *testing.T) {
	t.Parallel()

	svc, store := newTestService(t)
	ctx := context.Background()
	subject := db.Subject{CommunityID: 1, UserID: 100}

	// First warning: cumulative weight 2 lands on the warn step, no sanction.
	if _, err := svc.ManualWarn(ctx, 1, 100, 2, "first offense"); err != nil {
		t.Fatal(err)
	}
	if got := store.activeSanctions(subject, db.SanctionKindMute); len(got) != 0 {
		t.Fatalf("first warning must not sanction, got %d mutes", len(got))
	}

	// Second warning reaches the mute step.
	if _, err := svc.ManualWarn(ctx, 1, 100, 2, "second offense"); err != nil {
		t.Fatal(err)
	}
	if got := store.activeSanctions(subject, db.SanctionKindMute); len(got) != 1 {
		t.Fatalf("mutes after second warning = %d, want 1", len(got))
	}

	if _, err := svc.ManualWarn(ctx, 1, 100, -1, "bad weight"); err == nil {
		t.Fatal("negative weight must be rejected")
	}
}
