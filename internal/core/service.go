package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/modwarden/warden/internal/db"
	"github.com/modwarden/warden/internal/detect"
	"github.com/modwarden/warden/internal/escalate"
	"github.com/modwarden/warden/internal/event"
	"github.com/modwarden/warden/internal/ledger"
	"github.com/modwarden/warden/internal/sanction"
	"github.com/modwarden/warden/internal/timeutil"
)

const sweepInterval = time.Minute

type configStore interface {
	GetCommunityConfig(ctx context.Context, communityID int64) (*db.CommunityConfig, error)
	SetCommunityConfig(ctx context.Context, cfg *db.CommunityConfig) error
	LinkInfractionSanction(ctx context.Context, infractionID, sanctionID string) error
}

// Service ties the engine together: it resolves community settings, runs
// events through the detectors, turns findings into ledger infractions and
// routes them into escalation or the community protective path.
type Service struct {
	store   configStore
	ledger  *ledger.Ledger
	manager *sanction.Manager

	spam    *detect.SpamDetector
	content *detect.ContentFilterDetector
	raid    *detect.RaidDetector
	nuke    *detect.NukeDetector

	now func() time.Time

	cacheMu sync.RWMutex
	cache   map[int64]*db.CommunityConfig

	runMutex  sync.Mutex
	started   bool
	runCancel context.CancelFunc
	workersWg sync.WaitGroup
}

func NewService(store configStore, infractions *ledger.Ledger, manager *sanction.Manager) *Service {
	return &Service{
		store:   store,
		ledger:  infractions,
		manager: manager,
		spam:    detect.NewSpamDetector(),
		content: detect.NewContentFilterDetector(),
		raid:    detect.NewRaidDetector(),
		nuke:    detect.NewNukeDetector(),
		now:     time.Now,
		cache:   map[int64]*db.CommunityConfig{},
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.runMutex.Lock()
	defer s.runMutex.Unlock()
	if s.started {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel
	s.started = true

	s.workersWg.Add(1)
	go func() {
		defer s.workersWg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case now := <-ticker.C:
				s.spam.Sweep(now)
				s.raid.Sweep(now)
				s.nuke.Sweep(now)
			}
		}
	}()
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
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

// Config returns the community's settings, materializing the defaults for a
// community seen for the first time. Reads are served from an in-memory cache
// invalidated by UpdateConfig.
func (s *Service) Config(ctx context.Context, communityID int64) (*db.CommunityConfig, error) {
	s.cacheMu.RLock()
	if cfg, ok := s.cache[communityID]; ok {
		s.cacheMu.RUnlock()
		return cfg, nil
	}
	s.cacheMu.RUnlock()

	cfg, err := s.store.GetCommunityConfig(ctx, communityID)
	if errors.Is(err, db.ErrNotFound) {
		cfg, err = db.DefaultCommunityConfig(communityID)
		if err != nil {
			return nil, err
		}
		if err := s.store.SetCommunityConfig(ctx, cfg); err != nil {
			return nil, errors.Wrap(err, "materialize default config")
		}
	} else if err != nil {
		return nil, errors.Wrap(err, "get community config")
	}

	s.cacheMu.Lock()
	s.cache[communityID] = cfg
	s.cacheMu.Unlock()
	return cfg, nil
}

// UpdateConfig replaces the community's settings and invalidates the cache so
// the next event sees them.
func (s *Service) UpdateConfig(ctx context.Context, communityID int64, settings db.Settings) error {
	cfg := &db.CommunityConfig{ID: communityID, Settings: settings, UpdatedAt: s.now()}
	if err := s.store.SetCommunityConfig(ctx, cfg); err != nil {
		return errors.Wrap(err, "set community config")
	}
	s.cacheMu.Lock()
	s.cache[communityID] = cfg
	s.cacheMu.Unlock()
	return nil
}

// HandleEvent runs one normalized event through every applicable detector.
// Called from the pipeline in per-community order; errors are logged, never
// propagated, so one bad event cannot stall a community's queue.
func (s *Service) HandleEvent(ctx context.Context, ev *event.Event) {
	cfg, err := s.Config(ctx, ev.CommunityID)
	if err != nil {
		log.WithFields(log.Fields{
			"context":      "core",
			"community_id": ev.CommunityID,
			"error":        err.Error(),
		}).Error("cannot resolve community config")
		return
	}
	settings := cfg.Settings
	if !settings.Enabled {
		return
	}

	switch ev.Kind {
	case event.KindMessageSent:
		// Explicit content rules outrank the spam heuristics; both may fire
		// on the same message and each produces its own infraction.
		if f := s.content.Evaluate(ctx, ev, settings.Content); f != nil {
			s.handleFinding(ctx, cfg, ev, f, ev.UserID)
		}
		if f := s.spam.Evaluate(ctx, ev, settings.Spam); f != nil {
			s.handleFinding(ctx, cfg, ev, f, ev.UserID)
		}
	case event.KindContentEdited:
		if f := s.content.Evaluate(ctx, ev, settings.Content); f != nil {
			s.handleFinding(ctx, cfg, ev, f, ev.UserID)
		}
	case event.KindMemberJoined:
		if f := s.raid.Evaluate(ctx, ev, settings.Raid); f != nil {
			s.handleFinding(ctx, cfg, ev, f, 0)
		}
	case event.KindChannelRemoved, event.KindRoleRemoved, event.KindContentRemoved:
		if f := s.nuke.Evaluate(ctx, ev, settings.Nuke); f != nil {
			s.handleFinding(ctx, cfg, ev, f, ev.ActorID)
		}
	}
}

func (s *Service) handleFinding(ctx context.Context, cfg *db.CommunityConfig, ev *event.Event, finding *detect.Finding, subjectID int64) {
	infraction := &db.Infraction{
		ID:          uuid.New(),
		CommunityID: ev.CommunityID,
		UserID:      subjectID,
		Category:    finding.Category,
		Weight:      finding.Weight,
		Reason:      fmt.Sprintf("%s: %s", finding.Cause, finding.Evidence),
		CreatedAt:   ev.OccurredAt,
	}
	if err := s.ledger.Append(ctx, infraction); err != nil {
		log.WithFields(log.Fields{
			"context": "core",
			"error":   err.Error(),
		}).Error("cannot record infraction")
		return
	}

	s.alert(cfg, infraction)

	if finding.LockFor > 0 {
		s.lockCommunity(ctx, cfg, infraction, finding)
	}
	if finding.CommunityScoped {
		return
	}
	s.escalateSubject(ctx, cfg, infraction)
}

// alert surfaces the infraction on the community's alert channel when one is
// configured. Delivery is the session layer's job; the engine only emits.
func (s *Service) alert(cfg *db.CommunityConfig, infraction *db.Infraction) {
	if cfg.Settings.AlertChannelID == 0 {
		return
	}
	log.WithFields(log.Fields{
		"context":       "core",
		"alert_channel": cfg.Settings.AlertChannelID,
		"community_id":  infraction.CommunityID,
		"user_id":       infraction.UserID,
		"category":      infraction.Category,
		"reason":        infraction.Reason,
	}).Warn("moderation alert")
}

// lockCommunity applies the temporary community lock a raid or nuke finding
// recommends.
func (s *Service) lockCommunity(ctx context.Context, cfg *db.CommunityConfig, infraction *db.Infraction, finding *detect.Finding) {
	lock, err := s.manager.Apply(ctx, sanction.Request{
		CommunityID:  cfg.ID,
		Kind:         db.SanctionKindLock,
		Reason:       infraction.Reason,
		Duration:     finding.LockFor,
		InfractionID: &infraction.ID,
	})
	if err != nil {
		log.WithFields(log.Fields{
			"context":      "core",
			"community_id": cfg.ID,
			"error":        err.Error(),
		}).Error("cannot lock community")
		return
	}
	if infraction.Subject().IsCommunity() {
		s.link(ctx, infraction, lock)
	}
}

// escalateSubject weighs the subject's recent history against the community's
// escalation ladder and applies whatever step it lands on.
func (s *Service) escalateSubject(ctx context.Context, cfg *db.CommunityConfig, infraction *db.Infraction) {
	subject := infraction.Subject()
	horizon := escalate.Horizon(s.now(), cfg.Settings.Escalation)
	weight, err := s.ledger.WeightSince(ctx, subject, "", horizon)
	if err != nil {
		log.WithFields(log.Fields{
			"context": "core",
			"subject": subject.String(),
			"error":   err.Error(),
		}).Error("cannot aggregate infraction weight")
		return
	}

	decision := escalate.Decide(weight, cfg.Settings.Escalation)
	entry := log.WithFields(log.Fields{
		"context": "core",
		"subject": subject.String(),
		"weight":  weight,
		"action":  decision.Action,
	})

	var req *sanction.Request
	switch decision.Action {
	case escalate.ActionNone:
		return
	case escalate.ActionWarn:
		entry.Info("warning issued")
		return
	case escalate.ActionMute:
		req = &sanction.Request{Kind: db.SanctionKindMute, Duration: decision.Duration}
	case escalate.ActionTempban:
		req = &sanction.Request{Kind: db.SanctionKindBan, Duration: decision.Duration}
	case escalate.ActionBan:
		req = &sanction.Request{Kind: db.SanctionKindBan}
	default:
		return
	}
	req.CommunityID = subject.CommunityID
	req.UserID = subject.UserID
	req.Reason = infraction.Reason
	req.InfractionID = &infraction.ID

	applied, err := s.manager.Apply(ctx, *req)
	if err != nil {
		entry.WithField("error", err.Error()).Error("cannot apply sanction")
		return
	}
	s.link(ctx, infraction, applied)
}

func (s *Service) link(ctx context.Context, infraction *db.Infraction, applied *db.Sanction) {
	if err := s.store.LinkInfractionSanction(ctx, infraction.ID, applied.ID); err != nil {
		log.WithFields(log.Fields{
			"context":    "core",
			"infraction": infraction.ID,
			"sanction":   applied.ID,
			"error":      err.Error(),
		}).Error("cannot link infraction to sanction")
	}
}

// ListInfractions returns the subject's full ledger history, newest first.
func (s *Service) ListInfractions(ctx context.Context, subject db.Subject) ([]*db.Infraction, error) {
	return s.ledger.List(ctx, subject)
}

// ManualSanction lets an operator sanction a subject directly. The duration
// is human-shaped ("30m", "2 days"); empty means permanent. The action is
// recorded as a zero-weight manual infraction so it shows in history without
// feeding escalation.
func (s *Service) ManualSanction(ctx context.Context, communityID, userID int64, kind, duration, reason string) (*db.Sanction, error) {
	switch kind {
	case db.SanctionKindMute, db.SanctionKindBan, db.SanctionKindLock:
	default:
		return nil, errors.Errorf("unknown sanction kind %q", kind)
	}
	var d time.Duration
	if duration != "" {
		parsed, err := timeutil.ParseDuration(duration)
		if err != nil {
			return nil, errors.Wrap(err, "parse duration")
		}
		d = parsed
	}

	infraction := &db.Infraction{
		ID:          uuid.New(),
		CommunityID: communityID,
		UserID:      userID,
		Category:    db.CategoryManual,
		Weight:      0,
		Reason:      reason,
		CreatedAt:   s.now(),
	}
	if err := s.ledger.Append(ctx, infraction); err != nil {
		return nil, errors.Wrap(err, "record manual infraction")
	}

	applied, err := s.manager.Apply(ctx, sanction.Request{
		CommunityID:  communityID,
		UserID:       userID,
		Kind:         kind,
		Reason:       reason,
		Duration:     d,
		InfractionID: &infraction.ID,
	})
	if err != nil {
		return nil, err
	}
	s.link(ctx, infraction, applied)
	return applied, nil
}

// ManualWarn records an operator warning as a weighted manual infraction and
// runs it through the escalation ladder exactly as a detector finding would.
func (s *Service) ManualWarn(ctx context.Context, communityID, userID int64, weight int, reason string) (*db.Infraction, error) {
	if weight < 0 {
		return nil, errors.New("warning weight cannot be negative")
	}
	cfg, err := s.Config(ctx, communityID)
	if err != nil {
		return nil, err
	}
	infraction := &db.Infraction{
		ID:          uuid.New(),
		CommunityID: communityID,
		UserID:      userID,
		Category:    db.CategoryManual,
		Weight:      weight,
		Reason:      reason,
		CreatedAt:   s.now(),
	}
	if err := s.ledger.Append(ctx, infraction); err != nil {
		return nil, errors.Wrap(err, "record warning")
	}
	s.alert(cfg, infraction)
	s.escalateSubject(ctx, cfg, infraction)
	return infraction, nil
}

// ManualRevoke lifts a sanction ahead of schedule.
func (s *Service) ManualRevoke(ctx context.Context, sanctionID string) error {
	return s.manager.Revoke(ctx, sanctionID)
}
