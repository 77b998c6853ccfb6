package detect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/modwarden/warden/internal/db"
	"github.com/modwarden/warden/internal/event"
	"github.com/modwarden/warden/internal/observability"
	"github.com/modwarden/warden/internal/ratewindow"
)

const raidWindowCeiling = 512

// RaidDetector watches the join rate per community. Unlike the other
// detectors its finding is community-scoped: the subject is the community,
// and the mitigation is a temporary join-lock, not a per-user punishment.
type RaidDetector struct {
	mu      sync.Mutex
	windows map[int64]*raidWindow
}

type raidWindow struct {
	length        time.Duration
	joins         *ratewindow.Window
	cooldownUntil time.Time
}

func NewRaidDetector() *RaidDetector {
	return &RaidDetector{windows: map[int64]*raidWindow{}}
}

func (d *RaidDetector) Evaluate(ctx context.Context, ev *event.Event, settings db.RaidSettings) *Finding {
	_ = ctx
	if !settings.Enabled || ev.Kind != event.KindMemberJoined {
		return nil
	}
	done := observability.StartEvaluation("raid")
	defer done()

	w := d.windowFor(ev.CommunityID, settings.Window())
	count := w.joins.Record("joins", ev.OccurredAt)

	d.mu.Lock()
	inCooldown := ev.OccurredAt.Before(w.cooldownUntil)
	d.mu.Unlock()
	if inCooldown {
		return nil
	}

	if settings.JoinThreshold <= 0 || count < settings.JoinThreshold {
		return nil
	}

	// One community infraction per burst: clear the window and hold a
	// cooldown for a full window length.
	w.joins.Reset("joins")
	d.mu.Lock()
	w.cooldownUntil = ev.OccurredAt.Add(settings.Window())
	d.mu.Unlock()

	return &Finding{
		Category:        db.CategoryRaid,
		Cause:           "join_flood",
		Weight:          3,
		Evidence:        fmt.Sprintf("%d joins within %s", count, settings.Window()),
		CommunityScoped: true,
		LockFor:         settings.LockDuration(),
	}
}

func (d *RaidDetector) Sweep(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, w := range d.windows {
		w.joins.Sweep(now)
	}
}

func (d *RaidDetector) windowFor(communityID int64, length time.Duration) *raidWindow {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.windows[communityID]
	if !ok || w.length != length {
		w = &raidWindow{
			length: length,
			joins:  ratewindow.New(length, raidWindowCeiling),
		}
		d.windows[communityID] = w
	}
	return w
}
