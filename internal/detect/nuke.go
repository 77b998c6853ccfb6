package detect

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/modwarden/warden/internal/db"
	"github.com/modwarden/warden/internal/event"
	"github.com/modwarden/warden/internal/observability"
	"github.com/modwarden/warden/internal/ratewindow"
)

const nukeWindowCeiling = 64

// NukeDetector counts destructive actions (channel/role removal, attributed
// content purges) per actor.
// There is deliberately no permission exemption: a compromised administrator
// account looks exactly like a malicious bot, and the mitigation is a
// reversible lockdown that a human confirms before anything permanent.
type NukeDetector struct {
	mu      sync.Mutex
	windows map[int64]*nukeWindow
}

type nukeWindow struct {
	length  time.Duration
	actions *ratewindow.Window
}

func NewNukeDetector() *NukeDetector {
	return &NukeDetector{windows: map[int64]*nukeWindow{}}
}

func (d *NukeDetector) Evaluate(ctx context.Context, ev *event.Event, settings db.NukeSettings) *Finding {
	_ = ctx
	if !settings.Enabled {
		return nil
	}
	switch ev.Kind {
	case event.KindChannelRemoved, event.KindRoleRemoved, event.KindContentRemoved:
	default:
		return nil
	}
	// Content removals without audit attribution cannot be counted per actor.
	if ev.ActorID == 0 {
		return nil
	}
	done := observability.StartEvaluation("nuke")
	defer done()

	w := d.windowFor(ev.CommunityID, settings.Window())
	actorKey := strconv.FormatInt(ev.ActorID, 10)
	count := w.actions.Record(actorKey, ev.OccurredAt)

	if settings.ActionThreshold <= 0 || count < settings.ActionThreshold {
		return nil
	}

	w.actions.Reset(actorKey)

	return &Finding{
		Category: db.CategoryNuke,
		Cause:    "mass_destruction",
		Weight:   5,
		Evidence: fmt.Sprintf("%d destructive actions within %s", count, settings.Window()),
		LockFor:  settings.LockDuration(),
	}
}

func (d *NukeDetector) Sweep(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, w := range d.windows {
		w.actions.Sweep(now)
	}
}

func (d *NukeDetector) windowFor(communityID int64, length time.Duration) *nukeWindow {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.windows[communityID]
	if !ok || w.length != length {
		w = &nukeWindow{
			length:  length,
			actions: ratewindow.New(length, nukeWindowCeiling),
		}
		d.windows[communityID] = w
	}
	return w
}
