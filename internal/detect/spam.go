package detect

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/modwarden/warden/internal/db"
	"github.com/modwarden/warden/internal/event"
	"github.com/modwarden/warden/internal/observability"
	"github.com/modwarden/warden/internal/ratewindow"
)

const (
	spamCauseFlood  = "flood"
	spamCauseRepeat = "repeat"

	spamFloodWeight  = 2
	spamRepeatWeight = 3

	spamWindowCeiling = 64
)

// SpamDetector tracks per-subject message rate and duplicate fingerprints in
// short sliding windows. Window length is community config, so windows are
// held per community and rebuilt when an operator changes the length.
type SpamDetector struct {
	mu      sync.Mutex
	windows map[int64]*spamWindows
}

type spamWindows struct {
	length time.Duration
	rate   *ratewindow.Window
	repeat *ratewindow.Window
}

func NewSpamDetector() *SpamDetector {
	return &SpamDetector{windows: map[int64]*spamWindows{}}
}

func (d *SpamDetector) Evaluate(ctx context.Context, ev *event.Event, settings db.SpamSettings) *Finding {
	if !settings.Enabled || ev.Kind != event.KindMessageSent {
		return nil
	}
	_, span := otel.Tracer("spam-detector").Start(ctx, "detect-spam")
	defer span.End()
	done := observability.StartEvaluation("spam")
	defer done()

	w := d.windowsFor(ev.CommunityID, settings.Window())
	subjectKey := strconv.FormatInt(ev.UserID, 10)
	repeatKey := subjectKey + ":" + fingerprint(ev.Text())

	rateCount := w.rate.Record(subjectKey, ev.OccurredAt)
	repeatCount := w.repeat.Record(repeatKey, ev.OccurredAt)

	rateHit := settings.MaxMessages > 0 && rateCount >= settings.MaxMessages
	repeatHit := settings.RepeatThreshold > 0 && repeatCount >= settings.RepeatThreshold
	if !rateHit && !repeatHit {
		return nil
	}

	// Rate is checked first; when both trip on the same message a single
	// finding carries the higher-severity cause.
	cause := spamCauseFlood
	weight := spamFloodWeight
	evidence := fmt.Sprintf("%d messages within %s", rateCount, settings.Window())
	if repeatHit {
		cause = spamCauseRepeat
		weight = spamRepeatWeight
		evidence = fmt.Sprintf("%d duplicate messages within %s", repeatCount, settings.Window())
	}

	// Clear the subject's windows so the burst yields one finding, not one
	// per follow-up message.
	w.rate.Reset(subjectKey)
	w.repeat.Reset(repeatKey)

	return &Finding{
		Category: db.CategorySpam,
		Cause:    cause,
		Weight:   weight,
		Evidence: evidence,
	}
}

// Sweep evicts idle window state across all communities.
func (d *SpamDetector) Sweep(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, w := range d.windows {
		w.rate.Sweep(now)
		w.repeat.Sweep(now)
	}
}

func (d *SpamDetector) windowsFor(communityID int64, length time.Duration) *spamWindows {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.windows[communityID]
	if !ok || w.length != length {
		w = &spamWindows{
			length: length,
			rate:   ratewindow.New(length, spamWindowCeiling),
			repeat: ratewindow.New(length, spamWindowCeiling),
		}
		d.windows[communityID] = w
	}
	return w
}
