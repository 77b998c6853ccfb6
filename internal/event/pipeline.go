package event

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/modwarden/warden/internal/observability"
)

// Handler consumes events in per-community order.
type Handler interface {
	HandleEvent(ctx context.Context, ev *Event)
}

// Pipeline fans events out to one bounded queue per community, preserving
// order within a community while communities proceed in parallel. A small
// in-memory TTL set drops duplicate deliveries by source id; upstream offers
// no exactly-once guarantee.
type Pipeline struct {
	handler     Handler
	queueSize   int
	dedupWindow time.Duration

	mu     sync.Mutex
	queues map[int64]chan *Event
	seen   map[string]time.Time

	runMutex  sync.Mutex
	started   bool
	runCtx    context.Context
	runCancel context.CancelFunc
	group     *errgroup.Group
	lastSweep time.Time
}

func NewPipeline(handler Handler, queueSize int, dedupWindow time.Duration) *Pipeline {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Pipeline{
		handler:     handler,
		queueSize:   queueSize,
		dedupWindow: dedupWindow,
		queues:      map[int64]chan *Event{},
		seen:        map[string]time.Time{},
	}
}

func (p *Pipeline) Start(ctx context.Context) error {
	p.runMutex.Lock()
	defer p.runMutex.Unlock()
	if p.started {
		return nil
	}
	p.runCtx, p.runCancel = context.WithCancel(ctx)
	p.group, _ = errgroup.WithContext(p.runCtx)
	p.started = true
	return nil
}

func (p *Pipeline) Stop(ctx context.Context) error {
	p.runMutex.Lock()
	if !p.started {
		p.runMutex.Unlock()
		return nil
	}
	p.started = false
	cancel := p.runCancel
	group := p.group
	p.runMutex.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if group != nil {
			_ = group.Wait()
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Publish routes the event to its community queue, spawning a worker for
// communities seen for the first time. Returns false when the event was
// dropped (malformed, duplicate, stopped pipeline, or full queue).
func (p *Pipeline) Publish(ev *Event) bool {
	if err := ev.Validate(); err != nil {
		observability.RecordMalformedEvent()
		log.WithField("context", "pipeline").WithField("error", err.Error()).Debug("dropping malformed event")
		return false
	}
	observability.RecordEvent(string(ev.Kind))

	p.runMutex.Lock()
	if !p.started {
		p.runMutex.Unlock()
		return false
	}
	runCtx := p.runCtx
	group := p.group
	p.runMutex.Unlock()

	if p.isDuplicate(ev) {
		observability.RecordDuplicateEvent()
		return false
	}

	queue, spawned := p.queueFor(ev.CommunityID)
	if spawned {
		group.Go(func() error {
			p.drain(runCtx, queue)
			return nil
		})
	}

	select {
	case queue <- ev:
		return true
	default:
		log.WithField("context", "pipeline").WithField("community_id", ev.CommunityID).Warn("community queue full, dropping event")
		return false
	}
}

func (p *Pipeline) queueFor(communityID int64) (chan *Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if queue, ok := p.queues[communityID]; ok {
		return queue, false
	}
	queue := make(chan *Event, p.queueSize)
	p.queues[communityID] = queue
	return queue, true
}

func (p *Pipeline) drain(ctx context.Context, queue chan *Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-queue:
			p.handler.HandleEvent(ctx, ev)
		}
	}
}

func (p *Pipeline) isDuplicate(ev *Event) bool {
	if ev.SourceID == "" || p.dedupWindow <= 0 {
		return false
	}
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	if now.Sub(p.lastSweep) > p.dedupWindow {
		cutoff := now.Add(-p.dedupWindow)
		for id, seenAt := range p.seen {
			if seenAt.Before(cutoff) {
				delete(p.seen, id)
			}
		}
		p.lastSweep = now
	}

	if seenAt, ok := p.seen[ev.SourceID]; ok && now.Sub(seenAt) <= p.dedupWindow {
		return true
	}
	p.seen[ev.SourceID] = now
	return false
}
