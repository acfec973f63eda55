// Package bridge mirrors host notification events to consumers and turns
// consumer commands into host operations.
//
// Source callbacks are queued and handled by a single worker (Run) in
// arrival order. The forwarding policy and the ledger of pending
// programmatic removals share one mutex with command handling. An identity
// is always marked pending before the matching cancel is issued, so the
// removal echo is classified as programmatic no matter how fast the host
// delivers it.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"notibridge/internal/eventbus"
	"notibridge/internal/icon"
	"notibridge/internal/metrics"
	"notibridge/internal/source"
	logx "notibridge/pkg/logx"
)

// Consumer receives outbound pushes. Calls must not block.
type Consumer interface {
	NotificationReceived(r Record)
	NotificationRemoved(r Record, programmatic bool)
}

// Policy is the process-wide forwarding configuration.
type Policy struct {
	// Listening gates pushes of posted notifications. Removals are always
	// pushed.
	Listening bool `json:"listening"`
	// RetractOnForward cancels every forwarded notification from the tray.
	RetractOnForward bool `json:"retractOnForward"`
}

type Options struct {
	Consumer        Consumer
	Icons           *icon.Renderer
	Policy          Policy
	QueueSize       int
	TestTitlePrefix string

	Log     logx.Logger
	Bus     eventbus.Bus
	Metrics *metrics.Collector
	Now     func() time.Time
}

type eventKind uint8

const (
	evPosted eventKind = iota + 1
	evRemoved
)

type event struct {
	kind eventKind
	n    source.Notification
}

// Bridge is the explicit context object that owns the policy, the ledger
// and the attachment to the current source.
type Bridge struct {
	consumer Consumer
	icons    *icon.Renderer
	prefix   string
	log      logx.Logger
	bus      eventbus.Bus
	metrics  *metrics.Collector
	now      func() time.Time

	queue chan event

	mu     sync.Mutex
	policy Policy
	ledger *Ledger
	src    source.Source
}

func New(opt Options) *Bridge {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 1024
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.Bus == nil {
		opt.Bus = eventbus.Nop{}
	}
	opt.Metrics.Policy(opt.Policy.Listening, opt.Policy.RetractOnForward)
	return &Bridge{
		consumer: opt.Consumer,
		icons:    opt.Icons,
		prefix:   opt.TestTitlePrefix,
		log:      opt.Log,
		bus:      opt.Bus,
		metrics:  opt.Metrics,
		now:      opt.Now,
		queue:    make(chan event, opt.QueueSize),
		policy:   opt.Policy,
		ledger:   NewLedger(),
	}
}

// Attach binds the bridge to a live source. Commands fail with
// ErrSourceUnavailable until a source is attached.
func (b *Bridge) Attach(src source.Source) {
	b.mu.Lock()
	b.src = src
	b.mu.Unlock()
	b.metrics.Attached(true)
	b.bus.Publish(eventbus.Event{Type: eventbus.TypeAttached})
	b.log.Info("event source attached")
}

// Detach drops the current source. Pending ledger entries are kept: echoes
// may still arrive if the same host reattaches.
func (b *Bridge) Detach() {
	b.mu.Lock()
	was := b.src != nil
	b.src = nil
	pending := b.ledger.Len()
	b.mu.Unlock()
	if !was {
		return
	}
	b.metrics.Attached(false)
	b.bus.Publish(eventbus.Event{Type: eventbus.TypeDetached, Data: pending})
	b.log.Warn("event source detached; notifications are no longer mirrored", logx.Int("pending", pending))
}

func (b *Bridge) Attached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.src != nil
}

func (b *Bridge) attached(op string) (source.Source, error) {
	b.mu.Lock()
	src := b.src
	b.mu.Unlock()
	if src == nil {
		return nil, opErr(op, KindSourceUnavailable, nil)
	}
	return src, nil
}

// Posted implements source.Sink. It never blocks; events beyond the queue
// capacity are dropped.
func (b *Bridge) Posted(n source.Notification) { b.enqueue(event{kind: evPosted, n: n}) }

// Removed implements source.Sink.
func (b *Bridge) Removed(n source.Notification) { b.enqueue(event{kind: evRemoved, n: n}) }

func (b *Bridge) enqueue(ev event) {
	select {
	case b.queue <- ev:
	default:
		b.metrics.Dropped()
		b.bus.Publish(eventbus.Event{Type: eventbus.TypeEventDropped, Data: ev.n.Identity})
		b.log.Warn("bridge queue full; event dropped",
			logx.String("identity", ev.n.Canonical()),
			logx.Int("queue_cap", cap(b.queue)),
		)
	}
}

// Run processes queued callbacks until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-b.queue:
			b.process(ctx, ev)
		}
	}
}

func (b *Bridge) process(ctx context.Context, ev event) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			b.metrics.Panic()
			b.log.Error("event processing panicked",
				logx.String("identity", ev.n.Canonical()),
				logx.Any("panic", r),
			)
		}
	}()
	switch ev.kind {
	case evPosted:
		b.metrics.SourceEvent("posted")
		b.handlePosted(ctx, ev.n)
		b.metrics.Processed("posted", time.Since(start))
	case evRemoved:
		b.metrics.SourceEvent("removed")
		b.handleRemoved(ev.n)
		b.metrics.Processed("removed", time.Since(start))
	}
}

func (b *Bridge) handlePosted(ctx context.Context, n source.Notification) {
	b.mu.Lock()
	listening := b.policy.Listening
	b.mu.Unlock()
	if !listening {
		b.metrics.Suppressed()
		b.log.Trace("listening disabled; posted notification not forwarded", logx.String("identity", n.Canonical()))
		return
	}

	rec := b.record(n)
	if b.consumer != nil {
		b.consumer.NotificationReceived(rec)
	}
	b.metrics.Forwarded()
	b.bus.Publish(eventbus.Event{Type: eventbus.TypeForwarded, Data: rec.Identity})

	b.mu.Lock()
	retract := b.policy.RetractOnForward
	src := b.src
	var mark uint64
	if retract && src != nil {
		mark = b.ledger.MarkPending(rec.Identity, b.now())
	}
	b.mu.Unlock()
	if !retract {
		return
	}
	if src == nil {
		b.log.Debug("retract skipped; no source attached", logx.String("identity", rec.Canonical()))
		return
	}
	b.cancel(ctx, src, rec.Identity, mark, "forward")
	b.bus.Publish(eventbus.Event{Type: eventbus.TypeRetracted, Data: rec.Identity})
}

func (b *Bridge) handleRemoved(n source.Notification) {
	rec := b.record(n)

	b.mu.Lock()
	programmatic := b.ledger.TakeIfPending(rec.Identity)
	pending := b.ledger.Len()
	b.mu.Unlock()
	b.metrics.LedgerSize(pending)

	if b.consumer != nil {
		b.consumer.NotificationRemoved(rec, programmatic)
	}
	b.metrics.Removal(programmatic)
	b.bus.Publish(eventbus.Event{Type: eventbus.TypeRemoved, Data: map[string]any{
		"identity":     rec.Identity,
		"programmatic": programmatic,
	}})
}

// cancel issues the cancel call for an identity that is already marked
// pending. A rejected cancel never produces an echo, so the mark it created
// is released. A mark made by an earlier cancel is left for that cancel's
// echo.
func (b *Bridge) cancel(ctx context.Context, src source.Source, id source.Identity, mark uint64, reason string) error {
	b.metrics.Retraction(reason, 1)
	err := src.Cancel(ctx, id)
	if err == nil {
		b.mu.Lock()
		pending := b.ledger.Len()
		b.mu.Unlock()
		b.metrics.LedgerSize(pending)
		return nil
	}

	b.mu.Lock()
	b.ledger.Release(id, mark)
	pending := b.ledger.Len()
	b.mu.Unlock()
	b.metrics.LedgerSize(pending)
	b.metrics.CancelError()
	b.log.Warn("cancel rejected by source",
		logx.String("identity", id.Canonical()),
		logx.String("reason", reason),
		logx.Err(err),
	)
	return err
}

// record builds the Record for n. Every lookup degrades instead of failing:
// the label falls back to the host-reported name and then to the raw id, a
// failed icon becomes no icon.
func (b *Bridge) record(n source.Notification) Record {
	rec := Record{
		Identity:   n.Identity,
		AppName:    b.label(n),
		Title:      n.Title,
		Body:       n.Body,
		Extras:     stringify(n.Extras),
		ObservedAt: b.now(),
	}
	if data, ok := b.icons.Render(n.Icon, n.AppIcon); ok {
		rec.Icon = data
	} else if b.icons != nil && (n.Icon != nil || n.AppIcon != nil) {
		b.metrics.IconFailure()
	}
	return rec
}

func (b *Bridge) label(n source.Notification) string {
	b.mu.Lock()
	src := b.src
	b.mu.Unlock()
	if src != nil && n.AppID != "" {
		name, err := src.AppLabel(n.AppID)
		if err == nil && name != "" {
			return name
		}
		if err != nil {
			b.log.Trace("app label lookup failed", logx.String("app", n.AppID), logx.Err(err))
		}
	}
	if n.AppName != "" {
		return n.AppName
	}
	return n.AppID
}

// Policy returns the current forwarding policy.
func (b *Bridge) Policy() Policy {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.policy
}

// Pending lists ledger entries marked at or before cutoff (all when zero).
func (b *Bridge) Pending(cutoff time.Time) []PendingEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ledger.Snapshot(cutoff)
}

func (b *Bridge) String() string {
	p := b.Policy()
	return fmt.Sprintf("bridge(listening=%t retract=%t attached=%t)", p.Listening, p.RetractOnForward, b.Attached())
}
