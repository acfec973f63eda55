// Package mirror delivers chat messages asynchronously: a bounded queue in
// front of a worker pool with a shared rate limit, retry with jittered
// backoff and a dedup window that can persist across restarts.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"notibridge/internal/eventbus"
	"notibridge/internal/metrics"
	rtsup "notibridge/internal/runtime/supervisor"
	"notibridge/internal/storage"
	kit "notibridge/internal/transport"
	logx "notibridge/pkg/logx"
)

var (
	ErrQueueFull = errors.New("mirror queue full")
	ErrStopped   = errors.New("mirror stopped")
)

const (
	sendTimeout      = 10 * time.Second
	persistBuffer    = 1024
	persistTimeout   = 250 * time.Millisecond
	dedupLoadTimeout = 2 * time.Second
)

type Deps struct {
	Log     logx.Logger
	Bus     eventbus.Bus
	Store   storage.Store
	Metrics *metrics.Collector
}

// Service is safe for concurrent use. Start and Stop may be repeated; each
// Start opens a new run with its own queue.
type Service struct {
	log     logx.Logger
	adapter kit.Adapter
	bus     eventbus.Bus
	store   storage.Store
	metrics *metrics.Collector

	limiter *rate.Limiter
	windows *dedupWindows

	// mu guards cfg and run. Enqueue holds it for reading while it hands a
	// message to the queue, so Stop can close the queue once it holds it
	// for writing.
	mu  sync.RWMutex
	cfg Config
	run *run
}

type window struct {
	key   string
	until time.Time
}

type run struct {
	queue   chan Message
	persist chan window
	sup     *rtsup.Supervisor
}

func New(cfg Config, adapter kit.Adapter, deps Deps) *Service {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop{}
	}
	cfg = cfg.withDefaults()
	return &Service{
		log:     deps.Log.With(logx.String("comp", "mirror")),
		adapter: adapter,
		bus:     deps.Bus,
		store:   deps.Store,
		metrics: deps.Metrics,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		windows: newDedupWindows(),
		cfg:     cfg,
	}
}

// Apply swaps the limits. Worker and queue sizes take effect on the next
// Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
	s.limiter.SetBurst(cfg.RatePerSec)
}

// Config returns the effective configuration.
func (s *Service) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Start launches the workers. Calling it while running is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != nil {
		return
	}
	r := &run{
		queue: make(chan Message, s.cfg.QueueSize),
		sup:   rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
	}
	if s.cfg.PersistDedup && s.store != nil {
		s.loadWindows(ctx)
		r.persist = make(chan window, persistBuffer)
		r.sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.persistWindows(c, r.persist)
			return nil
		})
	}
	for i := range s.cfg.Workers {
		r.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.work(c, r.queue)
			return nil
		})
	}
	s.run = r
}

// Stop refuses new messages and lets the workers drain the queue until ctx
// is done, then cancels them.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	r := s.run
	s.run = nil
	s.mu.Unlock()
	if r == nil {
		return
	}
	close(r.queue)
	if r.persist != nil {
		close(r.persist)
	}
	if err := r.sup.Wait(ctx); err != nil {
		r.sup.Cancel()
		s.log.Debug("mirror stop cut short", logx.Err(err))
	}
}

// Enqueue queues m. A message suppressed by dedup is reported as success.
func (s *Service) Enqueue(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.run
	if r == nil {
		return ErrStopped
	}

	if s.cfg.DedupWindow > 0 && m.DedupKey != "" && m.Edit == nil && !s.admit(r, m.DedupKey) {
		s.metrics.Mirror("deduped")
		s.publish(TypeDeduped, m, "")
		return nil
	}

	select {
	case r.queue <- m:
		s.publish(TypeQueued, m, "")
		return nil
	default:
		s.metrics.Mirror("dropped")
		s.publish(TypeDropped, m, ErrQueueFull.Error())
		return ErrQueueFull
	}
}

// loadWindows reads the persisted windows back once per run, so Enqueue
// never waits on storage. Callers hold s.mu.
func (s *Service) loadWindows(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, dedupLoadTimeout)
	defer cancel()
	now := time.Now()
	windows, err := s.store.LiveDedup(cctx, now)
	if err != nil {
		s.log.Warn("dedup windows not restored", logx.Err(err))
		return
	}
	s.windows.load(windows, now, s.cfg.DedupMaxEntries)
	s.log.Debug("dedup windows restored", logx.Int("count", len(windows)))
}

// admit reports whether key may be sent now and opens its window if so.
// Callers hold s.mu for reading.
func (s *Service) admit(r *run, key string) bool {
	now := time.Now()
	if s.windows.active(key, now) {
		return false
	}

	until := now.Add(s.cfg.DedupWindow)
	s.windows.open(key, until, now, s.cfg.DedupMaxEntries)
	if r.persist != nil {
		select {
		case r.persist <- window{key: key, until: until}:
		default:
		}
	}
	return true
}

func (s *Service) publish(typ string, m Message, errText string) {
	now := time.Now()
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: Event{
		ChatID:   m.Target.ChatID,
		ThreadID: m.Target.ThreadID,
		Key:      m.DedupKey,
		At:       now,
		Error:    errText,
	}})
}

func (s *Service) persistWindows(ctx context.Context, ch <-chan window) {
	for {
		var w window
		select {
		case <-ctx.Done():
			return
		case next, ok := <-ch:
			if !ok {
				return
			}
			w = next
		}
		cctx, cancel := context.WithTimeout(ctx, persistTimeout)
		if err := s.store.PutDedup(cctx, w.key, w.until); err != nil {
			s.log.Debug("dedup persist failed", logx.String("key", w.key), logx.Err(err))
		}
		cancel()
	}
}

// work delivers queued messages until the queue is closed and drained or
// ctx is done.
func (s *Service) work(ctx context.Context, q <-chan Message) {
	for ctx.Err() == nil {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, m)
		}
	}
}

func (s *Service) deliver(ctx context.Context, m Message) {
	if m.Text == "" {
		return
	}
	cfg := s.Config()
	attempts := 1 + cfg.RetryMax

	var err error
	for attempt := 1; ; attempt++ {
		if s.limiter.Wait(ctx) != nil {
			return
		}
		var ref kit.MessageRef
		if ref, err = s.send(ctx, m); err == nil {
			s.metrics.Mirror("sent")
			s.publish(TypeSent, m, "")
			if m.Sent != nil {
				m.Sent(ref)
			}
			return
		}
		s.log.Debug("mirror send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt == attempts {
			break
		}
		if !sleepCtx(ctx, retryDelay(cfg, attempt)) {
			return
		}
	}

	s.metrics.Mirror("failed")
	s.publish(TypeFailed, m, err.Error())
	s.log.Warn("mirror message dropped after retries", logx.Int("attempts", attempts), logx.Err(err))
}

func (s *Service) send(ctx context.Context, m Message) (kit.MessageRef, error) {
	cctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if m.Edit != nil {
		return *m.Edit, s.adapter.EditText(cctx, *m.Edit, m.Text, m.Options)
	}
	return s.adapter.SendText(cctx, m.Target, m.Text, m.Options)
}
