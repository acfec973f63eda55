// Package sweep runs the cron-driven maintenance jobs: an optional periodic
// tray clear and a report of ledger entries whose removal echo never came.
package sweep

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"notibridge/internal/bridge"
	logx "notibridge/pkg/logx"
)

const (
	// Reason labels scheduled clears in metrics and the audit log.
	Reason = "schedule"

	defaultStaleAfter = 5 * time.Minute
	sweepTimeout      = 30 * time.Second
)

// Config holds the job schedules. An empty schedule disables its job.
type Config struct {
	Schedule       string
	ReportSchedule string
	Timezone       string
	StaleAfter     time.Duration
}

// Target is the bridge surface the jobs use.
type Target interface {
	Attached() bool
	Sweep(ctx context.Context, reason string) (int, error)
	Pending(cutoff time.Time) []bridge.PendingEntry
}

var _ Target = (*bridge.Bridge)(nil)

type Service struct {
	target Target
	log    logx.Logger
	parser cron.Parser
	now    func() time.Time

	mu  sync.Mutex
	cfg Config
	c   *cron.Cron
	ctx context.Context
}

func New(cfg Config, target Target, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		target: target,
		log:    log.With(logx.String("comp", "sweep")),
		// SecondOptional accepts 5- and 6-field specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:    time.Now,
		cfg:    cfg,
	}
}

// Start registers the configured jobs. ctx bounds the jobs' work; Stop
// ends triggering.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx = ctx
	return s.startLocked()
}

func (s *Service) startLocked() error {
	cfg := s.cfg
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return err
		}
		loc = l
	}
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if spec := strings.TrimSpace(cfg.Schedule); spec != "" {
		if _, err := c.AddFunc(spec, s.RunSweep); err != nil {
			return err
		}
	}
	if spec := strings.TrimSpace(cfg.ReportSchedule); spec != "" {
		if _, err := c.AddFunc(spec, func() { s.Report() }); err != nil {
			return err
		}
	}
	c.Start()
	s.c = c
	s.log.Info("sweep scheduler started",
		logx.String("schedule", cfg.Schedule),
		logx.String("report_schedule", cfg.ReportSchedule),
		logx.String("tz", loc.String()),
	)
	return nil
}

// Apply swaps the schedules, restarting the scheduler when running. On
// error the previous schedules stay active.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cfg
	s.cfg = cfg
	if s.c == nil {
		return nil
	}
	old := s.c
	s.c = nil
	if err := s.startLocked(); err != nil {
		s.cfg = prev
		s.c = old
		return err
	}
	old.Stop()
	return nil
}

// Stop ends triggering and waits for running jobs until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

func (s *Service) jobContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

// RunSweep clears the tray once. It is skipped while no source is attached.
func (s *Service) RunSweep() {
	if !s.target.Attached() {
		s.log.Debug("scheduled sweep skipped; no source attached")
		return
	}
	ctx, cancel := context.WithTimeout(s.jobContext(), sweepTimeout)
	defer cancel()
	n, err := s.target.Sweep(ctx, Reason)
	if err != nil {
		s.log.Warn("scheduled sweep failed", logx.Err(err))
		return
	}
	s.log.Debug("scheduled sweep done", logx.Int("count", n))
}

// Report logs ledger entries older than StaleAfter and returns them. The
// ledger is not modified.
func (s *Service) Report() []bridge.PendingEntry {
	s.mu.Lock()
	after := s.cfg.StaleAfter
	s.mu.Unlock()
	if after <= 0 {
		after = defaultStaleAfter
	}
	now := s.now()
	stale := s.target.Pending(now.Add(-after))
	if len(stale) == 0 {
		return nil
	}
	oldest := stale[0]
	s.log.Warn("retractions still awaiting their removal echo",
		logx.Int("count", len(stale)),
		logx.String("oldest", oldest.Identity.Canonical()),
		logx.Duration("oldest_age", now.Sub(oldest.MarkedAt)),
	)
	return stale
}
