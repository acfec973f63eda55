package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	logx "notibridge/pkg/logx"
)

const (
	defaultMinBackoff = 250 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second

	// A run that lasted this long resets the backoff.
	healthyRun = 30 * time.Second
)

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	minBackoff  time.Duration
	maxBackoff  time.Duration
	maxRestarts int // <=0 means unlimited
	fatal       bool
}

// WithRestartBackoff sets the exponential backoff window between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.minBackoff = min
		}
		if max > 0 {
			p.maxBackoff = max
		}
	}
}

// WithMaxRestarts gives up after n restarts. The initial run is not counted.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.maxRestarts = n } }

// WithFatalOnFinalError records the last error as the supervisor error when
// restarts are exhausted.
func WithFatalOnFinalError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.fatal = enabled }
}

// GoRestart runs fn and restarts it on error or panic with jittered
// exponential backoff until the context is canceled or fn returns nil.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{minBackoff: defaultMinBackoff, maxBackoff: defaultMaxBackoff}
	for _, o := range opts {
		o(&p)
	}
	p.maxBackoff = max(p.maxBackoff, p.minBackoff)
	s.spawn(name+".restart", func() { s.restartLoop(name, fn, p) })
}

func (s *Supervisor) restartLoop(name string, fn func(ctx context.Context) error, p restartPolicy) {
	backoff := p.minBackoff
	for restarts := 1; s.ctx.Err() == nil; restarts++ {
		began := time.Now()
		err := s.call(name, fn)
		if err == nil || errors.Is(err, context.Canceled) || s.ctx.Err() != nil {
			return
		}
		if time.Since(began) >= healthyRun {
			backoff = p.minBackoff
		}
		if p.maxRestarts > 0 && restarts > p.maxRestarts {
			s.log.Error("goroutine gave up after restarts",
				logx.String("name", name), logx.Int("restarts", restarts-1), logx.Err(err))
			if p.fatal {
				s.fail(fmt.Errorf("%s: %w", name, err))
			}
			return
		}

		wait := backoff + rand.N(backoff/5+1)
		s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
		t := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		backoff = min(2*backoff, p.maxBackoff)
	}
}
