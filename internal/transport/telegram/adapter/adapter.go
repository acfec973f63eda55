// Package adapter implements transport.Adapter on top of telebot long
// polling.
package adapter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "notibridge/internal/runtime/supervisor"
	kit "notibridge/internal/transport"
	logx "notibridge/pkg/logx"
)

const (
	defaultPollTimeout = 10 * time.Second
	dropReportEvery    = 5 * time.Second
	stopGrace          = 2 * time.Second
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Adapter owns one telebot instance. Updates are handed to the channel given
// to Start; when that channel is full the update is counted and dropped.
type Adapter struct {
	log logx.Logger
	bot *tele.Bot

	mu   sync.Mutex
	poll *pollRun

	menuMu sync.Mutex
	menu   []kit.BotCommand
}

// pollRun is the state of one Start..Stop cycle.
type pollRun struct {
	out     chan<- kit.Update
	sup     *rtsup.Supervisor
	dropped atomic.Uint64
}

var (
	_ kit.Adapter            = (*Adapter)(nil)
	_ kit.CommandMenuUpdater = (*Adapter)(nil)
)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{log: log, bot: bot}
	bot.Handle(tele.OnText, a.onText)
	bot.Handle(tele.OnCallback, a.onCallback)
	return a, nil
}

func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Sender == nil || m.Chat == nil {
		return nil
	}
	a.forward(kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ID:           m.ID,
		ChatID:       m.Chat.ID,
		ThreadID:     m.ThreadID,
		FromID:       m.Sender.ID,
		FromUsername: m.Sender.Username,
		Text:         m.Text,
	}})
	return nil
}

func (a *Adapter) onCallback(c tele.Context) error {
	cb, m := c.Callback(), c.Message()
	if cb == nil || cb.Sender == nil || m == nil || m.Chat == nil {
		return nil
	}
	a.forward(kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{
		ID:        cb.ID,
		FromID:    cb.Sender.ID,
		ChatID:    m.Chat.ID,
		ThreadID:  m.ThreadID,
		MessageID: m.ID,
		Data:      cb.Data,
	}})
	return nil
}

func (a *Adapter) forward(up kit.Update) {
	a.mu.Lock()
	run := a.poll
	a.mu.Unlock()
	if run == nil {
		return
	}
	select {
	case run.out <- up:
	default:
		run.dropped.Add(1)
	}
}

// Start begins long polling. A second Start while running is a no-op.
func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.poll != nil {
		return nil
	}
	run := &pollRun{
		out: out,
		sup: rtsup.New(ctx,
			rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
			rtsup.WithCancelOnError(false),
		),
	}
	a.poll = run

	run.sup.Go0("updates.drop_report", func(c context.Context) {
		t := time.NewTicker(dropReportEvery)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDrops(run)
				return
			case <-t.C:
				a.reportDrops(run)
			}
		}
	})
	run.sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	run.sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		if c.Err() != nil {
			a.log.Info("polling stopped")
			return nil
		}
		return errors.New("poller exited")
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	return nil
}

func (a *Adapter) reportDrops(run *pollRun) {
	if n := run.dropped.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped", logx.Uint64("count", n), logx.Int("chan_cap", cap(run.out)))
	}
}

// Stop ends polling. getUpdates may still be blocked in a long poll, so the
// wait is capped at stopGrace and a timeout is only logged.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	run := a.poll
	a.poll = nil
	a.mu.Unlock()
	if run == nil {
		return nil
	}
	run.sup.Cancel()

	wctx, cancel := context.WithTimeout(ctx, stopGrace)
	defer cancel()
	err := run.sup.Wait(wctx)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		a.log.Warn("telegram stop timed out", logx.Err(err))
	default:
		a.log.Debug("telegram stopped with error", logx.Err(err))
	}
	return nil
}
