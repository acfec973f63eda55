// Package consumertest runs a bridge over the loopback source for transport
// tests.
package consumertest

import (
	"context"
	"sync"
	"testing"
	"time"

	"notibridge/internal/bridge"
	"notibridge/internal/consumer"
	"notibridge/internal/eventbus"
	"notibridge/internal/source/loopback"
	logx "notibridge/pkg/logx"
)

// Env is a running bridge attached to a loopback tray, with a hub as its
// consumer and a dispatcher in front of it.
type Env struct {
	Bridge     *bridge.Bridge
	Tray       *loopback.Tray
	Hub        *consumer.Hub
	Dispatcher *consumer.Dispatcher
	Bus        eventbus.Bus
}

// Start builds an Env and stops it when the test ends.
func Start(t testing.TB, p bridge.Policy) *Env {
	t.Helper()
	bus := eventbus.New()
	hub := consumer.NewHub(nil, logx.Nop())
	b := bridge.New(bridge.Options{
		Consumer:        hub,
		Policy:          p,
		QueueSize:       256,
		TestTitlePrefix: "[test] ",
		Log:             logx.Nop(),
		Bus:             bus,
	})
	tray := loopback.New()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = b.Run(ctx) }()
	go func() { defer wg.Done(); _ = tray.Run(ctx, b) }()
	select {
	case <-tray.Ready():
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("loopback tray did not start")
	}
	b.Attach(tray)
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	return &Env{
		Bridge:     b,
		Tray:       tray,
		Hub:        hub,
		Dispatcher: consumer.NewDispatcher(b, consumer.DispatcherOptions{Log: logx.Nop(), Bus: bus}),
		Bus:        bus,
	}
}

// Sink records delivered events.
type Sink struct {
	mu     sync.Mutex
	events []consumer.Event
	Full   bool // when set, Deliver drops everything
}

func (s *Sink) Name() string { return "test" }

func (s *Sink) Deliver(ev consumer.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Full {
		return false
	}
	s.events = append(s.events, ev)
	return true
}

// Events returns a copy of everything delivered so far.
func (s *Sink) Events() []consumer.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]consumer.Event(nil), s.events...)
}

// Wait polls until at least n events arrived or the deadline passes.
func (s *Sink) Wait(n int, d time.Duration) []consumer.Event {
	deadline := time.Now().Add(d)
	for {
		evs := s.Events()
		if len(evs) >= n || time.Now().After(deadline) {
			return evs
		}
		time.Sleep(2 * time.Millisecond)
	}
}
