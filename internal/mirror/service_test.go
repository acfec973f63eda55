package mirror

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notibridge/internal/eventbus"
	"notibridge/internal/storage"
	kit "notibridge/internal/transport"
	logx "notibridge/pkg/logx"
)

type fakeAdapter struct {
	mu     sync.Mutex
	fails  int // SendText fails this many times first
	sent   []string
	edited []string
	nextID int
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }
func (f *fakeAdapter) AnswerCallback(context.Context, string, string) error {
	return nil
}

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return kit.MessageRef{}, errors.New("flood wait")
	}
	f.nextID++
	f.sent = append(f.sent, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: f.nextID}, nil
}

func (f *fakeAdapter) EditText(_ context.Context, _ kit.MessageRef, text string, _ *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edited = append(f.edited, text)
	return nil
}

func (f *fakeAdapter) counts() (sent, edited int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent), len(f.edited)
}

func fastConfig() Config {
	return Config{
		Workers:       1,
		QueueSize:     16,
		RatePerSec:    1000,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
	}
}

func startService(t *testing.T, cfg Config, ad kit.Adapter, deps Deps) *Service {
	t.Helper()
	deps.Log = logx.Nop()
	s := New(cfg, ad, deps)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestSendAndCallback(t *testing.T) {
	ad := &fakeAdapter{}
	s := startService(t, fastConfig(), ad, Deps{})

	refs := make(chan kit.MessageRef, 1)
	err := s.Enqueue(context.Background(), Message{
		Target: kit.ChatTarget{ChatID: 42},
		Text:   "hello",
		Sent:   func(ref kit.MessageRef) { refs <- ref },
	})
	require.NoError(t, err)

	select {
	case ref := <-refs:
		assert.Equal(t, int64(42), ref.ChatID)
		assert.Equal(t, 1, ref.MessageID)
	case <-time.After(2 * time.Second):
		t.Fatal("message not sent")
	}
}

func TestRetryThenSuccess(t *testing.T) {
	ad := &fakeAdapter{fails: 2}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	s := startService(t, fastConfig(), ad, Deps{Bus: bus})

	require.NoError(t, s.Enqueue(context.Background(), Message{Text: "retry me"}))
	require.Eventually(t, func() bool {
		sent, _ := ad.counts()
		return sent == 1
	}, 2*time.Second, 5*time.Millisecond)

	var types []string
	deadline := time.After(time.Second)
	for len(types) < 2 {
		select {
		case e := <-events:
			types = append(types, e.Type)
		case <-deadline:
			t.Fatalf("missing bus events, got %v", types)
		}
	}
	assert.Equal(t, []string{TypeQueued, TypeSent}, types)
}

func TestRetryExhaustedPublishesFailure(t *testing.T) {
	ad := &fakeAdapter{fails: 10}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	cfg := fastConfig()
	cfg.RetryMax = 1
	s := startService(t, cfg, ad, Deps{Bus: bus})

	require.NoError(t, s.Enqueue(context.Background(), Message{Text: "doomed"}))
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type != TypeFailed {
				continue
			}
			ev := e.Data.(Event)
			assert.Equal(t, "flood wait", ev.Error)
			return
		case <-deadline:
			t.Fatal("no failure event")
		}
	}
}

func TestEditUsesEditText(t *testing.T) {
	ad := &fakeAdapter{}
	s := startService(t, fastConfig(), ad, Deps{})

	ref := kit.MessageRef{ChatID: 1, MessageID: 9}
	require.NoError(t, s.Enqueue(context.Background(), Message{Edit: &ref, Text: "dismissed", DedupKey: "k"}))
	require.Eventually(t, func() bool {
		_, edited := ad.counts()
		return edited == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDedupWindow(t *testing.T) {
	ad := &fakeAdapter{}
	cfg := fastConfig()
	cfg.DedupWindow = time.Minute
	s := startService(t, cfg, ad, Deps{})

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Enqueue(context.Background(), Message{Text: "same", DedupKey: "k1"}))
	}
	require.NoError(t, s.Enqueue(context.Background(), Message{Text: "other", DedupKey: "k2"}))
	require.Eventually(t, func() bool {
		sent, _ := ad.counts()
		return sent == 2
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	sent, _ := ad.counts()
	assert.Equal(t, 2, sent)
}

func TestPersistedDedupSurvivesRestart(t *testing.T) {
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "nb.db")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	cfg := fastConfig()
	cfg.DedupWindow = time.Hour
	cfg.PersistDedup = true

	ad := &fakeAdapter{}
	first := New(cfg, ad, Deps{Log: logx.Nop(), Store: st})
	first.Start(context.Background())
	require.NoError(t, first.Enqueue(context.Background(), Message{Text: "once", DedupKey: "persist-me"}))
	require.Eventually(t, func() bool {
		_, ok, err := st.GetDedup(context.Background(), "persist-me")
		return err == nil && ok
	}, 2*time.Second, 5*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	first.Stop(ctx)
	cancel()

	second := startService(t, cfg, ad, Deps{Store: st})
	require.NoError(t, second.Enqueue(context.Background(), Message{Text: "once", DedupKey: "persist-me"}))
	time.Sleep(30 * time.Millisecond)
	sent, _ := ad.counts()
	assert.Equal(t, 1, sent)
}

// slowStore answers LiveDedup at once and blocks every point lookup.
type slowStore struct {
	storage.Store
	lookups atomic.Int32
}

func (s *slowStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	s.lookups.Add(1)
	<-ctx.Done()
	return time.Time{}, false, ctx.Err()
}

func (s *slowStore) LiveDedup(context.Context, time.Time) (map[string]time.Time, error) {
	return map[string]time.Time{"seen": time.Now().Add(time.Hour)}, nil
}

func (s *slowStore) PutDedup(context.Context, string, time.Time) error { return nil }

func TestEnqueueNeverWaitsOnStorage(t *testing.T) {
	cfg := fastConfig()
	cfg.DedupWindow = time.Hour
	cfg.PersistDedup = true
	st := &slowStore{}
	ad := &fakeAdapter{}
	s := startService(t, cfg, ad, Deps{Store: st})

	require.NoError(t, s.Enqueue(context.Background(), Message{Text: "restored", DedupKey: "seen"}))
	require.NoError(t, s.Enqueue(context.Background(), Message{Text: "fresh", DedupKey: "new"}))
	assert.Zero(t, st.lookups.Load())

	require.Eventually(t, func() bool {
		sent, _ := ad.counts()
		return sent == 1
	}, 2*time.Second, 5*time.Millisecond)
	ad.mu.Lock()
	defer ad.mu.Unlock()
	assert.Equal(t, []string{"fresh"}, ad.sent)
}

func TestQueueFullAndStopped(t *testing.T) {
	ad := &fakeAdapter{}
	cfg := fastConfig()
	cfg.QueueSize = 1
	s := New(cfg, ad, Deps{Log: logx.Nop()})

	assert.ErrorIs(t, s.Enqueue(context.Background(), Message{Text: "x"}), ErrStopped)

	// Fill the queue without workers by starting with a cancelled context.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Start(ctx)
	// Workers may have exited already; the queue still accepts one message.
	require.NoError(t, s.Enqueue(context.Background(), Message{Text: "a"}))
	assert.ErrorIs(t, s.Enqueue(context.Background(), Message{Text: "b"}), ErrQueueFull)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
	assert.ErrorIs(t, s.Enqueue(context.Background(), Message{Text: "c"}), ErrStopped)
}

func TestRetryDelayBounds(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 6; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Second)
	}
	d := retryDelay(cfg, 1)
	assert.GreaterOrEqual(t, d, 70*time.Millisecond)
	assert.LessOrEqual(t, d, 130*time.Millisecond)
}

func TestDedupWindowsEvictClosestExpiry(t *testing.T) {
	d := newDedupWindows()
	now := time.Now()
	d.open("a", now.Add(time.Minute), now, 2)
	d.open("b", now.Add(3*time.Minute), now, 2)
	d.open("c", now.Add(2*time.Minute), now, 2)

	assert.Equal(t, 2, d.len())
	assert.False(t, d.active("a", now))
	assert.True(t, d.active("b", now))
	assert.True(t, d.active("c", now))

	d.open("d", now.Add(time.Second), now.Add(time.Hour), 0)
	assert.Equal(t, 0, d.len(), "expired windows are dropped")
}

func TestApplyKeepsRunningQueue(t *testing.T) {
	ad := &fakeAdapter{}
	s := startService(t, fastConfig(), ad, Deps{})

	cfg := fastConfig()
	cfg.RatePerSec = 0
	cfg.RetryMax = -3
	s.Apply(cfg)
	got := s.Config()
	assert.Equal(t, 3, got.RatePerSec)
	assert.Equal(t, 0, got.RetryMax)

	require.NoError(t, s.Enqueue(context.Background(), Message{Text: "after apply"}))
	require.Eventually(t, func() bool {
		sent, _ := ad.counts()
		return sent == 1
	}, 2*time.Second, 5*time.Millisecond)
}
