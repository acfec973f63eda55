package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"notibridge/internal/source"
	logx "notibridge/pkg/logx"
)

var zeroTime time.Time

// fakeSource is an in-memory tray. With echo set, Cancel delivers the
// removal callback: synchronously, or from another goroutine when async.
type fakeSource struct {
	mu        sync.Mutex
	sink      source.Sink
	active    map[string]source.Notification
	cancels   []source.Identity
	posts     []string
	actions   []source.Identity
	echo      bool
	async     bool
	cancelErr error
	granted   bool
	labels    map[string]string
}

func newFakeSource() *fakeSource {
	return &fakeSource{active: map[string]source.Notification{}, granted: true, labels: map[string]string{}}
}

func (f *fakeSource) Run(ctx context.Context, sink source.Sink) error {
	f.mu.Lock()
	f.sink = sink
	f.mu.Unlock()
	<-ctx.Done()
	return nil
}

// post adds n to the tray and reports it.
func (f *fakeSource) post(n source.Notification) {
	f.mu.Lock()
	f.active[n.Canonical()] = n
	sink := f.sink
	f.mu.Unlock()
	sink.Posted(n)
}

// dismiss simulates a human swiping n away.
func (f *fakeSource) dismiss(id source.Identity) {
	f.mu.Lock()
	n, ok := f.active[id.Canonical()]
	delete(f.active, id.Canonical())
	sink := f.sink
	f.mu.Unlock()
	if !ok {
		n = source.Notification{Identity: id}
	}
	sink.Removed(n)
}

func (f *fakeSource) Cancel(ctx context.Context, id source.Identity) error {
	f.mu.Lock()
	f.cancels = append(f.cancels, id)
	if f.cancelErr != nil {
		err := f.cancelErr
		f.mu.Unlock()
		return err
	}
	n, ok := f.active[id.Canonical()]
	delete(f.active, id.Canonical())
	echo, async, sink := f.echo, f.async, f.sink
	f.mu.Unlock()

	if !ok || !echo {
		return nil
	}
	if async {
		go sink.Removed(n)
	} else {
		sink.Removed(n)
	}
	return nil
}

func (f *fakeSource) Active(ctx context.Context) ([]source.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]source.Identity, 0, len(f.active))
	for _, n := range f.active {
		out = append(out, n.Identity)
	}
	return out, nil
}

func (f *fakeSource) Lookup(id source.Identity) (source.Identity, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.active[id.Canonical()]; ok {
		return n.Identity, true
	}
	for _, n := range f.active {
		if n.AppID == id.AppID && n.ID == id.ID && n.Tag == id.Tag {
			return n.Identity, true
		}
	}
	return source.Identity{}, false
}

func (f *fakeSource) Post(ctx context.Context, title, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, title)
	return nil
}

func (f *fakeSource) InvokeAction(ctx context.Context, id source.Identity) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, id)
	return true, nil
}

func (f *fakeSource) PermissionGranted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.granted
}

func (f *fakeSource) RequestPermission(ctx context.Context) bool { return f.PermissionGranted() }

func (f *fakeSource) AppLabel(appID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.labels[appID]; ok {
		return l, nil
	}
	return "", errors.New("unknown app")
}

func (f *fakeSource) Launch(ctx context.Context, appID string) (bool, error) { return true, nil }

func (f *fakeSource) cancelled() []source.Identity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]source.Identity(nil), f.cancels...)
}

type removal struct {
	rec          Record
	programmatic bool
}

type recorder struct {
	mu       sync.Mutex
	received []Record
	removed  []removal
	panicOn  string
}

func (r *recorder) NotificationReceived(rec Record) {
	if r.panicOn != "" && rec.Title == r.panicOn {
		panic("consumer exploded")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, rec)
}

func (r *recorder) NotificationRemoved(rec Record, programmatic bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, removal{rec: rec, programmatic: programmatic})
}

func (r *recorder) snapshot() ([]Record, []removal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.received...), append([]removal(nil), r.removed...)
}

type harness struct {
	b   *Bridge
	src *fakeSource
	rec *recorder
}

// start runs a bridge attached to a fake source until the test ends.
func start(t *testing.T, p Policy) *harness {
	t.Helper()
	h := &harness{src: newFakeSource(), rec: &recorder{}}
	h.b = New(Options{
		Consumer:        h.rec,
		Policy:          p,
		QueueSize:       4096,
		TestTitlePrefix: "[test] ",
		Log:             logx.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 2)
	go func() { _ = h.b.Run(ctx); done <- struct{}{} }()
	go func() { _ = h.src.Run(ctx, h.b); done <- struct{}{} }()
	require.Eventually(t, func() bool {
		h.src.mu.Lock()
		defer h.src.mu.Unlock()
		return h.src.sink != nil
	}, time.Second, time.Millisecond)
	h.b.Attach(h.src)

	t.Cleanup(func() {
		cancel()
		<-done
		<-done
	})
	return h
}

// waitRemoved blocks until n removal pushes were observed.
func (h *harness) waitRemoved(t *testing.T, n int) []removal {
	t.Helper()
	var got []removal
	require.Eventually(t, func() bool {
		_, got = h.rec.snapshot()
		return len(got) >= n
	}, 2*time.Second, time.Millisecond)
	return got
}

func (h *harness) waitReceived(t *testing.T, n int) []Record {
	t.Helper()
	var got []Record
	require.Eventually(t, func() bool {
		got, _ = h.rec.snapshot()
		return len(got) >= n
	}, 2*time.Second, time.Millisecond)
	return got
}
