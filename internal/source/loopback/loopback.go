// Package loopback is an in-process event source. Notifications are posted
// through Notify (or the bridge's sendTest) and live in a local tray until
// cancelled or dismissed. It backs the "loopback" source driver, demos and
// end-to-end tests.
package loopback

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"notibridge/internal/source"
)

const appID = "notibridge"

// ActionFunc is invoked by InvokeAction.
type ActionFunc func(id source.Identity)

// Tray is an in-memory source.Source.
type Tray struct {
	mu       sync.Mutex
	sink     source.Sink
	ready    chan struct{}
	closed   bool
	seq      int
	active   map[string]entry
	labels   map[string]string
	granted  bool
	launches []string

	// echoDelay > 0 delivers the removal echo of Cancel asynchronously.
	echoDelay time.Duration
}

type entry struct {
	n      source.Notification
	action ActionFunc
}

func New() *Tray {
	return &Tray{
		ready:   make(chan struct{}),
		active:  map[string]entry{},
		labels:  map[string]string{appID: "notibridge"},
		granted: true,
	}
}

var _ source.Source = (*Tray)(nil)

// Run registers sink and blocks until ctx is done.
func (t *Tray) Run(ctx context.Context, sink source.Sink) error {
	t.mu.Lock()
	if t.sink != nil {
		t.mu.Unlock()
		return errors.New("loopback: already running")
	}
	t.sink = sink
	close(t.ready)
	t.mu.Unlock()

	<-ctx.Done()

	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// Ready is closed once Run has registered its sink.
func (t *Tray) Ready() <-chan struct{} { return t.ready }

// SetLabel registers a display name for an application id.
func (t *Tray) SetLabel(app, label string) {
	t.mu.Lock()
	t.labels[app] = label
	t.mu.Unlock()
}

// SetPermission toggles the simulated notification grant.
func (t *Tray) SetPermission(granted bool) {
	t.mu.Lock()
	t.granted = granted
	t.mu.Unlock()
}

// Notify adds n to the tray and reports it as posted. A missing key is
// derived from the composite identity. Posting an existing identity
// replaces it.
func (t *Tray) Notify(n source.Notification, action ActionFunc) source.Identity {
	if n.Key == "" {
		n.Key = "0|" + n.AppID + "|" + strconv.Itoa(n.ID) + "|" + tagOrNull(n.Tag)
	}
	if n.PostedAt.IsZero() {
		n.PostedAt = time.Now()
	}
	t.mu.Lock()
	t.active[n.Key] = entry{n: n, action: action}
	sink := t.sink
	t.mu.Unlock()
	if sink != nil {
		sink.Posted(n)
	}
	return n.Identity
}

// Dismiss removes a notification as if a human closed it.
func (t *Tray) Dismiss(id source.Identity) bool {
	n, ok := t.take(id)
	if ok {
		t.emitRemoved(n)
	}
	return ok
}

func (t *Tray) take(id source.Identity) (source.Notification, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	full, ok := t.lookupLocked(id)
	if !ok {
		return source.Notification{}, false
	}
	e := t.active[full.Key]
	delete(t.active, full.Key)
	return e.n, true
}

func (t *Tray) emitRemoved(n source.Notification) {
	t.mu.Lock()
	sink := t.sink
	t.mu.Unlock()
	if sink != nil {
		sink.Removed(n)
	}
}

func (t *Tray) Cancel(ctx context.Context, id source.Identity) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return source.ErrClosed
	}
	n, ok := t.take(id)
	if !ok {
		return nil
	}
	t.mu.Lock()
	delay := t.echoDelay
	t.mu.Unlock()
	if delay <= 0 {
		t.emitRemoved(n)
		return nil
	}
	time.AfterFunc(delay, func() { t.emitRemoved(n) })
	return nil
}

// SetEchoDelay makes Cancel return before its removal echo is delivered.
// Zero restores synchronous echoes.
func (t *Tray) SetEchoDelay(d time.Duration) {
	t.mu.Lock()
	t.echoDelay = d
	t.mu.Unlock()
}

func (t *Tray) Active(ctx context.Context) ([]source.Identity, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]source.Identity, 0, len(t.active))
	for _, e := range t.active {
		out = append(out, e.n.Identity)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (t *Tray) Lookup(id source.Identity) (source.Identity, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookupLocked(id)
}

func (t *Tray) lookupLocked(id source.Identity) (source.Identity, bool) {
	if id.Key != "" {
		e, ok := t.active[id.Key]
		return e.n.Identity, ok
	}
	for _, e := range t.active {
		if e.n.AppID == id.AppID && e.n.ID == id.ID && e.n.Tag == id.Tag {
			return e.n.Identity, true
		}
	}
	return source.Identity{}, false
}

func (t *Tray) Post(ctx context.Context, title, body string) error {
	t.mu.Lock()
	if !t.granted {
		t.mu.Unlock()
		return source.ErrPermissionDenied
	}
	t.seq++
	id := t.seq
	t.mu.Unlock()

	t.Notify(source.Notification{
		Identity: source.Identity{AppID: appID, ID: id},
		AppName:  "notibridge",
		Title:    title,
		Body:     body,
	}, nil)
	return nil
}

func (t *Tray) InvokeAction(ctx context.Context, id source.Identity) (bool, error) {
	t.mu.Lock()
	full, ok := t.lookupLocked(id)
	var action ActionFunc
	if ok {
		action = t.active[full.Key].action
	}
	t.mu.Unlock()
	if action == nil {
		return false, nil
	}
	action(full)
	return true, nil
}

func (t *Tray) PermissionGranted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.granted
}

func (t *Tray) RequestPermission(ctx context.Context) bool { return t.PermissionGranted() }

func (t *Tray) AppLabel(app string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok := t.labels[app]; ok {
		return l, nil
	}
	return "", errors.New("loopback: unknown application")
}

func (t *Tray) Launch(ctx context.Context, app string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.labels[app]; !ok {
		return false, nil
	}
	t.launches = append(t.launches, app)
	return true, nil
}

// Launched lists applications started through Launch.
func (t *Tray) Launched() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.launches...)
}

func tagOrNull(tag string) string {
	if tag == "" {
		return "null"
	}
	return tag
}
