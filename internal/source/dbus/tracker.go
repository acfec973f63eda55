package dbus

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"notibridge/internal/icon"
	"notibridge/internal/source"
)

// Close reasons as defined by org.freedesktop.Notifications.
var closeReasons = map[uint32]string{
	1: "expired",
	2: "dismissed",
	3: "closed",
	4: "undefined",
}

const (
	pendingCallTTL = 30 * time.Second
	pendingCallMax = 1024
)

// notifyCall is a decoded org.freedesktop.Notifications.Notify call.
type notifyCall struct {
	AppName    string
	ReplacesID uint32
	AppIcon    string
	Summary    string
	Body       string
	Actions    []string
	Hints      map[string]any
	Expire     int32

	seenAt time.Time
}

type live struct {
	n       source.Notification
	actions []string
}

// tracker correlates monitored Notify calls with their replies (which carry
// the server-assigned id) and NotificationClosed signals. It emits posted
// and removed callbacks to sink.
type tracker struct {
	themeDirs []string
	now       func() time.Time

	mu      sync.Mutex
	sink    source.Sink
	pending map[string]notifyCall // sender + "/" + serial
	active  map[uint32]live
}

func newTracker(themeDirs []string) *tracker {
	return &tracker{
		themeDirs: themeDirs,
		now:       time.Now,
		pending:   map[string]notifyCall{},
		active:    map[uint32]live{},
	}
}

func (t *tracker) setSink(s source.Sink) {
	t.mu.Lock()
	t.sink = s
	t.mu.Unlock()
}

func callKey(peer string, serial uint32) string {
	return peer + "/" + strconv.FormatUint(uint64(serial), 10)
}

// call records a Notify request until its reply shows up.
func (t *tracker) call(sender string, serial uint32, c notifyCall) {
	c.seenAt = t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) >= pendingCallMax {
		t.pruneLocked(true)
	}
	t.pending[callKey(sender, serial)] = c
}

// reply completes a Notify call. dest is the caller, replySerial the
// serial of its call.
func (t *tracker) reply(dest string, replySerial uint32, id uint32) {
	k := callKey(dest, replySerial)
	t.mu.Lock()
	c, ok := t.pending[k]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.pending, k)
	n := t.notification(id, c)
	t.active[id] = live{n: n, actions: c.Actions}
	sink := t.sink
	t.mu.Unlock()

	if sink != nil {
		sink.Posted(n)
	}
}

// failed drops a Notify call answered with an error.
func (t *tracker) failed(dest string, replySerial uint32) {
	t.mu.Lock()
	delete(t.pending, callKey(dest, replySerial))
	t.mu.Unlock()
}

// closed handles NotificationClosed. Ids never seen (posted before the
// monitor started) still produce a removal with a bare identity.
func (t *tracker) closed(id uint32, reason uint32) {
	t.mu.Lock()
	l, ok := t.active[id]
	delete(t.active, id)
	sink := t.sink
	t.mu.Unlock()

	n := l.n
	if !ok {
		n = source.Notification{Identity: identity("", id)}
	}
	extras := make(map[string]any, len(n.Extras)+1)
	for k, v := range n.Extras {
		extras[k] = v
	}
	if r, ok := closeReasons[reason]; ok {
		extras["closeReason"] = r
	} else {
		extras["closeReason"] = strconv.FormatUint(uint64(reason), 10)
	}
	n.Extras = extras

	if sink != nil {
		sink.Removed(n)
	}
}

func (t *tracker) notification(id uint32, c notifyCall) source.Notification {
	app := c.AppName
	if de, ok := c.Hints["desktop-entry"].(string); ok && de != "" {
		app = strings.TrimSuffix(de, ".desktop")
	}
	n := source.Notification{
		Identity: identity(app, id),
		AppName:  c.AppName,
		Title:    c.Summary,
		Body:     c.Body,
		Extras:   extrasFromHints(c),
		Icon:     iconFromHints(c.Hints, t.themeDirs),
		AppIcon:  icon.FromHint(c.AppIcon, t.themeDirs),
		PostedAt: c.seenAt,
	}
	return n
}

func identity(app string, id uint32) source.Identity {
	return source.Identity{
		AppID: app,
		ID:    int(id),
		Key:   "fdo:" + strconv.FormatUint(uint64(id), 10),
	}
}

// serverID extracts the server id from an identity.
func serverID(id source.Identity) (uint32, bool) {
	if rest, ok := strings.CutPrefix(id.Key, "fdo:"); ok {
		v, err := strconv.ParseUint(rest, 10, 32)
		return uint32(v), err == nil
	}
	if id.Key == "" && id.ID > 0 {
		return uint32(id.ID), true
	}
	return 0, false
}

func (t *tracker) lookup(id source.Identity) (live, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sid, ok := serverID(id); ok {
		l, found := t.active[sid]
		if found && (id.Key != "" || id.AppID == "" || l.n.AppID == id.AppID) {
			return l, true
		}
	}
	if id.Key == "" {
		for _, l := range t.active {
			if l.n.AppID == id.AppID && l.n.ID == id.ID && l.n.Tag == id.Tag {
				return l, true
			}
		}
	}
	return live{}, false
}

func (t *tracker) ids() []source.Identity {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]source.Identity, 0, len(t.active))
	for _, l := range t.active {
		out = append(out, l.n.Identity)
	}
	return out
}

// pruneLocked drops calls whose reply never came. With force set it also
// drops the oldest half.
func (t *tracker) pruneLocked(force bool) {
	cutoff := t.now().Add(-pendingCallTTL)
	for k, c := range t.pending {
		if c.seenAt.Before(cutoff) {
			delete(t.pending, k)
		}
	}
	if !force || len(t.pending) < pendingCallMax {
		return
	}
	n := 0
	for k := range t.pending {
		if n >= pendingCallMax/2 {
			break
		}
		delete(t.pending, k)
		n++
	}
}

func (t *tracker) prune() {
	t.mu.Lock()
	t.pruneLocked(false)
	t.mu.Unlock()
}
