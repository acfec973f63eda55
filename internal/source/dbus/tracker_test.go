package dbus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notibridge/internal/source"
)

type events struct {
	mu      sync.Mutex
	posted  []source.Notification
	removed []source.Notification
}

func (e *events) Posted(n source.Notification) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.posted = append(e.posted, n)
}

func (e *events) Removed(n source.Notification) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = append(e.removed, n)
}

func chatCall() notifyCall {
	return notifyCall{
		AppName: "Chat",
		Summary: "Alice",
		Body:    "lunch?",
		Actions: []string{"default", "Open", "mute", "Mute"},
		Hints:   map[string]any{"desktop-entry": "org.example.Chat.desktop", "urgency": byte(1)},
		Expire:  -1,
	}
}

func TestReplyCompletesCall(t *testing.T) {
	tr := newTracker(nil)
	ev := &events{}
	tr.setSink(ev)

	tr.call(":1.40", 7, chatCall())
	tr.reply(":1.41", 7, 42) // different caller, same serial
	assert.Empty(t, ev.posted)

	tr.reply(":1.40", 7, 42)
	require.Len(t, ev.posted, 1)
	n := ev.posted[0]
	assert.Equal(t, "org.example.Chat", n.AppID)
	assert.Equal(t, 42, n.ID)
	assert.Equal(t, "fdo:42", n.Key)
	assert.Equal(t, "Chat", n.AppName)
	assert.Equal(t, "Alice", n.Title)
	assert.Equal(t, "default,mute", n.Extras["actions"])
	assert.Equal(t, byte(1), n.Extras["urgency"])
	assert.Nil(t, n.Icon)

	// a second reply for the same serial is ignored
	tr.reply(":1.40", 7, 42)
	assert.Len(t, ev.posted, 1)
}

func TestClosedReportsReason(t *testing.T) {
	tr := newTracker(nil)
	ev := &events{}
	tr.setSink(ev)

	tr.call(":1.40", 1, chatCall())
	tr.reply(":1.40", 1, 5)
	tr.closed(5, 2)
	tr.closed(99, 7)

	require.Len(t, ev.removed, 2)
	assert.Equal(t, "org.example.Chat", ev.removed[0].AppID)
	assert.Equal(t, "dismissed", ev.removed[0].Extras["closeReason"])
	assert.Equal(t, "fdo:99", ev.removed[1].Key)
	assert.Equal(t, "7", ev.removed[1].Extras["closeReason"])
	assert.Empty(t, tr.ids())
}

func TestLookupByKeyAndComposite(t *testing.T) {
	tr := newTracker(nil)
	tr.call(":1.40", 1, chatCall())
	tr.reply(":1.40", 1, 8)

	l, ok := tr.lookup(source.Identity{Key: "fdo:8"})
	require.True(t, ok)
	assert.Equal(t, "org.example.Chat", l.n.AppID)

	_, ok = tr.lookup(source.Identity{AppID: "org.example.Chat", ID: 8})
	assert.True(t, ok)
	_, ok = tr.lookup(source.Identity{AppID: "org.example.Other", ID: 8})
	assert.False(t, ok)
	_, ok = tr.lookup(source.Identity{Key: "fdo:9"})
	assert.False(t, ok)
	_, ok = tr.lookup(source.Identity{Key: "0|a|1|null"})
	assert.False(t, ok)
}

func TestFailedAndStaleCallsAreDropped(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tr := newTracker(nil)
	tr.now = func() time.Time { return now }
	ev := &events{}
	tr.setSink(ev)

	tr.call(":1.40", 1, chatCall())
	tr.failed(":1.40", 1)
	tr.reply(":1.40", 1, 3)

	tr.call(":1.40", 2, chatCall())
	now = now.Add(pendingCallTTL + time.Second)
	tr.prune()
	tr.reply(":1.40", 2, 4)

	assert.Empty(t, ev.posted)
}

func TestPendingCallsStayBounded(t *testing.T) {
	tr := newTracker(nil)
	for i := 0; i < pendingCallMax+10; i++ {
		tr.call(":1.40", uint32(i), notifyCall{})
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.LessOrEqual(t, len(tr.pending), pendingCallMax)
}

func TestServerID(t *testing.T) {
	id, ok := serverID(source.Identity{Key: "fdo:12"})
	assert.True(t, ok)
	assert.Equal(t, uint32(12), id)

	id, ok = serverID(source.Identity{AppID: "a", ID: 3})
	assert.True(t, ok)
	assert.Equal(t, uint32(3), id)

	_, ok = serverID(source.Identity{Key: "other"})
	assert.False(t, ok)
}
