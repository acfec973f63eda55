package natsch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notibridge/internal/bridge"
	"notibridge/internal/consumer"
	"notibridge/internal/consumer/consumertest"
	"notibridge/internal/source"
	logx "notibridge/pkg/logx"
)

type published struct {
	subject string
	data    map[string]any
}

type recorder struct {
	mu   sync.Mutex
	msgs []published
}

func (r *recorder) publish(subject string, data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, published{subject: subject, data: m})
	return nil
}

func (r *recorder) wait(t *testing.T, n int) []published {
	t.Helper()
	var out []published
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		out = append([]published(nil), r.msgs...)
		return len(out) >= n
	}, 2*time.Second, 2*time.Millisecond)
	return out
}

func setup(t *testing.T) (*consumertest.Env, *Channel, *recorder) {
	t.Helper()
	env := consumertest.Start(t, bridge.Policy{Listening: true})
	rec := &recorder{}
	c := newChannel(env.Dispatcher, Options{SubjectPrefix: "desk.", Log: logx.Nop()})
	c.publish = rec.publish
	t.Cleanup(env.Hub.Add(c))
	return env, c, rec
}

func decode(t *testing.T, b []byte) consumer.Response {
	t.Helper()
	var r consumer.Response
	require.NoError(t, json.Unmarshal(b, &r))
	return r
}

func TestRequestReply(t *testing.T) {
	_, c, _ := setup(t)
	ctx := context.Background()

	r := decode(t, c.handle(ctx, "desk.cmd.setListening", "ops", []byte(`{"enabled":false}`)))
	assert.Nil(t, r.Error)
	assert.Equal(t, false, r.Result)

	r = decode(t, c.handle(ctx, "desk.cmd.getPolicy", "", nil))
	require.Nil(t, r.Error)
	assert.Equal(t, map[string]any{"listening": false, "retractOnForward": false}, r.Result)

	r = decode(t, c.handle(ctx, "desk.cmd.launchApplication", "", []byte(`{}`)))
	require.NotNil(t, r.Error)
	assert.Equal(t, "INVALID_ARGUMENT", r.Error.Code)

	r = decode(t, c.handle(ctx, "desk.cmd.unknown", "", nil))
	require.NotNil(t, r.Error)
	assert.Equal(t, "NOT_IMPLEMENTED", r.Error.Code)

	r = decode(t, c.handle(ctx, "desk.cmd.a.b", "", nil))
	require.NotNil(t, r.Error)
	assert.Equal(t, "INVALID_ARGUMENT", r.Error.Code)
}

func TestEventsArePublished(t *testing.T) {
	env, c, rec := setup(t)

	id := env.Tray.Notify(source.Notification{Identity: source.Identity{AppID: "com.example.chat", ID: 5}, Title: "Hi"}, nil)
	msgs := rec.wait(t, 1)
	assert.Equal(t, "desk.event.notificationReceived", msgs[0].subject)
	assert.Equal(t, "Hi", msgs[0].data["title"])

	r := decode(t, c.handle(context.Background(), "desk.cmd.removeNotification", "", []byte(`{"key":"`+id.Key+`"}`)))
	require.Nil(t, r.Error)

	msgs = rec.wait(t, 2)
	assert.Equal(t, "desk.event.notificationRemoved", msgs[1].subject)
	assert.Equal(t, true, msgs[1].data["programmatic"])
}

func TestDefaultPrefix(t *testing.T) {
	c := newChannel(nil, Options{})
	assert.Equal(t, "notibridge", c.prefix)
	assert.False(t, c.Deliver(consumer.Event{Name: consumer.EventReceived}))
}
