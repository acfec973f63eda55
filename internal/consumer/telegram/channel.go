// Package telegram mirrors bridge pushes into a Telegram chat and turns
// chat input back into consumer commands: the Dismiss button under a
// mirrored notification removes it, owner text commands drive the policy.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"notibridge/internal/consumer"
	"notibridge/internal/metrics"
	"notibridge/internal/mirror"
	kit "notibridge/internal/transport"
	logx "notibridge/pkg/logx"
)

const (
	transportName = "telegram"

	// dismissPrefix marks Dismiss button callback data.
	dismissPrefix = "rm:"

	defaultMaxTracked = 1000
)

// Enqueuer is the mirror surface the channel needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, m mirror.Message) error
}

var _ Enqueuer = (*mirror.Service)(nil)

type Options struct {
	Target kit.ChatTarget
	// Owners may issue commands. When empty, anyone in Target's chat may.
	Owners []int64
	// MaxTracked bounds the notifications kept for Dismiss buttons.
	MaxTracked int
	// State adds the source attachment to /status when set.
	State interface{ Attached() bool }

	Log     logx.Logger
	Metrics *metrics.Collector
}

// post is a mirrored notification. It stays tracked for its Dismiss button
// until the notification is removed. A removal that arrives before the
// message was sent is parked in edit until the message ref is known.
type post struct {
	params json.RawMessage
	text   string
	ref    *kit.MessageRef
	edit   string
}

// Channel is a consumer.Sink backed by the chat mirror.
type Channel struct {
	adapter kit.Adapter
	out     Enqueuer
	disp    *consumer.Dispatcher
	target  kit.ChatTarget
	owners  map[int64]bool
	max     int
	state   interface{ Attached() bool }
	log     logx.Logger
	m       *metrics.Collector

	mu    sync.Mutex
	posts map[string]*post
	order []string
}

var _ consumer.Sink = (*Channel)(nil)

func New(adapter kit.Adapter, out Enqueuer, disp *consumer.Dispatcher, opts Options) *Channel {
	owners := make(map[int64]bool, len(opts.Owners))
	for _, id := range opts.Owners {
		owners[id] = true
	}
	if opts.MaxTracked <= 0 {
		opts.MaxTracked = defaultMaxTracked
	}
	return &Channel{
		adapter: adapter,
		out:     out,
		disp:    disp,
		target:  opts.Target,
		owners:  owners,
		max:     opts.MaxTracked,
		state:   opts.State,
		log:     opts.Log.With(logx.String("comp", "consumer.telegram")),
		m:       opts.Metrics,
		posts:   map[string]*post{},
	}
}

func (c *Channel) Name() string { return transportName }

// Run attaches to hub, starts the chat adapter and handles updates until
// ctx is done.
func (c *Channel) Run(ctx context.Context, hub *consumer.Hub) error {
	updates := make(chan kit.Update, 64)
	if err := c.adapter.Start(ctx, updates); err != nil {
		return fmt.Errorf("telegram start: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = c.adapter.Stop(sctx)
	}()

	if mu, ok := c.adapter.(kit.CommandMenuUpdater); ok {
		if err := mu.UpdateMenuCommands(ctx, menu); err != nil {
			c.log.Warn("menu update failed", logx.Err(err))
		}
	}

	detach := hub.Add(c)
	defer detach()
	c.m.SessionOpened(transportName)
	defer c.m.SessionClosed(transportName)
	c.log.Info("telegram channel ready", logx.Int64("chat", c.target.ChatID))

	for {
		select {
		case <-ctx.Done():
			return nil
		case up := <-updates:
			c.handleUpdate(ctx, up)
		}
	}
}

// Deliver mirrors a push. It never blocks: the mirror queue rejects when
// full.
func (c *Channel) Deliver(ev consumer.Event) bool {
	switch ev.Name {
	case consumer.EventReceived:
		return c.received(ev.Data)
	case consumer.EventRemoved:
		return c.removed(ev.Data)
	default:
		return true
	}
}

func (c *Channel) received(data map[string]any) bool {
	h := handle(data)
	text := formatReceived(data)
	p := c.track(h, identityParams(data), text)

	err := c.out.Enqueue(context.Background(), mirror.Message{
		Target:   c.target,
		Text:     text,
		Options:  &kit.SendOptions{ParseMode: "HTML", DisablePreview: true, Buttons: []kit.Button{{Text: "Dismiss", Data: dismissPrefix + h}}},
		DedupKey: h + ":" + contentHash(data),
		Sent:     func(ref kit.MessageRef) { c.sent(p, ref) },
	})
	if err != nil {
		c.log.Debug("mirror enqueue failed", logx.Err(err))
		return false
	}
	return true
}

// sent records the message ref of p and flushes a parked removal edit.
func (c *Channel) sent(p *post, ref kit.MessageRef) {
	c.mu.Lock()
	p.ref = &ref
	edit := p.edit
	p.edit = ""
	c.mu.Unlock()
	if edit != "" {
		c.editRemoved(ref, edit)
	}
}

// removed edits the mirrored message and drops its button. User removals
// are struck through.
func (c *Channel) removed(data map[string]any) bool {
	h := handle(data)
	c.mu.Lock()
	p := c.posts[h]
	delete(c.posts, h)
	if p == nil {
		c.mu.Unlock()
		return true
	}
	text := "<s>" + p.text + "</s>\n<i>removed</i>"
	if prog, _ := data["programmatic"].(bool); prog {
		text = p.text + "\n<i>cleared from tray</i>"
	}
	if p.ref == nil {
		p.edit = text
		c.mu.Unlock()
		return true
	}
	ref := *p.ref
	c.mu.Unlock()
	return c.editRemoved(ref, text)
}

func (c *Channel) editRemoved(ref kit.MessageRef, text string) bool {
	err := c.out.Enqueue(context.Background(), mirror.Message{
		Target:  c.target,
		Edit:    &ref,
		Text:    text,
		Options: &kit.SendOptions{ParseMode: "HTML", DisablePreview: true},
	})
	if err != nil {
		c.log.Debug("mirror edit enqueue failed", logx.Err(err))
		return false
	}
	return true
}

// track returns the post for h, creating it on first sight. A repost of a
// tracked notification reuses the post, so a deduped send keeps pointing at
// the earlier message.
func (c *Channel) track(h string, params json.RawMessage, text string) *post {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.posts[h]
	if !ok {
		p = &post{}
		c.posts[h] = p
		c.order = append(c.order, h)
	}
	p.params, p.text = params, text
	for len(c.posts) > c.max && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.posts, oldest)
	}
	// Compact order once it is mostly stale entries.
	if len(c.order) > 2*c.max {
		live := c.order[:0]
		for _, k := range c.order {
			if _, ok := c.posts[k]; ok {
				live = append(live, k)
			}
		}
		c.order = live
	}
	return p
}

func (c *Channel) lookup(h string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.posts[h]
	if !ok {
		return nil, false
	}
	return p.params, true
}

// handle is a short stable id for a notification, used in callback data.
func handle(data map[string]any) string {
	h := fnv.New64a()
	if k, _ := data["key"].(string); k != "" {
		h.Write([]byte(k))
	} else {
		app, _ := data["sourceApplicationId"].(string)
		tag, _ := data["tag"].(string)
		fmt.Fprintf(h, "%s|%v|%s", app, data["id"], tag)
	}
	return strconv.FormatUint(h.Sum64(), 36)
}

func contentHash(data map[string]any) string {
	h := fnv.New64a()
	title, _ := data["title"].(string)
	body, _ := data["body"].(string)
	h.Write([]byte(title))
	h.Write([]byte{0})
	h.Write([]byte(body))
	return strconv.FormatUint(h.Sum64(), 36)
}

// identityParams extracts the removeNotification params from a record.
func identityParams(data map[string]any) json.RawMessage {
	p := map[string]any{}
	for _, k := range []string{"key", "sourceApplicationId", "id", "tag"} {
		if v, ok := data[k]; ok && v != nil {
			p[k] = v
		}
	}
	b, _ := json.Marshal(p)
	return b
}
