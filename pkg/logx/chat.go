package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "notibridge/internal/transport"
)

const (
	chatQueueSize   = 256
	chatSendTimeout = 10 * time.Second
	chatMaxText     = 3500
	chatMaxValue    = 600
)

// chatSink is a zerolog.LevelWriter that forwards lines at or above a
// minimum level to a chat, rate limited and never blocking the caller.
type chatSink struct {
	sender   kit.Adapter
	target   atomic.Pointer[kit.ChatTarget]
	minLevel atomic.Int32
	limiter  *rate.Limiter
	queue    chan chatLine

	mu      sync.Mutex
	running bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

type chatLine struct {
	to   kit.ChatTarget
	text string
}

func newChatSink(sender kit.Adapter) *chatSink {
	c := &chatSink{
		sender:  sender,
		limiter: rate.NewLimiter(1, 1),
		queue:   make(chan chatLine, chatQueueSize),
	}
	c.minLevel.Store(int32(zerolog.WarnLevel))
	return c
}

func (c *chatSink) setTarget(to kit.ChatTarget) { c.target.Store(&to) }

// apply updates the level and rate; an enabled sink starts its sender.
func (c *chatSink) apply(cfg TelegramConfig) {
	c.minLevel.Store(int32(parseLevel(cfg.MinLevel, zerolog.WarnLevel)))
	rps := max(1, cfg.RatePerSec)
	c.limiter.SetLimit(rate.Limit(rps))
	c.limiter.SetBurst(rps)
	if !cfg.Enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running && !c.stopped {
		c.startLocked()
	}
}

func (c *chatSink) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel, c.done, c.running = cancel, done, true
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case l := <-c.queue:
				sctx, cancel := context.WithTimeout(ctx, chatSendTimeout)
				_, _ = c.sender.SendText(sctx, l.to, l.text, &kit.SendOptions{DisablePreview: true})
				cancel()
			}
		}
	}()
}

// stop ends the sender for good; later applies do not restart it.
func (c *chatSink) stop() {
	c.mu.Lock()
	running, cancel, done := c.running, c.cancel, c.done
	c.running, c.stopped = false, true
	c.mu.Unlock()
	if running {
		cancel()
		<-done
	}
}

func (c *chatSink) Write(p []byte) (int, error) {
	return c.WriteLevel(zerolog.InfoLevel, p)
}

func (c *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	to := c.target.Load()
	if to == nil || to.ChatID == 0 || int32(level) < c.minLevel.Load() || !c.limiter.Allow() {
		return len(p), nil
	}
	if text := formatChatLine(p); text != "" {
		select {
		case c.queue <- chatLine{to: *to, text: text}:
		default:
		}
	}
	return len(p), nil
}

// formatChatLine renders one zerolog JSON line as "[LEVEL] message" followed
// by sorted key=value lines. Anything else is passed through, truncated.
func formatChatLine(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return truncate(raw, chatMaxText)
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := m["message"].(string)
	b.WriteString(msg)

	delete(m, "time")
	delete(m, "level")
	delete(m, "message")
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, truncate(fmt.Sprint(m[k]), chatMaxValue))
	}
	return truncate(b.String(), chatMaxText)
}

func truncate(s string, maxN int) string {
	switch {
	case maxN <= 0 || len(s) <= maxN:
		return s
	case maxN < 10:
		return s[:maxN]
	default:
		return s[:maxN-3] + "..."
	}
}
