package mirror

import (
	"time"

	kit "notibridge/internal/transport"
)

// Config controls the delivery pipeline. Zero values take defaults.
type Config struct {
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 512
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	c.RetryMax = max(c.RetryMax, 0)
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	c.DedupWindow = max(c.DedupWindow, 0)
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 2000
	}
	return c
}

// Message is one chat delivery. With Edit set, the referenced message is
// edited instead of a new one being sent.
type Message struct {
	Target  kit.ChatTarget
	Edit    *kit.MessageRef
	Text    string
	Options *kit.SendOptions

	// DedupKey suppresses repeats within the dedup window. Empty disables
	// dedup for this message.
	DedupKey string

	// Sent runs on the worker after a successful send or edit.
	Sent func(ref kit.MessageRef)
}

// Bus event types.
const (
	TypeQueued  = "mirror.queued"
	TypeSent    = "mirror.sent"
	TypeDeduped = "mirror.deduped"
	TypeDropped = "mirror.dropped"
	TypeFailed  = "mirror.failed"
)

// Event is the bus payload of the mirror lifecycle events.
type Event struct {
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Key      string    `json:"key,omitempty"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
