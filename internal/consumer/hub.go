package consumer

import (
	"sync"
	"sync/atomic"

	"notibridge/internal/bridge"
	"notibridge/internal/metrics"
	logx "notibridge/pkg/logx"
)

// Sink is one attached consumer connection or channel. Deliver must not
// block; it returns false when the event was dropped.
type Sink interface {
	Name() string
	Deliver(ev Event) bool
}

// Hub is the bridge's Consumer. It fans every push out to the attached
// sinks. With no sinks attached, pushes are discarded.
type Hub struct {
	log     logx.Logger
	metrics *metrics.Collector

	mu    sync.RWMutex
	sinks map[uint64]Sink
	seq   atomic.Uint64
}

var _ bridge.Consumer = (*Hub)(nil)

func NewHub(m *metrics.Collector, log logx.Logger) *Hub {
	return &Hub{
		log:     log.With(logx.String("comp", "consumer.hub")),
		metrics: m,
		sinks:   map[uint64]Sink{},
	}
}

// Add attaches s and returns its detach func.
func (h *Hub) Add(s Sink) (remove func()) {
	id := h.seq.Add(1)
	h.mu.Lock()
	h.sinks[id] = s
	n := len(h.sinks)
	h.mu.Unlock()
	h.log.Debug("sink attached", logx.String("sink", s.Name()), logx.Int("sinks", n))

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.sinks, id)
			h.mu.Unlock()
		})
	}
}

// Len reports the number of attached sinks.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sinks)
}

func (h *Hub) NotificationReceived(r bridge.Record) {
	h.broadcast(Event{Name: EventReceived, Data: r.Wire()})
}

// NotificationRemoved pushes a removal. programmatic is only written when
// true.
func (h *Hub) NotificationRemoved(r bridge.Record, programmatic bool) {
	data := r.Wire()
	if programmatic {
		data["programmatic"] = true
	}
	h.broadcast(Event{Name: EventRemoved, Data: data})
}

// broadcast hands ev to every sink. Sinks share the Data map and must not
// modify it.
func (h *Hub) broadcast(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.sinks {
		ok := s.Deliver(ev)
		h.metrics.Delivery(s.Name(), ok)
		if !ok {
			h.log.Debug("event dropped by slow sink", logx.String("sink", s.Name()), logx.String("event", ev.Name))
		}
	}
}
