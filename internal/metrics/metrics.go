// Package metrics holds the Prometheus collectors of notibridge. All methods
// are safe on a nil *Collector so components can run without metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "notibridge"

type Collector struct {
	sourceEvents *prometheus.CounterVec
	forwarded    prometheus.Counter
	suppressed   prometheus.Counter
	removals     *prometheus.CounterVec
	retractions  *prometheus.CounterVec
	cancelErrors prometheus.Counter
	dropped      prometheus.Counter
	panics       prometheus.Counter
	ledgerSize   prometheus.Gauge
	attached     prometheus.Gauge
	iconFailures prometheus.Counter
	policy       *prometheus.GaugeVec
	processing   *prometheus.HistogramVec
	mirror       *prometheus.CounterVec

	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	sessions        *prometheus.GaugeVec
	deliveries      *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		sourceEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_events_total",
			Help:      "Callbacks received from the event source.",
		}, []string{"kind"}),
		forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forwarded_total",
			Help:      "Posted notifications pushed to consumers.",
		}),
		suppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suppressed_total",
			Help:      "Posted notifications dropped because listening is disabled.",
		}),
		removals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "removals_total",
			Help:      "Removal notices pushed to consumers.",
		}, []string{"programmatic"}),
		retractions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retractions_total",
			Help:      "Cancel calls issued to the event source.",
		}, []string{"reason"}),
		cancelErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancel_errors_total",
			Help:      "Cancel calls rejected by the event source.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_events_dropped_total",
			Help:      "Callbacks dropped because the bridge queue was full.",
		}),
		panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_panics_total",
			Help:      "Events whose processing panicked.",
		}),
		ledgerSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_pending",
			Help:      "Retractions awaiting their removal echo.",
		}),
		attached: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "source_attached",
			Help:      "1 while an event source is attached.",
		}),
		iconFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "icon_failures_total",
			Help:      "Icons that could not be rendered.",
		}),
		policy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "policy_enabled",
			Help:      "Forwarding policy flags (1 = on).",
		}, []string{"flag"}),
		processing: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_processing_seconds",
			Help:      "Time spent processing one source callback.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"kind"}),
		mirror: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_messages_total",
			Help:      "Chat mirror deliveries by result.",
		}, []string{"result"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Consumer commands by method and result code.",
		}, []string{"method", "code"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Consumer command latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumer_sessions",
			Help:      "Connected consumer sessions by transport.",
		}, []string{"transport"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumer_deliveries_total",
			Help:      "Events handed to consumer sinks.",
		}, []string{"sink", "result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"path", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path", "method", "status"}),
	}
	if reg != nil {
		reg.MustRegister(
			c.sourceEvents, c.forwarded, c.suppressed, c.removals, c.retractions,
			c.cancelErrors, c.dropped, c.panics, c.ledgerSize, c.attached,
			c.iconFailures, c.policy, c.processing, c.mirror,
			c.commands, c.commandDuration, c.sessions, c.deliveries,
			c.httpRequests, c.httpDuration,
		)
	}
	return c
}

func (c *Collector) SourceEvent(kind string) {
	if c != nil {
		c.sourceEvents.WithLabelValues(kind).Inc()
	}
}

func (c *Collector) Forwarded() {
	if c != nil {
		c.forwarded.Inc()
	}
}

func (c *Collector) Suppressed() {
	if c != nil {
		c.suppressed.Inc()
	}
}

func (c *Collector) Removal(programmatic bool) {
	if c == nil {
		return
	}
	label := "false"
	if programmatic {
		label = "true"
	}
	c.removals.WithLabelValues(label).Inc()
}

func (c *Collector) Retraction(reason string, n int) {
	if c != nil && n > 0 {
		c.retractions.WithLabelValues(reason).Add(float64(n))
	}
}

func (c *Collector) CancelError() {
	if c != nil {
		c.cancelErrors.Inc()
	}
}

func (c *Collector) Dropped() {
	if c != nil {
		c.dropped.Inc()
	}
}

func (c *Collector) Panic() {
	if c != nil {
		c.panics.Inc()
	}
}

func (c *Collector) LedgerSize(n int) {
	if c != nil {
		c.ledgerSize.Set(float64(n))
	}
}

func (c *Collector) Attached(on bool) {
	if c == nil {
		return
	}
	if on {
		c.attached.Set(1)
	} else {
		c.attached.Set(0)
	}
}

func (c *Collector) IconFailure() {
	if c != nil {
		c.iconFailures.Inc()
	}
}

// Policy publishes the current forwarding flags.
func (c *Collector) Policy(listening, retract bool) {
	if c == nil {
		return
	}
	c.policy.WithLabelValues("listening").Set(boolGauge(listening))
	c.policy.WithLabelValues("retract_on_forward").Set(boolGauge(retract))
}

func (c *Collector) Processed(kind string, d time.Duration) {
	if c != nil {
		c.processing.WithLabelValues(kind).Observe(d.Seconds())
	}
}

// Mirror counts one chat mirror outcome (sent, deduped, dropped, failed).
func (c *Collector) Mirror(result string) {
	if c != nil {
		c.mirror.WithLabelValues(result).Inc()
	}
}

func boolGauge(on bool) float64 {
	if on {
		return 1
	}
	return 0
}

func (c *Collector) Command(method, code string, d time.Duration) {
	if c == nil {
		return
	}
	c.commands.WithLabelValues(method, code).Inc()
	c.commandDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (c *Collector) SessionOpened(transport string) {
	if c != nil {
		c.sessions.WithLabelValues(transport).Inc()
	}
}

func (c *Collector) SessionClosed(transport string) {
	if c != nil {
		c.sessions.WithLabelValues(transport).Dec()
	}
}

func (c *Collector) Delivery(sink string, ok bool) {
	if c == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "dropped"
	}
	c.deliveries.WithLabelValues(sink, result).Inc()
}

func (c *Collector) HTTPRequest(path, method, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(path, method, status).Inc()
	c.httpDuration.WithLabelValues(path, method, status).Observe(d.Seconds())
}
