package config

import (
	"reflect"
	"sort"

	logx "notibridge/pkg/logx"
)

// Change summarizes a reload.
type Change struct {
	// Sections lists the top-level keys that differ, sorted.
	Sections []string
	// RestartRequired lists changed sections that only take effect on restart.
	RestartRequired []string
	// Attrs are safe log fields. Secrets (tokens, jwt keys) are reported only
	// as set/unset.
	Attrs []logx.Field
}

// Changed reports whether section differs.
func (c Change) Changed(section string) bool {
	i := sort.SearchStrings(c.Sections, section)
	return i < len(c.Sections) && c.Sections[i] == section
}

var restartOnly = map[string]bool{
	"bridge":   true,
	"icon":     true,
	"source":   true,
	"http":     true,
	"consumer": true,
	"storage":  true,
}

// Diff compares two revisions.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var ch Change
	mark := func(section string, attrs ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		ch.Attrs = append(ch.Attrs, attrs...)
		if restartOnly[section] {
			ch.RestartRequired = append(ch.RestartRequired, section)
		}
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Bridge, newCfg.Bridge) {
		mark("bridge", logx.Int("bridge.queue_size", newCfg.Bridge.QueueSize))
	}
	if !reflect.DeepEqual(oldCfg.Icon, newCfg.Icon) {
		mark("icon", logx.Int("icon.max_size", newCfg.Icon.MaxSize))
	}
	if !reflect.DeepEqual(oldCfg.Source, newCfg.Source) {
		mark("source", logx.String("source.driver", newCfg.Source.Driver))
	}
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		mark("http", logx.String("http.addr", newCfg.HTTP.Addr))
	}
	if !reflect.DeepEqual(oldCfg.Consumer, newCfg.Consumer) {
		c := newCfg.Consumer
		mark("consumer",
			logx.Bool("consumer.ws", c.WS.Enabled),
			logx.Bool("consumer.ws.jwt_set", c.WS.JWTSecret != ""),
			logx.Bool("consumer.nats", c.NATS.Enabled),
			logx.Bool("consumer.telegram", c.Telegram.Enabled),
			logx.Bool("consumer.telegram.token_set", c.Telegram.Token != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Mirror, newCfg.Mirror) {
		mark("mirror",
			logx.Int("mirror.workers", newCfg.Mirror.Workers),
			logx.Int("mirror.rate_per_sec", newCfg.Mirror.RatePerSec),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		mark("storage", logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if !reflect.DeepEqual(oldCfg.Sweep, newCfg.Sweep) {
		mark("sweep",
			logx.String("sweep.schedule", newCfg.Sweep.Schedule),
			logx.String("sweep.report_schedule", newCfg.Sweep.ReportSchedule),
		)
	}

	sort.Strings(ch.Sections)
	sort.Strings(ch.RestartRequired)
	return ch
}
