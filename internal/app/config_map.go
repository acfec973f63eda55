package app

import (
	"strings"
	"time"

	"notibridge/internal/bridge"
	"notibridge/internal/config"
	"notibridge/internal/consumer/ws"
	"notibridge/internal/mirror"
	"notibridge/internal/storage"
	"notibridge/internal/sweep"
	kit "notibridge/internal/transport"
	logx "notibridge/pkg/logx"
)

// Config values are validated by the config package before they get here,
// so the mappers only fill defaults.

func mapLogging(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    c.Telegram.Enabled,
			MinLevel:   c.Telegram.MinLevel,
			RatePerSec: c.Telegram.RatePerSec,
		},
	}
}

func mapPolicy(c config.BridgeConfig) bridge.Policy {
	return bridge.Policy{
		Listening:        c.ListeningDefault(),
		RetractOnForward: c.RetractOnForward,
	}
}

func mapStorage(c config.StorageConfig) storage.Config {
	driver := strings.ToLower(strings.TrimSpace(c.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{Driver: "none"}
	}
	sc := storage.Config{Driver: driver, Path: strings.TrimSpace(c.Path)}
	if driver == "sqlite" {
		sc.BusyTimeout = config.DurationOr(c.BusyTimeout, time.Second)
	}
	return sc
}

func mapMirror(c config.MirrorConfig) mirror.Config {
	return mirror.Config{
		Workers:         c.Workers,
		QueueSize:       c.QueueSize,
		RatePerSec:      c.RatePerSec,
		RetryMax:        c.RetryMax,
		RetryBase:       config.DurationOr(c.RetryBase, 0),
		RetryMaxDelay:   config.DurationOr(c.RetryMaxDelay, 0),
		DedupWindow:     config.DurationOr(c.DedupWindow, 0),
		DedupMaxEntries: c.DedupMaxEntries,
		PersistDedup:    c.PersistDedup,
	}
}

func mapSweep(c config.SweepConfig) sweep.Config {
	return sweep.Config{
		Schedule:       c.Schedule,
		ReportSchedule: c.ReportSchedule,
		Timezone:       c.Timezone,
		StaleAfter:     config.DurationOr(c.StaleAfter, config.DefaultStaleAfter),
	}
}

func mapWS(c config.WSConfig, origins []string) ws.Options {
	return ws.Options{
		JWTSecret:      c.JWTSecret,
		WriteTimeout:   config.DurationOr(c.WriteTimeout, 0),
		PingInterval:   config.DurationOr(c.PingInterval, 0),
		SendBuffer:     c.SendBuffer,
		AllowedOrigins: origins,
	}
}

func telegramTarget(c config.TelegramConfig) kit.ChatTarget {
	return kit.ChatTarget{ChatID: c.ChatID, ThreadID: c.ThreadID}
}
