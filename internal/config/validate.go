package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// cronParser accepts the same expressions as the sweep scheduler.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Defaults used when a field is omitted.
const (
	DefaultQueueSize       = 1024
	DefaultTestTitlePrefix = "[notibridge test] "
	DefaultIconSize        = 128
	DefaultHTTPAddr        = "127.0.0.1:8765"
	DefaultWSPath          = "/ws"
	DefaultSubjectPrefix   = "notibridge"
	DefaultStaleAfter      = 5 * time.Minute
)

// ApplyDefaults fills zero values in place.
func (c *Config) ApplyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Bridge.QueueSize <= 0 {
		c.Bridge.QueueSize = DefaultQueueSize
	}
	if c.Bridge.TestTitlePrefix == "" {
		c.Bridge.TestTitlePrefix = DefaultTestTitlePrefix
	}
	if c.Icon.MaxSize <= 0 {
		c.Icon.MaxSize = DefaultIconSize
	}
	if c.Source.Driver == "" {
		c.Source.Driver = "dbus"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}
	if c.Consumer.WS.Path == "" {
		c.Consumer.WS.Path = DefaultWSPath
	}
	if c.Consumer.NATS.SubjectPrefix == "" {
		c.Consumer.NATS.SubjectPrefix = DefaultSubjectPrefix
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "none"
	}
}

// Validate checks struct tags, duration strings, timezone and cron schedules.
func Validate(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s: failed %q validation", fe.Namespace(), fe.Tag())
		}
		return err
	}

	durations := map[string]string{
		"consumer.ws.write_timeout":      c.Consumer.WS.WriteTimeout,
		"consumer.ws.ping_interval":      c.Consumer.WS.PingInterval,
		"consumer.telegram.poll_timeout": c.Consumer.Telegram.PollTimeout,
		"mirror.retry_base":              c.Mirror.RetryBase,
		"mirror.retry_max_delay":         c.Mirror.RetryMaxDelay,
		"mirror.dedup_window":            c.Mirror.DedupWindow,
		"storage.busy_timeout":           c.Storage.BusyTimeout,
		"sweep.stale_after":              c.Sweep.StaleAfter,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}

	if tz := strings.TrimSpace(c.Sweep.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("sweep.timezone: %w", err)
		}
	}
	for path, spec := range map[string]string{
		"sweep.schedule":        c.Sweep.Schedule,
		"sweep.report_schedule": c.Sweep.ReportSchedule,
	} {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		if _, err := cronParser.Parse(spec); err != nil {
			return fmt.Errorf("%s: invalid schedule %q: %w", path, spec, err)
		}
	}

	if d := c.Storage.Driver; d == "file" || d == "sqlite" {
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required for driver %q", d)
		}
	}
	if c.Consumer.WS.Enabled && !strings.HasPrefix(c.Consumer.WS.Path, "/") {
		return fmt.Errorf("consumer.ws.path must start with /")
	}
	return nil
}
