package config

// Config is the on-disk configuration of notibridge. All durations are Go
// duration strings ("500ms", "10s", "1m").
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Bridge   BridgeConfig   `json:"bridge"`
	Icon     IconConfig     `json:"icon"`
	Source   SourceConfig   `json:"source"`
	HTTP     HTTPConfig     `json:"http"`
	Consumer ConsumerConfig `json:"consumer"`
	Mirror   MirrorConfig   `json:"mirror"`
	Storage  StorageConfig  `json:"storage"`
	Sweep    SweepConfig    `json:"sweep"`
}

type LoggingConfig struct {
	Level    string                `json:"level" validate:"omitempty,oneof=trace debug info warn warning error"`
	Console  bool                  `json:"console"`
	File     LoggingFileConfig     `json:"file"`
	Telegram LoggingTelegramConfig `json:"telegram"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegramConfig forwards log lines at or above MinLevel to the
// Telegram mirror chat.
type LoggingTelegramConfig struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level" validate:"omitempty,oneof=trace debug info warn warning error"`
	RatePerSec int    `json:"rate_per_sec" validate:"gte=0"`
}

// BridgeConfig holds the policy the bridge starts with. Reloads do not touch
// the live policy.
type BridgeConfig struct {
	// Listening is a pointer so an omitted key keeps the default (true).
	Listening        *bool  `json:"listening,omitempty"`
	RetractOnForward bool   `json:"retract_on_forward"`
	QueueSize        int    `json:"queue_size" validate:"gte=0"`
	TestTitlePrefix  string `json:"test_title_prefix"`
}

type IconConfig struct {
	MaxSize   int      `json:"max_size" validate:"gte=0,lte=1024"`
	ThemeDirs []string `json:"theme_dirs"`
}

type SourceConfig struct {
	Driver string           `json:"driver" validate:"omitempty,oneof=dbus loopback"`
	DBus   DBusSourceConfig `json:"dbus"`
}

type DBusSourceConfig struct {
	// Address overrides the session bus address (empty: DBUS_SESSION_BUS_ADDRESS).
	Address string `json:"address"`
}

type HTTPConfig struct {
	Addr           string   `json:"addr"`
	Metrics        bool     `json:"metrics"`
	Pprof          bool     `json:"pprof"`
	AllowedOrigins []string `json:"allowed_origins"`
}

type ConsumerConfig struct {
	WS       WSConfig       `json:"ws"`
	NATS     NATSConfig     `json:"nats"`
	Telegram TelegramConfig `json:"telegram"`
}

type WSConfig struct {
	Enabled      bool   `json:"enabled"`
	Path         string `json:"path"`
	JWTSecret    string `json:"jwt_secret"`
	WriteTimeout string `json:"write_timeout"`
	PingInterval string `json:"ping_interval"`
	SendBuffer   int    `json:"send_buffer" validate:"gte=0"`
}

type NATSConfig struct {
	Enabled       bool   `json:"enabled"`
	URL           string `json:"url" validate:"required_if=Enabled true"`
	SubjectPrefix string `json:"subject_prefix"`
	Name          string `json:"name"`
}

type TelegramConfig struct {
	Enabled      bool    `json:"enabled"`
	Token        string  `json:"token" validate:"required_if=Enabled true"`
	ChatID       int64   `json:"chat_id" validate:"required_if=Enabled true"`
	ThreadID     int     `json:"thread_id"`
	PollTimeout  string  `json:"poll_timeout"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
}

// MirrorConfig tunes the async Telegram delivery pipeline.
type MirrorConfig struct {
	Workers         int    `json:"workers" validate:"gte=0"`
	QueueSize       int    `json:"queue_size" validate:"gte=0"`
	RatePerSec      int    `json:"rate_per_sec" validate:"gte=0"`
	RetryMax        int    `json:"retry_max" validate:"gte=0"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries" validate:"gte=0"`
	// PersistDedup keeps dedup windows in the audit store across restarts.
	PersistDedup bool `json:"persist_dedup"`
}

type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=none file sqlite"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"`
}

// SweepConfig schedules periodic clear-all sweeps and ledger reports. Empty
// schedules disable the job.
type SweepConfig struct {
	Schedule       string `json:"schedule"`
	Timezone       string `json:"timezone"`
	StaleAfter     string `json:"stale_after"`
	ReportSchedule string `json:"report_schedule"`
}

// ListeningDefault resolves bridge.listening (default true).
func (c BridgeConfig) ListeningDefault() bool {
	if c.Listening == nil {
		return true
	}
	return *c.Listening
}
