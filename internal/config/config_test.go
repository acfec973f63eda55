package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
bridge:
  retract_on_forward: true
source:
  driver: loopback
consumer:
  ws:
    enabled: true
sweep:
  schedule: "0 */5 * * * *"
  timezone: UTC
`

func TestDecodeYAMLAppliesDefaults(t *testing.T) {
	cfg, err := Decode("notibridge.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Bridge.ListeningDefault())
	assert.True(t, cfg.Bridge.RetractOnForward)
	assert.Equal(t, DefaultQueueSize, cfg.Bridge.QueueSize)
	assert.Equal(t, DefaultTestTitlePrefix, cfg.Bridge.TestTitlePrefix)
	assert.Equal(t, DefaultIconSize, cfg.Icon.MaxSize)
	assert.Equal(t, "loopback", cfg.Source.Driver)
	assert.Equal(t, DefaultWSPath, cfg.Consumer.WS.Path)
	assert.Equal(t, "none", cfg.Storage.Driver)
}

func TestDecodeListeningExplicitFalse(t *testing.T) {
	cfg, err := Decode("c.json", []byte(`{"bridge":{"listening":false}}`))
	require.NoError(t, err)
	assert.False(t, cfg.Bridge.ListeningDefault())
}

func TestExampleConfigDecodes(t *testing.T) {
	path := filepath.Join("..", "..", "configs", "notibridge.example.yaml")
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	cfg, err := Decode(path, b)
	require.NoError(t, err)
	assert.Equal(t, "dbus", cfg.Source.Driver)
	assert.Equal(t, "@every 1m", cfg.Sweep.ReportSchedule)
	assert.True(t, cfg.Bridge.ListeningDefault())
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		file string
		body string
		want string
	}{
		{"unknown field", "c.json", `{"bridge":{"listen":true}}`, "unknown field"},
		{"trailing data", "c.json", `{} {}`, "trailing data"},
		{"bad driver", "c.json", `{"source":{"driver":"carrier-pigeon"}}`, "Driver"},
		{"bad duration", "c.json", `{"mirror":{"retry_base":"soon"}}`, "mirror.retry_base"},
		{"negative duration", "c.json", `{"sweep":{"stale_after":"-1s"}}`, "sweep.stale_after"},
		{"bad cron", "c.json", `{"sweep":{"schedule":"every tuesday"}}`, "sweep.schedule"},
		{"bad timezone", "c.json", `{"sweep":{"timezone":"Mars/Olympus"}}`, "sweep.timezone"},
		{"telegram without token", "c.json", `{"consumer":{"telegram":{"enabled":true,"chat_id":1}}}`, "Token"},
		{"nats without url", "c.json", `{"consumer":{"nats":{"enabled":true}}}`, "URL"},
		{"sqlite without path", "c.json", `{"storage":{"driver":"sqlite"}}`, "storage.path"},
		{"bad yaml", "c.yml", "bridge: [", "yaml"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(tc.file, []byte(tc.body))
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%q, want substring %q", err, tc.want)
			}
		})
	}
}

func TestDiffSections(t *testing.T) {
	a, err := Decode("a.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	b := *a
	b.Logging.Level = "warn"
	b.Consumer.Telegram.Token = "secret"

	ch := Diff(a, &b)
	assert.Equal(t, []string{"consumer", "logging"}, ch.Sections)
	assert.Equal(t, []string{"consumer"}, ch.RestartRequired)
	assert.True(t, ch.Changed("logging"))
	assert.False(t, ch.Changed("sweep"))

	assert.Empty(t, Diff(a, a).Sections)
}

func TestManagerWatchPublishesReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notibridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	m := NewManager(path)
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Logging.Level)

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()

	updated := strings.Replace(sampleYAML, "level: debug", "level: warn", 1)
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	for {
		// Rewrite until the watcher (which starts asynchronously) sees it.
		require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))
		select {
		case got := <-sub:
			assert.Equal(t, "warn", got.Logging.Level)
			assert.Equal(t, "warn", m.Get().Logging.Level)
			cancel()
			<-done
			return
		case <-tick.C:
		case <-deadline:
			t.Fatalf("reload not published")
		}
	}
}

func TestManagerValidatorRejects(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "c.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o600))

	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		return assert.AnError
	})

	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"error"}}`), 0o600))
	assert.False(t, m.reload(context.Background()))
	assert.Equal(t, "info", m.Get().Logging.Level)
}
