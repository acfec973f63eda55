package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "notibridge/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, st)

	_, err = Open(Config{Driver: "redis"}, logx.Nop())
	assert.Error(t, err)
}

func TestDrivers(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			dir := t.TempDir()
			cfg := Config{Driver: driver, Path: filepath.Join(dir, "state", "notibridge.db"), BusyTimeout: time.Second}
			st, err := Open(cfg, logx.Nop())
			require.NoError(t, err)
			ctx := context.Background()

			base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			for i, m := range []string{"setListening", "clearAll", "removeNotification"} {
				require.NoError(t, st.AppendAudit(ctx, AuditEntry{
					At:        base.Add(time.Duration(i) * time.Second),
					Transport: "ws",
					Actor:     "session-1",
					Method:    m,
				}))
			}
			require.NoError(t, st.AppendAudit(ctx, AuditEntry{At: base.Add(time.Hour), Transport: "nats", Method: "launchApplication", Code: "INVALID_ARGUMENT"}))

			got, err := st.RecentAudit(ctx, 2)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "launchApplication", got[0].Method)
			assert.False(t, got[0].OK())
			assert.Equal(t, "removeNotification", got[1].Method)
			assert.True(t, got[1].OK())
			assert.Equal(t, "session-1", got[1].Actor)
			assert.True(t, base.Add(2*time.Second).Equal(got[1].At))

			all, err := st.RecentAudit(ctx, 10)
			require.NoError(t, err)
			assert.Len(t, all, 4)

			until := time.Now().Add(time.Minute).Truncate(time.Millisecond)
			require.NoError(t, st.PutDedup(ctx, "k1", until))
			got1, ok, err := st.GetDedup(ctx, "k1")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.True(t, until.Equal(got1))
			_, ok, err = st.GetDedup(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, st.PutDedup(ctx, "expired", time.Now().Add(-time.Minute)))
			live, err := st.LiveDedup(ctx, time.Now())
			require.NoError(t, err)
			require.Len(t, live, 1)
			assert.True(t, until.Equal(live["k1"]))

			require.NoError(t, st.Close())
		})
	}
}

func TestFileDedupSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notibridge.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	require.NoError(t, st.PutDedup(context.Background(), "mirror:abc", until))
	require.NoError(t, st.AppendAudit(context.Background(), AuditEntry{Transport: "telegram", Method: "clearAll"}))
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	got, ok, err := st.GetDedup(context.Background(), "mirror:abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, until.Equal(got))

	entries, err := st.RecentAudit(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].At.IsZero())
}

func TestFileAuditSkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.AppendAudit(context.Background(), AuditEntry{Transport: "ws", Method: "sendTest"}))
	f, err := os.OpenFile(filepath.Join(filepath.Dir(path), "audit.audit.jsonl"), os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, st.AppendAudit(context.Background(), AuditEntry{Transport: "ws", Method: "clearAll"}))

	got, err := st.RecentAudit(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "clearAll", got[0].Method)
	assert.Equal(t, "sendTest", got[1].Method)
}

func TestFileCloseCompactsDedup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nb.db")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, st.PutDedup(ctx, "live", time.Now().Add(time.Hour)))
	require.NoError(t, st.PutDedup(ctx, "gone", time.Now().Add(-time.Minute)))
	require.NoError(t, st.Close())

	journal, err := os.ReadFile(filepath.Join(filepath.Dir(path), "nb"+journalSuffix))
	require.NoError(t, err)
	assert.Empty(t, journal)

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	_, ok, err := st.GetDedup(ctx, "live")
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = st.GetDedup(ctx, "gone")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteReopenKeepsDataAndSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nb.db")
	ctx := context.Background()

	st, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.AppendAudit(ctx, AuditEntry{Transport: "http", Method: "getPolicy"}))
	require.NoError(t, st.PutDedup(ctx, "stale", time.Now().Add(-time.Minute)))
	require.NoError(t, st.PutDedup(ctx, "live", time.Now().Add(time.Hour)))
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	got, err := st.RecentAudit(ctx, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "getPolicy", got[0].Method)
	assert.Empty(t, got[0].Actor)

	_, ok, err := st.GetDedup(ctx, "stale")
	require.NoError(t, err)
	assert.False(t, ok, "expired windows are pruned at open")
	_, ok, err = st.GetDedup(ctx, "live")
	require.NoError(t, err)
	assert.True(t, ok)
}
