package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notibridge/internal/source"
)

func TestLedgerReleaseOnlyOwnMark(t *testing.T) {
	l := NewLedger()
	id := source.Identity{Key: "k"}
	t0 := time.Unix(100, 0)

	first := l.MarkPending(id, t0)
	require.NotZero(t, first)
	assert.Zero(t, l.MarkPending(id, t0.Add(time.Second)), "repeat mark does not own the entry")

	assert.False(t, l.Release(id, 0))
	assert.True(t, l.Contains(id))

	// Taken by its echo, then marked again by someone else.
	require.True(t, l.TakeIfPending(id))
	second := l.MarkPending(id, t0)
	assert.NotEqual(t, first, second)
	assert.False(t, l.Release(id, first), "stale mark must not remove the new entry")
	assert.True(t, l.Contains(id))

	assert.True(t, l.Release(id, second))
	assert.Zero(t, l.Len())
}

func TestLedgerRepeatMarkRefreshesTimestamp(t *testing.T) {
	l := NewLedger()
	id := source.Identity{Key: "k"}
	t0 := time.Unix(100, 0)

	l.MarkPending(id, t0)
	l.MarkPending(id, t0.Add(time.Minute))

	snap := l.Snapshot(time.Time{})
	require.Len(t, snap, 1)
	assert.Equal(t, t0.Add(time.Minute), snap[0].MarkedAt)
}
