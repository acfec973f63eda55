package bridge

import (
	"sort"
	"time"

	"notibridge/internal/source"
)

// Ledger is the set of identities whose removal this process initiated and
// whose echo has not arrived yet. It is not synchronized; the Bridge guards
// it with its own mutex.
type Ledger struct {
	pending map[string]pendingEntry
	seq     uint64
}

type pendingEntry struct {
	id   source.Identity
	at   time.Time
	mark uint64
}

func NewLedger() *Ledger {
	return &Ledger{pending: map[string]pendingEntry{}}
}

// MarkPending records id and returns the mark of the new entry. An identity
// that is already pending keeps its entry and mark, gets a refreshed
// timestamp, and 0 is returned: the caller did not create it.
func (l *Ledger) MarkPending(id source.Identity, now time.Time) uint64 {
	k := id.Canonical()
	if e, ok := l.pending[k]; ok {
		e.at = now
		l.pending[k] = e
		return 0
	}
	l.seq++
	l.pending[k] = pendingEntry{id: id, at: now, mark: l.seq}
	return l.seq
}

// Release undoes a MarkPending whose cancel failed. The entry is removed
// only while it still carries mark, so an entry created by another caller
// survives.
func (l *Ledger) Release(id source.Identity, mark uint64) bool {
	if mark == 0 {
		return false
	}
	k := id.Canonical()
	if e, ok := l.pending[k]; !ok || e.mark != mark {
		return false
	}
	delete(l.pending, k)
	return true
}

// TakeIfPending removes id and reports whether it was present.
func (l *Ledger) TakeIfPending(id source.Identity) bool {
	k := id.Canonical()
	if _, ok := l.pending[k]; !ok {
		return false
	}
	delete(l.pending, k)
	return true
}

func (l *Ledger) Contains(id source.Identity) bool {
	_, ok := l.pending[id.Canonical()]
	return ok
}

func (l *Ledger) Len() int { return len(l.pending) }

// PendingEntry is a ledger row as reported to operators.
type PendingEntry struct {
	Identity source.Identity `json:"identity"`
	MarkedAt time.Time       `json:"markedAt"`
}

// Snapshot lists pending entries marked at or before cutoff (all entries
// when cutoff is zero), oldest first.
func (l *Ledger) Snapshot(cutoff time.Time) []PendingEntry {
	out := make([]PendingEntry, 0, len(l.pending))
	for _, e := range l.pending {
		if !cutoff.IsZero() && e.at.After(cutoff) {
			continue
		}
		out = append(out, PendingEntry{Identity: e.id, MarkedAt: e.at})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].MarkedAt.Equal(out[j].MarkedAt) {
			return out[i].MarkedAt.Before(out[j].MarkedAt)
		}
		return out[i].Identity.Canonical() < out[j].Identity.Canonical()
	})
	return out
}
