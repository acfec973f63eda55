package mirror

import (
	"sync"
	"time"
)

// dedupWindows maps keys to the end of their suppression window.
type dedupWindows struct {
	mu    sync.Mutex
	until map[string]time.Time
}

func newDedupWindows() *dedupWindows {
	return &dedupWindows{until: map[string]time.Time{}}
}

func (d *dedupWindows) active(key string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.until[key]
	return ok && now.Before(u)
}

// open sets key's window, drops expired windows and then, past maxEntries,
// the windows closest to expiry.
func (d *dedupWindows) open(key string, until, now time.Time, maxEntries int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.until[key] = until
	d.pruneLocked(now, maxEntries)
}

// load merges windows read back from storage.
func (d *dedupWindows) load(windows map[string]time.Time, now time.Time, maxEntries int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, u := range windows {
		if cur, ok := d.until[k]; !ok || u.After(cur) {
			d.until[k] = u
		}
	}
	d.pruneLocked(now, maxEntries)
}

func (d *dedupWindows) pruneLocked(now time.Time, maxEntries int) {
	for k, u := range d.until {
		if !now.Before(u) {
			delete(d.until, k)
		}
	}
	for maxEntries > 0 && len(d.until) > maxEntries {
		var oldest string
		for k, u := range d.until {
			if oldest == "" || u.Before(d.until[oldest]) {
				oldest = k
			}
		}
		delete(d.until, oldest)
	}
}

func (d *dedupWindows) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.until)
}
