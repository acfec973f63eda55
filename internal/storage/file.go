package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	logx "notibridge/pkg/logx"
)

const (
	auditSuffix    = ".audit.jsonl"
	snapshotSuffix = ".dedup.snapshot.jsonl"
	journalSuffix  = ".dedup.journal.jsonl"

	// compactEvery folds the journal into the snapshot after this many
	// appended windows.
	compactEvery = 512
	maxLineBytes = 1 << 20
)

var errClosed = errors.New("storage: closed")

// fileStore keeps state in JSON Lines files sharing the prefix derived from
// cfg.Path ("/var/lib/nb/state.db" -> "/var/lib/nb/state"):
//
//	<prefix>.audit.jsonl            audit entries, append only
//	<prefix>.dedup.snapshot.jsonl   live dedup windows at the last compaction
//	<prefix>.dedup.journal.jsonl    windows written since then
type fileStore struct {
	log    logx.Logger
	prefix string

	mu      sync.Mutex
	audit   *os.File
	journal *os.File
	windows map[string]time.Time
	pending int
}

type windowRecord struct {
	Key   string    `json:"key"`
	Until time.Time `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s := &fileStore{
		log:     log,
		prefix:  strings.TrimSuffix(path, filepath.Ext(path)),
		windows: map[string]time.Time{},
	}

	// A missing or torn file only loses dedup windows; start anyway.
	for _, p := range []string{s.prefix + snapshotSuffix, s.prefix + journalSuffix} {
		if err := s.loadWindows(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("dedup state unreadable; starting empty", logx.String("path", p), logx.Err(err))
		}
	}
	s.dropExpired(time.Now())

	var err error
	if s.audit, err = appendOnly(s.prefix + auditSuffix); err != nil {
		return nil, err
	}
	if s.journal, err = appendOnly(s.prefix + journalSuffix); err != nil {
		_ = s.audit.Close()
		return nil, err
	}
	return s, nil
}

func appendOnly(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
}

// Close compacts the dedup journal and closes both files.
func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		return nil
	}
	if err := s.compactLocked(); err != nil {
		s.log.Debug("dedup compact on close failed", logx.Err(err))
	}
	err := errors.Join(s.audit.Close(), s.journal.Close())
	s.audit, s.journal = nil, nil
	return err
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		return errClosed
	}
	_, err = s.audit.Write(append(line, '\n'))
	return err
}

// RecentAudit scans the whole log and keeps the last limit entries, newest
// first. Lines that do not decode are skipped.
func (s *fileStore) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		return nil, errClosed
	}
	f, err := os.Open(s.prefix + auditSuffix)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var tail []AuditEntry
	err = scanLines(f, func(b []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var e AuditEntry
		if json.Unmarshal(b, &e) != nil {
			return nil
		}
		tail = append(tail, e)
		if len(tail) > limit {
			tail = tail[1:]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(tail)
	return tail, nil
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	line, err := json.Marshal(windowRecord{Key: key, Until: until})
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return errClosed
	}
	if _, err := s.journal.Write(append(line, '\n')); err != nil {
		return err
	}
	s.windows[key] = until
	s.pending++
	if s.pending >= compactEvery {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.windows[strings.TrimSpace(key)]
	return until, ok, nil
}

func (s *fileStore) LiveDedup(_ context.Context, now time.Time) (map[string]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.windows))
	for k, until := range s.windows {
		if now.Before(until) {
			out[k] = until
		}
	}
	return out, nil
}

// compactLocked writes the live windows to a fresh snapshot, swaps it in
// and empties the journal.
func (s *fileStore) compactLocked() error {
	s.dropExpired(time.Now())
	snap := s.prefix + snapshotSuffix
	tmp := snap + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for k, until := range s.windows {
		if err := enc.Encode(windowRecord{Key: k, Until: until}); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := errors.Join(w.Flush(), f.Close()); err != nil {
		return err
	}
	if err := os.Rename(tmp, snap); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	s.pending = 0
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) loadWindows(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return scanLines(f, func(b []byte) error {
		var r windowRecord
		if json.Unmarshal(b, &r) == nil && r.Key != "" {
			s.windows[r.Key] = r.Until
		}
		return nil
	})
}

func (s *fileStore) dropExpired(now time.Time) {
	for k, until := range s.windows {
		if until.Before(now) {
			delete(s.windows, k)
		}
	}
}

func scanLines(r io.Reader, fn func([]byte) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		if err := fn(sc.Bytes()); err != nil {
			return err
		}
	}
	return sc.Err()
}
