package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	kit "notibridge/internal/transport"
)

const defaultLogFile = "./notibridge.log"

// Service owns the process sinks and the root zerolog logger. Apply swaps
// them at runtime; Loggers obtained from the service follow.
type Service struct {
	mu       sync.Mutex
	cfg      Config
	file     *os.File
	filePath string
	chat     *chatSink // nil without a chat transport

	root atomic.Pointer[zerolog.Logger]
}

// New creates the logging service, applies cfg and returns the service plus a
// root Logger bound to it. sender may be nil when no chat transport is configured.
func New(cfg Config, sender kit.Adapter) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat

	s := &Service{}
	if sender != nil {
		s.chat = newChatSink(sender)
	}
	boot := newConsoleRoot(parseLevel(cfg.Level, zerolog.InfoLevel))
	s.root.Store(&boot)
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetTelegramTarget sets the chat that receives log lines. A zero ChatID
// silences the sink without disabling it.
func (s *Service) SetTelegramTarget(to kit.ChatTarget) {
	if s.chat != nil {
		s.chat.setTarget(to)
	}
}

// Close stops the chat sink and closes the log file. Logging afterwards still
// reaches the console writer, if any.
func (s *Service) Close() error {
	if s.chat != nil {
		s.chat.stop()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file, s.filePath = nil, ""
	return err
}

// Apply swaps outputs and levels at runtime. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, newConsoleWriter(Stdout()))
	}
	if w := s.fileWriterLocked(cfg.File); w != nil {
		writers = append(writers, w)
	}
	if s.chat != nil {
		s.chat.apply(cfg.Telegram)
		if cfg.Telegram.Enabled {
			writers = append(writers, s.chat)
		}
	}
	if len(writers) == 0 {
		writers = append(writers, newConsoleWriter(Stdout()))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

// fileWriterLocked keeps the current file when the path is unchanged and
// otherwise reopens it. A file that cannot be opened is reported on stderr
// and skipped.
func (s *Service) fileWriterLocked(fc FileConfig) io.Writer {
	path := strings.TrimSpace(fc.Path)
	if path == "" {
		path = defaultLogFile
	}
	if !fc.Enabled || path != s.filePath {
		if s.file != nil {
			_ = s.file.Close()
		}
		s.file, s.filePath = nil, ""
	}
	if !fc.Enabled {
		return nil
	}
	if s.file == nil {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(Stderr(), "logx: open log file %q: %v\n", path, err)
			return nil
		}
		s.file, s.filePath = f, path
	}
	return zerolog.SyncWriter(s.file)
}

func newConsoleRoot(lvl zerolog.Level) zerolog.Logger {
	return zerolog.New(newConsoleWriter(Stdout())).Level(lvl).With().Timestamp().Logger()
}

func newConsoleWriter(w io.Writer) io.Writer {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}
	cw.FormatCaller = func(i any) string {
		caller, _ := i.(string)
		return caller
	}
	return cw
}
