package logger

import (
	"fmt"
	"io"
	"log/syslog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Log is the process-wide logger. Its output can be redirected with Setup and
// SetAsync without replacing the value, so it is safe to capture.
var Log zerolog.Logger

// AsyncRunner executes sink writes off the calling goroutine.
type AsyncRunner interface {
	Active() bool
	TrySubmit(fn func(), timeoutTicks int) error
}

// Options selects the sink and level for Setup.
type Options struct {
	Level   string
	File    string
	Syslog  bool
	Silent  bool
	NoColor bool
	Ident   string
}

type sink struct {
	mu     sync.Mutex
	w      zerolog.LevelWriter
	closer io.Closer
	async  atomic.Pointer[asyncHolder]
}

type asyncHolder struct {
	r AsyncRunner
}

var out = &sink{}

func init() {
	out.w = zerolog.MultiLevelWriter(consoleWriter(os.Stderr, false))
	Log = zerolog.New(out).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func consoleWriter(w io.Writer, noColor bool) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:        w,
		NoColor:    noColor,
		TimeFormat: time.RFC3339,
	}
}

func (s *sink) current() zerolog.LevelWriter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w
}

func (s *sink) Write(p []byte) (int, error) {
	return s.WriteLevel(zerolog.NoLevel, p)
}

func (s *sink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	w := s.current()
	if h := s.async.Load(); h != nil && h.r.Active() && level < zerolog.FatalLevel {
		buf := make([]byte, len(p))
		copy(buf, p)
		// no tick budget: a queued line is written however long it waits
		err := h.r.TrySubmit(func() {
			_, _ = w.WriteLevel(level, buf)
		}, 0)
		if err == nil {
			return len(p), nil
		}
	}
	return w.WriteLevel(level, p)
}

// Setup replaces the active sink and level.
func Setup(opts Options) error {
	var w zerolog.LevelWriter
	var closer io.Closer

	switch {
	case opts.Syslog:
		ident := opts.Ident
		if ident == "" {
			ident = "ircbot"
		}
		sw, err := syslog.New(syslog.LOG_DAEMON|syslog.LOG_INFO, ident)
		if err != nil {
			return fmt.Errorf("failed to open syslog: %w", err)
		}
		w = zerolog.SyslogLevelWriter(sw)
		closer = sw
	case opts.File != "":
		f, err := os.OpenFile(opts.File, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		w = zerolog.MultiLevelWriter(consoleWriter(f, true))
		closer = f
	default:
		w = zerolog.MultiLevelWriter(consoleWriter(os.Stderr, opts.NoColor))
	}

	out.mu.Lock()
	old := out.closer
	out.w = w
	out.closer = closer
	out.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	level := zerolog.InfoLevel
	if opts.Level != "" {
		l, err := ParseLevel(opts.Level)
		if err != nil {
			return err
		}
		level = l
	}
	if opts.Silent && level < zerolog.ErrorLevel {
		level = zerolog.ErrorLevel
	}
	SetLevel(level)
	return nil
}

// SetOutput sends log output to w without formatting, mainly for tests
func SetOutput(w io.Writer) {
	out.mu.Lock()
	out.w = zerolog.MultiLevelWriter(w)
	out.mu.Unlock()
}

// SetAsync routes sink writes through r while r is active. A nil runner
// restores synchronous writes.
func SetAsync(r AsyncRunner) {
	if r == nil {
		out.async.Store(nil)
		return
	}
	out.async.Store(&asyncHolder{r: r})
}

// IsAsync reports whether an async runner is installed
func IsAsync() bool {
	return out.async.Load() != nil
}

// SetLevel sets the global log level
func SetLevel(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}

// ParseLevel accepts zerolog level names plus "warning" and "fatal"
func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "warning":
		return zerolog.WarnLevel, nil
	case "none", "off":
		return zerolog.Disabled, nil
	}
	l, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil {
		return zerolog.InfoLevel, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return l, nil
}

// Close releases the file or syslog handle of the current sink
func Close() error {
	out.mu.Lock()
	c := out.closer
	out.closer = nil
	out.w = zerolog.MultiLevelWriter(consoleWriter(os.Stderr, false))
	out.mu.Unlock()
	if c != nil {
		return c.Close()
	}
	return nil
}
