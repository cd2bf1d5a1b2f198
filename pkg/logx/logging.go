package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Alerts  AlertConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// AlertConfig controls the alert sink. Lines at or above MinLevel are
// forwarded to the Sender installed with SetSender.
type AlertConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// Sender delivers a formatted alert line somewhere a human will see it.
type Sender interface {
	SendAlert(ctx context.Context, text string) error
}

type Level = zerolog.Level

const (
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

const (
	timeLayout    = "2006-01-02T15:04:05.000Z07:00"
	defaultLog    = "./groupbot.log"
	alertBuffer   = 64
	alertDeadline = 10 * time.Second
)

// Field mutates a zerolog event. Later fields win on duplicate keys.
type Field func(e *zerolog.Event)

func String(k, v string) Field        { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field       { return func(e *zerolog.Event) { e.Int(k, v) } }
func Uint64(k string, v uint64) Field { return func(e *zerolog.Event) { e.Uint64(k, v) } }
func Bool(k string, v bool) Field     { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Time(k string, v time.Time) Field {
	return func(e *zerolog.Event) { e.Time(k, v) }
}
func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}
func Any(k string, v any) Field { return func(e *zerolog.Event) { e.Interface(k, v) } }

// Err is a no-op for a nil error.
func Err(err error) Field {
	if err == nil {
		return nil
	}
	return func(e *zerolog.Event) { e.Err(err) }
}

// Logger is a value-type handle. A Logger obtained from a Service follows
// every later Apply; the zero value discards everything.
type Logger struct {
	svc    *Service
	fixed  *zerolog.Logger
	fields []Field
}

func Nop() Logger {
	zl := zerolog.Nop()
	return Logger{fixed: &zl}
}

// NewWriter returns a standalone logger writing zerolog JSON to w.
func NewWriter(w io.Writer, level string) Logger {
	zl := build(w, level)
	return Logger{fixed: &zl}
}

// NewConsole is a standalone console logger for use before config is loaded.
func NewConsole(level string) Logger {
	setGlobals()
	zl := build(console(os.Stdout), level)
	return Logger{fixed: &zl}
}

func (l Logger) IsZero() bool { return l.svc == nil && l.fixed == nil && len(l.fields) == 0 }

func (l Logger) target() zerolog.Logger {
	switch {
	case l.svc != nil:
		return l.svc.load()
	case l.fixed != nil:
		return *l.fixed
	default:
		return zerolog.Nop()
	}
}

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	l.fields = append(append(make([]Field, 0, len(l.fields)+len(fields)), l.fields...), fields...)
	return l
}

func (l Logger) Debug(msg string, fields ...Field) { l.emit(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(zerolog.ErrorLevel, msg, fields) }

func (l Logger) emit(level zerolog.Level, msg string, fields []Field) {
	zl := l.target()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, group := range [][]Field{l.fields, fields} {
		for _, f := range group {
			if f != nil {
				f(e)
			}
		}
	}
	e.Msg(msg)
}

// Service owns the live sinks. Apply swaps them without invalidating
// Loggers handed out earlier.
type Service struct {
	mu   sync.Mutex
	file *os.File

	current atomic.Pointer[zerolog.Logger]
	alerts  *alerter
}

// New applies cfg immediately and returns the Service with its root Logger.
func New(cfg Config) (*Service, Logger) {
	setGlobals()
	s := &Service{alerts: newAlerter()}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) load() zerolog.Logger {
	if zl := s.current.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// SetSender installs the alert destination; nil disables delivery.
func (s *Service) SetSender(sender Sender) { s.alerts.setSender(sender) }

// Apply rebuilds the writer set for cfg. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, console(os.Stdout))
	}
	if cfg.File.Enabled {
		if f, err := openLogFile(cfg.File.Path); err != nil {
			fmt.Fprintf(os.Stderr, "logx: %v\n", err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	s.alerts.configure(cfg.Alerts)
	if cfg.Alerts.Enabled {
		writers = append(writers, s.alerts)
	}
	if len(writers) == 0 {
		writers = append(writers, console(os.Stdout))
	}

	zl := build(zerolog.MultiLevelWriter(writers...), cfg.Level)
	s.current.Store(&zl)
}

func (s *Service) Close() error {
	s.alerts.close()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLog
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}

func setGlobals() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeLayout
}

func build(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).Level(parseLevel(level, zerolog.InfoLevel)).With().Timestamp().Logger()
}

func console(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: timeLayout}
}

// alerter is a zerolog.LevelWriter that queues qualifying lines for a
// background sender. Writes never block logging.
type alerter struct {
	queue chan string

	mu       sync.Mutex
	sender   Sender
	limiter  *rate.Limiter
	minLevel zerolog.Level
	cancel   context.CancelFunc
	done     chan struct{}
}

func newAlerter() *alerter {
	return &alerter{queue: make(chan string, alertBuffer), minLevel: zerolog.WarnLevel}
}

func (a *alerter) setSender(s Sender) {
	a.mu.Lock()
	a.sender = s
	a.mu.Unlock()
}

func (a *alerter) configure(cfg AlertConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rps := max(1, cfg.RatePerSec)
	a.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	a.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	if cfg.Enabled && a.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		a.cancel = cancel
		a.done = make(chan struct{})
		go a.drain(ctx, a.done)
	}
}

func (a *alerter) close() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (a *alerter) drain(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.queue:
			a.mu.Lock()
			sender := a.sender
			a.mu.Unlock()
			if sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, alertDeadline)
			if err := sender.SendAlert(sctx, msg); err != nil {
				fmt.Fprintf(os.Stderr, "logx: alert send failed: %v\n", err)
			}
			cancel()
		}
	}
}

func (a *alerter) Write(p []byte) (int, error) { return a.WriteLevel(zerolog.InfoLevel, p) }

func (a *alerter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	a.mu.Lock()
	ok := a.sender != nil && a.limiter != nil && level >= a.minLevel && a.limiter.Allow()
	a.mu.Unlock()
	if !ok {
		return len(p), nil
	}
	if msg := FormatAlert(p); msg != "" {
		select {
		case a.queue <- msg:
		default:
		}
	}
	return len(p), nil
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return def
	}
}
