// Package logger provides the leveled, medium-switchable logging facade
// consumed throughout the proxy core, matching the
// log.{init,open,close,vprintf,select_medium,ident} collaborator
// contract. It is backed by zerolog the way
// R2Northstar-Atlas/pkg/atlas/server.go:configureLogging assembles a
// multi-writer leveled logger from independently-configurable outputs.
package logger

import (
	"fmt"
	"io"
	"log/syslog"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Level is the proxy's five log levels, ordered from most to least
// verbose.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

func (l Level) zerolog() zerolog.Level {
	switch l {
	case DEBUG:
		return zerolog.DebugLevel
	case INFO:
		return zerolog.InfoLevel
	case WARN:
		return zerolog.WarnLevel
	case ERROR:
		return zerolog.ErrorLevel
	case FATAL:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// Medium selects where log output is written, following the
// LOG_MEDIUM_{NONE,FILE,SYSLOG}-shaped selector.
type Medium int

const (
	MediumNone Medium = iota
	MediumStdout
	MediumFile
	MediumSyslog
)

// Logger is a leveled logger that can be redirected to a new medium at
// runtime without losing its configured level or ident.
type Logger struct {
	mu    sync.Mutex
	level Level
	ident string
	w     io.WriteCloser
	zl    zerolog.Logger
}

// New constructs a Logger at the given level, initially discarding
// output (MediumNone) until SelectMedium is called — mirroring the C
// proxy_priv.log being usable before a medium is chosen.
func New(level Level) *Logger {
	l := &Logger{level: level}
	l.zl = zerolog.New(io.Discard).Level(level.zerolog()).With().Timestamp().Logger()
	return l
}

// Ident sets the identifier attached as an "ident" field to every
// subsequent log line. It does not change the tag of an already-open
// syslog writer: MediumSyslog takes its tag from the ident in effect when
// SelectMedium is called.
func (l *Logger) Ident(ident string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ident = ident
	l.rebuild()
}

// SelectMedium redirects output to the given medium. target is the file
// path for MediumFile, or unused otherwise. SelectMedium(MediumNone, "")
// discards all output (used during shutdown before Close).
func (l *Logger) SelectMedium(medium Medium, target string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.w != nil {
		_ = l.w.Close()
		l.w = nil
	}

	switch medium {
	case MediumNone:
		l.zl = zerolog.New(io.Discard)
	case MediumStdout:
		l.zl = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout})
	case MediumFile:
		f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		l.w = f
		l.zl = zerolog.New(f)
	case MediumSyslog:
		w, err := syslog.New(syslog.LOG_INFO, l.ident)
		if err != nil {
			return err
		}
		l.w = w
		l.zl = zerolog.New(w)
	default:
		return fmt.Errorf("logger: unknown medium %d", medium)
	}

	l.rebuild()
	return nil
}

// rebuild reapplies level/ident/timestamp on top of l.zl's writer. Must
// be called with l.mu held.
func (l *Logger) rebuild() {
	ctx := l.zl.Level(l.level.zerolog()).With().Timestamp()
	if l.ident != "" {
		ctx = ctx.Str("ident", l.ident)
	}
	l.zl = ctx.Logger()
}

// SetLevel adjusts the minimum level that will be emitted.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
	l.rebuild()
}

// VPrintf logs a formatted message at the given level, the direct
// equivalent of the C log_vprintf(priv, lvl, fmt, args) entry point.
func (l *Logger) VPrintf(level Level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.mu.Lock()
	zl := l.zl
	l.mu.Unlock()

	switch level {
	case DEBUG:
		zl.Debug().Msg(msg)
	case INFO:
		zl.Info().Msg(msg)
	case WARN:
		zl.Warn().Msg(msg)
	case ERROR:
		zl.Error().Msg(msg)
	case FATAL:
		zl.Fatal().Msg(msg)
	}
}

func (l *Logger) Debug(format string, v ...any) { l.VPrintf(DEBUG, format, v...) }
func (l *Logger) Info(format string, v ...any)  { l.VPrintf(INFO, format, v...) }
func (l *Logger) Warn(format string, v ...any)  { l.VPrintf(WARN, format, v...) }
func (l *Logger) Error(format string, v ...any) { l.VPrintf(ERROR, format, v...) }
func (l *Logger) Fatal(format string, v ...any) { l.VPrintf(FATAL, format, v...) }

// Close releases any open medium (file handle or syslog writer). It is
// idempotent.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.w == nil {
		return nil
	}
	err := l.w.Close()
	l.w = nil
	return err
}
