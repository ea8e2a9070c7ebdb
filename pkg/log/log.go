package log

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Level orders log severities. Lines below the configured minimum are dropped.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// EnvLevel is the environment variable consulted by InitFromEnv.
const EnvLevel = "PANHUB_LOG_LEVEL"

func (lv Level) String() string {
	switch lv {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return fmt.Sprintf("LEVEL(%d)", int32(lv))
	}
}

// ParseLevel maps a level name (case insensitive) to a Level. Unknown names
// return LevelInfo and false.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, true
	case "info", "":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	}
	return LevelInfo, false
}

// Logger is a named logger. Obtain one with ForService or Logger.Child.
type Logger struct {
	name string
	std  *log.Logger
}

// writerHolder keeps atomic.Value storing a single concrete type when the
// writer changes between *os.File and *bytes.Buffer.
type writerHolder struct {
	w io.Writer
}

var (
	globalDebug  atomic.Bool
	minLevel     atomic.Int32
	serviceDebug sync.Map // map[string]*atomic.Bool
	loggers      sync.Map // map[string]*Logger
	outputWriter atomic.Value
)

func init() {
	outputWriter.Store(writerHolder{w: os.Stderr})
	minLevel.Store(int32(LevelInfo))
}

// ForService returns the memoized logger for name.
func ForService(name string) *Logger {
	if name == "" {
		name = "unknown"
	}
	if l, ok := loggers.Load(name); ok {
		return l.(*Logger)
	}
	current := outputWriter.Load().(writerHolder).w
	logger := &Logger{name: name, std: log.New(current, "", log.LstdFlags|log.Lmicroseconds)}
	actual, _ := loggers.LoadOrStore(name, logger)
	return actual.(*Logger)
}

// Child returns the logger for a sub-component, named "parent/sub".
// Debug switches for the parent also apply to its children.
func (l *Logger) Child(sub string) *Logger {
	return ForService(l.name + "/" + sub)
}

// Name returns the service name the logger was created with.
func (l *Logger) Name() string { return l.name }

// SetGlobalDebug enables or disables debug logging for every service.
func SetGlobalDebug(enabled bool) {
	globalDebug.Store(enabled)
}

// GlobalDebug reports whether global debug logging is enabled.
func GlobalDebug() bool {
	return globalDebug.Load()
}

// SetLevel sets the minimum level printed by Infof, Warnf and Errorf.
func SetLevel(lv Level) {
	minLevel.Store(int32(lv))
}

// CurrentLevel returns the configured minimum level.
func CurrentLevel() Level {
	return Level(minLevel.Load())
}

// InitFromEnv applies PANHUB_LOG_LEVEL when set. It returns false when the
// variable holds an unknown level name.
func InitFromEnv() bool {
	v, ok := os.LookupEnv(EnvLevel)
	if !ok {
		return true
	}
	lv, valid := ParseLevel(v)
	SetLevel(lv)
	return valid
}

// EnableDebugFor enables debug logging for one service and its children.
func EnableDebugFor(name string) {
	if name == "" {
		return
	}
	val, _ := serviceDebug.LoadOrStore(name, &atomic.Bool{})
	val.(*atomic.Bool).Store(true)
}

// DisableDebugFor reverts EnableDebugFor.
func DisableDebugFor(name string) {
	if name == "" {
		return
	}
	if val, ok := serviceDebug.Load(name); ok {
		val.(*atomic.Bool).Store(false)
	}
}

// DebugEnabledFor reports whether debug lines of name would be printed.
func DebugEnabledFor(name string) bool {
	if globalDebug.Load() || CurrentLevel() == LevelDebug {
		return true
	}
	for {
		if val, ok := serviceDebug.Load(name); ok && val.(*atomic.Bool).Load() {
			return true
		}
		i := strings.LastIndexByte(name, '/')
		if i < 0 {
			return false
		}
		name = name[:i]
	}
}

// SetOutput routes every existing and future logger to w.
func SetOutput(w io.Writer) {
	if w == nil {
		return
	}
	outputWriter.Store(writerHolder{w: w})
	loggers.Range(func(_, v any) bool {
		v.(*Logger).std.SetOutput(w)
		return true
	})
}

func (l *Logger) emit(lv Level, msg string) {
	l.std.Println(lv.String() + " [" + l.name + ">] " + msg)
}

// Infof logs an informational message.
func (l *Logger) Infof(format string, args ...any) {
	if CurrentLevel() > LevelInfo {
		return
	}
	l.emit(LevelInfo, fmt.Sprintf(format, args...))
}

// Warnf logs a warning.
func (l *Logger) Warnf(format string, args ...any) {
	if CurrentLevel() > LevelWarn {
		return
	}
	l.emit(LevelWarn, fmt.Sprintf(format, args...))
}

// Errorf logs an error. Errors are never filtered.
func (l *Logger) Errorf(format string, args ...any) {
	l.emit(LevelError, fmt.Sprintf(format, args...))
}

// Debugf logs only when debug is enabled globally or for this service.
func (l *Logger) Debugf(format string, args ...any) {
	if !DebugEnabledFor(l.name) {
		return
	}
	l.emit(LevelDebug, fmt.Sprintf(format, args...))
}
