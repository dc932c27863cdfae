// Package flog is the process-wide structured logging sink used across
// the proxy core. It keeps the teacher's channel-buffered, level-gated
// shape (SetLevel, Debugf/Infof/Warnf/Errorf/Fatalf) and adds the
// structured key-value calls (Tracew/Debugw/Infow/Warnw/Errorw) the
// forwarding core needs to log rule id, local port, and target
// host/port alongside a message, backed by a zap SugaredLogger.
package flog

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level int

const None Level = -1

const (
	Trace Level = iota
	Debug
	Info
	Warn
	Error
	Fatal
)

func (l Level) String() string {
	switch l {
	case Trace:
		return "TRACE"
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	case Fatal:
		return "FATAL"
	case None:
		return "None"
	default:
		return "UNKNOWN"
	}
}

var levelColor = map[Level]*color.Color{
	Trace: color.New(color.FgHiBlack),
	Debug: color.New(color.FgCyan),
	Info:  color.New(color.FgGreen),
	Warn:  color.New(color.FgYellow),
	Error: color.New(color.FgRed),
	Fatal: color.New(color.FgHiRed, color.Bold),
}

type entry struct {
	level Level
	msg   string
	kv    []any
}

var (
	mu       sync.RWMutex
	minLevel = Info
	logCh    = make(chan entry, 1024)
	sugar    = newSugar()
)

// newSugar builds the zap.SugaredLogger used to render every entry.
// Its Infow/Warnw/Errorw methods already take exactly the
// (msg string, keysAndValues ...any) shape this package's Xw calls
// need, so drain() delegates straight to it instead of reimplementing
// key-value formatting.
func newSugar() *zap.SugaredLogger {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.AddSync(stdoutWriter{}), zapcore.DebugLevel)
	return zap.New(core).Sugar()
}

// stdoutWriter writes to whatever os.Stdout is at the moment of each write,
// the same way Fatalf does, rather than to the file it was at package init.
type stdoutWriter struct{}

func (stdoutWriter) Write(p []byte) (int, error) { return os.Stdout.Write(p) }

// SetLevel sets the minimum level that is actually emitted. Passing -1
// (None) silences the logger entirely. A background goroutine drains
// the log channel to stdout; each call to SetLevel with a non-None
// level starts a fresh drain goroutine, matching the teacher's
// lazy-start shape in flog.SetLevel.
func SetLevel(l int) {
	mu.Lock()
	minLevel = Level(l)
	started := minLevel != None
	mu.Unlock()

	if started {
		go drain()
	}
}

func drain() {
	for e := range logCh {
		tag := levelColor[e.level].Sprintf("[%-5s]", e.level.String())
		prefixed := sugar.With("lvl", tag)
		switch e.level {
		case Trace, Debug:
			prefixed.Debugw(e.msg, e.kv...)
		case Warn:
			prefixed.Warnw(e.msg, e.kv...)
		case Error, Fatal:
			prefixed.Errorw(e.msg, e.kv...)
		default:
			prefixed.Infow(e.msg, e.kv...)
		}
	}
}

func enabled(level Level) bool {
	mu.RLock()
	defer mu.RUnlock()
	return minLevel != None && level >= minLevel
}

func emit(level Level, msg string, kv ...any) {
	if !enabled(level) {
		return
	}
	select {
	case logCh <- entry{level: level, msg: msg, kv: kv}:
	default:
	}
}

func logf(level Level, format string, args ...any) {
	if !enabled(level) {
		return
	}
	emit(level, fmt.Sprintf(format, args...))
}

func Tracef(format string, args ...any) { logf(Trace, format, args...) }
func Debugf(format string, args ...any) { logf(Debug, format, args...) }
func Infof(format string, args ...any)  { logf(Info, format, args...) }
func Warnf(format string, args ...any)  { logf(Warn, format, args...) }
func Errorf(format string, args ...any) { logf(Error, format, args...) }

// Tracew/Debugw/Infow/Warnw/Errorw log a message with a structured
// key-value tail, e.g. flog.Warnw("dial failed", "rule", 3, "target", addr).
func Tracew(msg string, kv ...any) { emit(Trace, msg, kv...) }
func Debugw(msg string, kv ...any) { emit(Debug, msg, kv...) }
func Infow(msg string, kv ...any)  { emit(Info, msg, kv...) }
func Warnw(msg string, kv ...any)  { emit(Warn, msg, kv...) }
func Errorw(msg string, kv ...any) { emit(Error, msg, kv...) }

// Fatalf logs at Fatal level with a blocking write so the message is
// never dropped, then exits the process with status 1.
func Fatalf(format string, args ...any) {
	mu.RLock()
	suppressed := minLevel == None
	mu.RUnlock()

	if !suppressed {
		now := time.Now().Format("2006-01-02 15:04:05.000")
		tag := levelColor[Fatal].Sprintf("[%-5s]", Fatal.String())
		fmt.Fprintf(os.Stdout, "%s %s %s\n", now, tag, fmt.Sprintf(format, args...))
		time.Sleep(50 * time.Millisecond)
	}
	os.Exit(1)
}

// Close releases the logger's internal channel. Safe to call once at
// process shutdown.
func Close() {
	close(logCh)
}
