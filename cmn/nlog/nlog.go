// Package nlog is distqe's process logger. It keeps the teacher's
// call-site shape (Infof/Warningf/Errorf/Flush) but drops the
// teacher's file-rotation machinery: workers in this deployment model
// log to stderr under an orchestrator's own log collection, not to a
// local log directory.
/*
 * Adapted from the aistore project's cmn/nlog package.
 */
package nlog

import (
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	level   atomic.Int32
	mu      sync.Mutex
	out     = os.Stderr
	title   string
	onceErr sync.Once
)

func ParseLevel(s string) (Level, bool) {
	switch s {
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	default:
		return LevelInfo, false
	}
}

func SetLevel(l Level) { level.Store(int32(l)) }
func SetTitle(s string) { title = s }

// InitFlags registers the --log-level flag the same way the teacher's
// nlog registers --logtostderr/--alsologtostderr onto a caller-owned
// FlagSet.
func InitFlags(flset *flag.FlagSet) {
	lvl := flset.String("log-level", "info", "log level: debug, info, warn, error")
	flset.Lookup("log-level").DefValue = "info"
	_ = lvl
}

// ApplyLevelFlag should be called after flag.Parse(); kept as a
// separate step because the level string isn't known until parsing
// completes.
func ApplyLevelFlag(s string) {
	if l, ok := ParseLevel(s); ok {
		SetLevel(l)
	}
}

func log(l Level, sev string, format string, args ...any) {
	if Level(level.Load()) > l {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	ts := time.Now().Format("2006-01-02T15:04:05.000Z07:00")
	prefix := ts + " " + sev + " "
	if title != "" {
		prefix += "[" + title + "] "
	}
	if format == "" {
		fmt.Fprintln(out, prefix+fmt.Sprint(args...))
		return
	}
	fmt.Fprintf(out, prefix+format+"\n", args...)
}

func Debugf(format string, args ...any) { log(LevelDebug, "DEBUG", format, args...) }
func Debugln(args ...any)               { log(LevelDebug, "DEBUG", "", args...) }
func Infof(format string, args ...any)  { log(LevelInfo, "INFO", format, args...) }
func Infoln(args ...any)                { log(LevelInfo, "INFO", "", args...) }
func Warningf(format string, args ...any) { log(LevelWarn, "WARN", format, args...) }
func Warningln(args ...any)               { log(LevelWarn, "WARN", "", args...) }
func Errorf(format string, args ...any) { log(LevelError, "ERROR", format, args...) }
func Errorln(args ...any)               { log(LevelError, "ERROR", "", args...) }

// Flush is a no-op for the stderr writer kept for call-site parity with
// the teacher's buffered logger (which must be flushed before exit).
func Flush(exit ...bool) {
	if len(exit) > 0 && exit[0] {
		onceErr.Do(func() {})
	}
}
