// Package log is a small leveled logger for the daemon. Records go to
// stderr as single lines, one record per line, so service managers that
// capture the stream can do their own filtering.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Level orders severities. Records below the configured minimum are
// dropped before any formatting work happens.
type Level int8

const (
	LevelDebug Level = iota
	LevelInfo
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

var (
	mu       sync.Mutex
	out      io.Writer = os.Stderr
	minLevel           = LevelInfo
	envOnce  sync.Once
)

// SetLevel sets the minimum level that gets written. It overrides the
// PICOCAL_DEBUG environment gate.
func SetLevel(l Level) {
	envOnce.Do(func() {})
	mu.Lock()
	minLevel = l
	mu.Unlock()
}

func Debug(msg string, kv ...any) {
	emit(LevelDebug, msg, kv...)
}

func Info(msg string, kv ...any) {
	emit(LevelInfo, msg, kv...)
}

// Error logs msg with err as the leading err= field. A nil err is printed
// as-is rather than hidden, since the call site thought it worth logging.
func Error(msg string, err error, kv ...any) {
	emit(LevelError, msg, append([]any{"err", err}, kv...)...)
}

func emit(level Level, msg string, kv ...any) {
	if !enabled(level) {
		return
	}
	line := time.Now().Format(time.RFC3339Nano) + " [" + level.String() + "] " + msg + formatKVs(kv...)

	mu.Lock()
	fmt.Fprintln(out, line)
	mu.Unlock()
}

// enabled reports whether a record at the given level passes the minimum.
// On first use, PICOCAL_DEBUG in the environment lowers the minimum to
// debug; after that only SetLevel changes it.
func enabled(level Level) bool {
	envOnce.Do(func() {
		if os.Getenv("PICOCAL_DEBUG") != "" {
			mu.Lock()
			minLevel = LevelDebug
			mu.Unlock()
		}
	})
	mu.Lock()
	defer mu.Unlock()
	return level >= minLevel
}

// formatKVs renders key/value pairs as " key=value" suffixes. Keys must be
// strings; a pair with a non-string key is skipped, and a trailing value
// with no key is dropped.
func formatKVs(kv ...any) string {
	var out string
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		out += " " + key + "=" + fmt.Sprint(kv[i+1])
	}
	return out
}
