package hooks

import (
	"runtime"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

const modulePrefix = "gridsched/"

type contextHook struct {
}

// NewContextHook returns a logrus hook that records the caller as "file:line".
func NewContextHook() log.Hook {
	return contextHook{}
}

func (hook contextHook) Levels() []log.Level {
	return log.AllLevels
}

func (hook contextHook) Fire(entry *log.Entry) error {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !isLoggingFrame(frame.Function) {
			entry.Data["file:line"] = trimFile(frame.File) + ":" + strconv.Itoa(frame.Line)
			return nil
		}
		if !more {
			return nil
		}
	}
}

func isLoggingFrame(fn string) bool {
	return strings.Contains(fn, "sirupsen/logrus") || strings.Contains(fn, "log/hooks")
}

func trimFile(file string) string {
	parts := strings.Split(file, modulePrefix)
	return parts[len(parts)-1]
}
