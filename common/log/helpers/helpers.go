package helpers

import (
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/gridsched/common/log/hooks"
)

// LogLevelEnv is read by test packages to raise the log level while debugging.
const LogLevelEnv = "GRIDSCHED_LOGLEVEL"

// LevelFromEnv returns the level named by the given environment variable,
// or def when it is unset or unparsable.
func LevelFromEnv(name string, def log.Level) log.Level {
	if s, ok := os.LookupEnv(name); ok {
		if level, err := log.ParseLevel(s); err == nil {
			return level
		}
	}
	return def
}

// SetupLogging configures the standard logger for a binary: level, text
// formatting with timestamps and the caller hook.
func SetupLogging(level string) error {
	l, err := log.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", level)
	}
	log.SetLevel(l)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.AddHook(hooks.NewContextHook())
	return nil
}
