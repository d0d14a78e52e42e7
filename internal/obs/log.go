package obs

import (
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var logger atomic.Pointer[zerolog.Logger]

func init() {
	zerolog.TimestampFieldName = "ts"
	zerolog.MessageFieldName = "msg"
	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger.Store(newLogger(os.Stdout))
}

func newLogger(w io.Writer) *zerolog.Logger {
	l := zerolog.New(w).With().Timestamp().Str("service", ServiceName).Logger()
	return &l
}

// Logger returns the shared JSON logger used across the service.
func Logger() *zerolog.Logger {
	return logger.Load()
}

// SetOutput redirects the shared logger and returns a function restoring the previous one.
func SetOutput(w io.Writer) (restore func()) {
	prev := logger.Swap(newLogger(w))
	return func() { logger.Store(prev) }
}

// SetLevel adjusts the global level; unknown names fall back to info.
func SetLevel(name string) {
	lvl, err := zerolog.ParseLevel(name)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
