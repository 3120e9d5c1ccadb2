package logger

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

type Options struct {
	Level   string
	Console bool
	// FilePath sends logs to a file instead of stderr. stdout is reserved for the filter output.
	FilePath string
}

// InitLogger installs the process logger. When FilePath cannot be opened the logger still
// writes to stderr and the open error is returned.
func InitLogger(opts ...Options) (*zerolog.Logger, error) {
	opt := Options{Level: "debug", Console: true}
	if len(opts) > 0 {
		opt = opts[0]
	}

	var out io.Writer = os.Stderr
	var openErr error
	toFile := false
	if opt.FilePath != "" {
		f, err := os.OpenFile(opt.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			openErr = fmt.Errorf("open log file: %w", err)
		} else {
			out, toFile = f, true
		}
	}
	if opt.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05", NoColor: toFile}
	}

	logger := zerolog.New(out).
		With().
		Timestamp().
		Caller().
		Logger()

	level, err := zerolog.ParseLevel(opt.Level)
	if err != nil || opt.Level == "" {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.DefaultContextLogger = &logger
	return &logger, openErr
}

func Logger(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}
