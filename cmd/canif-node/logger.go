package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/kstaniek/go-canif/internal/logging"
)

// setupLogger installs the global logger. With a log file configured, records
// go to both stderr and the rotated file; the returned closer flushes it.
func setupLogger(cfg *appConfig) (*slog.Logger, io.Closer) {
	var w io.Writer = os.Stderr
	var closer io.Closer = io.NopCloser(nil)
	if cfg.LogFile != "" {
		f := logging.RotatingFile(cfg.LogFile)
		w = io.MultiWriter(os.Stderr, f)
		closer = f
	}
	l := logging.New(cfg.LogFormat, logging.ParseLevel(cfg.LogLevel), w).With("app", "canif-node")
	logging.Set(l)
	return l, closer
}
