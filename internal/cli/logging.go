package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/rs/zerolog"
	"github.com/sirupsen/logrus"

	"github.com/QYUbit/cosync/pkg/colog"
	"github.com/QYUbit/cosync/pkg/colog/logrusadapter"
	"github.com/QYUbit/cosync/pkg/colog/slogadapter"
	"github.com/QYUbit/cosync/pkg/colog/zerologadapter"
	"github.com/QYUbit/cosync/pkg/config"
)

// newLogger builds the configured backend writing to w. --verbose forces debug.
func newLogger(cfg config.LogConfig, verbose bool, w io.Writer) (colog.Logger, error) {
	level := cfg.Level
	if verbose {
		level = "debug"
	}

	switch cfg.Backend {
	case "zerolog":
		lvl, err := zerolog.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		out := w
		if cfg.Format == "text" {
			out = zerolog.ConsoleWriter{Out: w, NoColor: true}
		}
		return zerologadapter.New(zerolog.New(out).Level(lvl).With().Timestamp().Logger()), nil

	case "logrus":
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		l := logrus.New()
		l.SetOutput(w)
		l.SetLevel(lvl)
		if cfg.Format == "json" {
			l.SetFormatter(&logrus.JSONFormatter{})
		} else {
			l.SetFormatter(&logrus.TextFormatter{DisableColors: true})
		}
		return logrusadapter.New(l), nil
	}

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(w, opts)
	}
	return slogadapter.New(slog.New(h)), nil
}
