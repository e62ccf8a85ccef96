package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options selects the operator log handler.
type Options struct {
	Level    string // debug|info|warn|error
	Format   string // text|json
	ShowTime bool
	Output   io.Writer // default os.Stderr
}

// ParseLevel maps a level name to slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// NewHandler builds the handler described by opts.
func NewHandler(opts Options) (slog.Handler, error) {
	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	w := opts.Output
	if w == nil {
		w = os.Stderr
	}
	ho := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(opts.Format) {
	case "", "text":
		return NewColorTextHandler(w, ho, opts.ShowTime), nil
	case "json":
		return slog.NewJSONHandler(w, ho), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}
}

// Setup installs the handler as slog's default. Call it once from main.
func Setup(opts Options) error {
	h, err := NewHandler(opts)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(h))
	return nil
}
