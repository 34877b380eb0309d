package logger

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

// ConsoleHandler wraps slog.TextHandler to prefix every record with a
// colorized level for an interactive terminal, and optionally drops the
// timestamp for CLI subcommands that run once and exit (serve keeps it).
type ConsoleHandler struct {
	*slog.TextHandler
	showTime bool
	w        io.Writer
	mu       *sync.Mutex
}

// NewConsoleHandler creates a ConsoleHandler writing to w. When showTime is
// false, the timestamp attribute is stripped from every record.
func NewConsoleHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ConsoleHandler {
	if !showTime {
		o := slog.HandlerOptions{}
		if opts != nil {
			o = *opts
		}
		base := o.ReplaceAttr
		o.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			if base != nil {
				return base(groups, a)
			}
			return a
		}
		opts = &o
	}
	return &ConsoleHandler{
		TextHandler: slog.NewTextHandler(w, opts),
		showTime:    showTime,
		w:           w,
		mu:          &sync.Mutex{},
	}
}

// Handle implements slog.Handler.
func (h *ConsoleHandler) Handle(ctx context.Context, r slog.Record) error {
	var colorCode string
	switch r.Level {
	case slog.LevelDebug:
		colorCode = "\033[36m" // Cyan
	case slog.LevelInfo:
		colorCode = "\033[32m" // Green
	case slog.LevelWarn:
		colorCode = "\033[33m" // Yellow
	case slog.LevelError:
		colorCode = "\033[31m" // Red
	default:
		colorCode = "\033[0m" // Reset/default
	}

	// The prefix is written straight to w: passed through the TextHandler
	// as part of the message, the escape bytes would be quoted as \x1b.
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := io.WriteString(h.w, colorCode+r.Level.String()+"\033[0m  "); err != nil {
		return err
	}
	return h.TextHandler.Handle(ctx, r)
}
