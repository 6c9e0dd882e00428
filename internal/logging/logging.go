// Package logging provides the structured logger shared by the CLI and the
// sync engine: tab-separated slog output with a run-scoped ID, plus the TRACE
// level used for per-object download progress.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// LevelTrace sits below slog.LevelDebug and carries per-chunk download
// progress when --trace-progress is set.
const LevelTrace = slog.Level(-8)

// ParseLevel maps a case-insensitive level name to its slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(s) {
	case "ERROR":
		return slog.LevelError, nil
	case "WARN":
		return slog.LevelWarn, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "DEBUG":
		return slog.LevelDebug, nil
	case "TRACE":
		return LevelTrace, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

func levelName(l slog.Level) string {
	if l <= LevelTrace {
		return "TRACE"
	}
	return l.String()
}

const (
	ansiDim    = "\033[2m"
	ansiYellow = "\033[33m"
	ansiRed    = "\033[31m"
	ansiReset  = "\033[0m"
)

// handler formats records as:
//
//	<timestamp>\t<level>\t<runID>\t<message>\t<key=value ...>
//
// Level names are colored when the destination is a terminal.
type handler struct {
	mu    *sync.Mutex
	w     io.Writer
	level slog.Level
	runID string
	color bool
	attrs []slog.Attr
}

// NewLogger returns a logger writing to w at the given level. runID is
// stamped on every record.
func NewLogger(w io.Writer, level slog.Level, runID string) *slog.Logger {
	color := false
	if f, ok := w.(*os.File); ok {
		color = term.IsTerminal(int(f.Fd()))
	}
	return slog.New(&handler{
		mu:    &sync.Mutex{},
		w:     w,
		level: level,
		runID: runID,
		color: color,
	})
}

func (h *handler) Enabled(_ context.Context, l slog.Level) bool { return l >= h.level }

func (h *handler) Handle(_ context.Context, r slog.Record) error {
	name := levelName(r.Level)
	if h.color {
		switch {
		case r.Level >= slog.LevelError:
			name = ansiRed + name + ansiReset
		case r.Level >= slog.LevelWarn:
			name = ansiYellow + name + ansiReset
		case r.Level < slog.LevelInfo:
			name = ansiDim + name + ansiReset
		}
	}

	var b strings.Builder
	ts := r.Time.UTC().Format("2006-01-02T15:04:05Z")
	fmt.Fprintf(&b, "%s\t%s\t%s\t%s", ts, name, h.runID, r.Message)
	for _, a := range h.attrs {
		fmt.Fprintf(&b, "\t%s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, "\t%s=%v", a.Key, a.Value)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	h2.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &h2
}

func (h *handler) WithGroup(string) slog.Handler { return h }
