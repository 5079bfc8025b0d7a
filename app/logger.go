package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// LevelHandler writes one coloured line per record:
//
//	15:04:05 | INFO  | message key=value
//
// Colours are only emitted when color.NoColor is false.
type LevelHandler struct {
	mu     *sync.Mutex
	w      io.Writer
	level  slog.Leveler
	source bool
	prefix string
	attrs  []slog.Attr
}

func NewLevelHandler(w io.Writer, opts *slog.HandlerOptions) *LevelHandler {
	h := &LevelHandler{mu: &sync.Mutex{}, w: w, level: slog.LevelInfo}
	if opts != nil {
		if opts.Level != nil {
			h.level = opts.Level
		}
		h.source = opts.AddSource
	}
	return h
}

func (h *LevelHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *LevelHandler) Handle(_ context.Context, r slog.Record) error {
	level := r.Level.String()
	switch {
	case r.Level >= slog.LevelError:
		level = color.RedString(level)
	case r.Level >= slog.LevelWarn:
		level = color.YellowString(level)
	case r.Level >= slog.LevelInfo:
		level = color.BlueString(level)
	default:
		level = color.MagentaString(level)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s | %-5s | %s", color.GreenString(r.Time.Format("15:04:05")), level, r.Message)
	if h.source && r.PC != 0 {
		if src := r.Source(); src != nil {
			sb.WriteString(color.HiBlackString(fmt.Sprintf(" (%s:%d)", filepath.Base(src.File), src.Line)))
		}
	}
	for _, a := range h.attrs {
		writeAttr(&sb, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&sb, h.prefix, a)
		return true
	})
	sb.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, sb.String())
	return err
}

func writeAttr(sb *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		if a.Key != "" {
			prefix += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			writeAttr(sb, prefix, ga)
		}
		return
	}
	sb.WriteString(color.CyanString(fmt.Sprintf(" %s%s=%v", prefix, a.Key, a.Value)))
}

func (h *LevelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	h2.attrs = slices.Clone(h.attrs)
	for _, a := range attrs {
		if h.prefix != "" {
			a.Key = h.prefix + a.Key
		}
		h2.attrs = append(h2.attrs, a)
	}
	return &h2
}

func (h *LevelHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.prefix = h.prefix + name + "."
	return &h2
}

// NewLogger creates the logger of the client. Records go to w; colours follow
// the terminal unless forced with colored.
func NewLogger(w io.Writer, level slog.Level, colored *bool) *slog.Logger {
	if colored != nil {
		color.NoColor = !*colored
	}
	return slog.New(NewLevelHandler(w, &slog.HandlerOptions{Level: level, AddSource: level <= slog.LevelDebug}))
}
