package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	ansiReset = "\033[0m"
	ansiBold  = "\033[1m"
	ansiGray  = "\033[90m"
	ansiCyan  = "\033[36m"
)

var levelPalette = []struct {
	min   slog.Level
	color string
}{
	{slog.LevelError, "\033[31m"},
	{slog.LevelWarn, "\033[33m"},
	{slog.LevelInfo, "\033[34m"},
}

// PrettyHandler renders records as
//
//	[time] LEVEL message key=value ...
//
// with ANSI colors.
type PrettyHandler struct {
	opts   slog.HandlerOptions
	mu     *sync.Mutex
	w      io.Writer
	prefix string
	attrs  []slog.Attr
}

// NewPrettyHandler returns a PrettyHandler writing to w.
func NewPrettyHandler(w io.Writer, opts *slog.HandlerOptions) *PrettyHandler {
	h := &PrettyHandler{w: w, mu: &sync.Mutex{}}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	floor := slog.LevelInfo
	if h.opts.Level != nil {
		floor = h.opts.Level.Level()
	}
	return level >= floor
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(ansiGray + "[")
	b.WriteString(r.Time.Format(time.DateTime))
	b.WriteString("]" + ansiReset + " ")
	b.WriteString(colorFor(r.Level) + ansiBold)
	fmt.Fprintf(&b, "%-5s", r.Level.String())
	b.WriteString(ansiReset + " ")
	b.WriteString(r.Message)

	n := 0
	write := func(a slog.Attr, prefix string) {
		if a.Equal(slog.Attr{}) {
			return
		}
		if n == 0 {
			b.WriteString(" " + ansiCyan)
		} else {
			b.WriteByte(' ')
		}
		n++
		writeAttr(&b, a, prefix)
	}
	for _, a := range h.attrs {
		write(a, "")
	}
	r.Attrs(func(a slog.Attr) bool {
		write(a, h.prefix)
		return true
	})
	if n > 0 {
		b.WriteString(ansiReset)
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	c.attrs = append(c.attrs, h.attrs...)
	for _, a := range attrs {
		a.Key = h.prefix + a.Key
		c.attrs = append(c.attrs, a)
	}
	return &c
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.prefix = h.prefix + name + "."
	return &c
}

func colorFor(level slog.Level) string {
	for _, p := range levelPalette {
		if level >= p.min {
			return p.color
		}
	}
	return ansiGray
}

func writeAttr(b *strings.Builder, a slog.Attr, prefix string) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		for i, ga := range v.Group() {
			if i > 0 {
				b.WriteByte(' ')
			}
			writeAttr(b, ga, prefix+a.Key+".")
		}
		return
	}
	b.WriteString(prefix + a.Key + "=")
	switch v.Kind() {
	case slog.KindString:
		s := v.String()
		if strings.ContainsAny(s, " \t\n\"") {
			fmt.Fprintf(b, "%q", s)
		} else {
			b.WriteString(s)
		}
	case slog.KindTime:
		b.WriteString(v.Time().Format(time.RFC3339))
	default:
		fmt.Fprint(b, v.Any())
	}
}
