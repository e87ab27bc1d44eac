package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// LogBuffer keeps the last N formatted log lines in memory so operators can
// tail them over RPC without shell access to the host.
type LogBuffer struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = 500
	}
	return &LogBuffer{lines: make([]string, capacity)}
}

func (lb *LogBuffer) append(line string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.lines[lb.next] = line
	lb.next = (lb.next + 1) % len(lb.lines)
	if lb.next == 0 {
		lb.full = true
	}
}

// Tail returns up to n of the most recent lines, oldest first.
func (lb *LogBuffer) Tail(n int) []string {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	var ordered []string
	if lb.full {
		ordered = append(ordered, lb.lines[lb.next:]...)
		ordered = append(ordered, lb.lines[:lb.next]...)
	} else {
		ordered = append(ordered, lb.lines[:lb.next]...)
	}
	if n > 0 && len(ordered) > n {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}

// Handler returns a slog handler that records every log line into the buffer
// and forwards it to next.
func (lb *LogBuffer) Handler(next slog.Handler) slog.Handler {
	return &teeHandler{buf: lb, next: next}
}

type teeHandler struct {
	buf   *LogBuffer
	next  slog.Handler
	attrs []slog.Attr
	group string
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *teeHandler) Handle(ctx context.Context, rec slog.Record) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s %s", rec.Time.Format(time.RFC3339), rec.Level, rec.Message)
	for _, a := range h.attrs {
		fmt.Fprintf(&sb, " %s=%v", h.key(a.Key), a.Value)
	}
	rec.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&sb, " %s=%v", h.key(a.Key), a.Value)
		return true
	})
	h.buf.append(sb.String())
	return h.next.Handle(ctx, rec)
}

func (h *teeHandler) key(k string) string {
	if h.group == "" {
		return k
	}
	return h.group + "." + k
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &teeHandler{
		buf:   h.buf,
		next:  h.next.WithAttrs(attrs),
		attrs: append(append([]slog.Attr{}, h.attrs...), attrs...),
		group: h.group,
	}
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	g := name
	if h.group != "" {
		g = h.group + "." + name
	}
	return &teeHandler{buf: h.buf, next: h.next.WithGroup(name), attrs: h.attrs, group: g}
}
