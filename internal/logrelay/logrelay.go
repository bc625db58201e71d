// Package logrelay mirrors log records onto a bus channel so the controller
// can observe remote tool meister logs without collecting files.
package logrelay

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/benchkit/meister/internal/bus"
)

// Handler is a slog.Handler that forwards records to an inner handler and
// additionally publishes them, prefixed with the host name and a sequence
// counter, onto a bus channel. Publish failures are counted, never raised.
type Handler struct {
	inner    slog.Handler
	b        bus.Bus
	channel  string
	hostname string
	level    slog.Level

	counter atomic.Uint64
	errors  atomic.Uint64
}

// New wraps inner, relaying records at or above level to the channel.
func New(inner slog.Handler, b bus.Bus, channel, hostname string, level slog.Level) *Handler {
	return &Handler{
		inner:    inner,
		b:        b,
		channel:  channel,
		hostname: hostname,
		level:    level,
	}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, rec slog.Record) error {
	if rec.Level >= h.level {
		line := fmt.Sprintf("%s %04d %s %s", h.hostname, h.counter.Load(), rec.Level, rec.Message)
		rec.Attrs(func(a slog.Attr) bool {
			line += fmt.Sprintf(" %s=%v", a.Key, a.Value)
			return true
		})
		if _, err := h.b.Publish(context.Background(), h.channel, []byte(line)); err != nil {
			h.errors.Add(1)
		}
		h.counter.Add(1)
	}
	return h.inner.Handle(ctx, rec)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.inner = h.inner.WithAttrs(attrs)
	return &clone
}

func (h *Handler) WithGroup(name string) slog.Handler {
	clone := *h
	clone.inner = h.inner.WithGroup(name)
	return &clone
}

// Errors reports how many publishes failed.
func (h *Handler) Errors() uint64 { return h.errors.Load() }
