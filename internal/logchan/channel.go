// Package logchan is the process-wide log backbone. Every module logs through
// the Channel's handler; sessions attach private sinks to it for the duration
// of their batch and detach them afterwards.
package logchan

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// SessionAttr is the attribute key that tags a record with its owning session.
const SessionAttr = "session"

type ctxKey struct{}

// WithSession tags ctx so records logged with it are routed to owner's sinks only.
func WithSession(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ctxKey{}, owner)
}

// SessionFrom returns the owner tag carried by ctx, or "".
func SessionFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	owner, _ := ctx.Value(ctxKey{}).(string)
	return owner
}

type sinkKey struct {
	owner string
	kind  string
}

// Registration is the handle returned by Attach. Only the holder of a
// registration can remove it.
type Registration struct {
	ch      *Channel
	key     sinkKey
	handler slog.Handler
}

// Detach removes the sink if it is still the current registration for its
// owner and kind. It returns false when the sink was already replaced or removed.
func (r *Registration) Detach() bool {
	if r == nil || r.ch == nil {
		return false
	}
	c := r.ch
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sinks[r.key] != r {
		return false
	}
	delete(c.sinks, r.key)
	return true
}

// Channel fans log records out to a base handler and to attached sinks.
type Channel struct {
	base  slog.Handler
	mu    sync.RWMutex
	sinks map[sinkKey]*Registration
}

// New creates a Channel writing to base. base may be nil.
func New(base slog.Handler) *Channel {
	return &Channel{
		base:  base,
		sinks: make(map[sinkKey]*Registration),
	}
}

// Handler returns the shared handler to install as the process default.
func (c *Channel) Handler() slog.Handler {
	return &fanout{ch: c, base: c.base}
}

// Logger returns a logger whose records are tagged for owner.
func (c *Channel) Logger(owner string) *slog.Logger {
	return slog.New(c.Handler()).With(SessionAttr, owner)
}

// Bypass returns a logger writing to the base handler only. Its records never
// reach a session sink.
func (c *Channel) Bypass() *slog.Logger {
	if c.base == nil {
		return slog.New(slog.DiscardHandler)
	}
	return slog.New(c.base)
}

// Attach registers h as owner's sink of the given kind. A previous sink with
// the same owner and kind is removed first, so restarts never accumulate sinks.
func (c *Channel) Attach(owner, kind string, h slog.Handler) *Registration {
	reg := &Registration{ch: c, key: sinkKey{owner: owner, kind: kind}, handler: h}
	c.mu.Lock()
	c.sinks[reg.key] = reg
	c.mu.Unlock()
	return reg
}

// SinkCount reports how many sinks are attached, optionally filtered by owner.
func (c *Channel) SinkCount(owner string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if owner == "" {
		return len(c.sinks)
	}
	n := 0
	for key := range c.sinks {
		if key.owner == owner {
			n++
		}
	}
	return n
}

// targets snapshots the sinks a record for owner should reach. Tagged records
// reach only their owner; untagged records reach everyone.
func (c *Channel) targets(owner string) []slog.Handler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]slog.Handler, 0, len(c.sinks))
	for key, reg := range c.sinks {
		if owner != "" && key.owner != owner {
			continue
		}
		out = append(out, reg.handler)
	}
	return out
}

type fanout struct {
	ch    *Channel
	owner string
	base  slog.Handler
	ops   []func(slog.Handler) slog.Handler
}

func (h *fanout) Enabled(ctx context.Context, level slog.Level) bool {
	if h.base != nil && h.base.Enabled(ctx, level) {
		return true
	}
	for _, sink := range h.ch.targets(h.routeOwner(ctx)) {
		if sink.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	if h.base != nil && h.base.Enabled(ctx, r.Level) {
		if err := h.base.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}

	for _, sink := range h.ch.targets(h.routeOwner(ctx)) {
		for _, op := range h.ops {
			sink = op(sink)
		}
		if !sink.Enabled(ctx, r.Level) {
			continue
		}
		if err := sink.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	next := h.clone()
	for _, a := range attrs {
		if a.Key == SessionAttr && a.Value.Kind() == slog.KindString {
			next.owner = a.Value.String()
		}
	}
	if next.base != nil {
		next.base = next.base.WithAttrs(attrs)
	}
	next.ops = append(next.ops, func(s slog.Handler) slog.Handler { return s.WithAttrs(attrs) })
	return next
}

func (h *fanout) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := h.clone()
	if next.base != nil {
		next.base = next.base.WithGroup(name)
	}
	next.ops = append(next.ops, func(s slog.Handler) slog.Handler { return s.WithGroup(name) })
	return next
}

func (h *fanout) routeOwner(ctx context.Context) string {
	if h.owner != "" {
		return h.owner
	}
	return SessionFrom(ctx)
}

func (h *fanout) clone() *fanout {
	ops := make([]func(slog.Handler) slog.Handler, len(h.ops), len(h.ops)+1)
	copy(ops, h.ops)
	return &fanout{ch: h.ch, owner: h.owner, base: h.base, ops: ops}
}
