package logchan

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Entry is one captured log line.
type Entry struct {
	Seq     uint64     `json:"seq"`
	Time    time.Time  `json:"time"`
	Level   slog.Level `json:"level"`
	Message string     `json:"message"`
	Line    string     `json:"line"`
}

type captureState struct {
	mu      sync.Mutex
	entries []Entry
	size    int
	next    uint64
}

// Capture is a slog.Handler that keeps the most recent lines in memory for a
// control surface to poll.
type Capture struct {
	state  *captureState
	level  slog.Leveler
	prefix string
	group  string
}

// NewCapture returns a capture holding at most size entries.
func NewCapture(size int, level slog.Leveler) *Capture {
	if size <= 0 {
		size = 1000
	}
	if level == nil {
		level = slog.LevelInfo
	}
	return &Capture{
		state: &captureState{size: size, entries: make([]Entry, 0, size)},
		level: level,
	}
}

func (c *Capture) Enabled(_ context.Context, level slog.Level) bool {
	return level >= c.level.Level()
}

func (c *Capture) Handle(_ context.Context, r slog.Record) error {
	var sb strings.Builder
	sb.WriteString(r.Time.Format("15:04:05"))
	sb.WriteString(" - ")
	sb.WriteString(r.Level.String())
	sb.WriteString(" - ")
	sb.WriteString(r.Message)
	sb.WriteString(c.prefix)
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&sb, c.group, a)
		return true
	})

	s := c.state
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	entry := Entry{Seq: s.next, Time: r.Time, Level: r.Level, Message: r.Message, Line: sb.String()}
	if len(s.entries) == s.size {
		copy(s.entries, s.entries[1:])
		s.entries[len(s.entries)-1] = entry
	} else {
		s.entries = append(s.entries, entry)
	}
	return nil
}

func (c *Capture) WithAttrs(attrs []slog.Attr) slog.Handler {
	var sb strings.Builder
	sb.WriteString(c.prefix)
	for _, a := range attrs {
		writeAttr(&sb, c.group, a)
	}
	return &Capture{state: c.state, level: c.level, prefix: sb.String(), group: c.group}
}

func (c *Capture) WithGroup(name string) slog.Handler {
	group := name
	if c.group != "" {
		group = c.group + "." + name
	}
	return &Capture{state: c.state, level: c.level, prefix: c.prefix, group: group}
}

// Entries returns a copy of everything currently held.
func (c *Capture) Entries() []Entry {
	return c.Since(0)
}

// Since returns the held entries with a sequence number greater than seq.
func (c *Capture) Since(seq uint64) []Entry {
	s := c.state
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}

// Clear drops all held entries. Sequence numbers keep increasing.
func (c *Capture) Clear() {
	s := c.state
	s.mu.Lock()
	s.entries = s.entries[:0]
	s.mu.Unlock()
}

// WriteTo writes every held line to w, one per line.
func (c *Capture) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, e := range c.Entries() {
		n, err := fmt.Fprintln(w, e.Line)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func writeAttr(sb *strings.Builder, group string, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if group != "" {
		key = group + "." + key
	}
	sb.WriteByte(' ')
	sb.WriteString(key)
	sb.WriteByte('=')
	sb.WriteString(a.Value.Resolve().String())
}

// OpenFileSink opens path for appending and returns a text handler writing to
// it. The caller closes the returned closer once the sink is detached.
func OpenFileSink(path string, level slog.Leveler) (slog.Handler, io.Closer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return slog.NewTextHandler(f, &slog.HandlerOptions{Level: level}), f, nil
}
