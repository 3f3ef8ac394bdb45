package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Manager owns the fleet of controllers keyed by session name.
type Manager struct {
	deps   Deps
	logger *slog.Logger

	// mu is held for reading across every controller start so Load can never
	// swap out a controller that is being started.
	mu       sync.RWMutex
	sessions map[string]*Controller
	settings SharedSettings
	// retiring holds removed controllers whose worker has not exited yet. Their
	// names stay reserved so a new controller cannot take over their sinks.
	retiring map[string]*Controller
}

func NewManager(deps Deps, logger *slog.Logger) *Manager {
	deps.applyDefaults()
	return &Manager{
		deps:     deps,
		logger:   logger.With("component", "session-manager"),
		sessions: make(map[string]*Controller),
		settings: DefaultSharedSettings(),
		retiring: make(map[string]*Controller),
	}
}

func (m *Manager) Add(rec Record) (*Controller, error) {
	c, err := NewController(rec, m.deps)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[rec.Name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, rec.Name)
	}
	if m.retiringLocked(rec.Name) {
		return nil, fmt.Errorf("%w: %s is still stopping", ErrSessionRunning, rec.Name)
	}
	m.sessions[rec.Name] = c
	m.logger.Info("Session added", "session", rec.Name, "sut", rec.Endpoint.String())
	return c, nil
}

// Remove stops the session if needed and forgets it. The name cannot be
// reused until the stopped worker has exited.
func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	c, ok := m.sessions[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	delete(m.sessions, name)
	if c.Stop() {
		m.retiring[name] = c
		go m.retire(name, c)
	}
	m.mu.Unlock()

	m.logger.Info("Session removed", "session", name)
	return nil
}

func (m *Manager) retire(name string, c *Controller) {
	<-c.Done()
	m.mu.Lock()
	if m.retiring[name] == c {
		delete(m.retiring, name)
	}
	m.mu.Unlock()
}

// retiringLocked reports whether a removed worker named name is still alive.
// m.mu must be held.
func (m *Manager) retiringLocked(name string) bool {
	c, ok := m.retiring[name]
	return ok && c.Running()
}

func (m *Manager) Get(name string) (*Controller, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.sessions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	return c, nil
}

// List returns the controllers sorted by name.
func (m *Manager) List() []*Controller {
	m.mu.RLock()
	out := make([]*Controller, 0, len(m.sessions))
	for _, c := range m.sessions {
		out = append(out, c)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (m *Manager) Snapshots() []Snapshot {
	list := m.List()
	out := make([]Snapshot, 0, len(list))
	for _, c := range list {
		out = append(out, c.Snapshot())
	}
	return out
}

func (m *Manager) Update(name string, rec Record) error {
	c, err := m.Get(name)
	if err != nil {
		return err
	}
	return c.Update(rec)
}

// Start starts one session with settings, or with the fleet settings when nil.
func (m *Manager) Start(name string, settings *SharedSettings) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.sessions[name]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	s := m.settings
	if settings != nil {
		s = *settings
	}
	return c.Start(s), nil
}

func (m *Manager) Stop(name string) (bool, error) {
	c, err := m.Get(name)
	if err != nil {
		return false, err
	}
	return c.Stop(), nil
}

// StartAll starts every session without a live worker and returns the names
// that started.
func (m *Manager) StartAll() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.sessions))
	for name := range m.sessions {
		names = append(names, name)
	}
	sort.Strings(names)

	var started []string
	for _, name := range names {
		c := m.sessions[name]
		if c.Running() {
			continue
		}
		if c.Start(m.settings) {
			started = append(started, name)
		}
	}
	m.mu.RUnlock()

	m.logger.Info("Started sessions", "count", len(started))
	return started
}

// StopAll stops every live session and returns how many were signalled.
func (m *Manager) StopAll() int {
	n := 0
	for _, c := range m.List() {
		if c.Stop() {
			n++
		}
	}
	if n > 0 {
		m.logger.Info("Stopped sessions", "count", n)
	}
	return n
}

func (m *Manager) Settings() SharedSettings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings
}

func (m *Manager) SetSettings(s SharedSettings) {
	m.mu.Lock()
	m.settings = s
	m.mu.Unlock()
}

// Save writes the fleet file atomically.
func (m *Manager) Save(path string) error {
	file := FleetFile{Version: FleetFileVersion, SharedSettings: m.Settings()}
	for _, c := range m.List() {
		file.SUTs = append(file.SUTs, c.Record())
	}
	if file.SUTs == nil {
		file.SUTs = []Record{}
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fleet file: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create fleet directory: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write fleet file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace fleet file: %w", err)
	}
	m.logger.Info("Fleet saved", "path", path, "sessions", len(file.SUTs))
	return nil
}

// Load replaces the fleet with the contents of path. It refuses while any
// session is running.
func (m *Manager) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read fleet file: %w", err)
	}
	file := FleetFile{SharedSettings: DefaultSharedSettings()}
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse fleet file %s: %w", path, err)
	}

	loaded := make(map[string]*Controller, len(file.SUTs))
	for _, rec := range file.SUTs {
		if _, dup := loaded[rec.Name]; dup {
			return fmt.Errorf("%w: %s appears twice in %s", ErrSessionExists, rec.Name, path)
		}
		c, err := NewController(rec, m.deps)
		if err != nil {
			return fmt.Errorf("fleet file %s: %w", path, err)
		}
		loaded[rec.Name] = c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for name, c := range m.sessions {
		if c.Running() {
			return fmt.Errorf("%w: %s", ErrSessionRunning, name)
		}
	}
	for name := range loaded {
		if m.retiringLocked(name) {
			return fmt.Errorf("%w: %s is still stopping", ErrSessionRunning, name)
		}
	}
	m.sessions = loaded
	m.settings = file.SharedSettings
	m.logger.Info("Fleet loaded", "path", path, "sessions", len(loaded))
	return nil
}

func (m *Manager) LogsRoot() string {
	return m.deps.LogsRoot
}

// Batches returns the recorded history for name, newest first. Without a
// repository there is no history.
func (m *Manager) Batches(ctx context.Context, name string, limit int) ([]*Batch, error) {
	if _, err := m.Get(name); err != nil {
		return nil, err
	}
	if m.deps.Repo == nil {
		return []*Batch{}, nil
	}
	return m.deps.Repo.ListBySession(ctx, name, limit)
}

// LatestBatchDir resolves the newest batch directory of name, preferring
// batch history and falling back to the logs tree.
func (m *Manager) LatestBatchDir(ctx context.Context, name string) (string, error) {
	if _, err := m.Get(name); err != nil {
		return "", err
	}
	if m.deps.Repo != nil {
		if b, err := m.deps.Repo.Latest(ctx, name); err == nil && b.Dir != "" {
			return b.Dir, nil
		}
	}
	return LatestBatchDir(m.deps.LogsRoot, name)
}

// IsActive reports whether name has a live worker.
func (m *Manager) IsActive(name string) bool {
	c, err := m.Get(name)
	if err != nil {
		return false
	}
	return c.Running()
}

// Shutdown stops every session and waits for their workers or ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.StopAll()

	g, ctx := errgroup.WithContext(ctx)
	for _, c := range m.List() {
		done := c.Done()
		g.Go(func() error {
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	return g.Wait()
}
