package session_test

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sutfleet/internal/session"
	"sutfleet/internal/session/repo"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecord_JSONRoundTrip(t *testing.T) {
	rec := session.Record{
		Name:                       "bench-01",
		Endpoint:                   session.Endpoint{Host: "10.0.0.5", Port: 8081},
		ConfigPath:                 "config/games/cs2.yaml",
		LaunchTarget:               `D:\Steam\cs2.exe`,
		IterationCount:             5,
		InterIterationDelaySeconds: 12,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var fields map[string]any
	_ = json.Unmarshal(data, &fields)
	for _, key := range []string{"name", "endpoint", "configPath", "launchTarget", "iterationCount", "interIterationDelaySeconds"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("Expected key %s in %s", key, data)
		}
	}

	var back session.Record
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if back != rec {
		t.Errorf("Expected %+v, got %+v", rec, back)
	}
}

func TestRecord_Defaults(t *testing.T) {
	var rec session.Record
	if err := json.Unmarshal([]byte(`{"name":"x","endpoint":{"host":"h"},"configPath":"c.yaml"}`), &rec); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if rec.Endpoint.Port != session.DefaultPort {
		t.Errorf("Expected default port %d, got %d", session.DefaultPort, rec.Endpoint.Port)
	}
	if rec.IterationCount != 3 || rec.InterIterationDelaySeconds != 30 {
		t.Errorf("Expected policy 3/30, got %d/%d", rec.IterationCount, rec.InterIterationDelaySeconds)
	}
	if rec.Endpoint.BaseURL() != "http://h:8080" {
		t.Errorf("Expected http://h:8080, got %s", rec.Endpoint.BaseURL())
	}
}

func TestRecord_Validate(t *testing.T) {
	cases := []session.Record{
		{Endpoint: session.Endpoint{Port: 1}, IterationCount: 1},
		{Name: "a", Endpoint: session.Endpoint{Port: 70000}, IterationCount: 1},
		{Name: "a", IterationCount: 0},
		{Name: "a", IterationCount: 1, InterIterationDelaySeconds: -1},
	}
	for i, rec := range cases {
		if err := rec.Validate(); !errors.Is(err, session.ErrInvalidRecord) {
			t.Errorf("case %d: Expected ErrInvalidRecord, got %v", i, err)
		}
	}
}

func TestStatusTransitions(t *testing.T) {
	legal := []struct{ from, to session.SessionStatus }{
		{session.StatusIdle, session.StatusRunning},
		{session.StatusIdle, session.StatusError},
		{session.StatusRunning, session.StatusCompleted},
		{session.StatusRunning, session.StatusFailed},
		{session.StatusRunning, session.StatusStopped},
		{session.StatusRunning, session.StatusError},
		{session.StatusCompleted, session.StatusRunning},
		{session.StatusStopped, session.StatusRunning},
		{session.StatusFailed, session.StatusError},
	}
	for _, tc := range legal {
		if !tc.from.CanTransition(tc.to) {
			t.Errorf("Expected %s -> %s to be legal", tc.from, tc.to)
		}
	}

	illegal := []struct{ from, to session.SessionStatus }{
		{session.StatusIdle, session.StatusCompleted},
		{session.StatusRunning, session.StatusRunning},
		{session.StatusRunning, session.StatusIdle},
		{session.StatusStopped, session.StatusCompleted},
		{session.StatusFailed, session.StatusStopped},
		{session.StatusCompleted, session.StatusIdle},
	}
	for _, tc := range illegal {
		if tc.from.CanTransition(tc.to) {
			t.Errorf("Expected %s -> %s to be illegal", tc.from, tc.to)
		}
	}
}

func TestStatusColors(t *testing.T) {
	want := map[session.SessionStatus]string{
		session.StatusIdle:      "yellow",
		session.StatusRunning:   "green",
		session.StatusCompleted: "blue",
		session.StatusFailed:    "red",
		session.StatusStopped:   "orange",
		session.StatusError:     "red",
	}
	for status, color := range want {
		if got := status.Color(); got != color {
			t.Errorf("Expected %s to be %s, got %s", status, color, got)
		}
		if status.IsTerminal() == (status == session.StatusIdle || status == session.StatusRunning) {
			t.Errorf("Unexpected terminality for %s", status)
		}
	}
}

func newTestManager(t *testing.T, engines session.EngineFactory) *session.Manager {
	t.Helper()
	deps := testDeps(t, stubLoader{}, engines)
	deps.Repo = repo.NewMemoryRepository()
	return session.NewManager(deps, quietLogger())
}

func TestManager_AddGetRemove(t *testing.T) {
	m := newTestManager(t, newFactory(nil))

	if _, err := m.Add(testRecord("b", 1, 0)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, err := m.Add(testRecord("a", 1, 0)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, err := m.Add(testRecord("a", 1, 0)); !errors.Is(err, session.ErrSessionExists) {
		t.Errorf("Expected ErrSessionExists, got %v", err)
	}

	list := m.List()
	if len(list) != 2 || list[0].Name() != "a" || list[1].Name() != "b" {
		t.Errorf("Expected sorted [a b], got %d entries", len(list))
	}

	if err := m.Remove("a"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := m.Get("a"); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
	if err := m.Remove("a"); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestManager_StartAllSkipsRunning(t *testing.T) {
	factory := newFactory(blockUntilCancelled)
	m := newTestManager(t, factory)
	for _, name := range []string{"a", "b", "c"} {
		if _, err := m.Add(testRecord(name, 1, 0)); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	if ok, err := m.Start("b", nil); !ok || err != nil {
		t.Fatalf("Expected b to start, got %v %v", ok, err)
	}
	started := m.StartAll()
	sort.Strings(started)
	if len(started) != 2 || started[0] != "a" || started[1] != "c" {
		t.Errorf("Expected [a c] to start, got %v", started)
	}

	if n := m.StopAll(); n != 3 {
		t.Errorf("Expected 3 sessions stopped, got %d", n)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	for _, s := range m.Snapshots() {
		if s.Status != session.StatusStopped || s.Running {
			t.Errorf("Expected %s Stopped and idle, got %s running=%v", s.Name, s.Status, s.Running)
		}
	}
}

func TestManager_SaveLoad(t *testing.T) {
	m := newTestManager(t, newFactory(nil))
	rec := testRecord("bench-01", 4, 15)
	rec.LaunchTarget = "/games/run.sh"
	if _, err := m.Add(rec); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	settings := session.DefaultSharedSettings()
	settings.VisionModel = "qwen"
	settings.LMStudioURL = "http://10.0.0.9:1234"
	settings.MaxIterations = 7
	m.SetSettings(settings)

	path := filepath.Join(t.TempDir(), "fleet", "multi_sut_config.json")
	if err := m.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	var file session.FleetFile
	data, _ := os.ReadFile(path)
	if err := json.Unmarshal(data, &file); err != nil {
		t.Fatalf("Saved file is not valid JSON: %v", err)
	}
	if file.Version != "1.0" || len(file.SUTs) != 1 {
		t.Errorf("Expected version 1.0 with 1 SUT, got %s with %d", file.Version, len(file.SUTs))
	}

	other := newTestManager(t, newFactory(nil))
	if err := other.Load(path); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	c, err := other.Get("bench-01")
	if err != nil {
		t.Fatalf("Expected loaded session: %v", err)
	}
	if c.Record() != rec {
		t.Errorf("Expected %+v, got %+v", rec, c.Record())
	}
	if other.Settings() != settings {
		t.Errorf("Expected shared settings to load, got %+v", other.Settings())
	}
}

func TestManager_LoadRefusedWhileRunning(t *testing.T) {
	m := newTestManager(t, newFactory(blockUntilCancelled))
	m.Add(testRecord("a", 1, 0))
	path := filepath.Join(t.TempDir(), "fleet.json")
	if err := m.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	m.Start("a", nil)
	if err := m.Load(path); !errors.Is(err, session.ErrSessionRunning) {
		t.Errorf("Expected ErrSessionRunning, got %v", err)
	}
	m.Shutdown(context.Background())
}

func TestManager_BatchesAndArchive(t *testing.T) {
	m := newTestManager(t, newFactory(nil))
	c, _ := m.Add(testRecord("a", 2, 0))

	c.Start(m.Settings())
	waitDone(t, c, 5*time.Second)

	batches, err := m.Batches(context.Background(), "a", 10)
	if err != nil {
		t.Fatalf("Batches failed: %v", err)
	}
	if len(batches) != 1 || batches[0].Status != session.StatusCompleted || batches[0].RunsCompleted != 2 {
		t.Fatalf("Expected one Completed batch with 2 runs, got %+v", batches)
	}

	dir, err := m.LatestBatchDir(context.Background(), "a")
	if err != nil {
		t.Fatalf("LatestBatchDir failed: %v", err)
	}
	if dir != c.Snapshot().OutputDirectory {
		t.Errorf("Expected %s, got %s", c.Snapshot().OutputDirectory, dir)
	}

	archive, err := session.ArchiveDir(dir)
	if err != nil {
		t.Fatalf("ArchiveDir failed: %v", err)
	}
	names := map[string]bool{}
	tr := tar.NewReader(archive)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("bad archive: %v", err)
		}
		names[hdr.Name] = true
	}
	for _, want := range []string{"run_1/", "run_1/automation.log", "run_2/screenshots/", "run_2/automation.log"} {
		if !names[want] {
			t.Errorf("Expected %s in archive, got %v", want, names)
		}
	}
}

func TestLatestBatchDir_NoBatches(t *testing.T) {
	if _, err := session.LatestBatchDir(t.TempDir(), "nobody"); !errors.Is(err, session.ErrBatchNotFound) {
		t.Errorf("Expected ErrBatchNotFound, got %v", err)
	}
	if _, err := session.ArchiveDir(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("Expected error for missing directory")
	}
}

func TestBatchReaper_Sweep(t *testing.T) {
	r := repo.NewMemoryRepository()
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	for _, b := range []*session.Batch{
		{ID: "stale", Session: "gone", Status: session.StatusRunning, StartedAt: old},
		{ID: "active", Session: "live", Status: session.StatusRunning, StartedAt: old},
		{ID: "fresh", Session: "gone", Status: session.StatusRunning, StartedAt: time.Now()},
		{ID: "done", Session: "gone", Status: session.StatusCompleted, StartedAt: old},
	} {
		if err := r.Create(ctx, b); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	reaper := session.NewBatchReaper(r, func(name string) bool { return name == "live" },
		session.ReaperConfig{Interval: time.Hour, MaxAge: 24 * time.Hour}, quietLogger())
	n, err := reaper.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 reaped batch, got %d", n)
	}

	errored, _ := r.ListByStatus(ctx, []session.SessionStatus{session.StatusError})
	if len(errored) != 1 || errored[0].ID != "stale" {
		t.Errorf("Expected only stale batch marked Error, got %+v", errored)
	}
}

func TestBatchReaper_StartStop(t *testing.T) {
	reaper := session.NewBatchReaper(repo.NewMemoryRepository(), nil,
		session.ReaperConfig{Interval: time.Millisecond}, quietLogger())
	done := make(chan struct{})
	go func() {
		reaper.Start(context.Background())
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	reaper.Stop()
	reaper.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Expected reaper to stop")
	}
}

func TestManager_RemovedNameReservedUntilWorkerExits(t *testing.T) {
	release := make(chan struct{})
	factory := newFactory(func(context.Context, session.RunRequest) (session.Outcome, error) {
		<-release
		return session.OutcomeCancelled, nil
	})
	m := newTestManager(t, factory)
	old, err := m.Add(testRecord("a", 1, 0))
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	m.Start("a", nil)
	waitFor(t, 2*time.Second, func() bool { return len(factory.Runs("a")) == 1 })

	if err := m.Remove("a"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := m.Add(testRecord("a", 1, 0)); !errors.Is(err, session.ErrSessionRunning) {
		t.Errorf("Expected ErrSessionRunning while the old worker runs, got %v", err)
	}

	close(release)
	waitDone(t, old, 2*time.Second)
	if _, err := m.Add(testRecord("a", 1, 0)); err != nil {
		t.Errorf("Expected Add to succeed once the old worker exited, got %v", err)
	}
}

type countingMetrics struct {
	started atomic.Int32
	exited  atomic.Int32
}

func (m *countingMetrics) WorkerStarted() { m.started.Add(1) }

func (m *countingMetrics) WorkerExited() { m.exited.Add(1) }

func (m *countingMetrics) RunFinished(string) {}

func (m *countingMetrics) BatchFinished(string) {}

func TestManager_LoadNeverOrphansAStart(t *testing.T) {
	metrics := &countingMetrics{}
	deps := testDeps(t, stubLoader{}, newFactory(blockUntilCancelled))
	deps.Metrics = metrics
	m := session.NewManager(deps, quietLogger())
	m.Add(testRecord("a", 1, 0))
	path := filepath.Join(t.TempDir(), "fleet.json")
	if err := m.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	for i := 0; i < 50; i++ {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.Start("a", nil)
		}()
		go func() {
			defer wg.Done()
			m.Load(path)
		}()
		wg.Wait()
		m.StopAll()
	}

	// A start on a controller swapped out by Load could never be stopped.
	waitFor(t, 2*time.Second, func() bool {
		return metrics.started.Load() == metrics.exited.Load()
	})
}
