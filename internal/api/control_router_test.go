package api

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sutfleet/internal/automation"
	"sutfleet/internal/eventbus"
	"sutfleet/internal/logchan"
	"sutfleet/internal/session"
	"sutfleet/internal/session/repo"
)

type stubConfig struct{}

func (stubConfig) IsStepBased() bool { return true }

func (stubConfig) GameMetadata() map[string]any { return nil }

type stubLoader struct{}

func (stubLoader) Load(string) (session.Config, error) { return stubConfig{}, nil }

// engineFunc adapts a function to both session.Engine and session.EngineFactory.
type engineFunc func(ctx context.Context, req session.RunRequest) (session.Outcome, error)

func (f engineFunc) Run(ctx context.Context, req session.RunRequest) (session.Outcome, error) {
	return f(ctx, req)
}

func (f engineFunc) NewEngine(session.Config, session.SharedSettings) (session.Engine, error) {
	return f, nil
}

func succeed(_ context.Context, req session.RunRequest) (session.Outcome, error) {
	req.Logger.Info("engine ran")
	return session.OutcomeSuccess, nil
}

func block(ctx context.Context, _ session.RunRequest) (session.Outcome, error) {
	<-ctx.Done()
	return session.OutcomeCancelled, ctx.Err()
}

type fakeScheduler struct {
	mu    sync.Mutex
	name  string
	delay time.Duration
}

func (s *fakeScheduler) Schedule(_ context.Context, name string, _ *session.SharedSettings, delay time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name, s.delay = name, delay
	return "task-1", nil
}

type fakePinger struct {
	err error
}

func (p fakePinger) Status(context.Context, session.Endpoint) (*automation.SUTStatus, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &automation.SUTStatus{Status: "running", Version: "3.1-optimized"}, nil
}

type controlFixture struct {
	router    http.Handler
	manager   *session.Manager
	bus       *eventbus.MemoryBus
	scheduler *fakeScheduler
	fleetFile string
}

func newControlFixture(t *testing.T, engine engineFunc, withScheduler bool) *controlFixture {
	t.Helper()
	bus := eventbus.NewMemoryBus()
	m := session.NewManager(session.Deps{
		Loader:   stubLoader{},
		Engines:  engine,
		Channel:  logchan.New(nil),
		Bus:      bus,
		Repo:     repo.NewMemoryRepository(),
		LogsRoot: t.TempDir(),
		Tick:     time.Millisecond,
	}, discardLogger())

	f := &controlFixture{
		manager:   m,
		bus:       bus,
		fleetFile: filepath.Join(t.TempDir(), "multi_sut_config.json"),
	}
	deps := ControlDeps{
		Manager:   m,
		Bus:       bus,
		SUT:       fakePinger{},
		FleetFile: f.fleetFile,
		Logger:    discardLogger(),
	}
	if withScheduler {
		f.scheduler = &fakeScheduler{}
		deps.Scheduler = f.scheduler
	}
	f.router = NewControlRouter(deps)
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return f
}

const benchRecord = `{"name":"bench-01","endpoint":{"host":"127.0.0.1","port":8080},"configPath":"games/cs2.yaml","iterationCount":2,"interIterationDelaySeconds":0}`

func (f *controlFixture) create(t *testing.T) {
	t.Helper()
	w := doRequest(f.router, http.MethodPost, "/api/v1/sessions", benchRecord)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestControl_CreateGetList(t *testing.T) {
	f := newControlFixture(t, succeed, false)
	f.create(t)

	w := doRequest(f.router, http.MethodPost, "/api/v1/sessions", benchRecord)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doRequest(f.router, http.MethodPost, "/api/v1/sessions", `{"name":"","configPath":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(f.router, http.MethodGet, "/api/v1/sessions/bench-01", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Record.IterationCount)
	assert.Equal(t, session.StatusIdle, resp.Snapshot.Status)
	assert.Equal(t, "yellow", resp.Snapshot.Color)

	w = doRequest(f.router, http.MethodGet, "/api/v1/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list SessionListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list.Sessions, 1)

	w = doRequest(f.router, http.MethodGet, "/api/v1/sessions/nobody", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestControl_UpdateAndDelete(t *testing.T) {
	f := newControlFixture(t, succeed, false)
	f.create(t)

	w := doRequest(f.router, http.MethodPut, "/api/v1/sessions/bench-01",
		`{"endpoint":{"host":"10.0.0.9","port":9000},"configPath":"games/other.yaml","iterationCount":7}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "10.0.0.9", resp.Record.Endpoint.Host)
	assert.Equal(t, 7, resp.Record.IterationCount)

	w = doRequest(f.router, http.MethodDelete, "/api/v1/sessions/bench-01", "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = doRequest(f.router, http.MethodDelete, "/api/v1/sessions/bench-01", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestControl_StartCompletesAndExposesOutput(t *testing.T) {
	f := newControlFixture(t, succeed, false)
	f.create(t)

	w := doRequest(f.router, http.MethodPost, "/api/v1/sessions/bench-01/start", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	ctrl, err := f.manager.Get("bench-01")
	require.NoError(t, err)
	select {
	case <-ctrl.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not finish")
	}
	assert.Equal(t, session.StatusCompleted, ctrl.Snapshot().Status)

	w = doRequest(f.router, http.MethodGet, "/api/v1/sessions/bench-01/logs", "")
	require.Equal(t, http.StatusOK, w.Code)
	var logs LogsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &logs))
	require.NotEmpty(t, logs.Entries)
	assert.Equal(t, logs.Entries[len(logs.Entries)-1].Seq, logs.LastSeq)

	w = doRequest(f.router, http.MethodGet, "/api/v1/sessions/bench-01/logs?since="+jsonNumber(logs.LastSeq), "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &logs))
	assert.Empty(t, logs.Entries)

	w = doRequest(f.router, http.MethodGet, "/api/v1/sessions/bench-01/logs?since=abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(f.router, http.MethodGet, "/api/v1/sessions/bench-01/batches", "")
	require.Equal(t, http.StatusOK, w.Code)
	var batches BatchListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &batches))
	require.Len(t, batches.Batches, 1)
	assert.Equal(t, 2, batches.Batches[0].RunsCompleted)

	w = doRequest(f.router, http.MethodGet, "/api/v1/sessions/bench-01/archive", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-tar", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "bench-01_batch_")
	tr := tar.NewReader(bytes.NewReader(w.Body.Bytes()))
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	assert.Contains(t, names, "run_2/automation.log")

	w = doRequest(f.router, http.MethodDelete, "/api/v1/sessions/bench-01/logs", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, ctrl.Logs().Entries())
}

func jsonNumber(n uint64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestControl_StartConflictAndStop(t *testing.T) {
	f := newControlFixture(t, block, false)
	f.create(t)

	w := doRequest(f.router, http.MethodPost, "/api/v1/sessions/bench-01/start", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(f.router, http.MethodPost, "/api/v1/sessions/bench-01/start", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	var start StartResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &start))
	assert.False(t, start.Started)
	assert.Equal(t, string(session.StatusRunning), start.Status)

	w = doRequest(f.router, http.MethodPut, "/api/v1/sessions/bench-01", benchRecord)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doRequest(f.router, http.MethodPost, "/api/v1/sessions/bench-01/stop", "")
	require.Equal(t, http.StatusOK, w.Code)
	var stop StopResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stop))
	assert.True(t, stop.Stopped)
	assert.Equal(t, string(session.StatusStopped), stop.Status)
}

func TestControl_DeferredStart(t *testing.T) {
	f := newControlFixture(t, succeed, false)
	f.create(t)
	w := doRequest(f.router, http.MethodPost, "/api/v1/sessions/bench-01/start", `{"delay_seconds":30}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	f = newControlFixture(t, succeed, true)
	f.create(t)
	w = doRequest(f.router, http.MethodPost, "/api/v1/sessions/bench-01/start", `{"delay_seconds":30}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var start StartResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &start))
	assert.Equal(t, "task-1", start.TaskID)
	assert.Equal(t, "bench-01", f.scheduler.name)
	assert.Equal(t, 30*time.Second, f.scheduler.delay)

	w = doRequest(f.router, http.MethodPost, "/api/v1/sessions/bench-01/start", `{"delay_seconds":-1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestControl_Fleet(t *testing.T) {
	f := newControlFixture(t, block, false)
	f.create(t)

	w := doRequest(f.router, http.MethodPut, "/api/v1/fleet/settings", `{"vision_model":"omniparser","omniparser_url":"http://broker:9000"}`)
	require.Equal(t, http.StatusOK, w.Code)
	w = doRequest(f.router, http.MethodGet, "/api/v1/fleet/settings", "")
	var settings session.SharedSettings
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &settings))
	assert.Equal(t, "http://broker:9000", settings.OmniparserURL)
	assert.Equal(t, 50, settings.MaxIterations)

	w = doRequest(f.router, http.MethodPost, "/api/v1/fleet/save", "")
	require.Equal(t, http.StatusOK, w.Code)
	data, err := os.ReadFile(f.fleetFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"bench-01"`)
	assert.Contains(t, string(data), `"http://broker:9000"`)

	w = doRequest(f.router, http.MethodPost, "/api/v1/fleet/start", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"started":["bench-01"]}`, w.Body.String())

	w = doRequest(f.router, http.MethodPost, "/api/v1/fleet/load", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doRequest(f.router, http.MethodPost, "/api/v1/fleet/stop", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"stopped":1}`, w.Body.String())
}

func TestControl_PingSUT(t *testing.T) {
	f := newControlFixture(t, succeed, false)
	f.create(t)

	w := doRequest(f.router, http.MethodGet, "/api/v1/sessions/bench-01/ping", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"endpoint":"127.0.0.1:8080"`)

	r := NewControlRouter(ControlDeps{Manager: f.manager, SUT: fakePinger{err: errors.New("refused")}, Logger: discardLogger()})
	w = doRequest(r, http.MethodGet, "/api/v1/sessions/bench-01/ping", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestControl_EventStream(t *testing.T) {
	f := newControlFixture(t, succeed, false)
	f.create(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Response headers are only flushed with the first event.
	go func() {
		for i := 0; i < 1000 && f.bus.Subscribers("bench-01") == 0; i++ {
			time.Sleep(time.Millisecond)
		}
		err := f.bus.Publish(context.Background(), "bench-01", eventbus.Event{
			Type:      eventbus.EventSessionStatus,
			Session:   "bench-01",
			Payload:   eventbus.StatusPayload{Status: "Running"},
			Timestamp: time.Now(),
		})
		assert.NoError(t, err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/sessions/bench-01/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if strings.Contains(scanner.Text(), `"status":"Running"`) {
			break
		}
	}
	require.NotEmpty(t, lines)
	data := lines[len(lines)-1]
	require.Contains(t, data, `"status":"Running"`, strings.Join(lines, "\n"))
	assert.Contains(t, data, "session.status")
	assert.Contains(t, lines, "event:message")

	cancel()
	require.Eventually(t, func() bool { return f.bus.Subscribers("bench-01") == 0 }, 2*time.Second, time.Millisecond,
		"stream did not end after client left")

	r := NewControlRouter(ControlDeps{Manager: f.manager, Logger: discardLogger()})
	w2 := doRequest(r, http.MethodGet, "/api/v1/sessions/bench-01/events", "")
	assert.Equal(t, http.StatusServiceUnavailable, w2.Code)
}
