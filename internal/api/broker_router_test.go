package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sutfleet/internal/broker"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeBroker struct {
	body     []byte
	err      error
	payloads [][]byte
	stats    broker.Stats
	health   broker.Health
}

func (f *fakeBroker) Enqueue(_ context.Context, payload []byte) ([]byte, error) {
	f.payloads = append(f.payloads, payload)
	return f.body, f.err
}

func (f *fakeBroker) Stats() broker.Stats { return f.stats }

func (f *fakeBroker) HealthCheck(context.Context) broker.Health { return f.health }

func doRequest(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestBrokerRouter_ParseForwardsVerbatim(t *testing.T) {
	fb := &fakeBroker{body: []byte(`{"parsed_content_list":[]}`)}
	r := NewBrokerRouter(fb, "http://vision:8000", discardLogger())

	for _, path := range []string{"/parse", "/parse/"} {
		w := doRequest(r, http.MethodPost, path, `{"base64_image":"aGVsbG8=","box_threshold":0.2}`)
		require.Equal(t, http.StatusOK, w.Code, path)
		assert.JSONEq(t, `{"parsed_content_list":[]}`, w.Body.String())
		assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	}

	var forwarded broker.ParseRequest
	require.NoError(t, json.Unmarshal(fb.payloads[0], &forwarded))
	assert.Equal(t, "aGVsbG8=", forwarded.Base64Image)
	assert.Equal(t, 0.2, forwarded.BoxThreshold)
	assert.Equal(t, 0.1, forwarded.IOUThreshold)
	assert.True(t, forwarded.UsePaddleOCR)
}

func TestBrokerRouter_ParseValidation(t *testing.T) {
	fb := &fakeBroker{}
	r := NewBrokerRouter(fb, "", discardLogger())

	w := doRequest(r, http.MethodPost, "/parse/", `{"box_threshold":0.2}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Empty(t, fb.payloads)

	var resp BrokerErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestBrokerRouter_ErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		code   int
		prefix string
	}{
		{broker.ErrQueueFull, http.StatusServiceUnavailable, "QueueFull"},
		{fmt.Errorf("%w: deadline", broker.ErrTimeout), http.StatusGatewayTimeout, "Timeout"},
		{&broker.UpstreamError{StatusCode: 500, Detail: "boom"}, http.StatusInternalServerError, "UpstreamError"},
		{&broker.UnreachableError{Target: "x", Err: errors.New("refused")}, http.StatusBadGateway, "UpstreamUnreachable"},
		{broker.ErrWorkerFault, http.StatusInternalServerError, "UnexpectedWorkerFault"},
	}
	for _, tc := range cases {
		r := NewBrokerRouter(&fakeBroker{err: tc.err}, "", discardLogger())
		w := doRequest(r, http.MethodPost, "/parse/", `{"base64_image":"eA=="}`)
		assert.Equal(t, tc.code, w.Code, tc.prefix)

		var resp BrokerErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, tc.code, resp.StatusCode)
		assert.True(t, strings.HasPrefix(resp.Detail, tc.prefix), "detail %q", resp.Detail)
	}
}

func TestBrokerRouter_ProbeStatsInfo(t *testing.T) {
	fb := &fakeBroker{
		stats:  broker.Stats{TotalRequests: 3, Succeeded: 2, Failed: 1, WorkerRunning: true},
		health: broker.Health{Status: "healthy", Server: "http://vision:8000"},
	}
	r := NewBrokerRouter(fb, "http://vision:8000", discardLogger())

	w := doRequest(r, http.MethodGet, "/probe", "")
	require.Equal(t, http.StatusOK, w.Code)
	var probe ProbeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &probe))
	assert.Equal(t, "running", probe.QueueServiceStatus)
	assert.Equal(t, "healthy", probe.OmniparserStatus.Status)
	assert.Equal(t, uint64(3), probe.Stats.TotalRequests)

	w = doRequest(r, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"totalRequests":3,"succeeded":2,"failed":1,"currentQueueDepth":0,"workerRunning":true}`, w.Body.String())

	w = doRequest(r, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"target_server":"http://vision:8000"`)

	w = doRequest(r, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestBrokerRouter_QueueFullEndToEnd(t *testing.T) {
	release := make(chan struct{})
	backend := blockingBackend{release: release}
	b := broker.New(backend, broker.Options{Capacity: 1, Logger: discardLogger()})
	b.Start()
	defer b.Stop()
	defer close(release)

	r := NewBrokerRouter(b, "stub", discardLogger())
	first := make(chan int, 1)
	go func() {
		first <- doRequest(r, http.MethodPost, "/parse/", `{"base64_image":"eA=="}`).Code
	}()

	require.Eventually(t, func() bool { return b.Stats().TotalRequests == 1 }, time.Second, time.Millisecond)
	w := doRequest(r, http.MethodPost, "/parse/", `{"base64_image":"eA=="}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

type blockingBackend struct {
	release chan struct{}
}

func (b blockingBackend) Parse(ctx context.Context, _ []byte) ([]byte, error) {
	select {
	case <-b.release:
		return []byte(`{}`), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (blockingBackend) Probe(context.Context) ([]byte, error) { return []byte(`{}`), nil }

func (blockingBackend) Target() string { return "stub" }
