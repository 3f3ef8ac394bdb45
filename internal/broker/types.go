package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Backend is the single vision-inference server the broker forwards to.
type Backend interface {
	Parse(ctx context.Context, payload []byte) ([]byte, error)
	Probe(ctx context.Context) ([]byte, error)
	Target() string
}

// Metrics receives broker observations. monitor.BrokerRecorder implements it.
type Metrics interface {
	QueueDepth(n int)
	InFlight(active bool)
	Result(result string, seconds float64)
}

type Options struct {
	Capacity     int
	Timeout      time.Duration
	ProbeTimeout time.Duration
	FaultPause   time.Duration
	Logger       *slog.Logger
	Metrics      Metrics
}

func (o *Options) applyDefaults() {
	if o.Capacity <= 0 {
		o.Capacity = 100
	}
	if o.Timeout <= 0 {
		o.Timeout = 120 * time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 5 * time.Second
	}
	if o.FaultPause <= 0 {
		o.FaultPause = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = nopMetrics{}
	}
}

type Stats struct {
	TotalRequests     uint64 `json:"totalRequests"`
	Succeeded         uint64 `json:"succeeded"`
	Failed            uint64 `json:"failed"`
	CurrentQueueDepth int    `json:"currentQueueDepth"`
	WorkerRunning     bool   `json:"workerRunning"`
}

type Health struct {
	Status   string          `json:"status"`
	Server   string          `json:"server"`
	Response json.RawMessage `json:"response,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// ParseRequest is the body accepted by POST /parse. Absent tuning fields
// keep the values from DefaultParseRequest.
type ParseRequest struct {
	Base64Image  string  `json:"base64_image" binding:"required"`
	BoxThreshold float64 `json:"box_threshold"`
	IOUThreshold float64 `json:"iou_threshold"`
	UsePaddleOCR bool    `json:"use_paddleocr"`
}

func DefaultParseRequest() ParseRequest {
	return ParseRequest{BoxThreshold: 0.05, IOUThreshold: 0.1, UsePaddleOCR: true}
}

type result struct {
	body []byte
	err  error
}

// request is a queued forward. done is buffered so the worker never blocks
// on a caller that already left.
type request struct {
	id         string
	payload    []byte
	enqueuedAt time.Time
	ctx        context.Context
	done       chan result
	once       sync.Once
}

type nopMetrics struct{}

func (nopMetrics) QueueDepth(int)         {}
func (nopMetrics) InFlight(bool)          {}
func (nopMetrics) Result(string, float64) {}
