package broker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var _ Backend = (*HTTPBackend)(nil)

// HTTPBackend talks to a vision server exposing POST /parse/ and GET /probe.
type HTTPBackend struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPBackend(baseURL string, client *http.Client) *HTTPBackend {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPBackend{BaseURL: strings.TrimRight(baseURL, "/"), Client: client}
}

func (h *HTTPBackend) Target() string {
	return h.BaseURL
}

func (h *HTTPBackend) Parse(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.BaseURL+"/parse/", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build parse request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return h.do(ctx, req)
}

func (h *HTTPBackend) Probe(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.BaseURL+"/probe", nil)
	if err != nil {
		return nil, fmt.Errorf("build probe request: %w", err)
	}
	return h.do(ctx, req)
}

func (h *HTTPBackend) do(ctx context.Context, req *http.Request) ([]byte, error) {
	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, h.classify(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, h.classify(ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &UpstreamError{
			StatusCode: resp.StatusCode,
			Detail:     "vision backend error: " + strings.TrimSpace(string(body)),
		}
	}
	return body, nil
}

func (h *HTTPBackend) classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(ctx.Err(), context.Canceled):
		return ctx.Err()
	default:
		return &UnreachableError{Target: h.BaseURL, Err: err}
	}
}
