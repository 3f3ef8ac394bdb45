package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sutfleet/internal/session"
)

const (
	statusTimeout     = 5 * time.Second
	screenshotTimeout = 30 * time.Second
	launchTimeout     = 60 * time.Second
)

// SUTStatus is the service description returned by GET /status.
type SUTStatus struct {
	Status          string   `json:"status"`
	Version         string   `json:"version"`
	InputMethod     string   `json:"input_method"`
	AdminPrivileges bool     `json:"admin_privileges"`
	Capabilities    []string `json:"capabilities"`
}

// LaunchResult is the SUT's answer to POST /launch.
type LaunchResult struct {
	Status          string `json:"status"`
	Error           string `json:"error,omitempty"`
	Warning         string `json:"warning,omitempty"`
	LaunchMethod    string `json:"launch_method,omitempty"`
	GameProcessName string `json:"game_process_name,omitempty"`
}

// SUTError is a non-OK answer from a SUT service.
type SUTError struct {
	Endpoint   string
	Path       string
	StatusCode int
	Message    string
}

func (e *SUTError) Error() string {
	return fmt.Sprintf("sut %s %s returned %d: %s", e.Endpoint, e.Path, e.StatusCode, e.Message)
}

// SUTClient talks to the service running on each SUT.
type SUTClient struct {
	Client *http.Client
}

var _ session.Launcher = (*SUTClient)(nil)

func NewSUTClient(client *http.Client) *SUTClient {
	if client == nil {
		client = &http.Client{}
	}
	return &SUTClient{Client: client}
}

func (s *SUTClient) Status(ctx context.Context, ep session.Endpoint) (*SUTStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	body, err := s.do(ctx, ep, http.MethodGet, "/status", nil)
	if err != nil {
		return nil, err
	}
	var status SUTStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("decode sut status: %w", err)
	}
	return &status, nil
}

// Screenshot returns the SUT's current screen as PNG bytes.
func (s *SUTClient) Screenshot(ctx context.Context, ep session.Endpoint) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, screenshotTimeout)
	defer cancel()
	return s.do(ctx, ep, http.MethodGet, "/screenshot", nil)
}

func (s *SUTClient) Launch(ctx context.Context, ep session.Endpoint, req session.LaunchRequest) error {
	ctx, cancel := context.WithTimeout(ctx, launchTimeout)
	defer cancel()

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode launch request: %w", err)
	}
	body, err := s.do(ctx, ep, http.MethodPost, "/launch", payload)
	if err != nil {
		return err
	}

	var res LaunchResult
	if err := json.Unmarshal(body, &res); err != nil {
		return fmt.Errorf("decode launch result: %w", err)
	}
	if res.Status != "success" {
		return &SUTError{Endpoint: ep.String(), Path: "/launch", StatusCode: http.StatusOK, Message: res.Error}
	}
	return nil
}

func (s *SUTClient) do(ctx context.Context, ep session.Endpoint, method, path string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, ep.BaseURL()+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build sut request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sut %s unreachable: %w", ep.String(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read sut response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &SUTError{Endpoint: ep.String(), Path: path, StatusCode: resp.StatusCode, Message: errorMessage(body)}
	}
	return body, nil
}

// errorMessage pulls the "error" field out of a JSON error body.
func errorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}
