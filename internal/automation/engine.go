package automation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"sutfleet/internal/broker"
	"sutfleet/internal/session"
)

const VisionOmniparser = "omniparser"

// ParseClient submits screenshots to the inference broker.
type ParseClient struct {
	BaseURL string
	Client  *http.Client
}

func NewParseClient(baseURL string, client *http.Client) *ParseClient {
	if client == nil {
		client = &http.Client{}
	}
	return &ParseClient{BaseURL: strings.TrimRight(baseURL, "/"), Client: client}
}

// Parse sends image through POST /parse/ and returns the raw result body.
func (p *ParseClient) Parse(ctx context.Context, image []byte) ([]byte, error) {
	body := broker.DefaultParseRequest()
	body.Base64Image = base64.StdEncoding.EncodeToString(image)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode parse request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/parse/", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build parse request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("broker %s unreachable: %w", p.BaseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read parse response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(data, &e) != nil || e.Detail == "" {
			e.Detail = strings.TrimSpace(string(data))
		}
		return nil, fmt.Errorf("parse failed with %d: %s", resp.StatusCode, e.Detail)
	}
	return data, nil
}

// DetectionEngine walks a game configuration's checkpoints, capturing the
// screen and having it parsed wherever detection is required.
type DetectionEngine struct {
	cfg    *GameConfig
	sut    *SUTClient
	parser *ParseClient
}

var _ session.Engine = (*DetectionEngine)(nil)

func NewDetectionEngine(cfg *GameConfig, sut *SUTClient, parser *ParseClient) *DetectionEngine {
	return &DetectionEngine{cfg: cfg, sut: sut, parser: parser}
}

func (e *DetectionEngine) Run(ctx context.Context, req session.RunRequest) (session.Outcome, error) {
	if req.Logger == nil {
		req.Logger = slog.Default()
	}
	logger := req.Logger
	progress := req.Progress
	if progress == nil {
		progress = func(int, int, string) {}
	}

	checkpoints := e.cfg.Checkpoints()
	total := len(checkpoints)
	logger.InfoContext(ctx, "Run engine started", "game", e.cfg.GameName(), "checkpoints", total)
	progress(0, total, "Starting")

	for i, cp := range checkpoints {
		if ctx.Err() != nil {
			logger.InfoContext(ctx, "Run cancelled before checkpoint", "checkpoint", cp.Name)
			return session.OutcomeCancelled, ctx.Err()
		}
		progress(i, total, cp.Label())

		if cp.Detect {
			if err := e.detect(ctx, req, cp); err != nil {
				if ctx.Err() != nil {
					return session.OutcomeCancelled, ctx.Err()
				}
				logger.ErrorContext(ctx, "Checkpoint failed", "checkpoint", cp.Name, "error", err)
				return session.OutcomeFailure, fmt.Errorf("%s: %w", cp.Name, err)
			}
		} else {
			logger.DebugContext(ctx, "Checkpoint needs no detection", "checkpoint", cp.Name)
		}
		progress(i+1, total, cp.Label())
	}

	logger.InfoContext(ctx, "Run engine finished", "checkpoints", total)
	return session.OutcomeSuccess, nil
}

func (e *DetectionEngine) detect(ctx context.Context, req session.RunRequest, cp Checkpoint) error {
	shot, err := e.sut.Screenshot(ctx, req.Endpoint)
	if err != nil {
		return fmt.Errorf("%w: %v", session.ErrEndpointUnreachable, err)
	}
	name := strconv.Itoa(cp.Index)
	if err := os.WriteFile(filepath.Join(req.RunDir, "screenshots", name+".png"), shot, 0644); err != nil {
		return fmt.Errorf("save screenshot: %w", err)
	}

	parsed, err := e.parser.Parse(ctx, shot)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(req.RunDir, "annotated", name+".json"), parsed, 0644); err != nil {
		return fmt.Errorf("save parse result: %w", err)
	}

	var summary struct {
		Elements []json.RawMessage `json:"parsed_content_list"`
	}
	_ = json.Unmarshal(parsed, &summary)
	req.Logger.InfoContext(ctx, "Screen parsed", "checkpoint", cp.Name, "elements", len(summary.Elements))
	return nil
}

// EngineFactory builds a detection engine per run from the shared settings.
type EngineFactory struct {
	SUT    *SUTClient
	Client *http.Client
}

var _ session.EngineFactory = (*EngineFactory)(nil)

func NewEngineFactory(sut *SUTClient, client *http.Client) *EngineFactory {
	if sut == nil {
		sut = NewSUTClient(client)
	}
	return &EngineFactory{SUT: sut, Client: client}
}

func (f *EngineFactory) NewEngine(cfg session.Config, settings session.SharedSettings) (session.Engine, error) {
	game, ok := cfg.(*GameConfig)
	if !ok {
		return nil, fmt.Errorf("unsupported configuration type %T", cfg)
	}
	if model := strings.ToLower(settings.VisionModel); model != "" && model != VisionOmniparser {
		return nil, fmt.Errorf("vision model %q is not supported", settings.VisionModel)
	}
	if settings.OmniparserURL == "" {
		return nil, fmt.Errorf("no broker url configured")
	}
	return NewDetectionEngine(game, f.SUT, NewParseClient(settings.OmniparserURL, f.Client)), nil
}
