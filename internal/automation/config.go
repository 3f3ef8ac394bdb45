// Package automation holds the collaborators a session drives once per run:
// the game configuration loader, the SUT service client and the detection
// engine that routes screenshots through the inference broker.
package automation

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"

	"sutfleet/internal/session"
)

type ConfigType string

const (
	TypeSteps        ConfigType = "steps"
	TypeStateMachine ConfigType = "state_machine"
)

var ErrInvalidConfig = errors.New("invalid game configuration")

type stepDoc struct {
	Description string         `yaml:"description"`
	Find        map[string]any `yaml:"find"`
	Action      map[string]any `yaml:"action"`
}

type document struct {
	Metadata     map[string]any      `yaml:"metadata"`
	Steps        map[string]*stepDoc `yaml:"steps"`
	States       yaml.Node           `yaml:"states"`
	InitialState string              `yaml:"initial_state"`
	TargetState  string              `yaml:"target_state"`
}

// Checkpoint is one point of a run at which the engine reports progress.
// Detect is set when the screen has to be analysed there.
type Checkpoint struct {
	Index       int
	Name        string
	Description string
	Detect      bool
	Find        map[string]any
	Action      map[string]any
}

// Label is the human readable progress label.
func (c Checkpoint) Label() string {
	if c.Description != "" {
		return c.Description
	}
	return c.Name
}

// GameConfig is a validated game configuration.
type GameConfig struct {
	Path        string
	Type        ConfigType
	metadata    map[string]any
	checkpoints []Checkpoint
}

var _ session.Config = (*GameConfig)(nil)

func (g *GameConfig) IsStepBased() bool {
	return g.Type == TypeSteps
}

func (g *GameConfig) GameMetadata() map[string]any {
	return g.metadata
}

func (g *GameConfig) GameName() string {
	if name, ok := g.metadata["game_name"].(string); ok && name != "" {
		return name
	}
	return "Unknown Game"
}

// Checkpoints returns the run's checkpoints in execution order.
func (g *GameConfig) Checkpoints() []Checkpoint {
	return append([]Checkpoint(nil), g.checkpoints...)
}

// Loader reads and validates YAML game configurations.
type Loader struct {
	logger *slog.Logger
}

var _ session.ConfigLoader = (*Loader)(nil)

func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger.With("component", "config-loader")}
}

func (l *Loader) Load(path string) (session.Config, error) {
	cfg, err := l.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile is Load with the concrete result type.
func (l *Loader) LoadFile(path string) (*GameConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %w", err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}

	cfg := &GameConfig{Path: path, metadata: doc.Metadata}
	if cfg.metadata == nil {
		cfg.metadata = map[string]any{}
	}

	switch {
	case doc.Steps != nil:
		cfg.Type = TypeSteps
		cfg.checkpoints, err = stepCheckpoints(doc.Steps)
	case doc.States.Kind != 0:
		cfg.Type = TypeStateMachine
		cfg.checkpoints, err = stateCheckpoints(&doc)
	default:
		l.logger.Warn("Config has neither steps nor states, assuming state machine", "path", path)
		cfg.Type = TypeStateMachine
		cfg.checkpoints, err = stateCheckpoints(&doc)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}

	l.logger.Info("Config loaded", "path", path, "game", cfg.GameName(), "type", cfg.Type, "checkpoints", len(cfg.checkpoints))
	return cfg, nil
}

func stepCheckpoints(steps map[string]*stepDoc) ([]Checkpoint, error) {
	if len(steps) == 0 {
		return nil, errors.New("steps section must be a non-empty map")
	}

	keys := make([]string, 0, len(steps))
	for k := range steps {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return stepLess(keys[i], keys[j]) })

	out := make([]Checkpoint, 0, len(keys))
	for i, k := range keys {
		step := steps[k]
		if step == nil || (step.Find == nil && step.Action == nil) {
			return nil, fmt.Errorf("step %s must have either find or action", k)
		}
		if step.Action != nil {
			if _, ok := step.Action["type"]; !ok {
				return nil, fmt.Errorf("step %s action is missing type", k)
			}
		}
		out = append(out, Checkpoint{
			Index:       i + 1,
			Name:        "Step " + k,
			Description: step.Description,
			Detect:      step.Find != nil,
			Find:        step.Find,
			Action:      step.Action,
		})
	}
	return out, nil
}

// stepLess orders numeric step keys numerically and everything else lexically.
func stepLess(a, b string) bool {
	na, errA := strconv.Atoi(a)
	nb, errB := strconv.Atoi(b)
	switch {
	case errA == nil && errB == nil:
		return na < nb
	case errA == nil:
		return true
	case errB == nil:
		return false
	}
	return a < b
}

func stateCheckpoints(doc *document) ([]Checkpoint, error) {
	if doc.States.Kind != yaml.MappingNode || len(doc.States.Content) == 0 {
		return nil, errors.New("missing required states section")
	}
	if doc.InitialState == "" {
		return nil, errors.New("missing required initial_state")
	}
	if doc.TargetState == "" {
		return nil, errors.New("missing required target_state")
	}

	var out []Checkpoint
	seen := map[string]bool{}
	for i := 0; i+1 < len(doc.States.Content); i += 2 {
		name := doc.States.Content[i].Value
		var state struct {
			Description string `yaml:"description"`
		}
		if err := doc.States.Content[i+1].Decode(&state); err != nil {
			return nil, fmt.Errorf("state %s: %v", name, err)
		}
		seen[name] = true
		out = append(out, Checkpoint{
			Index:       len(out) + 1,
			Name:        name,
			Description: state.Description,
			Detect:      true,
		})
	}
	for _, name := range []string{doc.InitialState, doc.TargetState} {
		if !seen[name] {
			return nil, fmt.Errorf("state %s is not defined", name)
		}
	}
	return out, nil
}
