package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"sutfleet/internal/clock"
	"sutfleet/internal/config"
	"sutfleet/internal/eventbus"
	"sutfleet/internal/logchan"

	"github.com/google/uuid"
)

const (
	SinkCapture = "capture"
	SinkRun     = "run"

	defaultStartupWait = 30
	batchTimeFormat    = "20060102_150405"
)

// Deps are the collaborators shared by every controller in a fleet.
type Deps struct {
	Loader   ConfigLoader
	Engines  EngineFactory
	Launcher Launcher
	Channel  *logchan.Channel

	// Optional.
	Bus     eventbus.EventBus
	Repo    BatchRepository
	Metrics Metrics

	LogsRoot     string
	CaptureLines int
	LogLevel     slog.Leveler
	// Tick is the length of one delay unit. Defaults to one second.
	Tick time.Duration
	Now  func() time.Time
}

func (d *Deps) applyDefaults() {
	if d.Channel == nil {
		d.Channel = logchan.New(slog.Default().Handler())
	}
	if d.LogsRoot == "" {
		d.LogsRoot = "logs"
	}
	if d.CaptureLines <= 0 {
		d.CaptureLines = 2000
	}
	if d.LogLevel == nil {
		d.LogLevel = slog.LevelInfo
	}
	if d.Tick <= 0 {
		d.Tick = time.Second
	}
	if d.Now == nil {
		d.Now = time.Now
	}
}

// Controller owns one SUT's batch lifecycle. All exported methods are safe
// for concurrent use.
type Controller struct {
	deps    Deps
	capture *logchan.Capture
	level   *slog.LevelVar
	logger  *slog.Logger

	mu     sync.Mutex
	record Record
	state  Snapshot
	alive  bool
	cancel context.CancelFunc
	done   chan struct{}
}

func NewController(rec Record, deps Deps) (*Controller, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	deps.applyDefaults()

	level := new(slog.LevelVar)
	level.Set(deps.LogLevel.Level())
	c := &Controller{
		deps:    deps,
		capture: logchan.NewCapture(deps.CaptureLines, level),
		level:   level,
		logger:  deps.Channel.Logger(rec.Name).With("component", "session-controller"),
		record:  rec,
	}
	c.state = Snapshot{Name: rec.Name, Status: StatusIdle, TotalIterations: rec.IterationCount}
	return c, nil
}

func (c *Controller) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.record.Name
}

func (c *Controller) Record() Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.record
}

// Update replaces the bound record. It is rejected while a worker is alive and
// the name cannot change.
func (c *Controller) Update(rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.alive {
		return ErrSessionRunning
	}
	if rec.Name != c.record.Name {
		return fmt.Errorf("%w: name cannot change from %q to %q", ErrInvalidRecord, c.record.Name, rec.Name)
	}
	c.record = rec
	if !c.state.Status.IsTerminal() {
		c.state.TotalIterations = rec.IterationCount
	}
	return nil
}

func (c *Controller) Logs() *logchan.Capture {
	return c.capture
}

func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state
	s.Color = s.Status.Color()
	s.Running = c.alive
	return s
}

// Done is closed when the most recent worker exits. It is already closed when
// the controller was never started.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Start spawns a worker for a new batch and returns immediately. It returns
// false without touching the status when a worker is already alive, and false
// with status Error when no configuration is bound.
func (c *Controller) Start(settings SharedSettings) bool {
	c.mu.Lock()
	if c.alive {
		c.mu.Unlock()
		c.logger.Warn("Automation already running")
		return false
	}
	if c.record.ConfigPath == "" {
		c.setStatusLocked(StatusError)
		c.state.LastError = "no configuration file specified"
		c.mu.Unlock()
		c.logger.Error("No configuration file specified")
		c.publish(eventbus.EventSessionStatus, eventbus.StatusPayload{Status: string(StatusError), Reason: "no configuration file specified"})
		return false
	}
	if !c.setStatusLocked(StatusRunning) {
		c.mu.Unlock()
		return false
	}

	rec := c.record
	c.state = Snapshot{
		Name:            rec.Name,
		Status:          StatusRunning,
		TotalIterations: rec.IterationCount,
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.alive = true
	done := c.done
	c.mu.Unlock()

	if c.deps.Metrics != nil {
		c.deps.Metrics.WorkerStarted()
	}
	c.publish(eventbus.EventSessionStatus, eventbus.StatusPayload{Status: string(StatusRunning)})
	go c.work(ctx, rec, settings, done)
	return true
}

// Stop raises the cancellation signal of a live worker and marks the session
// Stopped. The worker honours it at its next checkpoint.
func (c *Controller) Stop() bool {
	c.mu.Lock()
	if !c.alive {
		c.mu.Unlock()
		return false
	}
	changed := false
	if !c.state.Status.IsTerminal() {
		changed = c.setStatusLocked(StatusStopped)
	}
	batchID := c.state.BatchID
	c.cancel()
	c.mu.Unlock()

	if changed {
		c.logger.Info("Stopping automation")
		c.publish(eventbus.EventSessionStatus, eventbus.StatusPayload{Status: string(StatusStopped), BatchID: batchID})
	}
	return true
}

// OnStepProgress records the latest step progress reported by the engine.
func (c *Controller) OnStepProgress(completed, total int, label string) {
	c.mu.Lock()
	c.state.CompletedSteps = completed
	c.state.TotalSteps = total
	c.state.CurrentStepLabel = label
	c.mu.Unlock()
	c.publish(eventbus.EventSessionProgress, eventbus.ProgressPayload{Completed: completed, Total: total, Label: label})
}

type batchResult struct {
	status        SessionStatus
	err           error
	runsCompleted int
}

func (c *Controller) work(ctx context.Context, rec Record, settings SharedSettings, done chan struct{}) {
	defer close(done)
	defer func() {
		c.mu.Lock()
		c.alive = false
		c.cancel = nil
		c.mu.Unlock()
		if c.deps.Metrics != nil {
			c.deps.Metrics.WorkerExited()
		}
	}()

	c.level.Set(c.batchLevel(settings))
	reg := c.deps.Channel.Attach(rec.Name, SinkCapture, c.capture)
	defer reg.Detach()

	ctx = logchan.WithSession(ctx, rec.Name)
	logger := c.deps.Channel.Logger(rec.Name)
	logger.Info("Starting automation", "config", rec.ConfigPath, "sut", rec.Endpoint.String())

	var res batchResult
	func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Automation failed", "panic", r)
				res = batchResult{status: StatusFailed, err: fmt.Errorf("%w: %v", ErrEngineFault, r)}
			}
		}()
		res = c.runBatch(ctx, rec, settings, logger)
	}()
	c.finishBatch(res, logger)
}

func (c *Controller) runBatch(ctx context.Context, rec Record, settings SharedSettings, logger *slog.Logger) batchResult {
	cfg, err := c.deps.Loader.Load(rec.ConfigPath)
	if err != nil {
		logger.Error("Failed to load config", "error", err)
		return batchResult{status: StatusFailed, err: fmt.Errorf("%w: %v", ErrConfigurationInvalid, err)}
	}
	logger.Info("Config loaded", "step_based", cfg.IsStepBased())

	if ctx.Err() != nil {
		return batchResult{status: StatusStopped, err: ErrUserCancelled}
	}

	policy := rec.Policy()
	started := c.deps.Now()
	batchDir := filepath.Join(c.deps.LogsRoot, rec.Name, "batch_"+started.Format(batchTimeFormat))
	if err := os.MkdirAll(batchDir, 0755); err != nil {
		logger.Error("Failed to create batch directory", "dir", batchDir, "error", err)
		return batchResult{status: StatusFailed, err: fmt.Errorf("create batch directory: %w", err)}
	}

	batch := &Batch{
		ID:          uuid.NewString(),
		Session:     rec.Name,
		Status:      StatusRunning,
		Dir:         batchDir,
		RunsPlanned: policy.IterationCount,
		StartedAt:   started,
	}
	c.mu.Lock()
	c.state.OutputDirectory = batchDir
	c.state.BatchID = batch.ID
	c.mu.Unlock()
	c.recordBatch(batch, logger)

	completed := 0
	for run := 1; run <= policy.IterationCount; run++ {
		if ctx.Err() != nil {
			logger.Info("Automation stopped by user before run", "run", run)
			return batchResult{status: StatusStopped, err: ErrUserCancelled, runsCompleted: completed}
		}

		c.mu.Lock()
		c.state.CurrentIteration = run
		c.state.CompletedSteps = 0
		c.state.TotalSteps = 0
		c.state.CurrentStepLabel = ""
		c.mu.Unlock()
		logger.Info("Starting run", "run", run, "of", policy.IterationCount)

		outcome, err := c.runOnce(ctx, rec, cfg, settings, run, batchDir, logger)
		if c.deps.Metrics != nil {
			c.deps.Metrics.RunFinished(string(outcome))
		}
		switch outcome {
		case OutcomeFailure:
			logger.Error("Run failed, stopping batch", "run", run, "error", err)
			return batchResult{status: StatusFailed, err: err, runsCompleted: completed}
		case OutcomeCancelled:
			logger.Info("Automation stopped during run", "run", run)
			return batchResult{status: StatusStopped, err: ErrUserCancelled, runsCompleted: completed}
		}
		completed++

		if run < policy.IterationCount && policy.InterIterationDelaySeconds > 0 {
			logger.Info("Waiting before next run", "seconds", policy.InterIterationDelaySeconds)
			err := clock.Countdown(ctx, policy.InterIterationDelaySeconds, c.deps.Tick, func(remaining int) {
				c.setLabel(fmt.Sprintf("Next run in %ds", remaining))
			})
			if err != nil {
				logger.Info("Automation stopped during delay", "run", run)
				return batchResult{status: StatusStopped, err: ErrUserCancelled, runsCompleted: completed}
			}
		}
	}

	logger.Info("All runs completed successfully", "runs", policy.IterationCount)
	return batchResult{status: StatusCompleted, runsCompleted: completed}
}

// runOnce executes one run in its own directory with its own log file.
func (c *Controller) runOnce(ctx context.Context, rec Record, cfg Config, settings SharedSettings, run int, batchDir string, logger *slog.Logger) (Outcome, error) {
	runDir := filepath.Join(batchDir, fmt.Sprintf("run_%d", run))
	for _, dir := range []string{runDir, filepath.Join(runDir, "screenshots"), filepath.Join(runDir, "annotated")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return OutcomeFailure, fmt.Errorf("create run directory: %w", err)
		}
	}

	sink, closer, err := logchan.OpenFileSink(filepath.Join(runDir, "automation.log"), c.level.Level())
	if err != nil {
		return OutcomeFailure, err
	}
	defer closer.Close()
	reg := c.deps.Channel.Attach(rec.Name, SinkRun, sink)
	defer reg.Detach()

	runLogger := logger.With("run", run)
	runLogger.Info("Created run directory", "dir", runDir)
	c.publish(eventbus.EventSessionRun, eventbus.RunPayload{Run: run, Total: rec.IterationCount, OutputDir: runDir})

	if rec.LaunchTarget != "" && c.deps.Launcher != nil {
		meta := cfg.GameMetadata()
		launch := LaunchRequest{
			Path:        rec.LaunchTarget,
			ProcessID:   metaString(meta, "process_id"),
			StartupWait: metaInt(meta, "startup_wait", defaultStartupWait),
		}
		runLogger.Info("Launching game", "path", launch.Path, "process_id", launch.ProcessID)
		c.setLabel("Launching game")
		if err := c.deps.Launcher.Launch(ctx, rec.Endpoint, launch); err != nil {
			if ctx.Err() != nil {
				return OutcomeCancelled, ErrUserCancelled
			}
			return OutcomeFailure, fmt.Errorf("%w: %v", ErrEndpointUnreachable, err)
		}

		runLogger.Info("Waiting for game to initialize", "seconds", launch.StartupWait)
		err := clock.Countdown(ctx, launch.StartupWait, c.deps.Tick, func(remaining int) {
			c.setLabel(fmt.Sprintf("Initializing (%ds)", remaining))
		})
		if err != nil {
			runLogger.Info("Automation stopped during initialization")
			return OutcomeCancelled, ErrUserCancelled
		}
	} else {
		runLogger.Info("No launch target, assuming game is already running")
	}

	engine, err := c.deps.Engines.NewEngine(cfg, settings)
	if err != nil {
		return OutcomeFailure, fmt.Errorf("create engine: %w", err)
	}

	outcome, err := c.invoke(ctx, engine, RunRequest{
		Session:  rec.Name,
		Run:      run,
		RunDir:   runDir,
		Endpoint: rec.Endpoint,
		Progress: c.OnStepProgress,
		Logger:   runLogger,
	})
	if outcome != OutcomeSuccess && ctx.Err() != nil {
		return OutcomeCancelled, ErrUserCancelled
	}
	if outcome == OutcomeSuccess {
		runLogger.Info("Run completed successfully")
	}
	return outcome, err
}

// invoke shields the batch from an engine panic.
func (c *Controller) invoke(ctx context.Context, engine Engine, req RunRequest) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			req.Logger.Error("Error in automation execution", "panic", r)
			outcome, err = OutcomeFailure, fmt.Errorf("%w: %v", ErrEngineFault, r)
		}
	}()

	outcome, err = engine.Run(ctx, req)
	switch outcome {
	case OutcomeSuccess, OutcomeFailure, OutcomeCancelled:
	default:
		if err == nil {
			err = fmt.Errorf("engine returned unknown outcome %q", outcome)
		}
		outcome = OutcomeFailure
	}
	return outcome, err
}

// finishBatch applies the batch's terminal status unless an earlier terminal
// write (such as Stop) already happened.
func (c *Controller) finishBatch(res batchResult, logger *slog.Logger) {
	c.mu.Lock()
	if !c.state.Status.IsTerminal() {
		c.setStatusLocked(res.status)
	}
	status := c.state.Status
	if res.err != nil && !errors.Is(res.err, ErrUserCancelled) {
		c.state.LastError = res.err.Error()
	}
	c.state.CurrentStepLabel = ""
	batchID := c.state.BatchID
	c.mu.Unlock()

	logger.Info("Batch finished", "status", status, "runs_completed", res.runsCompleted)
	if c.deps.Repo != nil && batchID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.deps.Repo.Finish(ctx, batchID, status, res.runsCompleted, c.deps.Now()); err != nil {
			logger.Warn("Failed to record batch result", "batch_id", batchID, "error", err)
		}
		cancel()
	}
	if c.deps.Metrics != nil {
		c.deps.Metrics.BatchFinished(string(status))
	}
	payload := eventbus.StatusPayload{Status: string(status), BatchID: batchID}
	if res.err != nil && !errors.Is(res.err, ErrUserCancelled) {
		payload.Reason = res.err.Error()
	}
	c.publish(eventbus.EventSessionStatus, payload)
}

func (c *Controller) recordBatch(batch *Batch, logger *slog.Logger) {
	if c.deps.Repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.deps.Repo.Create(ctx, batch); err != nil {
		logger.Warn("Failed to record batch start", "batch_id", batch.ID, "error", err)
	}
}

// setStatusLocked applies next if the transition table allows it. c.mu must
// be held.
func (c *Controller) setStatusLocked(next SessionStatus) bool {
	cur := c.state.Status
	if !cur.CanTransition(next) {
		c.logger.Warn("Refusing illegal status transition", "from", cur, "to", next)
		return false
	}
	c.state.Status = next
	return true
}

// batchLevel is the shared log_level when set, the process level otherwise.
func (c *Controller) batchLevel(settings SharedSettings) slog.Level {
	if settings.LogLevel == "" {
		return c.deps.LogLevel.Level()
	}
	return config.ParseLevel(settings.LogLevel)
}

func (c *Controller) setLabel(label string) {
	c.mu.Lock()
	c.state.CurrentStepLabel = label
	c.mu.Unlock()
}

func (c *Controller) publish(typ eventbus.EventType, payload any) {
	if c.deps.Bus == nil {
		return
	}
	name := c.Name()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := c.deps.Bus.Publish(ctx, name, eventbus.Event{
		Type:      typ,
		Session:   name,
		Payload:   payload,
		Timestamp: c.deps.Now(),
	})
	if err != nil {
		c.logger.Warn("Failed to publish event", "type", typ, "error", err)
	}
}

func metaString(meta map[string]any, key string) string {
	switch v := meta[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func metaInt(meta map[string]any, key string, def int) int {
	switch v := meta[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
