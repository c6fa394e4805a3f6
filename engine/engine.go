package engine

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/anima/engine/config"
	"github.com/spaghettifunk/anima/engine/core"
	"github.com/spaghettifunk/anima/engine/renderer/framegraph"
	"github.com/spaghettifunk/anima/engine/renderer/vulkan"
)

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine initialization is complete
	EngineStageInitialized
	// Engine is currently running
	EngineStageRunning
	// Engine is in the process of shutting down
	EngineStageShuttingDown
)

func (s Stage) String() string {
	switch s {
	case EngineStageUninitialized:
		return "uninitialized"
	case EngineStageInitialized:
		return "initialized"
	case EngineStageRunning:
		return "running"
	case EngineStageShuttingDown:
		return "shutting down"
	}
	return "unknown"
}

// Engine runs the frame graph planner headlessly, one plan per frame, against
// either a headless resource device or a real Vulkan device.
type Engine struct {
	currentStage Stage
	app          *ApplicationConfig
	hooks        *Hooks
	config       *config.Config

	backend *vulkan.VulkanBackend
	device  framegraph.ResourceDevice
	planner *framegraph.Planner

	clock     *core.Clock
	metrics   *core.FrameMetrics
	telemetry framegraph.FrameTelemetry
	frame     uint64

	mutex   sync.Mutex
	pending *config.Config
}

// New loads the description file named by the application config.
func New(app *ApplicationConfig, hooks *Hooks) (*Engine, error) {
	cfg, err := config.Load(app.GraphPath)
	if err != nil {
		core.LogError(err.Error())
		return nil, err
	}
	return NewWithConfig(app, cfg, hooks), nil
}

func NewWithConfig(app *ApplicationConfig, cfg *config.Config, hooks *Hooks) *Engine {
	if hooks == nil {
		hooks = &Hooks{}
	}
	return &Engine{
		currentStage: EngineStageUninitialized,
		app:          app,
		hooks:        hooks,
		config:       cfg,
		clock:        core.NewClock(),
		metrics:      core.NewFrameMetrics(),
	}
}

func (e *Engine) Initialize() error {
	if e.currentStage != EngineStageUninitialized {
		return errors.Newf("engine cannot initialize from stage %s", e.currentStage)
	}
	e.applyLogLevel(e.config)

	if e.app.Vulkan {
		e.backend = vulkan.New(e.app.Debug)
		if err := e.backend.Initialize(e.app.Name); err != nil {
			e.backend.Shutdown()
			e.backend = nil
			return err
		}
		e.device = e.backend.ResourceDevice()
	} else {
		e.device = framegraph.NewHeadlessDevice()
	}
	e.planner = framegraph.NewPlanner(e.device, e.config.PlannerConfig())

	if e.hooks.FnInitialize != nil {
		if err := e.hooks.FnInitialize(e.config); err != nil {
			return err
		}
	}
	e.currentStage = EngineStageInitialized
	core.LogInfo("engine initialized: %d passes, %d resources, planner %s", len(e.config.Passes), e.config.Registry().Len(), e.planner.ID())
	return nil
}

// Run plans the given number of frames. With frames set to zero it keeps
// going until ctx is done.
func (e *Engine) Run(ctx context.Context, frames int) error {
	if e.currentStage != EngineStageInitialized {
		return errors.Newf("engine cannot run from stage %s", e.currentStage)
	}
	e.currentStage = EngineStageRunning
	defer func() { e.currentStage = EngineStageInitialized }()
	e.clock.Start()

	for n := 0; frames == 0 || n < frames; n++ {
		if ctx.Err() != nil {
			break
		}
		e.clock.Update()
		frameStart := e.clock.Elapsed()

		if err := e.runFrame(); err != nil {
			core.LogError("frame %d failed: %s", e.frame, err)
			return err
		}

		e.clock.Update()
		elapsed := e.clock.Elapsed() - frameStart
		e.metrics.Update(elapsed)

		if remaining := e.app.FrameTarget - elapsed; remaining > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(remaining):
			}
		}
	}

	if err := e.readback(); err != nil {
		return err
	}
	stats := e.planner.Stats()
	core.LogInfo("planned %d frames in %s (%.3f ms avg): %d cache hits, %d rebuilds, %d skipped",
		stats.Frames, e.clock.Elapsed(), e.metrics.FrameTime(), stats.CacheHits, stats.Rebuilds, stats.SkippedFrame)
	return nil
}

func (e *Engine) runFrame() error {
	e.applyPending()
	e.frame++

	plan, err := e.planner.PrepareFrame(framegraph.FrameInput{
		Passes:       e.config.RenderPasses(),
		Registry:     e.config.Registry(),
		Viewport:     e.config.ViewportExtent(),
		Families:     e.queueFamilies(),
		Mode:         e.config.Preference(),
		UseSyncGraph: e.app.SyncGraph || e.config.SyncGraph,
		Telemetry:    e.telemetry,
		FrameDelta:   e.metrics.LastDelta,
	})
	if errors.Is(err, core.ErrDegenerateViewport) {
		core.LogWarn("frame %d skipped: %s", e.frame, err)
		return nil
	}
	if err != nil {
		return err
	}

	logPlan(e.frame, plan)
	if e.backend != nil {
		if err := e.submitBarriers(plan); err != nil {
			return err
		}
	}
	e.telemetry = plan.Barriers.Telemetry()

	if e.hooks.FnFramePlanned != nil {
		return e.hooks.FnFramePlanned(e.frame, plan)
	}
	return nil
}

func (e *Engine) queueFamilies() framegraph.QueueFamilies {
	if e.backend != nil {
		return e.backend.QueueFamilies()
	}
	return e.config.QueueFamilies()
}

func logPlan(frame uint64, plan *framegraph.FramePlan) {
	if plan.CacheHit {
		core.LogDebug("frame %d: cached plan, mode %s", frame, plan.Mode)
		return
	}
	t := plan.Barriers.Telemetry()
	core.LogInfo("frame %d: mode %s, %d ownership transfers, %d stage flushes", frame, plan.Mode, t.QueueOwnershipTransferCount, t.BarrierStageFlushCount)
	for _, index := range plan.Graph.Order {
		images := plan.Barriers.GetBarriersForPass(index)
		buffers := plan.Barriers.GetBufferBarriersForPass(index)
		if len(images)+len(buffers) == 0 {
			continue
		}
		name := ""
		if p, ok := plan.Graph.Pass(index); ok {
			name = p.Name
		}
		core.LogInfo("  pass %d '%s': %d image, %d buffer barriers", index, name, len(images), len(buffers))
		for _, b := range images {
			core.LogDebug("    %s", b)
		}
		for _, b := range buffers {
			core.LogDebug("    %s", b)
		}
	}
}

// recordingFamilies lists the queue families that record barriers for a pass,
// in the order their first barrier appears. Releases precede acquires in the
// plan, so this is also a valid submission order.
func recordingFamilies(plan *framegraph.BarrierPlan, passIndex int) []uint32 {
	var families []uint32
	seen := make(map[uint32]bool)
	add := func(f uint32) {
		if !seen[f] {
			seen[f] = true
			families = append(families, f)
		}
	}
	for _, b := range plan.GetBarriersForPass(passIndex) {
		add(b.RecordOn)
	}
	for _, b := range plan.GetBufferBarriersForPass(passIndex) {
		add(b.RecordOn)
	}
	return families
}

// submitBarriers records and submits the barriers of every pass, one single
// use command buffer per pass and queue family.
func (e *Engine) submitBarriers(plan *framegraph.FramePlan) error {
	vc := e.backend.Context()
	groups := e.planner.Allocator()
	for _, index := range plan.Graph.Order {
		for _, family := range recordingFamilies(plan.Barriers, index) {
			cb, err := vulkan.AllocateAndBeginSingleUse(vc, family)
			if err != nil {
				return errors.Wrapf(err, "pass %d", index)
			}
			_, recErr := cb.RecordPassBarriers(plan.Barriers, index, groups)
			if err := cb.EndSingleUse(vc); err != nil {
				return errors.Wrapf(err, "pass %d on family %d", index, family)
			}
			if recErr != nil {
				return errors.Wrapf(recErr, "pass %d", index)
			}
		}
	}
	return nil
}

// readback moves the requested resources into TransferSrcOptimal. On the
// headless device only the tracked layout changes.
func (e *Engine) readback() error {
	allocator := e.planner.Allocator()
	for _, name := range e.app.Readback {
		if e.backend != nil {
			if err := vulkan.TransitionForReadback(e.backend.Context(), allocator, name); err != nil {
				return err
			}
			core.LogInfo("'%s' ready for readback", name)
			continue
		}
		g, ok := allocator.TryGetPhysicalGroupForResource(name)
		if !ok {
			return errors.Wrapf(core.ErrUnknownResource, "readback of '%s'", name)
		}
		b, needed := vulkan.ReadbackBarrier(g, e.queueFamilies().Graphics)
		if !needed {
			continue
		}
		core.LogInfo("readback of '%s': %s", name, b)
		if err := allocator.SetLastKnownLayout(name, b.Next.Layout); err != nil {
			return err
		}
	}
	return nil
}

// Reload queues a new description. It is applied at the start of the next
// frame and is safe to call from another goroutine.
func (e *Engine) Reload(cfg *config.Config) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.pending = cfg
}

// Watch reloads the description file on every change until ctx is done.
func (e *Engine) Watch(ctx context.Context) error {
	return config.Watch(ctx, e.app.GraphPath, func(cfg *config.Config, err error) {
		if err != nil {
			core.LogError("reload of %s failed, keeping the previous graph: %s", e.app.GraphPath, err)
			return
		}
		e.Reload(cfg)
	})
}

func (e *Engine) applyPending() {
	e.mutex.Lock()
	cfg := e.pending
	e.pending = nil
	e.mutex.Unlock()
	if cfg == nil {
		return
	}

	old := e.config.PlannerConfig()
	e.config = cfg
	e.applyLogLevel(cfg)
	next := cfg.PlannerConfig()
	if old.Tuning != next.Tuning || old.Compile != next.Compile {
		// tuning lives in the heuristic, which only a new planner picks up
		e.planner.Shutdown()
		e.planner = framegraph.NewPlanner(e.device, next)
		e.telemetry = framegraph.FrameTelemetry{}
		core.LogInfo("planner settings changed, new planner %s", e.planner.ID())
	}
	core.LogInfo("frame graph reloaded: %d passes, %d resources", len(cfg.Passes), cfg.Registry().Len())

	if e.hooks.FnReload != nil {
		if err := e.hooks.FnReload(cfg); err != nil {
			core.LogError(err.Error())
		}
	}
}

func (e *Engine) applyLogLevel(cfg *config.Config) {
	if e.app.LogLevel != "" {
		core.SetLogLevel(e.app.LogLevel)
		return
	}
	core.SetLogLevel(cfg.LogLevel)
}

func (e *Engine) Shutdown() error {
	if e.currentStage == EngineStageUninitialized || e.currentStage == EngineStageShuttingDown {
		return nil
	}
	e.currentStage = EngineStageShuttingDown

	var err error
	if e.hooks.FnShutdown != nil {
		err = e.hooks.FnShutdown()
	}
	e.planner.Shutdown()
	if e.backend != nil {
		e.backend.Shutdown()
		e.backend = nil
	}
	e.currentStage = EngineStageUninitialized
	return err
}

func (e *Engine) Stage() Stage {
	return e.currentStage
}

func (e *Engine) Planner() *framegraph.Planner {
	return e.planner
}

func (e *Engine) Metrics() *core.FrameMetrics {
	return e.metrics
}

func (e *Engine) Config() *config.Config {
	return e.config
}
