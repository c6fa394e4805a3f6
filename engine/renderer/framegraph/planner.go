package framegraph

import (
	"time"

	"github.com/charmbracelet/log"
	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"
	"github.com/google/uuid"
	"github.com/spaghettifunk/anima/engine/core"
	"github.com/spaghettifunk/anima/engine/renderer/metadata"
)

type PlannerConfig struct {
	Tuning  HeuristicTuning
	Compile CompileOptions
	// Logger defaults to a child of the engine logger.
	Logger *log.Logger
}

func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{Tuning: DefaultHeuristicTuning()}
}

// FrameInput is what the renderer hands the planner every frame.
type FrameInput struct {
	Passes   []metadata.RenderPassMetadata
	Registry DescriptorSource
	Viewport Extent
	Families QueueFamilies
	Mode     QueueOwnershipPreference
	// UseSyncGraph selects edge-based planning over usage-only planning.
	UseSyncGraph bool
	// Telemetry of the previous submission. A zero value reuses the counts of
	// the last plan.
	Telemetry  FrameTelemetry
	FrameDelta time.Duration
}

// FramePlan is the result of PrepareFrame.
type FramePlan struct {
	Barriers *BarrierPlan
	Graph    *CompiledGraph
	Mode     QueueOwnershipMode
	Queues   QueueOwnershipConfig
	Key      PlanCacheKey
	CacheHit bool
	// Final is the resource state after the frame.
	Final StateSnapshot
}

type PlannerStats struct {
	Frames       uint64
	CacheHits    uint64
	CacheMisses  uint64
	Compiles     uint64
	Rebuilds     uint64
	SkippedFrame uint64
}

// Planner ties the compiler, allocator, barrier planner and queue heuristic
// together behind one per-frame call.
type Planner struct {
	id     uuid.UUID
	logger *log.Logger

	compiler  *RenderGraphCompiler
	resources *ResourcePlanner
	allocator *ResourceAllocator
	heuristic *QueueOwnershipHeuristic

	graph     *CompiledGraph
	graphHash uint64
	viewport  Extent
	built     bool

	cached *FramePlan
	stats  PlannerStats
}

func NewPlanner(device ResourceDevice, cfg PlannerConfig) *Planner {
	id := uuid.New()
	logger := cfg.Logger
	if logger == nil {
		logger = core.NewLogger("FrameGraph " + id.String()[:8] + " ")
	}
	return &Planner{
		id:        id,
		logger:    logger,
		compiler:  NewRenderGraphCompiler(cfg.Compile),
		resources: NewResourcePlanner(),
		allocator: NewResourceAllocator(device),
		heuristic: NewQueueOwnershipHeuristic(cfg.Tuning),
	}
}

func (p *Planner) ID() uuid.UUID {
	return p.id
}

func (p *Planner) Allocator() *ResourceAllocator {
	return p.allocator
}

func (p *Planner) Heuristic() *QueueOwnershipHeuristic {
	return p.heuristic
}

func (p *Planner) Stats() PlannerStats {
	return p.stats
}

// PrepareFrame returns the plan for the frame, reusing the previous one when
// nothing it depends on changed.
func (p *Planner) PrepareFrame(in FrameInput) (*FramePlan, error) {
	if in.Viewport.IsDegenerate() {
		p.stats.SkippedFrame++
		return nil, errors.Wrapf(core.ErrDegenerateViewport, "%dx%d", in.Viewport.Width, in.Viewport.Height)
	}
	p.stats.Frames++

	telemetry := in.Telemetry
	if telemetry == (FrameTelemetry{}) && p.cached != nil {
		telemetry = p.cached.Barriers.Telemetry()
	}
	metrics := CollectWorkloadMetrics(in.Passes, telemetry, in.FrameDelta)
	mode, queues := p.heuristic.Evaluate(in.Mode, in.Families, metrics)
	if !in.UseSyncGraph {
		queues = DefaultQueueOwnership(in.Families.Graphics)
	}

	passHash := HashPasses(in.Passes)
	if p.graph == nil || passHash != p.graphHash {
		g, err := p.compiler.Compile(in.Passes)
		if err != nil {
			return nil, err
		}
		p.graph = g
		p.graphHash = passHash
		p.stats.Compiles++
	}
	registryChanged := p.resources.Sync(in.Registry)
	prior, priorHash := p.persistentPrior()

	key := PlanCacheKey{
		Registry:      p.resources.Hash(),
		Passes:        passHash,
		Viewport:      in.Viewport,
		Queues:        queues,
		UsesSyncGraph: in.UseSyncGraph,
		Prior:         priorHash,
	}
	if in.UseSyncGraph {
		key.SyncGraph = p.graph.Hash()
	}
	if p.cached != nil && p.cached.Key == key {
		p.stats.CacheHits++
		hit := *p.cached
		hit.CacheHit = true
		hit.Mode = mode
		return &hit, nil
	}
	p.stats.CacheMisses++

	rebuild := !p.built || registryChanged || in.Viewport != p.viewport ||
		p.cached == nil || p.cached.Key.Passes != passHash
	if rebuild {
		if err := p.rebuild(in); err != nil {
			return nil, err
		}
		prior, key.Prior = p.persistentPrior()
	}

	input := BarrierPlanInput{
		Passes:   in.Passes,
		Resolver: p.allocator,
		Order:    p.graph.Order,
		Queues:   queues,
	}
	var (
		plan  *BarrierPlan
		final StateSnapshot
	)
	if in.UseSyncGraph {
		plan, final = PlanBarriersWithSyncGraph(input, p.graph, prior)
	} else {
		plan, final = PlanBarriers(input, prior)
	}
	p.allocator.CommitImageStates(plan.FinalGroupLayouts())
	for _, name := range plan.Unresolved() {
		p.logger.Debugf("resource '%s' has no compatible physical group, skipped", name)
	}

	p.cached = &FramePlan{
		Barriers: plan,
		Graph:    p.graph,
		Mode:     mode,
		Queues:   queues,
		Key:      key,
		Final:    final,
	}
	p.logger.Debugf("frame plan: %d image and %d buffer barriers, mode %s", len(plan.ImageBarriers()), len(plan.BufferBarriers()), mode)
	out := *p.cached
	return &out, nil
}

// persistentPrior is the starting state of a plan: persistent images with a
// live object continue from their last known layout and from the queue family
// that used them last. Everything else starts undefined.
func (p *Planner) persistentPrior() (StateSnapshot, uint64) {
	b := EmptySnapshot().builder()
	h := newHasher()
	for _, g := range p.allocator.Groups() {
		if !g.IsImage() || g.Lifetime != metadata.ResourceLifetimePersistent ||
			g.image == nil || g.LastKnownLayout == vk.ImageLayoutUndefined {
			continue
		}
		for _, name := range g.Members {
			b.setImage(name, ImageState{
				Layout: g.LastKnownLayout,
				Stages: stageFlags(vk.PipelineStageAllCommandsBit),
				Aspect: AspectForUsage(g.Format, metadata.ImageRoleSampledTexture),
			})
			h.writeString(name)
			h.writeUint64(uint64(g.LastKnownLayout))
			if p.cached == nil {
				continue
			}
			if owner, ok := p.cached.Final.Owner(name); ok {
				b.setOwner(name, owner)
				h.writeUint64(uint64(owner) + 1)
			}
		}
	}
	return b.snapshot(), h.sum()
}

func (p *Planner) rebuild(in FrameInput) error {
	p.allocator.DestroyPhysicalImages()
	p.allocator.DestroyPhysicalBuffers()
	if err := p.allocator.UpdatePlan(p.resources.Plan(in.Viewport)); err != nil {
		return err
	}
	if err := p.allocator.RebuildPhysicalPlan(in.Passes, p.graph.Order); err != nil {
		return err
	}
	if err := p.allocator.AllocatePhysicalImages(); err != nil {
		p.built = false
		return err
	}
	if err := p.allocator.AllocatePhysicalBuffers(); err != nil {
		p.built = false
		return err
	}
	p.viewport = in.Viewport
	p.built = true
	p.stats.Rebuilds++
	p.logger.Infof("physical resources rebuilt for %dx%d: %d groups", in.Viewport.Width, in.Viewport.Height, len(p.allocator.Groups()))
	return nil
}

// GetBarriersForPass returns the image barriers of the last prepared frame.
func (p *Planner) GetBarriersForPass(passIndex int) []PlannedImageBarrier {
	if p.cached == nil {
		return nil
	}
	return p.cached.Barriers.GetBarriersForPass(passIndex)
}

func (p *Planner) GetBufferBarriersForPass(passIndex int) []PlannedBufferBarrier {
	if p.cached == nil {
		return nil
	}
	return p.cached.Barriers.GetBufferBarriersForPass(passIndex)
}

// Shutdown releases every physical object and forgets the cached plan.
func (p *Planner) Shutdown() {
	p.allocator.DestroyPhysicalImages()
	p.allocator.DestroyPhysicalBuffers()
	p.cached = nil
	p.graph = nil
	p.built = false
	p.logger.Info("planner shut down")
}
