package framegraph

import (
	"fmt"
	"sort"

	vk "github.com/goki/vulkan"
	"github.com/google/uuid"
	"github.com/spaghettifunk/anima/engine/renderer/metadata"
)

// OwnershipTransfer tags the two halves of a queue family ownership transfer.
type OwnershipTransfer uint8

const (
	OwnershipNone OwnershipTransfer = iota
	OwnershipRelease
	OwnershipAcquire
)

func (o OwnershipTransfer) String() string {
	switch o {
	case OwnershipRelease:
		return "release"
	case OwnershipAcquire:
		return "acquire"
	}
	return "none"
}

// PlannedImageBarrier is one image transition recorded before a pass.
type PlannedImageBarrier struct {
	PassIndex    int
	ResourceName string
	GroupID      uuid.UUID
	Format       vk.Format
	Previous     ImageState
	Next         ImageState

	SrcQueueFamily uint32
	DstQueueFamily uint32
	Ownership      OwnershipTransfer
	// RecordOn is the queue family whose command buffer records the barrier.
	RecordOn uint32
}

func (b PlannedImageBarrier) String() string {
	return fmt.Sprintf("pass %d image %s: %s -> %s (%s)", b.PassIndex, b.ResourceName, LayoutName(b.Previous.Layout), LayoutName(b.Next.Layout), b.Ownership)
}

// PlannedBufferBarrier is one buffer dependency recorded before a pass.
type PlannedBufferBarrier struct {
	PassIndex    int
	ResourceName string
	Previous     BufferState
	Next         BufferState

	SrcQueueFamily uint32
	DstQueueFamily uint32
	Ownership      OwnershipTransfer
	RecordOn       uint32
}

func (b PlannedBufferBarrier) String() string {
	return fmt.Sprintf("pass %d buffer %s: %s -> %s (%s)", b.PassIndex, b.ResourceName, b.Previous, b.Next, b.Ownership)
}

// GroupResolver finds the physical group of a logical resource.
// *ResourceAllocator implements it.
type GroupResolver interface {
	TryGetPhysicalGroupForResource(name string) (*PhysicalGroup, bool)
}

// BarrierPlanInput is everything the barrier planner reads.
type BarrierPlanInput struct {
	Passes   []metadata.RenderPassMetadata
	Resolver GroupResolver
	// Order is the execution order. When nil it is computed from dependencies.
	Order  []int
	Queues QueueOwnershipConfig
}

// BarrierPlan is the immutable result of planning one frame.
type BarrierPlan struct {
	images  []PlannedImageBarrier
	buffers []PlannedBufferBarrier

	imagesByPass  map[int][]PlannedImageBarrier
	buffersByPass map[int][]PlannedBufferBarrier

	telemetry   FrameTelemetry
	unresolved  []string
	finalLayout map[uuid.UUID]vk.ImageLayout
}

func (p *BarrierPlan) GetBarriersForPass(passIndex int) []PlannedImageBarrier {
	return p.imagesByPass[passIndex]
}

func (p *BarrierPlan) GetBufferBarriersForPass(passIndex int) []PlannedBufferBarrier {
	return p.buffersByPass[passIndex]
}

// ImageBarriers returns every image barrier in execution order.
func (p *BarrierPlan) ImageBarriers() []PlannedImageBarrier {
	return p.images
}

func (p *BarrierPlan) BufferBarriers() []PlannedBufferBarrier {
	return p.buffers
}

func (p *BarrierPlan) Telemetry() FrameTelemetry {
	return p.telemetry
}

// Unresolved lists the resources skipped because no compatible group exists.
func (p *BarrierPlan) Unresolved() []string {
	return p.unresolved
}

// FinalGroupLayouts is the layout each image group is left in after the frame.
func (p *BarrierPlan) FinalGroupLayouts() map[uuid.UUID]vk.ImageLayout {
	out := make(map[uuid.UUID]vk.ImageLayout, len(p.finalLayout))
	for k, v := range p.finalLayout {
		out[k] = v
	}
	return out
}

// PlanBarriers derives barriers from usages alone. Every pass runs on the
// graphics family, so no ownership transfer is ever planned.
func PlanBarriers(in BarrierPlanInput, prior StateSnapshot) (*BarrierPlan, StateSnapshot) {
	in.Queues = DefaultQueueOwnership(in.Queues.GraphicsFamily)
	order := in.Order
	if order == nil {
		order, _ = TopologicalOrder(in.Passes)
	}
	return newBarrierBuilder(in, nil, prior).run(order)
}

// PlanBarriersWithSyncGraph uses the compiled edges for stage and access
// precision, skips dependency-only edges and plans ownership transfers when
// the queue assignment is not the default one.
func PlanBarriersWithSyncGraph(in BarrierPlanInput, graph *CompiledGraph, prior StateSnapshot) (*BarrierPlan, StateSnapshot) {
	return newBarrierBuilder(in, graph, prior).run(graph.Order)
}

type barrierBuilder struct {
	in     BarrierPlanInput
	graph  *CompiledGraph
	state  *snapshotBuilder
	passes map[int]*metadata.RenderPassMetadata
	plan   *BarrierPlan
	missed map[string]bool
}

func newBarrierBuilder(in BarrierPlanInput, graph *CompiledGraph, prior StateSnapshot) *barrierBuilder {
	b := &barrierBuilder{
		in:     in,
		graph:  graph,
		state:  prior.builder(),
		passes: make(map[int]*metadata.RenderPassMetadata, len(in.Passes)),
		missed: make(map[string]bool),
		plan: &BarrierPlan{
			imagesByPass:  make(map[int][]PlannedImageBarrier),
			buffersByPass: make(map[int][]PlannedBufferBarrier),
			finalLayout:   make(map[uuid.UUID]vk.ImageLayout),
		},
	}
	for i := range in.Passes {
		if _, dup := b.passes[in.Passes[i].PassIndex]; !dup {
			b.passes[in.Passes[i].PassIndex] = &in.Passes[i]
		}
	}
	return b
}

func (b *barrierBuilder) transfersOwnership() bool {
	return b.graph != nil && !b.in.Queues.IsDefault()
}

func (b *barrierBuilder) run(order []int) (*BarrierPlan, StateSnapshot) {
	for _, idx := range order {
		p, ok := b.passes[idx]
		if !ok {
			continue
		}
		family := b.in.Queues.FamilyForStage(p.Stage)
		for _, u := range effectiveUsages(p) {
			key := metadata.NormalizeResourceName(u.ResourceName)
			g, ok := b.in.Resolver.TryGetPhysicalGroupForResource(key)
			if !ok || g.IsImage() != u.Role.IsImage() {
				b.missed[key] = true
				continue
			}
			switch r := u.Role.(type) {
			case metadata.ImageRole:
				b.planImage(p, u, r, key, g, family)
			case metadata.BufferRole:
				b.planBuffer(p, u, r, key, family)
			}
			b.state.setOwner(key, family)
		}
	}
	b.plan.unresolved = sortedKeys(b.missed)
	return b.plan, b.state.snapshot()
}

// edge returns the compiled edge for the usage when planning with a graph.
func (b *barrierBuilder) edge(key string, pass int) (SyncEdge, bool) {
	if b.graph == nil {
		return SyncEdge{}, false
	}
	return b.graph.EdgeFor(key, pass)
}

// ownershipChange returns the family that must release the resource, if any.
func (b *barrierBuilder) ownershipChange(key string, family uint32, hadState bool) (uint32, bool) {
	if !b.transfersOwnership() || !hadState {
		return 0, false
	}
	owner, ok := b.state.owner(key)
	if !ok || owner == family {
		return 0, false
	}
	return owner, true
}

func (b *barrierBuilder) planImage(p *metadata.RenderPassMetadata, u metadata.ResourceUsage, role metadata.ImageRole, key string, g *PhysicalGroup, family uint32) {
	aspect := AspectForUsage(g.Format, role)
	next := DeriveImageState(u, role, g.Format, p.Stage)
	next.Aspect = aspect

	prev, hadState := b.state.image(key)
	if !hadState {
		prev = InitialImageState(aspect)
	}
	dependencyOnly := false
	if e, ok := b.edge(key, p.PassIndex); ok {
		next = e.Consumer.imageState(aspect)
		dependencyOnly = e.DependencyOnly
	}

	barrier := PlannedImageBarrier{
		PassIndex:      p.PassIndex,
		ResourceName:   key,
		GroupID:        g.ID,
		Format:         g.Format,
		Previous:       prev,
		Next:           next,
		SrcQueueFamily: QueueFamilyIgnored,
		DstQueueFamily: QueueFamilyIgnored,
		RecordOn:       family,
	}
	if owner, ok := b.ownershipChange(key, family, hadState); ok {
		release := barrier
		release.Next = ImageState{Layout: next.Layout, Stages: stageFlags(vk.PipelineStageBottomOfPipeBit), Aspect: aspect}
		release.SrcQueueFamily, release.DstQueueFamily = owner, family
		release.Ownership = OwnershipRelease
		release.RecordOn = owner

		acquire := barrier
		acquire.Previous = ImageState{Layout: prev.Layout, Stages: stageFlags(vk.PipelineStageTopOfPipeBit), Aspect: aspect}
		acquire.SrcQueueFamily, acquire.DstQueueFamily = owner, family
		acquire.Ownership = OwnershipAcquire

		b.addImage(release)
		b.addImage(acquire)
		b.plan.telemetry.QueueOwnershipTransferCount++
	} else if !dependencyOnly && prev != next {
		b.addImage(barrier)
	}
	b.state.setImage(key, next)
	b.plan.finalLayout[g.ID] = next.Layout
}

func (b *barrierBuilder) planBuffer(p *metadata.RenderPassMetadata, u metadata.ResourceUsage, role metadata.BufferRole, key string, family uint32) {
	next := DeriveBufferState(u, role, p.Stage)
	prev, hadState := b.state.buffer(key)
	if !hadState {
		prev = InitialBufferState()
	}
	dependencyOnly := false
	if e, ok := b.edge(key, p.PassIndex); ok {
		next = e.Consumer.bufferState()
		dependencyOnly = e.DependencyOnly
	}

	barrier := PlannedBufferBarrier{
		PassIndex:      p.PassIndex,
		ResourceName:   key,
		Previous:       prev,
		Next:           next,
		SrcQueueFamily: QueueFamilyIgnored,
		DstQueueFamily: QueueFamilyIgnored,
		RecordOn:       family,
	}
	if owner, ok := b.ownershipChange(key, family, hadState); ok {
		release := barrier
		release.Next = BufferState{Stages: stageFlags(vk.PipelineStageBottomOfPipeBit)}
		release.SrcQueueFamily, release.DstQueueFamily = owner, family
		release.Ownership = OwnershipRelease
		release.RecordOn = owner

		acquire := barrier
		acquire.Previous = BufferState{Stages: stageFlags(vk.PipelineStageTopOfPipeBit)}
		acquire.SrcQueueFamily, acquire.DstQueueFamily = owner, family
		acquire.Ownership = OwnershipAcquire

		b.addBuffer(release)
		b.addBuffer(acquire)
		b.plan.telemetry.QueueOwnershipTransferCount++
	} else if !dependencyOnly && prev != next {
		b.addBuffer(barrier)
	}
	b.state.setBuffer(key, next)
}

func (b *barrierBuilder) addImage(barrier PlannedImageBarrier) {
	if barrier.Ownership != OwnershipAcquire && hasWriteAccess(barrier.Previous.Access) {
		b.plan.telemetry.BarrierStageFlushCount++
	}
	b.plan.images = append(b.plan.images, barrier)
	b.plan.imagesByPass[barrier.PassIndex] = append(b.plan.imagesByPass[barrier.PassIndex], barrier)
}

func (b *barrierBuilder) addBuffer(barrier PlannedBufferBarrier) {
	if barrier.Ownership != OwnershipAcquire && hasWriteAccess(barrier.Previous.Access) {
		b.plan.telemetry.BarrierStageFlushCount++
	}
	b.plan.buffers = append(b.plan.buffers, barrier)
	b.plan.buffersByPass[barrier.PassIndex] = append(b.plan.buffersByPass[barrier.PassIndex], barrier)
}

// PassesWithBarriers returns the pass indices that carry at least one barrier, sorted.
func (p *BarrierPlan) PassesWithBarriers() []int {
	seen := make(map[int]struct{})
	for k := range p.imagesByPass {
		seen[k] = struct{}{}
	}
	for k := range p.buffersByPass {
		seen[k] = struct{}{}
	}
	out := make([]int, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
