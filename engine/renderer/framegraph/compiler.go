package framegraph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima/engine/core"
	"github.com/spaghettifunk/anima/engine/renderer/metadata"
)

// SyncEdge is an ordered producer -> consumer relation on one resource.
// Edges with an empty Resource come from explicit dependencies that share no data.
type SyncEdge struct {
	Resource string
	// ProducerPass is -1 when the consumer is the first user in the frame.
	ProducerPass int
	ConsumerPass int
	Producer     SyncPoint
	Consumer     SyncPoint
	// DependencyOnly edges order passes but never produce a barrier.
	DependencyOnly bool
}

// PassBatch is a run of passes that can share one native render pass.
type PassBatch struct {
	Passes []int
	Stage  metadata.PassStage
	// Attachments is the shared attachment signature; empty for non-graphics batches.
	Attachments string
}

type CompileOptions struct {
	// StrictCycles turns a dependency cycle between passes that exchange written
	// data into a compile error instead of a fallback ordering.
	StrictCycles bool
}

type edgeKey struct {
	resource string
	consumer int
}

// CompiledGraph is the synchronization graph for one set of passes.
type CompiledGraph struct {
	Order       []int
	Batches     []PassBatch
	Edges       []SyncEdge
	Diagnostics []Diagnostic

	position map[int]int
	passes   map[int]metadata.RenderPassMetadata
	byEdge   map[edgeKey]int
	hash     uint64
}

// RenderGraphCompiler turns pass metadata into a CompiledGraph.
type RenderGraphCompiler struct {
	options CompileOptions
}

func NewRenderGraphCompiler(options CompileOptions) *RenderGraphCompiler {
	return &RenderGraphCompiler{options: options}
}

// Compile orders the passes, derives every producer/consumer edge and groups
// compatible graphics passes into batches.
func (c *RenderGraphCompiler) Compile(passes []metadata.RenderPassMetadata) (*CompiledGraph, error) {
	ps, diags := newPassSet(passes)
	order, more := ps.topologicalOrder()
	diags = append(diags, more...)

	if cyc := ps.resourceCycles(order, more); len(cyc) > 0 {
		if c.options.StrictCycles {
			return nil, errors.Wrapf(core.ErrDependencyCycle, "passes %v exchange data inside a dependency cycle", cyc)
		}
		for _, idx := range cyc {
			diags = append(diags, Diagnostic{
				Kind:      DiagnosticResourceCycle,
				PassIndex: idx,
				Detail:    "writes data consumed inside its own dependency cycle",
			})
		}
	}

	g := &CompiledGraph{
		Order:       order,
		Diagnostics: diags,
		position:    make(map[int]int, len(order)),
		passes:      make(map[int]metadata.RenderPassMetadata, len(order)),
		byEdge:      make(map[edgeKey]int),
	}
	for i, idx := range order {
		g.position[idx] = i
		g.passes[idx] = *ps.byIndex[idx]
	}
	g.buildEdges(ps)
	g.buildBatches()
	g.hash = g.computeHash()

	for _, d := range g.Diagnostics {
		core.LogWarn("render graph: %s", d)
	}
	return g, nil
}

// resourceCycles returns the fallback-placed passes that depend on another
// fallback-placed pass they exchange written data with.
func (ps *passSet) resourceCycles(order []int, diags []Diagnostic) []int {
	unplaced := make(map[int]bool)
	for _, d := range diags {
		if d.Kind == DiagnosticCycleFallback {
			unplaced[d.PassIndex] = true
		}
	}
	if len(unplaced) == 0 {
		return nil
	}
	var out []int
	for _, idx := range order {
		if !unplaced[idx] {
			continue
		}
		p := ps.byIndex[idx]
		for _, dep := range ps.dependencies(p) {
			if unplaced[dep] && sharesWrittenResource(p, ps.byIndex[dep]) {
				out = append(out, idx)
				break
			}
		}
	}
	return out
}

func sharesWrittenResource(a, b *metadata.RenderPassMetadata) bool {
	written := func(p *metadata.RenderPassMetadata) map[string]bool {
		m := make(map[string]bool)
		for _, u := range effectiveUsages(p) {
			m[metadata.NormalizeResourceName(u.ResourceName)] = m[metadata.NormalizeResourceName(u.ResourceName)] || u.Access.Writes()
		}
		return m
	}
	wa, wb := written(a), written(b)
	for name, aw := range wa {
		if bw, ok := wb[name]; ok && (aw || bw) {
			return true
		}
	}
	return false
}

type exitPoint struct {
	pass  int
	point SyncPoint
}

func (g *CompiledGraph) buildEdges(ps *passSet) {
	last := make(map[string]exitPoint)
	for _, idx := range g.Order {
		p := ps.byIndex[idx]
		producers := make(map[int]bool)
		for _, u := range effectiveUsages(p) {
			key := metadata.NormalizeResourceName(u.ResourceName)
			consumer := deriveSyncPoint(u, p.Stage)
			edge := SyncEdge{
				Resource:     key,
				ProducerPass: -1,
				ConsumerPass: idx,
				Producer:     initialSyncPoint(u.Role.IsImage()),
				Consumer:     consumer,
			}
			if prev, ok := last[key]; ok {
				edge.ProducerPass = prev.pass
				edge.Producer = prev.point
				// a read in stages the previous read did not cover still has to
				// wait for the last write
				edge.DependencyOnly = prev.point.readOnly() && consumer.readOnly() &&
					prev.point.HasLayout == consumer.HasLayout && prev.point.Layout == consumer.Layout &&
					consumer.Stages&^prev.point.Stages == 0
				producers[prev.pass] = true
			}
			g.byEdge[edgeKey{resource: key, consumer: idx}] = len(g.Edges)
			g.Edges = append(g.Edges, edge)
			last[key] = exitPoint{pass: idx, point: consumer}
		}
		for _, dep := range ps.dependencies(p) {
			if producers[dep] {
				continue
			}
			g.Edges = append(g.Edges, SyncEdge{
				ProducerPass:   dep,
				ConsumerPass:   idx,
				Producer:       SyncPoint{Stages: executionStages(ps.byIndex[dep].Stage)},
				Consumer:       SyncPoint{Stages: executionStages(p.Stage)},
				DependencyOnly: true,
			})
		}
	}
}

func executionStages(stage metadata.PassStage) vk.PipelineStageFlags {
	switch stage {
	case metadata.PassStageCompute:
		return stageFlags(vk.PipelineStageComputeShaderBit)
	case metadata.PassStageTransfer:
		return stageFlags(vk.PipelineStageTransferBit)
	}
	return stageFlags(vk.PipelineStageAllGraphicsBit)
}

// attachmentSignature lists the attachments a graphics pass renders into.
func attachmentSignature(p metadata.RenderPassMetadata) string {
	var parts []string
	for _, u := range effectiveUsages(&p) {
		if r, ok := u.Role.(metadata.ImageRole); ok && r.IsAttachment() {
			parts = append(parts, metadata.NormalizeResourceName(u.ResourceName)+":"+r.String())
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, "|")
}

func (g *CompiledGraph) buildBatches() {
	for _, idx := range g.Order {
		p := g.passes[idx]
		sig := ""
		if p.Stage == metadata.PassStageGraphics {
			sig = attachmentSignature(p)
		}
		if n := len(g.Batches); n > 0 && sig != "" {
			cur := &g.Batches[n-1]
			if cur.Stage == metadata.PassStageGraphics && cur.Attachments == sig {
				cur.Passes = append(cur.Passes, idx)
				continue
			}
		}
		g.Batches = append(g.Batches, PassBatch{Passes: []int{idx}, Stage: p.Stage, Attachments: sig})
	}
}

// EdgeFor returns the resource edge whose consumer is the given pass.
func (g *CompiledGraph) EdgeFor(resource string, consumer int) (SyncEdge, bool) {
	i, ok := g.byEdge[edgeKey{resource: metadata.NormalizeResourceName(resource), consumer: consumer}]
	if !ok {
		return SyncEdge{}, false
	}
	return g.Edges[i], true
}

func (g *CompiledGraph) Pass(index int) (metadata.RenderPassMetadata, bool) {
	p, ok := g.passes[index]
	return p, ok
}

// Position returns where the pass sits in the execution order, or -1.
func (g *CompiledGraph) Position(index int) int {
	if pos, ok := g.position[index]; ok {
		return pos
	}
	return -1
}

// Hash is a stable fingerprint of order, batches and edges.
func (g *CompiledGraph) Hash() uint64 {
	return g.hash
}

func (g *CompiledGraph) computeHash() uint64 {
	h := newHasher()
	h.writeInt(len(g.Order))
	for _, idx := range g.Order {
		h.writeInt(idx)
	}
	h.writeInt(len(g.Batches))
	for _, b := range g.Batches {
		h.writeInt(len(b.Passes))
		for _, idx := range b.Passes {
			h.writeInt(idx)
		}
		h.writeString(b.Attachments)
	}
	h.writeInt(len(g.Edges))
	for _, e := range g.Edges {
		h.writeString(e.Resource)
		h.writeInt(e.ProducerPass)
		h.writeInt(e.ConsumerPass)
		h.writeSyncPoint(e.Producer)
		h.writeSyncPoint(e.Consumer)
		h.writeBool(e.DependencyOnly)
	}
	return h.sum()
}

func (g *CompiledGraph) String() string {
	return fmt.Sprintf("CompiledGraph{passes=%d batches=%d edges=%d diagnostics=%d}", len(g.Order), len(g.Batches), len(g.Edges), len(g.Diagnostics))
}
