package framegraph

import (
	"fmt"
	"sort"

	"github.com/spaghettifunk/anima/engine/containers"
	"github.com/spaghettifunk/anima/engine/renderer/metadata"
)

// DiagnosticKind classifies a non-fatal problem found while compiling a graph.
type DiagnosticKind uint8

const (
	// DiagnosticUnknownDependency: a dependency edge names a pass index that does not exist.
	DiagnosticUnknownDependency DiagnosticKind = iota
	// DiagnosticDuplicatePass: two passes share an index; the first one wins.
	DiagnosticDuplicatePass
	// DiagnosticCycleFallback: the pass could not be placed by dependency order and
	// was appended in ascending index order.
	DiagnosticCycleFallback
	// DiagnosticResourceCycle: passes in a dependency cycle exchange written data.
	DiagnosticResourceCycle
)

func (k DiagnosticKind) String() string {
	switch k {
	case DiagnosticUnknownDependency:
		return "unknown-dependency"
	case DiagnosticDuplicatePass:
		return "duplicate-pass"
	case DiagnosticCycleFallback:
		return "cycle-fallback"
	case DiagnosticResourceCycle:
		return "resource-cycle"
	}
	return fmt.Sprintf("DiagnosticKind(%d)", uint8(k))
}

type Diagnostic struct {
	Kind      DiagnosticKind
	PassIndex int
	Detail    string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s pass=%d: %s", d.Kind, d.PassIndex, d.Detail)
}

// passSet is the de-duplicated, index-sorted view of a pass collection.
type passSet struct {
	sorted  []*metadata.RenderPassMetadata
	byIndex map[int]*metadata.RenderPassMetadata
}

func newPassSet(passes []metadata.RenderPassMetadata) (*passSet, []Diagnostic) {
	var diags []Diagnostic
	ps := &passSet{byIndex: make(map[int]*metadata.RenderPassMetadata, len(passes))}
	for i := range passes {
		p := &passes[i]
		if _, dup := ps.byIndex[p.PassIndex]; dup {
			diags = append(diags, Diagnostic{
				Kind:      DiagnosticDuplicatePass,
				PassIndex: p.PassIndex,
				Detail:    fmt.Sprintf("pass '%s' reuses an index, ignored", p.Name),
			})
			continue
		}
		ps.byIndex[p.PassIndex] = p
		ps.sorted = append(ps.sorted, p)
	}
	sort.Slice(ps.sorted, func(i, j int) bool {
		return ps.sorted[i].PassIndex < ps.sorted[j].PassIndex
	})
	return ps, diags
}

// dependencies returns the known, de-duplicated, sorted dependencies of a pass.
func (ps *passSet) dependencies(p *metadata.RenderPassMetadata) []int {
	seen := make(map[int]struct{}, len(p.Dependencies))
	deps := make([]int, 0, len(p.Dependencies))
	for _, d := range p.Dependencies {
		if _, ok := ps.byIndex[d]; !ok {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		deps = append(deps, d)
	}
	sort.Ints(deps)
	return deps
}

// TopologicalOrder orders passes so every pass follows its explicit dependencies.
// Kahn's algorithm places what it can; anything left (cycles) is appended in
// ascending pass index order, so the result is always a total order over every
// distinct pass index exactly once.
func TopologicalOrder(passes []metadata.RenderPassMetadata) ([]int, []Diagnostic) {
	ps, diags := newPassSet(passes)
	order, more := ps.topologicalOrder()
	return order, append(diags, more...)
}

func (ps *passSet) topologicalOrder() ([]int, []Diagnostic) {
	var diags []Diagnostic
	indegree := make(map[int]int, len(ps.sorted))
	successors := make(map[int][]int, len(ps.sorted))

	for _, p := range ps.sorted {
		for _, d := range p.Dependencies {
			if _, ok := ps.byIndex[d]; !ok {
				diags = append(diags, Diagnostic{
					Kind:      DiagnosticUnknownDependency,
					PassIndex: p.PassIndex,
					Detail:    fmt.Sprintf("depends on missing pass %d", d),
				})
			}
		}
		for _, d := range ps.dependencies(p) {
			indegree[p.PassIndex]++
			successors[d] = append(successors[d], p.PassIndex)
		}
	}

	queue := containers.NewRingQueue[int](len(ps.sorted))
	for _, p := range ps.sorted {
		if indegree[p.PassIndex] == 0 {
			_ = queue.Enqueue(p.PassIndex)
		}
	}

	order := make([]int, 0, len(ps.sorted))
	placed := make(map[int]bool, len(ps.sorted))
	for !queue.IsEmpty() {
		idx, _ := queue.Dequeue()
		order = append(order, idx)
		placed[idx] = true
		next := successors[idx]
		sort.Ints(next)
		for _, s := range next {
			indegree[s]--
			if indegree[s] == 0 {
				_ = queue.Enqueue(s)
			}
		}
	}

	for _, p := range ps.sorted {
		if placed[p.PassIndex] {
			continue
		}
		order = append(order, p.PassIndex)
		diags = append(diags, Diagnostic{
			Kind:      DiagnosticCycleFallback,
			PassIndex: p.PassIndex,
			Detail:    "dependency cycle, placed by pass index",
		})
	}
	return order, diags
}

// effectiveUsages coalesces the usages of a pass to one per resource: first
// appearance decides the position, the last registered usage wins.
func effectiveUsages(p *metadata.RenderPassMetadata) []metadata.ResourceUsage {
	index := make(map[string]int, len(p.Usages))
	out := make([]metadata.ResourceUsage, 0, len(p.Usages))
	for _, u := range p.Usages {
		if u.Role == nil {
			continue
		}
		key := metadata.NormalizeResourceName(u.ResourceName)
		if key == "" {
			continue
		}
		if i, ok := index[key]; ok {
			out[i] = u
			continue
		}
		index[key] = len(out)
		out = append(out, u)
	}
	return out
}
