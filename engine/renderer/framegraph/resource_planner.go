package framegraph

import (
	"math"

	fgmath "github.com/spaghettifunk/anima/engine/math"
	"github.com/spaghettifunk/anima/engine/renderer/metadata"
)

// DescriptorSource is anything that can list resource descriptors, usually a
// *metadata.ResourceRegistry.
type DescriptorSource interface {
	Descriptors() []metadata.ResourceDescriptor
}

// LogicalResource is a descriptor with its size resolved for one viewport.
type LogicalResource struct {
	// Key is the normalized name.
	Key        string
	Descriptor metadata.ResourceDescriptor
	Extent     Extent
	Layers     uint32
	// Bytes is the size of buffers; zero for images.
	Bytes uint64
}

func (r LogicalResource) IsImage() bool {
	return r.Descriptor.Kind.IsImage()
}

// LogicalPlan is the resolved view of the registry for one viewport.
type LogicalPlan struct {
	Viewport  Extent
	Resources []LogicalResource
	index     map[string]int
}

func (p LogicalPlan) Lookup(name string) (LogicalResource, bool) {
	i, ok := p.index[metadata.NormalizeResourceName(name)]
	if !ok {
		return LogicalResource{}, false
	}
	return p.Resources[i], true
}

func (p LogicalPlan) Len() int {
	return len(p.Resources)
}

// ResourcePlanner keeps the last synchronized copy of the registry and turns
// it into logical plans.
type ResourcePlanner struct {
	descriptors []metadata.ResourceDescriptor
	hash        uint64
	synced      bool
}

func NewResourcePlanner() *ResourcePlanner {
	return &ResourcePlanner{}
}

// Sync pulls the registry contents. It reports whether anything changed since
// the previous call.
func (rp *ResourcePlanner) Sync(source DescriptorSource) bool {
	descs := source.Descriptors()
	h := HashDescriptors(descs)
	if rp.synced && h == rp.hash {
		return false
	}
	rp.descriptors = descs
	rp.hash = h
	rp.synced = true
	return true
}

// Hash fingerprints the synchronized registry contents.
func (rp *ResourcePlanner) Hash() uint64 {
	return rp.hash
}

// Plan resolves every synchronized descriptor against the viewport.
func (rp *ResourcePlanner) Plan(viewport Extent) LogicalPlan {
	plan := LogicalPlan{
		Viewport:  viewport,
		Resources: make([]LogicalResource, 0, len(rp.descriptors)),
		index:     make(map[string]int, len(rp.descriptors)),
	}
	for _, d := range rp.descriptors {
		key := metadata.NormalizeResourceName(d.Name)
		if key == "" {
			continue
		}
		r := LogicalResource{Key: key, Descriptor: d, Layers: d.Layers()}
		if d.Kind.IsImage() {
			r.Extent = ResolveExtent(d.Size, viewport)
		} else {
			r.Bytes = d.Size.Bytes
		}
		if i, dup := plan.index[key]; dup {
			plan.Resources[i] = r
			continue
		}
		plan.index[key] = len(plan.Resources)
		plan.Resources = append(plan.Resources, r)
	}
	return plan
}

// ResolveExtent applies a size policy. Dimensions never resolve below one texel.
func ResolveExtent(size metadata.SizePolicy, viewport Extent) Extent {
	if size.Kind == metadata.SizePolicyFixed {
		return Extent{Width: fgmath.Max(size.Width, 1), Height: fgmath.Max(size.Height, 1)}
	}
	scale := float64(size.Scale)
	if scale <= 0 {
		scale = 1
	}
	return Extent{
		Width:  fgmath.Max(uint32(math.Round(float64(viewport.Width)*scale)), 1),
		Height: fgmath.Max(uint32(math.Round(float64(viewport.Height)*scale)), 1),
	}
}
