package framegraph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"
	"github.com/google/uuid"
	"github.com/spaghettifunk/anima/engine/core"
	"github.com/spaghettifunk/anima/engine/renderer/metadata"
)

// groupNamespace seeds the deterministic physical group ids.
var groupNamespace = uuid.MustParse("0b6c1f2e-5d1a-4c53-9a7e-6f1d2b3c4a58")

// PhysicalGroup is one physical image or buffer shared by one or more logical
// resources whose lifetimes never overlap.
type PhysicalGroup struct {
	ID       uuid.UUID
	Kind     metadata.ResourceKind
	Lifetime metadata.ResourceLifetime
	// Members are normalized names ordered by first use.
	Members []string

	Extent Extent
	Format vk.Format
	Layers uint32
	Bytes  uint64

	ImageUsage  vk.ImageUsageFlags
	BufferUsage vk.BufferUsageFlags

	// FirstUse and LastUse are positions in the compiled order, -1 when unused.
	FirstUse int
	LastUse  int

	// LastKnownLayout is the layout the image was left in by the last executed plan.
	LastKnownLayout vk.ImageLayout

	image  *PhysicalImage
	buffer *PhysicalBuffer
}

func (g *PhysicalGroup) IsImage() bool {
	return g.Kind.IsImage()
}

func (g *PhysicalGroup) Image() (PhysicalImage, bool) {
	if g.image == nil {
		return PhysicalImage{}, false
	}
	return *g.image, true
}

func (g *PhysicalGroup) Buffer() (PhysicalBuffer, bool) {
	if g.buffer == nil {
		return PhysicalBuffer{}, false
	}
	return *g.buffer, true
}

func (g *PhysicalGroup) String() string {
	return fmt.Sprintf("group %s [%s] %s", g.ID, strings.Join(g.Members, ","), g.Kind)
}

// viewAspect picks the aspect of the default image view.
func (g *PhysicalGroup) viewAspect() vk.ImageAspectFlags {
	if IsDepthFormat(g.Format) {
		return vk.ImageAspectFlags(vk.ImageAspectDepthBit)
	}
	return vk.ImageAspectFlags(vk.ImageAspectColorBit)
}

// ResourceAllocator maps logical resources onto physical groups and owns the
// physical objects behind them.
type ResourceAllocator struct {
	device     ResourceDevice
	plan       LogicalPlan
	groups     []*PhysicalGroup
	byResource map[string]*PhysicalGroup
}

func NewResourceAllocator(device ResourceDevice) *ResourceAllocator {
	return &ResourceAllocator{
		device:     device,
		byResource: make(map[string]*PhysicalGroup),
	}
}

func (a *ResourceAllocator) hasLiveObjects() bool {
	for _, g := range a.groups {
		if g.image != nil || g.buffer != nil {
			return true
		}
	}
	return false
}

// UpdatePlan replaces the logical plan. Physical objects must be destroyed first.
func (a *ResourceAllocator) UpdatePlan(plan LogicalPlan) error {
	if a.hasLiveObjects() {
		return errors.WithStack(core.ErrLivePhysicalObjects)
	}
	a.plan = plan
	return nil
}

type interval struct {
	first, last int
	imageUsage  vk.ImageUsageFlags
	bufferUsage vk.BufferUsageFlags
}

func imageUsageForRole(role metadata.ImageRole) vk.ImageUsageFlags {
	switch role {
	case metadata.ImageRoleColorAttachment, metadata.ImageRoleResolveAttachment:
		return vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit)
	case metadata.ImageRoleDepthAttachment, metadata.ImageRoleStencilAttachment:
		return vk.ImageUsageFlags(vk.ImageUsageDepthStencilAttachmentBit)
	case metadata.ImageRoleSampledTexture:
		return vk.ImageUsageFlags(vk.ImageUsageSampledBit)
	case metadata.ImageRoleStorageTexture:
		return vk.ImageUsageFlags(vk.ImageUsageStorageBit)
	case metadata.ImageRoleTransferSource:
		return vk.ImageUsageFlags(vk.ImageUsageTransferSrcBit)
	case metadata.ImageRoleTransferDestination:
		return vk.ImageUsageFlags(vk.ImageUsageTransferDstBit)
	}
	return 0
}

func bufferUsageForRole(role metadata.BufferRole) vk.BufferUsageFlags {
	switch role {
	case metadata.BufferRoleVertex:
		return vk.BufferUsageFlags(vk.BufferUsageVertexBufferBit)
	case metadata.BufferRoleIndex:
		return vk.BufferUsageFlags(vk.BufferUsageIndexBufferBit)
	case metadata.BufferRoleIndirect:
		return vk.BufferUsageFlags(vk.BufferUsageIndirectBufferBit)
	case metadata.BufferRoleUniform:
		return vk.BufferUsageFlags(vk.BufferUsageUniformBufferBit)
	case metadata.BufferRoleStorage:
		return vk.BufferUsageFlags(vk.BufferUsageStorageBufferBit)
	case metadata.BufferRoleTransferSource:
		return vk.BufferUsageFlags(vk.BufferUsageTransferSrcBit)
	case metadata.BufferRoleTransferDestination:
		return vk.BufferUsageFlags(vk.BufferUsageTransferDstBit)
	}
	return 0
}

// lifetimes computes first/last use positions and the union of usage flags of
// every resource referenced by the passes.
func lifetimes(passes []metadata.RenderPassMetadata, order []int) map[string]*interval {
	byIndex := make(map[int]*metadata.RenderPassMetadata, len(passes))
	for i := range passes {
		if _, dup := byIndex[passes[i].PassIndex]; !dup {
			byIndex[passes[i].PassIndex] = &passes[i]
		}
	}
	out := make(map[string]*interval)
	for pos, idx := range order {
		p, ok := byIndex[idx]
		if !ok {
			continue
		}
		for _, u := range effectiveUsages(p) {
			key := metadata.NormalizeResourceName(u.ResourceName)
			iv, ok := out[key]
			if !ok {
				iv = &interval{first: pos, last: pos}
				out[key] = iv
			}
			iv.last = pos
			switch r := u.Role.(type) {
			case metadata.ImageRole:
				iv.imageUsage |= imageUsageForRole(r)
			case metadata.BufferRole:
				iv.bufferUsage |= bufferUsageForRole(r)
			}
		}
	}
	return out
}

func (a *ResourceAllocator) aliasable(r LogicalResource, used bool) bool {
	d := r.Descriptor
	return used && d.Lifetime == metadata.ResourceLifetimeTransient && d.Aliasable
}

func compatible(g *PhysicalGroup, r LogicalResource) bool {
	if g.Kind.IsImage() != r.IsImage() {
		return false
	}
	if r.IsImage() {
		return g.Format == r.Descriptor.Format && g.Extent == r.Extent && g.Layers == r.Layers
	}
	return g.Bytes == r.Bytes
}

func newGroup(r LogicalResource) *PhysicalGroup {
	return &PhysicalGroup{
		Kind:            r.Descriptor.Kind,
		Lifetime:        r.Descriptor.Lifetime,
		Extent:          r.Extent,
		Format:          r.Descriptor.Format,
		Layers:          r.Layers,
		Bytes:           r.Bytes,
		FirstUse:        -1,
		LastUse:         -1,
		LastKnownLayout: vk.ImageLayoutUndefined,
	}
}

func (g *PhysicalGroup) add(key string, iv *interval) {
	g.Members = append(g.Members, key)
	if iv == nil {
		return
	}
	if g.FirstUse < 0 || iv.first < g.FirstUse {
		g.FirstUse = iv.first
	}
	if iv.last > g.LastUse {
		g.LastUse = iv.last
	}
	g.ImageUsage |= iv.imageUsage
	g.BufferUsage |= iv.bufferUsage
}

// RebuildPhysicalPlan regroups the logical plan using lifetimes measured over
// the given execution order. Transient aliasable resources with disjoint
// lifetimes and identical shape share a group, first fit by first use.
func (a *ResourceAllocator) RebuildPhysicalPlan(passes []metadata.RenderPassMetadata, order []int) error {
	if a.hasLiveObjects() {
		return errors.WithStack(core.ErrLivePhysicalObjects)
	}
	lives := lifetimes(passes, order)

	var solo, shared []LogicalResource
	for _, r := range a.plan.Resources {
		if a.aliasable(r, lives[r.Key] != nil) {
			shared = append(shared, r)
		} else {
			solo = append(solo, r)
		}
	}
	sort.SliceStable(shared, func(i, j int) bool {
		fi, fj := lives[shared[i].Key].first, lives[shared[j].Key].first
		if fi != fj {
			return fi < fj
		}
		return shared[i].Key < shared[j].Key
	})

	groups := make([]*PhysicalGroup, 0, len(a.plan.Resources))
	for _, r := range solo {
		g := newGroup(r)
		g.add(r.Key, lives[r.Key])
		groups = append(groups, g)
	}
	var pool []*PhysicalGroup
	for _, r := range shared {
		iv := lives[r.Key]
		var target *PhysicalGroup
		for _, g := range pool {
			if compatible(g, r) && g.LastUse < iv.first {
				target = g
				break
			}
		}
		if target == nil {
			target = newGroup(r)
			pool = append(pool, target)
			groups = append(groups, target)
		}
		target.add(r.Key, iv)
	}

	byResource := make(map[string]*PhysicalGroup, len(a.plan.Resources))
	for _, g := range groups {
		// images can always be read back
		if g.IsImage() {
			g.ImageUsage |= vk.ImageUsageFlags(vk.ImageUsageTransferSrcBit)
		}
		g.ID = uuid.NewSHA1(groupNamespace, []byte(strings.Join(g.Members, "\x00")))
		for _, m := range g.Members {
			byResource[m] = g
		}
	}
	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].FirstUse != groups[j].FirstUse {
			// unused groups last
			if groups[i].FirstUse < 0 || groups[j].FirstUse < 0 {
				return groups[j].FirstUse < 0 && groups[i].FirstUse >= 0
			}
			return groups[i].FirstUse < groups[j].FirstUse
		}
		return groups[i].Members[0] < groups[j].Members[0]
	})

	for name := range lives {
		if _, ok := byResource[name]; !ok {
			core.LogDebug("resource '%s' is used by a pass but not registered", name)
		}
	}

	a.groups = groups
	a.byResource = byResource
	core.LogDebug("physical plan rebuilt: %d logical resources in %d groups", len(a.plan.Resources), len(groups))
	return nil
}

// AllocatePhysicalImages creates the images of every image group not yet backed.
func (a *ResourceAllocator) AllocatePhysicalImages() error {
	for _, g := range a.groups {
		if !g.IsImage() || g.image != nil {
			continue
		}
		img, err := a.device.CreateImage(ImageCreateInfo{
			Name:   g.Members[0],
			Extent: g.Extent,
			Format: g.Format,
			Layers: g.Layers,
			Usage:  g.ImageUsage,
			Aspect: g.viewAspect(),
		})
		if err != nil {
			return errors.Wrapf(err, "allocating %s", g)
		}
		g.image = &img
		g.LastKnownLayout = vk.ImageLayoutUndefined
	}
	return nil
}

// AllocatePhysicalBuffers creates the buffers of every buffer group not yet backed.
func (a *ResourceAllocator) AllocatePhysicalBuffers() error {
	for _, g := range a.groups {
		if g.IsImage() || g.buffer != nil {
			continue
		}
		buf, err := a.device.CreateBuffer(BufferCreateInfo{
			Name:  g.Members[0],
			Size:  g.Bytes,
			Usage: g.BufferUsage,
		})
		if err != nil {
			return errors.Wrapf(err, "allocating %s", g)
		}
		g.buffer = &buf
	}
	return nil
}

func (a *ResourceAllocator) DestroyPhysicalImages() {
	for _, g := range a.groups {
		if g.image == nil {
			continue
		}
		a.device.DestroyImage(*g.image)
		g.image = nil
		g.LastKnownLayout = vk.ImageLayoutUndefined
	}
}

func (a *ResourceAllocator) DestroyPhysicalBuffers() {
	for _, g := range a.groups {
		if g.buffer == nil {
			continue
		}
		a.device.DestroyBuffer(*g.buffer)
		g.buffer = nil
	}
}

// TryGetPhysicalGroupForResource resolves a logical name to its group.
func (a *ResourceAllocator) TryGetPhysicalGroupForResource(name string) (*PhysicalGroup, bool) {
	g, ok := a.byResource[metadata.NormalizeResourceName(name)]
	return g, ok
}

func (a *ResourceAllocator) TryGetImage(name string) (PhysicalImage, bool) {
	g, ok := a.TryGetPhysicalGroupForResource(name)
	if !ok {
		return PhysicalImage{}, false
	}
	return g.Image()
}

func (a *ResourceAllocator) TryGetBuffer(name string) (PhysicalBuffer, bool) {
	g, ok := a.TryGetPhysicalGroupForResource(name)
	if !ok {
		return PhysicalBuffer{}, false
	}
	return g.Buffer()
}

// SetLastKnownLayout records a layout change made outside of a plan, e.g. a readback.
func (a *ResourceAllocator) SetLastKnownLayout(name string, layout vk.ImageLayout) error {
	g, ok := a.TryGetPhysicalGroupForResource(name)
	if !ok || !g.IsImage() {
		return errors.Wrapf(core.ErrUnknownResource, "'%s'", name)
	}
	g.LastKnownLayout = layout
	return nil
}

// CommitImageStates stores the layouts a plan leaves each group in.
func (a *ResourceAllocator) CommitImageStates(layouts map[uuid.UUID]vk.ImageLayout) {
	for _, g := range a.groups {
		if l, ok := layouts[g.ID]; ok {
			g.LastKnownLayout = l
		}
	}
}

// Groups returns the groups ordered by first use.
func (a *ResourceAllocator) Groups() []*PhysicalGroup {
	return append([]*PhysicalGroup(nil), a.groups...)
}

func (a *ResourceAllocator) Plan() LogicalPlan {
	return a.plan
}
