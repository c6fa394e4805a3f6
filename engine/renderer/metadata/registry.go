package metadata

import (
	"fmt"
	"sort"
	"sync"

	vk "github.com/goki/vulkan"
)

/** @brief Whether a resource lives for a single frame or across frames. */
type ResourceLifetime uint8

const (
	/** @brief Contents are produced and consumed within one frame. Eligible for aliasing. */
	ResourceLifetimeTransient ResourceLifetime = iota
	/** @brief Contents must survive between frames. */
	ResourceLifetimePersistent
)

func (l ResourceLifetime) String() string {
	if l == ResourceLifetimePersistent {
		return "persistent"
	}
	return "transient"
}

/** @brief The kind of GPU object backing a logical resource. */
type ResourceKind uint8

const (
	ResourceKindTexture ResourceKind = iota
	ResourceKindFramebuffer
	ResourceKindBuffer
)

/** @brief Returns true when the kind is backed by a vk.Image. */
func (k ResourceKind) IsImage() bool {
	return k == ResourceKindTexture || k == ResourceKindFramebuffer
}

func (k ResourceKind) String() string {
	switch k {
	case ResourceKindTexture:
		return "texture"
	case ResourceKindFramebuffer:
		return "framebuffer"
	case ResourceKindBuffer:
		return "buffer"
	}
	return fmt.Sprintf("ResourceKind(%d)", uint8(k))
}

type SizePolicyKind uint8

const (
	/** @brief Width/Height (or Bytes for buffers) are absolute. */
	SizePolicyFixed SizePolicyKind = iota
	/** @brief Extent is the viewport extent multiplied by Scale. */
	SizePolicyViewport
)

/** @brief How the extent of a resource is resolved. */
type SizePolicy struct {
	Kind   SizePolicyKind
	Width  uint32
	Height uint32
	/** @brief Viewport multiplier for SizePolicyViewport. Zero means 1. */
	Scale float32
	/** @brief Byte size for buffers. */
	Bytes uint64
}

/**
 * @brief A declared logical resource. Read-only to the planner.
 */
type ResourceDescriptor struct {
	/** @brief Unique, case-insensitive name. */
	Name     string
	Kind     ResourceKind
	Lifetime ResourceLifetime
	Size     SizePolicy
	/** @brief Image format. Ignored for buffers. */
	Format vk.Format
	/** @brief Array layer count. Zero means 1. */
	ArrayLayers      uint32
	StereoCompatible bool
	/** @brief Whether the allocator may share memory with other transient resources. */
	Aliasable bool
}

/** @brief Layers returns the array layer count, defaulting to one. */
func (d ResourceDescriptor) Layers() uint32 {
	if d.ArrayLayers == 0 {
		return 1
	}
	return d.ArrayLayers
}

/**
 * @brief In-memory registry of resource descriptors, keyed by normalized name.
 */
type ResourceRegistry struct {
	mutex       sync.RWMutex
	descriptors map[string]ResourceDescriptor
}

func NewResourceRegistry() *ResourceRegistry {
	return &ResourceRegistry{
		descriptors: make(map[string]ResourceDescriptor),
	}
}

/** @brief Registers the descriptor, replacing any previous one with the same name. */
func (r *ResourceRegistry) Register(desc ResourceDescriptor) error {
	key := NormalizeResourceName(desc.Name)
	if key == "" {
		return fmt.Errorf("resource descriptor requires a name")
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.descriptors[key] = desc
	return nil
}

func (r *ResourceRegistry) Lookup(name string) (ResourceDescriptor, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	d, ok := r.descriptors[NormalizeResourceName(name)]
	return d, ok
}

func (r *ResourceRegistry) Remove(name string) bool {
	key := NormalizeResourceName(name)
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, ok := r.descriptors[key]; !ok {
		return false
	}
	delete(r.descriptors, key)
	return true
}

func (r *ResourceRegistry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.descriptors)
}

/** @brief Returns a copy of all descriptors sorted by normalized name. */
func (r *ResourceRegistry) Descriptors() []ResourceDescriptor {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	out := make([]ResourceDescriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		return NormalizeResourceName(out[i].Name) < NormalizeResourceName(out[j].Name)
	})
	return out
}
