package framegraph

import (
	"encoding/binary"
	"hash"
	"hash/fnv"
	"math"
	"sort"

	"github.com/spaghettifunk/anima/engine/renderer/metadata"
)

type hasher struct {
	h   hash.Hash64
	buf [8]byte
}

func newHasher() *hasher {
	return &hasher{h: fnv.New64a()}
}

func (h *hasher) writeUint64(v uint64) {
	binary.LittleEndian.PutUint64(h.buf[:], v)
	h.h.Write(h.buf[:])
}

func (h *hasher) writeInt(v int) {
	h.writeUint64(uint64(v))
}

func (h *hasher) writeBool(v bool) {
	if v {
		h.writeUint64(1)
		return
	}
	h.writeUint64(0)
}

// writeString is length prefixed so "ab"+"c" and "a"+"bc" differ.
func (h *hasher) writeString(s string) {
	h.writeInt(len(s))
	h.h.Write([]byte(s))
}

func (h *hasher) writeSyncPoint(p SyncPoint) {
	h.writeUint64(uint64(p.Stages))
	h.writeUint64(uint64(p.Access))
	h.writeUint64(uint64(p.Layout))
	h.writeBool(p.HasLayout)
}

func (h *hasher) sum() uint64 {
	return h.h.Sum64()
}

// PlanCacheKey identifies everything a frame plan depends on. Two frames with
// equal keys get the same plan.
type PlanCacheKey struct {
	Registry  uint64
	Passes    uint64
	SyncGraph uint64
	Viewport  Extent
	Queues    QueueOwnershipConfig
	// UsesSyncGraph distinguishes usage-only planning from edge planning.
	UsesSyncGraph bool
	// Prior fingerprints the carried over state of persistent images.
	Prior uint64
}

// HashPasses fingerprints pass metadata. Pass order, dependency order and
// descriptor schema order do not matter; usage order within a pass does.
func HashPasses(passes []metadata.RenderPassMetadata) uint64 {
	sorted := make([]*metadata.RenderPassMetadata, len(passes))
	for i := range passes {
		sorted[i] = &passes[i]
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].PassIndex < sorted[j].PassIndex
	})

	h := newHasher()
	h.writeInt(len(sorted))
	for _, p := range sorted {
		h.writeInt(p.PassIndex)
		h.writeString(p.Name)
		h.writeUint64(uint64(p.Stage))
		h.writeInt(len(p.Usages))
		for _, u := range p.Usages {
			h.writeString(metadata.NormalizeResourceName(u.ResourceName))
			if u.Role != nil {
				h.writeBool(u.Role.IsImage())
				h.writeString(u.Role.String())
			} else {
				h.writeString("")
			}
			h.writeUint64(uint64(u.Access))
			h.writeUint64(uint64(u.Load))
			h.writeUint64(uint64(u.Store))
		}
		deps := append([]int(nil), p.Dependencies...)
		sort.Ints(deps)
		h.writeInt(len(deps))
		for _, d := range deps {
			h.writeInt(d)
		}
		schemas := append([]string(nil), p.DescriptorSchemas...)
		sort.Strings(schemas)
		h.writeInt(len(schemas))
		for _, s := range schemas {
			h.writeString(s)
		}
	}
	return h.sum()
}

// HashDescriptors fingerprints registry contents independent of registration order.
func HashDescriptors(descs []metadata.ResourceDescriptor) uint64 {
	sorted := append([]metadata.ResourceDescriptor(nil), descs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return metadata.NormalizeResourceName(sorted[i].Name) < metadata.NormalizeResourceName(sorted[j].Name)
	})

	h := newHasher()
	h.writeInt(len(sorted))
	for _, d := range sorted {
		h.writeString(metadata.NormalizeResourceName(d.Name))
		h.writeUint64(uint64(d.Kind))
		h.writeUint64(uint64(d.Lifetime))
		h.writeUint64(uint64(d.Size.Kind))
		h.writeUint64(uint64(d.Size.Width))
		h.writeUint64(uint64(d.Size.Height))
		h.writeUint64(math.Float64bits(float64(d.Size.Scale)))
		h.writeUint64(d.Size.Bytes)
		h.writeUint64(uint64(d.Format))
		h.writeUint64(uint64(d.Layers()))
		h.writeBool(d.StereoCompatible)
		h.writeBool(d.Aliasable)
	}
	return h.sum()
}
