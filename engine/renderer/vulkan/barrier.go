package vulkan

import (
	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima/engine/core"
	"github.com/spaghettifunk/anima/engine/renderer/framegraph"
	"github.com/spaghettifunk/anima/engine/renderer/metadata"
)

// GroupLookup finds the physical group of a logical resource.
// *framegraph.ResourceAllocator implements it.
type GroupLookup interface {
	TryGetPhysicalGroupForResource(name string) (*framegraph.PhysicalGroup, bool)
}

func srcStages(s vk.PipelineStageFlags) vk.PipelineStageFlags {
	if s == 0 {
		return vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit)
	}
	return s
}

func dstStages(s vk.PipelineStageFlags) vk.PipelineStageFlags {
	if s == 0 {
		return vk.PipelineStageFlags(vk.PipelineStageBottomOfPipeBit)
	}
	return s
}

// BuildImageMemoryBarrier translates a planned barrier for the given image.
// Depth-stencil formats always get both aspects.
func BuildImageMemoryBarrier(b framegraph.PlannedImageBarrier, image vk.Image, layers uint32) vk.ImageMemoryBarrier {
	if layers == 0 {
		layers = 1
	}
	aspect := b.Next.Aspect
	if aspect == 0 {
		aspect = b.Previous.Aspect
	}
	return vk.ImageMemoryBarrier{
		SType:               vk.StructureTypeImageMemoryBarrier,
		SrcAccessMask:       b.Previous.Access,
		DstAccessMask:       b.Next.Access,
		OldLayout:           b.Previous.Layout,
		NewLayout:           b.Next.Layout,
		SrcQueueFamilyIndex: b.SrcQueueFamily,
		DstQueueFamilyIndex: b.DstQueueFamily,
		Image:               image,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask:     framegraph.NormalizeAspectMask(b.Format, aspect),
			BaseMipLevel:   0,
			LevelCount:     1,
			BaseArrayLayer: 0,
			LayerCount:     layers,
		},
	}
}

// BuildBufferMemoryBarrier translates a planned barrier for the whole buffer.
func BuildBufferMemoryBarrier(b framegraph.PlannedBufferBarrier, buffer vk.Buffer) vk.BufferMemoryBarrier {
	return vk.BufferMemoryBarrier{
		SType:               vk.StructureTypeBufferMemoryBarrier,
		SrcAccessMask:       b.Previous.Access,
		DstAccessMask:       b.Next.Access,
		SrcQueueFamilyIndex: b.SrcQueueFamily,
		DstQueueFamilyIndex: b.DstQueueFamily,
		Buffer:              buffer,
		Offset:              0,
		Size:                vk.DeviceSize(vk.WholeSize),
	}
}

// BarrierBatch is one vkCmdPipelineBarrier call.
type BarrierBatch struct {
	SrcStages vk.PipelineStageFlags
	DstStages vk.PipelineStageFlags
	Images    []vk.ImageMemoryBarrier
	Buffers   []vk.BufferMemoryBarrier
}

type stagePair struct {
	src, dst vk.PipelineStageFlags
}

type batcher struct {
	batches []BarrierBatch
	index   map[stagePair]int
}

func (b *batcher) batch(src, dst vk.PipelineStageFlags) *BarrierBatch {
	key := stagePair{srcStages(src), dstStages(dst)}
	if i, ok := b.index[key]; ok {
		return &b.batches[i]
	}
	b.index[key] = len(b.batches)
	b.batches = append(b.batches, BarrierBatch{SrcStages: key.src, DstStages: key.dst})
	return &b.batches[len(b.batches)-1]
}

// BatchPassBarriers collects the barriers of one pass that the given queue
// family records, grouped by stage masks in first appearance order. Resources
// without a live physical object are skipped and returned by name.
func BatchPassBarriers(plan *framegraph.BarrierPlan, passIndex int, family uint32, groups GroupLookup) ([]BarrierBatch, []string) {
	if plan == nil {
		return nil, nil
	}
	b := &batcher{index: make(map[stagePair]int)}
	var skipped []string

	for _, pb := range plan.GetBarriersForPass(passIndex) {
		if pb.RecordOn != family {
			continue
		}
		g, ok := groups.TryGetPhysicalGroupForResource(pb.ResourceName)
		if !ok {
			skipped = append(skipped, pb.ResourceName)
			continue
		}
		img, ok := g.Image()
		if !ok {
			skipped = append(skipped, pb.ResourceName)
			continue
		}
		batch := b.batch(pb.Previous.Stages, pb.Next.Stages)
		batch.Images = append(batch.Images, BuildImageMemoryBarrier(pb, img.Handle, g.Layers))
	}
	for _, pb := range plan.GetBufferBarriersForPass(passIndex) {
		if pb.RecordOn != family {
			continue
		}
		g, ok := groups.TryGetPhysicalGroupForResource(pb.ResourceName)
		if !ok {
			skipped = append(skipped, pb.ResourceName)
			continue
		}
		buf, ok := g.Buffer()
		if !ok {
			skipped = append(skipped, pb.ResourceName)
			continue
		}
		batch := b.batch(pb.Previous.Stages, pb.Next.Stages)
		batch.Buffers = append(batch.Buffers, BuildBufferMemoryBarrier(pb, buf.Handle))
	}
	return b.batches, skipped
}

// RecordPassBarriers records the barriers of a pass into the command buffer.
// Only barriers meant for the buffer's queue family are recorded.
func (v *VulkanCommandBuffer) RecordPassBarriers(plan *framegraph.BarrierPlan, passIndex int, groups GroupLookup) (int, error) {
	if v.State != COMMAND_BUFFER_STATE_RECORDING && v.State != COMMAND_BUFFER_STATE_IN_RENDER_PASS {
		return 0, errors.Newf("command buffer is not recording (state %d)", v.State)
	}
	batches, skipped := BatchPassBarriers(plan, passIndex, v.QueueFamily, groups)
	for _, name := range skipped {
		core.LogWarn("pass %d: no physical object for '%s', barrier skipped", passIndex, name)
	}

	recorded := 0
	for _, batch := range batches {
		vk.CmdPipelineBarrier(v.Handle,
			batch.SrcStages,
			batch.DstStages,
			0,
			0, nil,
			uint32(len(batch.Buffers)), batch.Buffers,
			uint32(len(batch.Images)), batch.Images)
		recorded += len(batch.Images) + len(batch.Buffers)
	}
	return recorded, nil
}

// ReadbackBarrier plans the transition of an image group into
// TransferSrcOptimal from its last known layout. It reports false when the
// group is not an image or is already in that layout.
func ReadbackBarrier(g *framegraph.PhysicalGroup, family uint32) (framegraph.PlannedImageBarrier, bool) {
	if !g.IsImage() || g.LastKnownLayout == vk.ImageLayoutTransferSrcOptimal {
		return framegraph.PlannedImageBarrier{}, false
	}
	aspect := framegraph.AspectForUsage(g.Format, metadata.ImageRoleTransferSource)
	name := ""
	if len(g.Members) > 0 {
		name = g.Members[0]
	}
	return framegraph.PlannedImageBarrier{
		PassIndex:    -1,
		ResourceName: name,
		GroupID:      g.ID,
		Format:       g.Format,
		Previous: framegraph.ImageState{
			Layout: g.LastKnownLayout,
			Stages: vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit),
			Access: vk.AccessFlags(vk.AccessMemoryWriteBit),
			Aspect: aspect,
		},
		Next: framegraph.ImageState{
			Layout: vk.ImageLayoutTransferSrcOptimal,
			Stages: vk.PipelineStageFlags(vk.PipelineStageTransferBit),
			Access: vk.AccessFlags(vk.AccessTransferReadBit),
			Aspect: aspect,
		},
		SrcQueueFamily: framegraph.QueueFamilyIgnored,
		DstQueueFamily: framegraph.QueueFamilyIgnored,
		RecordOn:       family,
	}, true
}

// TransitionForReadback moves the image behind a resource into
// TransferSrcOptimal outside of any frame plan, using a single use command
// buffer on the graphics queue, and records the new layout on the allocator.
func TransitionForReadback(context *VulkanContext, allocator *framegraph.ResourceAllocator, name string) error {
	g, ok := allocator.TryGetPhysicalGroupForResource(name)
	if !ok {
		return errors.Wrapf(core.ErrUnknownResource, "readback of '%s'", name)
	}
	img, ok := g.Image()
	if !ok {
		return errors.Wrapf(core.ErrUnknownResource, "'%s' has no live image", name)
	}
	family := uint32(context.Device.GraphicsQueueIndex)
	planned, needed := ReadbackBarrier(g, family)
	if !needed {
		return nil
	}

	cb, err := AllocateAndBeginSingleUse(context, family)
	if err != nil {
		return err
	}
	barrier := BuildImageMemoryBarrier(planned, img.Handle, g.Layers)
	vk.CmdPipelineBarrier(cb.Handle,
		planned.Previous.Stages,
		planned.Next.Stages,
		0, 0, nil, 0, nil,
		1, []vk.ImageMemoryBarrier{barrier})
	if err := cb.EndSingleUse(context); err != nil {
		return errors.Wrapf(err, "readback transition of '%s'", name)
	}
	return allocator.SetLastKnownLayout(name, vk.ImageLayoutTransferSrcOptimal)
}
