package vulkan

import (
	"testing"
	"time"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima/engine/renderer/framegraph"
	"github.com/spaghettifunk/anima/engine/renderer/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var asyncFamilies = framegraph.QueueFamilies{Graphics: 0, Compute: 1, Transfer: 2, HasCompute: true, HasTransfer: true}

// depthThenCompute writes a combined depth-stencil target and samples it from
// a compute pass together with a storage buffer.
func depthThenCompute(t *testing.T, pref framegraph.QueueOwnershipPreference) (*framegraph.Planner, *framegraph.FramePlan) {
	t.Helper()
	reg := metadata.NewResourceRegistry()
	require.NoError(t, reg.Register(metadata.ResourceDescriptor{
		Name:     "depth",
		Kind:     metadata.ResourceKindTexture,
		Lifetime: metadata.ResourceLifetimeTransient,
		Size:     metadata.SizePolicy{Kind: metadata.SizePolicyViewport, Scale: 1},
		Format:   vk.FormatD24UnormS8Uint,
	}))
	require.NoError(t, reg.Register(metadata.ResourceDescriptor{
		Name:     "args",
		Kind:     metadata.ResourceKindBuffer,
		Lifetime: metadata.ResourceLifetimePersistent,
		Size:     metadata.SizePolicy{Kind: metadata.SizePolicyFixed, Bytes: 256},
	}))
	passes := []metadata.RenderPassMetadata{
		{PassIndex: 0, Name: "prepass", Stage: metadata.PassStageGraphics, Usages: []metadata.ResourceUsage{
			{ResourceName: "depth", Role: metadata.ImageRoleDepthAttachment, Access: metadata.AccessWrite},
			{ResourceName: "args", Role: metadata.BufferRoleIndirect, Access: metadata.AccessRead},
		}},
		{PassIndex: 1, Name: "hiz", Stage: metadata.PassStageCompute, Usages: []metadata.ResourceUsage{
			{ResourceName: "depth", Role: metadata.ImageRoleSampledTexture, Access: metadata.AccessRead},
			{ResourceName: "args", Role: metadata.BufferRoleStorage, Access: metadata.AccessWrite},
		}},
	}

	p := framegraph.NewPlanner(framegraph.NewHeadlessDevice(), framegraph.DefaultPlannerConfig())
	plan, err := p.PrepareFrame(framegraph.FrameInput{
		Passes:       passes,
		Registry:     reg,
		Viewport:     framegraph.Extent{Width: 320, Height: 240},
		Families:     asyncFamilies,
		Mode:         pref,
		UseSyncGraph: true,
		FrameDelta:   16 * time.Millisecond,
	})
	require.NoError(t, err)
	return p, plan
}

func TestBuildImageMemoryBarrierNormalizesAspect(t *testing.T) {
	b := framegraph.PlannedImageBarrier{
		Format: vk.FormatD32SfloatS8Uint,
		Previous: framegraph.ImageState{
			Layout: vk.ImageLayoutDepthStencilAttachmentOptimal,
			Access: vk.AccessFlags(vk.AccessDepthStencilAttachmentWriteBit),
		},
		Next: framegraph.ImageState{
			Layout: vk.ImageLayoutShaderReadOnlyOptimal,
			Access: vk.AccessFlags(vk.AccessShaderReadBit),
			Aspect: vk.ImageAspectFlags(vk.ImageAspectDepthBit),
		},
		SrcQueueFamily: framegraph.QueueFamilyIgnored,
		DstQueueFamily: framegraph.QueueFamilyIgnored,
	}
	got := BuildImageMemoryBarrier(b, nil, 0)

	assert.Equal(t, vk.StructureTypeImageMemoryBarrier, got.SType)
	assert.Equal(t, vk.ImageAspectFlags(vk.ImageAspectDepthBit|vk.ImageAspectStencilBit), got.SubresourceRange.AspectMask)
	assert.Equal(t, uint32(1), got.SubresourceRange.LayerCount)
	assert.Equal(t, uint32(1), got.SubresourceRange.LevelCount)
	assert.Equal(t, vk.ImageLayoutDepthStencilAttachmentOptimal, got.OldLayout)
	assert.Equal(t, vk.ImageLayoutShaderReadOnlyOptimal, got.NewLayout)
	assert.Equal(t, b.Previous.Access, got.SrcAccessMask)
	assert.Equal(t, b.Next.Access, got.DstAccessMask)
	assert.Equal(t, framegraph.QueueFamilyIgnored, got.SrcQueueFamilyIndex)

	b.Format = vk.FormatD32Sfloat
	assert.Equal(t, vk.ImageAspectFlags(vk.ImageAspectDepthBit), BuildImageMemoryBarrier(b, nil, 6).SubresourceRange.AspectMask)
	assert.Equal(t, uint32(6), BuildImageMemoryBarrier(b, nil, 6).SubresourceRange.LayerCount)
}

func TestBuildBufferMemoryBarrier(t *testing.T) {
	b := framegraph.PlannedBufferBarrier{
		Previous:       framegraph.BufferState{Access: vk.AccessFlags(vk.AccessShaderWriteBit)},
		Next:           framegraph.BufferState{Access: vk.AccessFlags(vk.AccessIndirectCommandReadBit)},
		SrcQueueFamily: 1,
		DstQueueFamily: 0,
	}
	got := BuildBufferMemoryBarrier(b, nil)
	assert.Equal(t, vk.StructureTypeBufferMemoryBarrier, got.SType)
	assert.Equal(t, vk.DeviceSize(vk.WholeSize), got.Size)
	assert.Zero(t, got.Offset)
	assert.Equal(t, uint32(1), got.SrcQueueFamilyIndex)
	assert.Equal(t, uint32(0), got.DstQueueFamilyIndex)
	assert.Equal(t, b.Next.Access, got.DstAccessMask)
}

func TestBatchPassBarriersSplitsOwnershipByQueue(t *testing.T) {
	p, plan := depthThenCompute(t, framegraph.QueuePreferenceGraphicsCompute)
	require.Equal(t, 2, plan.Barriers.Telemetry().QueueOwnershipTransferCount)

	released, skipped := BatchPassBarriers(plan.Barriers, 1, 0, p.Allocator())
	assert.Empty(t, skipped)
	acquired, skipped := BatchPassBarriers(plan.Barriers, 1, 1, p.Allocator())
	assert.Empty(t, skipped)

	count := func(batches []BarrierBatch) (images, buffers int) {
		for _, b := range batches {
			images += len(b.Images)
			buffers += len(b.Buffers)
		}
		return
	}
	ri, rb := count(released)
	ai, ab := count(acquired)
	assert.Equal(t, 1, ri)
	assert.Equal(t, 1, rb)
	assert.Equal(t, 1, ai)
	assert.Equal(t, 1, ab)

	for _, batch := range released {
		assert.Equal(t, vk.PipelineStageFlags(vk.PipelineStageBottomOfPipeBit), batch.DstStages)
		for _, img := range batch.Images {
			assert.Equal(t, uint32(0), img.SrcQueueFamilyIndex)
			assert.Equal(t, uint32(1), img.DstQueueFamilyIndex)
			assert.Zero(t, img.DstAccessMask)
			assert.Equal(t, vk.ImageAspectFlags(vk.ImageAspectDepthBit|vk.ImageAspectStencilBit), img.SubresourceRange.AspectMask)
		}
	}
	for _, batch := range acquired {
		assert.Equal(t, vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit), batch.SrcStages)
		for _, img := range batch.Images {
			assert.Zero(t, img.SrcAccessMask)
			assert.Equal(t, vk.ImageLayoutShaderReadOnlyOptimal, img.NewLayout)
		}
	}

	g, ok := p.Allocator().TryGetPhysicalGroupForResource("depth")
	require.True(t, ok)
	img, _ := g.Image()
	assert.Equal(t, img.Handle, acquired[0].Images[0].Image)
}

func TestBatchPassBarriersSingleQueue(t *testing.T) {
	p, plan := depthThenCompute(t, framegraph.QueuePreferenceGraphicsOnly)
	assert.Zero(t, plan.Barriers.Telemetry().QueueOwnershipTransferCount)

	batches, _ := BatchPassBarriers(plan.Barriers, 1, 0, p.Allocator())
	require.NotEmpty(t, batches)
	for _, b := range batches {
		for _, img := range b.Images {
			assert.Equal(t, framegraph.QueueFamilyIgnored, img.SrcQueueFamilyIndex)
			assert.Equal(t, framegraph.QueueFamilyIgnored, img.DstQueueFamilyIndex)
		}
	}
	none, _ := BatchPassBarriers(plan.Barriers, 1, 1, p.Allocator())
	assert.Empty(t, none)

	p.Shutdown()
	_, skipped := BatchPassBarriers(plan.Barriers, 1, 0, p.Allocator())
	assert.NotEmpty(t, skipped)
}

func TestReadbackBarrier(t *testing.T) {
	p, _ := depthThenCompute(t, framegraph.QueuePreferenceGraphicsOnly)
	g, ok := p.Allocator().TryGetPhysicalGroupForResource("depth")
	require.True(t, ok)

	b, needed := ReadbackBarrier(g, 0)
	require.True(t, needed)
	assert.Equal(t, g.LastKnownLayout, b.Previous.Layout)
	assert.Equal(t, vk.ImageLayoutTransferSrcOptimal, b.Next.Layout)
	assert.Equal(t, vk.ImageAspectFlags(vk.ImageAspectDepthBit|vk.ImageAspectStencilBit), b.Next.Aspect)

	require.NoError(t, p.Allocator().SetLastKnownLayout("depth", vk.ImageLayoutTransferSrcOptimal))
	_, needed = ReadbackBarrier(g, 0)
	assert.False(t, needed)

	buf, _ := p.Allocator().TryGetPhysicalGroupForResource("args")
	_, needed = ReadbackBarrier(buf, 0)
	assert.False(t, needed)
}

func TestPickQueueFamilies(t *testing.T) {
	tests := []struct {
		name     string
		families []vk.QueueFlags
		want     VulkanPhysicalDeviceQueueFamilyInfo
		ok       bool
	}{
		{
			name: "dedicated async queues",
			families: []vk.QueueFlags{
				vk.QueueFlags(vk.QueueGraphicsBit | vk.QueueComputeBit | vk.QueueTransferBit),
				vk.QueueFlags(vk.QueueComputeBit | vk.QueueTransferBit),
				vk.QueueFlags(vk.QueueTransferBit),
			},
			want: VulkanPhysicalDeviceQueueFamilyInfo{GraphicsFamilyIndex: 0, ComputeFamilyIndex: 1, TransferFamilyIndex: 2},
			ok:   true,
		},
		{
			name:     "single universal family",
			families: []vk.QueueFlags{vk.QueueFlags(vk.QueueGraphicsBit | vk.QueueComputeBit)},
			want:     VulkanPhysicalDeviceQueueFamilyInfo{GraphicsFamilyIndex: 0, ComputeFamilyIndex: 0, TransferFamilyIndex: 0},
			ok:       true,
		},
		{
			name:     "compute only device",
			families: []vk.QueueFlags{vk.QueueFlags(vk.QueueComputeBit)},
			want:     VulkanPhysicalDeviceQueueFamilyInfo{GraphicsFamilyIndex: -1, ComputeFamilyIndex: 0, TransferFamilyIndex: 0},
			ok:       false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := PickQueueFamilies(tt.families)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDeviceQueueFamilies(t *testing.T) {
	d := NewVulkanDevice()
	d.GraphicsQueueIndex = 0
	d.ComputeQueueIndex = 1
	assert.Equal(t, framegraph.QueueFamilies{Graphics: 0, Compute: 1, HasCompute: true}, d.QueueFamilies())
	assert.Equal(t, []uint32{0, 1}, d.distinctFamilies())

	d.TransferQueueIndex = 0
	assert.Equal(t, []uint32{0, 1}, d.distinctFamilies())
}

func TestVulkanResultString(t *testing.T) {
	assert.Equal(t, "VK_ERROR_DEVICE_LOST", VulkanResultString(vk.ErrorDeviceLost, false))
	assert.True(t, VulkanResultIsSuccess(vk.Incomplete))
	assert.False(t, VulkanResultIsSuccess(vk.ErrorOutOfDeviceMemory))
	assert.NoError(t, check(vk.Success, "noop"))
	assert.ErrorContains(t, check(vk.ErrorOutOfDeviceMemory, "vkAllocateMemory"), "vkAllocateMemory failed")
	assert.Equal(t, "abc", cString([]byte{'a', 'b', 'c', 0, 'x'}))
}
