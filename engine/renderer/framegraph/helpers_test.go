package framegraph

import (
	"testing"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima/engine/renderer/metadata"
	"github.com/stretchr/testify/require"
)

func colorTexture(name string) metadata.ResourceDescriptor {
	return metadata.ResourceDescriptor{
		Name:      name,
		Kind:      metadata.ResourceKindTexture,
		Lifetime:  metadata.ResourceLifetimeTransient,
		Size:      metadata.SizePolicy{Kind: metadata.SizePolicyViewport, Scale: 1},
		Format:    vk.FormatR8g8b8a8Unorm,
		Aliasable: true,
	}
}

func storageBuffer(name string, bytes uint64) metadata.ResourceDescriptor {
	return metadata.ResourceDescriptor{
		Name:     name,
		Kind:     metadata.ResourceKindBuffer,
		Lifetime: metadata.ResourceLifetimePersistent,
		Size:     metadata.SizePolicy{Kind: metadata.SizePolicyFixed, Bytes: bytes},
	}
}

func use(name string, role metadata.ResourceRole, access metadata.AccessIntent) metadata.ResourceUsage {
	return metadata.ResourceUsage{ResourceName: name, Role: role, Access: access}
}

func pass(index int, name string, stage metadata.PassStage, usages ...metadata.ResourceUsage) metadata.RenderPassMetadata {
	return metadata.RenderPassMetadata{PassIndex: index, Name: name, Stage: stage, Usages: usages}
}

// threePassGraph writes T, samples it from compute, then writes it again.
func threePassGraph() []metadata.RenderPassMetadata {
	return []metadata.RenderPassMetadata{
		pass(0, "gbuffer", metadata.PassStageGraphics, use("T", metadata.ImageRoleColorAttachment, metadata.AccessWrite)),
		pass(1, "blur", metadata.PassStageCompute, use("T", metadata.ImageRoleSampledTexture, metadata.AccessRead)),
		pass(2, "composite", metadata.PassStageGraphics, use("T", metadata.ImageRoleColorAttachment, metadata.AccessWrite)),
	}
}

func newRegistry(t *testing.T, descs ...metadata.ResourceDescriptor) *metadata.ResourceRegistry {
	t.Helper()
	r := metadata.NewResourceRegistry()
	for _, d := range descs {
		require.NoError(t, r.Register(d))
	}
	return r
}

// newAllocator builds and allocates the physical plan for the passes.
func newAllocator(t *testing.T, passes []metadata.RenderPassMetadata, descs ...metadata.ResourceDescriptor) (*ResourceAllocator, *HeadlessDevice, []int) {
	t.Helper()
	rp := NewResourcePlanner()
	rp.Sync(newRegistry(t, descs...))
	device := NewHeadlessDevice()
	a := NewResourceAllocator(device)
	require.NoError(t, a.UpdatePlan(rp.Plan(Extent{Width: 1280, Height: 720})))
	order, _ := TopologicalOrder(passes)
	require.NoError(t, a.RebuildPhysicalPlan(passes, order))
	require.NoError(t, a.AllocatePhysicalImages())
	require.NoError(t, a.AllocatePhysicalBuffers())
	return a, device, order
}
