package framegraph

import (
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima/engine/renderer/metadata"
)

func stageFlags(bits ...vk.PipelineStageFlagBits) vk.PipelineStageFlags {
	var f vk.PipelineStageFlags
	for _, b := range bits {
		f |= vk.PipelineStageFlags(b)
	}
	return f
}

func accessFlags(bits ...vk.AccessFlagBits) vk.AccessFlags {
	var f vk.AccessFlags
	for _, b := range bits {
		f |= vk.AccessFlags(b)
	}
	return f
}

const writeAccessMask = vk.AccessFlags(vk.AccessShaderWriteBit |
	vk.AccessColorAttachmentWriteBit |
	vk.AccessDepthStencilAttachmentWriteBit |
	vk.AccessTransferWriteBit |
	vk.AccessHostWriteBit |
	vk.AccessMemoryWriteBit)

// hasWriteAccess reports whether the mask contains a write that must be made available.
func hasWriteAccess(access vk.AccessFlags) bool {
	return access&writeAccessMask != 0
}

// LayoutForRole maps an image role to the layout the consuming pass expects.
func LayoutForRole(role metadata.ImageRole) vk.ImageLayout {
	switch role {
	case metadata.ImageRoleColorAttachment, metadata.ImageRoleResolveAttachment:
		return vk.ImageLayoutColorAttachmentOptimal
	case metadata.ImageRoleDepthAttachment, metadata.ImageRoleStencilAttachment:
		return vk.ImageLayoutDepthStencilAttachmentOptimal
	case metadata.ImageRoleSampledTexture:
		return vk.ImageLayoutShaderReadOnlyOptimal
	case metadata.ImageRoleStorageTexture:
		return vk.ImageLayoutGeneral
	case metadata.ImageRoleTransferSource:
		return vk.ImageLayoutTransferSrcOptimal
	case metadata.ImageRoleTransferDestination:
		return vk.ImageLayoutTransferDstOptimal
	}
	return vk.ImageLayoutGeneral
}

// shaderStages resolves sampled/storage/uniform roles by the consuming pass.
func shaderStages(stage metadata.PassStage) vk.PipelineStageFlags {
	switch stage {
	case metadata.PassStageCompute:
		return stageFlags(vk.PipelineStageComputeShaderBit)
	case metadata.PassStageTransfer:
		return stageFlags(vk.PipelineStageTransferBit)
	}
	return stageFlags(vk.PipelineStageVertexShaderBit, vk.PipelineStageFragmentShaderBit)
}

// StagesForRole maps a role and the consuming pass classification to a stage mask.
func StagesForRole(role metadata.ResourceRole, stage metadata.PassStage) vk.PipelineStageFlags {
	switch r := role.(type) {
	case metadata.ImageRole:
		switch r {
		case metadata.ImageRoleColorAttachment, metadata.ImageRoleResolveAttachment:
			return stageFlags(vk.PipelineStageColorAttachmentOutputBit)
		case metadata.ImageRoleDepthAttachment, metadata.ImageRoleStencilAttachment:
			return stageFlags(vk.PipelineStageEarlyFragmentTestsBit, vk.PipelineStageLateFragmentTestsBit)
		case metadata.ImageRoleTransferSource, metadata.ImageRoleTransferDestination:
			return stageFlags(vk.PipelineStageTransferBit)
		case metadata.ImageRoleSampledTexture, metadata.ImageRoleStorageTexture:
			return shaderStages(stage)
		}
	case metadata.BufferRole:
		switch r {
		case metadata.BufferRoleVertex, metadata.BufferRoleIndex:
			return stageFlags(vk.PipelineStageVertexInputBit)
		case metadata.BufferRoleIndirect:
			return stageFlags(vk.PipelineStageDrawIndirectBit)
		case metadata.BufferRoleTransferSource, metadata.BufferRoleTransferDestination:
			return stageFlags(vk.PipelineStageTransferBit)
		case metadata.BufferRoleUniform, metadata.BufferRoleStorage:
			return shaderStages(stage)
		}
	}
	return stageFlags(vk.PipelineStageAllCommandsBit)
}

// AccessForRole crosses the declared intent with the role. The result is never empty.
func AccessForRole(role metadata.ResourceRole, intent metadata.AccessIntent) vk.AccessFlags {
	var access vk.AccessFlags
	reads, writes := intent.Reads(), intent.Writes()
	switch r := role.(type) {
	case metadata.ImageRole:
		switch r {
		case metadata.ImageRoleColorAttachment, metadata.ImageRoleResolveAttachment:
			if reads {
				access |= accessFlags(vk.AccessColorAttachmentReadBit)
			}
			if writes {
				access |= accessFlags(vk.AccessColorAttachmentWriteBit)
			}
		case metadata.ImageRoleDepthAttachment, metadata.ImageRoleStencilAttachment:
			if reads {
				access |= accessFlags(vk.AccessDepthStencilAttachmentReadBit)
			}
			if writes {
				access |= accessFlags(vk.AccessDepthStencilAttachmentWriteBit)
			}
		case metadata.ImageRoleSampledTexture, metadata.ImageRoleStorageTexture:
			if reads {
				access |= accessFlags(vk.AccessShaderReadBit)
			}
			if writes {
				access |= accessFlags(vk.AccessShaderWriteBit)
			}
		case metadata.ImageRoleTransferSource:
			access |= accessFlags(vk.AccessTransferReadBit)
		case metadata.ImageRoleTransferDestination:
			access |= accessFlags(vk.AccessTransferWriteBit)
		}
	case metadata.BufferRole:
		switch r {
		case metadata.BufferRoleVertex:
			access |= accessFlags(vk.AccessVertexAttributeReadBit)
		case metadata.BufferRoleIndex:
			access |= accessFlags(vk.AccessIndexReadBit)
		case metadata.BufferRoleIndirect:
			access |= accessFlags(vk.AccessIndirectCommandReadBit)
		case metadata.BufferRoleUniform:
			access |= accessFlags(vk.AccessUniformReadBit, vk.AccessShaderReadBit)
		case metadata.BufferRoleStorage:
			if reads {
				access |= accessFlags(vk.AccessShaderReadBit)
			}
			if writes {
				access |= accessFlags(vk.AccessShaderWriteBit)
			}
		case metadata.BufferRoleTransferSource:
			access |= accessFlags(vk.AccessTransferReadBit)
		case metadata.BufferRoleTransferDestination:
			access |= accessFlags(vk.AccessTransferWriteBit)
		}
	}
	if access == 0 {
		access = accessFlags(vk.AccessMemoryReadBit)
	}
	return access
}

// DeriveImageState is the coarse, usage-only derivation for an image usage.
func DeriveImageState(usage metadata.ResourceUsage, role metadata.ImageRole, format vk.Format, stage metadata.PassStage) ImageState {
	return ImageState{
		Layout: LayoutForRole(role),
		Stages: StagesForRole(role, stage),
		Access: AccessForRole(role, usage.Access),
		Aspect: AspectForUsage(format, role),
	}
}

// DeriveBufferState is the usage-only derivation for a buffer usage.
func DeriveBufferState(usage metadata.ResourceUsage, role metadata.BufferRole, stage metadata.PassStage) BufferState {
	return BufferState{
		Stages: StagesForRole(role, stage),
		Access: AccessForRole(role, usage.Access),
	}
}

// SyncPoint is one side of a synchronization edge.
type SyncPoint struct {
	Stages vk.PipelineStageFlags
	Access vk.AccessFlags
	Layout vk.ImageLayout
	// HasLayout is false for buffers and for the implicit initial producer of buffers.
	HasLayout bool
}

func initialSyncPoint(isImage bool) SyncPoint {
	return SyncPoint{
		Stages:    stageFlags(vk.PipelineStageTopOfPipeBit),
		Access:    0,
		Layout:    vk.ImageLayoutUndefined,
		HasLayout: isImage,
	}
}

// deriveSyncPoint is the edge-level derivation. Unlike the usage-only path it
// looks at load ops: loading an attachment reads its previous contents.
func deriveSyncPoint(usage metadata.ResourceUsage, stage metadata.PassStage) SyncPoint {
	p := SyncPoint{
		Stages: StagesForRole(usage.Role, stage),
		Access: AccessForRole(usage.Role, usage.Access),
	}
	if r, ok := usage.Role.(metadata.ImageRole); ok {
		p.Layout = LayoutForRole(r)
		p.HasLayout = true
		if usage.Load == metadata.LoadOpLoad {
			switch r {
			case metadata.ImageRoleColorAttachment, metadata.ImageRoleResolveAttachment:
				p.Access |= accessFlags(vk.AccessColorAttachmentReadBit)
			case metadata.ImageRoleDepthAttachment, metadata.ImageRoleStencilAttachment:
				p.Access |= accessFlags(vk.AccessDepthStencilAttachmentReadBit)
			}
		}
	}
	return p
}

func (p SyncPoint) imageState(aspect vk.ImageAspectFlags) ImageState {
	return ImageState{Layout: p.Layout, Stages: p.Stages, Access: p.Access, Aspect: aspect}
}

func (p SyncPoint) bufferState() BufferState {
	return BufferState{Stages: p.Stages, Access: p.Access}
}

func (p SyncPoint) readOnly() bool {
	return !hasWriteAccess(p.Access)
}
