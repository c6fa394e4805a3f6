package metadata

import (
	"fmt"
	"strings"
)

/** @brief The pipeline classification of a render graph pass. */
type PassStage uint8

const (
	/** @brief Rasterization work recorded inside a render pass. */
	PassStageGraphics PassStage = iota
	/** @brief Dispatch work. */
	PassStageCompute
	/** @brief Copy/blit work. */
	PassStageTransfer
)

func (s PassStage) String() string {
	switch s {
	case PassStageGraphics:
		return "graphics"
	case PassStageCompute:
		return "compute"
	case PassStageTransfer:
		return "transfer"
	}
	return fmt.Sprintf("PassStage(%d)", uint8(s))
}

/** @brief How a pass intends to touch a resource. */
type AccessIntent uint8

const (
	AccessRead AccessIntent = iota
	AccessWrite
	AccessReadWrite
)

/** @brief Returns true when the intent includes reading. */
func (a AccessIntent) Reads() bool {
	return a == AccessRead || a == AccessReadWrite
}

/** @brief Returns true when the intent includes writing. */
func (a AccessIntent) Writes() bool {
	return a == AccessWrite || a == AccessReadWrite
}

func (a AccessIntent) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessReadWrite:
		return "read_write"
	}
	return fmt.Sprintf("AccessIntent(%d)", uint8(a))
}

type LoadOp uint8

const (
	LoadOpDontCare LoadOp = iota
	LoadOpLoad
	LoadOpClear
)

type StoreOp uint8

const (
	StoreOpDontCare StoreOp = iota
	StoreOpStore
)

/**
 * @brief ResourceRole is a closed set: only ImageRole and BufferRole implement it.
 * Image-only properties (layout, aspect) are therefore never derived for buffers.
 */
type ResourceRole interface {
	fmt.Stringer
	IsImage() bool
	resourceRole()
}

/** @brief Roles an image can play in a pass. */
type ImageRole uint8

const (
	ImageRoleColorAttachment ImageRole = iota
	ImageRoleResolveAttachment
	ImageRoleDepthAttachment
	ImageRoleStencilAttachment
	ImageRoleSampledTexture
	ImageRoleStorageTexture
	ImageRoleTransferSource
	ImageRoleTransferDestination
)

func (ImageRole) resourceRole() {}

func (ImageRole) IsImage() bool { return true }

/** @brief Returns true for roles bound as framebuffer attachments. */
func (r ImageRole) IsAttachment() bool {
	switch r {
	case ImageRoleColorAttachment, ImageRoleResolveAttachment, ImageRoleDepthAttachment, ImageRoleStencilAttachment:
		return true
	}
	return false
}

func (r ImageRole) String() string {
	switch r {
	case ImageRoleColorAttachment:
		return "color_attachment"
	case ImageRoleResolveAttachment:
		return "resolve_attachment"
	case ImageRoleDepthAttachment:
		return "depth_attachment"
	case ImageRoleStencilAttachment:
		return "stencil_attachment"
	case ImageRoleSampledTexture:
		return "sampled_texture"
	case ImageRoleStorageTexture:
		return "storage_texture"
	case ImageRoleTransferSource:
		return "transfer_source"
	case ImageRoleTransferDestination:
		return "transfer_destination"
	}
	return fmt.Sprintf("ImageRole(%d)", uint8(r))
}

/** @brief Roles a buffer can play in a pass. */
type BufferRole uint8

const (
	BufferRoleVertex BufferRole = iota
	BufferRoleIndex
	BufferRoleIndirect
	BufferRoleUniform
	BufferRoleStorage
	BufferRoleTransferSource
	BufferRoleTransferDestination
)

func (BufferRole) resourceRole() {}

func (BufferRole) IsImage() bool { return false }

func (r BufferRole) String() string {
	switch r {
	case BufferRoleVertex:
		return "vertex_buffer"
	case BufferRoleIndex:
		return "index_buffer"
	case BufferRoleIndirect:
		return "indirect_buffer"
	case BufferRoleUniform:
		return "uniform_buffer"
	case BufferRoleStorage:
		return "storage_buffer"
	case BufferRoleTransferSource:
		return "transfer_source_buffer"
	case BufferRoleTransferDestination:
		return "transfer_destination_buffer"
	}
	return fmt.Sprintf("BufferRole(%d)", uint8(r))
}

/** @brief Returns true when the role moves data through the transfer engine. */
func IsTransferRole(r ResourceRole) bool {
	switch v := r.(type) {
	case ImageRole:
		return v == ImageRoleTransferSource || v == ImageRoleTransferDestination
	case BufferRole:
		return v == BufferRoleTransferSource || v == BufferRoleTransferDestination
	}
	return false
}

var roleNames = map[string]ResourceRole{}

func init() {
	for r := ImageRoleColorAttachment; r <= ImageRoleTransferDestination; r++ {
		roleNames[r.String()] = r
	}
	for r := BufferRoleVertex; r <= BufferRoleTransferDestination; r++ {
		roleNames[r.String()] = r
	}
}

/** @brief Resolves a role from its string form (as produced by String). */
func ParseResourceRole(name string) (ResourceRole, error) {
	r, ok := roleNames[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown resource role '%s'", name)
	}
	return r, nil
}

/**
 * @brief A single declared use of a named resource by a pass.
 */
type ResourceUsage struct {
	/** @brief The logical resource name. Case-insensitive. */
	ResourceName string
	/** @brief What the resource is bound as. */
	Role ResourceRole
	/** @brief Read, write or both. */
	Access AccessIntent
	Load   LoadOp
	Store  StoreOp
}

/**
 * @brief Metadata for one render graph pass, produced by the authoring layer.
 */
type RenderPassMetadata struct {
	/** @brief Unique, stable index of the pass within the frame graph. */
	PassIndex int
	Name      string
	Stage     PassStage
	/** @brief Resource usages in declaration order. */
	Usages []ResourceUsage
	/** @brief Pass indices that must run before this one. */
	Dependencies []int
	/** @brief Descriptor schema identifiers used by the pass. */
	DescriptorSchemas []string
}

/** @brief Normalizes a resource name for case-insensitive lookups. */
func NormalizeResourceName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
