package framegraph

import (
	"fmt"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima/engine/renderer/metadata"
	"golang.org/x/exp/constraints"
	"golang.org/x/exp/slices"
)

// IsDepthFormat reports whether the format has a depth component.
func IsDepthFormat(format vk.Format) bool {
	switch format {
	case vk.FormatD16Unorm, vk.FormatX8D24UnormPack32, vk.FormatD32Sfloat,
		vk.FormatD16UnormS8Uint, vk.FormatD24UnormS8Uint, vk.FormatD32SfloatS8Uint:
		return true
	}
	return false
}

// IsCombinedDepthStencilFormat reports whether depth and stencil share the format.
func IsCombinedDepthStencilFormat(format vk.Format) bool {
	switch format {
	case vk.FormatD16UnormS8Uint, vk.FormatD24UnormS8Uint, vk.FormatD32SfloatS8Uint:
		return true
	}
	return false
}

// AspectForUsage derives the aspect mask touched by a usage of an image.
func AspectForUsage(format vk.Format, role metadata.ImageRole) vk.ImageAspectFlags {
	depthRole := role == metadata.ImageRoleDepthAttachment || role == metadata.ImageRoleStencilAttachment
	if IsDepthFormat(format) || depthRole {
		aspect := vk.ImageAspectFlags(vk.ImageAspectDepthBit)
		if IsCombinedDepthStencilFormat(format) || role == metadata.ImageRoleStencilAttachment {
			aspect |= vk.ImageAspectFlags(vk.ImageAspectStencilBit)
		}
		return aspect
	}
	return vk.ImageAspectFlags(vk.ImageAspectColorBit)
}

// NormalizeAspectMask widens the mask to depth|stencil for combined formats.
// Barriers naming only one aspect of a combined format are rejected by some drivers.
func NormalizeAspectMask(format vk.Format, aspect vk.ImageAspectFlags) vk.ImageAspectFlags {
	if !IsCombinedDepthStencilFormat(format) {
		return aspect
	}
	depthStencil := vk.ImageAspectFlags(vk.ImageAspectDepthBit | vk.ImageAspectStencilBit)
	if aspect&depthStencil != 0 {
		aspect |= depthStencil
	}
	return aspect
}

// LayoutName is used in logs and the CLI output.
func LayoutName(layout vk.ImageLayout) string {
	switch layout {
	case vk.ImageLayoutUndefined:
		return "Undefined"
	case vk.ImageLayoutGeneral:
		return "General"
	case vk.ImageLayoutColorAttachmentOptimal:
		return "ColorAttachmentOptimal"
	case vk.ImageLayoutDepthStencilAttachmentOptimal:
		return "DepthStencilAttachmentOptimal"
	case vk.ImageLayoutDepthStencilReadOnlyOptimal:
		return "DepthStencilReadOnlyOptimal"
	case vk.ImageLayoutShaderReadOnlyOptimal:
		return "ShaderReadOnlyOptimal"
	case vk.ImageLayoutTransferSrcOptimal:
		return "TransferSrcOptimal"
	case vk.ImageLayoutTransferDstOptimal:
		return "TransferDstOptimal"
	case vk.ImageLayoutPreinitialized:
		return "Preinitialized"
	case vk.ImageLayoutPresentSrc:
		return "PresentSrc"
	}
	return fmt.Sprintf("ImageLayout(%d)", int32(layout))
}

func sortedKeys[K constraints.Ordered, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
