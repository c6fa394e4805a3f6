package config

import (
	"strings"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima/engine/core"
)

var formatLabels = map[string]vk.Format{
	"rgba8":   vk.FormatR8g8b8a8Unorm,
	"bgra8":   vk.FormatB8g8r8a8Unorm,
	"rgba16f": vk.FormatR16g16b16a16Sfloat,
	"rgba32f": vk.FormatR32g32b32a32Sfloat,
	"r32f":    vk.FormatR32Sfloat,
	"rg16f":   vk.FormatR16g16Sfloat,
	"d16":     vk.FormatD16Unorm,
	"d32":     vk.FormatD32Sfloat,
	"d24s8":   vk.FormatD24UnormS8Uint,
	"d32s8":   vk.FormatD32SfloatS8Uint,
	"d16s8":   vk.FormatD16UnormS8Uint,
	"x8d24":   vk.FormatX8D24UnormPack32,
	"s8":      vk.FormatS8Uint,
}

// ParseFormat maps a short format label to its Vulkan format.
func ParseFormat(label string) (vk.Format, error) {
	f, ok := formatLabels[strings.ToLower(strings.TrimSpace(label))]
	if !ok {
		return vk.FormatUndefined, errors.Wrapf(core.ErrUnsupportedFormat, "'%s'", label)
	}
	return f, nil
}

// FormatLabel is the inverse of ParseFormat. Unknown formats map to "".
func FormatLabel(format vk.Format) string {
	for label, f := range formatLabels {
		if f == format {
			return label
		}
	}
	return ""
}
