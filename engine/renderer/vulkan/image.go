package vulkan

import (
	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima/engine/renderer/framegraph"
)

// createImage creates an optimal tiling, device local image with its memory
// bound and a default view covering every layer.
func createImage(context *VulkanContext, info framegraph.ImageCreateInfo) (framegraph.PhysicalImage, error) {
	device := context.Device.LogicalDevice
	layers := info.Layers
	if layers == 0 {
		layers = 1
	}

	createInfo := vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: vk.ImageType2d,
		Extent: vk.Extent3D{
			Width:  info.Extent.Width,
			Height: info.Extent.Height,
			Depth:  1,
		},
		MipLevels:     1,
		ArrayLayers:   layers,
		Format:        info.Format,
		Tiling:        vk.ImageTilingOptimal,
		InitialLayout: vk.ImageLayoutUndefined,
		Usage:         info.Usage,
		Samples:       vk.SampleCount1Bit,
		SharingMode:   vk.SharingModeExclusive,
	}

	var image vk.Image
	if err := check(vk.CreateImage(device, &createInfo, context.Allocator, &image), "vkCreateImage"); err != nil {
		return framegraph.PhysicalImage{}, err
	}

	var memRequirements vk.MemoryRequirements
	vk.GetImageMemoryRequirements(device, image, &memRequirements)
	memRequirements.Deref()

	memoryType, err := context.FindMemoryIndex(memRequirements.MemoryTypeBits, vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit))
	if err != nil {
		vk.DestroyImage(device, image, context.Allocator)
		return framegraph.PhysicalImage{}, errors.Wrap(err, "image memory")
	}

	allocInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  memRequirements.Size,
		MemoryTypeIndex: memoryType,
	}
	var memory vk.DeviceMemory
	if err := check(vk.AllocateMemory(device, &allocInfo, context.Allocator, &memory), "vkAllocateMemory"); err != nil {
		vk.DestroyImage(device, image, context.Allocator)
		return framegraph.PhysicalImage{}, err
	}
	if err := check(vk.BindImageMemory(device, image, memory, 0), "vkBindImageMemory"); err != nil {
		vk.FreeMemory(device, memory, context.Allocator)
		vk.DestroyImage(device, image, context.Allocator)
		return framegraph.PhysicalImage{}, err
	}

	view, err := createImageView(context, image, info.Format, info.Aspect, layers)
	if err != nil {
		vk.FreeMemory(device, memory, context.Allocator)
		vk.DestroyImage(device, image, context.Allocator)
		return framegraph.PhysicalImage{}, err
	}
	return framegraph.PhysicalImage{Handle: image, Memory: memory, View: view}, nil
}

func createImageView(context *VulkanContext, image vk.Image, format vk.Format, aspect vk.ImageAspectFlags, layers uint32) (vk.ImageView, error) {
	viewType := vk.ImageViewType2d
	if layers > 1 {
		viewType = vk.ImageViewType2dArray
	}
	viewInfo := vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    image,
		ViewType: viewType,
		Format:   format,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask:     aspect,
			BaseMipLevel:   0,
			LevelCount:     1,
			BaseArrayLayer: 0,
			LayerCount:     layers,
		},
	}
	var view vk.ImageView
	if err := check(vk.CreateImageView(context.Device.LogicalDevice, &viewInfo, context.Allocator, &view), "vkCreateImageView"); err != nil {
		return nil, err
	}
	return view, nil
}

func destroyImage(context *VulkanContext, image framegraph.PhysicalImage) {
	device := context.Device.LogicalDevice
	if image.View != nil {
		vk.DestroyImageView(device, image.View, context.Allocator)
	}
	if image.Handle != nil {
		vk.DestroyImage(device, image.Handle, context.Allocator)
	}
	if image.Memory != nil {
		vk.FreeMemory(device, image.Memory, context.Allocator)
	}
}
