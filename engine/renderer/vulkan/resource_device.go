package vulkan

import (
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima/engine/core"
	"github.com/spaghettifunk/anima/engine/renderer/framegraph"
)

// VulkanResourceDevice creates the physical objects behind frame graph groups
// on a real device.
type VulkanResourceDevice struct {
	context *VulkanContext
}

var _ framegraph.ResourceDevice = (*VulkanResourceDevice)(nil)

func NewVulkanResourceDevice(context *VulkanContext) *VulkanResourceDevice {
	return &VulkanResourceDevice{context: context}
}

func (d *VulkanResourceDevice) CreateImage(info framegraph.ImageCreateInfo) (framegraph.PhysicalImage, error) {
	var image framegraph.PhysicalImage
	err := d.context.Locks.SafeCall(ResourceManagement, func() error {
		var err error
		image, err = createImage(d.context, info)
		return err
	})
	if err != nil {
		return framegraph.PhysicalImage{}, err
	}
	core.LogDebug("created image '%s' %dx%d x%d", info.Name, info.Extent.Width, info.Extent.Height, info.Layers)
	return image, nil
}

func (d *VulkanResourceDevice) DestroyImage(image framegraph.PhysicalImage) {
	_ = d.context.Locks.SafeCall(ResourceManagement, func() error {
		destroyImage(d.context, image)
		return nil
	})
}

func (d *VulkanResourceDevice) CreateBuffer(info framegraph.BufferCreateInfo) (framegraph.PhysicalBuffer, error) {
	var buffer framegraph.PhysicalBuffer
	err := d.context.Locks.SafeCall(ResourceManagement, func() error {
		var err error
		buffer, err = createBuffer(d.context, info)
		return err
	})
	if err != nil {
		return framegraph.PhysicalBuffer{}, err
	}
	core.LogDebug("created buffer '%s' (%d bytes)", info.Name, info.Size)
	return buffer, nil
}

func (d *VulkanResourceDevice) DestroyBuffer(buffer framegraph.PhysicalBuffer) {
	_ = d.context.Locks.SafeCall(ResourceManagement, func() error {
		device := d.context.Device.LogicalDevice
		if buffer.Handle != nil {
			vk.DestroyBuffer(device, buffer.Handle, d.context.Allocator)
		}
		if buffer.Memory != nil {
			vk.FreeMemory(device, buffer.Memory, d.context.Allocator)
		}
		return nil
	})
}

func createBuffer(context *VulkanContext, info framegraph.BufferCreateInfo) (framegraph.PhysicalBuffer, error) {
	device := context.Device.LogicalDevice
	size := info.Size
	if size == 0 {
		size = 1
	}
	bufferInfo := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(size),
		Usage:       info.Usage,
		SharingMode: vk.SharingModeExclusive,
	}
	var buffer vk.Buffer
	if err := check(vk.CreateBuffer(device, &bufferInfo, context.Allocator, &buffer), "vkCreateBuffer"); err != nil {
		return framegraph.PhysicalBuffer{}, err
	}

	var memReqs vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(device, buffer, &memReqs)
	memReqs.Deref()

	memTypeIndex, err := context.FindMemoryIndex(memReqs.MemoryTypeBits, vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit))
	if err != nil {
		vk.DestroyBuffer(device, buffer, context.Allocator)
		return framegraph.PhysicalBuffer{}, err
	}
	allocInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  memReqs.Size,
		MemoryTypeIndex: memTypeIndex,
	}
	var memory vk.DeviceMemory
	if err := check(vk.AllocateMemory(device, &allocInfo, context.Allocator, &memory), "vkAllocateMemory"); err != nil {
		vk.DestroyBuffer(device, buffer, context.Allocator)
		return framegraph.PhysicalBuffer{}, err
	}
	if err := check(vk.BindBufferMemory(device, buffer, memory, 0), "vkBindBufferMemory"); err != nil {
		vk.FreeMemory(device, memory, context.Allocator)
		vk.DestroyBuffer(device, buffer, context.Allocator)
		return framegraph.PhysicalBuffer{}, err
	}
	return framegraph.PhysicalBuffer{Handle: buffer, Memory: memory, Size: info.Size}, nil
}
