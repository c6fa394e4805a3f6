package vulkan

import (
	"runtime"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima/engine/core"
	"github.com/spaghettifunk/anima/engine/renderer/framegraph"
)

type VulkanDevice struct {
	PhysicalDevice     vk.PhysicalDevice
	LogicalDevice      vk.Device
	GraphicsQueueIndex int32
	ComputeQueueIndex  int32
	TransferQueueIndex int32

	GraphicsQueue vk.Queue
	ComputeQueue  vk.Queue
	TransferQueue vk.Queue

	// One pool per distinct queue family.
	CommandPools map[uint32]vk.CommandPool

	Properties vk.PhysicalDeviceProperties
	Features   vk.PhysicalDeviceFeatures
	Memory     vk.PhysicalDeviceMemoryProperties

	DepthFormat vk.Format
}

type VulkanPhysicalDeviceRequirements struct {
	Compute              bool
	Transfer             bool
	DeviceExtensionNames []string
	DiscreteGPU          bool
}

type VulkanPhysicalDeviceQueueFamilyInfo struct {
	GraphicsFamilyIndex int32
	ComputeFamilyIndex  int32
	TransferFamilyIndex int32
}

func NewVulkanDevice() *VulkanDevice {
	return &VulkanDevice{
		GraphicsQueueIndex: -1,
		ComputeQueueIndex:  -1,
		TransferQueueIndex: -1,
		CommandPools:       make(map[uint32]vk.CommandPool),
	}
}

// QueueFamilies reports the probed families to the queue ownership heuristic.
func (d *VulkanDevice) QueueFamilies() framegraph.QueueFamilies {
	f := framegraph.QueueFamilies{Graphics: uint32(d.GraphicsQueueIndex)}
	if d.ComputeQueueIndex >= 0 {
		f.Compute = uint32(d.ComputeQueueIndex)
		f.HasCompute = true
	}
	if d.TransferQueueIndex >= 0 {
		f.Transfer = uint32(d.TransferQueueIndex)
		f.HasTransfer = true
	}
	return f
}

// Queue returns the queue created for a family, nil when the family is unused.
func (d *VulkanDevice) Queue(family uint32) vk.Queue {
	switch int32(family) {
	case d.GraphicsQueueIndex:
		return d.GraphicsQueue
	case d.ComputeQueueIndex:
		return d.ComputeQueue
	case d.TransferQueueIndex:
		return d.TransferQueue
	}
	return nil
}

func (d *VulkanDevice) CommandPool(family uint32) (vk.CommandPool, bool) {
	pool, ok := d.CommandPools[family]
	return pool, ok
}

// distinctFamilies lists each used family once, graphics first.
func (d *VulkanDevice) distinctFamilies() []uint32 {
	out := []uint32{uint32(d.GraphicsQueueIndex)}
	for _, idx := range []int32{d.ComputeQueueIndex, d.TransferQueueIndex} {
		if idx < 0 {
			continue
		}
		seen := false
		for _, f := range out {
			if f == uint32(idx) {
				seen = true
			}
		}
		if !seen {
			out = append(out, uint32(idx))
		}
	}
	return out
}

// PickQueueFamilies chooses the families from the capability flags of each
// family. Compute and transfer take the family with the fewest other
// capabilities, which favours dedicated async queues.
func PickQueueFamilies(families []vk.QueueFlags) (VulkanPhysicalDeviceQueueFamilyInfo, bool) {
	info := VulkanPhysicalDeviceQueueFamilyInfo{GraphicsFamilyIndex: -1, ComputeFamilyIndex: -1, TransferFamilyIndex: -1}
	minComputeScore := 255
	minTransferScore := 255
	for i, flags := range families {
		graphics := flags&vk.QueueFlags(vk.QueueGraphicsBit) != 0
		compute := flags&vk.QueueFlags(vk.QueueComputeBit) != 0
		// Graphics and compute queues implicitly support transfers.
		transfer := graphics || compute || flags&vk.QueueFlags(vk.QueueTransferBit) != 0

		score := 0
		if graphics {
			score++
			if info.GraphicsFamilyIndex < 0 {
				info.GraphicsFamilyIndex = int32(i)
			}
		}
		if compute {
			score++
		}

		if compute && score < minComputeScore {
			minComputeScore = score
			info.ComputeFamilyIndex = int32(i)
		}
		// Take the index if it is the current lowest. This increases the
		// likelihood that it is a dedicated transfer queue.
		if transfer && score < minTransferScore {
			minTransferScore = score
			info.TransferFamilyIndex = int32(i)
		}
	}
	return info, info.GraphicsFamilyIndex >= 0
}

func queueFamilyFlags(device vk.PhysicalDevice) []vk.QueueFlags {
	var queueFamilyCount uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(device, &queueFamilyCount, nil)
	queueFamilies := make([]vk.QueueFamilyProperties, queueFamilyCount)
	vk.GetPhysicalDeviceQueueFamilyProperties(device, &queueFamilyCount, queueFamilies)

	flags := make([]vk.QueueFlags, queueFamilyCount)
	for i := range queueFamilies {
		queueFamilies[i].Deref()
		flags[i] = queueFamilies[i].QueueFlags
	}
	return flags
}

func deviceExtensions(device vk.PhysicalDevice) ([]string, error) {
	var count uint32
	if err := check(vk.EnumerateDeviceExtensionProperties(device, "", &count, nil), "vkEnumerateDeviceExtensionProperties"); err != nil {
		return nil, err
	}
	available := make([]vk.ExtensionProperties, count)
	if err := check(vk.EnumerateDeviceExtensionProperties(device, "", &count, available), "vkEnumerateDeviceExtensionProperties"); err != nil {
		return nil, err
	}
	names := make([]string, 0, count)
	for i := range available {
		available[i].Deref()
		names = append(names, cString(available[i].ExtensionName[:]))
	}
	return names, nil
}

func hasExtension(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}

func SelectPhysicalDevice(context *VulkanContext, requirements VulkanPhysicalDeviceRequirements) error {
	var physicalDeviceCount uint32
	if err := check(vk.EnumeratePhysicalDevices(context.Instance, &physicalDeviceCount, nil), "vkEnumeratePhysicalDevices"); err != nil {
		return err
	}
	if physicalDeviceCount == 0 {
		return errors.New("no devices which support Vulkan were found")
	}
	physicalDevices := make([]vk.PhysicalDevice, physicalDeviceCount)
	if err := check(vk.EnumeratePhysicalDevices(context.Instance, &physicalDeviceCount, physicalDevices), "vkEnumeratePhysicalDevices"); err != nil {
		return err
	}

	if runtime.GOOS == "darwin" {
		requirements.DiscreteGPU = false
	}

	for _, candidate := range physicalDevices {
		properties := vk.PhysicalDeviceProperties{}
		vk.GetPhysicalDeviceProperties(candidate, &properties)
		properties.Deref()

		features := vk.PhysicalDeviceFeatures{}
		vk.GetPhysicalDeviceFeatures(candidate, &features)
		features.Deref()

		memory := vk.PhysicalDeviceMemoryProperties{}
		vk.GetPhysicalDeviceMemoryProperties(candidate, &memory)
		memory.Deref()

		queueInfo, ok := PhysicalDeviceMeetsRequirements(candidate, &properties, &requirements)
		if !ok {
			continue
		}

		core.LogInfo("Selected device: '%s'.", cString(properties.DeviceName[:]))
		switch properties.DeviceType {
		case vk.PhysicalDeviceTypeIntegratedGpu:
			core.LogInfo("GPU type is Integrated.")
		case vk.PhysicalDeviceTypeDiscreteGpu:
			core.LogInfo("GPU type is Discrete.")
		case vk.PhysicalDeviceTypeVirtualGpu:
			core.LogInfo("GPU type is Virtual.")
		case vk.PhysicalDeviceTypeCpu:
			core.LogInfo("GPU type is CPU.")
		default:
			core.LogInfo("GPU type is Unknown.")
		}
		core.LogInfo(
			"Vulkan API version: %d.%d.%d",
			vk.Version(properties.ApiVersion).Major(),
			vk.Version(properties.ApiVersion).Minor(),
			vk.Version(properties.ApiVersion).Patch(),
		)
		for j := 0; j < int(memory.MemoryHeapCount); j++ {
			memory.MemoryHeaps[j].Deref()
			memorySizeGib := float64(memory.MemoryHeaps[j].Size) / 1024.0 / 1024.0 / 1024.0
			if vk.MemoryHeapFlagBits(memory.MemoryHeaps[j].Flags)&vk.MemoryHeapDeviceLocalBit != 0 {
				core.LogInfo("Local GPU memory: %.2f GiB", memorySizeGib)
			} else {
				core.LogInfo("Shared System memory: %.2f GiB", memorySizeGib)
			}
		}

		context.Device.PhysicalDevice = candidate
		context.Device.GraphicsQueueIndex = queueInfo.GraphicsFamilyIndex
		context.Device.ComputeQueueIndex = queueInfo.ComputeFamilyIndex
		context.Device.TransferQueueIndex = queueInfo.TransferFamilyIndex
		context.Device.Properties = properties
		context.Device.Features = features
		context.Device.Memory = memory
		return nil
	}
	return errors.New("no physical devices were found which meet the requirements")
}

func PhysicalDeviceMeetsRequirements(device vk.PhysicalDevice, properties *vk.PhysicalDeviceProperties, requirements *VulkanPhysicalDeviceRequirements) (VulkanPhysicalDeviceQueueFamilyInfo, bool) {
	name := cString(properties.DeviceName[:])
	if requirements.DiscreteGPU && properties.DeviceType != vk.PhysicalDeviceTypeDiscreteGpu {
		core.LogInfo("Device '%s' is not a discrete GPU, and one is required. Skipping.", name)
		return VulkanPhysicalDeviceQueueFamilyInfo{}, false
	}

	info, ok := PickQueueFamilies(queueFamilyFlags(device))
	core.LogInfo("Graphics | Compute | Transfer | Name")
	core.LogInfo("%8d | %7d | %8d | %s", info.GraphicsFamilyIndex, info.ComputeFamilyIndex, info.TransferFamilyIndex, name)
	if !ok ||
		(requirements.Compute && info.ComputeFamilyIndex < 0) ||
		(requirements.Transfer && info.TransferFamilyIndex < 0) {
		core.LogInfo("Device '%s' does not meet queue requirements, skipping.", name)
		return info, false
	}

	if len(requirements.DeviceExtensionNames) > 0 {
		available, err := deviceExtensions(device)
		if err != nil {
			core.LogWarn("%s", err)
			return info, false
		}
		for _, ext := range requirements.DeviceExtensionNames {
			if !hasExtension(available, ext) {
				core.LogInfo("Required extension not found: '%s', skipping device.", ext)
				return info, false
			}
		}
	}
	return info, true
}

func DeviceCreate(context *VulkanContext, requirements VulkanPhysicalDeviceRequirements) error {
	if err := SelectPhysicalDevice(context, requirements); err != nil {
		return err
	}
	device := context.Device

	core.LogInfo("Creating logical device...")

	// NOTE: Do not create additional queues for shared indices.
	families := device.distinctFamilies()
	queueCreateInfos := make([]vk.DeviceQueueCreateInfo, len(families))
	for i, family := range families {
		queueCreateInfos[i] = vk.DeviceQueueCreateInfo{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: family,
			QueueCount:       1,
			PQueuePriorities: []float32{1.0},
		}
	}

	extensionNames := append([]string{}, requirements.DeviceExtensionNames...)
	available, err := deviceExtensions(device.PhysicalDevice)
	if err != nil {
		return err
	}
	if hasExtension(available, "VK_KHR_portability_subset") {
		core.LogInfo("Adding required extension 'VK_KHR_portability_subset'.")
		extensionNames = append(extensionNames, "VK_KHR_portability_subset")
	}

	deviceCreateInfo := vk.DeviceCreateInfo{
		SType:                   vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount:    uint32(len(queueCreateInfos)),
		PQueueCreateInfos:       queueCreateInfos,
		PEnabledFeatures:        []vk.PhysicalDeviceFeatures{{}},
		EnabledExtensionCount:   uint32(len(extensionNames)),
		PpEnabledExtensionNames: VulkanSafeStrings(extensionNames),
	}

	var logical vk.Device
	if err := check(vk.CreateDevice(device.PhysicalDevice, &deviceCreateInfo, context.Allocator, &logical), "vkCreateDevice"); err != nil {
		return err
	}
	device.LogicalDevice = logical
	core.LogInfo("Logical device created.")

	getQueue := func(family int32) vk.Queue {
		if family < 0 {
			return nil
		}
		var q vk.Queue
		vk.GetDeviceQueue(device.LogicalDevice, uint32(family), 0, &q)
		return q
	}
	device.GraphicsQueue = getQueue(device.GraphicsQueueIndex)
	device.ComputeQueue = getQueue(device.ComputeQueueIndex)
	device.TransferQueue = getQueue(device.TransferQueueIndex)
	core.LogInfo("Queues obtained.")

	for _, family := range families {
		poolCreateInfo := vk.CommandPoolCreateInfo{
			SType:            vk.StructureTypeCommandPoolCreateInfo,
			QueueFamilyIndex: family,
			Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
		}
		var pool vk.CommandPool
		if err := check(vk.CreateCommandPool(device.LogicalDevice, &poolCreateInfo, context.Allocator, &pool), "vkCreateCommandPool"); err != nil {
			return errors.Wrapf(err, "queue family %d", family)
		}
		device.CommandPools[family] = pool
	}
	core.LogInfo("Command pools created for %d queue families.", len(families))

	if !DeviceDetectDepthFormat(device) {
		core.LogWarn("No supported depth format found.")
	}
	return nil
}

func DeviceDestroy(context *VulkanContext) {
	device := context.Device

	// Unset queues
	device.GraphicsQueue = nil
	device.ComputeQueue = nil
	device.TransferQueue = nil

	core.LogInfo("Destroying command pools...")
	for family, pool := range device.CommandPools {
		vk.DestroyCommandPool(device.LogicalDevice, pool, context.Allocator)
		delete(device.CommandPools, family)
	}

	core.LogInfo("Destroying logical device...")
	if device.LogicalDevice != nil {
		vk.DestroyDevice(device.LogicalDevice, context.Allocator)
		device.LogicalDevice = nil
	}

	// Physical devices are not destroyed.
	device.PhysicalDevice = nil
	device.GraphicsQueueIndex = -1
	device.ComputeQueueIndex = -1
	device.TransferQueueIndex = -1
}

func DeviceDetectDepthFormat(device *VulkanDevice) bool {
	candidates := []vk.Format{
		vk.FormatD32Sfloat,
		vk.FormatD32SfloatS8Uint,
		vk.FormatD24UnormS8Uint,
	}
	flags := vk.FormatFeatureFlags(vk.FormatFeatureDepthStencilAttachmentBit)
	for _, candidate := range candidates {
		var properties vk.FormatProperties
		vk.GetPhysicalDeviceFormatProperties(device.PhysicalDevice, candidate, &properties)
		properties.Deref()
		if properties.LinearTilingFeatures&flags == flags || properties.OptimalTilingFeatures&flags == flags {
			device.DepthFormat = candidate
			return true
		}
	}
	return false
}
