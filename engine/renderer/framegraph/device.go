package framegraph

import (
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"
)

// PhysicalImage is the device side of an image group.
type PhysicalImage struct {
	Handle vk.Image
	Memory vk.DeviceMemory
	View   vk.ImageView
}

// PhysicalBuffer is the device side of a buffer group.
type PhysicalBuffer struct {
	Handle vk.Buffer
	Memory vk.DeviceMemory
	Size   uint64
}

type ImageCreateInfo struct {
	Name   string
	Extent Extent
	Format vk.Format
	Layers uint32
	Usage  vk.ImageUsageFlags
	// Aspect is the aspect of the default view.
	Aspect vk.ImageAspectFlags
}

type BufferCreateInfo struct {
	Name  string
	Size  uint64
	Usage vk.BufferUsageFlags
}

// ResourceDevice creates and destroys the physical objects backing groups.
type ResourceDevice interface {
	CreateImage(info ImageCreateInfo) (PhysicalImage, error)
	DestroyImage(image PhysicalImage)
	CreateBuffer(info BufferCreateInfo) (PhysicalBuffer, error)
	DestroyBuffer(buffer PhysicalBuffer)
}

// HeadlessDevice hands out fake handles. It is used by the CLI and tests
// where no GPU is present.
type HeadlessDevice struct {
	mu sync.Mutex

	images  map[vk.Image]ImageCreateInfo
	buffers map[vk.Buffer]BufferCreateInfo

	// FailOn makes creation of the named resource fail.
	FailOn string

	Created   int
	Destroyed int
}

func NewHeadlessDevice() *HeadlessDevice {
	return &HeadlessDevice{
		images:  make(map[vk.Image]ImageCreateInfo),
		buffers: make(map[vk.Buffer]BufferCreateInfo),
	}
}

// fakeHandle returns a unique non-null handle value. It is never dereferenced.
func fakeHandle() unsafe.Pointer {
	return unsafe.Pointer(new(byte))
}

func (d *HeadlessDevice) CreateImage(info ImageCreateInfo) (PhysicalImage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailOn != "" && d.FailOn == info.Name {
		return PhysicalImage{}, errors.Newf("headless device refused image '%s'", info.Name)
	}
	img := vk.Image(fakeHandle())
	d.images[img] = info
	d.Created++
	return PhysicalImage{
		Handle: img,
		Memory: vk.DeviceMemory(fakeHandle()),
		View:   vk.ImageView(fakeHandle()),
	}, nil
}

func (d *HeadlessDevice) DestroyImage(image PhysicalImage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.images[image.Handle]; ok {
		delete(d.images, image.Handle)
		d.Destroyed++
	}
}

func (d *HeadlessDevice) CreateBuffer(info BufferCreateInfo) (PhysicalBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailOn != "" && d.FailOn == info.Name {
		return PhysicalBuffer{}, errors.Newf("headless device refused buffer '%s'", info.Name)
	}
	buf := vk.Buffer(fakeHandle())
	d.buffers[buf] = info
	d.Created++
	return PhysicalBuffer{
		Handle: buf,
		Memory: vk.DeviceMemory(fakeHandle()),
		Size:   info.Size,
	}, nil
}

func (d *HeadlessDevice) DestroyBuffer(buffer PhysicalBuffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.buffers[buffer.Handle]; ok {
		delete(d.buffers, buffer.Handle)
		d.Destroyed++
	}
}

// Live returns the number of images and buffers not yet destroyed.
func (d *HeadlessDevice) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.images) + len(d.buffers)
}

// ImageInfo returns the creation parameters of a live fake image.
func (d *HeadlessDevice) ImageInfo(image vk.Image) (ImageCreateInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	info, ok := d.images[image]
	return info, ok
}
