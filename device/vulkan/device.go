package vulkan

import (
	"errors"
	"sync"
	"time"

	vk "github.com/goki/vulkan"

	"github.com/devblok/starforge/device"
)

// Device wraps a vk.Device.
type Device struct {
	phys     *PhysicalDevice
	handle   vk.Device
	features device.Features
	queues   map[uint32]*Queue

	// primary is the family the backend records its own work on.
	primary   uint32
	allocator *MemoryAllocator
}

// Queue implements device.Device.
func (d *Device) Queue(family, index uint32) device.Queue {
	q, ok := d.queues[family]
	if !ok {
		return nil
	}
	return q
}

// EnabledFeatures implements device.Device. Vulkan has no query for the
// features of a created device, so this reports what CreateDevice
// chained into VkDeviceCreateInfo: requested features the physical
// device reported through vkGetPhysicalDeviceFeatures2.
func (d *Device) EnabledFeatures() device.Features {
	return d.features
}

// CreateAllocator implements device.Device.
func (d *Device) CreateAllocator() (device.Allocator, error) {
	ma, err := NewMemoryAllocator(d.handle, d.phys)
	if err != nil {
		return nil, err
	}
	d.allocator = ma
	return ma, nil
}

// CreateImageView implements device.Device.
func (d *Device) CreateImageView(img device.Image) (device.ImageView, error) {
	var h vk.Image
	var format vk.Format
	switch i := img.(type) {
	case *swapchainImage:
		h, format = i.image, toFormat(i.format)
	case *ImportedImage:
		h, format = i.image, toFormat(i.format)
	default:
		return nil, errors.New("image not created by this device")
	}

	ivci := vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    h,
		ViewType: vk.ImageViewType2d,
		Format:   format,
		Components: vk.ComponentMapping{
			R: vk.ComponentSwizzleIdentity,
			G: vk.ComponentSwizzleIdentity,
			B: vk.ComponentSwizzleIdentity,
			A: vk.ComponentSwizzleIdentity,
		},
		SubresourceRange: colorRange,
	}
	var view vk.ImageView
	if err := vk.Error(vk.CreateImageView(d.handle, &ivci, nil, &view)); err != nil {
		return nil, errors.New("vk.CreateImageView(): " + err.Error())
	}
	return &ImageView{device: d.handle, view: view, image: img}, nil
}

// CreateFence implements device.Device.
func (d *Device) CreateFence(signaled bool) (device.Fence, error) {
	fci := vk.FenceCreateInfo{
		SType: vk.StructureTypeFenceCreateInfo,
	}
	if signaled {
		fci.Flags = vk.FenceCreateFlags(vk.FenceCreateSignaledBit)
	}
	var fence vk.Fence
	if err := vk.Error(vk.CreateFence(d.handle, &fci, nil, &fence)); err != nil {
		return nil, errors.New("vk.CreateFence(): " + err.Error())
	}
	return &Fence{device: d.handle, fence: fence}, nil
}

// CreateSemaphore implements device.Device.
func (d *Device) CreateSemaphore() (device.Semaphore, error) {
	sci := vk.SemaphoreCreateInfo{
		SType: vk.StructureTypeSemaphoreCreateInfo,
	}
	var sem vk.Semaphore
	if err := vk.Error(vk.CreateSemaphore(d.handle, &sci, nil, &sem)); err != nil {
		return nil, errors.New("vk.CreateSemaphore(): " + err.Error())
	}
	return &Semaphore{device: d.handle, semaphore: sem}, nil
}

// WaitIdle implements device.Device.
func (d *Device) WaitIdle() error {
	return check("DeviceWaitIdle", vk.DeviceWaitIdle(d.handle))
}

// Destroy implements device.Device.
func (d *Device) Destroy() {
	vk.DestroyDevice(d.handle, nil)
}

// Queue wraps a vk.Queue. The lock covers submissions the backend makes
// on its own, such as layout transitions of imported images.
type Queue struct {
	device *Device
	family uint32
	queue  vk.Queue

	mu sync.Mutex
}

// Family implements device.Queue.
func (q *Queue) Family() uint32 {
	return q.family
}

// Submit implements device.Queue.
func (q *Queue) Submit(s device.Submission) error {
	si := vk.SubmitInfo{
		SType: vk.StructureTypeSubmitInfo,
	}
	if cb, ok := s.Commands.(*CommandBuffer); ok {
		si.CommandBufferCount = 1
		si.PCommandBuffers = []vk.CommandBuffer{cb.buffer}
	}
	for _, w := range s.Wait {
		si.PWaitSemaphores = append(si.PWaitSemaphores, w.(*Semaphore).semaphore)
		si.PWaitDstStageMask = append(si.PWaitDstStageMask, vk.PipelineStageFlags(vk.PipelineStageTransferBit))
	}
	si.WaitSemaphoreCount = uint32(len(si.PWaitSemaphores))
	for _, sig := range s.Signal {
		si.PSignalSemaphores = append(si.PSignalSemaphores, sig.(*Semaphore).semaphore)
	}
	si.SignalSemaphoreCount = uint32(len(si.PSignalSemaphores))

	var fence vk.Fence
	if f, ok := s.Fence.(*Fence); ok && f != nil {
		fence = f.fence
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return check("QueueSubmit", vk.QueueSubmit(q.queue, 1, []vk.SubmitInfo{si}, fence))
}

// Present implements device.Queue.
func (q *Queue) Present(sc device.Swapchain, index uint32, wait device.Semaphore) (bool, error) {
	presentInfo := vk.PresentInfo{
		SType:          vk.StructureTypePresentInfo,
		SwapchainCount: 1,
		PSwapchains:    []vk.Swapchain{sc.(*Swapchain).swapchain},
		PImageIndices:  []uint32{index},
	}
	if wait != nil {
		presentInfo.WaitSemaphoreCount = 1
		presentInfo.PWaitSemaphores = []vk.Semaphore{wait.(*Semaphore).semaphore}
	}

	q.mu.Lock()
	ret := vk.QueuePresent(q.queue, &presentInfo)
	q.mu.Unlock()
	if err := check("QueuePresent", ret); err != nil {
		return false, err
	}
	return ret == vk.Suboptimal, nil
}

// Fence wraps a vk.Fence.
type Fence struct {
	device vk.Device
	fence  vk.Fence
}

// Wait implements device.Fence.
func (f *Fence) Wait(timeout time.Duration) error {
	return check("WaitForFences", vk.WaitForFences(f.device, 1, []vk.Fence{f.fence}, vk.True, uint64(timeout)))
}

// Signaled implements device.Fence.
func (f *Fence) Signaled() (bool, error) {
	switch ret := vk.GetFenceStatus(f.device, f.fence); ret {
	case vk.Success:
		return true, nil
	case vk.NotReady:
		return false, nil
	default:
		return false, check("GetFenceStatus", ret)
	}
}

// Reset implements device.Fence.
func (f *Fence) Reset() error {
	return check("ResetFences", vk.ResetFences(f.device, 1, []vk.Fence{f.fence}))
}

// Destroy implements device.Fence.
func (f *Fence) Destroy() {
	vk.DestroyFence(f.device, f.fence, nil)
}

// Semaphore wraps a vk.Semaphore.
type Semaphore struct {
	device    vk.Device
	semaphore vk.Semaphore
}

// Destroy implements device.Semaphore.
func (s *Semaphore) Destroy() {
	vk.DestroySemaphore(s.device, s.semaphore, nil)
}

// ImageView wraps a vk.ImageView.
type ImageView struct {
	device vk.Device
	view   vk.ImageView
	image  device.Image
}

// Image implements device.ImageView.
func (v *ImageView) Image() device.Image {
	return v.image
}

// Destroy implements device.ImageView.
func (v *ImageView) Destroy() {
	vk.DestroyImageView(v.device, v.view, nil)
}
