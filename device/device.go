// Package device describes a non-concrete rendering device. The core
// negotiates capabilities, manages swapchains and records composition
// work only through these interfaces; a concrete backend lives in
// device/vulkan and an in-memory one in device/devicetest.
package device

import (
	"errors"
	"time"
)

// Errors every backend translates its native results into.
var (
	ErrOutOfDate   = errors.New("surface out of date")
	ErrSurfaceLost = errors.New("surface lost")
	ErrTimeout     = errors.New("timeout expired")
	ErrDeviceLost  = errors.New("device lost")
)

// WaitForever is the timeout used for fence waits that are bounded by
// the number of in-flight frames rather than by time.
const WaitForever = time.Duration(1<<63 - 1)

// UndefinedExtent marks a surface whose extent is determined by the
// swapchain rather than by the platform.
const UndefinedExtent = ^uint32(0)

// Severity classifies a validation message.
type Severity int

// Validation message severities.
const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "info"
	}
}

// DebugFunc receives validation layer diagnostics.
type DebugFunc func(sev Severity, msg string)

// InstanceInfo configures instance creation.
type InstanceInfo struct {
	ApplicationName    string
	ApplicationVersion uint32
	EngineName         string
	Extensions         []string

	// Validation requests validation layers, enabled only when the
	// platform has them.
	Validation bool
	Debug      DebugFunc
}

// Driver is the entry point of a backend.
type Driver interface {
	CreateInstance(info InstanceInfo) (Instance, error)
}

// Instance is a loaded native API instance.
type Instance interface {
	// PhysicalDevices returns devices in enumeration order.
	PhysicalDevices() ([]PhysicalDevice, error)

	// CreateSurface creates a presentation surface from a platform source.
	CreateSurface(src SurfaceSource) (Surface, error)

	// Inner returns the inner handle of the underlying API
	Inner() interface{}

	// DestroyDebugMessenger destroys the validation message sink, if any.
	DestroyDebugMessenger()

	Destroy()
}

// SurfaceSource supplies a native presentation surface. The platform
// windowing backend implements it.
type SurfaceSource interface {
	NativeSurface(instance interface{}) (uintptr, error)
}

// SurfaceSourceFunc adapts a function to SurfaceSource.
type SurfaceSourceFunc func(instance interface{}) (uintptr, error)

// NativeSurface implements SurfaceSource.
func (f SurfaceSourceFunc) NativeSurface(instance interface{}) (uintptr, error) {
	return f(instance)
}

// QueueFlags describe queue family capabilities.
type QueueFlags uint32

// Queue capabilities.
const (
	QueueGraphics QueueFlags = 1 << iota
	QueueCompute
	QueueTransfer
)

// Has reports whether all of flags are set.
func (q QueueFlags) Has(flags QueueFlags) bool {
	return q&flags == flags
}

// QueueFamily is a GPU advertised class of queues.
type QueueFamily struct {
	Index uint32
	Flags QueueFlags
	Count uint32
}

// Features are the optional device features the core negotiates.
type Features struct {
	TimelineSemaphore bool
}

// PhysicalDeviceInfo describes available physical properties of a rendering device
type PhysicalDeviceInfo struct {
	ID            int
	VendorID      int
	DriverVersion int
	APIVersion    uint32
	Name          string
	Memory        uint64
}

// PhysicalDevice is an enumerated GPU.
type PhysicalDevice interface {
	Info() PhysicalDeviceInfo
	Extensions() ([]string, error)
	QueueFamilies() []QueueFamily
	Features() (Features, error)
	CreateDevice(info DeviceInfo) (Device, error)
}

// QueueRequest asks for queues of one family.
type QueueRequest struct {
	Family uint32
	Count  uint32
}

// DeviceInfo configures logical device creation.
type DeviceInfo struct {
	Queues     []QueueRequest
	Extensions []string
	Features   Features
}

// Device is a logical device.
type Device interface {
	// Queue returns a queue created with the device.
	Queue(family, index uint32) Queue

	// EnabledFeatures reports the features the device was created with.
	EnabledFeatures() Features

	CreateAllocator() (Allocator, error)

	SurfaceSupport(s Surface, family uint32) (bool, error)
	SurfaceCapabilities(s Surface) (SurfaceCapabilities, error)
	SurfaceFormats(s Surface) ([]SurfaceFormat, error)
	PresentModes(s Surface) ([]PresentMode, error)
	CreateSwapchain(info SwapchainInfo) (Swapchain, error)

	CreateImageView(img Image) (ImageView, error)
	CreateFence(signaled bool) (Fence, error)
	CreateSemaphore() (Semaphore, error)
	CreateCommandBuffer(family uint32) (CommandBuffer, error)

	// FormatModifiers lists layout modifiers importable for format.
	FormatModifiers(format Format) ([]uint64, error)

	// ImportImage imports an external DMA-BUF. On success the backend
	// owns info.FD.
	ImportImage(alloc Allocator, info ImportInfo) (Image, error)

	WaitIdle() error
	Destroy()
}

// Allocator is a general-purpose device memory allocator.
type Allocator interface {
	Stats() AllocatorStats
	Destroy()
}

// AllocatorStats reports live allocations.
type AllocatorStats struct {
	Allocations int
	Bytes       uint64
}

// Submission is one batch of work for a queue.
type Submission struct {
	Commands CommandBuffer
	Wait     []Semaphore
	Signal   []Semaphore
	Fence    Fence
}

// Queue executes submissions. Implementations are not safe for
// concurrent use; callers serialize per queue.
type Queue interface {
	Family() uint32
	Submit(s Submission) error

	// Present queues image index of sc for presentation once wait is
	// signaled. suboptimal reports that the swapchain no longer matches
	// the surface exactly.
	Present(sc Swapchain, index uint32, wait Semaphore) (suboptimal bool, err error)
}

// Fence is a GPU to CPU completion signal.
type Fence interface {
	Wait(timeout time.Duration) error
	Signaled() (bool, error)
	Reset() error
	Destroy()
}

// Semaphore is a GPU to GPU ordering signal.
type Semaphore interface {
	Destroy()
}

// Surface is the platform handle where pixels become visible.
type Surface interface {
	Destroy()
}

// SurfaceCapabilities are the platform reported limits of a surface.
type SurfaceCapabilities struct {
	// CurrentExtent has Width == UndefinedExtent when variable.
	CurrentExtent Extent2D
	MinExtent     Extent2D
	MaxExtent     Extent2D
	MinImageCount uint32

	// MaxImageCount is 0 when unbounded.
	MaxImageCount uint32
}

// SwapchainInfo configures swapchain creation.
type SwapchainInfo struct {
	Surface       Surface
	MinImageCount uint32
	Format        SurfaceFormat
	Extent        Extent2D
	PresentMode   PresentMode

	// Old is the swapchain being replaced, or nil.
	Old Swapchain
}

// Swapchain is the platform negotiated ring of presentable images.
type Swapchain interface {
	Images() ([]Image, error)

	// Acquire returns the index of the next presentable image; signal is
	// signaled once the image may be written.
	Acquire(timeout time.Duration, signal Semaphore) (index uint32, suboptimal bool, err error)

	Destroy()
}

// Image is a GPU image.
type Image interface {
	Extent() Extent2D
	Format() Format
	Destroy()
}

// ImageView is a view on an Image.
type ImageView interface {
	Image() Image
	Destroy()
}

// ImportInfo describes a single plane DMA-BUF.
type ImportInfo struct {
	FD       int
	Width    uint32
	Height   uint32
	Format   Format
	Modifier uint64
	Offset   uint64
	Stride   uint64
}

// CommandBuffer records composition work onto one target image.
type CommandBuffer interface {
	// Begin resets the buffer and starts recording for target.
	Begin(target ImageView) error

	// Clear fills r of the target with c.
	Clear(r Rect, c Color)

	// Blit copies src region of a sampled image into dst region of the
	// target, scaling as needed.
	Blit(op BlitOp)

	// End finishes recording and leaves target ready for presentation.
	End() error

	Destroy()
}

// BlitOp is one sampled image copy.
type BlitOp struct {
	Source     ImageView
	Src        Rect
	Dst        Rect
	ColorSpace ColorSpace
	Transfer   TransferFunction
}
