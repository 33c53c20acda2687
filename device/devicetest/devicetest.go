// Package devicetest implements device interfaces in memory. Fences only
// signal when a test says so (or on submission with AutoSignal), which
// makes in-flight limits and release ordering observable.
package devicetest

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/devblok/starforge/device"
)

// Journal records destruction and lifecycle calls in order.
type Journal struct {
	mu    sync.Mutex
	calls []string
}

func (j *Journal) add(format string, args ...interface{}) {
	j.mu.Lock()
	j.calls = append(j.calls, fmt.Sprintf(format, args...))
	j.mu.Unlock()
}

// Calls returns a copy of the recorded calls.
func (j *Journal) Calls() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.calls...)
}

// Driver is an in-memory device.Driver.
type Driver struct {
	Journal

	Devices []*PhysicalDevice

	// FailInstance makes CreateInstance fail.
	FailInstance error

	// Layers available for validation.
	Layers bool

	Instance *Instance
}

// CreateInstance implements device.Driver.
func (d *Driver) CreateInstance(info device.InstanceInfo) (device.Instance, error) {
	if d.FailInstance != nil {
		return nil, d.FailInstance
	}
	inst := &Instance{driver: d, Info: info}
	if info.Validation && d.Layers {
		inst.Debug = info.Debug
	}
	d.Instance = inst
	d.add("instance.create")
	return inst, nil
}

// Instance is an in-memory device.Instance.
type Instance struct {
	driver *Driver
	Info   device.InstanceInfo
	Debug  device.DebugFunc

	Destroyed bool
}

// Emit delivers a validation message as the native layer would.
func (i *Instance) Emit(sev device.Severity, msg string) {
	if i.Debug != nil {
		i.Debug(sev, msg)
	}
}

// PhysicalDevices implements device.Instance.
func (i *Instance) PhysicalDevices() ([]device.PhysicalDevice, error) {
	out := make([]device.PhysicalDevice, len(i.driver.Devices))
	for idx, pd := range i.driver.Devices {
		pd.journal = &i.driver.Journal
		out[idx] = pd
	}
	return out, nil
}

// CreateSurface implements device.Instance.
func (i *Instance) CreateSurface(src device.SurfaceSource) (device.Surface, error) {
	if _, err := src.NativeSurface(i); err != nil {
		return nil, err
	}
	s := &Surface{journal: &i.driver.Journal}
	i.driver.add("surface.create")
	return s, nil
}

// Inner implements device.Instance.
func (i *Instance) Inner() interface{} {
	return i
}

// DestroyDebugMessenger implements device.Instance.
func (i *Instance) DestroyDebugMessenger() {
	if i.Debug != nil {
		i.driver.add("debug.destroy")
		i.Debug = nil
	}
}

// Destroy implements device.Instance.
func (i *Instance) Destroy() {
	i.Destroyed = true
	i.driver.add("instance.destroy")
}

// Surface is an in-memory device.Surface.
type Surface struct {
	journal   *Journal
	Destroyed bool
}

// Destroy implements device.Surface.
func (s *Surface) Destroy() {
	s.Destroyed = true
	s.journal.add("surface.destroy")
}

// NullSurface is a SurfaceSource that always succeeds.
var NullSurface = device.SurfaceSourceFunc(func(interface{}) (uintptr, error) {
	return 1, nil
})

// PhysicalDevice is an in-memory device.PhysicalDevice.
type PhysicalDevice struct {
	journal *Journal

	Name       string
	Exts       []string
	Families   []device.QueueFamily
	Timeline   bool
	FailCreate error

	// DropTimeline creates devices that do not enable timeline
	// semaphores even when asked to.
	DropTimeline bool

	// FailAllocator makes CreateAllocator fail.
	FailAllocator error

	Surface SurfaceConfig

	// Modifiers lists importable modifiers per format.
	Modifiers map[device.Format][]uint64

	Devices []*Device
}

// SurfaceConfig scripts what every surface reports.
type SurfaceConfig struct {
	Capabilities device.SurfaceCapabilities
	Formats      []device.SurfaceFormat
	Modes        []device.PresentMode
	NoPresent    bool
}

// Info implements device.PhysicalDevice.
func (p *PhysicalDevice) Info() device.PhysicalDeviceInfo {
	return device.PhysicalDeviceInfo{Name: p.Name, Memory: 1 << 30}
}

// Extensions implements device.PhysicalDevice.
func (p *PhysicalDevice) Extensions() ([]string, error) {
	return p.Exts, nil
}

// QueueFamilies implements device.PhysicalDevice.
func (p *PhysicalDevice) QueueFamilies() []device.QueueFamily {
	return p.Families
}

// Features implements device.PhysicalDevice.
func (p *PhysicalDevice) Features() (device.Features, error) {
	return device.Features{TimelineSemaphore: p.Timeline}, nil
}

// CreateDevice implements device.PhysicalDevice.
func (p *PhysicalDevice) CreateDevice(info device.DeviceInfo) (device.Device, error) {
	if p.FailCreate != nil {
		return nil, p.FailCreate
	}
	d := &Device{
		phys:    p,
		journal: p.journal,
		Info:    info,
		queues:  map[uint32]*Queue{},
	}
	d.features = info.Features
	if p.DropTimeline {
		d.features.TimelineSemaphore = false
	}
	for _, q := range info.Queues {
		d.queues[q.Family] = &Queue{dev: d, family: q.Family}
	}
	p.Devices = append(p.Devices, d)
	p.journal.add("device.create %s", p.Name)
	return d, nil
}

// Device is an in-memory device.Device.
type Device struct {
	phys     *PhysicalDevice
	journal  *Journal
	features device.Features

	Info device.DeviceInfo

	mu     sync.Mutex
	queues map[uint32]*Queue

	// AutoSignal signals submission fences right away.
	AutoSignal bool

	// CompleteOnWait signals an unsignaled fence when it is waited on,
	// standing in for the GPU finishing the work.
	CompleteOnWait bool

	// AcquireErrors and PresentErrors are returned, in order, by the
	// next acquisitions and presentations.
	AcquireErrors []error
	PresentErrors []error

	// SubmitErrors are returned, in order, by the next submissions.
	SubmitErrors []error

	// Suboptimal makes presentations report a suboptimal swapchain.
	Suboptimal bool

	// FailImport makes ImportImage fail.
	FailImport error

	// WaitIdleError is returned by WaitIdle.
	WaitIdleError error

	Fences     []*Fence
	Swapchains []*Swapchain
	Commands   []*CommandBuffer
	live       map[string]int

	allocator *Allocator
	Destroyed bool
}

func (d *Device) track(kind string, delta int) {
	d.mu.Lock()
	if d.live == nil {
		d.live = map[string]int{}
	}
	d.live[kind] += delta
	d.mu.Unlock()
}

// Live returns the number of live objects of kind ("fence", "semaphore",
// "view", "image", "swapchain", "commands").
func (d *Device) Live(kind string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live[kind]
}

// Queue implements device.Device.
func (d *Device) Queue(family, index uint32) device.Queue {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[family]
	if !ok {
		return nil
	}
	return q
}

// Queues returns the in-memory queue of family.
func (d *Device) Queues(family uint32) *Queue {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queues[family]
}

// EnabledFeatures implements device.Device.
func (d *Device) EnabledFeatures() device.Features {
	return d.features
}

// CreateAllocator implements device.Device.
func (d *Device) CreateAllocator() (device.Allocator, error) {
	if d.phys.FailAllocator != nil {
		return nil, d.phys.FailAllocator
	}
	d.allocator = &Allocator{journal: d.journal}
	return d.allocator, nil
}

// SurfaceSupport implements device.Device.
func (d *Device) SurfaceSupport(s device.Surface, family uint32) (bool, error) {
	return !d.phys.Surface.NoPresent, nil
}

// SurfaceCapabilities implements device.Device.
func (d *Device) SurfaceCapabilities(s device.Surface) (device.SurfaceCapabilities, error) {
	return d.phys.Surface.Capabilities, nil
}

// SurfaceFormats implements device.Device.
func (d *Device) SurfaceFormats(s device.Surface) ([]device.SurfaceFormat, error) {
	return d.phys.Surface.Formats, nil
}

// PresentModes implements device.Device.
func (d *Device) PresentModes(s device.Surface) ([]device.PresentMode, error) {
	return d.phys.Surface.Modes, nil
}

// CreateSwapchain implements device.Device.
func (d *Device) CreateSwapchain(info device.SwapchainInfo) (device.Swapchain, error) {
	count := info.MinImageCount
	sc := &Swapchain{dev: d, Info: info}
	for i := uint32(0); i < count; i++ {
		sc.images = append(sc.images, &Image{extent: info.Extent, format: info.Format.Format})
	}
	d.mu.Lock()
	d.Swapchains = append(d.Swapchains, sc)
	d.mu.Unlock()
	d.track("swapchain", 1)
	return sc, nil
}

// CreateImageView implements device.Device.
func (d *Device) CreateImageView(img device.Image) (device.ImageView, error) {
	d.track("view", 1)
	return &ImageView{dev: d, image: img}, nil
}

// CreateFence implements device.Device.
func (d *Device) CreateFence(signaled bool) (device.Fence, error) {
	f := &Fence{dev: d, signaled: signaled}
	d.mu.Lock()
	d.Fences = append(d.Fences, f)
	d.mu.Unlock()
	d.track("fence", 1)
	return f, nil
}

// CreateSemaphore implements device.Device.
func (d *Device) CreateSemaphore() (device.Semaphore, error) {
	d.track("semaphore", 1)
	return &Semaphore{dev: d}, nil
}

// CreateCommandBuffer implements device.Device.
func (d *Device) CreateCommandBuffer(family uint32) (device.CommandBuffer, error) {
	cb := &CommandBuffer{dev: d}
	d.mu.Lock()
	d.Commands = append(d.Commands, cb)
	d.mu.Unlock()
	d.track("commands", 1)
	return cb, nil
}

// FormatModifiers implements device.Device.
func (d *Device) FormatModifiers(format device.Format) ([]uint64, error) {
	return d.phys.Modifiers[format], nil
}

// ImportImage implements device.Device. Like a native import it takes
// ownership of the descriptor and closes it.
func (d *Device) ImportImage(alloc device.Allocator, info device.ImportInfo) (device.Image, error) {
	if d.FailImport != nil {
		return nil, d.FailImport
	}
	if err := unix.Close(info.FD); err != nil {
		return nil, err
	}
	a := alloc.(*Allocator)
	size := uint64(info.Width) * uint64(info.Height) * 4
	a.alloc(size)
	d.track("image", 1)
	return &Image{
		dev:    d,
		alloc:  a,
		size:   size,
		extent: device.Extent2D{Width: info.Width, Height: info.Height},
		format: info.Format,
	}, nil
}

// WaitIdle implements device.Device.
func (d *Device) WaitIdle() error {
	d.journal.add("device.waitidle")
	return d.WaitIdleError
}

// Destroy implements device.Device.
func (d *Device) Destroy() {
	d.Destroyed = true
	d.journal.add("device.destroy")
}

// Allocator is an in-memory device.Allocator.
type Allocator struct {
	journal *Journal

	mu        sync.Mutex
	stats     device.AllocatorStats
	Destroyed bool
}

func (a *Allocator) alloc(size uint64) {
	a.mu.Lock()
	a.stats.Allocations++
	a.stats.Bytes += size
	a.mu.Unlock()
}

func (a *Allocator) free(size uint64) {
	a.mu.Lock()
	a.stats.Allocations--
	a.stats.Bytes -= size
	a.mu.Unlock()
}

// Stats implements device.Allocator.
func (a *Allocator) Stats() device.AllocatorStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Destroy implements device.Allocator.
func (a *Allocator) Destroy() {
	a.Destroyed = true
	a.journal.add("allocator.destroy")
}

// Queue is an in-memory device.Queue.
type Queue struct {
	dev    *Device
	family uint32

	mu          sync.Mutex
	Submissions []device.Submission
	Presents    []uint32
	busy        bool
	overlaps    int
}

// Family implements device.Queue.
func (q *Queue) Family() uint32 {
	return q.family
}

func (q *Queue) enter() {
	q.mu.Lock()
	if q.busy {
		q.overlaps++
	}
	q.busy = true
	q.mu.Unlock()
	// widen the window in which an unserialized caller would overlap
	time.Sleep(50 * time.Microsecond)
}

func (q *Queue) leave() {
	q.mu.Lock()
	q.busy = false
	q.mu.Unlock()
}

// Overlaps counts calls that entered while another was in progress.
func (q *Queue) Overlaps() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.overlaps
}

// Submit implements device.Queue.
func (q *Queue) Submit(s device.Submission) error {
	q.enter()
	defer q.leave()
	if cb, ok := s.Commands.(*CommandBuffer); ok && cb.recording {
		return errors.New("devicetest: command buffer still recording")
	}
	d := q.dev
	d.mu.Lock()
	var err error
	if len(d.SubmitErrors) > 0 {
		err, d.SubmitErrors = d.SubmitErrors[0], d.SubmitErrors[1:]
	}
	d.mu.Unlock()
	if err != nil {
		return err
	}
	if f, ok := s.Fence.(*Fence); ok && f != nil {
		f.mu.Lock()
		if f.signaled {
			f.mu.Unlock()
			return errors.New("devicetest: submitted fence is signaled")
		}
		f.Submits++
		f.signaled = q.dev.AutoSignal
		f.mu.Unlock()
	}
	q.mu.Lock()
	q.Submissions = append(q.Submissions, s)
	q.mu.Unlock()
	return nil
}

// Present implements device.Queue.
func (q *Queue) Present(sc device.Swapchain, index uint32, wait device.Semaphore) (bool, error) {
	q.enter()
	defer q.leave()
	d := q.dev
	d.mu.Lock()
	var err error
	if len(d.PresentErrors) > 0 {
		err, d.PresentErrors = d.PresentErrors[0], d.PresentErrors[1:]
	}
	d.mu.Unlock()
	if err != nil {
		return false, err
	}
	q.mu.Lock()
	q.Presents = append(q.Presents, index)
	q.mu.Unlock()
	return d.Suboptimal, nil
}

// Fence is an in-memory device.Fence.
type Fence struct {
	dev *Device

	mu        sync.Mutex
	signaled  bool
	Submits   int
	Waits     int
	Blocked   int
	Destroyed bool
}

// Signal marks the fence complete, as the GPU would.
func (f *Fence) Signal() {
	f.mu.Lock()
	f.signaled = true
	f.mu.Unlock()
}

// Wait implements device.Fence. Blocked counts waits that found the
// fence unsignaled.
func (f *Fence) Wait(timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Waits++
	if f.signaled {
		return nil
	}
	f.Blocked++
	if f.dev.CompleteOnWait {
		f.signaled = true
		return nil
	}
	return device.ErrTimeout
}

// Signaled implements device.Fence.
func (f *Fence) Signaled() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signaled, nil
}

// Reset implements device.Fence.
func (f *Fence) Reset() error {
	f.mu.Lock()
	f.signaled = false
	f.mu.Unlock()
	return nil
}

// Destroy implements device.Fence.
func (f *Fence) Destroy() {
	f.Destroyed = true
	f.dev.track("fence", -1)
}

// Semaphore is an in-memory device.Semaphore.
type Semaphore struct {
	dev *Device
}

// Destroy implements device.Semaphore.
func (s *Semaphore) Destroy() {
	s.dev.track("semaphore", -1)
}

// Swapchain is an in-memory device.Swapchain.
type Swapchain struct {
	dev  *Device
	Info device.SwapchainInfo

	images    []*Image
	next      uint32
	Destroyed bool
}

// Images implements device.Swapchain.
func (s *Swapchain) Images() ([]device.Image, error) {
	out := make([]device.Image, len(s.images))
	for i, img := range s.images {
		out[i] = img
	}
	return out, nil
}

// Acquire implements device.Swapchain. Images are handed out round
// robin.
func (s *Swapchain) Acquire(timeout time.Duration, signal device.Semaphore) (uint32, bool, error) {
	d := s.dev
	d.mu.Lock()
	var err error
	if len(d.AcquireErrors) > 0 {
		err, d.AcquireErrors = d.AcquireErrors[0], d.AcquireErrors[1:]
	}
	d.mu.Unlock()
	if err != nil {
		return 0, false, err
	}
	idx := s.next
	s.next = (s.next + 1) % uint32(len(s.images))
	return idx, false, nil
}

// Destroy implements device.Swapchain.
func (s *Swapchain) Destroy() {
	s.Destroyed = true
	s.dev.track("swapchain", -1)
}

// Image is an in-memory device.Image.
type Image struct {
	dev    *Device
	alloc  *Allocator
	size   uint64
	extent device.Extent2D
	format device.Format

	Destroyed bool
}

// Extent implements device.Image.
func (i *Image) Extent() device.Extent2D {
	return i.extent
}

// Format implements device.Image.
func (i *Image) Format() device.Format {
	return i.format
}

// Destroy implements device.Image. Swapchain images are owned by their
// swapchain and ignore it.
func (i *Image) Destroy() {
	if i.dev == nil {
		return
	}
	i.Destroyed = true
	i.alloc.free(i.size)
	i.dev.track("image", -1)
}

// ImageView is an in-memory device.ImageView.
type ImageView struct {
	dev   *Device
	image device.Image
}

// Image implements device.ImageView.
func (v *ImageView) Image() device.Image {
	return v.image
}

// Destroy implements device.ImageView.
func (v *ImageView) Destroy() {
	v.dev.track("view", -1)
}

// Op is one recorded command.
type Op struct {
	Clear bool
	Rect  device.Rect
	Color device.Color
	Blit  device.BlitOp
}

// CommandBuffer is an in-memory device.CommandBuffer.
type CommandBuffer struct {
	dev *Device

	recording bool
	Target    device.ImageView
	Ops       []Op
	Begins    int
}

// Begin implements device.CommandBuffer.
func (c *CommandBuffer) Begin(target device.ImageView) error {
	c.recording = true
	c.Target = target
	c.Ops = nil
	c.Begins++
	return nil
}

// Clear implements device.CommandBuffer.
func (c *CommandBuffer) Clear(r device.Rect, col device.Color) {
	c.Ops = append(c.Ops, Op{Clear: true, Rect: r, Color: col})
}

// Blit implements device.CommandBuffer.
func (c *CommandBuffer) Blit(op device.BlitOp) {
	c.Ops = append(c.Ops, Op{Rect: op.Dst, Blit: op})
}

// End implements device.CommandBuffer.
func (c *CommandBuffer) End() error {
	c.recording = false
	return nil
}

// Destroy implements device.CommandBuffer.
func (c *CommandBuffer) Destroy() {
	c.dev.track("commands", -1)
}

// RequiredExtensions are the device extensions the core cannot do
// without.
var RequiredExtensions = []string{
	"VK_KHR_swapchain",
	"VK_KHR_external_memory_fd",
	"VK_KHR_external_semaphore_fd",
	"VK_KHR_external_fence_fd",
	"VK_EXT_external_memory_dma_buf",
	"VK_EXT_image_drm_format_modifier",
	"VK_KHR_timeline_semaphore",
}

// NewPhysicalDevice returns a device the core accepts: every required
// extension, timeline semaphores and a single family doing everything.
// Its surfaces are variable sized up to 4096x4096, offer B8G8R8A8 sRGB
// with FIFO and mailbox, and allow 2 to 8 images. Linear 8-bit RGBA
// buffers are importable.
func NewPhysicalDevice(name string) *PhysicalDevice {
	return &PhysicalDevice{
		Name:     name,
		Exts:     append([]string(nil), RequiredExtensions...),
		Timeline: true,
		Families: []device.QueueFamily{{
			Index: 0,
			Flags: device.QueueGraphics | device.QueueCompute | device.QueueTransfer,
			Count: 1,
		}},
		Surface: SurfaceConfig{
			Capabilities: device.SurfaceCapabilities{
				CurrentExtent: device.Extent2D{Width: device.UndefinedExtent, Height: device.UndefinedExtent},
				MinExtent:     device.Extent2D{Width: 1, Height: 1},
				MaxExtent:     device.Extent2D{Width: 4096, Height: 4096},
				MinImageCount: 2,
				MaxImageCount: 8,
			},
			Formats: []device.SurfaceFormat{
				{Format: device.FormatB8G8R8A8Srgb, ColorSpace: device.ColorSpaceSRGBNonlinear},
			},
			Modes: []device.PresentMode{device.PresentModeFifo, device.PresentModeMailbox},
		},
		Modifiers: map[device.Format][]uint64{
			device.FormatB8G8R8A8Unorm: {0},
			device.FormatB8G8R8A8Srgb:  {0},
			device.FormatR8G8B8A8Unorm: {0},
			device.FormatR8G8B8A8Srgb:  {0},
		},
	}
}

// NewDriver returns a driver enumerating pds in order.
func NewDriver(pds ...*PhysicalDevice) *Driver {
	return &Driver{Devices: pds, Layers: true}
}

// Device returns the logical device created on p last, or nil.
func (p *PhysicalDevice) Device() *Device {
	if len(p.Devices) == 0 {
		return nil
	}
	return p.Devices[len(p.Devices)-1]
}
