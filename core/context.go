package core

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/devblok/starforge/device"
)

// ContextInfo configures context creation.
type ContextInfo struct {
	AppName    string
	AppVersion uint32

	// PlatformExtensions are the instance extensions the windowing
	// backend needs to create surfaces.
	PlatformExtensions []string

	Validation bool

	// Capabilities defaults to DefaultCapabilities when nil.
	Capabilities *Capabilities

	Logger log.FieldLogger
}

// Context owns the GPU device and everything shared between outputs.
// Once created it is immutable; outputs hold it through Retain/Release.
type Context struct {
	log log.FieldLogger

	instance   device.Instance
	physical   device.PhysicalDevice
	info       device.PhysicalDeviceInfo
	device     device.Device
	allocator  device.Allocator
	extensions []string

	graphics *Queue
	compute  *Queue
	transfer *Queue

	mu        sync.Mutex
	refs      int
	destroyed bool
}

// New creates an instance, selects the first suitable physical device
// and creates the logical device, queues and allocator on it.
func New(driver device.Driver, info ContextInfo) (*Context, error) {
	logger := info.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	caps := DefaultCapabilities()
	if info.Capabilities != nil {
		caps = *info.Capabilities
	}

	extensions := append([]string{}, info.PlatformExtensions...)
	extensions = append(extensions, ExtPhysicalDeviceProps2, ExtSurfaceCaps2)

	instance, err := driver.CreateInstance(device.InstanceInfo{
		ApplicationName:    info.AppName,
		ApplicationVersion: info.AppVersion,
		Extensions:         extensions,
		Validation:         info.Validation,
		Debug:              debugLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInstanceCreationFailed, err)
	}
	destroyInstance := func() {
		instance.DestroyDebugMessenger()
		instance.Destroy()
	}

	pds, err := instance.PhysicalDevices()
	if err != nil {
		destroyInstance()
		return nil, fmt.Errorf("%w: %s", ErrNoSuitableDevice, err)
	}

	var (
		selected device.PhysicalDevice
		enabled  []string
		families queueFamilies
	)
	for _, pd := range pds {
		name := pd.Info().Name
		exts, err := caps.Check(pd)
		if err != nil {
			logger.WithField("device", name).Debugf("device rejected: %s", err)
			continue
		}
		qf, ok := pickQueueFamilies(pd.QueueFamilies())
		if !ok {
			logger.WithField("device", name).Debug("device rejected: no graphics queue family")
			continue
		}
		selected, enabled, families = pd, exts, qf
		break
	}
	if selected == nil {
		destroyInstance()
		return nil, ErrNoSuitableDevice
	}

	dev, err := selected.CreateDevice(device.DeviceInfo{
		Queues:     families.requests(),
		Extensions: enabled,
		Features:   caps.Features,
	})
	if err != nil {
		destroyInstance()
		return nil, fmt.Errorf("%w: %s", ErrDeviceCreationFailed, err)
	}
	if caps.Features.TimelineSemaphore && !dev.EnabledFeatures().TimelineSemaphore {
		dev.Destroy()
		destroyInstance()
		return nil, fmt.Errorf("%w: timeline semaphores not enabled", ErrDeviceCreationFailed)
	}

	allocator, err := dev.CreateAllocator()
	if err != nil {
		dev.Destroy()
		destroyInstance()
		return nil, fmt.Errorf("%w: %s", ErrAllocatorInitFailed, err)
	}

	c := &Context{
		log:        logger,
		instance:   instance,
		physical:   selected,
		info:       selected.Info(),
		device:     dev,
		allocator:  allocator,
		extensions: enabled,
	}
	c.graphics = newQueue(dev.Queue(families.graphics, 0))
	if families.hasCompute {
		c.compute = newQueue(dev.Queue(families.compute, 0))
	}
	if families.hasTransfer {
		if families.hasCompute && families.transfer == families.compute {
			c.transfer = c.compute
		} else {
			c.transfer = newQueue(dev.Queue(families.transfer, 0))
		}
	}

	logger.WithFields(log.Fields{
		"device":   c.info.Name,
		"vendor":   fmt.Sprintf("%#x", c.info.VendorID),
		"memory":   c.info.Memory,
		"compute":  c.compute != nil,
		"transfer": c.transfer != nil,
	}).Info("gpu context created")
	return c, nil
}

func debugLogger(logger log.FieldLogger) device.DebugFunc {
	return func(sev device.Severity, msg string) {
		entry := logger.WithField("source", "validation")
		switch sev {
		case device.SeverityError:
			entry.Error(msg)
		case device.SeverityWarning:
			entry.Warn(msg)
		default:
			entry.Info(msg)
		}
	}
}

type queueFamilies struct {
	graphics    uint32
	compute     uint32
	transfer    uint32
	hasCompute  bool
	hasTransfer bool
}

func (q queueFamilies) requests() []device.QueueRequest {
	reqs := []device.QueueRequest{{Family: q.graphics, Count: 1}}
	if q.hasCompute {
		reqs = append(reqs, device.QueueRequest{Family: q.compute, Count: 1})
	}
	if q.hasTransfer && !(q.hasCompute && q.transfer == q.compute) {
		reqs = append(reqs, device.QueueRequest{Family: q.transfer, Count: 1})
	}
	return reqs
}

// pickQueueFamilies selects the first graphics family. Compute and
// transfer are only picked from other families; transfer prefers one
// that does nothing else.
func pickQueueFamilies(families []device.QueueFamily) (queueFamilies, bool) {
	var q queueFamilies
	found := false
	for _, f := range families {
		if f.Count > 0 && f.Flags.Has(device.QueueGraphics) {
			q.graphics, found = f.Index, true
			break
		}
	}
	if !found {
		return q, false
	}

	for _, f := range families {
		if f.Count > 0 && f.Index != q.graphics && f.Flags.Has(device.QueueCompute) {
			q.compute, q.hasCompute = f.Index, true
			break
		}
	}
	for _, f := range families {
		if f.Count > 0 && f.Index != q.graphics && f.Flags.Has(device.QueueTransfer) &&
			!f.Flags.Has(device.QueueGraphics) && !f.Flags.Has(device.QueueCompute) {
			q.transfer, q.hasTransfer = f.Index, true
			break
		}
	}
	if !q.hasTransfer {
		for _, f := range families {
			if f.Count > 0 && f.Index != q.graphics && f.Flags.Has(device.QueueTransfer) {
				q.transfer, q.hasTransfer = f.Index, true
				break
			}
		}
	}
	return q, true
}

// Logger returns the logger the context was created with.
func (c *Context) Logger() log.FieldLogger {
	return c.log
}

// Instance returns the native API instance.
func (c *Context) Instance() device.Instance {
	return c.instance
}

// Device returns the logical device.
func (c *Context) Device() device.Device {
	return c.device
}

// Info describes the selected physical device.
func (c *Context) Info() device.PhysicalDeviceInfo {
	return c.info
}

// Extensions returns the enabled device extensions.
func (c *Context) Extensions() []string {
	return append([]string(nil), c.extensions...)
}

// HasExtension reports whether ext was enabled on the device.
func (c *Context) HasExtension(ext string) bool {
	for _, e := range c.extensions {
		if e == ext {
			return true
		}
	}
	return false
}

// Allocator returns the device memory allocator.
func (c *Context) Allocator() device.Allocator {
	return c.allocator
}

// GraphicsQueue returns the graphics queue. It always exists.
func (c *Context) GraphicsQueue() *Queue {
	return c.graphics
}

// ComputeQueue returns the dedicated compute queue or nil.
func (c *Context) ComputeQueue() *Queue {
	return c.compute
}

// TransferQueue returns the dedicated transfer queue or nil.
func (c *Context) TransferQueue() *Queue {
	return c.transfer
}

// Retain registers a user of the context.
func (c *Context) Retain() {
	c.mu.Lock()
	c.refs++
	c.mu.Unlock()
}

// Release drops a user registered with Retain.
func (c *Context) Release() {
	c.mu.Lock()
	if c.refs > 0 {
		c.refs--
	}
	c.mu.Unlock()
}

// Refs returns the number of retained users.
func (c *Context) Refs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs
}

// Destroy tears the context down once no user retains it. A failed idle
// wait is logged and returned but does not stop the teardown.
func (c *Context) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil
	}
	if c.refs > 0 {
		return fmt.Errorf("%w: %d references", ErrContextInUse, c.refs)
	}
	c.destroyed = true

	err := c.device.WaitIdle()
	if err != nil {
		c.log.WithError(err).Error("device idle wait failed during teardown")
	}
	c.allocator.Destroy()
	c.device.Destroy()
	c.instance.DestroyDebugMessenger()
	c.instance.Destroy()
	return err
}

// Queue serializes access to one device queue.
type Queue struct {
	mu    sync.Mutex
	queue device.Queue
}

func newQueue(q device.Queue) *Queue {
	return &Queue{queue: q}
}

// Family returns the queue family index.
func (q *Queue) Family() uint32 {
	return q.queue.Family()
}

// Submit submits s.
func (q *Queue) Submit(s device.Submission) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queue.Submit(s)
}

// Present presents image index of sc once wait is signaled.
func (q *Queue) Present(sc device.Swapchain, index uint32, wait device.Semaphore) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queue.Present(sc, index, wait)
}
