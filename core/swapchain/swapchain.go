// Package swapchain manages the presentable image ring of one output.
package swapchain

import (
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/devblok/starforge/core"
	"github.com/devblok/starforge/device"
)

// Errors returned when creating or reconfiguring a swapchain.
var (
	ErrNoSurfaceFormats   = errors.New("surface reports no formats")
	ErrPresentUnsupported = errors.New("graphics queue cannot present to surface")
)

const defaultAcquireTimeout = time.Second

// Config is the output configuration a swapchain is negotiated from.
type Config struct {
	Width       uint32
	Height      uint32
	PresentMode device.PresentMode
	HDR         bool
	ImageCount  uint32
}

// ConfigFromRenderer derives an output configuration from the renderer
// settings. VSync selects FIFO, mailbox otherwise.
func ConfigFromRenderer(rc core.RendererConfiguration) Config {
	mode := device.PresentModeMailbox
	if rc.VSync {
		mode = device.PresentModeFifo
	}
	return Config{
		Width:       rc.ScreenWidth,
		Height:      rc.ScreenHeight,
		PresentMode: mode,
		HDR:         rc.HDR,
		ImageCount:  rc.SwapchainSize,
	}
}

// Option configures a Swapchain.
type Option func(*Swapchain)

// WithLogger sets the logger.
func WithLogger(l log.FieldLogger) Option {
	return func(s *Swapchain) {
		s.log = l
	}
}

// WithAcquireTimeout bounds the wait for a presentable image.
func WithAcquireTimeout(d time.Duration) Option {
	return func(s *Swapchain) {
		if d > 0 {
			s.timeout = d
		}
	}
}

type slot struct {
	acquired   device.Semaphore
	finished   device.Semaphore
	fence      device.Fence
	commands   device.CommandBuffer
	onComplete func()
}

// Frame is an acquired image ready to be recorded into.
type Frame struct {
	// Number is the frame counter value the frame is rendered as.
	Number uint64

	// Index is the swapchain image index.
	Index uint32

	// Age is the number of frames since the image was last rendered,
	// 0 when its contents are undefined.
	Age uint64

	Image    device.Image
	View     device.ImageView
	Commands device.CommandBuffer
	Extent   device.Extent2D
	Format   device.SurfaceFormat

	// Fence signals once the frame's submission completed.
	Fence device.Fence

	slot *slot
}

// Result reports how far a frame got.
type Result struct {
	// Submitted is set once the work reached the GPU. From then on the
	// completion callback runs when the frame's fence signals.
	Submitted  bool
	Presented  bool
	Suboptimal bool
}

// Swapchain is the presentation surface of one output with its image
// ring and per slot synchronization. It is not safe for concurrent use.
type Swapchain struct {
	ctx     *core.Context
	log     log.FieldLogger
	timeout time.Duration

	surface device.Surface
	handle  device.Swapchain
	cfg     Config
	format  device.SurfaceFormat
	mode    device.PresentMode
	extent  device.Extent2D

	images []device.Image
	views  []device.ImageView

	// rendered holds per image the frame number that last rendered it,
	// plus one.
	rendered []uint64
	slots    []*slot

	// retired holds acquire semaphores that may still have a pending
	// signal. They are destroyed with the swapchain that owes it.
	retired []device.Semaphore

	counter          uint64
	needsReconfigure bool
	destroyed        bool
}

// New creates a surface from src and a swapchain on it. The swapchain
// retains ctx until destroyed.
func New(ctx *core.Context, src device.SurfaceSource, cfg Config, opts ...Option) (*Swapchain, error) {
	s := &Swapchain{
		ctx:     ctx,
		log:     ctx.Logger(),
		timeout: defaultAcquireTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	surface, err := ctx.Instance().CreateSurface(src)
	if err != nil {
		return nil, fmt.Errorf("creating surface: %w", err)
	}
	s.surface = surface

	supported, err := ctx.Device().SurfaceSupport(surface, ctx.GraphicsQueue().Family())
	if err != nil {
		surface.Destroy()
		return nil, fmt.Errorf("querying surface support: %w", err)
	}
	if !supported {
		surface.Destroy()
		return nil, ErrPresentUnsupported
	}

	if err := s.create(cfg); err != nil {
		s.teardown()
		surface.Destroy()
		return nil, err
	}
	ctx.Retain()
	return s, nil
}

// create negotiates and builds the swapchain, its views and slots,
// replacing whatever was there.
func (s *Swapchain) create(cfg Config) error {
	dev := s.ctx.Device()
	caps, err := dev.SurfaceCapabilities(s.surface)
	if err != nil {
		return fmt.Errorf("querying surface capabilities: %w", err)
	}
	formats, err := dev.SurfaceFormats(s.surface)
	if err != nil {
		return fmt.Errorf("querying surface formats: %w", err)
	}
	format, err := ChooseFormat(formats, cfg.HDR)
	if err != nil {
		return err
	}
	modes, err := dev.PresentModes(s.surface)
	if err != nil {
		return fmt.Errorf("querying present modes: %w", err)
	}
	mode := ChoosePresentMode(modes, cfg.PresentMode)
	extent := ChooseExtent(caps, cfg.Width, cfg.Height)
	count := ChooseImageCount(caps, cfg.ImageCount)

	handle, err := dev.CreateSwapchain(device.SwapchainInfo{
		Surface:       s.surface,
		MinImageCount: count,
		Format:        format,
		Extent:        extent,
		PresentMode:   mode,
		Old:           s.handle,
	})
	// the old swapchain is retired either way
	s.teardown()
	if err != nil {
		s.needsReconfigure = true
		return fmt.Errorf("creating swapchain: %w", err)
	}
	s.handle = handle
	if err := s.populate(); err != nil {
		s.teardown()
		s.needsReconfigure = true
		return err
	}

	s.cfg = cfg
	s.format = format
	s.mode = mode
	s.extent = extent
	s.needsReconfigure = false

	s.log.WithFields(log.Fields{
		"extent": extent,
		"format": format.Format,
		"mode":   mode,
		"images": len(s.images),
		"hdr":    format.ColorSpace.HDR(),
	}).Info("swapchain created")
	return nil
}

// populate creates a view and a slot per swapchain image.
func (s *Swapchain) populate() error {
	images, err := s.handle.Images()
	if err != nil {
		return fmt.Errorf("getting swapchain images: %w", err)
	}
	s.images = images
	s.rendered = make([]uint64, len(images))
	for _, img := range images {
		view, err := s.ctx.Device().CreateImageView(img)
		if err != nil {
			return fmt.Errorf("creating image view: %w", err)
		}
		s.views = append(s.views, view)
	}
	for range images {
		sl, err := s.createSlot()
		if err != nil {
			return err
		}
		s.slots = append(s.slots, sl)
	}
	return nil
}

func (s *Swapchain) createSlot() (*slot, error) {
	dev := s.ctx.Device()
	sl := &slot{}
	var err error
	if sl.acquired, err = dev.CreateSemaphore(); err != nil {
		return nil, fmt.Errorf("creating semaphore: %w", err)
	}
	if sl.finished, err = dev.CreateSemaphore(); err != nil {
		sl.destroy()
		return nil, fmt.Errorf("creating semaphore: %w", err)
	}
	// signaled so the first use of the slot does not wait
	if sl.fence, err = dev.CreateFence(true); err != nil {
		sl.destroy()
		return nil, fmt.Errorf("creating fence: %w", err)
	}
	if sl.commands, err = dev.CreateCommandBuffer(s.ctx.GraphicsQueue().Family()); err != nil {
		sl.destroy()
		return nil, fmt.Errorf("creating command buffer: %w", err)
	}
	return sl, nil
}

func (sl *slot) destroy() {
	if sl.commands != nil {
		sl.commands.Destroy()
	}
	if sl.fence != nil {
		sl.fence.Destroy()
	}
	if sl.finished != nil {
		sl.finished.Destroy()
	}
	if sl.acquired != nil {
		sl.acquired.Destroy()
	}
}

func (sl *slot) complete() {
	if sl.onComplete != nil {
		fn := sl.onComplete
		sl.onComplete = nil
		fn()
	}
}

// teardown destroys slots, views and the swapchain handle. Slot fences
// must have been waited on.
func (s *Swapchain) teardown() {
	for _, sl := range s.slots {
		sl.destroy()
	}
	s.slots = nil
	for _, v := range s.views {
		v.Destroy()
	}
	s.views = nil
	s.images = nil
	s.rendered = nil
	if s.handle != nil {
		s.handle.Destroy()
		s.handle = nil
	}
	for _, sem := range s.retired {
		sem.Destroy()
	}
	s.retired = nil
}

// waitAll waits for every slot fence and runs pending completions. The
// first wait error is returned after all slots were visited.
func (s *Swapchain) waitAll() error {
	var first error
	for _, sl := range s.slots {
		err := sl.fence.Wait(device.WaitForever)
		if err != nil && first == nil {
			first = fmt.Errorf("waiting for frame: %w", err)
		}
		// a lost device runs no more work
		if err == nil || errors.Is(err, device.ErrDeviceLost) {
			sl.complete()
		}
	}
	return first
}

// AcquireNextImage waits until the next slot is free and acquires an
// image into it.
func (s *Swapchain) AcquireNextImage() (Frame, error) {
	if s.handle == nil || len(s.slots) == 0 {
		return Frame{}, fmt.Errorf("acquiring image: %w", device.ErrOutOfDate)
	}
	sl := s.slots[s.counter%uint64(len(s.slots))]
	if err := sl.fence.Wait(device.WaitForever); err != nil {
		return Frame{}, fmt.Errorf("waiting for frame slot: %w", err)
	}
	sl.complete()

	index, suboptimal, err := s.handle.Acquire(s.timeout, sl.acquired)
	if err != nil {
		if staleSurface(err) {
			s.needsReconfigure = true
		}
		return Frame{}, fmt.Errorf("acquiring image: %w", err)
	}
	if suboptimal {
		s.needsReconfigure = true
	}
	if err := sl.fence.Reset(); err != nil {
		return Frame{}, fmt.Errorf("resetting fence: %w", err)
	}

	f := Frame{
		Number:   s.counter,
		Index:    index,
		Image:    s.images[index],
		View:     s.views[index],
		Commands: sl.commands,
		Extent:   s.extent,
		Format:   s.format,
		Fence:    sl.fence,
		slot:     sl,
	}
	if last := s.rendered[index]; last > 0 {
		f.Age = s.counter + 1 - last
	}
	return f, nil
}

// SubmitAndPresent submits the commands recorded into f and presents the
// image. onComplete runs once the GPU finished the frame, from a later
// acquire, Poll, Reconfigure or Destroy. The frame counter advances when
// the submission succeeds, even if the presentation fails.
func (s *Swapchain) SubmitAndPresent(f Frame, onComplete func()) (Result, error) {
	sl := f.slot
	if sl == nil {
		return Result{}, errors.New("frame was not acquired")
	}
	q := s.ctx.GraphicsQueue()
	err := q.Submit(device.Submission{
		Commands: sl.commands,
		Wait:     []device.Semaphore{sl.acquired},
		Signal:   []device.Semaphore{sl.finished},
		Fence:    sl.fence,
	})
	if err != nil {
		s.recoverSlot(sl)
		return Result{}, fmt.Errorf("submitting frame: %w", err)
	}
	sl.onComplete = onComplete
	s.rendered[f.Index] = f.Number + 1
	s.counter++

	res := Result{Submitted: true}
	suboptimal, err := q.Present(s.handle, f.Index, sl.finished)
	if err != nil {
		if staleSurface(err) {
			s.needsReconfigure = true
		}
		return res, fmt.Errorf("presenting frame: %w", err)
	}
	res.Presented = true
	if suboptimal {
		res.Suboptimal = true
		s.needsReconfigure = true
	}
	return res, nil
}

// Abandon gives up on an acquired frame that will not be submitted. The
// image acquired signal is consumed and the slot fence signaled by an
// empty submission; the image is only returned by reconfiguring.
func (s *Swapchain) Abandon(f Frame) error {
	sl := f.slot
	if sl == nil {
		return nil
	}
	s.needsReconfigure = true
	err := s.ctx.GraphicsQueue().Submit(device.Submission{
		Wait:  []device.Semaphore{sl.acquired},
		Fence: sl.fence,
	})
	if err != nil {
		s.recoverSlot(sl)
		return fmt.Errorf("abandoning frame: %w", err)
	}
	return nil
}

// staleSurface reports whether err asks for the swapchain to be rebuilt.
func staleSurface(err error) bool {
	return errors.Is(err, device.ErrOutOfDate) || errors.Is(err, device.ErrSurfaceLost)
}

// recoverSlot replaces the fence and acquire semaphore of a slot whose
// submission failed after a successful acquire. Nothing waited on the
// old semaphore, so it is retired until the swapchain is torn down.
func (s *Swapchain) recoverSlot(sl *slot) {
	s.needsReconfigure = true
	dev := s.ctx.Device()
	if fence, err := dev.CreateFence(true); err == nil {
		sl.fence.Destroy()
		sl.fence = fence
	} else {
		s.log.WithError(err).Error("replacing frame fence failed")
	}
	if sem, err := dev.CreateSemaphore(); err == nil {
		s.retired = append(s.retired, sl.acquired)
		sl.acquired = sem
	} else {
		s.log.WithError(err).Error("replacing acquire semaphore failed")
	}
}

// Reconfigure waits for in-flight frames and recreates the swapchain on
// the same surface. Image ages are reset.
func (s *Swapchain) Reconfigure(cfg Config) error {
	if err := s.waitAll(); err != nil {
		return err
	}
	supported, err := s.ctx.Device().SurfaceSupport(s.surface, s.ctx.GraphicsQueue().Family())
	if err != nil {
		return fmt.Errorf("querying surface support: %w", err)
	}
	if !supported {
		return ErrPresentUnsupported
	}
	return s.create(cfg)
}

// Poll runs the completion callbacks of finished frames.
func (s *Swapchain) Poll() error {
	for _, sl := range s.slots {
		if sl.onComplete == nil {
			continue
		}
		done, err := sl.fence.Signaled()
		if err != nil {
			return fmt.Errorf("querying fence: %w", err)
		}
		if done {
			sl.complete()
		}
	}
	return nil
}

// NeedsReconfigure reports whether the swapchain no longer matches its
// surface.
func (s *Swapchain) NeedsReconfigure() bool {
	return s.needsReconfigure
}

// Config returns the configuration the swapchain was last built from.
func (s *Swapchain) Config() Config {
	return s.cfg
}

// Extent returns the current image size.
func (s *Swapchain) Extent() device.Extent2D {
	return s.extent
}

// Format returns the negotiated surface format.
func (s *Swapchain) Format() device.SurfaceFormat {
	return s.format
}

// PresentMode returns the negotiated present mode.
func (s *Swapchain) PresentMode() device.PresentMode {
	return s.mode
}

// ImageCount returns the number of images, which is also the number of
// frames that may be in flight.
func (s *Swapchain) ImageCount() int {
	return len(s.images)
}

// FrameCounter returns the number of frames submitted so far.
func (s *Swapchain) FrameCounter() uint64 {
	return s.counter
}

// Destroy waits for in-flight frames, then destroys the swapchain and
// its surface and releases the context. A failed wait is returned after
// everything was destroyed.
func (s *Swapchain) Destroy() error {
	if s.destroyed {
		return nil
	}
	s.destroyed = true
	err := s.waitAll()
	s.teardown()
	s.surface.Destroy()
	s.ctx.Release()
	return err
}
