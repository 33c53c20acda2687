// Package renderer is the boundary the compositor talks to: it keeps the
// registry of outputs, imports client buffers and renders frames.
package renderer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/devblok/starforge/core"
	"github.com/devblok/starforge/core/buffer"
	"github.com/devblok/starforge/core/swapchain"
	"github.com/devblok/starforge/device"
)

// Errors returned by the renderer.
var (
	ErrOutputNotFound = errors.New("output not found")
	ErrDestroyed      = errors.New("renderer destroyed")
)

// OutputID identifies an output. Ids are handed out by whoever manages
// outputs.
type OutputID uint32

// Option configures a Renderer.
type Option func(*Renderer)

// WithLogger sets the logger.
func WithLogger(l log.FieldLogger) Option {
	return func(r *Renderer) {
		r.log = l
	}
}

// WithBackground sets the color outputs are cleared to.
func WithBackground(c device.Color) Option {
	return func(r *Renderer) {
		r.background = c
	}
}

// WithAcquireTimeout bounds the wait for a presentable image.
func WithAcquireTimeout(d time.Duration) Option {
	return func(r *Renderer) {
		r.timeout = d
	}
}

// WithReleaseFunc sets the callback told when the GPU no longer reads a
// client buffer. It runs on the goroutine of the renderer call that
// released the buffer, once that call dropped its locks, so it may call
// back into the renderer.
func WithReleaseFunc(fn buffer.ReleaseFunc) Option {
	return func(r *Renderer) {
		r.release = fn
	}
}

type output struct {
	mu   sync.Mutex
	sc   *swapchain.Swapchain
	orch *Orchestrator
}

// Renderer owns every output swapchain and the imported buffers. Frames
// for different outputs may be rendered concurrently.
type Renderer struct {
	ctx        *core.Context
	log        log.FieldLogger
	background device.Color
	timeout    time.Duration
	release    buffer.ReleaseFunc
	buffers    *buffer.Manager

	// released queues buffers destroyed under r.mu until the call that
	// destroyed them returns.
	releaseMu sync.Mutex
	released  []buffer.ID

	mu      sync.RWMutex
	outputs map[OutputID]*output

	lost      atomic.Bool
	destroyed bool
}

// New returns a renderer on ctx. The renderer retains ctx until it is
// destroyed.
func New(ctx *core.Context, opts ...Option) *Renderer {
	r := &Renderer{
		ctx:        ctx,
		log:        ctx.Logger(),
		background: device.Color{0, 0, 0, 1},
		outputs:    map[OutputID]*output{},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.buffers = buffer.NewManager(ctx, r.queueRelease, buffer.WithLogger(r.log))
	ctx.Retain()
	return r
}

// NewFromConfiguration returns a renderer set up from the renderer
// settings.
func NewFromConfiguration(ctx *core.Context, cfg core.RendererConfiguration, opts ...Option) *Renderer {
	base := []Option{
		WithBackground(device.Color(cfg.BackgroundColor)),
		WithAcquireTimeout(cfg.AcquireTimeout()),
	}
	return New(ctx, append(base, opts...)...)
}

// check turns a fatal device error into the renderer's terminal state.
func (r *Renderer) check(err error) error {
	if err != nil && errors.Is(err, core.ErrDeviceLost) {
		if !r.lost.Swap(true) {
			r.log.WithError(err).Error("device lost")
		}
	}
	return err
}

// usable reports why the renderer takes no more calls. The caller holds
// r.mu.
func (r *Renderer) usable() error {
	if r.destroyed {
		return ErrDestroyed
	}
	if r.lost.Load() {
		return core.ErrDeviceLost
	}
	return nil
}

func (r *Renderer) queueRelease(id buffer.ID) {
	if r.release == nil {
		return
	}
	r.releaseMu.Lock()
	r.released = append(r.released, id)
	r.releaseMu.Unlock()
}

// flushReleases tells the release callback about queued buffers. It is
// deferred ahead of r.mu so it runs after the lock is dropped.
func (r *Renderer) flushReleases() {
	r.releaseMu.Lock()
	ids := r.released
	r.released = nil
	r.releaseMu.Unlock()
	for _, id := range ids {
		r.release(id)
	}
}

// RegisterOutput creates a swapchain for id on the surface src provides.
// An output already registered under id is torn down first.
func (r *Renderer) RegisterOutput(id OutputID, src device.SurfaceSource, cfg swapchain.Config) error {
	defer r.flushReleases()
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.usable(); err != nil {
		return err
	}

	logger := r.log.WithField("output", id)
	if old, ok := r.outputs[id]; ok {
		delete(r.outputs, id)
		if err := old.destroy(); err != nil {
			if errors.Is(r.check(err), core.ErrDeviceLost) {
				return core.ErrDeviceLost
			}
			logger.WithError(err).Warn("tearing down replaced output")
		}
	}

	sc, err := swapchain.New(r.ctx, src, cfg,
		swapchain.WithLogger(logger),
		swapchain.WithAcquireTimeout(r.timeout))
	if err != nil {
		return r.check(fmt.Errorf("registering output %d: %w", id, err))
	}
	r.outputs[id] = &output{
		sc:   sc,
		orch: NewOrchestrator(sc, r.buffers, r.background, logger),
	}
	logger.WithField("extent", sc.Extent()).Info("output registered")
	return nil
}

func (o *output) destroy() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sc.Destroy()
}

// lookup returns the output registered under id. The caller holds r.mu.
func (r *Renderer) lookup(id OutputID) (*output, error) {
	out, ok := r.outputs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrOutputNotFound, id)
	}
	return out, nil
}

// ConfigureOutput renegotiates the swapchain of id, for example after a
// resize.
func (r *Renderer) ConfigureOutput(id OutputID, cfg swapchain.Config) error {
	defer r.flushReleases()
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.usable(); err != nil {
		return err
	}
	out, err := r.lookup(id)
	if err != nil {
		return err
	}

	out.mu.Lock()
	defer out.mu.Unlock()
	out.orch.Reset()
	if err := out.sc.Reconfigure(cfg); err != nil {
		return r.check(fmt.Errorf("configuring output %d: %w", id, err))
	}
	r.log.WithFields(log.Fields{
		"output": id,
		"extent": out.sc.Extent(),
		"mode":   out.sc.PresentMode(),
	}).Info("output configured")
	return nil
}

// UnregisterOutput waits for the frames of id and destroys its swapchain.
func (r *Renderer) UnregisterOutput(id OutputID) error {
	defer r.flushReleases()
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.usable(); err != nil {
		return err
	}
	out, err := r.lookup(id)
	if err != nil {
		return err
	}
	delete(r.outputs, id)
	if err := out.destroy(); err != nil {
		return r.check(fmt.Errorf("unregistering output %d: %w", id, err))
	}
	r.log.WithField("output", id).Info("output unregistered")
	return nil
}

// ImportDmaBuf imports a client buffer.
func (r *Renderer) ImportDmaBuf(info buffer.DmaBuf) (buffer.ID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.usable(); err != nil {
		return buffer.ID{}, err
	}
	b, err := r.buffers.Import(info)
	if err != nil {
		return buffer.ID{}, r.check(err)
	}
	return b.ID(), nil
}

// ReleaseBuffer releases a client buffer once no in-flight frame reads
// it.
func (r *Renderer) ReleaseBuffer(id buffer.ID) error {
	defer r.flushReleases()
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.usable(); err != nil {
		return err
	}
	return r.buffers.ScheduleRelease(id)
}

// RenderFrame renders elements, back to front, as the next frame of id.
func (r *Renderer) RenderFrame(id OutputID, elements []Element) error {
	defer r.flushReleases()
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.usable(); err != nil {
		return err
	}
	out, err := r.lookup(id)
	if err != nil {
		return err
	}

	out.mu.Lock()
	defer out.mu.Unlock()
	if err := out.orch.Render(elements); err != nil {
		return r.check(fmt.Errorf("rendering output %d: %w", id, err))
	}
	return nil
}

// RenderFrames renders one frame on each output in frames concurrently.
// Unknown outputs fail the call before anything is rendered.
func (r *Renderer) RenderFrames(ctx context.Context, frames map[OutputID][]Element) error {
	r.mu.RLock()
	if err := r.usable(); err != nil {
		r.mu.RUnlock()
		return err
	}
	for id := range frames {
		if _, err := r.lookup(id); err != nil {
			r.mu.RUnlock()
			return err
		}
	}
	r.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for id, elements := range frames {
		id, elements := id, elements
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return r.RenderFrame(id, elements)
		})
	}
	return g.Wait()
}

// Extent returns the current size of id.
func (r *Renderer) Extent(id OutputID) (device.Extent2D, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.usable(); err != nil {
		return device.Extent2D{}, err
	}
	out, err := r.lookup(id)
	if err != nil {
		return device.Extent2D{}, err
	}
	out.mu.Lock()
	defer out.mu.Unlock()
	return out.sc.Extent(), nil
}

// NeedsReconfigure reports whether id should be reconfigured, because
// its swapchain went out of date or suboptimal.
func (r *Renderer) NeedsReconfigure(id OutputID) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.usable(); err != nil {
		return false, err
	}
	out, err := r.lookup(id)
	if err != nil {
		return false, err
	}
	out.mu.Lock()
	defer out.mu.Unlock()
	return out.sc.NeedsReconfigure(), nil
}

// Outputs returns the registered output ids in ascending order.
func (r *Renderer) Outputs() []OutputID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]OutputID, 0, len(r.outputs))
	for id := range r.outputs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Poll completes finished frames and releases the buffers they held.
func (r *Renderer) Poll() error {
	defer r.flushReleases()
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.usable(); err != nil {
		return err
	}
	for id, out := range r.outputs {
		out.mu.Lock()
		err := out.sc.Poll()
		out.mu.Unlock()
		if err != nil {
			return r.check(fmt.Errorf("polling output %d: %w", id, err))
		}
	}
	r.buffers.Poll()
	return nil
}

// Destroy tears every output down, releases all buffers and lets go of
// the context. It also runs after the device was lost.
func (r *Renderer) Destroy() error {
	defer r.flushReleases()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return nil
	}
	r.destroyed = true

	var first error
	for id, out := range r.outputs {
		if err := out.destroy(); err != nil && first == nil {
			first = fmt.Errorf("destroying output %d: %w", id, err)
		}
		delete(r.outputs, id)
	}
	r.buffers.Destroy()
	r.ctx.Release()
	return first
}
