package renderer_test

import (
	"context"
	"os"
	"sync"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/google/uuid"

	"github.com/devblok/starforge/core"
	"github.com/devblok/starforge/core/buffer"
	"github.com/devblok/starforge/core/renderer"
	"github.com/devblok/starforge/core/swapchain"
	"github.com/devblok/starforge/device"
	"github.com/devblok/starforge/device/devicetest"
)

var background = device.Color{0.1, 0.2, 0.3, 1}

var cfg640 = swapchain.Config{
	Width:       640,
	Height:      480,
	PresentMode: device.PresentModeFifo,
	ImageCount:  3,
}

type env struct {
	driver *devicetest.Driver
	dev    *devicetest.Device
	ctx    *core.Context
	r      *renderer.Renderer

	mu       sync.Mutex
	released []buffer.ID
}

func newEnv(c *qt.C) *env {
	pd := devicetest.NewPhysicalDevice("gpu")
	e := &env{driver: devicetest.NewDriver(pd)}
	ctx, err := core.New(e.driver, core.ContextInfo{})
	c.Assert(err, qt.IsNil)
	e.ctx = ctx
	e.dev = pd.Device()
	e.dev.CompleteOnWait = true
	e.r = renderer.New(ctx,
		renderer.WithBackground(background),
		renderer.WithReleaseFunc(func(id buffer.ID) {
			e.mu.Lock()
			e.released = append(e.released, id)
			e.mu.Unlock()
		}))
	c.Cleanup(func() {
		e.r.Destroy()
		ctx.Destroy()
	})
	return e
}

func (e *env) releases() []buffer.ID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]buffer.ID(nil), e.released...)
}

func (e *env) register(c *qt.C, id renderer.OutputID) {
	c.Assert(e.r.RegisterOutput(id, devicetest.NullSurface, cfg640), qt.IsNil)
}

// dmaBuf describes a linear 100x100 buffer backed by a pipe.
func dmaBuf(c *qt.C) buffer.DmaBuf {
	rd, wr, err := os.Pipe()
	c.Assert(err, qt.IsNil)
	c.Cleanup(func() {
		rd.Close()
		wr.Close()
	})
	return buffer.DmaBuf{
		FD:     int(rd.Fd()),
		Width:  100,
		Height: 100,
		Format: device.FormatB8G8R8A8Unorm,
		Stride: 400,
	}
}

func (e *env) importBuffer(c *qt.C) buffer.ID {
	id, err := e.r.ImportDmaBuf(dmaBuf(c))
	c.Assert(err, qt.IsNil)
	return id
}

func (e *env) presents() int {
	return len(e.dev.Queues(0).Presents)
}

// ops returns what the last frame recorded into slot.
func (e *env) ops(slot int) []devicetest.Op {
	return e.dev.Commands[slot].Ops
}

func TestRegisterUnregister(t *testing.T) {
	c := qt.New(t)
	e := newEnv(c)

	e.register(c, 1)
	c.Assert(e.r.Outputs(), qt.DeepEquals, []renderer.OutputID{1})
	c.Assert(e.r.RenderFrame(1, nil), qt.IsNil)

	c.Assert(e.r.UnregisterOutput(1), qt.IsNil)
	c.Assert(e.r.Outputs(), qt.HasLen, 0)
	c.Assert(e.r.RenderFrame(1, nil), qt.ErrorIs, renderer.ErrOutputNotFound)
	c.Assert(e.dev.Live("swapchain"), qt.Equals, 0)
	c.Assert(e.ctx.Refs(), qt.Equals, 1)
}

func TestUnknownOutput(t *testing.T) {
	c := qt.New(t)
	e := newEnv(c)
	e.register(c, 1)

	c.Assert(e.r.RenderFrame(9, nil), qt.ErrorIs, renderer.ErrOutputNotFound)
	c.Assert(e.r.ConfigureOutput(9, cfg640), qt.ErrorIs, renderer.ErrOutputNotFound)
	c.Assert(e.r.UnregisterOutput(9), qt.ErrorIs, renderer.ErrOutputNotFound)
	_, err := e.r.Extent(9)
	c.Assert(err, qt.ErrorIs, renderer.ErrOutputNotFound)
	_, err = e.r.NeedsReconfigure(9)
	c.Assert(err, qt.ErrorIs, renderer.ErrOutputNotFound)

	c.Assert(e.r.Outputs(), qt.DeepEquals, []renderer.OutputID{1})
	c.Assert(e.dev.Swapchains, qt.HasLen, 1)
	c.Assert(e.presents(), qt.Equals, 0)
	c.Assert(e.dev.Queues(0).Submissions, qt.HasLen, 0)
}

func TestConfigureOutput(t *testing.T) {
	c := qt.New(t)
	e := newEnv(c)
	e.register(c, 1)

	ext, err := e.r.Extent(1)
	c.Assert(err, qt.IsNil)
	c.Assert(ext, qt.Equals, device.Extent2D{Width: 640, Height: 480})

	c.Assert(e.r.RenderFrame(1, nil), qt.IsNil)

	cfg := cfg640
	cfg.Width, cfg.Height = 1280, 720
	c.Assert(e.r.ConfigureOutput(1, cfg), qt.IsNil)

	ext, err = e.r.Extent(1)
	c.Assert(err, qt.IsNil)
	c.Assert(ext, qt.Equals, device.Extent2D{Width: 1280, Height: 720})

	// the frame counter carries on, so the second frame uses slot 1
	c.Assert(e.r.RenderFrame(1, nil), qt.IsNil)
	last := e.dev.Commands[len(e.dev.Commands)-2]
	c.Assert(last.Ops, qt.DeepEquals, []devicetest.Op{{
		Clear: true,
		Rect:  device.Rect{Width: 1280, Height: 720},
		Color: background,
	}})
}

func TestZeroElementsClearsToBackground(t *testing.T) {
	c := qt.New(t)
	e := newEnv(c)
	e.register(c, 1)

	for i := 0; i < 4; i++ {
		c.Assert(e.r.RenderFrame(1, nil), qt.IsNil)
	}
	c.Assert(e.presents(), qt.Equals, 4)
	// an empty frame never takes the partial path
	c.Assert(e.ops(0), qt.DeepEquals, []devicetest.Op{{
		Clear: true,
		Rect:  device.Rect{Width: 640, Height: 480},
		Color: background,
	}})
}

func TestDuplicateRegisterReplacesOutput(t *testing.T) {
	c := qt.New(t)
	e := newEnv(c)
	e.register(c, 1)
	c.Assert(e.r.RenderFrame(1, nil), qt.IsNil)
	e.register(c, 1)

	c.Assert(e.driver.Calls()[2:], qt.DeepEquals, []string{
		"surface.create",
		"surface.destroy",
		"surface.create",
	})
	c.Assert(e.dev.Swapchains[0].Destroyed, qt.IsTrue)
	c.Assert(e.dev.Fences[0].Blocked, qt.Equals, 1)
	c.Assert(e.dev.Live("swapchain"), qt.Equals, 1)
	c.Assert(e.r.Outputs(), qt.DeepEquals, []renderer.OutputID{1})
	c.Assert(e.ctx.Refs(), qt.Equals, 2)
}

func TestDeviceLost(t *testing.T) {
	c := qt.New(t)
	e := newEnv(c)
	e.register(c, 1)
	e.dev.AcquireErrors = []error{device.ErrDeviceLost}

	err := e.r.RenderFrame(1, nil)
	c.Assert(err, qt.ErrorIs, core.ErrDeviceLost)
	c.Assert(core.IsFatal(err), qt.IsTrue)

	c.Assert(e.r.RenderFrame(1, nil), qt.ErrorIs, core.ErrDeviceLost)
	c.Assert(e.r.RegisterOutput(2, devicetest.NullSurface, cfg640), qt.ErrorIs, core.ErrDeviceLost)
	c.Assert(e.r.ConfigureOutput(1, cfg640), qt.ErrorIs, core.ErrDeviceLost)
	c.Assert(e.r.Poll(), qt.ErrorIs, core.ErrDeviceLost)
	_, err = e.r.ImportDmaBuf(buffer.DmaBuf{})
	c.Assert(err, qt.ErrorIs, core.ErrDeviceLost)

	c.Assert(e.r.Destroy(), qt.IsNil)
	c.Assert(e.ctx.Refs(), qt.Equals, 0)
}

func TestUnknownBufferFailsBeforeGPUWork(t *testing.T) {
	c := qt.New(t)
	e := newEnv(c)
	e.register(c, 1)

	err := e.r.RenderFrame(1, []renderer.Element{
		renderer.SolidColor{Rect: device.Rect{Width: 10, Height: 10}},
		renderer.ClientSurface{Buffer: buffer.ID(uuid.New())},
	})
	c.Assert(err, qt.ErrorIs, buffer.ErrBufferNotFound)
	c.Assert(e.dev.Fences[0].Waits, qt.Equals, 0)
	c.Assert(e.dev.Queues(0).Submissions, qt.HasLen, 0)
	c.Assert(e.dev.Commands[0].Begins, qt.Equals, 0)
}

func TestElementsDrawnInOrderWithTags(t *testing.T) {
	c := qt.New(t)
	e := newEnv(c)
	e.register(c, 1)
	id := e.importBuffer(c)

	red := device.Color{1, 0, 0, 1}
	err := e.r.RenderFrame(1, []renderer.Element{
		renderer.SolidColor{Rect: device.Rect{X: 5, Y: 5, Width: 50, Height: 50}, Color: red},
		renderer.ClientSurface{
			Buffer:     id,
			Position:   renderer.Point{X: 600, Y: 20},
			ColorSpace: device.ColorSpaceHDR10ST2084,
			Transfer:   device.TransferPQ,
		},
	})
	c.Assert(err, qt.IsNil)

	ops := e.ops(0)
	c.Assert(ops, qt.HasLen, 3)
	c.Assert(ops[0].Rect, qt.Equals, device.Rect{Width: 640, Height: 480})
	c.Assert(ops[1], qt.DeepEquals, devicetest.Op{
		Clear: true,
		Rect:  device.Rect{X: 5, Y: 5, Width: 50, Height: 50},
		Color: red,
	})

	// the surface hangs off the right edge and is cut to the output
	blit := ops[2].Blit
	c.Assert(blit.Src, qt.Equals, device.Rect{Width: 40, Height: 100})
	c.Assert(blit.Dst, qt.Equals, device.Rect{X: 600, Y: 20, Width: 40, Height: 100})
	c.Assert(blit.ColorSpace, qt.Equals, device.ColorSpaceHDR10ST2084)
	c.Assert(blit.Transfer, qt.Equals, device.TransferPQ)
}

func TestPartialUpdate(t *testing.T) {
	c := qt.New(t)
	e := newEnv(c)
	e.register(c, 1)
	id := e.importBuffer(c)

	frame := func(pos renderer.Point, damage []device.Rect) {
		err := e.r.RenderFrame(1, []renderer.Element{
			renderer.ClientSurface{Buffer: id, Position: pos, Damage: damage},
		})
		c.Assert(err, qt.IsNil)
	}
	at := renderer.Point{X: 10, Y: 10}

	frame(at, nil)
	frame(at, []device.Rect{{X: 0, Y: 0, Width: 10, Height: 10}})
	frame(at, []device.Rect{{X: 20, Y: 20, Width: 10, Height: 10}})

	// the fourth frame lands on the first image, three frames old, so
	// the damage of the last two frames and its own is redrawn
	frame(at, []device.Rect{{X: 50, Y: 50, Width: 5, Height: 5}})
	clip := device.Rect{X: 10, Y: 10, Width: 55, Height: 55}
	ops := e.ops(0)
	c.Assert(ops, qt.HasLen, 2)
	c.Assert(ops[0], qt.DeepEquals, devicetest.Op{Clear: true, Rect: clip, Color: background})
	c.Assert(ops[1].Blit.Src, qt.Equals, device.Rect{Width: 55, Height: 55})
	c.Assert(ops[1].Blit.Dst, qt.Equals, clip)

	// moving the surface changes the layout and forces a full frame
	frame(renderer.Point{X: 20, Y: 10}, []device.Rect{})
	ops = e.ops(1)
	c.Assert(ops[0].Rect, qt.Equals, device.Rect{Width: 640, Height: 480})
	c.Assert(ops[1].Blit.Dst, qt.Equals, device.Rect{X: 20, Y: 10, Width: 100, Height: 100})
}

func TestPartialUpdateResetByConfigure(t *testing.T) {
	c := qt.New(t)
	e := newEnv(c)
	e.register(c, 1)
	id := e.importBuffer(c)

	elements := []renderer.Element{renderer.ClientSurface{Buffer: id, Damage: []device.Rect{}}}
	for i := 0; i < 3; i++ {
		c.Assert(e.r.RenderFrame(1, elements), qt.IsNil)
	}
	c.Assert(e.r.ConfigureOutput(1, cfg640), qt.IsNil)
	c.Assert(e.r.RenderFrame(1, elements), qt.IsNil)

	// a fresh swapchain has no history, so the frame is drawn in full
	cb := e.dev.Commands[len(e.dev.Commands)-3]
	c.Assert(cb.Ops, qt.HasLen, 2)
	c.Assert(cb.Ops[0].Rect, qt.Equals, device.Rect{Width: 640, Height: 480})
}

func TestBufferReleasedAfterFrameCompletes(t *testing.T) {
	c := qt.New(t)
	e := newEnv(c)
	e.register(c, 1)
	id := e.importBuffer(c)

	elements := []renderer.Element{renderer.ClientSurface{Buffer: id}}
	c.Assert(e.r.RenderFrame(1, elements), qt.IsNil)
	c.Assert(e.r.ReleaseBuffer(id), qt.IsNil)
	c.Assert(e.r.Poll(), qt.IsNil)
	c.Assert(e.releases(), qt.HasLen, 0)

	// a frame rendered after the request still shows the buffer and
	// holds the release back until it completes too
	c.Assert(e.r.RenderFrame(1, elements), qt.IsNil)

	e.dev.Fences[0].Signal()
	c.Assert(e.r.Poll(), qt.IsNil)
	c.Assert(e.releases(), qt.HasLen, 0)
	c.Assert(e.dev.Live("image"), qt.Equals, 1)

	e.dev.Fences[1].Signal()
	c.Assert(e.r.Poll(), qt.IsNil)
	c.Assert(e.releases(), qt.DeepEquals, []buffer.ID{id})
	c.Assert(e.dev.Live("image"), qt.Equals, 0)

	err := e.r.RenderFrame(1, elements)
	c.Assert(err, qt.ErrorIs, buffer.ErrBufferNotFound)

	c.Assert(e.r.ReleaseBuffer(id), qt.ErrorIs, buffer.ErrBufferNotFound)
}

func TestReleaseOnUnregister(t *testing.T) {
	c := qt.New(t)
	e := newEnv(c)
	e.register(c, 1)
	id := e.importBuffer(c)

	c.Assert(e.r.RenderFrame(1, []renderer.Element{renderer.ClientSurface{Buffer: id}}), qt.IsNil)
	c.Assert(e.r.ReleaseBuffer(id), qt.IsNil)
	c.Assert(e.r.UnregisterOutput(1), qt.IsNil)
	c.Assert(e.releases(), qt.DeepEquals, []buffer.ID{id})
}

func TestRenderFrames(t *testing.T) {
	c := qt.New(t)
	e := newEnv(c)
	e.register(c, 1)
	e.register(c, 2)

	err := e.r.RenderFrames(context.Background(), map[renderer.OutputID][]renderer.Element{
		1: nil,
		2: {renderer.SolidColor{Rect: device.Rect{Width: 8, Height: 8}, Color: device.Color{0, 1, 0, 1}}},
	})
	c.Assert(err, qt.IsNil)
	c.Assert(e.presents(), qt.Equals, 2)
	c.Assert(e.dev.Queues(0).Overlaps(), qt.Equals, 0)

	err = e.r.RenderFrames(context.Background(), map[renderer.OutputID][]renderer.Element{
		1: nil,
		7: nil,
	})
	c.Assert(err, qt.ErrorIs, renderer.ErrOutputNotFound)
	c.Assert(e.presents(), qt.Equals, 2)
}

func TestNeedsReconfigure(t *testing.T) {
	c := qt.New(t)
	e := newEnv(c)
	e.register(c, 1)
	e.dev.PresentErrors = []error{device.ErrOutOfDate}

	err := e.r.RenderFrame(1, nil)
	c.Assert(err, qt.ErrorIs, core.ErrOutOfDate)
	c.Assert(core.IsRecoverable(err), qt.IsTrue)

	stale, err := e.r.NeedsReconfigure(1)
	c.Assert(err, qt.IsNil)
	c.Assert(stale, qt.IsTrue)

	c.Assert(e.r.ConfigureOutput(1, cfg640), qt.IsNil)
	stale, err = e.r.NeedsReconfigure(1)
	c.Assert(err, qt.IsNil)
	c.Assert(stale, qt.IsFalse)
}

func TestDestroy(t *testing.T) {
	c := qt.New(t)
	e := newEnv(c)
	e.register(c, 1)
	e.register(c, 2)
	e.importBuffer(c)

	c.Assert(e.r.Destroy(), qt.IsNil)
	c.Assert(e.releases(), qt.HasLen, 1)
	c.Assert(e.ctx.Refs(), qt.Equals, 0)
	c.Assert(e.dev.Live("swapchain"), qt.Equals, 0)
	c.Assert(e.ctx.Destroy(), qt.IsNil)
}

func TestCallsAfterDestroy(t *testing.T) {
	c := qt.New(t)
	e := newEnv(c)
	e.register(c, 1)
	c.Assert(e.r.Destroy(), qt.IsNil)
	c.Assert(e.r.Destroy(), qt.IsNil)

	_, err := e.r.ImportDmaBuf(dmaBuf(c))
	c.Assert(err, qt.ErrorIs, renderer.ErrDestroyed)
	c.Assert(e.dev.Live("image"), qt.Equals, 0)

	c.Assert(e.r.RegisterOutput(2, devicetest.NullSurface, cfg640), qt.ErrorIs, renderer.ErrDestroyed)
	c.Assert(e.dev.Live("swapchain"), qt.Equals, 0)
	c.Assert(e.ctx.Refs(), qt.Equals, 0)

	c.Assert(e.r.ConfigureOutput(1, cfg640), qt.ErrorIs, renderer.ErrDestroyed)
	c.Assert(e.r.UnregisterOutput(1), qt.ErrorIs, renderer.ErrDestroyed)
	c.Assert(e.r.RenderFrame(1, nil), qt.ErrorIs, renderer.ErrDestroyed)
	err = e.r.RenderFrames(context.Background(), map[renderer.OutputID][]renderer.Element{1: nil})
	c.Assert(err, qt.ErrorIs, renderer.ErrDestroyed)
	c.Assert(e.r.ReleaseBuffer(buffer.ID(uuid.New())), qt.ErrorIs, renderer.ErrDestroyed)
	c.Assert(e.r.Poll(), qt.ErrorIs, renderer.ErrDestroyed)
	_, err = e.r.Extent(1)
	c.Assert(err, qt.ErrorIs, renderer.ErrDestroyed)
	_, err = e.r.NeedsReconfigure(1)
	c.Assert(err, qt.ErrorIs, renderer.ErrDestroyed)

	c.Assert(e.ctx.Destroy(), qt.IsNil)
}

func TestReleaseFuncMayCallRenderer(t *testing.T) {
	c := qt.New(t)
	e := newEnv(c)

	var r *renderer.Renderer
	var extents []device.Extent2D
	r = renderer.New(e.ctx, renderer.WithReleaseFunc(func(buffer.ID) {
		ext, err := r.Extent(1)
		c.Check(err, qt.IsNil)
		extents = append(extents, ext)
		c.Check(r.UnregisterOutput(1), qt.IsNil)
	}))
	defer r.Destroy()
	c.Assert(r.RegisterOutput(1, devicetest.NullSurface, cfg640), qt.IsNil)
	id, err := r.ImportDmaBuf(dmaBuf(c))
	c.Assert(err, qt.IsNil)

	c.Assert(r.RenderFrame(1, []renderer.Element{renderer.ClientSurface{Buffer: id}}), qt.IsNil)
	c.Assert(r.ReleaseBuffer(id), qt.IsNil)
	c.Assert(extents, qt.HasLen, 0)

	// the fourth frame reuses the first slot, completing the frame that
	// held the buffer while the output is locked
	for i := 0; i < 3; i++ {
		c.Assert(r.RenderFrame(1, nil), qt.IsNil)
	}
	c.Assert(extents, qt.DeepEquals, []device.Extent2D{{Width: 640, Height: 480}})
	c.Assert(r.Outputs(), qt.HasLen, 0)
}

func TestNewFromConfiguration(t *testing.T) {
	c := qt.New(t)
	e := newEnv(c)

	cfg := core.DefaultConfiguration().Renderer
	r := renderer.NewFromConfiguration(e.ctx, cfg)
	defer r.Destroy()
	c.Assert(r.RegisterOutput(1, devicetest.NullSurface, swapchain.ConfigFromRenderer(cfg)), qt.IsNil)
	c.Assert(r.RenderFrame(1, nil), qt.IsNil)

	ext, err := r.Extent(1)
	c.Assert(err, qt.IsNil)
	c.Assert(ext, qt.Equals, device.Extent2D{Width: 1280, Height: 720})
	c.Assert(e.ops(0)[0].Color, qt.Equals, device.Color(cfg.BackgroundColor))
}
