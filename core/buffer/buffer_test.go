package buffer_test

import (
	"errors"
	"os"
	"sync"
	"testing"

	qt "github.com/frankban/quicktest"
	"golang.org/x/sys/unix"

	"github.com/devblok/starforge/core"
	"github.com/devblok/starforge/core/buffer"
	"github.com/devblok/starforge/device"
	"github.com/devblok/starforge/device/devicetest"
)

type fixture struct {
	ctx      *core.Context
	dev      *devicetest.Device
	mgr      *buffer.Manager
	mu       sync.Mutex
	released []buffer.ID
}

func newFixture(c *qt.C) *fixture {
	pd := devicetest.NewPhysicalDevice("gpu")
	ctx, err := core.New(devicetest.NewDriver(pd), core.ContextInfo{})
	c.Assert(err, qt.IsNil)
	f := &fixture{ctx: ctx, dev: pd.Device()}
	f.mgr = buffer.NewManager(ctx, func(id buffer.ID) {
		f.mu.Lock()
		f.released = append(f.released, id)
		f.mu.Unlock()
	})
	c.Cleanup(func() {
		f.mgr.Destroy()
		ctx.Destroy()
	})
	return f
}

func (f *fixture) releases() []buffer.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]buffer.ID(nil), f.released...)
}

// clientFD returns a descriptor owned by the test, standing in for a
// client DMA-BUF.
func clientFD(c *qt.C) int {
	r, w, err := os.Pipe()
	c.Assert(err, qt.IsNil)
	c.Cleanup(func() {
		r.Close()
		w.Close()
	})
	return int(r.Fd())
}

func (f *fixture) importBuffer(c *qt.C) *buffer.ImportedBuffer {
	b, err := f.mgr.Import(buffer.DmaBuf{
		FD:     clientFD(c),
		Width:  64,
		Height: 32,
		Format: device.FormatB8G8R8A8Unorm,
		Stride: 256,
	})
	c.Assert(err, qt.IsNil)
	return b
}

func fdOpen(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}

func openFDs(c *qt.C) int {
	entries, err := os.ReadDir("/proc/self/fd")
	c.Assert(err, qt.IsNil)
	return len(entries)
}

func TestImport(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)

	fd := clientFD(c)
	b, err := f.mgr.Import(buffer.DmaBuf{
		FD:     fd,
		Width:  64,
		Height: 32,
		Format: device.FormatR8G8B8A8Unorm,
	})
	c.Assert(err, qt.IsNil)
	c.Assert(b.Extent(), qt.Equals, device.Extent2D{Width: 64, Height: 32})
	c.Assert(b.View(), qt.IsNotNil)
	c.Assert(f.mgr.Len(), qt.Equals, 1)
	c.Assert(f.dev.Live("image"), qt.Equals, 1)
	c.Assert(f.ctx.Allocator().Stats().Bytes, qt.Equals, uint64(64*32*4))

	// the client keeps its own descriptor
	c.Assert(fdOpen(fd), qt.IsTrue)

	got, ok := f.mgr.Get(b.ID())
	c.Assert(ok, qt.IsTrue)
	c.Assert(got, qt.Equals, b)
}

func TestImportUnsupportedFormat(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)

	_, err := f.mgr.Import(buffer.DmaBuf{
		FD:     clientFD(c),
		Width:  8,
		Height: 8,
		Format: device.FormatR16G16B16A16Sfloat,
	})
	c.Assert(err, qt.ErrorIs, buffer.ErrUnsupportedFormat)

	_, err = f.mgr.Import(buffer.DmaBuf{
		FD:       clientFD(c),
		Width:    8,
		Height:   8,
		Format:   device.FormatB8G8R8A8Unorm,
		Modifier: 0x0100000000000001,
	})
	c.Assert(err, qt.ErrorIs, buffer.ErrUnsupportedFormat)
	c.Assert(f.dev.Live("image"), qt.Equals, 0)
}

func TestImportFailureClosesDuplicate(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	f.dev.FailImport = errors.New("bad stride")

	fd := clientFD(c)
	before := openFDs(c)
	_, err := f.mgr.Import(buffer.DmaBuf{
		FD:     fd,
		Width:  8,
		Height: 8,
		Format: device.FormatB8G8R8A8Unorm,
	})
	c.Assert(err, qt.ErrorIs, buffer.ErrImportFailed)
	c.Assert(fdOpen(fd), qt.IsTrue)
	c.Assert(f.mgr.Len(), qt.Equals, 0)
	c.Assert(openFDs(c), qt.Equals, before)
}

func TestImportBadDescriptor(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)

	_, err := f.mgr.Import(buffer.DmaBuf{
		FD:     -1,
		Width:  8,
		Height: 8,
		Format: device.FormatB8G8R8A8Unorm,
	})
	c.Assert(err, qt.ErrorIs, buffer.ErrImportFailed)
}

func TestReleaseWithoutFrames(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)

	b := f.importBuffer(c)
	c.Assert(f.mgr.ScheduleRelease(b.ID()), qt.IsNil)
	c.Assert(f.releases(), qt.DeepEquals, []buffer.ID{b.ID()})
	c.Assert(f.dev.Live("image"), qt.Equals, 0)
	c.Assert(f.dev.Live("view"), qt.Equals, 0)

	c.Assert(f.mgr.ScheduleRelease(b.ID()), qt.ErrorIs, buffer.ErrBufferNotFound)
	c.Assert(f.releases(), qt.HasLen, 1)
}

func TestReleaseWaitsForInFlightFrames(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	b := f.importBuffer(c)

	fence1, _ := f.dev.CreateFence(false)
	fence2, _ := f.dev.CreateFence(false)

	first := f.mgr.Begin()
	_, err := first.Use(b.ID())
	c.Assert(err, qt.IsNil)
	first.Submitted(fence1)

	second := f.mgr.Begin()
	_, err = second.Use(b.ID())
	c.Assert(err, qt.IsNil)
	second.Submitted(fence2)

	c.Assert(f.mgr.ScheduleRelease(b.ID()), qt.IsNil)
	c.Assert(f.releases(), qt.HasLen, 0)

	// the buffer lives on for the frames reading it
	_, ok := f.mgr.Get(b.ID())
	c.Assert(ok, qt.IsTrue)

	fence1.(*devicetest.Fence).Signal()
	f.mgr.Poll()
	c.Assert(f.releases(), qt.HasLen, 0)

	fence2.(*devicetest.Fence).Signal()
	f.mgr.Poll()
	c.Assert(f.releases(), qt.DeepEquals, []buffer.ID{b.ID()})

	// completing again does nothing
	first.Complete()
	second.Complete()
	f.mgr.Poll()
	c.Assert(f.releases(), qt.HasLen, 1)
	c.Assert(f.dev.Live("image"), qt.Equals, 0)
}

func TestUseAfterReleaseRequestDelaysRelease(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	b := f.importBuffer(c)

	fence1, _ := f.dev.CreateFence(false)
	fence2, _ := f.dev.CreateFence(false)

	first := f.mgr.Begin()
	_, err := first.Use(b.ID())
	c.Assert(err, qt.IsNil)
	first.Submitted(fence1)

	c.Assert(f.mgr.ScheduleRelease(b.ID()), qt.IsNil)

	// a frame recorded after the request still reads the buffer
	second := f.mgr.Begin()
	got, err := second.Use(b.ID())
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.Equals, b)
	second.Submitted(fence2)

	fence1.(*devicetest.Fence).Signal()
	f.mgr.Poll()
	c.Assert(f.releases(), qt.HasLen, 0)
	c.Assert(f.dev.Live("image"), qt.Equals, 1)

	fence2.(*devicetest.Fence).Signal()
	f.mgr.Poll()
	c.Assert(f.releases(), qt.DeepEquals, []buffer.ID{b.ID()})
	c.Assert(f.dev.Live("image"), qt.Equals, 0)

	_, err = f.mgr.Begin().Use(b.ID())
	c.Assert(err, qt.ErrorIs, buffer.ErrBufferNotFound)
}

func TestReleasedBufferCannotBeUsed(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	b := f.importBuffer(c)
	c.Assert(f.mgr.ScheduleRelease(b.ID()), qt.IsNil)

	_, err := f.mgr.Begin().Use(b.ID())
	c.Assert(err, qt.ErrorIs, buffer.ErrBufferNotFound)
}

func TestAbortedFrameReleases(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	b := f.importBuffer(c)

	fr := f.mgr.Begin()
	_, err := fr.Use(b.ID())
	c.Assert(err, qt.IsNil)
	_, err = fr.Use(b.ID())
	c.Assert(err, qt.IsNil)
	c.Assert(fr.Buffers(), qt.Equals, 1)

	c.Assert(f.mgr.ScheduleRelease(b.ID()), qt.IsNil)
	c.Assert(f.releases(), qt.HasLen, 0)

	fr.Abort()
	c.Assert(f.releases(), qt.DeepEquals, []buffer.ID{b.ID()})
}

func TestPollIgnoresUnsubmittedFrames(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	b := f.importBuffer(c)

	fr := f.mgr.Begin()
	_, err := fr.Use(b.ID())
	c.Assert(err, qt.IsNil)
	c.Assert(f.mgr.ScheduleRelease(b.ID()), qt.IsNil)

	f.mgr.Poll()
	c.Assert(f.releases(), qt.HasLen, 0)
}

func TestDestroyReleasesEverything(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	a := f.importBuffer(c)
	b := f.importBuffer(c)

	fence, _ := f.dev.CreateFence(false)
	fr := f.mgr.Begin()
	_, err := fr.Use(a.ID())
	c.Assert(err, qt.IsNil)
	fr.Submitted(fence)

	f.mgr.Destroy()
	c.Assert(f.releases(), qt.HasLen, 2)
	c.Assert(f.releases(), qt.Contains, b.ID())
	c.Assert(f.mgr.Len(), qt.Equals, 0)
	c.Assert(f.ctx.Allocator().Stats().Allocations, qt.Equals, 0)

	// a frame completing after destruction must not release again
	fr.Complete()
	c.Assert(f.releases(), qt.HasLen, 2)
}

func TestFormatFromFourCC(t *testing.T) {
	c := qt.New(t)

	f, ok := buffer.FormatFromFourCC(buffer.FourCCXRGB8888)
	c.Assert(ok, qt.IsTrue)
	c.Assert(f, qt.Equals, device.FormatB8G8R8A8Unorm)

	f, ok = buffer.FormatFromFourCC(buffer.FourCCABGR2101010)
	c.Assert(ok, qt.IsTrue)
	c.Assert(f, qt.Equals, device.FormatA2B10G10R10Unorm)

	// 'NV12' has two planes
	_, ok = buffer.FormatFromFourCC(0x3231564e)
	c.Assert(ok, qt.IsFalse)
}
