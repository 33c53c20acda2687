package renderer

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/devblok/starforge/device"
)

func TestMapRectScaled(t *testing.T) {
	c := qt.New(t)
	m := bufferToOutput(device.Extent2D{Width: 100, Height: 50}, device.Rect{X: 10, Y: 20, Width: 200, Height: 200})

	c.Assert(mapRect(m, device.Rect{Width: 100, Height: 50}), qt.Equals, device.Rect{X: 10, Y: 20, Width: 200, Height: 200})
	c.Assert(mapRect(m, device.Rect{X: 10, Y: 10, Width: 5, Height: 5}), qt.Equals, device.Rect{X: 30, Y: 60, Width: 10, Height: 20})

	// fractional edges round outwards
	m = bufferToOutput(device.Extent2D{Width: 3, Height: 3}, device.Rect{Width: 4, Height: 4})
	c.Assert(mapRect(m, device.Rect{X: 1, Y: 1, Width: 1, Height: 1}), qt.Equals, device.Rect{X: 1, Y: 1, Width: 2, Height: 2})
}

func TestClipBlit(t *testing.T) {
	c := qt.New(t)
	size := device.Extent2D{Width: 100, Height: 100}
	dst := device.Rect{X: 0, Y: 0, Width: 200, Height: 200}

	src, out, ok := clipBlit(size, dst, device.Rect{X: 0, Y: 0, Width: 1000, Height: 1000})
	c.Assert(ok, qt.IsTrue)
	c.Assert(src, qt.Equals, size.Rect())
	c.Assert(out, qt.Equals, dst)

	src, out, ok = clipBlit(size, dst, device.Rect{X: 100, Y: 50, Width: 50, Height: 50})
	c.Assert(ok, qt.IsTrue)
	c.Assert(src, qt.Equals, device.Rect{X: 50, Y: 25, Width: 25, Height: 25})
	c.Assert(out, qt.Equals, device.Rect{X: 100, Y: 50, Width: 50, Height: 50})

	_, _, ok = clipBlit(size, dst, device.Rect{X: 300, Y: 300, Width: 10, Height: 10})
	c.Assert(ok, qt.IsFalse)
}

func TestSameLayout(t *testing.T) {
	c := qt.New(t)
	a := []layoutItem{{solid: true, dst: device.Rect{Width: 1, Height: 1}, color: device.Color{1, 0, 0, 1}}}
	b := []layoutItem{{solid: true, dst: device.Rect{Width: 1, Height: 1}, color: device.Color{0, 1, 0, 1}}}

	c.Assert(sameLayout(a, a), qt.IsTrue)
	c.Assert(sameLayout(a, b), qt.IsFalse)
	c.Assert(sameLayout(a, nil), qt.IsFalse)
}

func BenchmarkMapRect(b *testing.B) {
	m := bufferToOutput(device.Extent2D{Width: 1920, Height: 1080}, device.Rect{X: 100, Y: 100, Width: 1280, Height: 720})
	r := device.Rect{X: 13, Y: 17, Width: 400, Height: 300}
	for idx := 0; idx < b.N; idx++ {
		mapRect(m, r)
	}
}

func BenchmarkClipBlit(b *testing.B) {
	size := device.Extent2D{Width: 1920, Height: 1080}
	dst := device.Rect{X: 100, Y: 100, Width: 1280, Height: 720}
	clip := device.Rect{X: 300, Y: 200, Width: 256, Height: 256}
	for idx := 0; idx < b.N; idx++ {
		clipBlit(size, dst, clip)
	}
}
