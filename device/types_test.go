package device_test

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/devblok/starforge/device"
)

func TestRectIntersect(t *testing.T) {
	c := qt.New(t)
	tests := []struct {
		name string
		a, b device.Rect
		want device.Rect
	}{
		{"overlap", device.Rect{X: 0, Y: 0, Width: 10, Height: 10}, device.Rect{X: 5, Y: 5, Width: 10, Height: 10}, device.Rect{X: 5, Y: 5, Width: 5, Height: 5}},
		{"inside", device.Rect{X: 0, Y: 0, Width: 10, Height: 10}, device.Rect{X: 2, Y: 3, Width: 4, Height: 4}, device.Rect{X: 2, Y: 3, Width: 4, Height: 4}},
		{"touching", device.Rect{X: 0, Y: 0, Width: 10, Height: 10}, device.Rect{X: 10, Y: 0, Width: 5, Height: 5}, device.Rect{}},
		{"negative origin", device.Rect{X: -5, Y: -5, Width: 10, Height: 10}, device.Rect{X: 0, Y: 0, Width: 100, Height: 100}, device.Rect{X: 0, Y: 0, Width: 5, Height: 5}},
	}
	for _, test := range tests {
		c.Run(test.name, func(c *qt.C) {
			c.Assert(test.a.Intersect(test.b), qt.Equals, test.want)
			c.Assert(test.b.Intersect(test.a), qt.Equals, test.want)
		})
	}
}

func TestRectUnion(t *testing.T) {
	c := qt.New(t)
	a := device.Rect{X: 0, Y: 0, Width: 10, Height: 10}
	b := device.Rect{X: 20, Y: -5, Width: 5, Height: 5}

	c.Assert(a.Union(b), qt.Equals, device.Rect{X: 0, Y: -5, Width: 25, Height: 15})
	c.Assert(a.Union(device.Rect{X: 50, Y: 50}), qt.Equals, a)
	c.Assert(device.Rect{}.Union(b), qt.Equals, b)
	c.Assert(device.Rect{}.Union(device.Rect{}).Empty(), qt.IsTrue)
}

func TestExtentRect(t *testing.T) {
	c := qt.New(t)
	c.Assert(device.Extent2D{Width: 3, Height: 4}.Rect(), qt.Equals, device.Rect{Width: 3, Height: 4})
	c.Assert(device.Extent2D{Width: 3, Height: 4}.String(), qt.Equals, "3x4")
}
