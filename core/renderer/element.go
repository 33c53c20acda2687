package renderer

import (
	"github.com/devblok/starforge/core/buffer"
	"github.com/devblok/starforge/device"
)

// Element is one item composited onto an output. Elements are drawn in
// list order, back to front. It is implemented by ClientSurface and
// SolidColor only.
type Element interface {
	element()
}

// Point is a position on an output.
type Point struct {
	X, Y int32
}

// ClientSurface draws an imported client buffer.
type ClientSurface struct {
	Buffer buffer.ID

	// Position is where the top left corner of the buffer lands.
	Position Point

	// Size scales the buffer; zero keeps the buffer size.
	Size device.Extent2D

	// Damage lists the changed areas in buffer coordinates. Nil means
	// the whole buffer changed, an empty slice that nothing did.
	Damage []device.Rect

	ColorSpace device.ColorSpace
	Transfer   device.TransferFunction
}

func (ClientSurface) element() {}

// SolidColor fills a rectangle.
type SolidColor struct {
	Rect  device.Rect
	Color device.Color
}

func (SolidColor) element() {}
