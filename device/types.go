package device

import "fmt"

// Extent2D is a size in pixels.
type Extent2D struct {
	Width  uint32
	Height uint32
}

func (e Extent2D) String() string {
	return fmt.Sprintf("%dx%d", e.Width, e.Height)
}

// Rect is a rectangle in pixels.
type Rect struct {
	X, Y          int32
	Width, Height uint32
}

// Empty reports whether r covers no pixels.
func (r Rect) Empty() bool {
	return r.Width == 0 || r.Height == 0
}

// Intersect returns the overlap of r and o.
func (r Rect) Intersect(o Rect) Rect {
	x0, y0 := max32(r.X, o.X), max32(r.Y, o.Y)
	x1 := min64(int64(r.X)+int64(r.Width), int64(o.X)+int64(o.Width))
	y1 := min64(int64(r.Y)+int64(r.Height), int64(o.Y)+int64(o.Height))
	if x1 <= int64(x0) || y1 <= int64(y0) {
		return Rect{}
	}
	return Rect{X: x0, Y: y0, Width: uint32(x1 - int64(x0)), Height: uint32(y1 - int64(y0))}
}

// Union returns the smallest rectangle covering r and o. Empty
// rectangles are ignored.
func (r Rect) Union(o Rect) Rect {
	if r.Empty() {
		return o
	}
	if o.Empty() {
		return r
	}
	x0, y0 := min32(r.X, o.X), min32(r.Y, o.Y)
	x1 := max64(int64(r.X)+int64(r.Width), int64(o.X)+int64(o.Width))
	y1 := max64(int64(r.Y)+int64(r.Height), int64(o.Y)+int64(o.Height))
	return Rect{X: x0, Y: y0, Width: uint32(x1 - int64(x0)), Height: uint32(y1 - int64(y0))}
}

// Rect returns the rectangle covering e at the origin.
func (e Extent2D) Rect() Rect {
	return Rect{Width: e.Width, Height: e.Height}
}

func min32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func max32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// Color is a linear RGBA color.
type Color [4]float32

// Format is a pixel format.
type Format uint32

// Pixel formats understood by the core.
const (
	FormatUndefined Format = iota
	FormatB8G8R8A8Unorm
	FormatB8G8R8A8Srgb
	FormatR8G8B8A8Unorm
	FormatR8G8B8A8Srgb
	FormatA2B10G10R10Unorm
	FormatA2R10G10B10Unorm
	FormatR16G16B16A16Sfloat
)

var formatNames = map[Format]string{
	FormatUndefined:          "undefined",
	FormatB8G8R8A8Unorm:      "B8G8R8A8_UNORM",
	FormatB8G8R8A8Srgb:       "B8G8R8A8_SRGB",
	FormatR8G8B8A8Unorm:      "R8G8B8A8_UNORM",
	FormatR8G8B8A8Srgb:       "R8G8B8A8_SRGB",
	FormatA2B10G10R10Unorm:   "A2B10G10R10_UNORM",
	FormatA2R10G10B10Unorm:   "A2R10G10B10_UNORM",
	FormatR16G16B16A16Sfloat: "R16G16B16A16_SFLOAT",
}

func (f Format) String() string {
	if n, ok := formatNames[f]; ok {
		return n
	}
	return fmt.Sprintf("Format(%d)", uint32(f))
}

// ColorSpace is a presentation color space.
type ColorSpace uint32

// Color spaces.
const (
	ColorSpaceSRGBNonlinear ColorSpace = iota
	ColorSpaceExtendedSRGBLinear
	ColorSpaceDisplayP3
	ColorSpaceHDR10ST2084
)

// HDR reports whether c is a high dynamic range color space.
func (c ColorSpace) HDR() bool {
	return c == ColorSpaceHDR10ST2084 || c == ColorSpaceExtendedSRGBLinear
}

// TransferFunction tags the encoding of client content.
type TransferFunction uint32

// Transfer functions.
const (
	TransferSRGB TransferFunction = iota
	TransferLinear
	TransferPQ
	TransferHLG
)

// SurfaceFormat is a format and color space pair supported by a surface.
type SurfaceFormat struct {
	Format     Format
	ColorSpace ColorSpace
}

// PresentMode is a presentation scheduling mode.
type PresentMode uint32

// Present modes. PresentModeFifo is supported everywhere.
const (
	PresentModeFifo PresentMode = iota
	PresentModeFifoRelaxed
	PresentModeMailbox
	PresentModeImmediate
)

func (p PresentMode) String() string {
	switch p {
	case PresentModeFifoRelaxed:
		return "fifo-relaxed"
	case PresentModeMailbox:
		return "mailbox"
	case PresentModeImmediate:
		return "immediate"
	default:
		return "fifo"
	}
}
