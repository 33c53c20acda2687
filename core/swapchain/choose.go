package swapchain

import (
	"github.com/devblok/starforge/device"
)

var hdrFormats = []device.SurfaceFormat{
	{Format: device.FormatA2B10G10R10Unorm, ColorSpace: device.ColorSpaceHDR10ST2084},
	{Format: device.FormatR16G16B16A16Sfloat, ColorSpace: device.ColorSpaceHDR10ST2084},
	{Format: device.FormatR16G16B16A16Sfloat, ColorSpace: device.ColorSpaceExtendedSRGBLinear},
}

var standardFormats = []device.Format{
	device.FormatB8G8R8A8Srgb,
	device.FormatR8G8B8A8Srgb,
	device.FormatB8G8R8A8Unorm,
	device.FormatR8G8B8A8Unorm,
}

// ChooseFormat picks the surface format for presentation. With hdr set
// an HDR capable format wins when the surface offers one; otherwise an
// 8-bit sRGB or UNORM format is preferred, and the first offered format
// is used when none of those is.
func ChooseFormat(formats []device.SurfaceFormat, hdr bool) (device.SurfaceFormat, error) {
	if len(formats) == 0 {
		return device.SurfaceFormat{}, ErrNoSurfaceFormats
	}
	if len(formats) == 1 && formats[0].Format == device.FormatUndefined {
		return device.SurfaceFormat{
			Format:     device.FormatB8G8R8A8Srgb,
			ColorSpace: device.ColorSpaceSRGBNonlinear,
		}, nil
	}

	if hdr {
		for _, want := range hdrFormats {
			for _, f := range formats {
				if f == want {
					return f, nil
				}
			}
		}
	}

	for _, want := range standardFormats {
		for _, f := range formats {
			if f.Format == want && f.ColorSpace == device.ColorSpaceSRGBNonlinear {
				return f, nil
			}
		}
	}
	return formats[0], nil
}

// ChooseExtent returns the fixed surface extent when the platform reports
// one, or width and height clamped to the surface limits.
func ChooseExtent(caps device.SurfaceCapabilities, width, height uint32) device.Extent2D {
	if caps.CurrentExtent.Width != device.UndefinedExtent {
		return caps.CurrentExtent
	}
	return device.Extent2D{
		Width:  clamp(width, caps.MinExtent.Width, caps.MaxExtent.Width),
		Height: clamp(height, caps.MinExtent.Height, caps.MaxExtent.Height),
	}
}

func clamp(v, lo, hi uint32) uint32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ChoosePresentMode returns desired when supported and FIFO, which is
// always available, otherwise.
func ChoosePresentMode(modes []device.PresentMode, desired device.PresentMode) device.PresentMode {
	for _, m := range modes {
		if m == desired {
			return m
		}
	}
	return device.PresentModeFifo
}

// ChooseImageCount returns at least the platform minimum and, when the
// platform has one, at most its maximum.
func ChooseImageCount(caps device.SurfaceCapabilities, desired uint32) uint32 {
	count := desired
	if count == 0 {
		count = 1
	}
	if count < caps.MinImageCount {
		count = caps.MinImageCount
	}
	if caps.MaxImageCount > 0 && count > caps.MaxImageCount {
		count = caps.MaxImageCount
	}
	return count
}
