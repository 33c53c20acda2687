package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/devblok/starforge/device"
)

// check translates a result into a device sentinel where one applies.
func check(call string, ret vk.Result) error {
	switch ret {
	case vk.Success, vk.Suboptimal:
		return nil
	case vk.ErrorOutOfDate:
		return fmt.Errorf("vk.%s(): %w", call, device.ErrOutOfDate)
	case vk.ErrorSurfaceLost:
		return fmt.Errorf("vk.%s(): %w", call, device.ErrSurfaceLost)
	case vk.Timeout, vk.NotReady:
		return fmt.Errorf("vk.%s(): %w", call, device.ErrTimeout)
	case vk.ErrorDeviceLost:
		return fmt.Errorf("vk.%s(): %w", call, device.ErrDeviceLost)
	}
	return fmt.Errorf("vk.%s(): %s", call, vk.Error(ret))
}

var formats = map[device.Format]vk.Format{
	device.FormatUndefined:          vk.FormatUndefined,
	device.FormatB8G8R8A8Unorm:      vk.FormatB8g8r8a8Unorm,
	device.FormatB8G8R8A8Srgb:       vk.FormatB8g8r8a8Srgb,
	device.FormatR8G8B8A8Unorm:      vk.FormatR8g8b8a8Unorm,
	device.FormatR8G8B8A8Srgb:       vk.FormatR8g8b8a8Srgb,
	device.FormatA2B10G10R10Unorm:   vk.FormatA2b10g10r10UnormPack32,
	device.FormatA2R10G10B10Unorm:   vk.FormatA2r10g10b10UnormPack32,
	device.FormatR16G16B16A16Sfloat: vk.FormatR16g16b16a16Sfloat,
}

var colorSpaces = map[device.ColorSpace]vk.ColorSpace{
	device.ColorSpaceSRGBNonlinear:      vk.ColorSpaceSrgbNonlinear,
	device.ColorSpaceExtendedSRGBLinear: vk.ColorSpaceExtendedSrgbLinear,
	device.ColorSpaceDisplayP3:          vk.ColorSpaceDisplayP3Nonlinear,
	device.ColorSpaceHDR10ST2084:        vk.ColorSpaceHdr10St2084,
}

var presentModes = map[device.PresentMode]vk.PresentMode{
	device.PresentModeFifo:        vk.PresentModeFifo,
	device.PresentModeFifoRelaxed: vk.PresentModeFifoRelaxed,
	device.PresentModeMailbox:     vk.PresentModeMailbox,
	device.PresentModeImmediate:   vk.PresentModeImmediate,
}

// bytesPerPixel is the size of one texel of f.
func bytesPerPixel(f device.Format) uint64 {
	if f == device.FormatR16G16B16A16Sfloat {
		return 8
	}
	return 4
}

func toFormat(f device.Format) vk.Format {
	return formats[f]
}

// fromFormat reports false for formats the core does not know.
func fromFormat(f vk.Format) (device.Format, bool) {
	for k, v := range formats {
		if v == f {
			return k, true
		}
	}
	return device.FormatUndefined, false
}

func fromColorSpace(c vk.ColorSpace) (device.ColorSpace, bool) {
	for k, v := range colorSpaces {
		if v == c {
			return k, true
		}
	}
	return 0, false
}

func fromPresentMode(m vk.PresentMode) (device.PresentMode, bool) {
	for k, v := range presentModes {
		if v == m {
			return k, true
		}
	}
	return 0, false
}

func toExtent(e vk.Extent2D) device.Extent2D {
	e.Deref()
	return device.Extent2D{Width: e.Width, Height: e.Height}
}

func offsets(r device.Rect) [2]vk.Offset3D {
	return [2]vk.Offset3D{
		{X: r.X, Y: r.Y, Z: 0},
		{X: r.X + int32(r.Width), Y: r.Y + int32(r.Height), Z: 1},
	}
}

var colorRange = vk.ImageSubresourceRange{
	AspectMask:     vk.ImageAspectFlags(vk.ImageAspectColorBit),
	BaseMipLevel:   0,
	LevelCount:     1,
	BaseArrayLayer: 0,
	LayerCount:     1,
}

var colorLayers = vk.ImageSubresourceLayers{
	AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
	LayerCount: 1,
}
