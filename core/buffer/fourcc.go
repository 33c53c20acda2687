package buffer

import "github.com/devblok/starforge/device"

func fourcc(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}

// DRM fourcc codes of the formats clients commonly share.
var (
	FourCCARGB8888      = fourcc('A', 'R', '2', '4')
	FourCCXRGB8888      = fourcc('X', 'R', '2', '4')
	FourCCABGR8888      = fourcc('A', 'B', '2', '4')
	FourCCXBGR8888      = fourcc('X', 'B', '2', '4')
	FourCCARGB2101010   = fourcc('A', 'R', '3', '0')
	FourCCABGR2101010   = fourcc('A', 'B', '3', '0')
	FourCCABGR16161616F = fourcc('A', 'B', '4', 'H')
	FourCCXBGR16161616F = fourcc('X', 'B', '4', 'H')
)

// DRM formats name components from the most significant bit of a
// little-endian word, so ARGB8888 is B8G8R8A8 in memory order.
var fourccFormats = map[uint32]device.Format{
	FourCCARGB8888:      device.FormatB8G8R8A8Unorm,
	FourCCXRGB8888:      device.FormatB8G8R8A8Unorm,
	FourCCABGR8888:      device.FormatR8G8B8A8Unorm,
	FourCCXBGR8888:      device.FormatR8G8B8A8Unorm,
	FourCCARGB2101010:   device.FormatA2R10G10B10Unorm,
	FourCCABGR2101010:   device.FormatA2B10G10R10Unorm,
	FourCCABGR16161616F: device.FormatR16G16B16A16Sfloat,
	FourCCXBGR16161616F: device.FormatR16G16B16A16Sfloat,
}

// FormatFromFourCC maps a DRM fourcc code to a device format.
func FormatFromFourCC(code uint32) (device.Format, bool) {
	f, ok := fourccFormats[code]
	return f, ok
}
