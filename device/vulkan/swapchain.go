package vulkan

import (
	"errors"
	"time"

	vk "github.com/goki/vulkan"

	"github.com/devblok/starforge/device"
)

// SurfaceSupport implements device.Device.
func (d *Device) SurfaceSupport(s device.Surface, family uint32) (bool, error) {
	var supported vk.Bool32
	if err := vk.Error(vk.GetPhysicalDeviceSurfaceSupport(d.phys.handle, family, s.(*Surface).surface, &supported)); err != nil {
		return false, errors.New("vk.GetPhysicalDeviceSurfaceSupport(): " + err.Error())
	}
	return supported == vk.True, nil
}

// SurfaceCapabilities implements device.Device.
func (d *Device) SurfaceCapabilities(s device.Surface) (device.SurfaceCapabilities, error) {
	var caps vk.SurfaceCapabilities
	if err := check("GetPhysicalDeviceSurfaceCapabilities",
		vk.GetPhysicalDeviceSurfaceCapabilities(d.phys.handle, s.(*Surface).surface, &caps)); err != nil {
		return device.SurfaceCapabilities{}, err
	}
	caps.Deref()
	return device.SurfaceCapabilities{
		CurrentExtent: toExtent(caps.CurrentExtent),
		MinExtent:     toExtent(caps.MinImageExtent),
		MaxExtent:     toExtent(caps.MaxImageExtent),
		MinImageCount: caps.MinImageCount,
		MaxImageCount: caps.MaxImageCount,
	}, nil
}

// SurfaceFormats implements device.Device. Pairs the core has no name
// for are reported as undefined so that a lone undefined entry keeps its
// meaning of "no preference".
func (d *Device) SurfaceFormats(s device.Surface) ([]device.SurfaceFormat, error) {
	var count uint32
	if err := check("GetPhysicalDeviceSurfaceFormats",
		vk.GetPhysicalDeviceSurfaceFormats(d.phys.handle, s.(*Surface).surface, &count, nil)); err != nil {
		return nil, err
	}
	vkFormats := make([]vk.SurfaceFormat, count)
	if err := check("GetPhysicalDeviceSurfaceFormats",
		vk.GetPhysicalDeviceSurfaceFormats(d.phys.handle, s.(*Surface).surface, &count, vkFormats)); err != nil {
		return nil, err
	}

	out := make([]device.SurfaceFormat, 0, count)
	for _, f := range vkFormats {
		f.Deref()
		format, ok := fromFormat(f.Format)
		if !ok && count > 1 {
			continue
		}
		cs, ok := fromColorSpace(f.ColorSpace)
		if !ok {
			continue
		}
		out = append(out, device.SurfaceFormat{Format: format, ColorSpace: cs})
	}
	return out, nil
}

// PresentModes implements device.Device.
func (d *Device) PresentModes(s device.Surface) ([]device.PresentMode, error) {
	var count uint32
	if err := check("GetPhysicalDeviceSurfacePresentModes",
		vk.GetPhysicalDeviceSurfacePresentModes(d.phys.handle, s.(*Surface).surface, &count, nil)); err != nil {
		return nil, err
	}
	modes := make([]vk.PresentMode, count)
	if err := check("GetPhysicalDeviceSurfacePresentModes",
		vk.GetPhysicalDeviceSurfacePresentModes(d.phys.handle, s.(*Surface).surface, &count, modes)); err != nil {
		return nil, err
	}
	out := make([]device.PresentMode, 0, count)
	for _, m := range modes {
		if pm, ok := fromPresentMode(m); ok {
			out = append(out, pm)
		}
	}
	return out, nil
}

// CreateSwapchain implements device.Device.
func (d *Device) CreateSwapchain(info device.SwapchainInfo) (device.Swapchain, error) {
	surface := info.Surface.(*Surface).surface

	var caps vk.SurfaceCapabilities
	if err := check("GetPhysicalDeviceSurfaceCapabilities",
		vk.GetPhysicalDeviceSurfaceCapabilities(d.phys.handle, surface, &caps)); err != nil {
		return nil, err
	}
	caps.Deref()

	compositeAlpha := vk.CompositeAlphaOpaqueBit
	compositeAlphaFlags := []vk.CompositeAlphaFlagBits{
		vk.CompositeAlphaOpaqueBit,
		vk.CompositeAlphaPreMultipliedBit,
		vk.CompositeAlphaPostMultipliedBit,
		vk.CompositeAlphaInheritBit,
	}
	for i := 0; i < len(compositeAlphaFlags); i++ {
		alphaFlags := vk.CompositeAlphaFlags(compositeAlphaFlags[i])
		if caps.SupportedCompositeAlpha&alphaFlags != 0 {
			compositeAlpha = compositeAlphaFlags[i]
			break
		}
	}

	var old vk.Swapchain
	if info.Old != nil {
		old = info.Old.(*Swapchain).swapchain
	}

	scci := vk.SwapchainCreateInfo{
		SType:           vk.StructureTypeSwapchainCreateInfo,
		Surface:         surface,
		MinImageCount:   info.MinImageCount,
		ImageFormat:     toFormat(info.Format.Format),
		ImageColorSpace: colorSpaces[info.Format.ColorSpace],
		ImageExtent: vk.Extent2D{
			Width:  info.Extent.Width,
			Height: info.Extent.Height,
		},
		ImageUsage:       vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit | vk.ImageUsageTransferDstBit),
		PreTransform:     caps.CurrentTransform,
		CompositeAlpha:   compositeAlpha,
		PresentMode:      presentModes[info.PresentMode],
		Clipped:          vk.True,
		ImageArrayLayers: 1,
		ImageSharingMode: vk.SharingModeExclusive,
		OldSwapchain:     old,
	}

	var swapchain vk.Swapchain
	if err := check("CreateSwapchain", vk.CreateSwapchain(d.handle, &scci, nil, &swapchain)); err != nil {
		return nil, err
	}

	var numImages uint32
	if err := vk.Error(vk.GetSwapchainImages(d.handle, swapchain, &numImages, nil)); err != nil {
		vk.DestroySwapchain(d.handle, swapchain, nil)
		return nil, errors.New("vk.GetSwapchainImages(num): " + err.Error())
	}
	handles := make([]vk.Image, numImages)
	if err := vk.Error(vk.GetSwapchainImages(d.handle, swapchain, &numImages, handles)); err != nil {
		vk.DestroySwapchain(d.handle, swapchain, nil)
		return nil, errors.New("vk.GetSwapchainImages(images): " + err.Error())
	}

	sc := &Swapchain{device: d.handle, swapchain: swapchain}
	for _, h := range handles {
		sc.images = append(sc.images, &swapchainImage{
			image:  h,
			extent: info.Extent,
			format: info.Format.Format,
			layout: vk.ImageLayoutUndefined,
		})
	}
	return sc, nil
}

// Swapchain wraps a vk.Swapchain.
type Swapchain struct {
	device    vk.Device
	swapchain vk.Swapchain
	images    []*swapchainImage
}

// Images implements device.Swapchain.
func (s *Swapchain) Images() ([]device.Image, error) {
	out := make([]device.Image, len(s.images))
	for i, img := range s.images {
		out[i] = img
	}
	return out, nil
}

// Acquire implements device.Swapchain.
func (s *Swapchain) Acquire(timeout time.Duration, signal device.Semaphore) (uint32, bool, error) {
	var idx uint32
	ret := vk.AcquireNextImage(s.device, s.swapchain, uint64(timeout), signal.(*Semaphore).semaphore, vk.NullFence, &idx)
	if err := check("AcquireNextImage", ret); err != nil {
		return 0, false, err
	}
	return idx, ret == vk.Suboptimal, nil
}

// Destroy implements device.Swapchain.
func (s *Swapchain) Destroy() {
	vk.DestroySwapchain(s.device, s.swapchain, nil)
}

// swapchainImage is owned by its swapchain. layout is the layout the
// image was left in by the last recorded frame.
type swapchainImage struct {
	image  vk.Image
	extent device.Extent2D
	format device.Format
	layout vk.ImageLayout
}

func (i *swapchainImage) Extent() device.Extent2D {
	return i.extent
}

func (i *swapchainImage) Format() device.Format {
	return i.format
}

func (i *swapchainImage) Destroy() {}
