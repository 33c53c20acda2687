package core

import (
	"fmt"
	"strings"

	"github.com/devblok/starforge/device"
)

// Extension names negotiated by the core.
const (
	ExtSwapchain            = "VK_KHR_swapchain"
	ExtExternalMemoryFd     = "VK_KHR_external_memory_fd"
	ExtExternalSemaphoreFd  = "VK_KHR_external_semaphore_fd"
	ExtExternalFenceFd      = "VK_KHR_external_fence_fd"
	ExtDmaBuf               = "VK_EXT_external_memory_dma_buf"
	ExtDrmFormatModifier    = "VK_EXT_image_drm_format_modifier"
	ExtTimelineSemaphore    = "VK_KHR_timeline_semaphore"
	ExtHdrMetadata          = "VK_EXT_hdr_metadata"
	ExtPhysicalDeviceProps2 = "VK_KHR_get_physical_device_properties2"
	ExtSurfaceCaps2         = "VK_KHR_get_surface_capabilities2"
)

// Capabilities is what a device must, and may, offer to drive outputs.
type Capabilities struct {
	Required []string
	Optional []string
	Features device.Features
}

// DefaultCapabilities returns the capabilities needed to import client
// buffers and present them.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		Required: []string{
			ExtSwapchain,
			ExtExternalMemoryFd,
			ExtExternalSemaphoreFd,
			ExtExternalFenceFd,
			ExtDmaBuf,
			ExtDrmFormatModifier,
			ExtTimelineSemaphore,
		},
		Optional: []string{
			ExtHdrMetadata,
		},
		Features: device.Features{
			TimelineSemaphore: true,
		},
	}
}

// Check verifies pd against c and returns the extensions to enable.
func (c Capabilities) Check(pd device.PhysicalDevice) ([]string, error) {
	available, err := pd.Extensions()
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(available))
	for _, ext := range available {
		have[ext] = true
	}

	var missing []string
	enabled := make([]string, 0, len(c.Required)+len(c.Optional))
	for _, ext := range c.Required {
		if !have[ext] {
			missing = append(missing, ext)
			continue
		}
		enabled = append(enabled, ext)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing extensions: %s", strings.Join(missing, ", "))
	}
	for _, ext := range c.Optional {
		if have[ext] {
			enabled = append(enabled, ext)
		}
	}

	features, err := pd.Features()
	if err != nil {
		return nil, err
	}
	if c.Features.TimelineSemaphore && !features.TimelineSemaphore {
		return nil, fmt.Errorf("timeline semaphores not supported")
	}
	return enabled, nil
}
