package vulkan

import (
	"testing"

	qt "github.com/frankban/quicktest"
	vk "github.com/goki/vulkan"

	"github.com/devblok/starforge/device"
)

func TestMissingInstanceProcs(t *testing.T) {
	c := qt.New(t)

	var none *instanceProcs
	c.Assert(none.physicalDeviceFeatures2(nil, nil), qt.IsFalse)
	c.Assert((&instanceProcs{}).physicalDeviceFormatProperties2(nil, vk.FormatB8g8r8a8Unorm, nil), qt.IsFalse)

	// a driver without vkGetPhysicalDeviceFeatures2 reports no optional
	// features rather than failing selection
	features, err := (&PhysicalDevice{}).Features()
	c.Assert(err, qt.IsNil)
	c.Assert(features, qt.Equals, device.Features{})
}

func TestFeatureChain(t *testing.T) {
	c := qt.New(t)

	want := device.Features{TimelineSemaphore: true}
	chain := featureChain(want, want)
	c.Assert(chain.TimelineSemaphore, qt.Equals, vk.Bool32(vk.True))
	c.Assert(chainedFeatures(chain), qt.Equals, want)

	// unsupported features are left out of the chain and not reported
	chain = featureChain(want, device.Features{})
	c.Assert(chain.TimelineSemaphore, qt.Equals, vk.Bool32(vk.False))
	c.Assert(chainedFeatures(chain), qt.Equals, device.Features{})

	c.Assert(chainedFeatures(featureChain(device.Features{}, want)), qt.Equals, device.Features{})
}
