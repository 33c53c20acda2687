package core

import (
	"fmt"

	"github.com/devblok/starforge/device"
)

// DeviceReport describes a physical device and whether the core can use
// it.
type DeviceReport struct {
	device.PhysicalDeviceInfo
	Extensions    []string
	QueueFamilies []device.QueueFamily
	Features      device.Features

	Suitable bool
	Reason   string `json:",omitempty"`

	// Selected marks the device New would pick.
	Selected bool
}

// DescribeDevices creates a short lived instance and reports every
// physical device in enumeration order.
func DescribeDevices(driver device.Driver, info ContextInfo) ([]DeviceReport, error) {
	caps := DefaultCapabilities()
	if info.Capabilities != nil {
		caps = *info.Capabilities
	}
	instance, err := driver.CreateInstance(device.InstanceInfo{
		ApplicationName:    info.AppName,
		ApplicationVersion: info.AppVersion,
		Extensions:         append(append([]string{}, info.PlatformExtensions...), ExtPhysicalDeviceProps2),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInstanceCreationFailed, err)
	}
	defer instance.Destroy()

	pds, err := instance.PhysicalDevices()
	if err != nil {
		return nil, err
	}

	reports := make([]DeviceReport, 0, len(pds))
	selected := false
	for _, pd := range pds {
		r := DeviceReport{
			PhysicalDeviceInfo: pd.Info(),
			QueueFamilies:      pd.QueueFamilies(),
		}
		r.Extensions, _ = pd.Extensions()
		r.Features, _ = pd.Features()

		if _, err := caps.Check(pd); err != nil {
			r.Reason = err.Error()
		} else if _, ok := pickQueueFamilies(r.QueueFamilies); !ok {
			r.Reason = "no graphics queue family"
		} else {
			r.Suitable = true
			if !selected {
				r.Selected, selected = true, true
			}
		}
		reports = append(reports, r)
	}
	return reports, nil
}
