package vulkan

import (
	"errors"
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/devblok/starforge/device"
)

func newPhysicalDevice(h vk.PhysicalDevice, procs *instanceProcs) *PhysicalDevice {
	var memProperties vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(h, &memProperties)
	memProperties.Deref()
	return &PhysicalDevice{
		handle:        h,
		procs:         procs,
		memProperties: memProperties,
	}
}

// PhysicalDevice wraps a vk.PhysicalDevice.
type PhysicalDevice struct {
	handle        vk.PhysicalDevice
	procs         *instanceProcs
	memProperties vk.PhysicalDeviceMemoryProperties
}

// Info implements device.PhysicalDevice.
func (p *PhysicalDevice) Info() device.PhysicalDeviceInfo {
	var props vk.PhysicalDeviceProperties
	vk.GetPhysicalDeviceProperties(p.handle, &props)
	props.Deref()

	info := device.PhysicalDeviceInfo{
		ID:            int(props.DeviceID),
		VendorID:      int(props.VendorID),
		DriverVersion: int(props.DriverVersion),
		APIVersion:    props.ApiVersion,
		Name:          vk.ToString(props.DeviceName[:]),
	}
	for i := uint32(0); i < p.memProperties.MemoryHeapCount; i++ {
		p.memProperties.MemoryHeaps[i].Deref()
		info.Memory += uint64(p.memProperties.MemoryHeaps[i].Size)
	}
	return info
}

// Extensions implements device.PhysicalDevice.
func (p *PhysicalDevice) Extensions() ([]string, error) {
	var count uint32
	if err := vk.Error(vk.EnumerateDeviceExtensionProperties(p.handle, "", &count, nil)); err != nil {
		return nil, errors.New("vk.EnumerateDeviceExtensionProperties(): " + err.Error())
	}
	props := make([]vk.ExtensionProperties, count)
	if err := vk.Error(vk.EnumerateDeviceExtensionProperties(p.handle, "", &count, props)); err != nil {
		return nil, errors.New("vk.EnumerateDeviceExtensionProperties(): " + err.Error())
	}
	names := make([]string, 0, count)
	for _, ext := range props {
		ext.Deref()
		names = append(names, vk.ToString(ext.ExtensionName[:]))
	}
	return names, nil
}

// QueueFamilies implements device.PhysicalDevice.
func (p *PhysicalDevice) QueueFamilies() []device.QueueFamily {
	var count uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(p.handle, &count, nil)
	props := make([]vk.QueueFamilyProperties, count)
	vk.GetPhysicalDeviceQueueFamilyProperties(p.handle, &count, props)

	families := make([]device.QueueFamily, 0, count)
	for i, qf := range props {
		qf.Deref()
		var flags device.QueueFlags
		if qf.QueueFlags&vk.QueueFlags(vk.QueueGraphicsBit) != 0 {
			flags |= device.QueueGraphics
		}
		if qf.QueueFlags&vk.QueueFlags(vk.QueueComputeBit) != 0 {
			flags |= device.QueueCompute
		}
		if qf.QueueFlags&vk.QueueFlags(vk.QueueTransferBit) != 0 {
			flags |= device.QueueTransfer
		}
		families = append(families, device.QueueFamily{
			Index: uint32(i),
			Flags: flags,
			Count: qf.QueueCount,
		})
	}
	return families
}

// Features implements device.PhysicalDevice. Without
// vkGetPhysicalDeviceFeatures2 no optional feature is reported.
func (p *PhysicalDevice) Features() (device.Features, error) {
	timeline := vk.PhysicalDeviceTimelineSemaphoreFeatures{
		SType: vk.StructureTypePhysicalDeviceTimelineSemaphoreFeatures,
	}
	timelineRef, timelineFree := timeline.PassRef()
	defer timelineFree.Free()

	features2 := vk.PhysicalDeviceFeatures2{
		SType: vk.StructureTypePhysicalDeviceFeatures2,
		PNext: unsafe.Pointer(timelineRef),
	}
	ref, free := features2.PassRef()
	defer free.Free()

	if !p.procs.physicalDeviceFeatures2(p.handle, unsafe.Pointer(ref)) {
		return device.Features{}, nil
	}
	timeline.Deref()

	return device.Features{
		TimelineSemaphore: timeline.TimelineSemaphore == vk.True,
	}, nil
}

// featureChain enables the requested features the physical device
// supports.
func featureChain(requested, supported device.Features) vk.PhysicalDeviceTimelineSemaphoreFeatures {
	timeline := vk.PhysicalDeviceTimelineSemaphoreFeatures{
		SType:             vk.StructureTypePhysicalDeviceTimelineSemaphoreFeatures,
		TimelineSemaphore: vk.False,
	}
	if requested.TimelineSemaphore && supported.TimelineSemaphore {
		timeline.TimelineSemaphore = vk.True
	}
	return timeline
}

// chainedFeatures reads back what a feature chain enables.
func chainedFeatures(timeline vk.PhysicalDeviceTimelineSemaphoreFeatures) device.Features {
	return device.Features{
		TimelineSemaphore: timeline.TimelineSemaphore == vk.True,
	}
}

// CreateDevice implements device.PhysicalDevice.
func (p *PhysicalDevice) CreateDevice(info device.DeviceInfo) (device.Device, error) {
	queueInfos := make([]vk.DeviceQueueCreateInfo, 0, len(info.Queues))
	for _, q := range info.Queues {
		priorities := make([]float32, q.Count)
		for i := range priorities {
			priorities[i] = 1.0
		}
		queueInfos = append(queueInfos, vk.DeviceQueueCreateInfo{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: q.Family,
			QueueCount:       q.Count,
			PQueuePriorities: priorities,
		})
	}

	supported, err := p.Features()
	if err != nil {
		return nil, err
	}
	dci := vk.DeviceCreateInfo{
		SType:                   vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount:    uint32(len(queueInfos)),
		PQueueCreateInfos:       queueInfos,
		EnabledExtensionCount:   uint32(len(info.Extensions)),
		PpEnabledExtensionNames: safeStrings(info.Extensions),
	}
	timelineFeatures := featureChain(info.Features, supported)
	timelineRef, timelineFree := timelineFeatures.PassRef()
	defer timelineFree.Free()
	dci.PNext = unsafe.Pointer(timelineRef)

	var handle vk.Device
	if err := vk.Error(vk.CreateDevice(p.handle, &dci, nil, &handle)); err != nil {
		return nil, fmt.Errorf("vk.CreateDevice(): %s", err)
	}

	d := &Device{
		phys:     p,
		handle:   handle,
		features: chainedFeatures(timelineFeatures),
		queues:   map[uint32]*Queue{},
	}
	if len(info.Queues) > 0 {
		d.primary = info.Queues[0].Family
	}
	for _, q := range info.Queues {
		var queue vk.Queue
		vk.GetDeviceQueue(handle, q.Family, 0, &queue)
		d.queues[q.Family] = &Queue{device: d, family: q.Family, queue: queue}
	}
	return d, nil
}
