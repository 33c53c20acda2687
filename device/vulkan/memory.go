// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package vulkan

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	vk "github.com/goki/vulkan"
	"golang.org/x/sys/unix"

	"github.com/devblok/starforge/device"
)

// Memory defines a usable memory region.
type Memory struct {
	allocator *MemoryAllocator
	len       uint64
	memory    vk.DeviceMemory
}

// Get returns the vulkan memory handle.
func (m *Memory) Get() vk.DeviceMemory {
	return m.memory
}

// Release frees memory.
func (m *Memory) Release() {
	vk.FreeMemory(m.allocator.device, m.memory, nil)
	m.allocator.account(-1, m.len)
}

// NewMemoryAllocator creates a new memory allocator. Allocates for the logical device,
// reads memory properties of the physical device to influence allocation.
func NewMemoryAllocator(device vk.Device, phys *PhysicalDevice) (*MemoryAllocator, error) {
	if phys.memProperties.MemoryTypeCount == 0 {
		return nil, errors.New("physical device reports no memory types")
	}
	return &MemoryAllocator{
		device:        device,
		memProperties: phys.memProperties,
	}, nil
}

// MemoryAllocator is responsible returning usable
// memory for any resources that may need it.
type MemoryAllocator struct {
	device        vk.Device
	memProperties vk.PhysicalDeviceMemoryProperties

	mu    sync.Mutex
	stats device.AllocatorStats
}

// Malloc returns a usable memory chunk ready for use.
func (ma *MemoryAllocator) Malloc(req vk.MemoryRequirements, prop vk.MemoryPropertyFlagBits) (Memory, error) {
	return ma.allocate(req, prop, nil)
}

// ImportFd returns memory backed by a DMA-BUF. Vulkan owns fd once
// this succeeds.
func (ma *MemoryAllocator) ImportFd(req vk.MemoryRequirements, fd int) (Memory, error) {
	importInfo := vk.ImportMemoryFdInfo{
		SType:      vk.StructureTypeImportMemoryFdInfo,
		HandleType: vk.ExternalMemoryHandleTypeDmaBufBit,
		Fd:         int32(fd),
	}
	return ma.allocate(req, 0, unsafe.Pointer(&importInfo))
}

func (ma *MemoryAllocator) allocate(req vk.MemoryRequirements, prop vk.MemoryPropertyFlagBits, next unsafe.Pointer) (Memory, error) {
	memTypeIdx, err := ma.findMemoryType(req.MemoryTypeBits, vk.MemoryPropertyFlags(prop))
	if err != nil {
		return Memory{}, err
	}

	mai := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		PNext:           next,
		AllocationSize:  req.Size,
		MemoryTypeIndex: memTypeIdx,
	}

	var memory vk.DeviceMemory
	if err := vk.Error(vk.AllocateMemory(ma.device, &mai, nil, &memory)); err != nil {
		return Memory{}, fmt.Errorf("vk.AllocateMemory(): %s", err.Error())
	}
	ma.account(1, uint64(req.Size))
	return Memory{
		allocator: ma,
		len:       uint64(req.Size),
		memory:    memory,
	}, nil
}

func (ma *MemoryAllocator) account(n int, size uint64) {
	ma.mu.Lock()
	ma.stats.Allocations += n
	if n > 0 {
		ma.stats.Bytes += size
	} else {
		ma.stats.Bytes -= size
	}
	ma.mu.Unlock()
}

func (ma *MemoryAllocator) findMemoryType(filter uint32, prop vk.MemoryPropertyFlags) (uint32, error) {
	for idx := uint32(0); idx < ma.memProperties.MemoryTypeCount; idx++ {
		ma.memProperties.MemoryTypes[idx].Deref()
		if filter&(1<<idx) != 0 && (ma.memProperties.MemoryTypes[idx].PropertyFlags&prop) == prop {
			return idx, nil
		}
	}
	return 0, errors.New("suitable memory type not found")
}

// Stats implements device.Allocator.
func (ma *MemoryAllocator) Stats() device.AllocatorStats {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	return ma.stats
}

// Destroy implements device.Allocator. Memory is owned by the images
// that were bound to it, so there is nothing left to free.
func (ma *MemoryAllocator) Destroy() {}

// FormatModifiers implements device.Device. It lists the single plane
// DRM format modifiers the driver can sample and blit from for format.
// Drivers without vkGetPhysicalDeviceFormatProperties2 only offer linear
// layouts.
func (d *Device) FormatModifiers(format device.Format) ([]uint64, error) {
	vkFormat := toFormat(format)
	if vkFormat == vk.FormatUndefined {
		return nil, nil
	}
	props, ok := d.drmFormatModifiers(vkFormat)
	if !ok {
		return d.linearModifier(vkFormat), nil
	}

	return sourceModifiers(props), nil
}

// sourceModifiers keeps the single plane modifiers whose tiling can be
// sampled and blitted from.
func sourceModifiers(props []vk.DrmFormatModifierProperties) []uint64 {
	var mods []uint64
	for _, p := range props {
		if p.DrmFormatModifierPlaneCount != 1 || p.DrmFormatModifierTilingFeatures&sourceFeatures != sourceFeatures {
			continue
		}
		mods = append(mods, p.DrmFormatModifier)
	}
	return mods
}

// planeStride is the row pitch of a single plane import, tightly packed
// when the client left it zero.
func planeStride(info device.ImportInfo) uint64 {
	if info.Stride != 0 {
		return info.Stride
	}
	return uint64(info.Width) * bytesPerPixel(info.Format)
}

const (
	modifierLinear = 0

	sourceFeatures = vk.FormatFeatureFlags(vk.FormatFeatureSampledImageBit | vk.FormatFeatureBlitSrcBit)
)

func (d *Device) linearModifier(format vk.Format) []uint64 {
	var props vk.FormatProperties
	vk.GetPhysicalDeviceFormatProperties(d.phys.handle, format, &props)
	props.Deref()
	if props.LinearTilingFeatures&sourceFeatures != sourceFeatures {
		return nil
	}
	return []uint64{modifierLinear}
}

// drmFormatModifiers queries VkDrmFormatModifierPropertiesListEXT for
// format, count first and entries second.
func (d *Device) drmFormatModifiers(format vk.Format) ([]vk.DrmFormatModifierProperties, bool) {
	query := func(list *vk.DrmFormatModifierPropertiesList) bool {
		listRef, listFree := list.PassRef()
		defer listFree.Free()
		props := vk.FormatProperties2{
			SType: vk.StructureTypeFormatProperties2,
			PNext: unsafe.Pointer(listRef),
		}
		ref, free := props.PassRef()
		defer free.Free()
		if !d.phys.procs.physicalDeviceFormatProperties2(d.phys.handle, format, unsafe.Pointer(ref)) {
			return false
		}
		list.Deref()
		return true
	}

	count := vk.DrmFormatModifierPropertiesList{
		SType: vk.StructureTypeDrmFormatModifierPropertiesList,
	}
	if !query(&count) {
		return nil, false
	}
	if count.DrmFormatModifierCount == 0 {
		return nil, true
	}

	list := vk.DrmFormatModifierPropertiesList{
		SType:                        vk.StructureTypeDrmFormatModifierPropertiesList,
		DrmFormatModifierCount:       count.DrmFormatModifierCount,
		PDrmFormatModifierProperties: make([]vk.DrmFormatModifierProperties, count.DrmFormatModifierCount),
	}
	if !query(&list) {
		return nil, false
	}
	out := list.PDrmFormatModifierProperties[:list.DrmFormatModifierCount]
	for i := range out {
		out[i].Deref()
	}
	return out, true
}

// ImportImage implements device.Device. The image is created with the
// buffer's DRM format modifier and its explicit plane layout.
func (d *Device) ImportImage(alloc device.Allocator, info device.ImportInfo) (device.Image, error) {
	ma, ok := alloc.(*MemoryAllocator)
	if !ok {
		return nil, errors.New("allocator not created by this device")
	}
	explicit := vk.ImageDrmFormatModifierExplicitCreateInfo{
		SType:                       vk.StructureTypeImageDrmFormatModifierExplicitCreateInfo,
		DrmFormatModifier:           info.Modifier,
		DrmFormatModifierPlaneCount: 1,
		PPlaneLayouts: []vk.SubresourceLayout{{
			Offset:   vk.DeviceSize(info.Offset),
			RowPitch: vk.DeviceSize(planeStride(info)),
		}},
	}
	explicitRef, explicitFree := explicit.PassRef()
	defer explicitFree.Free()

	external := vk.ExternalMemoryImageCreateInfo{
		SType:       vk.StructureTypeExternalMemoryImageCreateInfo,
		PNext:       unsafe.Pointer(explicitRef),
		HandleTypes: vk.ExternalMemoryHandleTypeFlags(vk.ExternalMemoryHandleTypeDmaBufBit),
	}
	externalRef, externalFree := external.PassRef()
	defer externalFree.Free()

	ici := vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		PNext:     unsafe.Pointer(externalRef),
		ImageType: vk.ImageType2d,
		Format:    toFormat(info.Format),
		Extent: vk.Extent3D{
			Width:  info.Width,
			Height: info.Height,
			Depth:  1,
		},
		MipLevels:     1,
		ArrayLayers:   1,
		Samples:       vk.SampleCount1Bit,
		Tiling:        vk.ImageTilingDrmFormatModifier,
		Usage:         vk.ImageUsageFlags(vk.ImageUsageTransferSrcBit | vk.ImageUsageSampledBit),
		SharingMode:   vk.SharingModeExclusive,
		InitialLayout: vk.ImageLayoutPreinitialized,
	}

	var image vk.Image
	if err := vk.Error(vk.CreateImage(d.handle, &ici, nil, &image)); err != nil {
		return nil, fmt.Errorf("vk.CreateImage(): modifier %#x: %s", info.Modifier, err)
	}

	var req vk.MemoryRequirements
	vk.GetImageMemoryRequirements(d.handle, image, &req)
	req.Deref()

	// Vulkan takes its own descriptor; info.FD stays with the caller
	// until the whole import has succeeded.
	fd, err := unix.Dup(info.FD)
	if err != nil {
		vk.DestroyImage(d.handle, image, nil)
		return nil, fmt.Errorf("dup: %s", err)
	}
	memory, err := ma.ImportFd(req, fd)
	if err != nil {
		unix.Close(fd)
		vk.DestroyImage(d.handle, image, nil)
		return nil, err
	}
	if err := vk.Error(vk.BindImageMemory(d.handle, image, memory.Get(), 0)); err != nil {
		memory.Release()
		vk.DestroyImage(d.handle, image, nil)
		return nil, errors.New("vk.BindImageMemory(): " + err.Error())
	}

	img := &ImportedImage{
		device: d.handle,
		image:  image,
		memory: memory,
		extent: device.Extent2D{Width: info.Width, Height: info.Height},
		format: info.Format,
	}
	if err := d.prepareSource(img); err != nil {
		img.Destroy()
		return nil, err
	}
	unix.Close(info.FD)
	return img, nil
}

// ImportedImage is an image bound to imported memory.
type ImportedImage struct {
	device vk.Device
	image  vk.Image
	memory Memory
	extent device.Extent2D
	format device.Format
}

// Extent implements device.Image.
func (i *ImportedImage) Extent() device.Extent2D {
	return i.extent
}

// Format implements device.Image.
func (i *ImportedImage) Format() device.Format {
	return i.format
}

// Destroy implements device.Image.
func (i *ImportedImage) Destroy() {
	vk.DestroyImage(i.device, i.image, nil)
	i.memory.Release()
}
