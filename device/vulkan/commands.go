package vulkan

import (
	"errors"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/devblok/starforge/device"
)

// CreateCommandBuffer implements device.Device. Each buffer has its own
// pool so that outputs can record concurrently.
func (d *Device) CreateCommandBuffer(family uint32) (device.CommandBuffer, error) {
	pool, buf, err := d.allocateCommands(family)
	if err != nil {
		return nil, err
	}
	return &CommandBuffer{device: d, pool: pool, buffer: buf}, nil
}

func (d *Device) allocateCommands(family uint32) (vk.CommandPool, vk.CommandBuffer, error) {
	cpci := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
		QueueFamilyIndex: family,
	}
	var pool vk.CommandPool
	if err := vk.Error(vk.CreateCommandPool(d.handle, &cpci, nil, &pool)); err != nil {
		return nil, nil, errors.New("vk.CreateCommandPool(): " + err.Error())
	}

	cbai := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        pool,
		Level:              vk.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	}
	buffers := make([]vk.CommandBuffer, 1)
	if err := vk.Error(vk.AllocateCommandBuffers(d.handle, &cbai, buffers)); err != nil {
		vk.DestroyCommandPool(d.handle, pool, nil)
		return nil, nil, errors.New("vk.AllocateCommandBuffers(): " + err.Error())
	}
	return pool, buffers[0], nil
}

// prepareSource moves an imported image into the layout blits read from
// and waits for it, so recorded frames never transition shared images.
func (d *Device) prepareSource(img *ImportedImage) error {
	pool, buf, err := d.allocateCommands(d.primary)
	if err != nil {
		return err
	}
	defer vk.DestroyCommandPool(d.handle, pool, nil)

	cbbi := vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	}
	if err := vk.Error(vk.BeginCommandBuffer(buf, &cbbi)); err != nil {
		return errors.New("vk.BeginCommandBuffer(): " + err.Error())
	}
	barrier(buf, img.image, vk.ImageLayoutPreinitialized, vk.ImageLayoutTransferSrcOptimal,
		vk.AccessHostWriteBit, vk.AccessTransferReadBit,
		vk.PipelineStageTopOfPipeBit, vk.PipelineStageTransferBit)
	if err := vk.Error(vk.EndCommandBuffer(buf)); err != nil {
		return errors.New("vk.EndCommandBuffer(): " + err.Error())
	}

	f, err := d.CreateFence(false)
	if err != nil {
		return err
	}
	defer f.Destroy()

	q := d.queues[d.primary]
	q.mu.Lock()
	ret := vk.QueueSubmit(q.queue, 1, []vk.SubmitInfo{{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: 1,
		PCommandBuffers:    []vk.CommandBuffer{buf},
	}}, f.(*Fence).fence)
	q.mu.Unlock()
	if err := check("QueueSubmit", ret); err != nil {
		return err
	}
	return f.Wait(device.WaitForever)
}

func barrier(cmd vk.CommandBuffer, image vk.Image, from, to vk.ImageLayout,
	srcAccess, dstAccess vk.AccessFlagBits, srcStage, dstStage vk.PipelineStageFlagBits) {
	vk.CmdPipelineBarrier(cmd,
		vk.PipelineStageFlags(srcStage),
		vk.PipelineStageFlags(dstStage),
		0, 0, nil, 0, nil, 1, []vk.ImageMemoryBarrier{{
			SType:               vk.StructureTypeImageMemoryBarrier,
			SrcAccessMask:       vk.AccessFlags(srcAccess),
			DstAccessMask:       vk.AccessFlags(dstAccess),
			OldLayout:           from,
			NewLayout:           to,
			SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
			DstQueueFamilyIndex: vk.QueueFamilyIgnored,
			Image:               image,
			SubresourceRange:    colorRange,
		}})
}

// CommandBuffer records clears and blits into a swapchain image.
type CommandBuffer struct {
	device *Device
	pool   vk.CommandPool
	buffer vk.CommandBuffer

	target *swapchainImage

	// scratch is a 1x1 image that partial fills are stretched from.
	scratch       vk.Image
	scratchMemory Memory
	scratchFormat device.Format
	scratchLayout vk.ImageLayout
}

// Begin implements device.CommandBuffer.
func (c *CommandBuffer) Begin(target device.ImageView) error {
	img, ok := target.Image().(*swapchainImage)
	if !ok {
		return errors.New("target is not a swapchain image")
	}
	if err := vk.Error(vk.ResetCommandBuffer(c.buffer, 0)); err != nil {
		return errors.New("vk.ResetCommandBuffer(): " + err.Error())
	}
	cbbi := vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	}
	if err := vk.Error(vk.BeginCommandBuffer(c.buffer, &cbbi)); err != nil {
		return errors.New("vk.BeginCommandBuffer(): " + err.Error())
	}
	c.target = img
	barrier(c.buffer, img.image, img.layout, vk.ImageLayoutTransferDstOptimal,
		0, vk.AccessTransferWriteBit,
		vk.PipelineStageTopOfPipeBit, vk.PipelineStageTransferBit)
	return nil
}

// ordered keeps successive writes to the target from overlapping.
func (c *CommandBuffer) ordered() {
	barrier(c.buffer, c.target.image, vk.ImageLayoutTransferDstOptimal, vk.ImageLayoutTransferDstOptimal,
		vk.AccessTransferWriteBit, vk.AccessTransferWriteBit|vk.AccessTransferReadBit,
		vk.PipelineStageTransferBit, vk.PipelineStageTransferBit)
}

// Clear implements device.CommandBuffer.
func (c *CommandBuffer) Clear(r device.Rect, col device.Color) {
	var cv vk.ClearValue
	cv.SetColor(col[:])
	color := (*vk.ClearColorValue)(unsafe.Pointer(&cv))

	full := device.Rect{Width: c.target.extent.Width, Height: c.target.extent.Height}
	c.ordered()
	if r == full {
		vk.CmdClearColorImage(c.buffer, c.target.image, vk.ImageLayoutTransferDstOptimal,
			color, 1, []vk.ImageSubresourceRange{colorRange})
		return
	}
	if err := c.ensureScratch(); err != nil {
		// without a scratch image a partial fill degrades to nothing;
		// the next full frame repaints it
		return
	}
	barrier(c.buffer, c.scratch, c.scratchLayout, vk.ImageLayoutTransferDstOptimal,
		vk.AccessTransferReadBit, vk.AccessTransferWriteBit,
		vk.PipelineStageTransferBit, vk.PipelineStageTransferBit)
	vk.CmdClearColorImage(c.buffer, c.scratch, vk.ImageLayoutTransferDstOptimal,
		color, 1, []vk.ImageSubresourceRange{colorRange})
	barrier(c.buffer, c.scratch, vk.ImageLayoutTransferDstOptimal, vk.ImageLayoutTransferSrcOptimal,
		vk.AccessTransferWriteBit, vk.AccessTransferReadBit,
		vk.PipelineStageTransferBit, vk.PipelineStageTransferBit)
	c.scratchLayout = vk.ImageLayoutTransferSrcOptimal

	vk.CmdBlitImage(c.buffer, c.scratch, vk.ImageLayoutTransferSrcOptimal,
		c.target.image, vk.ImageLayoutTransferDstOptimal, 1, []vk.ImageBlit{{
			SrcSubresource: colorLayers,
			SrcOffsets:     offsets(device.Rect{Width: 1, Height: 1}),
			DstSubresource: colorLayers,
			DstOffsets:     offsets(r),
		}}, vk.FilterNearest)
}

func (c *CommandBuffer) ensureScratch() error {
	if c.scratch != nil && c.scratchFormat == c.target.format {
		return nil
	}
	c.destroyScratch()
	if c.device.allocator == nil {
		return errors.New("no allocator")
	}

	ici := vk.ImageCreateInfo{
		SType:         vk.StructureTypeImageCreateInfo,
		ImageType:     vk.ImageType2d,
		Format:        toFormat(c.target.format),
		Extent:        vk.Extent3D{Width: 1, Height: 1, Depth: 1},
		MipLevels:     1,
		ArrayLayers:   1,
		Samples:       vk.SampleCount1Bit,
		Tiling:        vk.ImageTilingOptimal,
		Usage:         vk.ImageUsageFlags(vk.ImageUsageTransferSrcBit | vk.ImageUsageTransferDstBit),
		SharingMode:   vk.SharingModeExclusive,
		InitialLayout: vk.ImageLayoutUndefined,
	}
	var image vk.Image
	if err := vk.Error(vk.CreateImage(c.device.handle, &ici, nil, &image)); err != nil {
		return errors.New("vk.CreateImage(): " + err.Error())
	}
	var req vk.MemoryRequirements
	vk.GetImageMemoryRequirements(c.device.handle, image, &req)
	req.Deref()

	memory, err := c.device.allocator.Malloc(req, vk.MemoryPropertyDeviceLocalBit)
	if err != nil {
		vk.DestroyImage(c.device.handle, image, nil)
		return err
	}
	if err := vk.Error(vk.BindImageMemory(c.device.handle, image, memory.Get(), 0)); err != nil {
		memory.Release()
		vk.DestroyImage(c.device.handle, image, nil)
		return errors.New("vk.BindImageMemory(): " + err.Error())
	}
	c.scratch = image
	c.scratchMemory = memory
	c.scratchFormat = c.target.format
	c.scratchLayout = vk.ImageLayoutUndefined
	return nil
}

func (c *CommandBuffer) destroyScratch() {
	if c.scratch == nil {
		return
	}
	vk.DestroyImage(c.device.handle, c.scratch, nil)
	c.scratchMemory.Release()
	c.scratch = nil
}

// Blit implements device.CommandBuffer. Sources are kept in transfer
// source layout from import on.
func (c *CommandBuffer) Blit(op device.BlitOp) {
	src, ok := op.Source.Image().(*ImportedImage)
	if !ok {
		return
	}
	filter := vk.FilterNearest
	if op.Src.Width != op.Dst.Width || op.Src.Height != op.Dst.Height {
		filter = vk.FilterLinear
	}
	c.ordered()
	vk.CmdBlitImage(c.buffer, src.image, vk.ImageLayoutTransferSrcOptimal,
		c.target.image, vk.ImageLayoutTransferDstOptimal, 1, []vk.ImageBlit{{
			SrcSubresource: colorLayers,
			SrcOffsets:     offsets(op.Src),
			DstSubresource: colorLayers,
			DstOffsets:     offsets(op.Dst),
		}}, filter)
}

// End implements device.CommandBuffer.
func (c *CommandBuffer) End() error {
	barrier(c.buffer, c.target.image, vk.ImageLayoutTransferDstOptimal, vk.ImageLayoutPresentSrc,
		vk.AccessTransferWriteBit, 0,
		vk.PipelineStageTransferBit, vk.PipelineStageBottomOfPipeBit)
	if err := vk.Error(vk.EndCommandBuffer(c.buffer)); err != nil {
		return errors.New("vk.EndCommandBuffer(): " + err.Error())
	}
	c.target.layout = vk.ImageLayoutPresentSrc
	return nil
}

// Destroy implements device.CommandBuffer.
func (c *CommandBuffer) Destroy() {
	c.destroyScratch()
	vk.DestroyCommandPool(c.device.handle, c.pool, nil)
}
