package renderer

import (
	"fmt"
	"math"

	glm "github.com/go-gl/mathgl/mgl32"
	log "github.com/sirupsen/logrus"

	"github.com/devblok/starforge/core/buffer"
	"github.com/devblok/starforge/core/swapchain"
	"github.com/devblok/starforge/device"
)

// draw is an element resolved against the buffer manager.
type draw struct {
	dst     device.Rect
	color   device.Color
	buf     *buffer.ImportedBuffer
	surface ClientSurface
}

func (d draw) solid() bool {
	return d.buf == nil
}

// layoutItem is what must stay equal between frames for an image to be
// updated in place.
type layoutItem struct {
	solid  bool
	dst    device.Rect
	buffer buffer.ID
	color  device.Color
}

type frameRecord struct {
	number uint64
	layout []layoutItem
	damage device.Rect
}

// Orchestrator composes and presents the frames of one output. It is not
// safe for concurrent use.
type Orchestrator struct {
	sc         *swapchain.Swapchain
	buffers    *buffer.Manager
	background device.Color
	log        log.FieldLogger

	// history holds the most recently submitted frames, oldest first.
	history []frameRecord
}

// NewOrchestrator returns an orchestrator drawing onto sc with buffers
// from buffers.
func NewOrchestrator(sc *swapchain.Swapchain, buffers *buffer.Manager, background device.Color, logger log.FieldLogger) *Orchestrator {
	return &Orchestrator{
		sc:         sc,
		buffers:    buffers,
		background: background,
		log:        logger,
	}
}

// Render acquires an image, draws elements onto it back to front,
// submits and presents it. Buffers are resolved before any GPU work, so
// an unknown buffer fails the call without touching the swapchain.
func (o *Orchestrator) Render(elements []Element) error {
	pinned := o.buffers.Begin()
	draws, err := resolve(pinned, elements)
	if err != nil {
		pinned.Abort()
		return err
	}

	f, err := o.sc.AcquireNextImage()
	if err != nil {
		pinned.Abort()
		return err
	}

	target := f.Extent.Rect()
	rec := frameRecord{
		number: f.Number,
		layout: layoutOf(draws),
		damage: damageOf(draws).Intersect(target),
	}
	clip, partial := o.partialClip(f, rec)
	if !partial {
		clip = target
	}

	if err := o.record(f, draws, clip); err != nil {
		pinned.Abort()
		if aerr := o.sc.Abandon(f); aerr != nil {
			o.log.WithError(aerr).Warn("abandoning frame failed")
		}
		return fmt.Errorf("recording frame: %w", err)
	}

	res, err := o.sc.SubmitAndPresent(f, pinned.Complete)
	if !res.Submitted {
		pinned.Abort()
		return err
	}
	pinned.Submitted(f.Fence)
	o.remember(rec)

	if res.Suboptimal {
		o.log.Debug("presented to suboptimal swapchain")
	}
	return err
}

// Reset forgets previous frames, forcing the next one to be drawn in
// full.
func (o *Orchestrator) Reset() {
	o.history = nil
}

func resolve(pinned *buffer.Frame, elements []Element) ([]draw, error) {
	draws := make([]draw, 0, len(elements))
	for _, e := range elements {
		switch e := e.(type) {
		case ClientSurface:
			buf, err := pinned.Use(e.Buffer)
			if err != nil {
				return nil, err
			}
			size := e.Size
			if size.Width == 0 || size.Height == 0 {
				size = buf.Extent()
			}
			draws = append(draws, draw{
				dst:     device.Rect{X: e.Position.X, Y: e.Position.Y, Width: size.Width, Height: size.Height},
				buf:     buf,
				surface: e,
			})
		case SolidColor:
			draws = append(draws, draw{dst: e.Rect, color: e.Color})
		default:
			return nil, fmt.Errorf("unsupported element %T", e)
		}
	}
	return draws, nil
}

func layoutOf(draws []draw) []layoutItem {
	out := make([]layoutItem, len(draws))
	for i, d := range draws {
		item := layoutItem{solid: d.solid(), dst: d.dst, color: d.color}
		if !item.solid {
			item.buffer = d.buf.ID()
		}
		out[i] = item
	}
	return out
}

func sameLayout(a, b []layoutItem) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// damageOf returns the bounding box of all client damage on the output.
func damageOf(draws []draw) device.Rect {
	var damage device.Rect
	for _, d := range draws {
		if d.solid() {
			continue
		}
		if d.surface.Damage == nil {
			damage = damage.Union(d.dst)
			continue
		}
		src := d.buf.Extent().Rect()
		m := bufferToOutput(d.buf.Extent(), d.dst)
		for _, r := range d.surface.Damage {
			r = r.Intersect(src)
			if r.Empty() {
				continue
			}
			damage = damage.Union(mapRect(m, r).Intersect(d.dst))
		}
	}
	return damage
}

// partialClip returns the area to redraw when the acquired image can be
// updated in place: it holds an earlier frame whose layout, and that of
// every frame since, matches rec.
func (o *Orchestrator) partialClip(f swapchain.Frame, rec frameRecord) (device.Rect, bool) {
	if f.Age == 0 || len(rec.layout) == 0 || f.Age > uint64(len(o.history)) {
		return device.Rect{}, false
	}
	clip := rec.damage
	for i := uint64(1); i <= f.Age; i++ {
		h := o.history[len(o.history)-int(i)]
		if h.number != f.Number-i || !sameLayout(h.layout, rec.layout) {
			return device.Rect{}, false
		}
		// the image already shows the damage of the frame it holds
		if i < f.Age {
			clip = clip.Union(h.damage)
		}
	}
	return clip, true
}

func (o *Orchestrator) remember(rec frameRecord) {
	limit := 2 * o.sc.ImageCount()
	o.history = append(o.history, rec)
	if len(o.history) > limit {
		o.history = append(o.history[:0], o.history[len(o.history)-limit:]...)
	}
}

func (o *Orchestrator) record(f swapchain.Frame, draws []draw, clip device.Rect) error {
	cb := f.Commands
	if err := cb.Begin(f.View); err != nil {
		return err
	}
	if !clip.Empty() {
		cb.Clear(clip, o.background)
	}
	for _, d := range draws {
		if d.solid() {
			if r := d.dst.Intersect(clip); !r.Empty() {
				cb.Clear(r, d.color)
			}
			continue
		}
		src, dst, ok := clipBlit(d.buf.Extent(), d.dst, clip)
		if !ok {
			continue
		}
		cb.Blit(device.BlitOp{
			Source:     d.buf.View(),
			Src:        src,
			Dst:        dst,
			ColorSpace: d.surface.ColorSpace,
			Transfer:   d.surface.Transfer,
		})
	}
	return cb.End()
}

// bufferToOutput maps buffer coordinates into dst.
func bufferToOutput(src device.Extent2D, dst device.Rect) glm.Mat3 {
	sx := float32(dst.Width) / float32(src.Width)
	sy := float32(dst.Height) / float32(src.Height)
	return glm.Translate2D(float32(dst.X), float32(dst.Y)).Mul3(glm.Scale2D(sx, sy))
}

// mapRect transforms r by m and rounds the result outwards.
func mapRect(m glm.Mat3, r device.Rect) device.Rect {
	p0 := m.Mul3x1(glm.Vec3{float32(r.X), float32(r.Y), 1})
	p1 := m.Mul3x1(glm.Vec3{float32(r.X) + float32(r.Width), float32(r.Y) + float32(r.Height), 1})

	x0 := math.Floor(float64(min(p0.X(), p1.X())))
	y0 := math.Floor(float64(min(p0.Y(), p1.Y())))
	x1 := math.Ceil(float64(max(p0.X(), p1.X())))
	y1 := math.Ceil(float64(max(p0.Y(), p1.Y())))
	return device.Rect{
		X:      int32(x0),
		Y:      int32(y0),
		Width:  uint32(x1 - x0),
		Height: uint32(y1 - y0),
	}
}

// clipBlit restricts a blit of a whole buffer onto dst to clip, returning
// the matching source and destination regions.
func clipBlit(size device.Extent2D, dst, clip device.Rect) (device.Rect, device.Rect, bool) {
	src := size.Rect()
	visible := dst.Intersect(clip)
	if visible.Empty() {
		return device.Rect{}, device.Rect{}, false
	}
	if visible == dst {
		return src, dst, true
	}
	inv := bufferToOutput(size, dst).Inv()
	part := mapRect(inv, visible).Intersect(src)
	if part.Empty() {
		return device.Rect{}, device.Rect{}, false
	}
	return part, visible, true
}
