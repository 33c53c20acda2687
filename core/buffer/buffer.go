// Package buffer imports client DMA-BUFs as GPU images and releases them
// once no in-flight frame reads them any more.
package buffer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/devblok/starforge/core"
	"github.com/devblok/starforge/device"
)

// Errors returned by the manager.
var (
	ErrUnsupportedFormat = errors.New("unsupported buffer format")
	ErrImportFailed      = errors.New("buffer import failed")
	ErrBufferNotFound    = errors.New("buffer not found")
)

// ID identifies an imported buffer.
type ID uuid.UUID

func (id ID) String() string {
	return uuid.UUID(id).String()
}

// DmaBuf describes a single plane client buffer. FD stays owned by the
// client.
type DmaBuf struct {
	FD       int
	Width    uint32
	Height   uint32
	Format   device.Format
	Modifier uint64
	Offset   uint64
	Stride   uint64
}

// ReleaseFunc is told that the GPU no longer reads a buffer. It is called
// exactly once per buffer, after its image is destroyed.
type ReleaseFunc func(id ID)

// ImportedBuffer is a client buffer readable by the GPU.
type ImportedBuffer struct {
	id    ID
	desc  DmaBuf
	image device.Image
	view  device.ImageView
}

// ID returns the buffer id.
func (b *ImportedBuffer) ID() ID {
	return b.id
}

// Desc returns the description the buffer was imported from.
func (b *ImportedBuffer) Desc() DmaBuf {
	return b.desc
}

// View returns the view blits sample from.
func (b *ImportedBuffer) View() device.ImageView {
	return b.view
}

// Extent returns the buffer size.
func (b *ImportedBuffer) Extent() device.Extent2D {
	return device.Extent2D{Width: b.desc.Width, Height: b.desc.Height}
}

type entry struct {
	buf *ImportedBuffer

	// pending holds the frames that use the buffer and have not
	// completed yet.
	pending          map[*Frame]struct{}
	releaseRequested bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l log.FieldLogger) Option {
	return func(m *Manager) {
		m.log = l
	}
}

// Manager owns imported buffers.
type Manager struct {
	ctx     *core.Context
	log     log.FieldLogger
	release ReleaseFunc

	mu      sync.Mutex
	buffers map[ID]*entry
	frames  map[*Frame]struct{}
}

// NewManager returns a manager importing onto ctx. release may be nil.
func NewManager(ctx *core.Context, release ReleaseFunc, opts ...Option) *Manager {
	m := &Manager{
		ctx:     ctx,
		log:     ctx.Logger(),
		release: release,
		buffers: map[ID]*entry{},
		frames:  map[*Frame]struct{}{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Import duplicates d.FD and imports it as a sampled image.
func (m *Manager) Import(d DmaBuf) (*ImportedBuffer, error) {
	dev := m.ctx.Device()
	if d.Format == device.FormatUndefined {
		return nil, fmt.Errorf("%w: undefined format", ErrUnsupportedFormat)
	}
	modifiers, err := dev.FormatModifiers(d.Format)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrImportFailed, err)
	}
	if !containsModifier(modifiers, d.Modifier) {
		return nil, fmt.Errorf("%w: %s with modifier %#x", ErrUnsupportedFormat, d.Format, d.Modifier)
	}
	if d.Width == 0 || d.Height == 0 {
		return nil, fmt.Errorf("%w: empty buffer", ErrImportFailed)
	}

	fd, err := unix.Dup(d.FD)
	if err != nil {
		return nil, fmt.Errorf("%w: dup: %s", ErrImportFailed, err)
	}
	image, err := dev.ImportImage(m.ctx.Allocator(), device.ImportInfo{
		FD:       fd,
		Width:    d.Width,
		Height:   d.Height,
		Format:   d.Format,
		Modifier: d.Modifier,
		Offset:   d.Offset,
		Stride:   d.Stride,
	})
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: %s", ErrImportFailed, err)
	}
	view, err := dev.CreateImageView(image)
	if err != nil {
		image.Destroy()
		return nil, fmt.Errorf("%w: %s", ErrImportFailed, err)
	}

	b := &ImportedBuffer{
		id:    ID(uuid.New()),
		desc:  d,
		image: image,
		view:  view,
	}
	m.mu.Lock()
	m.buffers[b.id] = &entry{buf: b, pending: map[*Frame]struct{}{}}
	m.mu.Unlock()

	m.log.WithFields(log.Fields{
		"buffer": b.id,
		"size":   b.Extent(),
		"format": d.Format,
	}).Debug("buffer imported")
	return b, nil
}

func containsModifier(mods []uint64, mod uint64) bool {
	for _, m := range mods {
		if m == mod {
			return true
		}
	}
	return false
}

// Get returns a buffer that has not been released yet.
func (m *Manager) Get(id ID) (*ImportedBuffer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.buffers[id]
	if !ok {
		return nil, false
	}
	return e.buf, true
}

// Len returns the number of live buffers.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buffers)
}

// ScheduleRelease releases id once every frame using it has completed,
// right away if none does.
func (m *Manager) ScheduleRelease(id ID) error {
	m.mu.Lock()
	e, ok := m.buffers[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBufferNotFound, id)
	}
	e.releaseRequested = true
	var done []*ImportedBuffer
	if len(e.pending) == 0 {
		delete(m.buffers, id)
		done = append(done, e.buf)
	}
	m.mu.Unlock()

	m.destroy(done)
	return nil
}

// Begin starts tracking the buffers of one frame.
func (m *Manager) Begin() *Frame {
	return &Frame{m: m}
}

// Poll completes submitted frames whose fences have signaled.
func (m *Manager) Poll() {
	m.mu.Lock()
	var signaled []*Frame
	for f := range m.frames {
		ok, err := f.fence.Signaled()
		if err != nil {
			m.log.WithError(err).Warn("fence status query failed")
			continue
		}
		if ok {
			signaled = append(signaled, f)
		}
	}
	m.mu.Unlock()

	for _, f := range signaled {
		f.Complete()
	}
}

// Destroy releases every buffer. The device must be idle.
func (m *Manager) Destroy() {
	m.mu.Lock()
	done := make([]*ImportedBuffer, 0, len(m.buffers))
	for id, e := range m.buffers {
		done = append(done, e.buf)
		delete(m.buffers, id)
	}
	m.frames = map[*Frame]struct{}{}
	m.mu.Unlock()

	m.destroy(done)
}

func (m *Manager) destroy(bufs []*ImportedBuffer) {
	for _, b := range bufs {
		b.view.Destroy()
		b.image.Destroy()
		m.log.WithField("buffer", b.id).Debug("buffer released")
		if m.release != nil {
			m.release(b.id)
		}
	}
}

// Frame is the set of buffers one frame reads.
type Frame struct {
	m     *Manager
	fence device.Fence
	used  []*entry
	state frameState
}

type frameState int

const (
	frameRecording frameState = iota
	frameSubmitted
	frameDone
)

// Use pins id for the frame. A buffer scheduled for release can still
// be used while it is alive, which delays the release until this frame
// completes as well.
func (f *Frame) Use(id ID) (*ImportedBuffer, error) {
	m := f.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.state != frameRecording {
		return nil, errors.New("frame is no longer recording")
	}
	e, ok := m.buffers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBufferNotFound, id)
	}
	if _, pinned := e.pending[f]; !pinned {
		e.pending[f] = struct{}{}
		f.used = append(f.used, e)
	}
	return e.buf, nil
}

// Submitted records that the frame's work signals fence on completion.
func (f *Frame) Submitted(fence device.Fence) {
	m := f.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.state != frameRecording {
		return
	}
	f.state = frameSubmitted
	f.fence = fence
	m.frames[f] = struct{}{}
}

// Abort unpins the buffers of a frame that never reached the GPU.
func (f *Frame) Abort() {
	f.finish(frameRecording)
}

// Complete unpins the buffers of a submitted frame whose fence has
// signaled. Calling it again is a no-op.
func (f *Frame) Complete() {
	f.finish(frameSubmitted)
}

func (f *Frame) finish(from frameState) {
	m := f.m
	m.mu.Lock()
	if f.state != from {
		m.mu.Unlock()
		return
	}
	f.state = frameDone
	delete(m.frames, f)

	var done []*ImportedBuffer
	for _, e := range f.used {
		delete(e.pending, f)
		if !e.releaseRequested || len(e.pending) > 0 {
			continue
		}
		if cur, ok := m.buffers[e.buf.id]; ok && cur == e {
			delete(m.buffers, e.buf.id)
			done = append(done, e.buf)
		}
	}
	f.used = nil
	m.mu.Unlock()

	m.destroy(done)
}

// Buffers returns the number of buffers pinned by the frame.
func (f *Frame) Buffers() int {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	return len(f.used)
}
