package gpu

import (
	"fmt"
	"image"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/gekko3d/lumen/surfacecache/rt/core"
	"github.com/gekko3d/lumen/surfacecache/rt/pagetable"
)

const (
	HeadroomTables = 64 * 1024
	HeadroomBlits  = 16 * 1024
)

// Manager owns the GPU side of the surface cache: the scene tables, the atlas
// textures, the capture backend and the feedback buffer.
type Manager struct {
	Device *wgpu.Device
	Queue  *wgpu.Queue

	Tables *SceneTables

	CardsBuf     *wgpu.Buffer
	MeshCardsBuf *wgpu.Buffer
	PageTableBuf *wgpu.Buffer

	Atlas    Atlas
	Feedback FeedbackBuffer
	Backend  *Backend

	log core.Logger
}

type Options struct {
	PhysicalSize     image.Point
	CaptureSize      image.Point
	FeedbackCapacity int
	ResampleWGSL     string
}

func NewManager(device *wgpu.Device, opts Options, log core.Logger) (*Manager, error) {
	m := &Manager{
		Device: device,
		Queue:  device.GetQueue(),
		Tables: NewSceneTables(),
		log:    core.LoggerOrNop(log),
	}
	m.Backend = newBackend(m)
	if err := m.SetupPersistent(opts.PhysicalSize); err != nil {
		m.Release()
		return nil, err
	}
	if err := m.SetupCapture(opts.CaptureSize); err != nil {
		m.Release()
		return nil, err
	}
	if err := m.SetupFeedback(opts.FeedbackCapacity); err != nil {
		m.Release()
		return nil, err
	}
	if err := m.Backend.CreateResamplePipeline(opts.ResampleWGSL); err != nil {
		m.Release()
		return nil, err
	}
	return m, nil
}

func (m *Manager) ensureBuffer(name string, buf **wgpu.Buffer, data []byte, usage wgpu.BufferUsage, headroom int) (bool, error) {
	neededSize := uint64(len(data) + headroom)
	if neededSize%4 != 0 {
		neededSize += 4 - (neededSize % 4)
	}

	current := *buf
	if current == nil || current.GetSize() < neededSize {
		if current != nil {
			current.Release()
		}
		newBuf, err := m.Device.CreateBuffer(&wgpu.BufferDescriptor{
			Label:            name,
			Size:             neededSize,
			Usage:            usage | wgpu.BufferUsageCopyDst,
			MappedAtCreation: false,
		})
		if err != nil {
			*buf = nil
			return false, fmt.Errorf("failed to create %s buffer: %w", name, err)
		}
		*buf = newBuf
		if len(data) > 0 {
			m.Queue.WriteBuffer(*buf, 0, data)
		}
		return true, nil
	}
	if len(data) > 0 {
		m.Queue.WriteBuffer(*buf, 0, data)
	}
	return false, nil
}

// flushTable writes the table's pending changes. Returns true when the
// buffer was recreated and bind groups referencing it are stale.
func (m *Manager) flushTable(t *Table, buf **wgpu.Buffer) (bool, error) {
	ranges, full := t.Pending()
	if full || *buf == nil || (*buf).GetSize() < uint64(len(t.Bytes())) {
		return m.ensureBuffer(t.Name, buf, t.Bytes(), wgpu.BufferUsageStorage, HeadroomTables)
	}
	data := t.Bytes()
	for _, r := range ranges {
		m.Queue.WriteBuffer(*buf, uint64(r.Offset), data[r.Offset:r.Offset+r.Size])
	}
	return false, nil
}

// UploadFrame mirrors the cards and pages changed this frame. Returns true
// when any scene buffer was recreated.
func (m *Manager) UploadFrame(reg *core.Registry, pt *pagetable.PageTable, dirtyCards, dirtyPages []int) (bool, error) {
	m.Tables.Sync(reg, pt, dirtyCards, dirtyPages)

	recreated := false
	for _, t := range []struct {
		table *Table
		buf   **wgpu.Buffer
	}{
		{m.Tables.Cards, &m.CardsBuf},
		{m.Tables.MeshCards, &m.MeshCardsBuf},
		{m.Tables.PageTable, &m.PageTableBuf},
	} {
		r, err := m.flushTable(t.table, t.buf)
		if err != nil {
			return recreated, err
		}
		recreated = recreated || r
	}
	if recreated {
		m.log.Debugf("surface cache tables reallocated: %d cards, %d mesh cards, %d pages",
			m.Tables.Cards.Count(), m.Tables.MeshCards.Count(), m.Tables.PageTable.Count())
	}
	return recreated, nil
}

// CreateSceneBindGroup binds the scene tables and feedback buffer for a
// pipeline that samples the surface cache.
func (m *Manager) CreateSceneBindGroup(layout *wgpu.BindGroupLayout) (*wgpu.BindGroup, error) {
	if m.CardsBuf == nil || m.MeshCardsBuf == nil || m.PageTableBuf == nil {
		return nil, fmt.Errorf("surface cache tables not uploaded")
	}
	bg, err := m.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  "SurfaceCacheScene",
		Layout: layout,
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: m.CardsBuf, Size: wgpu.WholeSize},
			{Binding: 1, Buffer: m.MeshCardsBuf, Size: wgpu.WholeSize},
			{Binding: 2, Buffer: m.PageTableBuf, Size: wgpu.WholeSize},
			{Binding: 3, Buffer: m.Feedback.Buf, Size: wgpu.WholeSize},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create surface cache scene bind group: %w", err)
	}
	return bg, nil
}

// Resize recreates the atlases whose size changed.
func (m *Manager) Resize(physical, captureSize image.Point) error {
	if physical != m.Atlas.PhysicalSize {
		if err := m.SetupPersistent(physical); err != nil {
			return err
		}
	}
	if captureSize != m.Atlas.CaptureSize {
		if err := m.SetupCapture(captureSize); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) Release() {
	if m.Backend != nil {
		m.Backend.release()
	}
	m.Atlas.release()
	m.Feedback.release()
	for _, buf := range []**wgpu.Buffer{&m.CardsBuf, &m.MeshCardsBuf, &m.PageTableBuf} {
		if *buf != nil {
			(*buf).Release()
			*buf = nil
		}
	}
}
