package gpu

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/gekko3d/lumen/surfacecache/rt/scheduler"
)

// FeedbackHeaderSize precedes the elements in the feedback buffer. Word 0 is
// the atomic element count written by shaders.
const FeedbackHeaderSize = 16

type readbackState int

const (
	readbackIdle readbackState = iota
	readbackCopy
	readbackMapping
	readbackMapped
)

// FeedbackBuffer collects surface cache samples written by shaders and reads
// them back a few frames later without stalling.
type FeedbackBuffer struct {
	Capacity int

	Buf      *wgpu.Buffer
	Readback *wgpu.Buffer

	StateMu sync.Mutex
	state   readbackState
}

func (m *Manager) SetupFeedback(capacity int) error {
	f := &m.Feedback
	f.release()
	f.Capacity = max(capacity, 1)
	size := uint64(FeedbackHeaderSize + f.Capacity*scheduler.FeedbackWordsPerElement*4)

	var err error
	f.Buf, err = m.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "SurfaceCacheFeedback",
		Size:  size,
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("failed to create feedback buffer: %w", err)
	}
	f.Readback, err = m.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "SurfaceCacheFeedbackReadback",
		Size:  size,
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("failed to create feedback readback buffer: %w", err)
	}
	m.Queue.WriteBuffer(f.Buf, 0, make([]byte, FeedbackHeaderSize))
	return nil
}

// CopyFeedback queues a copy of this frame's feedback into the readback buffer
// and resets the counter for the next frame. Frames are skipped while a
// previous readback is in flight.
func (m *Manager) CopyFeedback(encoder *wgpu.CommandEncoder) {
	f := &m.Feedback
	if f.Buf == nil {
		return
	}
	f.StateMu.Lock()
	defer f.StateMu.Unlock()
	if f.state != readbackIdle {
		return
	}
	encoder.CopyBufferToBuffer(f.Buf, 0, f.Readback, 0, f.Buf.GetSize())
	encoder.ClearBuffer(f.Buf, 0, FeedbackHeaderSize)
	f.state = readbackCopy
}

// ReadFeedback advances the readback and returns the decoded samples once a
// copy has been mapped. ok is false while nothing new is available.
func (m *Manager) ReadFeedback() (words []uint32, ok bool) {
	f := &m.Feedback
	if f.Readback == nil {
		return nil, false
	}

	f.StateMu.Lock()
	if f.state == readbackCopy {
		f.state = readbackMapping
		f.Readback.MapAsync(wgpu.MapModeRead, 0, f.Readback.GetSize(), func(status wgpu.BufferMapAsyncStatus) {
			f.StateMu.Lock()
			defer f.StateMu.Unlock()
			if status == wgpu.BufferMapAsyncStatusSuccess {
				f.state = readbackMapped
			} else {
				f.state = readbackIdle
			}
		})
	}
	f.StateMu.Unlock()

	f.StateMu.Lock()
	defer f.StateMu.Unlock()
	if f.state != readbackMapped {
		return nil, false
	}
	size := f.Readback.GetSize()
	words = DecodeFeedbackBuffer(f.Readback.GetMappedRange(0, uint(size)), f.Capacity)
	f.Readback.Unmap()
	f.state = readbackIdle
	return words, true
}

// DecodeFeedbackBuffer copies the valid elements out of a mapped feedback
// buffer. Counts past capacity mean the shaders overflowed; the extra
// samples were dropped on the GPU.
func DecodeFeedbackBuffer(data []byte, capacity int) []uint32 {
	if len(data) < FeedbackHeaderSize {
		return nil
	}
	count := int(binary.LittleEndian.Uint32(data))
	count = min(count, capacity, (len(data)-FeedbackHeaderSize)/(scheduler.FeedbackWordsPerElement*4))
	words := make([]uint32, count*scheduler.FeedbackWordsPerElement)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(data[FeedbackHeaderSize+i*4:])
	}
	return words
}

func (f *FeedbackBuffer) release() {
	if f.Buf != nil {
		f.Buf.Release()
		f.Buf = nil
	}
	if f.Readback != nil {
		f.Readback.Release()
		f.Readback = nil
	}
	f.state = readbackIdle
}
