// Package lumen maintains a surface cache: oriented card captures of scene
// geometry kept in a paged atlas under fixed per-frame capture and memory
// budgets.
package lumen

import (
	"errors"
	"fmt"
	"image"

	"github.com/gekko3d/lumen/surfacecache/rt/capture"
	"github.com/gekko3d/lumen/surfacecache/rt/core"
	"github.com/gekko3d/lumen/surfacecache/rt/cull"
	"github.com/gekko3d/lumen/surfacecache/rt/pagetable"
	"github.com/gekko3d/lumen/surfacecache/rt/scheduler"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
)

var ErrClosed = errors.New("surfacecache: closed")

// Uploader mirrors the cards and page table to the consumers of the cache,
// typically GPU buffers. It is called once per frame with what changed.
type Uploader interface {
	UploadFrame(reg *core.Registry, pt *pagetable.PageTable, dirtyCards, dirtyPages []int) (bool, error)
}

type Option func(*SurfaceCache)

func WithLogger(l Logger) Option {
	return func(s *SurfaceCache) { s.log = core.LoggerOrNop(l) }
}

// WithBackend sets the capture backend. Without one, pages are scheduled and
// tracked but nothing is captured.
func WithBackend(b capture.Backend) Option {
	return func(s *SurfaceCache) { s.backend = b }
}

// WithWorkers sizes the culling worker pool. 0 uses one worker per CPU.
func WithWorkers(n int) Option {
	return func(s *SurfaceCache) { s.workers = n }
}

func WithUploader(u Uploader) Option {
	return func(s *SurfaceCache) { s.uploader = u }
}

// FrameInput is what the host provides every frame.
type FrameInput struct {
	// ViewOrigins are the camera positions the cache is built for.
	ViewOrigins []mgl32.Vec3
	// GPUMask selects the GPUs rendering this frame. Zero means all.
	GPUMask core.GPUMask
	// Feedback is the packed page feedback read back from the GPU.
	Feedback []uint32
}

type FrameResult struct {
	Frame uint32
	Reset bool

	Adds, Removes     int
	DeferredAdds      int
	DeferredRemoves   int
	Culled            int
	ResolutionChanges int
	Hidden            int
	FeedbackRequests  int

	Pages      []core.CardPageRenderData
	DirtyCards []int
	DirtyPages []int
	Schedule   scheduler.Stats
	Capture    capture.Stats
}

// SurfaceCache is the per-frame driver. It is not safe for concurrent use;
// parallelism happens inside Update.
type SurfaceCache struct {
	cfg   core.SchedulerConfig
	log   Logger
	scene *core.Scene
	reg   *core.Registry

	runner   *cull.TaskRunner
	sched    *scheduler.Scheduler
	pipeline *capture.Pipeline
	backend  capture.Backend
	uploader Uploader
	profiler *Profiler

	workers int
	frame   uint32
	closed  bool
}

func New(cfg core.SchedulerConfig, opts ...Option) (*SurfaceCache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &SurfaceCache{
		cfg:      cfg,
		log:      NewNopLogger(),
		scene:    core.NewScene(),
		reg:      &core.Registry{},
		profiler: NewProfiler(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.runner = cull.NewTaskRunner(s.workers)
	s.runner.Parallel = s.runner.Parallel && s.cfg.ParallelUpdate
	s.sched = scheduler.New(&s.cfg, s.scene, s.reg, s.log)
	s.pipeline = capture.NewPipeline(s.backend, s.log)
	if err := s.resizeBackend(); err != nil {
		s.runner.Close()
		return nil, err
	}
	s.log.Infof("surface cache: physical atlas %v, capture atlas %v, %d GPUs, %d workers",
		s.cfg.PhysicalAtlasSize(), s.cfg.CaptureAtlasSize(), s.cfg.NumGPUs, s.runner.Workers())
	return s, nil
}

// Config returns a copy of the active configuration.
func (s *SurfaceCache) Config() core.SchedulerConfig { return s.cfg }
func (s *SurfaceCache) Frame() uint32                { return s.frame }
func (s *SurfaceCache) Profiler() *Profiler          { return s.profiler }

// Read-only views for uploaders and debug tools.
func (s *SurfaceCache) Registry() *core.Registry        { return s.reg }
func (s *SurfaceCache) PageTable() *pagetable.PageTable { return s.sched.PageTable() }
func (s *SurfaceCache) Scene() *core.Scene              { return s.scene }
func (s *SurfaceCache) Scheduler() *scheduler.Scheduler { return s.sched }

func (s *SurfaceCache) AddPrimitiveGroup(desc core.PrimitiveDesc) error {
	_, err := s.scene.AddPrimitive(desc)
	return err
}

func (s *SurfaceCache) AddInstancedPrimitive(desc core.InstancedPrimitiveDesc) error {
	_, err := s.scene.AddInstancedPrimitive(desc)
	return err
}

// UpdatePrimitiveBounds moves a primitive. Its cards are dropped and rebuilt
// by the next update.
func (s *SurfaceCache) UpdatePrimitiveBounds(id uuid.UUID, bounds core.AABB, cards []core.CardDesc) error {
	groups, err := s.scene.GroupsOf(id)
	if err != nil {
		return err
	}
	if err := s.scene.UpdateBounds(id, bounds, cards); err != nil {
		return err
	}
	for _, gi := range groups {
		s.sched.RemoveMeshCards(gi)
	}
	return nil
}

// RemovePrimitiveGroup frees the primitive's cards and pages immediately.
func (s *SurfaceCache) RemovePrimitiveGroup(id uuid.UUID) error {
	groups, err := s.scene.GroupsOf(id)
	if err != nil {
		return err
	}
	for _, gi := range groups {
		s.sched.RemoveMeshCards(gi)
	}
	return s.scene.Remove(id)
}

// InvalidateSurfaceCacheForPrimitive queues every resident page of the
// primitive for recapture on all GPUs.
func (s *SurfaceCache) InvalidateSurfaceCacheForPrimitive(id uuid.UUID) error {
	cards, err := s.cardsOf(id)
	if err != nil {
		return err
	}
	n := s.sched.InvalidateCards(cards, s.frame)
	s.log.Debugf("invalidate %s: %d pages queued", id, n)
	return nil
}

func (s *SurfaceCache) cardsOf(id uuid.UUID) ([]int, error) {
	groups, err := s.scene.GroupsOf(id)
	if err != nil {
		return nil, err
	}
	var cards []int
	for _, gi := range groups {
		g := s.scene.Groups.At(gi)
		if g == nil || g.MeshCardsIndex < 0 {
			continue
		}
		mc := s.reg.MeshCards.At(g.MeshCardsIndex)
		for c := mc.FirstCard; c < mc.FirstCard+mc.NumCards; c++ {
			cards = append(cards, c)
		}
	}
	return cards, nil
}

// HasMeshCards reports whether any group of the primitive currently has cards.
func (s *SurfaceCache) HasMeshCards(id uuid.UUID) bool {
	groups, err := s.scene.GroupsOf(id)
	if err != nil {
		return false
	}
	for _, gi := range groups {
		if g := s.scene.Groups.At(gi); g != nil && g.MeshCardsIndex >= 0 {
			return true
		}
	}
	return false
}

func (s *SurfaceCache) IsCardSharingAllowed(id uuid.UUID) bool {
	groups, err := s.scene.GroupsOf(id)
	if err != nil || len(groups) == 0 {
		return false
	}
	g := s.scene.Groups.At(groups[0])
	return s.cfg.CardSharing && g != nil && g.CardSharingAllowed()
}

// Update runs one frame: cull, add and remove mesh cards, pick card
// resolutions, schedule captures and run them on the backend.
func (s *SurfaceCache) Update(in FrameInput) (*FrameResult, error) {
	if s.closed {
		return nil, ErrClosed
	}
	advanced := !s.cfg.FreezeUpdateFrame
	if advanced {
		s.frame++
	}
	res := &FrameResult{Frame: s.frame}

	// A held frame index must not retrigger the periodic reset.
	periodic := advanced && s.cfg.ResetEveryNthFrame > 0 && s.frame%uint32(s.cfg.ResetEveryNthFrame) == 0
	if s.cfg.Reset || periodic {
		s.cfg.Reset = false
		s.Reset()
		res.Reset = true
	}
	frozen := s.cfg.Freeze
	p := s.profiler
	p.Reset()

	p.BeginScope("cull")
	culled := cull.CullPrimitives(s.runner, s.scene, cull.NewCullParams(&s.cfg, in.ViewOrigins))
	res.Culled = culled.NumCulled
	if !frozen {
		s.applyCullResult(culled, res)
	}
	p.EndScope("cull")

	p.BeginScope("resolution")
	resolution := cull.UpdateMeshCardsResolution(s.runner, s.reg, cull.NewResolutionParams(&s.cfg, in.ViewOrigins))
	res.ResolutionChanges = len(resolution.Requests)
	if !frozen {
		s.sched.HideCards(resolution.CardsToHide)
		res.Hidden = len(resolution.CardsToHide)
	}
	p.EndScope("resolution")

	if !frozen {
		p.BeginScope("schedule")
		hiRes := s.sched.ApplyFeedback(scheduler.DecodeFeedback(in.Feedback), s.frame, in.ViewOrigins)
		res.FeedbackRequests = len(hiRes)
		mask := in.GPUMask
		if mask == 0 {
			mask = core.AllGPUs(s.cfg.NumGPUs)
		}
		sr := s.sched.Process(scheduler.Input{
			Frame:     s.frame,
			GPUMask:   mask,
			Requests:  resolution.Requests,
			Histogram: resolution.Histogram,
			HiRes:     hiRes,
		})
		res.Pages, res.DirtyCards, res.DirtyPages, res.Schedule = sr.Pages, sr.DirtyCards, sr.DirtyPages, sr.Stats
		p.EndScope("schedule")

		p.BeginScope("capture")
		st, err := s.pipeline.Execute(s.frame, res.Pages)
		res.Capture = st
		p.EndScope("capture")
		if err != nil {
			return res, fmt.Errorf("surface cache frame %d: %w", s.frame, err)
		}
	}

	if s.uploader != nil {
		p.BeginScope("upload")
		_, err := s.uploader.UploadFrame(s.reg, s.sched.PageTable(), res.DirtyCards, res.DirtyPages)
		p.EndScope("upload")
		if err != nil {
			return res, fmt.Errorf("surface cache upload frame %d: %w", s.frame, err)
		}
	}

	p.SetCount("primitives", s.scene.NumPrimitives())
	p.SetCount("mesh cards", s.reg.MeshCards.Num())
	p.SetCount("cards", s.reg.Cards.Num())
	p.SetCount("mapped pages", s.sched.PageTable().NumMappedPages())
	p.SetCount("captures", len(res.Pages))
	return res, nil
}

// applyCullResult removes then adds mesh cards within the per-frame limits.
// Adds arrive nearest first; the rest are found again next frame.
func (s *SurfaceCache) applyCullResult(culled cull.CullResult, res *FrameResult) {
	for i, rm := range culled.Removes {
		if i >= s.cfg.MeshCardsRemovesPerFrame {
			res.DeferredRemoves = len(culled.Removes) - i
			break
		}
		s.sched.RemoveMeshCards(rm.PrimitiveGroupIndex)
		res.Removes++
	}
	for i, add := range culled.Adds {
		if i >= s.cfg.MeshCardsAddsPerFrame {
			res.DeferredAdds = len(culled.Adds) - i
			break
		}
		if s.sched.AddMeshCards(add.PrimitiveGroupIndex) >= 0 {
			res.Adds++
		}
	}
}

// Reset drops every card and page. Primitives stay registered and get new
// cards from the next update.
func (s *SurfaceCache) Reset() {
	s.sched.Reset()
	s.scene.Groups.Each(func(gi int, g *core.PrimitiveGroup) bool {
		if g.MeshCardsIndex >= 0 {
			s.scene.SetMeshCards(gi, -1)
		}
		return true
	})
	s.reg.Clear()
	s.log.Infof("surface cache reset at frame %d", s.frame)
}

// ReloadConfig replaces the configuration. A change of the physical atlas
// shape or GPU count drops every allocation.
func (s *SurfaceCache) ReloadConfig(cfg core.SchedulerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.cfg = cfg
	s.runner.Parallel = s.runner.Workers() > 1 && cfg.ParallelUpdate
	if s.sched.Reconfigure() {
		s.scene.Groups.Each(func(gi int, g *core.PrimitiveGroup) bool {
			s.sched.RemoveMeshCards(gi)
			return true
		})
		s.log.Infof("surface cache: physical atlas now %v, all cards released", cfg.PhysicalAtlasSize())
	}
	return s.resizeBackend()
}

func (s *SurfaceCache) resizeBackend() error {
	r, ok := s.backend.(capture.Resizer)
	if !ok {
		return nil
	}
	if err := r.Resize(s.cfg.PhysicalAtlasSize(), s.cfg.CaptureAtlasSize()); err != nil {
		return fmt.Errorf("resize capture backend: %w", err)
	}
	return nil
}

// Close stops the worker pool. The cache cannot be updated afterwards.
func (s *SurfaceCache) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.runner.Close()
}

// AtlasSize is the persistent atlas size in texels.
func (s *SurfaceCache) AtlasSize() image.Point { return s.cfg.PhysicalAtlasSize() }
