package scheduler

import (
	"image"
	"sort"

	"github.com/gekko3d/lumen/surfacecache/rt/core"
	"github.com/gekko3d/lumen/surfacecache/rt/cull"
	"github.com/gekko3d/lumen/surfacecache/rt/pagetable"
	"github.com/go-gl/mathgl/mgl32"
)

// Input is everything one scheduling pass consumes.
type Input struct {
	Frame   uint32
	GPUMask core.GPUMask

	// Requests are the locked resolution changes of this frame with their
	// distance histogram.
	Requests  []cull.Request
	Histogram []int

	// HiRes are page requests from GPU feedback, nearest first.
	HiRes []cull.Request
}

type Stats struct {
	Requested        int
	Admitted         int
	LockedAllocated  int
	LockedDropped    int
	StepDowns        int
	StreamingSkipped int
	HiResMapped      int
	HiResDropped     int
	Recaptured       int
	Refreshed        int
	NeverCaptured    int
	Evicted          int
	SafetyNetEvicted int
	SharedCopies     int
	SharingAdded     int
}

// Result is the output of one pass. Pages holds at most
// MaxTileCapturesPerFrame entries.
type Result struct {
	Pages      []core.CardPageRenderData
	DirtyCards []int
	DirtyPages []int
	Stats      Stats
}

// Scheduler owns the page table and is the only mutator of card allocations.
// It runs single threaded, after culling and resolution updates have joined.
type Scheduler struct {
	cfg     *core.SchedulerConfig
	scene   *core.Scene
	reg     *core.Registry
	pages   *pagetable.PageTable
	atlas   *pagetable.CaptureAtlas
	sharing *SharingTable
	log     core.Logger

	frame     uint32
	mask      core.GPUMask
	res       *Result
	dirty     map[int]struct{}
	scheduled map[int]struct{}
}

func New(cfg *core.SchedulerConfig, scene *core.Scene, reg *core.Registry, log core.Logger) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		scene:     scene,
		reg:       reg,
		pages:     pagetable.New(cfg.PhysicalAtlasPagesX, cfg.PhysicalAtlasPagesY, cfg.NumGPUs),
		atlas:     pagetable.NewCaptureAtlas(cfg.CaptureAtlasSize()),
		sharing:   NewSharingTable(),
		log:       core.LoggerOrNop(log),
		dirty:     make(map[int]struct{}),
		scheduled: make(map[int]struct{}),
	}
}

func (s *Scheduler) PageTable() *pagetable.PageTable       { return s.pages }
func (s *Scheduler) CaptureAtlas() *pagetable.CaptureAtlas { return s.atlas }
func (s *Scheduler) Sharing() *SharingTable                { return s.sharing }

// Reconfigure applies a reloaded config. It returns true when the physical
// atlas changed shape, which drops every allocation; the caller must then
// release all mesh cards.
func (s *Scheduler) Reconfigure() bool {
	s.atlas.Resize(s.cfg.CaptureAtlasSize())
	want := image.Pt(s.cfg.PhysicalAtlasPagesX, s.cfg.PhysicalAtlasPagesY)
	if s.pages.Allocator.SizeInPages() == want && s.pages.NumGPUs() == s.cfg.NumGPUs {
		return false
	}
	s.reg.Cards.Each(func(ci int, card *core.Card) bool {
		s.pages.FreeCard(card)
		return true
	})
	s.pages = pagetable.New(want.X, want.Y, s.cfg.NumGPUs)
	s.sharing.Clear()
	clear(s.dirty)
	return true
}

// Reset drops every physical allocation. Cards keep their indices but lose
// their mips; the caller clears the registry.
func (s *Scheduler) Reset() {
	s.pages.Reset()
	s.atlas.Reset()
	s.sharing.Clear()
	clear(s.dirty)
}

func (s *Scheduler) markDirty(card int) { s.dirty[card] = struct{}{} }

// AddMeshCards builds the cards of group gi and links them into the scene.
func (s *Scheduler) AddMeshCards(gi int) int {
	g := s.scene.Groups.At(gi)
	if g == nil || g.MeshCardsIndex >= 0 {
		return -1
	}
	mi := s.reg.AddMeshCards(gi, g)
	s.scene.SetMeshCards(gi, mi)
	mc := s.reg.MeshCards.At(mi)
	for c := mc.FirstCard; c < mc.FirstCard+mc.NumCards; c++ {
		s.markDirty(c)
	}
	return mi
}

// RemoveMeshCards frees every card of the group's mesh cards.
func (s *Scheduler) RemoveMeshCards(gi int) {
	g := s.scene.Groups.At(gi)
	if g == nil || g.MeshCardsIndex < 0 {
		return
	}
	mc := s.reg.MeshCards.At(g.MeshCardsIndex)
	if mc != nil {
		for c := mc.FirstCard; c < mc.FirstCard+mc.NumCards; c++ {
			s.releaseCard(c)
		}
	}
	s.reg.RemoveMeshCards(g.MeshCardsIndex)
	s.scene.SetMeshCards(gi, -1)
}

func (s *Scheduler) releaseCard(ci int) {
	card := s.reg.Cards.At(ci)
	if card == nil {
		return
	}
	if key, ok := card.SharingKey(); ok {
		s.sharing.Unregister(ci, key)
	}
	s.pages.FreeCard(card)
	card.Visible = false
	card.DesiredLockedResLevel = 0
	s.markDirty(ci)
}

// HideCards frees cards that went out of range.
func (s *Scheduler) HideCards(cards []int) {
	for _, ci := range cards {
		s.releaseCard(ci)
	}
}

// InvalidateCards queues every mapped page of the cards for recapture on all
// GPUs.
func (s *Scheduler) InvalidateCards(cards []int, frame uint32) int {
	queued := 0
	all := core.AllGPUs(s.pages.NumGPUs())
	for _, ci := range cards {
		card := s.reg.Cards.At(ci)
		if card == nil || !card.IsAllocated() {
			continue
		}
		for level := card.MinAllocatedResLevel; level <= card.MaxAllocatedResLevel; level++ {
			mip := card.MipMap(level)
			for i := 0; i < mip.PageTableSpanSize; i++ {
				page := mip.PageTableIndex(i)
				if s.pages.Entry(page).IsMapped() {
					s.pages.RequestRecapture(page, frame, all)
					queued++
				}
			}
		}
	}
	return queued
}

// ApplyFeedback marks sampled pages as used and turns samples of unmapped
// pages above the locked level into hi-res requests, nearest first.
func (s *Scheduler) ApplyFeedback(hits []FeedbackHit, frame uint32, origins []mgl32.Vec3) []cull.Request {
	type scored struct {
		req   cull.Request
		count int
	}
	var out []scored
	for _, h := range hits {
		card := s.reg.Cards.At(h.CardIndex)
		if card == nil || !card.Visible || h.ResLevel < core.MinResLevel || h.ResLevel > core.MaxResLevel {
			continue
		}
		mip := card.MipMap(h.ResLevel)
		if mip.IsAllocated() && h.LocalPageIndex < mip.PageTableSpanSize {
			page := mip.PageTableIndex(h.LocalPageIndex)
			if s.pages.Entry(page).IsMapped() {
				s.pages.MarkUsed(page, frame)
				continue
			}
		}
		if h.ResLevel <= lockedLevel(card) {
			continue
		}
		if h.LocalPageIndex >= card.MipMapDesc(h.ResLevel).NumPages() {
			continue
		}
		out = append(out, scored{
			req: cull.Request{
				CardIndex:      h.CardIndex,
				ResLevel:       h.ResLevel,
				LocalPageIndex: h.LocalPageIndex,
				Distance:       card.OBB.MinDistance(origins),
			},
			count: h.Count,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].req.Distance != out[j].req.Distance {
			return out[i].req.Distance < out[j].req.Distance
		}
		return out[i].count > out[j].count
	})
	reqs := make([]cull.Request, len(out))
	for i := range out {
		reqs[i] = out[i].req
	}
	return reqs
}

// lockedLevel returns the level of the card's locked mip, or -1.
func lockedLevel(card *core.Card) int {
	if !card.IsAllocated() {
		return -1
	}
	for level := card.MinAllocatedResLevel; level <= card.MaxAllocatedResLevel; level++ {
		if mip := card.MipMap(level); mip.IsAllocated() && mip.Locked {
			return level
		}
	}
	return -1
}

func (s *Scheduler) remaining() int {
	return s.cfg.MaxTileCapturesPerFrame() - len(s.res.Pages)
}

// Process runs one scheduling pass: budget selection, locked then hi-res
// allocation, sharing reconciliation, recapture, refresh and the unused page
// safety net.
func (s *Scheduler) Process(in Input) *Result {
	s.frame = in.Frame
	s.mask = in.GPUMask & core.AllGPUs(s.pages.NumGPUs())
	if s.mask == 0 {
		s.mask = 1
	}
	s.res = &Result{}
	clear(s.scheduled)
	s.atlas.Reset()

	admitted := SelectRequests(in.Requests, in.Histogram, s.cfg.MaxCardCapturesPerFrame(), func(d float32) int {
		return cull.DistanceBucket(d, s.cfg.DistanceBucketOffset, s.cfg.NumDistanceBuckets)
	})
	s.res.Stats.Requested = len(in.Requests)
	s.res.Stats.Admitted = len(admitted)

	for _, req := range admitted {
		if s.remaining() <= 0 {
			s.res.Stats.LockedDropped++
			continue
		}
		if req.IsLocked() {
			s.processLocked(req)
		}
	}
	for _, req := range in.HiRes {
		if s.remaining() <= 0 {
			s.res.Stats.HiResDropped++
			continue
		}
		s.processHiRes(req)
	}

	s.res.Stats.SharingAdded = s.sharing.Reconcile(s.reg)
	s.processRecaptures()
	s.processRefresh()

	for _, ci := range s.pages.EvictUnused(s.frame, uint32(s.cfg.NumFramesToKeepUnusedPages)) {
		s.markDirty(ci)
		s.res.Stats.SafetyNetEvicted++
	}

	s.res.DirtyCards = make([]int, 0, len(s.dirty))
	for ci := range s.dirty {
		if card := s.reg.Cards.At(ci); card != nil {
			card.UpdateMinMaxAllocatedLevel()
		}
		s.res.DirtyCards = append(s.res.DirtyCards, ci)
	}
	sort.Ints(s.res.DirtyCards)
	clear(s.dirty)
	s.res.DirtyPages = s.pages.TakeDirtyPages()

	st := s.res.Stats
	s.log.Debugf("surface cache frame %d: %d pages, admitted %d/%d, locked %d (dropped %d, stepped down %d, streaming %d), hi-res %d, recapture %d, refresh %d (+%d new), evicted %d+%d",
		s.frame, len(s.res.Pages), st.Admitted, st.Requested, st.LockedAllocated, st.LockedDropped, st.StepDowns, st.StreamingSkipped,
		st.HiResMapped, st.Recaptured, st.Refreshed, st.NeverCaptured, st.Evicted, st.SafetyNetEvicted)

	res := s.res
	s.res = nil
	return res
}

// physicalFits reports whether the pages of the mip that are not mapped yet
// fit in the physical atlas.
func (s *Scheduler) physicalFits(card *core.Card, level int) bool {
	desc := card.MipMapDesc(level)
	need := desc.NumPages() - s.mappedPages(card, level)
	return need <= 0 || s.pages.Allocator.CanAllocate(desc.PageResolution, need)
}

func (s *Scheduler) mappedPages(card *core.Card, level int) int {
	mip := card.MipMap(level)
	n := 0
	for i := 0; i < mip.PageTableSpanSize; i++ {
		if s.pages.Entry(mip.PageTableIndex(i)).IsMapped() {
			n++
		}
	}
	return n
}

func (s *Scheduler) captureFits(size image.Point, n int) bool {
	if n > s.remaining() {
		return false
	}
	return s.atlas.CanAllocate(repeatSize(size, n)...)
}

// captureNeed is the capture size and page count for the unmapped pages of
// the mip.
func (s *Scheduler) captureNeed(card *core.Card, level int) (image.Point, int) {
	desc := card.MipMapDesc(level)
	return desc.PageResolution, max(desc.NumPages()-s.mappedPages(card, level), 0)
}

// captureEverFits reports whether the mip could be captured in a single frame
// with the whole budget and an empty capture atlas.
func (s *Scheduler) captureEverFits(card *core.Card, level int) bool {
	size, n := s.captureNeed(card, level)
	return n <= s.cfg.MaxTileCapturesPerFrame() && s.atlas.CanEverAllocate(repeatSize(size, n)...)
}

func repeatSize(size image.Point, n int) []image.Point {
	sizes := make([]image.Point, n)
	for i := range sizes {
		sizes[i] = size
	}
	return sizes
}

func (s *Scheduler) groupOf(card *core.Card) *core.PrimitiveGroup {
	mc := s.reg.MeshCards.At(card.MeshCardsIndex)
	if mc == nil {
		return nil
	}
	return s.scene.Groups.At(mc.PrimitiveGroupIndex)
}

func (s *Scheduler) processLocked(req cull.Request) {
	card := s.reg.Cards.At(req.CardIndex)
	if card == nil || card.DesiredLockedResLevel == req.ResLevel {
		return
	}
	group := s.groupOf(card)
	if group == nil {
		return
	}

	if group.HasPendingStreaming() {
		s.res.Stats.StreamingSkipped++
		return
	}

	// Levels the capture atlas or the budget can never hold are skipped, and
	// nothing is evicted for a request that cannot be captured this frame.
	level := min(max(req.ResLevel, core.MinResLevel), core.MaxResLevel)
	for level > core.MinResLevel && !s.captureEverFits(card, level) {
		level--
		s.res.Stats.StepDowns++
	}
	if !s.captureFits(s.captureNeed(card, level)) {
		s.res.Stats.LockedDropped++
		return
	}

	fits := s.physicalFits(card, level)
	for !fits {
		evicted, ok := s.pages.EvictOldestAllocation(s.frame, uint32(s.cfg.LockedMaxFramesSinceLastUsed))
		if !ok {
			break
		}
		s.markDirty(evicted)
		s.res.Stats.Evicted++
		fits = s.physicalFits(card, level)
	}
	for !fits && level > core.MinResLevel {
		level--
		s.res.Stats.StepDowns++
		fits = s.physicalFits(card, level)
	}
	if !fits || !s.captureFits(s.captureNeed(card, level)) {
		s.res.Stats.LockedDropped++
		return
	}

	old := lockedLevel(card)
	history := s.snapshot(card, old)

	card.Visible = true
	card.DesiredLockedResLevel = req.ResLevel
	for l := core.MinResLevel; l <= core.MaxResLevel; l++ {
		if l != level && (l < level || l == old) {
			s.pages.FreeVirtualSurface(card, l)
		}
	}
	s.pages.ReallocVirtualSurface(card, req.CardIndex, level, true)
	mapped, ok := s.pages.MapMip(card, level, s.frame)
	s.markDirty(req.CardIndex)
	if !ok {
		s.log.Debugf("surface cache: card %d lost level %d mapping after space check", req.CardIndex, level)
		s.res.Stats.LockedDropped++
		return
	}
	for _, page := range mapped {
		s.schedulePage(page, history)
	}
	s.res.Stats.LockedAllocated++
	if s.cfg.CardSharing {
		if _, ok := card.SharingKey(); ok {
			s.sharing.Register(req.CardIndex)
		}
	}
}

func (s *Scheduler) processHiRes(req cull.Request) {
	card := s.reg.Cards.At(req.CardIndex)
	if card == nil || !card.Visible {
		s.res.Stats.HiResDropped++
		return
	}
	base := lockedLevel(card)
	if base < 0 || req.ResLevel <= base || req.ResLevel > core.MaxResLevel {
		s.res.Stats.HiResDropped++
		return
	}
	desc := card.MipMapDesc(req.ResLevel)
	if req.LocalPageIndex < 0 || req.LocalPageIndex >= desc.NumPages() {
		s.res.Stats.HiResDropped++
		return
	}
	group := s.groupOf(card)
	if group == nil {
		return
	}

	s.pages.ReallocVirtualSurface(card, req.CardIndex, req.ResLevel, false)
	s.markDirty(req.CardIndex)
	page := card.MipMap(req.ResLevel).PageTableIndex(req.LocalPageIndex)
	if s.pages.Entry(page).IsMapped() {
		s.pages.MarkUsed(page, s.frame)
		return
	}

	if group.HasPendingStreaming() {
		s.res.Stats.StreamingSkipped++
		return
	}
	if !s.captureFits(desc.PageResolution, 1) {
		s.res.Stats.HiResDropped++
		return
	}
	for !s.pages.IsSpaceAvailable(card, req.ResLevel, true) {
		evicted, ok := s.pages.EvictOldestAllocation(s.frame, s.cfg.HiResMaxFramesSinceLastUsed())
		if !ok {
			break
		}
		s.markDirty(evicted)
		s.res.Stats.Evicted++
	}
	if !s.pages.IsSpaceAvailable(card, req.ResLevel, true) {
		s.res.Stats.HiResDropped++
		return
	}
	if !s.pages.MapPage(page, s.frame) {
		s.res.Stats.HiResDropped++
		return
	}
	s.schedulePage(page, s.snapshot(card, base))
	s.res.Stats.HiResMapped++
}

func (s *Scheduler) processRecaptures() {
	s.mask.Each(s.pages.NumGPUs(), func(g int) {
		queue := s.pages.RecaptureQueue(g)
		for s.remaining() > 0 {
			page, _, ok := queue.Top()
			if !ok {
				return
			}
			if _, done := s.scheduled[page]; done {
				queue.Remove(page)
				continue
			}
			if !s.schedulePage(page, s.snapshotPage(page)) {
				return
			}
			s.res.Stats.Recaptured++
		}
	})
}

// processRefresh recaptures the least recently captured pages. Pages never
// captured on a GPU sort first and are not limited by the refresh fraction.
func (s *Scheduler) processRefresh() {
	budget := s.cfg.RefreshBudget()
	s.mask.Each(s.pages.NumGPUs(), func(g int) {
		heap := s.pages.LastCaptured(g)
		for s.remaining() > 0 {
			page, captured, ok := heap.Top()
			if !ok || captured >= s.frame {
				return
			}
			if captured != 0 && s.res.Stats.Refreshed >= budget {
				return
			}
			if !s.schedulePage(page, s.snapshotPage(page)) {
				return
			}
			if captured == 0 {
				s.res.Stats.NeverCaptured++
			} else {
				s.res.Stats.Refreshed++
			}
		}
	})
}

type pageSnapshot struct {
	uv   core.UVRect
	rect image.Rectangle
}

// snapshot records where the mapped pages of a mip live, before the mip is
// freed, so the new pages can resample from them.
func (s *Scheduler) snapshot(card *core.Card, level int) []pageSnapshot {
	if level < core.MinResLevel {
		return nil
	}
	mip := card.MipMap(level)
	var out []pageSnapshot
	for i := 0; i < mip.PageTableSpanSize; i++ {
		e := s.pages.Entry(mip.PageTableIndex(i))
		if e.IsMapped() && e.CapturedFrame != 0 {
			out = append(out, pageSnapshot{uv: e.CardUVRect, rect: e.PhysicalAtlasRect})
		}
	}
	return out
}

func (s *Scheduler) snapshotPage(page int) []pageSnapshot {
	e := s.pages.Entry(page)
	if e == nil || e.CapturedFrame == 0 {
		return nil
	}
	return []pageSnapshot{{uv: e.CardUVRect, rect: e.PhysicalAtlasRect}}
}

func resampleBlits(uv core.UVRect, dst image.Rectangle, history []pageSnapshot) []core.AtlasBlit {
	var blits []core.AtlasBlit
	for _, h := range history {
		in := uv.Intersect(h.uv)
		if in.Empty() {
			continue
		}
		b := core.AtlasBlit{
			Src: core.SubRect(h.rect, h.uv, in),
			Dst: core.SubRect(dst, uv, in),
		}
		if b.Src.Empty() || b.Dst.Empty() {
			continue
		}
		blits = append(blits, b)
	}
	return blits
}

// schedulePage reserves capture space for a mapped page and emits its render
// data. It returns false when the capture atlas or the budget is exhausted.
func (s *Scheduler) schedulePage(page int, history []pageSnapshot) bool {
	if s.remaining() <= 0 {
		return false
	}
	e := s.pages.Entry(page)
	if e == nil || !e.IsMapped() {
		return false
	}
	card := s.reg.Cards.At(e.CardIndex)
	if card == nil {
		return false
	}
	rect, err := s.atlas.Allocate(e.PageResolution)
	if err != nil {
		return false
	}

	rd := core.CardPageRenderData{
		CardIndex:           e.CardIndex,
		PageTableIndex:      page,
		ResLevel:            e.ResLevel,
		CardUVRect:          e.CardUVRect,
		OBB:                 card.OBB,
		AxisFlip:            card.AxisFlip,
		CaptureAtlasRect:    rect,
		PhysicalAtlasRect:   e.PhysicalAtlasRect,
		Resample:            resampleBlits(e.CardUVRect, rect, history),
		CopySourceCardIndex: -1,
	}
	if mc := s.reg.MeshCards.At(card.MeshCardsIndex); mc != nil {
		rd.PrimitiveGroupIndex = mc.PrimitiveGroupIndex
	}
	if s.cfg.CardSharing {
		if src, copies, ok := s.sharing.FindCopySource(s.reg, s.pages, e.CardIndex, e, rect, s.frame, s.mask); ok {
			rd.CopySourceCardIndex = src
			rd.Copies = copies
			s.res.Stats.SharedCopies++
		}
	}

	s.res.Pages = append(s.res.Pages, rd)
	s.scheduled[page] = struct{}{}
	s.pages.MarkCaptured(page, s.frame, s.mask)
	return true
}
