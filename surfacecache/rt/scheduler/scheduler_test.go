package scheduler

import (
	"image"
	"testing"

	"github.com/gekko3d/lumen/surfacecache/rt/core"
	"github.com/gekko3d/lumen/surfacecache/rt/cull"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	cfg   core.SchedulerConfig
	scene *core.Scene
	reg   *core.Registry
	s     *Scheduler
}

func newFixture(t *testing.T, mutate func(c *core.SchedulerConfig)) *fixture {
	t.Helper()
	f := &fixture{cfg: core.DefaultSchedulerConfig(), scene: core.NewScene(), reg: &core.Registry{}}
	if mutate != nil {
		mutate(&f.cfg)
	}
	require.NoError(t, f.cfg.Validate())
	f.s = New(&f.cfg, f.scene, f.reg, nil)
	return f
}

type streamingProxy struct{ pending bool }

func (p *streamingProxy) HasPendingStreaming() bool { return p.pending }

// addCard adds a primitive with one square card and returns the card index.
func (f *fixture) addCard(t *testing.T, center mgl32.Vec3, mutate func(d *core.PrimitiveDesc)) int {
	t.Helper()
	ext := mgl32.Vec3{1, 1, 1}
	desc := core.PrimitiveDesc{
		ID:             uuid.New(),
		Bounds:         core.NewAABB(center, ext),
		Cards:          []core.CardDesc{{OBB: core.NewOBB(center, ext)}},
		OpaqueOrMasked: true,
	}
	if mutate != nil {
		mutate(&desc)
	}
	gi, err := f.scene.AddPrimitive(desc)
	require.NoError(t, err)
	mi := f.s.AddMeshCards(gi)
	require.GreaterOrEqual(t, mi, 0)
	return f.reg.MeshCards.At(mi).FirstCard
}

func (f *fixture) run(frame uint32, reqs ...cull.Request) *Result {
	return f.s.Process(Input{Frame: frame, GPUMask: 1, Requests: reqs, Histogram: histogramOf(reqs)})
}

func (f *fixture) card(ci int) *core.Card { return f.reg.Cards.At(ci) }

func findPage(t *testing.T, res *Result, page int) core.CardPageRenderData {
	t.Helper()
	for _, p := range res.Pages {
		if p.PageTableIndex == page {
			return p
		}
	}
	require.Failf(t, "page not captured", "page %d", page)
	return core.CardPageRenderData{}
}

func TestProcessAllocatesWholeLockedMip(t *testing.T) {
	f := newFixture(t, nil)
	ci := f.addCard(t, mgl32.Vec3{}, nil)

	res := f.run(1, lockedRequest(ci, 8, 500))
	card := f.card(ci)
	assert.True(t, card.Visible)
	assert.Equal(t, 8, card.DesiredLockedResLevel)
	assert.Equal(t, 8, lockedLevel(card))
	assert.Len(t, res.Pages, 4)
	assert.Equal(t, []int{ci}, res.DirtyCards)
	assert.Equal(t, 1, res.Stats.LockedAllocated)

	mip := card.MipMap(8)
	desc := card.MipMapDesc(8)
	require.Equal(t, desc.NumPages(), mip.PageTableSpanSize)
	var area float32
	for i := 0; i < mip.PageTableSpanSize; i++ {
		e := f.s.PageTable().Entry(mip.PageTableIndex(i))
		require.True(t, e.IsMapped())
		area += (e.CardUVRect.Max.X() - e.CardUVRect.Min.X()) * (e.CardUVRect.Max.Y() - e.CardUVRect.Min.Y())
	}
	assert.InDelta(t, 1, area, 1e-6)

	for _, p := range res.Pages {
		assert.True(t, p.NeedsDraw())
		assert.Empty(t, p.Resample, "nothing to resample on first capture")
		assert.Equal(t, image.Pt(128, 128), p.CaptureAtlasRect.Size())
	}

	// The same request again is a no-op.
	res = f.run(2, lockedRequest(ci, 8, 500))
	assert.Equal(t, 0, res.Stats.LockedAllocated)
}

func TestProcessResolutionChangeResamplesHistory(t *testing.T) {
	f := newFixture(t, nil)
	ci := f.addCard(t, mgl32.Vec3{}, nil)
	f.run(1, lockedRequest(ci, 7, 500))
	old := f.s.PageTable().Entry(f.card(ci).MipMap(7).PageTableIndex(0)).PhysicalAtlasRect

	res := f.run(2, lockedRequest(ci, 8, 500))
	card := f.card(ci)
	assert.False(t, card.MipMap(7).IsAllocated(), "lower levels are freed")
	assert.Equal(t, 8, lockedLevel(card))

	// Each new quarter page pulls its quadrant of the old page.
	mip := card.MipMap(8)
	for i := 0; i < 4; i++ {
		page := findPage(t, res, mip.PageTableIndex(i))
		require.Len(t, page.Resample, 1)
		b := page.Resample[0]
		assert.Equal(t, image.Pt(64, 64), b.Src.Size())
		assert.True(t, b.Src.In(old))
		assert.Equal(t, page.CaptureAtlasRect, b.Dst)
	}
}

func TestProcessStepsDownWhenAtlasIsFull(t *testing.T) {
	f := newFixture(t, func(c *core.SchedulerConfig) {
		c.PhysicalAtlasPagesX, c.PhysicalAtlasPagesY = 2, 2
		c.CardCaptureFactor = 1
	})
	ci := f.addCard(t, mgl32.Vec3{}, nil)

	res := f.run(1, lockedRequest(ci, 9, 500))
	card := f.card(ci)
	assert.Equal(t, 8, lockedLevel(card))
	assert.Equal(t, 9, card.DesiredLockedResLevel, "the request is settled even when stepped down")
	assert.Equal(t, 1, res.Stats.StepDowns)
	assert.Len(t, res.Pages, 4)

	other := f.addCard(t, mgl32.Vec3{10, 0, 0}, nil)
	res = f.run(2, lockedRequest(other, 7, 500))
	assert.Equal(t, 1, res.Stats.LockedDropped, "locked pages are never evicted for another card")
	assert.False(t, f.card(other).Visible)
}

func TestProcessStepsDownToCapturableLevel(t *testing.T) {
	f := newFixture(t, func(c *core.SchedulerConfig) {
		c.PhysicalAtlasPagesX, c.PhysicalAtlasPagesY = 16, 16
	})
	require.Equal(t, image.Pt(256, 256), f.cfg.CaptureAtlasSize())
	ci := f.addCard(t, mgl32.Vec3{}, nil)

	res := f.run(1, lockedRequest(ci, core.MaxResLevel, 200))
	card := f.card(ci)
	assert.Equal(t, 8, lockedLevel(card), "largest mip the capture atlas holds")
	assert.Equal(t, core.MaxResLevel-8, res.Stats.StepDowns)
	assert.Equal(t, 1, res.Stats.LockedAllocated)
	assert.Zero(t, res.Stats.LockedDropped)
	assert.Zero(t, res.Stats.Evicted)
	assert.Len(t, res.Pages, 4)
}

func TestProcessStepsDownToCaptureBudget(t *testing.T) {
	f := newFixture(t, func(c *core.SchedulerConfig) { c.CardCapturesPerFrame = 1 })
	ci := f.addCard(t, mgl32.Vec3{}, nil)

	res := f.run(1, lockedRequest(ci, 9, 200))
	assert.Equal(t, 7, lockedLevel(f.card(ci)))
	assert.Equal(t, 2, res.Stats.StepDowns)
	assert.Equal(t, 1, res.Stats.LockedAllocated)
	assert.Len(t, res.Pages, 1)
}

func TestProcessGatesBeforeEviction(t *testing.T) {
	f := newFixture(t, func(c *core.SchedulerConfig) {
		c.PhysicalAtlasPagesX, c.PhysicalAtlasPagesY = 3, 1
	})
	proxy := &streamingProxy{}
	ci := f.addCard(t, mgl32.Vec3{}, func(d *core.PrimitiveDesc) { d.Proxy = proxy })
	f.run(1, lockedRequest(ci, 7, 500))
	req := func(page int) cull.Request {
		return cull.Request{CardIndex: ci, ResLevel: 8, LocalPageIndex: page, Distance: 500}
	}
	f.s.Process(Input{Frame: 2, GPUMask: 1, HiRes: []cull.Request{req(0)}})
	f.s.Process(Input{Frame: 3, GPUMask: 1, HiRes: []cull.Request{req(1)}})
	mip := f.card(ci).MipMap(8)
	pt := f.s.PageTable()

	// Stale hi-res pages stay mapped while the request cannot be captured.
	proxy.pending = true
	res := f.s.Process(Input{Frame: 30, GPUMask: 1, HiRes: []cull.Request{req(2)}})
	assert.Equal(t, 1, res.Stats.StreamingSkipped)
	assert.Zero(t, res.Stats.Evicted)
	assert.True(t, pt.Entry(mip.PageTableIndex(0)).IsMapped())
	assert.True(t, pt.Entry(mip.PageTableIndex(1)).IsMapped())

	other := f.addCard(t, mgl32.Vec3{10, 0, 0}, func(d *core.PrimitiveDesc) {
		d.Proxy = &streamingProxy{pending: true}
	})
	res = f.run(31, lockedRequest(other, 7, 400))
	assert.Equal(t, 1, res.Stats.StreamingSkipped)
	assert.Zero(t, res.Stats.Evicted)
	assert.False(t, f.card(other).Visible)
	assert.True(t, pt.Entry(mip.PageTableIndex(0)).IsMapped())

	proxy.pending = false
	res = f.s.Process(Input{Frame: 32, GPUMask: 1, HiRes: []cull.Request{req(2)}})
	assert.Equal(t, 1, res.Stats.Evicted)
	assert.Equal(t, 1, res.Stats.HiResMapped)
}

func TestProcessBudgetInvariant(t *testing.T) {
	f := newFixture(t, func(c *core.SchedulerConfig) { c.CardCapturesPerFrame = 10 })
	var cards []int
	for i := 0; i < 20; i++ {
		cards = append(cards, f.addCard(t, mgl32.Vec3{float32(i) * 10, 0, 0}, nil))
	}

	for frame := uint32(1); frame <= 12; frame++ {
		var reqs []cull.Request
		for i, ci := range cards {
			if f.card(ci).DesiredLockedResLevel != 8 {
				reqs = append(reqs, lockedRequest(ci, 8, 200+float32(i)*10))
			}
		}
		res := f.run(frame, reqs...)
		assert.LessOrEqual(t, len(res.Pages), f.cfg.MaxTileCapturesPerFrame(), "frame %d", frame)
		if frame == 1 {
			assert.Equal(t, 8, lockedLevel(f.card(cards[0])))
			assert.Equal(t, 8, lockedLevel(f.card(cards[1])))
			assert.Equal(t, -1, lockedLevel(f.card(cards[2])), "nearest requests win the budget")
		}
	}
	for _, ci := range cards {
		assert.Equal(t, 8, lockedLevel(f.card(ci)))
	}
}

func TestProcessStreamingGate(t *testing.T) {
	f := newFixture(t, nil)
	proxy := &streamingProxy{pending: true}
	ci := f.addCard(t, mgl32.Vec3{}, func(d *core.PrimitiveDesc) { d.Proxy = proxy })

	res := f.run(1, lockedRequest(ci, 7, 500))
	assert.Empty(t, res.Pages)
	assert.Equal(t, 1, res.Stats.StreamingSkipped)
	assert.False(t, f.card(ci).Visible)

	proxy.pending = false
	res = f.run(2, lockedRequest(ci, 7, 500))
	assert.Len(t, res.Pages, 1)
	assert.True(t, f.card(ci).Visible)
}

func TestProcessRefreshOnlyWhenIdle(t *testing.T) {
	f := newFixture(t, func(c *core.SchedulerConfig) { c.CardCapturesPerFrame = 8 })
	require.Equal(t, 1, f.cfg.RefreshBudget())

	var reqs []cull.Request
	for i := 0; i < 5; i++ {
		ci := f.addCard(t, mgl32.Vec3{float32(i) * 10, 0, 0}, nil)
		reqs = append(reqs, lockedRequest(ci, 7, 500))
	}
	res := f.run(1, reqs...)
	require.Len(t, res.Pages, 5)

	refreshed := map[int]bool{}
	for frame := uint32(2); frame <= 6; frame++ {
		res = f.run(frame)
		require.Len(t, res.Pages, 1)
		assert.Equal(t, 1, res.Stats.Refreshed)
		assert.Equal(t, 0, res.Stats.LockedAllocated)
		p := res.Pages[0]
		assert.False(t, refreshed[p.PageTableIndex], "least recently captured page goes first")
		refreshed[p.PageTableIndex] = true
		require.Len(t, p.Resample, 1, "refresh carries its own lighting history")
		assert.Equal(t, p.PhysicalAtlasRect, p.Resample[0].Src)
	}
	assert.Len(t, refreshed, 5)
}

func TestProcessHiResFeedback(t *testing.T) {
	f := newFixture(t, nil)
	ci := f.addCard(t, mgl32.Vec3{}, nil)
	f.run(1, lockedRequest(ci, 7, 500))
	lockedPage := f.card(ci).MipMap(7).PageTableIndex(0)
	lockedRect := f.s.PageTable().Entry(lockedPage).PhysicalAtlasRect

	var words []uint32
	for _, e := range [][2]uint32{EncodeFeedback(ci, 8, 2), EncodeFeedback(ci, 8, 2), EncodeFeedback(ci, 7, 0)} {
		words = append(words, e[:]...)
	}
	origins := []mgl32.Vec3{{0, 0, 500}}
	hiRes := f.s.ApplyFeedback(DecodeFeedback(words), 2, origins)
	require.Len(t, hiRes, 1)
	assert.Equal(t, cull.Request{CardIndex: ci, ResLevel: 8, LocalPageIndex: 2, Distance: hiRes[0].Distance}, hiRes[0])
	assert.InDelta(t, 499, hiRes[0].Distance, 1e-3)

	res := f.s.Process(Input{Frame: 2, GPUMask: 1, HiRes: hiRes})
	assert.Equal(t, 1, res.Stats.HiResMapped)
	page := f.card(ci).MipMap(8).PageTableIndex(2)
	e := f.s.PageTable().Entry(page)
	require.True(t, e.IsMapped())
	assert.False(t, e.Locked)

	rd := findPage(t, res, page)
	require.Len(t, rd.Resample, 1)
	assert.Equal(t, image.Rect(lockedRect.Min.X, lockedRect.Min.Y+64, lockedRect.Min.X+64, lockedRect.Max.Y), rd.Resample[0].Src)
	assert.Equal(t, rd.CaptureAtlasRect, rd.Resample[0].Dst)

	// Mapped pages are only marked used.
	assert.Empty(t, f.s.ApplyFeedback(DecodeFeedback(words), 3, origins))
	assert.Equal(t, uint32(3), e.LastUsedFrame)

	// The unused page survives until the safety net threshold passes.
	f.run(200)
	assert.True(t, e.IsMapped())
	res = f.run(3 + 257)
	assert.Equal(t, 1, res.Stats.SafetyNetEvicted)
	assert.False(t, f.s.PageTable().Entry(page).IsMapped())
	assert.True(t, f.s.PageTable().Entry(lockedPage).IsMapped())
	assert.Contains(t, res.DirtyCards, ci)
}

func TestProcessHiResEvictsLeastRecentlyUsed(t *testing.T) {
	f := newFixture(t, func(c *core.SchedulerConfig) {
		c.PhysicalAtlasPagesX, c.PhysicalAtlasPagesY = 3, 1
	})
	ci := f.addCard(t, mgl32.Vec3{}, nil)
	f.run(1, lockedRequest(ci, 7, 500))

	req := func(page int) cull.Request {
		return cull.Request{CardIndex: ci, ResLevel: 8, LocalPageIndex: page, Distance: 500}
	}
	f.s.Process(Input{Frame: 2, GPUMask: 1, HiRes: []cull.Request{req(0)}})
	f.s.Process(Input{Frame: 3, GPUMask: 1, HiRes: []cull.Request{req(1)}})
	mip := f.card(ci).MipMap(8)
	pt := f.s.PageTable()

	// Within the feedback window nothing is evicted.
	res := f.s.Process(Input{Frame: 10, GPUMask: 1, HiRes: []cull.Request{req(2)}})
	assert.Equal(t, 1, res.Stats.HiResDropped)

	res = f.s.Process(Input{Frame: 30, GPUMask: 1, HiRes: []cull.Request{req(2)}})
	assert.Equal(t, 1, res.Stats.Evicted)
	assert.False(t, pt.Entry(mip.PageTableIndex(0)).IsMapped(), "the staler page goes first")
	assert.True(t, pt.Entry(mip.PageTableIndex(1)).IsMapped())
	assert.True(t, pt.Entry(mip.PageTableIndex(2)).IsMapped())
}

func TestProcessCardSharing(t *testing.T) {
	shared := uuid.New()
	setup := func(t *testing.T, sharing bool) (*fixture, int, int) {
		f := newFixture(t, func(c *core.SchedulerConfig) { c.CardSharing = sharing })
		a := f.addCard(t, mgl32.Vec3{}, func(d *core.PrimitiveDesc) { d.CardSharingID = shared })
		b := f.addCard(t, mgl32.Vec3{50, 0, 0}, func(d *core.PrimitiveDesc) {
			d.CardSharingID = shared
			d.Cards[0].AxisFlip = true
		})
		return f, a, b
	}

	t.Run("copies from a captured sibling", func(t *testing.T) {
		f, a, b := setup(t, true)
		res := f.run(1, lockedRequest(a, 7, 500))
		assert.Equal(t, 1, res.Stats.SharingAdded)
		srcRect := f.s.PageTable().Entry(f.card(a).MipMap(7).PageTableIndex(0)).PhysicalAtlasRect

		res = f.run(2, lockedRequest(b, 7, 500))
		page := findPage(t, res, f.card(b).MipMap(7).PageTableIndex(0))
		assert.False(t, page.NeedsDraw())
		assert.Equal(t, a, page.CopySourceCardIndex)
		require.Len(t, page.Copies, 1)
		assert.Equal(t, core.AtlasBlit{Src: srcRect, Dst: page.CaptureAtlasRect, FlipX: true}, page.Copies[0])
	})

	t.Run("same frame registrations are not yet sources", func(t *testing.T) {
		f, a, b := setup(t, true)
		res := f.run(1, lockedRequest(a, 7, 500), lockedRequest(b, 7, 600))
		for _, p := range res.Pages {
			assert.True(t, p.NeedsDraw())
		}
	})

	t.Run("disabled", func(t *testing.T) {
		f, a, b := setup(t, false)
		f.run(1, lockedRequest(a, 7, 500))
		res := f.run(2, lockedRequest(b, 7, 500))
		for _, p := range res.Pages {
			assert.True(t, p.NeedsDraw())
		}
		assert.Equal(t, 0, f.s.Sharing().Len())
	})

	t.Run("hidden cards stop being sources", func(t *testing.T) {
		f, a, b := setup(t, true)
		f.run(1, lockedRequest(a, 7, 500))
		f.s.HideCards([]int{a})
		res := f.run(2, lockedRequest(b, 7, 500))
		assert.True(t, res.Pages[0].NeedsDraw())
	})
}

func TestInvalidateCardsRecaptures(t *testing.T) {
	f := newFixture(t, nil)
	ci := f.addCard(t, mgl32.Vec3{}, nil)
	f.run(1, lockedRequest(ci, 8, 500))

	assert.Equal(t, 4, f.s.InvalidateCards([]int{ci, 12345}, 2))
	res := f.run(2)
	assert.Equal(t, 4, res.Stats.Recaptured)
	assert.Equal(t, 0, res.Stats.Refreshed, "recaptured pages are fresh for the refresh pass")
	assert.Len(t, res.Pages, 4)
}

func TestMultiGPUNeverCapturedPagesJumpTheQueue(t *testing.T) {
	f := newFixture(t, func(c *core.SchedulerConfig) {
		c.NumGPUs = 2
		c.CardCaptureRefreshFraction = 0
	})
	ci := f.addCard(t, mgl32.Vec3{}, nil)
	res := f.s.Process(Input{Frame: 1, GPUMask: 1, Requests: []cull.Request{lockedRequest(ci, 7, 500)}, Histogram: histogramOf([]cull.Request{lockedRequest(ci, 7, 500)})})
	require.Len(t, res.Pages, 1)

	res = f.s.Process(Input{Frame: 2, GPUMask: 1})
	assert.Empty(t, res.Pages)

	res = f.s.Process(Input{Frame: 3, GPUMask: 2})
	assert.Len(t, res.Pages, 1)
	assert.Equal(t, 1, res.Stats.NeverCaptured)

	res = f.s.Process(Input{Frame: 4, GPUMask: 2})
	assert.Empty(t, res.Pages)
}

func TestHideAndRemoveMeshCards(t *testing.T) {
	f := newFixture(t, nil)
	ci := f.addCard(t, mgl32.Vec3{}, nil)
	f.run(1, lockedRequest(ci, 8, 500))
	require.Equal(t, 4, f.s.PageTable().NumMappedPages())

	f.s.HideCards([]int{ci})
	card := f.card(ci)
	assert.False(t, card.Visible)
	assert.Equal(t, 0, card.DesiredLockedResLevel)
	assert.False(t, card.IsAllocated())
	assert.Equal(t, 0, f.s.PageTable().NumMappedPages())

	f.run(2, lockedRequest(ci, 8, 500))
	gi := f.reg.MeshCards.At(card.MeshCardsIndex).PrimitiveGroupIndex
	f.s.RemoveMeshCards(gi)
	assert.Equal(t, 0, f.reg.Cards.Num())
	assert.Equal(t, 0, f.reg.MeshCards.Num())
	assert.Equal(t, -1, f.scene.Groups.At(gi).MeshCardsIndex)
	assert.Equal(t, 0, f.s.PageTable().NumMappedPages())
	assert.Equal(t, f.s.PageTable().Allocator.NumPages(), f.s.PageTable().Allocator.NumFreePages())
}
