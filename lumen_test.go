package lumen

import (
	"image"
	"image/color"
	"testing"

	"github.com/gekko3d/lumen/surfacecache/rt/capture"
	"github.com/gekko3d/lumen/surfacecache/rt/core"
	"github.com/gekko3d/lumen/surfacecache/rt/pagetable"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCache(t *testing.T, mutate func(c *core.SchedulerConfig), opts ...Option) *SurfaceCache {
	t.Helper()
	cfg := core.DefaultSchedulerConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg, append([]Option{WithWorkers(2)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

// cardPrimitive is a box of half size half with one card facing +Z.
func cardPrimitive(center mgl32.Vec3, half float32) core.PrimitiveDesc {
	return core.PrimitiveDesc{
		ID:             uuid.New(),
		Bounds:         core.NewAABB(center, mgl32.Vec3{half, half, half}),
		Cards:          []core.CardDesc{{OBB: core.NewOBB(center, mgl32.Vec3{half, half, 0})}},
		OpaqueOrMasked: true,
	}
}

func at(z float32) FrameInput {
	return FrameInput{ViewOrigins: []mgl32.Vec3{{0, 0, z}}}
}

func update(t *testing.T, s *SurfaceCache, in FrameInput) *FrameResult {
	t.Helper()
	res, err := s.Update(in)
	require.NoError(t, err)
	cfg := s.Config()
	assert.LessOrEqual(t, len(res.Pages), cfg.MaxTileCapturesPerFrame())
	return res
}

func firstCard(t *testing.T, s *SurfaceCache, id uuid.UUID) *core.Card {
	t.Helper()
	cards, err := s.cardsOf(id)
	require.NoError(t, err)
	require.NotEmpty(t, cards)
	return s.Registry().Cards.At(cards[0])
}

func TestNewObjectEntersView(t *testing.T) {
	s := newCache(t, nil)
	desc := cardPrimitive(mgl32.Vec3{}, 1000)
	require.NoError(t, s.AddPrimitiveGroup(desc))

	res := update(t, s, at(50000))
	assert.Zero(t, res.Adds)
	assert.False(t, s.HasMeshCards(desc.ID))

	maxDist := s.Config().MaxDistance
	res = update(t, s, at(1000+0.5*maxDist))
	assert.Equal(t, 1, res.Adds)
	require.True(t, s.HasMeshCards(desc.ID))
	card := firstCard(t, s, desc.ID)
	assert.GreaterOrEqual(t, card.DesiredLockedResLevel, core.MinResLevel)

	captured := map[int]bool{}
	for _, p := range res.Pages {
		captured[p.PageTableIndex] = true
	}
	for _, p := range update(t, s, at(1000+0.5*maxDist)).Pages {
		captured[p.PageTableIndex] = true
	}
	mip := card.MipMap(card.DesiredLockedResLevel)
	require.Positive(t, mip.PageTableSpanSize)
	for i := 0; i < mip.PageTableSpanSize; i++ {
		assert.True(t, captured[mip.PageTableIndex(i)], "base mip page %d", i)
	}
}

func TestCameraRetreatsPastMaxDistance(t *testing.T) {
	for _, tt := range []struct {
		name        string
		removes     int
		wantRemoved bool
	}{
		{"removed", 5000, true},
		{"remove deferred", 0, false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			s := newCache(t, func(c *core.SchedulerConfig) { c.MeshCardsRemovesPerFrame = tt.removes })
			desc := cardPrimitive(mgl32.Vec3{}, 100)
			require.NoError(t, s.AddPrimitiveGroup(desc))

			update(t, s, at(1500))
			require.True(t, firstCard(t, s, desc.ID).Visible)
			require.Positive(t, s.PageTable().NumMappedPages())

			res := update(t, s, at(30000))
			assert.Equal(t, !tt.wantRemoved, s.HasMeshCards(desc.ID))
			if tt.wantRemoved {
				assert.Equal(t, 1, res.Removes)
			} else {
				assert.Equal(t, 1, res.DeferredRemoves)
				assert.Equal(t, 1, res.Hidden)
			}
			assert.Zero(t, s.PageTable().NumMappedPages(), "pages are released the frame the card leaves")
		})
	}
}

func TestBudgetExhaustionOrdering(t *testing.T) {
	s := newCache(t, func(c *core.SchedulerConfig) { c.CardCapturesPerFrame = 10 })
	for i := 0; i < 1000; i++ {
		require.NoError(t, s.AddPrimitiveGroup(cardPrimitive(mgl32.Vec3{0, 0, -2000}, 100)))
	}
	near := cardPrimitive(mgl32.Vec3{0, 0, -1000}, 100)
	require.NoError(t, s.AddPrimitiveGroup(near))

	res := update(t, s, at(0))
	assert.Equal(t, 1001, res.Adds)
	assert.Len(t, res.Pages, 10)

	card := firstCard(t, s, near.ID)
	assert.True(t, card.Visible)
	nearCard, _ := s.cardsOf(near.ID)
	found := false
	for _, p := range res.Pages {
		found = found || p.CardIndex == nearCard[0]
	}
	assert.True(t, found, "nearer card captured in the first frame")
}

func TestSettledSceneOnlyRefreshes(t *testing.T) {
	s := newCache(t, nil)
	for _, z := range []float32{-500, -800, -1200} {
		require.NoError(t, s.AddPrimitiveGroup(cardPrimitive(mgl32.Vec3{0, 0, z}, 100)))
	}
	update(t, s, at(0))

	cfg := s.Config()
	budget := cfg.RefreshBudget()
	for frame := 0; frame < 5; frame++ {
		res := update(t, s, at(0))
		assert.Zero(t, res.Adds)
		assert.Zero(t, res.Removes)
		assert.Zero(t, res.ResolutionChanges)
		assert.Zero(t, res.Schedule.LockedAllocated)
		assert.Zero(t, res.Schedule.NeverCaptured)
		assert.LessOrEqual(t, len(res.Pages), budget)
		assert.Equal(t, len(res.Pages), res.Schedule.Refreshed)
	}
}

func TestFreeze(t *testing.T) {
	s := newCache(t, func(c *core.SchedulerConfig) { c.Freeze = true })
	desc := cardPrimitive(mgl32.Vec3{}, 100)
	require.NoError(t, s.AddPrimitiveGroup(desc))

	res := update(t, s, at(500))
	assert.Zero(t, res.Adds)
	assert.Empty(t, res.Pages)
	assert.False(t, s.HasMeshCards(desc.ID))
	assert.Equal(t, uint32(1), s.Frame())

	cfg := s.Config()
	cfg.Freeze = false
	cfg.FreezeUpdateFrame = true
	require.NoError(t, s.ReloadConfig(cfg))
	res = update(t, s, at(500))
	assert.Equal(t, 1, res.Adds)
	assert.Equal(t, uint32(1), s.Frame(), "frame index held")
}

func TestResetIsOneShot(t *testing.T) {
	s := newCache(t, nil)
	desc := cardPrimitive(mgl32.Vec3{}, 100)
	require.NoError(t, s.AddPrimitiveGroup(desc))
	update(t, s, at(500))

	cfg := s.Config()
	cfg.Reset = true
	require.NoError(t, s.ReloadConfig(cfg))
	res := update(t, s, at(500))
	assert.True(t, res.Reset)
	assert.Equal(t, 1, res.Adds, "cards are rebuilt in the reset frame")
	assert.False(t, s.Config().Reset)

	res = update(t, s, at(500))
	assert.False(t, res.Reset)
	assert.Zero(t, res.Adds)
}

func TestResetEveryNthFrame(t *testing.T) {
	s := newCache(t, func(c *core.SchedulerConfig) { c.ResetEveryNthFrame = 3 })
	require.NoError(t, s.AddPrimitiveGroup(cardPrimitive(mgl32.Vec3{}, 100)))
	var resets []uint32
	for i := 0; i < 7; i++ {
		if res := update(t, s, at(500)); res.Reset {
			resets = append(resets, res.Frame)
		}
	}
	assert.Equal(t, []uint32{3, 6}, resets)
}

func TestResetEveryNthFrameHeldFrame(t *testing.T) {
	s := newCache(t, func(c *core.SchedulerConfig) { c.ResetEveryNthFrame = 2 })
	require.NoError(t, s.AddPrimitiveGroup(cardPrimitive(mgl32.Vec3{}, 100)))
	update(t, s, at(500))
	res := update(t, s, at(500))
	require.True(t, res.Reset)
	require.Equal(t, uint32(2), res.Frame)

	cfg := s.Config()
	cfg.FreezeUpdateFrame = true
	require.NoError(t, s.ReloadConfig(cfg))
	for i := 0; i < 3; i++ {
		res = update(t, s, at(500))
		assert.Equal(t, uint32(2), res.Frame)
		assert.False(t, res.Reset, "held frame %d reset again", i)
		assert.Zero(t, res.Adds)
	}
}

func TestInstancedRemovesDrainAcrossFrames(t *testing.T) {
	s := newCache(t, func(c *core.SchedulerConfig) { c.MeshCardsRemovesPerFrame = 2 })
	id := uuid.New()
	instances := make([]mgl32.Mat4, 6)
	for i := range instances {
		instances[i] = mgl32.Translate3D(float32(i)*300-750, 0, -500)
	}
	require.NoError(t, s.AddInstancedPrimitive(core.InstancedPrimitiveDesc{
		ID:             id,
		LocalBounds:    core.NewAABB(mgl32.Vec3{}, mgl32.Vec3{100, 100, 100}),
		LocalCards:     []core.CardDesc{{OBB: core.NewOBB(mgl32.Vec3{}, mgl32.Vec3{100, 100, 0})}},
		Instances:      instances,
		OpaqueOrMasked: true,
	}))
	res := update(t, s, at(0))
	require.Equal(t, 6, res.Adds)
	require.Equal(t, 6, s.Registry().MeshCards.Num())

	removed := 0
	for frame := 0; frame < 5; frame++ {
		res = update(t, s, at(1e6))
		assert.LessOrEqual(t, res.Removes, 2)
		removed += res.Removes
	}
	assert.Equal(t, 6, removed)
	assert.Zero(t, s.Registry().MeshCards.Num())
	assert.False(t, s.HasMeshCards(id))
}

func TestRemoveAndInvalidatePrimitive(t *testing.T) {
	s := newCache(t, nil)
	a := cardPrimitive(mgl32.Vec3{0, 0, -500}, 100)
	b := cardPrimitive(mgl32.Vec3{0, 0, -900}, 100)
	require.NoError(t, s.AddPrimitiveGroup(a))
	require.NoError(t, s.AddPrimitiveGroup(b))
	update(t, s, at(0))
	mapped := s.PageTable().NumMappedPages()

	require.NoError(t, s.InvalidateSurfaceCacheForPrimitive(a.ID))
	res := update(t, s, at(0))
	assert.Positive(t, res.Schedule.Recaptured)

	require.NoError(t, s.RemovePrimitiveGroup(b.ID))
	assert.Less(t, s.PageTable().NumMappedPages(), mapped)
	assert.False(t, s.HasMeshCards(b.ID))

	assert.ErrorIs(t, s.RemovePrimitiveGroup(b.ID), core.ErrUnknownPrimitive)
	assert.ErrorIs(t, s.InvalidateSurfaceCacheForPrimitive(uuid.New()), core.ErrUnknownPrimitive)
}

func TestCardSharingQuery(t *testing.T) {
	s := newCache(t, nil)
	shared := cardPrimitive(mgl32.Vec3{}, 100)
	shared.CardSharingID = uuid.New()
	plain := cardPrimitive(mgl32.Vec3{}, 100)
	require.NoError(t, s.AddPrimitiveGroup(shared))
	require.NoError(t, s.AddPrimitiveGroup(plain))

	assert.True(t, s.IsCardSharingAllowed(shared.ID))
	assert.False(t, s.IsCardSharingAllowed(plain.ID))

	cfg := s.Config()
	cfg.CardSharing = false
	require.NoError(t, s.ReloadConfig(cfg))
	assert.False(t, s.IsCardSharingAllowed(shared.ID))
}

func TestReloadConfigReshapesAtlas(t *testing.T) {
	backend := capture.NewSoftwareBackend(image.Pt(128, 128), image.Pt(128, 128), nil)
	s := newCache(t, func(c *core.SchedulerConfig) {
		c.PhysicalAtlasPagesX, c.PhysicalAtlasPagesY = 4, 4
		c.CardCaptureFactor = 1
	}, WithBackend(backend))
	assert.Equal(t, image.Pt(512, 512), backend.Persistent[capture.LayerAlbedo].Rect.Size())

	desc := cardPrimitive(mgl32.Vec3{}, 100)
	require.NoError(t, s.AddPrimitiveGroup(desc))
	update(t, s, at(500))
	require.True(t, s.HasMeshCards(desc.ID))

	cfg := s.Config()
	cfg.PhysicalAtlasPagesX = 8
	require.NoError(t, s.ReloadConfig(cfg))
	assert.False(t, s.HasMeshCards(desc.ID))
	assert.Zero(t, s.PageTable().NumMappedPages())
	assert.Equal(t, image.Pt(1024, 512), backend.Persistent[capture.LayerAlbedo].Rect.Size())

	res := update(t, s, at(500))
	assert.Equal(t, 1, res.Adds)

	cfg.NumGPUs = 0
	assert.ErrorIs(t, s.ReloadConfig(cfg), core.ErrInvalidConfig)
}

func TestOversizedCardFitsCaptureAtlas(t *testing.T) {
	s := newCache(t, func(c *core.SchedulerConfig) {
		c.PhysicalAtlasPagesX, c.PhysicalAtlasPagesY = 16, 16
	})
	desc := cardPrimitive(mgl32.Vec3{}, 2000)
	require.NoError(t, s.AddPrimitiveGroup(desc))

	allocated := 0
	for frame := 0; frame < 3; frame++ {
		res := update(t, s, at(200))
		allocated += res.Schedule.LockedAllocated
		assert.Zero(t, res.Schedule.LockedDropped)
	}
	assert.Equal(t, 1, allocated)
	card := firstCard(t, s, desc.ID)
	assert.True(t, card.Visible)
	assert.Positive(t, s.PageTable().NumMappedPages())
}

type recordingUploader struct {
	frames int
	cards  []int
	pages  []int
}

func (u *recordingUploader) UploadFrame(_ *core.Registry, _ *pagetable.PageTable, cards, pages []int) (bool, error) {
	u.frames++
	u.cards = append(u.cards, cards...)
	u.pages = append(u.pages, pages...)
	return false, nil
}

func TestCaptureAndUpload(t *testing.T) {
	backend := capture.NewSoftwareBackend(image.Pt(1, 1), image.Pt(1, 1), nil)
	up := &recordingUploader{}
	s := newCache(t, func(c *core.SchedulerConfig) {
		c.PhysicalAtlasPagesX, c.PhysicalAtlasPagesY = 4, 4
		c.CardCaptureFactor = 1
	}, WithBackend(backend), WithUploader(up), WithLogger(NewNopLogger()))

	desc := cardPrimitive(mgl32.Vec3{}, 100)
	require.NoError(t, s.AddPrimitiveGroup(desc))
	res := update(t, s, at(500))
	require.NotEmpty(t, res.Pages)
	assert.Equal(t, len(res.Pages), res.Capture.Pages)
	assert.Equal(t, res.Capture.Pages, res.Capture.Drawn)

	rect := res.Pages[0].PhysicalAtlasRect
	c := backend.Persistent[capture.LayerAlbedo].RGBAAt(rect.Min.X, rect.Min.Y)
	assert.NotEqual(t, color.RGBA{}, c, "albedo painted into the physical page")

	assert.Equal(t, 1, up.frames)
	assert.Contains(t, up.cards, res.Pages[0].CardIndex)
	assert.Contains(t, up.pages, res.Pages[0].PageTableIndex)

	assert.Contains(t, s.Profiler().StatsString(), "capture")
	assert.Equal(t, 1, s.Profiler().Count("mesh cards"))
}

func TestClosed(t *testing.T) {
	s := newCache(t, nil)
	s.Close()
	_, err := s.Update(at(0))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := core.DefaultSchedulerConfig()
	cfg.CardCaptureFactor = 0
	_, err := New(cfg)
	assert.ErrorIs(t, err, core.ErrInvalidConfig)
}

func TestMovedPrimitiveIsRebuilt(t *testing.T) {
	s := newCache(t, nil)
	desc := cardPrimitive(mgl32.Vec3{}, 100)
	require.NoError(t, s.AddPrimitiveGroup(desc))
	update(t, s, at(500))
	require.True(t, s.HasMeshCards(desc.ID))

	moved := cardPrimitive(mgl32.Vec3{0, 0, -300}, 100)
	require.NoError(t, s.UpdatePrimitiveBounds(desc.ID, moved.Bounds, moved.Cards))
	assert.False(t, s.HasMeshCards(desc.ID))
	assert.Zero(t, s.PageTable().NumMappedPages())

	res := update(t, s, at(500))
	assert.Equal(t, 1, res.Adds)
	assert.InDelta(t, -300, firstCard(t, s, desc.ID).OBB.Center.Z(), 1e-3)
}
