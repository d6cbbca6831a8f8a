package core

import (
	"errors"
	"fmt"
	"image"
	"math"
	"sort"
	"strconv"
)

var (
	ErrInvalidConfig   = errors.New("surfacecache: invalid config")
	ErrUnknownVariable = errors.New("surfacecache: unknown console variable")
)

// SchedulerConfig holds every tuning knob of the surface cache. It is owned by
// the cache and replaced as a whole through a reload; nothing reads it through
// global state.
type SchedulerConfig struct {
	// Capture budget
	CardCapturesPerFrame       int
	CardCaptureFactor          int
	CardCaptureRefreshFraction float32

	// Eviction
	NumFramesToKeepUnusedPages   int
	LockedMaxFramesSinceLastUsed int
	FeedbackTileSize             int

	// Debug switches
	Freeze             bool
	FreezeUpdateFrame  bool
	Reset              bool
	ResetEveryNthFrame int

	FastCameraMode     bool
	CardSharing        bool
	CaptureTranslucent bool

	// Culling and resolution
	MaxDistance           float32
	FarFieldMaxDistance   float32
	SceneDetail           float32
	CardTexelDensityScale float32
	FarFieldTexelDensity  float32
	CardMaxTexelDensity   float32
	CardMaxResolution     int
	CardMinResolution     int
	MinViewerDistance     float32
	ReallocationPenalty   float32

	MeshCardsAddsPerFrame    int
	MeshCardsRemovesPerFrame int

	// Request prioritisation
	NumDistanceBuckets   int
	DistanceBucketOffset float32

	// Tasks
	ParallelUpdate     bool
	CullingTaskSize    int
	ResolutionTaskSize int

	// Physical atlas size in pages.
	PhysicalAtlasPagesX int
	PhysicalAtlasPagesY int

	NumGPUs int
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		CardCapturesPerFrame:         300,
		CardCaptureFactor:            64,
		CardCaptureRefreshFraction:   0.125,
		NumFramesToKeepUnusedPages:   256,
		LockedMaxFramesSinceLastUsed: 2,
		FeedbackTileSize:             4,
		CardSharing:                  true,
		MaxDistance:                  20000,
		FarFieldMaxDistance:          1000000,
		SceneDetail:                  1.0,
		CardTexelDensityScale:        100,
		FarFieldTexelDensity:         0.001,
		CardMaxTexelDensity:          0.2,
		CardMaxResolution:            512,
		CardMinResolution:            4,
		MinViewerDistance:            100,
		ReallocationPenalty:          2500,
		MeshCardsAddsPerFrame:        5000,
		MeshCardsRemovesPerFrame:     5000,
		NumDistanceBuckets:           16,
		DistanceBucketOffset:         1000,
		ParallelUpdate:               true,
		CullingTaskSize:              128,
		ResolutionTaskSize:           64,
		PhysicalAtlasPagesX:          32,
		PhysicalAtlasPagesY:          32,
		NumGPUs:                      1,
	}
}

func (c *SchedulerConfig) Validate() error {
	switch {
	case c.CardCapturesPerFrame < 0:
		return fmt.Errorf("%w: CardCapturesPerFrame %d < 0", ErrInvalidConfig, c.CardCapturesPerFrame)
	case c.CardCaptureFactor < 1:
		return fmt.Errorf("%w: CardCaptureFactor %d < 1", ErrInvalidConfig, c.CardCaptureFactor)
	case c.CardCaptureRefreshFraction < 0 || c.CardCaptureRefreshFraction > 1:
		return fmt.Errorf("%w: CardCaptureRefreshFraction %.3f outside [0,1]", ErrInvalidConfig, c.CardCaptureRefreshFraction)
	case c.NumFramesToKeepUnusedPages < 1:
		return fmt.Errorf("%w: NumFramesToKeepUnusedPages %d < 1", ErrInvalidConfig, c.NumFramesToKeepUnusedPages)
	case c.LockedMaxFramesSinceLastUsed < 1 || c.FeedbackTileSize < 1:
		return fmt.Errorf("%w: eviction thresholds must be positive", ErrInvalidConfig)
	case c.ResetEveryNthFrame < 0:
		return fmt.Errorf("%w: ResetEveryNthFrame %d < 0", ErrInvalidConfig, c.ResetEveryNthFrame)
	case !(c.MaxDistance > 0) || !(c.FarFieldMaxDistance > 0) || !(c.SceneDetail > 0) || !(c.CardTexelDensityScale > 0):
		return fmt.Errorf("%w: distances and densities must be positive", ErrInvalidConfig)
	case c.FarFieldTexelDensity < 0 || c.CardMaxTexelDensity <= 0:
		return fmt.Errorf("%w: texel densities must be positive", ErrInvalidConfig)
	case c.CardMaxResolution < MinCardResolution || c.CardMaxResolution > 1<<MaxResLevel:
		return fmt.Errorf("%w: CardMaxResolution %d outside [%d,%d]", ErrInvalidConfig, c.CardMaxResolution, MinCardResolution, 1<<MaxResLevel)
	case c.CardMinResolution < 1:
		return fmt.Errorf("%w: CardMinResolution %d < 1", ErrInvalidConfig, c.CardMinResolution)
	case c.MinViewerDistance <= 0 || c.ReallocationPenalty < 0:
		return fmt.Errorf("%w: MinViewerDistance and ReallocationPenalty", ErrInvalidConfig)
	case c.MeshCardsAddsPerFrame < 0 || c.MeshCardsRemovesPerFrame < 0:
		return fmt.Errorf("%w: mesh cards per frame limits must be >= 0", ErrInvalidConfig)
	case c.NumDistanceBuckets < 1 || c.DistanceBucketOffset < 0:
		return fmt.Errorf("%w: NumDistanceBuckets %d", ErrInvalidConfig, c.NumDistanceBuckets)
	case c.CullingTaskSize < 1 || c.ResolutionTaskSize < 1:
		return fmt.Errorf("%w: task sizes must be >= 1", ErrInvalidConfig)
	case c.PhysicalAtlasPagesX < 1 || c.PhysicalAtlasPagesY < 1 || c.PhysicalAtlasPagesX > MaxAtlasPages || c.PhysicalAtlasPagesY > MaxAtlasPages:
		return fmt.Errorf("%w: physical atlas %dx%d pages", ErrInvalidConfig, c.PhysicalAtlasPagesX, c.PhysicalAtlasPagesY)
	case c.NumGPUs < 1 || c.NumGPUs > MaxGPUs:
		return fmt.Errorf("%w: NumGPUs %d outside [1,%d]", ErrInvalidConfig, c.NumGPUs, MaxGPUs)
	}
	return nil
}

// MaxCardCapturesPerFrame is doubled in fast camera mode, trading per-card
// resolution for coverage.
func (c *SchedulerConfig) MaxCardCapturesPerFrame() int {
	n := c.CardCapturesPerFrame
	if c.FastCameraMode {
		n *= 2
	}
	return max(n, 0)
}

// MaxTileCapturesPerFrame is the hard limit on pages rendered per frame.
func (c *SchedulerConfig) MaxTileCapturesPerFrame() int {
	return c.MaxCardCapturesPerFrame()
}

// CardMaxResolutionTexels is halved in fast camera mode.
func (c *SchedulerConfig) CardMaxResolutionTexels() int {
	r := c.CardMaxResolution
	if c.FastCameraMode {
		r /= 2
	}
	return max(r, MinCardResolution)
}

func (c *SchedulerConfig) TexelDensityScale() float32 {
	return c.CardTexelDensityScale * c.SceneDetail
}

func (c *SchedulerConfig) PhysicalAtlasSize() image.Point {
	return image.Pt(c.PhysicalAtlasPagesX*PhysicalPageSize, c.PhysicalAtlasPagesY*PhysicalPageSize)
}

// CaptureAtlasSize is a square holding 1/CardCaptureFactor of the physical
// atlas pages, never smaller than one page.
func (c *SchedulerConfig) CaptureAtlasSize() image.Point {
	pages := float64(c.PhysicalAtlasPagesX*c.PhysicalAtlasPagesY) / float64(max(c.CardCaptureFactor, 1))
	side := int(math.Floor(math.Sqrt(pages)))
	side = max(side, 1)
	return image.Pt(side*PhysicalPageSize, side*PhysicalPageSize)
}

func (c *SchedulerConfig) RefreshBudget() int {
	return int(float32(c.MaxTileCapturesPerFrame()) * c.CardCaptureRefreshFraction)
}

// HiResMaxFramesSinceLastUsed spans the feedback jitter window, so pages the
// feedback pass is about to touch again are not thrashed.
func (c *SchedulerConfig) HiResMaxFramesSinceLastUsed() uint32 {
	return uint32(c.FeedbackTileSize * c.FeedbackTileSize)
}

type cvar struct {
	help string
	set  func(c *SchedulerConfig, v string) error
}

func intVar(help string, field func(c *SchedulerConfig) *int) cvar {
	return cvar{help: help, set: func(c *SchedulerConfig, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}}
}

func floatVar(help string, field func(c *SchedulerConfig) *float32) cvar {
	return cvar{help: help, set: func(c *SchedulerConfig, v string) error {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return err
		}
		*field(c) = float32(f)
		return nil
	}}
}

func boolVar(help string, field func(c *SchedulerConfig) *bool) cvar {
	return cvar{help: help, set: func(c *SchedulerConfig, v string) error {
		// Console convention: 0/1 as well as true/false.
		if n, err := strconv.Atoi(v); err == nil {
			*field(c) = n != 0
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}}
}

var cvars = map[string]cvar{
	"r.LumenScene.SurfaceCache.CardCapturesPerFrame": intVar("Hard per-frame page capture budget.",
		func(c *SchedulerConfig) *int { return &c.CardCapturesPerFrame }),
	"r.LumenScene.SurfaceCache.CardCaptureFactor": intVar("Physical atlas area divisor sizing the capture atlas.",
		func(c *SchedulerConfig) *int { return &c.CardCaptureFactor }),
	"r.LumenScene.SurfaceCache.CardCaptureRefreshFraction": floatVar("Budget fraction spent refreshing resident pages.",
		func(c *SchedulerConfig) *float32 { return &c.CardCaptureRefreshFraction }),
	"r.LumenScene.SurfaceCache.NumFramesToKeepUnusedPages": intVar("Evict unlocked pages unused for this many frames.",
		func(c *SchedulerConfig) *int { return &c.NumFramesToKeepUnusedPages }),
	"r.LumenScene.SurfaceCache.Freeze": boolVar("Stop allocation and eviction.",
		func(c *SchedulerConfig) *bool { return &c.Freeze }),
	"r.LumenScene.SurfaceCache.FreezeUpdateFrame": boolVar("Stop advancing the update frame index.",
		func(c *SchedulerConfig) *bool { return &c.FreezeUpdateFrame }),
	"r.LumenScene.SurfaceCache.Reset": boolVar("Drop all mesh cards and pages on the next update.",
		func(c *SchedulerConfig) *bool { return &c.Reset }),
	"r.LumenScene.SurfaceCache.ResetEveryNthFrame": intVar("Reset the cache every N frames (0 disables).",
		func(c *SchedulerConfig) *int { return &c.ResetEveryNthFrame }),
	"r.LumenScene.SurfaceCache.CardSharing": boolVar("Copy captures between cards with the same sharing id.",
		func(c *SchedulerConfig) *bool { return &c.CardSharing }),
	"r.LumenScene.FastCameraMode": boolVar("Halve card resolution and double the capture budget.",
		func(c *SchedulerConfig) *bool { return &c.FastCameraMode }),
	"r.LumenScene.CardMaxResolution": intVar("Maximum card resolution in texels.",
		func(c *SchedulerConfig) *int { return &c.CardMaxResolution }),
	"r.LumenScene.CardMinResolution": intVar("Minimum projected card resolution to keep a card visible.",
		func(c *SchedulerConfig) *int { return &c.CardMinResolution }),
	"r.LumenScene.CardTexelDensityScale": floatVar("Card texel density numerator over viewer distance.",
		func(c *SchedulerConfig) *float32 { return &c.CardTexelDensityScale }),
	"r.LumenScene.FarFieldTexelDensity": floatVar("Constant texel density for far field cards.",
		func(c *SchedulerConfig) *float32 { return &c.FarFieldTexelDensity }),
	"r.LumenScene.CardMaxTexelDensity": floatVar("Upper bound on texels per world unit.",
		func(c *SchedulerConfig) *float32 { return &c.CardMaxTexelDensity }),
	"r.LumenScene.MeshCardsMaxDistance": floatVar("Maximum distance at which mesh cards are kept.",
		func(c *SchedulerConfig) *float32 { return &c.MaxDistance }),
	"r.LumenScene.FarFieldMaxDistance": floatVar("Maximum distance at which far field mesh cards are kept.",
		func(c *SchedulerConfig) *float32 { return &c.FarFieldMaxDistance }),
	"r.LumenScene.SceneDetail": floatVar("Scales texel density for culling and resolution.",
		func(c *SchedulerConfig) *float32 { return &c.SceneDetail }),
	"r.LumenScene.MeshCardsAddsPerFrame": intVar("Mesh cards created per frame.",
		func(c *SchedulerConfig) *int { return &c.MeshCardsAddsPerFrame }),
	"r.LumenScene.MeshCardsRemovesPerFrame": intVar("Mesh cards removed per frame.",
		func(c *SchedulerConfig) *int { return &c.MeshCardsRemovesPerFrame }),
	"r.LumenScene.ParallelUpdate": boolVar("Run culling and resolution tasks in parallel.",
		func(c *SchedulerConfig) *bool { return &c.ParallelUpdate }),
	"r.LumenScene.CaptureTranslucent": boolVar("Allow translucent primitives into the surface cache.",
		func(c *SchedulerConfig) *bool { return &c.CaptureTranslucent }),
}

// Set assigns a console variable by name. The config is left unchanged when
// the value does not parse or the result fails validation.
func (c *SchedulerConfig) Set(name, value string) error {
	v, ok := cvars[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVariable, name)
	}
	next := *c
	if err := v.set(&next, value); err != nil {
		return fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, name, value, err)
	}
	if err := next.Validate(); err != nil {
		return err
	}
	*c = next
	return nil
}

// Variables returns the console variable names with their help text, sorted by name.
func Variables() [][2]string {
	names := make([]string, 0, len(cvars))
	for k := range cvars {
		names = append(names, k)
	}
	sort.Strings(names)
	out := make([][2]string, len(names))
	for i, n := range names {
		out[i] = [2]string{n, cvars[n].help}
	}
	return out
}
