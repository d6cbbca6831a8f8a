package cull

import (
	"math"
	"math/bits"

	"github.com/gekko3d/lumen/surfacecache/rt/core"
	"github.com/go-gl/mathgl/mgl32"
)

// LockedPage marks a request for a card's always resident base mip.
const LockedPage = -1

// Request asks for a card to be (re)allocated at ResLevel. It lives for one frame.
type Request struct {
	CardIndex      int
	ResLevel       int
	LocalPageIndex int
	Distance       float32
}

func (r Request) IsLocked() bool { return r.LocalPageIndex == LockedPage }

type ResolutionParams struct {
	ViewOrigins          []mgl32.Vec3
	MaxDistance          float32
	FarFieldMaxDistance  float32
	TexelDensityScale    float32
	FarFieldTexelDensity float32
	MaxTexelDensity      float32
	CardMaxResolution    int
	CardMinResolution    int
	MinViewerDistance    float32
	ReallocationPenalty  float32
	NumBuckets           int
	BucketOffset         float32
	TaskSize             int
}

func NewResolutionParams(cfg *core.SchedulerConfig, origins []mgl32.Vec3) ResolutionParams {
	return ResolutionParams{
		ViewOrigins:          origins,
		MaxDistance:          cfg.MaxDistance,
		FarFieldMaxDistance:  cfg.FarFieldMaxDistance,
		TexelDensityScale:    cfg.TexelDensityScale(),
		FarFieldTexelDensity: cfg.FarFieldTexelDensity,
		MaxTexelDensity:      cfg.CardMaxTexelDensity,
		CardMaxResolution:    cfg.CardMaxResolutionTexels(),
		CardMinResolution:    cfg.CardMinResolution,
		MinViewerDistance:    cfg.MinViewerDistance,
		ReallocationPenalty:  cfg.ReallocationPenalty,
		NumBuckets:           cfg.NumDistanceBuckets,
		BucketOffset:         cfg.DistanceBucketOffset,
		TaskSize:             cfg.ResolutionTaskSize,
	}
}

type ResolutionResult struct {
	// Requests are in mesh cards order, not sorted. Histogram counts them per
	// distance bucket.
	Requests    []Request
	CardsToHide []int
	Histogram   []int
}

// DistanceBucket maps a request distance to a histogram bucket. It is
// monotonic in distance.
func DistanceBucket(distance, offset float32, numBuckets int) int {
	d := float64(max(distance-offset, 1))
	if math.IsNaN(d) || math.IsInf(d, 1) {
		return numBuckets - 1
	}
	b := int(math.Floor(math.Log2(d)))
	return min(max(b, 0), numBuckets-1)
}

func roundUpPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

func floorLog2(n int) int {
	if n <= 0 {
		return 0
	}
	return bits.Len(uint(n)) - 1
}

// CardResolution computes the desired locked level of a card and whether it
// should stay visible. The viewer distance is returned clamped away from zero.
func (p *ResolutionParams) CardResolution(card *core.Card, farField, emissive bool) (resLevel int, visible bool, distance float32) {
	distance = max(card.OBB.MinDistance(p.ViewOrigins), p.MinViewerDistance)
	maxDist := p.MaxDistance
	if farField {
		maxDist = p.FarFieldMaxDistance
	}
	if !(distance < maxDist) {
		return core.MinResLevel, false, distance
	}

	maxExtent := card.OBB.MaxCardExtent()
	var maxProjected float32
	if farField {
		maxProjected = p.FarFieldTexelDensity * maxExtent * card.ResolutionScale
	} else {
		maxProjected = min(p.TexelDensityScale*maxExtent*card.ResolutionScale/distance, p.MaxTexelDensity*maxExtent)
	}
	if !(maxProjected >= 0) {
		maxProjected = 0
	}

	snapped := roundUpPow2(int(min(maxProjected, float32(p.CardMaxResolution))))

	minRes := p.CardMinResolution
	if emissive {
		minRes = 1
	}
	visible = snapped >= minRes
	resLevel = min(floorLog2(max(snapped, core.MinCardResolution)), core.MaxResLevel)
	return resLevel, visible, distance
}

type resolutionTaskOutput struct {
	requests  []Request
	hide      []int
	histogram []int
}

// UpdateMeshCardsResolution recomputes desired locked levels for every card.
// Cards only read here; hiding and reallocation are applied by the scheduler.
func UpdateMeshCardsResolution(r *TaskRunner, reg *core.Registry, p ResolutionParams) ResolutionResult {
	numBuckets := max(p.NumBuckets, 1)
	taskSize := max(p.TaskSize, 1)
	numMeshCards := reg.MeshCards.Cap()
	outputs := make([]resolutionTaskOutput, NumTasks(numMeshCards, taskSize))

	r.Run(numMeshCards, taskSize, func(task, first, last int) {
		out := &outputs[task]
		out.histogram = make([]int, numBuckets)
		for mi := first; mi < last; mi++ {
			mc := reg.MeshCards.At(mi)
			if mc == nil {
				continue
			}
			for ci := mc.FirstCard; ci < mc.FirstCard+mc.NumCards; ci++ {
				card := reg.Cards.At(ci)
				if card == nil {
					continue
				}
				level, visible, distance := p.CardResolution(card, mc.FarField, mc.EmissiveLightSource)

				if card.Visible && !visible {
					out.hide = append(out.hide, ci)
					continue
				}
				if !visible || level == card.DesiredLockedResLevel {
					continue
				}

				if card.Visible && card.DesiredLockedResLevel != 0 {
					// Reallocation of an already captured card yields to new cards.
					delta := float32(abs(level - card.DesiredLockedResLevel))
					distance += (1 - mgl32.Clamp((delta+1)/3, 0, 1)) * p.ReallocationPenalty
				}
				out.requests = append(out.requests, Request{
					CardIndex:      ci,
					ResLevel:       level,
					LocalPageIndex: LockedPage,
					Distance:       distance,
				})
				out.histogram[DistanceBucket(distance, p.BucketOffset, numBuckets)]++
			}
		}
	})

	res := ResolutionResult{Histogram: make([]int, numBuckets)}
	for i := range outputs {
		res.Requests = append(res.Requests, outputs[i].requests...)
		res.CardsToHide = append(res.CardsToHide, outputs[i].hide...)
		for b, n := range outputs[i].histogram {
			res.Histogram[b] += n
		}
	}
	return res
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
