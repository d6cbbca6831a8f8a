package cull

import (
	"math"
	"sort"

	"github.com/gekko3d/lumen/surfacecache/rt/core"
	"github.com/go-gl/mathgl/mgl32"
)

type MeshCardsAdd struct {
	PrimitiveGroupIndex int
	DistanceSquared     float32
}

type MeshCardsRemove struct {
	PrimitiveGroupIndex int
}

type CullParams struct {
	ViewOrigins          []mgl32.Vec3
	MaxDistance          float32
	FarFieldMaxDistance  float32
	TexelDensityScale    float32
	FarFieldTexelDensity float32
	MinResolution        float32
	CaptureTranslucent   bool
	TaskSize             int
}

func NewCullParams(cfg *core.SchedulerConfig, origins []mgl32.Vec3) CullParams {
	return CullParams{
		ViewOrigins:          origins,
		MaxDistance:          cfg.MaxDistance,
		FarFieldMaxDistance:  cfg.FarFieldMaxDistance,
		TexelDensityScale:    cfg.TexelDensityScale(),
		FarFieldTexelDensity: cfg.FarFieldTexelDensity,
		MinResolution:        float32(cfg.CardMinResolution),
		CaptureTranslucent:   cfg.CaptureTranslucent,
		TaskSize:             cfg.CullingTaskSize,
	}
}

type CullResult struct {
	// Adds are sorted by ascending distance, ties by group index.
	Adds    []MeshCardsAdd
	Removes []MeshCardsRemove

	NumCulled           int
	NumInstancesCulled  int
	NumCoarseCandidates int
}

type instanceRange struct {
	first, num int
	info       *core.PrimitiveGroupCullingInfo
	visible    bool
}

type cullTaskOutput struct {
	adds    []MeshCardsAdd
	removes []MeshCardsRemove
	ranges  []instanceRange
	culled  int
}

// shouldHaveMeshCards is the add/keep test for one group or instance.
func (p *CullParams) shouldHaveMeshCards(bounds core.AABB, info *core.PrimitiveGroupCullingInfo) (bool, float32) {
	distSq := core.MinDistanceSquared(bounds, p.ViewOrigins)
	maxDist := p.MaxDistance
	if info.FarField {
		maxDist = p.FarFieldMaxDistance
	}
	if distSq > maxDist*maxDist {
		return false, distSq
	}
	if !info.OpaqueOrMasked && !p.CaptureTranslucent {
		return false, distSq
	}

	radius := bounds.MaxExtent()
	var projected float32
	if info.FarField {
		projected = p.FarFieldTexelDensity * radius
	} else {
		projected = radius * p.TexelDensityScale / float32(math.Sqrt(float64(distSq)))
	}

	minRes := p.MinResolution
	if info.EmissiveLightSource {
		minRes = 1
	}
	return projected >= minRes, distSq
}

// CullPrimitives decides which primitive groups gain or lose MeshCards. The
// first phase walks group culling infos; coarse entries that are in range, or
// were in range last frame, queue their instance span for a second per
// instance phase. Visible flags are written by the task owning the index.
func CullPrimitives(r *TaskRunner, scene *core.Scene, p CullParams) CullResult {
	taskSize := max(p.TaskSize, 1)
	numInfos := scene.CullingInfos.Cap()
	outputs := make([]cullTaskOutput, NumTasks(numInfos, taskSize))

	r.Run(numInfos, taskSize, func(task, first, last int) {
		out := &outputs[task]
		for i := first; i < last; i++ {
			info := scene.CullingInfos.At(i)
			if info == nil {
				continue
			}
			out.culled++

			if info.Coarse() {
				distSq := core.MinDistanceSquared(info.Bounds, p.ViewOrigins)
				maxDist := p.MaxDistance
				if info.FarField {
					maxDist = p.FarFieldMaxDistance
				}
				coarseVisible := distSq <= maxDist*maxDist
				if coarseVisible || info.Visible || info.NumInstanceMeshCards > 0 {
					out.ranges = append(out.ranges, instanceRange{
						first:   info.FirstInstance,
						num:     info.NumInstances,
						info:    info,
						visible: coarseVisible,
					})
				}
				info.Visible = coarseVisible
				continue
			}

			visible, distSq := p.shouldHaveMeshCards(info.Bounds, info)
			info.Visible = visible
			if visible && !info.ValidMeshCards {
				out.adds = append(out.adds, MeshCardsAdd{PrimitiveGroupIndex: info.PrimitiveGroupIndex, DistanceSquared: distSq})
			} else if !visible && info.ValidMeshCards {
				out.removes = append(out.removes, MeshCardsRemove{PrimitiveGroupIndex: info.PrimitiveGroupIndex})
			}
		}
	})

	res := CullResult{}
	var ranges []instanceRange
	for i := range outputs {
		res.Adds = append(res.Adds, outputs[i].adds...)
		res.Removes = append(res.Removes, outputs[i].removes...)
		res.NumCulled += outputs[i].culled
		ranges = append(ranges, outputs[i].ranges...)
	}
	res.NumCoarseCandidates = len(ranges)

	if len(ranges) > 0 {
		fine := cullInstances(r, scene, &p, ranges, taskSize)
		res.Adds = append(res.Adds, fine.Adds...)
		res.Removes = append(res.Removes, fine.Removes...)
		res.NumInstancesCulled = fine.NumInstancesCulled
	}

	sort.Slice(res.Adds, func(i, j int) bool {
		a, b := res.Adds[i], res.Adds[j]
		if a.DistanceSquared != b.DistanceSquared {
			return a.DistanceSquared < b.DistanceSquared
		}
		return a.PrimitiveGroupIndex < b.PrimitiveGroupIndex
	})
	return res
}

type instanceItem struct {
	index int
	rng   *instanceRange
}

func cullInstances(r *TaskRunner, scene *core.Scene, p *CullParams, ranges []instanceRange, taskSize int) CullResult {
	var items []instanceItem
	for i := range ranges {
		for k := 0; k < ranges[i].num; k++ {
			items = append(items, instanceItem{index: ranges[i].first + k, rng: &ranges[i]})
		}
	}

	outputs := make([]cullTaskOutput, NumTasks(len(items), taskSize))
	r.Run(len(items), taskSize, func(task, first, last int) {
		out := &outputs[task]
		for i := first; i < last; i++ {
			it := items[i]
			inst := scene.InstanceCullingInfos.At(it.index)
			if inst == nil {
				continue
			}
			out.culled++

			visible := false
			var distSq float32 = math.MaxFloat32
			if it.rng.visible {
				visible, distSq = p.shouldHaveMeshCards(inst.Bounds, it.rng.info)
			}
			inst.Visible = visible
			if visible && !inst.ValidMeshCards {
				out.adds = append(out.adds, MeshCardsAdd{PrimitiveGroupIndex: inst.PrimitiveGroupIndex, DistanceSquared: distSq})
			} else if !visible && inst.ValidMeshCards {
				out.removes = append(out.removes, MeshCardsRemove{PrimitiveGroupIndex: inst.PrimitiveGroupIndex})
			}
		}
	})

	res := CullResult{}
	for i := range outputs {
		res.Adds = append(res.Adds, outputs[i].adds...)
		res.Removes = append(res.Removes, outputs[i].removes...)
		res.NumInstancesCulled += outputs[i].culled
	}
	return res
}
