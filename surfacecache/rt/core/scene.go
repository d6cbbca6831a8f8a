package core

import (
	"errors"
	"fmt"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
)

var (
	ErrUnknownPrimitive   = errors.New("surfacecache: unknown primitive")
	ErrDuplicatePrimitive = errors.New("surfacecache: primitive already added")
)

// PrimitiveProxy is the scene system's handle on a primitive. The scheduler
// polls it before capturing so partially streamed meshes are skipped.
type PrimitiveProxy interface {
	HasPendingStreaming() bool
}

// CardDesc describes one capture surface of a primitive.
type CardDesc struct {
	OBB             OBB
	ResolutionScale float32
	AxisFlip        bool
}

// PrimitiveDesc registers a non-instanced primitive. Bounds and card boxes are
// in world space.
type PrimitiveDesc struct {
	ID                  uuid.UUID
	Bounds              AABB
	Cards               []CardDesc
	FarField            bool
	OpaqueOrMasked      bool
	EmissiveLightSource bool
	// CardSharingID groups primitives with identical surfaces. uuid.Nil disables sharing.
	CardSharingID uuid.UUID
	Proxy         PrimitiveProxy
}

// InstancedPrimitiveDesc registers one mesh drawn many times. Bounds and cards
// are in mesh local space and every instance transform is applied to them.
type InstancedPrimitiveDesc struct {
	ID                  uuid.UUID
	LocalBounds         AABB
	LocalCards          []CardDesc
	Instances           []mgl32.Mat4
	FarField            bool
	OpaqueOrMasked      bool
	EmissiveLightSource bool
	// Instances share captures unless disabled.
	DisableCardSharing bool
	Proxy              PrimitiveProxy
}

// PrimitiveGroup is a set of primitive instances sharing one MeshCards.
type PrimitiveGroup struct {
	ID                  uuid.UUID
	InstanceIndex       int
	Bounds              AABB
	Cards               []CardDesc
	FarField            bool
	OpaqueOrMasked      bool
	EmissiveLightSource bool
	CardSharingID       uuid.UUID
	Proxy               PrimitiveProxy

	MeshCardsIndex       int
	CullingInfoIndex     int
	InstanceCullingIndex int
}

func (g *PrimitiveGroup) HasPendingStreaming() bool {
	return g.Proxy != nil && g.Proxy.HasPendingStreaming()
}

func (g *PrimitiveGroup) CardSharingAllowed() bool {
	return g.CardSharingID != uuid.Nil
}

// PrimitiveGroupCullingInfo is what the culler reads. A coarse entry
// (NumInstances > 0) stands for a span of InstanceCullingInfos.
type PrimitiveGroupCullingInfo struct {
	Bounds              AABB
	NumInstances        int
	FirstInstance       int
	FarField            bool
	OpaqueOrMasked      bool
	EmissiveLightSource bool
	Visible             bool
	ValidMeshCards      bool
	PrimitiveGroupIndex int
	// NumInstanceMeshCards counts instances of a coarse entry that own
	// MeshCards. Kept by Scene.SetMeshCards.
	NumInstanceMeshCards int
}

func (c *PrimitiveGroupCullingInfo) Coarse() bool { return c.NumInstances > 0 }

type InstanceCullingInfo struct {
	Bounds              AABB
	Visible             bool
	ValidMeshCards      bool
	PrimitiveGroupIndex int
}

type primitiveRecord struct {
	groups      []int
	cullingInfo int
}

// Scene owns primitive groups and their culling data. It is mutated only from
// the update thread.
type Scene struct {
	Groups               SparseArray[PrimitiveGroup]
	CullingInfos         SparseArray[PrimitiveGroupCullingInfo]
	InstanceCullingInfos SparseSpanArray[InstanceCullingInfo]

	primitives map[uuid.UUID]*primitiveRecord
}

func NewScene() *Scene {
	return &Scene{primitives: make(map[uuid.UUID]*primitiveRecord)}
}

func (s *Scene) AddPrimitive(desc PrimitiveDesc) (int, error) {
	if _, ok := s.primitives[desc.ID]; ok {
		return -1, fmt.Errorf("%w: %s", ErrDuplicatePrimitive, desc.ID)
	}
	gi := s.Groups.Add(PrimitiveGroup{
		ID:                   desc.ID,
		InstanceIndex:        -1,
		Bounds:               desc.Bounds,
		Cards:                append([]CardDesc(nil), desc.Cards...),
		FarField:             desc.FarField,
		OpaqueOrMasked:       desc.OpaqueOrMasked,
		EmissiveLightSource:  desc.EmissiveLightSource,
		CardSharingID:        desc.CardSharingID,
		Proxy:                desc.Proxy,
		MeshCardsIndex:       -1,
		InstanceCullingIndex: -1,
	})
	ci := s.CullingInfos.Add(PrimitiveGroupCullingInfo{
		Bounds:              desc.Bounds,
		FarField:            desc.FarField,
		OpaqueOrMasked:      desc.OpaqueOrMasked,
		EmissiveLightSource: desc.EmissiveLightSource,
		PrimitiveGroupIndex: gi,
	})
	s.Groups.At(gi).CullingInfoIndex = ci
	s.primitives[desc.ID] = &primitiveRecord{groups: []int{gi}, cullingInfo: ci}
	return gi, nil
}

// AddInstancedPrimitive creates one group per instance behind a single coarse
// culling entry covering all instances.
func (s *Scene) AddInstancedPrimitive(desc InstancedPrimitiveDesc) ([]int, error) {
	if _, ok := s.primitives[desc.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicatePrimitive, desc.ID)
	}
	if len(desc.Instances) == 0 {
		return nil, fmt.Errorf("%w: %s has no instances", ErrInvalidConfig, desc.ID)
	}

	sharingID := desc.ID
	if desc.DisableCardSharing {
		sharingID = uuid.Nil
	}

	n := len(desc.Instances)
	first := s.InstanceCullingInfos.AddSpan(n)
	ci := s.CullingInfos.Add(PrimitiveGroupCullingInfo{
		NumInstances:        n,
		FirstInstance:       first,
		FarField:            desc.FarField,
		OpaqueOrMasked:      desc.OpaqueOrMasked,
		EmissiveLightSource: desc.EmissiveLightSource,
		PrimitiveGroupIndex: -1,
	})

	groups := make([]int, 0, n)
	var union AABB
	for i, m := range desc.Instances {
		bounds := desc.LocalBounds.Transform(m)
		cards := make([]CardDesc, len(desc.LocalCards))
		for c, lc := range desc.LocalCards {
			obb, mirrored := lc.OBB.Transform(m)
			cards[c] = CardDesc{
				OBB:             obb,
				ResolutionScale: lc.ResolutionScale,
				AxisFlip:        lc.AxisFlip != mirrored,
			}
		}
		gi := s.Groups.Add(PrimitiveGroup{
			ID:                   desc.ID,
			InstanceIndex:        i,
			Bounds:               bounds,
			Cards:                cards,
			FarField:             desc.FarField,
			OpaqueOrMasked:       desc.OpaqueOrMasked,
			EmissiveLightSource:  desc.EmissiveLightSource,
			CardSharingID:        sharingID,
			Proxy:                desc.Proxy,
			MeshCardsIndex:       -1,
			CullingInfoIndex:     ci,
			InstanceCullingIndex: first + i,
		})
		*s.InstanceCullingInfos.At(first + i) = InstanceCullingInfo{
			Bounds:              bounds,
			PrimitiveGroupIndex: gi,
		}
		if i == 0 {
			union = bounds
		} else {
			union = union.Union(bounds)
		}
		groups = append(groups, gi)
	}
	s.CullingInfos.At(ci).Bounds = union
	s.primitives[desc.ID] = &primitiveRecord{groups: groups, cullingInfo: ci}
	return groups, nil
}

// GroupsOf returns the group indices registered for id.
func (s *Scene) GroupsOf(id uuid.UUID) ([]int, error) {
	rec, ok := s.primitives[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPrimitive, id)
	}
	return rec.groups, nil
}

// Remove drops a primitive and its culling data. Groups must not own MeshCards.
func (s *Scene) Remove(id uuid.UUID) error {
	rec, ok := s.primitives[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPrimitive, id)
	}
	for _, gi := range rec.groups {
		if g := s.Groups.At(gi); g != nil && g.MeshCardsIndex >= 0 {
			return fmt.Errorf("remove %s: group %d still owns mesh cards %d", id, gi, g.MeshCardsIndex)
		}
	}
	if info := s.CullingInfos.At(rec.cullingInfo); info != nil && info.Coarse() {
		s.InstanceCullingInfos.RemoveSpan(info.FirstInstance, info.NumInstances)
	}
	s.CullingInfos.Remove(rec.cullingInfo)
	for _, gi := range rec.groups {
		s.Groups.Remove(gi)
	}
	delete(s.primitives, id)
	return nil
}

func (s *Scene) NumPrimitives() int { return len(s.primitives) }

// SetMeshCards records the MeshCards owned by group gi (-1 for none) and
// mirrors it into the culling data.
func (s *Scene) SetMeshCards(gi, meshCardsIndex int) {
	g := s.Groups.At(gi)
	if g == nil {
		return
	}
	g.MeshCardsIndex = meshCardsIndex
	valid := meshCardsIndex >= 0
	if g.InstanceCullingIndex >= 0 {
		inst := s.InstanceCullingInfos.At(g.InstanceCullingIndex)
		if inst == nil || inst.ValidMeshCards == valid {
			return
		}
		inst.ValidMeshCards = valid
		if info := s.CullingInfos.At(g.CullingInfoIndex); info != nil {
			if valid {
				info.NumInstanceMeshCards++
			} else {
				info.NumInstanceMeshCards--
			}
		}
		return
	}
	if info := s.CullingInfos.At(g.CullingInfoIndex); info != nil {
		info.ValidMeshCards = valid
	}
}

// UpdateBounds moves a non-instanced primitive.
func (s *Scene) UpdateBounds(id uuid.UUID, bounds AABB, cards []CardDesc) error {
	rec, ok := s.primitives[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPrimitive, id)
	}
	info := s.CullingInfos.At(rec.cullingInfo)
	if info == nil || info.Coarse() || len(rec.groups) != 1 {
		return fmt.Errorf("update bounds of %s: instanced primitives cannot be moved", id)
	}
	g := s.Groups.At(rec.groups[0])
	g.Bounds = bounds
	if cards != nil {
		g.Cards = append(g.Cards[:0], cards...)
	}
	info.Bounds = bounds
	return nil
}

func (s *Scene) Clear() {
	s.Groups.Clear()
	s.CullingInfos.Clear()
	s.InstanceCullingInfos.Clear()
	clear(s.primitives)
}
