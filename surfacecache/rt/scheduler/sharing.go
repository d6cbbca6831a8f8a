package scheduler

import (
	"image"
	"slices"

	"github.com/gekko3d/lumen/surfacecache/rt/core"
	"github.com/gekko3d/lumen/surfacecache/rt/pagetable"
)

// SharingTable indexes cards by sharing key so a new page can be copied from
// an already captured card of the same mesh. Registrations are deferred to
// Reconcile; removals take effect immediately.
type SharingTable struct {
	cards   map[core.SharingKey][]int
	pending []int
}

func NewSharingTable() *SharingTable {
	return &SharingTable{cards: make(map[core.SharingKey][]int)}
}

func (t *SharingTable) Register(cardIndex int) {
	t.pending = append(t.pending, cardIndex)
}

func (t *SharingTable) Unregister(cardIndex int, key core.SharingKey) {
	t.pending = slices.DeleteFunc(t.pending, func(c int) bool { return c == cardIndex })
	list := slices.DeleteFunc(t.cards[key], func(c int) bool { return c == cardIndex })
	if len(list) == 0 {
		delete(t.cards, key)
		return
	}
	t.cards[key] = list
}

// Reconcile moves pending registrations into the table and returns how many
// were added. Cards that were removed in the meantime are skipped.
func (t *SharingTable) Reconcile(reg *core.Registry) int {
	added := 0
	for _, ci := range t.pending {
		card := reg.Cards.At(ci)
		if card == nil {
			continue
		}
		key, ok := card.SharingKey()
		if !ok || slices.Contains(t.cards[key], ci) {
			continue
		}
		t.cards[key] = append(t.cards[key], ci)
		added++
	}
	t.pending = t.pending[:0]
	return added
}

// Len returns the number of registered cards.
func (t *SharingTable) Len() int {
	n := 0
	for _, list := range t.cards {
		n += len(list)
	}
	return n
}

func (t *SharingTable) Clear() {
	clear(t.cards)
	t.pending = t.pending[:0]
}

// FindCopySource looks for a registered card with the same sharing key whose
// mip at e.ResLevel or above is fully mapped and was captured before frame on
// every GPU in mask. It returns the card and the blits that fill captureRect
// from the persistent atlas.
func (t *SharingTable) FindCopySource(reg *core.Registry, pt *pagetable.PageTable, cardIndex int, e *core.PageTableEntry, captureRect image.Rectangle, frame uint32, mask core.GPUMask) (int, []core.AtlasBlit, bool) {
	card := reg.Cards.At(cardIndex)
	if card == nil {
		return -1, nil, false
	}
	key, ok := card.SharingKey()
	if !ok {
		return -1, nil, false
	}

	for _, src := range t.cards[key] {
		if src == cardIndex {
			continue
		}
		sc := reg.Cards.At(src)
		if sc == nil {
			continue
		}
		if k, ok := sc.SharingKey(); !ok || k != key {
			continue
		}
		level := residentLevel(pt, sc, e.ResLevel, frame, mask)
		if level < 0 {
			continue
		}

		flip := sc.AxisFlip != card.AxisFlip
		want := e.CardUVRect
		if flip {
			want = want.FlipX()
		}
		mip := sc.MipMap(level)
		var blits []core.AtlasBlit
		for i := 0; i < mip.PageTableSpanSize; i++ {
			se := pt.Entry(mip.PageTableIndex(i))
			in := want.Intersect(se.CardUVRect)
			if in.Empty() {
				continue
			}
			dstUV := in
			if flip {
				dstUV = in.FlipX()
			}
			b := core.AtlasBlit{
				Src:   core.SubRect(se.PhysicalAtlasRect, se.CardUVRect, in),
				Dst:   core.SubRect(captureRect, e.CardUVRect, dstUV),
				FlipX: flip,
			}
			if b.Src.Empty() || b.Dst.Empty() {
				continue
			}
			blits = append(blits, b)
		}
		if len(blits) > 0 {
			return src, blits, true
		}
	}
	return -1, nil, false
}

// residentLevel returns the lowest level >= minLevel at which every page of
// the card is mapped and captured on all GPUs in mask before frame, or -1.
func residentLevel(pt *pagetable.PageTable, card *core.Card, minLevel int, frame uint32, mask core.GPUMask) int {
	for level := max(minLevel, card.MinAllocatedResLevel); level <= card.MaxAllocatedResLevel; level++ {
		mip := card.MipMap(level)
		if !mip.IsAllocated() {
			continue
		}
		complete := true
		for i := 0; i < mip.PageTableSpanSize && complete; i++ {
			page := mip.PageTableIndex(i)
			if !pt.Entry(page).IsMapped() {
				complete = false
				break
			}
			mask.Each(pt.NumGPUs(), func(g int) {
				if !pt.IsCapturedOn(page, g, frame) {
					complete = false
				}
			})
		}
		if complete {
			return level
		}
	}
	return -1
}
