package gpu

import (
	"sort"

	"github.com/gekko3d/lumen/surfacecache/rt/core"
	"github.com/gekko3d/lumen/surfacecache/rt/pagetable"
)

// Table is the CPU mirror of one GPU scene table. Slots are packed when
// dirty; Flush uploads everything after growth and only dirty ranges
// otherwise.
type Table struct {
	Name   string
	Stride int

	data  []byte
	count int
	dirty []int
	full  bool
}

func NewTable(name string, stride int) *Table {
	return &Table{Name: name, Stride: stride}
}

func (t *Table) Count() int    { return t.count }
func (t *Table) Bytes() []byte { return t.data[:t.count*t.Stride] }

// Resize grows or shrinks the table to count slots. Growing forces a full
// upload.
func (t *Table) Resize(count int) {
	count = max(count, 1)
	if count == t.count {
		return
	}
	need := count * t.Stride
	if need > len(t.data) {
		grown := make([]byte, need)
		copy(grown, t.data)
		t.data = grown
		t.full = true
	}
	if count > t.count {
		clear(t.data[t.count*t.Stride : need])
		t.full = true
	}
	t.count = count
}

// Set packs slot i. The slot must be within Count.
func (t *Table) Set(i int, pack func(dst []byte)) {
	if i < 0 || i >= t.count {
		return
	}
	pack(t.data[i*t.Stride : (i+1)*t.Stride])
	t.dirty = append(t.dirty, i)
}

// Pending returns the ranges to upload and clears the dirty state. full is
// true when the whole table must be written.
func (t *Table) Pending() (ranges []ByteRange, full bool) {
	full = t.full
	if !full {
		ranges = DirtyRanges(sortedUnique(t.dirty), t.Stride, t.count)
	}
	t.dirty = t.dirty[:0]
	t.full = false
	return ranges, full
}

// Invalidate forces a full upload on the next flush.
func (t *Table) Invalidate() { t.full = true }

func sortedUnique(in []int) []int {
	if len(in) < 2 {
		return in
	}
	seen := make(map[int]struct{}, len(in))
	out := make([]int, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// SceneTables mirrors the registry and page table.
type SceneTables struct {
	Cards     *Table
	MeshCards *Table
	PageTable *Table
}

func NewSceneTables() *SceneTables {
	return &SceneTables{
		Cards:     NewTable("SurfaceCacheCards", CardStride),
		MeshCards: NewTable("SurfaceCacheMeshCards", MeshCardsStride),
		PageTable: NewTable("SurfaceCachePageTable", PageTableEntryStride),
	}
}

// Sync packs the dirty cards and pages. Every mesh-cards slot is repacked;
// there are few of them and they change on add and remove only.
func (s *SceneTables) Sync(reg *core.Registry, pt *pagetable.PageTable, dirtyCards, dirtyPages []int) {
	s.Cards.Resize(reg.Cards.Cap())
	for _, ci := range dirtyCards {
		s.Cards.Set(ci, func(dst []byte) { PackCard(dst, reg.Cards.At(ci)) })
	}

	if s.MeshCards.Count() != max(reg.MeshCards.Cap(), 1) {
		s.MeshCards.Resize(reg.MeshCards.Cap())
		s.MeshCards.Invalidate()
	}
	for mi := 0; mi < reg.MeshCards.Cap(); mi++ {
		s.MeshCards.Set(mi, func(dst []byte) { PackMeshCards(dst, reg.MeshCards.At(mi)) })
	}

	s.PageTable.Resize(pt.Entries.Cap())
	for _, page := range dirtyPages {
		s.PageTable.Set(page, func(dst []byte) { PackPageTableEntry(dst, pt.Entry(page)) })
	}
}

// Rebuild repacks every slot, used after a reset or device loss.
func (s *SceneTables) Rebuild(reg *core.Registry, pt *pagetable.PageTable) {
	cards := make([]int, reg.Cards.Cap())
	for i := range cards {
		cards[i] = i
	}
	pages := make([]int, pt.Entries.Cap())
	for i := range pages {
		pages[i] = i
	}
	s.Sync(reg, pt, cards, pages)
	s.Cards.Invalidate()
	s.MeshCards.Invalidate()
	s.PageTable.Invalidate()
}
