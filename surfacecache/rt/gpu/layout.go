package gpu

import (
	"encoding/binary"
	"math"

	"github.com/gekko3d/lumen/surfacecache/rt/core"
	"github.com/go-gl/mathgl/mgl32"
)

// Byte layouts of the GPU scene tables. All words are little endian and every
// stride is a multiple of 16 so the tables can be read as std430 arrays.
const (
	// struct Card {
	//   center: vec3<f32>, resolution_scale: f32,
	//   axis_x: vec3<f32>, extent_x: f32,
	//   axis_y: vec3<f32>, extent_y: f32,
	//   axis_z: vec3<f32>, extent_z: f32,
	//   mesh_cards: u32, flags: u32, min_level: u32, max_level: u32,
	//   mips: array<vec2<u32>, 9>,  // span offset, size_x | size_y << 16
	//   _pad: vec2<u32>,
	// }
	CardStride = 160

	// struct MeshCards { group: u32, first_card: u32, num_cards: u32, flags: u32 }
	MeshCardsStride = 16

	// struct PageTableEntry {
	//   atlas_min: u32,   // x | y << 16
	//   atlas_size: u32,  // w | h << 16
	//   card: u32,
	//   info: u32,        // level | mapped << 8 | locked << 9 | local_page << 12
	// }
	PageTableEntryStride = 16
)

const (
	CardFlagVisible   = 1 << 0
	CardFlagAxisFlip  = 1 << 1
	CardFlagAllocated = 1 << 2

	MeshCardsFlagFarField = 1 << 0
	MeshCardsFlagEmissive = 1 << 1

	PageInfoMapped = 1 << 8
	PageInfoLocked = 1 << 9
)

// InvalidIndex marks an empty slot in any table.
const InvalidIndex = math.MaxUint32

func putU32(b []byte, off int, v uint32) { binary.LittleEndian.PutUint32(b[off:], v) }

func putF32(b []byte, off int, v float32) { putU32(b, off, math.Float32bits(v)) }

func putVec3(b []byte, off int, v mgl32.Vec3, w float32) {
	putF32(b, off, v.X())
	putF32(b, off+4, v.Y())
	putF32(b, off+8, v.Z())
	putF32(b, off+12, w)
}

func pack16(lo, hi int) uint32 { return uint32(lo)&0xFFFF | uint32(hi)&0xFFFF<<16 }

func boolBit(b bool, bit uint32) uint32 {
	if b {
		return bit
	}
	return 0
}

// PackCard writes card into dst[:CardStride]. A nil card writes an empty slot.
func PackCard(dst []byte, card *core.Card) {
	clear(dst[:CardStride])
	if card == nil {
		putU32(dst, 64, InvalidIndex)
		return
	}
	obb := card.OBB
	putVec3(dst, 0, obb.Center, card.ResolutionScale)
	putVec3(dst, 16, obb.Axes[0], obb.Extent.X())
	putVec3(dst, 32, obb.Axes[1], obb.Extent.Y())
	putVec3(dst, 48, obb.Axes[2], obb.Extent.Z())

	putU32(dst, 64, uint32(card.MeshCardsIndex))
	putU32(dst, 68, boolBit(card.Visible, CardFlagVisible)|
		boolBit(card.AxisFlip, CardFlagAxisFlip)|
		boolBit(card.IsAllocated(), CardFlagAllocated))
	putU32(dst, 72, uint32(max(card.MinAllocatedResLevel, 0)))
	putU32(dst, 76, uint32(max(card.MaxAllocatedResLevel, 0)))

	for i := range card.MipMaps {
		mip := &card.MipMaps[i]
		off := 80 + i*8
		if !mip.IsAllocated() {
			putU32(dst, off, InvalidIndex)
			continue
		}
		putU32(dst, off, uint32(mip.PageTableSpanOffset))
		putU32(dst, off+4, pack16(mip.SizeInPagesX, mip.SizeInPagesY))
	}
}

// PackMeshCards writes mc into dst[:MeshCardsStride].
func PackMeshCards(dst []byte, mc *core.MeshCards) {
	clear(dst[:MeshCardsStride])
	if mc == nil {
		putU32(dst, 0, InvalidIndex)
		return
	}
	putU32(dst, 0, uint32(mc.PrimitiveGroupIndex))
	putU32(dst, 4, uint32(mc.FirstCard))
	putU32(dst, 8, uint32(mc.NumCards))
	putU32(dst, 12, boolBit(mc.FarField, MeshCardsFlagFarField)|boolBit(mc.EmissiveLightSource, MeshCardsFlagEmissive))
}

// PackPageTableEntry writes e into dst[:PageTableEntryStride]. Unmapped
// entries keep their card and level so feedback can still name them.
func PackPageTableEntry(dst []byte, e *core.PageTableEntry) {
	clear(dst[:PageTableEntryStride])
	if e == nil {
		putU32(dst, 8, InvalidIndex)
		return
	}
	if e.Mapped {
		r := e.PhysicalAtlasRect
		putU32(dst, 0, pack16(r.Min.X, r.Min.Y))
		putU32(dst, 4, pack16(r.Dx(), r.Dy()))
	}
	putU32(dst, 8, uint32(e.CardIndex))
	putU32(dst, 12, uint32(e.ResLevel)&0xFF|
		boolBit(e.Mapped, PageInfoMapped)|
		boolBit(e.Locked, PageInfoLocked)|
		uint32(e.LocalPageIndex)<<12)
}

// ByteRange is a span of a table to upload.
type ByteRange struct {
	Offset int
	Size   int
}

// DirtyRanges merges the sorted indices into contiguous byte ranges. Indices at
// or beyond count are dropped.
func DirtyRanges(indices []int, stride, count int) []ByteRange {
	var out []ByteRange
	for _, idx := range indices {
		if idx < 0 || idx >= count {
			continue
		}
		off := idx * stride
		if n := len(out); n > 0 && out[n-1].Offset+out[n-1].Size == off {
			out[n-1].Size += stride
			continue
		}
		if n := len(out); n > 0 && off < out[n-1].Offset+out[n-1].Size {
			continue
		}
		out = append(out, ByteRange{Offset: off, Size: stride})
	}
	return out
}
