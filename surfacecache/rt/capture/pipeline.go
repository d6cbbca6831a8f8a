package capture

import (
	"fmt"
	"image"

	"github.com/gekko3d/lumen/surfacecache/rt/core"
)

// Layer is one surface cache atlas.
type Layer int

const (
	LayerAlbedo Layer = iota
	LayerNormal
	LayerEmissive
	LayerDirectLighting
	LayerIndirectLighting
	NumLayers
)

var (
	MaterialLayers = []Layer{LayerAlbedo, LayerNormal, LayerEmissive}
	LightingLayers = []Layer{LayerDirectLighting, LayerIndirectLighting}
	AllLayers      = []Layer{LayerAlbedo, LayerNormal, LayerEmissive, LayerDirectLighting, LayerIndirectLighting}
)

func (l Layer) String() string {
	switch l {
	case LayerAlbedo:
		return "albedo"
	case LayerNormal:
		return "normal"
	case LayerEmissive:
		return "emissive"
	case LayerDirectLighting:
		return "direct"
	case LayerIndirectLighting:
		return "indirect"
	}
	return fmt.Sprintf("layer(%d)", int(l))
}

// Backend performs the atlas operations of a capture frame. The persistent
// atlases are read by Resample and CopyShared and written only by
// CopyToPersistent, which runs last.
type Backend interface {
	BeginFrame(frame uint32) error
	ClearCaptureRects(rects []image.Rectangle) error
	// Resample scales persistent atlas texels into the capture atlas.
	Resample(layers []Layer, blits []core.AtlasBlit) error
	// CopyShared copies every layer of a sibling card into the capture atlas.
	CopyShared(blits []core.AtlasBlit) error
	// DrawCards renders the material layers of pages into their capture rects.
	DrawCards(pages []core.CardPageRenderData) error
	CopyToPersistent(blits []core.AtlasBlit) error
	EndFrame() error
}

// Resizer is implemented by backends whose atlases follow the scheduler
// config. Resizing the persistent atlas drops its contents.
type Resizer interface {
	Resize(physical, capture image.Point) error
}

type Stats struct {
	Pages     int
	Resampled int
	Copied    int
	Drawn     int
}

type Pipeline struct {
	backend Backend
	log     core.Logger
}

func NewPipeline(backend Backend, log core.Logger) *Pipeline {
	return &Pipeline{backend: backend, log: core.LoggerOrNop(log)}
}

func (p *Pipeline) Backend() Backend { return p.backend }

// Execute captures the pages scheduled for this frame. Nothing is submitted
// when there are no pages.
func (p *Pipeline) Execute(frame uint32, pages []core.CardPageRenderData) (Stats, error) {
	var st Stats
	if len(pages) == 0 || p.backend == nil {
		return st, nil
	}
	st.Pages = len(pages)

	clears := make([]image.Rectangle, 0, len(pages))
	persist := make([]core.AtlasBlit, 0, len(pages))
	var resample, copies []core.AtlasBlit
	var draws []core.CardPageRenderData
	for i := range pages {
		pg := &pages[i]
		clears = append(clears, pg.CaptureAtlasRect)
		persist = append(persist, core.AtlasBlit{Src: pg.CaptureAtlasRect, Dst: pg.PhysicalAtlasRect})
		resample = append(resample, pg.Resample...)
		if pg.NeedsDraw() {
			draws = append(draws, *pg)
		} else {
			copies = append(copies, pg.Copies...)
		}
	}
	st.Resampled = len(resample)
	st.Copied = len(copies)
	st.Drawn = len(draws)

	if err := p.backend.BeginFrame(frame); err != nil {
		return st, fmt.Errorf("capture begin frame %d: %w", frame, err)
	}
	if err := p.backend.ClearCaptureRects(clears); err != nil {
		return st, fmt.Errorf("capture clear: %w", err)
	}
	if len(resample) > 0 {
		if err := p.backend.Resample(MaterialLayers, resample); err != nil {
			return st, fmt.Errorf("capture material resample: %w", err)
		}
		if err := p.backend.Resample(LightingLayers, resample); err != nil {
			return st, fmt.Errorf("capture lighting resample: %w", err)
		}
	}
	if len(copies) > 0 {
		if err := p.backend.CopyShared(copies); err != nil {
			return st, fmt.Errorf("capture shared copy: %w", err)
		}
	}
	if len(draws) > 0 {
		if err := p.backend.DrawCards(draws); err != nil {
			return st, fmt.Errorf("capture draw: %w", err)
		}
	}
	if err := p.backend.CopyToPersistent(persist); err != nil {
		return st, fmt.Errorf("capture copy to persistent: %w", err)
	}
	if err := p.backend.EndFrame(); err != nil {
		return st, fmt.Errorf("capture end frame %d: %w", frame, err)
	}
	p.log.Debugf("capture frame %d: %d pages, %d resample, %d shared, %d drawn", frame, st.Pages, st.Resampled, st.Copied, st.Drawn)
	return st, nil
}
