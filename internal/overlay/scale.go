package overlay

import (
	"math"

	"github.com/example/hair-overlay/internal/landmark"
)

// Dimensions is the overlay size on the surface and its offset above the anchor.
type Dimensions struct {
	Width          float64 `json:"width"`
	Height         float64 `json:"height"`
	VerticalOffset float64 `json:"vertical_offset"`
}

// Scale sizes a style image for a placement. The native aspect ratio is kept
// for every input; ok is false when nothing drawable results.
func Scale(p landmark.Placement, style Style, nativeW, nativeH int) (Dimensions, bool) {
	if nativeW <= 0 || nativeH <= 0 {
		return Dimensions{}, false
	}

	base := p.WidthPx
	if style.Basis == BasisExtent {
		base = math.Max(p.WidthPx, p.HeightPx)
	}
	if !(base > 0) || !(style.Scale > 0) {
		return Dimensions{}, false
	}

	width := base * style.Scale
	height := width * (float64(nativeH) / float64(nativeW))
	offset := -height * style.YRatio
	if math.IsInf(width, 0) || math.IsInf(height, 0) || math.IsNaN(offset) || math.IsInf(offset, 0) {
		return Dimensions{}, false
	}
	return Dimensions{
		Width:          width,
		Height:         height,
		VerticalOffset: offset,
	}, true
}
