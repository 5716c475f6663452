// Package render composites camera frames and hairstyle overlays.
package render

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"

	"github.com/example/hair-overlay/internal/landmark"
	"github.com/example/hair-overlay/internal/overlay"
)

// Reason explains the outcome of one composite.
type Reason string

const (
	ReasonOverlaid         Reason = "overlaid"
	ReasonNoFace           Reason = "no_face"
	ReasonInvalidLandmarks Reason = "invalid_landmarks"
	ReasonAssetMissing     Reason = "asset_missing"
	ReasonUnscalable       Reason = "unscalable"
	ReasonTransparent      Reason = "transparent"
)

// Reasons lists every outcome, in reporting order.
var Reasons = []Reason{
	ReasonOverlaid,
	ReasonNoFace,
	ReasonInvalidLandmarks,
	ReasonAssetMissing,
	ReasonUnscalable,
	ReasonTransparent,
}

// RenderContext is the render state read once for a frame.
type RenderContext struct {
	Style   overlay.Style
	Asset   *overlay.Asset
	Opacity float64
}

// Report describes what Compose did.
type Report struct {
	Overlaid   bool                `json:"overlaid"`
	Reason     Reason              `json:"reason"`
	StyleID    string              `json:"style_id,omitempty"`
	Opacity    float64             `json:"opacity"`
	Placement  *landmark.Placement `json:"placement,omitempty"`
	Dimensions *overlay.Dimensions `json:"dimensions,omitempty"`
}

// Compositor draws frames with the selected overlay. Width and Height fix the
// surface size; zero means the surface follows each frame.
type Compositor struct {
	Mapper landmark.Mapper
	Width  int
	Height int
}

// NewCompositor returns a compositor for the given mapper and surface size.
func NewCompositor(mapper landmark.Mapper, width, height int) *Compositor {
	return &Compositor{Mapper: mapper, Width: width, Height: height}
}

// Compose renders one frame onto a fresh surface. Only the first face is used.
// Per-frame problems never fail the call: the result degrades to the raw frame
// and the report says why.
func (c *Compositor) Compose(frame image.Image, faces []landmark.Sequence, rc RenderContext) (*image.RGBA, Report) {
	w, h := c.surfaceSize(frame)
	surface := image.NewRGBA(image.Rect(0, 0, w, h))
	drawFrame(surface, frame)

	report := Report{Reason: ReasonNoFace, StyleID: rc.Style.ID, Opacity: rc.Opacity}

	placement, ok, err := c.Mapper.PlaceFirst(faces, w, h)
	if err != nil {
		report.Reason = ReasonInvalidLandmarks
		return surface, report
	}
	if !ok {
		return surface, report
	}
	report.Placement = &placement

	asset := rc.Asset
	if asset == nil || asset.Image == nil || asset.StyleID != rc.Style.ID {
		report.Reason = ReasonAssetMissing
		return surface, report
	}

	dims, ok := overlay.Scale(placement, rc.Style, asset.Width, asset.Height)
	if !ok {
		report.Reason = ReasonUnscalable
		return surface, report
	}
	report.Dimensions = &dims

	opacity := rc.Opacity
	if !(opacity > 0) {
		report.Reason = ReasonTransparent
		return surface, report
	}
	if opacity > 1 {
		opacity = 1
	}

	src := asset.Image.Bounds()
	m := OverlayMatrix(placement, dims, asset.Width, asset.Height).Translate(-float64(src.Min.X), -float64(src.Min.Y))
	draw.BiLinear.Transform(surface, m.Aff3(), asset.Image, src, draw.Over, opacityMask(opacity))

	report.Overlaid = true
	report.Reason = ReasonOverlaid
	return surface, report
}

func (c *Compositor) surfaceSize(frame image.Image) (int, int) {
	if c.Width > 0 && c.Height > 0 {
		return c.Width, c.Height
	}
	if frame == nil {
		return 1, 1
	}
	b := frame.Bounds()
	return b.Dx(), b.Dy()
}

func drawFrame(surface *image.RGBA, frame image.Image) {
	if frame == nil {
		return
	}
	fb := frame.Bounds()
	sb := surface.Bounds()
	if fb.Dx() == sb.Dx() && fb.Dy() == sb.Dy() {
		draw.Draw(surface, sb, frame, fb.Min, draw.Src)
		return
	}
	draw.BiLinear.Scale(surface, sb, frame, fb, draw.Src, nil)
}

// opacityMask is nil for a fully opaque draw.
func opacityMask(opacity float64) *draw.Options {
	if opacity >= 1 {
		return nil
	}
	return &draw.Options{
		SrcMask: image.NewUniform(color.Alpha16{A: uint16(math.Round(opacity * 0xffff))}),
	}
}
