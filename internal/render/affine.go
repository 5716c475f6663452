package render

import (
	"math"

	"golang.org/x/image/math/f64"

	"github.com/example/hair-overlay/internal/landmark"
	"github.com/example/hair-overlay/internal/overlay"
)

// Affine is a 2x3 matrix mapping (x, y) to (A*x + B*y + C, D*x + E*y + F).
// Every method returns a new value; nothing is mutated in place.
type Affine struct {
	A, B, C float64
	D, E, F float64
}

// Identity is the no-op transform.
var Identity = Affine{A: 1, E: 1}

// Translation moves by (tx, ty).
func Translation(tx, ty float64) Affine {
	return Affine{A: 1, C: tx, E: 1, F: ty}
}

// Rotation rotates by theta radians; with y pointing down a positive angle turns clockwise.
func Rotation(theta float64) Affine {
	sin, cos := math.Sincos(theta)
	return Affine{A: cos, B: -sin, D: sin, E: cos}
}

// Scaling scales each axis independently.
func Scaling(sx, sy float64) Affine {
	return Affine{A: sx, E: sy}
}

// Mul returns m*n: n is applied first, then m.
func (m Affine) Mul(n Affine) Affine {
	return Affine{
		A: m.A*n.A + m.B*n.D,
		B: m.A*n.B + m.B*n.E,
		C: m.A*n.C + m.B*n.F + m.C,
		D: m.D*n.A + m.E*n.D,
		E: m.D*n.B + m.E*n.E,
		F: m.D*n.C + m.E*n.F + m.F,
	}
}

// Translate appends a translation applied before m.
func (m Affine) Translate(tx, ty float64) Affine { return m.Mul(Translation(tx, ty)) }

// Rotate appends a rotation applied before m.
func (m Affine) Rotate(theta float64) Affine { return m.Mul(Rotation(theta)) }

// Scale appends a scaling applied before m.
func (m Affine) Scale(sx, sy float64) Affine { return m.Mul(Scaling(sx, sy)) }

// Apply maps a point.
func (m Affine) Apply(x, y float64) (float64, float64) {
	return m.A*x + m.B*y + m.C, m.D*x + m.E*y + m.F
}

// Aff3 converts to the x/image matrix layout.
func (m Affine) Aff3() f64.Aff3 {
	return f64.Aff3{m.A, m.B, m.C, m.D, m.E, m.F}
}

// OverlayMatrix maps overlay source pixels onto the surface: scale the native
// image to the overlay size, shift it so its top centre sits at the vertical
// offset, rotate by the head angle and move it to the head centre.
func OverlayMatrix(p landmark.Placement, d overlay.Dimensions, nativeW, nativeH int) Affine {
	return Translation(p.CenterX, p.CenterY).
		Rotate(p.Angle).
		Translate(-d.Width/2, d.VerticalOffset).
		Scale(d.Width/float64(nativeW), d.Height/float64(nativeH))
}
