// Package landmark turns facial landmark sequences from an external detector
// into overlay placement parameters.
package landmark

import (
	"errors"
	"math"
)

var (
	// ErrSequenceTooShort is returned when a sequence cannot address every index of the topology.
	ErrSequenceTooShort = errors.New("landmark sequence too short for topology")
	// ErrInvalidFrameSize is returned for non-positive frame dimensions.
	ErrInvalidFrameSize = errors.New("frame dimensions must be positive")
	// ErrDegenerate is returned when the lateral reference points coincide.
	ErrDegenerate = errors.New("lateral landmarks coincide")
	// ErrOutOfRange is returned for non-finite landmarks or ones far outside the frame.
	ErrOutOfRange = errors.New("landmark outside the frame")
)

// Point is a landmark position normalized to the frame, x and y in [0,1].
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Sequence is the ordered landmark list for one detected face.
type Sequence []Point

// Topology names the landmark indices used for placement. Chin and Nose may
// be -1 to disable the vertical extent measurement.
type Topology struct {
	Left   int `json:"left"`
	Right  int `json:"right"`
	Anchor int `json:"anchor"`
	Chin   int `json:"chin"`
	Nose   int `json:"nose"`
}

// FaceMesh targets the MediaPipe FaceMesh layout (468 points, 478 with iris
// refinement): 71 and 301 sit at the outer forehead corners, 10 is the top of
// the forehead, 152 the chin and 1 the nose tip.
var FaceMesh = Topology{
	Left:   71,
	Right:  301,
	Anchor: 10,
	Chin:   152,
	Nose:   1,
}

// MinLength is the shortest sequence this topology can read.
func (t Topology) MinLength() int {
	maxIdx := t.Left
	for _, idx := range []int{t.Right, t.Anchor, t.Chin, t.Nose} {
		if idx > maxIdx {
			maxIdx = idx
		}
	}
	return maxIdx + 1
}

func (t Topology) hasExtent() bool {
	return t.Chin >= 0 && t.Nose >= 0
}

// Valid reports whether the lateral and anchor indices are usable.
func (t Topology) Valid() bool {
	return t.Left >= 0 && t.Right >= 0 && t.Anchor >= 0 && t.Left != t.Right
}

// Placement is the per-frame head position in surface pixels.
type Placement struct {
	CenterX  float64 `json:"center_x"`
	CenterY  float64 `json:"center_y"`
	WidthPx  float64 `json:"width_px"`
	HeightPx float64 `json:"height_px"`
	Angle    float64 `json:"angle"`
}

// Mapper converts landmark sequences to placements.
type Mapper struct {
	Topology Topology
	// UpwardBias lifts the anchor by a fraction of the frame height.
	UpwardBias float64
}

// NewMapper returns a mapper for the given topology and bias.
func NewMapper(topology Topology, upwardBias float64) Mapper {
	return Mapper{Topology: topology, UpwardBias: upwardBias}
}

// Detectors report points slightly outside [0,1] for partially visible faces;
// anything beyond these bounds is noise.
const (
	minCoord = -1.0
	maxCoord = 2.0
)

func (p Point) inRange() bool {
	return p.X >= minCoord && p.X <= maxCoord && p.Y >= minCoord && p.Y <= maxCoord
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Place derives the head placement for one face.
func (m Mapper) Place(seq Sequence, width, height int) (Placement, error) {
	if width <= 0 || height <= 0 {
		return Placement{}, ErrInvalidFrameSize
	}
	if len(seq) < m.Topology.MinLength() {
		return Placement{}, ErrSequenceTooShort
	}

	left := seq[m.Topology.Left]
	right := seq[m.Topology.Right]
	anchor := seq[m.Topology.Anchor]
	if !left.inRange() || !right.inRange() || !anchor.inRange() {
		return Placement{}, ErrOutOfRange
	}

	dx := right.X - left.X
	dy := right.Y - left.Y
	if dx == 0 && dy == 0 {
		return Placement{}, ErrDegenerate
	}

	w := float64(width)
	h := float64(height)

	p := Placement{
		CenterX: (left.X + right.X) / 2 * w,
		CenterY: anchor.Y*h - m.UpwardBias*h,
		WidthPx: math.Hypot(dx*w, dy*h),
		Angle:   math.Atan2(dy, dx),
	}

	if m.Topology.hasExtent() {
		chin := seq[m.Topology.Chin]
		nose := seq[m.Topology.Nose]
		if !chin.inRange() || !nose.inRange() {
			return Placement{}, ErrOutOfRange
		}
		p.HeightPx = math.Hypot((chin.X-nose.X)*w, (chin.Y-nose.Y)*h)
	}

	if !finite(p.CenterX, p.CenterY, p.WidthPx, p.HeightPx, p.Angle) {
		return Placement{}, ErrOutOfRange
	}
	return p, nil
}

// PlaceFirst places the first face only. ok is false when no face was detected.
func (m Mapper) PlaceFirst(faces []Sequence, width, height int) (p Placement, ok bool, err error) {
	if len(faces) == 0 {
		return Placement{}, false, nil
	}
	p, err = m.Place(faces[0], width, height)
	if err != nil {
		return Placement{}, false, err
	}
	return p, true, nil
}
