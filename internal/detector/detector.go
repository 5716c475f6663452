// Package detector describes the external facial landmark detector.
package detector

import (
	"context"

	"github.com/example/hair-overlay/internal/landmark"
)

// Client is the subset of the landmark detector used by the frame pipeline.
// Detect returns one sequence per face found in the encoded image, best face first.
type Client interface {
	Detect(ctx context.Context, frameID string, image []byte) ([]landmark.Sequence, error)
}
