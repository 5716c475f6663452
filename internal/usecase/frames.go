package usecase

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "golang.org/x/image/webp"

	"github.com/example/hair-overlay/internal/landmark"
	"github.com/example/hair-overlay/internal/logging"
	"github.com/example/hair-overlay/internal/render"
)

// FrameRequest is one camera frame with the detector output for it. Detect
// asks the configured detector for landmarks when Faces is empty.
type FrameRequest struct {
	Image  []byte
	Faces  []landmark.Sequence
	Detect bool
}

// FrameResult is the composited frame.
type FrameResult struct {
	FrameID string
	PNG     []byte
	Width   int
	Height  int
	Report  render.Report
}

// RenderFrame composites one frame for the session. Missing faces, missing
// assets, detector and state-store failures all degrade to the raw frame;
// only an undecodable frame is an error.
func (uc *OverlayUseCase) RenderFrame(ctx context.Context, sessionID string, req FrameRequest) (*FrameResult, error) {
	frameID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.render_frame", frameID)
	start := uc.now()

	frame, err := uc.decodeFrame(req.Image)
	if err != nil {
		return nil, logging.NewOperationError("usecase.decode_frame", frameID, err)
	}

	faces := req.Faces
	if len(faces) == 0 && req.Detect && uc.detector != nil {
		detected, err := uc.detector.Detect(ctx, frameID, req.Image)
		if err != nil {
			opLogger.Warn("landmark detection failed, drawing raw frame", zap.Error(err))
		} else {
			faces = detected
		}
	}

	st, err := uc.GetState(ctx, sessionID)
	if err != nil {
		opLogger.Warn("render state unavailable, using defaults", zap.Error(err))
		st = uc.defaultState()
	}

	surface, report := uc.compositor.Compose(frame, faces, uc.renderContext(st))
	uc.surfaces.put(sessionID, storedSurface{image: surface, report: report, at: uc.now()})
	uc.stats.record(report.Reason)

	var buf bytes.Buffer
	if err := png.Encode(&buf, surface); err != nil {
		return nil, logging.NewOperationError("usecase.encode_frame", frameID, err)
	}

	opLogger.Debug("frame composited",
		zap.String("session_id", sessionID),
		zap.String("reason", string(report.Reason)),
		zap.String("style_id", report.StyleID),
		zap.Int("faces", len(faces)),
		zap.Duration("elapsed", uc.now().Sub(start)),
	)

	b := surface.Bounds()
	return &FrameResult{
		FrameID: frameID,
		PNG:     buf.Bytes(),
		Width:   b.Dx(),
		Height:  b.Dy(),
		Report:  report,
	}, nil
}

// decodeFrame reads the header first so oversized frames are rejected before
// any pixel buffer is allocated.
func (uc *OverlayUseCase) decodeFrame(data []byte) (image.Image, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	pixels := int64(cfg.Width) * int64(cfg.Height)
	if cfg.Width <= 0 || cfg.Height <= 0 || pixels > uc.maxFramePixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds the %d pixel limit", ErrInvalidFrame, cfg.Width, cfg.Height, uc.maxFramePixels)
	}

	frame, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return frame, nil
}

type storedSurface struct {
	image  *image.RGBA
	report render.Report
	at     time.Time
}

// surfaceStore keeps the latest composited surface per session for snapshots.
// Surfaces are never written after Compose returns, so sharing them is safe.
type surfaceStore struct {
	mu      sync.Mutex
	max     int
	entries map[string]storedSurface
}

func newSurfaceStore(max int) *surfaceStore {
	return &surfaceStore{max: max, entries: make(map[string]storedSurface)}
}

func (s *surfaceStore) put(sessionID string, surf storedSurface) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[sessionID]; !exists && len(s.entries) >= s.max {
		var oldestID string
		var oldest time.Time
		for id, e := range s.entries {
			if oldestID == "" || e.at.Before(oldest) {
				oldestID, oldest = id, e.at
			}
		}
		delete(s.entries, oldestID)
	}
	s.entries[sessionID] = surf
}

func (s *surfaceStore) get(sessionID string) (storedSurface, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	surf, ok := s.entries[sessionID]
	return surf, ok
}
