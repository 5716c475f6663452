package usecase

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"image/png"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/hair-overlay/internal/logging"
	"github.com/example/hair-overlay/internal/repository"
)

// SnapshotRepository defines the persistence operations needed by the use case.
type SnapshotRepository interface {
	SaveLog(ctx context.Context, log *repository.SnapshotLog) error
	FindBySnapshotIDAndSession(ctx context.Context, snapshotID, sessionID string) (*repository.SnapshotLog, error)
	CountSnapshots(ctx context.Context) (int64, error)
}

// SnapshotResult is an exported copy of the session's current surface.
type SnapshotResult struct {
	PNG []byte
	Log *repository.SnapshotLog
}

// Snapshot encodes the session's latest composited surface as PNG and logs it.
func (uc *OverlayUseCase) Snapshot(ctx context.Context, sessionID string) (*SnapshotResult, error) {
	surf, ok := uc.surfaces.get(sessionID)
	if !ok {
		return nil, ErrNoSurface
	}

	snapshotID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.snapshot", snapshotID)

	var buf bytes.Buffer
	if err := png.Encode(&buf, surf.image); err != nil {
		return nil, logging.NewOperationError("usecase.encode_snapshot", snapshotID, err)
	}

	hash := sha1.Sum(buf.Bytes())
	b := surf.image.Bounds()
	log := &repository.SnapshotLog{
		SnapshotID: snapshotID,
		SessionID:  sessionID,
		StyleID:    surf.report.StyleID,
		Opacity:    surf.report.Opacity,
		Overlaid:   surf.report.Overlaid,
		Width:      b.Dx(),
		Height:     b.Dy(),
		SizeBytes:  buf.Len(),
		SHA1Hash:   hex.EncodeToString(hash[:]),
		CreatedAt:  uc.now().UTC(),
	}
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		opLogger.Error("failed to persist snapshot log", zap.Error(err))
		return nil, err
	}

	opLogger.Info("snapshot exported",
		zap.String("session_id", sessionID),
		zap.Int("size_bytes", log.SizeBytes),
	)
	return &SnapshotResult{PNG: buf.Bytes(), Log: log}, nil
}

// GetSnapshot returns the metadata of a snapshot taken by the session.
func (uc *OverlayUseCase) GetSnapshot(ctx context.Context, sessionID, snapshotID string) (*repository.SnapshotLog, error) {
	return uc.repo.FindBySnapshotIDAndSession(ctx, snapshotID, sessionID)
}
