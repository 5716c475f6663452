package repository

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/hair-overlay/internal/retry"
)

// SnapshotLog records one exported snapshot. Image bytes are never stored.
type SnapshotLog struct {
	ID         uint      `gorm:"primaryKey"`
	SnapshotID string    `gorm:"column:snapshot_id;uniqueIndex;size:64"`
	SessionID  string    `gorm:"column:session_id;index;size:128"`
	StyleID    string    `gorm:"column:style_id;size:64"`
	Opacity    float64   `gorm:"column:opacity"`
	Overlaid   bool      `gorm:"column:overlaid"`
	Width      int       `gorm:"column:width"`
	Height     int       `gorm:"column:height"`
	SizeBytes  int       `gorm:"column:size_bytes"`
	SHA1Hash   string    `gorm:"column:sha1_hash;size:40"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (SnapshotLog) TableName() string {
	return "snapshot_logs"
}

// SnapshotRepository persists snapshot logs.
type SnapshotRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewSnapshotRepository creates a new repository instance.
func NewSnapshotRepository(db *gorm.DB, logger *zap.Logger) *SnapshotRepository {
	return &SnapshotRepository{
		db:             db,
		logger:         logger.Named("snapshot_repository"),
		retryAttempts:  retry.DefaultPolicy.Attempts,
		initialBackoff: retry.DefaultPolicy.InitialBackoff,
		maxBackoff:     retry.DefaultPolicy.MaxBackoff,
	}
}

// AutoMigrate ensures the schema is available.
func (r *SnapshotRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&SnapshotLog{})
	})
}

// SaveLog persists a snapshot log entry.
func (r *SnapshotRepository) SaveLog(ctx context.Context, log *SnapshotLog) error {
	return r.executeWithRetry(ctx, "repository.save_snapshot", log.SnapshotID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindBySnapshotIDAndSession retrieves a snapshot log owned by the session.
func (r *SnapshotRepository) FindBySnapshotIDAndSession(ctx context.Context, snapshotID, sessionID string) (*SnapshotLog, error) {
	var log SnapshotLog
	err := r.executeWithRetry(ctx, "repository.find_snapshot", snapshotID, func() error {
		return r.db.WithContext(ctx).First(&log, "snapshot_id = ? AND session_id = ?", snapshotID, sessionID).Error
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// CountSnapshots returns the number of logged snapshots.
func (r *SnapshotRepository) CountSnapshots(ctx context.Context) (int64, error) {
	var count int64
	err := r.executeWithRetry(ctx, "repository.count_snapshots", "", func() error {
		return r.db.WithContext(ctx).Model(&SnapshotLog{}).Count(&count).Error
	})
	return count, err
}

func (r *SnapshotRepository) executeWithRetry(ctx context.Context, operation, key string, fn func() error) error {
	policy := retry.Policy{
		Attempts:       r.retryAttempts,
		InitialBackoff: r.initialBackoff,
		MaxBackoff:     r.maxBackoff,
	}
	return retry.Do(ctx, r.logger, policy, operation, key, fn)
}
