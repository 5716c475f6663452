package usecase

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/example/hair-overlay/internal/detector"
	"github.com/example/hair-overlay/internal/overlay"
	"github.com/example/hair-overlay/internal/render"
	"github.com/example/hair-overlay/internal/retry"
)

var (
	// ErrUnknownStyle is returned when a style id is not in the catalog.
	ErrUnknownStyle = errors.New("unknown style")
	// ErrOpacityOutOfRange is returned for opacity values outside [0,1].
	ErrOpacityOutOfRange = errors.New("opacity must be within [0,1]")
	// ErrInvalidFrame is returned when a frame cannot be decoded.
	ErrInvalidFrame = errors.New("invalid frame image")
	// ErrNoSurface is returned for a snapshot before any frame was rendered.
	ErrNoSurface = errors.New("no frame rendered for session")
)

// Options tunes the use case.
type Options struct {
	DefaultOpacity float64
	StateTTL       time.Duration
	MaxSurfaces    int
	// MaxFramePixels bounds width*height of a decoded frame.
	MaxFramePixels int64
}

// DefaultMaxFramePixels admits frames up to 4096x4096.
const DefaultMaxFramePixels = 4096 * 4096

// OverlayUseCase runs the per-frame pipeline and the render state commands.
type OverlayUseCase struct {
	repo           SnapshotRepository
	cache          Cache
	detector       detector.Client
	library        *overlay.Library
	compositor     *render.Compositor
	logger         *zap.Logger
	defaultOpacity float64
	stateTTL       time.Duration
	maxFramePixels int64
	retry          retry.Policy
	surfaces       *surfaceStore
	stats          *frameStats
	now            func() time.Time
}

// NewOverlayUseCase constructs a new use case instance. det may be nil when no
// landmark detector is configured.
func NewOverlayUseCase(repo SnapshotRepository, cache Cache, det detector.Client, library *overlay.Library, compositor *render.Compositor, logger *zap.Logger, opts Options) *OverlayUseCase {
	if opts.StateTTL <= 0 {
		opts.StateTTL = 12 * time.Hour
	}
	if opts.MaxSurfaces <= 0 {
		opts.MaxSurfaces = 1024
	}
	if opts.MaxFramePixels <= 0 {
		opts.MaxFramePixels = DefaultMaxFramePixels
	}
	return &OverlayUseCase{
		repo:           repo,
		cache:          cache,
		detector:       det,
		library:        library,
		compositor:     compositor,
		logger:         logger.Named("overlay_usecase"),
		defaultOpacity: opts.DefaultOpacity,
		stateTTL:       opts.StateTTL,
		maxFramePixels: opts.MaxFramePixels,
		retry:          retry.DefaultPolicy,
		surfaces:       newSurfaceStore(opts.MaxSurfaces),
		stats:          newFrameStats(),
		now:            time.Now,
	}
}

// Styles lists the catalog in display order.
func (uc *OverlayUseCase) Styles() []overlay.Style {
	styles := uc.library.Catalog().Styles
	out := make([]overlay.Style, len(styles))
	copy(out, styles)
	return out
}
