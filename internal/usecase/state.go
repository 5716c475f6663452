package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/hair-overlay/internal/logging"
	"github.com/example/hair-overlay/internal/render"
	"github.com/example/hair-overlay/internal/retry"
)

// State is the render state of one session: the selected style and opacity.
type State struct {
	StyleID   string    `json:"style_id"`
	Opacity   float64   `json:"opacity"`
	UpdatedAt time.Time `json:"updated_at"`
}

func stateKey(sessionID string) string {
	return fmt.Sprintf("render_state:%s", sessionID)
}

func (uc *OverlayUseCase) defaultState() State {
	return State{StyleID: uc.library.Catalog().Default().ID, Opacity: uc.defaultOpacity}
}

// GetState returns the session's render state, or the default when none was saved.
func (uc *OverlayUseCase) GetState(ctx context.Context, sessionID string) (State, error) {
	var raw string
	err := retry.Do(ctx, uc.logger, uc.retry, "cache.get.state", sessionID, func() error {
		value, err := uc.cache.Get(ctx, stateKey(sessionID))
		if errors.Is(err, redis.Nil) {
			raw = ""
			return nil
		}
		if err != nil {
			return err
		}
		raw = value
		return nil
	})
	if err != nil {
		return State{}, err
	}
	if raw == "" {
		return uc.defaultState(), nil
	}

	var st State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		logging.WithOperation(uc.logger, "usecase.get_state", sessionID).Warn("discarding undecodable state", zap.Error(err))
		return uc.defaultState(), nil
	}
	if _, ok := uc.library.Catalog().Lookup(st.StyleID); !ok {
		st.StyleID = uc.library.Catalog().Default().ID
	}
	return st, nil
}

// SelectStyle makes styleID the session's style from the next frame on.
func (uc *OverlayUseCase) SelectStyle(ctx context.Context, sessionID, styleID string) (State, error) {
	if _, ok := uc.library.Catalog().Lookup(styleID); !ok {
		return State{}, fmt.Errorf("%w: %q", ErrUnknownStyle, styleID)
	}
	st, err := uc.GetState(ctx, sessionID)
	if err != nil {
		return State{}, err
	}
	st.StyleID = styleID
	return st, uc.saveState(ctx, sessionID, st)
}

// SetOpacity sets the session's overlay opacity from the next frame on.
func (uc *OverlayUseCase) SetOpacity(ctx context.Context, sessionID string, opacity float64) (State, error) {
	if math.IsNaN(opacity) || opacity < 0 || opacity > 1 {
		return State{}, fmt.Errorf("%w: %v", ErrOpacityOutOfRange, opacity)
	}
	st, err := uc.GetState(ctx, sessionID)
	if err != nil {
		return State{}, err
	}
	st.Opacity = opacity
	return st, uc.saveState(ctx, sessionID, st)
}

func (uc *OverlayUseCase) saveState(ctx context.Context, sessionID string, st State) error {
	st.UpdatedAt = uc.now().UTC()
	payload, err := json.Marshal(st)
	if err != nil {
		return logging.NewOperationError("usecase.encode_state", sessionID, err)
	}
	return retry.Do(ctx, uc.logger, uc.retry, "cache.set.state", sessionID, func() error {
		return uc.cache.Set(ctx, stateKey(sessionID), string(payload), uc.stateTTL)
	})
}

// renderContext resolves the state into the values one frame is drawn with.
func (uc *OverlayUseCase) renderContext(st State) render.RenderContext {
	style, ok := uc.library.Catalog().Lookup(st.StyleID)
	if !ok {
		style = uc.library.Catalog().Default()
	}
	rc := render.RenderContext{Style: style, Opacity: st.Opacity}
	if asset, ok := uc.library.Asset(style.ID); ok {
		rc.Asset = asset
	}
	return rc
}
