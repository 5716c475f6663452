package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/hair-overlay/internal/auth"
	"github.com/example/hair-overlay/internal/landmark"
	"github.com/example/hair-overlay/internal/usecase"
)

// MaxUploadSize bounds one uploaded frame.
const MaxUploadSize = 8 << 20

// multipartOverhead leaves room for boundaries and the landmarks field.
const multipartOverhead = 1 << 20

var allowedFrameTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/webp": true,
}

var errFrameTooLarge = errors.New("frame exceeds upload limit")

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc *usecase.OverlayUseCase, authMiddleware gin.HandlerFunc, limiter *RateLimiter, logger *zap.Logger) {
	logger = logger.Named("handlers")

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/styles", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"styles": uc.Styles()})
	})

	authorized := router.Group("/", authMiddleware)

	authorized.GET("/state", func(c *gin.Context) {
		sessionID, ok := sessionFrom(c)
		if !ok {
			return
		}
		st, err := uc.GetState(c.Request.Context(), sessionID)
		if err != nil {
			respondError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, st)
	})

	authorized.PUT("/state/style", func(c *gin.Context) {
		sessionID, ok := sessionFrom(c)
		if !ok {
			return
		}
		var body struct {
			StyleID string `json:"style_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "style_id is required"})
			return
		}
		st, err := uc.SelectStyle(c.Request.Context(), sessionID, body.StyleID)
		if err != nil {
			respondError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, st)
	})

	authorized.PUT("/state/opacity", func(c *gin.Context) {
		sessionID, ok := sessionFrom(c)
		if !ok {
			return
		}
		var body struct {
			Opacity *float64 `json:"opacity" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "opacity is required"})
			return
		}
		st, err := uc.SetOpacity(c.Request.Context(), sessionID, *body.Opacity)
		if err != nil {
			respondError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, st)
	})

	authorized.POST("/frames", limiter.Middleware(), func(c *gin.Context) {
		sessionID, ok := sessionFrom(c)
		if !ok {
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)

		file, err := c.FormFile("frame")
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": errFrameTooLarge.Error()})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "frame file is required"})
			return
		}

		data, status, err := readFrame(file)
		if err != nil {
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		req := usecase.FrameRequest{Image: data}
		if raw := c.PostForm("landmarks"); raw != "" {
			faces, err := parseFaces([]byte(raw))
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			req.Faces = faces
		}
		if detect := c.PostForm("detect"); detect != "" {
			req.Detect, err = strconv.ParseBool(detect)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "detect must be a boolean"})
				return
			}
		}

		result, err := uc.RenderFrame(c.Request.Context(), sessionID, req)
		if err != nil {
			respondError(c, logger, err)
			return
		}

		c.Header("X-Frame-ID", result.FrameID)
		c.Header("X-Overlay-Applied", strconv.FormatBool(result.Report.Overlaid))
		c.Header("X-Overlay-Reason", string(result.Report.Reason))
		c.Data(http.StatusOK, "image/png", result.PNG)
	})

	authorized.POST("/snapshots", func(c *gin.Context) {
		sessionID, ok := sessionFrom(c)
		if !ok {
			return
		}
		snap, err := uc.Snapshot(c.Request.Context(), sessionID)
		if err != nil {
			respondError(c, logger, err)
			return
		}
		c.Header("X-Snapshot-ID", snap.Log.SnapshotID)
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="snapshot-%s.png"`, snap.Log.SnapshotID))
		c.Data(http.StatusOK, "image/png", snap.PNG)
	})

	authorized.GET("/snapshots/:id", func(c *gin.Context) {
		sessionID, ok := sessionFrom(c)
		if !ok {
			return
		}
		snapshotID := c.Param("id")
		if snapshotID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
			return
		}

		log, err := uc.GetSnapshot(c.Request.Context(), sessionID, snapshotID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "snapshot not found"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"snapshot_id": log.SnapshotID,
			"style_id":    log.StyleID,
			"opacity":     log.Opacity,
			"overlaid":    log.Overlaid,
			"width":       log.Width,
			"height":      log.Height,
			"size_bytes":  log.SizeBytes,
			"sha1":        log.SHA1Hash,
			"created_at":  log.CreatedAt,
		})
	})

	authorized.GET("/metrics/summary", func(c *gin.Context) {
		summary, err := uc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			respondError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	})

	authorized.GET("/stream", newStreamHandler(uc, limiter, logger))
}

func sessionFrom(c *gin.Context) (string, bool) {
	sessionID, ok := auth.SessionID(c.Request.Context())
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing session"})
	}
	return sessionID, ok
}

// readFrame returns the upload bytes, or the status to reject it with.
func readFrame(file *multipart.FileHeader) ([]byte, int, error) {
	if file.Size > MaxUploadSize {
		return nil, http.StatusRequestEntityTooLarge, errFrameTooLarge
	}

	src, err := file.Open()
	if err != nil {
		return nil, http.StatusBadRequest, errors.New("unable to open frame")
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, MaxUploadSize+1))
	if err != nil {
		return nil, http.StatusInternalServerError, errors.New("failed to read frame")
	}
	if len(data) > MaxUploadSize {
		return nil, http.StatusRequestEntityTooLarge, errFrameTooLarge
	}

	contentType := file.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	if !allowedFrameTypes[contentType] {
		return nil, http.StatusUnsupportedMediaType, fmt.Errorf("unsupported frame type %q", contentType)
	}
	return data, http.StatusOK, nil
}

func parseFaces(raw []byte) ([]landmark.Sequence, error) {
	var faces []landmark.Sequence
	if err := json.Unmarshal(raw, &faces); err != nil {
		return nil, errors.New("landmarks must be a JSON array of point arrays")
	}
	return faces, nil
}

func respondError(c *gin.Context, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, usecase.ErrUnknownStyle),
		errors.Is(err, usecase.ErrOpacityOutOfRange),
		errors.Is(err, usecase.ErrInvalidFrame):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, usecase.ErrNoSurface):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
