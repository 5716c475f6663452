package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/hair-overlay/internal/landmark"
	"github.com/example/hair-overlay/internal/usecase"
)

const (
	streamPingInterval = 30 * time.Second
	streamReadTimeout  = 60 * time.Second
	streamWriteTimeout = 5 * time.Second
)

// streamReadLimit fits one base64 frame at MaxUploadSize plus the JSON around
// it. Larger messages close the connection with 1009.
var streamReadLimit = int64(base64.StdEncoding.EncodedLen(MaxUploadSize) + 64<<10)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 << 10,
	WriteBufferSize: 64 << 10,
	// Sessions are authenticated by token, not by origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamMessage is one client message on /stream.
type streamMessage struct {
	Type    string              `json:"type"`
	Frame   string              `json:"frame,omitempty"`
	Faces   []landmark.Sequence `json:"faces,omitempty"`
	Detect  bool                `json:"detect,omitempty"`
	StyleID string              `json:"style_id,omitempty"`
	Opacity *float64            `json:"opacity,omitempty"`
}

type streamReply struct {
	Type  string         `json:"type"`
	Error string         `json:"error,omitempty"`
	State *usecase.State `json:"state,omitempty"`
}

// newStreamHandler serves the per-frame loop. Messages are handled in order,
// so a connection has at most one frame in flight. Binary messages are raw
// frames for the server-side detector.
func newStreamHandler(uc *usecase.OverlayUseCase, limiter *RateLimiter, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID, ok := sessionFrom(c)
		if !ok {
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close()
		conn.SetReadLimit(streamReadLimit)

		connLogger := logger.With(zap.String("session_id", sessionID))
		connLogger.Info("stream opened")

		ctx, cancel := context.WithCancel(c.Request.Context())
		defer cancel()
		go keepAlive(ctx, conn, connLogger)

		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		})

		clientIP := c.ClientIP()
		for {
			if err := conn.SetReadDeadline(time.Now().Add(streamReadTimeout)); err != nil {
				return
			}
			msgType, payload, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					connLogger.Warn("stream closed unexpectedly", zap.Error(err))
				} else {
					connLogger.Info("stream closed")
				}
				return
			}

			var msg streamMessage
			if msgType == websocket.BinaryMessage {
				msg = streamMessage{Type: "frame", Detect: true}
			} else if err := json.Unmarshal(payload, &msg); err != nil {
				if !writeReply(conn, streamReply{Type: "error", Error: "message must be JSON"}) {
					return
				}
				continue
			}

			if !handleStreamMessage(ctx, conn, uc, limiter, clientIP, sessionID, msg, payload, msgType, connLogger) {
				return
			}
		}
	}
}

// handleStreamMessage reports false once the connection is unusable.
func handleStreamMessage(ctx context.Context, conn *websocket.Conn, uc *usecase.OverlayUseCase, limiter *RateLimiter, clientIP, sessionID string, msg streamMessage, payload []byte, msgType int, logger *zap.Logger) bool {
	switch msg.Type {
	case "frame":
		if !limiter.LimiterFor(clientIP).Allow() {
			return writeReply(conn, streamReply{Type: "error", Error: "too many requests"})
		}

		data := payload
		if msgType != websocket.BinaryMessage {
			decoded, err := base64.StdEncoding.DecodeString(msg.Frame)
			if err != nil || len(decoded) == 0 {
				return writeReply(conn, streamReply{Type: "error", Error: "frame must be base64 encoded image data"})
			}
			data = decoded
		}
		if len(data) > MaxUploadSize {
			return writeReply(conn, streamReply{Type: "error", Error: errFrameTooLarge.Error()})
		}

		result, err := uc.RenderFrame(ctx, sessionID, usecase.FrameRequest{Image: data, Faces: msg.Faces, Detect: msg.Detect})
		if err != nil {
			return writeReply(conn, errorReply(err, logger))
		}
		if err := conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
			return false
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, result.PNG); err != nil {
			logger.Warn("failed to send frame", zap.Error(err))
			return false
		}
		return true

	case "style":
		st, err := uc.SelectStyle(ctx, sessionID, msg.StyleID)
		if err != nil {
			return writeReply(conn, errorReply(err, logger))
		}
		return writeReply(conn, streamReply{Type: "state", State: &st})

	case "opacity":
		if msg.Opacity == nil {
			return writeReply(conn, streamReply{Type: "error", Error: "opacity is required"})
		}
		st, err := uc.SetOpacity(ctx, sessionID, *msg.Opacity)
		if err != nil {
			return writeReply(conn, errorReply(err, logger))
		}
		return writeReply(conn, streamReply{Type: "state", State: &st})

	default:
		return writeReply(conn, streamReply{Type: "error", Error: "unknown message type"})
	}
}

func errorReply(err error, logger *zap.Logger) streamReply {
	if errors.Is(err, usecase.ErrUnknownStyle) || errors.Is(err, usecase.ErrOpacityOutOfRange) || errors.Is(err, usecase.ErrInvalidFrame) {
		return streamReply{Type: "error", Error: err.Error()}
	}
	logger.Error("stream message failed", zap.Error(err))
	return streamReply{Type: "error", Error: "internal error"}
}

func writeReply(conn *websocket.Conn, reply streamReply) bool {
	if err := conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
		return false
	}
	return conn.WriteJSON(reply) == nil
}

func keepAlive(ctx context.Context, conn *websocket.Conn, logger *zap.Logger) {
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
				logger.Debug("ping failed, closing stream", zap.Error(err))
				conn.Close()
				return
			}
		}
	}
}
