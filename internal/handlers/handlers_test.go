package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/hair-overlay/internal/auth"
	"github.com/example/hair-overlay/internal/landmark"
	"github.com/example/hair-overlay/internal/overlay"
	"github.com/example/hair-overlay/internal/render"
	"github.com/example/hair-overlay/internal/repository"
	"github.com/example/hair-overlay/internal/usecase"
)

const testJWTSecret = "test-secret"

const testLandmarks = `[[{"x":0.3,"y":0.5},{"x":0.7,"y":0.5},{"x":0.5,"y":0.5}]]`

type stubRepository struct {
	saved []*repository.SnapshotLog
}

func (s *stubRepository) SaveLog(ctx context.Context, log *repository.SnapshotLog) error {
	s.saved = append(s.saved, log)
	return nil
}

func (s *stubRepository) FindBySnapshotIDAndSession(ctx context.Context, snapshotID, sessionID string) (*repository.SnapshotLog, error) {
	for _, log := range s.saved {
		if log.SnapshotID == snapshotID && log.SessionID == sessionID {
			return log, nil
		}
	}
	return nil, errors.New("record not found")
}

func (s *stubRepository) CountSnapshots(ctx context.Context) (int64, error) {
	return int64(len(s.saved)), nil
}

func newTestRouter(t *testing.T, limiter *RateLimiter) (*gin.Engine, *stubRepository) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	img := image.NewNRGBA(image.Rect(0, 0, 10, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 255, A: 255})
		}
	}
	catalog := &overlay.Catalog{Styles: []overlay.Style{
		{ID: "red", Name: "Red", Image: "red.png", Scale: 1, YRatio: 0.5, Basis: overlay.BasisWidth},
	}}
	lib := overlay.NewLibrary(catalog, &overlay.Asset{StyleID: "red", Image: img, Width: 10, Height: 10})
	topology := landmark.Topology{Left: 0, Right: 1, Anchor: 2, Chin: -1, Nose: -1}
	comp := render.NewCompositor(landmark.NewMapper(topology, 0), 0, 0)

	repo := &stubRepository{}
	uc := usecase.NewOverlayUseCase(repo, usecase.NewMemoryCache(), nil, lib, comp, zap.NewNop(), usecase.Options{DefaultOpacity: 1})

	if limiter == nil {
		limiter = NewRateLimiter(1000, 1000, zap.NewNop())
	}

	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize
	RegisterRoutes(router, uc, auth.JWTMiddleware(testJWTSecret, ""), limiter, zap.NewNop())
	return router, repo
}

func TestFramesRejectsLargeUpload(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	token := buildTestToken(t, "session-123")
	body, contentType := buildMultipartBody(t, "image/png", bytes.Repeat([]byte("a"), MaxUploadSize+1), nil)

	req := httptest.NewRequest(http.MethodPost, "/frames", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
}

func TestFramesRejectsUnsupportedContentType(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	token := buildTestToken(t, "session-123")
	body, contentType := buildMultipartBody(t, "text/plain", []byte("hello"), nil)

	req := httptest.NewRequest(http.MethodPost, "/frames", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
}

func TestFramesRequiresToken(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	body, contentType := buildMultipartBody(t, "image/png", encodeFrame(t), nil)
	req := httptest.NewRequest(http.MethodPost, "/frames", body)
	req.Header.Set("Content-Type", contentType)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, resp.Code)
	}
}

func TestFramesReturnsCompositedPNG(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	token := buildTestToken(t, "session-123")
	body, contentType := buildMultipartBody(t, "image/png", encodeFrame(t), map[string]string{"landmarks": testLandmarks})

	req := httptest.NewRequest(http.MethodPost, "/frames", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, resp.Code, resp.Body.String())
	}
	if ct := resp.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("expected image/png, got %q", ct)
	}
	if resp.Header().Get("X-Overlay-Applied") != "true" || resp.Header().Get("X-Overlay-Reason") != "overlaid" {
		t.Fatalf("unexpected overlay headers: %v", resp.Header())
	}
	out, err := png.Decode(resp.Body)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if b := out.Bounds(); b.Dx() != 40 || b.Dy() != 40 {
		t.Fatalf("expected 40x40 frame, got %v", b)
	}
}

func TestFramesRejectsMalformedLandmarks(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	token := buildTestToken(t, "session-123")
	body, contentType := buildMultipartBody(t, "image/png", encodeFrame(t), map[string]string{"landmarks": `{"x":1}`})

	req := httptest.NewRequest(http.MethodPost, "/frames", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
}

func TestFramesRateLimited(t *testing.T) {
	router, _ := newTestRouter(t, NewRateLimiter(0.001, 1, zap.NewNop()))
	token := buildTestToken(t, "session-123")

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		body, contentType := buildMultipartBody(t, "image/png", encodeFrame(t), nil)
		req := httptest.NewRequest(http.MethodPost, "/frames", body)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Authorization", "Bearer "+token)
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		codes = append(codes, resp.Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("expected 200 then 429, got %v", codes)
	}
}

func TestStylesListsCatalog(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/styles", nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	var payload struct {
		Styles []overlay.Style `json:"styles"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode styles: %v", err)
	}
	if len(payload.Styles) != 1 || payload.Styles[0].ID != "red" {
		t.Fatalf("unexpected styles: %+v", payload.Styles)
	}
}

func TestSetOpacityValidation(t *testing.T) {
	router, _ := newTestRouter(t, nil)
	token := buildTestToken(t, "session-123")

	cases := map[string]int{
		`{"opacity":1.5}`: http.StatusBadRequest,
		`{}`:              http.StatusBadRequest,
		`{"opacity":0}`:   http.StatusOK,
		`{"opacity":0.4}`: http.StatusOK,
	}
	for body, want := range cases {
		req := httptest.NewRequest(http.MethodPut, "/state/opacity", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		if resp.Code != want {
			t.Fatalf("%s: expected status %d, got %d", body, want, resp.Code)
		}
	}
}

func TestSelectStyleRejectsUnknown(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodPut, "/state/style", strings.NewReader(`{"style_id":"mohawk"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "session-123"))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
}

func TestSnapshotFlow(t *testing.T) {
	router, repo := newTestRouter(t, nil)
	token := buildTestToken(t, "session-123")

	req := httptest.NewRequest(http.MethodPost, "/snapshots", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected status %d before any frame, got %d", http.StatusConflict, resp.Code)
	}

	body, contentType := buildMultipartBody(t, "image/png", encodeFrame(t), map[string]string{"landmarks": testLandmarks})
	req = httptest.NewRequest(http.MethodPost, "/frames", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)
	frameResp := httptest.NewRecorder()
	router.ServeHTTP(frameResp, req)
	if frameResp.Code != http.StatusOK {
		t.Fatalf("expected frame status %d, got %d", http.StatusOK, frameResp.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/snapshots", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	snapshotID := resp.Header().Get("X-Snapshot-ID")
	if snapshotID == "" || len(repo.saved) != 1 {
		t.Fatalf("expected snapshot to be logged, id=%q saved=%d", snapshotID, len(repo.saved))
	}
	if !bytes.Equal(resp.Body.Bytes(), frameResp.Body.Bytes()) {
		t.Fatal("expected snapshot to match the last composited frame")
	}
	if !strings.Contains(resp.Header().Get("Content-Disposition"), "attachment") {
		t.Fatal("expected snapshot to be served as an attachment")
	}

	req = httptest.NewRequest(http.MethodGet, "/snapshots/"+snapshotID, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/snapshots/"+snapshotID, nil)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "someone-else"))
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected other sessions to get %d, got %d", http.StatusNotFound, resp.Code)
	}
}

func TestStreamRoundTrip(t *testing.T) {
	router, _ := newTestRouter(t, nil)
	server := httptest.NewServer(router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/stream?access_token=" + buildTestToken(t, "session-ws")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteJSON(map[string]interface{}{"type": "opacity", "opacity": 0.5}); err != nil {
		t.Fatalf("write opacity: %v", err)
	}
	var reply struct {
		Type  string        `json:"type"`
		State usecase.State `json:"state"`
		Error string        `json:"error"`
	}
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read state: %v", err)
	}
	if reply.Type != "state" || reply.State.Opacity != 0.5 {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	var faces []landmark.Sequence
	if err := json.Unmarshal([]byte(testLandmarks), &faces); err != nil {
		t.Fatalf("decode landmarks: %v", err)
	}
	frame := map[string]interface{}{
		"type":  "frame",
		"frame": base64.StdEncoding.EncodeToString(encodeFrame(t)),
		"faces": faces,
	}
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if msgType != websocket.BinaryMessage {
		t.Fatalf("expected binary frame, got type %d", msgType)
	}
	if _, err := png.Decode(bytes.NewReader(data)); err != nil {
		t.Fatalf("decode frame: %v", err)
	}

	if err := conn.WriteJSON(map[string]string{"type": "style", "style_id": "mohawk"}); err != nil {
		t.Fatalf("write style: %v", err)
	}
	reply.Type, reply.Error = "", ""
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read error reply: %v", err)
	}
	if reply.Type != "error" || reply.Error == "" {
		t.Fatalf("expected error reply for unknown style, got %+v", reply)
	}
}

func encodeFrame(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 40; x++ {
			img.SetRGBA(x, y, color.RGBA{R: 10, G: uint8(x * 4), B: uint8(y * 4), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode frame: %v", err)
	}
	return buf.Bytes()
}

func buildMultipartBody(t *testing.T, contentType string, payload []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="frame"; filename="upload"`)
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}

	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			t.Fatalf("failed to write field %s: %v", name, err)
		}
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

func buildTestToken(t *testing.T, subject string) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestStreamClosesOnOversizedMessage(t *testing.T) {
	router, _ := newTestRouter(t, nil)
	server := httptest.NewServer(router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/stream?access_token=" + buildTestToken(t, "session-ws")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.Close()

	oversized := `{"type":"frame","frame":"` + strings.Repeat("A", int(streamReadLimit)) + `"}`
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	// The server may drop the connection before the whole message is written.
	_ = conn.WriteMessage(websocket.TextMessage, []byte(oversized))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected the stream to be closed, got reply %s", data)
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code != websocket.CloseMessageTooBig {
		t.Fatalf("expected close code %d, got %d", websocket.CloseMessageTooBig, closeErr.Code)
	}
}
