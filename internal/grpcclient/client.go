package grpcclient

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/hair-overlay/internal/detector"
	"github.com/example/hair-overlay/internal/landmark"
	"github.com/example/hair-overlay/internal/logging"
)

// DetectMethod is the unary method served by the landmark detector. Requests
// and responses are google.protobuf.Struct values:
//
//	request:  {"image": "<base64 encoded frame>"}
//	response: {"faces": [{"points": [{"x": 0.41, "y": 0.22}, ...]}, ...]}
const DetectMethod = "/facemesh.v1.LandmarkDetector/Detect"

var errMalformedResponse = errors.New("malformed detector response")

// Invoker is the part of *grpc.ClientConn the client needs.
type Invoker interface {
	Invoke(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error
}

// DialLandmarkDetector returns a ready-to-use client for the landmark detector service.
func DialLandmarkDetector(ctx context.Context, addr string, timeout time.Duration, logger *zap.Logger) (detector.Client, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_landmark_detector", "", err)
		logger.Error("failed to dial landmark detector", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewLandmarkDetector(conn, timeout, logger), conn, nil
}

// NewLandmarkDetector wraps an existing connection.
func NewLandmarkDetector(conn Invoker, timeout time.Duration, logger *zap.Logger) detector.Client {
	return &grpcLandmarkDetector{conn: conn, timeout: timeout, logger: logger}
}

type grpcLandmarkDetector struct {
	conn    Invoker
	timeout time.Duration
	logger  *zap.Logger
}

func (g *grpcLandmarkDetector) Detect(ctx context.Context, frameID string, image []byte) ([]landmark.Sequence, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	req, err := structpb.NewStruct(map[string]any{
		"image": base64.StdEncoding.EncodeToString(image),
	})
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.build_request", frameID, err)
	}

	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, DetectMethod, req, resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.detect_landmarks", frameID, err)
		g.logger.Error("landmark detector call failed", zap.Error(wrapped), zap.String("frame_id", frameID))
		return nil, wrapped
	}

	faces, err := decodeFaces(resp)
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.decode_landmarks", frameID, err)
	}
	return faces, nil
}

func decodeFaces(resp *structpb.Struct) ([]landmark.Sequence, error) {
	field, ok := resp.GetFields()["faces"]
	if !ok {
		return nil, nil
	}
	list := field.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("%w: faces is not a list", errMalformedResponse)
	}

	faces := make([]landmark.Sequence, 0, len(list.GetValues()))
	for i, fv := range list.GetValues() {
		face := fv.GetStructValue()
		if face == nil {
			return nil, fmt.Errorf("%w: face %d is not an object", errMalformedResponse, i)
		}
		points := face.GetFields()["points"].GetListValue()
		if points == nil {
			return nil, fmt.Errorf("%w: face %d has no points", errMalformedResponse, i)
		}
		seq := make(landmark.Sequence, 0, len(points.GetValues()))
		for j, pv := range points.GetValues() {
			p := pv.GetStructValue()
			if p == nil {
				return nil, fmt.Errorf("%w: face %d point %d is not an object", errMalformedResponse, i, j)
			}
			seq = append(seq, landmark.Point{
				X: p.GetFields()["x"].GetNumberValue(),
				Y: p.GetFields()["y"].GetNumberValue(),
			})
		}
		faces = append(faces, seq)
	}
	return faces, nil
}
