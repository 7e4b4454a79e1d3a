package server

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/trackprobe/internal/calibration"
	"github.com/ChuLiYu/trackprobe/internal/portalloc"
	"github.com/ChuLiYu/trackprobe/pkg/types"
)

// Backend 控制服務需要的協調器功能（*orchestrator.Orchestrator 實作）
type Backend interface {
	Allocator() *portalloc.Allocator
	Engine() *calibration.Engine
	StartCalibration() error
	GetStatus() map[string]interface{}
}

// Server implements the gRPC control service for the orchestrator.
type Server struct {
	backend Backend
}

// NewServer creates a new gRPC server instance.
func NewServer(backend Backend) *Server {
	return &Server{backend: backend}
}

// GetPort returns the port leased by a plugin.
func (s *Server) GetPort(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.UInt32Value, error) {
	port, ok := s.backend.Allocator().GetPort(types.TempID(req.GetValue()))
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no lease for %q", req.GetValue())
	}
	return wrapperspb.UInt32(uint32(port)), nil
}

// GetPluginAt returns the plugin holding a port.
func (s *Server) GetPluginAt(ctx context.Context, req *wrapperspb.UInt32Value) (*wrapperspb.StringValue, error) {
	if req.GetValue() > 65535 {
		return nil, status.Errorf(codes.InvalidArgument, "port %d out of range", req.GetValue())
	}
	tempID, ok := s.backend.Allocator().GetPluginAt(uint16(req.GetValue()))
	if !ok {
		return nil, status.Errorf(codes.NotFound, "port %d is not leased", req.GetValue())
	}
	return wrapperspb.String(string(tempID)), nil
}

// ListLeases returns every lease ordered by port.
func (s *Server) ListLeases(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	leases := s.backend.Allocator().Leases()
	items := make([]interface{}, 0, len(leases))
	for _, l := range leases {
		items = append(items, map[string]interface{}{
			"temp_id":   string(l.TempID),
			"port":      float64(l.Port),
			"confirmed": l.Confirmed,
			"leased_at": l.LeasedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	out, err := structpb.NewStruct(map[string]interface{}{"leases": items})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode leases: %v", err)
	}
	return out, nil
}

// StartCalibration starts a calibration run in the background.
func (s *Server) StartCalibration(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.backend.StartCalibration(); err != nil {
		if errors.Is(err, calibration.ErrRunActive) {
			return nil, status.Error(codes.FailedPrecondition, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &emptypb.Empty{}, nil
}

// CalibrationStatus reports the calibration state and the current mappings.
func (s *Server) CalibrationStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	engine := s.backend.Engine()
	st := engine.State()

	fields := map[string]interface{}{
		"state":     st.String(),
		"phase":     string(st.Phase),
		"mapped":    float64(st.Mapped),
		"total":     float64(st.Total),
		"assigned":  float64(st.Assigned),
		"progress":  st.Progress,
		"active":    engine.Active(),
		"mappings":  trackMap(engine.Mappings()),
		"confirmed": trackMap(engine.Confirmed()),
	}
	if st.Reason != "" {
		fields["reason"] = st.Reason
	}
	if st.Track != nil {
		fields["track"] = st.Track.Name
		fields["track_id"] = string(st.Track.ID)
	}

	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode status: %v", err)
	}
	return out, nil
}

// Status reports the orchestrator status.
func (s *Server) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(s.backend.GetStatus())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode status: %v", err)
	}
	return out, nil
}

// Helpers

func trackMap(m map[types.TempID]types.TrackID) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[string(k)] = string(v)
	}
	return out
}
