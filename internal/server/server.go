// Package server exposes a recorder over gRPC so a second process (the CLI
// with --remote, a supervisor) can record test events, reset the counter and
// read status while the long-running recorder owns the files.
//
// The service uses protobuf well-known types as messages:
//
//	RecordEvent(google.protobuf.Timestamp) returns (google.protobuf.Int64Value)
//	ResetCounter(google.protobuf.Timestamp) returns (google.protobuf.Empty)
//	Status(google.protobuf.Empty) returns (google.protobuf.Struct)
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/cycle-monitor/internal/recorder"
	"github.com/ChuLiYu/cycle-monitor/pkg/types"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "cyclemonitor.v1.Recorder"

const (
	methodRecordEvent  = "/" + ServiceName + "/RecordEvent"
	methodResetCounter = "/" + ServiceName + "/ResetCounter"
	methodStatus       = "/" + ServiceName + "/Status"
)

// Recorder is the part of *recorder.Recorder the server needs.
type Recorder interface {
	RecordEvent(ts time.Time) (int, error)
	ResetCounter(ref time.Time)
	Stats() types.Stats
	Status() recorder.Status
	Count() int
	Pending() int
	CycleTimes() types.CycleTimes
	ResetHour() int
	MachineID() types.MachineID
	LogPath() string
}

// RecorderServer is the service implementation registered with grpc.
type RecorderServer interface {
	RecordEvent(context.Context, *timestamppb.Timestamp) (*wrapperspb.Int64Value, error)
	ResetCounter(context.Context, *timestamppb.Timestamp) (*emptypb.Empty, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// Server implements RecorderServer on top of a Recorder.
type Server struct {
	rec     Recorder
	logger  *slog.Logger
	gpioPin *int
}

// Option configures a Server.
type Option func(*Server)

// WithGPIOPin reports the input pin the recorder is wired to in Status.
func WithGPIOPin(pin int) Option {
	return func(s *Server) { s.gpioPin = &pin }
}

// NewServer creates a new control server for rec.
func NewServer(rec Recorder, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{rec: rec, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordEvent records a cycle at the given time, or now when unset.
func (s *Server) RecordEvent(ctx context.Context, req *timestamppb.Timestamp) (*wrapperspb.Int64Value, error) {
	ts := time.Now()
	if req.IsValid() && (req.GetSeconds() != 0 || req.GetNanos() != 0) {
		ts = req.AsTime()
	}

	cycle, err := s.rec.RecordEvent(ts)
	if err != nil {
		if errors.Is(err, recorder.ErrStorageUnavailable) {
			return nil, status.Error(codes.Unavailable, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	s.logger.Info("Remote event recorded", "cycle", cycle)
	return wrapperspb.Int64(int64(cycle)), nil
}

// ResetCounter resets the counter at the given reference, or now when unset.
func (s *Server) ResetCounter(ctx context.Context, req *timestamppb.Timestamp) (*emptypb.Empty, error) {
	var ref time.Time
	if req.IsValid() && (req.GetSeconds() != 0 || req.GetNanos() != 0) {
		ref = req.AsTime()
	}
	s.rec.ResetCounter(ref)
	s.logger.Info("Remote counter reset")
	return &emptypb.Empty{}, nil
}

// Status reports the recorder's in-memory state.
func (s *Server) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st, err := structpb.NewStruct(s.StatusFields())
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return st, nil
}

// StatusFields renders the recorder state and its active settings.
// Durations are in seconds; a cycle time that is not known yet is nil, and
// window_averages is keyed by window length in minutes.
func (s *Server) StatusFields() map[string]any {
	stats := s.rec.Stats()
	last := ""
	if !stats.LastEventTime.IsZero() {
		last = types.FormatTimestamp(stats.LastEventTime)
	}

	times := s.rec.CycleTimes()
	var lastCycle any
	if times.Last > 0 {
		lastCycle = times.Last.Seconds()
	}
	averages := make(map[string]any, len(recorder.AverageWindows))
	for _, minutes := range recorder.AverageWindows {
		var v any
		if d, ok := times.Averages[minutes]; ok {
			v = d.Seconds()
		}
		averages[strconv.Itoa(minutes)] = v
	}

	var pin any
	if s.gpioPin != nil {
		pin = *s.gpioPin
	}
	return map[string]any{
		"machine_id":         s.rec.MachineID().String(),
		"status":             s.rec.Status().String(),
		"count":              s.rec.Count(),
		"pending":            s.rec.Pending(),
		"events_logged":      stats.EventsLogged,
		"last_event_time":    last,
		"log_path":           s.rec.LogPath(),
		"csv_path":           s.rec.LogPath(),
		"reset_hour":         s.rec.ResetHour(),
		"gpio_pin":           pin,
		"last_cycle_seconds": lastCycle,
		"window_averages":    averages,
	}
}

// ============================================================================
// Service registration
// ============================================================================

// ServiceDesc describes the Recorder service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RecorderServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RecordEvent", Handler: recordEventHandler},
		{MethodName: "ResetCounter", Handler: resetCounterHandler},
		{MethodName: "Status", Handler: statusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cyclemonitor/v1/recorder.proto",
}

// Register registers srv on gs.
func Register(gs grpc.ServiceRegistrar, srv RecorderServer) {
	gs.RegisterService(&ServiceDesc, srv)
}

func recordEventHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(timestamppb.Timestamp)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RecorderServer).RecordEvent(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodRecordEvent}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RecorderServer).RecordEvent(ctx, req.(*timestamppb.Timestamp))
	}
	return interceptor(ctx, in, info, handler)
}

func resetCounterHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(timestamppb.Timestamp)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RecorderServer).ResetCounter(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodResetCounter}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RecorderServer).ResetCounter(ctx, req.(*timestamppb.Timestamp))
	}
	return interceptor(ctx, in, info, handler)
}

func statusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RecorderServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodStatus}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RecorderServer).Status(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// ============================================================================
// Lifecycle
// ============================================================================

// NewGRPCServer returns a grpc.Server with the Recorder service registered
// and request logging installed.
func NewGRPCServer(srv RecorderServer, logger *slog.Logger) *grpc.Server {
	if logger == nil {
		logger = slog.Default()
	}
	gs := grpc.NewServer(grpc.UnaryInterceptor(loggingInterceptor(logger)))
	Register(gs, srv)
	return gs
}

// Serve runs gs on lis until ctx is cancelled, then stops gracefully.
func Serve(ctx context.Context, gs *grpc.Server, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() { errCh <- gs.Serve(lis) }()

	select {
	case <-ctx.Done():
		gs.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

func loggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("RPC handled",
			"method", info.FullMethod,
			"duration", time.Since(start),
			"code", status.Code(err).String())
		return resp, err
	}
}
