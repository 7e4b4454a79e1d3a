package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName 控制服務的完整名稱
const ServiceName = "trackprobe.v1.Orchestrator"

// 方法的完整路徑
const (
	MethodGetPort           = "/" + ServiceName + "/GetPort"
	MethodGetPluginAt       = "/" + ServiceName + "/GetPluginAt"
	MethodListLeases        = "/" + ServiceName + "/ListLeases"
	MethodStartCalibration  = "/" + ServiceName + "/StartCalibration"
	MethodCalibrationStatus = "/" + ServiceName + "/CalibrationStatus"
	MethodStatus            = "/" + ServiceName + "/Status"
)

// OrchestratorServer 控制服務介面
//
// 訊息全部使用 protobuf well-known types，不需要產生程式碼。
type OrchestratorServer interface {
	// GetPort tempID -> 租用的埠
	GetPort(context.Context, *wrapperspb.StringValue) (*wrapperspb.UInt32Value, error)
	// GetPluginAt 埠 -> tempID
	GetPluginAt(context.Context, *wrapperspb.UInt32Value) (*wrapperspb.StringValue, error)
	// ListLeases 所有租約，依埠排序
	ListLeases(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// StartCalibration 在背景開始校準
	StartCalibration(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	// CalibrationStatus 校準狀態與目前的配對
	CalibrationStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// Status 協調器整體狀態
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// RegisterOrchestratorServer 註冊控制服務
func RegisterOrchestratorServer(s grpc.ServiceRegistrar, srv OrchestratorServer) {
	s.RegisterService(&orchestratorServiceDesc, srv)
}

var orchestratorServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OrchestratorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetPort", Handler: getPortHandler},
		{MethodName: "GetPluginAt", Handler: getPluginAtHandler},
		{MethodName: "ListLeases", Handler: listLeasesHandler},
		{MethodName: "StartCalibration", Handler: startCalibrationHandler},
		{MethodName: "CalibrationStatus", Handler: calibrationStatusHandler},
		{MethodName: "Status", Handler: statusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "trackprobe/v1/orchestrator.proto",
}

// unary 將型別化的方法轉成 grpc.MethodDesc 需要的 handler
func unary[Req any, Resp any](method string, call func(OrchestratorServer, context.Context, *Req) (*Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(OrchestratorServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(OrchestratorServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var (
	getPortHandler = unary(MethodGetPort, func(s OrchestratorServer, ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.UInt32Value, error) {
		return s.GetPort(ctx, in)
	})
	getPluginAtHandler = unary(MethodGetPluginAt, func(s OrchestratorServer, ctx context.Context, in *wrapperspb.UInt32Value) (*wrapperspb.StringValue, error) {
		return s.GetPluginAt(ctx, in)
	})
	listLeasesHandler = unary(MethodListLeases, func(s OrchestratorServer, ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error) {
		return s.ListLeases(ctx, in)
	})
	startCalibrationHandler = unary(MethodStartCalibration, func(s OrchestratorServer, ctx context.Context, in *emptypb.Empty) (*emptypb.Empty, error) {
		return s.StartCalibration(ctx, in)
	})
	calibrationStatusHandler = unary(MethodCalibrationStatus, func(s OrchestratorServer, ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error) {
		return s.CalibrationStatus(ctx, in)
	})
	statusHandler = unary(MethodStatus, func(s OrchestratorServer, ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error) {
		return s.Status(ctx, in)
	})
)
