// Package rqdapi defines the launch RPC (spec §4.9 "Commit" step 4 / §6
// "Launch request payload"): the single controller→agent call the system's
// Non-goals carve out of an otherwise unimplemented gRPC surface.
//
// protoc is not available in this environment, so the generated-code shape
// protoc-gen-go-grpc would normally produce is hand-written here: request
// message, a ServiceDesc-style registration, and thin client/server
// interfaces built directly on grpc.ClientConnInterface, matching the
// structure of vendored *_grpc.pb.go files such as
// other_examples/6896136e_kata-containers-kata-containers__vendor-...-grpc.go.go.
package rqdapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
)

// RunFrameRequest is the launch request payload (spec §6).
type RunFrameRequest struct {
	ResourceID    string
	JobID         string
	JobName       string
	LayerID       string
	FrameID       string
	FrameName     string
	Command       string
	UserName      string
	LogDir        string
	NumCores      int32
	NumGpus       int32
	OS            string
	StartTimeMs   int64
	IgnoreNimby   bool
	HardMemoryKiB int64
	SoftMemoryKiB int64
	Environment   map[string]string
	UID           int32
	FrameTempDir  string
}

// RunFrameResponse acknowledges a launch request was accepted for spawn.
type RunFrameResponse struct {
	Accepted bool
}

// KillRunningFrameRequest asks the agent to terminate a tracked frame.
type KillRunningFrameRequest struct {
	FrameID string
	Force   bool
}

// KillRunningFrameResponse acknowledges a kill request.
type KillRunningFrameResponse struct {
	Accepted bool
}

// RqdClient is the controller-side view of the agent's RPC surface.
type RqdClient interface {
	RunFrame(ctx context.Context, in *RunFrameRequest, opts ...grpc.CallOption) (*RunFrameResponse, error)
	KillRunningFrame(ctx context.Context, in *KillRunningFrameRequest, opts ...grpc.CallOption) (*KillRunningFrameResponse, error)
}

// RqdServer is the agent-side implementation the RPC surface dispatches to.
type RqdServer interface {
	RunFrame(ctx context.Context, in *RunFrameRequest) (*RunFrameResponse, error)
	KillRunningFrame(ctx context.Context, in *KillRunningFrameRequest) (*KillRunningFrameResponse, error)
}

const (
	serviceName        = "rqdapi.RqdInterface"
	runFrameMethod     = "/" + serviceName + "/RunFrame"
	killFrameMethod    = "/" + serviceName + "/KillRunningFrame"
)

type rqdClient struct {
	cc grpc.ClientConnInterface
}

// NewRqdClient wraps an established connection with the launch RPC surface.
func NewRqdClient(cc grpc.ClientConnInterface) RqdClient {
	return &rqdClient{cc: cc}
}

func (c *rqdClient) RunFrame(ctx context.Context, in *RunFrameRequest, opts ...grpc.CallOption) (*RunFrameResponse, error) {
	out := new(RunFrameResponse)
	if err := c.cc.Invoke(ctx, runFrameMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *rqdClient) KillRunningFrame(ctx context.Context, in *KillRunningFrameRequest, opts ...grpc.CallOption) (*KillRunningFrameResponse, error) {
	out := new(KillRunningFrameResponse)
	if err := c.cc.Invoke(ctx, killFrameMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// RegisterRqdServer attaches srv's methods to gs under the RunFrame /
// KillRunningFrame RPC names, mirroring protoc-gen-go-grpc's generated
// RegisterXxxServer function.
func RegisterRqdServer(gs grpc.ServiceRegistrar, srv RqdServer) {
	gs.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*RqdServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "RunFrame",
			Handler:    runFrameHandler,
		},
		{
			MethodName: "KillRunningFrame",
			Handler:    killRunningFrameHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rqdapi.proto",
}

func runFrameHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RunFrameRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RqdServer).RunFrame(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: runFrameMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RqdServer).RunFrame(ctx, req.(*RunFrameRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func killRunningFrameHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(KillRunningFrameRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RqdServer).KillRunningFrame(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: killFrameMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RqdServer).KillRunningFrame(ctx, req.(*KillRunningFrameRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// RetryableCode reports whether a transport failure code should trigger the
// dispatcher's one-time channel invalidate-and-retry (spec §4.9 step 4).
func RetryableCode(c codes.Code) bool {
	switch c {
	case codes.Unauthenticated, codes.Unavailable, codes.Aborted, codes.PermissionDenied, codes.DeadlineExceeded, codes.Unknown:
		return true
	default:
		return false
	}
}
