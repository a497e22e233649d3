package playoutcontrol

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "retrovue.playout.PlayoutControl"

// APIVersion is returned by GetVersion.
const APIVersion = "1.0.0"

// StartChannelRequest brings a channel up with an initial plan.
type StartChannelRequest struct {
	ChannelID  int32  `json:"channel_id"`
	PlanHandle string `json:"plan_handle"`
	Port       int32  `json:"port"`
	UDSPath    string `json:"uds_path,omitempty"`
}

type StartChannelResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type StopChannelRequest struct {
	ChannelID int32 `json:"channel_id"`
}

type StopChannelResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type LoadPreviewRequest struct {
	ChannelID int32  `json:"channel_id"`
	AssetPath string `json:"asset_path"`
	AssetID   string `json:"asset_id"`
}

type LoadPreviewResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`

	// ShadowStarted: the preview slot's decode worker is running; readiness
	// itself is asynchronous.
	ShadowStarted bool `json:"shadow_started"`
}

type SwitchToLiveRequest struct {
	ChannelID int32 `json:"channel_id"`
}

type SwitchToLiveResponse struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	PTSContiguous bool   `json:"pts_contiguous"`
	LiveStartPTS  int64  `json:"live_start_pts"`
}

type UpdatePlanRequest struct {
	ChannelID  int32  `json:"channel_id"`
	PlanHandle string `json:"plan_handle"`
}

type UpdatePlanResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type GetVersionRequest struct{}

type GetVersionResponse struct {
	Version string `json:"version"`
}

// PlayoutControlServer is the service contract.
type PlayoutControlServer interface {
	StartChannel(ctx context.Context, req *StartChannelRequest) (*StartChannelResponse, error)
	StopChannel(ctx context.Context, req *StopChannelRequest) (*StopChannelResponse, error)
	LoadPreview(ctx context.Context, req *LoadPreviewRequest) (*LoadPreviewResponse, error)
	SwitchToLive(ctx context.Context, req *SwitchToLiveRequest) (*SwitchToLiveResponse, error)
	UpdatePlan(ctx context.Context, req *UpdatePlanRequest) (*UpdatePlanResponse, error)
	GetVersion(ctx context.Context, req *GetVersionRequest) (*GetVersionResponse, error)
}

// RegisterPlayoutControlServer registers srv on s.
func RegisterPlayoutControlServer(s grpc.ServiceRegistrar, srv PlayoutControlServer) {
	s.RegisterService(&serviceDesc, srv)
}

func unaryHandler[Req any, Resp any](
	method func(PlayoutControlServer, context.Context, *Req) (*Resp, error),
	methodName string,
) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: methodName,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return method(srv.(PlayoutControlServer), ctx, req)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + methodName,
			}
			return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
				return method(srv.(PlayoutControlServer), ctx, req.(*Req))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PlayoutControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler(PlayoutControlServer.StartChannel, "StartChannel"),
		unaryHandler(PlayoutControlServer.StopChannel, "StopChannel"),
		unaryHandler(PlayoutControlServer.LoadPreview, "LoadPreview"),
		unaryHandler(PlayoutControlServer.SwitchToLive, "SwitchToLive"),
		unaryHandler(PlayoutControlServer.UpdatePlan, "UpdatePlan"),
		unaryHandler(PlayoutControlServer.GetVersion, "GetVersion"),
	},
	Streams: []grpc.StreamDesc{},
}
