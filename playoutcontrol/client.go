package playoutcontrol

import (
	"context"

	"google.golang.org/grpc"
)

// Client is a thin typed wrapper over a gRPC connection to the service.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an established connection. The connection must have been
// dialed with the JSON codec, e.g.:
//
//	grpc.NewClient(addr,
//		grpc.WithTransportCredentials(insecure.NewCredentials()),
//		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(playoutcontrol.CodecName)),
//	)
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func invoke[Req any, Resp any](ctx context.Context, c *Client, method string, req *Req) (*Resp, error) {
	resp := new(Resp)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp, grpc.CallContentSubtype(CodecName)); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) StartChannel(ctx context.Context, req *StartChannelRequest) (*StartChannelResponse, error) {
	return invoke[StartChannelRequest, StartChannelResponse](ctx, c, "StartChannel", req)
}

func (c *Client) StopChannel(ctx context.Context, req *StopChannelRequest) (*StopChannelResponse, error) {
	return invoke[StopChannelRequest, StopChannelResponse](ctx, c, "StopChannel", req)
}

func (c *Client) LoadPreview(ctx context.Context, req *LoadPreviewRequest) (*LoadPreviewResponse, error) {
	return invoke[LoadPreviewRequest, LoadPreviewResponse](ctx, c, "LoadPreview", req)
}

func (c *Client) SwitchToLive(ctx context.Context, req *SwitchToLiveRequest) (*SwitchToLiveResponse, error) {
	return invoke[SwitchToLiveRequest, SwitchToLiveResponse](ctx, c, "SwitchToLive", req)
}

func (c *Client) UpdatePlan(ctx context.Context, req *UpdatePlanRequest) (*UpdatePlanResponse, error) {
	return invoke[UpdatePlanRequest, UpdatePlanResponse](ctx, c, "UpdatePlan", req)
}

func (c *Client) GetVersion(ctx context.Context) (*GetVersionResponse, error) {
	return invoke[GetVersionRequest, GetVersionResponse](ctx, c, "GetVersion", &GetVersionRequest{})
}
