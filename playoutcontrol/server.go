package playoutcontrol

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/slbailey/retrovue-air/control"
	"github.com/slbailey/retrovue-air/engine"
	"github.com/slbailey/retrovue-air/logger"
)

// ServerConfig tunes how RPC fields map onto transport endpoints.
type ServerConfig struct {
	// BindHost is the TCP host channels listen on; default all interfaces.
	BindHost string

	// UDSPathTemplate, when a request has no explicit socket path, yields one
	// with %d substituted by the channel ID. Empty means TCP only.
	UDSPathTemplate string
}

// Server adapts the engine to the PlayoutControl service.
type Server struct {
	cfg    ServerConfig
	engine *engine.Engine
}

var _ PlayoutControlServer = (*Server)(nil)

// NewServer wraps eng.
func NewServer(eng *engine.Engine, cfg ServerConfig) *Server {
	if cfg.BindHost == "" {
		cfg.BindHost = "0.0.0.0"
	}
	return &Server{cfg: cfg, engine: eng}
}

func channelKey(id int32) string {
	return strconv.FormatInt(int64(id), 10)
}

func command(op string, id int32) control.Command {
	return control.Command{ID: fmt.Sprintf("%s:%d", op, id)}
}

func (s *Server) outputEndpoint(req *StartChannelRequest) (network, address string) {
	if req.UDSPath != "" {
		return "unix", req.UDSPath
	}
	if req.Port == 0 && s.cfg.UDSPathTemplate != "" {
		return "unix", strings.ReplaceAll(s.cfg.UDSPathTemplate, "%d", channelKey(req.ChannelID))
	}
	return "tcp", fmt.Sprintf("%s:%d", s.cfg.BindHost, req.Port)
}

func (s *Server) StartChannel(ctx context.Context, req *StartChannelRequest) (*StartChannelResponse, error) {
	network, address := s.outputEndpoint(req)
	result, err := s.engine.StartChannel(ctx, engine.StartChannelRequest{
		ChannelID:     channelKey(req.ChannelID),
		PlanHandle:    req.PlanHandle,
		OutputNetwork: network,
		OutputAddress: address,
		CommandID:     fmt.Sprintf("start:%d", req.ChannelID),
	})
	if err != nil {
		logger.Errorf(ctx, "StartChannel(%d) failed: %v", req.ChannelID, err)
		return &StartChannelResponse{Success: false, Message: err.Error()}, nil
	}
	if result.AlreadyStarted {
		return &StartChannelResponse{Success: true, Message: "channel is already active"}, nil
	}
	return &StartChannelResponse{Success: true, Message: "channel started"}, nil
}

func (s *Server) StopChannel(ctx context.Context, req *StopChannelRequest) (*StopChannelResponse, error) {
	err := s.engine.StopChannel(ctx, channelKey(req.ChannelID), command("stop", req.ChannelID))
	if err != nil {
		return nil, status.Errorf(codes.NotFound, "unable to stop channel %d: %v", req.ChannelID, err)
	}
	return &StopChannelResponse{Success: true, Message: "channel stopped"}, nil
}

func (s *Server) LoadPreview(ctx context.Context, req *LoadPreviewRequest) (*LoadPreviewResponse, error) {
	err := s.engine.LoadPreview(ctx, channelKey(req.ChannelID), req.AssetPath, nil)
	if err != nil {
		logger.Errorf(ctx, "LoadPreview(%d, '%s') failed: %v", req.ChannelID, req.AssetPath, err)
		return &LoadPreviewResponse{Success: false, Message: err.Error()}, nil
	}
	return &LoadPreviewResponse{
		Success:       true,
		Message:       fmt.Sprintf("preview '%s' is loading", req.AssetID),
		ShadowStarted: true,
	}, nil
}

func (s *Server) SwitchToLive(ctx context.Context, req *SwitchToLiveRequest) (*SwitchToLiveResponse, error) {
	result, err := s.engine.SwitchToLive(ctx, channelKey(req.ChannelID), command("switch", req.ChannelID))
	if err != nil {
		logger.Errorf(ctx, "SwitchToLive(%d) failed: %v", req.ChannelID, err)
		return &SwitchToLiveResponse{Success: false, Message: err.Error()}, nil
	}
	return &SwitchToLiveResponse{
		Success:       true,
		Message:       "switched to live",
		PTSContiguous: result.PTSContiguous,
		LiveStartPTS:  result.LiveStartPTSUS,
	}, nil
}

func (s *Server) UpdatePlan(ctx context.Context, req *UpdatePlanRequest) (*UpdatePlanResponse, error) {
	err := s.engine.UpdatePlan(ctx, channelKey(req.ChannelID), req.PlanHandle, command("update_plan", req.ChannelID))
	if err != nil {
		logger.Errorf(ctx, "UpdatePlan(%d, '%s') failed: %v", req.ChannelID, req.PlanHandle, err)
		return &UpdatePlanResponse{Success: false, Message: err.Error()}, nil
	}
	return &UpdatePlanResponse{Success: true, Message: "plan updated"}, nil
}

func (s *Server) GetVersion(ctx context.Context, req *GetVersionRequest) (*GetVersionResponse, error) {
	return &GetVersionResponse{Version: APIVersion}, nil
}
