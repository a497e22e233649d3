// Command retrovue-air runs the playout engine: it serves the PlayoutControl
// gRPC surface, a Prometheus /metrics endpoint, and per-channel MPEG-TS
// outputs.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/asticode/go-astiav"
	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/spf13/pflag"
	"github.com/xaionaro-go/observability"
	"google.golang.org/grpc"

	"github.com/slbailey/retrovue-air/engine"
	"github.com/slbailey/retrovue-air/playoutcontrol"
	"github.com/slbailey/retrovue-air/telemetry"
)

func main() {
	loggerLevel := logger.LevelInfo
	pflag.Var(&loggerLevel, "log-level", "Log level")
	listenAddr := pflag.String("listen-addr", "0.0.0.0:50051", "address of the control gRPC endpoint")
	metricsAddr := pflag.String("metrics-addr", ":9308", "address of the Prometheus /metrics endpoint (empty to disable)")
	netPprofAddr := pflag.String("net-pprof-listen-addr", "", "an address to listen for incoming net/pprof connections")
	bindHost := pflag.String("bind-host", "0.0.0.0", "host the per-channel TS outputs bind to")
	udsTemplate := pflag.String("uds-path-template", "", "local socket path template for TS outputs, '%d' is the channel ID")
	targetFPS := pflag.Float64("fps", 30.0, "target output frame rate")
	width := pflag.Int("width", 1920, "target output width")
	height := pflag.Int("height", 1080, "target output height")
	bitRate := pflag.Int64("bitrate", 4_000_000, "target output bitrate, bits per second")
	fallbackToStub := pflag.Bool("fallback-to-stub", false, "serve synthetic frames when an asset cannot be opened")
	pflag.Parse()

	l := logrus.Default().WithLevel(loggerLevel)
	ctx := logger.CtxWithLogger(context.Background(), l)
	ctx, cancelFn := context.WithCancel(ctx)
	defer cancelFn()
	logger.Default = func() logger.Logger {
		return l
	}
	defer belt.Flush(ctx)

	if *netPprofAddr != "" {
		observability.Go(ctx, func(context.Context) { l.Error(http.ListenAndServe(*netPprofAddr, nil)) })
	}

	astiav.SetLogLevel(astiavLogLevel(loggerLevel))

	store := telemetry.NewStore()
	eng := engine.New(engine.Config{
		TargetFPS:      *targetFPS,
		Width:          *width,
		Height:         *height,
		BitRate:        *bitRate,
		FallbackToStub: *fallbackToStub,
		Telemetry:      store,
	})
	defer eng.Close(ctx)

	if *metricsAddr != "" {
		exporter := telemetry.NewExporter(store)
		if err := exporter.Start(ctx, *metricsAddr); err != nil {
			l.Fatal(fmt.Errorf("unable to start the metrics exporter: %w", err))
		}
		defer exporter.Stop(ctx)
	}

	listener, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		l.Fatal(fmt.Errorf("unable to listen on '%s': %w", *listenAddr, err))
	}

	grpcServer := grpc.NewServer()
	playoutcontrol.RegisterPlayoutControlServer(grpcServer, playoutcontrol.NewServer(eng, playoutcontrol.ServerConfig{
		BindHost:        *bindHost,
		UDSPathTemplate: *udsTemplate,
	}))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	observability.Go(ctx, func(ctx context.Context) {
		select {
		case sig := <-sigChan:
			l.Infof("received %s, shutting down", sig)
		case <-ctx.Done():
		}
		grpcServer.GracefulStop()
	})

	l.Infof("control surface is listening on %s", listener.Addr())
	if err := grpcServer.Serve(listener); err != nil {
		l.Fatal(err)
	}
}

func astiavLogLevel(l logger.Level) astiav.LogLevel {
	switch l {
	case logger.LevelPanic, logger.LevelFatal:
		return astiav.LogLevelFatal
	case logger.LevelError:
		return astiav.LogLevelError
	case logger.LevelWarning:
		return astiav.LogLevelWarning
	case logger.LevelInfo:
		return astiav.LogLevelInfo
	case logger.LevelDebug:
		return astiav.LogLevelVerbose
	case logger.LevelTrace:
		return astiav.LogLevelDebug
	}
	return astiav.LogLevelInfo
}
