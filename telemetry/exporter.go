package telemetry

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/xaionaro-go/observability"

	"github.com/slbailey/retrovue-air/logger"
)

const exporterShutdownTimeout = 5 * time.Second

// Exporter serves the store's snapshots on /metrics in Prometheus text
// format.
type Exporter struct {
	store  *Store
	server *http.Server
	addr   net.Addr
}

// NewExporter creates an exporter bound to store.
func NewExporter(store *Store) *Exporter {
	return &Exporter{store: store}
}

// Start binds addr and serves in the background.
func (e *Exporter) Start(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("unable to listen on '%s': %w", addr, err)
	}
	e.addr = listener.Addr()

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", e.handleMetrics)
	e.server = &http.Server{Handler: mux}

	observability.Go(ctx, func(ctx context.Context) {
		logger.Infof(ctx, "metrics exporter is listening on %s", e.addr)
		if err := e.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Errorf(ctx, "metrics exporter failed: %v", err)
		}
	})
	return nil
}

// Addr returns the bound address.
func (e *Exporter) Addr() net.Addr {
	return e.addr
}

// Stop shuts the HTTP server down.
func (e *Exporter) Stop(ctx context.Context) error {
	if e.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, exporterShutdownTimeout)
	defer cancel()
	return e.server.Shutdown(shutdownCtx)
}

func (e *Exporter) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprint(w, e.Render())
}

// Render produces the Prometheus text body.
func (e *Exporter) Render() string {
	snapshot := e.store.Snapshot()

	ids := make([]string, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	writeGauge := func(name, help string, value func(m ChannelMetrics) string) {
		fmt.Fprintf(&b, "# HELP %s %s\n", name, help)
		fmt.Fprintf(&b, "# TYPE %s gauge\n", name)
		for _, id := range ids {
			fmt.Fprintf(&b, "%s{channel_id=%q} %s\n", name, id, value(snapshot[id]))
		}
	}

	writeGauge("retrovue_playout_channel_state",
		"Channel state (0=STOPPED, 1=BUFFERING, 2=READY, 3=ERROR).",
		func(m ChannelMetrics) string { return fmt.Sprintf("%d", int(m.State)) })
	writeGauge("retrovue_playout_buffer_depth_frames",
		"Frames currently buffered between decode and pacing.",
		func(m ChannelMetrics) string { return fmt.Sprintf("%d", m.BufferDepthFrames) })
	writeGauge("retrovue_playout_frame_gap_seconds",
		"Gap between the last paced frame's deadline and station time.",
		func(m ChannelMetrics) string { return fmt.Sprintf("%g", m.FrameGapSeconds) })
	writeGauge("retrovue_playout_decode_failure_count",
		"Cumulative decode failures.",
		func(m ChannelMetrics) string { return fmt.Sprintf("%d", m.DecodeFailureCount) })
	writeGauge("retrovue_playout_frames_paced_total",
		"Frames delivered on time to the encoder path.",
		func(m ChannelMetrics) string { return fmt.Sprintf("%d", m.FramesPaced) })
	writeGauge("retrovue_playout_frames_dropped_late_total",
		"Frames dropped for exceeding the lateness tolerance.",
		func(m ChannelMetrics) string { return fmt.Sprintf("%d", m.FramesDroppedLate) })
	writeGauge("retrovue_playout_underrun_total",
		"Buffer underrun events.",
		func(m ChannelMetrics) string { return fmt.Sprintf("%d", m.UnderrunCount) })
	writeGauge("retrovue_playout_overrun_total",
		"Buffer overrun events.",
		func(m ChannelMetrics) string { return fmt.Sprintf("%d", m.OverrunCount) })
	return b.String()
}
