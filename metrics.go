package htrpc

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	// MetricClientCallCount counts calls which completed, whatever their
	// outcome.
	MetricClientCallCount      = []string{"htrpc", "client", "call", "count"}
	MetricClientCallErrorCount = []string{"htrpc", "client", "call", "error", "count"}
	MetricClientCallLatency    = []string{"htrpc", "client", "call", "latency", "ms"}
	MetricPoolHitCount         = []string{"htrpc", "pool", "hit", "count"}
	MetricPoolMissCount        = []string{"htrpc", "pool", "miss", "count"}
	MetricPoolEvictionCount    = []string{"htrpc", "pool", "eviction", "count"}
	MetricPoolSuspendedCount   = []string{"htrpc", "pool", "suspended", "count"}
	MetricPoolConnErrorCount   = []string{"htrpc", "pool", "connection", "error", "count"}
	MetricPoolIdleConns        = []string{"htrpc", "pool", "idle", "connections"}
	MetricServerConnCount      = []string{"htrpc", "server", "connection", "count"}
	MetricServerRequestCount   = []string{"htrpc", "server", "request", "count"}
	MetricServerProblemCount   = []string{"htrpc", "server", "problem", "count"}
	MetricServerRequestLatency = []string{"htrpc", "server", "request", "latency", "ms"}
	MetricQUICConnCount        = []string{"htrpc", "quic", "connection", "count"}
	MetricQUICConnErrorCount   = []string{"htrpc", "quic", "connection", "error", "count"}
	MetricQUICStreamInCount    = []string{"htrpc", "quic", "stream", "in", "count"}
	MetricQUICStreamOutCount   = []string{"htrpc", "quic", "stream", "out", "count"}
	MetricQUICUDPBufferBytes   = []string{"htrpc", "quic", "udp", "buffer", "size", "bytes"}
	MetricMemberCount          = []string{"htrpc", "membership", "members"}
)

type TelemetryLabel string

var (
	LabelError     TelemetryLabel = "error"
	LabelPeerAddr  TelemetryLabel = "peer_addr"
	LabelPeerName  TelemetryLabel = "peer_name"
	LabelMethod    TelemetryLabel = "method"
	LabelRoute     TelemetryLabel = "route"
	LabelStatus    TelemetryLabel = "status"
	LabelPhase     TelemetryLabel = "phase"
	LabelProblemID TelemetryLabel = "problem_id"
	LabelDirection TelemetryLabel = "direction"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// withLabels returns static labels followed by extra, without aliasing
// the static slice.
func withLabels(static []metrics.Label, extra ...metrics.Label) []metrics.Label {
	labels := make([]metrics.Label, 0, len(static)+len(extra))
	labels = append(labels, static...)
	return append(labels, extra...)
}
