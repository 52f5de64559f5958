package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gaspardpetit/kbridge/internal/wire"
)

// otherKind labels message kinds outside the known protocol set.
const otherKind = "other"

var knownKinds = map[string]struct{}{
	wire.MsgExecuteRequest: {}, wire.MsgExecuteReply: {},
	wire.MsgKernelInfoRequest: {}, wire.MsgKernelInfoReply: {},
	wire.MsgInterruptRequest: {}, wire.MsgInterruptReply: {},
	wire.MsgShutdownRequest: {}, wire.MsgShutdownReply: {},
	wire.MsgStatus: {}, wire.MsgStream: {}, wire.MsgExecuteInput: {},
	wire.MsgExecuteResult: {}, wire.MsgDisplayData: {}, wire.MsgUpdateDisplayData: {},
	wire.MsgClearOutput: {}, wire.MsgError: {},
	wire.MsgInputRequest: {}, wire.MsgInputReply: {},
}

// kindLabel keeps the msg_type label set bounded; kernels may send any kind.
func kindLabel(msgType string) string {
	if _, ok := knownKinds[msgType]; ok {
		return msgType
	}
	return otherKind
}

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "kbridge_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "bridge"},
		},
		[]string{"date", "sha", "version"},
	)

	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kbridge_sessions_active",
			Help: "Number of open client bridge sessions",
		},
	)

	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbridge_sessions_total",
			Help: "Bridge sessions by how they ended",
		},
		[]string{"outcome"},
	)

	kernelMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbridge_kernel_messages_total",
			Help: "Envelopes received from kernels per channel and kind",
		},
		[]string{"channel", "msg_type"},
	)

	kernelSends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbridge_kernel_sends_total",
			Help: "Envelopes sent to kernels per channel and kind",
		},
		[]string{"channel", "msg_type"},
	)

	droppedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbridge_dropped_messages_total",
			Help: "Kernel messages dropped before reaching a client",
		},
		[]string{"channel", "reason"},
	)

	clientCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbridge_client_commands_total",
			Help: "Client commands received per type and outcome",
		},
		[]string{"type", "outcome"},
	)

	clientEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbridge_client_events_total",
			Help: "Events forwarded to clients per type",
		},
		[]string{"type"},
	)

	channelFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbridge_channel_establishment_failures_total",
			Help: "Kernel channels that could not be established",
		},
		[]string{"channel"},
	)

	heartbeatMissed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kbridge_heartbeat_missed_total",
			Help: "Kernel heartbeat intervals without an echo",
		},
	)

	evaluateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kbridge_evaluate_duration_seconds",
			Help:    "Duration of one-shot evaluations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)
)

// Register registers all bridge collectors with r.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, sessionsActive, sessionsTotal, kernelMessages, kernelSends,
		droppedMessages, clientCommands, clientEvents, channelFailures, heartbeatMissed, evaluateDuration)
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// SessionOpened increments the active session gauge.
func SessionOpened() { sessionsActive.Inc() }

// SessionClosed decrements the active session gauge and records the outcome.
func SessionClosed(outcome string) {
	sessionsActive.Dec()
	sessionsTotal.WithLabelValues(outcome).Inc()
}

// RecordKernelMessage counts an envelope received on channel.
func RecordKernelMessage(channel, msgType string) {
	kernelMessages.WithLabelValues(channel, kindLabel(msgType)).Inc()
}

// RecordKernelSend counts an envelope sent on channel.
func RecordKernelSend(channel, msgType string) {
	kernelSends.WithLabelValues(channel, kindLabel(msgType)).Inc()
}

// RecordDropped counts a kernel message dropped for reason.
func RecordDropped(channel, reason string) {
	droppedMessages.WithLabelValues(channel, reason).Inc()
}

// RecordClientCommand counts a client command and its outcome.
func RecordClientCommand(kind, outcome string) {
	clientCommands.WithLabelValues(kind, outcome).Inc()
}

// RecordClientEvent counts an event forwarded to a client.
func RecordClientEvent(kind string) {
	clientEvents.WithLabelValues(kind).Inc()
}

// RecordChannelFailure counts a channel that failed to establish.
func RecordChannelFailure(channel string) {
	channelFailures.WithLabelValues(channel).Inc()
}

// RecordHeartbeatMissed counts a missed kernel heartbeat.
func RecordHeartbeatMissed() { heartbeatMissed.Inc() }

// ObserveEvaluate records the duration of a one-shot evaluation.
func ObserveEvaluate(status string, d time.Duration) {
	evaluateDuration.WithLabelValues(status).Observe(d.Seconds())
}
