package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPromMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)
	SetBuildInfo("1.0.0", "abc", "2024-01-01")
	SessionOpened()
	SessionOpened()
	SessionClosed("client_disconnect")
	RecordKernelMessage("iopub", "status")
	RecordKernelSend("shell", "execute_request")
	RecordDropped("iopub", "unhandled_kind")
	RecordClientCommand("runCode", "rejected")
	RecordClientEvent("execute_reply")
	RecordChannelFailure("hb")
	RecordHeartbeatMissed()
	ObserveEvaluate("ok", 100*time.Millisecond)

	if v := testutil.ToFloat64(sessionsActive); v != 1 {
		t.Fatalf("sessions active: %v", v)
	}
	if v := testutil.ToFloat64(sessionsTotal.WithLabelValues("client_disconnect")); v != 1 {
		t.Fatalf("sessions total: %v", v)
	}
	if v := testutil.ToFloat64(kernelMessages.WithLabelValues("iopub", "status")); v != 1 {
		t.Fatalf("kernel messages: %v", v)
	}
	if v := testutil.ToFloat64(kernelSends.WithLabelValues("shell", "execute_request")); v != 1 {
		t.Fatalf("kernel sends: %v", v)
	}
	if v := testutil.ToFloat64(droppedMessages.WithLabelValues("iopub", "unhandled_kind")); v != 1 {
		t.Fatalf("dropped: %v", v)
	}
	if v := testutil.ToFloat64(clientCommands.WithLabelValues("runCode", "rejected")); v != 1 {
		t.Fatalf("client commands: %v", v)
	}
	if v := testutil.ToFloat64(clientEvents.WithLabelValues("execute_reply")); v != 1 {
		t.Fatalf("client events: %v", v)
	}
	if v := testutil.ToFloat64(channelFailures.WithLabelValues("hb")); v != 1 {
		t.Fatalf("channel failures: %v", v)
	}
	if v := testutil.ToFloat64(heartbeatMissed); v != 1 {
		t.Fatalf("heartbeat missed: %v", v)
	}
	if v := testutil.ToFloat64(buildInfo.WithLabelValues("2024-01-01", "abc", "1.0.0")); v != 1 {
		t.Fatalf("build info: %v", v)
	}
	if n := testutil.CollectAndCount(evaluateDuration); n != 1 {
		t.Fatalf("evaluate duration series: %d", n)
	}
}

func TestKernelMessageKindsAreBounded(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)
	RecordKernelMessage("iopub", "comm_open")
	RecordKernelMessage("iopub", "x-custom-1")
	RecordKernelSend("shell", "")
	RecordKernelMessage("iopub", "stream")

	if v := testutil.ToFloat64(kernelMessages.WithLabelValues("iopub", "other")); v != 2 {
		t.Fatalf("other kernel messages: %v", v)
	}
	if v := testutil.ToFloat64(kernelSends.WithLabelValues("shell", "other")); v != 1 {
		t.Fatalf("other kernel sends: %v", v)
	}
	if v := testutil.ToFloat64(kernelMessages.WithLabelValues("iopub", "stream")); v < 1 {
		t.Fatalf("stream messages: %v", v)
	}
	var series int
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != "kbridge_kernel_messages_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "msg_type" && (l.GetValue() == "comm_open" || l.GetValue() == "x-custom-1") {
					t.Fatalf("unbounded label %q", l.GetValue())
				}
			}
			series++
		}
	}
	if series == 0 {
		t.Fatal("no kernel message series")
	}
}
