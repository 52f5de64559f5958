package kernel_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gaspardpetit/kbridge/internal/kernel"
	"github.com/gaspardpetit/kbridge/internal/kernel/kerneltest"
	"github.com/gaspardpetit/kbridge/internal/wire"
)

func dial(t *testing.T, k *kerneltest.Kernel, opts ...kernel.Option) *kernel.Transport {
	t.Helper()
	opts = append([]kernel.Option{kernel.WithDialer(k.Dialer()), kernel.WithHeartbeatInterval(0)}, opts...)
	tr, err := kernel.Dial(context.Background(), k.Info, opts...)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func recv(t *testing.T, ch <-chan wire.Envelope) wire.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("no envelope delivered")
		return wire.Envelope{}
	}
}

func TestTransportSendsOnShellAndControl(t *testing.T) {
	k := kerneltest.New()
	tr := dial(t, k)

	env, err := tr.Codec().BuildExecuteRequest("1+1", "pod-1")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := tr.SendShell(env); err != nil {
		t.Fatalf("send shell: %v", err)
	}
	req := k.NextRequest(t, time.Second)
	if req.Channel != kernel.Shell || req.Env.MsgID() != "pod-1" || req.Env.Kind() != wire.MsgExecuteRequest {
		t.Fatalf("unexpected shell request %+v", req)
	}

	intr, _ := tr.Codec().BuildRequest(wire.MsgInterruptRequest, struct{}{}, "")
	if err := tr.SendControl(intr); err != nil {
		t.Fatalf("send control: %v", err)
	}
	req = k.NextRequest(t, time.Second)
	if req.Channel != kernel.Control || req.Env.Kind() != wire.MsgInterruptRequest {
		t.Fatalf("unexpected control request %+v", req)
	}
}

func TestTransportDispatchesPerChannel(t *testing.T) {
	k := kerneltest.New()
	tr := dial(t, k)

	iopub := make(chan wire.Envelope, 4)
	shell := make(chan wire.Envelope, 4)
	tr.OnBroadcast(func(env wire.Envelope) { iopub <- env })
	tr.OnShellReply(func(env wire.Envelope) { shell <- env })

	if err := k.Publish(wire.MsgStatus, wire.Status{ExecutionState: "busy"}, ""); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := k.Reply(kernel.Shell, wire.MsgExecuteReply, wire.ExecuteReply{Status: "ok", ExecutionCount: 1}, "pod-1"); err != nil {
		t.Fatalf("reply: %v", err)
	}
	if env := recv(t, iopub); env.Kind() != wire.MsgStatus || env.Parent != nil {
		t.Fatalf("unexpected broadcast %+v", env)
	}
	if env := recv(t, shell); env.Kind() != wire.MsgExecuteReply || env.ParentID() != "pod-1" {
		t.Fatalf("unexpected reply %+v", env)
	}
}

func TestTransportReplaceAndClearHandler(t *testing.T) {
	k := kerneltest.New()
	tr := dial(t, k)

	first := make(chan wire.Envelope, 4)
	second := make(chan wire.Envelope, 4)
	tr.OnBroadcast(func(env wire.Envelope) { first <- env })
	tr.OnBroadcast(func(env wire.Envelope) { second <- env })
	_ = k.Publish(wire.MsgStatus, wire.Status{ExecutionState: "idle"}, "")
	recv(t, second)
	select {
	case <-first:
		t.Fatalf("replaced handler still invoked")
	default:
	}

	tr.OnBroadcast(nil)
	_ = k.Publish(wire.MsgStatus, wire.Status{ExecutionState: "idle"}, "")
	time.Sleep(50 * time.Millisecond)
	tr.OnBroadcast(func(env wire.Envelope) { second <- env })
	_ = k.Publish(wire.MsgStatus, wire.Status{ExecutionState: "busy"}, "")
	env := recv(t, second)
	var st wire.Status
	_ = json.Unmarshal(env.Content, &st)
	if st.ExecutionState != "busy" {
		t.Fatalf("message delivered while handler was cleared: %s", st.ExecutionState)
	}
}

func TestTransportDropsMalformedFrames(t *testing.T) {
	k := kerneltest.New()
	tr := dial(t, k)
	got := make(chan wire.Envelope, 4)
	tr.OnBroadcast(func(env wire.Envelope) { got <- env })

	if err := k.SendRaw(kernel.IOPub, [][]byte{[]byte("garbage")}); err != nil {
		t.Fatalf("send raw: %v", err)
	}
	_ = k.Publish(wire.MsgStatus, wire.Status{ExecutionState: "idle"}, "")
	if env := recv(t, got); env.Kind() != wire.MsgStatus {
		t.Fatalf("unexpected %+v", env)
	}
	select {
	case <-tr.Done():
		t.Fatalf("malformed frame must not stop the transport")
	default:
	}
}

func TestTransportChannelEstablishmentFailure(t *testing.T) {
	k := kerneltest.New()
	k.FailOn(kernel.IOPub)
	_, err := kernel.Dial(context.Background(), k.Info, kernel.WithDialer(k.Dialer()))
	if !errors.Is(err, kernel.ErrChannelEstablishment) {
		t.Fatalf("expected ErrChannelEstablishment, got %v", err)
	}
	for _, ch := range []kernel.Channel{kernel.Shell, kernel.Control, kernel.Stdin} {
		if !k.Closed(ch) {
			t.Fatalf("%s left open after failed dial", ch)
		}
	}
	if k.Dials() != 4 {
		t.Fatalf("expected no retry, dials = %d", k.Dials())
	}
}

func TestTransportInvalidDescriptor(t *testing.T) {
	_, err := kernel.Dial(context.Background(), kernel.ConnInfo{IP: "127.0.0.1"})
	if !errors.Is(err, kernel.ErrChannelEstablishment) {
		t.Fatalf("expected ErrChannelEstablishment, got %v", err)
	}
}

func TestTransportCloseStopsDelivery(t *testing.T) {
	k := kerneltest.New()
	tr := dial(t, k)
	var mu sync.Mutex
	count := 0
	tr.OnBroadcast(func(wire.Envelope) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_ = k.Publish(wire.MsgStatus, wire.Status{ExecutionState: "idle"}, "")
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Fatalf("handler invoked after close")
	}
	env, _ := tr.Codec().BuildRequest(wire.MsgKernelInfoRequest, struct{}{}, "")
	if err := tr.SendShell(env); !errors.Is(err, kernel.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestTransportReportsReceiveFailure(t *testing.T) {
	k := kerneltest.New()
	tr := dial(t, k)
	k.Break(kernel.Shell)
	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("transport did not report failure")
	}
	if tr.Err() == nil {
		t.Fatalf("expected failure error")
	}
}

func TestTransportHeartbeat(t *testing.T) {
	k := kerneltest.New()
	tr := dial(t, k, kernel.WithHeartbeatInterval(20*time.Millisecond))
	before := tr.LastHeartbeat()
	deadline := time.Now().Add(2 * time.Second)
	for !tr.LastHeartbeat().After(before) {
		if time.Now().After(deadline) {
			t.Fatalf("no heartbeat echo recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !tr.Alive() {
		t.Fatalf("expected kernel alive")
	}
}

func TestTransportHeartbeatMissIsAdvisory(t *testing.T) {
	k := kerneltest.New()
	k.SilenceHeartbeat()
	tr := dial(t, k, kernel.WithHeartbeatInterval(10*time.Millisecond))
	time.Sleep(60 * time.Millisecond)
	if tr.Alive() {
		t.Fatalf("expected missed heartbeat")
	}
	env, _ := tr.Codec().BuildExecuteRequest("1", "pod-1")
	if err := tr.SendShell(env); err != nil {
		t.Fatalf("heartbeat must not gate sends: %v", err)
	}
	k.NextRequest(t, time.Second)
}
