package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/kbridge/internal/bridge"
	"github.com/gaspardpetit/kbridge/internal/config"
	"github.com/gaspardpetit/kbridge/internal/inflight"
	"github.com/gaspardpetit/kbridge/internal/kernel"
	"github.com/gaspardpetit/kbridge/internal/kernel/kerneltest"
	"github.com/gaspardpetit/kbridge/internal/kernelstore"
	"github.com/gaspardpetit/kbridge/internal/serverstate"
	"github.com/gaspardpetit/kbridge/internal/wire"
)

func newServer(t *testing.T, cfg config.BridgeConfig, k *kerneltest.Kernel) (*httptest.Server, *bridge.Registry) {
	t.Helper()
	prev := serverstate.UseStore(serverstate.NewMemoryStore())
	t.Cleanup(func() { serverstate.UseStore(prev) })
	serverstate.SetState(serverstate.StatusReady)

	if k == nil {
		k = kerneltest.New()
	}
	store, err := kernelstore.NewStatic([]config.KernelEntry{{ID: "k1", ConnInfo: k.Info}})
	if err != nil {
		t.Fatalf("static store: %v", err)
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 8
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = time.Second
	}
	counter := &inflight.Counter{}
	reg := bridge.NewRegistry(counter)
	h, err := New(cfg, Deps{
		Store:    store,
		Sessions: reg,
		Inflight: counter,
		Version:  "test",
		Opener: func(ctx context.Context, info kernel.ConnInfo) (*kernel.Transport, error) {
			return kernel.Dial(ctx, info, kernel.WithDialer(k.Dialer()), kernel.WithHeartbeatInterval(0))
		},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return ts, reg
}

func get(t *testing.T, url, key string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestMetricsEndpointDefaultPort(t *testing.T) {
	ts, _ := newServer(t, config.BridgeConfig{Port: 8888, MetricsAddr: ":8888"}, nil)
	if resp := get(t, ts.URL+"/metrics", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpointSeparatePort(t *testing.T) {
	ts, _ := newServer(t, config.BridgeConfig{Port: 8888, MetricsAddr: ":9090"}, nil)
	if resp := get(t, ts.URL+"/metrics", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestCORSAllowedOrigins(t *testing.T) {
	ts, _ := newServer(t, config.BridgeConfig{Port: 8888, AllowedOrigins: []string{"https://example.com"}}, nil)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	req.Header.Set("Origin", "https://example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	_ = resp.Body.Close()
	if ao := resp.Header.Get("Access-Control-Allow-Origin"); ao != "https://example.com" {
		t.Fatalf("expected allowed origin header, got %q", ao)
	}

	req2, _ := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	req2.Header.Set("Origin", "https://evil.com")
	resp2, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	_ = resp2.Body.Close()
	if ao := resp2.Header.Get("Access-Control-Allow-Origin"); ao != "" {
		t.Fatalf("expected no allowed origin header, got %q", ao)
	}
}

func TestAPIKeyGuardsAPIRoutes(t *testing.T) {
	ts, _ := newServer(t, config.BridgeConfig{Port: 8888, APIKey: "secret"}, nil)

	if resp := get(t, ts.URL+"/healthz", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %d", resp.StatusCode)
	}
	if resp := get(t, ts.URL+"/api/openapi.json", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("openapi: %d", resp.StatusCode)
	}
	for _, p := range []string{"/api/kernels", "/api/state", "/api/kernels/k1/channels"} {
		if resp := get(t, ts.URL+p, ""); resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s without key: %d", p, resp.StatusCode)
		}
	}
	resp := get(t, ts.URL+"/api/kernels", "secret")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("kernels with key: %d", resp.StatusCode)
	}
	var kernels []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&kernels); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(kernels) != 1 || kernels[0]["id"] != "k1" {
		t.Fatalf("unexpected kernels %v", kernels)
	}
}

func TestDrainRefusesNewSessions(t *testing.T) {
	ts, _ := newServer(t, config.BridgeConfig{Port: 8888}, nil)
	serverstate.StartDrain()

	if resp := get(t, ts.URL+"/healthz", ""); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("healthz while draining: %d", resp.StatusCode)
	}
	if resp := get(t, ts.URL+"/api/kernels/k1/channels", ""); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("channels while draining: %d", resp.StatusCode)
	}
}

func TestWebSocketThroughRouter(t *testing.T) {
	k := kerneltest.New()
	ts, reg := newServer(t, config.BridgeConfig{Port: 8888, APIKey: "secret"}, k)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/kernels/k1/channels"
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer secret"}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = c.Close(websocket.StatusNormalClosure, "") }()

	if err := c.Write(ctx, websocket.MessageText, []byte(`{"type":"runCode","payload":{"code":"1+1","podId":"cell-1"}}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	req := k.NextRequest(t, 2*time.Second)
	if req.Env.Kind() != wire.MsgExecuteRequest || req.Env.MsgID() != "cell-1" {
		t.Fatalf("unexpected request %s %s", req.Env.Kind(), req.Env.MsgID())
	}
	if reg.Len() != 1 {
		t.Fatalf("expected one session, got %d", reg.Len())
	}
	if err := k.Reply(kernel.Shell, wire.MsgExecuteReply, wire.ExecuteReply{Status: "ok", ExecutionCount: 1}, "cell-1"); err != nil {
		t.Fatalf("reply: %v", err)
	}
	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != "execute_reply" || ev.Payload["podId"] != "cell-1" {
		t.Fatalf("unexpected event %s", data)
	}
}
