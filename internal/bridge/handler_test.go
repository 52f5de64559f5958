package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/gaspardpetit/kbridge/internal/kernel"
	"github.com/gaspardpetit/kbridge/internal/kernel/kerneltest"
	"github.com/gaspardpetit/kbridge/internal/kernelstore"
	"github.com/gaspardpetit/kbridge/internal/wire"
)

func channelsRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Handle("/api/kernels/{kernelID}/channels", h)
	return r
}

func TestHandlerRefusals(t *testing.T) {
	k := kerneltest.New()
	lookup := func(_ context.Context, id string) (kernel.ConnInfo, error) {
		switch id {
		case "k1":
			return k.Info, nil
		case "broken":
			return kernel.ConnInfo{}, errors.New("redis down")
		}
		return kernel.ConnInfo{}, fmt.Errorf("%w: %s", kernelstore.ErrNotFound, id)
	}
	draining := false
	h := NewHandler(lookup, testOpener(k), NewRegistry(nil), WithDrainCheck(func() bool { return draining }))
	r := channelsRouter(h)

	cases := []struct {
		path     string
		draining bool
		code     int
	}{
		{"/api/kernels/missing/channels", false, http.StatusNotFound},
		{"/api/kernels/broken/channels", false, http.StatusInternalServerError},
		{"/api/kernels/k1/channels", true, http.StatusServiceUnavailable},
	}
	for _, c := range cases {
		draining = c.draining
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, c.path, nil))
		if rr.Code != c.code {
			t.Fatalf("%s: got %d want %d", c.path, rr.Code, c.code)
		}
	}
	if k.Dials() != 0 {
		t.Fatalf("refused requests dialed the kernel")
	}
}

func TestHandlerBridgesSession(t *testing.T) {
	k := kerneltest.New()
	reg := NewRegistry(nil)
	lookup := func(_ context.Context, id string) (kernel.ConnInfo, error) { return k.Info, nil }
	srv := httptest.NewServer(channelsRouter(NewHandler(lookup, testOpener(k), reg, WithSessionOptions(WithSendBuffer(8)))))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/kernels/k1/channels", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitFor(t, func() bool {
		s := reg.Snapshot()
		return len(s) == 1 && s[0].State == StateActive.String() && s[0].KernelID == "k1"
	})
	if err := c.Write(ctx, websocket.MessageText, []byte(`{"type":"runCode","payload":{"code":"1+1","podId":"p1"}}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	req := k.NextRequest(t, waitTimeout)
	if req.Env.Kind() != wire.MsgExecuteRequest || req.Env.MsgID() != "p1" {
		t.Fatalf("unexpected request %s %s", req.Env.Kind(), req.Env.MsgID())
	}
	_ = c.Close(websocket.StatusNormalClosure, "")
	waitFor(t, func() bool { return reg.Len() == 0 })
}
