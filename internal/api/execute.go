package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gaspardpetit/kbridge/internal/bridge"
	"github.com/gaspardpetit/kbridge/internal/kernel"
	"github.com/gaspardpetit/kbridge/internal/kernelstore"
	"github.com/gaspardpetit/kbridge/internal/logx"
	"github.com/gaspardpetit/kbridge/internal/serverstate"
)

// ExecuteRequest is the body of a one-shot evaluation.
type ExecuteRequest struct {
	Code  string `json:"code"`
	PodID string `json:"podId"`
}

// ExecuteHandler evaluates code on the kernel named in the path over a
// dedicated connection and returns the collected output.
func ExecuteHandler(lookup bridge.Lookup, open bridge.Opener, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if serverstate.IsDraining() {
			writeError(w, http.StatusServiceUnavailable, "server draining")
			return
		}
		var req ExecuteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		kernelID := chi.URLParam(r, "kernelID")
		info, err := lookup(r.Context(), kernelID)
		if err != nil {
			if errors.Is(err, kernelstore.ErrNotFound) {
				writeError(w, http.StatusNotFound, "unknown kernel")
				return
			}
			logx.Log.Error().Err(err).Str("kernel_id", kernelID).Msg("kernel lookup")
			writeError(w, http.StatusInternalServerError, "kernel lookup failed")
			return
		}
		ctx := r.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		res, err := evaluate(ctx, open, info, req)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, res)
		case errors.Is(err, kernel.ErrEmptyCode):
			writeError(w, http.StatusBadRequest, "empty code")
		case errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusGatewayTimeout, "evaluation timed out")
		default:
			logx.Log.Warn().Err(err).Str("kernel_id", kernelID).Msg("evaluation failed")
			writeError(w, http.StatusBadGateway, err.Error())
		}
	}
}

func evaluate(ctx context.Context, open bridge.Opener, info kernel.ConnInfo, req ExecuteRequest) (kernel.Result, error) {
	if req.Code == "" {
		return kernel.Result{}, kernel.ErrEmptyCode
	}
	t, err := open(ctx, info)
	if err != nil {
		return kernel.Result{}, err
	}
	defer t.Close()
	var ev kernel.Evaluator = kernel.NewExecutor(t, 1)
	return ev.Evaluate(ctx, req.Code, req.PodID)
}
