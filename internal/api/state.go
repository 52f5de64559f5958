package api

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/gaspardpetit/kbridge/internal/bridge"
	"github.com/gaspardpetit/kbridge/internal/logx"
	"github.com/gaspardpetit/kbridge/internal/serverstate"
)

// ProcessStats describes the bridge process.
type ProcessStats struct {
	PID        int     `json:"pid"`
	Goroutines int     `json:"goroutines"`
	RSSBytes   uint64  `json:"rss_bytes,omitempty"`
	CPUPercent float64 `json:"cpu_percent,omitempty"`
	Uptime     string  `json:"uptime"`
}

// StateResponse is the body of /api/state.
type StateResponse struct {
	State    string        `json:"state"`
	Draining bool          `json:"draining"`
	Version  string        `json:"version,omitempty"`
	Sessions []bridge.Info `json:"sessions"`
	Process  ProcessStats  `json:"process"`
}

// StateHandler serves state snapshots.
type StateHandler struct {
	Sessions *bridge.Registry
	Version  string
	Started  time.Time
}

// GetState returns a JSON snapshot of the server and its sessions.
func (h *StateHandler) GetState(w http.ResponseWriter, r *http.Request) {
	st := serverstate.Snapshot()
	resp := StateResponse{
		State:    st.Status,
		Draining: st.Draining,
		Version:  h.Version,
		Sessions: []bridge.Info{},
		Process:  h.processStats(r.Context()),
	}
	if h.Sessions != nil {
		resp.Sessions = h.Sessions.Snapshot()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *StateHandler) processStats(ctx context.Context) ProcessStats {
	ps := ProcessStats{PID: os.Getpid(), Goroutines: runtime.NumGoroutine()}
	if !h.Started.IsZero() {
		ps.Uptime = time.Since(h.Started).Truncate(time.Second).String()
	}
	p, err := process.NewProcessWithContext(ctx, int32(ps.PID))
	if err != nil {
		logx.Log.Debug().Err(err).Msg("process stats")
		return ps
	}
	if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
		ps.RSSBytes = mi.RSS
	}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		ps.CPUPercent = cpu
	}
	return ps
}

// HealthHandler reports ok while serving and 503 once draining.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if serverstate.IsDraining() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": serverstate.StatusDraining})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
