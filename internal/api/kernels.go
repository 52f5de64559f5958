package api

import (
	"net/http"

	"github.com/gaspardpetit/kbridge/internal/kernelstore"
	"github.com/gaspardpetit/kbridge/internal/logx"
)

// KernelSummary describes a kernel without its signing key.
type KernelSummary struct {
	ID              string `json:"id"`
	KernelName      string `json:"kernel_name"`
	Transport       string `json:"transport"`
	IP              string `json:"ip"`
	ShellPort       int    `json:"shell_port"`
	ControlPort     int    `json:"control_port"`
	IOPubPort       int    `json:"iopub_port"`
	StdinPort       int    `json:"stdin_port"`
	HBPort          int    `json:"hb_port"`
	SignatureScheme string `json:"signature_scheme,omitempty"`
	Source          string `json:"source,omitempty"`
}

func summarize(e kernelstore.Entry) KernelSummary {
	transport := e.Info.Transport
	if transport == "" {
		transport = "tcp"
	}
	return KernelSummary{
		ID:              e.ID,
		KernelName:      e.Info.Language(),
		Transport:       transport,
		IP:              e.Info.IP,
		ShellPort:       e.Info.ShellPort,
		ControlPort:     e.Info.ControlPort,
		IOPubPort:       e.Info.IOPubPort,
		StdinPort:       e.Info.StdinPort,
		HBPort:          e.Info.HBPort,
		SignatureScheme: e.Info.SignatureScheme,
		Source:          e.Source,
	}
}

// ListKernelsHandler lists the kernels in store.
func ListKernelsHandler(store kernelstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := store.List(r.Context())
		if err != nil {
			logx.Log.Error().Err(err).Msg("list kernels")
			writeError(w, http.StatusInternalServerError, "kernel directory unavailable")
			return
		}
		out := make([]KernelSummary, 0, len(entries))
		for _, e := range entries {
			out = append(out, summarize(e))
		}
		writeJSON(w, http.StatusOK, out)
	}
}
