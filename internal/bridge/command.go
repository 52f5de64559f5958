package bridge

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gaspardpetit/kbridge/internal/wire"
)

// ErrEmptyRequest indicates a runCode command that cannot be sent to the kernel.
var ErrEmptyRequest = errors.New("empty request")

// Client command types.
const (
	CmdPing                = "ping"
	CmdRunCode             = "runCode"
	CmdRequestKernelStatus = "requestKernelStatus"
	CmdInterruptKernel     = "interruptKernel"
)

// EventRequestRejected is sent when a command is refused before reaching the kernel.
const EventRequestRejected = "request_rejected"

// Rejection reasons.
const (
	ReasonEmptyCode    = "empty_code"
	ReasonMissingPodID = "missing_pod_id"
)

// Command is one client frame.
type Command struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RunCode asks the kernel to execute code on behalf of a pod. A namespace
// turns the run into an import of the pod's definitions under that name.
type RunCode struct {
	Code      string `json:"code"`
	PodID     string `json:"podId"`
	Namespace string `json:"namespace,omitempty"`
}

// KernelStatusRequest asks the kernel to describe itself.
type KernelStatusRequest struct {
	SessionID string `json:"sessionId"`
	Lang      string `json:"lang"`
}

// RejectedPayload explains a refused command.
type RejectedPayload struct {
	PodID  string `json:"podId"`
	Reason string `json:"reason"`
}

// rejection carries the client-visible reason alongside ErrEmptyRequest.
type rejection struct {
	reason string
}

func (r rejection) Error() string { return ErrEmptyRequest.Error() + ": " + r.reason }

func (r rejection) Unwrap() error { return ErrEmptyRequest }

func parseCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, err
	}
	if cmd.Type == "" {
		return Command{}, fmt.Errorf("missing command type")
	}
	return cmd, nil
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// Validate checks that rc can be sent to the kernel. Failures wrap
// ErrEmptyRequest.
func (rc RunCode) Validate() error {
	if rc.Code == "" {
		return rejection{reason: ReasonEmptyCode}
	}
	if rc.PodID == "" {
		return rejection{reason: ReasonMissingPodID}
	}
	return nil
}

// MsgID returns the composite request identifier for rc.
func (rc RunCode) MsgID() string {
	return wire.ComposeID(rc.PodID, rc.Namespace)
}

func rejectionReason(err error) string {
	var r rejection
	if errors.As(err, &r) {
		return r.reason
	}
	return err.Error()
}
