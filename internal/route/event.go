// Package route turns kernel envelopes into client-facing events.
package route

import "errors"

// ErrUnhandledKind indicates an envelope on a known channel whose kind the
// bridge does not forward. It is never fatal.
var ErrUnhandledKind = errors.New("unhandled message kind")

// Client event types.
const (
	EventStatus          = "status"
	EventExecuteResult   = "execute_result"
	EventStdout          = "stdout"
	EventStream          = "stream"
	EventError           = "error"
	EventDisplayData     = "display_data"
	EventExecuteReply    = "execute_reply"
	EventImportReply     = "IO:execute_reply"
	EventInterruptReply  = "interrupt_reply"
	EventShutdownReply   = "shutdown_reply"
	EventKernelInfoReply = "kernel_info_reply"
)

// Event is one client-facing record.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
	// Internal marks events that result from bridge bookkeeping rather
	// than a user-visible run.
	Internal bool `json:"-"`
}

// StatusPayload reports a kernel execution state change.
type StatusPayload struct {
	State string `json:"state"`
}

// ExecuteResultPayload carries the value of an execution.
type ExecuteResultPayload struct {
	Count    int            `json:"count"`
	Data     map[string]any `json:"data"`
	Metadata map[string]any `json:"metadata"`
}

// StdoutPayload carries text written to standard output.
type StdoutPayload struct {
	Text string `json:"text"`
}

// StreamPayload carries text written to any other named stream.
type StreamPayload struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// ErrorPayload describes an exception raised by executed code.
type ErrorPayload struct {
	Ename     string   `json:"ename"`
	Evalue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

// DisplayDataPayload carries rich output.
type DisplayDataPayload struct {
	Data     map[string]any `json:"data"`
	Metadata map[string]any `json:"metadata"`
}

// ExecuteReplyPayload reports completion of a direct execution.
type ExecuteReplyPayload struct {
	PodID  string `json:"podId"`
	Result string `json:"result"`
	Count  int    `json:"count"`
}

// ImportReplyPayload reports completion of a cross-unit import.
type ImportReplyPayload struct {
	PodID  string `json:"podId"`
	Name   string `json:"name"`
	Result string `json:"result"`
	Count  int    `json:"count"`
}

// InterruptReplyPayload reports the outcome of an interrupt.
type InterruptReplyPayload struct {
	Status string `json:"status"`
	Lang   string `json:"lang"`
}

// ShutdownReplyPayload reports the outcome of a shutdown request.
type ShutdownReplyPayload struct {
	Status  string `json:"status"`
	Restart bool   `json:"restart"`
}

// KernelInfoPayload summarizes a kernel_info_reply.
type KernelInfoPayload struct {
	Status          string `json:"status"`
	Lang            string `json:"lang"`
	ProtocolVersion string `json:"protocolVersion"`
	Implementation  string `json:"implementation"`
}
