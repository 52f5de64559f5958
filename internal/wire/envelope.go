package wire

import (
	"encoding/json"
	"errors"
)

// ErrMalformedEnvelope indicates a frame set that cannot be decoded into an Envelope.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// ProtocolVersion is the kernel messaging protocol version stamped on every header.
const ProtocolVersion = "5.3"

// Delimiter separates routing identities from the signed message parts.
const Delimiter = "<IDS|MSG>"

// Message kinds exchanged with the kernel.
const (
	MsgExecuteRequest    = "execute_request"
	MsgExecuteReply      = "execute_reply"
	MsgKernelInfoRequest = "kernel_info_request"
	MsgKernelInfoReply   = "kernel_info_reply"
	MsgInterruptRequest  = "interrupt_request"
	MsgInterruptReply    = "interrupt_reply"
	MsgShutdownRequest   = "shutdown_request"
	MsgShutdownReply     = "shutdown_reply"

	MsgStatus            = "status"
	MsgStream            = "stream"
	MsgExecuteInput      = "execute_input"
	MsgExecuteResult     = "execute_result"
	MsgDisplayData       = "display_data"
	MsgUpdateDisplayData = "update_display_data"
	MsgClearOutput       = "clear_output"
	MsgError             = "error"

	MsgInputRequest = "input_request"
	MsgInputReply   = "input_reply"
)

// Header identifies one message.
type Header struct {
	MsgID    string `json:"msg_id"`
	MsgType  string `json:"msg_type"`
	Session  string `json:"session"`
	Username string `json:"username"`
	Date     string `json:"date"`
	Version  string `json:"version"`
}

// Envelope is the unit of communication on every kernel channel.
// Parent is nil for messages with no causing request.
type Envelope struct {
	Identities [][]byte
	Header     Header
	Parent     *Header
	Metadata   map[string]any
	Content    json.RawMessage
	Buffers    [][]byte
}

// MsgID returns the message identifier.
func (e Envelope) MsgID() string { return e.Header.MsgID }

// Kind returns the message type.
func (e Envelope) Kind() string { return e.Header.MsgType }

// ParentID returns the identifier of the causing request, or "" when there is none.
func (e Envelope) ParentID() string {
	if e.Parent == nil {
		return ""
	}
	return e.Parent.MsgID
}
