package wire

import (
	"encoding/json"
	"fmt"
)

// ExecuteRequest is the content of an execute_request.
type ExecuteRequest struct {
	Code            string         `json:"code"`
	Silent          bool           `json:"silent"`
	StoreHistory    bool           `json:"store_history"`
	UserExpressions map[string]any `json:"user_expressions"`
	AllowStdin      bool           `json:"allow_stdin"`
	StopOnError     bool           `json:"stop_on_error"`
}

// ExecuteReply is the content of an execute_reply.
type ExecuteReply struct {
	Status         string   `json:"status"`
	ExecutionCount int      `json:"execution_count"`
	Ename          string   `json:"ename,omitempty"`
	Evalue         string   `json:"evalue,omitempty"`
	Traceback      []string `json:"traceback,omitempty"`
}

// LanguageInfo describes the kernel language.
type LanguageInfo struct {
	Name          string `json:"name"`
	Version       string `json:"version,omitempty"`
	FileExtension string `json:"file_extension,omitempty"`
}

// KernelInfoReply is the content of a kernel_info_reply.
type KernelInfoReply struct {
	Status                string       `json:"status"`
	ProtocolVersion       string       `json:"protocol_version"`
	Implementation        string       `json:"implementation"`
	ImplementationVersion string       `json:"implementation_version,omitempty"`
	LanguageInfo          LanguageInfo `json:"language_info"`
	Banner                string       `json:"banner,omitempty"`
}

// InterruptReply is the content of an interrupt_reply.
type InterruptReply struct {
	Status string `json:"status"`
}

// ShutdownRequest is the content of a shutdown_request.
type ShutdownRequest struct {
	Restart bool `json:"restart"`
}

// ShutdownReply is the content of a shutdown_reply.
type ShutdownReply struct {
	Status  string `json:"status"`
	Restart bool   `json:"restart"`
}

// Status is the content of a status broadcast.
type Status struct {
	ExecutionState string `json:"execution_state"`
}

// Stream is the content of a stream broadcast.
type Stream struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// ExecuteInput is the content of an execute_input broadcast.
type ExecuteInput struct {
	Code           string `json:"code"`
	ExecutionCount int    `json:"execution_count"`
}

// ExecuteResult is the content of an execute_result broadcast.
type ExecuteResult struct {
	ExecutionCount int            `json:"execution_count"`
	Data           map[string]any `json:"data"`
	Metadata       map[string]any `json:"metadata"`
}

// DisplayData is the content of display_data and update_display_data broadcasts.
type DisplayData struct {
	Data      map[string]any `json:"data"`
	Metadata  map[string]any `json:"metadata"`
	Transient map[string]any `json:"transient,omitempty"`
}

// Error is the content of an error broadcast.
type Error struct {
	Ename     string   `json:"ename"`
	Evalue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

// InputRequest is the content of an input_request on stdin.
type InputRequest struct {
	Prompt   string `json:"prompt"`
	Password bool   `json:"password"`
}

// DecodeContent decodes raw content into the structure expected for msgType.
// Unknown kinds decode into a map and must be a JSON object.
func DecodeContent(msgType string, raw json.RawMessage) (any, error) {
	var (
		v     any
		check func() error
	)
	switch msgType {
	case MsgExecuteRequest:
		c := &ExecuteRequest{}
		v = c
	case MsgExecuteReply:
		c := &ExecuteReply{}
		v, check = c, func() error { return need("status", c.Status) }
	case MsgKernelInfoReply:
		c := &KernelInfoReply{}
		v, check = c, func() error { return need("status", c.Status) }
	case MsgInterruptReply:
		c := &InterruptReply{}
		v, check = c, func() error { return need("status", c.Status) }
	case MsgShutdownReply:
		c := &ShutdownReply{}
		v, check = c, func() error { return need("status", c.Status) }
	case MsgStatus:
		c := &Status{}
		v, check = c, func() error { return need("execution_state", c.ExecutionState) }
	case MsgStream:
		c := &Stream{}
		v, check = c, func() error { return need("name", c.Name) }
	case MsgExecuteInput:
		v = &ExecuteInput{}
	case MsgExecuteResult:
		v = &ExecuteResult{}
	case MsgDisplayData, MsgUpdateDisplayData:
		v = &DisplayData{}
	case MsgError:
		c := &Error{}
		v, check = c, func() error { return need("ename", c.Ename) }
	case MsgInputRequest:
		v = &InputRequest{}
	default:
		m := map[string]any{}
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%w: %s content: %v", ErrMalformedEnvelope, msgType, err)
		}
		return m, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, fmt.Errorf("%w: %s content: %v", ErrMalformedEnvelope, msgType, err)
	}
	if check != nil {
		if err := check(); err != nil {
			return nil, fmt.Errorf("%w: %s content: %v", ErrMalformedEnvelope, msgType, err)
		}
	}
	return v, nil
}

func need(field, v string) error {
	if v == "" {
		return fmt.Errorf("missing %s", field)
	}
	return nil
}
