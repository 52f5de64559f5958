package kernel

import (
	"encoding/json"
	"fmt"
	"os"
)

// Channel names one of the five kernel channels.
type Channel string

const (
	Shell     Channel = "shell"
	Control   Channel = "control"
	IOPub     Channel = "iopub"
	Stdin     Channel = "stdin"
	Heartbeat Channel = "hb"
)

// Channels lists every channel in the order they are established.
var Channels = []Channel{Shell, Control, Stdin, IOPub, Heartbeat}

// ConnInfo is the connection descriptor of one running kernel. It uses the
// field names of Jupyter connection files.
type ConnInfo struct {
	Transport       string `json:"transport" yaml:"transport"`
	IP              string `json:"ip" yaml:"ip"`
	ShellPort       int    `json:"shell_port" yaml:"shell_port"`
	ControlPort     int    `json:"control_port" yaml:"control_port"`
	IOPubPort       int    `json:"iopub_port" yaml:"iopub_port"`
	StdinPort       int    `json:"stdin_port" yaml:"stdin_port"`
	HBPort          int    `json:"hb_port" yaml:"hb_port"`
	Key             string `json:"key" yaml:"key"`
	SignatureScheme string `json:"signature_scheme" yaml:"signature_scheme"`
	KernelName      string `json:"kernel_name" yaml:"kernel_name"`
}

// LoadConnInfo reads a connection file.
func LoadConnInfo(path string) (ConnInfo, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ConnInfo{}, err
	}
	return ParseConnInfo(b)
}

// ParseConnInfo decodes and validates connection file contents.
func ParseConnInfo(b []byte) (ConnInfo, error) {
	var ci ConnInfo
	if err := json.Unmarshal(b, &ci); err != nil {
		return ConnInfo{}, fmt.Errorf("decode connection info: %w", err)
	}
	if err := ci.Validate(); err != nil {
		return ConnInfo{}, err
	}
	return ci, nil
}

// Validate reports whether the descriptor can address all five channels.
func (c ConnInfo) Validate() error {
	switch c.transport() {
	case "tcp", "ipc":
	default:
		return fmt.Errorf("connection info: unsupported transport %q", c.Transport)
	}
	if c.IP == "" {
		return fmt.Errorf("connection info: missing ip")
	}
	for _, ch := range Channels {
		if c.Port(ch) <= 0 {
			return fmt.Errorf("connection info: missing %s port", ch)
		}
	}
	return nil
}

// Port returns the port bound for ch.
func (c ConnInfo) Port(ch Channel) int {
	switch ch {
	case Shell:
		return c.ShellPort
	case Control:
		return c.ControlPort
	case IOPub:
		return c.IOPubPort
	case Stdin:
		return c.StdinPort
	case Heartbeat:
		return c.HBPort
	}
	return 0
}

// Endpoint renders the address of ch, e.g. "tcp://127.0.0.1:5555".
// ipc transports follow the "<ip>-<port>" file naming convention.
func (c ConnInfo) Endpoint(ch Channel) string {
	if c.transport() == "ipc" {
		return fmt.Sprintf("ipc://%s-%d", c.IP, c.Port(ch))
	}
	return fmt.Sprintf("tcp://%s:%d", c.IP, c.Port(ch))
}

// Language returns the kernel name used as the language label for clients.
func (c ConnInfo) Language() string {
	if c.KernelName == "" {
		return "unknown"
	}
	return c.KernelName
}

func (c ConnInfo) transport() string {
	if c.Transport == "" {
		return "tcp"
	}
	return c.Transport
}
