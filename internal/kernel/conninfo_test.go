package kernel

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleConnFile = `{
  "shell_port": 53794,
  "iopub_port": 53795,
  "stdin_port": 53796,
  "control_port": 53797,
  "hb_port": 53798,
  "ip": "127.0.0.1",
  "key": "a0436f6c-1916-498b-8eb9-e81ab9368e84",
  "transport": "tcp",
  "signature_scheme": "hmac-sha256",
  "kernel_name": "python3"
}`

func TestLoadConnInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel-1.json")
	if err := os.WriteFile(path, []byte(sampleConnFile), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	ci, err := LoadConnInfo(path)
	if err != nil {
		t.Fatalf("LoadConnInfo: %v", err)
	}
	if ci.ShellPort != 53794 || ci.HBPort != 53798 || ci.Language() != "python3" {
		t.Fatalf("unexpected %+v", ci)
	}
	if got := ci.Endpoint(IOPub); got != "tcp://127.0.0.1:53795" {
		t.Fatalf("iopub endpoint = %q", got)
	}
	if got := ci.Endpoint(Control); got != "tcp://127.0.0.1:53797" {
		t.Fatalf("control endpoint = %q", got)
	}
}

func TestConnInfoIPCEndpoint(t *testing.T) {
	ci := ConnInfo{Transport: "ipc", IP: "/tmp/kernel", ShellPort: 1, ControlPort: 2, IOPubPort: 3, StdinPort: 4, HBPort: 5}
	if err := ci.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got := ci.Endpoint(Heartbeat); got != "ipc:///tmp/kernel-5" {
		t.Fatalf("endpoint = %q", got)
	}
}

func TestConnInfoValidate(t *testing.T) {
	cases := map[string]ConnInfo{
		"missing ip":        {ShellPort: 1, ControlPort: 2, IOPubPort: 3, StdinPort: 4, HBPort: 5},
		"missing port":      {IP: "127.0.0.1", ShellPort: 1, ControlPort: 2, IOPubPort: 3, StdinPort: 4},
		"unknown transport": {Transport: "udp", IP: "127.0.0.1", ShellPort: 1, ControlPort: 2, IOPubPort: 3, StdinPort: 4, HBPort: 5},
	}
	for name, ci := range cases {
		if err := ci.Validate(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, err := ParseConnInfo([]byte(`{"ip":`)); err == nil {
		t.Fatalf("expected decode error")
	}
}
