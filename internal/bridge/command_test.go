package bridge

import (
	"errors"
	"testing"
)

func TestRunCodeValidate(t *testing.T) {
	cases := []struct {
		rc     RunCode
		reason string
	}{
		{RunCode{Code: "x", PodID: "p"}, ""},
		{RunCode{Code: "", PodID: "p"}, ReasonEmptyCode},
		{RunCode{Code: "\t", PodID: "p"}, ""},
		{RunCode{Code: "\n", PodID: "unit42"}, ""},
		{RunCode{Code: "x"}, ReasonMissingPodID},
	}
	for _, c := range cases {
		err := c.rc.Validate()
		if c.reason == "" {
			if err != nil {
				t.Fatalf("%+v: unexpected %v", c.rc, err)
			}
			continue
		}
		if !errors.Is(err, ErrEmptyRequest) || rejectionReason(err) != c.reason {
			t.Fatalf("%+v: got %v", c.rc, err)
		}
	}
}

func TestRunCodeMsgID(t *testing.T) {
	if id := (RunCode{PodID: "unit42"}).MsgID(); id != "unit42" {
		t.Fatalf("got %q", id)
	}
	if id := (RunCode{PodID: "unit42", Namespace: "foo"}).MsgID(); id != "unit42#foo" {
		t.Fatalf("got %q", id)
	}
}

func TestParseCommand(t *testing.T) {
	if _, err := parseCommand([]byte(`{"payload":{}}`)); err == nil {
		t.Fatalf("expected missing type error")
	}
	if _, err := parseCommand([]byte(`[1,2]`)); err == nil {
		t.Fatalf("expected decode error")
	}
	cmd, err := parseCommand([]byte(`{"type":"ping"}`))
	if err != nil || cmd.Type != CmdPing {
		t.Fatalf("got %+v, %v", cmd, err)
	}
}
