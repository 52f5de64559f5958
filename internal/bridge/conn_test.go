package bridge

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncateReason(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"kernel unreachable", len("kernel unreachable")},
		{strings.Repeat("a", 200), maxCloseReason},
		{strings.Repeat("é", 100), 120},
		{"a" + strings.Repeat("é", 100), 119},
		{strings.Repeat("界", 50), 120},
		{"ab" + strings.Repeat("界", 50), 119},
		{"x" + strings.Repeat("🙂", 40), 117},
	}
	for _, c := range cases {
		got := truncateReason(c.in, maxCloseReason)
		if len(got) != c.want {
			t.Fatalf("truncateReason(%q) length = %d, want %d", c.in, len(got), c.want)
		}
		if !utf8.ValidString(got) {
			t.Fatalf("truncateReason(%q) = %q is not valid UTF-8", c.in, got)
		}
		if !strings.HasPrefix(c.in, got) {
			t.Fatalf("truncateReason(%q) = %q is not a prefix", c.in, got)
		}
	}
}
