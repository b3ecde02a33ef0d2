package sexpr

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"simple verb only", "(enumerate)", []string{"enumerate"}},
		{"verb with args", "(on eth0)", []string{"on", "eth0"}},
		{"setStatic arity", "(setStatic eth0 192.168.1.10 24 192.168.1.1)",
			[]string{"setStatic", "eth0", "192.168.1.10", "24", "192.168.1.1"}},
		{"nested group captured as inner raw text", "(dhcpOff(DHCP disabled))",
			[]string{"dhcpOff", "DHCP disabled"}},
		{"doubly nested group keeps inner parens literal", "(a(b(c)d))",
			[]string{"a", "b(c)d"}},
		{"quoted token with embedded space", `(setStatic "eth 0" 24)`,
			[]string{"setStatic", `"eth 0"`, "24"}},
		{"missing open paren", "enumerate)", nil},
		{"missing close paren", "(enumerate", nil},
		{"too short", "(", nil},
		{"unterminated quote", `(on "eth0)`, nil},
		{"unbalanced close", "(on))", nil},
		{"tabs and newlines separate tokens", "(on\teth0\n)", []string{"on", "eth0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decode(tt.input)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Decode(%q) mismatch (-want +got):\n%s", tt.input, diff)
			}
		})
	}
}

func TestEncode(t *testing.T) {
	got := Encode("on", "success(interface enabled)")
	want := "(on(success(interface enabled)))"
	if got != want {
		t.Errorf("Encode() = %q, want %q", got, want)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		verb string
		body string
	}{
		{"dhcpOff", "success(DHCP disabled)"},
		{"enumerate", "iface=lo flag=00000049"},
		{"error", "invalid S-expression format"},
	}
	for _, tt := range tests {
		encoded := Encode(tt.verb, tt.body)
		got := Decode(encoded)
		want := []string{tt.verb, tt.body}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("round trip for verb=%q body=%q mismatch (-want +got):\n%s", tt.verb, tt.body, diff)
		}
	}
}
