package netmonitor

import "testing"

func TestLinkByIndexAndNameLookups(t *testing.T) {
	c := &Channel{
		links: []Link{
			{Index: 1, Name: "lo"},
			{Index: 2, Name: "eth0"},
		},
	}

	if name, ok := c.InterfaceName(2); !ok || name != "eth0" {
		t.Errorf("InterfaceName(2) = (%q, %v), want (\"eth0\", true)", name, ok)
	}
	if _, ok := c.InterfaceName(99); ok {
		t.Errorf("InterfaceName(99) ok = true, want false")
	}

	if idx, ok := c.InterfaceIndex("lo"); !ok || idx != 1 {
		t.Errorf("InterfaceIndex(lo) = (%d, %v), want (1, true)", idx, ok)
	}
	if _, ok := c.InterfaceIndex("nonexistent"); ok {
		t.Errorf("InterfaceIndex(nonexistent) ok = true, want false")
	}
}

func TestAddrsForIndex(t *testing.T) {
	c := &Channel{
		addrs: []Addr{
			{LinkIndex: 2, Prefix: 24},
			{LinkIndex: 3, Prefix: 16},
			{LinkIndex: 2, Prefix: 8},
		},
	}
	got := c.AddrsForIndex(2)
	if len(got) != 2 {
		t.Fatalf("AddrsForIndex(2) len = %d, want 2", len(got))
	}
}

func TestRefillKindUnknown(t *testing.T) {
	c := &Channel{}
	if err := c.RefillKind("bogus"); err == nil {
		t.Error("RefillKind(bogus) expected error, got nil")
	}
}
