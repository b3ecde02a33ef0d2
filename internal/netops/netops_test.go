package netops

import (
	"fmt"
	"net"
	"strings"
	"testing"

	"github.com/ngcxy/netconfigd/internal/dhcpsupervisor"
	"github.com/ngcxy/netconfigd/internal/netmonitor"
)

type fakeMonitor struct {
	links  []netmonitor.Link
	addrs  []netmonitor.Addr
	routes []netmonitor.Route

	flagChangeErr error
	addErr        error
	deleteAllErr  error
	routeErr      error

	flagSetCalls   []uint32
	flagClearCalls []uint32
}

func (f *fakeMonitor) Links() []netmonitor.Link { return f.links }

func (f *fakeMonitor) AddrsForIndex(ifindex int) []netmonitor.Addr {
	var out []netmonitor.Addr
	for _, a := range f.addrs {
		if a.LinkIndex == ifindex {
			out = append(out, a)
		}
	}
	return out
}

func (f *fakeMonitor) RoutesForIndex(ifindex int) []netmonitor.Route {
	var out []netmonitor.Route
	for _, r := range f.routes {
		if r.LinkIndex == ifindex {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeMonitor) InterfaceIndex(name string) (int, bool) {
	for _, l := range f.links {
		if l.Name == name {
			return l.Index, true
		}
	}
	return 0, false
}

func (f *fakeMonitor) ChangeLinkFlags(ifindex int, setBits, clearBits uint32) error {
	f.flagSetCalls = append(f.flagSetCalls, setBits)
	f.flagClearCalls = append(f.flagClearCalls, clearBits)
	if f.flagChangeErr != nil {
		return f.flagChangeErr
	}
	for i := range f.links {
		if f.links[i].Index == ifindex {
			f.links[i].Flags = (f.links[i].Flags &^ clearBits) | setBits
		}
	}
	return nil
}

func (f *fakeMonitor) SubmitAddressAdd(ifindex int, ip net.IP, prefix int) error {
	if f.addErr != nil {
		return f.addErr
	}
	f.addrs = append(f.addrs, netmonitor.Addr{LinkIndex: ifindex, IP: ip, Prefix: prefix})
	return nil
}

func (f *fakeMonitor) SubmitAddressDeleteAll(ifindex int) error {
	if f.deleteAllErr != nil {
		return f.deleteAllErr
	}
	var kept []netmonitor.Addr
	for _, a := range f.addrs {
		if a.LinkIndex != ifindex {
			kept = append(kept, a)
		}
	}
	f.addrs = kept
	return nil
}

func (f *fakeMonitor) SubmitDefaultRoute(ifindex int, gateway net.IP) error {
	if f.routeErr != nil {
		return f.routeErr
	}
	f.routes = append(f.routes, netmonitor.Route{LinkIndex: ifindex, Dst: nil, Gateway: gateway})
	return nil
}

func (f *fakeMonitor) RefillKind(kind string) error { return nil }

type fakeDHCP struct {
	startErr   error
	startedFor []string
	stoppedFor []string
}

func (f *fakeDHCP) Start(ifname string) (int, error) {
	f.startedFor = append(f.startedFor, ifname)
	if f.startErr != nil {
		return 0, f.startErr
	}
	return 1234, nil
}

func (f *fakeDHCP) Stop(ifname string) {
	f.stoppedFor = append(f.stoppedFor, ifname)
}

func (f *fakeDHCP) InspectLease(ifname string) *dhcpsupervisor.LeaseInfo {
	return nil
}

func newTestOps(mon *fakeMonitor, dhcp *fakeDHCP) *Ops {
	return &Ops{monitor: mon, dhcp: dhcp}
}

func TestEnumerateMissingFieldsAreNone(t *testing.T) {
	mon := &fakeMonitor{links: []netmonitor.Link{{Index: 1, Name: "lo", Flags: 0x49}}}
	o := newTestOps(mon, &fakeDHCP{})
	got := o.Enumerate()
	want := "iface=lo addr=none mac=none gateway=none mask=none flag=00000049"
	if got != want {
		t.Errorf("Enumerate() = %q, want %q", got, want)
	}
}

func TestEnumerateWithAddrAndGateway(t *testing.T) {
	mon := &fakeMonitor{
		links: []netmonitor.Link{{Index: 2, Name: "eth0", Flags: 0x1043, HardwareAddr: net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}}},
		addrs: []netmonitor.Addr{{LinkIndex: 2, IP: net.ParseIP("10.0.0.5").To4(), Prefix: 24}},
		routes: []netmonitor.Route{
			{LinkIndex: 2, Dst: nil, Gateway: net.ParseIP("10.0.0.1").To4()},
		},
	}
	o := newTestOps(mon, &fakeDHCP{})
	got := o.Enumerate()
	for _, substr := range []string{"iface=eth0", "addr=10.0.0.5", "mac=aa-bb-cc-dd-ee-ff", "gateway=10.0.0.1", "mask=24"} {
		if !strings.Contains(got, substr) {
			t.Errorf("Enumerate() = %q, missing %q", got, substr)
		}
	}
}

func TestEnableTouchesOnlyUpBit(t *testing.T) {
	mon := &fakeMonitor{links: []netmonitor.Link{{Index: 1, Name: "eth0", Flags: 0x1002}}}
	o := newTestOps(mon, &fakeDHCP{})
	got := o.Enable("eth0")
	if got != "success(interface enabled)" {
		t.Errorf("Enable() = %q", got)
	}
	if len(mon.flagSetCalls) != 1 || mon.flagSetCalls[0] != upBit || mon.flagClearCalls[0] != 0 {
		t.Errorf("ChangeLinkFlags called with set=%v clear=%v, want set=[%d] clear=[0]", mon.flagSetCalls, mon.flagClearCalls, upBit)
	}
}

func TestEnableDisableRestoresUpBitOnly(t *testing.T) {
	mon := &fakeMonitor{links: []netmonitor.Link{{Index: 1, Name: "eth0", Flags: 0x1002}}}
	o := newTestOps(mon, &fakeDHCP{})
	o.Disable("eth0")
	afterDisable := mon.links[0].Flags
	o.Enable("eth0")
	afterEnable := mon.links[0].Flags

	if afterDisable&upBit != 0 {
		t.Errorf("after Disable, UP bit still set: %08x", afterDisable)
	}
	if afterEnable&upBit == 0 {
		t.Errorf("after Enable, UP bit not set: %08x", afterEnable)
	}
	// No other bit should have moved across the round trip.
	if afterEnable&^upBit != 0x1002&^upBit {
		t.Errorf("non-UP bits changed: got %08x want %08x", afterEnable&^upBit, uint32(0x1002)&^uint32(upBit))
	}
}

func TestEnableNotFound(t *testing.T) {
	o := newTestOps(&fakeMonitor{}, &fakeDHCP{})
	if got := o.Enable("ghost0"); got != "error(interface not found)" {
		t.Errorf("Enable(ghost0) = %q", got)
	}
}

func TestSetStaticValidation(t *testing.T) {
	mon := &fakeMonitor{links: []netmonitor.Link{{Index: 1, Name: "eth0"}}}
	tests := []struct {
		name             string
		ifname, ip, pfx, gw string
		want             string
	}{
		{"bad prefix too high", "eth0", "192.168.1.10", "33", "none", "error(invalid prefix length)"},
		{"bad prefix negative", "eth0", "192.168.1.10", "-1", "none", "error(invalid prefix length)"},
		{"bad prefix format", "eth0", "192.168.1.10", "abc", "none", "error(invalid prefix format)"},
		{"bad ip", "eth0", "not-an-ip", "24", "none", "error(invalid IP address)"},
		{"bad gateway", "eth0", "192.168.1.10", "24", "not-an-ip", "error(invalid gateway address)"},
		{"empty ifname", "", "192.168.1.10", "24", "none", "error(invalid arguments)"},
		{"unknown interface", "eth9", "192.168.1.10", "24", "none", "error(interface not found)"},
		{"prefix zero ok", "eth0", "192.168.1.10", "0", "none", "success(static address set)"},
		{"prefix 32 ok", "eth0", "192.168.1.10", "32", "none", "success(static address set)"},
		{"gateway empty string equals none", "eth0", "192.168.1.10", "24", "", "success(static address set)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newTestOps(mon, &fakeDHCP{})
			got := o.SetStatic(tt.ifname, tt.ip, tt.pfx, tt.gw)
			if got != tt.want {
				t.Errorf("SetStatic(%q,%q,%q,%q) = %q, want %q", tt.ifname, tt.ip, tt.pfx, tt.gw, got, tt.want)
			}
		})
	}
}

func TestSetStaticProgramsGateway(t *testing.T) {
	mon := &fakeMonitor{links: []netmonitor.Link{{Index: 1, Name: "eth0"}}}
	o := newTestOps(mon, &fakeDHCP{})
	got := o.SetStatic("eth0", "192.168.1.10", "24", "192.168.1.1")
	if got != "success(static address set)" {
		t.Fatalf("SetStatic() = %q", got)
	}
	if len(mon.routes) != 1 || mon.routes[0].Gateway.String() != "192.168.1.1" {
		t.Errorf("expected default route via 192.168.1.1, got %+v", mon.routes)
	}
	if len(mon.addrs) != 1 || mon.addrs[0].IP.String() != "192.168.1.10" || mon.addrs[0].Prefix != 24 {
		t.Errorf("expected single address 192.168.1.10/24, got %+v", mon.addrs)
	}
}

func TestDHCPOffIdempotent(t *testing.T) {
	dhcp := &fakeDHCP{}
	o := newTestOps(&fakeMonitor{}, dhcp)
	first := o.DHCPOff("eth0")
	second := o.DHCPOff("eth0")
	if first != "success(DHCP disabled)" || second != first {
		t.Errorf("DHCPOff() not idempotent: first=%q second=%q", first, second)
	}
}

func TestDHCPOnRequiresInterfaceUp(t *testing.T) {
	mon := &fakeMonitor{links: []netmonitor.Link{{Index: 1, Name: "eth0", Flags: 0}}}
	o := newTestOps(mon, &fakeDHCP{})
	got := o.DHCPOn("eth0")
	if got != "error(interface not up)" {
		t.Errorf("DHCPOn() = %q, want error(interface not up)", got)
	}
}

func TestDHCPOnAddressAppearsImmediately(t *testing.T) {
	mon := &fakeMonitor{links: []netmonitor.Link{{Index: 1, Name: "eth0", Flags: upBit}}}
	dhcp := &fakeDHCP{}
	o := newTestOps(mon, dhcp)
	// Simulate the address appearing before the first poll by seeding it
	// up front (RefillKind is a no-op in the fake, so the cache already
	// reflects "current" state).
	mon.addrs = append(mon.addrs, netmonitor.Addr{LinkIndex: 1, IP: net.ParseIP("192.168.1.50").To4(), Prefix: 24})
	got := o.DHCPOn("eth0")
	if !strings.HasPrefix(got, "success(") {
		t.Errorf("DHCPOn() = %q, want success(...)", got)
	}
	if len(dhcp.startedFor) != 1 || dhcp.startedFor[0] != "eth0" {
		t.Errorf("dhcp.Start called with %v, want [eth0]", dhcp.startedFor)
	}
}

func TestDHCPOnLaunchFailure(t *testing.T) {
	mon := &fakeMonitor{links: []netmonitor.Link{{Index: 1, Name: "eth0", Flags: upBit}}}
	dhcp := &fakeDHCP{startErr: fmt.Errorf("dhcpsupervisor: fork/exec dhcpcd: no such file")}
	o := newTestOps(mon, dhcp)
	got := o.DHCPOn("eth0")
	if got != "error(dhcpcd failed)" {
		t.Errorf("DHCPOn() = %q, want error(dhcpcd failed)", got)
	}
}
