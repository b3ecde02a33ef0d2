// Package netops is the higher-level façade over the route-monitor
// channel consumed by the command router: set-static, clear-addresses,
// add-default-route, bring-up/down, enumerate, and the DHCP lifecycle.
package netops

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/ngcxy/netconfigd/internal/dhcpsupervisor"
	"github.com/ngcxy/netconfigd/internal/netmonitor"
)

const (
	upBit = 0x1 // IFF_UP

	dhcpPollInterval = 1 * time.Second
	dhcpTimeout      = 30 * time.Second
)

// monitorChannel is the subset of *netmonitor.Channel this façade needs.
// Declaring it here (rather than depending on the concrete type)
// follows the teacher's small-interface style and lets tests supply an
// in-memory double instead of a real kernel socket.
type monitorChannel interface {
	Links() []netmonitor.Link
	AddrsForIndex(ifindex int) []netmonitor.Addr
	RoutesForIndex(ifindex int) []netmonitor.Route
	InterfaceIndex(name string) (int, bool)
	ChangeLinkFlags(ifindex int, setBits, clearBits uint32) error
	SubmitAddressAdd(ifindex int, ip net.IP, prefix int) error
	SubmitAddressDeleteAll(ifindex int) error
	SubmitDefaultRoute(ifindex int, gateway net.IP) error
	RefillKind(kind string) error
}

// dhcpChild is the subset of *dhcpsupervisor.Supervisor this façade
// needs.
type dhcpChild interface {
	Start(ifname string) (pid int, err error)
	Stop(ifname string)
	InspectLease(ifname string) *dhcpsupervisor.LeaseInfo
}

// opsMetrics is the subset of *metrics.Metrics this façade reports
// against. Declared locally so this package does not need to import
// internal/metrics; *metrics.Metrics satisfies it structurally.
type opsMetrics interface {
	RecordDHCPLeaseAcquired()
	RecordDHCPTimeout()
	RecordKernelSubmitError(operation string)
}

// Ops is the façade. It holds only a borrowed reference to the monitor
// channel and owns the DHCP supervision map.
type Ops struct {
	monitor monitorChannel
	dhcp    dhcpChild
	metrics opsMetrics
}

// New constructs a façade over an already-initialized monitor channel.
// m may be nil, in which case lifecycle metrics are skipped.
func New(monitor *netmonitor.Channel, dhcp *dhcpsupervisor.Supervisor, m opsMetrics) *Ops {
	return &Ops{monitor: monitor, dhcp: dhcp, metrics: m}
}

// Enumerate concatenates, for every link in the link cache, a
// six-field key=value row. Missing fields use the literal "none".
// Entries are separated by a single space, order is cache order.
func (o *Ops) Enumerate() string {
	var rows []string
	for _, l := range o.monitor.Links() {
		rows = append(rows, o.formatLinkRow(l))
	}
	return strings.Join(rows, " ")
}

func (o *Ops) formatLinkRow(l netmonitor.Link) string {
	addr := "none"
	mask := "none"
	gateway := "none"
	for _, a := range o.monitor.AddrsForIndex(l.Index) {
		addr = a.IP.String()
		mask = strconv.Itoa(a.Prefix)
		break
	}
	mac := "none"
	if len(l.HardwareAddr) > 0 {
		// Dash-separated, matching the wire protocol's documented
		// example rows (e.g. "aa-bb-cc-dd-ee-ff") rather than Go's
		// colon-separated net.HardwareAddr.String() default.
		mac = strings.ReplaceAll(l.HardwareAddr.String(), ":", "-")
	}
	if gw, ok := o.defaultGatewayFor(l.Index); ok {
		gateway = gw.String()
	}
	return fmt.Sprintf("iface=%s addr=%s mac=%s gateway=%s mask=%s flag=%08x",
		l.Name, addr, mac, gateway, mask, l.Flags)
}

func (o *Ops) defaultGatewayFor(ifindex int) (net.IP, bool) {
	for _, r := range o.monitor.RoutesForIndex(ifindex) {
		if r.Dst == nil && r.Gateway != nil {
			return r.Gateway, true
		}
	}
	return nil, false
}

// Enable brings an interface administratively up, touching only the UP
// bit.
func (o *Ops) Enable(ifname string) string {
	return o.setUpBit(ifname, true)
}

// Disable brings an interface administratively down, touching only the
// UP bit.
func (o *Ops) Disable(ifname string) string {
	return o.setUpBit(ifname, false)
}

func (o *Ops) setUpBit(ifname string, up bool) string {
	idx, ok := o.monitor.InterfaceIndex(ifname)
	if !ok {
		return "error(interface not found)"
	}
	var err error
	verb := "disabled"
	if up {
		err = o.monitor.ChangeLinkFlags(idx, upBit, 0)
		verb = "enabled"
	} else {
		err = o.monitor.ChangeLinkFlags(idx, 0, upBit)
	}
	if err != nil {
		action := "bring interface down"
		if up {
			action = "bring interface up"
		}
		return fmt.Sprintf("error(failed to %s: %s)", action, err)
	}
	_ = o.monitor.RefillKind("link")
	return fmt.Sprintf("success(interface %s)", verb)
}

// SetStatic validates and programs a static IPv4 address and optional
// default gateway. Each validation failure returns its own error body
// (invalid arguments, invalid IP address, invalid prefix format,
// invalid prefix length, invalid gateway address).
func (o *Ops) SetStatic(ifname, ipv4, prefixStr, gateway string) string {
	if ifname == "" {
		return "error(invalid arguments)"
	}

	ip := net.ParseIP(ipv4)
	if ip == nil || ip.To4() == nil {
		return "error(invalid IP address)"
	}
	ip4 := ip.To4()

	prefix, perr := strconv.Atoi(prefixStr)
	if perr != nil {
		return "error(invalid prefix format)"
	}
	if prefix < 0 || prefix > 32 {
		return "error(invalid prefix length)"
	}

	var gw net.IP
	if gateway != "" && gateway != "none" {
		gw = net.ParseIP(gateway)
		if gw == nil || gw.To4() == nil {
			return "error(invalid gateway address)"
		}
		gw = gw.To4()
	}

	idx, ok := o.monitor.InterfaceIndex(ifname)
	if !ok {
		return "error(interface not found)"
	}

	// No-rollback semantics preserved deliberately: the existing
	// addresses are removed before any later error path is evaluated,
	// matching the source's setStaticIP ordering.
	if err := o.monitor.SubmitAddressDeleteAll(idx); err != nil {
		klog.Errorf("netops: clearing existing addresses on %s: %v", ifname, err)
		if o.metrics != nil {
			o.metrics.RecordKernelSubmitError("address_delete_all")
		}
	}

	if err := o.monitor.SubmitAddressAdd(idx, ip4, prefix); err != nil {
		klog.Errorf("netops: adding address %s/%d on %s: %v", ip4, prefix, ifname, err)
		if o.metrics != nil {
			o.metrics.RecordKernelSubmitError("address_add")
		}
		return fmt.Sprintf("error(failed to set address: %s)", err)
	}

	if gw != nil {
		if err := o.monitor.SubmitDefaultRoute(idx, gw); err != nil {
			klog.Errorf("netops: adding default route via %s on %s: %v", gw, ifname, err)
			if o.metrics != nil {
				o.metrics.RecordKernelSubmitError("route_add")
			}
		}
	}

	_ = o.monitor.RefillKind("addr")
	_ = o.monitor.RefillKind("route")
	return "success(static address set)"
}

// DHCPOn validates the interface exists and is administratively UP,
// stops any existing DHCP child for it, forks a new one, and waits for
// an address to appear on the address cache.
func (o *Ops) DHCPOn(ifname string) string {
	idx, ok := o.monitor.InterfaceIndex(ifname)
	if !ok {
		return "error(interface not found)"
	}
	link, ok := o.linkByIndex(idx)
	if !ok || link.Flags&upBit == 0 {
		return "error(interface not up)"
	}

	o.dhcp.Stop(ifname)

	if _, err := o.dhcp.Start(ifname); err != nil {
		return fmt.Sprintf("error(%s)", classifyLaunchError(err))
	}

	deadline := time.Now().Add(dhcpTimeout)
	for time.Now().Before(deadline) {
		_ = o.monitor.RefillKind("addr")
		if len(o.monitor.AddrsForIndex(idx)) > 0 {
			_ = o.monitor.RefillKind("link")
			refreshed, _ := o.linkByIndex(idx)
			if o.metrics != nil {
				o.metrics.RecordDHCPLeaseAcquired()
			}
			if lease := o.dhcp.InspectLease(ifname); lease != nil {
				klog.V(2).Infof("netops: %s leased %s/%s via %s (dns=%v, %ds)",
					ifname, lease.Address, lease.SubnetMask, lease.Gateway, lease.DNSServers, lease.LeaseSeconds)
			}
			return fmt.Sprintf("success(%s)", o.formatLinkRow(refreshed))
		}
		time.Sleep(dhcpPollInterval)
	}
	if o.metrics != nil {
		o.metrics.RecordDHCPTimeout()
	}
	return "error(dhcp timeout)"
}

func classifyLaunchError(err error) string {
	// os/exec folds fork and exec failures into Cmd.Start's error, and
	// the supervisor prefixes every Cmd.Start failure with "fork/exec",
	// so any such error is reported as "dhcpcd failed". Any other launch
	// error (such as failing to open the log file) is reported as
	// "fork failed". A failed fork and a failed exec are not told apart.
	msg := err.Error()
	if strings.Contains(msg, "fork/exec") {
		return "dhcpcd failed"
	}
	return "fork failed"
}

// DHCPOff stops any DHCP child running for ifname. Idempotent: a
// missing entry still returns success.
func (o *Ops) DHCPOff(ifname string) string {
	o.dhcp.Stop(ifname)
	return "success(DHCP disabled)"
}

func (o *Ops) linkByIndex(index int) (netmonitor.Link, bool) {
	for _, l := range o.monitor.Links() {
		if l.Index == index {
			return l, true
		}
	}
	return netmonitor.Link{}, false
}
