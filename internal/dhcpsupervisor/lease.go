package dhcpsupervisor

import (
	"fmt"
	"os"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"k8s.io/klog/v2"
)

// leaseFilePath mirrors dhcpcd's on-disk lease database naming
// convention: one raw DHCPv4 ACK message per supervised interface.
func leaseFilePath(ifname string) string {
	return fmt.Sprintf("/var/lib/dhcpcd/dhcpcd-%s.lease", ifname)
}

// LeaseInfo is the best-effort metadata recovered from a dhcpcd lease
// file: the leased address, subnet mask, gateway (if the server handed
// out a classless static default route), and the DNS servers option.
type LeaseInfo struct {
	Address      string
	SubnetMask   string
	Gateway      string
	DNSServers   []string
	LeaseSeconds uint32
}

// InspectLease attempts to decode the dhcpcd lease file for ifname. A
// missing file or malformed contents is not an error condition worth
// surfacing to the caller: the address-cache poll in internal/netops is
// the authoritative signal that DHCP succeeded, and lease parsing only
// enriches diagnostics. Failures are logged at V(2) and nil is returned.
func (s *Supervisor) InspectLease(ifname string) *LeaseInfo {
	data, err := os.ReadFile(leaseFilePath(ifname))
	if err != nil {
		klog.V(2).Infof("dhcpsupervisor: no lease file for %s: %v", ifname, err)
		return nil
	}

	msg, err := dhcpv4.FromBytes(data)
	if err != nil {
		klog.V(2).Infof("dhcpsupervisor: lease file for %s unparsable: %v", ifname, err)
		return nil
	}

	info := &LeaseInfo{
		Address:      msg.YourIPAddr.String(),
		SubnetMask:   msg.SubnetMask().String(),
		LeaseSeconds: uint32(msg.IPAddressLeaseTime(0).Seconds()),
	}
	for _, route := range msg.ClasslessStaticRoute() {
		if route.Dest != nil && route.Dest.IP.IsUnspecified() {
			info.Gateway = route.Router.String()
			break
		}
	}
	for _, ns := range msg.DNS() {
		info.DNSServers = append(info.DNSServers, ns.String())
	}
	return info
}
