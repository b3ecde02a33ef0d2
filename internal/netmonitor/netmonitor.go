// Package netmonitor wraps the kernel's NETLINK_ROUTE socket: it
// subscribes to link, IPv4-address, and IPv4-route multicast groups,
// maintains live-refillable local caches for each, demultiplexes
// inbound messages into typed callbacks, and exposes helpers for
// name/index lookup and for issuing configuration requests.
package netmonitor

import (
	"fmt"
	"net"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

// LinkCallback, AddrCallback and RouteCallback are installed by the
// daemon coordinator and invoked synchronously from ProcessReady.
type (
	LinkCallback  func(LinkEvent)
	AddrCallback  func(AddrEvent)
	RouteCallback func(RouteEvent)
)

// Channel owns the kernel routing socket and its three caches. It is
// not safe for concurrent use: every method is expected to run on the
// single reactor thread.
type Channel struct {
	fd int

	handle *netlink.Handle

	mu     sync.RWMutex
	links  []Link
	addrs  []Addr
	routes []Route

	onLink  LinkCallback
	onAddr  AddrCallback
	onRoute RouteCallback
}

// New allocates the routing socket, subscribes to the link/address/route
// multicast groups, and performs the initial cache fill. Any step's
// failure fails initialization entirely; no partial state is published.
func New() (*Channel, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW, unix.NETLINK_ROUTE)
	if err != nil {
		return nil, errors.Wrap(err, "netmonitor: socket")
	}

	groups := uint32(0)
	groups |= 1 << (unix.RTNLGRP_LINK - 1)
	groups |= 1 << (unix.RTNLGRP_IPV4_IFADDR - 1)
	groups |= 1 << (unix.RTNLGRP_IPV4_ROUTE - 1)

	sa := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: groups}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "netmonitor: bind")
	}

	// Ask the kernel not to report ENOBUFS on this monitoring socket when
	// its receive buffer overflows. A kernel without the option is
	// tolerated: the failure is logged and initialization continues.
	if err := unix.SetsockoptInt(fd, unix.SOL_NETLINK, unix.NETLINK_NO_ENOBUFS, 1); err != nil {
		klog.V(2).Infof("netmonitor: NETLINK_NO_ENOBUFS not supported: %v", err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "netmonitor: set non-blocking")
	}

	handle, err := netlink.NewHandle(unix.NETLINK_ROUTE)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "netmonitor: netlink handle")
	}

	c := &Channel{fd: fd, handle: handle}
	if err := c.refillLinks(); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "netmonitor: initial link cache fill")
	}
	if err := c.refillAddrs(); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "netmonitor: initial address cache fill")
	}
	if err := c.refillRoutes(); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "netmonitor: initial route cache fill")
	}

	return c, nil
}

// SetCallbacks installs the per-message-kind consumer callbacks. Must be
// called before ProcessReady is ever invoked.
func (c *Channel) SetCallbacks(onLink LinkCallback, onAddr AddrCallback, onRoute RouteCallback) {
	c.onLink = onLink
	c.onAddr = onAddr
	c.onRoute = onRoute
}

// SocketFD returns the raw routing-socket descriptor, for Reactor
// registration.
func (c *Channel) SocketFD() int {
	return c.fd
}

// Close releases the routing socket. The caller must have deregistered
// it from the Reactor first.
func (c *Channel) Close() error {
	return unix.Close(c.fd)
}

// ProcessReady drains all pending messages from the routing socket.
// Would-block and interrupted reads are absorbed; any other failure is
// returned as an operation error.
func (c *Channel) ProcessReady() error {
	buf := make([]byte, unix.Getpagesize())
	for {
		n, _, err := unix.Recvfrom(c.fd, buf, 0)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return nil
			}
			if err == unix.EINTR {
				continue
			}
			return errors.Wrap(err, "netmonitor: recvfrom")
		}
		if n == 0 {
			return nil
		}
		msgs, err := unix.ParseNetlinkMessage(buf[:n])
		if err != nil {
			klog.Errorf("netmonitor: malformed netlink message dropped: %v", err)
			continue
		}
		for _, msg := range msgs {
			c.dispatch(msg)
		}
	}
}

func (c *Channel) dispatch(msg unix.NetlinkMessage) {
	switch msg.Header.Type {
	case unix.RTM_NEWLINK, unix.RTM_DELLINK:
		c.dispatchLink(msg)
	case unix.RTM_NEWADDR, unix.RTM_DELADDR:
		c.dispatchAddr(msg)
	case unix.RTM_NEWROUTE, unix.RTM_DELROUTE:
		c.dispatchRoute(msg)
	case unix.NLMSG_DONE:
		// ignored
	default:
		klog.V(3).Infof("netmonitor: dropping unhandled message type %d", msg.Header.Type)
	}
}

func (c *Channel) dispatchLink(msg unix.NetlinkMessage) {
	if len(msg.Data) < int(unsafe.Sizeof(unix.IfInfomsg{})) {
		klog.Errorf("netmonitor: truncated link message")
		return
	}
	ifim := (*unix.IfInfomsg)(unsafe.Pointer(&msg.Data[0]))
	index := int(ifim.Index)

	added := msg.Header.Type == unix.RTM_NEWLINK
	if err := c.refillLinks(); err != nil {
		klog.Errorf("netmonitor: link cache refill after event failed: %v", err)
	}
	link, ok := c.linkByIndex(index)
	if !ok {
		// The interface is gone (DELLINK) or the refill raced; fall
		// back to a minimal record carrying just the index.
		link = Link{Index: index, Flags: ifim.Flags}
	}
	if c.onLink != nil {
		c.onLink(LinkEvent{Added: added, Link: link})
	}
}

func (c *Channel) dispatchAddr(msg unix.NetlinkMessage) {
	if len(msg.Data) < int(unsafe.Sizeof(unix.IfAddrmsg{})) {
		klog.Errorf("netmonitor: truncated address message")
		return
	}
	ifam := (*unix.IfAddrmsg)(unsafe.Pointer(&msg.Data[0]))
	index := int(ifam.Index)
	if ifam.Family != unix.AF_INET {
		return
	}

	added := msg.Header.Type == unix.RTM_NEWADDR
	if err := c.refillAddrs(); err != nil {
		klog.Errorf("netmonitor: address cache refill after event failed: %v", err)
	}
	name, _ := c.interfaceNameLocked(index)

	var rec Addr
	for _, a := range c.snapshotAddrs() {
		if a.LinkIndex == index {
			rec = a
			break
		}
	}
	if rec.LinkIndex == 0 {
		rec = Addr{LinkIndex: index, Prefix: int(ifam.Prefixlen)}
	}
	if c.onAddr != nil {
		c.onAddr(AddrEvent{Added: added, IfaceName: name, Addr: rec})
	}
}

func (c *Channel) dispatchRoute(msg unix.NetlinkMessage) {
	if len(msg.Data) < int(unsafe.Sizeof(unix.RtMsg{})) {
		klog.Errorf("netmonitor: truncated route message")
		return
	}
	rtm := (*unix.RtMsg)(unsafe.Pointer(&msg.Data[0]))
	if rtm.Family != unix.AF_INET {
		return
	}

	added := msg.Header.Type == unix.RTM_NEWROUTE
	if err := c.refillRoutes(); err != nil {
		klog.Errorf("netmonitor: route cache refill after event failed: %v", err)
	}

	rec := Route{Table: int(rtm.Table), Scope: int(rtm.Scope)}
	if rtm.Dst_len == 0 {
		rec.Dst = nil // default route
	} else {
		rec.Dst = &net.IPNet{IP: net.IPv4zero, Mask: net.CIDRMask(int(rtm.Dst_len), 32)}
	}
	if c.onRoute != nil {
		c.onRoute(RouteEvent{Added: added, Route: rec})
	}
}

// --- cache refill and lookup ---

func (c *Channel) refillLinks() error {
	list, err := c.handle.LinkList()
	if err != nil {
		return err
	}
	links := make([]Link, 0, len(list))
	for _, l := range list {
		attrs := l.Attrs()
		links = append(links, Link{
			Index:        attrs.Index,
			Name:         attrs.Name,
			Flags:        uint32(attrs.Flags),
			HardwareAddr: attrs.HardwareAddr,
		})
	}
	c.mu.Lock()
	c.links = links
	c.mu.Unlock()
	return nil
}

func (c *Channel) refillAddrs() error {
	list, err := netlink.AddrList(nil, netlink.FAMILY_V4)
	if err != nil {
		return err
	}
	addrs := make([]Addr, 0, len(list))
	for _, a := range list {
		ones, _ := a.IPNet.Mask.Size()
		addrs = append(addrs, Addr{LinkIndex: a.LinkIndex, IP: a.IPNet.IP, Prefix: ones})
	}
	c.mu.Lock()
	c.addrs = addrs
	c.mu.Unlock()
	return nil
}

func (c *Channel) refillRoutes() error {
	list, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return err
	}
	routes := make([]Route, 0, len(list))
	for _, r := range list {
		routes = append(routes, Route{
			LinkIndex: r.LinkIndex,
			Dst:       r.Dst,
			Gateway:   r.Gw,
			Table:     r.Table,
			Scope:     int(r.Scope),
		})
	}
	c.mu.Lock()
	c.routes = routes
	c.mu.Unlock()
	return nil
}

// RefillKind re-reads the named cache from the kernel. Valid kinds are
// "link", "addr", "route".
func (c *Channel) RefillKind(kind string) error {
	switch kind {
	case "link":
		return c.refillLinks()
	case "addr":
		return c.refillAddrs()
	case "route":
		return c.refillRoutes()
	default:
		return fmt.Errorf("netmonitor: unknown cache kind %q", kind)
	}
}

func (c *Channel) Links() []Link {
	return append([]Link(nil), c.snapshotLinks()...)
}

func (c *Channel) Addrs() []Addr {
	return append([]Addr(nil), c.snapshotAddrs()...)
}

func (c *Channel) snapshotRoutes() []Route {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.routes
}

// RoutesForIndex returns the cached routes whose output interface is
// ifindex.
func (c *Channel) RoutesForIndex(ifindex int) []Route {
	var out []Route
	for _, r := range c.snapshotRoutes() {
		if r.LinkIndex == ifindex {
			out = append(out, r)
		}
	}
	return out
}

func (c *Channel) snapshotLinks() []Link {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.links
}

func (c *Channel) snapshotAddrs() []Addr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.addrs
}

func (c *Channel) linkByIndex(index int) (Link, bool) {
	for _, l := range c.snapshotLinks() {
		if l.Index == index {
			return l, true
		}
	}
	return Link{}, false
}

// InterfaceName resolves an index against the link cache.
func (c *Channel) InterfaceName(index int) (string, bool) {
	return c.interfaceNameLocked(index)
}

func (c *Channel) interfaceNameLocked(index int) (string, bool) {
	l, ok := c.linkByIndex(index)
	if !ok {
		return "", false
	}
	return l.Name, true
}

// InterfaceIndex resolves a name against the link cache.
func (c *Channel) InterfaceIndex(name string) (int, bool) {
	for _, l := range c.snapshotLinks() {
		if l.Name == name {
			return l.Index, true
		}
	}
	return 0, false
}

// AddrsForIndex returns the cached IPv4 addresses for a given link index.
func (c *Channel) AddrsForIndex(index int) []Addr {
	var out []Addr
	for _, a := range c.snapshotAddrs() {
		if a.LinkIndex == index {
			out = append(out, a)
		}
	}
	return out
}

// --- submission helpers ---

// SubmitAddressAdd constructs and sends an address-creation request.
// Returns the kernel's error verbatim.
func (c *Channel) SubmitAddressAdd(ifindex int, ip net.IP, prefix int) error {
	link, ok := c.linkHandleByIndex(ifindex)
	if !ok {
		return fmt.Errorf("netmonitor: no such interface index %d", ifindex)
	}
	addr := &netlink.Addr{IPNet: &net.IPNet{IP: ip, Mask: net.CIDRMask(prefix, 32)}}
	if err := c.handle.AddrAdd(link, addr); err != nil {
		return errors.Wrap(err, "netmonitor: address add")
	}
	return nil
}

// SubmitAddressDeleteAll iterates the IPv4 address cache for ifindex and
// issues deletion requests for each entry found.
func (c *Channel) SubmitAddressDeleteAll(ifindex int) error {
	link, ok := c.linkHandleByIndex(ifindex)
	if !ok {
		return fmt.Errorf("netmonitor: no such interface index %d", ifindex)
	}
	var lastErr error
	for _, a := range c.AddrsForIndex(ifindex) {
		addr := &netlink.Addr{IPNet: &net.IPNet{IP: a.IP, Mask: net.CIDRMask(a.Prefix, 32)}}
		if err := c.handle.AddrDel(link, addr); err != nil {
			lastErr = errors.Wrap(err, "netmonitor: address delete")
			klog.Errorf("netmonitor: failed to delete address %s/%d on index %d: %v", a.IP, a.Prefix, ifindex, err)
		}
	}
	return lastErr
}

// SubmitDefaultRoute constructs a route to 0.0.0.0/0, table=main,
// scope=universe, type=unicast, protocol=static, with next-hop
// (ifindex, gateway).
func (c *Channel) SubmitDefaultRoute(ifindex int, gateway net.IP) error {
	route := &netlink.Route{
		LinkIndex: ifindex,
		Dst:       &net.IPNet{IP: net.IPv4zero, Mask: net.CIDRMask(0, 32)},
		Gw:        gateway,
		Table:     unix.RT_TABLE_MAIN,
		Scope:     netlink.SCOPE_UNIVERSE,
		Protocol:  unix.RTPROT_STATIC,
	}
	if err := c.handle.RouteAdd(route); err != nil {
		return errors.Wrap(err, "netmonitor: default route add")
	}
	return nil
}

// ChangeLinkFlags issues a link-change that mutates only the bits named
// in setBits/clearBits, leaving every other administrative flag bit
// untouched. The high-level netlink API has no such primitive (LinkSetUp
// and LinkSetDown replace the whole flag word's intent), so this builds
// the RTM_NEWLINK request directly: ifinfomsg.Change is the mask of bits
// being altered, ifinfomsg.Flags carries the desired values for exactly
// those bits.
func (c *Channel) ChangeLinkFlags(ifindex int, setBits, clearBits uint32) error {
	req := nl.NewNetlinkRequest(unix.RTM_NEWLINK, unix.NLM_F_ACK)

	msg := nl.NewIfInfomsg(unix.AF_UNSPEC)
	msg.Index = int32(ifindex)
	msg.Change = setBits | clearBits
	msg.Flags = setBits
	req.AddData(msg)

	_, err := req.Execute(unix.NETLINK_ROUTE, 0)
	if err != nil {
		return errors.Wrap(err, "netmonitor: link flag change")
	}
	return nil
}

func (c *Channel) linkHandleByIndex(index int) (netlink.Link, bool) {
	l, ok := c.linkByIndex(index)
	if !ok {
		return nil, false
	}
	return &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Index: l.Index, Name: l.Name}}, true
}
