// Package daemon assembles the reactor, route-monitor channel, network
// operations façade, control server, and command router, installs the
// child-reaper signal handler, and runs the event loop.
package daemon

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"

	"github.com/ngcxy/netconfigd/internal/controlserver"
	"github.com/ngcxy/netconfigd/internal/dhcpsupervisor"
	"github.com/ngcxy/netconfigd/internal/metrics"
	"github.com/ngcxy/netconfigd/internal/netmonitor"
	"github.com/ngcxy/netconfigd/internal/netops"
	"github.com/ngcxy/netconfigd/internal/reactor"
	"github.com/ngcxy/netconfigd/internal/router"
	"github.com/ngcxy/netconfigd/internal/sexpr"
)

// Config carries the process-wide values the original implementation
// hard-coded as constants, now exposed at construction per §9's
// "Global-state paths" design note.
type Config struct {
	SocketPath     string
	DHCPBinary     string
	DHCPLogPath    string
	ResolvConfPath string
}

// Daemon is the coordinator.
type Daemon struct {
	cfg Config

	react   *reactor.Reactor
	monitor *netmonitor.Channel
	dhcp    *dhcpsupervisor.Supervisor
	ops     *netops.Ops
	control *controlserver.Server
	rtr     *router.Router
	metrics *metrics.Metrics

	sigchldCh chan os.Signal
	stopCh    chan struct{}
}

// New wires every component together. Initialization failure here is
// Fatal-I/O per §7: the caller should exit(1) after logging.
func New(cfg Config) (*Daemon, error) {
	react, err := reactor.New()
	if err != nil {
		return nil, fmt.Errorf("daemon: reactor init: %w", err)
	}

	monitor, err := netmonitor.New()
	if err != nil {
		react.Close()
		return nil, fmt.Errorf("daemon: netmonitor init: %w", err)
	}

	dhcp := dhcpsupervisor.New(cfg.DHCPBinary, cfg.DHCPLogPath)
	m := metrics.New(prometheus.DefaultRegisterer)
	ops := netops.New(monitor, dhcp, m)

	d := &Daemon{
		cfg:       cfg,
		react:     react,
		monitor:   monitor,
		dhcp:      dhcp,
		ops:       ops,
		metrics:   m,
		sigchldCh: make(chan os.Signal, 1),
		stopCh:    make(chan struct{}),
	}

	d.control = controlserver.New(cfg.SocketPath, react, d.handleFrame)
	d.rtr = router.New(ops, d)

	monitor.SetCallbacks(d.onLinkEvent, d.onAddrEvent, d.onRouteEvent)

	return d, nil
}

func (d *Daemon) handleFrame(frame string) string {
	verb := "malformed"
	if tokens := sexpr.Decode(frame); len(tokens) > 0 {
		verb = tokens[0]
	}
	d.metrics.RecordCommand(verb)

	response := d.rtr.Handle(frame)

	outcome := "success"
	if respTokens := sexpr.Decode(response); len(respTokens) > 1 && strings.HasPrefix(respTokens[1], "error(") {
		outcome = "error"
	}
	d.metrics.RecordResponse(verb, outcome)
	d.metrics.SetClientsConnected(d.control.ClientCount())
	d.metrics.SetDHCPActive(d.dhcp.Count())

	return response
}

// StatusLine implements router.Status for the supplemented "status"
// verb.
func (d *Daemon) StatusLine() string {
	nameservers := "none"
	if ns := readNameservers(d.cfg.ResolvConfPath); len(ns) > 0 {
		nameservers = strings.Join(ns, ",")
	}
	return fmt.Sprintf("success(nameservers=%s socket=%s dhcp_active=%d)",
		nameservers, d.cfg.SocketPath, d.dhcp.Count())
}

// Run installs the SIGCHLD reaper, registers the monitor and control
// sockets on the Reactor, starts the control server, and enters the
// event loop. It blocks until Stop is called or Run fails fatally.
func (d *Daemon) Run() error {
	d.installReaper()

	if err := d.react.Add(d.monitor.SocketFD(), reactor.Readable, d.handleMonitorReadable); err != nil {
		return fmt.Errorf("daemon: register monitor fd: %w", err)
	}

	if err := d.control.Start(); err != nil {
		return fmt.Errorf("daemon: start control server: %w", err)
	}

	klog.Info("daemon: entering event loop")
	return d.react.Run()
}

func (d *Daemon) handleMonitorReadable(reactor.Interest) {
	if err := d.monitor.ProcessReady(); err != nil {
		klog.Errorf("daemon: route-monitor channel error: %v", err)
	}
}

// installReaper installs a SIGCHLD handler that loops calling
// non-blocking wait on all children until none remain, preventing
// zombie DHCP children from accumulating after dhcp_off races with a
// child already exiting.
func (d *Daemon) installReaper() {
	signal.Notify(d.sigchldCh, syscall.SIGCHLD)
	go func() {
		for {
			select {
			case <-d.sigchldCh:
				d.reapChildren()
			case <-d.stopCh:
				return
			}
		}
	}()
}

func (d *Daemon) reapChildren() {
	for {
		var status syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &status, syscall.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
		if ifname, ok := d.dhcp.ForgetPid(pid); ok {
			klog.V(2).Infof("daemon: reaped DHCP child pid %d (%s)", pid, ifname)
		} else {
			klog.V(3).Infof("daemon: reaped child pid %d", pid)
		}
	}
}

// Stop tears down the control server, terminates every supervised DHCP
// child, and stops the Reactor's loop.
func (d *Daemon) Stop() {
	close(d.stopCh)
	d.control.Stop()
	d.dhcp.StopAll()
	_ = d.react.Remove(d.monitor.SocketFD())
	_ = d.monitor.Close()
	d.react.Stop()
	_ = d.react.Close()
}

// --- monitor event -> notification wiring ---

func (d *Daemon) broadcast(verb, body string) {
	d.metrics.RecordNotification(verb)
	d.control.Broadcast(fmt.Sprintf("(%s(%s))", verb, body))
}

func (d *Daemon) onLinkEvent(ev netmonitor.LinkEvent) {
	verb := "del_iface"
	if ev.Added {
		verb = "add_iface"
	}
	d.broadcastLinkRow(verb, ev.Link)
}

func (d *Daemon) broadcastLinkRow(verb string, l netmonitor.Link) {
	addr := "none"
	mask := "none"
	for _, a := range d.monitor.AddrsForIndex(l.Index) {
		addr = a.IP.String()
		mask = fmt.Sprintf("%d", a.Prefix)
		break
	}
	mac := "none"
	if len(l.HardwareAddr) > 0 {
		mac = strings.ReplaceAll(l.HardwareAddr.String(), ":", "-")
	}
	gateway := "none"
	for _, r := range d.monitor.RoutesForIndex(l.Index) {
		if r.Dst == nil && r.Gateway != nil {
			gateway = r.Gateway.String()
			break
		}
	}
	body := fmt.Sprintf("iface=%s addr=%s mac=%s gateway=%s mask=%s flag=%08x",
		l.Name, addr, mac, gateway, mask, l.Flags)
	d.broadcast(verb, body)
}

func (d *Daemon) onAddrEvent(ev netmonitor.AddrEvent) {
	verb := "del_addr"
	if ev.Added {
		verb = "add_addr"
	}
	name := ev.IfaceName
	if name == "" {
		name = "none"
	}
	addr := "none"
	mask := "none"
	if ev.Addr.IP != nil {
		addr = ev.Addr.IP.String()
		mask = cidrMaskString(ev.Addr.Prefix)
	}
	body := fmt.Sprintf("iface=%s addr=%s mac=none gateway=none mask=%s flag=00000000", name, addr, mask)
	d.broadcast(verb, body)
}

func (d *Daemon) onRouteEvent(ev netmonitor.RouteEvent) {
	verb := "del_route"
	if ev.Added {
		verb = "add_route"
	}
	dst := "default"
	if ev.Route.Dst != nil {
		dst = ev.Route.Dst.String()
	}
	gateway := "none"
	if ev.Route.Gateway != nil {
		gateway = ev.Route.Gateway.String()
	}
	// The literal "route0" is a preserved bug from the source: route
	// notifications never carry the real output interface name here.
	body := fmt.Sprintf("iface=route0 addr=%s mac=none gateway=%s mask=none flag=00000000", dst, gateway)
	d.broadcast(verb, body)
}

func cidrMaskString(prefix int) string {
	ip := net.CIDRMask(prefix, 32)
	return net.IP(ip).String()
}
