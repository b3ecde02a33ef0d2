package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"sync/atomic"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/ngcxy/netconfigd/internal/daemon"
)

var (
	socketPath     string
	dhcpBinary     string
	dhcpLogPath    string
	resolvConfPath string
	bindAddress    string

	ready atomic.Bool
)

func init() {
	flag.StringVar(&socketPath, "socket-path", "/tmp/network_daemon.sock", "Filesystem path of the Unix control socket")
	flag.StringVar(&dhcpBinary, "dhcp-client-binary", "dhcpcd", "DHCP client binary to supervise, resolved on PATH")
	flag.StringVar(&dhcpLogPath, "dhcp-log-path", "/var/log/netconfigd-dhcp.log", "Path the DHCP client's stdout/stderr is appended to")
	flag.StringVar(&resolvConfPath, "resolv-conf", "/etc/resolv.conf", "Path read for the status verb's nameserver list")
	flag.StringVar(&bindAddress, "bind-address", ":9177", "The IP address and port for the metrics and healthz server to serve on")

	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "Usage: netconfigd [options]\n\n")
		flag.PrintDefaults()
	}
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	printVersion()
	flag.VisitAll(func(f *flag.Flag) {
		klog.Infof("FLAG: --%s=%q", f.Name, f.Value)
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(bindAddress, mux); err != nil {
			klog.Errorf("metrics/healthz server exited: %v", err)
		}
	}()

	d, err := daemon.New(daemon.Config{
		SocketPath:     socketPath,
		DHCPBinary:     dhcpBinary,
		DHCPLogPath:    dhcpLogPath,
		ResolvConfPath: resolvConfPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "netconfigd: fatal initialization failure: %v\n", err)
		os.Exit(1)
	}

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signalCh
		klog.Infof("received shutdown signal: %q, initiating graceful shutdown", sig)
		d.Stop()
	}()

	ready.Store(true)
	klog.Info("netconfigd started")

	if err := d.Run(); err != nil {
		klog.Errorf("netconfigd: event loop exited with error: %v", err)
		os.Exit(1)
	}
}

func printVersion() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	var vcsRevision, vcsTime string
	for _, f := range info.Settings {
		switch f.Key {
		case "vcs.revision":
			vcsRevision = f.Value
		case "vcs.time":
			vcsTime = f.Value
		}
	}
	klog.Infof("netconfigd go %s build: %s time: %s", info.GoVersion, vcsRevision, vcsTime)
}
