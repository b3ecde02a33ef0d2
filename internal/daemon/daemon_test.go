package daemon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ngcxy/netconfigd/internal/dhcpsupervisor"
)

func TestStatusLineNoNameserversNoActiveDHCP(t *testing.T) {
	d := &Daemon{
		cfg: Config{
			SocketPath:     "/tmp/network_daemon.sock",
			ResolvConfPath: filepath.Join(t.TempDir(), "missing-resolv.conf"),
		},
		dhcp: dhcpsupervisor.New("dhcpcd", "/dev/null"),
	}

	got := d.StatusLine()
	want := "success(nameservers=none socket=/tmp/network_daemon.sock dhcp_active=0)"
	if got != want {
		t.Errorf("StatusLine() = %q, want %q", got, want)
	}
}

func TestStatusLineReportsNameservers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resolv.conf")
	if err := os.WriteFile(path, []byte("nameserver 8.8.8.8\nnameserver 1.1.1.1\n"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	d := &Daemon{
		cfg: Config{
			SocketPath:     "/tmp/network_daemon.sock",
			ResolvConfPath: path,
		},
		dhcp: dhcpsupervisor.New("dhcpcd", "/dev/null"),
	}

	got := d.StatusLine()
	want := "success(nameservers=8.8.8.8,1.1.1.1 socket=/tmp/network_daemon.sock dhcp_active=0)"
	if got != want {
		t.Errorf("StatusLine() = %q, want %q", got, want)
	}
}

func TestCidrMaskString(t *testing.T) {
	cases := map[int]string{
		24: "255.255.255.0",
		32: "255.255.255.255",
		0:  "0.0.0.0",
	}
	for prefix, want := range cases {
		if got := cidrMaskString(prefix); got != want {
			t.Errorf("cidrMaskString(%d) = %q, want %q", prefix, got, want)
		}
	}
}
