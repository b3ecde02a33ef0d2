package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/ngcxy/netconfigd/internal/sexpr"
)

var (
	socketPath string
	timeout    time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "netconfigctl",
	Short: "A client for netconfigd's Unix control socket",
	Long:  `This tool sends one S-expression command to netconfigd and prints its decoded response.`,
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		klog.Infof("received signal: %v, shutting down", sig)
		cancel()
	}()

	klog.InitFlags(nil)
	pflag.CommandLine.AddGoFlag(flag.CommandLine.Lookup("v"))
	pflag.CommandLine.AddGoFlag(flag.CommandLine.Lookup("logtostderr"))
	if err := pflag.CommandLine.Set("logtostderr", "true"); err != nil {
		klog.Fatal(err)
	}

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket-path", "/tmp/network_daemon.sock", "Filesystem path of netconfigd's Unix control socket")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "Deadline for the round trip to netconfigd")

	rootCmd.AddCommand(enumerateCmd)
	rootCmd.AddCommand(onCmd)
	rootCmd.AddCommand(offCmd)
	rootCmd.AddCommand(dhcpOnCmd)
	rootCmd.AddCommand(dhcpOffCmd)
	rootCmd.AddCommand(setStaticCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
}

var enumerateCmd = &cobra.Command{
	Use:   "enumerate",
	Short: "List every interface netconfigd currently tracks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendAndPrint(requestFrame("enumerate"))
	},
}

var onCmd = &cobra.Command{
	Use:   "on <interface>",
	Short: "Bring an interface administratively up",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendAndPrint(requestFrame("on", args[0]))
	},
}

var offCmd = &cobra.Command{
	Use:   "off <interface>",
	Short: "Bring an interface administratively down",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendAndPrint(requestFrame("off", args[0]))
	},
}

var dhcpOnCmd = &cobra.Command{
	Use:   "dhcp-on <interface>",
	Short: "Start DHCP lease acquisition on an interface",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendAndPrint(requestFrame("dhcpOn", args[0]))
	},
}

var dhcpOffCmd = &cobra.Command{
	Use:   "dhcp-off <interface>",
	Short: "Stop the DHCP client supervising an interface",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendAndPrint(requestFrame("dhcpOff", args[0]))
	},
}

var setStaticCmd = &cobra.Command{
	Use:   "set-static <interface> <ipv4> <prefix> [gateway]",
	Short: "Program a static IPv4 address, and optional default gateway",
	Args:  cobra.RangeArgs(3, 4),
	RunE: func(cmd *cobra.Command, args []string) error {
		gateway := "none"
		if len(args) == 4 {
			gateway = args[3]
		}
		return sendAndPrint(requestFrame("setStatic", args[0], args[1], args[2], gateway))
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report the daemon's resolver, socket, and DHCP-supervision state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendAndPrint(requestFrame("status"))
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Connect and print every asynchronous notification until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, err := net.Dial("unix", socketPath)
		if err != nil {
			return fmt.Errorf("netconfigctl: dial %s: %w", socketPath, err)
		}
		defer conn.Close()

		// Notification frames are not newline-terminated (see
		// controlserver.Broadcast), so each read is printed as its own
		// frame rather than scanned line-by-line.
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				fmt.Println(string(buf[:n]))
			}
			if err != nil {
				if err == io.EOF {
					return nil
				}
				return fmt.Errorf("netconfigctl: read: %w", err)
			}
		}
	},
}

// requestFrame builds a request-side S-expression: a verb optionally
// followed by space-separated argument tokens, all within one pair of
// parens. Unlike sexpr.Encode, which nests a response's body in its
// own group, requests are flat per the wire protocol's documented
// command grammar.
func requestFrame(verb string, args ...string) string {
	tokens := append([]string{verb}, args...)
	return "(" + strings.Join(tokens, " ") + ")"
}

func sendAndPrint(frame string) error {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return fmt.Errorf("netconfigctl: dial %s: %w", socketPath, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("netconfigctl: set deadline: %w", err)
	}

	if _, err := conn.Write([]byte(frame)); err != nil {
		return fmt.Errorf("netconfigctl: write: %w", err)
	}

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("netconfigctl: read: %w", err)
	}

	tokens := sexpr.Decode(string(buf[:n]))
	if len(tokens) != 2 {
		return fmt.Errorf("netconfigctl: malformed response %q", string(buf[:n]))
	}
	fmt.Println(tokens[1])
	return nil
}
