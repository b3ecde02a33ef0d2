package daemon

import (
	"bufio"
	"os"
	"strings"
)

// readNameservers scans path line-by-line for "nameserver <ipv4>"
// entries. Used for status display only; a missing or unreadable file
// yields an empty list rather than an error.
func readNameservers(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var servers []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 2 && fields[0] == "nameserver" {
			servers = append(servers, fields[1])
		}
	}
	return servers
}
