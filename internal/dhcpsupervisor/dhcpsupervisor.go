// Package dhcpsupervisor maintains the process-scoped registry mapping
// an interface name to the process identifier of its DHCP client child,
// and supervises the child's lifecycle: launch with descriptor hygiene,
// synchronous termination, and zombie reaping.
package dhcpsupervisor

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"k8s.io/klog/v2"
)

// Supervisor owns the DHCP-child-process registry. At most one entry
// exists per interface name.
type Supervisor struct {
	binary  string
	logPath string

	mu    sync.Mutex
	procs map[string]*exec.Cmd
}

// New creates a Supervisor that launches binary (resolved on PATH,
// typically "dhcpcd") and redirects each child's stdout/stderr to
// logPath in append mode.
func New(binary, logPath string) *Supervisor {
	return &Supervisor{
		binary:  binary,
		logPath: logPath,
		procs:   make(map[string]*exec.Cmd),
	}
}

// Start forks/execs the DHCP client for ifname in foreground mode,
// stopping any child already supervised for that interface first. The
// child's only inherited descriptor is the redirected log file; os/exec
// marks every descriptor it opens for the child FD_CLOEXEC by default,
// so no explicit "close every fd >= 3" loop is required the way the
// original fork-based implementation needed one.
func (s *Supervisor) Start(ifname string) (pid int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cmd, ok := s.procs[ifname]; ok {
		s.stopLocked(ifname, cmd)
	}

	logFile, err := os.OpenFile(s.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, fmt.Errorf("dhcpsupervisor: open log %s: %w", s.logPath, err)
	}
	defer logFile.Close()

	cmd := exec.Command(s.binary, "-B", ifname)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("dhcpsupervisor: fork/exec %s: %w", s.binary, err)
	}

	s.procs[ifname] = cmd
	klog.Infof("dhcpsupervisor: started %s for %s (pid %d)", s.binary, ifname, cmd.Process.Pid)

	// Deliberately not calling cmd.Wait() here: reaping is centralized
	// in the daemon coordinator's SIGCHLD loop (waitpid(-1, WNOHANG)),
	// matching the source's single reaper. Stop() performs its own
	// synchronous wait on the supervised termination path; if the
	// centralized reaper already collected the exit status first,
	// that wait simply returns an error, which is ignored.
	return cmd.Process.Pid, nil
}

// Stop sends SIGTERM to the supervised child for ifname, if any, waits
// synchronously, and removes the entry. Idempotent: stopping an
// interface with no running child is a no-op success.
func (s *Supervisor) Stop(ifname string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.procs[ifname]
	if !ok {
		return
	}
	s.stopLocked(ifname, cmd)
}

func (s *Supervisor) stopLocked(ifname string, cmd *exec.Cmd) {
	delete(s.procs, ifname)
	if cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		klog.V(2).Infof("dhcpsupervisor: SIGTERM to pid %d (%s) failed, already gone: %v", cmd.Process.Pid, ifname, err)
		return
	}
	_ = cmd.Wait()
	klog.Infof("dhcpsupervisor: stopped DHCP client for %s", ifname)
}

// IsRunning reports whether an entry is currently registered for ifname.
func (s *Supervisor) IsRunning(ifname string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.procs[ifname]
	return ok
}

// Count returns the number of interfaces currently under DHCP
// supervision, for status reporting.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// StopAll terminates and reaps every supervised child. Called during
// daemon shutdown so that no child recorded in the supervision map
// remains alive afterward.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ifname, cmd := range s.procs {
		s.stopLocked(ifname, cmd)
	}
}

// ForgetPid removes the supervision entry matching pid, if any, without
// sending a signal or waiting (the caller has already reaped the exit
// status via waitpid). Used by the SIGCHLD reaper when a supervised
// child exits on its own, outside of a Stop() call.
func (s *Supervisor) ForgetPid(pid int) (ifname string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, cmd := range s.procs {
		if cmd.Process != nil && cmd.Process.Pid == pid {
			delete(s.procs, name)
			return name, true
		}
	}
	return "", false
}
