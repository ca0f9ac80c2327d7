package home

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// ErrRunning is returned by LockPid when another live process holds the
// pid file.
var ErrRunning = errors.New("another reportgen process is running")

// LockPid records the current process in the home's pid file and returns a
// function that removes it. A pid file left by a dead process is replaced.
func (d *Dir) LockPid() (release func(), err error) {
	path := d.PidPath()
	if pid, err := readPid(path); err == nil && pid != os.Getpid() && alive(pid) {
		return nil, fmt.Errorf("%w (pid %d, home %s)", ErrRunning, pid, d.path)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write pid file: %w", err)
	}
	return func() {
		if pid, err := readPid(path); err == nil && pid == os.Getpid() {
			_ = os.Remove(path)
		}
	}, nil
}

// RunningPid returns the pid recorded in the home, if that process is alive.
func (d *Dir) RunningPid() (int, bool) {
	pid, err := readPid(d.PidPath())
	if err != nil || !alive(pid) {
		return 0, false
	}
	return pid, true
}

func readPid(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid file contents: %w", err)
	}
	return pid, nil
}

func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 checks existence without delivering anything.
	return proc.Signal(syscall.Signal(0)) == nil
}
