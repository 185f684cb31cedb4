package miner

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const lockFile = "cityminer.lock"

// AcquireLock creates a PID lock file in dir so two engines never share one
// snapshot store. Returns a release function.
func AcquireLock(dir string) (release func(), err error) {
	lockPath := filepath.Join(dir, lockFile)

	if pid, alive := LockedPID(dir); alive {
		return nil, fmt.Errorf(
			"another cityminer instance is running (PID %d)\n"+
				"If this is wrong, remove: %s", pid, lockPath)
	}
	// Stale lock from a crashed process.
	_ = os.Remove(lockPath)

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("create lock file: %w", err)
	}
	_, werr := f.WriteString(strconv.Itoa(os.Getpid()))
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(lockPath)
		return nil, fmt.Errorf("write lock file: %w", werr)
	}

	return func() { _ = os.Remove(lockPath) }, nil
}

// processAlive checks whether a PID is still running.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 tests existence without delivering anything.
	return proc.Signal(syscall.Signal(0)) == nil
}

// LockedPID returns the PID recorded in dir's lock file and whether it is alive.
func LockedPID(dir string) (int, bool) {
	data, err := os.ReadFile(filepath.Join(dir, lockFile))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return pid, processAlive(pid)
}
