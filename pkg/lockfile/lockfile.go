//go:build !windows

// Package lockfile implements the advisory PID lock that serializes backup
// runs against one destination. The lock file contains the owning process
// id as text; a lock whose owner is no longer running ("ghost lock", left
// behind by a crashed run) is reclaimed, never treated as an error.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/wshanks/wsbackup/pkg/plog"
)

// ErrLockHeld is returned when the lock file belongs to a process that is
// still running. The caller must abort the whole run without touching any
// backup state, and without removing the owner's lock file.
type ErrLockHeld struct {
	OwnerPID int
}

// Error implements the error interface for ErrLockHeld.
func (e *ErrLockHeld) Error() string {
	return fmt.Sprintf("lock is held by running process with PID %d", e.OwnerPID)
}

// Lock represents an acquired lock file. It only exists for locks this
// process actually owns, so releasing can never clobber another run.
type Lock struct {
	path string
	pid  int
	held bool
}

// Acquire attempts to take the lock at lockPath for the current process.
// It returns (nil, *ErrLockHeld) when a live process owns the lock, and
// (nil, error) for any other failure.
func Acquire(lockPath string) (*Lock, error) {
	pid := os.Getpid()

	// O_CREATE|O_EXCL guarantees we only succeed if the file doesn't exist.
	if err := tryCreate(lockPath, pid); err == nil {
		return &Lock{path: lockPath, pid: pid, held: true}, nil
	} else if !os.IsExist(err) {
		return nil, fmt.Errorf("failed to create lock file %s: %w", lockPath, err)
	}

	ownerPID, err := readPID(lockPath)
	if err != nil {
		// An unreadable or garbled lock file cannot belong to a live run
		// we could identify; treat it like a ghost lock.
		plog.Warn("Lock file is unreadable, treating as stale", "path", lockPath, "error", err)
	} else if pidRunning(ownerPID) {
		return nil, &ErrLockHeld{OwnerPID: ownerPID}
	} else {
		plog.Warn("Lock file for ghost process found, continuing", "path", lockPath, "owner_pid", ownerPID)
	}

	if err := writePID(lockPath, pid); err != nil {
		return nil, fmt.Errorf("failed to take over stale lock file %s: %w", lockPath, err)
	}
	return &Lock{path: lockPath, pid: pid, held: true}, nil
}

// Release removes the lock file. It is safe to call multiple times and
// must run on every exit path once the lock has been acquired.
func (l *Lock) Release() {
	if !l.held {
		return
	}
	l.held = false
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		plog.Warn("Failed to remove lock file", "path", l.path, "error", err)
		return
	}
	plog.Debug("Lock released", "path", l.path)
}

func tryCreate(lockPath string, pid int) error {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%d", pid)
	return err
}

func writePID(lockPath string, pid int) error {
	return os.WriteFile(lockPath, []byte(strconv.Itoa(pid)), 0644)
}

func readPID(lockPath string) (int, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return 0, err
	}
	line, _, _ := strings.Cut(string(data), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return 0, fmt.Errorf("lock file does not contain a PID: %w", err)
	}
	return pid, nil
}

// pidRunning probes the process with a no-op signal. Only "no such
// process" proves the owner is gone; EPERM means the process exists but
// belongs to another user, so the lock is honored.
func pidRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return !errors.Is(err, unix.ESRCH)
}
