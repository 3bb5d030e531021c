package daemon

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// Lock is the exclusive flock guaranteeing one daemon per state directory.
// The kernel drops the flock when the holder dies, so a crash never wedges
// the lock; the PID in the file is diagnostics only.
type Lock struct {
	path string
	f    *os.File
}

// AcquireLock takes the flock or reports who holds it.
func AcquireLock(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		pid := readPID(f)
		f.Close()
		if pid > 0 {
			return nil, fmt.Errorf("another attend daemon is running (pid %d, lock %s)", pid, path)
		}
		return nil, fmt.Errorf("lock %s is held: %w", path, err)
	}

	// We hold the flock, so any PID already in the file is from a dead
	// process; overwrite it.
	if err := f.Truncate(0); err == nil {
		f.Seek(0, 0)
		fmt.Fprintf(f, "%d\n", os.Getpid())
		f.Sync()
	}
	return &Lock{path: path, f: f}, nil
}

// Release drops the flock and removes the file.
func (l *Lock) Release() error {
	if l.f == nil {
		return nil
	}
	syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	os.Remove(l.path)
	return err
}

// LockHolder reports the recorded PID and whether a live daemon still holds
// the flock. A file whose flock can be taken is stale.
func LockHolder(path string) (pid int, held bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	defer f.Close()

	pid = readPID(f)
	err = syscall.Flock(int(f.Fd()), syscall.LOCK_SH|syscall.LOCK_NB)
	if err == nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		return pid, false, nil
	}
	if errors.Is(err, syscall.EWOULDBLOCK) {
		return pid, true, nil
	}
	return pid, false, err
}

// ReapStaleLock removes a lock file no live daemon holds. Returns whether a
// file was removed.
func ReapStaleLock(path string) (bool, error) {
	pid, held, err := LockHolder(path)
	if err != nil {
		return false, err
	}
	if held {
		return false, fmt.Errorf("lock is live (pid %d)", pid)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}
	if err := os.Remove(path); err != nil {
		return false, err
	}
	return true, nil
}

func readPID(f *os.File) int {
	buf := make([]byte, 32)
	n, _ := f.ReadAt(buf, 0)
	pid, err := strconv.Atoi(strings.TrimSpace(string(buf[:n])))
	if err != nil {
		return 0
	}
	return pid
}
