package scheduler

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// PIDLock prevents two host processes from double-firing tasks. The lock file
// is created with O_EXCL and holds the owner's pid; a lock whose owner is no
// longer alive is treated as stale and reclaimed.
type PIDLock struct {
	path string
	held bool
}

// NewPIDLock creates a lock for the given path.
func NewPIDLock(path string) *PIDLock {
	return &PIDLock{path: path}
}

// TryLock attempts to take the lock without blocking.
func (l *PIDLock) TryLock() (bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d", os.Getpid())
			f.Close()
			if werr != nil {
				os.Remove(l.path)
				return false, werr
			}
			l.held = true
			return true, nil
		}
		if !os.IsExist(err) {
			return false, err
		}
		if !l.ownerDead() {
			return false, nil
		}
		// Stale lock from a dead process: reclaim and retry once.
		os.Remove(l.path)
	}
	return false, nil
}

// Unlock releases the lock and removes the file.
func (l *PIDLock) Unlock() error {
	if !l.held {
		return nil
	}
	l.held = false
	return os.Remove(l.path)
}

func (l *PIDLock) ownerDead() bool {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return true
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return true
	}
	// Signal 0 probes liveness without delivering anything.
	return proc.Signal(syscall.Signal(0)) != nil
}
