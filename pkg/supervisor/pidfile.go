package supervisor

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// PIDFile implements the supervisor's single-instance guarantee: on
// startup, a stale lock (pid no longer running, or a self-collision where
// the lock holds our own pid from a previous container init-process run)
// is reclaimed rather than treated as a conflict.
type PIDFile struct {
	path string
}

func NewPIDFile(path string) *PIDFile {
	return &PIDFile{path: path}
}

// ErrAlreadyRunning indicates another live process holds the lock.
var ErrAlreadyRunning = fmt.Errorf("supervisor already running")

// Acquire claims the PID file, reclaiming stale or self-colliding locks.
func (p *PIDFile) Acquire() error {
	data, err := os.ReadFile(p.path)
	if err == nil {
		oldPID, parseErr := strconv.Atoi(strings.TrimSpace(string(data)))
		if parseErr == nil {
			if oldPID == os.Getpid() {
				// Stale self-collision: a previous crashed run left our own
				// pid behind (common when running as container init).
				os.Remove(p.path)
			} else if IsProcessRunning(oldPID) {
				return ErrAlreadyRunning
			} else {
				os.Remove(p.path)
			}
		} else {
			os.Remove(p.path)
		}
	}

	return os.WriteFile(p.path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// Release removes the PID file on clean shutdown.
func (p *PIDFile) Release() error {
	err := os.Remove(p.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
