package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// IsProcessRunning reports whether pid refers to a live OS process, via
// a signal-0 probe.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// SpawnWorker starts the worker binary for a slot in its own process
// group, so the supervisor can signal the whole group on stop without
// affecting itself.
func SpawnWorker(workerBinary, slotDir string, logWriter *os.File) (int, error) {
	cmd := exec.Command(workerBinary, slotDir)
	cmd.Stdout = logWriter
	cmd.Stderr = logWriter
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawn worker: %w", err)
	}

	// Release so the supervisor doesn't need to Wait() on it; liveness is
	// established purely via PID probing and heartbeat.
	go cmd.Process.Release()

	return cmd.Process.Pid, nil
}

// StopProcess sends SIGTERM to the process group rooted at pid, waits up
// to gracePeriod for it to exit, then escalates to SIGKILL. Generalized
// from a single-process Stop/Kill shape to a process group.
func StopProcess(pid int, gracePeriod time.Duration) error {
	if pid <= 0 {
		return nil
	}

	pgid := -pid // negative pid signals the whole process group
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
		if err == syscall.ESRCH {
			return nil // already dead
		}
		return fmt.Errorf("sigterm pgid %d: %w", pid, err)
	}

	deadline := time.Now().Add(gracePeriod)
	for time.Now().Before(deadline) {
		if !IsProcessRunning(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := syscall.Kill(pgid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("sigkill pgid %d: %w", pid, err)
	}
	return nil
}

// SweepOrphans kills any process whose command line references slotDir or
// profileDir but whose PID is not knownPID (0 if none is currently
// declared). Matches by command-line substring rather than tracking
// children by PPID, since children reparent on supervisor restart and PPID
// tracking is unreliable across restarts.
func SweepOrphans(slotDir, profileDir string, knownPID int) {
	for _, needle := range []string{slotDir, profileDir} {
		if needle == "" {
			continue
		}
		sweepByCmdlineMatch(needle, knownPID)
	}
}

func sweepByCmdlineMatch(needle string, knownPID int) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		// Non-Linux or /proc unavailable: fall back to pkill -f.
		_ = exec.Command("pkill", "-f", needle).Run()
		return
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pid := 0
		if _, err := fmt.Sscanf(e.Name(), "%d", &pid); err != nil {
			continue
		}
		if pid == knownPID || pid == os.Getpid() {
			continue
		}

		cmdline, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
		if err != nil {
			continue
		}
		if strings.Contains(string(cmdline), needle) {
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
	}
}
