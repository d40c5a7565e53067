// Package e2e exercises the built leadforge binaries end to end, driving
// real processes through test/framework rather than calling package
// internals directly.
package e2e

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leadforge/leadforge/pkg/store"
	"github.com/leadforge/leadforge/pkg/types"
	"github.com/leadforge/leadforge/test/framework"
)

// TestSupervisorClearsStartCommand drives a real `leadforge supervisor`
// process against a throwaway slots root and confirms it picks up a START
// command the way pkg/supervisor's reconcile loop is supposed to, end to
// end rather than through its internal methods. It requires a
// pre-built binary (LEADFORGE_BINARY) since it cannot invoke the Go
// toolchain itself; it skips cleanly when that binary isn't supplied.
func TestSupervisorClearsStartCommand(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e supervisor test in short mode")
	}
	binary := os.Getenv("LEADFORGE_BINARY")
	if binary == "" {
		t.Skip("LEADFORGE_BINARY not set, skipping built-binary e2e test")
	}

	slotsRoot := t.TempDir()
	layout := store.NewLayout(slotsRoot)
	states := store.NewStateStore(layout)

	start := types.CommandStart
	require := func(err error) {
		if err != nil {
			t.Fatalf("setup: %v", err)
		}
	}
	require(states.WriteState("slot-1", &types.Slot{
		SlotID:  "slot-1",
		Status:  types.StatusStopped,
		Command: &start,
	}, nil))

	proc := framework.NewProcess(binary)
	proc.Args = []string{"supervisor", "--slots-root", slotsRoot, "--check-interval", "1s"}
	proc.Env = []string{"WORKER_BINARY=" + filepath.Join(filepath.Dir(binary), "leadforge-worker")}

	if err := proc.Start(); err != nil {
		t.Fatalf("start supervisor: %v", err)
	}
	defer func() { _ = proc.Kill() }()

	if err := proc.WaitForLog("supervisor running", 10*time.Second); err != nil {
		t.Fatalf("supervisor never logged readiness: %v\nlogs:\n%s", err, proc.Logs())
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		slot, _, err := states.ReadState("slot-1")
		if err == nil && slot.Command == nil {
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("supervisor never cleared the START command\nlogs:\n%s", proc.Logs())
}
