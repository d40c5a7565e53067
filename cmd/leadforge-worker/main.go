// Command leadforge-worker is the per-slot worker process the supervisor
// spawns directly via os/exec.Command(workerBinary, slotDir) — a separate
// single-purpose binary rather than a cobra subcommand of cmd/leadforge,
// since pkg/supervisor/process.go's SpawnWorker passes the slot directory
// as the sole positional argument with no subcommand word in between. The
// worker is its own executable, not a dispatch layer.
package main

import (
	"fmt"
	"os"

	"github.com/leadforge/leadforge/pkg/browser"
	"github.com/leadforge/leadforge/pkg/log"
	"github.com/leadforge/leadforge/pkg/portal/indiamart"
	"github.com/leadforge/leadforge/pkg/store"
	"github.com/leadforge/leadforge/pkg/worker"
)

func main() {
	log.Init(log.Config{Level: log.Info, JSONOutput: envBool("LOG_JSON")})

	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: leadforge-worker <slot-dir>")
		os.Exit(2)
	}
	slotDir := os.Args[1]

	adapter := portalAdapterFor(os.Getenv("DEFAULT_SLOT_WORKER"))

	cap, err := maybeLaunchBrowser(slotDir)
	if err != nil {
		log.Error(err, "launch browser capability, continuing without one")
	}

	w, err := worker.New(slotDir, adapter, cap)
	if err != nil {
		log.Fatal(err, "construct worker")
	}

	if err := w.Run(); err != nil {
		log.Fatal(err, "worker exited with error")
	}
}

// portalAdapterFor resolves the worker kind named by the
// DEFAULT_SLOT_WORKER environment variable.
// IndiaMart is the only shipped adapter; unknown names still fall back to
// it rather than failing the process.
func portalAdapterFor(name string) worker.PortalAdapter {
	switch name {
	case "", "indiamart_worker":
		return indiamart.New()
	default:
		return indiamart.New()
	}
}

// maybeLaunchBrowser reads the slot's config ahead of worker.New (which
// only reads it once its pipeline starts) purely to decide whether a
// browser.Capability is worth the cost of launching at all.
func maybeLaunchBrowser(slotDir string) (browser.Capability, error) {
	layout := store.NewLayout(parentDir(slotDir))
	slotID := baseName(slotDir)
	configs := store.NewConfigStore(layout)

	cfg, err := configs.Load(slotID)
	if err != nil {
		return nil, err
	}
	if !cfg.UseBrowser {
		return nil, nil
	}
	return browser.New(layout.ProfileDir(slotID), cfg.Headless)
}

func parentDir(path string) string {
	i := lastSlash(path)
	if i < 0 {
		return "."
	}
	return path[:i]
}

func baseName(path string) string {
	i := lastSlash(path)
	return path[i+1:]
}

func lastSlash(path string) int {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return i
		}
	}
	return -1
}

func envBool(key string) bool {
	return os.Getenv(key) != ""
}
