package worker

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/leadforge/leadforge/pkg/browser"
	"github.com/leadforge/leadforge/pkg/log"
	"github.com/leadforge/leadforge/pkg/metrics"
	"github.com/leadforge/leadforge/pkg/store"
	"github.com/leadforge/leadforge/pkg/types"
	"github.com/rs/zerolog"
)

const (
	heartbeatInterval = 2 * time.Second
	defaultTickSleep  = 2 * time.Second
	maxRetries        = 2
)

// Worker owns the lifecycle and pipeline for a single slot directory,
// generalized across portal adapters and across HTTP-API and
// browser-driven fetch modes.
type Worker struct {
	slotID  string
	slotDir string

	states   *store.StateStore
	configs  *store.ConfigStore
	sessions *store.SessionStore
	ledger   *store.Ledger

	adapter PortalAdapter
	browser browser.Capability
	session *httpSession

	log zerolog.Logger

	running bool
	sigCh   chan os.Signal

	lastHeartbeat time.Time
	lastMetricAt  time.Time
	lastLeadCount int
	lastSessionMTime int64

	phase            types.Phase
	phaseStartedAt   time.Time
	currentTermIdx   int
	currentPage      int
	cooldownUntil    time.Time
	leadsBuffer      []types.Lead
	rejectedBuffer   []types.Lead
	lastPage         *ParsedPage
	lastVerifiedPage *ParsedPage
	ticksSinceVerify int
}

// New constructs a Worker bound to slotDir. It requires slot_state.json to
// already exist.
func New(slotDir string, adapter PortalAdapter, cap browser.Capability) (*Worker, error) {
	layout := store.NewLayout(parentDir(slotDir))
	slotID := baseName(slotDir)

	states := store.NewStateStore(layout)
	if _, _, err := states.ReadState(slotID); err != nil {
		return nil, fmt.Errorf("slot_state.json not found in %s: %w", slotDir, err)
	}

	ledger, err := store.OpenLedger(layout, slotID)
	if err != nil {
		return nil, err
	}

	w := &Worker{
		slotID:   slotID,
		slotDir:  slotDir,
		states:   states,
		configs:  store.NewConfigStore(layout),
		sessions: store.NewSessionStore(layout),
		ledger:   ledger,
		adapter:  adapter,
		browser:  cap,
		log:      log.WithSlotID(slotID),
		running:  true,
		sigCh:    make(chan os.Signal, 1),
		phase:    types.PhaseInit,
		currentPage: 1,
	}

	signal.Notify(w.sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-w.sigCh
		w.running = false
	}()

	return w, nil
}

// Run executes startup, the tick loop, and shutdown. It returns when the
// worker is signaled to stop, a budget or schedule check stops it, or a
// structural failure occurs; with an empty session it marks the slot
// NEEDS_LOGIN and returns without starting the loop.
func (w *Worker) Run() error {
	if w.sessions.IsEmpty(w.slotID) {
		return w.enterNeedsLogin()
	}

	if err := w.startup(); err != nil {
		return err
	}

	for w.running {
		if stop, reason := w.checkBudgets(); stop {
			w.requestStop(reason)
			break
		}

		w.tick()
		w.heartbeat()
		time.Sleep(w.adaptiveSleep())
	}

	return w.shutdown()
}

func (w *Worker) startup() error {
	now := time.Now().UTC()
	slot, extra, err := w.states.ReadState(w.slotID)
	if err != nil {
		return fmt.Errorf("read state at startup: %w", err)
	}

	if sess, err := newHTTPSession(w.adapter.Name()); err == nil {
		w.session = sess
		if cookies, err := w.sessions.Load(w.slotID); err == nil {
			w.session.adoptCookies(cookies)
		}
		if mtime, err := w.sessions.ModTime(w.slotID); err == nil {
			w.lastSessionMTime = mtime
		}
	}

	slot.Status = types.StatusRunning
	slot.Busy = true
	slot.LastHeartbeat = &now
	if slot.StartedAt == nil {
		slot.StartedAt = &now
	}
	slot.RunStartedAt = &now
	slot.RunLeadsStart = slot.Metrics.LeadsParsed
	slot.RunClickedStart = slot.Metrics.ClickedTotal

	if err := w.states.WriteState(w.slotID, slot, extra); err != nil {
		return err
	}

	w.lastHeartbeat = now
	w.lastMetricAt = now
	w.lastLeadCount = slot.Metrics.LeadsParsed
	w.log.Info().Msg("RUNNING")
	return nil
}

func (w *Worker) enterNeedsLogin() error {
	slot, extra, err := w.states.ReadState(w.slotID)
	if err != nil {
		return fmt.Errorf("read state: %w", err)
	}
	slot.Status = types.StatusNeedsLogin
	slot.Busy = false
	return w.states.WriteState(w.slotID, slot, extra)
}

func (w *Worker) shutdown() error {
	slot, extra, err := w.states.ReadState(w.slotID)
	if err != nil {
		return nil
	}
	slot.Status = types.StatusStopped
	slot.Busy = false
	_ = w.states.WriteState(w.slotID, slot, extra)
	w.log.Info().Msg("STOPPED")
	_ = w.ledger.Close()
	if w.browser != nil {
		_ = w.browser.Close()
	}
	return nil
}

func (w *Worker) requestStop(reason types.StopReason) {
	slot, extra, err := w.states.ReadState(w.slotID)
	if err != nil {
		w.running = false
		return
	}
	slot.Status = types.StatusStopped
	slot.StopReason = reason
	slot.Busy = false
	_ = w.states.WriteState(w.slotID, slot, extra)
	w.running = false
}

// heartbeat updates last_heartbeat at most once per heartbeatInterval,
// recomputing throughput from the delta of leads_parsed over wall time.
func (w *Worker) heartbeat() {
	now := time.Now()
	if now.Sub(w.lastHeartbeat) < heartbeatInterval {
		return
	}

	slot, extra, err := w.states.ReadState(w.slotID)
	if err != nil {
		return
	}

	delta := slot.Metrics.LeadsParsed - w.lastLeadCount
	elapsed := now.Sub(w.lastMetricAt).Seconds()
	if delta > 0 && elapsed > 0 {
		slot.Metrics.Throughput = roundTo(float64(delta)/elapsed*60, 2)
		metrics.Throughput.WithLabelValues(w.slotID).Set(slot.Metrics.Throughput)
		w.lastLeadCount = slot.Metrics.LeadsParsed
		w.lastMetricAt = now
	}

	utcNow := now.UTC()
	slot.LastHeartbeat = &utcNow
	_ = w.states.WriteState(w.slotID, slot, extra)
	w.lastHeartbeat = now
}

// checkBudgets enforces schedule window, max run minutes, and max clicks
// per run, evaluated once per tick.
func (w *Worker) checkBudgets() (bool, types.StopReason) {
	slot, _, err := w.states.ReadState(w.slotID)
	if err != nil {
		return false, ""
	}
	cfg, err := w.configs.Load(w.slotID)
	if err != nil {
		return false, ""
	}

	if cfg.ClientSchedule.Enabled && !withinSchedule(cfg.ClientSchedule, time.Now()) {
		return true, types.StopOutsideSchedule
	}

	if cfg.MaxRunMinutes > 0 && slot.RunStartedAt != nil {
		if time.Since(*slot.RunStartedAt) >= time.Duration(cfg.MaxRunMinutes)*time.Minute {
			return true, types.StopMaxRuntimeReached
		}
	}

	if cfg.MaxClicksPerRun > 0 {
		if slot.Metrics.LeadsParsed-slot.RunLeadsStart >= cfg.MaxClicksPerRun {
			return true, types.StopLeadTargetReached
		}
	}

	return false, ""
}

// setPhase records a phase transition and its duration bookkeeping.
func (w *Worker) setPhase(p types.Phase) {
	now := time.Now()
	if !w.phaseStartedAt.IsZero() {
		dur := now.Sub(w.phaseStartedAt).Seconds()
		w.updateMetrics(func(m *types.Metrics) { m.PhaseDurationSec = roundTo(dur, 2) })
	}
	w.phase = p
	w.phaseStartedAt = now
	w.updateMetrics(func(m *types.Metrics) {
		m.Phase = p
		m.LastAction = string(p)
	})
}

func (w *Worker) updateMetrics(mutate func(*types.Metrics)) {
	slot, extra, err := w.states.ReadState(w.slotID)
	if err != nil {
		return
	}
	mutate(&slot.Metrics)
	_ = w.states.WriteState(w.slotID, slot, extra)
}

func (w *Worker) recordError(err error) {
	w.log.Error().Err(err).Msg("pipeline error")
	slot, extra, rerr := w.states.ReadState(w.slotID)
	if rerr != nil {
		return
	}
	slot.Metrics.Errors++
	slot.Metrics.LastError = truncate(err.Error(), 200)
	pages := slot.Metrics.PagesFetched
	if pages < 1 {
		pages = 1
	}
	slot.Metrics.ErrorRate = roundTo(float64(slot.Metrics.Errors)/float64(pages), 3)
	_ = w.states.WriteState(w.slotID, slot, extra)

	metrics.ErrorsTotal.WithLabelValues(w.slotID).Inc()
	metrics.ErrorRate.WithLabelValues(w.slotID).Set(slot.Metrics.ErrorRate)
}

// adaptiveSleep is the piecewise cooldown function of error_rate from
// error rate.
func (w *Worker) adaptiveSleep() time.Duration {
	slot, _, err := w.states.ReadState(w.slotID)
	if err != nil {
		return defaultTickSleep
	}
	return cooldownFor(slot.Metrics.ErrorRate)
}

func cooldownFor(errorRate float64) time.Duration {
	switch {
	case errorRate < 0.05:
		return defaultTickSleep
	case errorRate < 0.15:
		return 5 * time.Second
	case errorRate < 0.30:
		return 10 * time.Second
	default:
		return 20 * time.Second
	}
}

func withinSchedule(s types.ClientSchedule, now time.Time) bool {
	loc := time.UTC
	if s.Timezone != "" {
		if l, err := time.LoadLocation(s.Timezone); err == nil {
			loc = l
		}
	}
	localNow := now.In(loc)

	if len(s.Days) > 0 {
		today := shortDay(localNow.Weekday())
		found := false
		for _, d := range s.Days {
			if d == today {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if s.WindowStart == "" || s.WindowEnd == "" {
		return true
	}
	nowStr := localNow.Format("15:04")
	return nowStr >= s.WindowStart && nowStr <= s.WindowEnd
}

func shortDay(d time.Weekday) string {
	return [...]string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}[d]
}

func roundTo(v float64, places int) float64 {
	mult := 1.0
	for i := 0; i < places; i++ {
		mult *= 10
	}
	return float64(int(v*mult+0.5)) / mult
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func parentDir(slotDir string) string {
	i := lastSlash(slotDir)
	if i < 0 {
		return "."
	}
	return slotDir[:i]
}

func baseName(slotDir string) string {
	i := lastSlash(slotDir)
	if i < 0 {
		return slotDir
	}
	return slotDir[i+1:]
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}
