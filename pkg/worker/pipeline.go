package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/leadforge/leadforge/pkg/errs"
	"github.com/leadforge/leadforge/pkg/metrics"
	"github.com/leadforge/leadforge/pkg/types"
)

// periodicVerifyTickThreshold is how many cooldown cycles elapse before a
// periodic_verify-enabled slot revisits FETCH_VERIFIED even without a
// fresh click.
const periodicVerifyTickThreshold = 10

// tick executes exactly one phase, following a "one phase per tick" rule.
// Any unhandled error is caught here, recorded, and routed to
// COOLDOWN with reason unhandled_error (written to last_action) rather
// than propagating — workers
// must survive a single bad page.
func (w *Worker) tick() {
	defer func() {
		if r := recover(); r != nil {
			w.recordError(fmt.Errorf("panic in phase %s: %v", w.phase, r))
			w.setPhase(types.PhaseCooldown)
			w.updateMetrics(func(m *types.Metrics) { m.LastAction = string(types.StopUnhandledError) })
		}
	}()

	var err error
	switch w.phase {
	case types.PhaseInit:
		w.setPhase(types.PhaseFetchRecent)
		return
	case types.PhaseFetchRecent:
		err = w.phaseFetchRecent()
	case types.PhaseParseRecent:
		err = w.phaseParseRecent()
	case types.PhaseClickLeads:
		err = w.phaseClickLeads()
	case types.PhaseFetchVerified:
		err = w.phaseFetchVerified()
	case types.PhaseParseVerified:
		err = w.phaseParseVerified()
	case types.PhaseWriteLeads:
		err = w.phaseWriteLeads()
	case types.PhaseCooldown:
		err = w.phaseCooldown()
	default:
		w.setPhase(types.PhaseFetchRecent)
		return
	}

	if err != nil {
		if kind, ok := errs.KindOf(err); ok && kind == errs.AuthRequired {
			w.handleLoginRequired()
			return
		}
		w.recordError(err)
		w.setPhase(types.PhaseCooldown)
		w.updateMetrics(func(m *types.Metrics) { m.LastAction = string(types.StopUnhandledError) })
	}
}

// phaseFetchRecent hot-reloads config and cookies, then fetches the
// recent-leads page either via the portal's JSON endpoint (prefer_api) or
// via the browser capability.
func (w *Worker) phaseFetchRecent() error {
	cfg, err := w.configs.Load(w.slotID)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	w.reloadSessionIfChanged(cfg)

	term := ""
	if len(cfg.SearchTerms) > 0 {
		term = cfg.SearchTerms[w.currentTermIdx%len(cfg.SearchTerms)]
	}
	url := w.adapter.RecentURL(term, w.currentPage)

	page, err := w.fetchPage(cfg, url)
	if err != nil {
		return fmt.Errorf("fetch recent: %w", err)
	}
	if looksLoggedOut(page.HTML) {
		return errs.New(errs.AuthRequired, w.slotID, "login_required", nil)
	}

	w.lastPage = &page
	w.updateMetrics(func(m *types.Metrics) { m.PagesFetched++ })
	metrics.PagesFetchedTotal.WithLabelValues(w.slotID).Inc()
	w.setPhase(types.PhaseParseRecent)
	return nil
}

// fetchPage drives either the HTTP session or the browser. The browser is
// used only when use_browser is set and either prefer_api is off or there
// is no HTTP session; otherwise the HTTP session fetches. Capability
// filters and headless/headful mode do not affect the choice, and a failed
// HTTP fetch is returned as an error without falling back to the browser.
func (w *Worker) fetchPage(cfg types.SlotConfig, url string) (ParsedPage, error) {
	useBrowser := cfg.UseBrowser && (!cfg.PreferAPI || w.browser != nil && w.session == nil)
	if cfg.PreferAPI && w.session != nil {
		useBrowser = false
	}

	if !useBrowser && w.session != nil {
		body, status, err := w.session.get(url)
		if err != nil {
			return ParsedPage{}, err
		}
		if status >= 500 {
			return ParsedPage{}, errs.New(errs.UpstreamHTTP, w.slotID, fmt.Sprintf("status %d", status), nil)
		}
		return ParsedPage{HTML: body}, nil
	}

	if w.browser == nil {
		return ParsedPage{}, fmt.Errorf("no browser capability available and prefer_api fetch failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	if err := w.browser.Navigate(ctx, url); err != nil {
		return ParsedPage{}, fmt.Errorf("navigate: %w", err)
	}
	if err := w.browser.WaitLoad(ctx); err != nil {
		return ParsedPage{}, fmt.Errorf("wait load: %w", err)
	}
	if cfg.RenderWaitMs > 0 {
		time.Sleep(time.Duration(cfg.RenderWaitMs) * time.Millisecond)
	}
	html, err := w.browser.HTML(ctx)
	if err != nil {
		return ParsedPage{}, fmt.Errorf("read html: %w", err)
	}
	return ParsedPage{HTML: html}, nil
}

// phaseParseRecent extracts candidate leads, applies the six-rule ordered
// filter chain, deduplicates against the ledger's recent-key window, and
// buffers both accepted and rejected leads for WRITE_LEADS.
func (w *Worker) phaseParseRecent() error {
	if w.lastPage == nil {
		w.setPhase(types.PhaseFetchRecent)
		return nil
	}

	cfg, err := w.configs.Load(w.slotID)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	candidates, err := w.adapter.ParseRecent(*w.lastPage)
	if err != nil {
		return fmt.Errorf("parse recent: %w", err)
	}

	existing, err := w.ledger.ExistingLeadKeys(0)
	if err != nil {
		return fmt.Errorf("load existing lead keys: %w", err)
	}

	uniqueCount := 0
	for _, lead := range candidates {
		lead.SlotID = w.slotID
		lead.FetchedAt = time.Now().UTC()

		key, synthetic := ComputeLeadKey(lead)
		lead.LeadID = key
		lead.LeadIDSynthetic = synthetic

		if reason := filterChain(lead, cfg); reason != "" {
			lead.Status = types.LeadRejected
			lead.RejectedReason = reason
			w.rejectedBuffer = append(w.rejectedBuffer, lead)
			metrics.RejectedTotal.WithLabelValues(w.slotID, string(reason)).Inc()
			continue
		}

		if _, seen := existing[key]; seen {
			continue
		}
		existing[key] = struct{}{}

		lead.Status = types.LeadCaptured
		w.leadsBuffer = append(w.leadsBuffer, lead)
		uniqueCount++
	}

	if uniqueCount > 0 {
		w.updateMetrics(func(m *types.Metrics) { m.LeadsParsed += uniqueCount })
		metrics.LeadsParsedTotal.WithLabelValues(w.slotID).Add(float64(uniqueCount))
	}

	w.setPhase(types.PhaseClickLeads)
	return nil
}

// phaseClickLeads attempts the buyer-action click for up to the
// configured per-cycle limit, using the browser's three ordered click
// strategies or a plain HTTP GET when no browser is in play.
func (w *Worker) phaseClickLeads() error {
	cfg, err := w.configs.Load(w.slotID)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	limit := cfg.MaxVerifiedLeadsPerCycle
	if limit == 0 {
		limit = cfg.MaxClicksPerCycle
	}
	if limit <= 0 {
		limit = 5
	}

	clicked := 0
	for i := range w.leadsBuffer {
		if clicked >= limit {
			break
		}
		lead := &w.leadsBuffer[i]
		if lead.Status != types.LeadCaptured {
			continue
		}

		ok, err := w.clickLead(cfg, *lead)
		if err != nil {
			w.log.Warn().Err(err).Str("lead_id", lead.LeadID).Msg("click failed")
			continue
		}
		if !ok {
			continue
		}

		now := time.Now().UTC()
		lead.Status = types.LeadClicked
		lead.ClickedAt = &now
		clicked++
	}

	if clicked > 0 {
		w.updateMetrics(func(m *types.Metrics) { m.ClickedTotal += clicked })
		metrics.ClickedTotal.WithLabelValues(w.slotID).Add(float64(clicked))
	}

	w.ticksSinceVerify++
	if w.shouldVerify(cfg, clicked) {
		w.setPhase(types.PhaseFetchVerified)
		return nil
	}

	w.setPhase(types.PhaseWriteLeads)
	return nil
}

func (w *Worker) shouldVerify(cfg types.SlotConfig, clickedThisCycle int) bool {
	if clickedThisCycle > 0 {
		return true
	}
	if cfg.PeriodicVerify && w.ticksSinceVerify >= periodicVerifyTickThreshold {
		w.ticksSinceVerify = 0
		return true
	}
	return false
}

func (w *Worker) clickLead(cfg types.SlotConfig, lead types.Lead) (bool, error) {
	if w.browser != nil && w.lastPage != nil {
		for _, strat := range w.adapter.ClickTargets(*w.lastPage, lead) {
			ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
			err := w.browser.Click(ctx, strat.Selector)
			cancel()
			if err == nil {
				return true, nil
			}
		}
		return false, nil
	}

	if w.session == nil {
		return false, nil
	}
	target := lead.BuyURL
	if target == "" && cfg.AllowDetailClick {
		target = lead.DetailURL
	}
	if target == "" {
		return false, nil
	}
	_, status, err := w.session.get(target)
	if err != nil {
		return false, err
	}
	return status == 200, nil
}

// phaseFetchVerified fetches the "past transactions" view after waiting
// verify_after_click_seconds.
func (w *Worker) phaseFetchVerified() error {
	cfg, err := w.configs.Load(w.slotID)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.VerifyAfterClickSeconds > 0 {
		time.Sleep(time.Duration(cfg.VerifyAfterClickSeconds) * time.Second)
	}

	page, err := w.fetchPage(cfg, w.adapter.VerifiedURL())
	if err != nil {
		return fmt.Errorf("fetch verified: %w", err)
	}
	if cfg.VerifyRenderWaitMs > 0 {
		time.Sleep(time.Duration(cfg.VerifyRenderWaitMs) * time.Millisecond)
	}

	w.lastVerifiedPage = &page
	w.setPhase(types.PhaseParseVerified)
	return nil
}

// phaseParseVerified correlates clicked leads against the verified
// records in priority order and marks matches verified. Verified status
// is monotonic: this phase only ever sets it, never clears it.
func (w *Worker) phaseParseVerified() error {
	if w.lastVerifiedPage == nil {
		w.setPhase(types.PhaseWriteLeads)
		return nil
	}

	records, err := w.adapter.ParseVerified(*w.lastVerifiedPage)
	if err != nil {
		return fmt.Errorf("parse verified: %w", err)
	}

	verifiedCount := 0
	now := time.Now().UTC()
	for i := range w.leadsBuffer {
		lead := &w.leadsBuffer[i]
		if lead.Status != types.LeadClicked {
			continue
		}
		if MatchVerified(*lead, records) {
			lead.Status = types.LeadVerified
			lead.VerifiedAt = &now
			verifiedCount++
		}
	}

	if verifiedCount > 0 {
		w.updateMetrics(func(m *types.Metrics) { m.VerifiedTotal += verifiedCount })
		metrics.VerifiedTotal.WithLabelValues(w.slotID).Add(float64(verifiedCount))
	}

	w.lastVerifiedPage = nil
	w.setPhase(types.PhaseWriteLeads)
	return nil
}

// phaseWriteLeads persists both accepted and rejected leads.
// Rejected leads round-trip through the ledger too
// (status=rejected, rejected_reason set) so the dedup window also covers
// previously-rejected items.
func (w *Worker) phaseWriteLeads() error {
	all := make([]types.Lead, 0, len(w.leadsBuffer)+len(w.rejectedBuffer))
	all = append(all, w.leadsBuffer...)
	all = append(all, w.rejectedBuffer...)

	if len(all) > 0 {
		if err := w.ledger.AppendLeads(all); err != nil {
			return fmt.Errorf("append leads: %w", err)
		}
	}

	if len(w.rejectedBuffer) > 0 {
		w.updateMetrics(func(m *types.Metrics) { m.RejectedTotal += len(w.rejectedBuffer) })
	}

	w.leadsBuffer = nil
	w.rejectedBuffer = nil
	w.lastPage = nil

	w.currentPage++
	cfg, err := w.configs.Load(w.slotID)
	if err == nil && len(cfg.SearchTerms) > 0 {
		if cfg.PaginationPages <= 0 || w.currentPage > cfg.PaginationPages {
			w.currentPage = 1
			w.currentTermIdx++
		}
	}

	w.setPhase(types.PhaseCooldown)
	return nil
}

// phaseCooldown sleeps cooldown_seconds if configured, else defers to the
// adaptive sleep the outer Run loop already applies between ticks.
func (w *Worker) phaseCooldown() error {
	cfg, err := w.configs.Load(w.slotID)
	if err == nil && cfg.CooldownSeconds > 0 {
		time.Sleep(time.Duration(cfg.CooldownSeconds) * time.Second)
	}
	w.setPhase(types.PhaseFetchRecent)
	return nil
}

// handleLoginRequired handles the login/session-required case: it
// records login_required, launches the browser against the slot's
// persistent profile, and on success re-exports cookies to the session
// blob so subsequent HTTP-mode fetches pick them up.
func (w *Worker) handleLoginRequired() {
	w.log.Warn().Msg("login_required")
	w.updateMetrics(func(m *types.Metrics) { m.LastAction = "login_required" })

	if w.browser == nil {
		w.requestStop(types.StopUnhandledError)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	if err := w.browser.Navigate(ctx, w.adapter.RecentURL("", 1)); err != nil {
		w.recordError(fmt.Errorf("login navigate: %w", err))
		w.setPhase(types.PhaseCooldown)
		return
	}
	html, err := w.browser.HTML(ctx)
	if err != nil || looksLoggedOut(html) {
		// Still logged out: a remote-login session must complete before
		// the pipeline can proceed; stay in COOLDOWN and retry next tick
		// rather than looping tightly.
		w.setPhase(types.PhaseCooldown)
		return
	}

	cookies, err := w.browser.ExportCookies(ctx)
	if err != nil {
		w.recordError(fmt.Errorf("export cookies: %w", err))
		w.setPhase(types.PhaseCooldown)
		return
	}
	if err := w.sessions.Save(w.slotID, cookies); err != nil {
		w.recordError(fmt.Errorf("save session: %w", err))
	}
	if w.session != nil {
		w.session.adoptCookies(cookies)
	}
	w.setPhase(types.PhaseFetchRecent)
}

// reloadSessionIfChanged re-adopts the session blob into the HTTP session
// whenever its mtime has advanced since last read, following a
// "multi-reader, single-writer, mtime hot-reload" contract.
func (w *Worker) reloadSessionIfChanged(cfg types.SlotConfig) {
	mtime, err := w.sessions.ModTime(w.slotID)
	if err != nil || mtime == w.lastSessionMTime {
		return
	}
	cookies, err := w.sessions.Load(w.slotID)
	if err != nil {
		return
	}
	if w.session == nil {
		sess, err := newHTTPSession(w.adapter.Name())
		if err != nil {
			return
		}
		w.session = sess
	}
	w.session.adoptCookies(cookies)
	w.lastSessionMTime = mtime
}
