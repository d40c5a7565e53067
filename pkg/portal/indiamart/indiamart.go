// Package indiamart is the default PortalAdapter (DEFAULT_SLOT_WORKER),
// generalized from string-slicing to goquery selector extraction, and
// extended with click-target and verified-record extraction beyond a
// pure-HTTP fetch.
package indiamart

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/leadforge/leadforge/pkg/parse"
	"github.com/leadforge/leadforge/pkg/types"
	"github.com/leadforge/leadforge/pkg/worker"
)

const (
	baseURL         = "https://www.indiamart.com"
	recentCardSel   = ".lead-card, .recent-lead, [data-lead-id]"
	verifiedRowSel  = ".transaction-row, .purchased-lead"
)

// Adapter implements worker.PortalAdapter for the IndiaMart buyer portal.
type Adapter struct{}

// New constructs the IndiaMart adapter.
func New() *Adapter { return &Adapter{} }

func (a *Adapter) Name() string { return "indiamart_worker" }

// RecentURL builds the recent-leads search endpoint, which works without
// auth for discovery.
func (a *Adapter) RecentURL(term string, page int) string {
	if term == "" {
		return fmt.Sprintf("%s/mypurchase/recent.mp?pg=%d", baseURL, page)
	}
	return fmt.Sprintf("%s/search.mp?ss=%s&pg=%d", baseURL, url.QueryEscape(term), page)
}

func (a *Adapter) VerifiedURL() string {
	return baseURL + "/mypurchase/transactions.mp"
}

// LoginURL is the seller-console login landing page a remote-login
// session starts from.
func (a *Adapter) LoginURL() string {
	return "https://seller.indiamart.com/bsplogin"
}

func (a *Adapter) ParseRecent(page worker.ParsedPage) ([]types.Lead, error) {
	doc, err := parse.Document(page.HTML)
	if err != nil {
		return nil, fmt.Errorf("parse recent html: %w", err)
	}

	cards := parse.RecentCards(doc, recentCardSel)
	leads := make([]types.Lead, 0, len(cards))
	for rank, c := range cards {
		lead := types.Lead{
			LeadID:            c.LeadID,
			Title:             c.Title,
			DetailURL:         absolutize(c.DetailURL),
			BuyURL:            absolutize(c.BuyURL),
			Country:           c.Country,
			CountryCode:       c.CountryCode,
			City:              c.City,
			State:             c.State,
			MobileAvailable:   c.MobileAvailable,
			MobileVerified:    c.MobileVerified,
			EmailAvailable:    c.EmailAvailable,
			EmailVerified:     c.EmailVerified,
			WhatsAppAvailable: c.WhatsAppAvailable,
			AgeSeconds:        c.AgeSeconds,
			AgeLabel:          c.AgeText,
			RawData: map[string]any{
				"buyer_details_text": c.BuyerDetailsText,
				"order_details_text": c.OrderDetailsText,
				"rank":               rank,
			},
		}
		if since, ok := parse.ParseMemberSince(c.MemberSinceText); ok {
			lead.MemberSince = &since
		}
		leads = append(leads, lead)
	}
	return leads, nil
}

// ClickTargets returns the three ordered click strategies: the hidden
// lead-id input's card container, an
// anchor whose href carries the id, and a full card-scan fallback.
func (a *Adapter) ClickTargets(_ worker.ParsedPage, lead types.Lead) []worker.ClickStrategy {
	id := lead.LeadID
	if id == "" {
		return []worker.ClickStrategy{{Kind: "card_scan", Selector: recentCardSel + " a.buy-link, a.contact-buyer"}}
	}
	return []worker.ClickStrategy{
		{Kind: "hidden_input", Selector: fmt.Sprintf(`input[type=hidden][value="%s"] ~ a.buy-link, input[type=hidden][value="%s"]`, id, id)},
		{Kind: "href_anchor", Selector: fmt.Sprintf(`a[href*="%s"]`, id)},
		{Kind: "card_scan", Selector: fmt.Sprintf(`[data-lead-id="%s"] a.buy-link, [data-lead-id="%s"] a.contact-buyer`, id, id)},
	}
}

func (a *Adapter) ParseVerified(page worker.ParsedPage) ([]worker.VerifiedRecord, error) {
	doc, err := parse.Document(page.HTML)
	if err != nil {
		return nil, fmt.Errorf("parse verified html: %w", err)
	}

	rows := parse.VerifiedRows(doc, verifiedRowSel)
	records := make([]worker.VerifiedRecord, 0, len(rows))
	for _, r := range rows {
		records = append(records, worker.VerifiedRecord{
			LeadID:          r.LeadID,
			URL:             absolutize(r.URL),
			Phone:           r.Phone,
			Email:           r.Email,
			NormalizedTitle: r.Title,
		})
	}
	return records, nil
}

func absolutize(href string) string {
	if href == "" || strings.HasPrefix(href, "http") {
		return href
	}
	return baseURL + "/" + strings.TrimPrefix(href, "/")
}

// HashFingerprint is exposed for tests that need to reproduce the
// synthesized lead-key fallback independently of worker.ComputeLeadKey.
func HashFingerprint(title, country string, ageSeconds int, detailURL, buyerDetails, orderDetails string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s|%s|%s", title, country, ageSeconds, detailURL, buyerDetails, orderDetails)))
	return "hash:" + hex.EncodeToString(sum[:])[:16]
}
