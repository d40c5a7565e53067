// Package parse implements goquery-based extraction over both the
// portal's rendered DOM and its JSON API payload. Portal adapters
// (pkg/portal/...) call into this package; the pipeline state machine
// never touches markup directly.
package parse

import (
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Card is one recent-leads card as lifted off the DOM, before the portal
// adapter maps it onto types.Lead.
type Card struct {
	LeadID            string
	Title             string
	DetailURL         string
	BuyURL            string
	Country           string
	CountryCode       string
	City              string
	State             string
	MobileAvailable   bool
	MobileVerified    bool
	EmailAvailable    bool
	EmailVerified     bool
	WhatsAppAvailable bool
	MemberSinceText   string
	AgeText           string
	AgeSeconds        *int
	BuyerDetailsText  string
	OrderDetailsText  string
}

// Document parses an HTML string into a goquery document.
func Document(html string) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(strings.NewReader(html))
}

// RecentCards extracts one Card per lead-card container matched by the
// given CSS selector, in document order (portal adapters pass their own
// markup's card selector so this stays markup-agnostic).
func RecentCards(doc *goquery.Document, cardSelector string) []Card {
	var cards []Card
	doc.Find(cardSelector).Each(func(_ int, sel *goquery.Selection) {
		cards = append(cards, cardFromSelection(sel))
	})
	return cards
}

func cardFromSelection(sel *goquery.Selection) Card {
	c := Card{}

	if id, ok := sel.Find("input[type=hidden][name*=lead]").Attr("value"); ok {
		c.LeadID = strings.TrimSpace(id)
	}
	if c.LeadID == "" {
		if id, ok := sel.Attr("data-lead-id"); ok {
			c.LeadID = strings.TrimSpace(id)
		}
	}

	c.Title = strings.TrimSpace(sel.Find(".lead-title, .title, h3, h4").First().Text())

	if href, ok := sel.Find("a.detail-link, a.view-details, a[href*=detail]").First().Attr("href"); ok {
		c.DetailURL = href
	}
	if href, ok := sel.Find("a.buy-link, a.contact-buyer, a[href*=buy]").First().Attr("href"); ok {
		c.BuyURL = href
	}

	c.Country = strings.TrimSpace(sel.Find(".country, .buyer-country").First().Text())
	c.City = strings.TrimSpace(sel.Find(".city, .buyer-city").First().Text())
	c.State = strings.TrimSpace(sel.Find(".state, .buyer-state").First().Text())
	if cc, ok := sel.Attr("data-country-code"); ok {
		c.CountryCode = strings.ToUpper(strings.TrimSpace(cc))
	}

	c.MobileAvailable = sel.HasClass("mobile-available") || sel.Find(".mobile-icon").Length() > 0
	c.MobileVerified = sel.Find(".mobile-verified, .verified-mobile").Length() > 0
	c.EmailAvailable = sel.Find(".email-icon, .email-available").Length() > 0
	c.EmailVerified = sel.Find(".email-verified, .verified-email").Length() > 0
	c.WhatsAppAvailable = sel.Find(".whatsapp-icon, .whatsapp-available").Length() > 0

	c.MemberSinceText = strings.TrimSpace(sel.Find(".member-since").First().Text())
	c.AgeText = strings.TrimSpace(sel.Find(".age, .posted-time, .time-ago").First().Text())
	if secs, ok := ParseAgeSeconds(c.AgeText); ok {
		c.AgeSeconds = &secs
	}

	c.BuyerDetailsText = strings.TrimSpace(sel.Find(".buyer-details").Text())
	c.OrderDetailsText = strings.TrimSpace(sel.Find(".order-details").Text())

	return c
}

// ParseAgeSeconds converts a portal age label ("Just now", "5 min ago",
// "2 hours ago", "3 days ago") into seconds so lead-age filtering has a
// numeric basis.
func ParseAgeSeconds(label string) (int, bool) {
	l := strings.ToLower(strings.TrimSpace(label))
	if l == "" {
		return 0, false
	}
	if l == "just now" || l == "0 sec ago" || l == "seconds ago" {
		return 0, true
	}

	fields := strings.Fields(l)
	if len(fields) < 2 {
		return 0, false
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, false
	}

	unit := strings.TrimSuffix(fields[1], "s")
	switch {
	case strings.HasPrefix(unit, "sec"):
		return n, true
	case strings.HasPrefix(unit, "min"):
		return n * 60, true
	case strings.HasPrefix(unit, "hour") || strings.HasPrefix(unit, "hr"):
		return n * 3600, true
	case strings.HasPrefix(unit, "day"):
		return n * 86400, true
	}
	return 0, false
}

// ParseMemberSince parses a "Member since Jan 2019" style label into a
// time.Time, used for min_member_months filtering.
func ParseMemberSince(label string) (time.Time, bool) {
	label = strings.TrimSpace(strings.ToLower(label))
	label = strings.TrimPrefix(label, "member since")
	label = strings.TrimSpace(label)
	for _, layout := range []string{"Jan 2006", "January 2006", "2006-01-02", "Jan 02, 2006"} {
		if t, err := time.Parse(layout, titleCase(label)); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func titleCase(s string) string {
	parts := strings.Fields(s)
	for i, p := range parts {
		if len(p) > 0 {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, " ")
}

// VerifiedRow is one row from the "past transactions" view, before the
// portal adapter maps it onto worker.VerifiedRecord.
type VerifiedRow struct {
	LeadID string
	URL    string
	Phone  string
	Email  string
	Title  string
}

// VerifiedRows extracts transaction rows from the past-purchases view.
func VerifiedRows(doc *goquery.Document, rowSelector string) []VerifiedRow {
	var rows []VerifiedRow
	doc.Find(rowSelector).Each(func(_ int, sel *goquery.Selection) {
		row := VerifiedRow{
			Title: strings.TrimSpace(sel.Find(".lead-title, .title").First().Text()),
			Phone: strings.TrimSpace(sel.Find(".phone, .mobile").First().Text()),
			Email: strings.TrimSpace(sel.Find(".email").First().Text()),
		}
		if id, ok := sel.Attr("data-lead-id"); ok {
			row.LeadID = strings.TrimSpace(id)
		}
		if href, ok := sel.Find("a").First().Attr("href"); ok {
			row.URL = href
		}
		rows = append(rows, row)
	})
	return rows
}
