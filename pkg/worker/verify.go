package worker

import (
	"regexp"
	"strings"

	"github.com/leadforge/leadforge/pkg/types"
)

var digitsOnly = regexp.MustCompile(`\D+`)

func lastDigits(phone string, n int) string {
	digits := digitsOnly.ReplaceAllString(phone, "")
	if len(digits) <= n {
		return digits
	}
	return digits[len(digits)-n:]
}

func normalizeTitle(title string) string {
	return strings.ToLower(strings.Join(strings.Fields(title), " "))
}

// MatchVerified correlates one clicked lead against the set of verified
// records scraped from the "past transactions" view, checking in
// priority order: lead_id -> url -> phone(last 10 digits) -> email ->
// normalized-title (exact or substring, length >= 8).
func MatchVerified(lead types.Lead, records []VerifiedRecord) bool {
	for _, r := range records {
		if lead.LeadID != "" && r.LeadID != "" && lead.LeadID == r.LeadID {
			return true
		}
	}
	for _, r := range records {
		if lead.DetailURL != "" && r.URL != "" && lead.DetailURL == r.URL {
			return true
		}
	}
	if lead.Phone != "" {
		want := lastDigits(lead.Phone, 10)
		if want != "" {
			for _, r := range records {
				if r.Phone != "" && lastDigits(r.Phone, 10) == want {
					return true
				}
			}
		}
	}
	if lead.Email != "" {
		for _, r := range records {
			if r.Email != "" && strings.EqualFold(r.Email, lead.Email) {
				return true
			}
		}
	}

	title := normalizeTitle(lead.Title)
	if len(title) >= 8 {
		for _, r := range records {
			rt := normalizeTitle(r.NormalizedTitle)
			if rt == "" {
				continue
			}
			if rt == title || strings.Contains(rt, title) || strings.Contains(title, rt) {
				return true
			}
		}
	}

	return false
}
