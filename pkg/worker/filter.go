package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/leadforge/leadforge/pkg/types"
)

func monthsBetween(since time.Time) int {
	now := time.Now().UTC()
	months := (now.Year()-since.Year())*12 + int(now.Month()) - int(since.Month())
	if now.Day() < since.Day() {
		months--
	}
	return months
}

// ComputeLeadKey returns the lead's dedup key: the portal id when present,
// else a synthesized hash:<16-hex> fingerprint, flagging LeadIDSynthetic
// so downstream consumers can distinguish the two.
func ComputeLeadKey(l types.Lead) (key string, synthetic bool) {
	if l.LeadID != "" {
		return l.LeadID, false
	}

	age := 0
	if l.AgeSeconds != nil {
		age = *l.AgeSeconds
	}
	buyerDetails, _ := l.RawData["buyer_details_text"].(string)
	orderDetails, _ := l.RawData["order_details_text"].(string)
	fingerprint := fmt.Sprintf("%s|%s|%d|%s|%s|%s", l.Title, l.Country, age, l.DetailURL, buyerDetails, orderDetails)
	sum := sha256.Sum256([]byte(fingerprint))
	return "hash:" + hex.EncodeToString(sum[:])[:16], true
}

// filterChain applies the ordered, first-match-wins rejection rules. It
// returns the reason for rejection, or "" if the lead survives.
func filterChain(l types.Lead, cfg types.SlotConfig) types.RejectedReason {
	titleLower := strings.ToLower(l.Title)

	for _, term := range cfg.ExcludeTerms {
		if term == "" {
			continue
		}
		if strings.Contains(titleLower, strings.ToLower(term)) {
			return types.RejectKeywordExcluded
		}
	}

	if reason := checkAge(l, cfg); reason != "" {
		return reason
	}

	if reason := checkCapabilities(l, cfg); reason != "" {
		return reason
	}

	if reason := checkCountry(l, cfg); reason != "" {
		return reason
	}

	if reason := checkMemberTenure(l, cfg); reason != "" {
		return reason
	}

	if len(cfg.SearchTerms) > 0 {
		matched := false
		for _, term := range cfg.SearchTerms {
			if term == "" {
				continue
			}
			if strings.Contains(titleLower, strings.ToLower(term)) {
				matched = true
				break
			}
		}
		if !matched {
			return types.RejectKeywordMiss
		}
	}

	return ""
}

func checkAge(l types.Lead, cfg types.SlotConfig) types.RejectedReason {
	if cfg.ZeroSecondOnly {
		if l.AgeSeconds == nil || *l.AgeSeconds != 0 {
			return types.RejectAgeTooOld
		}
		return ""
	}

	if l.AgeSeconds == nil {
		if !cfg.AllowUnknownAge {
			return types.RejectAgeUnknown
		}
		return ""
	}

	effectiveMaxAge := cfg.MaxLeadAgeSeconds
	if effectiveMaxAge == 0 {
		effectiveMaxAge = 24 * 3600
	}
	if *l.AgeSeconds > effectiveMaxAge {
		return types.RejectAgeTooOld
	}
	return ""
}

func checkCapabilities(l types.Lead, cfg types.SlotConfig) types.RejectedReason {
	if cfg.RequireMobileAvailable && !l.MobileAvailable {
		return types.RejectMobileMissing
	}
	if cfg.RequireMobileVerified && !l.MobileVerified {
		return types.RejectMobileUnverified
	}
	if cfg.RequireEmailAvailable && !l.EmailAvailable {
		return types.RejectEmailMissing
	}
	if cfg.RequireEmailVerified && !l.EmailVerified {
		return types.RejectEmailUnverified
	}
	if cfg.RequireWhatsAppAvailable && !l.WhatsAppAvailable {
		return types.RejectWhatsAppMissing
	}
	return ""
}

var nonWord = regexp.MustCompile(`\W+`)

func checkCountry(l types.Lead, cfg types.SlotConfig) types.RejectedReason {
	allowed := append(append([]string{}, cfg.Country...), cfg.ClientRegions...)
	if len(allowed) == 0 {
		return ""
	}

	if l.CountryCode != "" {
		for _, a := range allowed {
			if strings.EqualFold(a, l.CountryCode) {
				return ""
			}
		}
	}

	countryLower := strings.ToLower(l.Country)
	for _, a := range allowed {
		token := strings.ToLower(strings.TrimSpace(a))
		if token == "" {
			continue
		}
		if len(nonWord.ReplaceAllString(token, "")) <= 3 {
			// Short tokens require a whole-word match after splitting on
			// non-word characters.
			words := nonWord.Split(countryLower, -1)
			for _, w := range words {
				if w == token {
					return ""
				}
			}
			continue
		}
		if strings.Contains(countryLower, token) {
			return ""
		}
	}

	return types.RejectCountryNotAllowed
}

func checkMemberTenure(l types.Lead, cfg types.SlotConfig) types.RejectedReason {
	if cfg.MinMemberMonths > 0 && l.MemberSince == nil {
		return types.RejectMemberUnknown
	}
	if cfg.MinMemberMonths > 0 && l.MemberSince != nil {
		monthsSince := monthsBetween(*l.MemberSince)
		if monthsSince < cfg.MinMemberMonths {
			return types.RejectMemberTooNew
		}
	}
	if cfg.MaxAgeHours > 0 && l.AgeSeconds != nil {
		if *l.AgeSeconds > cfg.MaxAgeHours*3600 {
			return types.RejectAgeTooOld
		}
	}
	return ""
}
