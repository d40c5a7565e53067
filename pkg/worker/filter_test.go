package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/leadforge/leadforge/pkg/types"
)

func intPtr(v int) *int { return &v }

func TestComputeLeadKey(t *testing.T) {
	t.Run("portal id wins", func(t *testing.T) {
		key, synthetic := ComputeLeadKey(types.Lead{LeadID: "PL12345"})
		assert.Equal(t, "PL12345", key)
		assert.False(t, synthetic)
	})

	t.Run("falls back to hash fingerprint", func(t *testing.T) {
		l := types.Lead{Title: "Need steel pipes", Country: "India", DetailURL: "https://x/1"}
		key, synthetic := ComputeLeadKey(l)
		assert.True(t, synthetic)
		assert.Regexp(t, `^hash:[0-9a-f]{16}$`, key)
	})

	t.Run("fingerprint is stable for identical fields", func(t *testing.T) {
		l1 := types.Lead{Title: "Need steel pipes", Country: "India", AgeSeconds: intPtr(30)}
		l2 := types.Lead{Title: "Need steel pipes", Country: "India", AgeSeconds: intPtr(30)}
		k1, _ := ComputeLeadKey(l1)
		k2, _ := ComputeLeadKey(l2)
		assert.Equal(t, k1, k2)
	})

	t.Run("fingerprint differs when title differs", func(t *testing.T) {
		k1, _ := ComputeLeadKey(types.Lead{Title: "Need steel pipes"})
		k2, _ := ComputeLeadKey(types.Lead{Title: "Need copper wire"})
		assert.NotEqual(t, k1, k2)
	})
}

func TestFilterChainKeywordExclusion(t *testing.T) {
	cfg := types.SlotConfig{ExcludeTerms: []string{"scrap"}}
	l := types.Lead{Title: "scrap metal buyer"}
	assert.Equal(t, types.RejectKeywordExcluded, filterChain(l, cfg))
}

func TestFilterChainAge(t *testing.T) {
	tests := []struct {
		name   string
		lead   types.Lead
		cfg    types.SlotConfig
		reason types.RejectedReason
	}{
		{
			name:   "zero_second_only rejects nonzero age",
			lead:   types.Lead{AgeSeconds: intPtr(5)},
			cfg:    types.SlotConfig{ZeroSecondOnly: true},
			reason: types.RejectAgeTooOld,
		},
		{
			name:   "zero_second_only accepts zero age",
			lead:   types.Lead{AgeSeconds: intPtr(0)},
			cfg:    types.SlotConfig{ZeroSecondOnly: true},
			reason: "",
		},
		{
			name:   "unknown age rejected by default",
			lead:   types.Lead{},
			cfg:    types.SlotConfig{},
			reason: types.RejectAgeUnknown,
		},
		{
			name:   "unknown age allowed when configured",
			lead:   types.Lead{},
			cfg:    types.SlotConfig{AllowUnknownAge: true},
			reason: "",
		},
		{
			name:   "max_lead_age_seconds=0 caps at 24h",
			lead:   types.Lead{AgeSeconds: intPtr(24*3600 + 1)},
			cfg:    types.SlotConfig{MaxLeadAgeSeconds: 0},
			reason: types.RejectAgeTooOld,
		},
		{
			name:   "max_lead_age_seconds=0 allows exactly 24h",
			lead:   types.Lead{AgeSeconds: intPtr(24 * 3600)},
			cfg:    types.SlotConfig{MaxLeadAgeSeconds: 0},
			reason: "",
		},
		{
			name:   "explicit max_lead_age_seconds enforced",
			lead:   types.Lead{AgeSeconds: intPtr(100)},
			cfg:    types.SlotConfig{MaxLeadAgeSeconds: 50},
			reason: types.RejectAgeTooOld,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.reason, checkAge(tt.lead, tt.cfg))
		})
	}
}

func TestFilterChainCapabilities(t *testing.T) {
	cfg := types.SlotConfig{RequireMobileVerified: true}
	l := types.Lead{MobileAvailable: true, MobileVerified: false}
	assert.Equal(t, types.RejectMobileUnverified, checkCapabilities(l, cfg))

	l.MobileVerified = true
	assert.Equal(t, types.RejectedReason(""), checkCapabilities(l, cfg))
}

func TestCheckCountryShortTokenBoundary(t *testing.T) {
	cfg := types.SlotConfig{Country: []string{"UK"}}

	t.Run("short token requires whole-word match", func(t *testing.T) {
		l := types.Lead{Country: "United Kingdom"}
		assert.Equal(t, types.RejectCountryNotAllowed, checkCountry(l, cfg))
	})

	t.Run("short token matches its own word", func(t *testing.T) {
		l := types.Lead{Country: "UK"}
		assert.Equal(t, types.RejectedReason(""), checkCountry(l, cfg))
	})

	t.Run("long token matches substring", func(t *testing.T) {
		cfg := types.SlotConfig{Country: []string{"United Kingdom"}}
		l := types.Lead{Country: "United Kingdom, Europe"}
		assert.Equal(t, types.RejectedReason(""), checkCountry(l, cfg))
	})

	t.Run("country code bypasses name matching", func(t *testing.T) {
		cfg := types.SlotConfig{Country: []string{"IN"}}
		l := types.Lead{Country: "Elsewhere", CountryCode: "in"}
		assert.Equal(t, types.RejectedReason(""), checkCountry(l, cfg))
	})

	t.Run("no configured countries allows everything", func(t *testing.T) {
		l := types.Lead{Country: "Anywhere"}
		assert.Equal(t, types.RejectedReason(""), checkCountry(l, types.SlotConfig{}))
	})
}

func TestCheckMemberTenure(t *testing.T) {
	cfg := types.SlotConfig{MinMemberMonths: 6}

	t.Run("unknown tenure rejected when required", func(t *testing.T) {
		assert.Equal(t, types.RejectMemberUnknown, checkMemberTenure(types.Lead{}, cfg))
	})

	t.Run("too-new member rejected", func(t *testing.T) {
		since := time.Now().UTC().AddDate(0, -2, 0)
		l := types.Lead{MemberSince: &since}
		assert.Equal(t, types.RejectMemberTooNew, checkMemberTenure(l, cfg))
	})

	t.Run("tenured member accepted", func(t *testing.T) {
		since := time.Now().UTC().AddDate(-1, 0, 0)
		l := types.Lead{MemberSince: &since}
		assert.Equal(t, types.RejectedReason(""), checkMemberTenure(l, cfg))
	})
}

func TestFilterChainSearchTermMiss(t *testing.T) {
	cfg := types.SlotConfig{SearchTerms: []string{"pipes"}, AllowUnknownAge: true}
	assert.Equal(t, types.RejectKeywordMiss, filterChain(types.Lead{Title: "copper wire"}, cfg))
	assert.Equal(t, types.RejectedReason(""), filterChain(types.Lead{Title: "steel pipes"}, cfg))
}
