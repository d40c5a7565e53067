package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/leadforge/leadforge/pkg/types"
)

func TestMatchVerifiedPriorityOrder(t *testing.T) {
	t.Run("lead id match wins over everything else", func(t *testing.T) {
		lead := types.Lead{LeadID: "PL1", Phone: "9999999999"}
		records := []VerifiedRecord{{LeadID: "PL1", Phone: "0000000000"}}
		assert.True(t, MatchVerified(lead, records))
	})

	t.Run("url matches when lead id absent", func(t *testing.T) {
		lead := types.Lead{DetailURL: "https://seller.indiamart.com/x/1"}
		records := []VerifiedRecord{{URL: "https://seller.indiamart.com/x/1"}}
		assert.True(t, MatchVerified(lead, records))
	})

	t.Run("phone matches on last 10 digits regardless of formatting", func(t *testing.T) {
		lead := types.Lead{Phone: "+91 98765-43210"}
		records := []VerifiedRecord{{Phone: "098765 43210"}}
		assert.True(t, MatchVerified(lead, records))
	})

	t.Run("email matches case-insensitively", func(t *testing.T) {
		lead := types.Lead{Email: "Buyer@Example.com"}
		records := []VerifiedRecord{{Email: "buyer@example.com"}}
		assert.True(t, MatchVerified(lead, records))
	})

	t.Run("title match requires at least 8 normalized characters", func(t *testing.T) {
		lead := types.Lead{Title: "hi"}
		records := []VerifiedRecord{{NormalizedTitle: "hi there buyer"}}
		assert.False(t, MatchVerified(lead, records))
	})

	t.Run("title match allows substring either direction", func(t *testing.T) {
		lead := types.Lead{Title: "Need Steel   Pipes urgently"}
		records := []VerifiedRecord{{NormalizedTitle: "steel pipes"}}
		assert.True(t, MatchVerified(lead, records))
	})

	t.Run("no match when nothing correlates", func(t *testing.T) {
		lead := types.Lead{Title: "completely unrelated request"}
		records := []VerifiedRecord{{NormalizedTitle: "something else entirely"}}
		assert.False(t, MatchVerified(lead, records))
	})

	t.Run("empty records never match", func(t *testing.T) {
		assert.False(t, MatchVerified(types.Lead{LeadID: "PL1"}, nil))
	})
}
