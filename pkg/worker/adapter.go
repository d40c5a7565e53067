// Package worker implements the per-slot pipeline state machine: the long-
// running process a supervisor spawns for each active slot, generalized
// from pure-HTTP string-slicing to a portal-adapter seam so browser-
// rendered DOM and plain API payloads share one pipeline.
package worker

import "github.com/leadforge/leadforge/pkg/types"

// ParsedPage is the normalized output of a fetch: either an API JSON
// payload or a rendered DOM snapshot, handed to the portal adapter for
// extraction. Exactly one of HTML/JSON is set.
type ParsedPage struct {
	HTML string
	JSON []byte
}

// ClickStrategy describes one of the three ordered ways to locate a lead's
// buyer-action control.
type ClickStrategy struct {
	Kind     string // "hidden_input", "href_anchor", "card_scan"
	Selector string
}

// VerifiedRecord is one entry scraped from the "past transactions" view,
// used to correlate clicked leads into verified ones.
type VerifiedRecord struct {
	LeadID             string
	URL                string
	Phone              string
	Email              string
	NormalizedTitle    string
}

// PortalAdapter is the seam between the pipeline state machine and a
// specific third-party portal's markup/endpoints. indiamart_worker is the
// shipped default (DEFAULT_SLOT_WORKER).
type PortalAdapter interface {
	// Name identifies the adapter, matching the slot's declared "worker".
	Name() string

	// RecentURL builds the recent-leads search URL for one term/page.
	RecentURL(term string, page int) string

	// VerifiedURL builds the "past transactions" view URL.
	VerifiedURL() string

	// LoginURL is the page a remote-login session should land on first.
	LoginURL() string

	// ParseRecent extracts candidate leads from a fetched page.
	ParseRecent(page ParsedPage) ([]types.Lead, error)

	// ClickTargets returns the ordered click strategies to try for one
	// lead on the rendered recent-leads DOM.
	ClickTargets(page ParsedPage, lead types.Lead) []ClickStrategy

	// ParseVerified extracts verification records from a fetched page.
	ParseVerified(page ParsedPage) ([]VerifiedRecord, error)
}
