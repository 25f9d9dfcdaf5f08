package types

import "encoding/json"

// PotRequest is the body of POST /get_pot.
type PotRequest struct {
	ContentBinding         string           `json:"content_binding" validate:"required"`
	Proxy                  string           `json:"proxy,omitempty" validate:"omitempty,url"`
	BypassCache            bool             `json:"bypass_cache,omitempty"`
	SourceAddress          string           `json:"source_address,omitempty" validate:"omitempty,ip"`
	DisableTLSVerification bool             `json:"disable_tls_verification,omitempty"`
	Challenge              *ChallengeProgram `json:"challenge,omitempty"`
	DisableInnertube       bool             `json:"disable_innertube,omitempty"`
	InnertubeContext       json.RawMessage  `json:"innertube_context,omitempty"`

	// Legacy fields. Their mere presence on the wire triggers the
	// deprecation guard in internal/session regardless of value.
	DataSyncID  *string `json:"data_sync_id,omitempty"`
	VisitorData *string `json:"visitor_data,omitempty"`
}

// HasDeprecatedFields reports whether the request carries the legacy
// top-level data_sync_id or visitor_data fields (spec.md §4.F).
func (r *PotRequest) HasDeprecatedFields() bool {
	return r.DataSyncID != nil || r.VisitorData != nil
}

// InvalidationType names what an invalidation acts on. Both
// /invalidate_caches and /invalidate_it take no body (spec.md §4.G), and
// neither the HTTP surface nor the session manager reads this type or
// InvalidateRequest.
type InvalidationType string

const (
	InvalidateAll            InvalidationType = "all"
	InvalidateContentBinding InvalidationType = "content_binding"
)

// InvalidateRequest is an optional body for scoped invalidation.
type InvalidateRequest struct {
	ContentBinding string `json:"content_binding,omitempty"`
}
