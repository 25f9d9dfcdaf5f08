// Package minterkey implements Module A: deterministic derivation of a
// Minter Key from a request's network identity.
package minterkey

import "strings"

// Params is the tuple spec.md §3 derives a Minter Key from. Proxy and
// SourceAddress absent mean the empty string; the two booleans default to
// false.
type Params struct {
	Proxy                  string
	SourceAddress          string
	DisableTLSVerification bool
	DisableInnertube       bool
}

// Default is the canonical key returned when every field in Params is
// absent or false.
const Default = "default"

// Derive maps Params to a canonical string key. Fields are read in a fixed
// order (never via map iteration), so the result is deterministic across
// process restarts and independent of how the caller happened to populate
// the struct (spec.md §4.A, §8 property 5).
func Derive(p Params) string {
	var parts []string
	if p.Proxy != "" {
		parts = append(parts, "proxy:"+p.Proxy)
	}
	if p.SourceAddress != "" {
		parts = append(parts, "src:"+p.SourceAddress)
	}
	if p.DisableTLSVerification {
		parts = append(parts, "tls_insecure")
	}
	if p.DisableInnertube {
		parts = append(parts, "no_innertube")
	}

	if len(parts) == 0 {
		return Default
	}
	return strings.Join(parts, "|")
}
