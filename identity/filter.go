// Package identity decides whether a message on the shared channel is
// addressed to this client.
//
// The default policy matches when the declared prefix contains the own
// id as a substring, which tolerates server-side envelope composition
// (e.g. "relay:cam7"). Ids that are substrings of other ids over-match
// under that policy; the exact policy avoids it.
package identity

import (
	"fmt"
	"strings"
	"unicode"
)

// Policy selects how a declared prefix is compared to the own id.
type Policy string

// Supported policies.
const (
	PolicySubstring Policy = "substring"
	PolicyExact     Policy = "exact"
)

// ParsePolicy parses a policy name. Empty selects substring.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "", string(PolicySubstring):
		return PolicySubstring, nil
	case string(PolicyExact):
		return PolicyExact, nil
	default:
		return "", fmt.Errorf("invalid identity match policy: %q (must be substring or exact)", s)
	}
}

// Validate rejects ids that cannot be carried as an envelope prefix.
func Validate(id string) error {
	if strings.IndexFunc(id, unicode.IsSpace) >= 0 {
		return fmt.Errorf("identity %q must not contain whitespace", id)
	}
	return nil
}

// Filter holds the locally configured identity.
type Filter struct {
	own    string
	policy Policy
}

// NewFilter creates a filter. An empty own id accepts everything.
func NewFilter(own string, policy Policy) *Filter {
	if policy == "" {
		policy = PolicySubstring
	}
	return &Filter{own: own, policy: policy}
}

// Enabled returns true when an identity is configured.
func (f *Filter) Enabled() bool {
	return f.own != ""
}

// Accept decides whether a message declaring prefix (present or not) is
// addressed to this client. Used for chunk-protocol, image and status
// frames, which must carry a matching prefix when filtering is enabled.
func (f *Filter) Accept(prefix string, present bool) bool {
	if f.own == "" {
		return true
	}
	if !present {
		return false
	}
	if f.policy == PolicyExact {
		return prefix == f.own
	}
	return strings.Contains(prefix, f.own)
}

// AcceptText decides for a free-text line, which may mention the id
// anywhere rather than in a prefix.
func (f *Filter) AcceptText(raw string) bool {
	if f.own == "" {
		return true
	}
	if f.policy == PolicyExact {
		for _, field := range strings.Fields(raw) {
			if field == f.own {
				return true
			}
		}
		return false
	}
	return strings.Contains(raw, f.own)
}
