// Package dnsname validates and refines DNS-like names used to address
// discovery targets, the way the destination resolver canonicalizes service
// names before a subscription is opened.
package dnsname

import (
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/util/validation"
)

// Name is a validated, lowercase DNS-like label sequence. It may carry a
// trailing dot (an explicitly-rooted name) or not.
type Name struct {
	value string
}

// Parse validates s as a sequence of DNS labels and returns a normalized
// Name. The last label must not be all-numeric, which is what distinguishes
// a hostname from an IPv4 literal written in dotted-decimal form.
func Parse(s string) (Name, error) {
	if s == "" {
		return Name{}, fmt.Errorf("dnsname: empty name")
	}

	lower := strings.ToLower(s)
	rooted := strings.HasSuffix(lower, ".")
	trimmed := strings.TrimSuffix(lower, ".")
	if trimmed == "" {
		return Name{}, fmt.Errorf("dnsname: %q is the root, not a name", s)
	}

	labels := strings.Split(trimmed, ".")
	for _, l := range labels {
		if errs := validation.IsDNS1123Label(l); len(errs) > 0 {
			return Name{}, fmt.Errorf("dnsname: invalid label %q in %q: %s", l, s, strings.Join(errs, "; "))
		}
	}

	if isAllNumeric(labels[len(labels)-1]) {
		return Name{}, fmt.Errorf("dnsname: %q looks like an IPv4 literal, not a hostname", s)
	}

	out := trimmed
	if rooted {
		out += "."
	}
	return Name{value: out}, nil
}

func isAllNumeric(label string) bool {
	for _, r := range label {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// String returns the normalized textual form of the name.
func (n Name) String() string { return n.value }

// IsZero reports whether n is the zero Name (never returned by Parse).
func (n Name) IsZero() bool { return n.value == "" }

// WithoutTrailingDot returns the name's labels joined without a trailing dot.
func (n Name) WithoutTrailingDot() string {
	return strings.TrimSuffix(n.value, ".")
}

// Labels splits the name into its constituent labels, ignoring any trailing
// dot.
func (n Name) Labels() []string {
	return strings.Split(n.WithoutTrailingDot(), ".")
}

// Equal reports whether two names denote the same label sequence, ignoring
// the presence of a trailing dot.
func (n Name) Equal(other Name) bool {
	return n.WithoutTrailingDot() == other.WithoutTrailingDot()
}
