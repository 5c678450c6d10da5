// Package hostname cleans client-supplied hostnames. Clients send control
// characters, spaces and emoji in option 12; only characters valid in a DNS
// name survive.
package hostname

import "strings"

// MaxLength is the DNS label limit applied to cleaned names.
const MaxLength = 63

// Clean strips characters invalid for DNS labels (RFC 952 / RFC 1123),
// trims leading and trailing dots and hyphens, collapses repeats of either
// and caps the result at MaxLength. Case is preserved. The result may be
// empty.
func Clean(name string) string {
	if name == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(name))
	var prev byte
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !validDNS(c) {
			continue
		}
		if (c == '.' || c == '-') && c == prev {
			continue
		}
		b.WriteByte(c)
		prev = c
	}

	s := strings.Trim(b.String(), ".-")
	if len(s) > MaxLength {
		s = strings.TrimRight(s[:MaxLength], ".-")
	}
	return s
}

func validDNS(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9') || c == '-' || c == '.'
}
