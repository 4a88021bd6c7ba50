// Package fmtutil implements small textual-encoding helpers shared across
// the metadata log, descriptor, and upload-script protocol formats of
// spec §6: URI escaping and the local-time descriptor timestamp.
//
// Grounded on mmp-bk/util.go's small collection of independent formatting
// helpers (FmtBytes, etc.) gathered under one leaf package with no
// dependents beyond their callers.
package fmtutil

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// uriSafe reports whether b may appear unescaped in URI-escaped text, per
// spec §6: any byte outside ['+', 0x7f) or the byte '@' is escaped.
func uriSafe(b byte) bool {
	if b == '@' {
		return false
	}
	return b >= '+' && b < 0x7f
}

// URIEscape encodes s per spec §6's metadata-log escaping rule.
func URIEscape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if uriSafe(c) {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02x", c)
		}
	}
	return b.String()
}

// URIUnescape decodes a string produced by URIEscape. Malformed %-escapes
// are passed through verbatim rather than erroring, since this format is
// only ever used on text this package itself produced.
func URIUnescape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+3], 16, 8); err == nil {
				b.WriteByte(byte(v))
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// DescriptorTime formats t per spec §6's descriptor "Date:" field:
// "YYYY-MM-DD HH:MM:SS ±ZZZZ", local time.
func DescriptorTime(t time.Time) string {
	return t.Format("2006-01-02 15:04:05 -0700")
}
