// Package chartink parses scan-alert webhook payloads and normalizes alert
// names and trading symbols into the canonical forms used for all store keys
// and engine lookups.
package chartink

import (
	"strings"
)

// zeroWidthReplacer strips zero-width characters that copy-pasted scanner
// names and symbols frequently carry.
var zeroWidthReplacer = strings.NewReplacer(
	"\u200b", "", "\u200c", "", "\u200d", "", "\ufeff", "",
)

// NormalizeAlertName converts a raw alert/scan name into its canonical store
// key: lowercase, underscores and dashes become spaces, whitespace collapsed.
func NormalizeAlertName(name string) string {
	s := zeroWidthReplacer.Replace(name)
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "_", " ")
	s = strings.ReplaceAll(s, "-", " ")
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeSymbol converts a raw symbol into the venue's canonical trading
// form: "NSE:SBIN" -> "SBIN", "SBIN-EQ" -> "SBIN", "infy.ns" -> "INFY".
// Only A-Z, 0-9, '-' and '&' survive. Returns "" for inputs that reduce to
// nothing or to a bare exchange name.
func NormalizeSymbol(sym string) string {
	s := zeroWidthReplacer.Replace(sym)
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return ""
	}

	// Exchange prefix like "NSE:" / "BSE:".
	if i := strings.Index(s, ":"); i >= 0 {
		s = strings.TrimSpace(s[i+1:])
	}

	s = strings.TrimSuffix(s, ".NS")
	s = strings.TrimSuffix(s, "-EQ")

	var b strings.Builder
	for _, ch := range s {
		switch {
		case ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '-', ch == '&':
			b.WriteRune(ch)
		}
	}
	s = b.String()

	if s == "" || s == "NSE" || s == "BSE" {
		return ""
	}
	return s
}

// NormalizeSymbols normalizes a list of raw symbol values, splitting embedded
// comma/newline separated items, dropping empties and deduplicating while
// preserving order.
func NormalizeSymbols(raw []string) []string {
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, item := range raw {
		for _, part := range splitList(item) {
			n := NormalizeSymbol(part)
			if n == "" {
				continue
			}
			if _, dup := seen[n]; dup {
				continue
			}
			seen[n] = struct{}{}
			out = append(out, n)
		}
	}
	return out
}

// NameVariants returns the alert-name forms tried, in order, when looking up
// a config: raw, lowercase, spaces as underscores, underscores as spaces,
// then the normalized form. Duplicates collapse while preserving order.
func NameVariants(raw string) []string {
	lower := strings.ToLower(strings.TrimSpace(raw))
	candidates := []string{
		strings.TrimSpace(raw),
		lower,
		strings.ReplaceAll(lower, " ", "_"),
		strings.ReplaceAll(lower, "_", " "),
		NormalizeAlertName(raw),
	}
	out := make([]string, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// splitList breaks a single raw value on commas and newlines.
func splitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == '\n'
	})
}
