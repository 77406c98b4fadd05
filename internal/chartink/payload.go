package chartink

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Alert is a parsed webhook payload.
type Alert struct {
	RawName string   // as received, for display
	Name    string   // normalized lookup key
	Symbols []string // normalized, deduplicated, order preserved
	Time    string   // timestamp string as received
}

var (
	alertNameKeys = []string{"scan_name", "trigger_name", "scan", "alert", "alert_name", "name"}
	symbolKeys    = []string{"stocks", "symbols", "stocks[]", "symbol", "stock", "tradingsymbol"}
	timeKeys      = []string{"triggered_at", "time", "timestamp", "datetime"}
)

// ParsePayload extracts the alert name, symbol list and timestamp from a
// decoded webhook payload. Symbol values may arrive as a list, a comma or
// newline separated string, a JSON list string, or a pythonic list string;
// form posts may also use the indexed form stocks[0], stocks[1], ...
func ParsePayload(payload map[string]any) Alert {
	rawName := firstPresent(payload, alertNameKeys)
	if rawName == "" {
		rawName = "UNKNOWN_ALERT"
	}

	var raw []string
	if v, ok := lookupAny(payload, symbolKeys); ok {
		raw = asList(v)
	} else {
		raw = indexedSymbols(payload)
	}

	return Alert{
		RawName: strings.TrimSpace(rawName),
		Name:    NormalizeAlertName(rawName),
		Symbols: NormalizeSymbols(raw),
		Time:    firstPresent(payload, timeKeys),
	}
}

// ParseBody decodes a webhook request body, sniffing the encoding in order:
// JSON object, form-urlencoded, raw JSON text.
func ParseBody(contentType string, body []byte) (map[string]any, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return map[string]any{}, nil
	}

	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "application/json") || strings.HasPrefix(trimmed, "{") {
		var m map[string]any
		if err := json.Unmarshal([]byte(trimmed), &m); err == nil {
			return m, nil
		}
	}

	if vals, err := url.ParseQuery(trimmed); err == nil && len(vals) > 0 {
		// Reject bodies that parse as a single valueless key, which is what
		// url.ParseQuery does with arbitrary text.
		if !(len(vals) == 1 && singleEmptyValue(vals)) {
			m := make(map[string]any, len(vals))
			for k, v := range vals {
				if len(v) == 1 {
					m[k] = v[0]
				} else {
					m[k] = v
				}
			}
			return m, nil
		}
	}

	var m map[string]any
	if err := json.Unmarshal([]byte(trimmed), &m); err != nil {
		return nil, fmt.Errorf("unrecognized webhook body: %w", err)
	}
	return m, nil
}

func singleEmptyValue(vals url.Values) bool {
	for _, v := range vals {
		for _, s := range v {
			if s != "" {
				return false
			}
		}
	}
	return true
}

// firstPresent returns the first non-empty string value among keys.
func firstPresent(payload map[string]any, keys []string) string {
	if v, ok := lookupAny(payload, keys); ok {
		return strings.TrimSpace(fmt.Sprintf("%v", v))
	}
	return ""
}

func lookupAny(payload map[string]any, keys []string) (any, bool) {
	for _, k := range keys {
		v, ok := payload[k]
		if !ok || v == nil {
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			continue
		}
		return v, true
	}
	return nil, false
}

// asList converts the many symbol-value shapes into a flat string slice.
func asList(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, asList(item)...)
		}
		return out
	case string:
		s := strings.TrimSpace(zeroWidthReplacer.Replace(t))
		if s == "" {
			return nil
		}
		if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
			var arr []any
			if err := json.Unmarshal([]byte(s), &arr); err == nil {
				return asList(arr)
			}
			// Pythonic list string: "['SBIN','TCS']".
			if err := json.Unmarshal([]byte(strings.ReplaceAll(s, "'", `"`)), &arr); err == nil {
				return asList(arr)
			}
		}
		return splitList(s)
	default:
		return []string{fmt.Sprintf("%v", v)}
	}
}

// indexedSymbols collects the form-style stocks[0], stocks[1], ... variants
// in index order.
func indexedSymbols(payload map[string]any) []string {
	type entry struct {
		idx int
		val any
	}
	var entries []entry
	for k, v := range payload {
		kl := strings.ToLower(k)
		if !strings.HasPrefix(kl, "stocks[") && !strings.HasPrefix(kl, "symbols[") {
			continue
		}
		open := strings.Index(kl, "[")
		closing := strings.Index(kl, "]")
		if closing <= open {
			continue
		}
		idx, err := strconv.Atoi(kl[open+1 : closing])
		if err != nil {
			continue
		}
		entries = append(entries, entry{idx: idx, val: v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].idx < entries[j].idx })

	var out []string
	for _, e := range entries {
		out = append(out, asList(e.val)...)
	}
	return out
}
