package provider

import (
	"bytes"
	"encoding/json"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Number is a lenient JSON number. APIs in this space send coordinates and
// prices as numbers or as strings; anything that is not a finite number
// (null, "", "n/a", "NaN", objects) leaves Valid false instead of failing the
// surrounding decode.
type Number struct {
	Value float64
	Valid bool
}

func (n *Number) UnmarshalJSON(b []byte) error {
	*n = Number{}
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
		b = []byte(strings.TrimSpace(s))
	}
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	n.Value, n.Valid = v, true
	return nil
}

// Ptr returns a pointer to the value, or nil when the number is not valid.
func (n Number) Ptr() *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Value
	return &v
}

// Or returns the value, or def when the number is not valid.
func (n Number) Or(def float64) float64 {
	if !n.Valid {
		return def
	}
	return n.Value
}

// PageCount extracts an integer page count from a pagination object. The
// count defaults to 1 when the object or field is absent or malformed.
func PageCount(raw json.RawMessage, field string) int {
	if len(raw) == 0 {
		return 1
	}
	var m map[string]Number
	if err := json.Unmarshal(raw, &m); err != nil {
		return 1
	}
	n, ok := m[field]
	if !ok || !n.Valid || n.Value < 1 {
		return 1
	}
	return int(n.Value)
}

var timestampLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
}

// ParseTimestamp normalizes a provider timestamp into a wall-clock time in
// loc. Zone-aware values (Z or an offset) are converted into loc; zone-less
// values keep their wall clock. If no date-time form parses, the first ten
// characters are tried as a date-only YYYY-MM-DD at midnight. ok is false
// when nothing parses.
func ParseTimestamp(s string, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.Local
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.In(loc), true
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	if len(s) >= 10 {
		if t, err := time.ParseInLocation(time.DateOnly, s[:10], loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// IsAbsoluteURL reports whether raw looks like a browsable http(s) URL.
func IsAbsoluteURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// EventURL prefers the provider's direct URL. When it is missing or not an
// absolute URL, it synthesizes prefix+id; with no id it returns "".
func EventURL(raw, id, prefix string) string {
	raw = strings.TrimSpace(raw)
	if raw != "" && IsAbsoluteURL(raw) {
		return raw
	}
	id = strings.TrimSpace(id)
	if id != "" {
		return prefix + url.PathEscape(id)
	}
	return ""
}

// Title returns the trimmed name or fallback when it is blank.
func Title(name, fallback string) string {
	if t := strings.TrimSpace(name); t != "" {
		return t
	}
	return fallback
}
