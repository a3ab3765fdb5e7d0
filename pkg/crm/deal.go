package crm

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Deal is a raw CRM deal snapshot. Field codes are installation-specific
// (user fields are configured, not compiled in), so the snapshot stays a
// loose map with typed accessors.
type Deal map[string]any

// ID returns the deal id, 0 when absent or malformed.
func (d Deal) ID() int64 {
	return toInt64(d["ID"])
}

// StageID returns the current lifecycle stage id.
func (d Deal) StageID() string {
	return d.StringField("STAGE_ID")
}

// StringField returns the field as a trimmed string, "" when absent.
func (d Deal) StringField(key string) string {
	v, ok := d[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", t))
	}
}

// FirstComm extracts the first VALUE of a multivalue communication field
// (PHONE/EMAIL come back as [{"VALUE": ..., "VALUE_TYPE": ...}]).
func (d Deal) FirstComm(key string) string {
	list, ok := d[key].([]any)
	if !ok || len(list) == 0 {
		return ""
	}
	entry, ok := list[0].(map[string]any)
	if !ok {
		return ""
	}
	if v, ok := entry["VALUE"].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// FirstNonEmpty returns the first non-empty value among the given field
// codes, unwrapping multivalue fields.
func (d Deal) FirstNonEmpty(keys ...string) string {
	for _, key := range keys {
		if v := d.FirstComm(key); v != "" {
			return v
		}
		if v := d.StringField(key); v != "" {
			return v
		}
	}
	return ""
}

// CreatedAt parses DATE_CREATE. ok is false when the field is absent or
// unparseable; callers treat that as after any cutoff.
func (d Deal) CreatedAt() (time.Time, bool) {
	s := d.StringField("DATE_CREATE")
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case int:
		return int64(t)
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

// NormalizeHost reduces a URL-like routing value to its bare lowercase host:
// scheme optional, path dropped, leading "www." stripped.
func NormalizeHost(val string) string {
	s := strings.TrimSpace(val)
	if s == "" {
		return ""
	}
	lower := strings.ToLower(s)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Host)
	host = strings.TrimPrefix(host, "www.")
	return host
}
