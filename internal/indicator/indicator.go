package indicator

import (
	"strings"
)

// eventFields is the ordered list of event document fields an indicator is
// checked against. Both IP-valued event fields probe the single
// threat.indicator.ip observable.
var eventFields = []string{
	"url.full",
	"file.hash.sha1",
	"file.hash.md5",
	"file.pe.imphash",
	"source.ip",
	"destination.ip",
}

// Kind classifies an indicator by its type discriminator.
type Kind string

const (
	KindURL     Kind = "url"
	KindFile    Kind = "file"
	KindIP      Kind = "ip"
	KindUnknown Kind = "unknown"
)

// Indicator is one parsed document from a threat indicator index.
// Only the fields the scanner consults are carried; everything else in the
// source document is ignored.
type Indicator struct {
	ID    string
	Index string
	Type  string

	URL     string
	SHA1    string
	MD5     string
	ImpHash string
	IP      string

	// LastChecked is the epoch-millis timestamp of the last successful scan,
	// 0 if the indicator has never been checked.
	LastChecked int64
	// Matches is the cumulative bounded match count from prior scans.
	Matches int64
}

// Parse extracts the scanner-relevant fields from a raw indicator source
// document. Observable values may be stored as nested objects or as flat
// dotted keys; both layouts are probed.
func Parse(id, index string, src map[string]interface{}) *Indicator {
	ind := &Indicator{
		ID:    id,
		Index: index,
		Type:  stringAt(src, "threat.indicator.type"),

		URL:     stringAt(src, "threat.indicator.url.full"),
		SHA1:    stringAt(src, "threat.indicator.file.hash.sha1"),
		MD5:     stringAt(src, "threat.indicator.file.hash.md5"),
		ImpHash: stringAt(src, "threat.indicator.file.pe.imphash"),
		IP:      stringAt(src, "threat.indicator.ip"),
	}

	ind.LastChecked = int64At(src, "threat.detection.timestamp")
	ind.Matches = int64At(src, "threat.detection.matches")

	return ind
}

// Kind reports the indicator family derived from its type discriminator.
func (i *Indicator) Kind() Kind {
	switch i.Type {
	case "url":
		return KindURL
	case "file":
		return KindFile
	case "ip", "ipv4-addr", "ipv6-addr":
		return KindIP
	default:
		return KindUnknown
	}
}

// Checked reports whether the indicator has been stamped by a prior scan.
func (i *Indicator) Checked() bool {
	return i.LastChecked > 0
}

// observableFor maps an event field to the indicator value probed for it.
func (i *Indicator) observableFor(eventField string) string {
	if strings.HasSuffix(eventField, ".ip") {
		return i.IP
	}
	switch eventField {
	case "url.full":
		return i.URL
	case "file.hash.sha1":
		return i.SHA1
	case "file.hash.md5":
		return i.MD5
	case "file.pe.imphash":
		return i.ImpHash
	}
	return ""
}

// ShouldClauses returns the ordered disjunction of single-field match
// predicates derived from the observables this indicator actually carries.
// An indicator with no recognized observables yields an empty list; such an
// indicator has nothing to match but is still stamped by the scan so it does
// not re-enter the eligible set.
func (i *Indicator) ShouldClauses() []map[string]interface{} {
	clauses := make([]map[string]interface{}, 0, len(eventFields))
	for _, field := range eventFields {
		value := i.observableFor(field)
		if value == "" {
			continue
		}
		clauses = append(clauses, map[string]interface{}{
			"match": map[string]interface{}{
				field: value,
			},
		})
	}
	return clauses
}

// stringAt resolves a dotted path against a source document and returns the
// string value at the leaf, or "" when the path is absent or not a string.
func stringAt(src map[string]interface{}, path string) string {
	v := lookup(src, path)
	s, _ := v.(string)
	return s
}

// int64At resolves a dotted path to an integer value. JSON numbers decode as
// float64; dates written by the scanner come back as epoch-millis numbers.
func int64At(src map[string]interface{}, path string) int64 {
	switch v := lookup(src, path).(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

// lookup walks a dotted path through nested map levels. At each level the
// whole remaining path is tried as a flat key first, so documents indexed
// with dotted field names resolve the same as nested objects.
func lookup(src map[string]interface{}, path string) interface{} {
	if src == nil {
		return nil
	}
	if v, ok := src[path]; ok {
		return v
	}
	segments := strings.Split(path, ".")
	for n := len(segments) - 1; n > 0; n-- {
		head := strings.Join(segments[:n], ".")
		child, ok := src[head].(map[string]interface{})
		if !ok {
			continue
		}
		if v := lookup(child, strings.Join(segments[n:], ".")); v != nil {
			return v
		}
	}
	return nil
}
