package source

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/sells-group/catalog-enricher/internal/model"
)

// Lookup walks a dotted path ("volume.publisher.name") through decoded JSON.
func Lookup(data map[string]any, path string) (any, bool) {
	var cur any = data
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

// String renders a scalar JSON value as text. Objects and arrays yield "".
func String(v any) string {
	switch x := v.(type) {
	case string:
		return strings.Join(strings.Fields(x), " ")
	case float64:
		if x == math.Trunc(x) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return ""
	}
}

// LookupString is Lookup followed by String.
func LookupString(data map[string]any, path string) string {
	v, ok := Lookup(data, path)
	if !ok {
		return ""
	}
	return String(v)
}

var yearRe = regexp.MustCompile(`\b(1[89]\d\d|2\d\d\d)\b`)

// Year extracts a four digit year from a date, a bare year or a number.
func Year(v any) (int, bool) {
	switch x := v.(type) {
	case float64:
		return int(x), x > 0
	case string:
		m := yearRe.FindString(x)
		if m == "" {
			return 0, false
		}
		y, err := strconv.Atoi(m)
		return y, err == nil
	}
	return 0, false
}

var priceRe = regexp.MustCompile(`\d+(?:\.\d+)?`)

// PriceCents converts a price to cents. JSON numbers are taken as cents
// already; strings such as "3.99" or "0.12 USD" are dollar amounts.
func PriceCents(v any) (int64, bool) {
	switch x := v.(type) {
	case float64:
		if x < 0 {
			return 0, false
		}
		return int64(math.Round(x)), true
	case string:
		m := priceRe.FindString(x)
		if m == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(m, 64)
		if err != nil {
			return 0, false
		}
		return int64(math.Round(f * 100)), true
	}
	return 0, false
}

// Names joins a list of people. Elements may be strings or objects carrying
// a "name" or "creator" key.
func Names(v any) string {
	list, ok := v.([]any)
	if !ok {
		return String(v)
	}
	names := make([]string, 0, len(list))
	seen := make(map[string]bool, len(list))
	for _, item := range list {
		var n string
		switch x := item.(type) {
		case string:
			n = String(x)
		case map[string]any:
			n = String(x["name"])
			if n == "" {
				n = String(x["creator"])
			}
		}
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		names = append(names, n)
	}
	return strings.Join(names, ", ")
}

// FieldValue converts the raw value found for a canonical field into its
// stored text form. ok is false when the value is unusable.
func FieldValue(f model.Field, v any) (string, bool) {
	switch f {
	case model.FieldReleaseYear:
		y, ok := Year(v)
		if !ok {
			return "", false
		}
		return strconv.Itoa(y), true
	case model.FieldPriceCents:
		c, ok := PriceCents(v)
		if !ok {
			return "", false
		}
		return strconv.FormatInt(c, 10), true
	case model.FieldCreators:
		s := Names(v)
		return s, s != ""
	default:
		s := String(v)
		return s, s != ""
	}
}

// MapFields builds a Canonical from rec using a field to path mapping.
// Paths that are missing or hold unusable values are skipped.
func MapFields(rec *Record, mapping map[model.Field]string, confidence float64) Canonical {
	c := Canonical{
		Source:     rec.Source,
		ExternalID: rec.ExternalID,
		Values:     make(map[model.Field]string, len(mapping)),
		Confidence: confidence,
		FetchedAt:  rec.FetchedAt,
	}
	for f, path := range mapping {
		raw, ok := Lookup(rec.Data, path)
		if !ok {
			continue
		}
		if s, ok := FieldValue(f, raw); ok {
			c.Values[f] = s
		}
	}
	return c
}

// LastPathID returns the trailing numeric segment of a resource URL, e.g.
// "https://www.comics.org/api/issue/125295/?format=json" gives "125295".
func LastPathID(raw string) string {
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	for i := len(parts) - 1; i >= 0; i-- {
		if _, err := strconv.ParseInt(parts[i], 10, 64); err == nil {
			return parts[i]
		}
	}
	return ""
}
