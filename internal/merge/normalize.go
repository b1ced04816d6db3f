package merge

import (
	"math"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/catalog-enricher/internal/model"
)

// NormalizeText reduces a display string to a comparison key: NFKC, case
// folded, with everything except letters and digits removed. "Amazing
// Spider-Man #1" and "amazing spiderman 1" share a key.
func NormalizeText(s string) string {
	// Casers are stateful; one per call keeps this safe across goroutines.
	s = cases.Fold().String(norm.NFKC.String(s))
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Key returns the comparison key of v for field f. Creators compare as an
// unordered set.
func Key(f model.Field, v string) string {
	switch {
	case f.Numeric():
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return strconv.FormatInt(n, 10)
		}
		return NormalizeText(v)
	case f == model.FieldCreators:
		parts := strings.Split(v, ",")
		keys := make([]string, 0, len(parts))
		for _, p := range parts {
			if k := NormalizeText(p); k != "" {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		return strings.Join(keys, ",")
	case f == model.FieldCoverImageURL:
		return strings.TrimSpace(v)
	default:
		return NormalizeText(v)
	}
}

// Agree reports whether two values are the same for field f. Numeric values
// agree within a relative tolerance of the larger magnitude.
func Agree(f model.Field, a, b string, tolerance float64) bool {
	if f.Numeric() && tolerance > 0 {
		x, errA := strconv.ParseInt(strings.TrimSpace(a), 10, 64)
		y, errB := strconv.ParseInt(strings.TrimSpace(b), 10, 64)
		if errA == nil && errB == nil {
			if x == y {
				return true
			}
			larger := math.Max(math.Abs(float64(x)), math.Abs(float64(y)))
			return math.Abs(float64(x-y)) <= tolerance*larger
		}
	}
	return Key(f, a) == Key(f, b)
}

var issueNumberRe = regexp.MustCompile(`^-?\d+(?:\.\d+)?[A-Za-z]{0,4}$|^[½¼]$`)

// Check applies the sanity bounds to a candidate value. It returns a
// non-empty description when the value must be dropped.
func (b Bounds) Check(f model.Field, v string, now time.Time) string {
	switch f {
	case model.FieldReleaseYear:
		y, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return "release year is not a number"
		}
		if y < b.MinYear || y > b.maxYear(now) {
			return "release year " + v + " outside [" + strconv.Itoa(b.MinYear) + ", " + strconv.Itoa(b.maxYear(now)) + "]"
		}
	case model.FieldPriceCents:
		p, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return "price is not an integer"
		}
		if p < 0 || p > b.MaxPriceCents {
			return "price " + v + " outside [0, " + strconv.FormatInt(b.MaxPriceCents, 10) + "]"
		}
	case model.FieldIssueNumber:
		if !issueNumberRe.MatchString(strings.TrimSpace(v)) {
			return "issue number " + strconv.Quote(v) + " has an unexpected format"
		}
	case model.FieldCoverImageURL:
		u, err := url.Parse(strings.TrimSpace(v))
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return "cover image url " + strconv.Quote(v) + " is not http(s)"
		}
	}
	return ""
}
