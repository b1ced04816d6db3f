package merge

import (
	"strconv"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"github.com/sells-group/catalog-enricher/internal/model"
	"github.com/sells-group/catalog-enricher/internal/source"
)

// Match weights. Factors missing on either side are left out and the rest
// are rescaled, but a title is always required.
const (
	weightTitle     = 0.45
	weightIssue     = 0.25
	weightYear      = 0.15
	weightPublisher = 0.15
)

// Matcher scores search results against a catalog entity to decide whether
// a source record describes it.
type Matcher struct {
	threshold float64
	priority  []model.SourceID
}

// NewMatcher creates a matcher using the rules' threshold and priority.
func NewMatcher(rules Rules) *Matcher {
	t := rules.MatchThreshold
	if t <= 0 {
		t = 0.75
	}
	return &Matcher{threshold: t, priority: rules.SourcePriority}
}

// Match is a scored candidate record.
type Match struct {
	Canonical source.Canonical
	Score     float64
}

// Accepted reports whether the match may be linked without review.
func (m *Matcher) Accepted(score float64) bool {
	return score >= m.threshold
}

// Threshold returns the auto-link threshold.
func (m *Matcher) Threshold() float64 { return m.threshold }

// Score returns a weighted similarity in [0,1].
func (m *Matcher) Score(e *model.Entity, c source.Canonical) float64 {
	titleSim := Similarity(e.Value(model.FieldTitle), c.Values[model.FieldTitle])
	if s := Similarity(e.Value(model.FieldSeries), c.Values[model.FieldSeries]); s > titleSim {
		titleSim = s
	}
	if e.Value(model.FieldTitle) == "" && e.Value(model.FieldSeries) == "" {
		return 0
	}

	total := weightTitle
	score := weightTitle * titleSim

	if a, b := e.Value(model.FieldIssueNumber), c.Values[model.FieldIssueNumber]; a != "" && b != "" {
		total += weightIssue
		if NormalizeText(a) == NormalizeText(b) {
			score += weightIssue
		}
	}
	if a, b := e.Value(model.FieldReleaseYear), c.Values[model.FieldReleaseYear]; a != "" && b != "" {
		total += weightYear
		score += weightYear * yearSimilarity(a, b)
	}
	if a, b := e.Value(model.FieldPublisher), c.Values[model.FieldPublisher]; a != "" && b != "" {
		total += weightPublisher
		score += weightPublisher * Similarity(a, b)
	}
	return score / total
}

// Best returns the highest scoring record. Equal scores go to the
// higher-priority source, then to the earlier record.
func (m *Matcher) Best(e *model.Entity, results []source.Canonical) (Match, bool) {
	pos := make(map[model.SourceID]int, len(m.priority))
	for i, s := range m.priority {
		pos[s] = i
	}
	rankOf := func(s model.SourceID) int {
		if p, ok := pos[s]; ok {
			return p
		}
		return len(m.priority)
	}

	var best Match
	found := false
	for _, c := range results {
		s := m.Score(e, c)
		switch {
		case !found, s > best.Score:
			best, found = Match{Canonical: c, Score: s}, true
		case s == best.Score && rankOf(c.Source) < rankOf(best.Canonical.Source):
			best = Match{Canonical: c, Score: s}
		}
	}
	return best, found
}

// Similarity is 1 minus the normalized Levenshtein distance of the
// comparison keys. Empty input on either side scores 0.
func Similarity(a, b string) float64 {
	ka, kb := NormalizeText(a), NormalizeText(b)
	if ka == "" || kb == "" {
		return 0
	}
	if ka == kb {
		return 1
	}
	longest := utf8.RuneCountInString(ka)
	if n := utf8.RuneCountInString(kb); n > longest {
		longest = n
	}
	d := levenshtein.ComputeDistance(ka, kb)
	return 1 - float64(d)/float64(longest)
}

func yearSimilarity(a, b string) float64 {
	x, errA := strconv.Atoi(a)
	y, errB := strconv.Atoi(b)
	if errA != nil || errB != nil {
		return 0
	}
	switch d := x - y; {
	case d == 0:
		return 1
	case d == 1 || d == -1:
		return 0.5
	default:
		return 0
	}
}
