// Package merge reconciles field values reported by several sources into one
// accepted value per field, routing disagreements and suspicious values to
// the quarantine.
package merge

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/catalog-enricher/internal/config"
	"github.com/sells-group/catalog-enricher/internal/model"
)

// Rules drive conflict resolution.
type Rules struct {
	SourcePriority      []model.SourceID          `yaml:"source_priority"`
	ConfidenceThreshold float64                   `yaml:"confidence_threshold"`
	PriceTolerance      float64                   `yaml:"price_tolerance"`
	MatchThreshold      float64                   `yaml:"match_threshold"`
	Bounds              Bounds                    `yaml:"bounds"`
	Fields              map[model.Field]FieldRule `yaml:"fields"`
}

// FieldRule overrides the global rules for one field. Zero values inherit.
type FieldRule struct {
	SourcePriority      []model.SourceID `yaml:"source_priority"`
	ConfidenceThreshold float64          `yaml:"confidence_threshold"`
	Tolerance           float64          `yaml:"tolerance"`
}

// Bounds are the sanity limits applied before merging.
type Bounds struct {
	MinYear int `yaml:"min_year"`
	// MaxYearAhead is how far past the current year a release may be dated.
	MaxYearAhead  int   `yaml:"max_year_ahead"`
	MaxPriceCents int64 `yaml:"max_price_cents"`
}

// DefaultBounds returns the built-in sanity limits.
func DefaultBounds() Bounds {
	return Bounds{MinYear: 1900, MaxYearAhead: 2, MaxPriceCents: 10_000_000}
}

// RulesFromConfig builds rules from the merge config section.
func RulesFromConfig(mc config.MergeConfig) Rules {
	r := Rules{
		ConfidenceThreshold: mc.ConfidenceThreshold,
		PriceTolerance:      mc.PriceTolerance,
		MatchThreshold:      mc.MatchThreshold,
		Bounds:              DefaultBounds(),
	}
	for _, s := range mc.SourcePriority {
		r.SourcePriority = append(r.SourcePriority, model.SourceID(s))
	}
	return r
}

// LoadRules reads a rules file and layers it over base. The file has a
// top-level "merge" key; anything it leaves unset keeps the base value.
func LoadRules(path string, base Rules) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, eris.Wrapf(err, "merge: read rules %s", path)
	}

	var wrapper struct {
		Merge Rules `yaml:"merge"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return base, eris.Wrap(err, "merge: parse rules")
	}
	file := wrapper.Merge

	out := base
	if len(file.SourcePriority) > 0 {
		out.SourcePriority = file.SourcePriority
	}
	if file.ConfidenceThreshold > 0 {
		out.ConfidenceThreshold = file.ConfidenceThreshold
	}
	if file.PriceTolerance > 0 {
		out.PriceTolerance = file.PriceTolerance
	}
	if file.MatchThreshold > 0 {
		out.MatchThreshold = file.MatchThreshold
	}
	if file.Bounds.MinYear > 0 {
		out.Bounds.MinYear = file.Bounds.MinYear
	}
	if file.Bounds.MaxYearAhead > 0 {
		out.Bounds.MaxYearAhead = file.Bounds.MaxYearAhead
	}
	if file.Bounds.MaxPriceCents > 0 {
		out.Bounds.MaxPriceCents = file.Bounds.MaxPriceCents
	}
	if len(file.Fields) > 0 {
		out.Fields = make(map[model.Field]FieldRule, len(file.Fields))
		for f, fr := range file.Fields {
			out.Fields[f] = fr
		}
	}
	if err := out.Validate(); err != nil {
		return base, err
	}
	return out, nil
}

// Validate rejects unknown sources and out-of-range thresholds.
func (r Rules) Validate() error {
	check := func(list []model.SourceID, where string) error {
		for _, s := range list {
			if !s.Valid() {
				return eris.Errorf("merge: %s: unknown source %q", where, s)
			}
		}
		return nil
	}
	if err := check(r.SourcePriority, "source_priority"); err != nil {
		return err
	}
	for f, fr := range r.Fields {
		if err := check(fr.SourcePriority, "fields."+string(f)+".source_priority"); err != nil {
			return err
		}
		if fr.ConfidenceThreshold < 0 || fr.ConfidenceThreshold > 1 {
			return eris.Errorf("merge: fields.%s.confidence_threshold must be within [0,1]", f)
		}
	}
	if r.ConfidenceThreshold < 0 || r.ConfidenceThreshold > 1 {
		return eris.New("merge: confidence_threshold must be within [0,1]")
	}
	if r.PriceTolerance < 0 {
		return eris.New("merge: price_tolerance must be non-negative")
	}
	return nil
}

// field returns the effective rule for f.
func (r Rules) field(f model.Field) FieldRule {
	fr := r.Fields[f]
	if len(fr.SourcePriority) == 0 {
		fr.SourcePriority = r.SourcePriority
	}
	if fr.ConfidenceThreshold == 0 {
		fr.ConfidenceThreshold = r.ConfidenceThreshold
	}
	if fr.Tolerance == 0 && f == model.FieldPriceCents {
		fr.Tolerance = r.PriceTolerance
	}
	return fr
}

// maxYear is the latest plausible release year at now.
func (b Bounds) maxYear(now time.Time) int {
	return now.UTC().Year() + b.MaxYearAhead
}
