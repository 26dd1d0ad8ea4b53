package ranking

import "time"

// DefaultRecencyWindow is the age at which the recency feature reaches 0.
const DefaultRecencyWindow = 72 * time.Hour

// Signals are the raw ranking signals of one candidate, before
// normalization. Nil pointers and zero scores leave the feature to its
// schema default.
type Signals struct {
	// Name is compared against the query by trigram similarity.
	Name string `json:"name,omitempty"`
	// MatchScore is the fuzzy matcher's raw score, normalized against the
	// best score in the candidate set.
	MatchScore  float64    `json:"match_score,omitempty"`
	DirDistance *int       `json:"dir_distance,omitempty"`
	LastUsed    *time.Time `json:"last_used,omitempty"`
	Frecency    float64    `json:"frecency,omitempty"`
	Hidden      *bool      `json:"hidden,omitempty"`
}

// Extractor normalizes the Signals of one candidate set.
type Extractor struct {
	Query         string
	BestMatch     float64
	RecencyWindow time.Duration
	// Now is the recency reference time. Zero means the wall clock.
	Now time.Time
}

// NewExtractor returns an Extractor for query whose match scores are
// normalized against the best of set. Nil entries are skipped.
func NewExtractor(query string, set []*Signals) *Extractor {
	e := &Extractor{Query: query, RecencyWindow: DefaultRecencyWindow}
	for _, s := range set {
		if s != nil && s.MatchScore > e.BestMatch {
			e.BestMatch = s.MatchScore
		}
	}
	return e
}

// Values returns the named features derived from s.
func (e *Extractor) Values(s *Signals) map[string]float64 {
	out := make(map[string]float64, 6)
	if s == nil {
		return out
	}
	if s.MatchScore > 0 {
		out[FeatureMatch] = TextWeight(s.MatchScore, e.BestMatch)
	}
	if s.DirDistance != nil {
		out[FeatureProximity] = ProximityWeight(*s.DirDistance)
	}
	if s.LastUsed != nil {
		if e.Now.IsZero() {
			out[FeatureRecency] = RecencyWeight(*s.LastUsed, e.RecencyWindow)
		} else {
			out[FeatureRecency] = RecencyWeightAt(*s.LastUsed, e.RecencyWindow, e.Now)
		}
	}
	if s.Frecency > 0 {
		out[FeatureFrecency] = FrecencyWeight(s.Frecency)
	}
	if e.Query != "" && s.Name != "" {
		out[FeatureTrigram] = TrigramSimilarity(e.Query, s.Name)
	}
	if s.Hidden != nil {
		out[FeatureNotHidden] = BoolWeight(!*s.Hidden)
	}
	return out
}
