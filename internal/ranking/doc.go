// Package ranking provides feature extraction helpers that turn raw
// candidate signals into the [0, 1] features consumed by the ranker.
//
// Basic Usage:
//
//	schema, err := ranking.LoadSchema("configs/features.json")
//	if err != nil {
//		log.Warn("using default feature schema", "error", err)
//	}
//
//	features := schema.Vector(map[string]float64{
//		ranking.FeatureMatch:     ranking.TextWeight(c.MatchScore, best),
//		ranking.FeatureProximity: ranking.ProximityWeight(c.DirDistance),
//		ranking.FeatureRecency:   ranking.RecencyWeight(c.LastUsed, 72*time.Hour),
//		ranking.FeatureFrecency:  ranking.FrecencyWeight(c.Frecency),
//		ranking.FeatureTrigram:   ranking.TrigramSimilarity(query, c.Name),
//		ranking.FeatureNotHidden: ranking.BoolWeight(!c.Hidden),
//	})
//	score, err := engine.Score(features)
//
// Normalizers:
//
// Every normalizer returns a value in [0, 1]. Schema.Vector clamps again, so
// callers may pass raw values for features that are already bounded.
//
// Schema evolution:
//
// Features are only appended. When a ranker is configured with a wider schema
// than its persisted state, the ranker grows its first layer and backfills
// recorded history with the new fields' defaults.
package ranking
