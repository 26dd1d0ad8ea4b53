package ranking

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
)

// ErrInvalidSchema is returned when a schema has no fields, duplicate names
// or defaults outside [0, 1].
var ErrInvalidSchema = errors.New("invalid feature schema")

// Feature names of the default schema, in vector order.
const (
	FeatureMatch           = "match"
	FeatureVirtualName     = "virtual_name"
	FeatureOpenBuffer      = "open_buffer"
	FeatureAlternateBuffer = "alternate_buffer"
	FeatureProximity       = "proximity"
	FeatureProject         = "project"
	FeatureFrecency        = "frecency"
	FeatureRecency         = "recency"
	FeatureTrigram         = "trigram"
	FeatureTransition      = "transition"
	FeatureNotHidden       = "not_hidden"
)

// DefaultSchemaVersion is the version of DefaultSchema.
const DefaultSchemaVersion = "2"

// Field is one named feature and the value used when it is missing.
type Field struct {
	Name    string  `json:"name"`
	Default float64 `json:"default"` // Used for absent values and history backfill
}

// Schema is the ordered list of features a ranker consumes. New features are
// only ever appended, so a vector built for an older schema is a prefix of one
// built for a newer schema.
type Schema struct {
	Version string  `json:"version"`
	Fields  []Field `json:"fields"`
}

// DefaultSchema returns the built-in 11-feature schema.
//
// not_hidden defaults to 1 so histories recorded before it existed are
// treated as visible candidates.
func DefaultSchema() *Schema {
	return &Schema{
		Version: DefaultSchemaVersion,
		Fields: []Field{
			{Name: FeatureMatch},
			{Name: FeatureVirtualName},
			{Name: FeatureOpenBuffer},
			{Name: FeatureAlternateBuffer},
			{Name: FeatureProximity},
			{Name: FeatureProject},
			{Name: FeatureFrecency},
			{Name: FeatureRecency},
			{Name: FeatureTrigram},
			{Name: FeatureTransition},
			{Name: FeatureNotHidden, Default: 1},
		},
	}
}

// Width returns the number of features.
func (s *Schema) Width() int { return len(s.Fields) }

// Names returns the feature names in vector order.
func (s *Schema) Names() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Index returns the position of name in the vector.
func (s *Schema) Index(name string) (int, bool) {
	for i, f := range s.Fields {
		if f.Name == name {
			return i, true
		}
	}
	return -1, false
}

// Defaults returns the default value of every feature in vector order.
func (s *Schema) Defaults() []float64 {
	out := make([]float64, len(s.Fields))
	for i, f := range s.Fields {
		out[i] = f.Default
	}
	return out
}

// Vector builds a feature vector from named values. Missing features take
// their default; every value is clamped to [0, 1]. Unknown names are ignored.
func (s *Schema) Vector(values map[string]float64) []float64 {
	out := make([]float64, len(s.Fields))
	for i, f := range s.Fields {
		v, ok := values[f.Name]
		if !ok {
			v = f.Default
		}
		out[i] = Clamp01(v)
	}
	return out
}

// Validate reports whether the schema is usable.
func (s *Schema) Validate() error {
	if s == nil || len(s.Fields) == 0 {
		return fmt.Errorf("%w: no fields", ErrInvalidSchema)
	}
	seen := make(map[string]bool, len(s.Fields))
	for i, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("%w: field %d has no name", ErrInvalidSchema, i)
		}
		if seen[f.Name] {
			return fmt.Errorf("%w: duplicate field %q", ErrInvalidSchema, f.Name)
		}
		seen[f.Name] = true
		if f.Default < 0 || f.Default > 1 {
			return fmt.Errorf("%w: default of %q is %v, want [0, 1]", ErrInvalidSchema, f.Name, f.Default)
		}
	}
	return nil
}

// Extends reports whether s starts with every field of old, in order.
func (s *Schema) Extends(old *Schema) bool {
	if old == nil {
		return true
	}
	if len(old.Fields) > len(s.Fields) {
		return false
	}
	for i, f := range old.Fields {
		if s.Fields[i].Name != f.Name {
			return false
		}
	}
	return true
}

// LoadSchema loads a feature schema from a JSON file.
// If the file doesn't exist or can't be parsed, returns the default schema
// with an error. Fields present in the default schema take the file's
// default; unknown fields are appended in file order.
func LoadSchema(filePath string) (*Schema, error) {
	if filePath == "" {
		return DefaultSchema(), nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		slog.Warn("failed to read feature schema, using defaults",
			"path", filePath,
			"error", err)
		return DefaultSchema(), fmt.Errorf("failed to read feature schema: %w", err)
	}

	var override Schema
	if err := json.Unmarshal(data, &override); err != nil {
		slog.Warn("failed to parse feature schema, using defaults",
			"path", filePath,
			"error", err)
		return DefaultSchema(), fmt.Errorf("failed to parse feature schema: %w", err)
	}

	defaults := DefaultSchema()
	merged := MergeSchema(defaults, &override)
	if err := merged.Validate(); err != nil {
		slog.Warn("feature schema is invalid, using defaults",
			"path", filePath,
			"error", err)
		return defaults, err
	}
	logSchemaOverrides(defaults, merged)

	return merged, nil
}

// MergeSchema merges override into a copy of base.
func MergeSchema(base, override *Schema) *Schema {
	if base == nil {
		base = DefaultSchema()
	}
	result := &Schema{
		Version: base.Version,
		Fields:  append([]Field(nil), base.Fields...),
	}
	if override == nil {
		return result
	}
	if override.Version != "" {
		result.Version = override.Version
	}
	for _, f := range override.Fields {
		if i, ok := result.Index(f.Name); ok {
			result.Fields[i].Default = f.Default
			continue
		}
		result.Fields = append(result.Fields, f)
	}
	return result
}

func logSchemaOverrides(defaults, loaded *Schema) {
	var overrides []string

	for i, f := range loaded.Fields {
		if i >= len(defaults.Fields) {
			overrides = append(overrides, fmt.Sprintf("+%s (default %.2f)", f.Name, f.Default))
			continue
		}
		if d := defaults.Fields[i].Default; f.Default != d {
			overrides = append(overrides, fmt.Sprintf("%s: %.2f -> %.2f", f.Name, d, f.Default))
		}
	}

	if len(overrides) > 0 {
		slog.Info("loaded feature schema with overrides",
			"version", loaded.Version,
			"width", loaded.Width(),
			"overrides", overrides)
	} else {
		slog.Info("loaded feature schema with defaults",
			"version", loaded.Version)
	}
}
