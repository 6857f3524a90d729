// Package quality scores annotation results and manages the QA review workflow.
package quality

import (
	"encoding/json"
	"math"
	"sort"
	"strings"

	"github.com/raphaelgruber/annotator/internal/models"
)

// Neutral values used when the provider reports nothing.
const (
	DefaultConfidence  = 0.5
	DefaultConsistency = 0.7
)

const (
	weightDescription  = 0.30
	weightTags         = 0.20
	weightBusinessArea = 0.20
	weightPIIClass     = 0.15
	weightSchema       = 0.15
)

// validationKeys are the per-property keywords counted as validation rules.
var validationKeys = []string{"pattern", "format", "enum", "minimum", "maximum", "minLength", "maxLength", "min_length", "max_length"}

// Field is one schema field of an annotation.
type Field struct {
	Name            string
	Type            string
	Required        bool
	ValidationRules int
}

// Annotation is the structural view of a provider result.
type Annotation struct {
	Description  string
	Tags         []string
	BusinessArea string
	PIIClass     string
	Fields       []Field
	// Confidence is the provider-reported confidence, nil when absent.
	Confidence  *float64
	Consistency *float64
}

// ParseAnnotation reads an annotation payload. Keys may be snake_case or camelCase.
// A payload that is not a JSON object is treated as a plain description.
func ParseAnnotation(raw []byte) Annotation {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return Annotation{Description: strings.TrimSpace(s)}
		}
		return Annotation{Description: strings.TrimSpace(string(raw))}
	}

	a := Annotation{
		Description:  stringField(obj, "description", "summary"),
		Tags:         stringSlice(pick(obj, "tags", "labels")),
		BusinessArea: stringField(obj, "business_area", "businessArea"),
		PIIClass:     stringField(obj, "pii_classification", "piiClassification", "pii_class", "piiClass"),
		Confidence:   unitFloat(pick(obj, "confidence")),
		Consistency:  unitFloat(pick(obj, "consistency")),
	}
	if schema, ok := pick(obj, "schema").(map[string]any); ok {
		a.Fields = parseFields(schema)
	}
	return a
}

// parseFields accepts either {"fields":[{name,type,required,validation}]} or a
// JSON-schema style {"properties":{...},"required":[...]}.
func parseFields(schema map[string]any) []Field {
	var fields []Field

	if list, ok := schema["fields"].([]any); ok {
		for _, raw := range list {
			f, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			field := Field{
				Name: stringField(f, "name"),
				Type: stringField(f, "type"),
			}
			field.Required, _ = f["required"].(bool)
			switch rules := pick(f, "validation", "validation_rules", "validationRules", "rules").(type) {
			case []any:
				field.ValidationRules = len(rules)
			case map[string]any:
				field.ValidationRules = len(rules)
			case string:
				if rules != "" {
					field.ValidationRules = 1
				}
			}
			fields = append(fields, field)
		}
		return fields
	}

	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return nil
	}
	required := make(map[string]bool)
	for _, name := range stringSlice(schema["required"]) {
		required[name] = true
	}
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		field := Field{Name: name, Required: required[name]}
		if p, ok := props[name].(map[string]any); ok {
			field.Type = stringField(p, "type")
			for _, k := range validationKeys {
				if _, ok := p[k]; ok {
					field.ValidationRules++
				}
			}
		}
		fields = append(fields, field)
	}
	return fields
}

// CalculateQualityMetrics scores an annotation's structural completeness.
func CalculateQualityMetrics(a Annotation) models.QualityMetrics {
	m := models.QualityMetrics{
		HasDescription:  strings.TrimSpace(a.Description) != "",
		TagCount:        len(a.Tags),
		HasBusinessArea: strings.TrimSpace(a.BusinessArea) != "",
		HasPIIClass:     strings.TrimSpace(a.PIIClass) != "",
		FieldCount:      len(a.Fields),
	}
	m.HasSchema = m.FieldCount > 0
	for _, f := range a.Fields {
		if f.Required {
			m.RequiredFieldCount++
		}
		m.ValidationRuleCount += f.ValidationRules
	}

	m.Completeness = weightDescription*indicator(m.HasDescription) +
		weightTags*indicator(m.TagCount > 0) +
		weightBusinessArea*indicator(m.HasBusinessArea) +
		weightPIIClass*indicator(m.HasPIIClass) +
		weightSchema*indicator(m.HasSchema)
	m.OverallScore = int(math.Round(m.Completeness * 100))

	if a.Confidence != nil {
		m.Confidence = *a.Confidence
	} else {
		m.Confidence = DefaultConfidence
		m.ConfidenceDefaulted = true
	}
	if a.Consistency != nil {
		m.Consistency = *a.Consistency
	} else {
		m.Consistency = DefaultConsistency
		m.ConsistencyDefaulted = true
	}
	return m
}

func indicator(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// pick returns the first present key.
func pick(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func stringField(m map[string]any, keys ...string) string {
	s, _ := pick(m, keys...).(string)
	return s
}

func stringSlice(v any) []string {
	switch vv := v.(type) {
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		var out []string
		for _, part := range strings.Split(vv, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return nil
}

// unitFloat returns v as a float clamped to [0,1], or nil when v is not a number.
func unitFloat(v any) *float64 {
	f, ok := v.(float64)
	if !ok || math.IsNaN(f) {
		return nil
	}
	f = math.Max(0, math.Min(1, f))
	return &f
}
