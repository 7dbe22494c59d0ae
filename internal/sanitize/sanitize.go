// Package sanitize canonicalizes raw extracted answers into typed values.
//
// Every value extracted from a patient message passes through this stage
// before reaching the rule engine, so downstream code only ever sees float64,
// bool, or a closed string enum. Values that cannot be coerced are dropped,
// which the caller surfaces as a clarification request rather than a guess.
package sanitize

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/vigia-med/postop/internal/models"
)

// fieldKind classifies how a field's raw value is coerced.
type fieldKind int

const (
	kindScore fieldKind = iota // 0-10 pain scale
	kindTemperature
	kindHours
	kindBool
	kindBleeding
	kindDischarge
	kindStool
)

var fieldKinds = map[string]fieldKind{
	models.FieldPainAtRest:        kindScore,
	models.FieldPainBowelMovement: kindScore,
	models.FieldTemperature:       kindTemperature,
	models.FieldHoursNoUrination:  kindHours,
	models.FieldFever:             kindBool,
	models.FieldBowelMovement:     kindBool,
	models.FieldUrinationNormal:   kindBool,
	models.FieldMedicationTaken:   kindBool,
	models.FieldExtraMedication:   kindBool,
	models.FieldBleeding:          kindBleeding,
	models.FieldWoundDischarge:    kindDischarge,
	models.FieldStoolConsistency:  kindStool,
}

var wordNumbers = map[string]float64{
	"zero": 0, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
}

var affirmatives = map[string]bool{
	"yes": true, "yeah": true, "yep": true, "y": true, "true": true, "sure": true,
}

var negatives = map[string]bool{
	"no": true, "nope": true, "n": true, "false": true, "none": true,
}

var bleedingLevels = map[string]string{
	"none": "none", "no": "none", "nothing": "none",
	"light": "light", "mild": "light", "slight": "light", "spotting": "light",
	"moderate": "moderate", "some": "moderate", "medium": "moderate",
	"severe": "severe", "heavy": "severe", "intense": "severe",
}

var dischargeLevels = map[string]string{
	"none": "none", "no": "none",
	"serous": "serous", "clear": "serous",
	"bloody":   "bloody",
	"purulent": "purulent", "pus": "purulent", "yellow": "purulent",
	"abundant": "abundant", "heavy": "abundant",
}

var stoolTypes = map[string]string{
	"normal": "normal", "regular": "normal",
	"hard": "hard", "dry": "hard",
	"soft":   "soft",
	"liquid": "liquid", "watery": "liquid", "diarrhea": "liquid",
}

// Canonicalize coerces a raw extracted value for the given field into its
// canonical type. The second return value is false when the value could not
// be coerced; such values must be dropped, never guessed at.
func Canonicalize(field string, raw any) (any, bool) {
	kind, known := fieldKinds[field]
	if !known {
		// Unknown fields pass through as trimmed strings so the model can
		// record free-text context without polluting typed answers.
		if s, ok := raw.(string); ok {
			s = strings.TrimSpace(s)
			return s, s != ""
		}
		return nil, false
	}

	switch kind {
	case kindScore:
		v, ok := toNumber(raw)
		if !ok || v < 0 || v > 10 {
			return nil, false
		}
		return v, true
	case kindTemperature:
		v, ok := toNumber(raw)
		// Plausible body temperature range in Celsius.
		if !ok || v < 30 || v > 45 {
			return nil, false
		}
		return v, true
	case kindHours:
		v, ok := toNumber(raw)
		if !ok || v < 0 || v > 72 {
			return nil, false
		}
		return v, true
	case kindBool:
		return toBool(raw)
	case kindBleeding:
		return toEnum(raw, bleedingLevels)
	case kindDischarge:
		return toEnum(raw, dischargeLevels)
	case kindStool:
		return toEnum(raw, stoolTypes)
	}
	return nil, false
}

// Apply canonicalizes every entry of a raw extraction map into dst, returning
// the list of fields that were dropped as uncoercible.
func Apply(dst models.AnswerSet, raw map[string]any) []string {
	var dropped []string
	for field, value := range raw {
		if value == nil {
			continue
		}
		canonical, ok := Canonicalize(field, value)
		if !ok {
			slog.Debug("sanitize.Apply: dropping uncoercible value", "field", field, "value", value)
			dropped = append(dropped, field)
			continue
		}
		dst[field] = canonical
	}
	return dropped
}

func toNumber(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		s := strings.ToLower(strings.TrimSpace(v))
		if s == "" {
			return 0, false
		}
		if n, ok := wordNumbers[s]; ok {
			return n, true
		}
		// Tolerate decimal commas and trailing units ("38,5", "38.5C", "8/10").
		s = strings.ReplaceAll(s, ",", ".")
		s = strings.TrimRight(s, "c°ch ")
		if idx := strings.Index(s, "/"); idx > 0 {
			s = s[:idx]
		}
		n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func toBool(raw any) (any, bool) {
	switch v := raw.(type) {
	case bool:
		return v, true
	case string:
		s := strings.ToLower(strings.TrimSpace(v))
		if affirmatives[s] {
			return true, true
		}
		if negatives[s] {
			return false, true
		}
	}
	return nil, false
}

func toEnum(raw any, table map[string]string) (any, bool) {
	s, ok := raw.(string)
	if !ok {
		return nil, false
	}
	if canonical, found := table[strings.ToLower(strings.TrimSpace(s))]; found {
		return canonical, true
	}
	return nil, false
}
