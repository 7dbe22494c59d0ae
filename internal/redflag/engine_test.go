package redflag

import (
	"testing"

	"github.com/vigia-med/postop/internal/models"
)

// baseAnswers returns a fully answered, unremarkable day-1 check-in.
func baseAnswers() models.AnswerSet {
	return models.AnswerSet{
		models.FieldPainAtRest:      float64(2),
		models.FieldBleeding:        "none",
		models.FieldFever:           false,
		models.FieldBowelMovement:   true,
		models.FieldUrinationNormal: true,
		models.FieldMedicationTaken: true,
		models.FieldExtraMedication: false,
	}
}

func hasFlag(flags []models.RedFlag, code string) bool {
	for _, f := range flags {
		if f.Code == code {
			return true
		}
	}
	return false
}

func TestEvaluateAllClear(t *testing.T) {
	engine := NewEngine(DefaultPolicy())
	eval := engine.Evaluate(baseAnswers(), 1)
	if eval.Level != models.RiskLow {
		t.Errorf("expected low risk, got %s", eval.Level)
	}
	if len(eval.Flags) != 0 {
		t.Errorf("expected no flags, got %v", eval.Flags)
	}
	if len(eval.NeedsClarification) != 0 {
		t.Errorf("expected no clarifications, got %v", eval.NeedsClarification)
	}
}

func TestEvaluateFeverThresholds(t *testing.T) {
	engine := NewEngine(DefaultPolicy())
	cases := []struct {
		temp     float64
		wantCode string
		wantLvl  models.RiskLevel
	}{
		{37.5, "", models.RiskLow},
		{38.0, CodeFeverHigh, models.RiskHigh},
		{38.9, CodeFeverHigh, models.RiskHigh},
		{39.0, CodeFeverCritical, models.RiskCritical},
		{40.2, CodeFeverCritical, models.RiskCritical},
	}
	for _, c := range cases {
		answers := baseAnswers()
		answers[models.FieldFever] = true
		answers[models.FieldTemperature] = c.temp
		eval := engine.Evaluate(answers, 1)
		if eval.Level != c.wantLvl {
			t.Errorf("temp %.1f: level = %s, want %s", c.temp, eval.Level, c.wantLvl)
		}
		if c.wantCode != "" && !hasFlag(eval.Flags, c.wantCode) {
			t.Errorf("temp %.1f: missing flag %s", c.temp, c.wantCode)
		}
	}
}

func TestEvaluateFeverWithoutTemperature(t *testing.T) {
	engine := NewEngine(DefaultPolicy())
	answers := baseAnswers()
	answers[models.FieldFever] = true
	eval := engine.Evaluate(answers, 1)
	if !hasFlag(eval.Flags, CodeFeverUnmeasured) {
		t.Error("expected fever_unmeasured flag")
	}
	if eval.Level != models.RiskHigh {
		t.Errorf("expected high risk, got %s", eval.Level)
	}
	if !containsField(eval.NeedsClarification, models.FieldTemperature) {
		t.Error("expected temperature clarification request")
	}
}

func TestEvaluateBleeding(t *testing.T) {
	engine := NewEngine(DefaultPolicy())

	answers := baseAnswers()
	answers[models.FieldBleeding] = "severe"
	eval := engine.Evaluate(answers, 1)
	if eval.Level != models.RiskCritical || !hasFlag(eval.Flags, CodeBleedingSevere) {
		t.Errorf("severe bleeding: level = %s, flags = %v", eval.Level, eval.Flags)
	}

	// Moderate bleeding is acceptable early on.
	answers[models.FieldBleeding] = "moderate"
	eval = engine.Evaluate(answers, 2)
	if hasFlag(eval.Flags, CodeBleedingModerate) {
		t.Error("moderate bleeding on day 2 should not flag")
	}

	// Past day 3 it is not.
	eval = engine.Evaluate(answers, 5)
	if eval.Level != models.RiskHigh || !hasFlag(eval.Flags, CodeBleedingModerate) {
		t.Errorf("moderate bleeding on day 5: level = %s, flags = %v", eval.Level, eval.Flags)
	}
}

func TestEvaluatePainThresholds(t *testing.T) {
	engine := NewEngine(DefaultPolicy())
	cases := []struct {
		pain    float64
		wantLvl models.RiskLevel
	}{
		{7, models.RiskLow},
		{8, models.RiskLow},
		{8.5, models.RiskHigh},
		{9, models.RiskHigh},
		{10, models.RiskHigh},
	}
	for _, c := range cases {
		answers := baseAnswers()
		answers[models.FieldPainAtRest] = c.pain
		eval := engine.Evaluate(answers, 1)
		if eval.Level != c.wantLvl {
			t.Errorf("pain %.1f: level = %s, want %s", c.pain, eval.Level, c.wantLvl)
		}
	}
}

func TestEvaluateSeverePainFlagCode(t *testing.T) {
	engine := NewEngine(DefaultPolicy())
	answers := baseAnswers()
	answers[models.FieldPainAtRest] = float64(9)
	eval := engine.Evaluate(answers, 1)
	if !hasFlag(eval.Flags, CodePainSevere) {
		t.Error("expected pain_severe flag")
	}
	// Severe pain alone never drives critical.
	if eval.Level != models.RiskHigh {
		t.Errorf("level = %s, want high", eval.Level)
	}
}

func TestEvaluateUrinaryRetention(t *testing.T) {
	engine := NewEngine(DefaultPolicy())
	cases := []struct {
		hours   float64
		wantLvl models.RiskLevel
	}{
		{4, models.RiskLow},
		{6, models.RiskHigh},
		{12, models.RiskHigh},
		{13, models.RiskCritical},
	}
	for _, c := range cases {
		answers := baseAnswers()
		answers[models.FieldUrinationNormal] = false
		answers[models.FieldHoursNoUrination] = c.hours
		eval := engine.Evaluate(answers, 1)
		if eval.Level != c.wantLvl {
			t.Errorf("retention %.0fh: level = %s, want %s", c.hours, eval.Level, c.wantLvl)
		}
	}
}

func TestEvaluateNoBowelMovement(t *testing.T) {
	engine := NewEngine(DefaultPolicy())
	answers := baseAnswers()
	answers[models.FieldBowelMovement] = false

	eval := engine.Evaluate(answers, 2)
	if hasFlag(eval.Flags, CodeNoBowelMovement) {
		t.Error("no bowel movement on day 2 should not flag")
	}

	eval = engine.Evaluate(answers, 3)
	if eval.Level != models.RiskMedium || !hasFlag(eval.Flags, CodeNoBowelMovement) {
		t.Errorf("no bowel movement on day 3: level = %s, flags = %v", eval.Level, eval.Flags)
	}
}

func TestEvaluateWoundDischarge(t *testing.T) {
	engine := NewEngine(DefaultPolicy())
	answers := baseAnswers()
	answers[models.FieldWoundDischarge] = "purulent"
	eval := engine.Evaluate(answers, 5)
	if eval.Level != models.RiskHigh || !hasFlag(eval.Flags, CodeWoundDischarge) {
		t.Errorf("purulent discharge: level = %s, flags = %v", eval.Level, eval.Flags)
	}

	answers[models.FieldWoundDischarge] = "serous"
	eval = engine.Evaluate(answers, 5)
	if hasFlag(eval.Flags, CodeWoundDischarge) {
		t.Error("serous discharge should not flag")
	}
}

func TestEvaluateTwoHighFlagsEscalateToCritical(t *testing.T) {
	engine := NewEngine(DefaultPolicy())
	answers := baseAnswers()
	answers[models.FieldFever] = true
	answers[models.FieldTemperature] = 38.2
	answers[models.FieldBleeding] = "moderate"
	eval := engine.Evaluate(answers, 5)
	if eval.Level != models.RiskCritical {
		t.Errorf("two high flags: level = %s, want critical", eval.Level)
	}
}

func TestComboRuleEscalatesOneStep(t *testing.T) {
	engine := NewEngine(DefaultPolicy())
	answers := baseAnswers()
	answers[models.FieldPainAtRest] = float64(7)
	answers[models.FieldExtraMedication] = true

	eval := engine.Evaluate(answers, 1)
	if eval.Level != models.RiskMedium {
		t.Errorf("combo from low: level = %s, want medium", eval.Level)
	}
	if !hasFlag(eval.Flags, CodePainWithExtraMeds) {
		t.Error("expected combo flag")
	}
}

func TestComboRuleCapsAtHigh(t *testing.T) {
	engine := NewEngine(DefaultPolicy())

	// Already high from another rule: combo must not push to critical.
	answers := baseAnswers()
	answers[models.FieldPainAtRest] = float64(7)
	answers[models.FieldExtraMedication] = true
	answers[models.FieldFever] = true
	answers[models.FieldTemperature] = 38.5
	eval := engine.Evaluate(answers, 1)
	if eval.Level != models.RiskHigh {
		t.Errorf("combo at high: level = %s, want high (capped)", eval.Level)
	}
}

func TestComboRuleDoesNotLowerCritical(t *testing.T) {
	engine := NewEngine(DefaultPolicy())
	answers := baseAnswers()
	answers[models.FieldFever] = true
	answers[models.FieldTemperature] = 39.5
	answers[models.FieldPainAtRest] = float64(9)
	answers[models.FieldExtraMedication] = true
	eval := engine.Evaluate(answers, 1)
	if eval.Level != models.RiskCritical {
		t.Errorf("critical fever with combo inputs: level = %s, want critical", eval.Level)
	}
	if hasFlag(eval.Flags, CodePainWithExtraMeds) {
		t.Error("combo flag should not fire when it cannot change the level")
	}
}

func TestSeverePainWithExtraMedsStaysHigh(t *testing.T) {
	engine := NewEngine(DefaultPolicy())
	answers := baseAnswers()
	answers[models.FieldPainAtRest] = float64(9)
	answers[models.FieldExtraMedication] = true
	eval := engine.Evaluate(answers, 1)
	if eval.Level != models.RiskHigh {
		t.Errorf("severe pain with extra meds: level = %s, want high", eval.Level)
	}
	if !hasFlag(eval.Flags, CodePainSevere) {
		t.Error("expected pain_severe flag")
	}
	if hasFlag(eval.Flags, CodePainWithExtraMeds) {
		t.Error("combo flag should not fire when the level is already at the ceiling")
	}
}

func TestEvaluateMissingFieldsNeverError(t *testing.T) {
	engine := NewEngine(DefaultPolicy())
	eval := engine.Evaluate(models.AnswerSet{}, 1)
	if eval.Level != models.RiskLow {
		t.Errorf("empty answers: level = %s, want low", eval.Level)
	}
	if len(eval.NeedsClarification) == 0 {
		t.Error("empty answers should request clarification")
	}
}

func TestEvaluateUncoercedValueTreatedAsMissing(t *testing.T) {
	engine := NewEngine(DefaultPolicy())
	answers := baseAnswers()
	// A pain answer that never made it through sanitization.
	delete(answers, models.FieldPainAtRest)
	eval := engine.Evaluate(answers, 1)
	if !containsField(eval.NeedsClarification, models.FieldPainAtRest) {
		t.Error("expected pain clarification request")
	}
	if eval.Level != models.RiskLow {
		t.Errorf("level = %s, want low", eval.Level)
	}
}

func containsField(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
