// Package redflag implements the deterministic clinical rule engine.
//
// The engine is pure: given a sanitized answer set and a post-procedure day it
// produces warning flags and a risk level, with no I/O and no dependence on
// any reasoning model. Thresholds live in a Policy value so deployments can
// tune them without code changes.
package redflag

import (
	"fmt"

	"github.com/vigia-med/postop/internal/models"
)

// Flag codes produced by the default policy.
const (
	CodeFeverHigh          = "fever_high"
	CodeFeverCritical      = "fever_critical"
	CodeFeverUnmeasured    = "fever_unmeasured"
	CodeBleedingSevere     = "bleeding_severe"
	CodeBleedingModerate   = "bleeding_moderate_late"
	CodePainSevere         = "pain_severe"
	CodePainHigh           = "pain_high"
	CodeUrinaryRetention   = "urinary_retention"
	CodeNoBowelMovement    = "no_bowel_movement"
	CodeWoundDischarge     = "wound_discharge_abnormal"
	CodePainWithExtraMeds  = "pain_with_extra_medication"
	CodeNeedsClarification = "needs_clarification"
)

// Policy holds the tunable thresholds for the rule engine.
type Policy struct {
	// FeverHighC and FeverCriticalC are temperature thresholds in Celsius.
	FeverHighC     float64
	FeverCriticalC float64
	// PainSevereScore raises a high flag at or above it; PainHighScore raises
	// a high flag for scores above it. Severe pain on its own stays high:
	// critical is reserved for flags like fever, bleeding, and retention.
	PainSevereScore float64
	PainHighScore   float64
	// RetentionHighHours and RetentionCriticalHours bound urinary retention.
	RetentionHighHours     float64
	RetentionCriticalHours float64
	// BleedingModerateDay is the day from which moderate bleeding is abnormal.
	BleedingModerateDay int
	// NoBowelMovementDay is the day by which a bowel movement is expected.
	NoBowelMovementDay int
	// ComboPainScore is the pain threshold for the extra-medication
	// escalation rule. The rule raises the derived level by exactly one
	// step and never past ComboCeiling.
	ComboPainScore float64
	ComboCeiling   models.RiskLevel
}

// DefaultPolicy returns the standard post-procedure policy.
func DefaultPolicy() Policy {
	return Policy{
		FeverHighC:             38.0,
		FeverCriticalC:         39.0,
		PainSevereScore:        9,
		PainHighScore:          8,
		RetentionHighHours:     6,
		RetentionCriticalHours: 12,
		BleedingModerateDay:    3,
		NoBowelMovementDay:     3,
		ComboPainScore:         7,
		ComboCeiling:           models.RiskHigh,
	}
}

// Evaluation is the result of running the rule engine over an answer set.
type Evaluation struct {
	Flags []models.RedFlag
	Level models.RiskLevel
	// NeedsClarification lists fields whose values were missing or unusable.
	NeedsClarification []string
}

// Engine evaluates answer sets against a policy.
type Engine struct {
	policy Policy
}

// NewEngine creates a rule engine with the given policy.
func NewEngine(policy Policy) *Engine {
	return &Engine{policy: policy}
}

// Evaluate runs all rules over the answers for the given post-procedure day.
// It never fails: unusable or missing inputs lower confidence, not safety,
// so they surface as clarification requests while covered rules still run.
func (e *Engine) Evaluate(answers models.AnswerSet, dayOffset int) Evaluation {
	var eval Evaluation

	e.evalFever(answers, &eval)
	e.evalBleeding(answers, dayOffset, &eval)
	e.evalPain(answers, &eval)
	e.evalUrination(answers, &eval)
	e.evalBowelMovement(answers, dayOffset, &eval)
	e.evalWoundDischarge(answers, dayOffset, &eval)

	eval.Level = deriveLevel(eval.Flags)
	e.applyComboRule(answers, &eval)
	return eval
}

func (e *Engine) evalFever(answers models.AnswerSet, eval *Evaluation) {
	fever, ok := answers.Bool(models.FieldFever)
	if !ok {
		eval.NeedsClarification = append(eval.NeedsClarification, models.FieldFever)
		return
	}
	if !fever {
		return
	}
	temp, ok := answers.Float(models.FieldTemperature)
	if !ok {
		// Fever reported without a usable temperature is treated as high
		// until a measurement arrives.
		eval.Flags = append(eval.Flags, models.RedFlag{
			Code:        CodeFeverUnmeasured,
			Description: "fever reported without a measured temperature",
			Severity:    models.RiskHigh,
		})
		eval.NeedsClarification = append(eval.NeedsClarification, models.FieldTemperature)
		return
	}
	switch {
	case temp >= e.policy.FeverCriticalC:
		eval.Flags = append(eval.Flags, models.RedFlag{
			Code:        CodeFeverCritical,
			Description: fmt.Sprintf("temperature %.1f°C at or above %.1f°C", temp, e.policy.FeverCriticalC),
			Severity:    models.RiskCritical,
		})
	case temp >= e.policy.FeverHighC:
		eval.Flags = append(eval.Flags, models.RedFlag{
			Code:        CodeFeverHigh,
			Description: fmt.Sprintf("temperature %.1f°C at or above %.1f°C", temp, e.policy.FeverHighC),
			Severity:    models.RiskHigh,
		})
	}
}

func (e *Engine) evalBleeding(answers models.AnswerSet, dayOffset int, eval *Evaluation) {
	bleeding, ok := answers.String(models.FieldBleeding)
	if !ok {
		eval.NeedsClarification = append(eval.NeedsClarification, models.FieldBleeding)
		return
	}
	switch bleeding {
	case "severe":
		eval.Flags = append(eval.Flags, models.RedFlag{
			Code:        CodeBleedingSevere,
			Description: "severe bleeding reported",
			Severity:    models.RiskCritical,
		})
	case "moderate":
		if dayOffset > e.policy.BleedingModerateDay {
			eval.Flags = append(eval.Flags, models.RedFlag{
				Code:        CodeBleedingModerate,
				Description: fmt.Sprintf("moderate bleeding past day %d", e.policy.BleedingModerateDay),
				Severity:    models.RiskHigh,
			})
		}
	}
}

func (e *Engine) evalPain(answers models.AnswerSet, eval *Evaluation) {
	pain, ok := answers.Float(models.FieldPainAtRest)
	if !ok {
		eval.NeedsClarification = append(eval.NeedsClarification, models.FieldPainAtRest)
		return
	}
	switch {
	case pain >= e.policy.PainSevereScore:
		eval.Flags = append(eval.Flags, models.RedFlag{
			Code:        CodePainSevere,
			Description: fmt.Sprintf("pain at rest %.0f/10", pain),
			Severity:    models.RiskHigh,
		})
	case pain > e.policy.PainHighScore:
		eval.Flags = append(eval.Flags, models.RedFlag{
			Code:        CodePainHigh,
			Description: fmt.Sprintf("pain at rest %.0f/10", pain),
			Severity:    models.RiskHigh,
		})
	}
}

func (e *Engine) evalUrination(answers models.AnswerSet, eval *Evaluation) {
	normal, ok := answers.Bool(models.FieldUrinationNormal)
	if !ok {
		eval.NeedsClarification = append(eval.NeedsClarification, models.FieldUrinationNormal)
		return
	}
	if normal {
		return
	}
	hours, ok := answers.Float(models.FieldHoursNoUrination)
	if !ok {
		eval.NeedsClarification = append(eval.NeedsClarification, models.FieldHoursNoUrination)
		return
	}
	switch {
	case hours > e.policy.RetentionCriticalHours:
		eval.Flags = append(eval.Flags, models.RedFlag{
			Code:        CodeUrinaryRetention,
			Description: fmt.Sprintf("no urination for %.0f hours", hours),
			Severity:    models.RiskCritical,
		})
	case hours >= e.policy.RetentionHighHours:
		eval.Flags = append(eval.Flags, models.RedFlag{
			Code:        CodeUrinaryRetention,
			Description: fmt.Sprintf("no urination for %.0f hours", hours),
			Severity:    models.RiskHigh,
		})
	}
}

func (e *Engine) evalBowelMovement(answers models.AnswerSet, dayOffset int, eval *Evaluation) {
	bm, ok := answers.Bool(models.FieldBowelMovement)
	if !ok {
		eval.NeedsClarification = append(eval.NeedsClarification, models.FieldBowelMovement)
		return
	}
	if !bm && dayOffset >= e.policy.NoBowelMovementDay {
		eval.Flags = append(eval.Flags, models.RedFlag{
			Code:        CodeNoBowelMovement,
			Description: fmt.Sprintf("no bowel movement by day %d", dayOffset),
			Severity:    models.RiskMedium,
		})
	}
}

func (e *Engine) evalWoundDischarge(answers models.AnswerSet, dayOffset int, eval *Evaluation) {
	if dayOffset < models.WoundDischargeDay {
		return
	}
	discharge, ok := answers.String(models.FieldWoundDischarge)
	if !ok {
		eval.NeedsClarification = append(eval.NeedsClarification, models.FieldWoundDischarge)
		return
	}
	if discharge == "purulent" || discharge == "abundant" {
		eval.Flags = append(eval.Flags, models.RedFlag{
			Code:        CodeWoundDischarge,
			Description: fmt.Sprintf("%s wound discharge", discharge),
			Severity:    models.RiskHigh,
		})
	}
}

// applyComboRule escalates the derived level one step when pain meets the
// combo threshold and the patient took unplanned extra medication. The
// escalation is capped at the policy ceiling regardless of the starting level.
func (e *Engine) applyComboRule(answers models.AnswerSet, eval *Evaluation) {
	pain, ok := answers.Float(models.FieldPainAtRest)
	if !ok || pain < e.policy.ComboPainScore {
		return
	}
	extra, ok := answers.Bool(models.FieldExtraMedication)
	if !ok || !extra {
		return
	}
	escalated := models.EscalateOnce(eval.Level, e.policy.ComboCeiling)
	if escalated.Rank() <= eval.Level.Rank() {
		return
	}
	eval.Level = escalated
	eval.Flags = append(eval.Flags, models.RedFlag{
		Code:        CodePainWithExtraMeds,
		Description: fmt.Sprintf("pain %.0f/10 with unplanned extra medication", pain),
		Severity:    escalated,
	})
}

// deriveLevel maps a flag set to a risk level: any critical flag means
// critical, two or more high flags mean critical, one high flag means high,
// any medium flag means medium, otherwise low.
func deriveLevel(flags []models.RedFlag) models.RiskLevel {
	var highs, mediums int
	for _, f := range flags {
		switch f.Severity {
		case models.RiskCritical:
			return models.RiskCritical
		case models.RiskHigh:
			highs++
		case models.RiskMedium:
			mediums++
		}
	}
	switch {
	case highs >= 2:
		return models.RiskCritical
	case highs == 1:
		return models.RiskHigh
	case mediums > 0:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}
