package models

import "testing"

func TestRiskLevelOrdering(t *testing.T) {
	cases := []struct {
		a, b RiskLevel
		want RiskLevel
	}{
		{RiskLow, RiskLow, RiskLow},
		{RiskLow, RiskMedium, RiskMedium},
		{RiskHigh, RiskMedium, RiskHigh},
		{RiskCritical, RiskHigh, RiskCritical},
		{RiskLow, RiskCritical, RiskCritical},
	}
	for _, c := range cases {
		if got := MaxRiskLevel(c.a, c.b); got != c.want {
			t.Errorf("MaxRiskLevel(%s, %s) = %s, want %s", c.a, c.b, got, c.want)
		}
	}
}

func TestRiskLevelAtLeast(t *testing.T) {
	if !RiskHigh.AtLeast(RiskHigh) {
		t.Error("high should be at least high")
	}
	if !RiskCritical.AtLeast(RiskMedium) {
		t.Error("critical should be at least medium")
	}
	if RiskMedium.AtLeast(RiskHigh) {
		t.Error("medium should not be at least high")
	}
}

func TestEscalateOnce(t *testing.T) {
	cases := []struct {
		in, ceiling, want RiskLevel
	}{
		{RiskLow, RiskHigh, RiskMedium},
		{RiskMedium, RiskHigh, RiskHigh},
		{RiskHigh, RiskHigh, RiskHigh},
		{RiskHigh, RiskCritical, RiskCritical},
		{RiskCritical, RiskHigh, RiskHigh},
	}
	for _, c := range cases {
		if got := EscalateOnce(c.in, c.ceiling); got != c.want {
			t.Errorf("EscalateOnce(%s, %s) = %s, want %s", c.in, c.ceiling, got, c.want)
		}
	}
}

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to FollowUpStatus }{
		{FollowUpPending, FollowUpSent},
		{FollowUpPending, FollowUpOverdue},
		{FollowUpPending, FollowUpSkipped},
		{FollowUpSent, FollowUpResponded},
		{FollowUpSent, FollowUpOverdue},
		{FollowUpSent, FollowUpSkipped},
		{FollowUpOverdue, FollowUpResponded},
		{FollowUpOverdue, FollowUpSkipped},
	}
	for _, c := range allowed {
		if !CanTransition(c.from, c.to) {
			t.Errorf("expected transition %s -> %s to be allowed", c.from, c.to)
		}
	}

	denied := []struct{ from, to FollowUpStatus }{
		{FollowUpResponded, FollowUpSent},
		{FollowUpResponded, FollowUpOverdue},
		{FollowUpSkipped, FollowUpSent},
		{FollowUpSent, FollowUpPending},
		{FollowUpOverdue, FollowUpSent},
	}
	for _, c := range denied {
		if CanTransition(c.from, c.to) {
			t.Errorf("expected transition %s -> %s to be denied", c.from, c.to)
		}
	}
}

func TestRequiredFieldsBaseSet(t *testing.T) {
	fields := RequiredFields(1, AnswerSet{})
	for _, f := range []string{FieldPainAtRest, FieldBleeding, FieldFever, FieldBowelMovement, FieldUrinationNormal, FieldMedicationTaken, FieldExtraMedication} {
		if !contains(fields, f) {
			t.Errorf("day 1 required fields missing %s", f)
		}
	}
	if contains(fields, FieldWoundDischarge) {
		t.Error("wound discharge should not be required on day 1")
	}
	if contains(fields, FieldTemperature) {
		t.Error("temperature should not be required before fever is reported")
	}
}

func TestRequiredFieldsConditional(t *testing.T) {
	answers := AnswerSet{
		FieldFever:           true,
		FieldBowelMovement:   true,
		FieldUrinationNormal: false,
	}
	fields := RequiredFields(5, answers)
	for _, f := range []string{FieldTemperature, FieldPainBowelMovement, FieldStoolConsistency, FieldHoursNoUrination, FieldWoundDischarge} {
		if !contains(fields, f) {
			t.Errorf("expected conditional field %s to be required", f)
		}
	}
}

func TestMissingFields(t *testing.T) {
	answers := AnswerSet{
		FieldPainAtRest: float64(3),
		FieldBleeding:   "none",
		FieldFever:      false,
	}
	missing := MissingFields(1, answers)
	if contains(missing, FieldPainAtRest) {
		t.Error("answered field reported as missing")
	}
	if !contains(missing, FieldBowelMovement) {
		t.Error("unanswered field not reported as missing")
	}
}

func TestAnswerSetAccessors(t *testing.T) {
	a := AnswerSet{
		"score": float64(7),
		"flag":  true,
		"note":  "fine",
	}
	if v, ok := a.Float("score"); !ok || v != 7 {
		t.Errorf("Float(score) = %v, %v", v, ok)
	}
	if v, ok := a.Bool("flag"); !ok || !v {
		t.Errorf("Bool(flag) = %v, %v", v, ok)
	}
	if v, ok := a.String("note"); !ok || v != "fine" {
		t.Errorf("String(note) = %v, %v", v, ok)
	}
	if _, ok := a.Float("flag"); ok {
		t.Error("Float on bool value should fail")
	}

	clone := a.Clone()
	clone["score"] = float64(1)
	if v, _ := a.Float("score"); v != 7 {
		t.Error("Clone should not share storage with original")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
