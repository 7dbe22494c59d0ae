package models

// Canonical answer field names collected during check-ins. Pain at rest and
// pain during bowel movement are distinct fields and must never be merged.
const (
	FieldPainAtRest        = "pain_at_rest"
	FieldPainBowelMovement = "pain_during_bowel_movement"
	FieldBleeding          = "bleeding"
	FieldFever             = "fever"
	FieldTemperature       = "temperature"
	FieldBowelMovement     = "bowel_movement"
	FieldStoolConsistency  = "stool_consistency"
	FieldUrinationNormal   = "urination_normal"
	FieldHoursNoUrination  = "hours_without_urination"
	FieldMedicationTaken   = "medication_taken"
	FieldExtraMedication   = "extra_medication"
	FieldWoundDischarge    = "wound_discharge"
)

// WoundDischargeDay is the first post-procedure day on which wound discharge
// is asked about.
const WoundDischargeDay = 3

// RequiredFields returns the answer fields that must be collected for a
// check-in on the given day, expanding conditionally on answers already
// collected (a reported fever requires a temperature, a reported bowel
// movement requires pain and consistency details, abnormal urination
// requires a duration).
func RequiredFields(dayOffset int, answers AnswerSet) []string {
	fields := []string{
		FieldPainAtRest,
		FieldBleeding,
		FieldFever,
		FieldBowelMovement,
		FieldUrinationNormal,
		FieldMedicationTaken,
		FieldExtraMedication,
	}
	if dayOffset >= WoundDischargeDay {
		fields = append(fields, FieldWoundDischarge)
	}
	if fever, ok := answers.Bool(FieldFever); ok && fever {
		fields = append(fields, FieldTemperature)
	}
	if bm, ok := answers.Bool(FieldBowelMovement); ok && bm {
		fields = append(fields, FieldPainBowelMovement, FieldStoolConsistency)
	}
	if normal, ok := answers.Bool(FieldUrinationNormal); ok && !normal {
		fields = append(fields, FieldHoursNoUrination)
	}
	return fields
}

// MissingFields returns the required fields not yet present in the answer set.
func MissingFields(dayOffset int, answers AnswerSet) []string {
	var missing []string
	for _, f := range RequiredFields(dayOffset, answers) {
		if !answers.Has(f) {
			missing = append(missing, f)
		}
	}
	return missing
}
