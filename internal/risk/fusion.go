// Package risk fuses deterministic rule output with model-asserted risk.
//
// The deterministic level is a floor: the fused level is the more severe of
// the two inputs, so a model can raise concern but never suppress a rule hit.
package risk

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vigia-med/postop/internal/models"
)

// Fuse combines the rule engine level and the model-asserted level into a
// final assessment. An unknown model level is treated as low. Flags are
// deduplicated by code with rule-engine flags taking precedence.
func Fuse(contactPointID, patientID string, ruleLevel models.RiskLevel, ruleFlags []models.RedFlag, modelLevel models.RiskLevel, modelFlags []models.RedFlag) models.RiskAssessment {
	if !models.IsValidRiskLevel(modelLevel) {
		slog.Warn("risk.Fuse: unknown model level, treating as low", "model_level", modelLevel, "contact_point_id", contactPointID)
		modelLevel = models.RiskLow
	}
	final := models.MaxRiskLevel(ruleLevel, modelLevel)

	seen := make(map[string]bool, len(ruleFlags))
	flags := make([]models.RedFlag, 0, len(ruleFlags)+len(modelFlags))
	for _, f := range ruleFlags {
		if seen[f.Code] {
			continue
		}
		seen[f.Code] = true
		flags = append(flags, f)
	}
	for _, f := range modelFlags {
		if seen[f.Code] {
			continue
		}
		seen[f.Code] = true
		flags = append(flags, f)
	}

	slog.Debug("risk.Fuse: assessment computed",
		"contact_point_id", contactPointID,
		"rule_level", ruleLevel,
		"model_level", modelLevel,
		"final_level", final,
		"flag_count", len(flags))

	return models.RiskAssessment{
		ID:             uuid.NewString(),
		ContactPointID: contactPointID,
		PatientID:      patientID,
		RuleLevel:      ruleLevel,
		ModelLevel:     modelLevel,
		FinalLevel:     final,
		Flags:          flags,
		CreatedAt:      time.Now().UTC(),
	}
}
