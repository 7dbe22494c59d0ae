// Package alert notifies the clinician channel about high-risk assessments.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vigia-med/postop/internal/messaging"
	"github.com/vigia-med/postop/internal/models"
)

// Alerter delivers risk notifications to the on-call clinician.
type Alerter interface {
	AlertClinician(ctx context.Context, patient models.Patient, assessment models.RiskAssessment) error
}

// MessagingAlerter sends alerts over the same messaging channel used for
// patient conversations, to a configured clinician number.
type MessagingAlerter struct {
	svc            messaging.Service
	clinicianPhone string
}

// NewMessagingAlerter creates an alerter targeting the given clinician number.
func NewMessagingAlerter(svc messaging.Service, clinicianPhone string) (*MessagingAlerter, error) {
	canonical, err := svc.ValidateAndCanonicalizeRecipient(clinicianPhone)
	if err != nil {
		return nil, fmt.Errorf("invalid clinician phone: %w", err)
	}
	return &MessagingAlerter{svc: svc, clinicianPhone: canonical}, nil
}

// AlertClinician formats and sends the assessment summary.
func (a *MessagingAlerter) AlertClinician(ctx context.Context, patient models.Patient, assessment models.RiskAssessment) error {
	body := FormatAlert(patient, assessment)
	if err := a.svc.SendMessage(ctx, a.clinicianPhone, body); err != nil {
		slog.Error("MessagingAlerter.AlertClinician: send failed", "error", err, "patient_id", patient.ID, "level", assessment.FinalLevel)
		return fmt.Errorf("failed to alert clinician for patient %s: %w", patient.ID, err)
	}
	slog.Info("MessagingAlerter.AlertClinician: alert sent", "patient_id", patient.ID, "level", assessment.FinalLevel)
	return nil
}

// FormatAlert renders the clinician-facing alert text.
func FormatAlert(patient models.Patient, assessment models.RiskAssessment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] Recovery alert for %s (%s)\n", strings.ToUpper(string(assessment.FinalLevel)), patient.Name, patient.ProcedureType)
	if len(assessment.Flags) == 0 {
		b.WriteString("No individual warnings; model-asserted risk only.")
		return b.String()
	}
	b.WriteString("Warnings:\n")
	for _, f := range assessment.Flags {
		fmt.Fprintf(&b, "- %s (%s)\n", f.Description, f.Severity)
	}
	return strings.TrimRight(b.String(), "\n")
}
