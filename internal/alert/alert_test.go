package alert

import (
	"context"
	"strings"
	"testing"

	"github.com/vigia-med/postop/internal/messaging"
	"github.com/vigia-med/postop/internal/models"
	"github.com/vigia-med/postop/internal/twiliowhatsapp"
)

func TestAlertClinicianSendsFormattedSummary(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := messaging.NewTwilioService(mock)
	a, err := NewMessagingAlerter(svc, "+5511988880000")
	if err != nil {
		t.Fatalf("NewMessagingAlerter: %v", err)
	}

	patient := models.Patient{ID: "p-1", Name: "Maria Silva", ProcedureType: "hemorrhoidectomy"}
	assessment := models.RiskAssessment{
		FinalLevel: models.RiskCritical,
		Flags: []models.RedFlag{
			{Code: "fever_critical", Description: "temperature 39.5°C at or above 39.0°C", Severity: models.RiskCritical},
		},
	}

	if err := a.AlertClinician(context.Background(), patient, assessment); err != nil {
		t.Fatalf("AlertClinician: %v", err)
	}
	if len(mock.SentMessages) != 1 {
		t.Fatalf("sent = %d, want 1", len(mock.SentMessages))
	}
	msg := mock.SentMessages[0]
	if msg.To != "5511988880000" {
		t.Errorf("to = %s", msg.To)
	}
	if !strings.Contains(msg.Body, "CRITICAL") || !strings.Contains(msg.Body, "Maria Silva") {
		t.Errorf("body = %q", msg.Body)
	}
	if !strings.Contains(msg.Body, "39.5") {
		t.Errorf("body missing flag detail: %q", msg.Body)
	}
}

func TestNewMessagingAlerterRejectsBadPhone(t *testing.T) {
	svc := messaging.NewTwilioService(twiliowhatsapp.NewMockClient())
	if _, err := NewMessagingAlerter(svc, "not a phone"); err == nil {
		t.Error("expected error for invalid clinician phone")
	}
}

func TestFormatAlertWithoutFlags(t *testing.T) {
	patient := models.Patient{Name: "Maria", ProcedureType: "fistulotomy"}
	assessment := models.RiskAssessment{FinalLevel: models.RiskHigh}
	body := FormatAlert(patient, assessment)
	if !strings.Contains(body, "model-asserted") {
		t.Errorf("body = %q", body)
	}
}
