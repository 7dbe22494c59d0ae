package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/vigia-med/postop/internal/models"
)

// rowScanner abstracts sql.Row and sql.Rows for the scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// scanContactPoint scans a contact point row in column order
// (id, patient_id, day_offset, scheduled_at, status, attempt_count,
// reminder_count, sent_at, responded_at, audit_note, created_at, updated_at).
func scanContactPoint(row rowScanner) (models.ContactPoint, error) {
	var cp models.ContactPoint
	var sentAt, respondedAt sql.NullTime
	var auditNote sql.NullString
	err := row.Scan(
		&cp.ID, &cp.PatientID, &cp.DayOffset, &cp.ScheduledAt, &cp.Status,
		&cp.AttemptCount, &cp.ReminderCount, &sentAt, &respondedAt, &auditNote,
		&cp.CreatedAt, &cp.UpdatedAt,
	)
	if err != nil {
		return cp, err
	}
	if sentAt.Valid {
		cp.SentAt = &sentAt.Time
	}
	if respondedAt.Valid {
		cp.RespondedAt = &respondedAt.Time
	}
	cp.AuditNote = auditNote.String
	return cp, nil
}

// scanSession scans a session row in column order
// (id, contact_point_id, patient_id, procedure_type, day_offset, turns,
// answers, completed, fallback_count, created_at, updated_at).
func scanSession(row rowScanner) (models.ConversationSession, error) {
	var s models.ConversationSession
	var turnsJSON, answersJSON sql.NullString
	err := row.Scan(
		&s.ID, &s.ContactPointID, &s.PatientID, &s.ProcedureType, &s.DayOffset,
		&turnsJSON, &answersJSON, &s.Completed, &s.FallbackCount,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return s, err
	}
	if turnsJSON.String != "" {
		if err := json.Unmarshal([]byte(turnsJSON.String), &s.Turns); err != nil {
			return s, fmt.Errorf("failed to decode session turns: %w", err)
		}
	}
	s.Answers = models.AnswerSet{}
	if answersJSON.String != "" {
		if err := json.Unmarshal([]byte(answersJSON.String), &s.Answers); err != nil {
			return s, fmt.Errorf("failed to decode session answers: %w", err)
		}
	}
	return s, nil
}

// scanAssessment scans an assessment row in column order
// (id, contact_point_id, patient_id, rule_level, model_level, final_level,
// flags, created_at).
func scanAssessment(row rowScanner) (models.RiskAssessment, error) {
	var a models.RiskAssessment
	var flagsJSON sql.NullString
	err := row.Scan(
		&a.ID, &a.ContactPointID, &a.PatientID, &a.RuleLevel, &a.ModelLevel,
		&a.FinalLevel, &flagsJSON, &a.CreatedAt,
	)
	if err != nil {
		return a, err
	}
	if flagsJSON.String != "" {
		if err := json.Unmarshal([]byte(flagsJSON.String), &a.Flags); err != nil {
			return a, fmt.Errorf("failed to decode assessment flags: %w", err)
		}
	}
	return a, nil
}

// marshalJSON serializes a value for a text column, mapping empty input to "".
func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	s := string(b)
	if s == "null" {
		return "", nil
	}
	return s, nil
}
