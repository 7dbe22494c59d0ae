// Package models defines core types shared across postop modules.
//
// It includes follow-up scheduling types, conversation session types, risk
// assessment types, and the API response envelope.
package models

import (
	"errors"
	"time"
)

// RiskLevel represents the clinical risk assigned to a completed check-in.
// Levels are ordered: low < medium < high < critical.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskRank = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// Rank returns the ordinal position of the risk level (low=0 .. critical=3).
// Unknown levels rank as low.
func (r RiskLevel) Rank() int {
	return riskRank[r]
}

// AtLeast reports whether r is at or above the given level.
func (r RiskLevel) AtLeast(other RiskLevel) bool {
	return r.Rank() >= other.Rank()
}

// MaxRiskLevel returns the more severe of two risk levels.
func MaxRiskLevel(a, b RiskLevel) RiskLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// IsValidRiskLevel checks if the given risk level is one of the known levels.
func IsValidRiskLevel(r RiskLevel) bool {
	_, ok := riskRank[r]
	return ok
}

// EscalateOnce returns the risk level one step above r, capped at ceiling.
func EscalateOnce(r, ceiling RiskLevel) RiskLevel {
	next := r
	switch r {
	case RiskLow:
		next = RiskMedium
	case RiskMedium:
		next = RiskHigh
	case RiskHigh:
		next = RiskCritical
	}
	if next.Rank() > ceiling.Rank() {
		return ceiling
	}
	return next
}

// RedFlag represents a single clinical warning raised by the rule engine or
// asserted by the reasoning model.
type RedFlag struct {
	Code        string    `json:"code"`
	Description string    `json:"description"`
	Severity    RiskLevel `json:"severity"`
}

// FollowUpStatus represents the lifecycle state of a scheduled contact point.
type FollowUpStatus string

const (
	// FollowUpPending indicates the contact point is scheduled but no message has gone out.
	FollowUpPending FollowUpStatus = "pending"
	// FollowUpSent indicates the initial prompt was delivered and a reply is awaited.
	FollowUpSent FollowUpStatus = "sent"
	// FollowUpResponded indicates the patient completed the check-in.
	FollowUpResponded FollowUpStatus = "responded"
	// FollowUpOverdue indicates the contact point passed its day without completion.
	FollowUpOverdue FollowUpStatus = "overdue"
	// FollowUpSkipped indicates delivery was abandoned after repeated failures.
	FollowUpSkipped FollowUpStatus = "skipped"
)

// MaxSendAttempts is the ceiling on delivery attempts before a contact point
// is marked skipped.
const MaxSendAttempts = 3

// allowedTransitions holds the legal status transitions for contact points.
// Responded and skipped are terminal; overdue may still become responded if
// the patient answers late, or skipped once delivery attempts run out.
var allowedTransitions = map[FollowUpStatus][]FollowUpStatus{
	FollowUpPending: {FollowUpSent, FollowUpOverdue, FollowUpSkipped},
	FollowUpSent:    {FollowUpResponded, FollowUpOverdue, FollowUpSkipped},
	FollowUpOverdue: {FollowUpResponded, FollowUpSkipped},
}

// CanTransition reports whether a contact point may move from one status to another.
func CanTransition(from, to FollowUpStatus) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Patient holds the minimal patient record needed to run follow-ups.
type Patient struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Phone         string    `json:"phone"`
	ProcedureType string    `json:"procedure_type"`
	ProcedureDate time.Time `json:"procedure_date"`
	CreatedAt     time.Time `json:"created_at"`
}

// ContactPoint represents one scheduled check-in for a patient on a specific
// post-procedure day.
type ContactPoint struct {
	ID            string         `json:"id"`
	PatientID     string         `json:"patient_id"`
	DayOffset     int            `json:"day_offset"`
	ScheduledAt   time.Time      `json:"scheduled_at"`
	Status        FollowUpStatus `json:"status"`
	AttemptCount  int            `json:"attempt_count"`
	ReminderCount int            `json:"reminder_count"`
	SentAt        *time.Time     `json:"sent_at,omitempty"`
	RespondedAt   *time.Time     `json:"responded_at,omitempty"`
	AuditNote     string         `json:"audit_note,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// TurnRole identifies the author of a conversation turn.
type TurnRole string

const (
	TurnRolePatient   TurnRole = "patient"
	TurnRoleAssistant TurnRole = "assistant"
)

// Turn is a single message in a check-in conversation.
type Turn struct {
	Role      TurnRole  `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// AnswerSet holds canonically typed answers collected during a check-in.
// Values are only ever float64, bool, or string after sanitization.
type AnswerSet map[string]any

// Has reports whether a field has been answered.
func (a AnswerSet) Has(field string) bool {
	_, ok := a[field]
	return ok
}

// Float returns the numeric value of a field, if present and numeric.
func (a AnswerSet) Float(field string) (float64, bool) {
	v, ok := a[field].(float64)
	return v, ok
}

// Bool returns the boolean value of a field, if present and boolean.
func (a AnswerSet) Bool(field string) (bool, bool) {
	v, ok := a[field].(bool)
	return v, ok
}

// String returns the string value of a field, if present and a string.
func (a AnswerSet) String(field string) (string, bool) {
	v, ok := a[field].(string)
	return v, ok
}

// Clone returns a shallow copy of the answer set.
func (a AnswerSet) Clone() AnswerSet {
	out := make(AnswerSet, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// ConversationSession tracks one patient conversation attached to a contact point.
type ConversationSession struct {
	ID             string    `json:"id"`
	ContactPointID string    `json:"contact_point_id"`
	PatientID      string    `json:"patient_id"`
	ProcedureType  string    `json:"procedure_type"`
	DayOffset      int       `json:"day_offset"`
	Turns          []Turn    `json:"turns"`
	Answers        AnswerSet `json:"answers"`
	Completed      bool      `json:"completed"`
	FallbackCount  int       `json:"fallback_count"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// RiskAssessment is the immutable record produced when a check-in completes.
// RuleLevel comes from the deterministic engine, ModelLevel from the reasoning
// model, and FinalLevel is their fusion.
type RiskAssessment struct {
	ID             string    `json:"id"`
	ContactPointID string    `json:"contact_point_id"`
	PatientID      string    `json:"patient_id"`
	RuleLevel      RiskLevel `json:"rule_level"`
	ModelLevel     RiskLevel `json:"model_level"`
	FinalLevel     RiskLevel `json:"final_level"`
	Flags          []RedFlag `json:"flags"`
	CreatedAt      time.Time `json:"created_at"`
}

// SweepError records one per-item failure inside a sweep.
type SweepError struct {
	ContactPointID string `json:"contact_point_id"`
	PatientID      string `json:"patient_id"`
	Error          string `json:"error"`
}

// SweepResult summarizes the outcome of a sweep over due contact points.
type SweepResult struct {
	Found  int          `json:"found"`
	Sent   int          `json:"sent"`
	Failed int          `json:"failed"`
	Errors []SweepError `json:"errors,omitempty"`
}

// Response represents an incoming message from a patient.
type Response struct {
	From string `json:"from"`
	Body string `json:"body"`
	Time int64  `json:"time"`
}

// MessageStatus represents the delivery status of an outbound message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message was delivered.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// Receipt records a delivery status event for an outbound message.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// Validation and processing errors shared across modules.
var (
	// ErrValidation indicates malformed or out-of-range input.
	ErrValidation = errors.New("validation failed")
	// ErrUpstreamReasoning indicates the reasoning model call failed or returned unusable output.
	ErrUpstreamReasoning = errors.New("upstream reasoning failure")
	// ErrTransientDelivery indicates a message send failed in a retryable way.
	ErrTransientDelivery = errors.New("transient delivery failure")
	// ErrCompletionIntegrity indicates the model claimed completion while required fields were missing.
	ErrCompletionIntegrity = errors.New("completion integrity violation")
	// ErrStatusConflict indicates a conditional status transition found a different current status.
	ErrStatusConflict = errors.New("contact point status conflict")
	// ErrNotFound indicates a requested record does not exist.
	ErrNotFound = errors.New("record not found")
)
