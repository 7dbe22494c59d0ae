// Package followup orchestrates the multi-day check-in lifecycle.
//
// The manager owns schedule creation, the three externally triggered sweeps
// (initial send, reminder, overdue), and inbound message handling. Sweeps run
// sequentially with a small delay between sends and isolate per-item
// failures: one broken contact point never aborts the batch.
package followup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vigia-med/postop/internal/alert"
	"github.com/vigia-med/postop/internal/flow"
	"github.com/vigia-med/postop/internal/messaging"
	"github.com/vigia-med/postop/internal/models"
	"github.com/vigia-med/postop/internal/redflag"
	"github.com/vigia-med/postop/internal/risk"
	"github.com/vigia-med/postop/internal/store"
)

// ScheduleOffsets are the post-procedure days on which check-ins happen.
var ScheduleOffsets = []int{1, 2, 3, 5, 7, 10, 14}

const (
	// DefaultSendDelay spaces consecutive outbound messages within a sweep.
	DefaultSendDelay = 500 * time.Millisecond
	// DefaultContactHour is the local hour at which check-ins are scheduled.
	DefaultContactHour = 9
	// DefaultReminderStall is how long a sent check-in may sit untouched
	// before a reminder goes out.
	DefaultReminderStall = 2 * time.Hour
	// MaxReminders caps nudges per contact point.
	MaxReminders = 2
	// DefaultTimezone is the clinic timezone used to normalize day windows.
	DefaultTimezone = "America/Sao_Paulo"
)

// Opts holds configuration options for the lifecycle manager.
type Opts struct {
	Timezone      string
	SendDelay     time.Duration
	ReminderStall time.Duration
	Now           func() time.Time
}

// Option defines a configuration option for the lifecycle manager.
type Option func(*Opts)

// WithTimezone sets the clinic timezone name.
func WithTimezone(tz string) Option {
	return func(o *Opts) { o.Timezone = tz }
}

// WithSendDelay sets the delay between consecutive sends in a sweep.
func WithSendDelay(d time.Duration) Option {
	return func(o *Opts) { o.SendDelay = d }
}

// WithReminderStall sets how long a conversation may stall before a reminder.
func WithReminderStall(d time.Duration) Option {
	return func(o *Opts) { o.ReminderStall = d }
}

// WithClock overrides the time source (for tests).
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Manager drives the follow-up lifecycle.
type Manager struct {
	store         store.Store
	msg           messaging.Service
	extractor     *flow.Extractor
	engine        *redflag.Engine
	alerter       alert.Alerter
	loc           *time.Location
	sendDelay     time.Duration
	reminderStall time.Duration
	now           func() time.Time
}

// NewManager wires a lifecycle manager from its collaborators.
func NewManager(st store.Store, msg messaging.Service, extractor *flow.Extractor, engine *redflag.Engine, alerter alert.Alerter, opts ...Option) (*Manager, error) {
	cfg := Opts{
		Timezone:      DefaultTimezone,
		SendDelay:     DefaultSendDelay,
		ReminderStall: DefaultReminderStall,
		Now:           time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", cfg.Timezone, err)
	}
	return &Manager{
		store:         st,
		msg:           msg,
		extractor:     extractor,
		engine:        engine,
		alerter:       alerter,
		loc:           loc,
		sendDelay:     cfg.SendDelay,
		reminderStall: cfg.ReminderStall,
		now:           cfg.Now,
	}, nil
}

// CreateSchedule registers a patient and creates their pending contact points
// at the standard day offsets, each scheduled at the contact hour in the
// clinic timezone.
func (m *Manager) CreateSchedule(ctx context.Context, patient models.Patient) ([]models.ContactPoint, error) {
	if patient.Phone == "" || patient.Name == "" {
		return nil, fmt.Errorf("%w: patient name and phone are required", models.ErrValidation)
	}
	canonical, err := m.msg.ValidateAndCanonicalizeRecipient(patient.Phone)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	patient.Phone = canonical
	if patient.ID == "" {
		patient.ID = uuid.NewString()
	}
	now := m.now().UTC()
	if patient.CreatedAt.IsZero() {
		patient.CreatedAt = now
	}
	if err := m.store.SavePatient(patient); err != nil {
		return nil, fmt.Errorf("failed to save patient: %w", err)
	}

	procDay := patient.ProcedureDate.In(m.loc)
	cps := make([]models.ContactPoint, 0, len(ScheduleOffsets))
	for _, offset := range ScheduleOffsets {
		day := procDay.AddDate(0, 0, offset)
		scheduled := time.Date(day.Year(), day.Month(), day.Day(), DefaultContactHour, 0, 0, 0, m.loc)
		cps = append(cps, models.ContactPoint{
			ID:          uuid.NewString(),
			PatientID:   patient.ID,
			DayOffset:   offset,
			ScheduledAt: scheduled.UTC(),
			Status:      models.FollowUpPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	if err := m.store.CreateContactPoints(cps); err != nil {
		return nil, fmt.Errorf("failed to create contact points: %w", err)
	}
	slog.Info("Manager.CreateSchedule: schedule created", "patient_id", patient.ID, "contact_points", len(cps))
	return cps, nil
}

// dayWindow returns the clinic-timezone day bounds containing t.
func (m *Manager) dayWindow(t time.Time) (time.Time, time.Time) {
	local := t.In(m.loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, m.loc)
	return start.UTC(), start.AddDate(0, 0, 1).UTC()
}

// RunInitialSweep sends the opening prompt for every contact point due today.
// Store unavailability fails the whole sweep; individual send failures are
// recorded in the result and do not stop the batch.
func (m *Manager) RunInitialSweep(ctx context.Context) (models.SweepResult, error) {
	var result models.SweepResult
	from, to := m.dayWindow(m.now())
	due, err := m.store.ListDueContactPoints(models.FollowUpPending, from, to)
	if err != nil {
		return result, fmt.Errorf("failed to list due contact points: %w", err)
	}
	result.Found = len(due)
	slog.Info("Manager.RunInitialSweep: sweep starting", "found", result.Found)

	for i, cp := range due {
		if i > 0 {
			m.pause(ctx)
		}
		if err := m.sendInitial(ctx, cp); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, models.SweepError{
				ContactPointID: cp.ID,
				PatientID:      cp.PatientID,
				Error:          err.Error(),
			})
			slog.Error("Manager.RunInitialSweep: item failed", "error", err, "contact_point_id", cp.ID)
			continue
		}
		result.Sent++
	}
	slog.Info("Manager.RunInitialSweep: sweep finished", "found", result.Found, "sent", result.Sent, "failed", result.Failed)
	return result, nil
}

func (m *Manager) sendInitial(ctx context.Context, cp models.ContactPoint) error {
	patient, err := m.store.GetPatient(cp.PatientID)
	if err != nil {
		return fmt.Errorf("failed to load patient %s: %w", cp.PatientID, err)
	}

	greeting := flow.BuildGreeting(patient.Name, cp.DayOffset, m.now().In(m.loc))
	if err := m.msg.SendMessage(ctx, patient.Phone, greeting); err != nil {
		return m.recordSendFailure(cp, err)
	}

	now := m.now().UTC()
	if err := m.store.UpdateContactPointStatusIf(cp.ID, models.FollowUpPending, models.FollowUpSent, now, ""); err != nil {
		if errors.Is(err, models.ErrStatusConflict) {
			// Another sweep won the race; the message was delivered twice at
			// worst, the state is still consistent.
			slog.Warn("Manager.sendInitial: transition lost race", "contact_point_id", cp.ID)
			return nil
		}
		return fmt.Errorf("failed to mark contact point sent: %w", err)
	}

	session := models.ConversationSession{
		ID:             uuid.NewString(),
		ContactPointID: cp.ID,
		PatientID:      patient.ID,
		ProcedureType:  patient.ProcedureType,
		DayOffset:      cp.DayOffset,
		Answers:        models.AnswerSet{},
		Turns: []models.Turn{
			{Role: models.TurnRoleAssistant, Content: greeting, Timestamp: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.SaveSession(session); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// recordSendFailure bumps the attempt counter and skips the contact point
// once the attempt ceiling is reached.
func (m *Manager) recordSendFailure(cp models.ContactPoint, sendErr error) error {
	attempts, err := m.store.IncrementAttempt(cp.ID, fmt.Sprintf("delivery attempt failed: %v", sendErr))
	if err != nil {
		return fmt.Errorf("failed to record delivery failure: %w (send error: %v)", err, sendErr)
	}
	if attempts >= models.MaxSendAttempts {
		note := fmt.Sprintf("skipped after %d failed delivery attempts", attempts)
		if err := m.store.UpdateContactPointStatusIf(cp.ID, cp.Status, models.FollowUpSkipped, m.now().UTC(), note); err != nil && !errors.Is(err, models.ErrStatusConflict) {
			return fmt.Errorf("failed to skip contact point: %w (send error: %v)", err, sendErr)
		}
		slog.Warn("Manager.recordSendFailure: contact point skipped", "contact_point_id", cp.ID, "attempts", attempts)
	}
	return fmt.Errorf("delivery failed (attempt %d): %w", attempts, sendErr)
}

// RunReminderSweep nudges patients whose check-in stalled: the prompt went
// out but no completed reply arrived and the conversation has been quiet
// past the stall cutoff.
func (m *Manager) RunReminderSweep(ctx context.Context) (models.SweepResult, error) {
	var result models.SweepResult
	cutoff := m.now().UTC().Add(-m.reminderStall)
	candidates, err := m.store.ListReminderCandidates(cutoff, MaxReminders)
	if err != nil {
		return result, fmt.Errorf("failed to list reminder candidates: %w", err)
	}
	result.Found = len(candidates)
	slog.Info("Manager.RunReminderSweep: sweep starting", "found", result.Found)

	seen := make(map[string]bool)
	for _, cp := range candidates {
		// One reminder per patient per sweep.
		if seen[cp.PatientID] {
			continue
		}
		seen[cp.PatientID] = true

		// A patient who is actively replying moves the session even though
		// the contact point sits in sent; no nudge while they are typing.
		if sess, err := m.store.GetSessionByContactPoint(cp.ID); err == nil && sess.UpdatedAt.After(cutoff) {
			continue
		}

		if result.Sent > 0 {
			m.pause(ctx)
		}
		patient, err := m.store.GetPatient(cp.PatientID)
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, models.SweepError{ContactPointID: cp.ID, PatientID: cp.PatientID, Error: err.Error()})
			continue
		}
		n, err := m.store.IncrementReminder(cp.ID)
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, models.SweepError{ContactPointID: cp.ID, PatientID: cp.PatientID, Error: err.Error()})
			continue
		}
		if err := m.msg.SendMessage(ctx, patient.Phone, flow.ReminderMessage(patient.Name, n)); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, models.SweepError{ContactPointID: cp.ID, PatientID: cp.PatientID, Error: err.Error()})
			slog.Error("Manager.RunReminderSweep: reminder send failed", "error", err, "contact_point_id", cp.ID)
			continue
		}
		result.Sent++
	}
	slog.Info("Manager.RunReminderSweep: sweep finished", "found", result.Found, "sent", result.Sent, "failed", result.Failed)
	return result, nil
}

// RunOverdueSweep marks contact points overdue once their calendar day has
// passed without completion. The conditional transition makes re-runs no-ops.
func (m *Manager) RunOverdueSweep(ctx context.Context) (models.SweepResult, error) {
	var result models.SweepResult
	dayStart, _ := m.dayWindow(m.now())
	candidates, err := m.store.ListOverdueCandidates(dayStart)
	if err != nil {
		return result, fmt.Errorf("failed to list overdue candidates: %w", err)
	}
	result.Found = len(candidates)

	now := m.now().UTC()
	for _, cp := range candidates {
		err := m.store.UpdateContactPointStatusIf(cp.ID, cp.Status, models.FollowUpOverdue, now, "")
		if err != nil {
			if errors.Is(err, models.ErrStatusConflict) {
				// Already transitioned by a concurrent sweep or a late reply.
				continue
			}
			result.Failed++
			result.Errors = append(result.Errors, models.SweepError{ContactPointID: cp.ID, PatientID: cp.PatientID, Error: err.Error()})
			continue
		}
		result.Sent++
	}
	slog.Info("Manager.RunOverdueSweep: sweep finished", "found", result.Found, "marked", result.Sent, "failed", result.Failed)
	return result, nil
}

// HandleInbound routes one patient message into its active conversation.
// On completion it evaluates red flags, fuses the risk levels, persists the
// assessment, and alerts the clinician for high or critical outcomes.
func (m *Manager) HandleInbound(ctx context.Context, from, body string) error {
	canonical, err := m.msg.ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	patient, err := m.store.GetPatientByPhone(canonical)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			slog.Warn("Manager.HandleInbound: message from unknown number", "from", canonical)
			return nil
		}
		return fmt.Errorf("failed to look up patient: %w", err)
	}
	cp, err := m.store.GetActiveContactPoint(patient.ID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			slog.Info("Manager.HandleInbound: no active check-in for patient", "patient_id", patient.ID)
			return nil
		}
		return fmt.Errorf("failed to find active contact point: %w", err)
	}

	session, err := m.store.GetSessionByContactPoint(cp.ID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			return fmt.Errorf("failed to load session: %w", err)
		}
		now := m.now().UTC()
		session = &models.ConversationSession{
			ID:             uuid.NewString(),
			ContactPointID: cp.ID,
			PatientID:      patient.ID,
			ProcedureType:  patient.ProcedureType,
			DayOffset:      cp.DayOffset,
			Answers:        models.AnswerSet{},
			CreatedAt:      now,
			UpdatedAt:      now,
		}
	}
	if session.Completed {
		slog.Info("Manager.HandleInbound: session already complete, ignoring", "session_id", session.ID)
		return nil
	}

	result := m.extractor.ProcessTurn(ctx, session, body)

	if err := m.msg.SendMessage(ctx, patient.Phone, result.Reply); err != nil {
		slog.Error("Manager.HandleInbound: reply send failed", "error", err, "patient_id", patient.ID)
	}
	// The session timestamp marks conversation activity; the reminder sweep
	// reads it to leave patients who are mid-conversation alone.
	session.UpdatedAt = m.now().UTC()
	if err := m.store.SaveSession(*session); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	if !result.Completed {
		return nil
	}

	return m.completeCheckIn(ctx, *patient, *cp, *session, result.ModelLevel)
}

// completeCheckIn runs assessment and persistence for a finished session.
func (m *Manager) completeCheckIn(ctx context.Context, patient models.Patient, cp models.ContactPoint, session models.ConversationSession, modelLevel models.RiskLevel) error {
	eval := m.engine.Evaluate(session.Answers, cp.DayOffset)
	assessment := risk.Fuse(cp.ID, patient.ID, eval.Level, eval.Flags, modelLevel, nil)

	if err := m.store.SaveAssessment(assessment); err != nil {
		return fmt.Errorf("failed to save assessment: %w", err)
	}
	now := m.now().UTC()
	if err := m.store.UpdateContactPointStatusIf(cp.ID, cp.Status, models.FollowUpResponded, now, ""); err != nil && !errors.Is(err, models.ErrStatusConflict) {
		return fmt.Errorf("failed to mark contact point responded: %w", err)
	}
	slog.Info("Manager.completeCheckIn: check-in complete",
		"patient_id", patient.ID,
		"contact_point_id", cp.ID,
		"rule_level", assessment.RuleLevel,
		"model_level", assessment.ModelLevel,
		"final_level", assessment.FinalLevel)

	// Alert failures are logged, never rolled back: the assessment stands.
	if assessment.FinalLevel.AtLeast(models.RiskHigh) && m.alerter != nil {
		if err := m.alerter.AlertClinician(ctx, patient, assessment); err != nil {
			slog.Error("Manager.completeCheckIn: clinician alert failed", "error", err, "patient_id", patient.ID)
		}
	}
	return nil
}

// pause sleeps the inter-send delay, returning early on context cancellation.
func (m *Manager) pause(ctx context.Context) {
	if m.sendDelay <= 0 {
		return
	}
	select {
	case <-time.After(m.sendDelay):
	case <-ctx.Done():
	}
}
