// Package store provides storage backends for postop.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
	"github.com/vigia-med/postop/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.PostgresDSN != "")

	dsn := cfg.PostgresDSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) SavePatient(p models.Patient) error {
	_, err := s.db.Exec(`
		INSERT INTO patients (id, name, phone, procedure_type, procedure_date, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			phone = EXCLUDED.phone,
			procedure_type = EXCLUDED.procedure_type,
			procedure_date = EXCLUDED.procedure_date`,
		p.ID, p.Name, p.Phone, p.ProcedureType, p.ProcedureDate, p.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore SavePatient failed", "error", err, "patient_id", p.ID)
		return fmt.Errorf("failed to save patient %s: %w", p.ID, err)
	}
	slog.Debug("PostgresStore SavePatient succeeded", "patient_id", p.ID)
	return nil
}

func (s *PostgresStore) GetPatient(id string) (*models.Patient, error) {
	row := s.db.QueryRow(`SELECT id, name, phone, procedure_type, procedure_date, created_at FROM patients WHERE id = $1`, id)
	return scanPatient(row, id)
}

func (s *PostgresStore) GetPatientByPhone(phone string) (*models.Patient, error) {
	row := s.db.QueryRow(`SELECT id, name, phone, procedure_type, procedure_date, created_at FROM patients WHERE phone = $1`, phone)
	return scanPatient(row, phone)
}

func (s *PostgresStore) CreateContactPoints(cps []models.ContactPoint) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, cp := range cps {
		_, err := tx.Exec(`
			INSERT INTO contact_points (`+contactPointColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			cp.ID, cp.PatientID, cp.DayOffset, cp.ScheduledAt, cp.Status,
			cp.AttemptCount, cp.ReminderCount, cp.SentAt, cp.RespondedAt,
			nilIfEmpty(cp.AuditNote), cp.CreatedAt, cp.UpdatedAt)
		if err != nil {
			slog.Error("PostgresStore CreateContactPoints insert failed", "error", err, "contact_point_id", cp.ID)
			return fmt.Errorf("failed to insert contact point %s: %w", cp.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit contact points: %w", err)
	}
	slog.Debug("PostgresStore CreateContactPoints succeeded", "count", len(cps))
	return nil
}

func (s *PostgresStore) GetContactPoint(id string) (*models.ContactPoint, error) {
	row := s.db.QueryRow(`SELECT `+contactPointColumns+` FROM contact_points WHERE id = $1`, id)
	cp, err := scanContactPoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan contact point %s: %w", id, err)
	}
	return &cp, nil
}

func (s *PostgresStore) ListDueContactPoints(status models.FollowUpStatus, from, to time.Time) ([]models.ContactPoint, error) {
	rows, err := s.db.Query(`
		SELECT `+contactPointColumns+` FROM contact_points
		WHERE status = $1 AND scheduled_at >= $2 AND scheduled_at < $3
		ORDER BY scheduled_at`, status, from, to)
	if err != nil {
		slog.Error("PostgresStore ListDueContactPoints query failed", "error", err)
		return nil, fmt.Errorf("failed to query due contact points: %w", err)
	}
	return collectContactPoints(rows)
}

func (s *PostgresStore) ListOverdueCandidates(cutoff time.Time) ([]models.ContactPoint, error) {
	rows, err := s.db.Query(`
		SELECT `+contactPointColumns+` FROM contact_points
		WHERE status IN ($1, $2) AND scheduled_at < $3
		ORDER BY scheduled_at`, models.FollowUpPending, models.FollowUpSent, cutoff)
	if err != nil {
		slog.Error("PostgresStore ListOverdueCandidates query failed", "error", err)
		return nil, fmt.Errorf("failed to query overdue candidates: %w", err)
	}
	return collectContactPoints(rows)
}

func (s *PostgresStore) ListReminderCandidates(cutoff time.Time, maxReminders int) ([]models.ContactPoint, error) {
	rows, err := s.db.Query(`
		SELECT `+contactPointColumns+` FROM contact_points
		WHERE status = $1 AND responded_at IS NULL AND updated_at < $2 AND reminder_count < $3
		ORDER BY scheduled_at`, models.FollowUpSent, cutoff, maxReminders)
	if err != nil {
		slog.Error("PostgresStore ListReminderCandidates query failed", "error", err)
		return nil, fmt.Errorf("failed to query reminder candidates: %w", err)
	}
	return collectContactPoints(rows)
}

func (s *PostgresStore) GetActiveContactPoint(patientID string) (*models.ContactPoint, error) {
	row := s.db.QueryRow(`
		SELECT `+contactPointColumns+` FROM contact_points
		WHERE patient_id = $1 AND status IN ($2, $3)
		ORDER BY scheduled_at DESC LIMIT 1`,
		patientID, models.FollowUpSent, models.FollowUpOverdue)
	cp, err := scanContactPoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan active contact point for %s: %w", patientID, err)
	}
	return &cp, nil
}

func (s *PostgresStore) UpdateContactPointStatusIf(id string, from, to models.FollowUpStatus, at time.Time, note string) error {
	if !models.CanTransition(from, to) {
		return fmt.Errorf("%w: illegal transition %s -> %s", models.ErrValidation, from, to)
	}
	query := `UPDATE contact_points SET status = $1, updated_at = $2`
	args := []any{to, at}
	idx := 3
	switch to {
	case models.FollowUpSent:
		query += fmt.Sprintf(`, sent_at = $%d`, idx)
		args = append(args, at)
		idx++
	case models.FollowUpResponded:
		query += fmt.Sprintf(`, responded_at = $%d`, idx)
		args = append(args, at)
		idx++
	}
	if note != "" {
		query += fmt.Sprintf(`, audit_note = $%d`, idx)
		args = append(args, note)
		idx++
	}
	query += fmt.Sprintf(` WHERE id = $%d AND status = $%d`, idx, idx+1)
	args = append(args, id, from)

	res, err := s.db.Exec(query, args...)
	if err != nil {
		slog.Error("PostgresStore UpdateContactPointStatusIf failed", "error", err, "contact_point_id", id)
		return fmt.Errorf("failed to transition contact point %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.GetContactPoint(id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: contact point %s not in status %s", models.ErrStatusConflict, id, from)
	}
	slog.Debug("PostgresStore UpdateContactPointStatusIf succeeded", "contact_point_id", id, "from", from, "to", to)
	return nil
}

func (s *PostgresStore) IncrementAttempt(id string, note string) (int, error) {
	row := s.db.QueryRow(`
		UPDATE contact_points
		SET attempt_count = attempt_count + 1, audit_note = $1, updated_at = $2
		WHERE id = $3
		RETURNING attempt_count`, nilIfEmpty(note), time.Now().UTC(), id)
	var count int
	err := row.Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, models.ErrNotFound
	}
	if err != nil {
		slog.Error("PostgresStore IncrementAttempt failed", "error", err, "contact_point_id", id)
		return 0, fmt.Errorf("failed to increment attempt for %s: %w", id, err)
	}
	return count, nil
}

func (s *PostgresStore) IncrementReminder(id string) (int, error) {
	row := s.db.QueryRow(`
		UPDATE contact_points
		SET reminder_count = reminder_count + 1, updated_at = $1
		WHERE id = $2
		RETURNING reminder_count`, time.Now().UTC(), id)
	var count int
	err := row.Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, models.ErrNotFound
	}
	if err != nil {
		slog.Error("PostgresStore IncrementReminder failed", "error", err, "contact_point_id", id)
		return 0, fmt.Errorf("failed to increment reminder for %s: %w", id, err)
	}
	return count, nil
}

func (s *PostgresStore) SaveSession(sess models.ConversationSession) error {
	turnsJSON, err := marshalJSON(sess.Turns)
	if err != nil {
		return fmt.Errorf("failed to encode session turns: %w", err)
	}
	answersJSON, err := marshalJSON(sess.Answers)
	if err != nil {
		return fmt.Errorf("failed to encode session answers: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO sessions (contact_point_id, id, patient_id, procedure_type, day_offset, turns, answers, completed, fallback_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (contact_point_id) DO UPDATE SET
			turns = EXCLUDED.turns,
			answers = EXCLUDED.answers,
			completed = EXCLUDED.completed,
			fallback_count = EXCLUDED.fallback_count,
			updated_at = EXCLUDED.updated_at`,
		sess.ContactPointID, sess.ID, sess.PatientID, sess.ProcedureType, sess.DayOffset,
		nilIfEmpty(turnsJSON), nilIfEmpty(answersJSON), sess.Completed, sess.FallbackCount,
		sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveSession failed", "error", err, "session_id", sess.ID)
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}
	slog.Debug("PostgresStore SaveSession succeeded", "session_id", sess.ID, "contact_point_id", sess.ContactPointID)
	return nil
}

func (s *PostgresStore) GetSessionByContactPoint(contactPointID string) (*models.ConversationSession, error) {
	row := s.db.QueryRow(`
		SELECT id, contact_point_id, patient_id, procedure_type, day_offset, turns, answers, completed, fallback_count, created_at, updated_at
		FROM sessions WHERE contact_point_id = $1`, contactPointID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session for contact point %s: %w", contactPointID, err)
	}
	return &sess, nil
}

func (s *PostgresStore) SaveAssessment(a models.RiskAssessment) error {
	flagsJSON, err := marshalJSON(a.Flags)
	if err != nil {
		return fmt.Errorf("failed to encode assessment flags: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO assessments (contact_point_id, id, patient_id, rule_level, model_level, final_level, flags, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ContactPointID, a.ID, a.PatientID, a.RuleLevel, a.ModelLevel, a.FinalLevel,
		nilIfEmpty(flagsJSON), a.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveAssessment failed", "error", err, "contact_point_id", a.ContactPointID)
		return fmt.Errorf("failed to save assessment for %s: %w", a.ContactPointID, err)
	}
	slog.Debug("PostgresStore SaveAssessment succeeded", "contact_point_id", a.ContactPointID, "final_level", a.FinalLevel)
	return nil
}

func (s *PostgresStore) GetAssessmentByContactPoint(contactPointID string) (*models.RiskAssessment, error) {
	row := s.db.QueryRow(`
		SELECT id, contact_point_id, patient_id, rule_level, model_level, final_level, flags, created_at
		FROM assessments WHERE contact_point_id = $1`, contactPointID)
	a, err := scanAssessment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan assessment for contact point %s: %w", contactPointID, err)
	}
	return &a, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
