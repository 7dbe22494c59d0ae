// Package store provides storage backends for postop.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vigia-med/postop/internal/models"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store. The DSN is a file path; the
// parent directory is created if it does not exist.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.SQLiteDSN != "")

	dsn := cfg.SQLiteDSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

const contactPointColumns = `id, patient_id, day_offset, scheduled_at, status, attempt_count, reminder_count, sent_at, responded_at, audit_note, created_at, updated_at`

func (s *SQLiteStore) SavePatient(p models.Patient) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO patients (id, name, phone, procedure_type, procedure_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Phone, p.ProcedureType, p.ProcedureDate, p.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore SavePatient failed", "error", err, "patient_id", p.ID)
		return fmt.Errorf("failed to save patient %s: %w", p.ID, err)
	}
	slog.Debug("SQLiteStore SavePatient succeeded", "patient_id", p.ID)
	return nil
}

func (s *SQLiteStore) GetPatient(id string) (*models.Patient, error) {
	row := s.db.QueryRow(`SELECT id, name, phone, procedure_type, procedure_date, created_at FROM patients WHERE id = ?`, id)
	return scanPatient(row, id)
}

func (s *SQLiteStore) GetPatientByPhone(phone string) (*models.Patient, error) {
	row := s.db.QueryRow(`SELECT id, name, phone, procedure_type, procedure_date, created_at FROM patients WHERE phone = ?`, phone)
	return scanPatient(row, phone)
}

func scanPatient(row *sql.Row, key string) (*models.Patient, error) {
	var p models.Patient
	err := row.Scan(&p.ID, &p.Name, &p.Phone, &p.ProcedureType, &p.ProcedureDate, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		slog.Error("store scanPatient failed", "error", err, "key", key)
		return nil, fmt.Errorf("failed to scan patient %s: %w", key, err)
	}
	return &p, nil
}

func (s *SQLiteStore) CreateContactPoints(cps []models.ContactPoint) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, cp := range cps {
		_, err := tx.Exec(`
			INSERT INTO contact_points (`+contactPointColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cp.ID, cp.PatientID, cp.DayOffset, cp.ScheduledAt, cp.Status,
			cp.AttemptCount, cp.ReminderCount, cp.SentAt, cp.RespondedAt,
			nilIfEmpty(cp.AuditNote), cp.CreatedAt, cp.UpdatedAt)
		if err != nil {
			slog.Error("SQLiteStore CreateContactPoints insert failed", "error", err, "contact_point_id", cp.ID)
			return fmt.Errorf("failed to insert contact point %s: %w", cp.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit contact points: %w", err)
	}
	slog.Debug("SQLiteStore CreateContactPoints succeeded", "count", len(cps))
	return nil
}

func (s *SQLiteStore) GetContactPoint(id string) (*models.ContactPoint, error) {
	row := s.db.QueryRow(`SELECT `+contactPointColumns+` FROM contact_points WHERE id = ?`, id)
	cp, err := scanContactPoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan contact point %s: %w", id, err)
	}
	return &cp, nil
}

func (s *SQLiteStore) ListDueContactPoints(status models.FollowUpStatus, from, to time.Time) ([]models.ContactPoint, error) {
	rows, err := s.db.Query(`
		SELECT `+contactPointColumns+` FROM contact_points
		WHERE status = ? AND scheduled_at >= ? AND scheduled_at < ?
		ORDER BY scheduled_at`, status, from, to)
	if err != nil {
		slog.Error("SQLiteStore ListDueContactPoints query failed", "error", err)
		return nil, fmt.Errorf("failed to query due contact points: %w", err)
	}
	return collectContactPoints(rows)
}

func (s *SQLiteStore) ListOverdueCandidates(cutoff time.Time) ([]models.ContactPoint, error) {
	rows, err := s.db.Query(`
		SELECT `+contactPointColumns+` FROM contact_points
		WHERE status IN (?, ?) AND scheduled_at < ?
		ORDER BY scheduled_at`, models.FollowUpPending, models.FollowUpSent, cutoff)
	if err != nil {
		slog.Error("SQLiteStore ListOverdueCandidates query failed", "error", err)
		return nil, fmt.Errorf("failed to query overdue candidates: %w", err)
	}
	return collectContactPoints(rows)
}

func (s *SQLiteStore) ListReminderCandidates(cutoff time.Time, maxReminders int) ([]models.ContactPoint, error) {
	rows, err := s.db.Query(`
		SELECT `+contactPointColumns+` FROM contact_points
		WHERE status = ? AND responded_at IS NULL AND updated_at < ? AND reminder_count < ?
		ORDER BY scheduled_at`, models.FollowUpSent, cutoff, maxReminders)
	if err != nil {
		slog.Error("SQLiteStore ListReminderCandidates query failed", "error", err)
		return nil, fmt.Errorf("failed to query reminder candidates: %w", err)
	}
	return collectContactPoints(rows)
}

func (s *SQLiteStore) GetActiveContactPoint(patientID string) (*models.ContactPoint, error) {
	row := s.db.QueryRow(`
		SELECT `+contactPointColumns+` FROM contact_points
		WHERE patient_id = ? AND status IN (?, ?)
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

func (s *SQLiteStore) UpdateContactPointStatusIf(id string, from, to models.FollowUpStatus, at time.Time, note string) error {
	if !models.CanTransition(from, to) {
		return fmt.Errorf("%w: illegal transition %s -> %s", models.ErrValidation, from, to)
	}
	query := `UPDATE contact_points SET status = ?, updated_at = ?`
	args := []any{to, at}
	switch to {
	case models.FollowUpSent:
		query += `, sent_at = ?`
		args = append(args, at)
	case models.FollowUpResponded:
		query += `, responded_at = ?`
		args = append(args, at)
	}
	if note != "" {
		query += `, audit_note = ?`
		args = append(args, note)
	}
	query += ` WHERE id = ? AND status = ?`
	args = append(args, id, from)

	res, err := s.db.Exec(query, args...)
	if err != nil {
		slog.Error("SQLiteStore UpdateContactPointStatusIf failed", "error", err, "contact_point_id", id)
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
	slog.Debug("SQLiteStore UpdateContactPointStatusIf succeeded", "contact_point_id", id, "from", from, "to", to)
	return nil
}

func (s *SQLiteStore) IncrementAttempt(id string, note string) (int, error) {
	row := s.db.QueryRow(`
		UPDATE contact_points
		SET attempt_count = attempt_count + 1, audit_note = ?, updated_at = ?
		WHERE id = ?
		RETURNING attempt_count`, nilIfEmpty(note), time.Now().UTC(), id)
	var count int
	err := row.Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, models.ErrNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore IncrementAttempt failed", "error", err, "contact_point_id", id)
		return 0, fmt.Errorf("failed to increment attempt for %s: %w", id, err)
	}
	return count, nil
}

func (s *SQLiteStore) IncrementReminder(id string) (int, error) {
	row := s.db.QueryRow(`
		UPDATE contact_points
		SET reminder_count = reminder_count + 1, updated_at = ?
		WHERE id = ?
		RETURNING reminder_count`, time.Now().UTC(), id)
	var count int
	err := row.Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, models.ErrNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore IncrementReminder failed", "error", err, "contact_point_id", id)
		return 0, fmt.Errorf("failed to increment reminder for %s: %w", id, err)
	}
	return count, nil
}

func (s *SQLiteStore) SaveSession(sess models.ConversationSession) error {
	turnsJSON, err := marshalJSON(sess.Turns)
	if err != nil {
		return fmt.Errorf("failed to encode session turns: %w", err)
	}
	answersJSON, err := marshalJSON(sess.Answers)
	if err != nil {
		return fmt.Errorf("failed to encode session answers: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO sessions (contact_point_id, id, patient_id, procedure_type, day_offset, turns, answers, completed, fallback_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ContactPointID, sess.ID, sess.PatientID, sess.ProcedureType, sess.DayOffset,
		nilIfEmpty(turnsJSON), nilIfEmpty(answersJSON), sess.Completed, sess.FallbackCount,
		sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveSession failed", "error", err, "session_id", sess.ID)
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}
	slog.Debug("SQLiteStore SaveSession succeeded", "session_id", sess.ID, "contact_point_id", sess.ContactPointID)
	return nil
}

func (s *SQLiteStore) GetSessionByContactPoint(contactPointID string) (*models.ConversationSession, error) {
	row := s.db.QueryRow(`
		SELECT id, contact_point_id, patient_id, procedure_type, day_offset, turns, answers, completed, fallback_count, created_at, updated_at
		FROM sessions WHERE contact_point_id = ?`, contactPointID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session for contact point %s: %w", contactPointID, err)
	}
	return &sess, nil
}

func (s *SQLiteStore) SaveAssessment(a models.RiskAssessment) error {
	flagsJSON, err := marshalJSON(a.Flags)
	if err != nil {
		return fmt.Errorf("failed to encode assessment flags: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO assessments (contact_point_id, id, patient_id, rule_level, model_level, final_level, flags, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ContactPointID, a.ID, a.PatientID, a.RuleLevel, a.ModelLevel, a.FinalLevel,
		nilIfEmpty(flagsJSON), a.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveAssessment failed", "error", err, "contact_point_id", a.ContactPointID)
		return fmt.Errorf("failed to save assessment for %s: %w", a.ContactPointID, err)
	}
	slog.Debug("SQLiteStore SaveAssessment succeeded", "contact_point_id", a.ContactPointID, "final_level", a.FinalLevel)
	return nil
}

func (s *SQLiteStore) GetAssessmentByContactPoint(contactPointID string) (*models.RiskAssessment, error) {
	row := s.db.QueryRow(`
		SELECT id, contact_point_id, patient_id, rule_level, model_level, final_level, flags, created_at
		FROM assessments WHERE contact_point_id = ?`, contactPointID)
	a, err := scanAssessment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan assessment for contact point %s: %w", contactPointID, err)
	}
	return &a, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}

func collectContactPoints(rows *sql.Rows) ([]models.ContactPoint, error) {
	defer rows.Close()
	var out []models.ContactPoint
	for rows.Next() {
		cp, err := scanContactPoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contact point row: %w", err)
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate contact point rows: %w", err)
	}
	return out, nil
}
