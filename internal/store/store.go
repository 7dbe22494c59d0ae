// Package store provides storage backends for postop.
//
// It defines the Store interface over patients, contact points, conversation
// sessions, and risk assessments, with SQLite, PostgreSQL, and in-memory
// implementations. Status changes go through a conditional update so
// concurrent sweeps cannot double-apply a transition.
package store

import (
	"strings"
	"time"

	"github.com/vigia-med/postop/internal/models"
)

// Store is the persistence interface shared by all backends.
type Store interface {
	// SavePatient inserts or updates a patient record.
	SavePatient(p models.Patient) error
	// GetPatient retrieves a patient by id. Returns models.ErrNotFound if absent.
	GetPatient(id string) (*models.Patient, error)
	// GetPatientByPhone retrieves a patient by canonical phone number.
	GetPatientByPhone(phone string) (*models.Patient, error)

	// CreateContactPoints inserts a batch of scheduled contact points.
	CreateContactPoints(cps []models.ContactPoint) error
	// GetContactPoint retrieves a contact point by id.
	GetContactPoint(id string) (*models.ContactPoint, error)
	// ListDueContactPoints returns contact points in the given status
	// scheduled within [from, to).
	ListDueContactPoints(status models.FollowUpStatus, from, to time.Time) ([]models.ContactPoint, error)
	// ListOverdueCandidates returns pending and sent contact points
	// scheduled before the cutoff.
	ListOverdueCandidates(cutoff time.Time) ([]models.ContactPoint, error)
	// ListReminderCandidates returns sent, unanswered contact points last
	// touched before the cutoff with fewer than maxReminders reminders.
	ListReminderCandidates(cutoff time.Time, maxReminders int) ([]models.ContactPoint, error)
	// GetActiveContactPoint returns the patient's most recent contact point
	// awaiting a reply, or models.ErrNotFound.
	GetActiveContactPoint(patientID string) (*models.ContactPoint, error)
	// UpdateContactPointStatusIf transitions a contact point from one status
	// to another, stamping sent/responded times as appropriate. Returns
	// models.ErrStatusConflict when the current status differs from the
	// expected one.
	UpdateContactPointStatusIf(id string, from, to models.FollowUpStatus, at time.Time, note string) error
	// IncrementAttempt bumps the delivery attempt counter and records an
	// audit note, returning the new count.
	IncrementAttempt(id string, note string) (int, error)
	// IncrementReminder bumps the reminder counter, returning the new count.
	IncrementReminder(id string) (int, error)

	// SaveSession inserts or updates a conversation session.
	SaveSession(s models.ConversationSession) error
	// GetSessionByContactPoint retrieves the session attached to a contact point.
	GetSessionByContactPoint(contactPointID string) (*models.ConversationSession, error)

	// SaveAssessment persists a completed risk assessment. Assessments are
	// immutable; saving twice for the same contact point is an error.
	SaveAssessment(a models.RiskAssessment) error
	// GetAssessmentByContactPoint retrieves the assessment for a contact point.
	GetAssessmentByContactPoint(contactPointID string) (*models.RiskAssessment, error)

	// Close releases backend resources.
	Close() error
}

// Opts holds configuration options for store construction.
type Opts struct {
	PostgresDSN string
	SQLiteDSN   string
}

// Option defines a configuration option for store construction.
type Option func(*Opts)

// WithPostgresDSN configures a PostgreSQL-backed store.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.PostgresDSN = dsn }
}

// WithSQLiteDSN configures a SQLite-backed store.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.SQLiteDSN = dsn }
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite" based on its shape.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// NewStore builds a store from the provided options: Postgres when a Postgres
// DSN is set, SQLite when a SQLite DSN is set, otherwise in-memory.
func NewStore(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	switch {
	case cfg.PostgresDSN != "":
		return NewPostgresStore(opts...)
	case cfg.SQLiteDSN != "":
		return NewSQLiteStore(opts...)
	default:
		return NewInMemoryStore(), nil
	}
}
