package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vigia-med/postop/internal/models"
)

// InMemoryStore keeps all records in process memory. It backs tests and
// no-database deployments.
type InMemoryStore struct {
	mu            sync.RWMutex
	patients      map[string]models.Patient
	contactPoints map[string]models.ContactPoint
	sessions      map[string]models.ConversationSession // keyed by contact point id
	assessments   map[string]models.RiskAssessment      // keyed by contact point id
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		patients:      make(map[string]models.Patient),
		contactPoints: make(map[string]models.ContactPoint),
		sessions:      make(map[string]models.ConversationSession),
		assessments:   make(map[string]models.RiskAssessment),
	}
}

func (s *InMemoryStore) SavePatient(p models.Patient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients[p.ID] = p
	return nil
}

func (s *InMemoryStore) GetPatient(id string) (*models.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patients[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &p, nil
}

func (s *InMemoryStore) GetPatientByPhone(phone string) (*models.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.patients {
		if p.Phone == phone {
			found := p
			return &found, nil
		}
	}
	return nil, models.ErrNotFound
}

func (s *InMemoryStore) CreateContactPoints(cps []models.ContactPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cp := range cps {
		if _, exists := s.contactPoints[cp.ID]; exists {
			return fmt.Errorf("contact point %s already exists", cp.ID)
		}
	}
	for _, cp := range cps {
		s.contactPoints[cp.ID] = cp
	}
	return nil
}

func (s *InMemoryStore) GetContactPoint(id string) (*models.ContactPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.contactPoints[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &cp, nil
}

func (s *InMemoryStore) ListDueContactPoints(status models.FollowUpStatus, from, to time.Time) ([]models.ContactPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ContactPoint
	for _, cp := range s.contactPoints {
		if cp.Status == status && !cp.ScheduledAt.Before(from) && cp.ScheduledAt.Before(to) {
			out = append(out, cp)
		}
	}
	sortByScheduledAt(out)
	return out, nil
}

func (s *InMemoryStore) ListOverdueCandidates(cutoff time.Time) ([]models.ContactPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ContactPoint
	for _, cp := range s.contactPoints {
		if (cp.Status == models.FollowUpPending || cp.Status == models.FollowUpSent) && cp.ScheduledAt.Before(cutoff) {
			out = append(out, cp)
		}
	}
	sortByScheduledAt(out)
	return out, nil
}

func (s *InMemoryStore) ListReminderCandidates(cutoff time.Time, maxReminders int) ([]models.ContactPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ContactPoint
	for _, cp := range s.contactPoints {
		if cp.Status == models.FollowUpSent && cp.RespondedAt == nil &&
			cp.UpdatedAt.Before(cutoff) && cp.ReminderCount < maxReminders {
			out = append(out, cp)
		}
	}
	sortByScheduledAt(out)
	return out, nil
}

func (s *InMemoryStore) GetActiveContactPoint(patientID string) (*models.ContactPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *models.ContactPoint
	for _, cp := range s.contactPoints {
		if cp.PatientID != patientID {
			continue
		}
		if cp.Status != models.FollowUpSent && cp.Status != models.FollowUpOverdue {
			continue
		}
		candidate := cp
		if best == nil || candidate.ScheduledAt.After(best.ScheduledAt) {
			best = &candidate
		}
	}
	if best == nil {
		return nil, models.ErrNotFound
	}
	return best, nil
}

func (s *InMemoryStore) UpdateContactPointStatusIf(id string, from, to models.FollowUpStatus, at time.Time, note string) error {
	if !models.CanTransition(from, to) {
		return fmt.Errorf("%w: illegal transition %s -> %s", models.ErrValidation, from, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.contactPoints[id]
	if !ok {
		return models.ErrNotFound
	}
	if cp.Status != from {
		return fmt.Errorf("%w: expected %s, found %s", models.ErrStatusConflict, from, cp.Status)
	}
	cp.Status = to
	cp.UpdatedAt = at
	if note != "" {
		cp.AuditNote = note
	}
	switch to {
	case models.FollowUpSent:
		t := at
		cp.SentAt = &t
	case models.FollowUpResponded:
		t := at
		cp.RespondedAt = &t
	}
	s.contactPoints[id] = cp
	return nil
}

func (s *InMemoryStore) IncrementAttempt(id string, note string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.contactPoints[id]
	if !ok {
		return 0, models.ErrNotFound
	}
	cp.AttemptCount++
	if note != "" {
		cp.AuditNote = note
	}
	cp.UpdatedAt = time.Now().UTC()
	s.contactPoints[id] = cp
	return cp.AttemptCount, nil
}

func (s *InMemoryStore) IncrementReminder(id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.contactPoints[id]
	if !ok {
		return 0, models.ErrNotFound
	}
	cp.ReminderCount++
	cp.UpdatedAt = time.Now().UTC()
	s.contactPoints[id] = cp
	return cp.ReminderCount, nil
}

func (s *InMemoryStore) SaveSession(sess models.ConversationSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ContactPointID] = sess
	return nil
}

func (s *InMemoryStore) GetSessionByContactPoint(contactPointID string) (*models.ConversationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[contactPointID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &sess, nil
}

func (s *InMemoryStore) SaveAssessment(a models.RiskAssessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.assessments[a.ContactPointID]; exists {
		return fmt.Errorf("assessment already recorded for contact point %s", a.ContactPointID)
	}
	s.assessments[a.ContactPointID] = a
	return nil
}

func (s *InMemoryStore) GetAssessmentByContactPoint(contactPointID string) (*models.RiskAssessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assessments[contactPointID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &a, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}

func sortByScheduledAt(cps []models.ContactPoint) {
	sort.Slice(cps, func(i, j int) bool {
		return cps[i].ScheduledAt.Before(cps[j].ScheduledAt)
	})
}
