// Package memory backs the queue with process-local maps. It serves local
// development when no DB_DSN is configured and the unit tests; the
// postgres implementation is the production backend.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/azirkitai/quetama-live-sub000/internal/models"
	"github.com/azirkitai/quetama-live-sub000/internal/store"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

type userRecord struct {
	user         models.User
	passwordHash string
}

type Store struct {
	mu        sync.RWMutex
	patients  map[string]models.Patient
	windows   map[string]models.Window
	sequences map[string]int
	pairings  map[string]models.PairingSession
	users     map[string]userRecord
	sessions  map[string]models.Session
}

func NewStore() *Store {
	return &Store{
		patients:  make(map[string]models.Patient),
		windows:   make(map[string]models.Window),
		sequences: make(map[string]int),
		pairings:  make(map[string]models.PairingSession),
		users:     make(map[string]userRecord),
		sessions:  make(map[string]models.Session),
	}
}

func clonePatient(p models.Patient) models.Patient {
	out := p
	if p.WindowID != nil {
		v := *p.WindowID
		out.WindowID = &v
	}
	if p.LastWindowID != nil {
		v := *p.LastWindowID
		out.LastWindowID = &v
	}
	if p.CalledAt != nil {
		v := *p.CalledAt
		out.CalledAt = &v
	}
	if p.CompletedAt != nil {
		v := *p.CompletedAt
		out.CompletedAt = &v
	}
	out.Tracking = append([]models.TrackingEntry(nil), p.Tracking...)
	return out
}

func cloneWindow(w models.Window) models.Window {
	out := w
	if w.CurrentPatientID != nil {
		v := *w.CurrentPatientID
		out.CurrentPatientID = &v
	}
	return out
}

func (s *Store) RegisterPatient(ctx context.Context, input store.RegisterPatientInput) (models.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	registeredAt := input.RegisteredAt
	if registeredAt.IsZero() {
		registeredAt = time.Now().UTC()
	}

	s.sequences[input.TenantID]++
	patient := models.Patient{
		PatientID:      uuid.NewString(),
		TenantID:       input.TenantID,
		Number:         s.sequences[input.TenantID],
		Name:           input.Name,
		Status:         models.StatusWaiting,
		IsPriority:     input.IsPriority,
		PriorityReason: input.PriorityReason,
		RegisteredAt:   registeredAt,
		Tracking: []models.TrackingEntry{
			{At: registeredAt, Action: "registered"},
		},
	}
	s.patients[patient.PatientID] = patient
	return clonePatient(patient), nil
}

func (s *Store) GetPatient(ctx context.Context, tenantID, patientID string) (models.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	patient, ok := s.patients[patientID]
	if !ok || patient.TenantID != tenantID {
		return models.Patient{}, store.ErrPatientNotFound
	}
	return clonePatient(patient), nil
}

func (s *Store) ListPatients(ctx context.Context, tenantID string, statuses []models.Status) ([]models.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var patients []models.Patient
	for _, patient := range s.patients {
		if patient.TenantID != tenantID {
			continue
		}
		if len(statuses) > 0 && !containsStatus(statuses, patient.Status) {
			continue
		}
		patients = append(patients, clonePatient(patient))
	}
	sort.Slice(patients, func(i, j int) bool {
		return patients[i].RegisteredAt.Before(patients[j].RegisteredAt)
	})
	return patients, nil
}

func (s *Store) DeletePatient(ctx context.Context, tenantID, patientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	patient, ok := s.patients[patientID]
	if !ok || patient.TenantID != tenantID {
		return store.ErrPatientNotFound
	}
	if patient.WindowID != nil {
		if window, ok := s.windows[*patient.WindowID]; ok {
			if window.CurrentPatientID != nil && *window.CurrentPatientID == patientID {
				window.CurrentPatientID = nil
				s.windows[window.WindowID] = window
			}
		}
	}
	delete(s.patients, patientID)
	return nil
}

func (s *Store) PatientsByWindow(ctx context.Context, tenantID, windowID string) ([]models.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.windows[windowID]; !ok || s.windows[windowID].TenantID != tenantID {
		return nil, store.ErrWindowNotFound
	}

	var patients []models.Patient
	for _, patient := range s.patients {
		if patient.TenantID != tenantID {
			continue
		}
		if patient.WindowID != nil && *patient.WindowID == windowID {
			patients = append(patients, clonePatient(patient))
		} else if patient.LastWindowID != nil && *patient.LastWindowID == windowID {
			patients = append(patients, clonePatient(patient))
		}
	}
	sort.Slice(patients, func(i, j int) bool {
		return patients[i].RegisteredAt.Before(patients[j].RegisteredAt)
	})
	return patients, nil
}

func (s *Store) ApplyTransition(ctx context.Context, input store.ApplyTransitionInput) (models.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.patients[input.Patient.PatientID]
	if !ok || current.TenantID != input.TenantID {
		return models.Patient{}, store.ErrPatientNotFound
	}

	if input.ClaimWindowID != "" {
		window, ok := s.windows[input.ClaimWindowID]
		if !ok || window.TenantID != input.TenantID {
			return models.Patient{}, store.ErrWindowNotFound
		}
		if window.CurrentPatientID != nil && *window.CurrentPatientID != input.Patient.PatientID {
			return models.Patient{}, store.ErrWindowOccupied
		}
	}

	if input.ReleaseWindowID != "" {
		if window, ok := s.windows[input.ReleaseWindowID]; ok {
			if window.CurrentPatientID != nil && *window.CurrentPatientID == input.Patient.PatientID {
				window.CurrentPatientID = nil
				s.windows[window.WindowID] = window
			}
		}
	}
	if input.ClaimWindowID != "" {
		window := s.windows[input.ClaimWindowID]
		patientID := input.Patient.PatientID
		window.CurrentPatientID = &patientID
		s.windows[window.WindowID] = window
	}

	updated := clonePatient(input.Patient)
	updated.TenantID = input.TenantID
	updated.Tracking = append(append([]models.TrackingEntry(nil), current.Tracking...), input.Entry)
	s.patients[updated.PatientID] = updated
	return clonePatient(updated), nil
}

func (s *Store) CreateWindow(ctx context.Context, window models.Window) (models.Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if window.WindowID == "" {
		window.WindowID = uuid.NewString()
	}
	window.CurrentPatientID = nil
	s.windows[window.WindowID] = window
	return cloneWindow(window), nil
}

func (s *Store) GetWindow(ctx context.Context, tenantID, windowID string) (models.Window, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	window, ok := s.windows[windowID]
	if !ok || window.TenantID != tenantID {
		return models.Window{}, store.ErrWindowNotFound
	}
	return cloneWindow(window), nil
}

func (s *Store) ListWindows(ctx context.Context, tenantID string) ([]models.Window, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var windows []models.Window
	for _, window := range s.windows {
		if window.TenantID != tenantID {
			continue
		}
		windows = append(windows, cloneWindow(window))
	}
	sort.Slice(windows, func(i, j int) bool {
		return windows[i].Name < windows[j].Name
	})
	return windows, nil
}

func (s *Store) UpdateWindow(ctx context.Context, input store.UpdateWindowInput) (models.Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	window, ok := s.windows[input.WindowID]
	if !ok || window.TenantID != input.TenantID {
		return models.Window{}, store.ErrWindowNotFound
	}
	if input.Active != nil && !*input.Active && window.CurrentPatientID != nil {
		return models.Window{}, store.ErrWindowOccupied
	}
	if input.Name != nil {
		window.Name = *input.Name
	}
	if input.Active != nil {
		window.Active = *input.Active
	}
	s.windows[window.WindowID] = window
	return cloneWindow(window), nil
}

func (s *Store) DeleteWindow(ctx context.Context, tenantID, windowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	window, ok := s.windows[windowID]
	if !ok || window.TenantID != tenantID {
		return store.ErrWindowNotFound
	}
	if window.CurrentPatientID != nil {
		return store.ErrWindowOccupied
	}
	delete(s.windows, windowID)
	return nil
}

func (s *Store) NextSequenceNumber(ctx context.Context, tenantID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sequences[tenantID] + 1, nil
}

func (s *Store) ResetSequence(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequences[tenantID] = 0
	return nil
}

func (s *Store) CreatePairingSession(ctx context.Context, session models.PairingSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairings[session.QRID] = session
	return nil
}

func (s *Store) GetPairingSession(ctx context.Context, qrID string) (models.PairingSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.pairings[qrID]
	if !ok {
		return models.PairingSession{}, store.ErrPairingNotFound
	}
	return session, nil
}

func (s *Store) AdvancePairingPhase(ctx context.Context, qrID, fromPhase, toPhase, tenantID, userID string) (models.PairingSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.pairings[qrID]
	if !ok {
		return models.PairingSession{}, store.ErrPairingNotFound
	}
	if session.Phase != fromPhase {
		if session.Phase == models.PhaseFinalized {
			return models.PairingSession{}, store.ErrPairingUsed
		}
		return models.PairingSession{}, store.ErrPairingPhase
	}
	session.Phase = toPhase
	if tenantID != "" {
		session.TenantID = tenantID
	}
	if userID != "" {
		session.UserID = userID
	}
	s.pairings[qrID] = session
	return session, nil
}

func (s *Store) DeleteExpiredPairingSessions(ctx context.Context, before time.Time, limit int) ([]models.PairingSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted []models.PairingSession
	for qrID, session := range s.pairings {
		if !session.ExpiresAt.Before(before) {
			continue
		}
		deleted = append(deleted, session)
		delete(s.pairings, qrID)
		if limit > 0 && len(deleted) >= limit {
			break
		}
	}
	return deleted, nil
}

// AddUser seeds a credential record; it is not part of the QueueStore
// interface and exists for tests and local bootstrap.
func (s *Store) AddUser(user models.User, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.UserID == "" {
		user.UserID = uuid.NewString()
	}
	s.users[userKey(user.TenantID, user.Email)] = userRecord{user: user, passwordHash: string(hash)}
	return nil
}

func (s *Store) Login(ctx context.Context, tenantID, email, password string) (models.User, error) {
	s.mu.RLock()
	record, ok := s.users[userKey(tenantID, email)]
	s.mu.RUnlock()
	if !ok {
		return models.User{}, store.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(record.passwordHash), []byte(password)); err != nil {
		return models.User{}, store.ErrInvalidCredentials
	}
	return record.user, nil
}

func (s *Store) CreateSession(ctx context.Context, userID, tenantID string, expiresAt time.Time) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session := models.Session{
		SessionID: uuid.NewString(),
		UserID:    userID,
		TenantID:  tenantID,
		ExpiresAt: expiresAt,
	}
	s.sessions[session.SessionID] = session
	return session, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok || session.ExpiresAt.Before(time.Now().UTC()) {
		return models.Session{}, store.ErrSessionNotFound
	}
	return session, nil
}

func userKey(tenantID, email string) string {
	return tenantID + "|" + strings.ToLower(email)
}

func containsStatus(statuses []models.Status, status models.Status) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
