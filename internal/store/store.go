package store

import (
	"context"
	"time"

	"github.com/azirkitai/quetama-live-sub000/internal/models"
)

type RegisterPatientInput struct {
	TenantID       string
	Name           string
	IsPriority     bool
	PriorityReason string
	RegisteredAt   time.Time
}

// ApplyTransitionInput carries everything a committed transition writes:
// the patient's new field values, the window occupancy changes, and the
// tracking entry to append. Implementations persist all of it atomically
// or none of it. The patient's Tracking slice is ignored; only Entry is
// appended.
type ApplyTransitionInput struct {
	TenantID        string
	Patient         models.Patient
	ReleaseWindowID string
	ClaimWindowID   string
	Entry           models.TrackingEntry
}

type UpdateWindowInput struct {
	TenantID string
	WindowID string
	Name     *string
	Active   *bool
}

type QueueStore interface {
	RegisterPatient(ctx context.Context, input RegisterPatientInput) (models.Patient, error)
	GetPatient(ctx context.Context, tenantID, patientID string) (models.Patient, error)
	ListPatients(ctx context.Context, tenantID string, statuses []models.Status) ([]models.Patient, error)
	DeletePatient(ctx context.Context, tenantID, patientID string) error
	PatientsByWindow(ctx context.Context, tenantID, windowID string) ([]models.Patient, error)
	ApplyTransition(ctx context.Context, input ApplyTransitionInput) (models.Patient, error)

	CreateWindow(ctx context.Context, window models.Window) (models.Window, error)
	GetWindow(ctx context.Context, tenantID, windowID string) (models.Window, error)
	ListWindows(ctx context.Context, tenantID string) ([]models.Window, error)
	UpdateWindow(ctx context.Context, input UpdateWindowInput) (models.Window, error)
	DeleteWindow(ctx context.Context, tenantID, windowID string) error

	NextSequenceNumber(ctx context.Context, tenantID string) (int, error)
	ResetSequence(ctx context.Context, tenantID string) error

	CreatePairingSession(ctx context.Context, session models.PairingSession) error
	GetPairingSession(ctx context.Context, qrID string) (models.PairingSession, error)
	AdvancePairingPhase(ctx context.Context, qrID, fromPhase, toPhase, tenantID, userID string) (models.PairingSession, error)
	DeleteExpiredPairingSessions(ctx context.Context, before time.Time, limit int) ([]models.PairingSession, error)

	Login(ctx context.Context, tenantID, email, password string) (models.User, error)
	CreateSession(ctx context.Context, userID, tenantID string, expiresAt time.Time) (models.Session, error)
	GetSession(ctx context.Context, sessionID string) (models.Session, error)
}
