// Package queue implements the patient/window state machine. The engine
// validates a requested status change against the transition table,
// computes the window occupancy side effects, commits everything through
// the store in one atomic step, and publishes the resulting event to the
// tenant's channel afterwards.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/azirkitai/quetama-live-sub000/internal/models"
	"github.com/azirkitai/quetama-live-sub000/internal/store"
)

const (
	EventPatientCalled  = "patient:called"
	EventPatientUpdated = "patient:updated"
	EventQueueUpdated   = "queue:updated"
)

// Publisher fans an event out to every live connection of a tenant.
// Delivery is best-effort; consumers re-fetch authoritative state.
type Publisher interface {
	PublishTenant(tenantID, eventType string, payload interface{})
}

type TransitionInput struct {
	TenantID  string
	PatientID string
	Target    models.Status
	WindowID  string
	Reason    string
	// ReleaseWindow applies to dispensary transitions only: the caller
	// decides whether the patient keeps their window while at dispensary.
	ReleaseWindow bool
}

type Engine struct {
	store store.QueueStore
	bus   Publisher
	locks *tenantLocks
	now   func() time.Time
}

func NewEngine(st store.QueueStore, bus Publisher) *Engine {
	return &Engine{
		store: st,
		bus:   bus,
		locks: newTenantLocks(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) Transition(ctx context.Context, input TransitionInput) (models.Patient, error) {
	if !input.Target.Valid() {
		return models.Patient{}, store.ErrInvalidTransition
	}

	lock := e.locks.get(input.TenantID)
	lock.Lock()
	defer lock.Unlock()

	patient, err := e.store.GetPatient(ctx, input.TenantID, input.PatientID)
	if err != nil {
		return models.Patient{}, err
	}
	if !store.ValidTransition(input.Target, patient.Status) {
		return models.Patient{}, store.ErrInvalidTransition
	}

	now := e.now()
	apply := store.ApplyTransitionInput{TenantID: input.TenantID}
	eventType := EventPatientUpdated

	switch input.Target {
	case models.StatusCalled:
		window, err := e.store.GetWindow(ctx, input.TenantID, input.WindowID)
		if err != nil {
			return models.Patient{}, err
		}
		if !window.Active {
			return models.Patient{}, store.ErrWindowInactive
		}
		if window.CurrentPatientID != nil && *window.CurrentPatientID != patient.PatientID {
			return models.Patient{}, store.ErrWindowOccupied
		}
		// Recall to a different window transfers the patient: the old
		// window is released in the same commit.
		if patient.WindowID != nil && *patient.WindowID != window.WindowID {
			apply.ReleaseWindowID = *patient.WindowID
		}
		apply.ClaimWindowID = window.WindowID
		windowID := window.WindowID
		patient.Status = models.StatusCalled
		patient.WindowID = &windowID
		patient.CalledAt = &now
		apply.Entry = models.TrackingEntry{At: now, Action: "called", Context: fmt.Sprintf("called to %s", window.Name)}
		eventType = EventPatientCalled

	case models.StatusInProgress:
		patient.Status = models.StatusInProgress
		apply.Entry = models.TrackingEntry{At: now, Action: "consultation started"}

	case models.StatusCompleted:
		if patient.WindowID != nil {
			apply.ReleaseWindowID = *patient.WindowID
		}
		patient.Status = models.StatusCompleted
		patient.WindowID = nil
		patient.CompletedAt = &now
		apply.Entry = models.TrackingEntry{At: now, Action: "completed"}

	case models.StatusRequeue:
		if patient.WindowID != nil {
			released := *patient.WindowID
			apply.ReleaseWindowID = released
			patient.LastWindowID = &released
		}
		patient.Status = models.StatusRequeue
		patient.WindowID = nil
		patient.RequeueReason = input.Reason
		apply.Entry = models.TrackingEntry{At: now, Action: "requeued", Context: input.Reason}

	case models.StatusDispensary:
		if input.ReleaseWindow && patient.WindowID != nil {
			apply.ReleaseWindowID = *patient.WindowID
			patient.WindowID = nil
		}
		patient.Status = models.StatusDispensary
		apply.Entry = models.TrackingEntry{At: now, Action: "sent to dispensary"}

	default:
		return models.Patient{}, store.ErrInvalidTransition
	}

	apply.Patient = patient
	updated, err := e.store.ApplyTransition(ctx, apply)
	if err != nil {
		return models.Patient{}, err
	}

	// Publish after commit. Payloads are invalidation hints; clients
	// re-fetch the queue rather than trusting them as the sole truth.
	if e.bus != nil {
		e.bus.PublishTenant(input.TenantID, eventType, updated)
		e.bus.PublishTenant(input.TenantID, EventQueueUpdated, map[string]string{
			"tenant_id":  input.TenantID,
			"patient_id": updated.PatientID,
		})
	}
	return updated, nil
}

// Register creates a waiting patient and notifies the tenant channel.
func (e *Engine) Register(ctx context.Context, input store.RegisterPatientInput) (models.Patient, error) {
	lock := e.locks.get(input.TenantID)
	lock.Lock()
	defer lock.Unlock()

	patient, err := e.store.RegisterPatient(ctx, input)
	if err != nil {
		return models.Patient{}, err
	}
	if e.bus != nil {
		e.bus.PublishTenant(input.TenantID, EventQueueUpdated, map[string]string{
			"tenant_id":  input.TenantID,
			"patient_id": patient.PatientID,
		})
	}
	return patient, nil
}

// Remove deletes a patient, releasing any window they occupy, and
// notifies the tenant channel.
func (e *Engine) Remove(ctx context.Context, tenantID, patientID string) error {
	lock := e.locks.get(tenantID)
	lock.Lock()
	defer lock.Unlock()

	if err := e.store.DeletePatient(ctx, tenantID, patientID); err != nil {
		return err
	}
	if e.bus != nil {
		e.bus.PublishTenant(tenantID, EventQueueUpdated, map[string]string{
			"tenant_id":  tenantID,
			"patient_id": patientID,
		})
	}
	return nil
}
