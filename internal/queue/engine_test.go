package queue

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/azirkitai/quetama-live-sub000/internal/models"
	"github.com/azirkitai/quetama-live-sub000/internal/store"
	"github.com/azirkitai/quetama-live-sub000/internal/store/memory"
)

type busEvent struct {
	tenantID  string
	eventType string
}

type recordingBus struct {
	mu     sync.Mutex
	events []busEvent
}

func (b *recordingBus) PublishTenant(tenantID, eventType string, payload interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, busEvent{tenantID: tenantID, eventType: eventType})
}

func (b *recordingBus) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, event := range b.events {
		out = append(out, event.eventType)
	}
	return out
}

const (
	tenantA = "aaaaaaaa-0000-0000-0000-000000000001"
	tenantB = "aaaaaaaa-0000-0000-0000-000000000002"
)

func newFixture(t *testing.T) (*Engine, *memory.Store, *recordingBus) {
	t.Helper()
	st := memory.NewStore()
	bus := &recordingBus{}
	return NewEngine(st, bus), st, bus
}

func registerPatient(t *testing.T, engine *Engine, tenantID string) models.Patient {
	t.Helper()
	patient, err := engine.Register(context.Background(), store.RegisterPatientInput{
		TenantID: tenantID,
		Name:     "Patient",
	})
	if err != nil {
		t.Fatalf("register patient: %v", err)
	}
	return patient
}

func createWindow(t *testing.T, st *memory.Store, tenantID, name string, active bool) models.Window {
	t.Helper()
	window, err := st.CreateWindow(context.Background(), models.Window{
		TenantID: tenantID,
		Name:     name,
		Active:   active,
	})
	if err != nil {
		t.Fatalf("create window: %v", err)
	}
	return window
}

func TestRegisterAssignsSequentialNumbers(t *testing.T) {
	engine, _, bus := newFixture(t)

	first := registerPatient(t, engine, tenantA)
	second := registerPatient(t, engine, tenantA)
	other := registerPatient(t, engine, tenantB)

	if first.Number != 1 || second.Number != 2 {
		t.Fatalf("expected numbers 1 and 2, got %d and %d", first.Number, second.Number)
	}
	if other.Number != 1 {
		t.Fatalf("expected independent sequence per tenant, got %d", other.Number)
	}
	if first.Status != models.StatusWaiting {
		t.Fatalf("expected waiting status, got %s", first.Status)
	}
	if len(first.Tracking) != 1 || first.Tracking[0].Action != "registered" {
		t.Fatalf("unexpected tracking: %+v", first.Tracking)
	}
	if got := bus.types(); len(got) != 3 || got[0] != EventQueueUpdated {
		t.Fatalf("unexpected bus events: %v", got)
	}
}

func TestCallClaimsWindow(t *testing.T) {
	engine, st, bus := newFixture(t)
	patient := registerPatient(t, engine, tenantA)
	window := createWindow(t, st, tenantA, "Window 1", true)

	called, err := engine.Transition(context.Background(), TransitionInput{
		TenantID:  tenantA,
		PatientID: patient.PatientID,
		Target:    models.StatusCalled,
		WindowID:  window.WindowID,
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if called.Status != models.StatusCalled {
		t.Fatalf("expected called, got %s", called.Status)
	}
	if called.WindowID == nil || *called.WindowID != window.WindowID {
		t.Fatalf("expected window %s, got %v", window.WindowID, called.WindowID)
	}
	if called.CalledAt == nil {
		t.Fatal("expected called_at to be set")
	}
	if len(called.Tracking) != 2 || called.Tracking[1].Action != "called" {
		t.Fatalf("unexpected tracking: %+v", called.Tracking)
	}

	stored, err := st.GetWindow(context.Background(), tenantA, window.WindowID)
	if err != nil {
		t.Fatalf("get window: %v", err)
	}
	if stored.CurrentPatientID == nil || *stored.CurrentPatientID != patient.PatientID {
		t.Fatalf("expected window to hold patient, got %v", stored.CurrentPatientID)
	}

	types := bus.types()
	if types[len(types)-2] != EventPatientCalled || types[len(types)-1] != EventQueueUpdated {
		t.Fatalf("unexpected bus events: %v", types)
	}
}

func TestCallRejectsOccupiedWindow(t *testing.T) {
	engine, st, _ := newFixture(t)
	first := registerPatient(t, engine, tenantA)
	second := registerPatient(t, engine, tenantA)
	window := createWindow(t, st, tenantA, "Window 1", true)

	if _, err := engine.Transition(context.Background(), TransitionInput{
		TenantID: tenantA, PatientID: first.PatientID, Target: models.StatusCalled, WindowID: window.WindowID,
	}); err != nil {
		t.Fatalf("first call: %v", err)
	}

	_, err := engine.Transition(context.Background(), TransitionInput{
		TenantID: tenantA, PatientID: second.PatientID, Target: models.StatusCalled, WindowID: window.WindowID,
	})
	if !errors.Is(err, store.ErrWindowOccupied) {
		t.Fatalf("expected ErrWindowOccupied, got %v", err)
	}

	got, err := engine.Transition(context.Background(), TransitionInput{
		TenantID: tenantA, PatientID: second.PatientID, Target: models.StatusCalled, WindowID: window.WindowID,
	})
	if !errors.Is(err, store.ErrWindowOccupied) {
		t.Fatalf("expected ErrWindowOccupied on retry, got %v (%+v)", err, got)
	}
}

func TestCallRejectsInactiveWindow(t *testing.T) {
	engine, st, _ := newFixture(t)
	patient := registerPatient(t, engine, tenantA)
	window := createWindow(t, st, tenantA, "Window 1", false)

	_, err := engine.Transition(context.Background(), TransitionInput{
		TenantID: tenantA, PatientID: patient.PatientID, Target: models.StatusCalled, WindowID: window.WindowID,
	})
	if !errors.Is(err, store.ErrWindowInactive) {
		t.Fatalf("expected ErrWindowInactive, got %v", err)
	}
}

func TestRecallSameWindowAllowed(t *testing.T) {
	engine, st, _ := newFixture(t)
	patient := registerPatient(t, engine, tenantA)
	window := createWindow(t, st, tenantA, "Window 1", true)

	if _, err := engine.Transition(context.Background(), TransitionInput{
		TenantID: tenantA, PatientID: patient.PatientID, Target: models.StatusCalled, WindowID: window.WindowID,
	}); err != nil {
		t.Fatalf("first call: %v", err)
	}
	recalled, err := engine.Transition(context.Background(), TransitionInput{
		TenantID: tenantA, PatientID: patient.PatientID, Target: models.StatusCalled, WindowID: window.WindowID,
	})
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if recalled.WindowID == nil || *recalled.WindowID != window.WindowID {
		t.Fatalf("expected same window after recall, got %v", recalled.WindowID)
	}
}

func TestRecallToDifferentWindowReleasesOld(t *testing.T) {
	engine, st, _ := newFixture(t)
	patient := registerPatient(t, engine, tenantA)
	first := createWindow(t, st, tenantA, "Window 1", true)
	second := createWindow(t, st, tenantA, "Window 2", true)

	if _, err := engine.Transition(context.Background(), TransitionInput{
		TenantID: tenantA, PatientID: patient.PatientID, Target: models.StatusCalled, WindowID: first.WindowID,
	}); err != nil {
		t.Fatalf("call: %v", err)
	}
	moved, err := engine.Transition(context.Background(), TransitionInput{
		TenantID: tenantA, PatientID: patient.PatientID, Target: models.StatusCalled, WindowID: second.WindowID,
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if moved.WindowID == nil || *moved.WindowID != second.WindowID {
		t.Fatalf("expected window %s, got %v", second.WindowID, moved.WindowID)
	}

	old, err := st.GetWindow(context.Background(), tenantA, first.WindowID)
	if err != nil {
		t.Fatalf("get window: %v", err)
	}
	if old.CurrentPatientID != nil {
		t.Fatalf("expected old window released, got %v", *old.CurrentPatientID)
	}
	next, err := st.GetWindow(context.Background(), tenantA, second.WindowID)
	if err != nil {
		t.Fatalf("get window: %v", err)
	}
	if next.CurrentPatientID == nil || *next.CurrentPatientID != patient.PatientID {
		t.Fatalf("expected new window claimed, got %v", next.CurrentPatientID)
	}
}

func TestCompleteReleasesWindow(t *testing.T) {
	engine, st, _ := newFixture(t)
	patient := registerPatient(t, engine, tenantA)
	window := createWindow(t, st, tenantA, "Window 1", true)

	if _, err := engine.Transition(context.Background(), TransitionInput{
		TenantID: tenantA, PatientID: patient.PatientID, Target: models.StatusCalled, WindowID: window.WindowID,
	}); err != nil {
		t.Fatalf("call: %v", err)
	}
	if _, err := engine.Transition(context.Background(), TransitionInput{
		TenantID: tenantA, PatientID: patient.PatientID, Target: models.StatusInProgress,
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	done, err := engine.Transition(context.Background(), TransitionInput{
		TenantID: tenantA, PatientID: patient.PatientID, Target: models.StatusCompleted,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != models.StatusCompleted || done.WindowID != nil || done.CompletedAt == nil {
		t.Fatalf("unexpected completed patient: %+v", done)
	}

	stored, err := st.GetWindow(context.Background(), tenantA, window.WindowID)
	if err != nil {
		t.Fatalf("get window: %v", err)
	}
	if stored.CurrentPatientID != nil {
		t.Fatalf("expected window released, got %v", *stored.CurrentPatientID)
	}
}

func TestRequeueKeepsLastWindowAndReason(t *testing.T) {
	engine, st, _ := newFixture(t)
	patient := registerPatient(t, engine, tenantA)
	window := createWindow(t, st, tenantA, "Window 1", true)

	if _, err := engine.Transition(context.Background(), TransitionInput{
		TenantID: tenantA, PatientID: patient.PatientID, Target: models.StatusCalled, WindowID: window.WindowID,
	}); err != nil {
		t.Fatalf("call: %v", err)
	}
	requeued, err := engine.Transition(context.Background(), TransitionInput{
		TenantID: tenantA, PatientID: patient.PatientID, Target: models.StatusRequeue, Reason: "missing lab results",
	})
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if requeued.Status != models.StatusRequeue || requeued.WindowID != nil {
		t.Fatalf("unexpected requeued patient: %+v", requeued)
	}
	if requeued.LastWindowID == nil || *requeued.LastWindowID != window.WindowID {
		t.Fatalf("expected last window %s, got %v", window.WindowID, requeued.LastWindowID)
	}
	if requeued.RequeueReason != "missing lab results" {
		t.Fatalf("unexpected reason: %q", requeued.RequeueReason)
	}

	stored, err := st.GetWindow(context.Background(), tenantA, window.WindowID)
	if err != nil {
		t.Fatalf("get window: %v", err)
	}
	if stored.CurrentPatientID != nil {
		t.Fatal("expected window released after requeue")
	}

	// The requeued patient can be called again.
	if _, err := engine.Transition(context.Background(), TransitionInput{
		TenantID: tenantA, PatientID: patient.PatientID, Target: models.StatusCalled, WindowID: window.WindowID,
	}); err != nil {
		t.Fatalf("recall after requeue: %v", err)
	}
}

func TestDispensaryWindowRelease(t *testing.T) {
	engine, st, _ := newFixture(t)
	patient := registerPatient(t, engine, tenantA)
	window := createWindow(t, st, tenantA, "Window 1", true)

	if _, err := engine.Transition(context.Background(), TransitionInput{
		TenantID: tenantA, PatientID: patient.PatientID, Target: models.StatusCalled, WindowID: window.WindowID,
	}); err != nil {
		t.Fatalf("call: %v", err)
	}

	held, err := engine.Transition(context.Background(), TransitionInput{
		TenantID: tenantA, PatientID: patient.PatientID, Target: models.StatusDispensary,
	})
	if err != nil {
		t.Fatalf("dispensary: %v", err)
	}
	if held.WindowID == nil {
		t.Fatal("expected patient to keep window without release flag")
	}

	released, err := engine.Transition(context.Background(), TransitionInput{
		TenantID: tenantA, PatientID: patient.PatientID, Target: models.StatusCalled, WindowID: window.WindowID,
	})
	if err != nil {
		t.Fatalf("recall from dispensary: %v", err)
	}
	if _, err := engine.Transition(context.Background(), TransitionInput{
		TenantID: tenantA, PatientID: released.PatientID, Target: models.StatusDispensary, ReleaseWindow: true,
	}); err != nil {
		t.Fatalf("dispensary with release: %v", err)
	}

	stored, err := st.GetWindow(context.Background(), tenantA, window.WindowID)
	if err != nil {
		t.Fatalf("get window: %v", err)
	}
	if stored.CurrentPatientID != nil {
		t.Fatal("expected window released")
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	engine, _, _ := newFixture(t)
	patient := registerPatient(t, engine, tenantA)

	_, err := engine.Transition(context.Background(), TransitionInput{
		TenantID: tenantA, PatientID: patient.PatientID, Target: models.StatusInProgress,
	})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	_, err = engine.Transition(context.Background(), TransitionInput{
		TenantID: tenantA, PatientID: patient.PatientID, Target: models.Status("archived"),
	})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for unknown status, got %v", err)
	}
}

func TestCrossTenantLookupFails(t *testing.T) {
	engine, st, _ := newFixture(t)
	patient := registerPatient(t, engine, tenantA)
	window := createWindow(t, st, tenantB, "Window 1", true)

	_, err := engine.Transition(context.Background(), TransitionInput{
		TenantID: tenantB, PatientID: patient.PatientID, Target: models.StatusCalled, WindowID: window.WindowID,
	})
	if !errors.Is(err, store.ErrPatientNotFound) {
		t.Fatalf("expected ErrPatientNotFound, got %v", err)
	}
}

func TestRemoveReleasesWindow(t *testing.T) {
	engine, st, _ := newFixture(t)
	patient := registerPatient(t, engine, tenantA)
	window := createWindow(t, st, tenantA, "Window 1", true)

	if _, err := engine.Transition(context.Background(), TransitionInput{
		TenantID: tenantA, PatientID: patient.PatientID, Target: models.StatusCalled, WindowID: window.WindowID,
	}); err != nil {
		t.Fatalf("call: %v", err)
	}
	if err := engine.Remove(context.Background(), tenantA, patient.PatientID); err != nil {
		t.Fatalf("remove: %v", err)
	}

	stored, err := st.GetWindow(context.Background(), tenantA, window.WindowID)
	if err != nil {
		t.Fatalf("get window: %v", err)
	}
	if stored.CurrentPatientID != nil {
		t.Fatal("expected window released after removal")
	}
	if _, err := st.GetPatient(context.Background(), tenantA, patient.PatientID); !errors.Is(err, store.ErrPatientNotFound) {
		t.Fatalf("expected patient gone, got %v", err)
	}
}

func TestTrackingIsAppendOnly(t *testing.T) {
	engine, st, _ := newFixture(t)
	patient := registerPatient(t, engine, tenantA)
	window := createWindow(t, st, tenantA, "Window 1", true)

	steps := []TransitionInput{
		{TenantID: tenantA, PatientID: patient.PatientID, Target: models.StatusCalled, WindowID: window.WindowID},
		{TenantID: tenantA, PatientID: patient.PatientID, Target: models.StatusInProgress},
		{TenantID: tenantA, PatientID: patient.PatientID, Target: models.StatusCompleted},
	}
	for _, step := range steps {
		if _, err := engine.Transition(context.Background(), step); err != nil {
			t.Fatalf("transition to %s: %v", step.Target, err)
		}
	}

	final, err := st.GetPatient(context.Background(), tenantA, patient.PatientID)
	if err != nil {
		t.Fatalf("get patient: %v", err)
	}
	actions := make([]string, 0, len(final.Tracking))
	for _, entry := range final.Tracking {
		actions = append(actions, entry.Action)
	}
	want := []string{"registered", "called", "consultation started", "completed"}
	if len(actions) != len(want) {
		t.Fatalf("expected %v, got %v", want, actions)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, actions)
		}
	}
	for i := 1; i < len(final.Tracking); i++ {
		if final.Tracking[i].At.Before(final.Tracking[i-1].At) {
			t.Fatalf("tracking out of order: %+v", final.Tracking)
		}
	}
}
