package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/azirkitai/quetama-live-sub000/internal/models"
	"github.com/azirkitai/quetama-live-sub000/internal/queue"
	"github.com/azirkitai/quetama-live-sub000/internal/store"

	"github.com/google/uuid"
)

// TransitionEngine is the mutating surface of the queue: registration,
// status transitions, removal. Reads go straight to the store.
type TransitionEngine interface {
	Register(ctx context.Context, input store.RegisterPatientInput) (models.Patient, error)
	Transition(ctx context.Context, input queue.TransitionInput) (models.Patient, error)
	Remove(ctx context.Context, tenantID, patientID string) error
}

type PairingService interface {
	Create(ctx context.Context) (models.PairingSession, error)
	Authorize(ctx context.Context, qrID, tenantID, email, password string) (models.PairingSession, error)
	Finalize(ctx context.Context, qrID, verifier string) (models.Session, error)
}

type Handler struct {
	store   store.QueueStore
	engine  TransitionEngine
	pairing PairingService
}

func NewHandler(st store.QueueStore, engine TransitionEngine, pairing PairingService) *Handler {
	return &Handler{store: st, engine: engine, pairing: pairing}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/auth/login", h.handleLogin)
	mux.HandleFunc("/api/patients", h.handlePatients)
	mux.HandleFunc("/api/patients/", h.handlePatientByID)
	mux.HandleFunc("/api/windows", h.handleWindows)
	mux.HandleFunc("/api/windows/", h.handleWindowByID)
	mux.HandleFunc("/api/queue/reset", h.handleQueueReset)
	mux.HandleFunc("/api/pairing/sessions", h.handleCreatePairing)
	mux.HandleFunc("/api/pairing/", h.handlePairingActions)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type loginRequest struct {
	TenantID string `json:"tenant_id"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	SessionID string      `json:"session_id"`
	ExpiresAt string      `json:"expires_at"`
	User      models.User `json:"user"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req loginRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.TenantID = strings.TrimSpace(req.TenantID)
	req.Email = strings.TrimSpace(req.Email)
	req.Password = strings.TrimSpace(req.Password)
	if req.TenantID == "" || req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "tenant_id, email, and password are required")
		return
	}

	user, err := h.store.Login(r.Context(), req.TenantID, req.Email, req.Password)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	session, err := h.store.CreateSession(r.Context(), user.UserID, user.TenantID, time.Now().UTC().Add(8*time.Hour))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		SessionID: session.SessionID,
		ExpiresAt: session.ExpiresAt.Format(time.RFC3339),
		User:      user,
	})
}

type registerPatientRequest struct {
	Name           string `json:"name"`
	IsPriority     bool   `json:"is_priority"`
	PriorityReason string `json:"priority_reason"`
}

func (h *Handler) handlePatients(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing session")
		return
	}

	switch r.Method {
	case http.MethodPost:
		var req registerPatientRequest
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
			return
		}
		req.Name = strings.TrimSpace(req.Name)
		req.PriorityReason = strings.TrimSpace(req.PriorityReason)

		patient, err := h.engine.Register(r.Context(), store.RegisterPatientInput{
			TenantID:       session.TenantID,
			Name:           req.Name,
			IsPriority:     req.IsPriority,
			PriorityReason: req.PriorityReason,
			RegisteredAt:   time.Now().UTC(),
		})
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, patient)

	case http.MethodGet:
		statuses, ok := parseStatuses(r.URL.Query().Get("status"))
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_request", "status contains an unknown value")
			return
		}
		patients, err := h.store.ListPatients(r.Context(), session.TenantID, statuses)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		sortForDisplay(patients)
		writeJSON(w, http.StatusOK, patients)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type transitionRequest struct {
	Status        string `json:"status"`
	WindowID      string `json:"window_id"`
	Reason        string `json:"reason"`
	ReleaseWindow bool   `json:"release_window"`
}

func (h *Handler) handlePatientByID(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing session")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/patients/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	patientID := parts[0]
	if !isValidUUID(patientID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "patient_id must be a UUID")
		return
	}

	if len(parts) == 2 && parts[1] == "transition" {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req transitionRequest
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
			return
		}
		req.WindowID = strings.TrimSpace(req.WindowID)
		req.Reason = strings.TrimSpace(req.Reason)
		target := models.Status(strings.TrimSpace(req.Status))
		if !target.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_request", "status must be one of waiting, called, in-progress, completed, requeue, dispensary")
			return
		}
		if target == models.StatusCalled && req.WindowID == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "window_id is required when calling a patient")
			return
		}
		if req.WindowID != "" && !isValidUUID(req.WindowID) {
			writeError(w, http.StatusBadRequest, "invalid_request", "window_id must be a UUID")
			return
		}

		patient, err := h.engine.Transition(r.Context(), queue.TransitionInput{
			TenantID:      session.TenantID,
			PatientID:     patientID,
			Target:        target,
			WindowID:      req.WindowID,
			Reason:        req.Reason,
			ReleaseWindow: req.ReleaseWindow,
		})
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, patient)
		return
	}

	if len(parts) != 1 {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		patient, err := h.store.GetPatient(r.Context(), session.TenantID, patientID)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, patient)
	case http.MethodDelete:
		if err := h.engine.Remove(r.Context(), session.TenantID, patientID); err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type windowRequest struct {
	Name   string `json:"name"`
	Active *bool  `json:"active"`
}

func (h *Handler) handleWindows(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing session")
		return
	}

	switch r.Method {
	case http.MethodPost:
		var req windowRequest
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
			return
		}
		req.Name = strings.TrimSpace(req.Name)
		if req.Name == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "name is required")
			return
		}
		active := true
		if req.Active != nil {
			active = *req.Active
		}
		window, err := h.store.CreateWindow(r.Context(), models.Window{
			TenantID: session.TenantID,
			Name:     req.Name,
			Active:   active,
		})
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, window)

	case http.MethodGet:
		windows, err := h.store.ListWindows(r.Context(), session.TenantID)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, windows)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleWindowByID(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing session")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/windows/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	windowID := parts[0]
	if !isValidUUID(windowID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "window_id must be a UUID")
		return
	}

	if len(parts) == 2 && parts[1] == "patients" {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		patients, err := h.store.PatientsByWindow(r.Context(), session.TenantID, windowID)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, patients)
		return
	}

	if len(parts) != 1 {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodPatch:
		var req windowRequest
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
			return
		}
		input := store.UpdateWindowInput{TenantID: session.TenantID, WindowID: windowID, Active: req.Active}
		if name := strings.TrimSpace(req.Name); name != "" {
			input.Name = &name
		}
		window, err := h.store.UpdateWindow(r.Context(), input)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, window)

	case http.MethodDelete:
		if err := h.store.DeleteWindow(r.Context(), session.TenantID, windowID); err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleQueueReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	session, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing session")
		return
	}
	if err := h.store.ResetSequence(r.Context(), session.TenantID); err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	next, err := h.store.NextSequenceNumber(r.Context(), session.TenantID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"next_number": next})
}

func (h *Handler) handleCreatePairing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	session, err := h.pairing.Create(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"qr_id":       session.QRID,
		"tv_verifier": session.TVVerifier,
		"expires_at":  session.ExpiresAt.Format(time.RFC3339),
	})
}

type authorizePairingRequest struct {
	TenantID string `json:"tenant_id"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type verifyPairingRequest struct {
	Verifier string `json:"verifier"`
}

func (h *Handler) handlePairingActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/pairing/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	qrID := parts[0]
	if !isValidUUID(qrID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "qr_id must be a UUID")
		return
	}

	switch parts[1] {
	case "authorize":
		var req authorizePairingRequest
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
			return
		}
		req.TenantID = strings.TrimSpace(req.TenantID)
		req.Email = strings.TrimSpace(req.Email)
		req.Password = strings.TrimSpace(req.Password)
		if req.TenantID == "" || req.Email == "" || req.Password == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "tenant_id, email, and password are required")
			return
		}
		session, err := h.pairing.Authorize(r.Context(), qrID, req.TenantID, req.Email, req.Password)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"qr_id": qrID, "phase": session.Phase})

	case "verify":
		var req verifyPairingRequest
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
			return
		}
		req.Verifier = strings.TrimSpace(req.Verifier)
		if req.Verifier == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "verifier is required")
			return
		}
		login, err := h.pairing.Finalize(r.Context(), qrID, req.Verifier)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"session_id": login.SessionID,
			"expires_at": login.ExpiresAt.Format(time.RFC3339),
		})

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// sortForDisplay orders priority patients first, then FIFO by
// registration time. Priority is a read-side concern; the store keeps no
// queue position.
func sortForDisplay(patients []models.Patient) {
	sort.SliceStable(patients, func(i, j int) bool {
		if patients[i].IsPriority != patients[j].IsPriority {
			return patients[i].IsPriority
		}
		return patients[i].RegisteredAt.Before(patients[j].RegisteredAt)
	})
}

func parseStatuses(raw string) ([]models.Status, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, true
	}
	var statuses []models.Status
	for _, part := range strings.Split(raw, ",") {
		status := models.Status(strings.TrimSpace(part))
		if !status.Valid() {
			return nil, false
		}
		statuses = append(statuses, status)
	}
	return statuses, true
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrPatientNotFound):
		return http.StatusNotFound, "patient_not_found", "patient not found"
	case errors.Is(err, store.ErrWindowNotFound):
		return http.StatusNotFound, "window_not_found", "window not found"
	case errors.Is(err, store.ErrPairingNotFound):
		return http.StatusNotFound, "pairing_not_found", "pairing session not found"
	case errors.Is(err, store.ErrWindowOccupied):
		return http.StatusConflict, "window_occupied", "window occupied by another patient"
	case errors.Is(err, store.ErrWindowInactive):
		return http.StatusConflict, "window_inactive", "window is not active"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "patient status does not allow this transition"
	case errors.Is(err, store.ErrPairingPhase):
		return http.StatusConflict, "pairing_phase", "pairing session is not in the required phase"
	case errors.Is(err, store.ErrPairingExpired):
		return http.StatusGone, "pairing_expired", "pairing session expired"
	case errors.Is(err, store.ErrPairingUsed):
		return http.StatusGone, "pairing_used", "pairing session already used"
	case errors.Is(err, store.ErrVerifierMismatch):
		return http.StatusUnauthorized, "verifier_mismatch", "verifier code does not match"
	case errors.Is(err, store.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid_credentials", "invalid credentials"
	case errors.Is(err, store.ErrSessionNotFound):
		return http.StatusUnauthorized, "unauthorized", "invalid session"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

type errorResponse struct {
	Error responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: responseError{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
