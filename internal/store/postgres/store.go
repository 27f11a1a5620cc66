package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/azirkitai/quetama-live-sub000/internal/models"
	"github.com/azirkitai/quetama-live-sub000/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const patientColumns = `
	patient_id, tenant_id, number, name, status, window_id, last_window_id,
	is_priority, priority_reason, requeue_reason, registered_at, called_at, completed_at
`

func (s *Store) RegisterPatient(ctx context.Context, input store.RegisterPatientInput) (models.Patient, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Patient{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	registeredAt := input.RegisteredAt
	if registeredAt.IsZero() {
		registeredAt = time.Now().UTC()
	}

	number, err := nextNumber(ctx, tx, input.TenantID)
	if err != nil {
		return models.Patient{}, err
	}

	patient := models.Patient{
		PatientID:      uuid.NewString(),
		TenantID:       input.TenantID,
		Number:         number,
		Name:           input.Name,
		Status:         models.StatusWaiting,
		IsPriority:     input.IsPriority,
		PriorityReason: input.PriorityReason,
		RegisteredAt:   registeredAt,
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO patients (
			patient_id, tenant_id, number, name, status,
			is_priority, priority_reason, registered_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, patient.PatientID, patient.TenantID, patient.Number, nullIfEmpty(patient.Name), patient.Status, patient.IsPriority, nullIfEmpty(patient.PriorityReason), patient.RegisteredAt)
	if err != nil {
		return models.Patient{}, err
	}

	if err = insertTrackingEntry(ctx, tx, patient.PatientID, models.TrackingEntry{At: registeredAt, Action: "registered"}); err != nil {
		return models.Patient{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Patient{}, err
	}

	patient.Tracking = []models.TrackingEntry{{At: registeredAt, Action: "registered"}}
	return patient, nil
}

func (s *Store) GetPatient(ctx context.Context, tenantID, patientID string) (models.Patient, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+patientColumns+`
		FROM patients
		WHERE patient_id = $1 AND tenant_id = $2
	`, patientID, tenantID)
	patient, err := scanPatient(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Patient{}, store.ErrPatientNotFound
		}
		return models.Patient{}, err
	}
	tracking, err := s.listTracking(ctx, patientID)
	if err != nil {
		return models.Patient{}, err
	}
	patient.Tracking = tracking
	return patient, nil
}

func (s *Store) ListPatients(ctx context.Context, tenantID string, statuses []models.Status) ([]models.Patient, error) {
	query := `
		SELECT ` + patientColumns + `
		FROM patients
		WHERE tenant_id = $1
	`
	args := []interface{}{tenantID}
	if len(statuses) > 0 {
		query += " AND status = ANY($2)"
		values := make([]string, 0, len(statuses))
		for _, status := range statuses {
			values = append(values, string(status))
		}
		args = append(args, values)
	}
	query += " ORDER BY registered_at ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var patients []models.Patient
	for rows.Next() {
		patient, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		patients = append(patients, patient)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return patients, nil
}

func (s *Store) DeletePatient(ctx context.Context, tenantID, patientID string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	_, err = tx.Exec(ctx, `
		UPDATE windows
		SET current_patient_id = NULL
		WHERE tenant_id = $1 AND current_patient_id = $2
	`, tenantID, patientID)
	if err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
		DELETE FROM patients
		WHERE patient_id = $1 AND tenant_id = $2
	`, patientID, tenantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		err = store.ErrPatientNotFound
		return err
	}

	return tx.Commit(ctx)
}

func (s *Store) PatientsByWindow(ctx context.Context, tenantID, windowID string) ([]models.Patient, error) {
	if _, err := s.GetWindow(ctx, tenantID, windowID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+patientColumns+`
		FROM patients
		WHERE tenant_id = $1 AND (window_id = $2 OR last_window_id = $2)
		ORDER BY registered_at ASC
	`, tenantID, windowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var patients []models.Patient
	for rows.Next() {
		patient, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		patients = append(patients, patient)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return patients, nil
}

func (s *Store) ApplyTransition(ctx context.Context, input store.ApplyTransitionInput) (models.Patient, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Patient{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var existing string
	row := tx.QueryRow(ctx, `
		SELECT patient_id
		FROM patients
		WHERE patient_id = $1 AND tenant_id = $2
		FOR UPDATE
	`, input.Patient.PatientID, input.TenantID)
	if err = row.Scan(&existing); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrPatientNotFound
		}
		return models.Patient{}, err
	}

	if input.ClaimWindowID != "" {
		// Conditional claim: only succeeds while the window is free or
		// already held by this patient. Losing a race surfaces as
		// ErrWindowOccupied rather than a silent double-claim.
		tag, claimErr := tx.Exec(ctx, `
			UPDATE windows
			SET current_patient_id = $1
			WHERE window_id = $2 AND tenant_id = $3
				AND (current_patient_id IS NULL OR current_patient_id = $1)
		`, input.Patient.PatientID, input.ClaimWindowID, input.TenantID)
		if claimErr != nil {
			err = claimErr
			return models.Patient{}, err
		}
		if tag.RowsAffected() == 0 {
			err = classifyClaimFailure(ctx, tx, input.TenantID, input.ClaimWindowID)
			return models.Patient{}, err
		}
	}

	if input.ReleaseWindowID != "" && input.ReleaseWindowID != input.ClaimWindowID {
		_, err = tx.Exec(ctx, `
			UPDATE windows
			SET current_patient_id = NULL
			WHERE window_id = $1 AND tenant_id = $2 AND current_patient_id = $3
		`, input.ReleaseWindowID, input.TenantID, input.Patient.PatientID)
		if err != nil {
			return models.Patient{}, err
		}
	}

	patient := input.Patient
	row = tx.QueryRow(ctx, `
		UPDATE patients
		SET status = $1,
			window_id = $2,
			last_window_id = $3,
			requeue_reason = $4,
			called_at = $5,
			completed_at = $6
		WHERE patient_id = $7 AND tenant_id = $8
		RETURNING `+patientColumns+`
	`, patient.Status, patient.WindowID, patient.LastWindowID, nullIfEmpty(patient.RequeueReason), patient.CalledAt, patient.CompletedAt, patient.PatientID, input.TenantID)
	updated, err := scanPatient(row)
	if err != nil {
		return models.Patient{}, err
	}

	if err = insertTrackingEntry(ctx, tx, patient.PatientID, input.Entry); err != nil {
		return models.Patient{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Patient{}, err
	}

	tracking, err := s.listTracking(ctx, patient.PatientID)
	if err != nil {
		return models.Patient{}, err
	}
	updated.Tracking = tracking
	return updated, nil
}

func classifyClaimFailure(ctx context.Context, tx pgx.Tx, tenantID, windowID string) error {
	var occupant sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT current_patient_id
		FROM windows
		WHERE window_id = $1 AND tenant_id = $2
	`, windowID, tenantID)
	if err := row.Scan(&occupant); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrWindowNotFound
		}
		return err
	}
	return store.ErrWindowOccupied
}

func (s *Store) CreateWindow(ctx context.Context, window models.Window) (models.Window, error) {
	if window.WindowID == "" {
		window.WindowID = uuid.NewString()
	}
	window.CurrentPatientID = nil
	_, err := s.pool.Exec(ctx, `
		INSERT INTO windows (window_id, tenant_id, name, active)
		VALUES ($1, $2, $3, $4)
	`, window.WindowID, window.TenantID, window.Name, window.Active)
	if err != nil {
		return models.Window{}, err
	}
	return window, nil
}

func (s *Store) GetWindow(ctx context.Context, tenantID, windowID string) (models.Window, error) {
	var window models.Window
	var occupant sql.NullString
	row := s.pool.QueryRow(ctx, `
		SELECT window_id, tenant_id, name, active, current_patient_id
		FROM windows
		WHERE window_id = $1 AND tenant_id = $2
	`, windowID, tenantID)
	if err := row.Scan(&window.WindowID, &window.TenantID, &window.Name, &window.Active, &occupant); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Window{}, store.ErrWindowNotFound
		}
		return models.Window{}, err
	}
	window.CurrentPatientID = nullStringPtr(occupant)
	return window, nil
}

func (s *Store) ListWindows(ctx context.Context, tenantID string) ([]models.Window, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT window_id, tenant_id, name, active, current_patient_id
		FROM windows
		WHERE tenant_id = $1
		ORDER BY name ASC
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var windows []models.Window
	for rows.Next() {
		var window models.Window
		var occupant sql.NullString
		if err := rows.Scan(&window.WindowID, &window.TenantID, &window.Name, &window.Active, &occupant); err != nil {
			return nil, err
		}
		window.CurrentPatientID = nullStringPtr(occupant)
		windows = append(windows, window)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return windows, nil
}

func (s *Store) UpdateWindow(ctx context.Context, input store.UpdateWindowInput) (models.Window, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Window{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var window models.Window
	var occupant sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT window_id, tenant_id, name, active, current_patient_id
		FROM windows
		WHERE window_id = $1 AND tenant_id = $2
		FOR UPDATE
	`, input.WindowID, input.TenantID)
	if err = row.Scan(&window.WindowID, &window.TenantID, &window.Name, &window.Active, &occupant); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrWindowNotFound
		}
		return models.Window{}, err
	}
	window.CurrentPatientID = nullStringPtr(occupant)

	if input.Active != nil && !*input.Active && window.CurrentPatientID != nil {
		err = store.ErrWindowOccupied
		return models.Window{}, err
	}
	if input.Name != nil {
		window.Name = *input.Name
	}
	if input.Active != nil {
		window.Active = *input.Active
	}

	_, err = tx.Exec(ctx, `
		UPDATE windows
		SET name = $1, active = $2
		WHERE window_id = $3 AND tenant_id = $4
	`, window.Name, window.Active, window.WindowID, window.TenantID)
	if err != nil {
		return models.Window{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Window{}, err
	}
	return window, nil
}

func (s *Store) DeleteWindow(ctx context.Context, tenantID, windowID string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM windows
		WHERE window_id = $1 AND tenant_id = $2 AND current_patient_id IS NULL
	`, windowID, tenantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		_, err := s.GetWindow(ctx, tenantID, windowID)
		if err != nil {
			return err
		}
		return store.ErrWindowOccupied
	}
	return nil
}

func (s *Store) NextSequenceNumber(ctx context.Context, tenantID string) (int, error) {
	var next int
	row := s.pool.QueryRow(ctx, `
		SELECT next_number
		FROM patient_sequences
		WHERE tenant_id = $1
	`, tenantID)
	if err := row.Scan(&next); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 1, nil
		}
		return 0, err
	}
	return next + 1, nil
}

func (s *Store) ResetSequence(ctx context.Context, tenantID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO patient_sequences (tenant_id, next_number)
		VALUES ($1, 0)
		ON CONFLICT (tenant_id)
		DO UPDATE SET next_number = 0
	`, tenantID)
	return err
}

func nextNumber(ctx context.Context, tx pgx.Tx, tenantID string) (int, error) {
	var next int
	row := tx.QueryRow(ctx, `
		INSERT INTO patient_sequences (tenant_id, next_number)
		VALUES ($1, 1)
		ON CONFLICT (tenant_id)
		DO UPDATE SET next_number = patient_sequences.next_number + 1
		RETURNING next_number
	`, tenantID)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func insertTrackingEntry(ctx context.Context, tx pgx.Tx, patientID string, entry models.TrackingEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO patient_events (patient_id, at, action, context)
		VALUES ($1, $2, $3, $4)
	`, patientID, entry.At, entry.Action, nullIfEmpty(entry.Context))
	return err
}

func (s *Store) listTracking(ctx context.Context, patientID string) ([]models.TrackingEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT at, action, COALESCE(context, '')
		FROM patient_events
		WHERE patient_id = $1
		ORDER BY at ASC, event_seq ASC
	`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tracking []models.TrackingEntry
	for rows.Next() {
		var entry models.TrackingEntry
		if err := rows.Scan(&entry.At, &entry.Action, &entry.Context); err != nil {
			return nil, err
		}
		tracking = append(tracking, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tracking, nil
}

func (s *Store) CreatePairingSession(ctx context.Context, session models.PairingSession) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pairing_sessions (qr_id, tenant_id, tv_verifier, phase, user_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, session.QRID, nullIfEmpty(session.TenantID), session.TVVerifier, session.Phase, nullIfEmpty(session.UserID), session.CreatedAt, session.ExpiresAt)
	return err
}

func (s *Store) GetPairingSession(ctx context.Context, qrID string) (models.PairingSession, error) {
	var session models.PairingSession
	var tenantID sql.NullString
	var userID sql.NullString
	row := s.pool.QueryRow(ctx, `
		SELECT qr_id, tenant_id, tv_verifier, phase, user_id, created_at, expires_at
		FROM pairing_sessions
		WHERE qr_id = $1
	`, qrID)
	if err := row.Scan(&session.QRID, &tenantID, &session.TVVerifier, &session.Phase, &userID, &session.CreatedAt, &session.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.PairingSession{}, store.ErrPairingNotFound
		}
		return models.PairingSession{}, err
	}
	if tenantID.Valid {
		session.TenantID = tenantID.String
	}
	if userID.Valid {
		session.UserID = userID.String
	}
	return session, nil
}

func (s *Store) AdvancePairingPhase(ctx context.Context, qrID, fromPhase, toPhase, tenantID, userID string) (models.PairingSession, error) {
	var session models.PairingSession
	var tenantNull sql.NullString
	var userNull sql.NullString
	row := s.pool.QueryRow(ctx, `
		UPDATE pairing_sessions
		SET phase = $1,
			tenant_id = COALESCE(NULLIF($2, ''), tenant_id),
			user_id = COALESCE(NULLIF($3, ''), user_id)
		WHERE qr_id = $4 AND phase = $5
		RETURNING qr_id, tenant_id, tv_verifier, phase, user_id, created_at, expires_at
	`, toPhase, tenantID, userID, qrID, fromPhase)
	if err := row.Scan(&session.QRID, &tenantNull, &session.TVVerifier, &session.Phase, &userNull, &session.CreatedAt, &session.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			existing, getErr := s.GetPairingSession(ctx, qrID)
			if getErr != nil {
				return models.PairingSession{}, getErr
			}
			if existing.Phase == models.PhaseFinalized {
				return models.PairingSession{}, store.ErrPairingUsed
			}
			return models.PairingSession{}, store.ErrPairingPhase
		}
		return models.PairingSession{}, err
	}
	if tenantNull.Valid {
		session.TenantID = tenantNull.String
	}
	if userNull.Valid {
		session.UserID = userNull.String
	}
	return session, nil
}

func (s *Store) DeleteExpiredPairingSessions(ctx context.Context, before time.Time, limit int) ([]models.PairingSession, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		DELETE FROM pairing_sessions
		WHERE qr_id IN (
			SELECT qr_id
			FROM pairing_sessions
			WHERE expires_at < $1
			ORDER BY expires_at ASC
			LIMIT $2
		)
		RETURNING qr_id, tenant_id, tv_verifier, phase, user_id, created_at, expires_at
	`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deleted []models.PairingSession
	for rows.Next() {
		var session models.PairingSession
		var tenantNull sql.NullString
		var userNull sql.NullString
		if err := rows.Scan(&session.QRID, &tenantNull, &session.TVVerifier, &session.Phase, &userNull, &session.CreatedAt, &session.ExpiresAt); err != nil {
			return nil, err
		}
		if tenantNull.Valid {
			session.TenantID = tenantNull.String
		}
		if userNull.Valid {
			session.UserID = userNull.String
		}
		deleted = append(deleted, session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return deleted, nil
}

func (s *Store) Login(ctx context.Context, tenantID, email, password string) (models.User, error) {
	var user models.User
	var passwordHash string
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, tenant_id, email, role, password_hash, created_at
		FROM users
		WHERE tenant_id = $1 AND lower(email) = lower($2) AND active = TRUE
	`, tenantID, email)
	if err := row.Scan(&user.UserID, &user.TenantID, &user.Email, &user.Role, &passwordHash, &user.Created); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, store.ErrInvalidCredentials
		}
		return models.User{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)); err != nil {
		return models.User{}, store.ErrInvalidCredentials
	}
	return user, nil
}

func (s *Store) CreateSession(ctx context.Context, userID, tenantID string, expiresAt time.Time) (models.Session, error) {
	sessionID := uuid.NewString()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (session_id, user_id, tenant_id, expires_at)
		VALUES ($1, $2, $3, $4)
	`, sessionID, userID, tenantID, expiresAt)
	if err != nil {
		return models.Session{}, err
	}
	return models.Session{SessionID: sessionID, UserID: userID, TenantID: tenantID, ExpiresAt: expiresAt}, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (models.Session, error) {
	var session models.Session
	row := s.pool.QueryRow(ctx, `
		SELECT session_id, user_id, tenant_id, expires_at
		FROM sessions
		WHERE session_id = $1 AND expires_at > NOW()
	`, sessionID)
	if err := row.Scan(&session.SessionID, &session.UserID, &session.TenantID, &session.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Session{}, store.ErrSessionNotFound
		}
		return models.Session{}, err
	}
	return session, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPatient(row rowScanner) (models.Patient, error) {
	var patient models.Patient
	var nameNull sql.NullString
	var windowNull sql.NullString
	var lastWindowNull sql.NullString
	var priorityReasonNull sql.NullString
	var requeueReasonNull sql.NullString
	var calledAtNull sql.NullTime
	var completedAtNull sql.NullTime
	if err := row.Scan(
		&patient.PatientID, &patient.TenantID, &patient.Number, &nameNull, &patient.Status,
		&windowNull, &lastWindowNull, &patient.IsPriority, &priorityReasonNull,
		&requeueReasonNull, &patient.RegisteredAt, &calledAtNull, &completedAtNull,
	); err != nil {
		return models.Patient{}, err
	}
	if nameNull.Valid {
		patient.Name = nameNull.String
	}
	if priorityReasonNull.Valid {
		patient.PriorityReason = priorityReasonNull.String
	}
	if requeueReasonNull.Valid {
		patient.RequeueReason = requeueReasonNull.String
	}
	patient.WindowID = nullStringPtr(windowNull)
	patient.LastWindowID = nullStringPtr(lastWindowNull)
	patient.CalledAt = nullTimePtr(calledAtNull)
	patient.CompletedAt = nullTimePtr(completedAtNull)
	return patient, nil
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := value.String
	return &v
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	v := value.Time
	return &v
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}
