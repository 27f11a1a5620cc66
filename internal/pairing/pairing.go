// Package pairing implements the QR login handshake: a TV creates a
// short-lived session and displays its qr_id, a mobile browser scans it,
// authorizes with account credentials, then confirms the verifier code
// shown on the TV. Each phase change is pushed to the pairing channel so
// both screens advance together.
package pairing

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"math/big"
	"time"

	"github.com/azirkitai/quetama-live-sub000/internal/models"
	"github.com/azirkitai/quetama-live-sub000/internal/store"

	"github.com/google/uuid"
)

const (
	EventAuthorized = "qr:authorized"
	EventFinalized  = "qr:finalized"
	EventExpired    = "qr:expired"

	verifierDigits = 6
)

// Notifier publishes to a pairing channel keyed by qr_id.
type Notifier interface {
	PublishQR(qrID, eventType string, payload interface{})
}

type Service struct {
	store      store.QueueStore
	bus        Notifier
	ttl        time.Duration
	sessionTTL time.Duration
	now        func() time.Time
}

type Options struct {
	TTL        time.Duration
	SessionTTL time.Duration
}

func NewService(st store.QueueStore, bus Notifier, options Options) *Service {
	ttl := options.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	sessionTTL := options.SessionTTL
	if sessionTTL <= 0 {
		sessionTTL = 8 * time.Hour
	}
	return &Service{
		store:      st,
		bus:        bus,
		ttl:        ttl,
		sessionTTL: sessionTTL,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Create opens a pending pairing session for an unauthenticated TV. The
// tenant is unknown until a user authorizes; the deadline is absolute and
// no later request extends it.
func (s *Service) Create(ctx context.Context) (models.PairingSession, error) {
	verifier, err := newVerifier()
	if err != nil {
		return models.PairingSession{}, err
	}
	now := s.now()
	session := models.PairingSession{
		QRID:       uuid.NewString(),
		TVVerifier: verifier,
		Phase:      models.PhasePending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.ttl),
	}
	if err := s.store.CreatePairingSession(ctx, session); err != nil {
		return models.PairingSession{}, err
	}
	return session, nil
}

// Authorize validates account credentials against a pending session.
// Expiry is checked before anything else; failed credentials leave the
// phase and the deadline untouched.
func (s *Service) Authorize(ctx context.Context, qrID, tenantID, email, password string) (models.PairingSession, error) {
	session, err := s.store.GetPairingSession(ctx, qrID)
	if err != nil {
		return models.PairingSession{}, err
	}
	if s.now().After(session.ExpiresAt) {
		return models.PairingSession{}, store.ErrPairingExpired
	}
	if session.Phase == models.PhaseFinalized {
		return models.PairingSession{}, store.ErrPairingUsed
	}
	if session.Phase != models.PhasePending {
		return models.PairingSession{}, store.ErrPairingPhase
	}

	user, err := s.store.Login(ctx, tenantID, email, password)
	if err != nil {
		return models.PairingSession{}, err
	}

	updated, err := s.store.AdvancePairingPhase(ctx, qrID, models.PhasePending, models.PhaseAuthorized, user.TenantID, user.UserID)
	if err != nil {
		return models.PairingSession{}, err
	}

	if s.bus != nil {
		s.bus.PublishQR(qrID, EventAuthorized, map[string]string{
			"qr_id": qrID,
			"phase": updated.Phase,
		})
	}
	return updated, nil
}

// Finalize matches the TV verifier against an authorized session and, on
// success, retires the session and mints the login session the TV will
// adopt. A second finalize fails: the phase CAS admits one winner.
func (s *Service) Finalize(ctx context.Context, qrID, verifier string) (models.Session, error) {
	session, err := s.store.GetPairingSession(ctx, qrID)
	if err != nil {
		return models.Session{}, err
	}
	if s.now().After(session.ExpiresAt) {
		return models.Session{}, store.ErrPairingExpired
	}
	if session.Phase == models.PhaseFinalized {
		return models.Session{}, store.ErrPairingUsed
	}
	if session.Phase != models.PhaseAuthorized {
		return models.Session{}, store.ErrPairingPhase
	}
	if subtle.ConstantTimeCompare([]byte(session.TVVerifier), []byte(verifier)) != 1 {
		return models.Session{}, store.ErrVerifierMismatch
	}

	finalized, err := s.store.AdvancePairingPhase(ctx, qrID, models.PhaseAuthorized, models.PhaseFinalized, "", "")
	if err != nil {
		return models.Session{}, err
	}

	login, err := s.store.CreateSession(ctx, finalized.UserID, finalized.TenantID, s.now().Add(s.sessionTTL))
	if err != nil {
		return models.Session{}, err
	}

	if s.bus != nil {
		s.bus.PublishQR(qrID, EventFinalized, map[string]string{
			"qr_id":      qrID,
			"session_id": login.SessionID,
			"user_id":    login.UserID,
			"expires_at": login.ExpiresAt.Format(time.RFC3339),
		})
	}
	return login, nil
}

// Sweep drops sessions past their deadline and notifies their pairing
// channels. Run periodically; the per-request expiry checks make the
// sweep a cleanup concern, not a correctness one.
func (s *Service) Sweep(ctx context.Context, batchSize int) (int, error) {
	deleted, err := s.store.DeleteExpiredPairingSessions(ctx, s.now(), batchSize)
	if err != nil {
		return 0, err
	}
	if s.bus != nil {
		for _, session := range deleted {
			s.bus.PublishQR(session.QRID, EventExpired, map[string]string{"qr_id": session.QRID})
		}
	}
	return len(deleted), nil
}

func newVerifier() (string, error) {
	max := big.NewInt(10)
	code := make([]byte, verifierDigits)
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		code[i] = byte('0' + n.Int64())
	}
	return string(code), nil
}
