package store

import "errors"

var (
	ErrPatientNotFound    = errors.New("patient not found")
	ErrWindowNotFound     = errors.New("window not found")
	ErrWindowInactive     = errors.New("window inactive")
	ErrWindowOccupied     = errors.New("window occupied by another patient")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrPairingNotFound    = errors.New("pairing session not found")
	ErrPairingExpired     = errors.New("pairing session expired")
	ErrPairingUsed        = errors.New("pairing session already finalized")
	ErrPairingPhase       = errors.New("pairing session in wrong phase")
	ErrVerifierMismatch   = errors.New("verifier code mismatch")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrSessionNotFound    = errors.New("session not found")
)
