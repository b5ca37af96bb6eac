package types

import (
	"errors"
	"net/http"
)

// Sentinel errors. Compare with errors.Is; CodeOf maps them to wire codes.
var (
	ErrInvalidMessageType    = errors.New("invalid message type")
	ErrMalformedEnvelope     = errors.New("malformed envelope")
	ErrRecipientNotInSession = errors.New("recipient not in session")
	ErrSenderNotInSession    = errors.New("sender not in session")
	ErrIdentityMismatch      = errors.New("identity does not match connection")
	ErrDuplicateManager      = errors.New("session already has a manager")
	ErrDelegationInProgress  = errors.New("delegation already in progress")
	ErrSubtaskTimeout        = errors.New("subtask timed out")
	ErrAgentInvocation       = errors.New("agent invocation failed")
	ErrConnectionWrite       = errors.New("connection write failed")
	ErrSessionNotFound       = errors.New("session not found")
	ErrSessionExists         = errors.New("session already exists")
	ErrInvalidParticipants   = errors.New("invalid participants")
	ErrSubtaskNotPending     = errors.New("subtask is not pending")
	ErrTaskNotFound          = errors.New("task not found")
	ErrRateLimited           = errors.New("rate limited")
)

// errorCodes maps sentinels to wire codes and HTTP statuses. Order matters
// only in that the first match wins.
var errorCodes = []struct {
	err    error
	code   string
	status int
}{
	{ErrInvalidMessageType, "invalid_message_type", http.StatusBadRequest},
	{ErrMalformedEnvelope, "malformed_envelope", http.StatusBadRequest},
	{ErrRecipientNotInSession, "recipient_not_in_session", http.StatusBadRequest},
	{ErrSenderNotInSession, "sender_not_in_session", http.StatusBadRequest},
	{ErrIdentityMismatch, "identity_mismatch", http.StatusForbidden},
	{ErrDuplicateManager, "duplicate_manager", http.StatusConflict},
	{ErrDelegationInProgress, "delegation_in_progress", http.StatusConflict},
	{ErrSubtaskTimeout, "subtask_timeout", http.StatusGatewayTimeout},
	{ErrAgentInvocation, "agent_invocation_failure", http.StatusBadGateway},
	{ErrConnectionWrite, "connection_write_failure", http.StatusServiceUnavailable},
	{ErrSessionNotFound, "session_not_found", http.StatusNotFound},
	{ErrSessionExists, "session_exists", http.StatusConflict},
	{ErrInvalidParticipants, "invalid_participants", http.StatusBadRequest},
	{ErrSubtaskNotPending, "subtask_not_pending", http.StatusConflict},
	{ErrTaskNotFound, "task_not_found", http.StatusNotFound},
	{ErrRateLimited, "rate_limited", http.StatusTooManyRequests},
}

// CodeOf returns the wire code for err, or "internal_error".
func CodeOf(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal_error"
}

// StatusOf returns the HTTP status for err, or 500.
func StatusOf(err error) int {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.status
		}
	}
	return http.StatusInternalServerError
}
