package consent

import (
	"errors"
	"fmt"
)

// Kind classifies lifecycle failures so transports can map them to status codes.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindInvalidTimestamp
	KindMissingIdempotencyKey
	KindIdempotencyConflict
	KindAlreadyRevoked
	KindInvalidPartner
	KindVerificationFailed
	KindInvalidTransition
	KindInvalidRequest
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindInvalidTimestamp:
		return "InvalidTimestamp"
	case KindMissingIdempotencyKey:
		return "MissingIdempotencyKey"
	case KindIdempotencyConflict:
		return "IdempotencyConflict"
	case KindAlreadyRevoked:
		return "AlreadyRevoked"
	case KindInvalidPartner:
		return "InvalidPartner"
	case KindVerificationFailed:
		return "VerificationFailed"
	case KindInvalidTransition:
		return "InvalidTransition"
	case KindInvalidRequest:
		return "InvalidRequest"
	}
	return "Unknown"
}

// Error is a typed lifecycle failure. Code is a stable machine-readable token.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// KindOf returns the Kind of err, or KindUnknown when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ErrDuplicateIdempotencyKey is returned by a Store when an ACTIVE record already holds the key.
var ErrDuplicateIdempotencyKey = errors.New("consent: duplicate idempotency key")

var (
	errConsentNotFound     = newError(KindNotFound, "CONSENT_NOT_FOUND", "Consent not found or unauthorized.")
	errUserNotFound        = newError(KindNotFound, "USER_NOT_FOUND", "User not found.")
	errPartnerNotFound     = newError(KindNotFound, "PARTNER_NOT_FOUND", "Partner not found.")
	errMissingTimestamp    = newError(KindInvalidTimestamp, "MISSING_TIMESTAMP", "Missing x-timestamp header.")
	errInvalidTimestamp    = newError(KindInvalidTimestamp, "INVALID_TIMESTAMP", "Timestamp outside valid range (±5m).")
	errMissingIdempotency  = newError(KindMissingIdempotencyKey, "MISSING_IDEMPOTENCY_KEY", "Missing x-idempotency-key header.")
	errDuplicateKey        = newError(KindIdempotencyConflict, "IDEMPOTENCY_CONFLICT", "Idempotency key already used.")
	errFingerprintMismatch = newError(KindIdempotencyConflict, "IDEMPOTENCY_CONFLICT", "Idempotency key already used for a different consent request.")
	errAlreadyRevoked      = newError(KindAlreadyRevoked, "ALREADY_REVOKED", "Consent already revoked.")
	errInvalidPartner      = newError(KindInvalidPartner, "INVALID_PARTNER", "Partner ID validation failed.")
	errRevokedOrExpired    = newError(KindVerificationFailed, "EPOCH_MISMATCH", "Consent revoked or expired.")
	errNotPending          = newError(KindInvalidTransition, "INVALID_TRANSITION", "Consent can only be activated from PENDING.")
	errRevokeExpired       = newError(KindInvalidTransition, "INVALID_TRANSITION", "Expired consent cannot be revoked.")
	errConcurrentUpdate    = newError(KindInvalidTransition, "CONCURRENT_UPDATE", "Consent was modified concurrently, retry the request.")
)

func invalidRequest(format string, args ...interface{}) *Error {
	return newError(KindInvalidRequest, "INVALID_REQUEST", fmt.Sprintf(format, args...))
}
