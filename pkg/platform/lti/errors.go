package lti

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind names one class of protocol failure. Kinds are stable strings used in
// logs, audit rows and the "code" field of error responses.
type Kind string

const (
	KindRegistrationNotFound Kind = "registration_not_found"
	KindBadSignature         Kind = "bad_signature"
	KindExpiredToken         Kind = "expired_token"
	KindReplayedNonce        Kind = "replayed_nonce"
	KindClaimMismatch        Kind = "claim_mismatch"
	KindKeyFetch             Kind = "key_fetch_error"
	KindUnauthorized         Kind = "unauthorized"
	KindInsufficientScope    Kind = "insufficient_scope"
	KindEntityNotFound       Kind = "entity_not_found"
	KindInvalidScore         Kind = "invalid_score"
	KindInvalidRequest       Kind = "invalid_request"
)

// Sentinels for errors.Is. Every *Error matches the sentinel of its Kind.
var (
	ErrRegistrationNotFound = &Error{Kind: KindRegistrationNotFound}
	ErrBadSignature         = &Error{Kind: KindBadSignature}
	ErrExpiredToken         = &Error{Kind: KindExpiredToken}
	ErrReplayedNonce        = &Error{Kind: KindReplayedNonce}
	ErrClaimMismatch        = &Error{Kind: KindClaimMismatch}
	ErrKeyFetch             = &Error{Kind: KindKeyFetch}
	ErrUnauthorized         = &Error{Kind: KindUnauthorized}
	ErrInsufficientScope    = &Error{Kind: KindInsufficientScope}
	ErrEntityNotFound       = &Error{Kind: KindEntityNotFound}
	ErrInvalidScore         = &Error{Kind: KindInvalidScore}
	ErrInvalidRequest       = &Error{Kind: KindInvalidRequest}
)

// Error is the tagged result of a failed validation step.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("lti %s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("lti %s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("lti %s: %v", e.Kind, e.Err)
	}
	return "lti " + string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Errorf builds an *Error of kind k.
func Errorf(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags err with kind k.
func Wrap(k Kind, msg string, err error) *Error {
	return &Error{Kind: k, Msg: msg, Err: err}
}

// KindOf returns the Kind carried by err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// HTTPStatus maps an error to the status code the HTTP surface uses.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindRegistrationNotFound, KindBadSignature, KindExpiredToken, KindReplayedNonce,
		KindClaimMismatch, KindKeyFetch, KindUnauthorized:
		return http.StatusUnauthorized
	case KindInsufficientScope:
		return http.StatusForbidden
	case KindEntityNotFound:
		return http.StatusNotFound
	case KindInvalidScore:
		return http.StatusUnprocessableEntity
	case KindInvalidRequest:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// Outcome renders err as a metric/audit label: "ok", an error kind, or "error".
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if k := KindOf(err); k != "" {
		return string(k)
	}
	return "error"
}
