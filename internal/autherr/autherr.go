// Package autherr defines the closed failure taxonomy shared by the sign-in
// orchestrator and its collaborators. Transport and provider failures are
// normalized into these kinds at the boundary so callers branch on Kind
// instead of matching provider-specific strings.
package autherr

import (
	"errors"
	"fmt"
)

// Kind enumerates every failure class a sign-in operation can surface.
type Kind string

const (
	// KindNetwork means no response reached the backend at all.
	KindNetwork Kind = "network"
	// KindBackendRejected means the backend responded with a defined error payload.
	KindBackendRejected Kind = "backend-rejected"
	// KindPopupClosed means the user dismissed the provider prompt.
	KindPopupClosed Kind = "popup-closed"
	// KindPopupBlocked means the provider prompt could not be presented.
	KindPopupBlocked Kind = "popup-blocked"
	// KindConfiguration means the provider is not set up for this deployment.
	KindConfiguration Kind = "configuration"
	// KindUnauthorizedDomain means the provider refused this deployment's origin.
	KindUnauthorizedDomain Kind = "unauthorized-domain"
	// KindTokenInvalid means a stored token was rejected on refresh.
	KindTokenInvalid Kind = "token-invalid"
)

// Error carries a taxonomy kind, a human-readable message, and the wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match two taxonomy errors by kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// New builds a taxonomy error with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a taxonomy error around an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the taxonomy kind from err, if it carries one.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// DeploymentDefect reports whether the kind indicates a misconfigured
// deployment rather than a user-caused failure. UIs surface these distinctly
// ("contact support" rather than "try again").
func (k Kind) DeploymentDefect() bool {
	return k == KindConfiguration || k == KindUnauthorizedDomain
}
