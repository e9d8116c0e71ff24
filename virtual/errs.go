package virtual

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/grainkit/grainkit/virtual/reqctx"
)

var (
	statusCodeToErrorWrapper = map[int]func(err error, serverID string) error{
		http.StatusUnprocessableEntity: func(err error, _ string) error {
			return NewActivationRejectedError(err)
		},
		http.StatusMisdirectedRequest: NewRoutingFailureError,
		http.StatusNotImplemented: func(err error, _ string) error {
			return reqctx.NewUnsupportedOperationError(err.Error())
		},
	}

	// ErrEnvironmentClosed is returned by every operation on an Environment after Close()
	// has been called.
	ErrEnvironmentClosed = errors.New("environment is closed")

	// errTurnRejected is returned for turns that were queued on an activation, but never
	// started because the activation began deactivating first. Turns that fail this way
	// are safe to retry against a fresh activation.
	errTurnRejected = errors.New("activation is deactivating, turn rejected")

	// Make sure they implement the interface.
	_ HTTPError = NewActivationRejectedError(errors.New("n/a")).(HTTPError)
	_ HTTPError = NewRoutingFailureError(errors.New("n/a"), "n/a").(HTTPError)
	_ HTTPError = reqctx.NewUnsupportedOperationError("n/a").(HTTPError)
)

// HTTPError is the interface implemented by errors that map to a specific
// status code. It should be used in conjunction with statusCodeToErrorWrapper
// so that the status code is automatically set on the server, and the status
// code is automatically translated back into the appropriate error wrapped by
// the client.
type HTTPError interface {
	HTTPStatusCode() int
}

// ActivationRejectedErr indicates that a grain refused to activate (its OnActivate hook
// returned an error, or its type is not registered). It is never retried automatically.
type ActivationRejectedErr struct {
	err error
}

// NewActivationRejectedError creates a new ActivationRejectedErr.
func NewActivationRejectedError(err error) error {
	return ActivationRejectedErr{err: err}
}

func (a ActivationRejectedErr) Error() string {
	return fmt.Sprintf("ActivationRejectedError: %s", a.err.Error())
}

func (a ActivationRejectedErr) Unwrap() error {
	return a.err
}

func (a ActivationRejectedErr) Is(target error) bool {
	if target == nil {
		return false
	}

	_, ok1 := target.(*ActivationRejectedErr)
	_, ok2 := target.(ActivationRejectedErr)
	return ok1 || ok2
}

func (a ActivationRejectedErr) HTTPStatusCode() int {
	return http.StatusUnprocessableEntity
}

// IsActivationRejectedError returns a boolean indicating whether the error was caused by
// a grain refusing to activate.
func IsActivationRejectedError(err error) bool {
	return errors.Is(err, ActivationRejectedErr{})
}

// RoutingFailureErr indicates that an invocation could not be delivered to the server that
// owns the target grain: the server was unreachable, it refused the call because it is not
// the owner, or there was no live server at all.
type RoutingFailureErr struct {
	err      error
	serverID string
	// Set only when this hop's own delivery to serverID failed, which is the one case
	// where retrying against a refreshed placement cannot execute the invocation twice.
	misdirected bool
}

// NewRoutingFailureError creates a new RoutingFailureErr. serverID may be empty if no
// server was selected.
func NewRoutingFailureError(err error, serverID string) error {
	return RoutingFailureErr{err: err, serverID: serverID}
}

// newMisdirectedError creates a RoutingFailureErr indicating that the invocation never
// reached a grain on serverID: the server was unreachable or refused it because it is
// not the owner.
func newMisdirectedError(err error, serverID string) error {
	return RoutingFailureErr{err: err, serverID: serverID, misdirected: true}
}

func (r RoutingFailureErr) Error() string {
	return fmt.Sprintf(
		"RoutingFailureError(ServerID:%s): %s",
		r.serverID, r.err.Error())
}

func (r RoutingFailureErr) Unwrap() error {
	return r.err
}

func (r RoutingFailureErr) Is(target error) bool {
	if target == nil {
		return false
	}

	_, ok1 := target.(*RoutingFailureErr)
	_, ok2 := target.(RoutingFailureErr)
	return ok1 || ok2
}

func (r RoutingFailureErr) HTTPStatusCode() int {
	return http.StatusMisdirectedRequest
}

// ServerID returns the ID of the server the invocation could not be delivered to.
func (r RoutingFailureErr) ServerID() string {
	return r.serverID
}

// IsRoutingFailureError returns a boolean indicating whether the error was caused by a
// failure to deliver an invocation.
func IsRoutingFailureError(err error) bool {
	return errors.Is(err, RoutingFailureErr{})
}

// isServerMisdirectedError returns true if the invocation was never delivered to the
// server we tried to invoke the grain on, so placement must be refreshed. Routing
// failures returned by a grain itself are never considered misdirections of the current
// invocation, even though they remain visible to IsRoutingFailureError.
func isServerMisdirectedError(err error) (string, bool) {
	for err != nil {
		switch e := err.(type) {
		case grainErr:
			return "", false
		case RoutingFailureErr:
			if e.misdirected && e.serverID != "" {
				return e.serverID, true
			}
		}
		err = errors.Unwrap(err)
	}
	return "", false
}

// grainErr marks an error that was returned by a grain's Invoke method, as opposed to
// one produced while delivering the invocation.
type grainErr struct {
	err error
}

func (g grainErr) Error() string {
	return g.err.Error()
}

func (g grainErr) Unwrap() error {
	return g.err
}
