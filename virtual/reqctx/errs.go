package reqctx

import (
	"fmt"
	"net/http"
)

// ErrUnsupportedOperation can be used with errors.Is to detect an UnsupportedOperationErr.
var ErrUnsupportedOperation = UnsupportedOperationErr{}

// UnsupportedOperationErr indicates that a feature of the request context was used while
// it was disabled by configuration. It never changes any state.
type UnsupportedOperationErr struct {
	msg string
}

// NewUnsupportedOperationError creates a new UnsupportedOperationErr.
func NewUnsupportedOperationError(msg string) error {
	return UnsupportedOperationErr{msg: msg}
}

func (u UnsupportedOperationErr) Error() string {
	return fmt.Sprintf("UnsupportedOperationError: %s", u.msg)
}

func (u UnsupportedOperationErr) Is(target error) bool {
	if target == nil {
		return false
	}

	_, ok1 := target.(*UnsupportedOperationErr)
	_, ok2 := target.(UnsupportedOperationErr)
	return ok1 || ok2
}

func (u UnsupportedOperationErr) HTTPStatusCode() int {
	return http.StatusNotImplemented
}
