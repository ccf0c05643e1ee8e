package contracts

import (
	"errors"
	"fmt"
)

// Error kinds carried in response envelopes. These are wire strings, not
// Go error values; both sides of the broker match on them by name.
const (
	KindValidation          = "ValidationError"
	KindAuthorization       = "AuthorizationError"
	KindServiceUnavailable  = "ServiceUnavailableError"
	KindServiceTimeout      = "ServiceTimeoutError"
	KindTimeout             = "Timeout"
	KindDatabaseUnavailable = "DatabaseUnavailable"
	KindNotFound            = "NotFound"
	KindInternal            = "InternalError"
)

// RemoteError is a typed error reconstructed from an error response.
type RemoteError struct {
	Kind    string
	Message string
	Code    int
}

// Error implements error
func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewRemoteError creates a remote error of the given kind.
func NewRemoteError(kind, format string, args ...interface{}) *RemoteError {
	return &RemoteError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Kind extracts the error kind from err, walking the wrap chain. Errors
// that are not RemoteErrors classify as InternalError.
func Kind(err error) string {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind string) bool {
	return Kind(err) == kind
}
