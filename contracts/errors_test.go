package contracts

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind(t *testing.T) {
	t.Run("extracts kind from RemoteError", func(t *testing.T) {
		err := NewRemoteError(KindServiceTimeout, "no response from %s", "gps_queue")
		assert.Equal(t, KindServiceTimeout, Kind(err))
	})

	t.Run("walks the wrap chain", func(t *testing.T) {
		inner := NewRemoteError(KindDatabaseUnavailable, "connection refused")
		wrapped := fmt.Errorf("handling request: %w", inner)

		assert.Equal(t, KindDatabaseUnavailable, Kind(wrapped))
		assert.True(t, IsKind(wrapped, KindDatabaseUnavailable))
	})

	t.Run("plain errors classify as internal", func(t *testing.T) {
		assert.Equal(t, KindInternal, Kind(errors.New("boom")))
	})
}

func TestRemoteError(t *testing.T) {
	err := NewRemoteError(KindAuthorization, "role %s cannot delete vehicles", "viewer")

	assert.Equal(t, "AuthorizationError: role viewer cannot delete vehicles", err.Error())

	var remote *RemoteError
	assert.True(t, errors.As(err, &remote))
	assert.Equal(t, KindAuthorization, remote.Kind)
}
