package errs

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesKindThroughWrapping(t *testing.T) {
	inner := New(CorruptData, "bad trailer")
	wrapped := fmt.Errorf("loading layout: %w", inner)

	assert.True(t, Is(wrapped, CorruptData))
	assert.False(t, Is(wrapped, NotFound))
}

func TestExitCodeMapping(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(New(BadRequest, "bad prefix")))
	assert.Equal(t, 1, ExitCode(New(Forbidden, "nope")))
	assert.Equal(t, 3, ExitCode(New(NodeDown, "unreachable")))
	assert.Equal(t, 3, ExitCode(New(RpcTimeout, "timeout")))
	assert.Equal(t, 2, ExitCode(New(Io, "disk")))
	assert.Equal(t, 2, ExitCode(fmt.Errorf("plain error")))
}

func TestHTTPStatusMapping(t *testing.T) {
	assert.Equal(t, 400, HTTPStatus(New(BadRequest, "x")))
	assert.Equal(t, 404, HTTPStatus(New(NotFound, "x")))
	assert.Equal(t, 403, HTTPStatus(New(ReplicationFactorMismatch, "x")))
	assert.Equal(t, 503, HTTPStatus(New(TooManyErrors, "x")))
	assert.Equal(t, 500, HTTPStatus(New(CorruptData, "x")))
}

func TestErrorStringIncludesKindAndCause(t *testing.T) {
	err := Wrap(Io, "writing peer list", fmt.Errorf("disk full"))
	assert.Contains(t, err.Error(), "io")
	assert.Contains(t, err.Error(), "writing peer list")
	assert.Contains(t, err.Error(), "disk full")
}
