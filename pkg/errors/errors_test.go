package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	err := New(KindQueryInvalid, "unknown column %q", "nope")
	assert.Equal(t, KindQueryInvalid, KindOf(err))
	assert.Equal(t, KindInternal, KindOf(stderrors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := Wrap(cause, KindConflict, "insert failed")
	require.NotNil(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindConflict, KindOf(err))

	// Wrapping through fmt keeps the classification reachable.
	outer := fmt.Errorf("repository: %w", err)
	assert.Equal(t, KindConflict, KindOf(outer))
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, KindInternal, "ignored"))
}

func TestStatusCodes(t *testing.T) {
	cases := map[Kind]int{
		KindQueryInvalid:    http.StatusBadRequest,
		KindUnauthenticated: http.StatusUnauthorized,
		KindForbidden:       http.StatusForbidden,
		KindNotFound:        http.StatusNotFound,
		KindConflict:        http.StatusConflict,
		KindConfigInvalid:   http.StatusInternalServerError,
		KindCyclicBinding:   http.StatusInternalServerError,
		KindNotBound:        http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, StatusCode(kind), "kind %s", kind)
	}
}

func TestToEnvelope(t *testing.T) {
	err := New(KindNotFound, "user not found").WithDetails(map[string]string{"id": "42"})
	env := ToEnvelope(err)
	assert.Equal(t, http.StatusNotFound, env.StatusCode)
	assert.Equal(t, "user not found", env.Message)
	assert.NotNil(t, env.Details)

	env = ToEnvelope(stderrors.New("secret internals"))
	assert.Equal(t, http.StatusInternalServerError, env.StatusCode)
	assert.Equal(t, "internal server error", env.Message)
}
