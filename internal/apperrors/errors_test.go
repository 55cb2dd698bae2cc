package apperrors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("create: %w", New(CodeCapacityExceeded, "owner cap reached"))

	assert.True(t, HasCode(err, CodeCapacityExceeded))
	assert.False(t, HasCode(err, CodeNotFound))
	assert.Equal(t, CodeCapacityExceeded, GetCode(err))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := fmt.Errorf("disk gone")
	err := Wrap(CodeUnavailable, "session store unavailable", cause)

	require.ErrorIs(t, err, cause)
	assert.Equal(t, "session store unavailable: disk gone", err.Error())
	assert.True(t, err.Code.Retryable())
}

func TestGetCodeUnknown(t *testing.T) {
	assert.Equal(t, CodeUnknown, GetCode(fmt.Errorf("plain")))
	assert.Nil(t, Metadata(fmt.Errorf("plain")))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		CodeCapacityExceeded:       http.StatusConflict,
		CodeDuplicateSession:       http.StatusConflict,
		CodeExtensionLimitExceeded: http.StatusConflict,
		CodeNotFound:               http.StatusNotFound,
		CodeInvalidArgument:        http.StatusBadRequest,
		CodeUnauthenticated:        http.StatusUnauthorized,
		CodeRateLimited:            http.StatusTooManyRequests,
		CodeUnavailable:            http.StatusServiceUnavailable,
		CodeInternal:               http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, code.HTTPStatus(), code)
	}
}
