package routeerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Wrap(CodeNetworkError, cause, "request to %s failed", "qwen")

	assert.Equal(t, CodeNetworkError, CodeOf(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "network_error")
	assert.Contains(t, err.Error(), "refused")
}

func TestCodeOfDefaultsToInternal(t *testing.T) {
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
	assert.Equal(t, CodeRateLimited, CodeOf(New(CodeRateLimited, "slow down")))
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, 0, StatusOf(errors.New("plain")))
	assert.Equal(t, 0, StatusOf(New(CodeInternal, "no status")))
	assert.Equal(t, 429, StatusOf(New(CodeRateLimited, "slow down").WithStatus(429)))
}

func TestCodeSurvivesFmtWrapping(t *testing.T) {
	inner := New(CodeAuthInvalid, "token expired").WithStatus(401)
	outer := fmt.Errorf("provider qwen: %w", inner)

	assert.Equal(t, CodeAuthInvalid, CodeOf(outer))
	assert.Equal(t, 401, StatusOf(outer))

	var re *Error
	require.True(t, errors.As(outer, &re))
	assert.Equal(t, CodeAuthInvalid, re.Code)
}

func TestIsMatchesOnCode(t *testing.T) {
	err := Wrap(CodeTimeout, errors.New("deadline"), "upstream stalled")
	assert.ErrorIs(t, err, New(CodeTimeout, ""))
	assert.NotErrorIs(t, err, New(CodeNetworkError, ""))
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsRetryable(New(CodeServerError, "boom")))
	assert.True(t, IsRetryable(New(CodeServerError, "boom").WithRetryable(true)))
}

func TestIsAuthError(t *testing.T) {
	assert.True(t, IsAuthError(New(CodeAuthInvalid, "expired")))
	assert.True(t, IsAuthError(New(CodeAuthMissing, "no token")))
	assert.True(t, IsAuthError(New(CodeHTTPError, "forbidden").WithStatus(403)))
	assert.False(t, IsAuthError(New(CodeHTTPError, "server").WithStatus(500)))
	assert.False(t, IsAuthError(errors.New("plain")))
}
