package common

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("submit: %w", InvalidDivisor("divisor must be between 1 and 10"))
	require.ErrorIs(t, err, ErrInvalidDivisor)
	require.NotErrorIs(t, err, ErrSumMismatch)
	require.Equal(t, CodeInvalidDivisor, CodeOf(err))
	require.True(t, IsAppError(err))
}

func TestServerErrorKeepsMessageVerbatim(t *testing.T) {
	err := ServerError(http.StatusConflict, "balance changed, reload the sale", nil)
	require.Equal(t, "balance changed, reload the sale", err.Error())
	require.True(t, err.Rejected())
	require.ErrorIs(t, err, ErrNetworkOrServer)

	generic := ServerError(0, "", errors.New("dial tcp: connection refused"))
	require.Equal(t, "payment service unavailable, please try again", generic.Error())
	require.False(t, generic.Rejected())
	require.ErrorIs(t, generic, ErrNetworkOrServer)
}

func TestCodeOfPlainError(t *testing.T) {
	require.Empty(t, CodeOf(errors.New("boom")))
}
