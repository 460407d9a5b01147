package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructorsCarryHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, NewInvalidInputError("bad").HTTPStatus)
	assert.Equal(t, http.StatusNotFound, NewNotFoundError("call").HTTPStatus)
	assert.Equal(t, http.StatusUnauthorized, NewUnauthorizedError("nope").HTTPStatus)
	assert.Equal(t, http.StatusTooManyRequests, NewRateLimitError().HTTPStatus)
	assert.Equal(t, http.StatusInternalServerError, NewInternalError("boom").HTTPStatus)
}

func TestErrorIncludesCause(t *testing.T) {
	cause := stderrors.New("disk full")
	err := WrapError(cause, ErrCodeInternal, "store failed", http.StatusInternalServerError)

	assert.Contains(t, err.Error(), "disk full")
	assert.ErrorIs(t, err, cause)
}

func TestGetAppErrorUnwrapsChain(t *testing.T) {
	appErr := NewNotFoundError("call")
	wrapped := fmt.Errorf("handling request: %w", appErr)

	got := GetAppError(wrapped)
	require.NotNil(t, got)
	assert.Equal(t, ErrCodeNotFound, got.Code)

	assert.Nil(t, GetAppError(stderrors.New("plain")))
	assert.Nil(t, GetAppError(nil))
}
