package errors

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kandev/agentproxy/pkg/remote"
)

func TestFromCallError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   string
		status int
	}{
		{"encoding", &remote.EncodingError{Err: errors.New("chan")}, ErrCodeEncodingError, http.StatusUnprocessableEntity},
		{"timeout", &remote.TimeoutError{URL: "http://a"}, ErrCodeUpstreamTimeout, http.StatusGatewayTimeout},
		{"transport", &remote.TransportError{URL: "http://a", StatusCode: 500}, ErrCodeUpstreamError, http.StatusBadGateway},
		{"cancelled", context.Canceled, ErrCodeCancelled, StatusClientClosedRequest},
		{"other", errors.New("boom"), ErrCodeInternalError, http.StatusInternalServerError},
		{"app error kept", NotFound("agent", "x"), ErrCodeNotFound, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appErr := FromCallError(tt.err)
			assert.Equal(t, tt.code, appErr.Code)
			assert.Equal(t, tt.status, appErr.HTTPStatus)
			assert.Equal(t, tt.status, GetHTTPStatus(appErr))
		})
	}

	assert.Nil(t, FromCallError(nil))
}

func TestWrapPreservesCode(t *testing.T) {
	wrapped := Wrap(BadRequest("bad agent name"), "create call")
	assert.Equal(t, ErrCodeBadRequest, wrapped.Code)
	assert.Equal(t, "create call: bad agent name", wrapped.Message)
	assert.True(t, IsBadRequest(wrapped))
	assert.False(t, IsNotFound(wrapped))

	assert.Nil(t, Wrap(nil, "x"))
	assert.Equal(t, http.StatusInternalServerError, GetHTTPStatus(errors.New("plain")))
}

func TestAppErrorUnwrap(t *testing.T) {
	cause := &remote.TimeoutError{URL: "http://a"}
	appErr := FromCallError(cause)
	assert.ErrorIs(t, appErr, context.DeadlineExceeded)
	assert.Contains(t, appErr.Error(), ErrCodeUpstreamTimeout)
}
