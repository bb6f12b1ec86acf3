package ws

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/felixgeelhaar/interpreta/internal/meetings/domain"
	"github.com/felixgeelhaar/interpreta/internal/meetings/protocol"
)

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{domain.ErrNotFound, http.StatusNotFound, protocol.CodeNotFound},
		{domain.ErrInvalidState, http.StatusConflict, protocol.CodeInvalidState},
		{domain.ErrConflict, http.StatusConflict, protocol.CodeInvalidState},
		{domain.ErrInvalidInput, http.StatusBadRequest, protocol.CodeInvalidInput},
		{domain.ErrLimitExceeded, http.StatusTooManyRequests, protocol.CodeLimitExceeded},
		{domain.ErrUnauthorized, http.StatusUnauthorized, protocol.CodeUnauthorized},
		{errors.New("connection refused"), http.StatusInternalServerError, protocol.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			wrapped := fmt.Errorf("meeting 42: %w", tt.err)
			assert.Equal(t, tt.status, statusFor(wrapped))
			assert.Equal(t, tt.code, codeFor(wrapped))
		})
	}
	assert.Equal(t, "internal error", publicMessage(errors.New("pq: password authentication failed")))
}
