package ws

import (
	"errors"
	"net/http"

	"github.com/felixgeelhaar/interpreta/internal/meetings/domain"
	"github.com/felixgeelhaar/interpreta/internal/meetings/protocol"
)

// statusFor maps a handshake failure onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// codeFor maps a failure while Active onto a protocol error code.
func codeFor(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return protocol.CodeNotFound
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrConflict):
		return protocol.CodeInvalidState
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, protocol.ErrUnknownType):
		return protocol.CodeInvalidInput
	case errors.Is(err, domain.ErrLimitExceeded):
		return protocol.CodeLimitExceeded
	case errors.Is(err, domain.ErrUnauthorized):
		return protocol.CodeUnauthorized
	default:
		return protocol.CodeInternal
	}
}

// publicMessage hides internal failures from clients.
func publicMessage(err error) string {
	if codeFor(err) == protocol.CodeInternal {
		return "internal error"
	}
	return err.Error()
}
