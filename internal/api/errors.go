package api

import (
	"context"
	"errors"
	"net/http"

	"acdcd/internal/attest"
	"acdcd/internal/kel"
	"acdcd/internal/logger"
	"acdcd/internal/resolver"
	"acdcd/internal/said"
	"acdcd/internal/signing"
)

// statusFor maps an operation error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, attest.ErrTamperedPayload),
		errors.Is(err, said.ErrFormat),
		errors.Is(err, said.ErrMismatch),
		errors.Is(err, attest.ErrSchemaViolation),
		errors.Is(err, attest.ErrWrongIssuer),
		errors.Is(err, kel.ErrInvalidRotation),
		errors.Is(err, kel.ErrInvalidEvent):
		return http.StatusBadRequest

	case errors.Is(err, signing.ErrVerificationFailed):
		return http.StatusForbidden

	case errors.Is(err, kel.ErrNotEstablished):
		return http.StatusConflict

	case errors.Is(err, resolver.ErrResolverUnreachable):
		return http.StatusServiceUnavailable

	case errors.Is(err, resolver.ErrUnknownIdentifier),
		errors.Is(err, resolver.ErrRejected):
		return http.StatusBadGateway

	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout

	default:
		return http.StatusInternalServerError
	}
}

// writeFailure logs err and writes it with its mapped status. Internal
// errors are not echoed to the caller.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	log := logger.With("request", requestID(r), "path", r.URL.Path, "status", status)

	if status == http.StatusInternalServerError {
		log.Error("request failed", "error", err)
		writeError(w, status, "internal error")
		return
	}

	log.Debug("request rejected", "error", err)
	writeError(w, status, err.Error())
}
