package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/passkey/core"
)

type errorMapping struct {
	target  error
	status  int
	message string
}

// First match wins. Messages never say whether an address has an account.
var errorMappings = []errorMapping{
	{core.ErrSessionExpired, http.StatusUnauthorized, "session expired"},
	{core.ErrTokenInvalidated, http.StatusUnauthorized, "token has been invalidated"},
	{core.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
	{core.ErrExpired, http.StatusUnauthorized, "expired"},
	{core.ErrForbidden, http.StatusForbidden, "forbidden"},
	{core.ErrAlreadyUsed, http.StatusConflict, "already used"},
	{core.ErrCredentialExists, http.StatusConflict, "credential already registered"},
	{core.ErrVerificationFailed, http.StatusUnauthorized, "verification failed"},
	{core.ErrMismatchedCeremony, http.StatusBadRequest, "mismatched ceremony"},
	{core.ErrInvalid, http.StatusBadRequest, "invalid request"},
	{core.ErrNotFound, http.StatusBadRequest, "not found"},
	{core.ErrUpstream, http.StatusInternalServerError, "internal error"},
}

// statusFor maps a service error to an HTTP status and a client safe message
func statusFor(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status, m.message
		}
	}
	return http.StatusInternalServerError, "internal error"
}

func abortWithError(c *gin.Context, logger *slog.Logger, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	} else {
		logger.Debug("request rejected", "method", c.Request.Method, "path", c.FullPath(), "status", status, "error", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
