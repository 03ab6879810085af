package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/layer-3/passkey/core"
	"github.com/layer-3/passkey/service"
)

type ceremonyOptionsResponse struct {
	Challenge string `json:"challenge"`
	Options   any    `json:"options"`
}

func optionsResponse(opts *service.CeremonyOptions) ceremonyOptionsResponse {
	return ceremonyOptionsResponse{Challenge: opts.Challenge, Options: opts.Options}
}

func parseAttestation(raw json.RawMessage) (*protocol.ParsedCredentialCreationData, error) {
	if len(raw) == 0 {
		return nil, errors.New("missing credential")
	}
	return protocol.ParseCredentialCreationResponseBody(bytes.NewReader(raw))
}

func parseAssertion(raw json.RawMessage) (*protocol.ParsedCredentialAssertionData, error) {
	if len(raw) == 0 {
		return nil, errors.New("missing credential")
	}
	return protocol.ParseCredentialRequestResponseBody(bytes.NewReader(raw))
}

// RegistrationOptions starts a registration ceremony
func (h *Handlers) RegistrationOptions(c *gin.Context) {
	var req struct {
		AccountHint   string `json:"account_hint"`
		RecoveryToken string `json:"recovery_token"`
		DisplayName   string `json:"display_name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	opts, err := h.passkeys.RegistrationOptions(c.Request.Context(), service.RegistrationOptionsRequest{
		Host:          c.Request.Host,
		Origin:        c.GetHeader("Origin"),
		AccountHint:   req.AccountHint,
		RecoveryToken: req.RecoveryToken,
		DisplayName:   req.DisplayName,
		Session:       sessionFrom(c),
	})
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, optionsResponse(opts))
}

// RegistrationVerify finishes a registration ceremony and starts a session
func (h *Handlers) RegistrationVerify(c *gin.Context) {
	var req struct {
		Challenge     string          `json:"challenge"`
		Response      json.RawMessage `json:"response" binding:"required"`
		RecoveryToken string          `json:"recovery_token"`
		Address       string          `json:"address"`
		DisplayName   string          `json:"display_name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	parsed, err := parseAttestation(req.Response)
	if err != nil {
		h.logger.Debug("malformed attestation", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid credential"})
		return
	}

	res, err := h.passkeys.RegistrationVerify(c.Request.Context(), service.RegistrationVerifyRequest{
		Host:          c.Request.Host,
		Origin:        c.GetHeader("Origin"),
		Challenge:     req.Challenge,
		Response:      parsed,
		RecoveryToken: req.RecoveryToken,
		Address:       req.Address,
		DisplayName:   req.DisplayName,
		Session:       sessionFrom(c),
	})
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"address":        res.Address,
		"credential_id":  res.CredentialID,
		"wallet_address": res.WalletAddress,
		"auth_method":    res.Method,
		"session":        h.issueTokens(c, res.Tokens),
	})
}

// AuthenticationOptions starts a login
func (h *Handlers) AuthenticationOptions(c *gin.Context) {
	var req struct {
		AccountHint string `json:"account_hint"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
			return
		}
	}

	opts, err := h.passkeys.AuthenticationOptions(c.Request.Context(), service.AuthenticationOptionsRequest{
		Host:        c.Request.Host,
		Origin:      c.GetHeader("Origin"),
		AccountHint: req.AccountHint,
	})
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, optionsResponse(opts))
}

// AuthenticationVerify finishes a login. When the caller's session belongs to
// another account the credential is offered for rescue instead.
func (h *Handlers) AuthenticationVerify(c *gin.Context) {
	var req struct {
		Challenge string          `json:"challenge"`
		Response  json.RawMessage `json:"response" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	parsed, err := parseAssertion(req.Response)
	if err != nil {
		h.logger.Debug("malformed assertion", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid credential"})
		return
	}

	res, err := h.passkeys.AuthenticationVerify(c.Request.Context(), service.AuthenticationVerifyRequest{
		Host:      c.Request.Host,
		Origin:    c.GetHeader("Origin"),
		Challenge: req.Challenge,
		Response:  parsed,
		Session:   sessionFrom(c),
	})
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}

	if res.RescueToken != "" {
		c.JSON(http.StatusOK, gin.H{
			"credential_id":   res.CredentialID,
			"rescue_required": true,
			"rescue_token":    res.RescueToken,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"address":       res.Address,
		"credential_id": res.CredentialID,
		"session":       h.issueTokens(c, res.Tokens),
	})
}

// RedeemRecoveryCode exchanges a recovery code for a follow-up token
func (h *Handlers) RedeemRecoveryCode(c *gin.Context) {
	var req struct {
		Code string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	address, token, err := h.passkeys.RedeemRecoveryCode(c.Request.Context(), req.Code)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"address": address, "recovery_token": token})
}

// IssueRecoveryCode creates a recovery code for the session's account
func (h *Handlers) IssueRecoveryCode(c *gin.Context) {
	code, expiresAt, err := h.passkeys.IssueRecoveryCode(c.Request.Context(), sessionFrom(c))
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"code": code, "expires_at": expiresAt})
}

// RescueOptions starts the ceremony that adopts an orphaned credential
func (h *Handlers) RescueOptions(c *gin.Context) {
	var req struct {
		RescueToken string `json:"rescue_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	opts, err := h.passkeys.RescueOptions(c.Request.Context(), service.RescueOptionsRequest{
		Host:        c.Request.Host,
		Origin:      c.GetHeader("Origin"),
		RescueToken: req.RescueToken,
		Session:     sessionFrom(c),
	})
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, optionsResponse(opts))
}

// RescueLink moves an orphaned credential to the session's account
func (h *Handlers) RescueLink(c *gin.Context) {
	var req struct {
		RescueToken string          `json:"rescue_token" binding:"required"`
		Response    json.RawMessage `json:"response" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	parsed, err := parseAssertion(req.Response)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid credential"})
		return
	}

	res, err := h.passkeys.LinkRescue(c.Request.Context(), service.RescueLinkRequest{
		Host:        c.Request.Host,
		Origin:      c.GetHeader("Origin"),
		RescueToken: req.RescueToken,
		Response:    parsed,
		Session:     sessionFrom(c),
	})
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"address":          res.Address,
		"credential_id":    res.CredentialID,
		"previous_address": res.PreviousAddress,
	})
}

// ListCredentials lists the session account's passkeys
func (h *Handlers) ListCredentials(c *gin.Context) {
	creds, err := h.passkeys.ListCredentials(c.Request.Context(), sessionFrom(c))
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"credentials": creds})
}

// DeleteCredential removes one of the session account's passkeys
func (h *Handlers) DeleteCredential(c *gin.Context) {
	err := h.passkeys.DeleteCredential(c.Request.Context(), sessionFrom(c), c.Param("id"))
	if errors.Is(err, core.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}

	c.Status(http.StatusNoContent)
}
