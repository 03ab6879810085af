package http

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/descope/virtualwebauthn"
	"github.com/gin-gonic/gin"
	"github.com/layer-3/passkey/adapters/store"
	"github.com/layer-3/passkey/adapters/tokenizer"
	"github.com/layer-3/passkey/core"
	"github.com/layer-3/passkey/internal/obs"
	"github.com/layer-3/passkey/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testHost   = "localhost:9000"
	testOrigin = "http://localhost:9000"
)

type nopEvents struct{}

func (nopEvents) PublishLogout(ctx context.Context, address, tokenID string) error { return nil }
func (nopEvents) PublishCredentialRegistered(ctx context.Context, address, credentialID, method string) error {
	return nil
}
func (nopEvents) PublishCredentialDeleted(ctx context.Context, address, credentialID string) error {
	return nil
}
func (nopEvents) PublishCredentialLinked(ctx context.Context, address, credentialID, previous string) error {
	return nil
}

type testServer struct {
	t        *testing.T
	router   *gin.Engine
	store    *store.MemoryStore
	recovery *service.RecoveryService
	healthy  error
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemoryStore()
	tok := tokenizer.NewJWTTokenizer(key)
	metrics := obs.NewMetrics()

	ledger := service.NewChallengeLedger(st.Challenges(), 0, nil, logger)
	recovery := service.NewRecoveryService(st, tok, 0, 0, nil)
	sessions := service.NewAuthService(tok, store.NewMemoryRevocations(), nopEvents{}, logger, 0, 0)

	passkeys, err := service.NewPasskeyService(service.PasskeyParams{
		Store:    st,
		Ledger:   ledger,
		Recovery: recovery,
		Resolver: service.NewAccountResolver(recovery, "passkey"),
		Sessions: sessions,
		Parties:  service.RelyingParties{Name: "Passkey", IDs: []string{"localhost"}, Origins: []string{testOrigin}},
		Events:   nopEvents{},
		Logger:   logger,
		Metrics:  metrics,
	})
	require.NoError(t, err)

	ts := &testServer{t: t, store: st, recovery: recovery}
	health := func(ctx context.Context) error { return ts.healthy }

	ts.router = SetupRouter(RouterConfig{
		Handlers:    NewHandlers(passkeys, sessions, health, CookieConfig{}, logger),
		AuthService: sessions,
		Metrics:     metrics,
		Logger:      logger,
	})
	return ts
}

func (ts *testServer) do(method, path string, body any, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	ts.t.Helper()

	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(ts.t, err)
		r = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, r)
	req.Host = testHost
	req.Header.Set("Origin", testOrigin)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}

	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func cookie(w *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

type optionsBody struct {
	Challenge string `json:"challenge"`
	Options   struct {
		PublicKey json.RawMessage `json:"publicKey"`
	} `json:"options"`
}

type sessionBody struct {
	Address      string `json:"address"`
	CredentialID string `json:"credential_id"`
	Session      struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	} `json:"session"`
}

// attest fetches registration options and answers them as an authenticator
// running on origin would.
func (ts *testServer) attest(origin string) (string, json.RawMessage) {
	ts.t.Helper()

	w := ts.do(http.MethodPost, "/passkey/registration/options", gin.H{"display_name": "laptop"})
	require.Equal(ts.t, http.StatusOK, w.Code, w.Body.String())
	var opts optionsBody
	decode(ts.t, w, &opts)

	attestationOptions, err := virtualwebauthn.ParseAttestationOptions(string(opts.Options.PublicKey))
	require.NoError(ts.t, err)

	rp := virtualwebauthn.RelyingParty{Name: "Passkey", ID: "localhost", Origin: origin}
	attestation := virtualwebauthn.CreateAttestationResponse(rp, virtualwebauthn.NewAuthenticator(),
		virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2), *attestationOptions)
	return opts.Challenge, json.RawMessage(attestation)
}

// register runs a registration ceremony over HTTP
func (ts *testServer) register() (*httptest.ResponseRecorder, sessionBody) {
	ts.t.Helper()

	challenge, attestation := ts.attest(testOrigin)
	w := ts.do(http.MethodPost, "/passkey/registration/verify", gin.H{
		"challenge":    challenge,
		"response":     attestation,
		"display_name": "laptop",
	})
	require.Equal(ts.t, http.StatusOK, w.Code, w.Body.String())

	var res sessionBody
	decode(ts.t, w, &res)
	return w, res
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	ts.healthy = errors.New("db down")
	w = ts.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMe_RequiresSession(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/api/me", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "unauthorized")

	w = ts.do(http.MethodGet, "/api/me", nil, &http.Cookie{Name: SessionCookie, Value: "garbage"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "session expired")
}

func TestRegistrationFlow(t *testing.T) {
	ts := newTestServer(t)

	w, reg := ts.register()
	assert.Regexp(t, "^0x[0-9a-f]{40}$", reg.Address)
	assert.NotEmpty(t, reg.Session.AccessToken)

	session := cookie(w, SessionCookie)
	require.NotNil(t, session)
	assert.True(t, session.HttpOnly)
	require.NotNil(t, cookie(w, RefreshCookie))

	w = ts.do(http.MethodGet, "/api/me", nil, session)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), reg.Address)

	w = ts.do(http.MethodGet, "/passkey/credentials", nil, session)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Credentials []service.CredentialSummary `json:"credentials"`
	}
	decode(t, w, &list)
	require.Len(t, list.Credentials, 1)
	assert.Equal(t, reg.CredentialID, list.Credentials[0].ID)
	assert.Equal(t, "laptop", list.Credentials[0].DisplayName)

	w = ts.do(http.MethodDelete, "/passkey/credentials/"+reg.CredentialID, nil, session)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = ts.do(http.MethodDelete, "/passkey/credentials/"+reg.CredentialID, nil, session)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `passkey_ceremonies_total{ceremony="registration",outcome="success"} 1`)
}

func TestRegistrationVerify_Rejections(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/passkey/registration/verify", gin.H{"response": json.RawMessage(`{"id":"x"}`)})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(http.MethodPost, "/passkey/registration/verify", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(http.MethodPost, "/passkey/registration/options", gin.H{"account_hint": "nope"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	t.Run("malformed address is a bad request", func(t *testing.T) {
		challenge, attestation := ts.attest(testOrigin)
		w := ts.do(http.MethodPost, "/passkey/registration/verify", gin.H{
			"challenge": challenge,
			"response":  attestation,
			"address":   "0x123",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "invalid request")
	})

	t.Run("attestation from a foreign origin fails verification", func(t *testing.T) {
		challenge, attestation := ts.attest("http://evil.localhost:9000")
		w := ts.do(http.MethodPost, "/passkey/registration/verify", gin.H{
			"challenge": challenge,
			"response":  attestation,
		})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "verification failed")
	})
}

func TestRecoveryRedeem(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.recovery.StoreRecoveryCode(context.Background(), "ABC123", "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"))

	w := ts.do(http.MethodPost, "/passkey/recovery/redeem", gin.H{"code": "abc123"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res struct {
		Address       string `json:"address"`
		RecoveryToken string `json:"recovery_token"`
	}
	decode(t, w, &res)
	assert.Equal(t, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", res.Address)
	assert.NotEmpty(t, res.RecoveryToken)

	w = ts.do(http.MethodPost, "/passkey/recovery/redeem", gin.H{"code": "ABC123"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(http.MethodPost, "/passkey/recovery/redeem", gin.H{"code": "UNKNOWN"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(http.MethodPost, "/passkey/recovery/codes", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRefreshAndLogout(t *testing.T) {
	ts := newTestServer(t)
	_, reg := ts.register()

	w := ts.do(http.MethodPost, "/auth/refresh", gin.H{"refresh_token": reg.Session.RefreshToken})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rotated tokenResponse
	decode(t, w, &rotated)
	assert.NotEqual(t, reg.Session.RefreshToken, rotated.RefreshToken)

	w = ts.do(http.MethodPost, "/auth/refresh", gin.H{"refresh_token": reg.Session.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(http.MethodPost, "/auth/logout", nil, &http.Cookie{Name: RefreshCookie, Value: rotated.RefreshToken})
	require.Equal(t, http.StatusOK, w.Code)
	cleared := cookie(w, SessionCookie)
	require.NotNil(t, cleared)
	assert.Empty(t, cleared.Value)

	w = ts.do(http.MethodPost, "/auth/refresh", gin.H{"refresh_token": rotated.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(http.MethodPost, "/auth/logout", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{core.ErrInvalid, http.StatusBadRequest},
		{core.ErrVerificationFailed, http.StatusUnauthorized},
		{core.ErrMismatchedCeremony, http.StatusBadRequest},
		{core.ErrNotFound, http.StatusBadRequest},
		{core.ErrSessionExpired, http.StatusUnauthorized},
		{core.ErrUnauthorized, http.StatusUnauthorized},
		{core.ErrExpired, http.StatusUnauthorized},
		{core.ErrForbidden, http.StatusForbidden},
		{core.ErrAlreadyUsed, http.StatusConflict},
		{core.ErrCredentialExists, http.StatusConflict},
		{core.ErrUpstream, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			got, msg := statusFor(fmt.Errorf("wrapped: %w", tt.err))
			assert.Equal(t, tt.want, got)
			assert.False(t, strings.Contains(msg, "wrapped"))
		})
	}
}
