package service

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/descope/virtualwebauthn"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/layer-3/passkey/adapters/store"
	"github.com/layer-3/passkey/adapters/tokenizer"
	"github.com/layer-3/passkey/core"
	"github.com/layer-3/passkey/internal/eth"
	"github.com/stretchr/testify/require"
)

const (
	testHost   = "localhost:9000"
	testOrigin = "http://localhost:9000"

	addrA = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	addrB = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingEvents struct {
	mu         sync.Mutex
	logouts    []string
	registered []string
	deleted    []string
	linked     []string
}

func (r *recordingEvents) PublishLogout(ctx context.Context, address string, tokenID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logouts = append(r.logouts, tokenID)
	return nil
}

func (r *recordingEvents) PublishCredentialRegistered(ctx context.Context, address, credentialID string, method string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered = append(r.registered, credentialID)
	return nil
}

func (r *recordingEvents) PublishCredentialDeleted(ctx context.Context, address, credentialID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, credentialID)
	return nil
}

func (r *recordingEvents) PublishCredentialLinked(ctx context.Context, address, credentialID, previousAddress string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.linked = append(r.linked, credentialID)
	return nil
}

// fakeOwnership answers from a signer -> live table, or fails with err
type fakeOwnership struct {
	live map[string]bool
	err  error
}

func (f *fakeOwnership) HasLiveAuthority(ctx context.Context, wallet, signer string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.live[signer], nil
}

type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (m *countingMetrics) ObserveCeremony(ceremony, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = map[string]int{}
	}
	m.counts[ceremony+"/"+outcome]++
}

type fixture struct {
	t         *testing.T
	ctx       context.Context
	clock     *fakeClock
	store     *store.MemoryStore
	ledger    *ChallengeLedger
	recovery  *RecoveryService
	resolver  *AccountResolver
	sessions  *AuthService
	events    *recordingEvents
	ownership *fakeOwnership
	metrics   *countingMetrics
	deriver   *eth.SafeDeriver
	svc       *PasskeyService
	rp        virtualwebauthn.RelyingParty
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	deriver, err := eth.NewSafeDeriver(
		"0x4e1DCf7AD4e460CfD30791CCC4F9c8a4f820ec67",
		"0x76733d705f71b79841c0ee960a0ca880f779cde7ef446c989e6d23efc0a4adfb",
		0,
	)
	require.NoError(t, err)

	f := &fixture{
		t:         t,
		ctx:       context.Background(),
		clock:     newFakeClock(),
		store:     store.NewMemoryStore(),
		events:    &recordingEvents{},
		ownership: &fakeOwnership{live: map[string]bool{}},
		metrics:   &countingMetrics{},
		deriver:   deriver,
		rp: virtualwebauthn.RelyingParty{
			Name:   "Passkey",
			ID:     "localhost",
			Origin: testOrigin,
		},
	}

	logger := discardLogger()
	tok := tokenizer.NewJWTTokenizer(key, tokenizer.WithClock(f.clock.Now))

	f.ledger = NewChallengeLedger(f.store.Challenges(), DefaultChallengeTTL, f.clock.Now, logger)
	f.recovery = NewRecoveryService(f.store, tok, DefaultRecoveryCodeTTL, DefaultFollowUpTTL, f.clock.Now)
	f.resolver = NewAccountResolver(f.recovery, "passkey")
	f.sessions = NewAuthService(tok, store.NewMemoryRevocations(), f.events, logger, 0, 0)

	f.svc, err = NewPasskeyService(PasskeyParams{
		Store:     f.store,
		Ledger:    f.ledger,
		Recovery:  f.recovery,
		Resolver:  f.resolver,
		Sessions:  f.sessions,
		Parties:   RelyingParties{Name: "Passkey", IDs: []string{"localhost"}, Origins: []string{testOrigin}},
		Events:    f.events,
		Logger:    logger,
		Wallets:   deriver,
		Ownership: f.ownership,
		Metrics:   f.metrics,
		Now:       f.clock.Now,
	})
	require.NoError(t, err)

	return f
}

func validSession(address string) core.SessionState {
	return core.SessionState{Status: core.SessionValid, Address: address}
}

// device is one virtual authenticator holding one passkey
type device struct {
	authenticator virtualwebauthn.Authenticator
	credential    virtualwebauthn.Credential
}

func newDevice() *device {
	return &device{
		authenticator: virtualwebauthn.NewAuthenticator(),
		credential:    virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2),
	}
}

func (f *fixture) attest(d *device, opts *CeremonyOptions) *protocol.ParsedCredentialCreationData {
	f.t.Helper()

	creation, ok := opts.Options.(*protocol.CredentialCreation)
	require.True(f.t, ok)

	optionsJSON, err := json.Marshal(creation.Response)
	require.NoError(f.t, err)

	parsedOptions, err := virtualwebauthn.ParseAttestationOptions(string(optionsJSON))
	require.NoError(f.t, err)

	attestation := virtualwebauthn.CreateAttestationResponse(f.rp, d.authenticator, d.credential, *parsedOptions)

	var ccr protocol.CredentialCreationResponse
	require.NoError(f.t, json.Unmarshal([]byte(attestation), &ccr))
	parsed, err := ccr.Parse()
	require.NoError(f.t, err)

	d.authenticator.AddCredential(d.credential)
	return parsed
}

// assert signs the ceremony as a discoverable credential. The user handle
// comes from the stored credential, as a real authenticator would keep it.
func (f *fixture) assert(d *device, opts *CeremonyOptions) *protocol.ParsedCredentialAssertionData {
	f.t.Helper()

	assertion, ok := opts.Options.(*protocol.CredentialAssertion)
	require.True(f.t, ok)

	optionsJSON, err := json.Marshal(assertion.Response)
	require.NoError(f.t, err)

	parsedOptions, err := virtualwebauthn.ParseAssertionOptions(string(optionsJSON))
	require.NoError(f.t, err)

	stored, err := f.store.Credentials().Find(f.ctx, encodeCredentialID(d.credential.ID))
	require.NoError(f.t, err)

	auth := virtualwebauthn.NewAuthenticatorWithOptions(virtualwebauthn.AuthenticatorOptions{
		UserHandle: stored.UserHandle,
	})
	auth.AddCredential(d.credential)

	response := virtualwebauthn.CreateAssertionResponse(f.rp, auth, d.credential, *parsedOptions)

	var car protocol.CredentialAssertionResponse
	require.NoError(f.t, json.Unmarshal([]byte(response), &car))
	parsed, err := car.Parse()
	require.NoError(f.t, err)
	return parsed
}

// register runs a full registration ceremony for d
func (f *fixture) register(d *device, optsReq RegistrationOptionsRequest, verifyReq RegistrationVerifyRequest) (*RegistrationResult, error) {
	f.t.Helper()

	optsReq.Host, optsReq.Origin = testHost, testOrigin
	opts, err := f.svc.RegistrationOptions(f.ctx, optsReq)
	require.NoError(f.t, err)

	verifyReq.Host, verifyReq.Origin = testHost, testOrigin
	if verifyReq.Challenge == "" {
		verifyReq.Challenge = opts.Challenge
	}
	verifyReq.Response = f.attest(d, opts)
	return f.svc.RegistrationVerify(f.ctx, verifyReq)
}

// login runs a full authentication ceremony for d
func (f *fixture) login(d *device, session core.SessionState) (*AuthenticationResult, error) {
	f.t.Helper()

	opts, err := f.svc.AuthenticationOptions(f.ctx, AuthenticationOptionsRequest{Host: testHost, Origin: testOrigin})
	require.NoError(f.t, err)

	return f.svc.AuthenticationVerify(f.ctx, AuthenticationVerifyRequest{
		Host:     testHost,
		Origin:   testOrigin,
		Response: f.assert(d, opts),
		Session:  session,
	})
}

func (f *fixture) seedAccount(address, wallet string, logins int64) {
	f.t.Helper()
	now := f.clock.Now()
	require.NoError(f.t, f.store.Accounts().Create(f.ctx, &core.Account{
		Address:       address,
		LoginCount:    logins,
		WalletAddress: wallet,
		CreatedAt:     now,
		UpdatedAt:     now,
	}))
}
