package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/layer-3/passkey/core"
	"github.com/layer-3/passkey/internal/eth"
	"github.com/layer-3/passkey/ports"
)

const userHandleSize = 32

// CeremonyObserver records ceremony outcomes
type CeremonyObserver interface {
	ObserveCeremony(ceremony, outcome string)
}

// PasskeyParams wires a PasskeyService
type PasskeyParams struct {
	Store    ports.Store
	Ledger   *ChallengeLedger
	Recovery *RecoveryService
	Resolver *AccountResolver
	Sessions *AuthService
	Parties  RelyingParties
	Events   ports.EventPublisher
	Logger   *slog.Logger

	// Optional
	Wallets   ports.WalletDeriver
	Ownership ports.OwnershipChecker
	Metrics   CeremonyObserver
	Now       func() time.Time
}

// PasskeyService runs the WebAuthn ceremonies and binds credentials to accounts
type PasskeyService struct {
	store     ports.Store
	ledger    *ChallengeLedger
	recovery  *RecoveryService
	resolver  *AccountResolver
	sessions  *AuthService
	parties   RelyingParties
	events    ports.EventPublisher
	wallets   ports.WalletDeriver
	ownership ports.OwnershipChecker
	metrics   CeremonyObserver
	logger    *slog.Logger
	now       func() time.Time
}

// NewPasskeyService validates params and creates the service
func NewPasskeyService(p PasskeyParams) (*PasskeyService, error) {
	switch {
	case p.Store == nil:
		return nil, errors.New("passkey service: store is required")
	case p.Ledger == nil:
		return nil, errors.New("passkey service: challenge ledger is required")
	case p.Recovery == nil:
		return nil, errors.New("passkey service: recovery service is required")
	case p.Resolver == nil:
		return nil, errors.New("passkey service: account resolver is required")
	case p.Sessions == nil:
		return nil, errors.New("passkey service: session service is required")
	case p.Events == nil:
		return nil, errors.New("passkey service: event publisher is required")
	case len(p.Parties.IDs) == 0:
		return nil, errors.New("passkey service: at least one relying party is required")
	}

	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Now == nil {
		p.Now = time.Now
	}

	return &PasskeyService{
		store:     p.Store,
		ledger:    p.Ledger,
		recovery:  p.Recovery,
		resolver:  p.Resolver,
		sessions:  p.Sessions,
		parties:   p.Parties,
		events:    p.Events,
		wallets:   p.Wallets,
		ownership: p.Ownership,
		metrics:   p.Metrics,
		logger:    p.Logger,
		now:       p.Now,
	}, nil
}

func (s *PasskeyService) observe(ceremony core.Ceremony, err error) {
	if s.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	s.metrics.ObserveCeremony(string(ceremony), outcome)
}

func (s *PasskeyService) webAuthn(host, origin string) (*webauthn.WebAuthn, error) {
	rp, err := s.parties.Resolve(host, origin)
	if err != nil {
		return nil, err
	}
	return rp.WebAuthn()
}

func normalizeOptional(address string) (string, error) {
	if address == "" {
		return "", nil
	}
	return eth.NormalizeAddress(address)
}

// RegistrationOptionsRequest starts a registration ceremony
type RegistrationOptionsRequest struct {
	Host          string
	Origin        string
	AccountHint   string
	RecoveryToken string
	DisplayName   string
	Session       core.SessionState
}

// CeremonyOptions are handed to the browser to run a ceremony
type CeremonyOptions struct {
	Challenge string
	Options   any
}

// RegistrationOptions issues a registration challenge. The challenge is bound
// to the recovery grant's address, else the session address, else the hint.
// Existing credentials are excluded only for an authenticated binding so an
// anonymous caller cannot enumerate another account's credential IDs.
func (s *PasskeyService) RegistrationOptions(ctx context.Context, req RegistrationOptionsRequest) (*CeremonyOptions, error) {
	hint, err := normalizeOptional(req.AccountHint)
	if err != nil {
		return nil, err
	}

	bound, trusted := hint, ""
	if req.Session.Valid() {
		bound, trusted = req.Session.Address, req.Session.Address
	}
	if req.RecoveryToken != "" {
		grant, err := s.recovery.Verify(req.RecoveryToken, core.TokenKindRecovery)
		if err != nil {
			return nil, err
		}
		bound, trusted = grant.AccountAddress, grant.AccountAddress
	}

	w, err := s.webAuthn(req.Host, req.Origin)
	if err != nil {
		return nil, err
	}

	var exclusions []protocol.CredentialDescriptor
	if trusted != "" {
		var existing []*core.Credential
		err := retryOnce(ctx, func() error {
			var err error
			existing, err = s.store.Credentials().ListByAccount(ctx, trusted)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("list credentials: %w", err)
		}
		exclusions = descriptors(existing)
	}

	handle := make([]byte, userHandleSize)
	if _, err := rand.Read(handle); err != nil {
		return nil, fmt.Errorf("failed to generate user handle: %w", err)
	}

	name := bound
	if name == "" {
		name = "passkey"
	}
	user := &passkeyUser{handle: handle, name: name, displayName: req.DisplayName}

	options, session, err := w.BeginRegistration(user, webauthn.WithExclusions(exclusions))
	if err != nil {
		return nil, fmt.Errorf("begin registration: %v: %w", err, core.ErrUpstream)
	}

	challenge, err := s.ledger.Issue(ctx, core.CeremonyRegistration, bound, session)
	if err != nil {
		return nil, err
	}
	options.Response.Challenge = challenge

	return &CeremonyOptions{Challenge: challenge.String(), Options: options}, nil
}

// RegistrationVerifyRequest finishes a registration ceremony
type RegistrationVerifyRequest struct {
	Host          string
	Origin        string
	Challenge     string
	Response      *protocol.ParsedCredentialCreationData
	RecoveryToken string
	Address       string
	DisplayName   string
	Session       core.SessionState
}

// RegistrationResult reports where a new credential was bound
type RegistrationResult struct {
	Address       string
	CredentialID  string
	Rule          string
	Method        core.AuthMethod
	WalletAddress string
	Tokens        *Tokens
}

// RegistrationVerify verifies the attestation, resolves the owning account
// and persists credential and account in one transaction.
func (s *PasskeyService) RegistrationVerify(ctx context.Context, req RegistrationVerifyRequest) (res *RegistrationResult, err error) {
	defer func() { s.observe(core.CeremonyRegistration, err) }()

	if req.Response == nil {
		return nil, fmt.Errorf("missing attestation: %w", core.ErrInvalid)
	}

	candidate, err := normalizeOptional(req.Address)
	if err != nil {
		return nil, err
	}

	var grant *core.RecoveryToken
	if req.RecoveryToken != "" {
		if grant, err = s.recovery.Verify(req.RecoveryToken, core.TokenKindRecovery); err != nil {
			return nil, err
		}
	}

	w, err := s.webAuthn(req.Host, req.Origin)
	if err != nil {
		return nil, err
	}

	value := req.Response.Response.CollectedClientData.Challenge
	if req.Challenge != "" && req.Challenge != value {
		return nil, fmt.Errorf("challenge does not match client data: %w", core.ErrInvalid)
	}

	presented := candidate
	if req.Session.Valid() {
		presented = req.Session.Address
	}
	if grant != nil {
		presented = grant.AccountAddress
	}

	challenge, err := s.ledger.Consume(ctx, value, core.CeremonyRegistration, presented)
	if err != nil {
		return nil, err
	}
	if candidate == "" {
		candidate = challenge.AccountAddress
	}

	session, err := s.ledger.SessionData(challenge)
	if err != nil {
		return nil, err
	}

	user := &passkeyUser{handle: session.UserID, name: "passkey"}
	verified, err := w.CreateCredential(user, session, req.Response)
	if err != nil {
		return nil, fmt.Errorf("verify attestation: %v: %w", err, core.ErrVerificationFailed)
	}

	credential := fromWebAuthnCredential(verified, session.UserID)
	credential.DisplayName = req.DisplayName
	credential.CreatedAt = s.now()
	if signer, err := eth.SignerAddress(verified.PublicKey); err == nil {
		credential.SignerAddress = signer
	} else {
		s.logger.Debug("credential has no wallet signer", "credential_id", credential.ID, "error", err)
	}

	res = &RegistrationResult{CredentialID: credential.ID}
	err = retryOnce(ctx, func() error {
		return s.store.WithinTx(ctx, func(ctx context.Context, tx ports.Repos) error {
			resolution, err := s.resolver.Resolve(ctx, tx, ResolveInput{
				CredentialID: credential.ID,
				Candidate:    candidate,
				Recovery:     grant,
				Session:      req.Session,
			})
			if err != nil {
				return err
			}

			credential.AccountAddress = resolution.Address
			res.Address = resolution.Address
			res.Rule = resolution.Rule
			res.Method = resolution.Method

			if err := tx.Credentials().Create(ctx, credential); err != nil {
				return fmt.Errorf("store credential: %w", err)
			}

			wallet, err := s.recordLogin(ctx, tx, resolution.Address, credential.SignerAddress)
			res.WalletAddress = wallet
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	res.Tokens, err = s.sessions.IssueSession(ctx, res.Address, res.Method)
	if err != nil {
		return nil, err
	}

	if err := s.events.PublishCredentialRegistered(ctx, res.Address, res.CredentialID, string(res.Method)); err != nil {
		s.logger.Warn("failed to publish registration event", "address", res.Address, "error", err)
	}
	s.logger.Info("passkey registered", "address", res.Address, "credential_id", res.CredentialID, "rule", res.Rule)

	return res, nil
}

// recordLogin creates the account when missing, bumps its login counters and
// sets the wallet address if the account has none yet. An existing wallet
// is never replaced. Returns the account's wallet address.
func (s *PasskeyService) recordLogin(ctx context.Context, tx ports.Repos, address, signer string) (string, error) {
	now := s.now()

	account, err := tx.Accounts().Find(ctx, address)
	switch {
	case errors.Is(err, core.ErrNotFound):
		account = &core.Account{
			Address:      address,
			LoginCount:   1,
			FirstLoginAt: &now,
			LastLoginAt:  &now,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := tx.Accounts().Create(ctx, account); err != nil {
			return "", fmt.Errorf("create account: %w", err)
		}
	case err != nil:
		return "", fmt.Errorf("load account: %w", err)
	default:
		if err := tx.Accounts().RecordLogin(ctx, address, now); err != nil {
			return "", fmt.Errorf("record login: %w", err)
		}
	}

	if signer == "" || s.wallets == nil {
		return account.WalletAddress, nil
	}

	wallet, err := s.wallets.DeriveWallet(signer)
	if err != nil {
		s.logger.Warn("wallet derivation failed", "address", address, "error", err)
		return account.WalletAddress, nil
	}

	if account.WalletAddress != "" {
		if account.WalletAddress != wallet {
			s.logger.Warn("keeping existing wallet address", "address", address,
				"wallet", account.WalletAddress, "ignored_wallet", wallet)
		}
		return account.WalletAddress, nil
	}

	set, err := tx.Accounts().SetWallet(ctx, address, wallet)
	if err != nil {
		return "", fmt.Errorf("set wallet: %w", err)
	}
	if !set {
		current, err := tx.Accounts().Find(ctx, address)
		if err != nil {
			return "", fmt.Errorf("reload account: %w", err)
		}
		return current.WalletAddress, nil
	}
	return wallet, nil
}
