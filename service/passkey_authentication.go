package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/layer-3/passkey/core"
	"github.com/layer-3/passkey/ports"
)

const pruneTimeout = 5 * time.Second

// AuthenticationOptionsRequest starts a discoverable login
type AuthenticationOptionsRequest struct {
	Host        string
	Origin      string
	AccountHint string
}

// AuthenticationOptions issues a discoverable-login challenge. The hint only
// binds the challenge; the options never list credentials, so a known and an
// unknown hint are indistinguishable to the caller.
func (s *PasskeyService) AuthenticationOptions(ctx context.Context, req AuthenticationOptionsRequest) (*CeremonyOptions, error) {
	go func() {
		pctx, cancel := context.WithTimeout(context.Background(), pruneTimeout)
		defer cancel()
		s.ledger.Prune(pctx)
	}()

	hint, err := normalizeOptional(req.AccountHint)
	if err != nil {
		return nil, err
	}

	w, err := s.webAuthn(req.Host, req.Origin)
	if err != nil {
		return nil, err
	}

	options, session, err := w.BeginDiscoverableLogin()
	if err != nil {
		return nil, fmt.Errorf("begin login: %v: %w", err, core.ErrUpstream)
	}

	challenge, err := s.ledger.Issue(ctx, core.CeremonyAuthentication, hint, session)
	if err != nil {
		return nil, err
	}
	options.Response.Challenge = challenge

	return &CeremonyOptions{Challenge: challenge.String(), Options: options}, nil
}

// AuthenticationVerifyRequest finishes a login
type AuthenticationVerifyRequest struct {
	Host      string
	Origin    string
	Challenge string
	Response  *protocol.ParsedCredentialAssertionData
	Session   core.SessionState
}

// AuthenticationResult is a successful login. When the caller already holds
// a session for another account, no new session is minted and RescueToken
// lets the caller adopt the asserted credential instead.
type AuthenticationResult struct {
	Address      string
	CredentialID string
	Tokens       *Tokens
	RescueToken  string
}

// assertion verifies a discoverable assertion against a consumed challenge.
// accept, when set, vets the looked up credential before verification.
func (s *PasskeyService) assertion(
	ctx context.Context,
	w *webauthn.WebAuthn,
	challenge *core.Challenge,
	response *protocol.ParsedCredentialAssertionData,
	accept func(*core.Credential) error,
) (*core.Credential, *webauthn.Credential, error) {
	session, err := s.ledger.SessionData(challenge)
	if err != nil {
		return nil, nil, err
	}

	var (
		found     *core.Credential
		lookupErr error
	)
	handler := func(rawID, userHandle []byte) (webauthn.User, error) {
		cred, err := s.store.Credentials().Find(ctx, encodeCredentialID(rawID))
		if err == nil && accept != nil {
			err = accept(cred)
		}
		if err != nil {
			lookupErr = err
			return nil, err
		}
		// allowed credentials are checked against everything the account holds
		owned, err := s.store.Credentials().ListByAccount(ctx, cred.AccountAddress)
		if err != nil {
			lookupErr = err
			return nil, err
		}
		user := &passkeyUser{handle: cred.UserHandle, name: cred.AccountAddress}
		for _, c := range owned {
			wc, err := toWebAuthnCredential(c)
			if err != nil {
				lookupErr = err
				return nil, err
			}
			user.credentials = append(user.credentials, wc)
		}
		found = cred
		return user, nil
	}

	validated, err := w.ValidateDiscoverableLogin(handler, session, response)
	if err != nil {
		if lookupErr != nil && !core.IsDomain(lookupErr) {
			return nil, nil, fmt.Errorf("credential lookup: %w", lookupErr)
		}
		if lookupErr != nil {
			return nil, nil, lookupErr
		}
		return nil, nil, fmt.Errorf("verify assertion: %v: %w", err, core.ErrVerificationFailed)
	}
	if found == nil {
		return nil, nil, fmt.Errorf("credential not resolved: %w", core.ErrVerificationFailed)
	}

	if validated.Authenticator.CloneWarning {
		s.logger.Warn("sign counter regressed, possible cloned authenticator",
			"credential_id", found.ID, "address", found.AccountAddress)
	}

	return found, validated, nil
}

// AuthenticationVerify verifies the assertion, updates usage and counters and
// mints a session for the credential's account.
func (s *PasskeyService) AuthenticationVerify(ctx context.Context, req AuthenticationVerifyRequest) (res *AuthenticationResult, err error) {
	defer func() { s.observe(core.CeremonyAuthentication, err) }()

	if req.Response == nil {
		return nil, fmt.Errorf("missing assertion: %w", core.ErrInvalid)
	}

	w, err := s.webAuthn(req.Host, req.Origin)
	if err != nil {
		return nil, err
	}

	value := req.Response.Response.CollectedClientData.Challenge
	if req.Challenge != "" && req.Challenge != value {
		return nil, fmt.Errorf("challenge does not match client data: %w", core.ErrInvalid)
	}

	challenge, err := s.ledger.Consume(ctx, value, core.CeremonyAuthentication, "")
	if err != nil {
		return nil, err
	}

	// unknown credentials are reported like bad signatures
	cred, validated, err := s.assertion(ctx, w, challenge, req.Response, nil)
	if errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("unknown credential: %w", core.ErrVerificationFailed)
	}
	if err != nil {
		return nil, err
	}

	orphaned := req.Session.Valid() && req.Session.Address != cred.AccountAddress
	res = &AuthenticationResult{Address: cred.AccountAddress, CredentialID: cred.ID}

	err = retryOnce(ctx, func() error {
		return s.store.WithinTx(ctx, func(ctx context.Context, tx ports.Repos) error {
			if err := tx.Credentials().UpdateUsage(ctx, cred.ID, validated.Authenticator.SignCount, validated.Flags.BackupState, s.now()); err != nil {
				return fmt.Errorf("update credential usage: %w", err)
			}
			if _, err := s.recordLogin(ctx, tx, cred.AccountAddress, cred.SignerAddress); err != nil {
				return err
			}
			if !orphaned {
				return nil
			}

			token, err := s.recovery.IssueRescueToken(ctx, tx, req.Session.Address, cred.ID)
			if err != nil {
				return err
			}
			res.RescueToken = token
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if orphaned {
		s.logger.Info("credential belongs to another account, offering rescue",
			"session_address", req.Session.Address, "credential_address", cred.AccountAddress,
			"credential_id", cred.ID)
		return res, nil
	}

	res.Tokens, err = s.sessions.IssueSession(ctx, cred.AccountAddress, core.AuthMethodPasskey)
	if err != nil {
		return nil, err
	}
	return res, nil
}
