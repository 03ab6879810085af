package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/layer-3/passkey/core"
	"github.com/layer-3/passkey/ports"
)

// RescueOptionsRequest starts the ceremony that adopts an orphaned credential
type RescueOptionsRequest struct {
	Host        string
	Origin      string
	RescueToken string
	Session     core.SessionState
}

func (s *PasskeyService) rescueGrant(token string, session core.SessionState) (*core.RecoveryToken, error) {
	if !session.Valid() {
		return nil, core.ErrUnauthorized
	}
	grant, err := s.recovery.Verify(token, core.TokenKindRescue)
	if err != nil {
		return nil, err
	}
	if grant.AccountAddress != session.Address {
		return nil, fmt.Errorf("rescue token issued to another session: %w", core.ErrForbidden)
	}
	return grant, nil
}

// RescueOptions issues a rescue challenge that only the orphaned credential can answer
func (s *PasskeyService) RescueOptions(ctx context.Context, req RescueOptionsRequest) (*CeremonyOptions, error) {
	grant, err := s.rescueGrant(req.RescueToken, req.Session)
	if err != nil {
		return nil, err
	}

	raw, err := decodeCredentialID(grant.CredentialID)
	if err != nil {
		return nil, err
	}

	w, err := s.webAuthn(req.Host, req.Origin)
	if err != nil {
		return nil, err
	}

	options, session, err := w.BeginDiscoverableLogin(webauthn.WithAllowedCredentials([]protocol.CredentialDescriptor{{
		Type:         protocol.PublicKeyCredentialType,
		CredentialID: raw,
	}}))
	if err != nil {
		return nil, fmt.Errorf("begin rescue: %v: %w", err, core.ErrUpstream)
	}

	challenge, err := s.ledger.Issue(ctx, core.CeremonyRescue, req.Session.Address, session)
	if err != nil {
		return nil, err
	}
	options.Response.Challenge = challenge

	return &CeremonyOptions{Challenge: challenge.String(), Options: options}, nil
}

// RescueLinkRequest finishes a rescue: a fresh assertion by the orphaned
// credential plus the rescue token issued to the current session.
type RescueLinkRequest struct {
	Host        string
	Origin      string
	RescueToken string
	Response    *protocol.ParsedCredentialAssertionData
	Session     core.SessionState
}

// RescueLinkResult reports a credential moved to the session's account
type RescueLinkResult struct {
	Address         string
	CredentialID    string
	PreviousAddress string
}

// LinkRescue redeems the rescue token and repoints the credential to the
// session's account. The token and the repoint commit together.
func (s *PasskeyService) LinkRescue(ctx context.Context, req RescueLinkRequest) (res *RescueLinkResult, err error) {
	defer func() { s.observe(core.CeremonyRescue, err) }()

	grant, err := s.rescueGrant(req.RescueToken, req.Session)
	if err != nil {
		return nil, err
	}
	if req.Response == nil {
		return nil, fmt.Errorf("missing assertion: %w", core.ErrInvalid)
	}

	w, err := s.webAuthn(req.Host, req.Origin)
	if err != nil {
		return nil, err
	}

	challenge, err := s.ledger.Consume(ctx, req.Response.Response.CollectedClientData.Challenge, core.CeremonyRescue, req.Session.Address)
	if err != nil {
		return nil, err
	}

	cred, validated, err := s.assertion(ctx, w, challenge, req.Response, func(c *core.Credential) error {
		if c.ID != grant.CredentialID {
			return fmt.Errorf("assertion by a credential other than the rescued one: %w", core.ErrForbidden)
		}
		return nil
	})
	if errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("rescued credential no longer exists: %w", core.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	res = &RescueLinkResult{
		Address:         req.Session.Address,
		CredentialID:    cred.ID,
		PreviousAddress: cred.AccountAddress,
	}

	err = s.store.WithinTx(ctx, func(ctx context.Context, tx ports.Repos) error {
		if err := s.recovery.Redeem(ctx, tx, grant); err != nil {
			return err
		}
		if err := tx.Credentials().Repoint(ctx, cred.ID, req.Session.Address); err != nil {
			return fmt.Errorf("repoint credential: %w", err)
		}
		if err := tx.Credentials().UpdateUsage(ctx, cred.ID, validated.Authenticator.SignCount, validated.Flags.BackupState, s.now()); err != nil {
			return fmt.Errorf("update credential usage: %w", err)
		}
		_, err := s.recordLogin(ctx, tx, req.Session.Address, "")
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := s.events.PublishCredentialLinked(ctx, res.Address, res.CredentialID, res.PreviousAddress); err != nil {
		s.logger.Warn("failed to publish link event", "address", res.Address, "error", err)
	}
	s.logger.Info("orphaned credential linked", "address", res.Address,
		"credential_id", res.CredentialID, "previous_address", res.PreviousAddress)

	return res, nil
}
