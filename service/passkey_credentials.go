package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/layer-3/passkey/core"
)

// CredentialSummary is the public view of a registered passkey
type CredentialSummary struct {
	ID            string     `json:"id"`
	DisplayName   string     `json:"display_name,omitempty"`
	Transports    []string   `json:"transports,omitempty"`
	BackedUp      bool       `json:"backed_up"`
	SignerAddress string     `json:"signer_address,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
}

// ListCredentials returns the passkeys bound to the session's account
func (s *PasskeyService) ListCredentials(ctx context.Context, session core.SessionState) ([]CredentialSummary, error) {
	if !session.Valid() {
		return nil, core.ErrUnauthorized
	}

	creds, err := s.store.Credentials().ListByAccount(ctx, session.Address)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}

	out := make([]CredentialSummary, 0, len(creds))
	for _, c := range creds {
		out = append(out, CredentialSummary{
			ID:            c.ID,
			DisplayName:   c.DisplayName,
			Transports:    c.Transports,
			BackedUp:      c.BackedUp,
			SignerAddress: c.SignerAddress,
			CreatedAt:     c.CreatedAt,
			LastUsedAt:    c.LastUsedAt,
		})
	}
	return out, nil
}

// IssueRecoveryCode creates a recovery code for the session's account
func (s *PasskeyService) IssueRecoveryCode(ctx context.Context, session core.SessionState) (string, time.Time, error) {
	if !session.Valid() {
		return "", time.Time{}, core.ErrUnauthorized
	}
	return s.recovery.IssueRecoveryCode(ctx, session.Address)
}

// RedeemRecoveryCode burns a recovery code and returns its account and follow-up token
func (s *PasskeyService) RedeemRecoveryCode(ctx context.Context, code string) (string, string, error) {
	return s.recovery.RedeemRecoveryCode(ctx, code)
}

// DeleteCredential removes a passkey from the session's account. The sole
// credential with live authority over the account's funded wallet cannot be
// deleted. When the chain cannot be asked, deletion proceeds.
func (s *PasskeyService) DeleteCredential(ctx context.Context, session core.SessionState, credentialID string) error {
	if !session.Valid() {
		return core.ErrUnauthorized
	}

	cred, err := s.store.Credentials().Find(ctx, credentialID)
	if err != nil {
		return fmt.Errorf("find credential: %w", err)
	}
	if cred.AccountAddress != session.Address {
		return fmt.Errorf("find credential: %w", core.ErrNotFound)
	}

	account, err := s.store.Accounts().Find(ctx, session.Address)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return fmt.Errorf("load account: %w", err)
	}

	if account != nil && account.WalletAddress != "" && cred.SignerAddress != "" && s.ownership != nil {
		sole, err := s.soleLiveSigner(ctx, account.WalletAddress, cred)
		switch {
		case err != nil:
			s.logger.Warn("ownership check failed, allowing deletion",
				"address", session.Address, "credential_id", cred.ID, "error", err)
		case sole:
			return fmt.Errorf("credential is the only live wallet signer: %w", core.ErrForbidden)
		}
	}

	if err := s.store.Credentials().Delete(ctx, cred.ID); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}

	if err := s.events.PublishCredentialDeleted(ctx, session.Address, cred.ID); err != nil {
		s.logger.Warn("failed to publish deletion event", "address", session.Address, "error", err)
	}
	return nil
}

// soleLiveSigner reports whether cred holds live authority over wallet and
// no sibling credential does.
func (s *PasskeyService) soleLiveSigner(ctx context.Context, wallet string, cred *core.Credential) (bool, error) {
	live, err := s.ownership.HasLiveAuthority(ctx, wallet, cred.SignerAddress)
	if err != nil || !live {
		return false, err
	}

	siblings, err := s.store.Credentials().ListByAccount(ctx, cred.AccountAddress)
	if err != nil {
		return false, err
	}
	for _, sibling := range siblings {
		if sibling.ID == cred.ID || sibling.SignerAddress == "" || sibling.SignerAddress == cred.SignerAddress {
			continue
		}
		live, err := s.ownership.HasLiveAuthority(ctx, wallet, sibling.SignerAddress)
		if err != nil {
			return false, err
		}
		if live {
			return false, nil
		}
	}
	return true, nil
}
