package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/passkey/core"
	"github.com/layer-3/passkey/ports"
)

const (
	DefaultRecoveryCodeTTL = 24 * time.Hour
	DefaultFollowUpTTL     = 10 * time.Minute

	recoveryCodeLength = 10
	// no 0/O, 1/I/L
	recoveryAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
)

// RecoveryService issues recovery codes and the signed follow-up tokens
// that carry a recovery or rescue grant into the next ceremony.
type RecoveryService struct {
	store     ports.Store
	tokenizer ports.Tokenizer

	codeTTL     time.Duration
	followUpTTL time.Duration
	now         func() time.Time
}

// NewRecoveryService creates a new recovery service
func NewRecoveryService(store ports.Store, tokenizer ports.Tokenizer, codeTTL, followUpTTL time.Duration, now func() time.Time) *RecoveryService {
	if codeTTL <= 0 {
		codeTTL = DefaultRecoveryCodeTTL
	}
	if followUpTTL <= 0 {
		followUpTTL = DefaultFollowUpTTL
	}
	if now == nil {
		now = time.Now
	}
	return &RecoveryService{
		store:       store,
		tokenizer:   tokenizer,
		codeTTL:     codeTTL,
		followUpTTL: followUpTTL,
		now:         now,
	}
}

// NormalizeRecoveryCode uppercases the code and strips separators
func NormalizeRecoveryCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.NewReplacer("-", "", " ", "").Replace(code)
}

// HashRecoveryCode is the storage key of a recovery code
func HashRecoveryCode(code string) string {
	sum := sha256.Sum256([]byte(NormalizeRecoveryCode(code)))
	return hex.EncodeToString(sum[:])
}

func generateRecoveryCode() (string, error) {
	var b strings.Builder
	max := big.NewInt(int64(len(recoveryAlphabet)))
	for i := 0; i < recoveryCodeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(recoveryAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// IssueRecoveryCode creates a code for address. The plaintext is returned once.
func (s *RecoveryService) IssueRecoveryCode(ctx context.Context, address string) (string, time.Time, error) {
	code, err := generateRecoveryCode()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate recovery code: %w", err)
	}

	now := s.now()
	record := &core.RecoveryCode{
		CodeHash:       HashRecoveryCode(code),
		AccountAddress: address,
		ExpiresAt:      now.Add(s.codeTTL),
		CreatedAt:      now,
	}
	if err := s.store.RecoveryCodes().Create(ctx, record); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to store recovery code: %w", err)
	}

	return code, record.ExpiresAt, nil
}

// StoreRecoveryCode persists a code chosen by an operator
func (s *RecoveryService) StoreRecoveryCode(ctx context.Context, code, address string) error {
	now := s.now()
	return s.store.RecoveryCodes().Create(ctx, &core.RecoveryCode{
		CodeHash:       HashRecoveryCode(code),
		AccountAddress: address,
		ExpiresAt:      now.Add(s.codeTTL),
		CreatedAt:      now,
	})
}

// RedeemRecoveryCode burns the code and returns its account address with a
// signed follow-up token for the registration that follows.
func (s *RecoveryService) RedeemRecoveryCode(ctx context.Context, code string) (string, string, error) {
	if NormalizeRecoveryCode(code) == "" {
		return "", "", fmt.Errorf("empty recovery code: %w", core.ErrInvalid)
	}

	var followUp string
	var address string
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx ports.Repos) error {
		redeemed, err := tx.RecoveryCodes().Redeem(ctx, HashRecoveryCode(code), s.now())
		if err != nil {
			return err
		}
		address = redeemed.AccountAddress

		followUp, err = s.issue(ctx, tx, core.TokenKindRecovery, address, "")
		return err
	})
	if err != nil {
		return "", "", fmt.Errorf("redeem recovery code: %w", err)
	}

	return address, followUp, nil
}

// IssueRescueToken grants address the right to adopt credentialID
func (s *RecoveryService) IssueRescueToken(ctx context.Context, tx ports.Repos, address, credentialID string) (string, error) {
	return s.issue(ctx, tx, core.TokenKindRescue, address, credentialID)
}

func (s *RecoveryService) issue(ctx context.Context, tx ports.Repos, kind core.TokenKind, address, credentialID string) (string, error) {
	now := s.now()
	grant := &core.RecoveryToken{
		ID:             uuid.New().String(),
		Kind:           kind,
		AccountAddress: address,
		CredentialID:   credentialID,
		IssuedAt:       now,
		ExpiresAt:      now.Add(s.followUpTTL),
	}

	if err := tx.RecoveryTokens().Create(ctx, grant); err != nil {
		return "", fmt.Errorf("failed to store %s token: %w", kind, err)
	}

	token, err := s.tokenizer.RecoveryTokenToToken(grant)
	if err != nil {
		return "", err
	}
	return token, nil
}

// Verify checks a follow-up token's signature, kind and expiry without redeeming it
func (s *RecoveryService) Verify(token string, kind core.TokenKind) (*core.RecoveryToken, error) {
	if token == "" {
		return nil, fmt.Errorf("empty %s token: %w", kind, core.ErrInvalid)
	}
	return s.tokenizer.TokenToRecoveryToken(token, kind)
}

// Redeem marks a verified grant used inside the caller's transaction
func (s *RecoveryService) Redeem(ctx context.Context, tx ports.Repos, grant *core.RecoveryToken) error {
	if err := tx.RecoveryTokens().MarkUsed(ctx, grant.ID, s.now()); err != nil {
		return fmt.Errorf("redeem %s token: %w", grant.Kind, err)
	}
	return nil
}
