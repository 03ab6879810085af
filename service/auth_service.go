package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/passkey/core"
	"github.com/layer-3/passkey/ports"
)

const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 5 * 24 * time.Hour // 5 days
)

// Tokens is a freshly minted access/refresh pair
type Tokens struct {
	AccessToken   string
	RefreshToken  string
	AccessExpiry  time.Time
	RefreshExpiry time.Time
}

// AuthService mints and validates sessions
type AuthService struct {
	tokenizer   ports.Tokenizer
	revocations ports.SessionRevocations
	eventPub    ports.EventPublisher
	logger      *slog.Logger

	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewAuthService creates a new authentication service
func NewAuthService(
	tokenizer ports.Tokenizer,
	revocations ports.SessionRevocations,
	eventPub ports.EventPublisher,
	logger *slog.Logger,
	accessTTL, refreshTTL time.Duration,
) *AuthService {
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTTL
	}
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTTL
	}
	return &AuthService{
		tokenizer:   tokenizer,
		revocations: revocations,
		eventPub:    eventPub,
		logger:      logger,
		accessTTL:   accessTTL,
		refreshTTL:  refreshTTL,
		now:         time.Now,
	}
}

// IssueSession mints a session for an address the caller has already authenticated
func (s *AuthService) IssueSession(ctx context.Context, address string, method core.AuthMethod) (*Tokens, error) {
	now := s.now()
	session := &core.Session{
		ID:            uuid.New().String(),
		Address:       address,
		AuthMethod:    method,
		IssuedAt:      now,
		RefreshExpiry: now.Add(s.refreshTTL),
		AccessExpiry:  now.Add(s.accessTTL),
		RefreshID:     uuid.New().String(),
	}
	return s.tokens(session)
}

func (s *AuthService) tokens(session *core.Session) (*Tokens, error) {
	accessToken, err := s.tokenizer.SessionToAccessToken(session)
	if err != nil {
		return nil, fmt.Errorf("failed to create access token: %w", err)
	}

	refreshToken, err := s.tokenizer.SessionToRefreshToken(session)
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh token: %w", err)
	}

	return &Tokens{
		AccessToken:   accessToken,
		RefreshToken:  refreshToken,
		AccessExpiry:  session.AccessExpiry,
		RefreshExpiry: session.RefreshExpiry,
	}, nil
}

// Refresh rotates the refresh token and issues new access and refresh tokens
func (s *AuthService) Refresh(ctx context.Context, refreshTokenStr string) (*Tokens, error) {
	session, err := s.tokenizer.RefreshTokenToSession(refreshTokenStr)
	if err != nil {
		return nil, fmt.Errorf("invalid refresh token: %w", err)
	}

	invalidated, err := s.revocations.IsTokenInvalidated(ctx, session.RefreshID)
	if err != nil {
		return nil, fmt.Errorf("failed to check token invalidation: %w", err)
	}
	if invalidated {
		return nil, core.ErrTokenInvalidated
	}

	// The old refresh token stays revoked for as long as it would have been valid
	remainingTime := session.RefreshExpiry.Sub(s.now())
	if err := s.revocations.InvalidateToken(ctx, session.RefreshID, remainingTime); err != nil {
		return nil, fmt.Errorf("failed to invalidate old token: %w", err)
	}

	return s.IssueSession(ctx, session.Address, session.AuthMethod)
}

// Logout invalidates a refresh token
func (s *AuthService) Logout(ctx context.Context, refreshTokenStr string) error {
	session, err := s.tokenizer.RefreshTokenToSession(refreshTokenStr)
	if err != nil {
		return fmt.Errorf("invalid refresh token: %w", err)
	}

	remainingTime := session.RefreshExpiry.Sub(s.now())
	if remainingTime < time.Hour {
		remainingTime = time.Hour
	}

	if err := s.revocations.InvalidateToken(ctx, session.RefreshID, remainingTime); err != nil {
		return fmt.Errorf("failed to invalidate token: %w", err)
	}

	// The token is already revoked, a lost event only delays other instances
	if err := s.eventPub.PublishLogout(ctx, session.Address, session.RefreshID); err != nil {
		s.logger.Warn("failed to publish logout event", "address", session.Address, "error", err)
	}

	return nil
}

// ValidateAccessToken verifies an access token and that its session was not revoked
func (s *AuthService) ValidateAccessToken(ctx context.Context, accessToken string) (*core.Session, error) {
	session, err := s.tokenizer.AccessTokenToSession(accessToken)
	if err != nil {
		return nil, fmt.Errorf("invalid access token: %w", err)
	}

	if session.RefreshID != "" {
		invalidated, err := s.revocations.IsTokenInvalidated(ctx, session.RefreshID)
		if err != nil {
			return nil, fmt.Errorf("failed to check token invalidation: %w", err)
		}

		if invalidated {
			return nil, core.ErrTokenInvalidated
		}
	}

	return session, nil
}

// SessionState classifies a presented access token. An empty token means no
// session; a token that fails verification for any reason is stale.
func (s *AuthService) SessionState(ctx context.Context, accessToken string) (core.SessionState, error) {
	if accessToken == "" {
		return core.SessionState{Status: core.SessionNone}, nil
	}

	session, err := s.ValidateAccessToken(ctx, accessToken)
	if err != nil {
		if core.IsDomain(err) {
			return core.SessionState{Status: core.SessionStale}, nil
		}
		return core.SessionState{}, err
	}

	return core.SessionState{Status: core.SessionValid, Address: session.Address}, nil
}
