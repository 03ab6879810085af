package tokenizer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/layer-3/passkey/core"
	"github.com/layer-3/passkey/ports"
)

const AudienceAccess = "session:access"
const AudienceRefresh = "session:refresh"
const AudienceRecovery = "passkey:recovery"
const AudienceRescue = "passkey:rescue"

// JWTTokenizer implements the Tokenizer interface using ES256 JWTs
type JWTTokenizer struct {
	signKey *ecdsa.PrivateKey
	now     func() time.Time
}

// Option configures a JWTTokenizer
type Option func(*JWTTokenizer)

// WithClock overrides the time source used to validate expiry
func WithClock(now func() time.Time) Option {
	return func(j *JWTTokenizer) {
		j.now = now
	}
}

// NewJWTTokenizer creates a new JWT tokenizer
func NewJWTTokenizer(signKey *ecdsa.PrivateKey, opts ...Option) ports.Tokenizer {
	j := &JWTTokenizer{signKey: signKey, now: time.Now}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

func audienceFor(kind core.TokenKind) (string, error) {
	switch kind {
	case core.TokenKindRecovery:
		return AudienceRecovery, nil
	case core.TokenKindRescue:
		return AudienceRescue, nil
	default:
		return "", fmt.Errorf("unknown token kind %q: %w", kind, core.ErrInvalid)
	}
}

func (j *JWTTokenizer) sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)

	signedToken, err := token.SignedString(j.signKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signedToken, nil
}

// parse verifies signature, signing method, audience and expiry.
// Expired tokens map to core.ErrExpired, everything else to core.ErrInvalid.
func (j *JWTTokenizer) parse(tokenStr string, claims jwt.Claims, audience string) error {
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return &j.signKey.PublicKey, nil
	},
		jwt.WithAudience(audience),
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(j.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return fmt.Errorf("failed to parse token: %w", core.ErrExpired)
		}
		return fmt.Errorf("failed to parse token: %v: %w", err, core.ErrInvalid)
	}

	if !token.Valid {
		return core.ErrInvalid
	}

	return nil
}

// SessionToAccessToken converts a Session to an access JWT token
func (j *JWTTokenizer) SessionToAccessToken(session *core.Session) (string, error) {
	return j.sign(AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   session.Address,
			ID:        session.ID,
			ExpiresAt: jwt.NewNumericDate(session.AccessExpiry),
			IssuedAt:  jwt.NewNumericDate(session.IssuedAt),
			Audience:  jwt.ClaimStrings{AudienceAccess},
		},
		RefreshID:  session.RefreshID,
		AuthMethod: string(session.AuthMethod),
	})
}

// SessionToRefreshToken converts a Session to a refresh JWT token
func (j *JWTTokenizer) SessionToRefreshToken(session *core.Session) (string, error) {
	return j.sign(RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   session.Address,
			ID:        session.RefreshID, // Use RefreshID as the JWT ID for the refresh token
			ExpiresAt: jwt.NewNumericDate(session.RefreshExpiry),
			IssuedAt:  jwt.NewNumericDate(session.IssuedAt),
			Audience:  jwt.ClaimStrings{AudienceRefresh},
		},
		AuthMethod: string(session.AuthMethod),
	})
}

// AccessTokenToSession parses an access token and returns the associated session
func (j *JWTTokenizer) AccessTokenToSession(tokenStr string) (*core.Session, error) {
	claims := &AccessClaims{}
	if err := j.parse(tokenStr, claims, AudienceAccess); err != nil {
		return nil, err
	}

	return &core.Session{
		ID:           claims.ID,
		Address:      claims.Subject,
		AuthMethod:   core.AuthMethod(claims.AuthMethod),
		IssuedAt:     claims.IssuedAt.Time,
		AccessExpiry: claims.ExpiresAt.Time,
		RefreshID:    claims.RefreshID,
	}, nil
}

// RefreshTokenToSession parses a refresh token and returns the associated session.
// AccessExpiry stays zero, refresh tokens do not carry it.
func (j *JWTTokenizer) RefreshTokenToSession(tokenStr string) (*core.Session, error) {
	claims := &RefreshClaims{}
	if err := j.parse(tokenStr, claims, AudienceRefresh); err != nil {
		return nil, err
	}

	return &core.Session{
		Address:       claims.Subject,
		AuthMethod:    core.AuthMethod(claims.AuthMethod),
		IssuedAt:      claims.IssuedAt.Time,
		RefreshExpiry: claims.ExpiresAt.Time,
		RefreshID:     claims.ID, // The JWT ID is the refresh token ID
	}, nil
}

// RecoveryTokenToToken signs a recovery or rescue grant
func (j *JWTTokenizer) RecoveryTokenToToken(grant *core.RecoveryToken) (string, error) {
	audience, err := audienceFor(grant.Kind)
	if err != nil {
		return "", err
	}

	return j.sign(FollowUpClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   grant.AccountAddress,
			ID:        grant.ID,
			ExpiresAt: jwt.NewNumericDate(grant.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(grant.IssuedAt),
			Audience:  jwt.ClaimStrings{audience},
		},
		CredentialID: grant.CredentialID,
	})
}

// TokenToRecoveryToken verifies a signed grant of the given kind.
// A token of another kind fails the audience check.
func (j *JWTTokenizer) TokenToRecoveryToken(tokenStr string, kind core.TokenKind) (*core.RecoveryToken, error) {
	audience, err := audienceFor(kind)
	if err != nil {
		return nil, err
	}

	claims := &FollowUpClaims{}
	if err := j.parse(tokenStr, claims, audience); err != nil {
		return nil, err
	}

	if claims.ID == "" || claims.Subject == "" {
		return nil, fmt.Errorf("grant lacks id or subject: %w", core.ErrInvalid)
	}
	if kind == core.TokenKindRescue && claims.CredentialID == "" {
		return nil, fmt.Errorf("rescue grant lacks credential: %w", core.ErrInvalid)
	}

	grant := &core.RecoveryToken{
		ID:             claims.ID,
		Kind:           kind,
		AccountAddress: claims.Subject,
		CredentialID:   claims.CredentialID,
		ExpiresAt:      claims.ExpiresAt.Time,
	}
	if claims.IssuedAt != nil {
		grant.IssuedAt = claims.IssuedAt.Time
	}

	return grant, nil
}
