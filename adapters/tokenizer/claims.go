package tokenizer

import "github.com/golang-jwt/jwt/v5"

// AccessClaims combines standard claims with access-specific ones
type AccessClaims struct {
	jwt.RegisteredClaims
	RefreshID  string `json:"rid"` // ID of the refresh token
	AuthMethod string `json:"amr,omitempty"`
}

// RefreshClaims combines standard claims with the session's auth method
type RefreshClaims struct {
	jwt.RegisteredClaims
	AuthMethod string `json:"amr,omitempty"`
}

// FollowUpClaims carry a recovery or rescue grant
type FollowUpClaims struct {
	jwt.RegisteredClaims
	CredentialID string `json:"cid,omitempty"`
}
