package core

import "time"

// Ceremony identifies the WebAuthn flow a challenge was issued for
type Ceremony string

const (
	CeremonyRegistration   Ceremony = "registration"
	CeremonyAuthentication Ceremony = "authentication"
	CeremonyRescue         Ceremony = "rescue"
)

// AuthMethod records how a session was obtained
type AuthMethod string

const (
	AuthMethodPasskey  AuthMethod = "passkey"
	AuthMethodRecovery AuthMethod = "recovery"
	AuthMethodRescue   AuthMethod = "rescue"
)

// TokenKind is the audience of a signed follow-up token
type TokenKind string

const (
	TokenKindRecovery TokenKind = "recovery"
	TokenKindRescue   TokenKind = "rescue"
)

// Challenge is a single-use WebAuthn challenge held by the ledger
type Challenge struct {
	Value          string
	Ceremony       Ceremony
	AccountAddress string
	// SessionData is the serialized ceremony state needed to finish verification.
	SessionData []byte
	ExpiresAt   time.Time
	Used        bool
	UsedAt      *time.Time
	CreatedAt   time.Time
}

// Expired reports whether the challenge is past its expiry at now
func (c *Challenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// RecoveryCode is a one-time code that proves control of an account.
// Only the hash of the code is ever stored.
type RecoveryCode struct {
	CodeHash       string
	AccountAddress string
	ExpiresAt      time.Time
	Used           bool
	UsedAt         *time.Time
	CreatedAt      time.Time
}

// RecoveryToken is the persisted half of a signed recovery or rescue token.
// The row exists so each token can be redeemed once.
type RecoveryToken struct {
	ID             string
	Kind           TokenKind
	AccountAddress string
	CredentialID   string
	IssuedAt       time.Time
	ExpiresAt      time.Time
	Used           bool
	UsedAt         *time.Time
}

// Session represents an authenticated session
type Session struct {
	ID            string
	Address       string
	AuthMethod    AuthMethod
	IssuedAt      time.Time
	RefreshExpiry time.Time
	AccessExpiry  time.Time
	RefreshID     string
}

// SessionStatus classifies the session presented with a request
type SessionStatus int

const (
	// SessionNone means no session token was presented.
	SessionNone SessionStatus = iota
	// SessionValid means the token verified and is not revoked.
	SessionValid
	// SessionStale means a token was presented but did not verify.
	SessionStale
)

// SessionState is the server-verified view of the caller's session
type SessionState struct {
	Status  SessionStatus
	Address string
}

// Valid reports whether the caller holds a verified session
func (s SessionState) Valid() bool {
	return s.Status == SessionValid && s.Address != ""
}
