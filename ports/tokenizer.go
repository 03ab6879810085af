package ports

import "github.com/layer-3/passkey/core"

// Tokenizer converts between domain objects and signed tokens
type Tokenizer interface {
	// Session tokens operations
	SessionToAccessToken(session *core.Session) (string, error)
	AccessTokenToSession(token string) (*core.Session, error)
	SessionToRefreshToken(session *core.Session) (string, error)
	RefreshTokenToSession(token string) (*core.Session, error)

	// Follow-up tokens operations
	RecoveryTokenToToken(token *core.RecoveryToken) (string, error)
	TokenToRecoveryToken(token string, kind core.TokenKind) (*core.RecoveryToken, error)
}
