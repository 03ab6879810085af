package service

import (
	"encoding/base64"
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/layer-3/passkey/core"
)

// passkeyUser adapts an account to webauthn.User for a single ceremony
type passkeyUser struct {
	handle      []byte
	name        string
	displayName string
	credentials []webauthn.Credential
}

func (u *passkeyUser) WebAuthnID() []byte {
	return u.handle
}

func (u *passkeyUser) WebAuthnName() string {
	return u.name
}

func (u *passkeyUser) WebAuthnDisplayName() string {
	if u.displayName == "" {
		return u.name
	}
	return u.displayName
}

func (u *passkeyUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}

// encodeCredentialID is the canonical string form of a raw credential id
func encodeCredentialID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCredentialID(id string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(id)
	if err != nil {
		return nil, fmt.Errorf("credential id %q: %w", id, core.ErrInvalid)
	}
	return raw, nil
}

func toWebAuthnCredential(c *core.Credential) (webauthn.Credential, error) {
	raw, err := decodeCredentialID(c.ID)
	if err != nil {
		return webauthn.Credential{}, err
	}

	transports := make([]protocol.AuthenticatorTransport, len(c.Transports))
	for i, t := range c.Transports {
		transports[i] = protocol.AuthenticatorTransport(t)
	}

	return webauthn.Credential{
		ID:              raw,
		PublicKey:       c.PublicKey,
		AttestationType: c.AttestationType,
		Transport:       transports,
		Flags: webauthn.CredentialFlags{
			UserPresent:    c.UserPresent,
			UserVerified:   c.UserVerified,
			BackupEligible: c.BackupEligible,
			BackupState:    c.BackedUp,
		},
		Authenticator: webauthn.Authenticator{
			AAGUID:    c.AAGUID,
			SignCount: c.SignCount,
		},
	}, nil
}

func fromWebAuthnCredential(wc *webauthn.Credential, handle []byte) *core.Credential {
	transports := make([]string, len(wc.Transport))
	for i, t := range wc.Transport {
		transports[i] = string(t)
	}

	return &core.Credential{
		ID:              encodeCredentialID(wc.ID),
		UserHandle:      handle,
		PublicKey:       wc.PublicKey,
		SignCount:       wc.Authenticator.SignCount,
		UserPresent:     wc.Flags.UserPresent,
		UserVerified:    wc.Flags.UserVerified,
		BackupEligible:  wc.Flags.BackupEligible,
		BackedUp:        wc.Flags.BackupState,
		Transports:      transports,
		AttestationType: wc.AttestationType,
		AAGUID:          wc.Authenticator.AAGUID,
	}
}

func descriptors(creds []*core.Credential) []protocol.CredentialDescriptor {
	out := make([]protocol.CredentialDescriptor, 0, len(creds))
	for _, c := range creds {
		wc, err := toWebAuthnCredential(c)
		if err != nil {
			continue
		}
		out = append(out, wc.Descriptor())
	}
	return out
}
