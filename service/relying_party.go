package service

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/layer-3/passkey/core"
)

// RelyingParty is the WebAuthn identity used for one request
type RelyingParty struct {
	ID      string
	Name    string
	Origins []string
}

// RelyingParties resolves the relying party from the request host
type RelyingParties struct {
	Name    string
	IDs     []string
	Origins []string
}

func hostname(host string) string {
	host = strings.TrimSpace(strings.ToLower(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
}

func withinDomain(host, rpID string) bool {
	return host == rpID || strings.HasSuffix(host, "."+rpID)
}

// Resolve picks the most specific configured RP ID covering host. The origin
// header, when present, must belong to the same RP ID.
func (p RelyingParties) Resolve(host, origin string) (RelyingParty, error) {
	if len(p.IDs) == 0 {
		return RelyingParty{}, fmt.Errorf("no relying party configured: %w", core.ErrUpstream)
	}

	h := hostname(host)
	if origin != "" {
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			h = hostname(u.Host)
		}
	}

	rpID := ""
	for _, id := range p.IDs {
		if withinDomain(h, id) && len(id) > len(rpID) {
			rpID = id
		}
	}
	if rpID == "" {
		return RelyingParty{}, fmt.Errorf("host %q is not a relying party: %w", h, core.ErrInvalid)
	}

	rp := RelyingParty{ID: rpID, Name: p.Name}
	for _, o := range p.Origins {
		u, err := url.Parse(o)
		if err != nil {
			continue
		}
		if withinDomain(hostname(u.Host), rpID) {
			rp.Origins = append(rp.Origins, o)
		}
	}
	if len(rp.Origins) == 0 {
		return RelyingParty{}, fmt.Errorf("no origins for relying party %q: %w", rpID, core.ErrInvalid)
	}

	return rp, nil
}

// WebAuthn builds the verification library instance for this relying party
func (rp RelyingParty) WebAuthn() (*webauthn.WebAuthn, error) {
	w, err := webauthn.New(&webauthn.Config{
		RPID:                  rp.ID,
		RPDisplayName:         rp.Name,
		RPOrigins:             rp.Origins,
		AttestationPreference: protocol.PreferNoAttestation,
		AuthenticatorSelection: protocol.AuthenticatorSelection{
			ResidentKey:      protocol.ResidentKeyRequirementPreferred,
			UserVerification: protocol.VerificationPreferred,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("webauthn config for %s: %v: %w", rp.ID, err, core.ErrUpstream)
	}
	return w, nil
}
