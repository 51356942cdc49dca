// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package claims

import (
	"encoding/json"
	"strconv"
	"time"
)

// Standard OIDC claim types surfaced through userinfo and identity tokens.
const (
	ClaimSubject            = "sub"
	ClaimName               = "name"
	ClaimGivenName          = "given_name"
	ClaimFamilyName         = "family_name"
	ClaimPreferredUsername  = "preferred_username"
	ClaimEmail              = "email"
	ClaimEmailVerified      = "email_verified"
	ClaimAuthenticationTime = "auth_time"
)

// Protocol-private claim types. These are attached to principals between
// pipeline stages and stripped from issued tokens where inapplicable.
const (
	ClaimPrivateAudiences                 = "af_aud"
	ClaimPrivatePresenters                = "af_azp"
	ClaimPrivateResources                 = "af_rsrc"
	ClaimPrivateScopes                    = "af_scp"
	ClaimPrivateCreationDate              = "af_crt_dt"
	ClaimPrivateExpirationDate            = "af_exp_dt"
	ClaimPrivateAccessTokenLifetime       = "af_at_lft"
	ClaimPrivateAuthorizationCodeLifetime = "af_ac_lft"
	ClaimPrivateDeviceCodeLifetime        = "af_dc_lft"
	ClaimPrivateIdentityTokenLifetime     = "af_idt_lft"
	ClaimPrivateRefreshTokenLifetime      = "af_rt_lft"
	ClaimPrivateUserCodeLifetime          = "af_uc_lft"
	ClaimPrivateCodeChallenge             = "af_cd_chlg"
	ClaimPrivateCodeChallengeMethod       = "af_cd_chlg_meth"
	ClaimPrivateAuthorizationID           = "af_au_id"
	ClaimPrivateTokenID                   = "af_tkn_id"
	ClaimPrivateDeviceCodeID              = "af_dc_id"
	ClaimPrivateNonce                     = "af_nonce"
	ClaimPrivateOriginalRedirectURI       = "af_org_red_uri"
	ClaimPrivateTokenType                 = "af_tkn_typ"
)

// getArrayClaim decodes a JSON-array claim value.
func (p *Principal) getArrayClaim(claimType string) []string {
	raw, ok := p.GetClaim(claimType)
	if !ok || raw == "" {
		return nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil
	}
	return values
}

// setArrayClaim stores values as a JSON-array claim. Empty removes.
func (p *Principal) setArrayClaim(claimType string, values []string) {
	if len(values) == 0 {
		p.RemoveClaims(claimType)
		return
	}
	raw, err := json.Marshal(values)
	if err != nil {
		panic(err)
	}
	p.SetClaim(claimType, string(raw))
}

// getDateClaim decodes an RFC 3339 date claim.
func (p *Principal) getDateClaim(claimType string) (time.Time, bool) {
	raw, ok := p.GetClaim(claimType)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (p *Principal) setDateClaim(claimType string, t time.Time) {
	if t.IsZero() {
		p.RemoveClaims(claimType)
		return
	}
	p.SetClaim(claimType, t.UTC().Format(time.RFC3339Nano))
}

// getLifetimeClaim decodes an integral-seconds lifetime claim.
func (p *Principal) getLifetimeClaim(claimType string) (time.Duration, bool) {
	raw, ok := p.GetClaim(claimType)
	if !ok {
		return 0, false
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

func (p *Principal) setLifetimeClaim(claimType string, d time.Duration) {
	if d <= 0 {
		p.RemoveClaims(claimType)
		return
	}
	p.SetClaim(claimType, strconv.FormatInt(int64(d/time.Second), 10))
}

// Audiences returns the audiences attached to the principal.
func (p *Principal) Audiences() []string { return p.getArrayClaim(ClaimPrivateAudiences) }

// SetAudiences replaces the audiences attached to the principal.
func (p *Principal) SetAudiences(audiences ...string) {
	p.setArrayClaim(ClaimPrivateAudiences, audiences)
}

// Presenters returns the authorized presenters attached to the principal.
func (p *Principal) Presenters() []string { return p.getArrayClaim(ClaimPrivatePresenters) }

// SetPresenters replaces the authorized presenters attached to the principal.
func (p *Principal) SetPresenters(presenters ...string) {
	p.setArrayClaim(ClaimPrivatePresenters, presenters)
}

// Resources returns the resources attached to the principal.
func (p *Principal) Resources() []string { return p.getArrayClaim(ClaimPrivateResources) }

// SetResources replaces the resources attached to the principal.
func (p *Principal) SetResources(resources ...string) {
	p.setArrayClaim(ClaimPrivateResources, resources)
}

// Scopes returns the granted scopes attached to the principal.
func (p *Principal) Scopes() []string { return p.getArrayClaim(ClaimPrivateScopes) }

// SetScopes replaces the granted scopes attached to the principal.
func (p *Principal) SetScopes(scopes ...string) {
	p.setArrayClaim(ClaimPrivateScopes, scopes)
}

// HasScope reports whether the given scope was granted to the principal.
func (p *Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes() {
		if s == scope {
			return true
		}
	}
	return false
}

// CreationDate returns the token creation date attached to the principal.
func (p *Principal) CreationDate() (time.Time, bool) {
	return p.getDateClaim(ClaimPrivateCreationDate)
}

// SetCreationDate records the token creation date.
func (p *Principal) SetCreationDate(t time.Time) { p.setDateClaim(ClaimPrivateCreationDate, t) }

// ExpirationDate returns the token expiration date attached to the principal.
func (p *Principal) ExpirationDate() (time.Time, bool) {
	return p.getDateClaim(ClaimPrivateExpirationDate)
}

// SetExpirationDate records the token expiration date.
func (p *Principal) SetExpirationDate(t time.Time) { p.setDateClaim(ClaimPrivateExpirationDate, t) }

// AccessTokenLifetime returns the access token lifetime override.
func (p *Principal) AccessTokenLifetime() (time.Duration, bool) {
	return p.getLifetimeClaim(ClaimPrivateAccessTokenLifetime)
}

// SetAccessTokenLifetime records the access token lifetime override.
func (p *Principal) SetAccessTokenLifetime(d time.Duration) {
	p.setLifetimeClaim(ClaimPrivateAccessTokenLifetime, d)
}

// AuthorizationCodeLifetime returns the authorization code lifetime override.
func (p *Principal) AuthorizationCodeLifetime() (time.Duration, bool) {
	return p.getLifetimeClaim(ClaimPrivateAuthorizationCodeLifetime)
}

// SetAuthorizationCodeLifetime records the authorization code lifetime override.
func (p *Principal) SetAuthorizationCodeLifetime(d time.Duration) {
	p.setLifetimeClaim(ClaimPrivateAuthorizationCodeLifetime, d)
}

// DeviceCodeLifetime returns the device code lifetime override.
func (p *Principal) DeviceCodeLifetime() (time.Duration, bool) {
	return p.getLifetimeClaim(ClaimPrivateDeviceCodeLifetime)
}

// SetDeviceCodeLifetime records the device code lifetime override.
func (p *Principal) SetDeviceCodeLifetime(d time.Duration) {
	p.setLifetimeClaim(ClaimPrivateDeviceCodeLifetime, d)
}

// IdentityTokenLifetime returns the identity token lifetime override.
func (p *Principal) IdentityTokenLifetime() (time.Duration, bool) {
	return p.getLifetimeClaim(ClaimPrivateIdentityTokenLifetime)
}

// SetIdentityTokenLifetime records the identity token lifetime override.
func (p *Principal) SetIdentityTokenLifetime(d time.Duration) {
	p.setLifetimeClaim(ClaimPrivateIdentityTokenLifetime, d)
}

// RefreshTokenLifetime returns the refresh token lifetime override.
func (p *Principal) RefreshTokenLifetime() (time.Duration, bool) {
	return p.getLifetimeClaim(ClaimPrivateRefreshTokenLifetime)
}

// SetRefreshTokenLifetime records the refresh token lifetime override.
func (p *Principal) SetRefreshTokenLifetime(d time.Duration) {
	p.setLifetimeClaim(ClaimPrivateRefreshTokenLifetime, d)
}

// UserCodeLifetime returns the user code lifetime override.
func (p *Principal) UserCodeLifetime() (time.Duration, bool) {
	return p.getLifetimeClaim(ClaimPrivateUserCodeLifetime)
}

// SetUserCodeLifetime records the user code lifetime override.
func (p *Principal) SetUserCodeLifetime(d time.Duration) {
	p.setLifetimeClaim(ClaimPrivateUserCodeLifetime, d)
}

// CodeChallenge returns the PKCE code challenge bound to the principal.
func (p *Principal) CodeChallenge() (string, bool) { return p.GetClaim(ClaimPrivateCodeChallenge) }

// SetCodeChallenge binds a PKCE code challenge to the principal.
func (p *Principal) SetCodeChallenge(challenge string) {
	p.SetClaim(ClaimPrivateCodeChallenge, challenge)
}

// CodeChallengeMethod returns the PKCE challenge method bound to the principal.
func (p *Principal) CodeChallengeMethod() (string, bool) {
	return p.GetClaim(ClaimPrivateCodeChallengeMethod)
}

// SetCodeChallengeMethod binds the PKCE challenge method to the principal.
func (p *Principal) SetCodeChallengeMethod(method string) {
	p.SetClaim(ClaimPrivateCodeChallengeMethod, method)
}

// AuthorizationID returns the server-side authorization entry identifier.
func (p *Principal) AuthorizationID() (string, bool) {
	return p.GetClaim(ClaimPrivateAuthorizationID)
}

// SetAuthorizationID records the server-side authorization entry identifier.
func (p *Principal) SetAuthorizationID(id string) { p.SetClaim(ClaimPrivateAuthorizationID, id) }

// TokenID returns the server-side token entry identifier.
func (p *Principal) TokenID() (string, bool) { return p.GetClaim(ClaimPrivateTokenID) }

// SetTokenID records the server-side token entry identifier.
func (p *Principal) SetTokenID(id string) { p.SetClaim(ClaimPrivateTokenID, id) }

// DeviceCodeID returns the paired device code entry identifier.
func (p *Principal) DeviceCodeID() (string, bool) { return p.GetClaim(ClaimPrivateDeviceCodeID) }

// SetDeviceCodeID records the paired device code entry identifier.
func (p *Principal) SetDeviceCodeID(id string) { p.SetClaim(ClaimPrivateDeviceCodeID, id) }

// Nonce returns the OIDC nonce bound to the principal.
func (p *Principal) Nonce() (string, bool) { return p.GetClaim(ClaimPrivateNonce) }

// SetNonce binds the OIDC nonce to the principal.
func (p *Principal) SetNonce(nonce string) { p.SetClaim(ClaimPrivateNonce, nonce) }

// OriginalRedirectURI returns the redirect URI the authorization request used.
func (p *Principal) OriginalRedirectURI() (string, bool) {
	return p.GetClaim(ClaimPrivateOriginalRedirectURI)
}

// SetOriginalRedirectURI records the redirect URI the authorization request used.
func (p *Principal) SetOriginalRedirectURI(uri string) {
	p.SetClaim(ClaimPrivateOriginalRedirectURI, uri)
}

// TokenType returns the token type tag stamped on the principal.
func (p *Principal) TokenType() (string, bool) { return p.GetClaim(ClaimPrivateTokenType) }

// SetTokenType stamps the token type tag on the principal.
func (p *Principal) SetTokenType(tokenType string) { p.SetClaim(ClaimPrivateTokenType, tokenType) }
