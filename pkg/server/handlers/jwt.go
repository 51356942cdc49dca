// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/stacklok/authframe/pkg/claims"
	"github.com/stacklok/authframe/pkg/claims/envelope"
	"github.com/stacklok/authframe/pkg/oauth"
	"github.com/stacklok/authframe/pkg/server"
	"github.com/stacklok/authframe/pkg/server/keys"
)

// contentEncryption is the JWE content encryption applied to confidential
// tokens.
const contentEncryption = jose.A256GCM

// privateClaimTypes is the set of protocol-private claim types that are
// never treated as public subject claims.
var privateClaimTypes = map[string]struct{}{
	claims.ClaimPrivateAudiences:                 {},
	claims.ClaimPrivatePresenters:                {},
	claims.ClaimPrivateResources:                 {},
	claims.ClaimPrivateScopes:                    {},
	claims.ClaimPrivateCreationDate:              {},
	claims.ClaimPrivateExpirationDate:            {},
	claims.ClaimPrivateAccessTokenLifetime:       {},
	claims.ClaimPrivateAuthorizationCodeLifetime: {},
	claims.ClaimPrivateDeviceCodeLifetime:        {},
	claims.ClaimPrivateIdentityTokenLifetime:     {},
	claims.ClaimPrivateRefreshTokenLifetime:      {},
	claims.ClaimPrivateUserCodeLifetime:          {},
	claims.ClaimPrivateCodeChallenge:             {},
	claims.ClaimPrivateCodeChallengeMethod:       {},
	claims.ClaimPrivateAuthorizationID:           {},
	claims.ClaimPrivateTokenID:                   {},
	claims.ClaimPrivateDeviceCodeID:              {},
	claims.ClaimPrivateNonce:                     {},
	claims.ClaimPrivateOriginalRedirectURI:       {},
	claims.ClaimPrivateTokenType:                 {},
}

func isPrivateClaim(claimType string) bool {
	_, ok := privateClaimTypes[claimType]
	return ok
}

// carriedPrivateClaims are the private claim types embedded into issued
// token payloads so they survive the wire round trip.
var carriedPrivateClaims = []string{
	claims.ClaimPrivateScopes,
	claims.ClaimPrivatePresenters,
	claims.ClaimPrivateResources,
	claims.ClaimPrivateAuthorizationID,
	claims.ClaimPrivateDeviceCodeID,
	claims.ClaimPrivateCodeChallenge,
	claims.ClaimPrivateCodeChallengeMethod,
	claims.ClaimPrivateNonce,
	claims.ClaimPrivateOriginalRedirectURI,
}

// envelopeClaim carries the serialized principal envelope inside the
// internal token types, preserving claim metadata (destinations) that a
// flat JWT claim set cannot express.
const envelopeClaim = "af_env"

// isInternalTokenType reports whether the token never leaves the
// authorization server's own flows: such tokens are always encrypted and
// carry the full principal envelope rather than a destination-filtered
// claim projection.
func isInternalTokenType(t oauth.TokenType) bool {
	switch t {
	case oauth.TokenTypeAuthorizationCode, oauth.TokenTypeDeviceCode,
		oauth.TokenTypeRefreshToken, oauth.TokenTypeUserCode:
		return true
	default:
		return false
	}
}

// buildTokenClaims projects a principal into the JWT claim set for one
// token type. For outward-facing tokens public claims are filtered by
// their destinations; internal tokens embed the whole envelope instead.
func buildTokenClaims(p *claims.Principal, tokenType oauth.TokenType, issuer, tokenID string, now time.Time, expires time.Time) (map[string]any, error) {
	m := map[string]any{
		"iss":                        issuer,
		"iat":                        now.Unix(),
		"exp":                        expires.Unix(),
		"jti":                        tokenID,
		claims.ClaimPrivateTokenType: string(tokenType),
	}
	if sub, ok := p.Subject(); ok {
		m["sub"] = sub
	}
	if audiences := p.Audiences(); len(audiences) > 0 {
		m["aud"] = audiences
	}

	if isInternalTokenType(tokenType) {
		payload, err := envelope.Write(p, "authframe")
		if err != nil {
			return nil, fmt.Errorf("failed to serialize principal envelope: %w", err)
		}
		m[envelopeClaim] = base64.RawURLEncoding.EncodeToString(payload)
		return m, nil
	}

	for _, claimType := range carriedPrivateClaims {
		if v, ok := p.GetClaim(claimType); ok {
			m[claimType] = v
		}
	}

	// Public claims opt into each token through their destinations.
	values := make(map[string][]string)
	var order []string
	for _, c := range p.Claims() {
		if isPrivateClaim(c.Type) || c.Type == claims.ClaimSubject {
			continue
		}
		if !c.HasDestination(string(tokenType)) {
			continue
		}
		if _, seen := values[c.Type]; !seen {
			order = append(order, c.Type)
		}
		values[c.Type] = append(values[c.Type], c.Value)
	}
	for _, claimType := range order {
		if len(values[claimType]) == 1 {
			m[claimType] = values[claimType][0]
			continue
		}
		m[claimType] = values[claimType]
	}
	return m, nil
}

// principalFromTokenClaims rebuilds a principal from a parsed claim set.
// Internal tokens restore the embedded envelope; registered claims map
// back onto the typed private accessors either way.
func principalFromTokenClaims(m map[string]any) *claims.Principal {
	p := claims.NewPrincipal(claims.NewIdentity("authframe"))
	if encoded, ok := m[envelopeClaim].(string); ok {
		if raw, err := base64.RawURLEncoding.DecodeString(encoded); err == nil {
			if restored, _, err := envelope.Read(raw); err == nil && restored != nil {
				p = restored
			}
		}
	}
	for claimType, value := range m {
		switch claimType {
		case "iss", envelopeClaim:
			continue
		case "sub":
			if s, ok := value.(string); ok {
				p.SetSubject(s)
			}
		case "aud":
			p.SetAudiences(stringValues(value)...)
		case "iat":
			if t, ok := numericTime(value); ok {
				p.SetCreationDate(t)
			}
		case "exp":
			if t, ok := numericTime(value); ok {
				p.SetExpirationDate(t)
			}
		case "jti":
			if s, ok := value.(string); ok {
				p.SetTokenID(s)
			}
		default:
			if _, exists := p.GetClaim(claimType); exists {
				continue
			}
			for _, v := range stringValues(value) {
				p.Identity().AddStringClaim(claimType, v)
			}
		}
	}
	return p
}

func stringValues(value any) []string {
	switch v := value.(type) {
	case string:
		return []string{v}
	case bool:
		return []string{strconv.FormatBool(v)}
	case float64:
		return []string{strconv.FormatFloat(v, 'f', -1, 64)}
	case json.Number:
		return []string{v.String()}
	case []any:
		var out []string
		for _, item := range v {
			out = append(out, stringValues(item)...)
		}
		return out
	default:
		return nil
	}
}

func numericTime(value any) (time.Time, bool) {
	switch v := value.(type) {
	case float64:
		return time.Unix(int64(v), 0).UTC(), true
	case int64:
		return time.Unix(v, 0).UTC(), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(n, 0).UTC(), true
	default:
		return time.Time{}, false
	}
}

// signToken signs the claim set with the preferred signing credential and
// optionally wraps it in a JWE for the given encryption credential.
func signToken(options *server.Options, claimSet map[string]any, encryption *keys.EncryptionCredential) (string, error) {
	credential := options.PreferredSigningCredential()
	if credential == nil {
		return "", fmt.Errorf("no asymmetric signing credential available")
	}

	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.SignatureAlgorithm(credential.Algorithm),
		Key:       credential.Signer,
	}, (&jose.SignerOptions{}).WithHeader("kid", credential.KeyID).WithType("JWT"))
	if err != nil {
		return "", fmt.Errorf("failed to build signer: %w", err)
	}

	if encryption == nil {
		raw, err := jwt.Signed(signer).Claims(claimSet).Serialize()
		if err != nil {
			return "", fmt.Errorf("failed to sign token: %w", err)
		}
		return raw, nil
	}

	recipient, err := encryptionRecipient(encryption)
	if err != nil {
		return "", err
	}
	encrypter, err := jose.NewEncrypter(contentEncryption, recipient,
		(&jose.EncrypterOptions{}).WithType("JWT").WithContentType("JWT"))
	if err != nil {
		return "", fmt.Errorf("failed to build encrypter: %w", err)
	}
	raw, err := jwt.SignedAndEncrypted(signer, encrypter).Claims(claimSet).Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to sign and encrypt token: %w", err)
	}
	return raw, nil
}

func encryptionRecipient(credential *keys.EncryptionCredential) (jose.Recipient, error) {
	switch key := credential.Key.(type) {
	case *rsa.PrivateKey:
		return jose.Recipient{
			Algorithm: jose.KeyAlgorithm(credential.Algorithm),
			Key:       key.Public(),
			KeyID:     credential.KeyID,
		}, nil
	case []byte:
		return jose.Recipient{Algorithm: jose.DIRECT, Key: key, KeyID: credential.KeyID}, nil
	default:
		return jose.Recipient{}, fmt.Errorf("unsupported encryption key type %T", credential.Key)
	}
}

// parseToken resolves a wire token back into its claim set, trying the
// encrypted form first and falling back to a plain signed token.
func parseToken(options *server.Options, raw string, now time.Time) (map[string]any, error) {
	signatureAlgorithms := signatureAlgorithms(options)

	if nested, err := jwt.ParseSignedAndEncrypted(raw,
		[]jose.KeyAlgorithm{jose.RSA_OAEP_256, jose.DIRECT},
		[]jose.ContentEncryption{contentEncryption},
		signatureAlgorithms,
	); err == nil {
		for _, credential := range options.EncryptionCredentials {
			inner, err := nested.Decrypt(decryptionKey(credential))
			if err != nil {
				continue
			}
			return verifyToken(options, inner)
		}
		return nil, fmt.Errorf("no encryption credential could decrypt the token")
	}

	tok, err := jwt.ParseSigned(raw, signatureAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	return verifyToken(options, tok)
}

func verifyToken(options *server.Options, tok *jwt.JSONWebToken) (map[string]any, error) {
	var lastErr error
	for _, credential := range options.SigningCredentials {
		var key any
		if credential.IsSymmetric() {
			key = credential.Secret
		} else {
			key = credential.Signer.Public()
		}
		claimSet := make(map[string]any)
		if err := tok.Claims(key, &claimSet); err != nil {
			lastErr = err
			continue
		}
		return claimSet, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no signing credential configured")
	}
	return nil, fmt.Errorf("signature verification failed: %w", lastErr)
}

func signatureAlgorithms(options *server.Options) []jose.SignatureAlgorithm {
	var algorithms []jose.SignatureAlgorithm
	seen := make(map[string]struct{})
	for _, c := range options.SigningCredentials {
		if _, ok := seen[c.Algorithm]; ok {
			continue
		}
		seen[c.Algorithm] = struct{}{}
		algorithms = append(algorithms, jose.SignatureAlgorithm(c.Algorithm))
	}
	return algorithms
}

func decryptionKey(credential *keys.EncryptionCredential) any {
	if raw, ok := credential.Key.([]byte); ok {
		return raw
	}
	return credential.Key
}

// newOpaqueToken mints a URL-safe random handle for reference tokens.
func newOpaqueToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to read randomness: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// userCodeAlphabet avoids vowels and ambiguous characters so codes are
// unambiguous when read aloud or typed.
const userCodeAlphabet = "BCDFGHJKLMNPQRSTVWXZ"

// newUserCode mints a short human-typable code in XXXX-XXXX form.
func newUserCode() (string, error) {
	raw := make([]byte, 8)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to read randomness: %w", err)
	}
	var b strings.Builder
	for i, r := range raw {
		if i == 4 {
			b.WriteByte('-')
		}
		b.WriteByte(userCodeAlphabet[int(r)%len(userCodeAlphabet)])
	}
	return b.String(), nil
}

// normalizeUserCode upper-cases and strips separators before lookup.
func normalizeUserCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.ReplaceAll(code, "-", "")
}
