// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package envelope implements the versioned binary token payload format.
//
// The envelope carries a subject principal plus a side-table of
// authentication properties and is kept bit-compatible with earlier token
// generations: little-endian int32 fields, strings length-prefixed with a
// 7-bit variable-length encoding, and a "\x00" sentinel standing in for
// well-known default values. A fixed set of protocol-private claims is
// bridged to the property side-table on write and restored on read so
// older readers that only understand properties keep working.
package envelope

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/stacklok/authframe/pkg/claims"
)

// Version is the envelope version this package reads and writes.
const Version = 5

// defaultSentinel replaces a string equal to its known default.
const defaultSentinel = "\x00"

// ErrParse reports a malformed or truncated envelope.
var ErrParse = errors.New("envelope: malformed payload")

// propertyForClaim maps the bridged private claim types to their legacy
// property keys in the side-table.
var propertyForClaim = map[string]string{
	claims.ClaimPrivateCreationDate:              ".creation_date",
	claims.ClaimPrivateExpirationDate:            ".expiration_date",
	claims.ClaimPrivateAccessTokenLifetime:       ".access_token_lifetime",
	claims.ClaimPrivateAuthorizationCodeLifetime: ".authorization_code_lifetime",
	claims.ClaimPrivateDeviceCodeLifetime:        ".device_code_lifetime",
	claims.ClaimPrivateIdentityTokenLifetime:     ".identity_token_lifetime",
	claims.ClaimPrivateRefreshTokenLifetime:      ".refresh_token_lifetime",
	claims.ClaimPrivateUserCodeLifetime:          ".user_code_lifetime",
	claims.ClaimPrivateCodeChallenge:             ".code_challenge",
	claims.ClaimPrivateCodeChallengeMethod:       ".code_challenge_method",
	claims.ClaimPrivateAuthorizationID:           ".authorization_id",
	claims.ClaimPrivateTokenID:                   ".token_id",
	claims.ClaimPrivateDeviceCodeID:              ".device_code_id",
	claims.ClaimPrivateNonce:                     ".nonce",
	claims.ClaimPrivateOriginalRedirectURI:       ".original_redirect_uri",
	claims.ClaimPrivateAudiences:                 ".audiences",
	claims.ClaimPrivatePresenters:                ".presenters",
	claims.ClaimPrivateResources:                 ".resources",
	claims.ClaimPrivateScopes:                    ".scopes",
}

var claimForProperty = func() map[string]string {
	m := make(map[string]string, len(propertyForClaim))
	for c, p := range propertyForClaim {
		m[p] = c
	}
	return m
}()

// Write serializes the principal under the given authentication scheme.
// Bridged private claims are copied into the property side-table and
// stripped from the serialized identities; the input is not mutated.
func Write(p *claims.Principal, scheme string) ([]byte, error) {
	properties := make(map[string]string)
	stripped := p.CloneFiltered(func(c *claims.Claim) bool {
		key, bridged := propertyForClaim[c.Type]
		if !bridged {
			return true
		}
		if _, seen := properties[key]; !seen {
			properties[key] = c.Value
		}
		return false
	})

	w := &writer{}
	w.int32(Version)
	w.string(scheme)
	w.int32(int32(len(stripped.Identities)))
	for _, id := range stripped.Identities {
		w.identity(id)
	}
	w.int32(Version)
	w.int32(int32(len(properties)))
	for _, key := range sortedKeys(properties) {
		w.string(key)
		w.string(properties[key])
	}
	return w.buf.Bytes(), nil
}

// Read deserializes an envelope. A version other than the supported one
// yields a nil principal and no error; malformed data yields an error
// wrapping ErrParse. Side-table properties are restored as claims on the
// primary identity.
func Read(data []byte) (*claims.Principal, string, error) {
	r := &reader{data: data}
	version, err := r.int32()
	if err != nil {
		return nil, "", err
	}
	if version != Version {
		return nil, "", nil
	}

	scheme, err := r.string()
	if err != nil {
		return nil, "", err
	}
	count, err := r.int32()
	if err != nil {
		return nil, "", err
	}
	if count < 0 || int(count) > len(data) {
		return nil, "", fmt.Errorf("%w: identity count %d", ErrParse, count)
	}

	principal := &claims.Principal{}
	for i := int32(0); i < count; i++ {
		id, err := r.identity()
		if err != nil {
			return nil, "", err
		}
		principal.Identities = append(principal.Identities, id)
	}

	properties, err := r.properties()
	if err != nil {
		return nil, "", err
	}
	for key, value := range properties {
		claimType, bridged := claimForProperty[key]
		if !bridged {
			continue
		}
		principal.SetClaim(claimType, value)
	}
	return principal, scheme, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Deterministic output keeps envelopes byte-stable across writes.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

type writer struct {
	buf bytes.Buffer
}

func (w *writer) int32(v int32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	w.buf.Write(b[:])
}

func (w *writer) bool(v bool) {
	if v {
		w.buf.WriteByte(1)
		return
	}
	w.buf.WriteByte(0)
}

// string writes a 7-bit variable-length byte count followed by UTF-8 data.
func (w *writer) string(s string) {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(s)))
	w.buf.Write(lenBuf[:n])
	w.buf.WriteString(s)
}

// defaulted writes the sentinel when s equals its known default.
func (w *writer) defaulted(s, defaultValue string) {
	if s == defaultValue {
		w.string(defaultSentinel)
		return
	}
	w.string(s)
}

func (w *writer) identity(id *claims.Identity) {
	w.string(id.AuthenticationType)
	w.defaulted(id.NameClaimType, claims.DefaultNameClaimType)
	w.defaulted(id.RoleClaimType, claims.DefaultRoleClaimType)
	w.int32(int32(len(id.Claims)))
	for _, c := range id.Claims {
		w.claim(c, id)
	}
	w.bool(id.BootstrapContext != nil)
	if id.BootstrapContext != nil {
		w.string(*id.BootstrapContext)
	}
	w.bool(id.Actor != nil)
	if id.Actor != nil {
		w.identity(id.Actor)
	}
}

func (w *writer) claim(c *claims.Claim, owner *claims.Identity) {
	// A claim's type defaults to the owning identity's name claim type;
	// the original issuer defaults to the claim's issuer.
	w.defaulted(c.Type, owner.NameClaimType)
	w.string(c.Value)
	w.defaulted(c.ValueType, claims.DefaultValueType)
	w.defaulted(c.Issuer, claims.DefaultIssuer)
	w.defaulted(c.OriginalIssuer, c.Issuer)
	w.int32(int32(len(c.Properties)))
	for _, key := range sortedKeys(c.Properties) {
		w.string(key)
		w.string(c.Properties[key])
	}
}

type reader struct {
	data []byte
	off  int
}

func (r *reader) int32() (int32, error) {
	if r.off+4 > len(r.data) {
		return 0, fmt.Errorf("%w: truncated int32", ErrParse)
	}
	v := binary.LittleEndian.Uint32(r.data[r.off:])
	r.off += 4
	return int32(v), nil
}

func (r *reader) bool() (bool, error) {
	if r.off >= len(r.data) {
		return false, fmt.Errorf("%w: truncated bool", ErrParse)
	}
	b := r.data[r.off]
	r.off++
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("%w: invalid bool %#x", ErrParse, b)
	}
}

func (r *reader) string() (string, error) {
	length, n := binary.Uvarint(r.data[r.off:])
	if n <= 0 {
		return "", fmt.Errorf("%w: invalid string length", ErrParse)
	}
	r.off += n
	if length > uint64(len(r.data)-r.off) {
		return "", fmt.Errorf("%w: truncated string", ErrParse)
	}
	raw := r.data[r.off : r.off+int(length)]
	r.off += int(length)
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("%w: invalid UTF-8", ErrParse)
	}
	return string(raw), nil
}

// defaulted reverses the sentinel substitution applied on write.
func (r *reader) defaulted(defaultValue string) (string, error) {
	s, err := r.string()
	if err != nil {
		return "", err
	}
	if s == defaultSentinel {
		return defaultValue, nil
	}
	return s, nil
}

func (r *reader) identity() (*claims.Identity, error) {
	id := &claims.Identity{}
	var err error
	if id.AuthenticationType, err = r.string(); err != nil {
		return nil, err
	}
	if id.NameClaimType, err = r.defaulted(claims.DefaultNameClaimType); err != nil {
		return nil, err
	}
	if id.RoleClaimType, err = r.defaulted(claims.DefaultRoleClaimType); err != nil {
		return nil, err
	}
	count, err := r.int32()
	if err != nil {
		return nil, err
	}
	if count < 0 || int(count) > len(r.data) {
		return nil, fmt.Errorf("%w: claim count %d", ErrParse, count)
	}
	for i := int32(0); i < count; i++ {
		c, err := r.claim(id)
		if err != nil {
			return nil, err
		}
		id.Claims = append(id.Claims, c)
	}

	hasBootstrap, err := r.bool()
	if err != nil {
		return nil, err
	}
	if hasBootstrap {
		bootstrap, err := r.string()
		if err != nil {
			return nil, err
		}
		id.BootstrapContext = &bootstrap
	}

	hasActor, err := r.bool()
	if err != nil {
		return nil, err
	}
	if hasActor {
		if id.Actor, err = r.identity(); err != nil {
			return nil, err
		}
	}
	return id, nil
}

func (r *reader) claim(owner *claims.Identity) (*claims.Claim, error) {
	c := &claims.Claim{}
	var err error
	if c.Type, err = r.defaulted(owner.NameClaimType); err != nil {
		return nil, err
	}
	if c.Value, err = r.string(); err != nil {
		return nil, err
	}
	if c.ValueType, err = r.defaulted(claims.DefaultValueType); err != nil {
		return nil, err
	}
	if c.Issuer, err = r.defaulted(claims.DefaultIssuer); err != nil {
		return nil, err
	}
	if c.OriginalIssuer, err = r.defaulted(c.Issuer); err != nil {
		return nil, err
	}
	count, err := r.int32()
	if err != nil {
		return nil, err
	}
	if count < 0 || int(count) > len(r.data) {
		return nil, fmt.Errorf("%w: property count %d", ErrParse, count)
	}
	for i := int32(0); i < count; i++ {
		key, err := r.string()
		if err != nil {
			return nil, err
		}
		value, err := r.string()
		if err != nil {
			return nil, err
		}
		if c.Properties == nil {
			c.Properties = make(map[string]string)
		}
		c.Properties[key] = value
	}
	return c, nil
}

func (r *reader) properties() (map[string]string, error) {
	version, err := r.int32()
	if err != nil {
		return nil, err
	}
	if version != Version {
		return nil, fmt.Errorf("%w: property table version %d", ErrParse, version)
	}
	count, err := r.int32()
	if err != nil {
		return nil, err
	}
	if count < 0 || int(count) > len(r.data) {
		return nil, fmt.Errorf("%w: property count %d", ErrParse, count)
	}
	properties := make(map[string]string, count)
	for i := int32(0); i < count; i++ {
		key, err := r.string()
		if err != nil {
			return nil, err
		}
		value, err := r.string()
		if err != nil {
			return nil, err
		}
		properties[key] = value
	}
	return properties, nil
}
