// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package keys models the signing and encryption credentials the server
// issues tokens with: key-id derivation, credential precedence ordering
// and the public JWKS projection.
package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // certificate thumbprints are SHA-1 by convention
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// DefaultAlgorithm is used for generated development keys.
const DefaultAlgorithm = "ES256"

// SigningCredential is a key the server signs tokens with. Exactly one of
// Signer or Secret is set: asymmetric credentials carry a crypto.Signer,
// symmetric ones carry the raw HMAC secret.
type SigningCredential struct {
	// KeyID is the JWT "kid" header value. Assigned by the resolver
	// when empty.
	KeyID string

	// Algorithm is the JWS algorithm (RS256, ES256, EdDSA, HS256, ...).
	// Inferred from the key material when empty.
	Algorithm string

	Signer crypto.Signer
	Secret []byte

	// Certificate optionally binds the key to an X.509 certificate,
	// which contributes the key id and validity window.
	Certificate *x509.Certificate
}

// IsSymmetric reports whether the credential is an HMAC secret.
func (c *SigningCredential) IsSymmetric() bool {
	return c.Secret != nil
}

// EncryptionCredential is a key the server encrypts token payloads with.
type EncryptionCredential struct {
	KeyID string

	// Algorithm is the JWE key management algorithm (RSA-OAEP-256, dir, ...).
	Algorithm string

	// Key is an *rsa.PrivateKey for asymmetric credentials or a []byte
	// secret for direct symmetric encryption.
	Key any

	Certificate *x509.Certificate
}

// IsSymmetric reports whether the credential is a direct symmetric key.
func (c *EncryptionCredential) IsSymmetric() bool {
	_, ok := c.Key.([]byte)
	return ok
}

// IsExpired reports whether the credential's certificate lies in the past.
// Credentials without a certificate never expire.
func (c *EncryptionCredential) IsExpired(now time.Time) bool {
	return c.Certificate != nil && now.After(c.Certificate.NotAfter)
}

// validityState classifies a credential against the clock.
func validityState(cert *x509.Certificate, now time.Time) int {
	switch {
	case cert == nil:
		return certNone
	case now.Before(cert.NotBefore):
		return certFuture
	case now.After(cert.NotAfter):
		return certExpired
	default:
		return certValid
	}
}

const (
	certValid = iota
	certNone
	certFuture
	certExpired
)

// SortSigningCredentials orders credentials by issuance precedence:
// symmetric keys first, then currently-valid X.509 credentials by
// furthest not-after, then credentials without a certificate, then
// not-yet-valid X.509 credentials. The sort is stable so insertion order
// breaks ties within a tier.
func SortSigningCredentials(credentials []*SigningCredential, now time.Time) {
	tier := func(c *SigningCredential) int {
		if c.IsSymmetric() {
			return 0
		}
		switch validityState(c.Certificate, now) {
		case certValid:
			return 1
		case certNone, certExpired:
			return 2
		default:
			return 3
		}
	}
	// Stable insertion sort; credential sets are small.
	for i := 1; i < len(credentials); i++ {
		for j := i; j > 0 && lessSigning(credentials[j], credentials[j-1], tier); j-- {
			credentials[j], credentials[j-1] = credentials[j-1], credentials[j]
		}
	}
}

func lessSigning(a, b *SigningCredential, tier func(*SigningCredential) int) bool {
	ta, tb := tier(a), tier(b)
	if ta != tb {
		return ta < tb
	}
	// Within the valid X.509 tier, prefer the certificate that stays
	// valid the longest.
	if ta == 1 {
		return a.Certificate.NotAfter.After(b.Certificate.NotAfter)
	}
	return false
}

// InferAlgorithm derives the JWS algorithm from the credential's key
// material.
func (c *SigningCredential) InferAlgorithm() (string, error) {
	if c.Algorithm != "" {
		return c.Algorithm, nil
	}
	if c.IsSymmetric() {
		return "HS256", nil
	}
	switch key := c.Signer.Public().(type) {
	case *rsa.PublicKey:
		return "RS256", nil
	case *ecdsa.PublicKey:
		switch key.Curve {
		case elliptic.P256():
			return "ES256", nil
		case elliptic.P384():
			return "ES384", nil
		case elliptic.P521():
			return "ES512", nil
		default:
			return "", fmt.Errorf("unsupported ECDSA curve %q", key.Curve.Params().Name)
		}
	case ed25519.PublicKey:
		return "EdDSA", nil
	default:
		return "", fmt.Errorf("unsupported key type %T", key)
	}
}

// DeriveKeyID computes a stable key identifier for a credential that has
// none. X.509 credentials use the certificate thumbprint; RSA keys the
// base64url modulus truncated to 40 characters and uppercased; ECDSA
// keys the base64url X coordinate truncated to 40 characters.
func (c *SigningCredential) DeriveKeyID() (string, error) {
	if c.Certificate != nil {
		return Thumbprint(c.Certificate), nil
	}
	if c.IsSymmetric() {
		// Symmetric secrets never travel in a JWKS; hash-derived ids
		// keep logs stable without leaking material length.
		sum := sha1.Sum(c.Secret) //nolint:gosec // identifier, not integrity
		return strings.ToUpper(hex.EncodeToString(sum[:20])), nil
	}
	switch key := c.Signer.Public().(type) {
	case *rsa.PublicKey:
		encoded := base64.RawURLEncoding.EncodeToString(key.N.Bytes())
		return strings.ToUpper(truncate(encoded, 40)), nil
	case *ecdsa.PublicKey:
		encoded := base64.RawURLEncoding.EncodeToString(key.X.Bytes())
		return truncate(encoded, 40), nil
	case ed25519.PublicKey:
		encoded := base64.RawURLEncoding.EncodeToString(key)
		return truncate(encoded, 40), nil
	default:
		return "", fmt.Errorf("unsupported key type %T", key)
	}
}

// DeriveEncryptionKeyID mirrors DeriveKeyID for encryption credentials.
func (c *EncryptionCredential) DeriveEncryptionKeyID() (string, error) {
	if c.Certificate != nil {
		return Thumbprint(c.Certificate), nil
	}
	switch key := c.Key.(type) {
	case *rsa.PrivateKey:
		encoded := base64.RawURLEncoding.EncodeToString(key.N.Bytes())
		return strings.ToUpper(truncate(encoded, 40)), nil
	case []byte:
		sum := sha1.Sum(key) //nolint:gosec // identifier, not integrity
		return strings.ToUpper(hex.EncodeToString(sum[:20])), nil
	default:
		return "", fmt.Errorf("unsupported key type %T", key)
	}
}

// Thumbprint returns the uppercase hex SHA-1 thumbprint of a certificate.
func Thumbprint(cert *x509.Certificate) string {
	sum := sha1.Sum(cert.Raw) //nolint:gosec // thumbprints are SHA-1 by convention
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// PublicJWKS projects the asymmetric signing credentials into a public
// JSON Web Key Set. Symmetric credentials are never exposed.
func PublicJWKS(credentials []*SigningCredential) *jose.JSONWebKeySet {
	set := &jose.JSONWebKeySet{}
	for _, c := range credentials {
		if c.IsSymmetric() {
			continue
		}
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       c.Signer.Public(),
			KeyID:     c.KeyID,
			Algorithm: c.Algorithm,
			Use:       "sig",
		})
	}
	return set
}

// GenerateSigningCredential generates an ephemeral asymmetric credential.
// Suitable for development only: the key is lost on restart, invalidating
// every issued token.
func GenerateSigningCredential(algorithm string) (*SigningCredential, error) {
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	var signer crypto.Signer
	var err error
	switch algorithm {
	case "RS256":
		signer, err = rsa.GenerateKey(rand.Reader, 2048)
	case "ES256":
		signer, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case "ES384":
		signer, err = ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case "EdDSA":
		_, signer, err = ed25519.GenerateKey(rand.Reader)
	default:
		return nil, fmt.Errorf("unsupported algorithm %q", algorithm)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to generate %s key: %w", algorithm, err)
	}
	c := &SigningCredential{Algorithm: algorithm, Signer: signer}
	if c.KeyID, err = c.DeriveKeyID(); err != nil {
		return nil, err
	}
	return c, nil
}

// GenerateEncryptionCredential generates an ephemeral RSA-OAEP-256
// encryption credential for development use.
func GenerateEncryptionCredential() (*EncryptionCredential, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	c := &EncryptionCredential{Algorithm: string(jose.RSA_OAEP_256), Key: key}
	if c.KeyID, err = c.DeriveEncryptionKeyID(); err != nil {
		return nil, err
	}
	return c, nil
}
