// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCertificate(t *testing.T, notBefore, notAfter time.Time) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func TestDeriveKeyIDForRSA(t *testing.T) {
	t.Parallel()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	c := &SigningCredential{Signer: key}

	kid, err := c.DeriveKeyID()
	require.NoError(t, err)

	expected := strings.ToUpper(base64.RawURLEncoding.EncodeToString(key.N.Bytes())[:40])
	assert.Equal(t, expected, kid)
	assert.Len(t, kid, 40)
}

func TestDeriveKeyIDForECDSA(t *testing.T) {
	t.Parallel()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	c := &SigningCredential{Signer: key}

	kid, err := c.DeriveKeyID()
	require.NoError(t, err)

	encoded := base64.RawURLEncoding.EncodeToString(key.X.Bytes())
	if len(encoded) > 40 {
		encoded = encoded[:40]
	}
	assert.Equal(t, encoded, kid, "ECDSA key ids keep the original casing")
}

func TestDeriveKeyIDForCertificate(t *testing.T) {
	t.Parallel()

	now := time.Now()
	cert := testCertificate(t, now, now.Add(time.Hour))
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	c := &SigningCredential{Signer: key, Certificate: cert}

	kid, err := c.DeriveKeyID()
	require.NoError(t, err)
	assert.Equal(t, Thumbprint(cert), kid)
	assert.Equal(t, strings.ToUpper(kid), kid)
}

func TestInferAlgorithm(t *testing.T) {
	t.Parallel()

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ecKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)

	testCases := []struct {
		name       string
		credential *SigningCredential
		expected   string
	}{
		{name: "rsa", credential: &SigningCredential{Signer: rsaKey}, expected: "RS256"},
		{name: "ecdsa p384", credential: &SigningCredential{Signer: ecKey}, expected: "ES384"},
		{name: "symmetric", credential: &SigningCredential{Secret: []byte("0123456789abcdef0123456789abcdef")}, expected: "HS256"},
		{name: "explicit wins", credential: &SigningCredential{Signer: rsaKey, Algorithm: "PS256"}, expected: "PS256"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tc := tc
			t.Parallel()

			alg, err := tc.credential.InferAlgorithm()
			require.NoError(t, err)
			assert.Equal(t, tc.expected, alg)
		})
	}
}

func TestSortSigningCredentials(t *testing.T) {
	t.Parallel()

	now := time.Now()
	generated, err := GenerateSigningCredential("ES256")
	require.NoError(t, err)

	symmetric := &SigningCredential{Secret: []byte("0123456789abcdef0123456789abcdef")}
	validShort := &SigningCredential{Signer: generated.Signer, Certificate: testCertificate(t, now.Add(-time.Hour), now.Add(time.Hour))}
	validLong := &SigningCredential{Signer: generated.Signer, Certificate: testCertificate(t, now.Add(-time.Hour), now.Add(48*time.Hour))}
	bare := &SigningCredential{Signer: generated.Signer}
	future := &SigningCredential{Signer: generated.Signer, Certificate: testCertificate(t, now.Add(time.Hour), now.Add(48*time.Hour))}

	credentials := []*SigningCredential{future, bare, validShort, validLong, symmetric}
	SortSigningCredentials(credentials, now)

	assert.Equal(t,
		[]*SigningCredential{symmetric, validLong, validShort, bare, future},
		credentials,
		"precedence: symmetric, valid X.509 by furthest not-after, non-X.509, not-yet-valid X.509")
}

func TestSortIsStableWithinTier(t *testing.T) {
	t.Parallel()

	a := &SigningCredential{Secret: []byte("a-secret-a-secret-a-secret-a-sec")}
	b := &SigningCredential{Secret: []byte("b-secret-b-secret-b-secret-b-sec")}
	credentials := []*SigningCredential{a, b}
	SortSigningCredentials(credentials, time.Now())
	assert.Equal(t, []*SigningCredential{a, b}, credentials)
}

func TestPublicJWKSExcludesSymmetricKeys(t *testing.T) {
	t.Parallel()

	asymmetric, err := GenerateSigningCredential("ES256")
	require.NoError(t, err)
	symmetric := &SigningCredential{Secret: []byte("0123456789abcdef0123456789abcdef"), KeyID: "sym", Algorithm: "HS256"}

	set := PublicJWKS([]*SigningCredential{asymmetric, symmetric})
	require.Len(t, set.Keys, 1)
	assert.Equal(t, asymmetric.KeyID, set.Keys[0].KeyID)
	assert.Equal(t, "sig", set.Keys[0].Use)
	assert.True(t, set.Keys[0].IsPublic())
}

func TestGenerateSigningCredential(t *testing.T) {
	t.Parallel()

	c, err := GenerateSigningCredential("")
	require.NoError(t, err)
	assert.Equal(t, DefaultAlgorithm, c.Algorithm)
	assert.NotEmpty(t, c.KeyID)
	assert.NotNil(t, c.Signer)
	assert.False(t, c.IsSymmetric())

	_, err = GenerateSigningCredential("HS256")
	assert.Error(t, err, "symmetric credentials cannot be generated")
}

func TestEncryptionCredentialExpiry(t *testing.T) {
	t.Parallel()

	now := time.Now()
	c, err := GenerateEncryptionCredential()
	require.NoError(t, err)
	assert.False(t, c.IsExpired(now), "certificate-less credentials never expire")

	expired := &EncryptionCredential{Certificate: testCertificate(t, now.Add(-2*time.Hour), now.Add(-time.Hour))}
	assert.True(t, expired.IsExpired(now))
}
