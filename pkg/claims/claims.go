// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package claims models the subject principal carried through the server:
// an ordered set of identities, each holding an ordered set of claims.
// Claims carry per-claim destinations restricting which issued token types
// may include them.
package claims

import (
	"encoding/json"
	"strings"
)

// Legacy identity model defaults. The token envelope writes a sentinel in
// place of these values, so they must match the historical constants
// byte for byte.
const (
	// DefaultValueType is the value type assumed for string claims.
	DefaultValueType = "http://www.w3.org/2001/XMLSchema#string"

	// DefaultIssuer is the issuer assumed for locally-minted claims.
	DefaultIssuer = "LOCAL AUTHORITY"

	// DefaultNameClaimType is the claim type used to resolve an identity's name.
	DefaultNameClaimType = "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/name"

	// DefaultRoleClaimType is the claim type used to resolve an identity's roles.
	DefaultRoleClaimType = "http://schemas.microsoft.com/ws/2008/06/identity/claims/role"
)

// PropertyDestinations is the reserved claim property holding the JSON
// array of token-type tags a claim may be written to.
const PropertyDestinations = "destinations"

// Claim is a single attribute attached to an identity.
type Claim struct {
	Type           string
	Value          string
	ValueType      string
	Issuer         string
	OriginalIssuer string

	// Properties carries claim metadata. The destinations property is
	// reserved; use SetDestinations/Destinations rather than mutating it.
	Properties map[string]string
}

// NewClaim builds a claim with the legacy defaults filled in.
func NewClaim(claimType, value string) *Claim {
	return &Claim{
		Type:           claimType,
		Value:          value,
		ValueType:      DefaultValueType,
		Issuer:         DefaultIssuer,
		OriginalIssuer: DefaultIssuer,
	}
}

// Clone returns a deep copy of the claim.
func (c *Claim) Clone() *Claim {
	copied := *c
	if c.Properties != nil {
		copied.Properties = make(map[string]string, len(c.Properties))
		for k, v := range c.Properties {
			copied.Properties[k] = v
		}
	}
	return &copied
}

// GetProperty returns a claim property.
func (c *Claim) GetProperty(name string) (string, bool) {
	v, ok := c.Properties[name]
	return v, ok
}

// SetProperty stores a claim property. An empty value removes it.
func (c *Claim) SetProperty(name, value string) {
	if value == "" {
		delete(c.Properties, name)
		return
	}
	if c.Properties == nil {
		c.Properties = make(map[string]string)
	}
	c.Properties[name] = value
}

// Destinations returns the token-type tags this claim may be written to.
// The result is already canonicalized: lowercase and deduplicated.
func (c *Claim) Destinations() []string {
	raw, ok := c.Properties[PropertyDestinations]
	if !ok || raw == "" {
		return nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil
	}
	return canonicalizeDestinations(values)
}

// SetDestinations records the token-type tags this claim may be written
// to. Values are compared case-insensitively, deduplicated and stored
// lowercase. An empty set removes the property entirely.
func (c *Claim) SetDestinations(destinations ...string) {
	canonical := canonicalizeDestinations(destinations)
	if len(canonical) == 0 {
		delete(c.Properties, PropertyDestinations)
		return
	}
	raw, err := json.Marshal(canonical)
	if err != nil {
		// A string slice cannot fail to marshal.
		panic(err)
	}
	c.SetProperty(PropertyDestinations, string(raw))
}

// HasDestination reports whether the claim may be written to the given
// token type. The comparison is case-insensitive.
func (c *Claim) HasDestination(destination string) bool {
	destination = strings.ToLower(destination)
	for _, d := range c.Destinations() {
		if d == destination {
			return true
		}
	}
	return false
}

func canonicalizeDestinations(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	canonical := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		canonical = append(canonical, v)
	}
	return canonical
}

// Identity is an ordered set of claims sharing an authentication type.
type Identity struct {
	AuthenticationType string
	NameClaimType      string
	RoleClaimType      string
	Claims             []*Claim

	// BootstrapContext optionally carries the original credential the
	// identity was built from. Nil means none.
	BootstrapContext *string

	// Actor optionally carries the delegated caller chain.
	Actor *Identity
}

// NewIdentity builds an identity with the default name/role claim types.
func NewIdentity(authenticationType string) *Identity {
	return &Identity{
		AuthenticationType: authenticationType,
		NameClaimType:      DefaultNameClaimType,
		RoleClaimType:      DefaultRoleClaimType,
	}
}

// AddClaim appends a claim to the identity.
func (i *Identity) AddClaim(c *Claim) {
	i.Claims = append(i.Claims, c)
}

// AddStringClaim appends a string claim built from a type and value.
func (i *Identity) AddStringClaim(claimType, value string) *Claim {
	c := NewClaim(claimType, value)
	i.AddClaim(c)
	return c
}

// Claim returns the first claim of the given type, or nil.
func (i *Identity) Claim(claimType string) *Claim {
	for _, c := range i.Claims {
		if c.Type == claimType {
			return c
		}
	}
	return nil
}

// ClaimsOfType returns every claim of the given type, in order.
func (i *Identity) ClaimsOfType(claimType string) []*Claim {
	var matched []*Claim
	for _, c := range i.Claims {
		if c.Type == claimType {
			matched = append(matched, c)
		}
	}
	return matched
}

// RemoveClaims deletes every claim of the given type.
func (i *Identity) RemoveClaims(claimType string) {
	kept := i.Claims[:0]
	for _, c := range i.Claims {
		if c.Type != claimType {
			kept = append(kept, c)
		}
	}
	i.Claims = kept
}

// SetClaim replaces every claim of the given type with a single claim
// holding value. An empty value only removes.
func (i *Identity) SetClaim(claimType, value string) *Claim {
	i.RemoveClaims(claimType)
	if value == "" {
		return nil
	}
	return i.AddStringClaim(claimType, value)
}

// Name resolves the identity's display name through its name claim type.
func (i *Identity) Name() string {
	claimType := i.NameClaimType
	if claimType == "" {
		claimType = DefaultNameClaimType
	}
	if c := i.Claim(claimType); c != nil {
		return c.Value
	}
	return ""
}

// Clone returns a deep copy of the identity, including its actor chain.
func (i *Identity) Clone() *Identity {
	copied := &Identity{
		AuthenticationType: i.AuthenticationType,
		NameClaimType:      i.NameClaimType,
		RoleClaimType:      i.RoleClaimType,
	}
	if i.BootstrapContext != nil {
		b := *i.BootstrapContext
		copied.BootstrapContext = &b
	}
	if i.Actor != nil {
		copied.Actor = i.Actor.Clone()
	}
	copied.Claims = make([]*Claim, 0, len(i.Claims))
	for _, c := range i.Claims {
		copied.Claims = append(copied.Claims, c.Clone())
	}
	return copied
}
