// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package claims

// Principal is an ordered set of identities. The first identity is the
// primary one; claim lookups walk identities in order.
type Principal struct {
	Identities []*Identity
}

// NewPrincipal builds a principal from identities.
func NewPrincipal(identities ...*Identity) *Principal {
	return &Principal{Identities: identities}
}

// Identity returns the primary identity, creating an empty one on demand
// so claim writes on a fresh principal always have a home.
func (p *Principal) Identity() *Identity {
	if len(p.Identities) == 0 {
		p.Identities = append(p.Identities, NewIdentity(""))
	}
	return p.Identities[0]
}

// Claims returns every claim across all identities, in identity order.
func (p *Principal) Claims() []*Claim {
	var all []*Claim
	for _, id := range p.Identities {
		all = append(all, id.Claims...)
	}
	return all
}

// Claim returns the first claim of the given type across identities.
func (p *Principal) Claim(claimType string) *Claim {
	for _, id := range p.Identities {
		if c := id.Claim(claimType); c != nil {
			return c
		}
	}
	return nil
}

// GetClaim returns the first value of the given claim type.
func (p *Principal) GetClaim(claimType string) (string, bool) {
	if c := p.Claim(claimType); c != nil {
		return c.Value, true
	}
	return "", false
}

// SetClaim replaces the claim across all identities with a single claim
// on the primary identity. An empty value only removes.
func (p *Principal) SetClaim(claimType, value string) *Claim {
	for _, id := range p.Identities {
		id.RemoveClaims(claimType)
	}
	if value == "" {
		return nil
	}
	return p.Identity().AddStringClaim(claimType, value)
}

// RemoveClaims deletes every claim of the given type across identities.
func (p *Principal) RemoveClaims(claimType string) {
	for _, id := range p.Identities {
		id.RemoveClaims(claimType)
	}
}

// Subject returns the subject claim value.
func (p *Principal) Subject() (string, bool) {
	return p.GetClaim(ClaimSubject)
}

// SetSubject records the subject claim.
func (p *Principal) SetSubject(subject string) {
	p.SetClaim(ClaimSubject, subject)
}

// Clone returns a deep copy of the principal.
func (p *Principal) Clone() *Principal {
	copied := &Principal{Identities: make([]*Identity, 0, len(p.Identities))}
	for _, id := range p.Identities {
		copied.Identities = append(copied.Identities, id.Clone())
	}
	return copied
}

// CloneFiltered returns a deep copy keeping only the claims for which
// keep returns true. Identities are preserved even when emptied so the
// identity order and metadata survive filtering.
func (p *Principal) CloneFiltered(keep func(*Claim) bool) *Principal {
	copied := &Principal{Identities: make([]*Identity, 0, len(p.Identities))}
	for _, id := range p.Identities {
		cloned := id.Clone()
		kept := cloned.Claims[:0]
		for _, c := range cloned.Claims {
			if keep(c) {
				kept = append(kept, c)
			}
		}
		cloned.Claims = kept
		copied.Identities = append(copied.Identities, cloned)
	}
	return copied
}

// FilterForDestination returns a copy keeping only claims whose
// destinations include the given token-type tag. Claims without any
// destination are dropped: a claim opts into every token it appears in.
func (p *Principal) FilterForDestination(destination string) *Principal {
	return p.CloneFiltered(func(c *Claim) bool {
		return c.HasDestination(destination)
	})
}
