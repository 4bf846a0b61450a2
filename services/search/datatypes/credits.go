// Copyright (C) 2025 Platefinder Labs (dev@platefinder.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains credit account types shared by the ledger and the
// public API. The ledger itself lives in services/search/credits.

package datatypes

import "time"

// =============================================================================
// Tiers
// =============================================================================

// Tier identifies a user's billing tier.
type Tier string

const (
	// TierFree users draw from a bounded monthly credit allotment.
	TierFree Tier = "free"

	// TierPremium users have unlimited credits. Remaining is reported as
	// UnlimitedCredits for them and never decremented.
	TierPremium Tier = "premium"
)

// UnlimitedCredits is the sentinel reported as Remaining for premium users.
const UnlimitedCredits = -1

// =============================================================================
// Accounts
// =============================================================================

// CreditAccount is the persisted per-user quota record.
//
// # Invariants
//
//   - TierFree: Remaining stays within [0, Limit]. Mutated only through the
//     ledger's atomic reserve/refund/bonus operations.
//   - TierPremium: Remaining is ignored; reads report UnlimitedCredits.
//   - ResetDate and tier changes are owned by the external billing
//     collaborator, never by this service.
type CreditAccount struct {
	UserID    string    `json:"userId"`
	Tier      Tier      `json:"tier"`
	Remaining int       `json:"remaining"`
	Used      int       `json:"used"`
	Limit     int       `json:"limit"`
	ResetDate time.Time `json:"resetDate"`
}

// Snapshot returns the wire representation of the account, applying the
// premium sentinel.
func (a *CreditAccount) Snapshot() CreditSnapshot {
	snap := CreditSnapshot{
		Tier:      a.Tier,
		Remaining: a.Remaining,
		Used:      a.Used,
		Limit:     a.Limit,
	}
	if a.Tier == TierPremium {
		snap.Remaining = UnlimitedCredits
		snap.Limit = UnlimitedCredits
	}
	return snap
}

// CreditSnapshot is the read-only credit view embedded in search responses.
type CreditSnapshot struct {
	Remaining int  `json:"remaining"`
	Limit     int  `json:"limit"`
	Used      int  `json:"used"`
	Tier      Tier `json:"tier"`
}
