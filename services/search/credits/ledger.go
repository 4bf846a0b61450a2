// Copyright (C) 2025 Platefinder Labs (dev@platefinder.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package credits implements the atomic per-user credit ledger.
//
// # Description
//
// Every mutation goes through a single-document atomic transaction on the
// embedded document store: reserve before paid scoring work, refund after a
// scoring failure that followed a successful reservation, and the pioneer
// bonus for fully-novel geographic discovery. There is no cross-user
// locking; contention is bounded to one user at a time.
//
// # Concurrency
//
// Badger transactions are optimistic. Two concurrent operations on the same
// account can conflict, in which case the loser retries against the fresh
// document. No ordering is guaranteed across two concurrent requests from
// the same user beyond each operation's own atomicity.
//
// # Account Resets
//
// Monthly resets and tier changes belong to the external billing
// collaborator, which writes through SetTier/ResetAllowance. The ledger
// never self-resets.
package credits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/platefinder/platefinder/services/search/datatypes"
	"github.com/platefinder/platefinder/services/search/observability"
	"github.com/platefinder/platefinder/services/search/storage/badgerstore"
)

// =============================================================================
// Constants and Errors
// =============================================================================

const (
	// DefaultFreeLimit is the monthly credit allotment for new free-tier
	// accounts.
	DefaultFreeLimit = 10

	// PioneerBonusCredits is granted for a fully provider-sourced discovery
	// that scored successfully.
	PioneerBonusCredits = 2

	// accountKeyPrefix namespaces ledger documents in the shared store.
	accountKeyPrefix = "credit/"

	// maxConflictRetries bounds optimistic-transaction retries for one
	// logical operation.
	maxConflictRetries = 10
)

// ErrLimitReached is returned by Reserve when a free-tier account has no
// remaining credits. Surfaced to callers as HTTP 402 LIMIT_REACHED; never
// silently masked.
var ErrLimitReached = errors.New("credit limit reached")

// ErrNoUser is returned when an operation is attempted without a user id.
var ErrNoUser = errors.New("no user id")

// =============================================================================
// Ledger
// =============================================================================

// Authorization is the result of a successful Reserve call.
type Authorization struct {
	Authorized bool
	Tier       datatypes.Tier
	Remaining  int
}

// Ledger mediates all credit account mutations.
//
// # Thread Safety
//
// Safe for concurrent use. All state lives in the document store; the Ledger
// itself is stateless.
type Ledger struct {
	db      *badgerstore.DB
	metrics observability.Collector
	now     func() time.Time
}

// NewLedger creates a ledger on the given document store.
//
// # Inputs
//
//   - db: Open document store. Must not be nil.
//   - metrics: Diagnostic collector. Pass observability.NopCollector{} to
//     disable.
func NewLedger(db *badgerstore.DB, metrics observability.Collector) *Ledger {
	return &Ledger{
		db:      db,
		metrics: metrics,
		now:     time.Now,
	}
}

// accountKey returns the document key for a user's account.
func accountKey(userID string) []byte {
	return []byte(accountKeyPrefix + userID)
}

// =============================================================================
// Operations
// =============================================================================

// Reserve atomically consumes one credit for the user.
//
// # Description
//
// Read-modify-write on the user's account document. Free-tier accounts with
// no remaining credits fail with ErrLimitReached and are left untouched.
// Premium accounts are authorized without decrementing Remaining; Used still
// counts for diagnostics. Accounts are created lazily on first reservation
// with the default free allotment.
//
// Reserve must execute strictly before any paid scoring work; the funnel
// enforces that ordering.
//
// # Outputs
//
//   - Authorization: Tier and post-reservation remaining balance.
//   - error: ErrLimitReached, ErrNoUser, or a store failure.
func (l *Ledger) Reserve(ctx context.Context, userID string) (Authorization, error) {
	if userID == "" {
		return Authorization{}, ErrNoUser
	}

	var auth Authorization
	err := l.update(ctx, userID, func(acct *datatypes.CreditAccount) error {
		if acct.Tier != datatypes.TierPremium {
			if acct.Remaining <= 0 {
				return ErrLimitReached
			}
			acct.Remaining--
		}
		acct.Used++
		auth = Authorization{
			Authorized: true,
			Tier:       acct.Tier,
			Remaining:  acct.Snapshot().Remaining,
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrLimitReached) {
			l.metrics.CreditOp("reserve", "denied")
		} else {
			l.metrics.CreditOp("reserve", "error")
		}
		return Authorization{}, err
	}

	l.metrics.CreditOp("reserve", "ok")
	slog.Debug("Credit reserved", "user_id", userID, "remaining", auth.Remaining)
	return auth, nil
}

// Refund atomically restores one credit.
//
// # Description
//
// Invoked only when scoring fails after a successful reservation, so the
// user is never charged for unexecuted work. Remaining is capped at Limit
// and Used floors at zero, preserving the free-tier invariant
// Remaining ∈ [0, Limit].
func (l *Ledger) Refund(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrNoUser
	}

	err := l.update(ctx, userID, func(acct *datatypes.CreditAccount) error {
		if acct.Tier != datatypes.TierPremium && acct.Remaining < acct.Limit {
			acct.Remaining++
		}
		if acct.Used > 0 {
			acct.Used--
		}
		return nil
	})
	if err != nil {
		l.metrics.CreditOp("refund", "error")
		return err
	}

	l.metrics.CreditOp("refund", "ok")
	slog.Info("Credit refunded after failed scoring", "user_id", userID)
	return nil
}

// GrantPioneerBonus atomically grants the anti-farming discovery bonus.
//
// # Description
//
// The caller is responsible for the eligibility check: the bonus applies
// iff Stage 1 sourced 100% of candidates from the external provider (zero
// cache participation) and scoring succeeded. The bonus raises Limit when
// the new balance would exceed it, so the invariant Remaining <= Limit
// holds afterwards. Premium accounts take no bonus; their balance is
// already unlimited.
func (l *Ledger) GrantPioneerBonus(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrNoUser
	}

	err := l.update(ctx, userID, func(acct *datatypes.CreditAccount) error {
		if acct.Tier == datatypes.TierPremium {
			return nil
		}
		acct.Remaining += PioneerBonusCredits
		if acct.Remaining > acct.Limit {
			acct.Limit = acct.Remaining
		}
		return nil
	})
	if err != nil {
		l.metrics.CreditOp("bonus", "error")
		return err
	}

	l.metrics.CreditOp("bonus", "ok")
	slog.Info("Pioneer bonus granted", "user_id", userID, "credits", PioneerBonusCredits)
	return nil
}

// Account returns the current account document, creating a default free
// account for unknown users (without persisting it until first mutation).
func (l *Ledger) Account(ctx context.Context, userID string) (*datatypes.CreditAccount, error) {
	if userID == "" {
		return nil, ErrNoUser
	}

	var acct *datatypes.CreditAccount
	err := l.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		loaded, err := l.load(txn, userID)
		if err != nil {
			return err
		}
		acct = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// SetTier writes a tier change from the billing collaborator.
//
// A change to premium leaves the free-tier counters in place so a later
// downgrade resumes where the account left off.
func (l *Ledger) SetTier(ctx context.Context, userID string, tier datatypes.Tier) error {
	if userID == "" {
		return ErrNoUser
	}
	return l.update(ctx, userID, func(acct *datatypes.CreditAccount) error {
		acct.Tier = tier
		return nil
	})
}

// ResetAllowance restores a free-tier account to its full limit. Owned by
// the billing collaborator's reset cycle, exposed here so that process has
// one write path.
func (l *Ledger) ResetAllowance(ctx context.Context, userID string, resetDate time.Time) error {
	if userID == "" {
		return ErrNoUser
	}
	return l.update(ctx, userID, func(acct *datatypes.CreditAccount) error {
		acct.Limit = DefaultFreeLimit
		acct.Remaining = DefaultFreeLimit
		acct.Used = 0
		acct.ResetDate = resetDate
		return nil
	})
}

// =============================================================================
// Internal Helpers
// =============================================================================

// update runs fn against the user's account in a single-document atomic
// transaction, retrying on optimistic-concurrency conflicts.
func (l *Ledger) update(ctx context.Context, userID string, fn func(*datatypes.CreditAccount) error) error {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err := l.db.WithTxn(ctx, func(txn *badger.Txn) error {
			acct, err := l.load(txn, userID)
			if err != nil {
				return err
			}
			if err := fn(acct); err != nil {
				return err
			}
			raw, err := json.Marshal(acct)
			if err != nil {
				return fmt.Errorf("marshal account: %w", err)
			}
			return txn.Set(accountKey(userID), raw)
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("account update for %s: too many transaction conflicts", userID)
}

// load reads the user's account inside txn, defaulting unknown users to a
// fresh free-tier account.
func (l *Ledger) load(txn *badger.Txn, userID string) (*datatypes.CreditAccount, error) {
	item, err := txn.Get(accountKey(userID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return l.newAccount(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}

	var acct datatypes.CreditAccount
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &acct)
	}); err != nil {
		return nil, fmt.Errorf("decode account: %w", err)
	}
	return &acct, nil
}

// newAccount builds the default free-tier account for a first-seen user.
func (l *Ledger) newAccount(userID string) *datatypes.CreditAccount {
	now := l.now()
	return &datatypes.CreditAccount{
		UserID:    userID,
		Tier:      datatypes.TierFree,
		Remaining: DefaultFreeLimit,
		Used:      0,
		Limit:     DefaultFreeLimit,
		ResetDate: time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0),
	}
}
