// Package claims manages the binding between a native BAN address and an
// EVM blockchain address. A claim starts as a short-lived pending record
// proving intent, and the account's first deposit promotes it to a
// permanent link that every later ownership check relies on.
package claims

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	lru "github.com/hashicorp/golang-lru"

	"github.com/wbanano/wban-bridge/dlock"
	"github.com/wbanano/wban-bridge/ledger"
	"github.com/wbanano/wban-bridge/params"
)

// Result is the outcome of a claim attempt.
type Result uint8

const (
	ResultOk Result = iota
	ResultAlreadyDone
	ResultInvalidSignature
	ResultInvalidOwner
	ResultBlacklisted
	ResultError
)

func (r Result) String() string {
	switch r {
	case ResultOk:
		return "ok"
	case ResultAlreadyDone:
		return "already-done"
	case ResultInvalidSignature:
		return "invalid-signature"
	case ResultInvalidOwner:
		return "invalid-owner"
	case ResultBlacklisted:
		return "blacklisted"
	default:
		return "error"
	}
}

// SignatureVerifier recovers the signer of a canonical message.
type SignatureVerifier interface {
	RecoverSigner(message, signature string) (string, error)
}

// Blacklist answers whether a native wallet is barred from the bridge.
type Blacklist interface {
	IsBlacklisted(ctx context.Context, nativeAddr string) (alias string, found bool, err error)
}

// claimCacheSize bounds the confirmed-claim cache. Confirmed claims are
// never retracted, so cached positives stay valid forever.
const claimCacheSize = 4096

var (
	claimMeter     = metrics.NewRegisteredMeter("bridge/claims/pending", nil)
	confirmMeter   = metrics.NewRegisteredMeter("bridge/claims/confirmed", nil)
	blacklistMeter = metrics.NewRegisteredMeter("bridge/claims/blacklisted", nil)
)

// Manager runs the claim state machine over the ledger.
type Manager struct {
	store     *ledger.Store
	locks     *dlock.Manager
	verifier  SignatureVerifier
	blacklist Blacklist
	confirmed *lru.Cache // "<native>:<bc>" -> struct{}{}
	log       log.Logger
}

// NewManager wires a claim manager.
func NewManager(store *ledger.Store, locks *dlock.Manager, verifier SignatureVerifier, blacklist Blacklist) *Manager {
	cache, _ := lru.New(claimCacheSize)
	return &Manager{
		store:     store,
		locks:     locks,
		verifier:  verifier,
		blacklist: blacklist,
		confirmed: cache,
		log:       log.New("module", "claims"),
	}
}

// Claim attempts to bind the native address to the blockchain address. The
// check order is part of the contract: signature, blacklist, existing
// claim, pending claim.
func (m *Manager) Claim(ctx context.Context, nativeAddr, bcAddr, signature string) (Result, error) {
	native := ledger.NormalizeNative(nativeAddr)
	bc := ledger.NormalizeBlockchain(bcAddr)

	message := fmt.Sprintf(params.ClaimMessage, native)
	signer, err := m.verifier.RecoverSigner(message, signature)
	if err != nil || ledger.NormalizeBlockchain(signer) != bc {
		m.log.Debug("Claim signature rejected", "account", native, "wallet", bc, "err", err)
		return ResultInvalidSignature, nil
	}

	alias, barred, err := m.blacklist.IsBlacklisted(ctx, native)
	if err != nil {
		return ResultError, err
	}
	if barred {
		blacklistMeter.Mark(1)
		m.log.Warn("Blacklisted wallet attempted claim", "account", native, "alias", alias)
		return ResultBlacklisted, nil
	}

	done, err := m.HasClaim(ctx, native, bc)
	if err != nil {
		return ResultError, err
	}
	if done {
		return ResultAlreadyDone, nil
	}

	// Racing claims for one account are serialized here; together with the
	// conditional create below, exactly one wallet can hold the pending
	// claim.
	lease, err := m.locks.Acquire(ctx, "claim:"+native, params.SwapLockTTL)
	if err != nil {
		return ResultError, err
	}
	defer lease.Release(ctx)

	pendingSame, err := m.store.HasPendingClaimFor(ctx, native, bc)
	if err != nil {
		return ResultError, err
	}
	if pendingSame {
		return ResultOk, nil
	}
	pendingAny, err := m.store.HasPendingClaim(ctx, native)
	if err != nil {
		return ResultError, err
	}
	if pendingAny {
		return ResultInvalidOwner, nil
	}
	created, err := m.store.StorePendingClaim(ctx, native, bc)
	if err != nil {
		return ResultError, err
	}
	if !created {
		return ResultInvalidOwner, nil
	}
	claimMeter.Mark(1)
	return ResultOk, nil
}

// Confirm promotes the account's pending claim after its first deposit and
// returns the bound blockchain address.
func (m *Manager) Confirm(ctx context.Context, nativeAddr string) (string, error) {
	native := ledger.NormalizeNative(nativeAddr)
	bc, err := m.store.ConfirmClaim(ctx, native)
	if err != nil {
		return "", err
	}
	m.confirmed.Add(native+":"+bc, struct{}{})
	confirmMeter.Mark(1)
	return bc, nil
}

// HasClaim reports whether the pair is permanently linked. Positive answers
// are cached; claims are never retracted, so the cache cannot go stale.
func (m *Manager) HasClaim(ctx context.Context, nativeAddr, bcAddr string) (bool, error) {
	native := ledger.NormalizeNative(nativeAddr)
	bc := ledger.NormalizeBlockchain(bcAddr)
	if _, ok := m.confirmed.Get(native + ":" + bc); ok {
		return true, nil
	}
	linked, err := m.store.HasClaim(ctx, native, bc)
	if err != nil {
		return false, err
	}
	if linked {
		m.confirmed.Add(native+":"+bc, struct{}{})
	}
	return linked, nil
}

// HasPendingClaim reports whether any wallet holds a pending claim on the
// account.
func (m *Manager) HasPendingClaim(ctx context.Context, nativeAddr string) (bool, error) {
	return m.store.HasPendingClaim(ctx, nativeAddr)
}
