package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	redis "github.com/redis/go-redis/v9"

	"github.com/wbanano/wban-bridge/params"
)

// Claims bind a native address to a blockchain address. A pending claim
// auto-expires; a confirmed claim is write-once and never retracted.

// HasPendingClaim reports whether any blockchain address holds a pending
// claim on the native account.
func (s *Store) HasPendingClaim(ctx context.Context, nativeAddr string) (bool, error) {
	addr := NormalizeNative(nativeAddr)
	iter := s.db.Scan(ctx, 0, pendingClaimPrefix+addr+":*", 10).Iterator()
	for iter.Next(ctx) {
		return true, nil
	}
	if err := iter.Err(); err != nil {
		return false, fmt.Errorf("ledger: scan pending claims for %s: %w", addr, err)
	}
	return false, nil
}

// HasPendingClaimFor reports whether this exact pair already has a pending
// claim.
func (s *Store) HasPendingClaimFor(ctx context.Context, nativeAddr, bcAddr string) (bool, error) {
	addr, bc := NormalizeNative(nativeAddr), NormalizeBlockchain(bcAddr)
	n, err := s.db.Exists(ctx, pendingClaimKey(addr, bc)).Result()
	if err != nil {
		return false, fmt.Errorf("ledger: check pending claim %s:%s: %w", addr, bc, err)
	}
	return n > 0, nil
}

// StorePendingClaim creates the pending claim if none exists for the pair.
// The conditional create makes simultaneous claims race-safe: exactly one
// writer observes created=true.
func (s *Store) StorePendingClaim(ctx context.Context, nativeAddr, bcAddr string) (bool, error) {
	addr, bc := NormalizeNative(nativeAddr), NormalizeBlockchain(bcAddr)
	created, err := s.db.SetNX(ctx, pendingClaimKey(addr, bc), "1", params.PendingClaimTTL).Result()
	if err != nil {
		return false, fmt.Errorf("ledger: store pending claim %s:%s: %w", addr, bc, err)
	}
	if created {
		s.log.Info("Pending claim stored", "account", addr, "wallet", bc)
	}
	return created, nil
}

// ConfirmClaim promotes the account's single pending claim to a permanent
// one by copying then deleting, and returns the bound blockchain address.
// The reverse index is maintained in the same transaction.
func (s *Store) ConfirmClaim(ctx context.Context, nativeAddr string) (string, error) {
	addr := NormalizeNative(nativeAddr)

	var pendingKey string
	iter := s.db.Scan(ctx, 0, pendingClaimPrefix+addr+":*", 10).Iterator()
	if iter.Next(ctx) {
		pendingKey = iter.Val()
	}
	if err := iter.Err(); err != nil {
		return "", fmt.Errorf("ledger: scan pending claims for %s: %w", addr, err)
	}
	if pendingKey == "" {
		return "", fmt.Errorf("%w: account %s", ErrNoPendingClaim, addr)
	}
	bc := strings.TrimPrefix(pendingKey, pendingClaimPrefix+addr+":")

	_, err := s.db.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, claimKey(addr, bc), "1", 0)
		pipe.SAdd(ctx, claimIndexKey(bc), addr)
		pipe.Del(ctx, pendingKey)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ledger: confirm claim for %s: %w", addr, err)
	}
	s.log.Info("Claim confirmed", "account", addr, "wallet", bc)
	return bc, nil
}

// IsClaimed reports whether the native account has any confirmed claim.
func (s *Store) IsClaimed(ctx context.Context, nativeAddr string) (bool, error) {
	addr := NormalizeNative(nativeAddr)
	iter := s.db.Scan(ctx, 0, claimPrefix+addr+":*", 10).Iterator()
	for iter.Next(ctx) {
		return true, nil
	}
	if err := iter.Err(); err != nil {
		return false, fmt.Errorf("ledger: scan claims for %s: %w", addr, err)
	}
	return false, nil
}

// HasClaim reports whether the exact pair is confirmed.
func (s *Store) HasClaim(ctx context.Context, nativeAddr, bcAddr string) (bool, error) {
	addr, bc := NormalizeNative(nativeAddr), NormalizeBlockchain(bcAddr)
	n, err := s.db.Exists(ctx, claimKey(addr, bc)).Result()
	if err != nil {
		return false, fmt.Errorf("ledger: check claim %s:%s: %w", addr, bc, err)
	}
	return n > 0, nil
}

// NativeAddressesFor returns every native account bound to the blockchain
// address, sorted. The reverse index is authoritative; stores written
// before the index existed are recovered by scanning the forward keys and
// the result is backfilled into the index.
func (s *Store) NativeAddressesFor(ctx context.Context, bcAddr string) ([]string, error) {
	bc := NormalizeBlockchain(bcAddr)
	members, err := s.db.SMembers(ctx, claimIndexKey(bc)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("ledger: read claim index for %s: %w", bc, err)
	}
	if len(members) == 0 {
		if members, err = s.scanClaimsFor(ctx, bc); err != nil {
			return nil, err
		}
		for _, addr := range members {
			if err := s.db.SAdd(ctx, claimIndexKey(bc), addr).Err(); err != nil {
				return nil, fmt.Errorf("ledger: backfill claim index for %s: %w", bc, err)
			}
		}
	}
	sort.Strings(members)
	return members, nil
}

// scanClaimsFor recovers the reverse binding from the forward key layout,
// claims:<native>:<blockchain>.
func (s *Store) scanClaimsFor(ctx context.Context, bc string) ([]string, error) {
	var found []string
	iter := s.db.Scan(ctx, 0, claimPrefix+"*:"+bc, 100).Iterator()
	for iter.Next(ctx) {
		parts := strings.Split(iter.Val(), ":")
		if len(parts) != 3 || parts[1] == "pending" || parts[1] == "by-blockchain" {
			continue
		}
		if parts[2] == bc {
			found = append(found, parts[1])
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("ledger: scan claims for %s: %w", bc, err)
	}
	return found, nil
}
