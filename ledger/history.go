package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strconv"

	redis "github.com/redis/go-redis/v9"

	"github.com/wbanano/wban-bridge/params"
)

// GetDeposits returns the account's most recent deposits, newest first,
// capped at the history limit.
func (s *Store) GetDeposits(ctx context.Context, nativeAddr string) ([]HistoryEntry, error) {
	addr := NormalizeNative(nativeAddr)
	return s.history(ctx, depositsKey(addr))
}

// GetWithdrawals returns the account's most recent withdrawals, newest
// first, capped at the history limit.
func (s *Store) GetWithdrawals(ctx context.Context, nativeAddr string) ([]HistoryEntry, error) {
	addr := NormalizeNative(nativeAddr)
	return s.history(ctx, withdrawalsKey(addr))
}

// GetSwaps merges both swap directions for a linked wallet pair, newest
// first, capped at the history limit.
func (s *Store) GetSwaps(ctx context.Context, bcAddr, nativeAddr string) ([]HistoryEntry, error) {
	addr, bc := NormalizeNative(nativeAddr), NormalizeBlockchain(bcAddr)
	toWBAN, err := s.history(ctx, swapToWBANKey(addr))
	if err != nil {
		return nil, err
	}
	toBAN, err := s.history(ctx, swapToBANKey(bc))
	if err != nil {
		return nil, err
	}
	merged := append(toWBAN, toBAN...)
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].TimestampMs > merged[j].TimestampMs })
	if len(merged) > params.HistoryLimit {
		merged = merged[:params.HistoryLimit]
	}
	return merged, nil
}

// history reads the newest members of one record sequence and hydrates
// them from the audit store in a single round trip.
func (s *Store) history(ctx context.Context, seqKey string) ([]HistoryEntry, error) {
	members, err := s.db.ZRevRange(ctx, seqKey, 0, int64(params.HistoryLimit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("ledger: read sequence %s: %w", seqKey, err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(members))
	_, err = s.db.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, member := range members {
			cmds[i] = pipe.HGetAll(ctx, auditKey(member))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: hydrate %s: %w", seqKey, err)
	}

	entries := make([]HistoryEntry, 0, len(members))
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil {
			return nil, fmt.Errorf("ledger: hydrate %s: %w", members[i], err)
		}
		if len(fields) == 0 {
			s.log.Warn("Missing audit entry", "id", members[i])
			continue
		}
		entry, err := entryFromAudit(fields)
		if err != nil {
			return nil, fmt.Errorf("ledger: audit entry %s: %w", members[i], err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func entryFromAudit(fields map[string]string) (HistoryEntry, error) {
	amount := new(big.Int)
	if raw, ok := fields["amount"]; ok {
		if _, ok := amount.SetString(raw, 10); !ok {
			return HistoryEntry{}, fmt.Errorf("corrupt amount %q", raw)
		}
	}
	var ts int64
	if raw, ok := fields["timestamp"]; ok {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return HistoryEntry{}, fmt.Errorf("corrupt timestamp %q", raw)
		}
		ts = n
	}
	return HistoryEntry{
		Type:              fields["type"],
		NativeAddress:     fields["ban_address"],
		BlockchainAddress: fields["blockchain_address"],
		Amount:            amount,
		TimestampMs:       ts,
		Hash:              fields["hash"],
		Receipt:           fields["receipt"],
		UUID:              fields["uuid"],
	}, nil
}
