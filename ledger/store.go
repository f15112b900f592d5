// Package ledger persists the custodial state of the bridge: account
// balances, deposit/withdrawal/swap records, wallet claims and the chain
// scan checkpoint. Balances are integer base units (1 BAN = 1e18).
//
// Every mutation sequence for an account runs under an advisory lock from
// dlock, and the writes of one operation commit in a single transaction.
// Concurrent workers and process restarts therefore never observe a
// half-applied operation.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	redis "github.com/redis/go-redis/v9"

	"github.com/wbanano/wban-bridge/dlock"
	"github.com/wbanano/wban-bridge/params"
)

var (
	// ErrInsufficientBalance is returned when a debit would drive an
	// account balance below zero.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")

	// ErrNoPendingClaim is returned by ConfirmClaim when the account has
	// no pending claim to promote.
	ErrNoPendingClaim = errors.New("ledger: no pending claim")
)

var (
	depositMeter    = metrics.NewRegisteredMeter("bridge/ledger/deposits", nil)
	withdrawalMeter = metrics.NewRegisteredMeter("bridge/ledger/withdrawals", nil)
	swapToWBANMeter = metrics.NewRegisteredMeter("bridge/ledger/swaps/towban", nil)
	swapToBANMeter  = metrics.NewRegisteredMeter("bridge/ledger/swaps/toban", nil)
)

// Store is the ledger backed by the shared key-value store. All exported
// operations normalize addresses before touching keys.
type Store struct {
	db    redis.UniversalClient
	locks *dlock.Manager
	log   log.Logger
}

// NewStore creates a ledger store over the given client and lock manager.
func NewStore(db redis.UniversalClient, locks *dlock.Manager) *Store {
	return &Store{
		db:    db,
		locks: locks,
		log:   log.New("module", "ledger"),
	}
}

// --- balances ---

// GetBalance returns the account balance in base units. The read takes the
// account lock so it observes a committed point-in-time value; missing
// accounts read as zero.
func (s *Store) GetBalance(ctx context.Context, nativeAddr string) (*big.Int, error) {
	addr := NormalizeNative(nativeAddr)
	lease, err := s.locks.Acquire(ctx, balanceResource(addr), params.BalanceReadLockTTL)
	if err != nil {
		return nil, err
	}
	defer lease.Release(ctx)
	return s.balance(ctx, addr)
}

// balance reads without locking. Callers hold the account lock.
func (s *Store) balance(ctx context.Context, addr string) (*big.Int, error) {
	val, err := s.db.Get(ctx, balanceKey(addr)).Result()
	if errors.Is(err, redis.Nil) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: read balance of %s: %w", addr, err)
	}
	n, ok := new(big.Int).SetString(val, 10)
	if !ok {
		return nil, fmt.Errorf("ledger: corrupt balance for %s: %q", addr, val)
	}
	return n, nil
}

// TotalBalance sums every account balance. Used for operator audits against
// the hot wallet holdings.
func (s *Store) TotalBalance(ctx context.Context) (*big.Int, error) {
	total := new(big.Int)
	iter := s.db.Scan(ctx, 0, banBalancePrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		val, err := s.db.Get(ctx, iter.Val()).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("ledger: read %s: %w", iter.Val(), err)
		}
		n, ok := new(big.Int).SetString(val, 10)
		if !ok {
			return nil, fmt.Errorf("ledger: corrupt balance at %s: %q", iter.Val(), val)
		}
		total.Add(total, n)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("ledger: scan balances: %w", err)
	}
	return total, nil
}

// --- deposits ---

// StoreDeposit credits a confirmed native deposit. Balance update, deposit
// sequence entry and audit record commit in one transaction under the
// account lock.
func (s *Store) StoreDeposit(ctx context.Context, nativeAddr string, amount *big.Int, timestampMs int64, hash string) error {
	addr := NormalizeNative(nativeAddr)
	lease, err := s.locks.Acquire(ctx, balanceResource(addr), params.DepositLockTTL)
	if err != nil {
		return err
	}
	defer lease.Release(ctx)

	balance, err := s.balance(ctx, addr)
	if err != nil {
		return err
	}
	newBalance := new(big.Int).Add(balance, amount)

	_, err = s.db.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, balanceKey(addr), newBalance.String(), 0)
		pipe.ZAdd(ctx, depositsKey(addr), redis.Z{Score: float64(timestampMs), Member: hash})
		pipe.HSet(ctx, auditKey(hash), map[string]interface{}{
			"type":        EntryDeposit,
			"ban_address": addr,
			"amount":      amount.String(),
			"timestamp":   timestampMs,
			"hash":        hash,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("ledger: commit deposit %s: %w", hash, err)
	}
	depositMeter.Mark(1)
	s.log.Info("Deposit credited", "account", addr, "amount", params.FormatBAN(amount), "hash", hash)
	return nil
}

// ContainsDeposit reports whether the deposit hash was already credited.
func (s *Store) ContainsDeposit(ctx context.Context, nativeAddr, hash string) (bool, error) {
	addr := NormalizeNative(nativeAddr)
	_, err := s.db.ZScore(ctx, depositsKey(addr), hash).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ledger: check deposit %s: %w", hash, err)
	}
	return true, nil
}

// --- withdrawals ---

// StoreWithdrawal debits a sent withdrawal. The timestamp is the
// client-supplied request time and doubles as the idempotency key together
// with the account.
func (s *Store) StoreWithdrawal(ctx context.Context, nativeAddr string, amount *big.Int, timestampMs int64, hash string) error {
	addr := NormalizeNative(nativeAddr)
	lease, err := s.locks.Acquire(ctx, balanceResource(addr), params.WithdrawalLockTTL)
	if err != nil {
		return err
	}
	defer lease.Release(ctx)

	balance, err := s.balance(ctx, addr)
	if err != nil {
		return err
	}
	newBalance := new(big.Int).Sub(balance, amount)
	if newBalance.Sign() < 0 {
		return fmt.Errorf("%w: account %s has %s, withdrawal of %s",
			ErrInsufficientBalance, addr, params.FormatBAN(balance), params.FormatBAN(amount))
	}

	_, err = s.db.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, balanceKey(addr), newBalance.String(), 0)
		pipe.ZAdd(ctx, withdrawalsKey(addr), redis.Z{Score: float64(timestampMs), Member: hash})
		pipe.HSet(ctx, auditKey(hash), map[string]interface{}{
			"type":        EntryWithdrawal,
			"ban_address": addr,
			"amount":      amount.String(),
			"timestamp":   timestampMs,
			"hash":        hash,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("ledger: commit withdrawal %s: %w", hash, err)
	}
	withdrawalMeter.Mark(1)
	s.log.Info("Withdrawal recorded", "account", addr, "amount", params.FormatBAN(amount), "hash", hash)
	return nil
}

// ContainsWithdrawalRequest reports whether a withdrawal with this exact
// request timestamp was already recorded for the account.
func (s *Store) ContainsWithdrawalRequest(ctx context.Context, nativeAddr string, timestampMs int64) (bool, error) {
	addr := NormalizeNative(nativeAddr)
	ts := strconv.FormatInt(timestampMs, 10)
	members, err := s.db.ZRangeByScore(ctx, withdrawalsKey(addr), &redis.ZRangeBy{Min: ts, Max: ts}).Result()
	if err != nil {
		return false, fmt.Errorf("ledger: check withdrawal at %d: %w", timestampMs, err)
	}
	return len(members) > 0, nil
}

// --- swaps ---

// StoreSwapToWBAN debits the ledger for an issued mint receipt and records
// the receipt in the account's ban-to-wban sequence.
func (s *Store) StoreSwapToWBAN(ctx context.Context, nativeAddr, bcAddr string, amount *big.Int, timestampMs int64, receipt, uuid string) error {
	addr := NormalizeNative(nativeAddr)
	bc := NormalizeBlockchain(bcAddr)
	lease, err := s.locks.Acquire(ctx, swapToWBANResource(addr), params.SwapLockTTL)
	if err != nil {
		return err
	}
	defer lease.Release(ctx)

	balance, err := s.balance(ctx, addr)
	if err != nil {
		return err
	}
	newBalance := new(big.Int).Sub(balance, amount)
	if newBalance.Sign() < 0 {
		return fmt.Errorf("%w: account %s has %s, swap of %s",
			ErrInsufficientBalance, addr, params.FormatBAN(balance), params.FormatBAN(amount))
	}

	_, err = s.db.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, balanceKey(addr), newBalance.String(), 0)
		pipe.ZAdd(ctx, swapToWBANKey(addr), redis.Z{Score: float64(timestampMs), Member: receipt})
		pipe.HSet(ctx, auditKey(receipt), map[string]interface{}{
			"type":               EntrySwapToWBAN,
			"ban_address":        addr,
			"blockchain_address": bc,
			"amount":             amount.String(),
			"timestamp":          timestampMs,
			"receipt":            receipt,
			"uuid":               uuid,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("ledger: commit swap receipt %s: %w", receipt, err)
	}
	swapToWBANMeter.Mark(1)
	s.log.Info("Swap to wBAN recorded", "account", addr, "recipient", bc, "amount", params.FormatBAN(amount), "receipt", receipt)
	return nil
}

// StoreSwapToBAN credits a wBAN redemption observed on chain. Duplicate
// event delivery is tolerated: the hash is re-checked under the account
// lock and an already-stored swap is a warning-level no-op.
func (s *Store) StoreSwapToBAN(ctx context.Context, swap SwapToBAN) error {
	addr := NormalizeNative(swap.NativeAddress)
	bc := NormalizeBlockchain(swap.BlockchainAddress)
	lease, err := s.locks.Acquire(ctx, balanceResource(addr), params.SwapLockTTL)
	if err != nil {
		return err
	}
	defer lease.Release(ctx)

	stored, err := s.ContainsSwapToBAN(ctx, bc, swap.Hash)
	if err != nil {
		return err
	}
	if stored {
		s.log.Warn("Swap already credited, skipping", "hash", swap.Hash, "account", addr)
		return nil
	}

	balance, err := s.balance(ctx, addr)
	if err != nil {
		return err
	}
	newBalance := new(big.Int).Add(balance, swap.Amount)

	_, err = s.db.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, balanceKey(addr), newBalance.String(), 0)
		pipe.ZAdd(ctx, swapToBANKey(bc), redis.Z{Score: float64(swap.TimestampMs), Member: swap.Hash})
		pipe.HSet(ctx, auditKey(swap.Hash), map[string]interface{}{
			"type":               EntrySwapToBAN,
			"ban_address":        addr,
			"blockchain_address": bc,
			"amount":             swap.Amount.String(),
			"timestamp":          swap.TimestampMs,
			"hash":               swap.Hash,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("ledger: commit swap %s: %w", swap.Hash, err)
	}
	swapToBANMeter.Mark(1)
	s.log.Info("Swap to BAN credited", "account", addr, "from", bc, "amount", params.FormatBAN(swap.Amount), "hash", swap.Hash)
	return nil
}

// ContainsSwapToBAN reports whether the redemption hash was already
// credited for the blockchain address.
func (s *Store) ContainsSwapToBAN(ctx context.Context, bcAddr, hash string) (bool, error) {
	bc := NormalizeBlockchain(bcAddr)
	_, err := s.db.ZScore(ctx, swapToBANKey(bc), hash).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ledger: check swap %s: %w", hash, err)
	}
	return true, nil
}

// --- gasless swap allowance ---

// FreeSwapTxn returns the transaction that consumed the account's one-time
// gasless swap, if any.
func (s *Store) FreeSwapTxn(ctx context.Context, nativeAddr string) (string, bool, error) {
	addr := NormalizeNative(nativeAddr)
	txn, err := s.db.Get(ctx, gaslessKey(addr)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("ledger: read gasless mark for %s: %w", addr, err)
	}
	return txn, true, nil
}

// MarkFreeSwap records that the account consumed its gasless swap. The
// first writer wins; later calls report false.
func (s *Store) MarkFreeSwap(ctx context.Context, nativeAddr, txn string) (bool, error) {
	addr := NormalizeNative(nativeAddr)
	ok, err := s.db.SetNX(ctx, gaslessKey(addr), txn, 0).Result()
	if err != nil {
		return false, fmt.Errorf("ledger: mark gasless swap for %s: %w", addr, err)
	}
	return ok, nil
}
