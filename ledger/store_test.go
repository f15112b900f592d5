package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/wbanano/wban-bridge/dlock"
	"github.com/wbanano/wban-bridge/params"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStore(client, dlock.NewManager(client, dlock.DefaultConfig)), srv
}

// Tests that a deposit credits the balance and is discoverable by hash.
func TestStoreDeposit(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.StoreDeposit(ctx, "ban_a", big.NewInt(500), 1000, "h1"); err != nil {
		t.Fatalf("StoreDeposit: %v", err)
	}
	balance, err := s.GetBalance(ctx, "ban_a")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if balance.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("balance = %s, want 500", balance)
	}
	ok, err := s.ContainsDeposit(ctx, "ban_a", "h1")
	if err != nil || !ok {
		t.Fatalf("ContainsDeposit = %v, %v, want true", ok, err)
	}
	if ok, _ := s.ContainsDeposit(ctx, "ban_a", "h2"); ok {
		t.Fatal("ContainsDeposit reported an unknown hash")
	}
}

// Tests that a missing account reads as a zero balance.
func TestGetBalanceMissingAccount(t *testing.T) {
	s, _ := newTestStore(t)
	balance, err := s.GetBalance(context.Background(), "ban_nobody")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if balance.Sign() != 0 {
		t.Fatalf("balance = %s, want 0", balance)
	}
}

// Tests that addresses are canonicalized before key construction, so mixed
// case inputs hit the same account.
func TestAddressNormalization(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.StoreDeposit(ctx, "  BAN_A ", big.NewInt(100), 1000, "h1"); err != nil {
		t.Fatalf("StoreDeposit: %v", err)
	}
	balance, err := s.GetBalance(ctx, "ban_a")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if balance.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("balance = %s, want 100", balance)
	}
}

// Tests that a withdrawal debits the balance and that the request timestamp
// becomes discoverable for duplicate detection.
func TestStoreWithdrawal(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.StoreDeposit(ctx, "ban_a", big.NewInt(1000), 1000, "h1"); err != nil {
		t.Fatalf("StoreDeposit: %v", err)
	}
	if err := s.StoreWithdrawal(ctx, "ban_a", big.NewInt(300), 2000, "h2"); err != nil {
		t.Fatalf("StoreWithdrawal: %v", err)
	}
	balance, _ := s.GetBalance(ctx, "ban_a")
	if balance.Cmp(big.NewInt(700)) != 0 {
		t.Fatalf("balance = %s, want 700", balance)
	}
	ok, err := s.ContainsWithdrawalRequest(ctx, "ban_a", 2000)
	if err != nil || !ok {
		t.Fatalf("ContainsWithdrawalRequest(2000) = %v, %v, want true", ok, err)
	}
	if ok, _ := s.ContainsWithdrawalRequest(ctx, "ban_a", 2001); ok {
		t.Fatal("ContainsWithdrawalRequest matched a foreign timestamp")
	}
}

// Tests that a debit below zero is refused and leaves no state behind.
func TestStoreWithdrawalInsufficient(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.StoreDeposit(ctx, "ban_a", big.NewInt(100), 1000, "h1"); err != nil {
		t.Fatalf("StoreDeposit: %v", err)
	}
	err := s.StoreWithdrawal(ctx, "ban_a", big.NewInt(200), 2000, "h2")
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("StoreWithdrawal: got %v, want ErrInsufficientBalance", err)
	}
	balance, _ := s.GetBalance(ctx, "ban_a")
	if balance.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("balance = %s, want 100 untouched", balance)
	}
	if ok, _ := s.ContainsWithdrawalRequest(ctx, "ban_a", 2000); ok {
		t.Fatal("failed withdrawal left a sequence entry")
	}
}

// Tests that a swap to wBAN debits the ledger and records the receipt.
func TestStoreSwapToWBAN(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.StoreDeposit(ctx, "ban_a", big.NewInt(1000), 1000, "h1"); err != nil {
		t.Fatalf("StoreDeposit: %v", err)
	}
	if err := s.StoreSwapToWBAN(ctx, "ban_a", "0xABCD", big.NewInt(400), 2000, "r1", "u1"); err != nil {
		t.Fatalf("StoreSwapToWBAN: %v", err)
	}
	balance, _ := s.GetBalance(ctx, "ban_a")
	if balance.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("balance = %s, want 600", balance)
	}
	swaps, err := s.GetSwaps(ctx, "0xabcd", "ban_a")
	if err != nil {
		t.Fatalf("GetSwaps: %v", err)
	}
	if len(swaps) != 1 || swaps[0].Receipt != "r1" || swaps[0].UUID != "u1" {
		t.Fatalf("GetSwaps = %+v, want single receipt r1", swaps)
	}
}

// Tests that delivering the same redemption event twice credits the amount
// exactly once.
func TestStoreSwapToBANIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	amount, _ := params.ParseBAN("1.5")
	swap := SwapToBAN{
		BlockchainAddress: "0xbc",
		NativeAddress:     "ban_a",
		Amount:            amount,
		Hash:              "h4",
		TimestampMs:       10_000,
	}
	for i := 0; i < 2; i++ {
		if err := s.StoreSwapToBAN(ctx, swap); err != nil {
			t.Fatalf("StoreSwapToBAN #%d: %v", i+1, err)
		}
	}
	balance, _ := s.GetBalance(ctx, "ban_a")
	if balance.Cmp(amount) != 0 {
		t.Fatalf("balance = %s, want %s after duplicate delivery", balance, amount)
	}
	swaps, err := s.GetSwaps(ctx, "0xbc", "ban_a")
	if err != nil {
		t.Fatalf("GetSwaps: %v", err)
	}
	if len(swaps) != 1 || swaps[0].Hash != "h4" {
		t.Fatalf("GetSwaps = %+v, want single entry h4", swaps)
	}
}

// Tests that history reads return at most the cap, newest first.
func TestHistoryOrderingAndCap(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 1200; i++ {
		hash := fmt.Sprintf("h%04d", i)
		if err := s.StoreDeposit(ctx, "ban_a", big.NewInt(1), int64(1000+i), hash); err != nil {
			t.Fatalf("StoreDeposit %d: %v", i, err)
		}
	}
	deposits, err := s.GetDeposits(ctx, "ban_a")
	if err != nil {
		t.Fatalf("GetDeposits: %v", err)
	}
	if len(deposits) != params.HistoryLimit {
		t.Fatalf("len(deposits) = %d, want %d", len(deposits), params.HistoryLimit)
	}
	if deposits[0].Hash != "h1199" {
		t.Fatalf("first entry = %s, want newest h1199", deposits[0].Hash)
	}
	for i := 1; i < len(deposits); i++ {
		if deposits[i].TimestampMs > deposits[i-1].TimestampMs {
			t.Fatalf("entries out of order at %d: %d after %d", i, deposits[i].TimestampMs, deposits[i-1].TimestampMs)
		}
	}
}

// Tests that swap history merges both directions in timestamp order.
func TestGetSwapsMergesDirections(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.StoreDeposit(ctx, "ban_a", big.NewInt(1000), 1000, "h1"); err != nil {
		t.Fatalf("StoreDeposit: %v", err)
	}
	if err := s.StoreSwapToWBAN(ctx, "ban_a", "0xbc", big.NewInt(100), 2000, "r1", "u1"); err != nil {
		t.Fatalf("StoreSwapToWBAN: %v", err)
	}
	swap := SwapToBAN{BlockchainAddress: "0xbc", NativeAddress: "ban_a", Amount: big.NewInt(50), Hash: "h5", TimestampMs: 3000}
	if err := s.StoreSwapToBAN(ctx, swap); err != nil {
		t.Fatalf("StoreSwapToBAN: %v", err)
	}

	swaps, err := s.GetSwaps(ctx, "0xbc", "ban_a")
	if err != nil {
		t.Fatalf("GetSwaps: %v", err)
	}
	if len(swaps) != 2 {
		t.Fatalf("len(swaps) = %d, want 2", len(swaps))
	}
	if swaps[0].Type != EntrySwapToBAN || swaps[1].Type != EntrySwapToWBAN {
		t.Fatalf("swaps ordered %s, %s; want swap-to-ban then swap-to-wban", swaps[0].Type, swaps[1].Type)
	}
}

// Tests that the checkpoint only moves forward.
func TestCheckpointMonotone(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetLastProcessedBlock(ctx); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("fresh store: got %v, want ErrNoCheckpoint", err)
	}
	if err := s.SetLastProcessedBlock(ctx, 100); err != nil {
		t.Fatalf("SetLastProcessedBlock(100): %v", err)
	}
	if err := s.SetLastProcessedBlock(ctx, 90); err != nil {
		t.Fatalf("SetLastProcessedBlock(90): %v", err)
	}
	n, err := s.GetLastProcessedBlock(ctx)
	if err != nil {
		t.Fatalf("GetLastProcessedBlock: %v", err)
	}
	if n != 100 {
		t.Fatalf("checkpoint = %d, want 100", n)
	}
	if err := s.SetLastProcessedBlock(ctx, 110); err != nil {
		t.Fatalf("SetLastProcessedBlock(110): %v", err)
	}
	if n, _ := s.GetLastProcessedBlock(ctx); n != 110 {
		t.Fatalf("checkpoint = %d, want 110", n)
	}
}

// Tests the one-time gasless swap mark.
func TestFreeSwapMark(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, used, _ := s.FreeSwapTxn(ctx, "ban_a"); used {
		t.Fatal("fresh account reported a consumed gasless swap")
	}
	ok, err := s.MarkFreeSwap(ctx, "ban_a", "txn1")
	if err != nil || !ok {
		t.Fatalf("MarkFreeSwap = %v, %v, want true", ok, err)
	}
	if ok, _ := s.MarkFreeSwap(ctx, "ban_a", "txn2"); ok {
		t.Fatal("second MarkFreeSwap succeeded")
	}
	txn, used, err := s.FreeSwapTxn(ctx, "ban_a")
	if err != nil || !used || txn != "txn1" {
		t.Fatalf("FreeSwapTxn = %q, %v, %v, want txn1", txn, used, err)
	}
}

// Tests that TotalBalance sums across accounts.
func TestTotalBalance(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.StoreDeposit(ctx, "ban_a", big.NewInt(300), 1000, "h1"); err != nil {
		t.Fatalf("StoreDeposit: %v", err)
	}
	if err := s.StoreDeposit(ctx, "ban_b", big.NewInt(200), 1001, "h2"); err != nil {
		t.Fatalf("StoreDeposit: %v", err)
	}
	total, err := s.TotalBalance(ctx)
	if err != nil {
		t.Fatalf("TotalBalance: %v", err)
	}
	if total.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("total = %s, want 500", total)
	}
}
