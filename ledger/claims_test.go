package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wbanano/wban-bridge/params"
)

// Tests the pending-to-confirmed claim lifecycle.
func TestClaimLifecycle(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	created, err := s.StorePendingClaim(ctx, "ban_a", "0xBC")
	if err != nil || !created {
		t.Fatalf("StorePendingClaim = %v, %v, want created", created, err)
	}
	if ok, _ := s.HasPendingClaim(ctx, "ban_a"); !ok {
		t.Fatal("HasPendingClaim = false after create")
	}
	if ok, _ := s.HasPendingClaimFor(ctx, "ban_a", "0xbc"); !ok {
		t.Fatal("HasPendingClaimFor = false for stored pair")
	}
	if ok, _ := s.IsClaimed(ctx, "ban_a"); ok {
		t.Fatal("IsClaimed = true before confirm")
	}

	bc, err := s.ConfirmClaim(ctx, "ban_a")
	if err != nil {
		t.Fatalf("ConfirmClaim: %v", err)
	}
	if bc != "0xbc" {
		t.Fatalf("ConfirmClaim returned %q, want 0xbc", bc)
	}
	if ok, _ := s.HasPendingClaim(ctx, "ban_a"); ok {
		t.Fatal("pending claim survived confirmation")
	}
	if ok, _ := s.IsClaimed(ctx, "ban_a"); !ok {
		t.Fatal("IsClaimed = false after confirm")
	}
	if ok, _ := s.HasClaim(ctx, "ban_a", "0xbc"); !ok {
		t.Fatal("HasClaim = false after confirm")
	}
	if ok, _ := s.HasClaim(ctx, "ban_a", "0xother"); ok {
		t.Fatal("HasClaim matched a foreign wallet")
	}
}

// Tests that the conditional create admits exactly one writer per pair.
func TestStorePendingClaimConditional(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first, err := s.StorePendingClaim(ctx, "ban_a", "0xbc")
	if err != nil || !first {
		t.Fatalf("first StorePendingClaim = %v, %v", first, err)
	}
	second, err := s.StorePendingClaim(ctx, "ban_a", "0xbc")
	if err != nil {
		t.Fatalf("second StorePendingClaim: %v", err)
	}
	if second {
		t.Fatal("second conditional create reported created=true")
	}
}

// Tests that a pending claim expires and frees the account for another
// wallet.
func TestPendingClaimExpiry(t *testing.T) {
	s, srv := newTestStore(t)
	ctx := context.Background()

	if _, err := s.StorePendingClaim(ctx, "ban_a", "0xbc"); err != nil {
		t.Fatalf("StorePendingClaim: %v", err)
	}
	srv.FastForward(params.PendingClaimTTL + time.Second)

	if ok, _ := s.HasPendingClaim(ctx, "ban_a"); ok {
		t.Fatal("pending claim survived its TTL")
	}
	if _, err := s.ConfirmClaim(ctx, "ban_a"); !errors.Is(err, ErrNoPendingClaim) {
		t.Fatalf("ConfirmClaim after expiry: got %v, want ErrNoPendingClaim", err)
	}
	created, err := s.StorePendingClaim(ctx, "ban_a", "0xother")
	if err != nil || !created {
		t.Fatalf("StorePendingClaim after expiry = %v, %v, want created", created, err)
	}
}

// Tests the reverse lookup from a blockchain address to its claimed native
// accounts, including recovery from stores without the index.
func TestNativeAddressesFor(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, addr := range []string{"ban_a", "ban_b"} {
		if _, err := s.StorePendingClaim(ctx, addr, "0xbc"); err != nil {
			t.Fatalf("StorePendingClaim(%s): %v", addr, err)
		}
		if _, err := s.ConfirmClaim(ctx, addr); err != nil {
			t.Fatalf("ConfirmClaim(%s): %v", addr, err)
		}
	}
	addrs, err := s.NativeAddressesFor(ctx, "0xbc")
	if err != nil {
		t.Fatalf("NativeAddressesFor: %v", err)
	}
	if len(addrs) != 2 || addrs[0] != "ban_a" || addrs[1] != "ban_b" {
		t.Fatalf("NativeAddressesFor = %v, want [ban_a ban_b]", addrs)
	}
}

// Tests that a legacy store with forward claim keys but no index is still
// answerable, and that the lookup backfills the index.
func TestNativeAddressesForLegacyScan(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	// A claim written by an older deployment: forward key only.
	if err := s.db.Set(ctx, claimKey("ban_old", "0xbc"), "1", 0).Err(); err != nil {
		t.Fatalf("seed legacy claim: %v", err)
	}
	addrs, err := s.NativeAddressesFor(ctx, "0xbc")
	if err != nil {
		t.Fatalf("NativeAddressesFor: %v", err)
	}
	if len(addrs) != 1 || addrs[0] != "ban_old" {
		t.Fatalf("NativeAddressesFor = %v, want [ban_old]", addrs)
	}
	// Second read must come from the backfilled index.
	n, err := s.db.SCard(ctx, claimIndexKey("0xbc")).Result()
	if err != nil || n != 1 {
		t.Fatalf("index cardinality = %d, %v, want 1", n, err)
	}
}
