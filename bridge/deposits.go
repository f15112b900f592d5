package bridge

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/metrics"

	"github.com/wbanano/wban-bridge/banano"
	"github.com/wbanano/wban-bridge/ledger"
)

var (
	ingestMeter    = metrics.NewRegisteredMeter("bridge/deposits/ingested", nil)
	duplicateMeter = metrics.NewRegisteredMeter("bridge/deposits/duplicates", nil)
)

// ingestDeposits consumes the watcher feed. Every confirmed send into the
// hot wallet credits the depositor's ledger balance, binds a pending claim
// on the account's first deposit and, because the hot wallet just gained
// funds, promotes withdrawals parked on it.
func (b *Backend) ingestDeposits() {
	defer close(b.done)

	ch := make(chan banano.Deposit, 64)
	sub := b.watcher.SubscribeDeposits(ch)
	defer sub.Unsubscribe()

	for {
		select {
		case dep := <-ch:
			b.handleDeposit(context.Background(), dep)
		case err := <-sub.Err():
			if err != nil {
				b.log.Error("Deposit subscription failed", "err", err)
			}
			return
		case <-b.quit:
			return
		}
	}
}

func (b *Backend) handleDeposit(ctx context.Context, dep banano.Deposit) {
	account := ledger.NormalizeNative(dep.Account)

	// The node replays confirmations on resubscribe; the hash check keeps
	// the credit single-shot.
	stored, err := b.store.ContainsDeposit(ctx, account, dep.Hash)
	if err != nil {
		b.log.Error("Deposit not checkable, dropping", "account", account, "hash", dep.Hash, "err", err)
		return
	}
	if stored {
		duplicateMeter.Mark(1)
		b.log.Debug("Deposit already credited", "account", account, "hash", dep.Hash)
		return
	}
	if err := b.store.StoreDeposit(ctx, account, dep.Amount, dep.TimestampMs, dep.Hash); err != nil {
		b.log.Error("Deposit not credited", "account", account, "hash", dep.Hash, "err", err)
		return
	}
	ingestMeter.Mark(1)

	// First deposit binds a pending claim, if one exists.
	if bc, err := b.claims.Confirm(ctx, account); err == nil {
		b.log.Info("Claim bound by deposit", "account", account, "wallet", bc)
	} else if !errors.Is(err, ledger.ErrNoPendingClaim) {
		b.log.Error("Claim not confirmed", "account", account, "err", err)
	}

	if _, err := b.queue.PromotePendingWithdrawals(ctx); err != nil {
		b.log.Warn("Pending withdrawals not promoted", "err", err)
	}
}
