package bridge

import (
	"context"
	"strings"

	"github.com/wbanano/wban-bridge/ledger"
	"github.com/wbanano/wban-bridge/params"
)

// HistoryEntry is one ledger record decorated with an explorer link for
// the edge to render.
type HistoryEntry struct {
	ledger.HistoryEntry
	Link string
}

// History is a wallet pair's full record set, each section newest first.
type History struct {
	Deposits    []HistoryEntry
	Withdrawals []HistoryEntry
	Swaps       []HistoryEntry
}

// History returns the linked wallet pair's deposits, withdrawals and swaps
// with explorer links attached.
func (b *Backend) History(ctx context.Context, bcAddr, nativeAddr string) (*History, error) {
	deposits, err := b.store.GetDeposits(ctx, nativeAddr)
	if err != nil {
		return nil, err
	}
	withdrawals, err := b.store.GetWithdrawals(ctx, nativeAddr)
	if err != nil {
		return nil, err
	}
	swaps, err := b.store.GetSwaps(ctx, bcAddr, nativeAddr)
	if err != nil {
		return nil, err
	}
	return &History{
		Deposits:    b.linkEntries(deposits),
		Withdrawals: b.linkEntries(withdrawals),
		Swaps:       b.linkEntries(swaps),
	}, nil
}

func (b *Backend) linkEntries(entries []ledger.HistoryEntry) []HistoryEntry {
	linked := make([]HistoryEntry, len(entries))
	for i, e := range entries {
		linked[i] = HistoryEntry{HistoryEntry: e, Link: b.explorerLink(e)}
	}
	return linked
}

// explorerLink builds the per-record explorer URL: native records link to
// the Banano block explorer, redemptions to the EVM explorer. Mint
// receipts are off-chain and have no link until the user redeems them.
func (b *Backend) explorerLink(e ledger.HistoryEntry) string {
	switch e.Type {
	case ledger.EntryDeposit, ledger.EntryWithdrawal:
		return params.BananoExplorerBlockURL + e.Hash
	case ledger.EntrySwapToBAN:
		return strings.TrimRight(b.cfg.EVM.ExplorerURL, "/") + "/tx/" + e.Hash
	default:
		return ""
	}
}
