package ledger

import (
	"math/big"
	"strings"
)

// Audit entry discriminator tags. The tag is stored alongside every record
// so history reads can hydrate entries of any kind from the audit store.
const (
	EntryDeposit    = "deposit"
	EntryWithdrawal = "withdrawal"
	EntrySwapToWBAN = "swap-to-wban"
	EntrySwapToBAN  = "swap-to-ban"
)

// SwapToBAN describes one wBAN redemption observed on the EVM chain. The
// amount is in ledger base units and the timestamp is the event time in
// milliseconds.
type SwapToBAN struct {
	BlockchainAddress string
	NativeAddress     string
	Amount            *big.Int
	Hash              string
	TimestampMs       int64
}

// HistoryEntry is one hydrated audit record, returned by the history reads
// in timestamp-descending order.
type HistoryEntry struct {
	Type              string
	NativeAddress     string
	BlockchainAddress string
	Amount            *big.Int
	TimestampMs       int64
	Hash              string
	Receipt           string
	UUID              string
}

// NormalizeNative canonicalizes a native address for key construction and
// comparison.
func NormalizeNative(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// NormalizeBlockchain canonicalizes an EVM address for key construction.
// Checksum casing is display-only; keys always use the lowercase form.
func NormalizeBlockchain(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
