// Package processor implements the job handlers behind the three user
// operations of the bridge: native withdrawals, swaps from BAN to wBAN and
// chain-originated swaps from wBAN back to BAN.
//
// Handlers are idempotent. Each one re-checks its operation's identity in
// the ledger before acting, so the queue may replay a job after a crash
// without double-applying side effects.
package processor

import (
	"context"
	"errors"
	"math/big"
)

// Error kinds surfaced by the handlers. Lock timeouts and chain failures
// are deliberately not wrapped: the queue retries them.
var (
	ErrInvalidSignature      = errors.New("processor: invalid signature")
	ErrNotClaimed            = errors.New("processor: wallets are not linked")
	ErrInvalidAmount         = errors.New("processor: invalid amount")
	ErrDuplicateRequest      = errors.New("processor: duplicate withdrawal request")
	ErrInsufficientHotWallet = errors.New("processor: hot wallet cannot cover the amount")
	ErrMissingRecipient      = errors.New("processor: redemption event carries no native wallet")
)

// WalletClient pays withdrawals from the operator hot wallet.
type WalletClient interface {
	// HotWalletBalance returns the spendable hot wallet balance in base
	// units.
	HotWalletBalance(ctx context.Context) (*big.Int, error)
	// Send transfers amount base units from the hot wallet and returns
	// the transaction hash.
	Send(ctx context.Context, to string, amount *big.Int) (string, error)
}

// ReceiptIssuer creates signed mint authorizations on the EVM side.
type ReceiptIssuer interface {
	CreateMintReceipt(ctx context.Context, bcAddr string, amount *big.Int) (receipt, uuid string, wbanBalance *big.Int, err error)
}

// SignatureVerifier recovers the signer of a canonical message.
type SignatureVerifier interface {
	RecoverSigner(message, signature string) (string, error)
}

// PendingTracker is the queue-side bookkeeping for withdrawals waiting on
// hot wallet funds.
type PendingTracker interface {
	AddPendingWithdrawal(ctx context.Context, account string, timestampMs int64, amount *big.Int) error
	ClearPendingWithdrawal(ctx context.Context, account string, timestampMs int64) error
	PendingWithdrawalsTotal(ctx context.Context) (*big.Int, error)
}

// WithdrawalRequest is the payload of a native-withdrawal job. Amount is
// the human-readable decimal the user signed. Attempt counts how often the
// request was parked on an underfunded hot wallet; it travels in the
// payload because the queue's own delivery counter also moves on unrelated
// transient failures.
type WithdrawalRequest struct {
	Amount            string `json:"amount"`
	NativeAddress     string `json:"ban_address"`
	BlockchainAddress string `json:"bc_address"`
	Signature         string `json:"signature"`
	TimestampMs       int64  `json:"timestamp"`
	Attempt           int    `json:"attempt,omitempty"`
}

// WithdrawalOutcome reports the send. Hash is empty when a retried
// withdrawal still could not be paid.
type WithdrawalOutcome struct {
	Hash string `json:"hash"`
}

// SwapToWBANRequest is the payload of a swap-to-wban job.
type SwapToWBANRequest struct {
	Amount            string `json:"amount"`
	NativeAddress     string `json:"ban_address"`
	BlockchainAddress string `json:"bc_address"`
	Signature         string `json:"signature"`
	TimestampMs       int64  `json:"timestamp"`
}

// SwapToWBANOutcome carries the signed mint authorization back to the
// submitter.
type SwapToWBANOutcome struct {
	Receipt     string `json:"receipt"`
	UUID        string `json:"uuid"`
	WBANBalance string `json:"wban_balance"`
}

// SwapToBANRequest is the payload of a swap-to-ban job, built by the chain
// scanner from one redemption event. Timestamp is the event time in
// seconds.
type SwapToBANRequest struct {
	BlockchainAddress string `json:"bc_address"`
	NativeAddress     string `json:"ban_address"`
	Amount            string `json:"amount"`
	Hash              string `json:"hash"`
	Timestamp         int64  `json:"timestamp"`
	WBANBalance       string `json:"wban_balance"`
}

// SwapToBANOutcome reports the credited redemption.
type SwapToBANOutcome struct {
	Hash   string `json:"hash"`
	Amount string `json:"amount"`
}
