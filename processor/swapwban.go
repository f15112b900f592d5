package processor

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/log"

	"github.com/wbanano/wban-bridge/ledger"
	"github.com/wbanano/wban-bridge/params"
	"github.com/wbanano/wban-bridge/queue"
)

// SwapToWBANHandler issues signed mint receipts against deposited BAN. The
// receipt is an off-chain authorization, not a chain transaction: one that
// is created but never recorded is unredeemable because the user never sees
// it, so every step before the ledger debit is safe to retry.
type SwapToWBANHandler struct {
	store    *ledger.Store
	issuer   ReceiptIssuer
	wallet   WalletClient
	verifier SignatureVerifier
	pending  PendingTracker
	log      log.Logger
}

// NewSwapToWBANHandler wires the BAN to wBAN state machine.
func NewSwapToWBANHandler(store *ledger.Store, issuer ReceiptIssuer, wallet WalletClient, verifier SignatureVerifier, pending PendingTracker) *SwapToWBANHandler {
	return &SwapToWBANHandler{
		store:    store,
		issuer:   issuer,
		wallet:   wallet,
		verifier: verifier,
		pending:  pending,
		log:      log.New("module", "processor", "op", "swap-to-wban"),
	}
}

// CanHandle implements queue.Handler.
func (h *SwapToWBANHandler) CanHandle(kind string) bool {
	return kind == params.JobSwapToWBAN
}

// Handle implements queue.Handler.
func (h *SwapToWBANHandler) Handle(ctx context.Context, job *queue.Job) (interface{}, error) {
	var req SwapToWBANRequest
	if err := job.DecodePayload(&req); err != nil {
		return nil, queue.Reject(err)
	}
	native := ledger.NormalizeNative(req.NativeAddress)
	bc := ledger.NormalizeBlockchain(req.BlockchainAddress)

	message := fmt.Sprintf(params.SwapToWBANMessage, req.Amount, native)
	if err := verifySigner(h.verifier, message, req.Signature, bc); err != nil {
		return nil, queue.Reject(err)
	}

	linked, err := h.store.HasClaim(ctx, native, bc)
	if err != nil {
		return nil, err
	}
	if !linked {
		return nil, queue.Reject(fmt.Errorf("%w: %s and %s", ErrNotClaimed, native, bc))
	}

	amount, err := params.ParseBAN(req.Amount)
	if err != nil || amount.Sign() < 0 {
		return nil, queue.Reject(fmt.Errorf("%w: %q", ErrInvalidAmount, req.Amount))
	}

	balance, err := h.store.GetBalance(ctx, native)
	if err != nil {
		return nil, err
	}
	if balance.Cmp(amount) < 0 {
		return nil, queue.Reject(fmt.Errorf("%w: account %s has %s, requested %s",
			ledger.ErrInsufficientBalance, native, params.FormatBAN(balance), req.Amount))
	}

	ceiling, err := h.receiptCeiling(ctx)
	if err != nil {
		return nil, err
	}
	if amount.Cmp(ceiling) > 0 {
		return nil, queue.Reject(fmt.Errorf("%w: ceiling %s, requested %s",
			ErrInsufficientHotWallet, params.FormatBAN(ceiling), req.Amount))
	}

	receipt, uuid, wbanBalance, err := h.issuer.CreateMintReceipt(ctx, bc, amount)
	if err != nil {
		return nil, err
	}
	if err := h.store.StoreSwapToWBAN(ctx, native, bc, amount, req.TimestampMs, receipt, uuid); err != nil {
		return nil, err
	}
	h.log.Info("Mint receipt issued", "account", native, "recipient", bc, "amount", req.Amount, "receipt", receipt)
	return &SwapToWBANOutcome{
		Receipt:     receipt,
		UUID:        uuid,
		WBANBalance: wbanBalance.String(),
	}, nil
}

// receiptCeiling bounds new mint receipts by the hot wallet balance minus
// the withdrawals already waiting on it, keeping parked withdrawals payable
// if every outstanding receipt is later redeemed back to BAN.
func (h *SwapToWBANHandler) receiptCeiling(ctx context.Context) (*big.Int, error) {
	hot, err := h.wallet.HotWalletBalance(ctx)
	if err != nil {
		return nil, err
	}
	parked, err := h.pending.PendingWithdrawalsTotal(ctx)
	if err != nil {
		return nil, err
	}
	ceiling := new(big.Int).Sub(hot, parked)
	if ceiling.Sign() < 0 {
		ceiling.SetInt64(0)
	}
	return ceiling, nil
}
