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

// WithdrawalHandler pays BAN withdrawals from the hot wallet.
//
// A withdrawal that finds the hot wallet underfunded parks a successor job
// and supersedes itself; the successor runs when the retry delay elapses or
// the hot wallet is topped up, whichever comes first. A successor that is
// still unpayable resolves with an empty hash instead of failing, so the
// user's ledger balance stays untouched and the request can be resubmitted.
type WithdrawalHandler struct {
	store    *ledger.Store
	wallet   WalletClient
	verifier SignatureVerifier
	queue    *queue.Queue
	pending  PendingTracker
	log      log.Logger
}

// NewWithdrawalHandler wires the withdrawal state machine.
func NewWithdrawalHandler(store *ledger.Store, wallet WalletClient, verifier SignatureVerifier, q *queue.Queue) *WithdrawalHandler {
	return &WithdrawalHandler{
		store:    store,
		wallet:   wallet,
		verifier: verifier,
		queue:    q,
		pending:  q,
		log:      log.New("module", "processor", "op", "withdrawal"),
	}
}

// CanHandle implements queue.Handler.
func (h *WithdrawalHandler) CanHandle(kind string) bool {
	return kind == params.JobNativeWithdrawal
}

// Handle implements queue.Handler.
func (h *WithdrawalHandler) Handle(ctx context.Context, job *queue.Job) (interface{}, error) {
	var req WithdrawalRequest
	if err := job.DecodePayload(&req); err != nil {
		return nil, queue.Reject(err)
	}
	native := ledger.NormalizeNative(req.NativeAddress)
	bc := ledger.NormalizeBlockchain(req.BlockchainAddress)

	duplicate, err := h.store.ContainsWithdrawalRequest(ctx, native, req.TimestampMs)
	if err != nil {
		return nil, err
	}
	if duplicate {
		h.clearPending(ctx, &req, native)
		return nil, queue.Reject(fmt.Errorf("%w: %s at %d", ErrDuplicateRequest, native, req.TimestampMs))
	}

	message := fmt.Sprintf(params.WithdrawalMessage, req.Amount, native)
	if err := verifySigner(h.verifier, message, req.Signature, bc); err != nil {
		return nil, queue.Reject(err)
	}

	claimed, err := h.store.IsClaimed(ctx, native)
	if err != nil {
		return nil, err
	}
	linked, err := h.store.HasClaim(ctx, native, bc)
	if err != nil {
		return nil, err
	}
	if !claimed || !linked {
		return nil, queue.Reject(fmt.Errorf("%w: %s and %s", ErrNotClaimed, native, bc))
	}

	amount, err := params.ParseBAN(req.Amount)
	if err != nil || amount.Sign() <= 0 {
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

	hot, err := h.wallet.HotWalletBalance(ctx)
	if err != nil {
		return nil, err
	}
	if hot.Cmp(amount) < 0 {
		return h.park(ctx, job, &req, native, amount)
	}

	hash, err := h.wallet.Send(ctx, native, amount)
	if err != nil {
		return nil, err
	}
	if err := h.store.StoreWithdrawal(ctx, native, amount, req.TimestampMs, hash); err != nil {
		// The coins left the hot wallet but the ledger does not know.
		// Replaying would pay twice, so the job dead-letters for manual
		// reconciliation against the chain. The payment went out, so any
		// parked reservation is settled and must not keep depressing the
		// mint-receipt ceiling.
		h.clearPending(ctx, &req, native)
		h.log.Error("Withdrawal sent but not recorded", "account", native, "amount", req.Amount, "hash", hash, "err", err)
		return nil, queue.Fatal(fmt.Errorf("withdrawal %s sent as %s but not recorded: %w", native, hash, err))
	}
	h.clearPending(ctx, &req, native)
	h.log.Info("Withdrawal paid", "account", native, "amount", req.Amount, "hash", hash)
	return &WithdrawalOutcome{Hash: hash}, nil
}

// park handles the underfunded hot wallet. The first attempt schedules a
// successor and supersedes itself; a successor that is still unpayable
// resolves with an empty hash.
func (h *WithdrawalHandler) park(ctx context.Context, job *queue.Job, req *WithdrawalRequest, native string, amount *big.Int) (interface{}, error) {
	if req.Attempt >= 1 {
		h.clearPending(ctx, req, native)
		h.log.Warn("Hot wallet still underfunded, giving up", "account", native, "amount", req.Amount, "attempt", req.Attempt)
		return &WithdrawalOutcome{}, nil
	}

	next := *req
	next.Attempt++
	successor := &queue.Job{Kind: job.Kind, Account: job.Account}
	if err := successor.EncodePayload(&next); err != nil {
		return nil, err
	}
	if _, err := h.queue.EnqueueDelayed(ctx, successor, params.PendingWithdrawalRetryDelay); err != nil {
		return nil, err
	}
	if err := h.pending.AddPendingWithdrawal(ctx, native, req.TimestampMs, amount); err != nil {
		h.log.Warn("Pending withdrawal not tracked", "account", native, "err", err)
	}
	h.log.Info("Withdrawal parked, hot wallet underfunded", "account", native, "amount", req.Amount, "retry", params.PendingWithdrawalRetryDelay)
	return nil, queue.ErrSuperseded
}

// clearPending drops the pending-withdrawal tracking entry once a parked
// request reaches any terminal state. Only parked successors carry a
// non-zero payload attempt, so fresh requests have nothing to clear.
func (h *WithdrawalHandler) clearPending(ctx context.Context, req *WithdrawalRequest, native string) {
	if req.Attempt == 0 {
		return
	}
	if err := h.pending.ClearPendingWithdrawal(ctx, native, req.TimestampMs); err != nil {
		h.log.Warn("Pending withdrawal not cleared", "account", native, "err", err)
	}
}

// verifySigner recovers the signer of message and requires it to be the
// expected blockchain address.
func verifySigner(v SignatureVerifier, message, signature, expected string) error {
	if signature == "" {
		return fmt.Errorf("%w: no signature supplied", ErrInvalidSignature)
	}
	signer, err := v.RecoverSigner(message, signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if ledger.NormalizeBlockchain(signer) != expected {
		return fmt.Errorf("%w: signed by %s, expected %s", ErrInvalidSignature, signer, expected)
	}
	return nil
}
