package processor

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/log"

	"github.com/wbanano/wban-bridge/ledger"
	"github.com/wbanano/wban-bridge/params"
	"github.com/wbanano/wban-bridge/queue"
)

// SwapToBANHandler credits wBAN redemptions observed on the EVM chain. The
// scanner may deliver the same event many times across restarts; the ledger
// re-checks the transaction hash under the account lock, so replays are
// no-ops.
type SwapToBANHandler struct {
	store *ledger.Store
	log   log.Logger
}

// NewSwapToBANHandler wires the wBAN to BAN state machine.
func NewSwapToBANHandler(store *ledger.Store) *SwapToBANHandler {
	return &SwapToBANHandler{
		store: store,
		log:   log.New("module", "processor", "op", "swap-to-ban"),
	}
}

// CanHandle implements queue.Handler.
func (h *SwapToBANHandler) CanHandle(kind string) bool {
	return kind == params.JobSwapToBAN
}

// Handle implements queue.Handler.
func (h *SwapToBANHandler) Handle(ctx context.Context, job *queue.Job) (interface{}, error) {
	var req SwapToBANRequest
	if err := job.DecodePayload(&req); err != nil {
		return nil, queue.Reject(err)
	}
	if req.NativeAddress == "" {
		// The contract emitted a redemption without a BAN wallet. Funds
		// were burned on chain with nowhere to credit them; an operator
		// has to resolve this from the dead letters.
		return nil, queue.Fatal(fmt.Errorf("%w: event %s", ErrMissingRecipient, req.Hash))
	}

	amount, err := params.ParseBAN(req.Amount)
	if err != nil || amount.Sign() <= 0 {
		return nil, queue.Fatal(fmt.Errorf("%w: event %s carries %q", ErrInvalidAmount, req.Hash, req.Amount))
	}

	swap := ledger.SwapToBAN{
		BlockchainAddress: req.BlockchainAddress,
		NativeAddress:     req.NativeAddress,
		Amount:            amount,
		Hash:              req.Hash,
		TimestampMs:       req.Timestamp * 1000,
	}
	if err := h.store.StoreSwapToBAN(ctx, swap); err != nil {
		return nil, err
	}
	return &SwapToBANOutcome{Hash: req.Hash, Amount: amount.String()}, nil
}
