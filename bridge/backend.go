package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	redis "github.com/redis/go-redis/v9"

	"github.com/wbanano/wban-bridge/banano"
	"github.com/wbanano/wban-bridge/claims"
	"github.com/wbanano/wban-bridge/dlock"
	"github.com/wbanano/wban-bridge/evm"
	"github.com/wbanano/wban-bridge/ledger"
	"github.com/wbanano/wban-bridge/params"
	"github.com/wbanano/wban-bridge/processor"
	"github.com/wbanano/wban-bridge/queue"
	"github.com/wbanano/wban-bridge/scanner"
)

// Backend owns every bridge component and their lifecycles.
type Backend struct {
	cfg *Config

	db      redis.UniversalClient
	locks   *dlock.Manager
	store   *ledger.Store
	queue   *queue.Queue
	claims  *claims.Manager
	scanner *scanner.Scanner
	wallet  *banano.Client
	watcher *banano.DepositWatcher
	chain   *evm.Client

	log log.Logger

	startStop sync.Mutex
	running   bool
	quit      chan struct{}
	done      chan struct{}
}

// New wires a backend from the config. Nothing runs until Start.
func New(ctx context.Context, cfg *Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := db.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("bridge: redis at %s: %w", cfg.Redis.Addr, err)
	}

	chain, err := evm.Dial(ctx, cfg.EVM)
	if err != nil {
		return nil, err
	}

	b := &Backend{
		cfg:     cfg,
		db:      db,
		locks:   dlock.NewManager(db, cfg.Lock),
		wallet:  banano.NewClient(cfg.Banano),
		watcher: banano.NewDepositWatcher(cfg.Banano),
		chain:   chain,
		log:     log.New("module", "bridge"),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	b.store = ledger.NewStore(db, b.locks)
	b.queue = queue.New(db, cfg.Queue)
	b.claims = claims.NewManager(b.store, b.locks, evm.Verifier{}, newStaticBlacklist(cfg.Blacklist))

	b.queue.Register(processor.NewWithdrawalHandler(b.store, b.wallet, evm.Verifier{}, b.queue))
	b.queue.Register(processor.NewSwapToWBANHandler(b.store, chain, b.wallet, evm.Verifier{}, b.queue))
	b.queue.Register(processor.NewSwapToBANHandler(b.store))

	scfg := cfg.Scanner
	scfg.Contract = common.HexToAddress(cfg.EVM.Contract)
	if b.scanner, err = scanner.New(chain, b.store, b.queue, scfg); err != nil {
		return nil, err
	}
	return b, nil
}

// Start launches the queue workers, the chain scanner, the deposit watcher
// and the deposit ingestor.
func (b *Backend) Start() {
	b.startStop.Lock()
	defer b.startStop.Unlock()
	if b.running {
		return
	}
	b.running = true

	b.queue.Start()
	b.scanner.Start()
	b.watcher.Start()
	go b.ingestDeposits()
	b.log.Info("Bridge started", "hotwallet", b.cfg.Banano.HotWallet, "contract", b.cfg.EVM.Contract)
}

// Stop shuts everything down in dependency order: no new chain events, no
// new deposits, then drain the workers.
func (b *Backend) Stop() {
	b.startStop.Lock()
	defer b.startStop.Unlock()
	if !b.running {
		return
	}
	b.running = false

	b.scanner.Stop()
	b.watcher.Stop()
	close(b.quit)
	<-b.done
	b.queue.Stop()
	b.chain.Close()
	b.db.Close()
	b.log.Info("Bridge stopped")
}

// Store exposes the ledger for the operator API.
func (b *Backend) Store() *ledger.Store { return b.store }

// Queue exposes the work queue for the operator API.
func (b *Backend) Queue() *queue.Queue { return b.queue }

// --- submission facade ---

// WithdrawRequest is a user withdrawal as submitted by the edge.
type WithdrawRequest struct {
	Amount            string
	NativeAddress     string
	BlockchainAddress string
	Signature         string
	TimestampMs       int64
}

// Withdraw enqueues a native withdrawal and waits for its disposition.
// An empty hash with a nil error means the withdrawal is pending on hot
// wallet funds.
func (b *Backend) Withdraw(ctx context.Context, req *WithdrawRequest) (string, error) {
	job := &queue.Job{
		Kind:    params.JobNativeWithdrawal,
		Account: ledger.NormalizeNative(req.NativeAddress),
	}
	if err := job.EncodePayload(&processor.WithdrawalRequest{
		Amount:            req.Amount,
		NativeAddress:     req.NativeAddress,
		BlockchainAddress: req.BlockchainAddress,
		Signature:         req.Signature,
		TimestampMs:       req.TimestampMs,
	}); err != nil {
		return "", err
	}
	res, err := b.submit(ctx, job)
	if err != nil {
		return "", err
	}
	if res.Status == queue.StatusPending {
		return "", nil
	}
	var out processor.WithdrawalOutcome
	if err := res.DecodeData(&out); err != nil {
		return "", err
	}
	return out.Hash, nil
}

// SwapToWBAN enqueues a BAN to wBAN swap and returns the signed mint
// receipt.
func (b *Backend) SwapToWBAN(ctx context.Context, req *WithdrawRequest) (*processor.SwapToWBANOutcome, error) {
	job := &queue.Job{
		Kind:    params.JobSwapToWBAN,
		Account: ledger.NormalizeNative(req.NativeAddress),
	}
	if err := job.EncodePayload(&processor.SwapToWBANRequest{
		Amount:            req.Amount,
		NativeAddress:     req.NativeAddress,
		BlockchainAddress: req.BlockchainAddress,
		Signature:         req.Signature,
		TimestampMs:       req.TimestampMs,
	}); err != nil {
		return nil, err
	}
	res, err := b.submit(ctx, job)
	if err != nil {
		return nil, err
	}
	var out processor.SwapToWBANOutcome
	if err := res.DecodeData(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// submit enqueues the job and waits for a terminal result, converting a
// failed disposition back into an error for the edge.
func (b *Backend) submit(ctx context.Context, job *queue.Job) (*queue.Result, error) {
	id, err := b.queue.Enqueue(ctx, job)
	if err != nil {
		return nil, err
	}
	res, err := b.queue.Wait(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.Status == queue.StatusFailed {
		return nil, fmt.Errorf("bridge: %s", res.Error)
	}
	return res, nil
}

// ClaimWallet runs the claim state machine for the pair.
func (b *Backend) ClaimWallet(ctx context.Context, nativeAddr, bcAddr, signature string) (claims.Result, error) {
	return b.claims.Claim(ctx, nativeAddr, bcAddr, signature)
}

// GaslessEligible reports whether the account still holds its one-time
// operator-sponsored swap.
func (b *Backend) GaslessEligible(ctx context.Context, nativeAddr string) (bool, error) {
	_, consumed, err := b.store.FreeSwapTxn(ctx, nativeAddr)
	return !consumed, err
}

// MarkGasless consumes the account's gasless allowance with the sponsoring
// transaction id.
func (b *Backend) MarkGasless(ctx context.Context, nativeAddr, txn string) error {
	ok, err := b.store.MarkFreeSwap(ctx, nativeAddr, txn)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("bridge: gasless swap already consumed by %s", nativeAddr)
	}
	return nil
}

// staticBlacklist serves the config-declared wallet blacklist.
type staticBlacklist struct {
	aliases map[string]string
}

func newStaticBlacklist(entries []BlacklistedWallet) *staticBlacklist {
	aliases := make(map[string]string, len(entries))
	for _, e := range entries {
		aliases[ledger.NormalizeNative(e.Address)] = e.Alias
	}
	return &staticBlacklist{aliases: aliases}
}

// IsBlacklisted implements claims.Blacklist.
func (b *staticBlacklist) IsBlacklisted(_ context.Context, nativeAddr string) (string, bool, error) {
	alias, found := b.aliases[strings.ToLower(strings.TrimSpace(nativeAddr))]
	return alias, found, nil
}
