package processor

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/wbanano/wban-bridge/dlock"
	"github.com/wbanano/wban-bridge/ledger"
	"github.com/wbanano/wban-bridge/params"
	"github.com/wbanano/wban-bridge/queue"
)

// fakeWallet is a scriptable hot wallet.
type fakeWallet struct {
	mu       sync.Mutex
	hot      *big.Int
	sends    int
	sendErr  error
	sendHook func() // runs after a send succeeds, before it returns
}

func (w *fakeWallet) HotWalletBalance(context.Context) (*big.Int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return new(big.Int).Set(w.hot), nil
}

func (w *fakeWallet) Send(_ context.Context, to string, amount *big.Int) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sendErr != nil {
		return "", w.sendErr
	}
	w.sends++
	hash := fmt.Sprintf("send-%d", w.sends)
	if w.sendHook != nil {
		w.sendHook()
	}
	return hash, nil
}

func (w *fakeWallet) sendCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sends
}

func (w *fakeWallet) setHot(amount *big.Int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.hot = amount
}

// fakeVerifier recovers a fixed signer for any non-empty signature.
type fakeVerifier struct {
	signer string
	err    error
}

func (v *fakeVerifier) RecoverSigner(message, signature string) (string, error) {
	if v.err != nil {
		return "", v.err
	}
	return v.signer, nil
}

// fakeIssuer hands out sequential mint receipts.
type fakeIssuer struct {
	mu      sync.Mutex
	issued  int
	balance *big.Int
	err     error
}

func (i *fakeIssuer) CreateMintReceipt(_ context.Context, bcAddr string, amount *big.Int) (string, string, *big.Int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.err != nil {
		return "", "", nil, i.err
	}
	i.issued++
	balance := i.balance
	if balance == nil {
		balance = new(big.Int)
	}
	return fmt.Sprintf("receipt-%d", i.issued), fmt.Sprintf("uuid-%d", i.issued), balance, nil
}

// rig assembles a ledger, queue and fakes over one in-process store.
type rig struct {
	srv      *miniredis.Miniredis
	store    *ledger.Store
	queue    *queue.Queue
	wallet   *fakeWallet
	verifier *fakeVerifier
	issuer   *fakeIssuer
}

var rigQueueConfig = queue.Config{
	Workers:      4,
	Visibility:   5 * time.Second,
	PollInterval: 10 * time.Millisecond,
	ReapInterval: time.Second,
	MaxAttempts:  2,
	RetryBackoff: 10 * time.Millisecond,
	DrainLimit:   32,
	ResultTTL:    time.Minute,
}

func newRig(t *testing.T) *rig {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	locks := dlock.NewManager(client, dlock.Config{Tries: 3, RetryDelay: 5 * time.Millisecond, DriftFactor: 0.01})
	return &rig{
		srv:      srv,
		store:    ledger.NewStore(client, locks),
		queue:    queue.New(client, rigQueueConfig),
		wallet:   &fakeWallet{hot: new(big.Int)},
		verifier: &fakeVerifier{signer: "0xbc"},
		issuer:   &fakeIssuer{},
	}
}

// link confirms a claim between the pair so ownership checks pass.
func (r *rig) link(t *testing.T, native, bc string) {
	t.Helper()
	ctx := context.Background()
	if _, err := r.store.StorePendingClaim(ctx, native, bc); err != nil {
		t.Fatalf("StorePendingClaim: %v", err)
	}
	if _, err := r.store.ConfirmClaim(ctx, native); err != nil {
		t.Fatalf("ConfirmClaim: %v", err)
	}
}

// credit seeds the account with a deposit of the given human amount.
func (r *rig) credit(t *testing.T, native, amount string, tsMs int64, hash string) {
	t.Helper()
	n := ban(t, amount)
	if err := r.store.StoreDeposit(context.Background(), native, n, tsMs, hash); err != nil {
		t.Fatalf("StoreDeposit: %v", err)
	}
}

func (r *rig) balance(t *testing.T, native string) *big.Int {
	t.Helper()
	balance, err := r.store.GetBalance(context.Background(), native)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	return balance
}

func ban(t *testing.T, human string) *big.Int {
	t.Helper()
	n, err := params.ParseBAN(human)
	if err != nil {
		t.Fatalf("ParseBAN(%q): %v", human, err)
	}
	return n
}

func mkJob(t *testing.T, kind, account string, attempt int, payload interface{}) *queue.Job {
	t.Helper()
	job := &queue.Job{ID: fmt.Sprintf("job-%s-%d", kind, time.Now().UnixNano()), Kind: kind, Account: account, Attempt: attempt}
	if err := job.EncodePayload(payload); err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}
	return job
}
