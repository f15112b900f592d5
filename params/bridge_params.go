package params

import "time"

// Canonical user-signed message templates. The literal text is part of the
// bridge protocol: the edge, the mobile wallets and this service must all
// produce byte-identical messages or signature recovery fails.
const (
	// WithdrawalMessage is the template signed to authorize a BAN withdrawal.
	WithdrawalMessage = `Withdraw %s BAN to my wallet "%s"`

	// SwapToWBANMessage is the template signed to authorize a BAN → wBAN swap.
	SwapToWBANMessage = `Swap %s BAN for wBAN with BAN I deposited from my wallet "%s"`

	// ClaimMessage is the template signed to bind a BAN address to a
	// blockchain address.
	ClaimMessage = `I hereby claim that the BAN address "%s" is mine`
)

// Distributed lock parameters. The advisory-lock protocol over the key-value
// store uses bounded retries with jitter; see dlock.
const (
	// LockTries is the maximum number of acquisition attempts.
	LockTries = 10

	// LockRetryDelay is the base delay between acquisition attempts.
	LockRetryDelay = 200 * time.Millisecond

	// LockRetryJitter is the maximum random delay added on top of
	// LockRetryDelay for each attempt.
	LockRetryJitter = 200 * time.Millisecond

	// LockDriftFactor scales the lock TTL to account for clock drift
	// between key-value store replicas.
	LockDriftFactor = 0.01
)

// Lock TTLs per code path. Deposits tolerate a long hold because the node
// websocket delivers them with no user waiting on the response; interactive
// paths stay short.
const (
	BalanceReadLockTTL = 1 * time.Second
	DepositLockTTL     = 30 * time.Second
	WithdrawalLockTTL  = 1 * time.Second
	SwapLockTTL        = 1 * time.Second
)

// PendingClaimTTL is the lifetime of an unconfirmed claim. A deposit into
// the claimed BAN wallet must arrive within this window to bind the claim.
const PendingClaimTTL = 5 * time.Minute

// HistoryLimit caps the number of entries returned by the ledger history
// listings (most recent first).
const HistoryLimit = 1000

// Queue job kinds. The string values are persisted inside job envelopes and
// must remain stable across releases.
const (
	JobNativeWithdrawal = "native-withdrawal"
	JobSwapToWBAN       = "swap-to-wban"
	JobSwapToBAN        = "swap-to-ban"
)

// Queue scheduling parameters.
const (
	// QueueVisibilityTimeout bounds how long a dequeued job may stay
	// in flight before its account lease expires and the job becomes
	// eligible for re-dispatch.
	QueueVisibilityTimeout = 60 * time.Second

	// QueueMaxAttempts is the dispatch limit for retryable failures
	// before a job is dead-lettered.
	QueueMaxAttempts = 5

	// PendingWithdrawalRetryDelay is the re-enqueue delay for a
	// withdrawal waiting on hot-wallet funds. A hot-wallet deposit
	// promotes the job early.
	PendingWithdrawalRetryDelay = 5 * time.Minute
)

// BananoExplorerBlockURL is the link template for native transaction hashes
// emitted in history responses.
const BananoExplorerBlockURL = "https://creeper.banano.cc/explorer/block/"
