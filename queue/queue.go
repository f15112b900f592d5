// Package queue implements the durable per-account work queue of the
// bridge. Jobs for one native account execute strictly in submission order
// with at most one in flight, across every worker and process sharing the
// store. Failed jobs retry with backoff until their attempts are exhausted,
// then dead-letter; withdrawals waiting on hot wallet funds are parked in a
// delayed set and promoted when the wallet is topped up.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/wbanano/wban-bridge/params"
)

const (
	accountsKey           = "queue:accounts"
	jobsPrefix            = "queue:jobs:"
	activePrefix          = "queue:active:"
	delayedKey            = "queue:delayed"
	delayedAccountsKey    = "queue:delayed-accounts"
	deadKey               = "queue:dead"
	resultPrefix          = "queue:result:"
	pendingWithdrawalsKey = "queue:pending-withdrawals"
)

func jobsKey(account string) string   { return jobsPrefix + account }
func activeKey(account string) string { return activePrefix + account }
func resultKey(jobID string) string   { return resultPrefix + jobID }

var (
	enqueueMeter    = metrics.NewRegisteredMeter("bridge/queue/enqueued", nil)
	completeMeter   = metrics.NewRegisteredMeter("bridge/queue/completed", nil)
	failMeter       = metrics.NewRegisteredMeter("bridge/queue/failed", nil)
	retryMeter      = metrics.NewRegisteredMeter("bridge/queue/retries", nil)
	deadMeter       = metrics.NewRegisteredMeter("bridge/queue/dead", nil)
	supersededMeter = metrics.NewRegisteredMeter("bridge/queue/superseded", nil)
	pendingGauge    = metrics.NewRegisteredGaugeFloat64("bridge/queue/pendingwithdrawals", nil)
)

// Config tunes the queue workers. The zero value is not usable; start from
// DefaultConfig.
type Config struct {
	Workers      int           // concurrent account drains per process
	Visibility   time.Duration // lease TTL; a crashed drain is retried after this
	PollInterval time.Duration // idle worker and delayed-set poll cadence
	ReapInterval time.Duration // orphaned account re-announce cadence
	MaxAttempts  int           // attempts before a retryable failure dead-letters
	RetryBackoff time.Duration // base delay of the exponential retry backoff
	DrainLimit   int           // jobs drained per lease before re-announcing
	ResultTTL    time.Duration // how long terminal results stay readable
}

// DefaultConfig is suitable for production deployments.
var DefaultConfig = Config{
	Workers:      4,
	Visibility:   params.QueueVisibilityTimeout,
	PollInterval: time.Second,
	ReapInterval: 15 * time.Second,
	MaxAttempts:  params.QueueMaxAttempts,
	RetryBackoff: 5 * time.Second,
	DrainLimit:   32,
	ResultTTL:    10 * time.Minute,
}

// Queue is a durable FIFO of user operations, grouped by native account.
type Queue struct {
	db  redis.UniversalClient
	cfg Config
	log log.Logger

	handlers []Handler
	inflight mapset.Set // accounts drained by this process

	quit chan struct{}
	done chan struct{}
}

// New creates a queue over the given store client. Register handlers before
// calling Start.
func New(db redis.UniversalClient, cfg Config) *Queue {
	if cfg.Workers <= 0 {
		cfg = DefaultConfig
	}
	return &Queue{
		db:       db,
		cfg:      cfg,
		log:      log.New("module", "queue"),
		inflight: mapset.NewSet(),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Register adds a handler to the dispatch registry.
func (q *Queue) Register(h Handler) { q.handlers = append(q.handlers, h) }

func (q *Queue) handlerFor(kind string) Handler {
	for _, h := range q.handlers {
		if h.CanHandle(kind) {
			return h
		}
	}
	return nil
}

// Enqueue appends a job to its account's FIFO and returns the job ID the
// submitter can Wait on.
func (q *Queue) Enqueue(ctx context.Context, job *Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedMs == 0 {
		job.EnqueuedMs = time.Now().UnixMilli()
	}
	if err := q.push(ctx, job); err != nil {
		return "", err
	}
	enqueueMeter.Mark(1)
	q.log.Debug("Job enqueued", "id", job.ID, "kind", job.Kind, "account", job.Account)
	return job.ID, nil
}

// EnqueueDelayed parks a job until the delay elapses, then feeds it into
// its account's FIFO.
func (q *Queue) EnqueueDelayed(ctx context.Context, job *Job, delay time.Duration) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedMs == 0 {
		job.EnqueuedMs = time.Now().UnixMilli()
	}
	raw, err := encodeJob(job)
	if err != nil {
		return "", err
	}
	readyAt := float64(time.Now().Add(delay).UnixMilli())
	if err := q.db.ZAdd(ctx, delayedKey, redis.Z{Score: readyAt, Member: string(raw)}).Err(); err != nil {
		return "", fmt.Errorf("queue: park job %s: %w", job.ID, err)
	}
	enqueueMeter.Mark(1)
	q.log.Debug("Job parked", "id", job.ID, "kind", job.Kind, "account", job.Account, "delay", delay)
	return job.ID, nil
}

// push commits the job and announces its account in one transaction.
func (q *Queue) push(ctx context.Context, job *Job) error {
	raw, err := encodeJob(job)
	if err != nil {
		return err
	}
	_, err = q.db.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, jobsKey(job.Account), raw)
		pipe.RPush(ctx, accountsKey, job.Account)
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: push job %s: %w", job.ID, err)
	}
	return nil
}

// Wait blocks until the job reaches a terminal state or ctx expires.
func (q *Queue) Wait(ctx context.Context, jobID string) (*Result, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		raw, err := q.db.Get(ctx, resultKey(jobID)).Bytes()
		switch {
		case err == nil:
			var res Result
			if err := json.Unmarshal(raw, &res); err != nil {
				return nil, fmt.Errorf("queue: decode result %s: %w", jobID, err)
			}
			return &res, nil
		case !errors.Is(err, redis.Nil):
			return nil, fmt.Errorf("queue: read result %s: %w", jobID, err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: job %s", ErrNoResult, jobID)
		case <-ticker.C:
		}
	}
}

func (q *Queue) storeResult(ctx context.Context, res *Result) {
	raw, err := json.Marshal(res)
	if err != nil {
		q.log.Error("Result not encodable", "job", res.JobID, "err", err)
		return
	}
	if err := q.db.Set(ctx, resultKey(res.JobID), raw, q.cfg.ResultTTL).Err(); err != nil {
		q.log.Error("Result not stored", "job", res.JobID, "err", err)
	}
}

// QueuedJobs returns the backlog depth of one account.
func (q *Queue) QueuedJobs(ctx context.Context, account string) (int64, error) {
	n, err := q.db.LLen(ctx, jobsKey(account)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: backlog of %s: %w", account, err)
	}
	return n, nil
}

// DeadJobs returns the dead-lettered jobs, oldest first.
func (q *Queue) DeadJobs(ctx context.Context) ([]*Job, error) {
	raws, err := q.db.LRange(ctx, deadKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: read dead letters: %w", err)
	}
	jobs := make([]*Job, 0, len(raws))
	for _, raw := range raws {
		job, err := decodeJob([]byte(raw))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// --- pending withdrawals ---

func pendingField(account string, timestampMs int64) string {
	return account + ":" + strconv.FormatInt(timestampMs, 10)
}

// AddPendingWithdrawal tracks the amount of a withdrawal that is waiting on
// hot wallet funds, keyed by the request identity.
func (q *Queue) AddPendingWithdrawal(ctx context.Context, account string, timestampMs int64, amount *big.Int) error {
	err := q.db.HSet(ctx, pendingWithdrawalsKey, pendingField(account, timestampMs), amount.String()).Err()
	if err != nil {
		return fmt.Errorf("queue: track pending withdrawal: %w", err)
	}
	q.refreshPendingGauge(ctx)
	return nil
}

// ClearPendingWithdrawal drops the tracked amount once the withdrawal is
// settled or terminally failed.
func (q *Queue) ClearPendingWithdrawal(ctx context.Context, account string, timestampMs int64) error {
	if err := q.db.HDel(ctx, pendingWithdrawalsKey, pendingField(account, timestampMs)).Err(); err != nil {
		return fmt.Errorf("queue: clear pending withdrawal: %w", err)
	}
	q.refreshPendingGauge(ctx)
	return nil
}

// PendingWithdrawalsTotal sums every withdrawal waiting on hot wallet
// funds. The mint-receipt ceiling subtracts this from the hot wallet
// balance so parked withdrawals stay payable.
func (q *Queue) PendingWithdrawalsTotal(ctx context.Context) (*big.Int, error) {
	fields, err := q.db.HGetAll(ctx, pendingWithdrawalsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: read pending withdrawals: %w", err)
	}
	total := new(big.Int)
	for field, raw := range fields {
		n, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return nil, fmt.Errorf("queue: corrupt pending amount at %s: %q", field, raw)
		}
		total.Add(total, n)
	}
	return total, nil
}

func (q *Queue) refreshPendingGauge(ctx context.Context) {
	total, err := q.PendingWithdrawalsTotal(ctx)
	if err != nil {
		q.log.Warn("Pending withdrawals not readable", "err", err)
		return
	}
	ban, _ := new(big.Float).Quo(new(big.Float).SetInt(total), big.NewFloat(params.BAN)).Float64()
	pendingGauge.Update(ban)
}

// PromotePendingWithdrawals makes every parked withdrawal ready now,
// regardless of its remaining delay. Called when the hot wallet receives
// funds so users are not kept waiting for the retry timer.
func (q *Queue) PromotePendingWithdrawals(ctx context.Context) (int, error) {
	raws, err := q.db.ZRange(ctx, delayedKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: read delayed set: %w", err)
	}
	promoted := 0
	for _, raw := range raws {
		if !strings.Contains(raw, `"kind":"`+params.JobNativeWithdrawal+`"`) {
			continue
		}
		job, err := decodeJob([]byte(raw))
		if err != nil {
			q.log.Error("Undecodable delayed job, dead-lettering", "err", err)
			q.db.ZRem(ctx, delayedKey, raw)
			q.bury(ctx, []byte(raw))
			continue
		}
		removed, err := q.db.ZRem(ctx, delayedKey, raw).Result()
		if err != nil {
			return promoted, fmt.Errorf("queue: promote job %s: %w", job.ID, err)
		}
		if removed == 0 {
			continue // another promoter won
		}
		if err := q.push(ctx, job); err != nil {
			return promoted, err
		}
		promoted++
	}
	if promoted > 0 {
		q.log.Info("Promoted pending withdrawals", "count", promoted)
	}
	return promoted, nil
}
