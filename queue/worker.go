package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/wbanano/wban-bridge/params"
)

// Start launches the worker pool, the delayed-job scheduler and the orphan
// reaper. Handlers must be registered before Start.
func (q *Queue) Start() {
	var wg sync.WaitGroup
	for i := 0; i < q.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			q.workerLoop(id)
		}(i)
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		q.schedulerLoop()
	}()
	go func() {
		defer wg.Done()
		q.reaperLoop()
	}()
	go func() {
		wg.Wait()
		close(q.done)
	}()
	q.log.Info("Queue workers started", "workers", q.cfg.Workers, "visibility", q.cfg.Visibility)
}

// Stop shuts the workers down and waits for in-flight jobs to finish.
func (q *Queue) Stop() {
	close(q.quit)
	<-q.done
	q.log.Info("Queue workers stopped")
}

func (q *Queue) workerLoop(id int) {
	ctx := context.Background()
	for {
		select {
		case <-q.quit:
			return
		default:
		}
		account, err := q.db.LPop(ctx, accountsKey).Result()
		if errors.Is(err, redis.Nil) {
			q.idle()
			continue
		}
		if err != nil {
			q.log.Warn("Account poll failed", "worker", id, "err", err)
			q.idle()
			continue
		}
		q.drainAccount(ctx, account)
	}
}

func (q *Queue) idle() {
	select {
	case <-q.quit:
	case <-time.After(q.cfg.PollInterval):
	}
}

// drainAccount runs the account's backlog under a store-wide lease, so at
// most one worker anywhere touches the account at a time. Jobs execute in
// FIFO order and are only acknowledged after their terminal disposition is
// decided; a retryable failure keeps the failed job at the head and backs
// the whole account off, so later jobs cannot overtake it.
func (q *Queue) drainAccount(ctx context.Context, account string) {
	if !q.inflight.Add(account) {
		return
	}
	defer q.inflight.Remove(account)

	token := uuid.NewString()
	leased, err := q.db.SetNX(ctx, activeKey(account), token, q.cfg.Visibility).Result()
	if err != nil {
		q.log.Warn("Lease attempt failed", "account", account, "err", err)
		return
	}
	if !leased {
		return // the holder re-announces the account when it exits
	}
	reannounce := true
	defer func() { q.releaseLease(ctx, account, token, reannounce) }()

	for i := 0; i < q.cfg.DrainLimit; i++ {
		select {
		case <-q.quit:
			return
		default:
		}
		raw, err := q.db.LIndex(ctx, jobsKey(account), 0).Result()
		if errors.Is(err, redis.Nil) {
			return
		}
		if err != nil {
			q.log.Warn("Backlog read failed", "account", account, "err", err)
			return
		}
		if hold := q.runJob(ctx, account, []byte(raw)); hold {
			reannounce = false // the scheduler re-announces after the backoff
			return
		}
		q.db.PExpire(ctx, activeKey(account), q.cfg.Visibility)
	}
}

// releaseLease returns the lease and re-announces the account if backlog
// remains, unless the account is backing off a retry. Only the holder's
// token is deleted; the check-then-delete pair is not atomic, so a lease
// expiring in the gap can hand one job to two workers, which the
// idempotent handlers absorb.
func (q *Queue) releaseLease(ctx context.Context, account, token string, reannounce bool) {
	val, err := q.db.Get(ctx, activeKey(account)).Result()
	if err == nil && val == token {
		q.db.Del(ctx, activeKey(account))
	}
	if !reannounce {
		return
	}
	n, err := q.db.LLen(ctx, jobsKey(account)).Result()
	if err == nil && n > 0 {
		q.db.RPush(ctx, accountsKey, account)
	}
}

// runJob executes the head job and settles its disposition. It reports
// whether the account must be held back: true means the job stays at the
// head and the scheduler re-announces the account once its backoff ends.
func (q *Queue) runJob(ctx context.Context, account string, raw []byte) bool {
	job, err := decodeJob(raw)
	if err != nil {
		q.log.Error("Undecodable job, dead-lettering", "account", account, "err", err)
		q.pop(ctx, account)
		q.bury(ctx, raw)
		return false
	}
	handler := q.handlerFor(job.Kind)
	if handler == nil {
		q.log.Error("No handler for job kind", "kind", job.Kind, "id", job.ID)
		q.pop(ctx, account)
		q.bury(ctx, raw)
		q.clearWithdrawalTracking(ctx, job)
		q.storeResult(ctx, &Result{JobID: job.ID, Status: StatusFailed, Error: "unhandled job kind " + job.Kind})
		return false
	}

	hctx, cancel := context.WithTimeout(ctx, q.cfg.Visibility)
	data, herr := handler.Handle(hctx, job)
	cancel()

	switch {
	case herr == nil:
		res := &Result{JobID: job.ID, Status: StatusDone}
		if data != nil {
			if res.Data, err = json.Marshal(data); err != nil {
				q.log.Error("Job outcome not encodable", "id", job.ID, "err", err)
			}
		}
		q.pop(ctx, account)
		q.storeResult(ctx, res)
		completeMeter.Mark(1)

	case errors.Is(herr, ErrSuperseded):
		q.pop(ctx, account)
		q.storeResult(ctx, &Result{JobID: job.ID, Status: StatusPending})
		supersededMeter.Mark(1)
		q.log.Info("Job superseded", "id", job.ID, "kind", job.Kind, "account", account)

	case IsRejection(herr):
		q.pop(ctx, account)
		q.storeResult(ctx, &Result{JobID: job.ID, Status: StatusFailed, Error: herr.Error()})
		failMeter.Mark(1)
		q.log.Debug("Job rejected", "id", job.ID, "kind", job.Kind, "err", herr)

	case IsFatal(herr):
		q.pop(ctx, account)
		q.bury(ctx, raw)
		q.clearWithdrawalTracking(ctx, job)
		q.storeResult(ctx, &Result{JobID: job.ID, Status: StatusFailed, Error: herr.Error()})
		failMeter.Mark(1)
		q.log.Error("Job failed, operator attention required", "id", job.ID, "kind", job.Kind, "account", account, "err", herr)

	default:
		if job.Attempt+1 >= q.cfg.MaxAttempts {
			q.pop(ctx, account)
			q.bury(ctx, raw)
			q.clearWithdrawalTracking(ctx, job)
			q.storeResult(ctx, &Result{JobID: job.ID, Status: StatusFailed, Error: herr.Error()})
			failMeter.Mark(1)
			q.log.Error("Job exhausted its attempts", "id", job.ID, "kind", job.Kind, "attempts", job.Attempt+1, "err", herr)
			return false
		}
		// The job stays at the head so later jobs of the account cannot
		// commit ahead of it. Bump its attempt counter in place and hand
		// the account to the scheduler for the backoff.
		retry := *job
		retry.Attempt++
		updated, err := encodeJob(&retry)
		if err != nil {
			q.log.Error("Retry not encodable, dead-lettering", "id", job.ID, "err", err)
			q.pop(ctx, account)
			q.bury(ctx, raw)
			q.clearWithdrawalTracking(ctx, job)
			q.storeResult(ctx, &Result{JobID: job.ID, Status: StatusFailed, Error: herr.Error()})
			return false
		}
		if err := q.db.LSet(ctx, jobsKey(account), 0, updated).Err(); err != nil {
			q.log.Warn("Retry counter not persisted", "id", job.ID, "err", err)
		}
		backoff := q.retryBackoff(retry.Attempt)
		readyAt := float64(time.Now().Add(backoff).UnixMilli())
		if err := q.db.ZAdd(ctx, delayedAccountsKey, redis.Z{Score: readyAt, Member: account}).Err(); err != nil {
			q.log.Warn("Account backoff not scheduled, retrying immediately", "account", account, "err", err)
			return false
		}
		retryMeter.Mark(1)
		q.log.Warn("Job failed, retrying", "id", job.ID, "kind", job.Kind, "attempt", retry.Attempt, "backoff", backoff, "err", herr)
		return true
	}
	return false
}

// clearWithdrawalTracking drops the pending-withdrawal reservation of a
// withdrawal job that will never run again. Only parked successors carry a
// non-zero payload attempt; anything else has no reservation to drop.
func (q *Queue) clearWithdrawalTracking(ctx context.Context, job *Job) {
	if job.Kind != params.JobNativeWithdrawal {
		return
	}
	var req struct {
		Attempt     int   `json:"attempt"`
		TimestampMs int64 `json:"timestamp"`
	}
	if err := job.DecodePayload(&req); err != nil || req.Attempt == 0 {
		return
	}
	if err := q.ClearPendingWithdrawal(ctx, job.Account, req.TimestampMs); err != nil {
		q.log.Warn("Pending withdrawal not cleared", "account", job.Account, "err", err)
	}
}

// pop acknowledges the head job of the account's backlog.
func (q *Queue) pop(ctx context.Context, account string) {
	if err := q.db.LPop(ctx, jobsKey(account)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		q.log.Error("Job not acknowledged", "account", account, "err", err)
	}
}

func (q *Queue) bury(ctx context.Context, raw []byte) {
	if err := q.db.RPush(ctx, deadKey, raw).Err(); err != nil {
		q.log.Error("Dead letter not stored", "err", err)
	}
	deadMeter.Mark(1)
}

func (q *Queue) retryBackoff(attempt int) time.Duration {
	backoff := q.cfg.RetryBackoff << uint(attempt-1)
	if backoff > time.Minute {
		backoff = time.Minute
	}
	return backoff
}

func (q *Queue) schedulerLoop() {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-q.quit:
			return
		case <-ticker.C:
			q.promoteDue(ctx)
		}
	}
}

// promoteDue moves delayed jobs whose time has come into their account
// FIFOs and re-announces accounts whose retry backoff ended. The ZRem
// settles races between concurrent schedulers: only the remover pushes.
func (q *Queue) promoteDue(ctx context.Context) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	accounts, err := q.db.ZRangeByScore(ctx, delayedAccountsKey, &redis.ZRangeBy{Min: "-inf", Max: now, Count: 64}).Result()
	if err != nil {
		q.log.Warn("Delayed account set read failed", "err", err)
	}
	for _, account := range accounts {
		removed, err := q.db.ZRem(ctx, delayedAccountsKey, account).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := q.db.RPush(ctx, accountsKey, account).Err(); err != nil {
			q.log.Error("Account not re-announced after backoff", "account", account, "err", err)
		}
	}

	raws, err := q.db.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{Min: "-inf", Max: now, Count: 64}).Result()
	if err != nil {
		q.log.Warn("Delayed set read failed", "err", err)
		return
	}
	for _, raw := range raws {
		removed, err := q.db.ZRem(ctx, delayedKey, raw).Result()
		if err != nil || removed == 0 {
			continue
		}
		job, err := decodeJob([]byte(raw))
		if err != nil {
			q.log.Error("Undecodable delayed job, dead-lettering", "err", err)
			q.bury(ctx, []byte(raw))
			continue
		}
		if err := q.push(ctx, job); err != nil {
			q.log.Error("Delayed job not promoted", "id", job.ID, "err", err)
		}
	}
}

func (q *Queue) reaperLoop() {
	ticker := time.NewTicker(q.cfg.ReapInterval)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-q.quit:
			return
		case <-ticker.C:
			q.reapOrphans(ctx)
		}
	}
}

// reapOrphans re-announces accounts whose backlog lost its marker, which
// happens when a worker crashes mid-drain. Extra markers for healthy
// accounts are harmless: a worker popping one finds the lease taken or the
// backlog empty and moves on.
func (q *Queue) reapOrphans(ctx context.Context) {
	iter := q.db.Scan(ctx, 0, jobsPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		account := strings.TrimPrefix(key, jobsPrefix)
		n, err := q.db.LLen(ctx, key).Result()
		if err != nil || n == 0 {
			continue
		}
		held, err := q.db.Exists(ctx, activeKey(account)).Result()
		if err != nil || held > 0 {
			continue
		}
		if err := q.db.ZScore(ctx, delayedAccountsKey, account).Err(); err == nil {
			continue // backing off a retry, the scheduler owns it
		}
		if err := q.db.RPush(ctx, accountsKey, account).Err(); err != nil {
			q.log.Warn("Orphan re-announce failed", "account", account, "err", err)
			continue
		}
		q.log.Warn("Re-announced orphaned account", "account", account, "backlog", n)
	}
	if err := iter.Err(); err != nil {
		q.log.Warn("Orphan scan failed", "err", err)
	}
}
