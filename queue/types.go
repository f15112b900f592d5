package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Job is the durable envelope of one user operation. Payload carries the
// kind-specific request and is opaque to the queue.
type Job struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Account    string          `json:"account"`
	Attempt    int             `json:"attempt"`
	EnqueuedMs int64           `json:"enqueued_ms"`
	Payload    json.RawMessage `json:"payload"`
}

// DecodePayload unmarshals the kind-specific payload into v.
func (j *Job) DecodePayload(v interface{}) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("queue: decode %s payload: %w", j.Kind, err)
	}
	return nil
}

// EncodePayload marshals v into the job payload.
func (j *Job) EncodePayload(v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("queue: encode %s payload: %w", j.Kind, err)
	}
	j.Payload = raw
	return nil
}

func encodeJob(j *Job) ([]byte, error) {
	raw, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("queue: encode job %s: %w", j.ID, err)
	}
	return raw, nil
}

func decodeJob(raw []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, fmt.Errorf("queue: decode job: %w", err)
	}
	return &j, nil
}

// Status is the terminal disposition of a job, visible to the submitter.
type Status string

const (
	// StatusDone means the handler completed and Result.Data carries its
	// outcome.
	StatusDone Status = "done"

	// StatusPending means the job could not complete yet and a successor
	// was scheduled; withdrawals waiting on hot wallet funds end up here.
	StatusPending Status = "pending"

	// StatusFailed means the job was rejected or exhausted its attempts.
	StatusFailed Status = "failed"
)

// Result is stored under the job ID once a job reaches a terminal state.
type Result struct {
	JobID  string          `json:"job_id"`
	Status Status          `json:"status"`
	Error  string          `json:"error,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// DecodeData unmarshals the handler outcome into v.
func (r *Result) DecodeData(v interface{}) error {
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("queue: decode result %s: %w", r.JobID, err)
	}
	return nil
}

// Handler processes the job kinds it reports through CanHandle. Handlers
// must be idempotent: a crash between the side effect and the queue
// acknowledgement re-runs the job after the lease expires.
type Handler interface {
	CanHandle(kind string) bool
	Handle(ctx context.Context, job *Job) (interface{}, error)
}

// ErrSuperseded is returned by a handler that scheduled a successor job;
// the current job terminates with StatusPending and is not retried.
var ErrSuperseded = errors.New("queue: job superseded by successor")

// ErrNoResult is returned by Wait when the context expires before the job
// reaches a terminal state.
var ErrNoResult = errors.New("queue: no result within deadline")

type rejectError struct{ err error }

func (e rejectError) Error() string { return e.err.Error() }
func (e rejectError) Unwrap() error { return e.err }

// Reject marks err as a terminal validation failure. The job is not
// retried and not dead-lettered; the submitter sees StatusFailed.
func Reject(err error) error { return rejectError{err} }

// IsRejection reports whether err carries the Reject marker.
func IsRejection(err error) bool {
	var r rejectError
	return errors.As(err, &r)
}

type fatalError struct{ err error }

func (e fatalError) Error() string { return e.err.Error() }
func (e fatalError) Unwrap() error { return e.err }

// Fatal marks err as requiring operator attention. The job dead-letters
// immediately; it is never retried because a replay could double-apply the
// side effect that already happened.
func Fatal(err error) error { return fatalError{err} }

// IsFatal reports whether err carries the Fatal marker.
func IsFatal(err error) bool {
	var f fatalError
	return errors.As(err, &f)
}
