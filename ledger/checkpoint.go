package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	redis "github.com/redis/go-redis/v9"
)

// ErrNoCheckpoint is returned before the scanner has ever committed a
// processed block. Callers fall back to their configured start height.
var ErrNoCheckpoint = errors.New("ledger: no checkpoint")

// GetLastProcessedBlock returns the highest fully processed chain height.
func (s *Store) GetLastProcessedBlock(ctx context.Context) (uint64, error) {
	val, err := s.db.Get(ctx, checkpointKey).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrNoCheckpoint
	}
	if err != nil {
		return 0, fmt.Errorf("ledger: read checkpoint: %w", err)
	}
	n, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("ledger: corrupt checkpoint %q: %w", val, err)
	}
	return n, nil
}

// SetLastProcessedBlock advances the checkpoint. Heights at or below the
// stored value are ignored, so replays can never move the scanner backwards.
func (s *Store) SetLastProcessedBlock(ctx context.Context, n uint64) error {
	current, err := s.GetLastProcessedBlock(ctx)
	if err != nil && !errors.Is(err, ErrNoCheckpoint) {
		return err
	}
	if err == nil && n <= current {
		return nil
	}
	if err := s.db.Set(ctx, checkpointKey, strconv.FormatUint(n, 10), 0).Err(); err != nil {
		return fmt.Errorf("ledger: write checkpoint %d: %w", n, err)
	}
	return nil
}
