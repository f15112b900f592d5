package scanner

import (
	"context"
	"math/big"
	"testing"

	"github.com/alicebob/miniredis/v2"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/wbanano/wban-bridge/dlock"
	"github.com/wbanano/wban-bridge/ledger"
	"github.com/wbanano/wban-bridge/params"
	"github.com/wbanano/wban-bridge/processor"
	"github.com/wbanano/wban-bridge/queue"
)

var testContract = common.HexToAddress("0x00000000000000000000000000000000000000aa")

// fakeChain serves canned logs and headers to the scanner and records the
// ranges it was asked for.
type fakeChain struct {
	head    uint64
	logs    []types.Log
	queried [][2]uint64
}

func (c *fakeChain) BlockNumber(context.Context) (uint64, error) { return c.head, nil }

func (c *fakeChain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	c.queried = append(c.queried, [2]uint64{from, to})
	var out []types.Log
	for _, lg := range c.logs {
		if lg.BlockNumber >= from && lg.BlockNumber <= to {
			out = append(out, lg)
		}
	}
	return out, nil
}

func (c *fakeChain) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: number, Time: number.Uint64() * 10}, nil
}

func (c *fakeChain) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return common.LeftPadBytes(big.NewInt(777).Bytes(), 32), nil
}

// fakeSink captures enqueued jobs.
type fakeSink struct{ jobs []*queue.Job }

func (s *fakeSink) Enqueue(_ context.Context, job *queue.Job) (string, error) {
	s.jobs = append(s.jobs, job)
	return job.ID, nil
}

func newTestScanner(t *testing.T, chain *fakeChain, cfg Config) (*Scanner, *ledger.Store, *fakeSink) {
	t.Helper()
	srv := miniredis.RunT(t)
	db := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { db.Close() })
	store := ledger.NewStore(db, dlock.NewManager(db, dlock.DefaultConfig))
	sink := &fakeSink{}
	cfg.Contract = testContract
	s, err := New(chain, store, sink, cfg)
	require.NoError(t, err)
	return s, store, sink
}

// redemptionLog builds a SwapToBan log the way the contract emits it.
func redemptionLog(t *testing.T, s *Scanner, block uint64, from common.Address, banAddress string, amount *big.Int, hash common.Hash) types.Log {
	t.Helper()
	data, err := s.abi.Events["SwapToBan"].Inputs.NonIndexed().Pack(banAddress, amount)
	require.NoError(t, err)
	return types.Log{
		Address:     testContract,
		Topics:      []common.Hash{swapToBanTopic, common.BytesToHash(from.Bytes())},
		Data:        data,
		BlockNumber: block,
		TxHash:      hash,
	}
}

// Tests that a redemption event becomes one swap-to-ban job carrying the
// decoded fields and that the checkpoint lands on the safe head.
func TestScanEnqueuesRedemption(t *testing.T) {
	chain := &fakeChain{head: 120}
	s, store, sink := newTestScanner(t, chain, Config{StartBlock: 100, SafetyDepth: 12, BatchSize: 1000})

	from := common.HexToAddress("0xBC00000000000000000000000000000000000001")
	amount, _ := params.ParseBAN("1.5")
	chain.logs = []types.Log{redemptionLog(t, s, 105, from, "BAN_A", amount, common.HexToHash("0x04"))}

	require.NoError(t, s.scanOnce(context.Background()))

	require.Len(t, sink.jobs, 1)
	job := sink.jobs[0]
	require.Equal(t, params.JobSwapToBAN, job.Kind)
	require.Equal(t, "ban_a", job.Account)

	var req processor.SwapToBANRequest
	require.NoError(t, job.DecodePayload(&req))
	require.Equal(t, "ban_a", req.NativeAddress)
	require.Equal(t, "0xbc00000000000000000000000000000000000001", req.BlockchainAddress)
	require.Equal(t, "1.5", req.Amount)
	require.EqualValues(t, 1050, req.Timestamp, "event time must be the block time")

	checkpoint, err := store.GetLastProcessedBlock(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 108, checkpoint, "checkpoint must stop at head minus safety depth")
}

// Tests that a second scan resumes past the checkpoint and re-enqueues
// nothing.
func TestScanResumesFromCheckpoint(t *testing.T) {
	chain := &fakeChain{head: 120}
	s, _, sink := newTestScanner(t, chain, Config{StartBlock: 100, SafetyDepth: 12, BatchSize: 1000})

	amount, _ := params.ParseBAN("2")
	chain.logs = []types.Log{redemptionLog(t, s, 105, common.Address{1}, "ban_a", amount, common.HexToHash("0x05"))}

	require.NoError(t, s.scanOnce(context.Background()))
	require.NoError(t, s.scanOnce(context.Background()))
	require.Len(t, sink.jobs, 1, "finalized blocks were rescanned")

	chain.head = 140
	require.NoError(t, s.scanOnce(context.Background()))
	require.Len(t, sink.jobs, 1)
	last := chain.queried[len(chain.queried)-1]
	require.EqualValues(t, 109, last[0], "scan must resume right after the checkpoint")
	require.EqualValues(t, 128, last[1])
}

// Tests that the block window is split into batch-sized log queries.
func TestScanBatchesRanges(t *testing.T) {
	chain := &fakeChain{head: 262}
	s, _, _ := newTestScanner(t, chain, Config{StartBlock: 0, SafetyDepth: 12, BatchSize: 100})

	require.NoError(t, s.scanOnce(context.Background()))
	require.Equal(t, [][2]uint64{{1, 100}, {101, 200}, {201, 250}}, chain.queried)
}

// Tests that nothing is scanned while the chain is shorter than the
// safety depth.
func TestScanWaitsForFinality(t *testing.T) {
	chain := &fakeChain{head: 10}
	s, _, sink := newTestScanner(t, chain, Config{SafetyDepth: 12, BatchSize: 100})

	require.NoError(t, s.scanOnce(context.Background()))
	require.Empty(t, chain.queried)
	require.Empty(t, sink.jobs)
}

// Tests that mints (transfers from the zero address) are observed but not
// enqueued.
func TestMintsAreNotEnqueued(t *testing.T) {
	chain := &fakeChain{head: 120}
	s, _, sink := newTestScanner(t, chain, Config{StartBlock: 100, SafetyDepth: 12, BatchSize: 1000})

	to := common.HexToAddress("0xBC00000000000000000000000000000000000002")
	chain.logs = []types.Log{{
		Address:     testContract,
		Topics:      []common.Hash{transferTopic, common.Hash{}, common.BytesToHash(to.Bytes())},
		Data:        common.LeftPadBytes(big.NewInt(42).Bytes(), 32),
		BlockNumber: 104,
		TxHash:      common.HexToHash("0x06"),
	}}

	require.NoError(t, s.scanOnce(context.Background()))
	require.Empty(t, sink.jobs)
}
