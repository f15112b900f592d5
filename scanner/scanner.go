// Package scanner ingests wBAN contract events from the EVM chain. It
// walks finalized blocks in ascending order, turns every redemption event
// into a swap-to-ban job and advances a persistent checkpoint, so a restart
// replays at most the last unfinished batch. Replayed events are absorbed
// by the idempotent ledger credit.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/wbanano/wban-bridge/ledger"
	"github.com/wbanano/wban-bridge/params"
	"github.com/wbanano/wban-bridge/processor"
	"github.com/wbanano/wban-bridge/queue"
)

// wbanABI covers the contract surface the scanner reads: the redemption
// event, the ERC-20 transfer event for mint observation, and balanceOf.
const wbanABI = `[
  {"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":false,"name":"banAddress","type":"string"},{"indexed":false,"name":"amount","type":"uint256"}],"name":"SwapToBan","type":"event"},
  {"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"},
  {"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

var (
	swapToBanTopic = crypto.Keccak256Hash([]byte("SwapToBan(address,string,uint256)"))
	transferTopic  = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

	redemptionMeter = metrics.NewRegisteredMeter("bridge/scanner/redemptions", nil)
	mintMeter       = metrics.NewRegisteredMeter("bridge/scanner/mints", nil)
	headGauge       = metrics.NewRegisteredGauge("bridge/scanner/head", nil)
)

// LogSource is the EVM client surface the scanner needs. Satisfied by
// ethclient.Client.
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// JobSink receives the swap jobs built from redemption events. Satisfied by
// queue.Queue.
type JobSink interface {
	Enqueue(ctx context.Context, job *queue.Job) (string, error)
}

// Config tunes the scan loop.
type Config struct {
	Contract     common.Address // wBAN token contract
	StartBlock   uint64         // first block to scan when no checkpoint exists
	SafetyDepth  uint64         // blocks behind head treated as unfinalized
	BatchSize    uint64         // blocks per log query
	PollInterval time.Duration
}

// DefaultConfig is suitable for EVM sidechains with fast blocks.
var DefaultConfig = Config{
	SafetyDepth:  12,
	BatchSize:    1000,
	PollInterval: 15 * time.Second,
}

// Scanner polls the chain and feeds redemptions into the work queue.
type Scanner struct {
	client LogSource
	store  *ledger.Store
	sink   JobSink
	cfg    Config
	abi    abi.ABI
	log    log.Logger

	quit chan struct{}
	done chan struct{}
}

// New creates a scanner. The config's contract address must be set.
func New(client LogSource, store *ledger.Store, sink JobSink, cfg Config) (*Scanner, error) {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultConfig.BatchSize
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	parsed, err := abi.JSON(strings.NewReader(wbanABI))
	if err != nil {
		return nil, fmt.Errorf("scanner: parse contract ABI: %w", err)
	}
	return &Scanner{
		client: client,
		store:  store,
		sink:   sink,
		cfg:    cfg,
		abi:    parsed,
		log:    log.New("module", "scanner"),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Start begins polling in a background goroutine.
func (s *Scanner) Start() {
	go s.loop()
	s.log.Info("Chain scanner started", "contract", s.cfg.Contract, "poll", s.cfg.PollInterval)
}

// Stop shuts the scanner down and waits for the current batch to finish.
func (s *Scanner) Stop() {
	close(s.quit)
	<-s.done
	s.log.Info("Chain scanner stopped")
}

func (s *Scanner) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			if err := s.scanOnce(context.Background()); err != nil {
				s.log.Warn("Chain scan failed", "err", err)
			}
		}
	}
}

// scanOnce processes every finalized block past the checkpoint. The
// checkpoint advances after each batch, so a crash repeats at most one
// batch.
func (s *Scanner) scanOnce(ctx context.Context) error {
	head, err := s.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("scanner: chain head: %w", err)
	}
	headGauge.Update(int64(head))
	if head <= s.cfg.SafetyDepth {
		return nil
	}
	safeHead := head - s.cfg.SafetyDepth

	checkpoint, err := s.store.GetLastProcessedBlock(ctx)
	if errors.Is(err, ledger.ErrNoCheckpoint) {
		checkpoint = s.cfg.StartBlock
	} else if err != nil {
		return err
	}
	if checkpoint >= safeHead {
		return nil
	}

	for from := checkpoint + 1; from <= safeHead; {
		select {
		case <-s.quit:
			return nil
		default:
		}
		to := from + s.cfg.BatchSize - 1
		if to > safeHead {
			to = safeHead
		}
		if err := s.processRange(ctx, from, to); err != nil {
			return err
		}
		if err := s.store.SetLastProcessedBlock(ctx, to); err != nil {
			return err
		}
		from = to + 1
	}
	return nil
}

func (s *Scanner) processRange(ctx context.Context, from, to uint64) error {
	logs, err := s.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{s.cfg.Contract},
		Topics:    [][]common.Hash{{swapToBanTopic, transferTopic}},
	})
	if err != nil {
		return fmt.Errorf("scanner: filter logs %d-%d: %w", from, to, err)
	}
	blockTimes := make(map[uint64]int64)
	for _, lg := range logs {
		if len(lg.Topics) == 0 {
			continue
		}
		switch lg.Topics[0] {
		case swapToBanTopic:
			if err := s.handleRedemption(ctx, lg, blockTimes); err != nil {
				return err
			}
		case transferTopic:
			s.handleTransfer(lg)
		}
	}
	s.log.Debug("Block range scanned", "from", from, "to", to, "logs", len(logs))
	return nil
}

// handleRedemption turns one SwapToBan event into a swap job keyed by the
// destination BAN wallet.
func (s *Scanner) handleRedemption(ctx context.Context, lg types.Log, blockTimes map[uint64]int64) error {
	if len(lg.Topics) < 2 {
		return fmt.Errorf("scanner: redemption %s has no sender topic", lg.TxHash)
	}
	vals, err := s.abi.Unpack("SwapToBan", lg.Data)
	if err != nil {
		return fmt.Errorf("scanner: decode redemption %s: %w", lg.TxHash, err)
	}
	banAddress, ok := vals[0].(string)
	if !ok {
		return fmt.Errorf("scanner: redemption %s: banAddress is %T", lg.TxHash, vals[0])
	}
	amount, ok := vals[1].(*big.Int)
	if !ok {
		return fmt.Errorf("scanner: redemption %s: amount is %T", lg.TxHash, vals[1])
	}
	from := common.BytesToAddress(lg.Topics[1].Bytes())

	when, err := s.blockTime(ctx, lg.BlockNumber, blockTimes)
	if err != nil {
		return err
	}

	req := &processor.SwapToBANRequest{
		BlockchainAddress: strings.ToLower(from.Hex()),
		NativeAddress:     ledger.NormalizeNative(banAddress),
		Amount:            params.FormatBAN(amount),
		Hash:              lg.TxHash.Hex(),
		Timestamp:         when,
		WBANBalance:       s.wbanBalance(ctx, from).String(),
	}
	job := &queue.Job{Kind: params.JobSwapToBAN, Account: req.NativeAddress}
	if err := job.EncodePayload(req); err != nil {
		return err
	}
	if _, err := s.sink.Enqueue(ctx, job); err != nil {
		return err
	}
	redemptionMeter.Mark(1)
	s.log.Info("Redemption observed", "from", req.BlockchainAddress, "to", req.NativeAddress,
		"amount", req.Amount, "hash", req.Hash, "block", lg.BlockNumber)
	return nil
}

// handleTransfer watches for mints, which appear as transfers from the
// zero address when users redeem their receipts.
func (s *Scanner) handleTransfer(lg types.Log) {
	if len(lg.Topics) < 3 {
		return
	}
	from := common.BytesToAddress(lg.Topics[1].Bytes())
	if from != (common.Address{}) {
		return
	}
	to := common.BytesToAddress(lg.Topics[2].Bytes())
	amount := new(big.Int)
	if len(lg.Data) > 0 {
		amount.SetBytes(lg.Data)
	}
	mintMeter.Mark(1)
	s.log.Info("Mint observed", "to", strings.ToLower(to.Hex()), "amount", params.FormatBAN(amount), "hash", lg.TxHash.Hex())
}

func (s *Scanner) blockTime(ctx context.Context, number uint64, cache map[uint64]int64) (int64, error) {
	if when, ok := cache[number]; ok {
		return when, nil
	}
	header, err := s.client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return 0, fmt.Errorf("scanner: header %d: %w", number, err)
	}
	when := int64(header.Time)
	cache[number] = when
	return when, nil
}

// wbanBalance reads the sender's token balance. The value only annotates
// the job for operators, so a failed call degrades to zero.
func (s *Scanner) wbanBalance(ctx context.Context, holder common.Address) *big.Int {
	data, err := s.abi.Pack("balanceOf", holder)
	if err != nil {
		s.log.Warn("balanceOf not packed", "err", err)
		return new(big.Int)
	}
	raw, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &s.cfg.Contract, Data: data}, nil)
	if err != nil {
		s.log.Warn("balanceOf call failed", "holder", holder, "err", err)
		return new(big.Int)
	}
	vals, err := s.abi.Unpack("balanceOf", raw)
	if err != nil || len(vals) == 0 {
		return new(big.Int)
	}
	balance, ok := vals[0].(*big.Int)
	if !ok {
		return new(big.Int)
	}
	return balance
}
