// Package banano talks to the Banano node that custodies the bridge hot
// wallet. The node speaks an action-keyed JSON protocol over HTTP and
// counts amounts in RAW (1 BAN = 10^29 raw); this package converts to
// ledger base units at the boundary so nothing above it ever sees raw.
package banano

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/wbanano/wban-bridge/params"
)

// ErrNode wraps error payloads returned by the node.
var ErrNode = errors.New("banano: node error")

// Config describes the node endpoints and the hot wallet.
type Config struct {
	NodeURL        string        // HTTP RPC endpoint
	WSURL          string        // websocket endpoint for confirmations
	WalletID       string        // node-side wallet holding the hot account
	HotWallet      string        // hot wallet account paying withdrawals
	RequestTimeout time.Duration `toml:",omitempty"`
	RequestsPerSec float64       `toml:",omitempty"` // node RPC rate limit
}

// DefaultConfig suits a dedicated node colocated with the bridge.
var DefaultConfig = Config{
	NodeURL:        "http://127.0.0.1:7072",
	WSURL:          "ws://127.0.0.1:7074",
	RequestTimeout: 30 * time.Second,
	RequestsPerSec: 10,
}

// Client is a typed wrapper around the node's action-JSON API. Calls are
// rate limited so a busy bridge cannot starve the node's block processing.
type Client struct {
	url     string
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     log.Logger
}

// NewClient creates a node client from the config.
func NewClient(cfg Config) *Client {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultConfig.RequestTimeout
	}
	if cfg.RequestsPerSec == 0 {
		cfg.RequestsPerSec = DefaultConfig.RequestsPerSec
	}
	return &Client{
		url:     cfg.NodeURL,
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), 1),
		log:     log.New("module", "banano"),
	}
}

// call posts one action request and decodes the reply into out. The node
// signals failure with an "error" field rather than an HTTP status.
func (c *Client) call(ctx context.Context, req, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("banano: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("banano: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("banano: node call: %w", err)
	}
	defer resp.Body.Close()

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return fmt.Errorf("banano: decode reply: %w", err)
	}
	var nodeErr struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &nodeErr); err == nil && nodeErr.Error != "" {
		return fmt.Errorf("%w: %s", ErrNode, nodeErr.Error)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("banano: decode reply: %w", err)
	}
	return nil
}

// AccountBalance returns the confirmed balance of an account in ledger
// base units.
func (c *Client) AccountBalance(ctx context.Context, account string) (*big.Int, error) {
	req := struct {
		Action  string `json:"action"`
		Account string `json:"account"`
	}{"account_balance", account}
	var resp struct {
		Balance string `json:"balance"`
	}
	if err := c.call(ctx, &req, &resp); err != nil {
		return nil, err
	}
	raw, ok := new(big.Int).SetString(resp.Balance, 10)
	if !ok {
		return nil, fmt.Errorf("banano: corrupt balance %q for %s", resp.Balance, account)
	}
	return params.RawToBAN(raw), nil
}

// HotWalletBalance returns the spendable hot wallet balance in base units.
func (c *Client) HotWalletBalance(ctx context.Context) (*big.Int, error) {
	return c.AccountBalance(ctx, c.cfg.HotWallet)
}

// Send pays amount base units from the hot wallet and returns the block
// hash. A client-generated id makes the node-side send idempotent: a
// retried request after a dropped response re-publishes the same block
// instead of paying twice.
func (c *Client) Send(ctx context.Context, to string, amount *big.Int) (string, error) {
	req := struct {
		Action      string `json:"action"`
		Wallet      string `json:"wallet"`
		Source      string `json:"source"`
		Destination string `json:"destination"`
		Amount      string `json:"amount"`
		ID          string `json:"id"`
	}{"send", c.cfg.WalletID, c.cfg.HotWallet, to, params.BANToRaw(amount).String(), uuid.NewString()}
	var resp struct {
		Block string `json:"block"`
	}
	if err := c.call(ctx, &req, &resp); err != nil {
		return "", err
	}
	if resp.Block == "" {
		return "", fmt.Errorf("%w: send to %s returned no block", ErrNode, to)
	}
	c.log.Info("Native send published", "to", to, "amount", params.FormatBAN(amount), "hash", resp.Block)
	return resp.Block, nil
}

// BlockInfo describes one confirmed block on the native chain.
type BlockInfo struct {
	Account     string
	Amount      *big.Int // base units
	Subtype     string
	TimestampMs int64
	Confirmed   bool
}

// GetBlockInfo fetches a block by hash. Operators use it to reconcile
// dead-lettered withdrawals against the chain.
func (c *Client) GetBlockInfo(ctx context.Context, hash string) (*BlockInfo, error) {
	req := struct {
		Action    string `json:"action"`
		JSONBlock string `json:"json_block"`
		Hash      string `json:"hash"`
	}{"block_info", "true", hash}
	var resp struct {
		Amount         string `json:"amount"`
		LocalTimestamp string `json:"local_timestamp"`
		Subtype        string `json:"subtype"`
		Confirmed      string `json:"confirmed"`
		Contents       struct {
			Account string `json:"account"`
		} `json:"contents"`
	}
	if err := c.call(ctx, &req, &resp); err != nil {
		return nil, err
	}
	raw, ok := new(big.Int).SetString(resp.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("banano: corrupt amount %q in block %s", resp.Amount, hash)
	}
	var seconds int64
	fmt.Sscan(resp.LocalTimestamp, &seconds)
	return &BlockInfo{
		Account:     resp.Contents.Account,
		Amount:      params.RawToBAN(raw),
		Subtype:     resp.Subtype,
		TimestampMs: seconds * 1000,
		Confirmed:   resp.Confirmed == "true",
	}, nil
}
