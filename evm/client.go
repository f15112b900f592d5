package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/google/uuid"
)

// Config describes the EVM endpoint, the wBAN contract and the bridge
// signing key.
type Config struct {
	RPCURL      string
	Contract    string // wBAN token contract address
	PrivateKey  string `toml:"-"` // hex bridge key; receipts are signed with it
	ExplorerURL string // base URL for transaction links
	DialTimeout time.Duration
}

// DefaultConfig suits Binance Smart Chain, the first chain wBAN shipped on.
var DefaultConfig = Config{
	ExplorerURL: "https://bscscan.com",
	DialTimeout: 10 * time.Second,
}

// erc20ABI is the token surface the client calls directly.
const erc20ABI = `[
  {"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

var receiptMeter = metrics.NewRegisteredMeter("bridge/evm/receipts", nil)

// Client wraps the chain RPC connection with the bridge-specific calls.
// The embedded ethclient serves the scanner's log queries unchanged.
type Client struct {
	*ethclient.Client

	key      *ecdsa.PrivateKey
	chainID  *big.Int
	contract common.Address
	erc20    abi.ABI
	log      log.Logger
}

// Dial connects to the chain and loads the bridge key. The chain id is
// fetched once and baked into every receipt, so a receipt for one chain
// cannot be redeemed on another.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultConfig.DialTimeout
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("evm: load bridge key: %w", err)
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	eth, err := ethclient.DialContext(dialCtx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("evm: dial %s: %w", cfg.RPCURL, err)
	}
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("evm: chain id: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("evm: parse token ABI: %w", err)
	}
	c := &Client{
		Client:   eth,
		key:      key,
		chainID:  chainID,
		contract: common.HexToAddress(cfg.Contract),
		erc20:    parsed,
		log:      log.New("module", "evm"),
	}
	c.log.Info("EVM client connected", "endpoint", cfg.RPCURL, "chainid", chainID, "contract", c.contract)
	return c, nil
}

// Contract returns the wBAN token address.
func (c *Client) Contract() common.Address { return c.contract }

// CreateMintReceipt signs an authorization for bcAddr to mint amount wBAN.
// Nothing touches the chain here: the user submits the receipt to the
// contract, which verifies the bridge signature and the unused uuid. The
// call is therefore free to retry.
func (c *Client) CreateMintReceipt(ctx context.Context, bcAddr string, amount *big.Int) (string, string, *big.Int, error) {
	to := common.HexToAddress(bcAddr)
	nonce := receiptNonce()
	receipt, err := signReceipt(c.key, to, amount, nonce, c.chainID)
	if err != nil {
		return "", "", nil, err
	}
	balance, err := c.WBANBalance(ctx, to)
	if err != nil {
		return "", "", nil, err
	}
	receiptMeter.Mark(1)
	c.log.Debug("Mint receipt signed", "recipient", to, "amount", amount, "uuid", nonce)
	return receipt, nonce.String(), balance, nil
}

// receiptNonce derives a uint128 nonce from a random uuid. The contract
// tracks consumed nonces, so two receipts for the same recipient and
// amount stay independently redeemable.
func receiptNonce() *big.Int {
	id := uuid.New()
	return new(big.Int).SetBytes(id[:])
}

// signReceipt hashes the packed (recipient, amount, uuid, chainid) tuple
// and signs it under the signed-message envelope, matching the contract's
// ecrecover check.
func signReceipt(key *ecdsa.PrivateKey, to common.Address, amount, nonce, chainID *big.Int) (string, error) {
	payload := crypto.Keccak256(
		to.Bytes(),
		common.LeftPadBytes(amount.Bytes(), 32),
		common.LeftPadBytes(nonce.Bytes(), 32),
		common.LeftPadBytes(chainID.Bytes(), 32),
	)
	sig, err := crypto.Sign(accounts.TextHash(payload), key)
	if err != nil {
		return "", fmt.Errorf("evm: sign receipt: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// WBANBalance reads the holder's token balance.
func (c *Client) WBANBalance(ctx context.Context, holder common.Address) (*big.Int, error) {
	data, err := c.erc20.Pack("balanceOf", holder)
	if err != nil {
		return nil, fmt.Errorf("evm: pack balanceOf: %w", err)
	}
	raw, err := c.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("evm: balanceOf %s: %w", holder, err)
	}
	vals, err := c.erc20.Unpack("balanceOf", raw)
	if err != nil || len(vals) == 0 {
		return nil, fmt.Errorf("evm: decode balanceOf %s: %w", holder, err)
	}
	balance, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("evm: balanceOf %s returned %T", holder, vals[0])
	}
	return balance, nil
}
