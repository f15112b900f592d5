// Package bridge assembles the wBAN bridge: it wires the ledger, the lock
// manager, the work queue, the operation processors, the claim manager,
// the chain scanner and the two chain collaborators into one service and
// exposes the operations the HTTP edge submits.
package bridge

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/metrics"
	"github.com/naoina/toml"

	"github.com/wbanano/wban-bridge/banano"
	"github.com/wbanano/wban-bridge/dlock"
	"github.com/wbanano/wban-bridge/evm"
	"github.com/wbanano/wban-bridge/queue"
	"github.com/wbanano/wban-bridge/scanner"
)

// RedisConfig locates the shared key-value store.
type RedisConfig struct {
	Addr     string
	Password string `toml:",omitempty"`
	DB       int    `toml:",omitempty"`
}

// BlacklistedWallet bars one native wallet from claiming. Alias names the
// listing source for the operator log.
type BlacklistedWallet struct {
	Address string
	Alias   string
}

// Config is the top-level bridge configuration, loadable from TOML.
type Config struct {
	Redis     RedisConfig
	Banano    banano.Config
	EVM       evm.Config
	Scanner   scanner.Config
	Queue     queue.Config
	Lock      dlock.Config
	Blacklist []BlacklistedWallet `toml:",omitempty"`
	Metrics   metrics.Config
}

// Defaults contains the settings a production deployment starts from. The
// hot wallet, contract, keys and endpoints have no usable defaults and
// must come from the config file.
var Defaults = Config{
	Redis:   RedisConfig{Addr: "127.0.0.1:6379"},
	Banano:  banano.DefaultConfig,
	EVM:     evm.DefaultConfig,
	Scanner: scanner.DefaultConfig,
	Queue:   queue.DefaultConfig,
	Lock:    dlock.DefaultConfig,
	Metrics: metrics.DefaultConfig,
}

// LoadConfig reads a TOML file over the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := Defaults
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("bridge: open config: %w", err)
	}
	defer f.Close()
	if err := toml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("bridge: parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate rejects configurations that cannot run a custodial bridge.
func (c *Config) Validate() error {
	switch {
	case c.Redis.Addr == "":
		return fmt.Errorf("bridge: config has no redis address")
	case c.Banano.HotWallet == "":
		return fmt.Errorf("bridge: config has no hot wallet")
	case c.Banano.WalletID == "":
		return fmt.Errorf("bridge: config has no node wallet id")
	case c.EVM.Contract == "":
		return fmt.Errorf("bridge: config has no wBAN contract")
	case c.EVM.PrivateKey == "":
		return fmt.Errorf("bridge: config has no bridge signing key")
	}
	return nil
}
