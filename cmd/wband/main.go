// wband is the wBAN bridge daemon. It connects the Banano node, the EVM
// chain and the shared key-value store, then serves deposits, withdrawals,
// swaps and claims until terminated.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/wbanano/wban-bridge/bridge"
	"github.com/wbanano/wban-bridge/internal/flags"
)

// Git SHA1 commit hash of the release (set via linker flags)
var gitCommit = ""
var gitDate = ""

var (
	configFlag = &cli.StringFlag{
		Name:     "config",
		Usage:    "TOML configuration file",
		Category: flags.MiscCategory,
	}
	verbosityFlag = &cli.IntFlag{
		Name:     "verbosity",
		Usage:    "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value:    3,
		Category: flags.LoggingCategory,
	}
	redisAddrFlag = &cli.StringFlag{
		Name:     "redis.addr",
		Usage:    "Key-value store address (host:port)",
		Category: flags.RedisCategory,
	}
	bananoNodeFlag = &cli.StringFlag{
		Name:     "banano.node",
		Usage:    "Banano node RPC endpoint",
		Category: flags.BananoCategory,
	}
	bananoWSFlag = &cli.StringFlag{
		Name:     "banano.ws",
		Usage:    "Banano node websocket endpoint",
		Category: flags.BananoCategory,
	}
	hotWalletFlag = &cli.StringFlag{
		Name:     "banano.hotwallet",
		Usage:    "Hot wallet account paying withdrawals",
		Category: flags.BananoCategory,
	}
	evmRPCFlag = &cli.StringFlag{
		Name:     "evm.rpc",
		Usage:    "EVM chain RPC endpoint",
		Category: flags.EVMCategory,
	}
	evmContractFlag = &cli.StringFlag{
		Name:     "evm.contract",
		Usage:    "wBAN token contract address",
		Category: flags.EVMCategory,
	}
	evmKeyFileFlag = &cli.StringFlag{
		Name:     "evm.keyfile",
		Usage:    "File holding the hex bridge signing key (or set WBAN_BRIDGE_KEY)",
		Category: flags.EVMCategory,
	}
	startBlockFlag = &cli.Uint64Flag{
		Name:     "scanner.startblock",
		Usage:    "First EVM block to scan when no checkpoint exists",
		Category: flags.ScannerCategory,
	}
)

var app *cli.App

func init() {
	app = flags.NewApp(gitCommit, gitDate, "the wBAN bridge daemon")
	app.Flags = []cli.Flag{
		configFlag,
		verbosityFlag,
		redisAddrFlag,
		bananoNodeFlag,
		bananoWSFlag,
		hotWalletFlag,
		evmRPCFlag,
		evmContractFlag,
		evmKeyFileFlag,
		startBlockFlag,
	}
	app.Flags = append(app.Flags, metricsFlags...)
	app.Action = run
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	handler := log.NewTerminalHandlerWithLevel(os.Stderr, log.FromLegacyLevel(ctx.Int(verbosityFlag.Name)), false)
	log.SetDefault(log.NewLogger(handler))

	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	setupMetrics(ctx, &cfg.Metrics)

	backend, err := bridge.New(context.Background(), cfg)
	if err != nil {
		return err
	}
	backend.Start()
	defer backend.Stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info("Shutting down", "signal", s)
	return nil
}

// makeConfig loads the TOML file, then applies flag overrides on top. The
// signing key never travels through the config file; it comes from a key
// file or the environment.
func makeConfig(ctx *cli.Context) (*bridge.Config, error) {
	cfg := bridge.Defaults
	if path := ctx.String(configFlag.Name); path != "" {
		loaded, err := bridge.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = *loaded
	}
	if ctx.IsSet(redisAddrFlag.Name) {
		cfg.Redis.Addr = ctx.String(redisAddrFlag.Name)
	}
	if ctx.IsSet(bananoNodeFlag.Name) {
		cfg.Banano.NodeURL = ctx.String(bananoNodeFlag.Name)
	}
	if ctx.IsSet(bananoWSFlag.Name) {
		cfg.Banano.WSURL = ctx.String(bananoWSFlag.Name)
	}
	if ctx.IsSet(hotWalletFlag.Name) {
		cfg.Banano.HotWallet = ctx.String(hotWalletFlag.Name)
	}
	if ctx.IsSet(evmRPCFlag.Name) {
		cfg.EVM.RPCURL = ctx.String(evmRPCFlag.Name)
	}
	if ctx.IsSet(evmContractFlag.Name) {
		cfg.EVM.Contract = ctx.String(evmContractFlag.Name)
	}
	if ctx.IsSet(startBlockFlag.Name) {
		cfg.Scanner.StartBlock = ctx.Uint64(startBlockFlag.Name)
	}

	if path := ctx.String(evmKeyFileFlag.Name); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		cfg.EVM.PrivateKey = strings.TrimSpace(string(raw))
	} else if key := os.Getenv("WBAN_BRIDGE_KEY"); key != "" {
		cfg.EVM.PrivateKey = key
	}
	return &cfg, nil
}
