// wbanctl is the operator tool of the wBAN bridge. It talks straight to
// the shared key-value store, so inspections work even while the daemon is
// down or wedged.
package main

import (
	"context"
	"fmt"
	"os"

	redis "github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	"github.com/wbanano/wban-bridge/dlock"
	"github.com/wbanano/wban-bridge/internal/flags"
	"github.com/wbanano/wban-bridge/ledger"
	"github.com/wbanano/wban-bridge/queue"
)

// Git SHA1 commit hash of the release (set via linker flags)
var gitCommit = ""
var gitDate = ""

var redisAddrFlag = &cli.StringFlag{
	Name:     "redis.addr",
	Usage:    "Key-value store address (host:port)",
	Value:    "127.0.0.1:6379",
	Category: flags.RedisCategory,
}

var app *cli.App

func init() {
	app = flags.NewApp(gitCommit, gitDate, "the wBAN bridge operator tool")
	app.Flags = []cli.Flag{redisAddrFlag}
	app.Commands = []*cli.Command{
		commandBalance,
		commandHistory,
		commandClaims,
		commandPending,
		commandDead,
		commandVerify,
	}
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// makeStore opens the ledger over the store the daemon uses.
func makeStore(ctx *cli.Context) (*ledger.Store, *queue.Queue, error) {
	db := redis.NewClient(&redis.Options{Addr: ctx.String(redisAddrFlag.Name)})
	if err := db.Ping(context.Background()).Err(); err != nil {
		return nil, nil, fmt.Errorf("redis at %s: %w", ctx.String(redisAddrFlag.Name), err)
	}
	return ledger.NewStore(db, dlock.NewManager(db, dlock.DefaultConfig)), queue.New(db, queue.DefaultConfig), nil
}
