package main

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/wbanano/wban-bridge/evm"
	"github.com/wbanano/wban-bridge/params"
)

var commandBalance = &cli.Command{
	Name:      "balance",
	Usage:     "print an account's ledger balance, or the ledger total",
	ArgsUsage: "[<ban address>]",
	Action: func(ctx *cli.Context) error {
		store, _, err := makeStore(ctx)
		if err != nil {
			return err
		}
		if ctx.Args().Len() == 0 {
			total, err := store.TotalBalance(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("ledger total: %s BAN\n", params.FormatBAN(total))
			return nil
		}
		balance, err := store.GetBalance(context.Background(), ctx.Args().First())
		if err != nil {
			return err
		}
		fmt.Printf("%s BAN\n", params.FormatBAN(balance))
		return nil
	},
}

var commandHistory = &cli.Command{
	Name:      "history",
	Usage:     "print an account's deposits, withdrawals and swaps",
	ArgsUsage: "<ban address> <blockchain address>",
	Action: func(ctx *cli.Context) error {
		if ctx.Args().Len() != 2 {
			return fmt.Errorf("need a ban address and a blockchain address")
		}
		store, _, err := makeStore(ctx)
		if err != nil {
			return err
		}
		native, bc := ctx.Args().Get(0), ctx.Args().Get(1)

		deposits, err := store.GetDeposits(context.Background(), native)
		if err != nil {
			return err
		}
		withdrawals, err := store.GetWithdrawals(context.Background(), native)
		if err != nil {
			return err
		}
		swaps, err := store.GetSwaps(context.Background(), bc, native)
		if err != nil {
			return err
		}
		for _, e := range deposits {
			printEntry(e.Type, e.TimestampMs, e.Amount, e.Hash)
		}
		for _, e := range withdrawals {
			printEntry(e.Type, e.TimestampMs, e.Amount, e.Hash)
		}
		for _, e := range swaps {
			id := e.Hash
			if id == "" {
				id = e.Receipt
			}
			printEntry(e.Type, e.TimestampMs, e.Amount, id)
		}
		return nil
	},
}

var commandClaims = &cli.Command{
	Name:      "claims",
	Usage:     "list the native accounts bound to a blockchain address",
	ArgsUsage: "<blockchain address>",
	Action: func(ctx *cli.Context) error {
		if ctx.Args().Len() != 1 {
			return fmt.Errorf("need a blockchain address")
		}
		store, _, err := makeStore(ctx)
		if err != nil {
			return err
		}
		accounts, err := store.NativeAddressesFor(context.Background(), ctx.Args().First())
		if err != nil {
			return err
		}
		for _, a := range accounts {
			fmt.Println(a)
		}
		return nil
	},
}

var commandPending = &cli.Command{
	Name:  "pending",
	Usage: "show withdrawals waiting on hot wallet funds",
	Action: func(ctx *cli.Context) error {
		store, q, err := makeStore(ctx)
		if err != nil {
			return err
		}
		pending, err := q.PendingWithdrawalsTotal(context.Background())
		if err != nil {
			return err
		}
		total, err := store.TotalBalance(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("pending withdrawals: %s BAN\n", params.FormatBAN(pending))
		fmt.Printf("ledger total:        %s BAN\n", params.FormatBAN(total))
		return nil
	},
}

var commandDead = &cli.Command{
	Name:  "dead",
	Usage: "list dead-lettered jobs requiring reconciliation",
	Action: func(ctx *cli.Context) error {
		_, q, err := makeStore(ctx)
		if err != nil {
			return err
		}
		jobs, err := q.DeadJobs(context.Background())
		if err != nil {
			return err
		}
		for _, job := range jobs {
			fmt.Printf("%s  %-18s account=%s attempt=%d enqueued=%s\n  %s\n",
				job.ID, job.Kind, job.Account, job.Attempt,
				time.UnixMilli(job.EnqueuedMs).UTC().Format(time.RFC3339), job.Payload)
		}
		if len(jobs) == 0 {
			fmt.Println("no dead letters")
		}
		return nil
	},
}

var commandVerify = &cli.Command{
	Name:      "verify",
	Usage:     "recover the signer of a claim message",
	ArgsUsage: "<ban address> <signature>",
	Action: func(ctx *cli.Context) error {
		if ctx.Args().Len() != 2 {
			return fmt.Errorf("need a ban address and a signature")
		}
		message := fmt.Sprintf(params.ClaimMessage, ctx.Args().Get(0))
		signer, err := evm.Verifier{}.RecoverSigner(message, ctx.Args().Get(1))
		if err != nil {
			return err
		}
		fmt.Println(signer)
		return nil
	},
}

func printEntry(kind string, timestampMs int64, amount *big.Int, id string) {
	when := time.UnixMilli(timestampMs).UTC().Format(time.RFC3339)
	fmt.Printf("%s  %-13s %14s BAN  %s\n", when, kind, params.FormatBAN(amount), id)
}
