package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/subcommands"

	"github.com/robinfolio/lotsync/internal/report"
)

type syncCmd struct {
	json bool
}

func (*syncCmd) Name() string     { return "sync" }
func (*syncCmd) Synopsis() string { return "sync orders into the store and allocate sells to lots" }
func (*syncCmd) Usage() string {
	return `lotsync sync [-json] [<symbol>...]

  Fetches the filled orders of each instrument, writes the ones not yet in
  the store, allocates sells to the oldest open lots and updates the
  average cost. Without symbols, SYMBOLS or every instrument of ORDERS_FILE
  is synced.

Usage Examples:
$ lotsync sync ABT MSFT
$ ORDERS_FILE=orders.json lotsync -store memory sync
`
}

func (c *syncCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.json, "json", false, "print the report as JSON")
}

func (c *syncCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	defer a.Close()

	symbols, err := a.symbols(f.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitUsageError
	}

	rep, err := a.syncer.Run(ctx, symbols)
	if c.json {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(rep)
	} else {
		printMarkdown(report.SyncMarkdown(rep))
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	if rep.Failed() > 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
