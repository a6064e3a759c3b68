package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/robinfolio/lotsync/internal/report"
	"github.com/robinfolio/lotsync/internal/syncer"
)

type planCmd struct {
	json bool
}

func (*planCmd) Name() string     { return "plan" }
func (*planCmd) Synopsis() string { return "replay an instrument's history without writing anything" }
func (*planCmd) Usage() string {
	return `lotsync plan [-json] [<symbol>...]

  Replays every filled order of each instrument from an empty position and
  shows the lots each sell would be allocated from. The store is not
  touched.
`
}

func (c *planCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.json, "json", false, "print the plans as JSON")
}

func (c *planCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
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

	status := subcommands.ExitSuccess
	var plans []syncer.Plan
	for _, sym := range symbols {
		p, err := a.syncer.Plan(ctx, sym)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error planning %s: %v\n", sym, err)
			status = subcommands.ExitFailure
			continue
		}
		if len(p.Failed) > 0 {
			status = subcommands.ExitFailure
		}
		plans = append(plans, p)
	}

	if c.json {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(plans)
		return status
	}
	for _, p := range plans {
		printMarkdown(report.PlanMarkdown(p))
	}
	return status
}
