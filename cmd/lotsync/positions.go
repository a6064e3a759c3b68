package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/robinfolio/lotsync/internal/report"
	"github.com/robinfolio/lotsync/internal/store"
)

type positionsCmd struct {
	html bool
	json bool
}

func (*positionsCmd) Name() string     { return "positions" }
func (*positionsCmd) Synopsis() string { return "display open lots and average cost per instrument" }
func (*positionsCmd) Usage() string {
	return `lotsync positions [-html|-json] [<symbol>...]

  Reads the open lots of each instrument from the store. Nothing is
  fetched from the broker.
`
}

func (c *positionsCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.html, "html", false, "print an HTML report")
	f.BoolVar(&c.json, "json", false, "print the positions as JSON")
}

func (c *positionsCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, err := openApp(ctx, false)
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
	for _, sym := range symbols {
		sum, err := a.syncer.Position(ctx, sym)
		if errors.Is(err, store.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "Warning: no position for %s\n", sym)
			continue
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading %s: %v\n", sym, err)
			status = subcommands.ExitFailure
			continue
		}

		switch {
		case c.json:
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			enc.Encode(sum)
		case c.html:
			html, err := report.HTML(report.PositionMarkdown(sym, sum))
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				return subcommands.ExitFailure
			}
			fmt.Print(html)
		default:
			printMarkdown(report.PositionMarkdown(sym, sum))
		}
	}
	return status
}
