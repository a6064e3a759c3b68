// Command lotsync syncs brokerage trade history into a record store,
// allocating sells to buy lots first-in first-out.
package main

import (
	"context"
	"flag"
	"os"
	"path"

	"github.com/google/subcommands"
	"github.com/posener/complete/v2"
	"github.com/posener/complete/v2/predict"
)

func main() {
	completion().Complete("lotsync")

	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")
	commander.Register(commander.CommandsCommand(), "")

	commander.Register(&syncCmd{}, "sync")
	commander.Register(&planCmd{}, "sync")
	commander.Register(&positionsCmd{}, "positions")
	commander.Register(&serveCmd{}, "server")

	flag.Parse()
	os.Exit(int(commander.Execute(context.Background())))
}

// completion describes the command line for shell completion. It is a
// no-op unless the shell asks for completions.
func completion() *complete.Command {
	symbols := predict.Something
	return &complete.Command{
		Flags: map[string]complete.Predictor{
			"config": predict.Files("*.yaml"),
			"store":  predict.Set{"notion", "postgres", "bolt", "memory"},
			"raw":    predict.Nothing,
		},
		Sub: map[string]*complete.Command{
			"sync": {
				Flags: map[string]complete.Predictor{"json": predict.Nothing},
				Args:  symbols,
			},
			"plan": {
				Flags: map[string]complete.Predictor{"json": predict.Nothing},
				Args:  symbols,
			},
			"positions": {
				Flags: map[string]complete.Predictor{"html": predict.Nothing, "json": predict.Nothing},
				Args:  symbols,
			},
			"serve": {
				Flags: map[string]complete.Predictor{"addr": predict.Something},
			},
			"help": {},
		},
	}
}
