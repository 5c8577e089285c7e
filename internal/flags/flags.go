// Package flags holds the shared cli app scaffolding for gtrace commands.
package flags

import (
	"github.com/urfave/cli/v2"

	"github.com/trace-network/gtrace/params"
)

const (
	LedgerCategory     = "LEDGER"
	NetworkingCategory = "NETWORKING"
	MinerCategory      = "MINER"
	AccountCategory    = "ACCOUNT"
	LoggingCategory    = "LOGGING AND DEBUGGING"
	MiscCategory       = "MISC"
)

func init() {
	cli.HelpFlag.(*cli.BoolFlag).Category = MiscCategory
	cli.VersionFlag.(*cli.BoolFlag).Category = MiscCategory
}

// NewApp creates a cli app with the project's common metadata filled in.
func NewApp(usage string) *cli.App {
	app := cli.NewApp()
	app.EnableBashCompletion = true
	app.Version = params.Version
	app.Usage = usage
	app.Copyright = "Copyright 2024-2026 The gtrace Authors"
	return app
}
