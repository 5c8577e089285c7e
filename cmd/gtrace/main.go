// gtrace is the supply-chain ledger replica daemon.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/naoina/toml"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/trace-network/gtrace/accountsigner"
	"github.com/trace-network/gtrace/consensus/election"
	"github.com/trace-network/gtrace/core"
	"github.com/trace-network/gtrace/internal/flags"
	"github.com/trace-network/gtrace/ledgerdb"
	"github.com/trace-network/gtrace/ledgerdb/filedb"
	"github.com/trace-network/gtrace/ledgerdb/sqlitedb"
	"github.com/trace-network/gtrace/miner"
	"github.com/trace-network/gtrace/node"
	"github.com/trace-network/gtrace/params"
	"github.com/trace-network/gtrace/trace"
)

var (
	portFlag = &cli.IntFlag{
		Name:     "port",
		Usage:    "HTTP listening port",
		Value:    params.DefaultPort,
		Category: flags.NetworkingCategory,
	}
	hostnameFlag = &cli.StringFlag{
		Name:     "hostname",
		Usage:    "Hostname this replica advertises to peers",
		Value:    "localhost",
		Category: flags.NetworkingCategory,
	}
	bootstrapFlag = &cli.StringFlag{
		Name:     "bootstrap",
		Usage:    "Comma-separated peer URLs contacted at startup",
		Category: flags.NetworkingCategory,
	}
	priorityFlag = &cli.StringFlag{
		Name:     "priority",
		Usage:    "Comma-separated leader-election hostname list",
		Category: flags.NetworkingCategory,
	}
	difficultyFlag = &cli.IntFlag{
		Name:     "difficulty",
		Usage:    "Number of leading zero nibbles required of a block hash",
		Value:    params.DefaultDifficulty,
		Category: flags.MinerCategory,
	}
	noAutoMineFlag = &cli.BoolFlag{
		Name:     "no-auto-mine",
		Usage:    "Disable the background mining daemon",
		Category: flags.MinerCategory,
	}
	noCryptoFlag = &cli.BoolFlag{
		Name:     "no-crypto",
		Usage:    "Disable transaction signature verification",
		Category: flags.AccountCategory,
	}
	keysFlag = &cli.StringFlag{
		Name:     "keys",
		Usage:    "Directory holding actor PEM keypairs",
		Value:    "keys",
		Category: flags.AccountCategory,
	}
	datadirFlag = &cli.StringFlag{
		Name:     "datadir",
		Usage:    "Directory for the persistent store",
		Value:    ".",
		Category: flags.LedgerCategory,
	}
	backendFlag = &cli.StringFlag{
		Name:     "backend",
		Usage:    `Persistence backend ("sqlite" or "file")`,
		Value:    "sqlite",
		Category: flags.LedgerCategory,
	}
	configFlag = &cli.StringFlag{
		Name:     "config",
		Usage:    "TOML configuration file (flags override file values)",
		Category: flags.MiscCategory,
	}
	verbosityFlag = &cli.StringFlag{
		Name:     "verbosity",
		Usage:    "Logging level (debug, info, warn, error)",
		Value:    "info",
		Category: flags.LoggingCategory,
	}
)

var app = flags.NewApp("the supply-chain ledger replica daemon")

func init() {
	app.Name = "gtrace"
	app.Action = runReplica
	app.Flags = []cli.Flag{
		portFlag, hostnameFlag, bootstrapFlag, priorityFlag,
		difficultyFlag, noAutoMineFlag, noCryptoFlag, keysFlag,
		datadirFlag, backendFlag, configFlag, verbosityFlag,
	}
	app.Commands = []*cli.Command{
		statusCommand,
	}
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// makeConfig builds the replica configuration: defaults, then the config
// file, then command-line overrides.
func makeConfig(ctx *cli.Context) (*params.Config, error) {
	cfg := params.DefaultConfig()
	if path := ctx.String(configFlag.Name); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if ctx.IsSet(portFlag.Name) {
		cfg.Port = ctx.Int(portFlag.Name)
	}
	if ctx.IsSet(hostnameFlag.Name) {
		cfg.Hostname = ctx.String(hostnameFlag.Name)
	}
	if ctx.IsSet(bootstrapFlag.Name) {
		cfg.Bootstrap = splitList(ctx.String(bootstrapFlag.Name))
	}
	if ctx.IsSet(priorityFlag.Name) {
		cfg.Priority = splitList(ctx.String(priorityFlag.Name))
	}
	if ctx.IsSet(difficultyFlag.Name) {
		cfg.Difficulty = ctx.Int(difficultyFlag.Name)
	}
	if ctx.IsSet(datadirFlag.Name) {
		cfg.DataDir = ctx.String(datadirFlag.Name)
	}
	if ctx.IsSet(keysFlag.Name) {
		cfg.KeysDir = ctx.String(keysFlag.Name)
	}
	if ctx.IsSet(backendFlag.Name) {
		cfg.Backend = ctx.String(backendFlag.Name)
	}
	if ctx.Bool(noCryptoFlag.Name) {
		cfg.EnableCrypto = false
	}
	if ctx.Bool(noAutoMineFlag.Name) {
		cfg.AutoMine = false
	}
	if err := cfg.Sanitize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// openStore opens the configured persistence backend.
func openStore(cfg *params.Config) (ledgerdb.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create datadir: %w", err)
	}
	switch cfg.Backend {
	case "sqlite":
		return sqlitedb.New(filepath.Join(cfg.DataDir, "ledger.db"))
	case "file":
		return filedb.New(cfg.DataDir)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func runReplica(ctx *cli.Context) error {
	level, err := logrus.ParseLevel(ctx.String(verbosityFlag.Name))
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	log := logrus.WithField("component", "gtrace")

	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var signer *accountsigner.Registry
	if cfg.EnableCrypto {
		signer, err = accountsigner.NewRegistry(cfg.KeysDir)
		if err != nil {
			return err
		}
	}

	bc, err := core.NewBlockchain(cfg, store, signer)
	if err != nil {
		return err
	}
	elect := election.New(cfg.Priority, cfg.Hostname, cfg.Port, cfg.PeerTimeout)
	backend := trace.NewBackend(cfg, bc, elect)
	backend.Start()
	defer backend.Stop()

	if cfg.AutoMine {
		m := miner.New(cfg, bc, backend, func() bool {
			return elect.IsLeader(bc.Height())
		})
		m.Start()
		defer m.Stop()
	}

	n := node.New(cfg, backend, signer)
	serveErr := n.Start()
	defer n.Stop()

	log.WithFields(logrus.Fields{
		"addr":       cfg.SelfAddress(),
		"backend":    cfg.Backend,
		"difficulty": cfg.Difficulty,
		"crypto":     cfg.EnableCrypto,
		"auto-mine":  cfg.AutoMine,
	}).Info("replica started")

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigc:
		log.WithField("signal", sig.String()).Info("shutting down")
		return nil
	case err := <-serveErr:
		return err
	}
}
