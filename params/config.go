// Package params holds replica configuration and protocol defaults.
package params

import (
	"errors"
	"fmt"
	"time"
)

// Protocol defaults. A three-replica cluster with difficulty 2 is the
// canonical deployment.
const (
	DefaultPort          = 5000
	DefaultDifficulty    = 2
	DefaultMineThreshold = 10
	DefaultMaxMempool    = 1000

	DefaultMineInterval = 60 * time.Second
	DefaultSyncInterval = 30 * time.Second
	DefaultSyncWarmup   = 10 * time.Second
	DefaultPeerTimeout  = 3 * time.Second
)

// DefaultPriority is the fixed leader-election priority list. Index order is
// the tie-break between replicas reporting equal chain length.
var DefaultPriority = []string{"blockchain1", "blockchain2", "blockchain3"}

var (
	errInvalidPort       = errors.New("params: port must be in (0, 65535]")
	errInvalidDifficulty = errors.New("params: difficulty must be >= 1")
	errInvalidThreshold  = errors.New("params: mine threshold must be >= 1")
	errInvalidMempool    = errors.New("params: max mempool must be >= mine threshold")
	errInvalidInterval   = errors.New("params: intervals must be > 0")
	errEmptyPriority     = errors.New("params: priority list must not be empty")
)

// Config carries everything a replica needs at startup. The zero value is not
// usable; construct with DefaultConfig and override, then call Sanitize.
type Config struct {
	Port     int    `toml:"port"`
	Hostname string `toml:"hostname"`

	// DataDir is where the store backend keeps its files. KeysDir is the
	// actor key registry (PEM files).
	DataDir string `toml:"datadir"`
	KeysDir string `toml:"keys"`

	// Backend selects the persistence backend: "sqlite" or "file".
	Backend string `toml:"backend"`

	Difficulty    int `toml:"difficulty"`
	MineThreshold int `toml:"mine-threshold"`
	MaxMempool    int `toml:"max-mempool"`

	MineInterval time.Duration `toml:"mine-interval"`
	SyncInterval time.Duration `toml:"sync-interval"`
	SyncWarmup   time.Duration `toml:"sync-warmup"`
	PeerTimeout  time.Duration `toml:"peer-timeout"`

	// Bootstrap are peer base URLs contacted at startup.
	Bootstrap []string `toml:"bootstrap"`

	// Priority is the leader-election hostname list.
	Priority []string `toml:"priority"`

	// EnableCrypto gates signature verification; AutoMine gates the
	// background mining daemon.
	EnableCrypto bool `toml:"crypto"`
	AutoMine     bool `toml:"auto-mine"`
}

// DefaultConfig returns the canonical single-replica configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:          DefaultPort,
		Hostname:      "localhost",
		DataDir:       ".",
		KeysDir:       "keys",
		Backend:       "sqlite",
		Difficulty:    DefaultDifficulty,
		MineThreshold: DefaultMineThreshold,
		MaxMempool:    DefaultMaxMempool,
		MineInterval:  DefaultMineInterval,
		SyncInterval:  DefaultSyncInterval,
		SyncWarmup:    DefaultSyncWarmup,
		PeerTimeout:   DefaultPeerTimeout,
		Priority:      append([]string(nil), DefaultPriority...),
		EnableCrypto:  true,
		AutoMine:      true,
	}
}

// Sanitize validates the config and fills derivable fields. Returns an error
// describing the first invalid value.
func (c *Config) Sanitize() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: have %d", errInvalidPort, c.Port)
	}
	if c.Difficulty < 1 {
		return fmt.Errorf("%w: have %d", errInvalidDifficulty, c.Difficulty)
	}
	if c.MineThreshold < 1 {
		return fmt.Errorf("%w: have %d", errInvalidThreshold, c.MineThreshold)
	}
	if c.MaxMempool < c.MineThreshold {
		return fmt.Errorf("%w: have %d", errInvalidMempool, c.MaxMempool)
	}
	if c.MineInterval <= 0 || c.SyncInterval <= 0 || c.PeerTimeout <= 0 {
		return errInvalidInterval
	}
	if len(c.Priority) == 0 {
		return errEmptyPriority
	}
	if c.Hostname == "" {
		c.Hostname = "localhost"
	}
	return nil
}

// SelfAddress is the base URL this replica advertises to peers.
func (c *Config) SelfAddress() string {
	return fmt.Sprintf("http://%s:%d", c.Hostname, c.Port)
}
