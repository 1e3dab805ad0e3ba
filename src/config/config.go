package config

import (
	"crypto/ecdsa"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/raptrnet/raptr/src/common"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// Default filenames.
const (
	// DefaultKeyfile is the default name of the file containing the
	// validator's private key.
	DefaultKeyfile = "priv_key.pem"

	// DefaultBadgerFile is the default name of the folder containing the
	// Badger database.
	DefaultBadgerFile = "badger_db"
)

// Default configuration values.
const (
	DefaultLogLevel               = "debug"
	DefaultBindAddr               = "127.0.0.1:1337"
	DefaultServiceAddr            = "127.0.0.1:8000"
	DefaultTCPTimeout             = 1000 * time.Millisecond
	DefaultCacheSize              = 10000
	DefaultMaxPool                = 2
	DefaultStore                  = false
	DefaultMaxByzantine           = 1
	DefaultStorageRequirement     = 3
	DefaultNSubBlocks             = 8
	DefaultLeaderTimeout          = 1000 * time.Millisecond
	DefaultDelta                  = 100 * time.Millisecond
	DefaultExtraWaitBeforeQCVote  = 20 * time.Millisecond
	DefaultBlockFetchInterval     = 500 * time.Millisecond
	DefaultBlockFetchMultiplicity = 2
	DefaultRoundSyncInterval      = 1000 * time.Millisecond
	DefaultStatusInterval         = 5000 * time.Millisecond
	DefaultEnableCommitVotes      = true
	DefaultEnablePartialQCVotes   = true
)

// Config contains all the configuration properties of a node.
type Config struct {
	// DataDir is the top-level directory containing configuration and data.
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// BindAddr is the local address:port where this node talks to other
	// nodes.
	BindAddr string `mapstructure:"listen"`

	// AdvertiseAddr is used to change the address that we advertise to other
	// nodes.
	AdvertiseAddr string `mapstructure:"advertise"`

	// NoService disables the HTTP API service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the optional HTTP service.
	ServiceAddr string `mapstructure:"service-listen"`

	// MaxPool controls how many connections are pooled per target in the
	// outbound message routines.
	MaxPool int `mapstructure:"max-pool"`

	// TCPTimeout is the timeout of outbound TCP connections.
	TCPTimeout time.Duration `mapstructure:"timeout"`

	// Store activates persistent storage of blocks.
	Store bool `mapstructure:"store"`

	// DatabaseDir is the directory containing database files.
	DatabaseDir string `mapstructure:"db"`

	// CacheSize is the max number of items in in-memory caches.
	CacheSize int `mapstructure:"cache-size"`

	// Moniker defines the friendly name of this node.
	Moniker string `mapstructure:"moniker"`

	// MaxByzantine is f, the maximum number of Byzantine validators
	// tolerated. The validator set must contain at least 3f+1 members.
	MaxByzantine int `mapstructure:"max-byzantine"`

	// StorageRequirement is the minimum number of full-prefix votes required
	// to certify a full block while the node is still catching up on
	// committed rounds.
	StorageRequirement int `mapstructure:"storage-requirement"`

	// NSubBlocks is the number of sub-blocks a block payload is divided
	// into. A quorum certificate may cover only a prefix of them.
	NSubBlocks int `mapstructure:"n-sub-blocks"`

	// LeaderTimeout is how long a node waits in a round before voting to
	// time it out.
	LeaderTimeout time.Duration `mapstructure:"leader-timeout"`

	// Delta is the round duration unit used to pace optimistic waits.
	Delta time.Duration `mapstructure:"delta"`

	// ExtraWaitBeforeQCVote delays the partial QC-vote after receiving a
	// proposal, giving the payload a chance to complete locally.
	ExtraWaitBeforeQCVote time.Duration `mapstructure:"extra-wait-before-qc-vote"`

	// EnableCommitVotes enables the commit-vote (CC) sub-protocol.
	EnableCommitVotes bool `mapstructure:"commit-votes"`

	// EnablePartialQCVotes enables timer-driven QC-votes on partially
	// available payloads.
	EnablePartialQCVotes bool `mapstructure:"partial-qc-votes"`

	// BlockFetchInterval is the retry period of the block-fetch timer.
	BlockFetchInterval time.Duration `mapstructure:"block-fetch-interval"`

	// BlockFetchMultiplicity is how many of a QC's signers are sampled for
	// each fetch attempt.
	BlockFetchMultiplicity int `mapstructure:"block-fetch-multiplicity"`

	// RoundSyncInterval is the period of the round-sync rebroadcast.
	RoundSyncInterval time.Duration `mapstructure:"round-sync-interval"`

	// StatusInterval is the period of the status log.
	StatusInterval time.Duration `mapstructure:"status-interval"`

	// RunDuration bounds the run; zero means run until killed.
	RunDuration time.Duration `mapstructure:"run-duration"`

	// Key is the private key of the validator.
	Key *ecdsa.PrivateKey

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	return &Config{
		DataDir:                DefaultDataDir(),
		LogLevel:               DefaultLogLevel,
		BindAddr:               DefaultBindAddr,
		ServiceAddr:            DefaultServiceAddr,
		TCPTimeout:             DefaultTCPTimeout,
		CacheSize:              DefaultCacheSize,
		MaxPool:                DefaultMaxPool,
		Store:                  DefaultStore,
		DatabaseDir:            DefaultDatabaseDir(),
		MaxByzantine:           DefaultMaxByzantine,
		StorageRequirement:     DefaultStorageRequirement,
		NSubBlocks:             DefaultNSubBlocks,
		LeaderTimeout:          DefaultLeaderTimeout,
		Delta:                  DefaultDelta,
		ExtraWaitBeforeQCVote:  DefaultExtraWaitBeforeQCVote,
		EnableCommitVotes:      DefaultEnableCommitVotes,
		EnablePartialQCVotes:   DefaultEnablePartialQCVotes,
		BlockFetchInterval:     DefaultBlockFetchInterval,
		BlockFetchMultiplicity: DefaultBlockFetchMultiplicity,
		RoundSyncInterval:      DefaultRoundSyncInterval,
		StatusInterval:         DefaultStatusInterval,
	}
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB, level logrus.Level) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t, level)
	return config
}

// Quorum returns the Byzantine quorum size for n validators:
// floor((n+f)/2)+1. With n = 3f+1 this is the usual 2f+1.
func (c *Config) Quorum(n int) int {
	return (n+c.MaxByzantine)/2 + 1
}

// SetDataDir sets the top-level directory, and updates the database directory
// if it is currently set to the default value.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.DatabaseDir == DefaultDatabaseDir() {
		c.DatabaseDir = filepath.Join(dataDir, DefaultBadgerFile)
	}
}

// Keyfile returns the full path of the file containing the private key.
func (c *Config) Keyfile() string {
	return filepath.Join(c.DataDir, DefaultKeyfile)
}

// Logger returns a formatted logrus Entry, with prefix set to "raptr".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)
	}
	return c.logger.WithField("prefix", "raptr")
}

// DefaultDatabaseDir returns the default path for the badger database files.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultBadgerFile)
}

// DefaultDataDir returns the default directory name for top-level config
// based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Raptr")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Raptr")
		} else {
			return filepath.Join(home, ".raptr")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
