package commands

import (
	"fmt"
	"os"

	"github.com/raptrnet/raptr/src/raptr"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var logToFile bool

// NewRunCmd returns the command that starts a node.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runRaptr,
	}

	AddRunFlags(cmd)

	return cmd
}

// AddRunFlags adds flags to the Run command.
func AddRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("datadir", "d", _config.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("moniker", _config.Moniker, "Optional name")
	cmd.Flags().BoolVar(&logToFile, "log-to-file", false, "Duplicate log output to files in datadir")

	// Network
	cmd.Flags().StringP("listen", "l", _config.BindAddr, "Listen IP:Port for raptr node")
	cmd.Flags().String("advertise", _config.AdvertiseAddr, "Advertise IP:Port to be used by other nodes")
	cmd.Flags().DurationP("timeout", "t", _config.TCPTimeout, "TCP Timeout")
	cmd.Flags().Int("max-pool", _config.MaxPool, "Connection pool size max")

	// Service
	cmd.Flags().Bool("no-service", _config.NoService, "Disable the HTTP API service")
	cmd.Flags().StringP("service-listen", "s", _config.ServiceAddr, "Listen IP:Port for the HTTP API service")

	// Store
	cmd.Flags().Bool("store", _config.Store, "Use badgerDB instead of in-mem DB")
	cmd.Flags().String("db", _config.DatabaseDir, "Database directory")
	cmd.Flags().Int("cache-size", _config.CacheSize, "Number of items in LRU caches")

	// Consensus
	cmd.Flags().Int("max-byzantine", _config.MaxByzantine, "f, the maximum number of Byzantine validators tolerated")
	cmd.Flags().Int("storage-requirement", _config.StorageRequirement, "Full-prefix votes needed to certify a full block")
	cmd.Flags().Int("n-sub-blocks", _config.NSubBlocks, "Number of sub-blocks per block payload")
	cmd.Flags().Duration("leader-timeout", _config.LeaderTimeout, "Time before voting to time out a round")
	cmd.Flags().Duration("delta", _config.Delta, "Round pacing unit")
	cmd.Flags().Duration("extra-wait-before-qc-vote", _config.ExtraWaitBeforeQCVote, "Extra wait before casting a partial QC-vote")
	cmd.Flags().Bool("commit-votes", _config.EnableCommitVotes, "Enable the commit-vote sub-protocol")
	cmd.Flags().Bool("partial-qc-votes", _config.EnablePartialQCVotes, "Enable QC-votes on partially available payloads")
	cmd.Flags().Duration("block-fetch-interval", _config.BlockFetchInterval, "Retry period of block fetching")
	cmd.Flags().Int("block-fetch-multiplicity", _config.BlockFetchMultiplicity, "Number of validators sampled per fetch attempt")
	cmd.Flags().Duration("round-sync-interval", _config.RoundSyncInterval, "Period of the round-sync rebroadcast")
	cmd.Flags().Duration("status-interval", _config.StatusInterval, "Period of the status log")
	cmd.Flags().Duration("run-duration", _config.RunDuration, "Stop the node after this duration; 0 runs forever")
}

// loadConfig binds flags and the optional raptr.toml file in datadir into
// the config object. Flag > config file > default.
func loadConfig(cmd *cobra.Command, args []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	viper.SetConfigName("raptr")
	viper.AddConfigPath(viper.GetString("datadir"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}

	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	_config.SetDataDir(viper.GetString("datadir"))

	return nil
}

func runRaptr(cmd *cobra.Command, args []string) error {
	logger := _config.Logger()

	if logToFile {
		addFileHook(logger.Logger)
	}

	logger.WithFields(logrus.Fields{
		"datadir":        _config.DataDir,
		"listen":         _config.BindAddr,
		"advertise":      _config.AdvertiseAddr,
		"service-listen": _config.ServiceAddr,
		"store":          _config.Store,
		"max-byzantine":  _config.MaxByzantine,
		"n-sub-blocks":   _config.NSubBlocks,
		"leader-timeout": _config.LeaderTimeout,
	}).Debug("RUN")

	engine := raptr.NewRaptr(_config)

	if err := engine.Init(); err != nil {
		return fmt.Errorf("initializing engine: %s", err)
	}

	return engine.Run()
}

func addFileHook(logger *logrus.Logger) {
	pathMap := lfshook.PathMap{}

	infoLog := fmt.Sprintf("%s/raptr_info.log", _config.DataDir)
	if _, err := os.OpenFile(infoLog, os.O_CREATE|os.O_WRONLY, 0666); err != nil {
		logger.Info("Failed to open raptr_info.log file, using default stderr")
	} else {
		pathMap[logrus.InfoLevel] = infoLog
	}

	debugLog := fmt.Sprintf("%s/raptr_debug.log", _config.DataDir)
	if _, err := os.OpenFile(debugLog, os.O_CREATE|os.O_WRONLY, 0666); err != nil {
		logger.Info("Failed to open raptr_debug.log file, using default stderr")
	} else {
		pathMap[logrus.DebugLevel] = debugLog
	}

	logger.Hooks.Add(lfshook.NewHook(
		pathMap,
		&logrus.TextFormatter{},
	))
}
