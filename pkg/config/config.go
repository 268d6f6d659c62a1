// Package config loads tapevm configuration.
//
// Values come from three layers, later ones winning: built-in defaults, an
// optional TOML file, and TVM_* environment variables. Command-line flags
// are applied by the caller on top of the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fortiblox/tapevm/pkg/programstore"
	"github.com/fortiblox/tapevm/pkg/rpc"
	"github.com/fortiblox/tapevm/pkg/runlog"
	"github.com/fortiblox/tapevm/pkg/tvm/bf"
	"github.com/fortiblox/tapevm/pkg/tvm/executor"
	"gitlab.com/efronlicht/enve"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Environment variables read by ApplyEnv.
const (
	EnvTapeSize        = "TVM_TAPE_SIZE"
	EnvMaxInstructions = "TVM_MAX_INSTRUCTIONS"
	EnvDataDir         = "TVM_DATA_DIR"
	EnvLogLevel        = "TVM_LOG_LEVEL"
	EnvListenAddr      = "TVM_LISTEN_ADDR"
)

// Validation errors.
var (
	ErrInvalidTapeSize = errors.New("tape size must be positive")
	ErrInvalidLimit    = errors.New("limit below default")
	ErrEmptyDataDir    = errors.New("data dir must not be empty")
	ErrEmptyListenAddr = errors.New("listen address must not be empty")
)

// Config is the complete tapevm configuration.
type Config struct {
	DataDir  string        `toml:"data-dir"`
	LogLevel zapcore.Level `toml:"log-level"`

	VM     VMConfig     `toml:"vm"`
	Store  StoreConfig  `toml:"store"`
	RunLog RunLogConfig `toml:"runlog"`
	Server ServerConfig `toml:"server"`
}

// VMConfig holds run limits.
type VMConfig struct {
	TapeSize             int    `toml:"tape-size"`
	MaxTapeSize          int    `toml:"max-tape-size"`
	MaxInstructions      uint64 `toml:"max-instructions"`
	MaxInstructionsLimit uint64 `toml:"max-instructions-limit"`
	MaxInputSize         int    `toml:"max-input-size"`
	CacheSize            int    `toml:"cache-size"`
}

// StoreConfig configures the program store.
type StoreConfig struct {
	NoSync        bool          `toml:"no-sync"`
	PruneEnabled  bool          `toml:"prune"`
	PruneInterval time.Duration `toml:"prune-interval"`
	RetainFor     time.Duration `toml:"retain-for"`
}

// RunLogConfig configures the run history.
type RunLogConfig struct {
	Enabled         bool `toml:"enabled"`
	SyncWrites      bool `toml:"sync-writes"`
	MaxStoredOutput int  `toml:"max-stored-output"`
}

// ServerConfig configures the gRPC server.
type ServerConfig struct {
	ListenAddr     string `toml:"listen-addr"`
	MaxMessageSize int    `toml:"max-message-size"`
	MaxListRuns    int    `toml:"max-list-runs"`
}

// Default returns the built-in configuration.
func Default() Config {
	exec := executor.DefaultConfig()
	store := programstore.DefaultConfig("")
	runs := runlog.DefaultConfig("")
	server := rpc.DefaultConfig()

	return Config{
		DataDir:  defaultDataDir(),
		LogLevel: zapcore.InfoLevel,
		VM: VMConfig{
			TapeSize:             bf.DefaultTapeSize,
			MaxTapeSize:          exec.MaxTapeSize,
			MaxInstructions:      bf.DefaultMaxInstructions,
			MaxInstructionsLimit: exec.MaxInstructionsLimit,
			MaxInputSize:         exec.MaxInputSize,
			CacheSize:            exec.CacheSize,
		},
		Store: StoreConfig{
			NoSync:        store.NoSync,
			PruneEnabled:  store.PruneEnabled,
			PruneInterval: store.PruneInterval,
			RetainFor:     store.RetainFor,
		},
		RunLog: RunLogConfig{
			Enabled:         true,
			SyncWrites:      runs.SyncWrites,
			MaxStoredOutput: runs.MaxStoredOutput,
		},
		Server: ServerConfig{
			ListenAddr:     server.ListenAddr,
			MaxMessageSize: server.MaxMessageSize,
			MaxListRuns:    server.MaxListRuns,
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tapevm"
	}
	return filepath.Join(home, ".tapevm")
}

// Load returns the defaults overlaid with the TOML file at path (skipped
// when path is empty) and then the environment. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("parse error in %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("unknown key %q in %s", undecoded[0].String(), path)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from TVM_* environment variables. Unset or
// unparsable variables leave the field unchanged.
func (c *Config) ApplyEnv() {
	c.VM.TapeSize = enve.IntOr(EnvTapeSize, c.VM.TapeSize)
	c.VM.MaxInstructions = enve.Uint64Or(EnvMaxInstructions, c.VM.MaxInstructions)
	c.DataDir = enve.StringOr(EnvDataDir, c.DataDir)
	c.LogLevel = enve.FromTextOr(EnvLogLevel, c.LogLevel)
	c.Server.ListenAddr = enve.StringOr(EnvListenAddr, c.Server.ListenAddr)
}

// Validate checks the configuration for values no component accepts.
func (c *Config) Validate() error {
	if c.VM.TapeSize <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidTapeSize, c.VM.TapeSize)
	}
	if c.VM.MaxTapeSize < c.VM.TapeSize {
		return fmt.Errorf("%w: max tape size %d < tape size %d", ErrInvalidLimit, c.VM.MaxTapeSize, c.VM.TapeSize)
	}
	if c.VM.MaxInstructionsLimit < c.VM.MaxInstructions {
		return fmt.Errorf("%w: instruction limit %d < default %d", ErrInvalidLimit, c.VM.MaxInstructionsLimit, c.VM.MaxInstructions)
	}
	if c.DataDir == "" {
		return ErrEmptyDataDir
	}
	if c.Server.ListenAddr == "" {
		return ErrEmptyListenAddr
	}
	return nil
}

// ProgramStorePath returns the program database file.
func (c *Config) ProgramStorePath() string {
	return filepath.Join(c.DataDir, "programs.db")
}

// RunLogPath returns the run history directory.
func (c *Config) RunLogPath() string {
	return filepath.Join(c.DataDir, "runs")
}

// ProgramStore builds the program store configuration.
func (c *Config) ProgramStore(logger *zap.Logger) programstore.Config {
	cfg := programstore.DefaultConfig(c.ProgramStorePath())
	cfg.NoSync = c.Store.NoSync
	cfg.PruneEnabled = c.Store.PruneEnabled
	cfg.PruneInterval = c.Store.PruneInterval
	cfg.RetainFor = c.Store.RetainFor
	cfg.Logger = logger
	return cfg
}

// RunLogStore builds the run log configuration.
func (c *Config) RunLogStore(logger *zap.Logger) runlog.Config {
	cfg := runlog.DefaultConfig(c.RunLogPath())
	cfg.SyncWrites = c.RunLog.SyncWrites
	cfg.MaxStoredOutput = c.RunLog.MaxStoredOutput
	cfg.Logger = logger
	return cfg
}

// Executor builds the executor configuration.
func (c *Config) Executor() executor.Config {
	return executor.Config{
		TapeSize:             c.VM.TapeSize,
		MaxTapeSize:          c.VM.MaxTapeSize,
		MaxInstructions:      c.VM.MaxInstructions,
		MaxInstructionsLimit: c.VM.MaxInstructionsLimit,
		MaxInputSize:         c.VM.MaxInputSize,
		CacheSize:            c.VM.CacheSize,
	}
}

// RPC builds the gRPC server configuration.
func (c *Config) RPC(logger *zap.Logger) rpc.Config {
	cfg := rpc.DefaultConfig()
	cfg.ListenAddr = c.Server.ListenAddr
	cfg.MaxMessageSize = c.Server.MaxMessageSize
	cfg.MaxListRuns = c.Server.MaxListRuns
	cfg.Logger = logger
	return cfg
}
