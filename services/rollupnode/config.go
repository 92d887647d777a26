package rollupnode

import (
	"time"

	"github.com/zenithlabs/zenith/internal/executor"
	"github.com/zenithlabs/zenith/internal/wal"
	"github.com/zenithlabs/zenith/services/batcher"
	"github.com/zenithlabs/zenith/services/l1sender"
	"github.com/zenithlabs/zenith/services/txnpool"
)

type Config struct {
	DBPath   string `yaml:"dbPath,omitempty" mapstructure:"dbPath"`
	LogLevel string `yaml:"logLevel,omitempty" mapstructure:"logLevel"`

	Executor executor.Config  `yaml:"executor,omitempty" mapstructure:"executor"`
	WAL      wal.Config       `yaml:"wal,omitempty" mapstructure:"wal"`
	Pool     txnpool.Config   `yaml:"pool,omitempty" mapstructure:"pool"`
	Batcher  batcher.Config   `yaml:"batcher,omitempty" mapstructure:"batcher"`
	L1       l1sender.Config  `yaml:"l1,omitempty" mapstructure:"l1"`

	// ProverAPIEndpoint exposes the pull API for the external prover service;
	// empty disables the server.
	ProverAPIEndpoint string `yaml:"proverApiEndpoint,omitempty" mapstructure:"proverApiEndpoint"`

	// ReplayServerEndpoint serves the block-replay protocol to external
	// nodes; empty disables the server.
	ReplayServerEndpoint string `yaml:"replayServerEndpoint,omitempty" mapstructure:"replayServerEndpoint"`

	// BlockReplayDownloadAddress switches the node to external-node mode: WAL
	// records are pulled from this peer and replayed; the mempool, batcher
	// and L1 senders do not run. The priority tree manager still does.
	BlockReplayDownloadAddress string `yaml:"blockReplayDownloadAddress,omitempty" mapstructure:"blockReplayDownloadAddress"`

	ReplayPollInterval time.Duration `yaml:"replayPollInterval,omitempty" mapstructure:"replayPollInterval"`

	// UseDummyProofs runs the in-process dummy prover instead of waiting for
	// an external proving service.
	UseDummyProofs      bool          `yaml:"useDummyProofs,omitempty" mapstructure:"useDummyProofs"`
	DummyProverInterval time.Duration `yaml:"dummyProverInterval,omitempty" mapstructure:"dummyProverInterval"`
}

func DefaultConfig() Config {
	return Config{
		DBPath:              "zenith_db",
		LogLevel:            "info",
		Executor:            executor.DefaultConfig(),
		WAL:                 wal.DefaultConfig(),
		Pool:                txnpool.DefaultConfig(),
		Batcher:             batcher.DefaultConfig(),
		L1:                  l1sender.DefaultConfig(),
		ReplayPollInterval:  100 * time.Millisecond,
		DummyProverInterval: 100 * time.Millisecond,
	}
}

// IsExternalNode reports whether the node follows a peer instead of producing.
func (c *Config) IsExternalNode() bool {
	return c.BlockReplayDownloadAddress != ""
}
