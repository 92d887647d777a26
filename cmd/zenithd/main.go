package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/zenithlabs/zenith/common/check"
	"github.com/zenithlabs/zenith/common/logging"
	"github.com/zenithlabs/zenith/internal/db"
	"github.com/zenithlabs/zenith/internal/executor"
	"github.com/zenithlabs/zenith/services/l1sender/l1client"
	"github.com/zenithlabs/zenith/services/rollupnode"
)

func main() {
	check.PanicIfErr(execute())
}

func execute() error {
	rootCmd := &cobra.Command{
		Use:   os.Args[0],
		Short: "Run a zenith sequencer node",
	}

	cfg := rollupnode.DefaultConfig()
	var configPath string

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sequencer (or an external node in replay mode)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				if err := loadConfigFile(configPath, &cfg); err != nil {
					return err
				}
			}
			return run(&cfg)
		},
	}

	addFlags(runCmd, &cfg, &configPath)
	rootCmd.AddCommand(runCmd)
	return rootCmd.Execute()
}

func addFlags(cmd *cobra.Command, cfg *rollupnode.Config, configPath *string) {
	cmd.Flags().StringVar(configPath, "config", "", "path to YAML config file")
	cmd.Flags().StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "path to database")
	cmd.Flags().DurationVar(&cfg.Executor.BlockTime, "block-time", cfg.Executor.BlockTime, "target block time")
	cmd.Flags().IntVar(&cfg.Executor.MaxTxsPerBlock, "max-txs-per-block", cfg.Executor.MaxTxsPerBlock, "max transactions per block")
	cmd.Flags().IntVar(&cfg.Executor.PriorityTxsPerBlock, "priority-txs-per-block", cfg.Executor.PriorityTxsPerBlock, "priority tx budget per block")
	cmd.Flags().Uint32Var(&cfg.Batcher.Constraints.MaxBlocksCount, "max-batch-blocks", cfg.Batcher.Constraints.MaxBlocksCount, "max blocks per batch")
	cmd.Flags().Uint64Var(&cfg.Batcher.Constraints.MaxInputWords, "max-batch-words", cfg.Batcher.Constraints.MaxInputWords, "max prover input words per batch")
	cmd.Flags().DurationVar(&cfg.Batcher.Constraints.SealingTimeout, "batch-deadline", cfg.Batcher.Constraints.SealingTimeout, "batch sealing deadline")
	cmd.Flags().StringVar(&cfg.L1.Endpoint, "l1-endpoint", cfg.L1.Endpoint, "L1 RPC endpoint")
	cmd.Flags().StringVar(&cfg.L1.PrivateKeyHex, "l1-private-key", cfg.L1.PrivateKeyHex, "L1 account private key")
	cmd.Flags().StringVar(&cfg.L1.ContractAddress, "l1-contract-address", cfg.L1.ContractAddress, "rollup contract address")
	cmd.Flags().BoolVar(&cfg.L1.DisableL1, "disable-l1", cfg.L1.DisableL1, "run against an in-process fake L1")
	cmd.Flags().Uint32Var(&cfg.L1.RetryBudget, "l1-retry-budget", cfg.L1.RetryBudget, "L1 sender retry budget")
	cmd.Flags().StringVar(&cfg.ProverAPIEndpoint, "prover-api", cfg.ProverAPIEndpoint, "prover pull API listen address")
	cmd.Flags().StringVar(&cfg.ReplayServerEndpoint, "replay-server", cfg.ReplayServerEndpoint, "block-replay protocol listen address")
	cmd.Flags().StringVar(&cfg.BlockReplayDownloadAddress, "block-replay-download-address", cfg.BlockReplayDownloadAddress, "peer to pull WAL records from (enables external-node mode)")
	cmd.Flags().BoolVar(&cfg.UseDummyProofs, "use-dummy-proofs", cfg.UseDummyProofs, "produce sentinel proofs without an external prover")
	logLevel := cmd.Flags().String("log-level", cfg.LogLevel, "log level: trace|debug|info|warn|error|fatal|panic")

	cmd.PreRun = func(cmd *cobra.Command, args []string) {
		logging.SetupGlobalLogger(*logLevel)
	}
}

func loadConfigFile(path string, cfg *rollupnode.Config) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config %s: %w", path, err)
	}
	return nil
}

func run(cfg *rollupnode.Config) error {
	database, err := db.NewBadgerDb(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	client, err := buildL1Client(ctx, cfg)
	if err != nil {
		return err
	}

	node, err := rollupnode.New(*cfg, database, &executor.ReferenceVM{}, client)
	if err != nil {
		return fmt.Errorf("can't create rollup node: %w", err)
	}

	if err := node.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("node exited with error: %w", err)
	}
	return nil
}

func buildL1Client(ctx context.Context, cfg *rollupnode.Config) (l1client.EthClient, error) {
	if cfg.L1.DisableL1 {
		return l1client.NewFakeClient(), nil
	}
	logger := logging.NewLogger("l1_client")
	client, err := l1client.NewRetryingEthClient(ctx, cfg.L1.Endpoint, cfg.L1.RequestsTimeout, logger)
	if err != nil {
		return nil, fmt.Errorf("error initializing L1 client: %w", err)
	}
	return client, nil
}
