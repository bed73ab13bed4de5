// sequencerd runs the shieldledger sequencer: it admits transactions over
// HTTP, orders them into signed blocks and persists the ledger. The wallet
// subcommands scan those blocks for private accounts held by local keys.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"shieldledger/internal/logging"
)

var (
	configPath string
	logLevel   string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "sequencerd.json", "Path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")

	runCmd.Flags().String("listen", "", "Override listen_addr")
	runCmd.Flags().String("data-dir", "", "Override data_dir")
	runCmd.Flags().String("proof-system", "", "Override proof_system (groth16 or dev)")

	rootCmd.AddCommand(runCmd, initCmd, setupKeysCmd, walletCmd)
}

var rootCmd = &cobra.Command{
	Use:           "sequencerd",
	Short:         "Privacy ledger sequencer",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sequencer and its HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer log.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runNode(ctx, cfg, log)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration and a proposer key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("%s already exists", configPath)
		}
		cfg, err := LoadConfig(configPath)
		if err != nil {
			return err
		}
		pub, err := writeProposerKey(cfg.ProposerKeyFile)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "config:   %s\nproposer: %x\n", configPath, pub)
		return nil
	},
}

var setupKeysCmd = &cobra.Command{
	Use:   "setup-keys",
	Short: "Compile the transition circuit and generate Groth16 keys into key_dir",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer log.Close()
		cfg.ProofSystem = "groth16"
		if _, err := proofSystem(cfg, log); err != nil {
			return err
		}
		log.WithField("key_dir", cfg.KeyDir).Info("groth16 keys ready")
		return nil
	},
}

func loadConfig(cmd *cobra.Command) (*Config, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	overrides := map[string]*string{
		"listen":       &cfg.ListenAddr,
		"data-dir":     &cfg.DataDir,
		"proof-system": &cfg.ProofSystem,
	}
	for name, dst := range overrides {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			*dst = f.Value.String()
		}
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	return cfg, nil
}

func newLogger(cfg *Config) (*logging.Logger, error) {
	return logging.New(logging.Options{
		Level:     cfg.LogLevel,
		Format:    cfg.LogFormat,
		File:      cfg.LogFile,
		AuditFile: cfg.AuditLogPath,
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
