package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/holiman/uint256"

	"shieldledger/internal/account"
	"shieldledger/internal/ledger"
	"shieldledger/internal/privacy"
	"shieldledger/internal/runtime"
)

// Config is the sequencerd configuration file.
type Config struct {
	// Node
	DataDir         string `json:"data_dir"`
	ListenAddr      string `json:"listen_addr"`
	ProposerKeyFile string `json:"proposer_key_file"`

	// Proofs: "groth16" or "dev". The dev oracle accepts proofs MACed with
	// DevOracleKey and is for local networks only.
	ProofSystem  string `json:"proof_system"`
	KeyDir       string `json:"key_dir"`
	DevOracleKey string `json:"dev_oracle_key,omitempty"`

	// Ledger and sequencing
	RootHistorySize int  `json:"root_history_size"`
	MempoolMaxSize  int  `json:"mempool_max_size"`
	BlockIntervalMs int  `json:"block_interval_ms"`
	MaxTxPerBlock   int  `json:"max_tx_per_block"`
	SkipEmptyBlocks bool `json:"skip_empty_blocks"`
	VerifyWorkers   int  `json:"verify_workers"`

	// Programs
	ProgramCacheSize int `json:"program_cache_size"`
	ProgramTimeoutMs int `json:"program_timeout_ms"`

	// API
	SubmitRate  float64 `json:"submit_rate"`
	SubmitBurst int     `json:"submit_burst"`

	// Logging
	LogLevel     string `json:"log_level"`
	LogFormat    string `json:"log_format"`
	LogFile      string `json:"log_file"`
	AuditLogPath string `json:"audit_log_path"`

	Genesis GenesisConfig `json:"genesis"`
}

// GenesisConfig seeds block 0.
type GenesisConfig struct {
	Accounts    []GenesisAccount     `json:"accounts"`
	Commitments []privacy.Commitment `json:"commitments,omitempty"`
}

// GenesisAccount is a public account at genesis. An omitted or "unclaimed"
// owner means the authenticated-transfer program.
type GenesisAccount struct {
	ID      account.ID        `json:"id"`
	Owner   account.ProgramID `json:"owner,omitempty"`
	Balance string            `json:"balance"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir:          "data",
		ListenAddr:       "127.0.0.1:8545",
		ProposerKeyFile:  "proposer.key",
		ProofSystem:      "groth16",
		KeyDir:           "keys",
		RootHistorySize:  100,
		MempoolMaxSize:   10000,
		BlockIntervalMs:  1000,
		MaxTxPerBlock:    256,
		SkipEmptyBlocks:  true,
		VerifyWorkers:    4,
		ProgramCacheSize: 256,
		ProgramTimeoutMs: 2000,
		SubmitRate:       20,
		SubmitBurst:      40,
		LogLevel:         "info",
		LogFormat:        "text",
		AuditLogPath:     "audit.log",
	}
}

// LoadConfig loads configuration from path, writing the default
// configuration there first when the file does not exist.
func LoadConfig(path string) (*Config, error) {
	if _, err := os.Stat(path); err == nil {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer file.Close()

		config := DefaultConfig()
		dec := json.NewDecoder(file)
		dec.DisallowUnknownFields()
		if err := dec.Decode(config); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
		return config, nil
	}

	config := DefaultConfig()
	if err := SaveConfig(config, path); err != nil {
		return nil, fmt.Errorf("failed to save default config: %w", err)
	}
	return config, nil
}

// SaveConfig writes config to path as indented JSON.
func SaveConfig(config *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must be set")
	}
	switch c.ProofSystem {
	case "groth16":
		if c.KeyDir == "" {
			return fmt.Errorf("key_dir must be set for groth16")
		}
	case "dev":
		if c.DevOracleKey == "" {
			return fmt.Errorf("dev_oracle_key must be set for the dev proof system")
		}
	default:
		return fmt.Errorf("proof_system must be groth16 or dev, got %q", c.ProofSystem)
	}
	if c.RootHistorySize <= 0 {
		return fmt.Errorf("root_history_size must be positive")
	}
	if c.MempoolMaxSize <= 0 {
		return fmt.Errorf("mempool_max_size must be positive")
	}
	if c.BlockIntervalMs <= 0 {
		return fmt.Errorf("block_interval_ms must be positive")
	}
	if c.MaxTxPerBlock <= 0 {
		return fmt.Errorf("max_tx_per_block must be positive")
	}
	if c.VerifyWorkers <= 0 {
		return fmt.Errorf("verify_workers must be positive")
	}
	if c.ProgramTimeoutMs <= 0 {
		return fmt.Errorf("program_timeout_ms must be positive")
	}
	if c.SubmitRate < 0 || (c.SubmitRate > 0 && c.SubmitBurst <= 0) {
		return fmt.Errorf("submit_burst must be positive when submit_rate is set")
	}
	_, err := c.Genesis.Build()
	return err
}

// BlockInterval is the configured block interval.
func (c *Config) BlockInterval() time.Duration {
	return time.Duration(c.BlockIntervalMs) * time.Millisecond
}

// ProgramTimeout is the configured program execution budget.
func (c *Config) ProgramTimeout() time.Duration {
	return time.Duration(c.ProgramTimeoutMs) * time.Millisecond
}

// Build converts the genesis section into ledger genesis state.
func (g *GenesisConfig) Build() (*ledger.Genesis, error) {
	out := &ledger.Genesis{Commitments: g.Commitments}
	seen := make(map[account.ID]bool, len(g.Accounts))
	for i, a := range g.Accounts {
		if !a.ID.IsPublic() {
			return nil, fmt.Errorf("genesis account %d: %s is not a public account", i, a.ID)
		}
		if seen[a.ID] {
			return nil, fmt.Errorf("genesis account %d: duplicate id %s", i, a.ID)
		}
		seen[a.ID] = true
		balance, err := uint256.FromDecimal(a.Balance)
		if err != nil {
			return nil, fmt.Errorf("genesis account %s: balance %q: %w", a.ID, a.Balance, err)
		}
		owner := a.Owner
		if owner.IsUnclaimed() {
			owner = runtime.AuthTransferID
		}
		acc := account.Account{ProgramOwner: owner, Balance: *balance}
		if err := acc.Validate(); err != nil {
			return nil, fmt.Errorf("genesis account %s: %w", a.ID, err)
		}
		out.Accounts = append(out.Accounts, ledger.AccountEntry{ID: a.ID, Account: acc})
	}
	return out, nil
}
