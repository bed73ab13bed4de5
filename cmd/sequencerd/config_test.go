package main

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shieldledger/internal/account"
	"shieldledger/internal/runtime"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "sequencerd.json")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
	require.NoError(t, cfg.Validate())
	require.FileExists(t, path)
	require.Equal(t, time.Second, cfg.BlockInterval())

	cfg.ProofSystem = "dev"
	cfg.DevOracleKey = "local"
	cfg.BlockIntervalMs = 250
	require.NoError(t, SaveConfig(cfg, path))
	again, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, cfg, again)
	require.Equal(t, 250*time.Millisecond, again.BlockInterval())

	t.Run("unknown fields are rejected", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.json")
		require.NoError(t, os.WriteFile(bad, []byte(`{"num_participants": 10}`), 0o600))
		_, err := LoadConfig(bad)
		require.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"proof system":    func(c *Config) { c.ProofSystem = "snark" },
		"dev without key": func(c *Config) { c.ProofSystem = "dev" },
		"root history":    func(c *Config) { c.RootHistorySize = 0 },
		"mempool":         func(c *Config) { c.MempoolMaxSize = -1 },
		"interval":        func(c *Config) { c.BlockIntervalMs = 0 },
		"block size":      func(c *Config) { c.MaxTxPerBlock = 0 },
		"workers":         func(c *Config) { c.VerifyWorkers = 0 },
		"burst":           func(c *Config) { c.SubmitBurst = 0 },
		"genesis balance": func(c *Config) {
			c.Genesis.Accounts = []GenesisAccount{{ID: account.ID{Tag: account.TagPublic, Value: [32]byte{1}}, Balance: "-3"}}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := DefaultConfig()
			mutate(c)
			require.Error(t, c.Validate())
		})
	}
}

func TestGenesisBuild(t *testing.T) {
	alice := account.ID{Tag: account.TagPublic, Value: [32]byte{1}}
	g := GenesisConfig{Accounts: []GenesisAccount{{ID: alice, Balance: "150"}}}
	out, err := g.Build()
	require.NoError(t, err)
	require.Len(t, out.Accounts, 1)
	require.Equal(t, runtime.AuthTransferID, out.Accounts[0].Account.ProgramOwner)
	require.Equal(t, uint64(150), out.Accounts[0].Account.Balance.Uint64())

	t.Run("duplicate", func(t *testing.T) {
		g := GenesisConfig{Accounts: []GenesisAccount{{ID: alice, Balance: "1"}, {ID: alice, Balance: "2"}}}
		_, err := g.Build()
		require.Error(t, err)
	})
	t.Run("private id", func(t *testing.T) {
		g := GenesisConfig{Accounts: []GenesisAccount{{ID: account.ID{Tag: account.TagPrivate, Value: [32]byte{1}}, Balance: "1"}}}
		_, err := g.Build()
		require.Error(t, err)
	})
	t.Run("from json", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "c.json")
		raw := `{"genesis": {"accounts": [{"id": "` + alice.String() + `", "balance": "7"}]}}`
		require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))
		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		require.NoError(t, cfg.Validate())
		require.Equal(t, alice, cfg.Genesis.Accounts[0].ID)
		require.Equal(t, "groth16", cfg.ProofSystem)
	})
}

func TestProposerKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "proposer.key")
	pub, err := writeProposerKey(path)
	require.NoError(t, err)
	key, err := loadProposerKey(path)
	require.NoError(t, err)
	require.Equal(t, pub, key.Public().(ed25519.PublicKey))

	again, err := writeProposerKey(path)
	require.NoError(t, err)
	require.Equal(t, pub, again)

	require.NoError(t, os.WriteFile(path, []byte("zz"), 0o600))
	_, err = loadProposerKey(path)
	require.Error(t, err)
	_, err = writeProposerKey(path)
	require.Error(t, err)
}

func TestFeedURL(t *testing.T) {
	require.Equal(t, "ws://127.0.0.1:8545/v1/feed", feedURL("http://127.0.0.1:8545/"))
	require.Equal(t, "wss://node.example/v1/feed", feedURL("https://node.example"))
}
