package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"shieldledger/internal/api"
	"shieldledger/internal/ledger"
	"shieldledger/internal/logging"
	"shieldledger/internal/mempool"
	"shieldledger/internal/metrics"
	"shieldledger/internal/privacy"
	"shieldledger/internal/runtime"
	"shieldledger/internal/sequencer"
	"shieldledger/internal/store"
	"shieldledger/internal/tx"
	"shieldledger/p2p"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// loadProposerKey reads a hex ed25519 seed from path.
func loadProposerKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read proposer key: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("proposer key %s: expected %d hex-encoded bytes", path, ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// writeProposerKey generates a key at path unless one exists.
func writeProposerKey(path string) (ed25519.PublicKey, error) {
	if key, err := loadProposerKey(path); err == nil {
		return key.Public().(ed25519.PublicKey), nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	pub, key, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key.Seed())+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write proposer key: %w", err)
	}
	return pub, nil
}

func proofSystem(cfg *Config, log *logging.Logger) (privacy.Verifier, error) {
	if cfg.ProofSystem == "dev" {
		log.Warn("using the dev proof system; proofs are not zero-knowledge")
		return privacy.NewDevOracle([]byte(cfg.DevOracleKey)), nil
	}
	log.WithField("key_dir", cfg.KeyDir).Info("loading groth16 keys (first start runs setup)")
	return privacy.LoadOrSetupGroth16(cfg.KeyDir)
}

// runNode opens the store, restores or seeds the ledger and runs the
// sequencer and the API until ctx is cancelled or either fails.
func runNode(ctx context.Context, cfg *Config, log *logging.Logger) error {
	key, err := loadProposerKey(cfg.ProposerKeyFile)
	if err != nil {
		return err
	}
	verifier, err := proofSystem(cfg, log)
	if err != nil {
		return err
	}
	genesis, err := cfg.Genesis.Build()
	if err != nil {
		return err
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, "chain"))
	if err != nil {
		return err
	}
	defer st.Close()
	img, err := st.LoadImage()
	if err != nil {
		return fmt.Errorf("failed to load ledger image: %w", err)
	}
	l, err := ledger.Restore(img, cfg.RootHistorySize)
	if err != nil {
		return fmt.Errorf("failed to restore ledger: %w", err)
	}
	if id, _, ok := l.Snapshot().Head(); ok {
		log.WithFields(logging.Fields{
			"head":        id,
			"commitments": l.Snapshot().CommitmentCount(),
		}).Info("ledger restored")
	}

	m := metrics.New()
	rt, err := runtime.NewAdapter(cfg.ProgramCacheSize, cfg.ProgramTimeout())
	if err != nil {
		return err
	}
	var seq *sequencer.Sequencer
	pool, err := mempool.New(mempool.Config{MaxSize: cfg.MempoolMaxSize}, st, func(t *tx.Transaction) error {
		return seq.Executor().PreCheck(t, l.Snapshot())
	}, log, m)
	if err != nil {
		return err
	}
	hub := p2p.NewHub(hex.EncodeToString(key.Public().(ed25519.PublicKey)), st, log)
	seq, err = sequencer.New(sequencer.Config{
		BlockInterval:   cfg.BlockInterval(),
		MaxTxPerBlock:   cfg.MaxTxPerBlock,
		SkipEmptyBlocks: cfg.SkipEmptyBlocks,
		VerifyWorkers:   cfg.VerifyWorkers,
		Key:             key,
	}, l, st, pool, rt, verifier, hub, log, m)
	if err != nil {
		return err
	}
	if _, err := seq.Genesis(genesis); err != nil {
		return fmt.Errorf("failed to commit genesis: %w", err)
	}

	srv, err := api.NewServer(api.Config{
		Version:     version,
		SubmitRate:  cfg.SubmitRate,
		SubmitBurst: cfg.SubmitBurst,
	}, api.Deps{Ledger: l, Store: st, Pool: pool, Feed: hub, Metrics: m, Log: log})
	if err != nil {
		return err
	}
	srv.Health().RegisterComponent("mempool", func() error {
		if n := pool.Len(); n*10 >= cfg.MempoolMaxSize*9 {
			return fmt.Errorf("%w: %d of %d slots used", api.ErrDegraded, n, cfg.MempoolMaxSize)
		}
		return nil
	})

	log.WithFields(logging.Fields{
		"proposer": hex.EncodeToString(key.Public().(ed25519.PublicKey)),
		"listen":   cfg.ListenAddr,
		"proofs":   cfg.ProofSystem,
	}).Info("sequencer starting")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return seq.Run(ctx) })
	g.Go(func() error { return srv.ListenAndServe(ctx, cfg.ListenAddr) })
	err = g.Wait()
	log.Info("sequencer stopped")
	return err
}
