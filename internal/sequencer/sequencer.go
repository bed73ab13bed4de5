// sequencer.go - Block production loop.
//
// On every tick the sequencer drains a batch from the mempool, executes it on a
// copy-on-write overlay of the last committed ledger state, and commits the
// result as one block: the commitment tree is extended, the block and its
// delta are written in a single store batch, and only then does the new state
// become visible to readers. Transactions that fail are reported back to the
// mempool with their rejection reason and left out of the block.

package sequencer

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"shieldledger/internal/block"
	"shieldledger/internal/executor"
	"shieldledger/internal/ledger"
	"shieldledger/internal/ledgercore"
	"shieldledger/internal/logging"
	"shieldledger/internal/mempool"
	"shieldledger/internal/metrics"
	"shieldledger/internal/privacy"
	"shieldledger/internal/runtime"
	"shieldledger/internal/tx"
)

// ErrCommitFailed marks a block that could not be persisted. Run stops on it.
var ErrCommitFailed = errors.New("sequencer: commit failed")

// Phase is the position of the sequencer in its block cycle.
type Phase int32

const (
	Idle Phase = iota
	Collecting
	Building
	Committing
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Collecting:
		return "collecting"
	case Building:
		return "building"
	case Committing:
		return "committing"
	}
	return fmt.Sprintf("phase(%d)", int32(p))
}

// Store is the durable side of a commit.
type Store interface {
	Check() error
	CommitBlock(b *block.Block, d *ledger.Delta) error
}

// Publisher receives every committed block.
type Publisher interface {
	Publish(b *block.Block)
}

// Config configures a Sequencer.
type Config struct {
	BlockInterval   time.Duration
	MaxTxPerBlock   int
	SkipEmptyBlocks bool
	VerifyWorkers   int
	Key             ed25519.PrivateKey
	// Now defaults to time.Now.
	Now func() time.Time
}

// Sequencer is the single writer of the ledger.
type Sequencer struct {
	cfg      Config
	ledger   *ledger.Ledger
	store    Store
	pool     *mempool.Pool
	exec     *executor.Executor
	verifier *speculativeVerifier
	feed     Publisher
	log      *logging.Logger
	metrics  *metrics.Collector

	phase atomic.Int32
}

// New creates a sequencer. feed, log and m may be nil.
func New(cfg Config, l *ledger.Ledger, st Store, pool *mempool.Pool, rt *runtime.Adapter, v privacy.Verifier,
	feed Publisher, log *logging.Logger, m *metrics.Collector) (*Sequencer, error) {
	if len(cfg.Key) != ed25519.PrivateKeySize {
		return nil, errors.New("sequencer: missing signing key")
	}
	if cfg.MaxTxPerBlock <= 0 {
		return nil, errors.New("sequencer: max transactions per block must be positive")
	}
	if cfg.BlockInterval <= 0 {
		cfg.BlockInterval = time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = logging.Discard()
	}
	sv := newSpeculativeVerifier(v, cfg.VerifyWorkers, m)
	return &Sequencer{
		cfg:      cfg,
		ledger:   l,
		store:    st,
		pool:     pool,
		exec:     executor.New(rt, sv),
		verifier: sv,
		feed:     feed,
		log:      log.WithField("component", "sequencer"),
		metrics:  m,
	}, nil
}

// Executor returns the executor used for blocks; its PreCheck serves
// admission.
func (s *Sequencer) Executor() *executor.Executor { return s.exec }

// Phase reports the current phase.
func (s *Sequencer) Phase() Phase { return Phase(s.phase.Load()) }

func (s *Sequencer) setPhase(p Phase) { s.phase.Store(int32(p)) }

// Genesis commits g as block 0 when the ledger is empty. It returns nil when
// the ledger already has blocks.
func (s *Sequencer) Genesis(g *ledger.Genesis) (*block.Block, error) {
	if s.ledger.Snapshot().NextBlockID() != 0 {
		return nil, nil
	}
	w := s.ledger.NewWorking()
	if err := g.Apply(w); err != nil {
		return nil, err
	}
	return s.commit(w, nil)
}

// Run produces a block per tick until ctx is done. It returns nil on
// cancellation and the error of a failed commit otherwise.
func (s *Sequencer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.BlockInterval)
	defer ticker.Stop()
	s.log.Infof("sequencer started, block interval %s", s.cfg.BlockInterval)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sequencer stopped")
			return nil
		case <-ticker.C:
		}
		if _, err := s.ProduceBlock(ctx); err != nil {
			if errors.Is(err, ErrCommitFailed) {
				s.log.WithError(err).Error("stopping after failed commit")
				return err
			}
			s.metrics.RecordError("sequencer")
			s.log.WithError(err).Warn("block skipped, retrying next tick")
		}
	}
}

// ProduceBlock runs one cycle. It returns the committed block, or nil when the
// batch was empty and empty blocks are skipped. A store outage while building
// requeues the batch and returns an error matching ErrStoreUnavailable;
// ErrCommitFailed means the block could not be persisted.
func (s *Sequencer) ProduceBlock(ctx context.Context) (*block.Block, error) {
	defer s.setPhase(Idle)

	s.setPhase(Collecting)
	batch := s.pool.Drain(s.cfg.MaxTxPerBlock)
	fps := make([]tx.Fingerprint, len(batch))
	for i, t := range batch {
		fp, err := t.Fingerprint()
		if err != nil {
			return nil, err
		}
		fps[i] = fp
	}

	s.setPhase(Building)
	if err := s.store.Check(); err != nil {
		s.pool.Requeue(fps)
		return nil, err
	}
	w := s.ledger.NewWorking()
	if err := s.verifier.prefetch(ctx, w.Base(), batch); err != nil {
		s.pool.Requeue(fps)
		return nil, err
	}

	var (
		included    []tx.Transaction
		includedFps []tx.Fingerprint
	)
	for i, t := range batch {
		if _, err := s.exec.ValidateAndExecute(t, w); err != nil {
			reason := ledgercore.Reason(err)
			s.log.WithFields(logging.Fields{
				"fingerprint": fps[i],
				"reason":      reason,
			}).Warnf("transaction rejected: %v", err)
			s.pool.MarkFailed(fps[i], err)
			continue
		}
		included = append(included, *t)
		includedFps = append(includedFps, fps[i])
	}
	if len(included) == 0 && s.cfg.SkipEmptyBlocks {
		return nil, nil
	}

	b, err := s.commit(w, included)
	if err != nil {
		s.pool.Requeue(includedFps)
		return nil, err
	}
	s.pool.MarkIncluded(includedFps, b.Header.ID)
	return b, nil
}

// commit seals w with txs as the next block.
func (s *Sequencer) commit(w *ledger.Working, txs []tx.Transaction) (*block.Block, error) {
	s.setPhase(Committing)
	start := time.Now()
	base := w.Base()
	_, prev, _ := base.Head()
	b := &block.Block{
		Header: block.Header{
			ID:              base.NextBlockID(),
			PrevHash:        prev,
			Timestamp:       s.cfg.Now().UnixMilli(),
			CommitmentStart: base.CommitmentCount(),
		},
		Transactions: txs,
	}
	next, err := s.ledger.Commit(w, ledger.BlockRef{ID: b.Header.ID}, func(ref *ledger.BlockRef, d *ledger.Delta) error {
		b.Header.CommitmentRoot = d.Root
		if err := b.Sign(s.cfg.Key); err != nil {
			return err
		}
		hash, err := b.Header.Hash()
		if err != nil {
			return err
		}
		ref.Hash = hash
		return s.store.CommitBlock(b, d)
	})
	if err != nil {
		s.metrics.RecordError("commit")
		return nil, fmt.Errorf("%w: block %d: %w", ErrCommitFailed, b.Header.ID, err)
	}

	s.metrics.RecordBlock(b.Header.ID, len(txs), next.CommitmentCount(), time.Since(start))
	_, hash, _ := next.Head()
	s.log.Audit("block_committed", logging.Fields{
		"block_id":    b.Header.ID,
		"hash":        fmt.Sprintf("%x", hash),
		"txs":         len(txs),
		"commitments": next.CommitmentCount(),
	})
	s.log.WithFields(logging.Fields{
		"block_id": b.Header.ID,
		"txs":      len(txs),
	}).Info("block committed")
	if s.feed != nil {
		s.feed.Publish(b)
	}
	return b, nil
}
