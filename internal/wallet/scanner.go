package wallet

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/algorand/go-deadlock"

	"shieldledger/internal/block"
	"shieldledger/internal/logging"
	"shieldledger/internal/privacy"
	"shieldledger/internal/tx"
)

// BlockSource serves committed blocks.
type BlockSource interface {
	Head(ctx context.Context) (uint64, error)
	Block(ctx context.Context, id uint64) (*block.Block, error)
}

// Scanner applies blocks to a wallet file.
type Scanner struct {
	mu       deadlock.Mutex
	path     string
	file     *File
	source   BlockSource
	proposer ed25519.PublicKey
	log      *logging.Logger
}

// Options configures Open.
type Options struct {
	// Proposer, when set, is the only accepted block signer.
	Proposer ed25519.PublicKey
	Log      *logging.Logger
}

// Open loads the wallet at path, creating it on first save.
func Open(path string, source BlockSource, opts Options) (*Scanner, error) {
	f, err := Load(path)
	if err != nil {
		return nil, err
	}
	log := opts.Log
	if log == nil {
		log = logging.Discard()
	}
	return &Scanner{
		path:     path,
		file:     f,
		source:   source,
		proposer: opts.Proposer,
		log:      log.WithField("component", "wallet"),
	}, nil
}

// AddKeys registers account keys and saves the wallet. Keys added after a
// sync only see blocks scanned later.
func (s *Scanner) AddKeys(keys ...*privacy.AccountKeys) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.file.AddKeys(keys...)
	return s.file.Save(s.path)
}

// LastSyncedBlock returns the high-water mark; ok is false before the first
// block.
func (s *Scanner) LastSyncedBlock() (id uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.LastSyncedBlock, s.file.Synced
}

// Records returns copies of all records.
func (s *Scanner) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.file.Records))
	for i, r := range s.file.Records {
		out[i] = *r
	}
	return out
}

// Unspent returns copies of the current versions.
func (s *Scanner) Unspent() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, r := range s.file.Unspent() {
		out = append(out, *r)
	}
	return out
}

// SyncHead syncs to the source's current head.
func (s *Scanner) SyncHead(ctx context.Context) error {
	head, err := s.source.Head(ctx)
	if err != nil {
		return err
	}
	return s.SyncTo(ctx, head)
}

// SyncTo applies every block after the high-water mark up to target. The mark
// advances one block at a time, each after the wallet has been saved. A target
// at or below the mark is a no-op.
func (s *Scanner) SyncTo(ctx context.Context, target uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := uint64(0)
	if s.file.Synced {
		next = s.file.LastSyncedBlock + 1
	}
	for id := next; id <= target; id++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, err := s.source.Block(ctx, id)
		if err != nil {
			return fmt.Errorf("wallet: fetching block %d: %w", id, err)
		}
		if err := s.check(b, id); err != nil {
			return err
		}
		found, spent := s.apply(b)
		hash, err := b.Header.Hash()
		if err != nil {
			return err
		}
		prev := *s.file
		s.file.Synced = true
		s.file.LastSyncedBlock = id
		s.file.LastBlockHash = hash
		if err := s.file.Save(s.path); err != nil {
			// Keep the mark where it was on disk; records may be re-found on retry.
			s.file.Synced, s.file.LastSyncedBlock, s.file.LastBlockHash = prev.Synced, prev.LastSyncedBlock, prev.LastBlockHash
			return fmt.Errorf("wallet: saving after block %d: %w", id, err)
		}
		if found+spent > 0 {
			s.log.WithFields(logging.Fields{"block_id": id, "found": found, "spent": spent}).Info("wallet updated")
		}
	}
	return nil
}

func (s *Scanner) check(b *block.Block, id uint64) error {
	if b.Header.ID != id {
		return fmt.Errorf("wallet: asked for block %d, got %d", id, b.Header.ID)
	}
	if s.file.Synced && b.Header.PrevHash != s.file.LastBlockHash {
		return errors.New("wallet: block does not extend the last synced block")
	}
	if s.proposer != nil {
		if err := b.Verify(s.proposer); err != nil {
			return fmt.Errorf("wallet: block %d: %w", id, err)
		}
	}
	return nil
}

// apply records outputs addressed to the wallet's keys and marks records
// whose nullifier the block publishes.
func (s *Scanner) apply(b *block.Block) (found, spent int) {
	leaf := b.Header.CommitmentStart
	for i := range b.Transactions {
		t := &b.Transactions[i]
		if t.Mode != tx.ModePrivate || t.Private == nil {
			continue
		}
		for slot, o := range t.Private.Outputs {
			if o.Mode() == privacy.SlotUpdate {
				spent += s.markSpent(o.Nullifier, b.Header.ID)
			}
			if s.tryDecrypt(&o, uint32(slot), leaf, b.Header.ID) {
				found++
			}
			leaf++
		}
	}
	return found, spent
}

func (s *Scanner) markSpent(nf privacy.Nullifier, blockID uint64) int {
	for _, r := range s.file.Records {
		if !r.Spent && r.Nullifier == nf {
			r.Spent = true
			r.SpentIn = blockID
			return 1
		}
	}
	return 0
}

func (s *Scanner) tryDecrypt(o *tx.PrivateOutput, slot uint32, leaf, blockID uint64) bool {
	if s.file.hasCommitment(o.Commitment) {
		return false
	}
	for _, k := range s.file.Keys {
		note, err := k.Viewing.DecryptNote(o.Hint, o.Commitment, slot)
		if err != nil {
			continue
		}
		if note.Npk != k.Nullifier.Public {
			s.log.WithField("leaf", leaf).Warn("note for our viewing key names another account")
			continue
		}
		s.file.Records = append(s.file.Records, &Record{
			AccountID:  k.AccountID(),
			Note:       *note,
			Commitment: o.Commitment,
			LeafIndex:  leaf,
			BlockID:    blockID,
			Nullifier:  k.Nullifier.Nullifier(o.Commitment),
		})
		return true
	}
	return false
}
