// store.go - Durable ledger persistence on leveldb.
//
// Each committed block is written as a single synced batch: the encoded block,
// its transaction index, the public accounts and programs it wrote, its
// nullifiers and commitments, the resulting root and the new head. A block is
// therefore either fully on disk or absent.

package store

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"shieldledger/internal/account"
	"shieldledger/internal/block"
	"shieldledger/internal/ledger"
	"shieldledger/internal/ledgercore"
	"shieldledger/internal/privacy"
	"shieldledger/internal/tx"
)

const (
	prefixAccount    = "acct_"
	prefixCommitment = "cm_"
	prefixNullifier  = "nf_"
	prefixRoot       = "root_"
	prefixBlock      = "blk_"
	prefixTxIndex    = "txi_"
	prefixProgram    = "prog_"
	keyHead          = "meta_head"
)

// ErrNotFound is returned for missing blocks.
var ErrNotFound = errors.New("store: not found")

// Store persists blocks and ledger state.
type Store struct {
	db *leveldb.DB
}

// Open opens or creates the store at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, &ledgercore.StoreError{Op: "open", Err: err}
	}
	return &Store{db: db}, nil
}

// OpenMemory opens a store backed by memory, for tests and ephemeral nodes.
func OpenMemory() (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, &ledgercore.StoreError{Op: "open", Err: err}
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Check probes the database. Building a block starts with a Check so an
// unavailable store aborts the attempt before any work is done.
func (s *Store) Check() error {
	if _, err := s.db.Has([]byte(keyHead), nil); err != nil {
		return &ledgercore.StoreError{Op: "check", Err: err}
	}
	return nil
}

// CommitBlock writes b and its ledger delta atomically.
func (s *Store) CommitBlock(b *block.Block, d *ledger.Delta) error {
	raw, err := b.Encode()
	if err != nil {
		return &ledgercore.StoreError{Op: "encode block", Err: err}
	}
	fps, err := b.Fingerprints()
	if err != nil {
		return &ledgercore.StoreError{Op: "fingerprint", Err: err}
	}
	id := b.Header.ID

	batch := new(leveldb.Batch)
	batch.Put(blockKey(id), raw)
	for _, fp := range fps {
		batch.Put(txIndexKey(fp), u64(id))
	}
	for _, e := range d.Accounts {
		v, err := tx.Marshal(&e.Account)
		if err != nil {
			return &ledgercore.StoreError{Op: "encode account", Err: err}
		}
		batch.Put(accountKey(e.ID), v)
	}
	for _, p := range d.Programs {
		batch.Put(programKey(p.ID), p.Bytecode)
	}
	for _, nf := range d.Nullifiers {
		batch.Put(nullifierKey(nf), u64(id))
	}
	for i, cm := range d.Commitments {
		batch.Put(commitmentKey(d.CommitmentStart+uint64(i)), cm[:])
	}
	batch.Put(rootKey(id), d.Root[:])
	batch.Put([]byte(keyHead), u64(id))

	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return &ledgercore.StoreError{Op: "commit block", Err: err}
	}
	return nil
}

// Head returns the id of the last committed block.
func (s *Store) Head() (uint64, bool, error) {
	v, err := s.db.Get([]byte(keyHead), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, &ledgercore.StoreError{Op: "head", Err: err}
	}
	return binary.BigEndian.Uint64(v), true, nil
}

// RawBlock returns the encoded block with the given id.
func (s *Store) RawBlock(id uint64) ([]byte, error) {
	v, err := s.db.Get(blockKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &ledgercore.StoreError{Op: "block", Err: err}
	}
	return v, nil
}

// Block returns the decoded block with the given id.
func (s *Store) Block(id uint64) (*block.Block, error) {
	raw, err := s.RawBlock(id)
	if err != nil {
		return nil, err
	}
	return block.Decode(raw)
}

// TxBlock returns the id of the block that included fp.
func (s *Store) TxBlock(fp tx.Fingerprint) (uint64, bool, error) {
	v, err := s.db.Get(txIndexKey(fp), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, &ledgercore.StoreError{Op: "tx index", Err: err}
	}
	return binary.BigEndian.Uint64(v), true, nil
}

// LoadImage reads the full ledger state for ledger.Restore.
func (s *Store) LoadImage() (*ledger.Image, error) {
	head, ok, err := s.Head()
	if err != nil || !ok {
		return nil, err
	}
	img := &ledger.Image{Blocks: head + 1}

	hb, err := s.Block(head)
	if err != nil {
		return nil, &ledgercore.StoreError{Op: "load head", Err: err}
	}
	if img.HeadHash, err = hb.Header.Hash(); err != nil {
		return nil, err
	}

	err = s.iterate(prefixAccount, func(key string, value []byte) error {
		raw, err := hex.DecodeString(key)
		if err != nil {
			return err
		}
		id, err := account.IDFromKey(raw)
		if err != nil {
			return err
		}
		var acc account.Account
		if err := tx.Unmarshal(value, &acc); err != nil {
			return err
		}
		img.Accounts = append(img.Accounts, ledger.AccountEntry{ID: id, Account: acc})
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = s.iterate(prefixProgram, func(key string, value []byte) error {
		id, err := account.ParseProgramID(key)
		if err != nil {
			return err
		}
		img.Programs = append(img.Programs, ledger.ProgramEntry{ID: id, Bytecode: append([]byte(nil), value...)})
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = s.iterate(prefixNullifier, func(key string, _ []byte) error {
		nf, err := privacy.ParseHash(key)
		if err != nil {
			return err
		}
		img.Nullifiers = append(img.Nullifiers, nf)
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Zero-padded keys iterate in index order.
	err = s.iterate(prefixCommitment, func(key string, value []byte) error {
		pos, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return err
		}
		if pos != uint64(len(img.Commitments)) {
			return fmt.Errorf("commitment %d missing", len(img.Commitments))
		}
		var cm privacy.Commitment
		copy(cm[:], value)
		img.Commitments = append(img.Commitments, cm)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = s.iterate(prefixRoot, func(_ string, value []byte) error {
		var r privacy.Hash
		copy(r[:], value)
		img.Roots = append(img.Roots, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return img, nil
}

func (s *Store) iterate(prefix string, fn func(key string, value []byte) error) error {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	for iter.Next() {
		key := strings.TrimPrefix(string(iter.Key()), prefix)
		if err := fn(key, iter.Value()); err != nil {
			return &ledgercore.StoreError{Op: "load " + strings.TrimSuffix(prefix, "_"), Err: err}
		}
	}
	if err := iter.Error(); err != nil {
		return &ledgercore.StoreError{Op: "iterate", Err: err}
	}
	return nil
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func accountKey(id account.ID) []byte {
	return []byte(prefixAccount + hex.EncodeToString(id.Key()))
}

func programKey(id account.ProgramID) []byte {
	return []byte(prefixProgram + hex.EncodeToString(id[:]))
}

func nullifierKey(nf privacy.Nullifier) []byte {
	return []byte(prefixNullifier + nf.String())
}

func commitmentKey(position uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixCommitment, position))
}

func rootKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixRoot, id))
}

func blockKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixBlock, id))
}

func txIndexKey(fp tx.Fingerprint) []byte {
	return []byte(prefixTxIndex + fp.String())
}
