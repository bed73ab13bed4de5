// Package wallet keeps the private account records a holder learns by
// scanning blocks: every note sealed to one of its viewing keys, where it sits
// in the commitment tree, and whether it has been superseded.
package wallet

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"shieldledger/internal/account"
	"shieldledger/internal/privacy"
)

// Record is one version of a private account.
type Record struct {
	AccountID  account.ID         `json:"account_id"`
	Note       privacy.Note       `json:"note"`
	Commitment privacy.Commitment `json:"commitment"`
	LeafIndex  uint64             `json:"leaf_index"`
	BlockID    uint64             `json:"block_id"`
	// Nullifier is what an update of this version publishes.
	Nullifier privacy.Nullifier `json:"nullifier"`
	Spent     bool              `json:"spent"`
	SpentIn   uint64            `json:"spent_in,omitempty"`
}

// File is the persisted wallet.
type File struct {
	Keys []*privacy.AccountKeys `json:"keys"`
	// Synced is false until the first block has been applied.
	Synced          bool      `json:"synced"`
	LastSyncedBlock uint64    `json:"last_synced_block"`
	LastBlockHash   [32]byte  `json:"last_block_hash"`
	Records         []*Record `json:"records"`
	UpdatedAt       string    `json:"updated_at"`
}

// Load reads the wallet at path. A missing file yields an empty wallet.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &File{}, nil
	}
	if err != nil {
		return nil, err
	}
	var f File
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("wallet: decoding %s: %w", path, err)
	}
	return &f, nil
}

// Save writes f atomically: a temporary file is written and renamed over
// path, so a crash leaves either the old or the new wallet.
func (f *File) Save(path string) error {
	f.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	raw, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// AddKeys registers keys, ignoring ones already present.
func (f *File) AddKeys(keys ...*privacy.AccountKeys) {
	for _, k := range keys {
		known := false
		for _, have := range f.Keys {
			if have.Nullifier.Public == k.Nullifier.Public {
				known = true
				break
			}
		}
		if !known {
			f.Keys = append(f.Keys, k)
		}
	}
}

// Unspent returns the current version of every account, ordered by leaf.
func (f *File) Unspent() []*Record {
	var out []*Record
	for _, r := range f.Records {
		if !r.Spent {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LeafIndex < out[j].LeafIndex })
	return out
}

// Latest returns the unspent record of id.
func (f *File) Latest(id account.ID) (*Record, bool) {
	for _, r := range f.Records {
		if !r.Spent && r.AccountID == id {
			return r, true
		}
	}
	return nil, false
}

func (f *File) hasCommitment(cm privacy.Commitment) bool {
	for _, r := range f.Records {
		if r.Commitment == cm {
			return true
		}
	}
	return false
}
