package wallet

import (
	"context"
	"errors"

	"shieldledger/internal/block"
	"shieldledger/internal/store"
)

// ErrNoBlocks is returned by a source that has not committed genesis yet.
var ErrNoBlocks = errors.New("wallet: source has no blocks")

// StoreSource reads blocks from a local store, for a wallet running next to
// the sequencer.
type StoreSource struct {
	Store *store.Store
}

func (s StoreSource) Head(ctx context.Context) (uint64, error) {
	id, ok, err := s.Store.Head()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNoBlocks
	}
	return id, nil
}

func (s StoreSource) Block(ctx context.Context, id uint64) (*block.Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Store.Block(id)
}
