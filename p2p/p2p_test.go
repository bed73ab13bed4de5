package p2p

import (
	"context"
	"crypto/ed25519"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shieldledger/internal/block"
	"shieldledger/internal/logging"
)

// memHistory is an in-memory block log.
type memHistory struct {
	mu     sync.Mutex
	blocks [][]byte
}

func (m *memHistory) Head() (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.blocks) == 0 {
		return 0, false, nil
	}
	return uint64(len(m.blocks) - 1), true, nil
}

func (m *memHistory) RawBlock(id uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id >= uint64(len(m.blocks)) {
		return nil, errors.New("not found")
	}
	return m.blocks[id], nil
}

func (m *memHistory) append(t *testing.T, key ed25519.PrivateKey) *block.Block {
	m.mu.Lock()
	b := &block.Block{Header: block.Header{ID: uint64(len(m.blocks)), Timestamp: int64(len(m.blocks))}}
	m.mu.Unlock()
	require.NoError(t, b.Sign(key))
	raw, err := b.Encode()
	require.NoError(t, err)
	m.mu.Lock()
	m.blocks = append(m.blocks, raw)
	m.mu.Unlock()
	return b
}

func setupFeed(t *testing.T) (*memHistory, *Hub, string, ed25519.PrivateKey) {
	t.Helper()
	_, key, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	hist := &memHistory{}
	hub := NewHub("sequencer", hist, logging.Discard())
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	return hist, hub, "ws" + strings.TrimPrefix(srv.URL, "http"), key
}

func TestReplayThenLive(t *testing.T) {
	hist, hub, url, key := setupFeed(t)
	for i := 0; i < 3; i++ {
		hist.append(t, key)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan *block.Block, 10)
	done := make(chan error, 1)
	go func() {
		done <- Subscribe(ctx, url, 1, func(b *block.Block) error {
			got <- b
			return nil
		})
	}()

	for want := uint64(1); want <= 2; want++ {
		select {
		case b := <-got:
			require.Equal(t, want, b.Header.ID)
			require.NoError(t, b.Verify(key.Public().(ed25519.PublicKey)))
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for replay")
		}
	}

	require.Eventually(t, func() bool { return hub.Followers() == 1 }, 5*time.Second, 5*time.Millisecond)
	hub.Publish(hist.append(t, key))
	select {
	case b := <-got:
		require.Equal(t, uint64(3), b.Header.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for live block")
	}

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.Eventually(t, func() bool { return hub.Followers() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestCallbackErrorStopsSubscription(t *testing.T) {
	hist, _, url, key := setupFeed(t)
	hist.append(t, key)
	stop := errors.New("stop")
	err := Subscribe(context.Background(), url, 0, func(*block.Block) error { return stop })
	require.ErrorIs(t, err, stop)
}

func TestCorruptBlockStopsSubscription(t *testing.T) {
	hist, _, url, key := setupFeed(t)
	hist.append(t, key)
	hist.mu.Lock()
	hist.blocks = append(hist.blocks, []byte{0xff})
	hist.mu.Unlock()
	err := Subscribe(context.Background(), url, 0, func(*block.Block) error { return nil })
	require.Error(t, err)
}

func TestBlockPayload(t *testing.T) {
	_, key, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	b := &block.Block{Header: block.Header{ID: 4}}
	require.NoError(t, b.Sign(key))
	raw, err := b.Encode()
	require.NoError(t, err)

	p := BlockPayload{ID: 4, Block: raw}
	got, err := p.Decode()
	require.NoError(t, err)
	require.Equal(t, b.Header, got.Header)

	p.ID = 5
	_, err = p.Decode()
	require.Error(t, err)
}
