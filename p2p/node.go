// Package p2p streams committed blocks to followers over websockets. A
// follower names the first block it wants; the hub replays history from the
// store and then keeps the follower current as blocks are published.
package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/algorand/go-deadlock"
	"github.com/gorilla/websocket"

	"shieldledger/internal/block"
	"shieldledger/internal/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// History is the block log the hub replays from.
type History interface {
	Head() (uint64, bool, error)
	RawBlock(id uint64) ([]byte, error)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub tracks connected followers. It implements the sequencer's Publisher.
type Hub struct {
	ID      string
	history History
	log     *logging.Logger

	mu      deadlock.Mutex
	clients map[*follower]struct{}
}

type follower struct {
	conn   *websocket.Conn
	notify chan struct{}
	next   uint64
}

// NewHub creates a hub named id replaying from history.
func NewHub(id string, history History, log *logging.Logger) *Hub {
	if log == nil {
		log = logging.Discard()
	}
	return &Hub{
		ID:      id,
		history: history,
		log:     log.WithField("component", "feed"),
		clients: make(map[*follower]struct{}),
	}
}

// Publish wakes every follower; they read the new block from history.
func (h *Hub) Publish(b *block.Block) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for f := range h.clients {
		select {
		case f.notify <- struct{}{}:
		default:
		}
	}
}

// Followers is the number of connected followers.
func (h *Hub) Followers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams blocks starting at the "from"
// query parameter (default 0).
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var from uint64
	if s := r.URL.Query().Get("from"); s != "" {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			http.Error(w, "invalid from", http.StatusBadRequest)
			return
		}
		from = v
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	f := &follower{conn: conn, notify: make(chan struct{}, 1), next: from}
	h.mu.Lock()
	h.clients[f] = struct{}{}
	h.mu.Unlock()
	h.log.WithField("from", from).Debug("follower connected")

	ctx, cancel := context.WithCancel(r.Context())
	go h.readPump(f, cancel)
	h.writePump(ctx, f)

	h.mu.Lock()
	delete(h.clients, f)
	h.mu.Unlock()
	conn.Close()
	h.log.Debug("follower disconnected")
}

// readPump discards client frames and cancels the stream when the peer goes
// away.
func (h *Hub) readPump(f *follower, cancel context.CancelFunc) {
	defer cancel()
	f.conn.SetReadLimit(512)
	f.conn.SetReadDeadline(time.Now().Add(pongWait))
	f.conn.SetPongHandler(func(string) error {
		return f.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := f.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(ctx context.Context, f *follower) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		if err := h.catchUp(f); err != nil {
			h.log.WithError(err).Warn("feed stream aborted")
			if msg, merr := newMessage(h.ID, TypeError, ErrorPayload{Message: err.Error()}); merr == nil {
				f.conn.SetWriteDeadline(time.Now().Add(writeWait))
				f.conn.WriteMessage(websocket.TextMessage, msg)
			}
			return
		}
		select {
		case <-ctx.Done():
			f.conn.SetWriteDeadline(time.Now().Add(writeWait))
			f.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-f.notify:
		case <-ticker.C:
			f.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := f.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// catchUp sends every stored block from f.next to the head.
func (h *Hub) catchUp(f *follower) error {
	head, ok, err := h.history.Head()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	for ; f.next <= head; f.next++ {
		raw, err := h.history.RawBlock(f.next)
		if err != nil {
			return fmt.Errorf("reading block %d: %w", f.next, err)
		}
		msg, err := newMessage(h.ID, TypeBlock, BlockPayload{ID: f.next, Block: raw})
		if err != nil {
			return err
		}
		f.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := f.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return err
		}
	}
	return nil
}

// ErrFeedClosed is returned by Subscribe when the hub reports an error.
var ErrFeedClosed = errors.New("p2p: feed closed by sequencer")

// Subscribe follows the feed at url (ws:// or wss://) from block from and
// calls fn for each block in order until ctx is done, fn fails or the
// connection drops.
func Subscribe(ctx context.Context, url string, from uint64, fn func(*block.Block) error) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url+"?from="+strconv.FormatUint(from, 10), nil)
	if err != nil {
		return fmt.Errorf("p2p: dialing feed: %w", err)
	}
	defer conn.Close()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	next := from
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("p2p: reading feed: %w", err)
		}
		switch msg.Type {
		case TypeBlock:
		case TypeError:
			var p ErrorPayload
			_ = json.Unmarshal(msg.Payload, &p)
			return fmt.Errorf("%w: %s", ErrFeedClosed, p.Message)
		default:
			continue
		}
		var p BlockPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return err
		}
		if p.ID != next {
			return fmt.Errorf("p2p: expected block %d, got %d", next, p.ID)
		}
		b, err := p.Decode()
		if err != nil {
			return err
		}
		if err := fn(b); err != nil {
			return err
		}
		next++
	}
}
