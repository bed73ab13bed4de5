package p2p

import (
	"encoding/json"
	"fmt"

	"shieldledger/internal/block"
)

// Message types carried by the feed.
const (
	TypeBlock = "block"
	TypeError = "error"
)

// Message is the generic envelope for anything sent over the feed.
type Message struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	SenderID string          `json:"senderId"`
}

// BlockPayload carries one committed block in its canonical encoding.
type BlockPayload struct {
	ID    uint64 `json:"id"`
	Block []byte `json:"block"`
}

// Decode parses the carried block and checks it matches ID.
func (p *BlockPayload) Decode() (*block.Block, error) {
	b, err := block.Decode(p.Block)
	if err != nil {
		return nil, err
	}
	if b.Header.ID != p.ID {
		return nil, fmt.Errorf("p2p: payload for block %d carries block %d", p.ID, b.Header.ID)
	}
	return b, nil
}

// ErrorPayload reports why the feed closed.
type ErrorPayload struct {
	Message string `json:"message"`
}

func newMessage(sender, typ string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return json.Marshal(Message{Type: typ, Payload: raw, SenderID: sender})
}
