package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"shieldledger/internal/account"
	"shieldledger/internal/block"
	"shieldledger/internal/ledgercore"
	"shieldledger/internal/tx"
)

// APIError is a non-2xx reply. It matches the taxonomy error of its reason,
// so errors.Is(err, ledgercore.ErrNullifierReused) works on the client side.
type APIError struct {
	StatusCode int
	Reason     string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s: %s", e.StatusCode, e.Reason, e.Message)
}

func (e *APIError) Unwrap() error { return ledgercore.FromReason(e.Reason) }

// Client talks to a Server.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the server at base, e.g.
// "http://127.0.0.1:8545". A nil hc uses http.DefaultClient.
func NewClient(base string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{base: strings.TrimRight(base, "/"), http: hc}
}

// Submit posts t. Rejections return the response together with an *APIError.
func (c *Client) Submit(ctx context.Context, t *tx.Transaction) (*SubmitResponse, error) {
	raw, err := t.Encode()
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(&SubmitRequest{Transaction: raw})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/transactions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("api: decoding submit response (%d): %w", resp.StatusCode, err)
	}
	if out.Status == "rejected" || resp.StatusCode >= 300 {
		return &out, &APIError{StatusCode: resp.StatusCode, Reason: out.Reason, Message: out.Message}
	}
	return &out, nil
}

// Status returns the lifecycle status of fp.
func (c *Client) Status(ctx context.Context, fp tx.Fingerprint) (*TxStatusResponse, error) {
	var out TxStatusResponse
	if err := c.get(ctx, "/v1/transactions/"+fp.String(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Account returns the public account id.
func (c *Client) Account(ctx context.Context, id account.ID) (*AccountResponse, error) {
	var out AccountResponse
	if err := c.get(ctx, "/v1/accounts/"+url.PathEscape(id.String()), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Head returns the id of the latest committed block.
func (c *Client) Head(ctx context.Context) (uint64, error) {
	var out HeadResponse
	if err := c.get(ctx, "/v1/blocks/head", &out); err != nil {
		return 0, err
	}
	return out.BlockID, nil
}

// Block fetches and decodes block id.
func (c *Client) Block(ctx context.Context, id uint64) (*block.Block, error) {
	var out BlockResponse
	if err := c.get(ctx, fmt.Sprintf("/v1/blocks/%d", id), &out); err != nil {
		return nil, err
	}
	b, err := block.Decode(out.Block)
	if err != nil {
		return nil, err
	}
	if b.Header.ID != id {
		return nil, fmt.Errorf("api: asked for block %d, got %d", id, b.Header.ID)
	}
	return b, nil
}

// Proof returns the membership path of the commitment at index.
func (c *Client) Proof(ctx context.Context, index uint64) (*ProofResponse, error) {
	var out ProofResponse
	if err := c.get(ctx, fmt.Sprintf("/v1/commitments/%d/proof", index), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		var e ErrorResponse
		if json.Unmarshal(raw, &e) != nil {
			e.Message = string(raw)
		}
		return &APIError{StatusCode: resp.StatusCode, Reason: e.Reason, Message: e.Message}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
