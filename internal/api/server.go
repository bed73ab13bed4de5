// Package api serves the sequencer over HTTP: transaction submission and
// status, public account and block reads, commitment membership proofs and
// the block feed.
package api

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"shieldledger/internal/account"
	"shieldledger/internal/block"
	"shieldledger/internal/ledger"
	"shieldledger/internal/ledgercore"
	"shieldledger/internal/logging"
	"shieldledger/internal/mempool"
	"shieldledger/internal/metrics"
	"shieldledger/internal/privacy"
	"shieldledger/internal/store"
	"shieldledger/internal/tx"
)

// ErrDegraded marks a health probe result as degraded rather than unhealthy.
var ErrDegraded = errors.New("degraded")

func isDegraded(err error) bool { return errors.Is(err, ErrDegraded) }

// Config configures a Server.
type Config struct {
	Version string
	// SubmitRate and SubmitBurst bound POST /v1/transactions per client.
	// A zero rate disables limiting.
	SubmitRate   float64
	SubmitBurst  int
	MaxClients   int
	MaxBodyBytes int64
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		Version:      "dev",
		SubmitRate:   20,
		SubmitBurst:  40,
		MaxClients:   4096,
		MaxBodyBytes: 4 << 20,
	}
}

// Deps are the components the server reads and writes.
type Deps struct {
	Ledger  *ledger.Ledger
	Store   *store.Store
	Pool    *mempool.Pool
	Feed    http.Handler
	Metrics *metrics.Collector
	Log     *logging.Logger
}

// Server routes requests to the ledger, store and mempool.
type Server struct {
	cfg     Config
	router  *mux.Router
	ledger  *ledger.Ledger
	store   *store.Store
	pool    *mempool.Pool
	metrics *metrics.Collector
	health  *HealthChecker
	limiter *ClientLimiter
	log     *logging.Logger
}

// NewServer builds the router. Deps.Feed may be nil, in which case /v1/feed
// is not served.
func NewServer(cfg Config, d Deps) (*Server, error) {
	if d.Ledger == nil || d.Store == nil || d.Pool == nil {
		return nil, errors.New("api: ledger, store and pool are required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}
	log := d.Log
	if log == nil {
		log = logging.Discard()
	}
	s := &Server{
		cfg:     cfg,
		router:  mux.NewRouter(),
		ledger:  d.Ledger,
		store:   d.Store,
		pool:    d.Pool,
		metrics: d.Metrics,
		health:  NewHealthChecker(cfg.Version),
		log:     log.WithField("component", "api"),
	}
	if cfg.SubmitRate > 0 {
		clients := cfg.MaxClients
		if clients <= 0 {
			clients = DefaultConfig().MaxClients
		}
		l, err := NewClientLimiter(cfg.SubmitRate, cfg.SubmitBurst, clients)
		if err != nil {
			return nil, fmt.Errorf("api: rate limiter: %w", err)
		}
		s.limiter = l
	}
	s.health.RegisterComponent("store", d.Store.Check)

	s.router.Use(s.logRequests)
	v1 := s.router.PathPrefix("/v1").Subrouter()
	var submit http.Handler = http.HandlerFunc(s.submitTransaction)
	if s.limiter != nil {
		submit = s.limiter.Middleware(submit)
	}
	v1.Handle("/transactions", submit).Methods(http.MethodPost)
	v1.HandleFunc("/transactions/{fingerprint}", s.transactionStatus).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{account_id}", s.getAccount).Methods(http.MethodGet)
	v1.HandleFunc("/blocks/head", s.headBlock).Methods(http.MethodGet)
	v1.HandleFunc("/blocks/{id:[0-9]+}", s.getBlock).Methods(http.MethodGet)
	v1.HandleFunc("/commitments/{index:[0-9]+}/proof", s.commitmentProof).Methods(http.MethodGet)
	if d.Feed != nil {
		v1.Handle("/feed", d.Feed).Methods(http.MethodGet)
	}
	s.router.HandleFunc("/health", s.getHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", d.Metrics.Handler()).Methods(http.MethodGet)
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Health returns the checker so callers can register more components.
func (s *Server) Health() *HealthChecker { return s.health }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.WithField("addr", addr).Info("http server listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// SubmitRequest carries a transaction in its canonical CBOR encoding,
// base64 in JSON.
type SubmitRequest struct {
	Transaction []byte `json:"transaction"`
}

// SubmitResponse reports admission. Status is accepted, already_pending,
// already_included or rejected.
type SubmitResponse struct {
	Status      string         `json:"status"`
	Fingerprint tx.Fingerprint `json:"fingerprint"`
	Reason      string         `json:"reason,omitempty"`
	Message     string         `json:"message,omitempty"`
}

// TxStatusResponse reports where a fingerprint is in its lifecycle.
type TxStatusResponse struct {
	Fingerprint tx.Fingerprint `json:"fingerprint"`
	Status      string         `json:"status"`
	BlockID     *uint64        `json:"block_id,omitempty"`
	Reason      string         `json:"reason,omitempty"`
}

// AccountResponse is a public account. Balance and nonce are decimal strings.
type AccountResponse struct {
	ID           account.ID        `json:"id"`
	ProgramOwner account.ProgramID `json:"program_owner"`
	Balance      string            `json:"balance"`
	Data         []byte            `json:"data"`
	Nonce        string            `json:"nonce"`
	Unclaimed    bool              `json:"unclaimed"`
}

// HeadResponse describes the latest committed block.
type HeadResponse struct {
	BlockID        uint64       `json:"block_id"`
	Hash           hexBytes     `json:"hash"`
	CommitmentRoot privacy.Hash `json:"commitment_root"`
	Commitments    uint64       `json:"commitments"`
}

// BlockResponse carries a block's canonical encoding and its decoded header.
type BlockResponse struct {
	ID              uint64       `json:"id"`
	Hash            hexBytes     `json:"hash"`
	PrevHash        hexBytes     `json:"prev_hash"`
	Timestamp       int64        `json:"timestamp"`
	CommitmentStart uint64       `json:"commitment_start"`
	CommitmentRoot  privacy.Hash `json:"commitment_root"`
	Transactions    int          `json:"transactions"`
	Block           []byte       `json:"block"`
}

// ProofResponse is a membership path against Root, ordered leaf upwards.
type ProofResponse struct {
	Index      uint64         `json:"index"`
	Commitment privacy.Hash   `json:"commitment"`
	Root       privacy.Hash   `json:"root"`
	Siblings   []privacy.Hash `json:"siblings"`
}

// ErrorResponse is the body of every non-2xx reply except submission
// rejections.
type ErrorResponse struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

func (s *Server) submitTransaction(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		s.reject(w, tx.Fingerprint{}, ledgercore.Malformed("request body: %v", err))
		return
	}
	t, err := tx.Decode(req.Transaction)
	if err != nil {
		s.reject(w, tx.Fingerprint{}, ledgercore.Malformed("%v", err))
		return
	}
	adm, fp, err := s.pool.Admit(t)
	if err != nil {
		s.reject(w, fp, err)
		return
	}
	code := http.StatusOK
	if adm == mempool.Accepted {
		code = http.StatusAccepted
	}
	writeJSON(w, code, &SubmitResponse{Status: adm.String(), Fingerprint: fp})
}

func (s *Server) reject(w http.ResponseWriter, fp tx.Fingerprint, err error) {
	reason := ledgercore.Reason(err)
	if reason == "internal" {
		s.metrics.RecordError("api")
		s.log.WithError(err).Error("submission failed")
	}
	writeJSON(w, statusFor(reason), &SubmitResponse{
		Status:      "rejected",
		Fingerprint: fp,
		Reason:      reason,
		Message:     err.Error(),
	})
}

func (s *Server) transactionStatus(w http.ResponseWriter, r *http.Request) {
	fp, err := tx.ParseFingerprint(mux.Vars(r)["fingerprint"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	st, err := s.pool.Status(fp)
	if err != nil {
		s.fail(w, err)
		return
	}
	resp := &TxStatusResponse{Fingerprint: fp, Status: st.State.String(), Reason: st.Reason}
	if st.State == mempool.Included {
		id := st.BlockID
		resp.BlockID = &id
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	id, err := account.ParseID(mux.Vars(r)["account_id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	acc := s.ledger.Snapshot().Account(id)
	writeJSON(w, http.StatusOK, &AccountResponse{
		ID:           id,
		ProgramOwner: acc.ProgramOwner,
		Balance:      acc.Balance.Dec(),
		Data:         acc.Data,
		Nonce:        acc.Nonce.Dec(),
		Unclaimed:    acc.IsUnclaimed(),
	})
}

func (s *Server) headBlock(w http.ResponseWriter, r *http.Request) {
	snap := s.ledger.Snapshot()
	id, hash, ok := snap.Head()
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no blocks committed")
		return
	}
	writeJSON(w, http.StatusOK, &HeadResponse{
		BlockID:        id,
		Hash:           hash[:],
		CommitmentRoot: snap.Root(),
		Commitments:    snap.CommitmentCount(),
	})
}

func (s *Server) getBlock(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	raw, err := s.store.RawBlock(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("block %d not found", id))
		return
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	b, err := block.Decode(raw)
	if err != nil {
		s.fail(w, err)
		return
	}
	hash, err := b.Header.Hash()
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &BlockResponse{
		ID:              b.Header.ID,
		Hash:            hash[:],
		PrevHash:        b.Header.PrevHash[:],
		Timestamp:       b.Header.Timestamp,
		CommitmentStart: b.Header.CommitmentStart,
		CommitmentRoot:  b.Header.CommitmentRoot,
		Transactions:    len(b.Transactions),
		Block:           raw,
	})
}

func (s *Server) commitmentProof(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.ParseUint(mux.Vars(r)["index"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if index >= s.ledger.Snapshot().CommitmentCount() {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("commitment %d not found", index))
		return
	}
	root, siblings, err := s.ledger.MembershipProof(index)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	cm, err := s.ledger.Commitment(index)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, &ProofResponse{Index: index, Commitment: cm, Root: root, Siblings: siblings})
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	h := s.health.CheckHealth()
	code := http.StatusOK
	if h.OverallStatus == Unhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, newHealthResponse(h))
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	reason := ledgercore.Reason(err)
	if reason == "internal" {
		s.metrics.RecordError("api")
		s.log.WithError(err).Error("request failed")
	}
	writeError(w, statusFor(reason), reason, err.Error())
}

// statusFor maps a rejection reason to an HTTP status.
func statusFor(reason string) int {
	switch reason {
	case "malformed_transaction":
		return http.StatusBadRequest
	case "store_unavailable", "mempool_full":
		return http.StatusServiceUnavailable
	case "internal":
		return http.StatusInternalServerError
	}
	return http.StatusUnprocessableEntity
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, reason, msg string) {
	writeJSON(w, code, &ErrorResponse{Reason: reason, Message: msg})
}

// hexBytes marshals as a hex string.
type hexBytes []byte

func (h hexBytes) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(h)), nil
}

func (h *hexBytes) UnmarshalText(text []byte) error {
	out, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	*h = out
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack lets the feed upgrade to a websocket through the logging wrapper.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("api: response writer cannot hijack")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if s.log.IsDebug() {
			s.log.WithFields(logging.Fields{
				"method": r.Method,
				"path":   r.URL.Path,
				"status": rec.status,
				"took":   time.Since(start),
			}).Debug("request")
		}
	})
}
