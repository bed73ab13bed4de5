package sequencer

import (
	"context"
	"crypto/sha256"
	"time"

	"github.com/algorand/go-deadlock"
	"golang.org/x/sync/errgroup"

	"shieldledger/internal/account"
	"shieldledger/internal/ledger"
	"shieldledger/internal/metrics"
	"shieldledger/internal/privacy"
	"shieldledger/internal/tx"
)

// speculativeVerifier checks the proofs of a batch in parallel against the
// block's base state before execution, and answers the executor's Verify calls
// from those results. A statement that differs from the speculative one, because
// an earlier transaction in the block changed a public pre-state, misses the
// cache and is verified again inline.
type speculativeVerifier struct {
	inner   privacy.Verifier
	workers int
	metrics *metrics.Collector

	mu      deadlock.Mutex
	results map[[32]byte]error
}

func newSpeculativeVerifier(inner privacy.Verifier, workers int, m *metrics.Collector) *speculativeVerifier {
	if workers <= 0 {
		workers = 1
	}
	return &speculativeVerifier{inner: inner, workers: workers, metrics: m, results: make(map[[32]byte]error)}
}

func cacheKey(stmt *privacy.Statement, proof []byte) ([32]byte, error) {
	d, err := stmt.Digest()
	if err != nil {
		return d, err
	}
	h := sha256.New()
	h.Write(d[:])
	h.Write(proof)
	var k [32]byte
	copy(k[:], h.Sum(nil))
	return k, nil
}

// prefetch verifies the private transactions of txs against base and waits for
// all of them. Transactions whose statement cannot be built are skipped; the
// executor reports them.
func (v *speculativeVerifier) prefetch(ctx context.Context, base *ledger.State, txs []*tx.Transaction) error {
	v.mu.Lock()
	v.results = make(map[[32]byte]error)
	v.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(v.workers)
	for _, t := range txs {
		if t.Mode != tx.ModePrivate || t.Private == nil {
			continue
		}
		publicPre := make([]account.Account, len(t.AccountsTouched))
		for i, id := range t.AccountsTouched {
			publicPre[i] = base.Account(id)
		}
		stmt, err := t.Statement(publicPre)
		if err != nil {
			continue
		}
		proof := t.Private.Proof
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			_, _ = v.verify(stmt, proof)
			return nil
		})
	}
	return g.Wait()
}

// Verify implements privacy.Verifier.
func (v *speculativeVerifier) Verify(stmt *privacy.Statement, proof []byte) error {
	_, err := v.verify(stmt, proof)
	return err
}

// verify returns the cached result for (stmt, proof) or computes and caches it.
// hit reports a cache hit.
func (v *speculativeVerifier) verify(stmt *privacy.Statement, proof []byte) (hit bool, err error) {
	key, err := cacheKey(stmt, proof)
	if err != nil {
		return false, err
	}
	v.mu.Lock()
	res, ok := v.results[key]
	v.mu.Unlock()
	if ok {
		return true, res
	}
	start := time.Now()
	res = v.inner.Verify(stmt, proof)
	v.metrics.RecordVerify(time.Since(start))
	v.mu.Lock()
	v.results[key] = res
	v.mu.Unlock()
	return false, res
}
