// pool.go - Transaction pool between the API and the sequencer.
//
// The pool tracks every transaction it has seen by fingerprint. A fingerprint
// is pending until the sequencer drains it, in flight while a block is built,
// and then either included or failed. Resubmitting a known fingerprint is a
// no-op admission, never an error.

package mempool

import (
	"bytes"
	"container/heap"
	"errors"
	"fmt"

	"github.com/algorand/go-deadlock"
	lru "github.com/hashicorp/golang-lru"

	"shieldledger/internal/ledgercore"
	"shieldledger/internal/logging"
	"shieldledger/internal/metrics"
	"shieldledger/internal/tx"
)

// Admission is the outcome of a successful Admit.
type Admission int

const (
	Accepted Admission = iota + 1
	AlreadyPending
	AlreadyIncluded
)

func (a Admission) String() string {
	switch a {
	case Accepted:
		return "accepted"
	case AlreadyPending:
		return "already_pending"
	case AlreadyIncluded:
		return "already_included"
	}
	return "unknown"
}

// State is the lifecycle position of a fingerprint.
type State int

const (
	Unknown State = iota
	Pending
	InFlight
	Included
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case InFlight:
		return "in_flight"
	case Included:
		return "included"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Status describes a fingerprint. BlockID is set for Included, Reason for
// Failed.
type Status struct {
	State   State
	BlockID uint64
	Reason  string
}

// InclusionIndex answers whether a fingerprint is already on chain. The
// durable store implements it.
type InclusionIndex interface {
	TxBlock(fp tx.Fingerprint) (uint64, bool, error)
}

// PreCheck is the admission check run before a transaction enters the pool.
type PreCheck func(t *tx.Transaction) error

// PriorityPolicy ranks transactions; higher values drain first. Equal
// priorities drain in arrival order.
type PriorityPolicy func(t *tx.Transaction) int64

// DefaultStatusCacheSize bounds the recent included/failed status cache.
const DefaultStatusCacheSize = 1 << 14

// Config configures a Pool.
type Config struct {
	// MaxSize bounds pending plus in-flight transactions.
	MaxSize         int
	StatusCacheSize int
	Priority        PriorityPolicy
}

// Pool is safe for concurrent use.
type Pool struct {
	mu       deadlock.Mutex
	seq      uint64
	queue    entryHeap
	pending  map[tx.Fingerprint]*entry
	inFlight map[tx.Fingerprint]*entry
	statuses *lru.Cache

	cfg      Config
	index    InclusionIndex
	precheck PreCheck
	log      *logging.Logger
	metrics  *metrics.Collector
}

type entry struct {
	fp       tx.Fingerprint
	tx       *tx.Transaction
	seq      uint64
	priority int64
	pos      int
}

// New creates a pool. index and precheck may be nil.
func New(cfg Config, index InclusionIndex, precheck PreCheck, log *logging.Logger, m *metrics.Collector) (*Pool, error) {
	if cfg.MaxSize <= 0 {
		return nil, errors.New("mempool: max size must be positive")
	}
	if cfg.StatusCacheSize <= 0 {
		cfg.StatusCacheSize = DefaultStatusCacheSize
	}
	cache, err := lru.New(cfg.StatusCacheSize)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Pool{
		pending:  make(map[tx.Fingerprint]*entry),
		inFlight: make(map[tx.Fingerprint]*entry),
		statuses: cache,
		cfg:      cfg,
		index:    index,
		precheck: precheck,
		log:      log.WithField("component", "mempool"),
		metrics:  m,
	}, nil
}

// Admit adds t unless its fingerprint is already known. Known fingerprints
// return AlreadyPending or AlreadyIncluded with a nil error. A transaction
// failing the admission check is returned with its rejection error.
func (p *Pool) Admit(t *tx.Transaction) (Admission, tx.Fingerprint, error) {
	fp, err := t.Fingerprint()
	if err != nil {
		return 0, fp, ledgercore.Malformed("fingerprint: %v", err)
	}
	if a, ok := p.known(fp); ok {
		return p.noop(fp, a), fp, nil
	}
	if p.index != nil {
		_, ok, err := p.index.TxBlock(fp)
		if err != nil {
			return 0, fp, err
		}
		if ok {
			return p.noop(fp, AlreadyIncluded), fp, nil
		}
	}
	if p.precheck != nil {
		if err := p.precheck(t); err != nil {
			p.metrics.RecordRejection("admission", ledgercore.Reason(err))
			return 0, fp, err
		}
	}

	p.mu.Lock()
	if a, ok := p.knownLocked(fp); ok {
		p.mu.Unlock()
		return p.noop(fp, a), fp, nil
	}
	if len(p.pending)+len(p.inFlight) >= p.cfg.MaxSize {
		p.mu.Unlock()
		return 0, fp, fmt.Errorf("%w: %d transactions", ledgercore.ErrPoolFull, p.cfg.MaxSize)
	}
	p.seq++
	e := &entry{fp: fp, tx: t, seq: p.seq}
	if p.cfg.Priority != nil {
		e.priority = p.cfg.Priority(t)
	}
	heap.Push(&p.queue, e)
	p.pending[fp] = e
	// A fingerprint that failed earlier may be retried.
	p.statuses.Remove(fp)
	size := len(p.pending) + len(p.inFlight)
	p.mu.Unlock()

	p.metrics.RecordAdmission(Accepted.String())
	p.metrics.SetMempoolSize(size)
	p.log.WithField("fingerprint", fp).Debugf("admitted %s transaction", t.Mode)
	return Accepted, fp, nil
}

func (p *Pool) noop(fp tx.Fingerprint, a Admission) Admission {
	p.metrics.RecordAdmission(a.String())
	p.log.WithField("fingerprint", fp).Debugf("resubmission: %s", a)
	return a
}

func (p *Pool) known(fp tx.Fingerprint) (Admission, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.knownLocked(fp)
}

func (p *Pool) knownLocked(fp tx.Fingerprint) (Admission, bool) {
	if _, ok := p.pending[fp]; ok {
		return AlreadyPending, true
	}
	if _, ok := p.inFlight[fp]; ok {
		return AlreadyPending, true
	}
	if v, ok := p.statuses.Get(fp); ok && v.(Status).State == Included {
		return AlreadyIncluded, true
	}
	return 0, false
}

// Drain removes up to max transactions in drain order and marks them in
// flight.
func (p *Pool) Drain(max int) []*tx.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*tx.Transaction
	for len(out) < max && p.queue.Len() > 0 {
		e := heap.Pop(&p.queue).(*entry)
		delete(p.pending, e.fp)
		p.inFlight[e.fp] = e
		out = append(out, e.tx)
	}
	return out
}

// MarkIncluded records fps as included in block id.
func (p *Pool) MarkIncluded(fps []tx.Fingerprint, id uint64) {
	p.mu.Lock()
	for _, fp := range fps {
		p.removeLocked(fp)
		p.statuses.Add(fp, Status{State: Included, BlockID: id})
	}
	size := len(p.pending) + len(p.inFlight)
	p.mu.Unlock()
	p.metrics.SetMempoolSize(size)
}

// MarkFailed records that fp was rejected while building a block.
func (p *Pool) MarkFailed(fp tx.Fingerprint, reason error) {
	code := ledgercore.Reason(reason)
	p.mu.Lock()
	p.removeLocked(fp)
	p.statuses.Add(fp, Status{State: Failed, Reason: code})
	size := len(p.pending) + len(p.inFlight)
	p.mu.Unlock()
	p.metrics.SetMempoolSize(size)
	p.metrics.RecordRejection("execution", code)
}

// Requeue returns in-flight fps to the pending queue. They keep their
// original arrival order, so they drain ahead of later admissions.
func (p *Pool) Requeue(fps []tx.Fingerprint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, fp := range fps {
		e, ok := p.inFlight[fp]
		if !ok {
			continue
		}
		delete(p.inFlight, fp)
		heap.Push(&p.queue, e)
		p.pending[fp] = e
	}
}

func (p *Pool) removeLocked(fp tx.Fingerprint) {
	delete(p.inFlight, fp)
	if e, ok := p.pending[fp]; ok {
		heap.Remove(&p.queue, e.pos)
		delete(p.pending, fp)
	}
}

// Status reports what the pool knows about fp, consulting the durable index
// for fingerprints no longer cached.
func (p *Pool) Status(fp tx.Fingerprint) (Status, error) {
	p.mu.Lock()
	switch {
	case p.pending[fp] != nil:
		p.mu.Unlock()
		return Status{State: Pending}, nil
	case p.inFlight[fp] != nil:
		p.mu.Unlock()
		return Status{State: InFlight}, nil
	}
	v, ok := p.statuses.Get(fp)
	p.mu.Unlock()
	if ok {
		return v.(Status), nil
	}
	if p.index != nil {
		id, ok, err := p.index.TxBlock(fp)
		if err != nil {
			return Status{}, err
		}
		if ok {
			return Status{State: Included, BlockID: id}, nil
		}
	}
	return Status{State: Unknown}, nil
}

// Len is the number of pending and in-flight transactions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending) + len(p.inFlight)
}

// entryHeap orders by priority, then arrival, then fingerprint.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if a.seq != b.seq {
		return a.seq < b.seq
	}
	return bytes.Compare(a.fp[:], b.fp[:]) < 0
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *entryHeap) Push(x interface{}) {
	e := x.(*entry)
	e.pos = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	e.pos = -1
	return e
}
