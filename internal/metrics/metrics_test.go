package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	c := New()
	c.RecordAdmission("accepted")
	c.RecordAdmission("accepted")
	c.RecordAdmission("already_included")
	c.RecordRejection("execution", "nullifier_reused")
	c.RecordBlock(4, 2, 9, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)
	require.Contains(t, text, "shieldledger_sequencer_blocks_total 1")
	require.Contains(t, text, `shieldledger_mempool_admissions_total{outcome="accepted"} 2`)
	require.Contains(t, text, `shieldledger_rejections_total{reason="nullifier_reused",stage="execution"} 1`)
	require.Contains(t, text, "shieldledger_sequencer_head_block 4")
	require.Contains(t, text, "shieldledger_ledger_commitments 9")
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	c.RecordAdmission("accepted")
	c.RecordBlock(1, 0, 0, 0)
	c.SetMempoolSize(3)
	c.RecordError("store")
	require.Nil(t, c.Registry())
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 404, rec.Code)
}
