package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "info")
	l.Debugf("hidden %d", 1)
	l.WithField("block", 7).Infof("committed")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), "committed")
	require.Contains(t, buf.String(), "block=7")
	require.False(t, l.IsDebug())
	require.True(t, NewWriter(&buf, "debug").IsDebug())
}

func TestFileAndAudit(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "node.log")
	auditFile := filepath.Join(dir, "audit.log")
	l, err := New(Options{Level: "debug", Format: "json", File: logFile, AuditFile: auditFile})
	require.NoError(t, err)

	l.WithFields(Fields{"component": "test"}).Warn("disk slow")
	l.WithField("component", "sequencer").Audit("block_committed", Fields{"block_id": 3, "txs": 2})
	require.NoError(t, l.Close())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	require.Contains(t, string(data), `"msg":"disk slow"`)

	data, err = os.ReadFile(auditFile)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	require.Equal(t, "block_committed", rec["msg"])
	require.EqualValues(t, 3, rec["block_id"])
}

func TestBadLevelFallsBackToInfo(t *testing.T) {
	l, err := New(Options{Level: "loud"})
	require.NoError(t, err)
	require.False(t, l.IsDebug())
	require.NoError(t, l.Close())
}
