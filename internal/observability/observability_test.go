package observability

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsHandlerExposesOrbitMetrics(t *testing.T) {
	RecordTurn("COMPLETED", 20*time.Millisecond)
	RecordToolExecution("echo", time.Millisecond, false)
	RecordSessionCache(true)
	RecordExecutionStop("max_turns")

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `orbit_turns_total{state="COMPLETED"}`)
	assert.Contains(t, body, `orbit_tool_errors_total{tool="echo"}`)
	assert.Contains(t, body, `orbit_session_cache_total{result="hit"}`)
	assert.Contains(t, body, `orbit_execution_stops_total{reason="max_turns"}`)
}

func TestAuditLoggerWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.log")
	require.NoError(t, InitAuditLogger(path))
	t.Cleanup(func() {
		auditMu.Lock()
		auditInst = NewAuditLogger(io.Discard)
		auditMu.Unlock()
	})

	RecordToolAudit(context.Background(), "search", "s-1", "success", map[string]interface{}{"callId": "c1"})
	RecordSessionAudit(context.Background(), "fork", "s-2", nil)
	require.NoError(t, GetAuditLogger().Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]interface{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		lines = append(lines, entry)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "execute:search", lines[0]["action"])
	assert.Equal(t, "s-1", lines[0]["actor"])
	assert.True(t, strings.HasPrefix(lines[1]["action"].(string), "fork"))
}
