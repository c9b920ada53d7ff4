package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	Use(zap.New(core))
	t.Cleanup(func() { Use(zap.NewNop()) })
	return logs
}

func TestGetTagsCategory(t *testing.T) {
	logs := observe(t)

	Get(CategoryIngest).Info("stored %d chunks", 3)
	SafetyWarn("blocked %s", "example.com")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "stored 3 chunks", entries[0].Message)
	assert.Equal(t, "ingest", entries[0].ContextMap()["cat"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "safety", entries[1].ContextMap()["cat"])
}

func TestDisabledCategoryIsSilent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(dir, Options{
		Level:      "debug",
		File:       "sia.log",
		Categories: map[string]bool{"ingest": false},
	}))
	t.Cleanup(func() { Use(zap.NewNop()) })

	assert.False(t, IsCategoryEnabled(CategoryIngest))
	assert.True(t, IsCategoryEnabled(CategoryEval), "unlisted categories default to enabled")

	Ingest("should not appear")
	Eval("evaluation finished")
	Sync()

	data, err := os.ReadFile(filepath.Join(dir, "sia.log"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "should not appear")
	assert.Contains(t, string(data), "evaluation finished")
	assert.Contains(t, string(data), `"cat":"eval"`)
}

func TestInitializeRejectsUnknownLevel(t *testing.T) {
	err := Initialize("", Options{Level: "chatty"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chatty")
}

func TestNoopBeforeInitialize(t *testing.T) {
	Use(nil)
	// Must not panic on a nop core.
	Get(CategoryScheduler).Error("ignored")
	StartTimer(CategoryScheduler, "noop").Stop()
}

func TestAuditFields(t *testing.T) {
	logs := observe(t)

	Audit(AuditEvent{Type: AuditPromoted, Target: "prompts/auto_x.txt", Score: 0.75})
	AuditPolicy(AuditPolicyReject, "http://127.0.0.1/", "private_ip:127.0.0.1")

	entries := logs.FilterField(zap.String("cat", "audit")).All()
	require.Len(t, entries, 2)

	first := entries[0].ContextMap()
	assert.Equal(t, "promoted", first["event"])
	assert.Equal(t, 0.75, first["score"])
	_, hasReason := first["reason"]
	assert.False(t, hasReason, "empty reason is omitted")

	second := entries[1].ContextMap()
	assert.True(t, strings.HasPrefix(second["reason"].(string), "private_ip:"))
}

func TestTimerReturnsElapsed(t *testing.T) {
	logs := observe(t)

	timer := StartTimer(CategoryEval, "evaluate")
	assert.GreaterOrEqual(t, int64(timer.StopWithInfo()), int64(0))
	require.Equal(t, 1, logs.FilterMessageSnippet("evaluate completed").Len())
}
