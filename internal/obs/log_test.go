package obs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestEventFieldsReachLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	prev := logger()
	SetLogger(zap.New(core))
	defer SetLogger(prev)

	Info("session.paired", Fields{"session": "s1", "a": "10.0.0.1:1"})
	Error("pool.conn_error", Fields{"err": "boom"})
	Debug("conn.join", nil)

	entries := logs.AllUntimed()
	require.Len(t, entries, 3)
	assert.Equal(t, "session.paired", entries[0].Message)
	assert.Equal(t, "s1", entries[0].ContextMap()["session"])
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.Equal(t, "boom", entries[1].ContextMap()["err"])
	assert.Empty(t, entries[2].ContextMap())
}

func TestEnableDebugTogglesLevel(t *testing.T) {
	defer EnableDebug(false)
	EnableDebug(true)
	assert.True(t, level.Enabled(zapcore.DebugLevel))
	EnableDebug(false)
	assert.False(t, level.Enabled(zapcore.DebugLevel))
}
