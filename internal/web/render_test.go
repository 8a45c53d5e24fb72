package web

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderDashboard(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, "dashboard", map[string]any{"Waiting": 3, "Active": 2, "Cluster": 5, "Total": 9}))
	out := buf.String()
	assert.Contains(t, out, "Waiting: 3")
	assert.Contains(t, out, "Cluster sessions: 5")
	assert.Contains(t, out, "<footer>")
}

func TestRenderUnknownTemplate(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, Render(&buf, "missing", nil))
}
