package status

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chr1sbest/analysiswatch/internal/analysis"
)

func resultsOf(names ...analysis.Subtool) analysis.Results {
	store := analysis.NewStore()
	for _, n := range names {
		store.Merge(n, json.RawMessage(`{}`), time.Unix(0, 0))
	}
	return store.Results()
}

func TestRender_InProgress(t *testing.T) {
	lines := Render(analysis.Snapshot{
		RunID:            "run-123",
		Results:          resultsOf(analysis.Volatility, analysis.RiskMetrics),
		Loading:          true,
		Progress:         33,
		Pending:          []analysis.Subtool{analysis.Correlation, analysis.Performance, analysis.RiskDecomposition, analysis.Strategies},
		ConnectionStatus: analysis.StatusConnected,
	}, false)

	require.Len(t, lines, 2)
	assert.Equal(t, strings.Repeat(barFilled, 6)+strings.Repeat(barEmpty, 14)+"  33% 2/6 ● connected", lines[0])
	assert.Equal(t, "Waiting on correlation, performance, riskDecomposition, strategies", lines[1])
}

func TestRender_Failures(t *testing.T) {
	lines := Render(analysis.Snapshot{
		RunID:    "run-123",
		Results:  resultsOf(analysis.Volatility),
		Progress: 100,
		Failed: []analysis.SubtoolFailure{
			{Name: analysis.Strategies, Reason: "diverged", Final: true},
		},
		ConnectionStatus: analysis.StatusConnected,
	}, false)

	assert.Contains(t, lines[0], "1/2")
	assert.Contains(t, lines, "✗ strategies failed: diverged")
	assert.Equal(t, "✓ Complete", lines[len(lines)-1])
}

func TestRender_AllFailedIsNotComplete(t *testing.T) {
	lines := Render(analysis.Snapshot{
		RunID:    "run-123",
		Results:  resultsOf(),
		Progress: analysis.ComputeProgress(2, 0, 2),
		Failed: []analysis.SubtoolFailure{
			{Name: analysis.Volatility, Reason: "no prices", Final: true},
			{Name: analysis.Strategies, Reason: "diverged", Final: true},
		},
		ConnectionStatus: analysis.StatusConnected,
	}, false)

	assert.Contains(t, lines[0], "100% 0/2")
	assert.Equal(t, "✗ No subtool produced a result", lines[len(lines)-1])
	assert.NotContains(t, lines, "✓ Complete")
}

func TestRender_Error(t *testing.T) {
	lines := Render(analysis.Snapshot{
		RunID:            "run-123",
		Err:              errors.New("backend unavailable"),
		Reason:           analysis.ReasonUnavailable,
		Pending:          []analysis.Subtool{analysis.Volatility},
		ConnectionStatus: analysis.StatusError,
	}, false)

	assert.Contains(t, lines[0], "● error")
	assert.Equal(t, "✗ backend unavailable", lines[len(lines)-1])
	for _, l := range lines {
		assert.NotContains(t, l, "Waiting on")
	}
}

func TestRender_NoRun(t *testing.T) {
	assert.Equal(t, []string{"No analysis run selected"}, Render(analysis.Snapshot{}, false))
}

func TestShow_PlainWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewWithWriter(&buf)
	w.Show(analysis.Snapshot{RunID: "r", Loading: true, ConnectionStatus: analysis.StatusWaking})
	w.Show(analysis.Snapshot{RunID: "r", Progress: 100, ConnectionStatus: analysis.StatusConnected})

	out := buf.String()
	assert.NotContains(t, out, "\033[")
	assert.Contains(t, out, "backend waking up")
	assert.Contains(t, out, "✓ Complete")
}

func TestProgressBar(t *testing.T) {
	p := palette(false)
	assert.Equal(t, strings.Repeat(barEmpty, barWidth), progressBar(0, p))
	assert.Equal(t, strings.Repeat(barFilled, barWidth), progressBar(100, p))
	assert.Equal(t, strings.Repeat(barFilled, barWidth), progressBar(150, p))
	assert.Equal(t, strings.Repeat(barEmpty, barWidth), progressBar(-5, p))
}
