package camtrap

import (
	"os"
	"path"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewROC(t *testing.T) {
	labels := []float64{0, 0, 1, 1}
	scores := []float64{0.1, 0.4, 0.35, 0.8}
	roc, err := NewROC(labels, scores)
	require.NoError(t, err)

	assert.Equal(t, []float64{0, 0, 0.5, 0.5, 1}, roc.FPR)
	assert.Equal(t, []float64{0, 0.5, 0.5, 1, 1}, roc.TPR)
	assert.InDelta(t, 0.75, roc.AUC, 1e-9)
	// First threshold is above every score, so the first point is (0, 0).
	assert.Greater(t, roc.Thresholds[0], 0.8)
}

func TestNewROCPerfectClassifier(t *testing.T) {
	roc, err := NewROC([]float64{0, 0, 1, 1}, []float64{0.1, 0.2, 0.8, 0.9})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, roc.AUC, 1e-9)
}

func TestNewROCTiedScores(t *testing.T) {
	// Both classes share the score 0.5: the sweep emits a single point for
	// the tie, halfway up both axes.
	roc, err := NewROC([]float64{0, 1}, []float64{0.5, 0.5})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1}, roc.FPR)
	assert.Equal(t, []float64{0, 1}, roc.TPR)
	assert.InDelta(t, 0.5, roc.AUC, 1e-9)
}

func TestNewROCErrors(t *testing.T) {
	_, err := NewROC([]float64{0, 1}, []float64{0.5})
	assert.ErrorContains(t, err, "2 labels but 1 scores")

	_, err = NewROC(nil, nil)
	assert.ErrorContains(t, err, "without examples")

	_, err = NewROC([]float64{1, 1}, []float64{0.5, 0.6})
	assert.ErrorContains(t, err, "0 negative")

	_, err = NewROC([]float64{0, 2}, []float64{0.5, 0.6})
	assert.ErrorContains(t, err, "labels must be 0 or 1")
}

func TestROCSave(t *testing.T) {
	roc, err := NewROC([]float64{0, 0, 1, 1}, []float64{0.1, 0.4, 0.35, 0.8})
	require.NoError(t, err)

	dir := path.Join(t.TempDir(), "roc")
	require.NoError(t, roc.Save(dir, "test"))

	contents, err := os.ReadFile(path.Join(dir, "roc-test.csv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(contents)), "\n")
	assert.Equal(t, "threshold,fpr,tpr", lines[0])
	assert.Len(t, lines, 1+len(roc.Thresholds))

	pngInfo, err := os.Stat(path.Join(dir, "roc-test.png"))
	require.NoError(t, err)
	assert.Greater(t, pngInfo.Size(), int64(0))
}
