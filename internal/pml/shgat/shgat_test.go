package shgat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGraph() Graph {
	return Graph{
		Tools: map[string][]float64{
			"fs.read":  {1, 0},
			"fs.write": {0, 1},
			"net.get":  {1, 1},
		},
		Capabilities: map[string]CapabilityInput{
			"read-file":    {ID: "read-file", ToolsUsed: []string{"fs.read"}, Embedding: []float64{1, 0}},
			"write-file":   {ID: "write-file", ToolsUsed: []string{"fs.write"}, Embedding: []float64{0, 1}},
			"pure-compute": {ID: "pure-compute", Embedding: []float64{0.5, 0.5}},
		},
	}
}

func TestScoreAllCapabilities_OrderedDescendingWithDeterministicTieBreak(t *testing.T) {
	r := New(NewIdentityParams(2, 2))
	out, err := r.ScoreAllCapabilities([]float64{1, 0}, testGraph(), nil)
	require.NoError(t, err)
	require.Len(t, out, 3)
	for i := 1; i < len(out); i++ {
		assert.GreaterOrEqual(t, out[i-1].Score, out[i].Score)
	}
	assert.Equal(t, "read-file", out[0].CapID)
}

func TestExportImportParams_IsIdentity(t *testing.T) {
	r := New(NewIdentityParams(3, 2))
	data1, err := r.ExportParams()
	require.NoError(t, err)

	imported, err := ImportParams(data1)
	require.NoError(t, err)

	r2 := New(imported)
	data2, err := r2.ExportParams()
	require.NoError(t, err)

	assert.Equal(t, data1, data2)
}

func TestTrain_EmptyBatchIsNoopWithZeroResult(t *testing.T) {
	r := New(NewIdentityParams(2, 2))
	before, err := r.ExportParams()
	require.NoError(t, err)

	result, err := r.Train(testGraph(), nil, false, 1.0)
	require.NoError(t, err)
	assert.Equal(t, 0.0, result.Loss)
	assert.Equal(t, 0.0, result.Accuracy)
	assert.Empty(t, result.TDErrors)

	after, err := r.ExportParams()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestTrain_EvaluateOnlyDoesNotMutateParams(t *testing.T) {
	r := New(NewIdentityParams(2, 2))
	batch := []Example{
		{IntentEmbedding: []float64{1, 0}, CandidateID: "read-file", NegativeCapIDs: []string{"write-file"}},
	}

	before, err := r.ExportParams()
	require.NoError(t, err)

	result, err := r.Train(testGraph(), batch, true, 1.0)
	require.NoError(t, err)
	assert.Greater(t, result.Loss, 0.0)
	assert.GreaterOrEqual(t, result.Accuracy, 0.0)
	assert.LessOrEqual(t, result.Accuracy, 1.0)

	after, err := r.ExportParams()
	require.NoError(t, err)
	assert.Equal(t, before, after, "evaluateOnly must leave parameters bit-identical")
}

func TestTrain_MutatesParamsWhenNotEvaluateOnly(t *testing.T) {
	r := New(NewIdentityParams(2, 2))
	batch := []Example{
		{IntentEmbedding: []float64{1, 0}, CandidateID: "read-file", NegativeCapIDs: []string{"write-file"}},
	}

	before, err := r.ExportParams()
	require.NoError(t, err)

	_, err = r.Train(testGraph(), batch, false, 1.0)
	require.NoError(t, err)

	after, err := r.ExportParams()
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
}

func TestTrain_LossFiniteAndPositiveOnNonTrivialInput(t *testing.T) {
	r := New(NewIdentityParams(2, 2))
	batch := []Example{
		{IntentEmbedding: []float64{1, 0}, CandidateID: "read-file", NegativeCapIDs: []string{"write-file", "pure-compute"}},
	}
	result, err := r.Train(testGraph(), batch, true, 0.5)
	require.NoError(t, err)
	assert.Greater(t, result.Loss, 0.0)
}

func TestScoreAllCapabilities_RejectsMismatchedIntentDim(t *testing.T) {
	r := New(NewIdentityParams(2, 2))
	_, err := r.ScoreAllCapabilities([]float64{1, 0, 0}, testGraph(), nil)
	assert.Error(t, err)
}
