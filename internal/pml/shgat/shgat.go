// Package shgat scores capabilities against an intent using a small
// multi-head attention model over a two-type graph of tools and
// capabilities. The forward pass never mutates parameters; only Train with
// evaluateOnly=false does.
package shgat

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
)

// Params is the full learned parameter set, serialized verbatim by
// ExportParams/ImportParams. Field order and the absence of any map type
// keeps json.Marshal output byte-identical across calls on equal values,
// which is what the export/import round-trip identity relies on.
type Params struct {
	Dim           int         `json:"dim"`
	NumHeads      int         `json:"numHeads"`
	ToolWeights   [][]float64 `json:"toolWeights"`   // [head][dim]
	IntentWeights [][]float64 `json:"intentWeights"` // [head][dim]
	HeadCombine   []float64   `json:"headCombine"`   // [head]
}

// NewIdentityParams returns a Params where every projection is the identity
// (weight 1 everywhere) and heads are combined with equal weight, a neutral
// starting point before any training example is seen.
func NewIdentityParams(dim, numHeads int) Params {
	tw := make([][]float64, numHeads)
	iw := make([][]float64, numHeads)
	hc := make([]float64, numHeads)
	for h := 0; h < numHeads; h++ {
		tw[h] = onesRow(dim)
		iw[h] = onesRow(dim)
		hc[h] = 1.0 / float64(numHeads)
	}
	return Params{Dim: dim, NumHeads: numHeads, ToolWeights: tw, IntentWeights: iw, HeadCombine: hc}
}

func onesRow(dim int) []float64 {
	row := make([]float64, dim)
	for i := range row {
		row[i] = 1
	}
	return row
}

// CapabilityInput is one capability's view into the graph: its own
// embedding (used when it has no constituent tools) and the ordered tools it
// composes.
type CapabilityInput struct {
	ID        string
	ToolsUsed []string
	Embedding []float64
}

// Graph is the two-type graph the ranker scores over: tool embeddings H,
// keyed by ToolId, and capability definitions E.
type Graph struct {
	Tools        map[string][]float64
	Capabilities map[string]CapabilityInput
}

// Scored is one capability's ranking result.
type Scored struct {
	CapID      string
	Score      float64
	HeadScores []float64
}

// Example is one training example: a context, the correct capability, and a
// set of negatives to contrast against.
type Example struct {
	IntentEmbedding []float64
	ContextTools    []string
	CandidateID     string
	NegativeCapIDs  []string
}

// TrainResult reports the outcome of one Train call.
type TrainResult struct {
	Loss     float64
	Accuracy float64
	TDErrors []float64
}

// Ranker holds the current parameters and serializes access to them: Train
// mutates, ScoreAllCapabilities only reads.
type Ranker struct {
	mu     sync.RWMutex
	params Params
}

// New builds a Ranker from an existing parameter set, e.g. one restored via
// ImportParams.
func New(params Params) *Ranker {
	return &Ranker{params: params}
}

// ExportParams serializes the current parameters. Calling ImportParams on
// the result and re-exporting yields byte-identical output.
func (r *Ranker) ExportParams() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return json.Marshal(r.params)
}

// ImportParams decodes a parameter set produced by ExportParams. It does not
// touch any Ranker; pass the result to New or SetParams.
func ImportParams(data []byte) (Params, error) {
	var p Params
	if err := json.Unmarshal(data, &p); err != nil {
		return Params{}, fmt.Errorf("shgat: import params: %w", err)
	}
	return p, nil
}

// SetParams replaces the ranker's live parameters.
func (r *Ranker) SetParams(p Params) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.params = p
}

func softmax(logits []float64) []float64 {
	if len(logits) == 0 {
		return nil
	}
	max := logits[0]
	for _, v := range logits[1:] {
		if v > max {
			max = v
		}
	}
	exps := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		exps[i] = math.Exp(v - max)
		sum += exps[i]
	}
	for i := range exps {
		exps[i] /= sum
	}
	return exps
}

// headForward computes, for one head h, the attention-weighted aggregate of
// a capability's tool embeddings (capAgg, with attention weights treated as
// constant for gradient purposes), the resulting message, and the head's
// scalar score against q.
func headForward(p Params, h int, q []float64, cap CapabilityInput, tools map[string][]float64) (capAgg, message []float64, score float64) {
	dim := p.Dim
	scale := math.Sqrt(float64(dim))

	qVec := make([]float64, dim)
	for j := 0; j < dim; j++ {
		qVec[j] = q[j] * p.IntentWeights[h][j]
	}

	var members [][]float64
	for _, toolID := range cap.ToolsUsed {
		if emb, ok := tools[toolID]; ok {
			members = append(members, emb)
		}
	}
	if len(members) == 0 {
		members = [][]float64{cap.Embedding}
	}

	logits := make([]float64, len(members))
	for i, emb := range members {
		var dot float64
		for j := 0; j < dim; j++ {
			dot += qVec[j] * (emb[j] * p.ToolWeights[h][j])
		}
		logits[i] = dot / scale
	}
	attn := softmax(logits)

	capAgg = make([]float64, dim)
	for i, emb := range members {
		for j := 0; j < dim; j++ {
			capAgg[j] += attn[i] * emb[j]
		}
	}

	message = make([]float64, dim)
	for j := 0; j < dim; j++ {
		message[j] = capAgg[j] * p.ToolWeights[h][j]
	}

	var dot float64
	for j := 0; j < dim; j++ {
		dot += message[j] * qVec[j]
	}
	score = dot / scale
	return capAgg, message, score
}

func scoreCapability(p Params, q []float64, cap CapabilityInput, tools map[string][]float64) (final float64, headScores []float64, capAggs, messages [][]float64) {
	headScores = make([]float64, p.NumHeads)
	capAggs = make([][]float64, p.NumHeads)
	messages = make([][]float64, p.NumHeads)
	for h := 0; h < p.NumHeads; h++ {
		capAgg, message, score := headForward(p, h, q, cap, tools)
		headScores[h] = score
		capAggs[h] = capAgg
		messages[h] = message
		final += p.HeadCombine[h] * score
	}
	return final, headScores, capAggs, messages
}

// ScoreAllCapabilities ranks every capability in graph against q, descending
// by score and tie-broken by CapID. contextTools is accepted for interface
// symmetry with the suggestion pipeline but does not currently bias scoring.
func (r *Ranker) ScoreAllCapabilities(q []float64, graph Graph, contextTools map[string]bool) ([]Scored, error) {
	r.mu.RLock()
	p := r.params
	r.mu.RUnlock()

	if len(q) != p.Dim {
		return nil, fmt.Errorf("shgat: intent dim %d does not match params dim %d", len(q), p.Dim)
	}

	out := make([]Scored, 0, len(graph.Capabilities))
	for id, cap := range graph.Capabilities {
		final, headScores, _, _ := scoreCapability(p, q, cap, graph.Tools)
		out = append(out, Scored{CapID: id, Score: final, HeadScores: headScores})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].CapID < out[j].CapID
	})
	return out, nil
}

const learningRate = 0.05

// Train implements the softmax-cross-entropy training step over
// {candidate + negatives} for every example in batch. evaluateOnly computes
// loss/accuracy/tdErrors without mutating parameters; the empty batch is a
// no-op that reports a zeroed, valid result.
func (r *Ranker) Train(graph Graph, batch []Example, evaluateOnly bool, temperature float64) (TrainResult, error) {
	if len(batch) == 0 {
		return TrainResult{Loss: 0, Accuracy: 0, TDErrors: []float64{}}, nil
	}
	if temperature <= 0 {
		return TrainResult{}, fmt.Errorf("shgat: temperature must be positive, got %v", temperature)
	}

	r.mu.RLock()
	p := r.params
	r.mu.RUnlock()

	toolGradTool := make([][]float64, p.NumHeads)
	toolGradIntent := make([][]float64, p.NumHeads)
	gradHeadCombine := make([]float64, p.NumHeads)
	for h := 0; h < p.NumHeads; h++ {
		toolGradTool[h] = make([]float64, p.Dim)
		toolGradIntent[h] = make([]float64, p.Dim)
	}

	var totalLoss, correct float64
	tdErrors := make([]float64, 0, len(batch))

	for _, ex := range batch {
		if len(ex.IntentEmbedding) != p.Dim {
			return TrainResult{}, fmt.Errorf("shgat: example intent dim %d does not match params dim %d", len(ex.IntentEmbedding), p.Dim)
		}
		ids := append([]string{ex.CandidateID}, ex.NegativeCapIDs...)
		scores := make([]float64, len(ids))
		capAggsByItem := make([][][]float64, len(ids))
		messagesByItem := make([][][]float64, len(ids))
		for i, id := range ids {
			cap, ok := graph.Capabilities[id]
			if !ok {
				return TrainResult{}, fmt.Errorf("shgat: unknown capability %q in training batch", id)
			}
			final, _, capAggs, messages := scoreCapability(p, ex.IntentEmbedding, cap, graph.Tools)
			scores[i] = final / temperature
			capAggsByItem[i] = capAggs
			messagesByItem[i] = messages
		}

		probs := softmax(scores)
		const eps = 1e-12
		pCandidate := probs[0]
		loss := -math.Log(pCandidate + eps)
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return TrainResult{}, fmt.Errorf("shgat: non-finite loss computed")
		}
		totalLoss += loss
		tdErrors = append(tdErrors, 1-pCandidate)

		maxIdx := 0
		for i := 1; i < len(scores); i++ {
			if scores[i] > scores[maxIdx] {
				maxIdx = i
			}
		}
		if maxIdx == 0 {
			correct++
		}

		if evaluateOnly {
			continue
		}

		for i := range ids {
			target := 0.0
			if i == 0 {
				target = 1.0
			}
			coeff := (probs[i] - target) / temperature
			for h := 0; h < p.NumHeads; h++ {
				qVec := make([]float64, p.Dim)
				for j := 0; j < p.Dim; j++ {
					qVec[j] = ex.IntentEmbedding[j] * p.IntentWeights[h][j]
				}
				scale := math.Sqrt(float64(p.Dim))
				c := coeff * p.HeadCombine[h] / scale
				for j := 0; j < p.Dim; j++ {
					toolGradTool[h][j] += c * capAggsByItem[i][h][j] * qVec[j]
					toolGradIntent[h][j] += c * messagesByItem[i][h][j] * ex.IntentEmbedding[j]
				}
				gradHeadCombine[h] += coeff * (dot(messagesByItem[i][h], qVec) / scale)
			}
		}
	}

	result := TrainResult{
		Loss:     totalLoss / float64(len(batch)),
		Accuracy: correct / float64(len(batch)),
		TDErrors: tdErrors,
	}

	if evaluateOnly {
		return result, nil
	}

	updated := deepCopyParams(p)
	n := float64(len(batch))
	for h := 0; h < p.NumHeads; h++ {
		for j := 0; j < p.Dim; j++ {
			updated.ToolWeights[h][j] -= learningRate * toolGradTool[h][j] / n
			updated.IntentWeights[h][j] -= learningRate * toolGradIntent[h][j] / n
		}
		updated.HeadCombine[h] -= learningRate * gradHeadCombine[h] / n
	}

	r.mu.Lock()
	r.params = updated
	r.mu.Unlock()

	return result, nil
}

func deepCopyParams(p Params) Params {
	tw := make([][]float64, len(p.ToolWeights))
	iw := make([][]float64, len(p.IntentWeights))
	for h := range p.ToolWeights {
		tw[h] = append([]float64(nil), p.ToolWeights[h]...)
		iw[h] = append([]float64(nil), p.IntentWeights[h]...)
	}
	hc := append([]float64(nil), p.HeadCombine...)
	return Params{Dim: p.Dim, NumHeads: p.NumHeads, ToolWeights: tw, IntentWeights: iw, HeadCombine: hc}
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
