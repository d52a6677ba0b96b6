package models

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/stat"
)

const (
	FamilyGBDT         = "gbdt"
	FamilyGBDTLeafwise = "gbdt_leafwise"
)

var gbdtDefaults = Params{
	"n_estimators":          500,
	"max_depth":             6,
	"learning_rate":         0.05,
	"subsample":             0.8,
	"colsample_bytree":      0.8,
	"min_child_weight":      5,
	"gamma":                 0.1,
	"reg_lambda":            1,
	"early_stopping_rounds": 50,
	"max_bins":              64,
	"seed":                  42,
}

var gbdtLeafwiseDefaults = Params{
	"n_estimators":          500,
	"num_leaves":            31,
	"max_depth":             -1,
	"learning_rate":         0.05,
	"subsample":             1,
	"colsample_bytree":      1,
	"min_child_samples":     20,
	"gamma":                 0,
	"reg_lambda":            0,
	"early_stopping_rounds": 50,
	"max_bins":              64,
	"seed":                  42,
}

func init() {
	RegisterFamily(Family{
		Name:             FamilyGBDT,
		SupportsQuantile: true,
		Defaults:         gbdtDefaults,
		New: func(p Params, obj Objective) Regressor {
			return NewGBDT(gbdtDefaults.merge(p), obj, false)
		},
		Decode: decodeGBDT,
	})
	RegisterFamily(Family{
		Name:             FamilyGBDTLeafwise,
		SupportsQuantile: true,
		Defaults:         gbdtLeafwiseDefaults,
		New: func(p Params, obj Objective) Regressor {
			return NewGBDT(gbdtLeafwiseDefaults.merge(p), obj, true)
		},
		Decode: decodeGBDT,
	})
}

type gbdtConfig struct {
	NEstimators    int     `msgpack:"n_estimators"`
	MaxDepth       int     `msgpack:"max_depth"`
	NumLeaves      int     `msgpack:"num_leaves"`
	LearningRate   float64 `msgpack:"learning_rate"`
	Subsample      float64 `msgpack:"subsample"`
	Colsample      float64 `msgpack:"colsample"`
	MinChildWeight float64 `msgpack:"min_child_weight"`
	Gamma          float64 `msgpack:"gamma"`
	Lambda         float64 `msgpack:"lambda"`
	EarlyStopping  int     `msgpack:"early_stopping"`
	MaxBins        int     `msgpack:"max_bins"`
	Leafwise       bool    `msgpack:"leafwise"`
	Seed           int64   `msgpack:"seed"`
}

func gbdtConfigFrom(p Params, leafwise bool) gbdtConfig {
	cfg := gbdtConfig{
		NEstimators:   int(p.get("n_estimators", 100)),
		MaxDepth:      int(p.get("max_depth", 6)),
		NumLeaves:     int(p.get("num_leaves", 31)),
		LearningRate:  p.get("learning_rate", 0.1),
		Subsample:     p.get("subsample", 1),
		Colsample:     p.get("colsample_bytree", 1),
		Gamma:         p.get("gamma", 0),
		Lambda:        p.get("reg_lambda", 1),
		EarlyStopping: int(p.get("early_stopping_rounds", 0)),
		MaxBins:       int(p.get("max_bins", 64)),
		Leafwise:      leafwise,
		Seed:          int64(p.get("seed", 42)),
	}
	if leafwise {
		cfg.MinChildWeight = p.get("min_child_samples", 20)
	} else {
		cfg.MinChildWeight = p.get("min_child_weight", 1)
	}
	if cfg.MaxBins < 2 || cfg.MaxBins > 255 {
		cfg.MaxBins = 64
	}
	if cfg.Subsample <= 0 || cfg.Subsample > 1 {
		cfg.Subsample = 1
	}
	if cfg.Colsample <= 0 || cfg.Colsample > 1 {
		cfg.Colsample = 1
	}
	return cfg
}

// treeNode is a leaf when Left is negative.
type treeNode struct {
	Feature   int     `msgpack:"f"`
	Threshold float64 `msgpack:"t"`
	Left      int     `msgpack:"l"`
	Right     int     `msgpack:"r"`
	Value     float64 `msgpack:"v"`
	Gain      float64 `msgpack:"g"`
}

type tree []treeNode

func (t tree) predict(row []float64) float64 {
	return t[t.leaf(row)].Value
}

func (t tree) leaf(row []float64) int {
	i := 0
	for t[i].Left >= 0 {
		n := &t[i]
		var v float64
		if n.Feature < len(row) {
			v = row[n.Feature]
		}
		if v <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
	return i
}

// GBDT is a histogram gradient-boosted tree ensemble. Depth-wise growth
// splits every node level by level; leaf-wise growth always splits the leaf
// with the largest gain until NumLeaves is reached.
type GBDT struct {
	Config    gbdtConfig `msgpack:"config"`
	Objective Objective  `msgpack:"objective"`
	Base      float64    `msgpack:"base"`
	Trees     []tree     `msgpack:"trees"`
	NFeatures int        `msgpack:"n_features"`
	BestIter  int        `msgpack:"best_iteration"`
}

func NewGBDT(params Params, objective Objective, leafwise bool) *GBDT {
	return &GBDT{Config: gbdtConfigFrom(params, leafwise), Objective: objective}
}

func decodeGBDT(state []byte) (Regressor, error) {
	var m GBDT
	if err := msgpack.Unmarshal(state, &m); err != nil {
		return nil, fmt.Errorf("failed to decode gbdt state: %w", err)
	}
	return &m, nil
}

func (m *GBDT) MarshalState() ([]byte, error) {
	return msgpack.Marshal(m)
}

func (m *GBDT) Fit(x [][]float64, y []float64, valX [][]float64, valY []float64) error {
	if len(x) == 0 || len(x) != len(y) {
		return fmt.Errorf("gbdt: %d rows for %d targets", len(x), len(y))
	}
	n, nf := len(x), len(x[0])
	cfg := m.Config
	thresholds, bins := binColumns(x, cfg.MaxBins)

	m.NFeatures = nf
	m.Base = m.initialPrediction(y)
	m.Trees = nil

	pred := filled(n, m.Base)
	valPred := filled(len(valX), m.Base)
	grad := make([]float64, n)
	hess := make([]float64, n)
	rng := rand.New(rand.NewSource(cfg.Seed))

	best, bestIter := math.Inf(1), -1
	for it := 0; it < cfg.NEstimators; it++ {
		m.gradients(y, pred, grad, hess)
		g := &grower{
			cfg:        &cfg,
			bins:       bins,
			thresholds: thresholds,
			grad:       grad,
			hess:       hess,
			cols:       sampleCols(rng, nf, cfg.Colsample),
		}
		rows := sampleRows(rng, n, cfg.Subsample)
		t := g.grow(rows)
		if m.Objective.Kind == "quantile" {
			m.renewLeaves(t, x, y, pred, rows)
		}
		m.Trees = append(m.Trees, t)
		for i := range x {
			pred[i] += t.predict(x[i])
		}

		if len(valX) == 0 {
			continue
		}
		for i := range valX {
			valPred[i] += t.predict(valX[i])
		}
		loss := m.loss(valY, valPred)
		if loss < best-1e-12 {
			best, bestIter = loss, it
		} else if cfg.EarlyStopping > 0 && it-bestIter >= cfg.EarlyStopping {
			break
		}
	}
	if bestIter >= 0 {
		m.Trees = m.Trees[:bestIter+1]
		m.BestIter = bestIter
	} else {
		m.BestIter = len(m.Trees) - 1
	}
	return nil
}

func (m *GBDT) Predict(row []float64) float64 {
	out := m.Base
	for _, t := range m.Trees {
		out += t.predict(row)
	}
	return out
}

// Importance is total split gain per feature.
func (m *GBDT) Importance() []float64 {
	imp := make([]float64, m.NFeatures)
	for _, t := range m.Trees {
		for _, n := range t {
			if n.Left >= 0 && n.Feature < len(imp) {
				imp[n.Feature] += n.Gain
			}
		}
	}
	return imp
}

func (m *GBDT) initialPrediction(y []float64) float64 {
	if m.Objective.Kind == "quantile" {
		sorted := append([]float64(nil), y...)
		sort.Float64s(sorted)
		return stat.Quantile(m.Objective.Alpha, stat.Empirical, sorted, nil)
	}
	return stat.Mean(y, nil)
}

// gradients fills first and second derivatives of the loss at pred. Pinball
// loss uses a unit hessian.
func (m *GBDT) gradients(y, pred, grad, hess []float64) {
	alpha := m.Objective.Alpha
	for i := range y {
		hess[i] = 1
		if m.Objective.Kind == "quantile" {
			if y[i] >= pred[i] {
				grad[i] = -alpha
			} else {
				grad[i] = 1 - alpha
			}
			continue
		}
		grad[i] = pred[i] - y[i]
	}
}

// renewLeaves sets each leaf to the alpha quantile of the residuals routed
// to it, scaled by the learning rate.
func (m *GBDT) renewLeaves(t tree, x [][]float64, y, pred []float64, rows []int) {
	residuals := map[int][]float64{}
	for _, r := range rows {
		leaf := t.leaf(x[r])
		residuals[leaf] = append(residuals[leaf], y[r]-pred[r])
	}
	for leaf, res := range residuals {
		sort.Float64s(res)
		t[leaf].Value = stat.Quantile(m.Objective.Alpha, stat.Empirical, res, nil) * m.Config.LearningRate
	}
}

func (m *GBDT) loss(y, pred []float64) float64 {
	if m.Objective.Kind == "quantile" {
		return pinball(y, pred, m.Objective.Alpha)
	}
	return rmse(y, pred)
}

// binColumns computes per-feature cut points and the bin of every cell. A
// value lands in bin k when it is <= cuts[k] and above cuts[k-1].
func binColumns(x [][]float64, maxBins int) ([][]float64, [][]uint8) {
	n, nf := len(x), len(x[0])
	cuts := make([][]float64, nf)
	bins := make([][]uint8, nf)
	col := make([]float64, n)
	for f := 0; f < nf; f++ {
		for i := range x {
			col[i] = x[i][f]
		}
		sorted := append([]float64(nil), col...)
		sort.Float64s(sorted)
		cuts[f] = cutPoints(sorted, maxBins)
		b := make([]uint8, n)
		for i, v := range col {
			b[i] = uint8(sort.SearchFloat64s(cuts[f], v))
		}
		bins[f] = b
	}
	return cuts, bins
}

func cutPoints(sorted []float64, maxBins int) []float64 {
	var uniq []float64
	for i, v := range sorted {
		if i == 0 || v != sorted[i-1] {
			uniq = append(uniq, v)
		}
	}
	if len(uniq) < 2 {
		return nil
	}
	var cuts []float64
	if len(uniq) <= maxBins {
		for i := 1; i < len(uniq); i++ {
			cuts = append(cuts, (uniq[i-1]+uniq[i])/2)
		}
		return cuts
	}
	for b := 1; b < maxBins; b++ {
		q := stat.Quantile(float64(b)/float64(maxBins), stat.Empirical, sorted, nil)
		i := sort.SearchFloat64s(uniq, q)
		if i+1 >= len(uniq) {
			continue
		}
		c := (uniq[i] + uniq[i+1]) / 2
		if len(cuts) == 0 || c > cuts[len(cuts)-1] {
			cuts = append(cuts, c)
		}
	}
	return cuts
}

func sampleRows(rng *rand.Rand, n int, fraction float64) []int {
	rows := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if fraction >= 1 || rng.Float64() < fraction {
			rows = append(rows, i)
		}
	}
	if len(rows) == 0 {
		rows = append(rows, rng.Intn(n))
	}
	return rows
}

func sampleCols(rng *rand.Rand, nf int, fraction float64) []int {
	k := int(math.Round(fraction * float64(nf)))
	if k < 1 {
		k = 1
	}
	if k >= nf {
		cols := make([]int, nf)
		for i := range cols {
			cols[i] = i
		}
		return cols
	}
	cols := rng.Perm(nf)[:k]
	sort.Ints(cols)
	return cols
}

func filled(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// histogram holds gradient and hessian sums per sampled column and bin.
type histogram struct {
	g [][]float64
	h [][]float64
}

type split struct {
	ok      bool
	feature int
	bin     int
	gain    float64
}

type candidate struct {
	node  int
	rows  []int
	depth int
	hist  histogram
	split split
}

type grower struct {
	cfg        *gbdtConfig
	bins       [][]uint8
	thresholds [][]float64
	grad, hess []float64
	cols       []int
	nodes      []treeNode
}

func (g *grower) grow(rows []int) tree {
	root := g.newCandidate(rows, 0, g.buildHist(rows))
	pending := []*candidate{root}
	leaves := 1

	for len(pending) > 0 {
		var c *candidate
		if g.cfg.Leafwise {
			if g.cfg.NumLeaves > 0 && leaves >= g.cfg.NumLeaves {
				break
			}
			best := -1
			for i, p := range pending {
				if p.split.ok && (best < 0 || p.split.gain > pending[best].split.gain) {
					best = i
				}
			}
			if best < 0 {
				break
			}
			c = pending[best]
			pending = append(pending[:best], pending[best+1:]...)
		} else {
			c = pending[0]
			pending = pending[1:]
			if !c.split.ok {
				continue
			}
		}

		left, right := g.partition(c)
		leaves++
		pending = append(pending, left, right)
	}
	return tree(g.nodes)
}

func (g *grower) newCandidate(rows []int, depth int, hist histogram) *candidate {
	var sumG, sumH float64
	for _, r := range rows {
		sumG += g.grad[r]
		sumH += g.hess[r]
	}
	c := &candidate{node: len(g.nodes), rows: rows, depth: depth, hist: hist}
	g.nodes = append(g.nodes, treeNode{
		Left:  -1,
		Right: -1,
		Value: g.leafValue(sumG, sumH),
	})
	if g.cfg.MaxDepth <= 0 || depth < g.cfg.MaxDepth {
		c.split = g.bestSplit(hist, sumG, sumH)
	}
	return c
}

func (g *grower) leafValue(sumG, sumH float64) float64 {
	den := sumH + g.cfg.Lambda
	if den <= 0 {
		return 0
	}
	return -sumG / den * g.cfg.LearningRate
}

func (g *grower) score(sumG, sumH float64) float64 {
	den := sumH + g.cfg.Lambda
	if den <= 0 {
		return 0
	}
	return sumG * sumG / den
}

func (g *grower) bestSplit(h histogram, sumG, sumH float64) split {
	var best split
	parent := g.score(sumG, sumH)
	for c, f := range g.cols {
		nb := len(g.thresholds[f]) + 1
		if nb < 2 {
			continue
		}
		var gl, hl float64
		for k := 0; k < nb-1; k++ {
			gl += h.g[c][k]
			hl += h.h[c][k]
			gr, hr := sumG-gl, sumH-hl
			if hl < g.cfg.MinChildWeight || hr < g.cfg.MinChildWeight {
				continue
			}
			gain := 0.5*(g.score(gl, hl)+g.score(gr, hr)-parent) - g.cfg.Gamma
			if gain > 0 && (!best.ok || gain > best.gain) {
				best = split{ok: true, feature: f, bin: k, gain: gain}
			}
		}
	}
	return best
}

func (g *grower) buildHist(rows []int) histogram {
	h := histogram{g: make([][]float64, len(g.cols)), h: make([][]float64, len(g.cols))}
	for c, f := range g.cols {
		nb := len(g.thresholds[f]) + 1
		hg := make([]float64, nb)
		hh := make([]float64, nb)
		col := g.bins[f]
		for _, r := range rows {
			b := col[r]
			hg[b] += g.grad[r]
			hh[b] += g.hess[r]
		}
		h.g[c] = hg
		h.h[c] = hh
	}
	return h
}

func subtractHist(parent, child histogram) histogram {
	out := histogram{g: make([][]float64, len(parent.g)), h: make([][]float64, len(parent.h))}
	for c := range parent.g {
		out.g[c] = make([]float64, len(parent.g[c]))
		out.h[c] = make([]float64, len(parent.h[c]))
		for b := range parent.g[c] {
			out.g[c][b] = parent.g[c][b] - child.g[c][b]
			out.h[c][b] = parent.h[c][b] - child.h[c][b]
		}
	}
	return out
}

// partition turns c into an internal node. The smaller child's histogram is
// built directly and the sibling's is derived by subtraction.
func (g *grower) partition(c *candidate) (*candidate, *candidate) {
	s := c.split
	col := g.bins[s.feature]
	var leftRows, rightRows []int
	for _, r := range c.rows {
		if int(col[r]) <= s.bin {
			leftRows = append(leftRows, r)
		} else {
			rightRows = append(rightRows, r)
		}
	}

	var leftHist, rightHist histogram
	if len(leftRows) <= len(rightRows) {
		leftHist = g.buildHist(leftRows)
		rightHist = subtractHist(c.hist, leftHist)
	} else {
		rightHist = g.buildHist(rightRows)
		leftHist = subtractHist(c.hist, rightHist)
	}

	left := g.newCandidate(leftRows, c.depth+1, leftHist)
	right := g.newCandidate(rightRows, c.depth+1, rightHist)

	n := &g.nodes[c.node]
	n.Feature = s.feature
	n.Threshold = g.thresholds[s.feature][s.bin]
	n.Left = left.node
	n.Right = right.node
	n.Gain = s.gain
	c.hist = histogram{}
	return left, right
}
