package models

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

const FamilyMLP = "mlp"

var mlpDefaults = Params{
	"hidden_units":  32,
	"epochs":        200,
	"learning_rate": 0.01,
	"patience":      20,
	"eval_every":    5,
	"seed":          42,
}

func init() {
	RegisterFamily(Family{
		Name:     FamilyMLP,
		Defaults: mlpDefaults,
		New: func(p Params, _ Objective) Regressor {
			p = mlpDefaults.merge(p)
			return &MLP{
				Hidden:       int(p.get("hidden_units", 32)),
				Epochs:       int(p.get("epochs", 200)),
				LearningRate: p.get("learning_rate", 0.01),
				Patience:     int(p.get("patience", 20)),
				EvalEvery:    int(p.get("eval_every", 5)),
				Seed:         int64(p.get("seed", 42)),
			}
		},
		Decode: func(state []byte) (Regressor, error) {
			var m MLP
			if err := msgpack.Unmarshal(state, &m); err != nil {
				return nil, fmt.Errorf("failed to decode mlp state: %w", err)
			}
			return &m, nil
		},
	})
}

// MLP is a one-hidden-layer ReLU network trained full-batch with Adam on a
// gorgonia graph. Trained weights are copied out so inference does not
// need the graph.
type MLP struct {
	Hidden       int     `msgpack:"hidden"`
	Epochs       int     `msgpack:"epochs"`
	LearningRate float64 `msgpack:"learning_rate"`
	Patience     int     `msgpack:"patience"`
	EvalEvery    int     `msgpack:"eval_every"`
	Seed         int64   `msgpack:"seed"`

	XMean  []float64 `msgpack:"x_mean"`
	XScale []float64 `msgpack:"x_scale"`
	YMean  float64   `msgpack:"y_mean"`
	YScale float64   `msgpack:"y_scale"`

	W1 [][]float64 `msgpack:"w1"` // hidden x features
	B1 []float64   `msgpack:"b1"`
	W2 []float64   `msgpack:"w2"`
	B2 float64     `msgpack:"b2"`
}

type mlpGraph struct {
	g       *gorgonia.ExprGraph
	w1, b1  *gorgonia.Node
	w2, b2  *gorgonia.Node
	loss    *gorgonia.Node
	machine gorgonia.VM
}

func (m *MLP) Fit(x [][]float64, y []float64, valX [][]float64, valY []float64) error {
	if len(x) == 0 || len(x) != len(y) {
		return fmt.Errorf("mlp: %d rows for %d targets", len(x), len(y))
	}
	if m.Hidden <= 0 {
		m.Hidden = 32
	}
	if m.EvalEvery <= 0 {
		m.EvalEvery = 1
	}
	n, nf := len(x), len(x[0])
	m.XMean, m.XScale = columnScaling(x)
	m.YMean, m.YScale = stat.PopMeanStdDev(y, nil)
	if m.YScale == 0 || math.IsNaN(m.YScale) {
		m.YScale = 1
	}

	xs := make([]float64, 0, n*nf)
	for _, row := range x {
		xs = append(xs, standardizeRow(row, m.XMean, m.XScale)...)
	}
	ys := make([]float64, n)
	for i, v := range y {
		ys[i] = (v - m.YMean) / m.YScale
	}

	net, err := m.buildGraph(n, nf, xs, ys)
	if err != nil {
		return err
	}
	defer net.machine.Close()

	learnables := gorgonia.Nodes{net.w1, net.b1, net.w2, net.b2}
	solver := gorgonia.NewAdamSolver(gorgonia.WithLearnRate(m.LearningRate))

	best := math.Inf(1)
	var bestState *MLP
	sinceBest := 0
	for epoch := 0; epoch < m.Epochs; epoch++ {
		if err := net.machine.RunAll(); err != nil {
			return fmt.Errorf("mlp: forward/backward pass failed at epoch %d: %w", epoch, err)
		}
		if err := solver.Step(gorgonia.NodesToValueGrads(learnables)); err != nil {
			return fmt.Errorf("mlp: solver step failed at epoch %d: %w", epoch, err)
		}
		net.machine.Reset()

		if len(valX) == 0 || (epoch+1)%m.EvalEvery != 0 {
			continue
		}
		m.extract(net)
		pred := make([]float64, len(valX))
		for i, row := range valX {
			pred[i] = m.Predict(row)
		}
		loss := rmse(valY, pred)
		if loss < best {
			best = loss
			snapshot := m.copyWeights()
			bestState = &snapshot
			sinceBest = 0
			continue
		}
		sinceBest += m.EvalEvery
		if m.Patience > 0 && sinceBest >= m.Patience {
			break
		}
	}

	if bestState != nil {
		m.W1, m.B1, m.W2, m.B2 = bestState.W1, bestState.B1, bestState.W2, bestState.B2
		return nil
	}
	m.extract(net)
	return nil
}

// buildGraph wires input -> dense(relu) -> dense -> mse and its gradients.
func (m *MLP) buildGraph(n, nf int, xs, ys []float64) (net *mlpGraph, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("mlp: failed to build graph: %v", r)
		}
	}()

	rng := rand.New(rand.NewSource(m.Seed))
	g := gorgonia.NewGraph()
	input := gorgonia.NewMatrix(g, tensor.Float64,
		gorgonia.WithShape(n, nf),
		gorgonia.WithName("input"),
		gorgonia.WithValue(tensor.New(tensor.WithShape(n, nf), tensor.WithBacking(xs))))
	labels := gorgonia.NewMatrix(g, tensor.Float64,
		gorgonia.WithShape(n, 1),
		gorgonia.WithName("labels"),
		gorgonia.WithValue(tensor.New(tensor.WithShape(n, 1), tensor.WithBacking(ys))))

	net = &mlpGraph{g: g}
	net.w1 = gorgonia.NewMatrix(g, tensor.Float64,
		gorgonia.WithShape(nf, m.Hidden),
		gorgonia.WithName("w1"),
		gorgonia.WithValue(glorot(rng, nf, m.Hidden)))
	net.b1 = gorgonia.NewMatrix(g, tensor.Float64,
		gorgonia.WithShape(1, m.Hidden),
		gorgonia.WithName("b1"),
		gorgonia.WithInit(gorgonia.Zeroes()))
	net.w2 = gorgonia.NewMatrix(g, tensor.Float64,
		gorgonia.WithShape(m.Hidden, 1),
		gorgonia.WithName("w_out"),
		gorgonia.WithValue(glorot(rng, m.Hidden, 1)))
	net.b2 = gorgonia.NewMatrix(g, tensor.Float64,
		gorgonia.WithShape(1, 1),
		gorgonia.WithName("b_out"),
		gorgonia.WithInit(gorgonia.Zeroes()))

	linear := gorgonia.Must(gorgonia.Mul(input, net.w1))
	hidden := gorgonia.Must(gorgonia.Rectify(gorgonia.Must(gorgonia.BroadcastAdd(linear, net.b1, nil, []byte{0}))))
	out := gorgonia.Must(gorgonia.BroadcastAdd(gorgonia.Must(gorgonia.Mul(hidden, net.w2)), net.b2, nil, []byte{0}))

	diff := gorgonia.Must(gorgonia.Sub(out, labels))
	net.loss = gorgonia.Must(gorgonia.Mean(gorgonia.Must(gorgonia.Square(diff))))

	learnables := gorgonia.Nodes{net.w1, net.b1, net.w2, net.b2}
	if _, err := gorgonia.Grad(net.loss, learnables...); err != nil {
		return nil, fmt.Errorf("mlp: failed to differentiate loss: %w", err)
	}
	net.machine = gorgonia.NewTapeMachine(g, gorgonia.BindDualValues(learnables...))
	return net, nil
}

// glorot draws a seeded Glorot-uniform matrix.
func glorot(rng *rand.Rand, rows, cols int) *tensor.Dense {
	limit := math.Sqrt(6 / float64(rows+cols))
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * limit
	}
	return tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(data))
}

// extract copies the graph weights into plain slices, transposing w1 so each
// hidden unit's weights are contiguous.
func (m *MLP) extract(net *mlpGraph) {
	w1 := net.w1.Value().Data().([]float64)
	nf := len(w1) / m.Hidden
	m.W1 = make([][]float64, m.Hidden)
	for h := 0; h < m.Hidden; h++ {
		m.W1[h] = make([]float64, nf)
		for f := 0; f < nf; f++ {
			m.W1[h][f] = w1[f*m.Hidden+h]
		}
	}
	m.B1 = append([]float64(nil), net.b1.Value().Data().([]float64)...)
	m.W2 = append([]float64(nil), net.w2.Value().Data().([]float64)...)
	m.B2 = net.b2.Value().Data().([]float64)[0]
}

func (m *MLP) copyWeights() MLP {
	w1 := make([][]float64, len(m.W1))
	for i := range m.W1 {
		w1[i] = append([]float64(nil), m.W1[i]...)
	}
	return MLP{
		W1: w1,
		B1: append([]float64(nil), m.B1...),
		W2: append([]float64(nil), m.W2...),
		B2: m.B2,
	}
}

func (m *MLP) Predict(row []float64) float64 {
	z := standardizeRow(row, m.XMean, m.XScale)
	out := m.B2
	for h := range m.W1 {
		a := floats.Dot(m.W1[h], z) + m.B1[h]
		if a > 0 {
			out += a * m.W2[h]
		}
	}
	return out*m.YScale + m.YMean
}

// Importance sums |w1 * w2| over hidden units for each input.
func (m *MLP) Importance() []float64 {
	imp := make([]float64, len(m.XMean))
	for h := range m.W1 {
		for f, w := range m.W1[h] {
			imp[f] += math.Abs(w * m.W2[h])
		}
	}
	return imp
}

func (m *MLP) MarshalState() ([]byte, error) {
	return msgpack.Marshal(m)
}
