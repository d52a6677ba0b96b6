package models

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/stitts-dev/hoops-projections/internal/ml/features"
)

const (
	FormatVersion = 1
	KindModel     = "model"
	KindEnsemble  = "ensemble"

	// VersionLayout formats timestamp versions.
	VersionLayout = "20060102_150405"
)

// envelope is the outer frame of every model blob. Kind selects the payload
// decoder.
type envelope struct {
	FormatVersion int                `msgpack:"format_version"`
	Kind          string             `msgpack:"kind"`
	Payload       msgpack.RawMessage `msgpack:"payload"`
}

type modelState struct {
	Family      string            `msgpack:"family"`
	Stat        string            `msgpack:"stat"`
	Features    []string          `msgpack:"features"`
	Meta        Metadata          `msgpack:"meta"`
	Uncertainty UncertaintyConfig `msgpack:"uncertainty"`
	Point       []byte            `msgpack:"point"`
	Lower       []byte            `msgpack:"lower,omitempty"`
	Upper       []byte            `msgpack:"upper,omitempty"`
}

type ensembleState struct {
	Stat        string             `msgpack:"stat"`
	Names       []string           `msgpack:"names"`
	Weights     map[string]float64 `msgpack:"weights"`
	Features    []string           `msgpack:"features"`
	Meta        Metadata           `msgpack:"meta"`
	Uncertainty UncertaintyConfig  `msgpack:"uncertainty"`
	Members     []modelState       `msgpack:"members"`
}

func encodeEnvelope(kind string, state func() (interface{}, error)) ([]byte, error) {
	s, err := state()
	if err != nil {
		return nil, err
	}
	payload, err := msgpack.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	return msgpack.Marshal(envelope{FormatVersion: FormatVersion, Kind: kind, Payload: payload})
}

func (m *StatModel) state() (interface{}, error) {
	return m.snapshot()
}

func (m *StatModel) snapshot() (modelState, error) {
	s := modelState{
		Family:      m.family.Name,
		Stat:        m.stat,
		Features:    m.names,
		Meta:        m.meta,
		Uncertainty: m.uncertainty,
	}
	var err error
	if s.Point, err = m.point.MarshalState(); err != nil {
		return s, fmt.Errorf("failed to encode point learner: %w", err)
	}
	if m.HasQuantiles() {
		if s.Lower, err = m.lower.MarshalState(); err != nil {
			return s, fmt.Errorf("failed to encode lower learner: %w", err)
		}
		if s.Upper, err = m.upper.MarshalState(); err != nil {
			return s, fmt.Errorf("failed to encode upper learner: %w", err)
		}
	}
	return s, nil
}

func (e *Ensemble) state() (interface{}, error) {
	s := ensembleState{
		Stat:        e.stat,
		Names:       e.names,
		Weights:     e.weights,
		Features:    e.fnames,
		Meta:        e.meta,
		Uncertainty: e.cfg.uncertainty,
	}
	for _, n := range e.names {
		ms, err := e.members[n].snapshot()
		if err != nil {
			return nil, fmt.Errorf("ensemble member %s: %w", n, err)
		}
		s.Members = append(s.Members, ms)
	}
	return s, nil
}

// Decode restores a Predictor from a blob written by MarshalBinary. Blobs
// from another feature schema are rejected.
func Decode(data []byte) (Predictor, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode model envelope: %w", err)
	}
	if env.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("unsupported model format version %d", env.FormatVersion)
	}

	var (
		p   Predictor
		err error
	)
	switch env.Kind {
	case KindModel:
		var s modelState
		if err = msgpack.Unmarshal(env.Payload, &s); err != nil {
			return nil, fmt.Errorf("failed to decode model payload: %w", err)
		}
		p, err = restoreModel(s)
	case KindEnsemble:
		var s ensembleState
		if err = msgpack.Unmarshal(env.Payload, &s); err != nil {
			return nil, fmt.Errorf("failed to decode ensemble payload: %w", err)
		}
		p, err = restoreEnsemble(s)
	default:
		return nil, fmt.Errorf("unknown model kind %q", env.Kind)
	}
	if err != nil {
		return nil, err
	}
	if v := p.Metadata().SchemaVersion; v != features.SchemaVersion {
		return nil, fmt.Errorf("%w: blob has %d, current is %d", ErrSchemaMismatch, v, features.SchemaVersion)
	}
	return p, nil
}

func restoreModel(s modelState) (*StatModel, error) {
	fam, err := LookupFamily(s.Family)
	if err != nil {
		return nil, err
	}
	cfg := defaultSettings()
	cfg.uncertainty = s.Uncertainty
	m := &StatModel{
		family:      fam,
		stat:        s.Stat,
		params:      s.Meta.Params,
		cfg:         cfg,
		names:       s.Features,
		meta:        s.Meta,
		uncertainty: s.Uncertainty,
		fitted:      true,
	}
	if m.point, err = fam.Decode(s.Point); err != nil {
		return nil, err
	}
	if len(s.Lower) > 0 && len(s.Upper) > 0 {
		if m.lower, err = fam.Decode(s.Lower); err != nil {
			return nil, err
		}
		if m.upper, err = fam.Decode(s.Upper); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func restoreEnsemble(s ensembleState) (*Ensemble, error) {
	if len(s.Members) != len(s.Names) || len(s.Names) < 2 {
		return nil, fmt.Errorf("ensemble blob has %d members for %d names", len(s.Members), len(s.Names))
	}
	if err := validateWeights(s.Names, s.Weights); err != nil {
		return nil, err
	}
	cfg := defaultSettings()
	cfg.uncertainty = s.Uncertainty
	e := &Ensemble{
		stat:    s.Stat,
		names:   s.Names,
		members: make(map[string]*StatModel, len(s.Names)),
		weights: s.Weights,
		cfg:     cfg,
		fnames:  s.Features,
		meta:    s.Meta,
		fitted:  true,
	}
	for i, n := range s.Names {
		m, err := restoreModel(s.Members[i])
		if err != nil {
			return nil, fmt.Errorf("ensemble member %s: %w", n, err)
		}
		e.members[n] = m
	}
	return e, nil
}
