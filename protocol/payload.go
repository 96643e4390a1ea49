package protocol

import (
	"fmt"
	"maps"
	"math"
	"slices"
)

// Payload is a numeric contribution: a weight tensor stored row-major, a
// scalar bias, and optional named hyperparameters. Masks and blinded values
// share the same representation.
type Payload struct {
	Weights []float64          `json:"weights"`
	Shape   []int              `json:"shape,omitempty"`
	Bias    float64            `json:"bias"`
	Params  map[string]float64 `json:"params,omitempty"`
}

// Layout describes the structure of a payload independently of its values.
type Layout struct {
	Shape  []int    `json:"shape"`
	Params []string `json:"params,omitempty"`
}

// Size is the number of weight elements described by the layout.
func (l Layout) Size() int {
	n := 1
	for _, d := range l.Shape {
		n *= d
	}
	return n
}

// Equal reports whether two layouts describe the same structure.
func (l Layout) Equal(o Layout) bool {
	return slices.Equal(l.Shape, o.Shape) && slices.Equal(l.Params, o.Params)
}

func (l Layout) String() string {
	return fmt.Sprintf("shape=%v params=%v", l.Shape, l.Params)
}

// Validate checks that the shape matches the weights and that every value is finite.
func (p *Payload) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	}
	n := 1
	for _, d := range p.Shape {
		if d <= 0 {
			return fmt.Errorf("%w: non-positive dimension %d", ErrInvalidPayload, d)
		}
		n *= d
	}
	if len(p.Shape) > 0 && n != len(p.Weights) {
		return fmt.Errorf("%w: shape %v holds %d values, got %d", ErrInvalidPayload, p.Shape, n, len(p.Weights))
	}
	for i, w := range p.Weights {
		if !isFinite(w) {
			return fmt.Errorf("%w: weight %d is not finite", ErrInvalidPayload, i)
		}
	}
	if !isFinite(p.Bias) {
		return fmt.Errorf("%w: bias is not finite", ErrInvalidPayload)
	}
	for name, v := range p.Params {
		if !isFinite(v) {
			return fmt.Errorf("%w: param %q is not finite", ErrInvalidPayload, name)
		}
	}
	return nil
}

// Layout returns the payload's structure. An empty shape is reported as a
// flat vector.
func (p *Payload) Layout() Layout {
	shape := slices.Clone(p.Shape)
	if len(shape) == 0 {
		shape = []int{len(p.Weights)}
	}
	var params []string
	if len(p.Params) > 0 {
		params = slices.Sorted(maps.Keys(p.Params))
	}
	return Layout{Shape: shape, Params: params}
}

// Clone returns a deep copy.
func (p *Payload) Clone() *Payload {
	return &Payload{
		Weights: slices.Clone(p.Weights),
		Shape:   slices.Clone(p.Shape),
		Bias:    p.Bias,
		Params:  maps.Clone(p.Params),
	}
}

// Zero returns an all-zero payload with the given layout.
func Zero(l Layout) *Payload {
	p := &Payload{
		Weights: make([]float64, l.Size()),
		Shape:   slices.Clone(l.Shape),
	}
	if len(l.Params) > 0 {
		p.Params = make(map[string]float64, len(l.Params))
		for _, name := range l.Params {
			p.Params[name] = 0
		}
	}
	return p
}

// AddInplace adds scale*o to p component-wise. Layouts must match.
func (p *Payload) AddInplace(o *Payload, scale float64) error {
	if !p.Layout().Equal(o.Layout()) {
		return fmt.Errorf("%w: %s vs %s", ErrShapeMismatch, p.Layout(), o.Layout())
	}
	for i := range p.Weights {
		p.Weights[i] += scale * o.Weights[i]
	}
	p.Bias += scale * o.Bias
	for name := range p.Params {
		p.Params[name] += scale * o.Params[name]
	}
	return nil
}

// ScaleInplace multiplies every component by f.
func (p *Payload) ScaleInplace(f float64) {
	for i := range p.Weights {
		p.Weights[i] *= f
	}
	p.Bias *= f
	for name := range p.Params {
		p.Params[name] *= f
	}
}

// PadRows grows the first dimension to rows by repeating the last row.
// Contributions trained on slightly different sample counts are padded this
// way before blinding so that every participant shares one layout.
func (p *Payload) PadRows(rows int) error {
	shape := p.Layout().Shape
	if len(shape) < 2 {
		return fmt.Errorf("%w: padding needs at least two dimensions, got %v", ErrShapeMismatch, shape)
	}
	if rows < shape[0] {
		return fmt.Errorf("%w: cannot pad %d rows down to %d", ErrShapeMismatch, shape[0], rows)
	}
	if shape[0] == 0 {
		return fmt.Errorf("%w: no row to repeat", ErrShapeMismatch)
	}

	rowLen := len(p.Weights) / shape[0]
	last := p.Weights[len(p.Weights)-rowLen:]
	padded := slices.Grow(slices.Clone(p.Weights), (rows-shape[0])*rowLen)
	for range rows - shape[0] {
		padded = append(padded, last...)
	}

	p.Weights = padded
	p.Shape = append([]int{rows}, shape[1:]...)
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
