package autotune

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/fxnlabs/dnnsupport/fixtures"
	"github.com/fxnlabs/dnnsupport/internal/dnn"
)

// Shape is a 2-D convolution problem as written in a shapes file. Input is
// NCHW and Filter is KCHW; Output is derived.
type Shape struct {
	Name       string   `yaml:"name"`
	Input      []int64  `yaml:"input"`
	Filter     []int64  `yaml:"filter"`
	Padding    []int64  `yaml:"padding"`
	Strides    []int64  `yaml:"strides"`
	Kinds      []string `yaml:"kinds"`
	DataType   string   `yaml:"dataType"`
	Activation string   `yaml:"activation"`
	// Fused also probes the fused convolution+bias+activation plan for the
	// forward kind.
	Fused bool `yaml:"fused"`
}

var kindNames = map[string]dnn.ConvolutionKind{
	"forward":         dnn.ConvolutionForward,
	"backward_data":   dnn.ConvolutionBackwardData,
	"backward_filter": dnn.ConvolutionBackwardFilter,
}

var dataTypeNames = map[string]dnn.DataType{
	"":      dnn.Float,
	"float": dnn.Float,
	"half":  dnn.Half,
}

var activationNames = map[string]dnn.ActivationMode{
	"":        dnn.ActivationNone,
	"none":    dnn.ActivationNone,
	"sigmoid": dnn.ActivationSigmoid,
	"relu":    dnn.ActivationRelu,
	"relu6":   dnn.ActivationRelu6,
	"tanh":    dnn.ActivationTanh,
}

// Problem is one shape and kind, ready to profile. Output is filled in by
// the sweep.
type Problem struct {
	Name       string
	Kind       dnn.ConvolutionKind
	DataType   dnn.DataType
	Operands   dnn.ConvolutionOperands
	Activation dnn.ActivationMode
	Fused      bool
}

// Problems expands the shape into one problem per kind.
func (sh Shape) Problems() ([]Problem, error) {
	if len(sh.Input) != 4 || len(sh.Filter) != 4 {
		return nil, errors.Errorf("shape %q: input and filter need four dimensions", sh.Name)
	}
	if sh.Input[1] != sh.Filter[1] {
		return nil, errors.Errorf("shape %q: input has %d channels but filter expects %d", sh.Name, sh.Input[1], sh.Filter[1])
	}
	dt, ok := dataTypeNames[sh.DataType]
	if !ok {
		return nil, errors.Errorf("shape %q: unsupported data type %q", sh.Name, sh.DataType)
	}
	act, ok := activationNames[sh.Activation]
	if !ok {
		return nil, errors.Errorf("shape %q: unsupported activation %q", sh.Name, sh.Activation)
	}

	conv := dnn.NewConvolutionDescriptor(2)
	if sh.Padding != nil {
		if len(sh.Padding) != 2 {
			return nil, errors.Errorf("shape %q: padding needs two values", sh.Name)
		}
		copy(conv.Padding, sh.Padding)
	}
	if sh.Strides != nil {
		if len(sh.Strides) != 2 {
			return nil, errors.Errorf("shape %q: strides need two values", sh.Name)
		}
		copy(conv.Strides, sh.Strides)
	}
	ops := dnn.ConvolutionOperands{
		Input:       dnn.NewBatchDescriptor(sh.Input[0], sh.Input[1], sh.Input[2], sh.Input[3]),
		Filter:      dnn.NewFilterDescriptor(sh.Filter[0], sh.Filter[1], sh.Filter[2], sh.Filter[3]),
		Convolution: conv,
	}

	kinds := sh.Kinds
	if len(kinds) == 0 {
		kinds = []string{"forward"}
	}
	problems := make([]Problem, 0, len(kinds))
	for _, k := range kinds {
		kind, ok := kindNames[k]
		if !ok {
			return nil, errors.Errorf("shape %q: unknown kind %q", sh.Name, k)
		}
		problems = append(problems, Problem{
			Name:       sh.Name + "/" + k,
			Kind:       kind,
			DataType:   dt,
			Operands:   ops,
			Activation: act,
			Fused:      sh.Fused && kind == dnn.ConvolutionForward,
		})
	}
	return problems, nil
}

// ParseShapes decodes a YAML list of shapes and expands it into problems.
func ParseShapes(data []byte) ([]Problem, error) {
	var shapes []Shape
	if err := yaml.Unmarshal(data, &shapes); err != nil {
		return nil, errors.Wrap(err, "failed to parse shapes")
	}
	var problems []Problem
	for _, sh := range shapes {
		p, err := sh.Problems()
		if err != nil {
			return nil, err
		}
		problems = append(problems, p...)
	}
	return problems, nil
}

func LoadShapes(path string) ([]Problem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseShapes(data)
}

// DefaultProblems returns the built-in benchmark shapes.
func DefaultProblems() []Problem {
	p, err := ParseShapes(fixtures.BenchShapes)
	if err != nil {
		panic(err)
	}
	return p
}
