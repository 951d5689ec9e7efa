// Package ml provides the tensor primitives that cross the inference engine boundary.
package ml

import (
	"strings"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Tensors are a data structure to hold the input and output map of tensors that flow through the
// inference engine, with the names of the tensors as the keys of the map.
type Tensors map[string]*tensor.Dense

// TensorNames returns all the names of the tensors.
func TensorNames(t Tensors) []string {
	names := []string{}
	for name := range t {
		names = append(names, name)
	}
	return names
}

// GetTensor returns the tensor of the given name, or an error naming the tensors that are present.
func GetTensor(t Tensors, name string) (*tensor.Dense, error) {
	out, ok := t[name]
	if !ok {
		return nil, errors.Errorf("no tensor named %q among output tensors [%s]", name, strings.Join(TensorNames(t), ", "))
	}
	return out, nil
}

// ToFloat64Slice will attempt to convert the underlying data of a tensor into a []float64.
func ToFloat64Slice(data interface{}) ([]float64, error) {
	switch v := data.(type) {
	case []float64:
		return v, nil
	case float64:
		return []float64{v}, nil
	case []float32:
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out, nil
	case float32:
		return []float64{float64(v)}, nil
	case []uint8:
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out, nil
	case []int32:
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out, nil
	case []int:
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out, nil
	default:
		return nil, errors.Errorf("cannot convert data of type %T to []float64", data)
	}
}
