// Package fake provides an inference engine that makes up detections, for tests
// and for machines without the accelerator.
package fake

import (
	"context"
	"sync/atomic"

	"gorgonia.org/tensor"

	"github.com/hailoview/hailoview/hailo"
	"github.com/hailoview/hailoview/ml"
	"github.com/hailoview/hailoview/vision/objectdetection"
	"github.com/hailoview/hailoview/vision/pose"
)

// EngineName is the name the fake engine registers under.
const EngineName = "fake"

func init() {
	hailo.RegisterEngine(EngineName, false, func() (hailo.Engine, error) {
		return &Engine{}, nil
	})
}

// Engine loads fake models. Any existing .hef path is accepted.
type Engine struct{}

// Name returns the engine name.
func (e *Engine) Name() string { return EngineName }

// LoadModel validates the model path and returns a fake model handle.
func (e *Engine) LoadModel(path string, setup hailo.ModelSetup) (hailo.Model, error) {
	if err := hailo.CheckModelPath(path); err != nil {
		return nil, err
	}
	return &Model{path: path}, nil
}

// Model pretends to be a configured network with a 640x640 RGB input. Every
// inference returns one centered detection whose score wobbles with the frame
// count, so a streamed overlay visibly changes from frame to frame.
type Model struct {
	path   string
	frames atomic.Uint64
}

// InputShape returns the input dimensions of the fake network.
func (m *Model) InputShape() (int, int, int) {
	return 640, 640, 3
}

// Infer returns deterministic detection and pose tensors.
func (m *Model) Infer(ctx context.Context, inputs ml.Tensors) (ml.Tensors, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := m.frames.Add(1)
	score := float32(0.75) + float32(n%20)/100.

	outputs := ml.Tensors{
		objectdetection.LocationTensorName: tensor.New(
			tensor.WithShape(1, 4),
			tensor.WithBacking([]float32{0.25, 0.25, 0.75, 0.75}),
		),
		objectdetection.CategoryTensorName: tensor.New(
			tensor.WithShape(1),
			tensor.WithBacking([]float32{float32(n % 3)}),
		),
		objectdetection.ScoreTensorName: tensor.New(
			tensor.WithShape(1),
			tensor.WithBacking([]float32{score}),
		),
		pose.PosesTensorName: tensor.New(
			tensor.WithShape(1, 5+pose.NumKeypoints*3),
			tensor.WithBacking(fakePoseRow(score)),
		),
	}
	return outputs, nil
}

// Close is a no-op.
func (m *Model) Close() error { return nil }

func fakePoseRow(score float32) []float32 {
	row := []float32{0.25, 0.25, 0.75, 0.75, score}
	for k := 0; k < pose.NumKeypoints; k++ {
		x := 0.3 + 0.4*float32(k)/float32(pose.NumKeypoints)
		row = append(row, x, 0.5, 0.9)
	}
	return row
}
