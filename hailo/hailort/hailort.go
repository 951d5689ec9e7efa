//go:build hailort && cgo

// Package hailort binds the vendor HailoRT runtime as an inference engine. It is
// only compiled in with the "hailort" build tag on hosts with libhailort installed;
// without the tag a stub registers so the engine name still resolves to a clear error.
package hailort

/*
#cgo LDFLAGS: -lhailort
#include <stdlib.h>
#include <hailo/hailort.h>
*/
import "C"

import (
	"context"
	"strings"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/hailoview/hailoview/hailo"
	"github.com/hailoview/hailoview/ml"
	"github.com/hailoview/hailoview/vision/objectdetection"
	"github.com/hailoview/hailoview/vision/pose"
)

func init() {
	hailo.RegisterEngine(EngineName, true, func() (hailo.Engine, error) {
		return newEngine()
	})
}

// EngineName is the name the hardware binding registers under.
const EngineName = "hailort"

const maxVStreams = 16

func status(s C.hailo_status, op string) error {
	if s == C.HAILO_SUCCESS {
		return nil
	}
	return errors.Errorf("hailort: %s failed with status %d", op, int(s))
}

// Engine owns the virtual device. One engine serves all models of a process.
type Engine struct {
	vdevice C.hailo_vdevice
}

func newEngine() (*Engine, error) {
	var vdevice C.hailo_vdevice
	if err := status(C.hailo_create_vdevice(nil, &vdevice), "create vdevice"); err != nil {
		return nil, err
	}
	return &Engine{vdevice: vdevice}, nil
}

// Name returns the engine name.
func (e *Engine) Name() string { return EngineName }

// LoadModel configures a HEF on the virtual device and opens its vstreams.
func (e *Engine) LoadModel(path string, setup hailo.ModelSetup) (hailo.Model, error) {
	if err := hailo.CheckModelPath(path); err != nil {
		return nil, err
	}
	cPath := C.CString(path)
	defer C.free(unsafe.Pointer(cPath))

	var hef C.hailo_hef
	if err := status(C.hailo_create_hef_file(&hef, cPath), "load hef"); err != nil {
		return nil, err
	}

	var group C.hailo_configured_network_group
	groupCount := C.size_t(1)
	if err := status(
		C.hailo_configure_vdevice(e.vdevice, hef, nil, &group, &groupCount),
		"configure vdevice",
	); err != nil {
		return nil, err
	}

	m := &model{hef: hef, group: group}
	if err := m.openVStreams(); err != nil {
		return nil, err
	}
	var activated C.hailo_activated_network_group
	if err := status(C.hailo_activate_network_group(group, nil, &activated), "activate network group"); err != nil {
		return nil, err
	}
	m.activated = activated
	return m, nil
}

type model struct {
	mu        sync.Mutex
	hef       C.hailo_hef
	group     C.hailo_configured_network_group
	activated C.hailo_activated_network_group

	input      C.hailo_input_vstream
	inputInfo  C.hailo_vstream_info_t
	inputSize  C.size_t
	outputs    []C.hailo_output_vstream
	outInfos   []C.hailo_vstream_info_t
	outSizes   []C.size_t
}

func (m *model) openVStreams() error {
	var inParams [maxVStreams]C.hailo_input_vstream_params_by_name_t
	inCount := C.size_t(maxVStreams)
	if err := status(
		C.hailo_make_input_vstream_params(m.group, true, C.HAILO_FORMAT_TYPE_UINT8, &inParams[0], &inCount),
		"make input vstream params",
	); err != nil {
		return err
	}
	if inCount != 1 {
		return errors.Errorf("hailort: expected a single input vstream, hef has %d", int(inCount))
	}
	var inputs [1]C.hailo_input_vstream
	if err := status(
		C.hailo_create_input_vstreams(m.group, &inParams[0], inCount, &inputs[0]),
		"create input vstreams",
	); err != nil {
		return err
	}
	m.input = inputs[0]
	if err := status(C.hailo_get_input_vstream_info(m.input, &m.inputInfo), "get input vstream info"); err != nil {
		return err
	}
	if err := status(C.hailo_get_input_vstream_frame_size(m.input, &m.inputSize), "get input frame size"); err != nil {
		return err
	}

	var outParams [maxVStreams]C.hailo_output_vstream_params_by_name_t
	outCount := C.size_t(maxVStreams)
	if err := status(
		C.hailo_make_output_vstream_params(m.group, false, C.HAILO_FORMAT_TYPE_FLOAT32, &outParams[0], &outCount),
		"make output vstream params",
	); err != nil {
		return err
	}
	outputs := make([]C.hailo_output_vstream, int(outCount))
	if err := status(
		C.hailo_create_output_vstreams(m.group, &outParams[0], outCount, &outputs[0]),
		"create output vstreams",
	); err != nil {
		return err
	}
	m.outputs = outputs
	for _, out := range outputs {
		var info C.hailo_vstream_info_t
		if err := status(C.hailo_get_output_vstream_info(out, &info), "get output vstream info"); err != nil {
			return err
		}
		var size C.size_t
		if err := status(C.hailo_get_output_vstream_frame_size(out, &size), "get output frame size"); err != nil {
			return err
		}
		m.outInfos = append(m.outInfos, info)
		m.outSizes = append(m.outSizes, size)
	}
	return nil
}

// InputShape reports the NHWC dimensions of the network input.
func (m *model) InputShape() (int, int, int) {
	return int(m.inputInfo.shape.height), int(m.inputInfo.shape.width), int(m.inputInfo.shape.features)
}

// Infer writes one frame to the input vstream and reads every output vstream back.
// The vendor's NMS-by-class layout is flattened to the location/category/score triple;
// any other output is handed back as a raw float tensor under its vstream name.
func (m *model) Infer(ctx context.Context, inputs ml.Tensors) (ml.Tensors, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	frame, err := ml.GetTensor(inputs, "image")
	if err != nil {
		return nil, err
	}
	buf, ok := frame.Data().([]byte)
	if !ok {
		return nil, errors.Errorf("hailort: input tensor must be uint8, got %T", frame.Data())
	}
	if len(buf) != int(m.inputSize) {
		return nil, errors.Errorf("hailort: input frame is %d bytes, network wants %d", len(buf), int(m.inputSize))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := status(
		C.hailo_vstream_write_raw_buffer(m.input, unsafe.Pointer(&buf[0]), m.inputSize),
		"write input",
	); err != nil {
		return nil, err
	}

	outputs := ml.Tensors{}
	for i, out := range m.outputs {
		raw := make([]byte, int(m.outSizes[i]))
		if err := status(
			C.hailo_vstream_read_raw_buffer(out, unsafe.Pointer(&raw[0]), m.outSizes[i]),
			"read output",
		); err != nil {
			return nil, err
		}
		info := m.outInfos[i]
		name := C.GoString(&info.name[0])
		floats := bytesToFloat32(raw)
		if info.format.order == C.HAILO_FORMAT_ORDER_HAILO_NMS {
			appendNMSOutputs(outputs, floats, int(info.nms_shape.number_of_classes))
			continue
		}
		outputs[tensorName(name)] = tensor.New(
			tensor.WithShape(len(floats)),
			tensor.WithBacking(floats),
		)
	}
	return outputs, nil
}

func (m *model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.outputs) > 0 {
		C.hailo_release_output_vstreams(&m.outputs[0], C.size_t(len(m.outputs)))
		m.outputs = nil
	}
	var inputs [1]C.hailo_input_vstream
	inputs[0] = m.input
	C.hailo_release_input_vstreams(&inputs[0], 1)
	C.hailo_deactivate_network_group(m.activated)
	C.hailo_release_hef(m.hef)
	return nil
}

func bytesToFloat32(raw []byte) []float32 {
	n := len(raw) / 4
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&raw[0])), n)
}

// appendNMSOutputs flattens the per-class NMS buffer. Each class contributes a
// float count followed by count rows of [ymin, xmin, ymax, xmax, score].
func appendNMSOutputs(outputs ml.Tensors, floats []float32, numClasses int) {
	locations := []float32{}
	categories := []float32{}
	scores := []float32{}
	idx := 0
	for class := 0; class < numClasses && idx < len(floats); class++ {
		count := int(floats[idx])
		idx++
		for d := 0; d < count && idx+5 <= len(floats); d++ {
			locations = append(locations, floats[idx], floats[idx+1], floats[idx+2], floats[idx+3])
			scores = append(scores, floats[idx+4])
			categories = append(categories, float32(class))
			idx += 5
		}
	}
	outputs[objectdetection.LocationTensorName] = tensor.New(
		tensor.WithShape(len(scores), 4), tensor.WithBacking(locations))
	outputs[objectdetection.CategoryTensorName] = tensor.New(
		tensor.WithShape(len(scores)), tensor.WithBacking(categories))
	outputs[objectdetection.ScoreTensorName] = tensor.New(
		tensor.WithShape(len(scores)), tensor.WithBacking(scores))
}

// tensorName maps pose model vstream names onto the tensor name the decoder expects.
func tensorName(vstream string) string {
	if strings.Contains(strings.ToLower(vstream), "pose") {
		return pose.PosesTensorName
	}
	return vstream
}
