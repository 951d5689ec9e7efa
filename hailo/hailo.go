// Package hailo is the boundary to the Hailo AI accelerator runtime. The vendor
// runtime itself stays opaque behind the Engine and Model interfaces; bindings
// register themselves by name so the worker can pick one at startup.
package hailo

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/hailoview/hailoview/ml"
)

// ModelSetup holds the knobs applied when a model is configured on the device.
type ModelSetup struct {
	BatchSize int
}

// Model is a network configured and ready to run on an engine.
type Model interface {
	// InputShape returns the expected height, width and channels of one input frame.
	InputShape() (height, width, channels int)
	// Infer runs one frame's tensors through the network.
	Infer(ctx context.Context, inputs ml.Tensors) (ml.Tensors, error)
	Close() error
}

// Engine loads compiled (HEF) networks onto an inference runtime.
type Engine interface {
	Name() string
	LoadModel(path string, setup ModelSetup) (Model, error)
}

// CheckModelPath validates a HEF model path before an engine tries to configure it.
func CheckModelPath(path string) error {
	if !strings.HasSuffix(strings.ToLower(path), ".hef") {
		return errors.Errorf("model file %s is not a HEF file", path)
	}
	if _, err := os.Stat(path); err != nil {
		return errors.Wrapf(err, "network file not found: %s", path)
	}
	return nil
}

type engineCtor func() (Engine, error)

var (
	registryMu sync.Mutex
	registry   = map[string]engineCtor{}
	preferred  string
)

// RegisterEngine associates a name with an engine constructor. If preferred is set,
// the engine becomes the default returned by DefaultEngineName.
func RegisterEngine(name string, prefer bool, ctor engineCtor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[name]; ok {
		panic(errors.Errorf("engine %q already registered", name))
	}
	registry[name] = ctor
	if prefer || preferred == "" {
		preferred = name
	}
}

// NewEngine constructs the engine registered under the given name.
func NewEngine(name string) (Engine, error) {
	registryMu.Lock()
	ctor, ok := registry[name]
	registryMu.Unlock()
	if !ok {
		return nil, errors.Errorf("no engine named %q, have [%s]", name, strings.Join(EngineNames(), ", "))
	}
	return ctor()
}

// DefaultEngineName returns the preferred registered engine, the hardware binding
// when it was compiled in and the fake otherwise.
func DefaultEngineName() string {
	registryMu.Lock()
	defer registryMu.Unlock()
	return preferred
}

// EngineNames lists the registered engines.
func EngineNames() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
