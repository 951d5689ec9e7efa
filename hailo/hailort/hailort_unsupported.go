//go:build !hailort || !cgo

// Package hailort binds the vendor HailoRT runtime as an inference engine. This
// build does not include the binding; asking for the engine returns an error that
// says how to get it.
package hailort

import (
	"github.com/pkg/errors"

	"github.com/hailoview/hailoview/hailo"
)

// EngineName is the name the hardware binding registers under.
const EngineName = "hailort"

func init() {
	hailo.RegisterEngine(EngineName, false, func() (hailo.Engine, error) {
		return nil, errors.New("this binary was built without HailoRT support; rebuild with -tags hailort on a host with libhailort")
	})
}
