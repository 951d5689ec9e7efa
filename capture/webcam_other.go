//go:build !linux

package capture

import (
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
)

// NewWebcamSource is only supported on linux hosts with V4L2.
func NewWebcamSource(logger golog.Logger) (ImageSource, error) {
	return nil, errors.New("webcam capture is only supported on linux")
}
