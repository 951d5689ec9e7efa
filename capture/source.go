// Package capture provides the frame sources a worker can pull images from:
// a V4L2 webcam, a video file decoded through ffmpeg, or still image files.
package capture

import (
	"context"
	"image"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	// image decoders for still sources.
	_ "image/jpeg"
	_ "image/png"
)

// CameraInput is the input argument that selects the webcam.
const CameraInput = "camera"

var videoSuffixes = []string{".mp4", ".avi", ".mov", ".mkv"}

// ImageSource pulls one frame at a time. Next returns io.EOF once a finite
// source (video file, image set) is exhausted.
type ImageSource interface {
	Next(ctx context.Context) (image.Image, func(), error)
	Close() error
}

// NewSource picks a source from the input argument: "camera" opens the webcam,
// a video suffix opens an ffmpeg decode of the file, anything else is treated
// as a still image file or a directory of them.
func NewSource(input string, logger golog.Logger) (ImageSource, error) {
	if input == CameraInput {
		return NewWebcamSource(logger)
	}
	lowered := strings.ToLower(input)
	for _, suffix := range videoSuffixes {
		if strings.HasSuffix(lowered, suffix) {
			return NewVideoSource(input, logger)
		}
	}
	return NewStillsSource(input)
}

type stillsSource struct {
	paths []string
	idx   int
}

// NewStillsSource serves a single image file, or every .jpg/.jpeg/.png in a
// directory in name order.
func NewStillsSource(path string) (ImageSource, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(err, "input not found: %s", path)
	}
	paths := []string{}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			switch strings.ToLower(filepath.Ext(entry.Name())) {
			case ".jpg", ".jpeg", ".png":
				paths = append(paths, filepath.Join(path, entry.Name()))
			}
		}
		sort.Strings(paths)
	} else {
		paths = append(paths, path)
	}
	if len(paths) == 0 {
		return nil, errors.Errorf("no images found in %s", path)
	}
	return &stillsSource{paths: paths}, nil
}

func (s *stillsSource) Next(ctx context.Context) (image.Image, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if s.idx >= len(s.paths) {
		return nil, nil, io.EOF
	}
	path := s.paths[s.idx]
	s.idx++
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer utils.UncheckedErrorFunc(f.Close)
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "could not decode %s", path)
	}
	return img, func() {}, nil
}

func (s *stillsSource) Close() error { return nil }
