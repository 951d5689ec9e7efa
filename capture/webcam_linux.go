//go:build linux

package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/blackjack/webcam"
	"github.com/edaniels/golog"
)

const (
	v4l2PixFmtYuyv = 0x56595559
	jpegVideo      = 1196444237

	cameraCapWidth  = 640
	cameraCapHeight = 480
)

type webcamSource struct {
	cam           *webcam.Webcam
	format        webcam.PixelFormat
	width, height uint32
}

// NewWebcamSource opens the first V4L2 webcam that supports a format we can decode.
func NewWebcamSource(logger golog.Logger) (ImageSource, error) {
	for i := 0; i <= 20; i++ {
		path := fmt.Sprintf("/dev/video%d", i)
		s, err := tryWebcamOpen(path)
		if err == nil {
			logger.Debugf("found webcam %s", path)
			return s, nil
		}
	}
	return nil, fmt.Errorf("could find no webcams")
}

func tryWebcamOpen(path string) (ImageSource, error) {
	cam, err := webcam.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open webcam [%s] : %s", path, err)
	}

	formats := cam.GetSupportedFormats()
	format := webcam.PixelFormat(0)

	goodFormats := []webcam.PixelFormat{v4l2PixFmtYuyv, jpegVideo}
	for _, f := range goodFormats {
		_, ok := formats[f]
		if !ok {
			continue
		}
		if len(cam.GetSupportedFrameSizes(f)) == 0 {
			continue
		}
		format = f
		break
	}

	if format == 0 {
		return nil, fmt.Errorf("no supported format, supported ones: %v", formats)
	}

	format, w, h, err := cam.SetImageFormat(format, cameraCapWidth, cameraCapHeight)
	if err != nil {
		return nil, fmt.Errorf("cannot set image format: %s", err)
	}

	if err := cam.SetBufferCount(2); err != nil {
		return nil, fmt.Errorf("cannot SetBufferCount stream for %s : %s", path, err)
	}

	if err := cam.StartStreaming(); err != nil {
		return nil, fmt.Errorf("cannot start webcam stream for %s : %s", path, err)
	}

	return &webcamSource{cam, format, w, h}, nil
}

func (s *webcamSource) decode(frame []byte) (image.Image, error) {
	switch s.format {
	case v4l2PixFmtYuyv:
		yuyv := image.NewYCbCr(image.Rect(0, 0, int(s.width), int(s.height)), image.YCbCrSubsampleRatio422)
		for i := range yuyv.Cb {
			ii := i * 4
			yuyv.Y[i*2] = frame[ii]
			yuyv.Y[i*2+1] = frame[ii+2]
			yuyv.Cb[i] = frame[ii+1]
			yuyv.Cr[i] = frame[ii+3]
		}
		return yuyv, nil
	case jpegVideo:
		return jpeg.Decode(bytes.NewReader(frame))
	default:
		panic("invalid format ? - should be impossible")
	}
}

func (s *webcamSource) Next(ctx context.Context) (image.Image, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	if err := s.cam.WaitForFrame(1); err != nil {
		return nil, nil, fmt.Errorf("couldn't get webcam frame: %s", err)
	}

	frame, err := s.cam.ReadFrame()
	if err != nil {
		return nil, nil, fmt.Errorf("couldn't read webcam frame: %s", err)
	}

	if len(frame) == 0 {
		return nil, nil, fmt.Errorf("why is frame empty")
	}

	img, err := s.decode(frame)
	if err != nil {
		return nil, nil, err
	}
	return img, func() {}, nil
}

func (s *webcamSource) Close() error {
	return s.cam.Close()
}
