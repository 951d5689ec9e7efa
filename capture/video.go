package capture

import (
	"context"
	"image"
	"image/jpeg"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/edaniels/golog"
	ffmpeg "github.com/u2takey/ffmpeg-go"
	viamutils "go.viam.com/utils"
)

// videoSource decodes a video file through an ffmpeg subprocess piping MJPEG
// frames back, delivering them in order until the file runs out.
type videoSource struct {
	frames                  chan image.Image
	cancelFunc              func()
	ffmpegErr               atomic.Value
	activeBackgroundWorkers sync.WaitGroup
}

// NewVideoSource starts an ffmpeg decode of the given video file.
func NewVideoSource(path string, logger golog.Logger) (ImageSource, error) {
	// make sure ffmpeg is in the path before doing anything else
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, err
	}

	cancelableCtx, cancel := context.WithCancel(context.Background())
	vs := &videoSource{
		frames:     make(chan image.Image),
		cancelFunc: cancel,
	}

	// launch thread to run ffmpeg and pull images from the file and put them into the pipe
	in, out := io.Pipe()
	vs.activeBackgroundWorkers.Add(1)
	viamutils.ManagedGo(func() {
		stream := ffmpeg.Input(path).Output("pipe:", ffmpeg.KwArgs{
			"format": "image2pipe",
			"vcodec": "mjpeg",
		})
		stream.Context = cancelableCtx
		if err := stream.WithOutput(out).Run(); err != nil && cancelableCtx.Err() == nil {
			vs.ffmpegErr.Store(err)
		}
		viamutils.UncheckedErrorFunc(out.Close)
	}, vs.activeBackgroundWorkers.Done)

	// launch thread to consume images from the pipe in order
	vs.activeBackgroundWorkers.Add(1)
	viamutils.ManagedGo(func() {
		defer close(vs.frames)
		for {
			if cancelableCtx.Err() != nil {
				return
			}
			img, err := jpeg.Decode(in)
			if err != nil {
				if err == io.EOF || err == io.ErrUnexpectedEOF || err == io.ErrClosedPipe {
					return
				}
				logger.Debugw("skipping undecodable frame", "error", err)
				continue
			}
			select {
			case <-cancelableCtx.Done():
				return
			case vs.frames <- img:
			}
		}
	}, vs.activeBackgroundWorkers.Done)

	return vs, nil
}

func (vs *videoSource) Next(ctx context.Context) (image.Image, func(), error) {
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case img, ok := <-vs.frames:
		if !ok {
			if err := vs.ffmpegErr.Load(); err != nil {
				return nil, nil, err.(error)
			}
			return nil, nil, io.EOF
		}
		return img, func() {}, nil
	}
}

func (vs *videoSource) Close() error {
	vs.cancelFunc()
	vs.activeBackgroundWorkers.Wait()
	return nil
}
