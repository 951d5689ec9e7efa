// Package pipeline wires a frame source, an inference model and a frame sink into
// the worker's processing loop: preprocess and inference run concurrently with
// postprocessing, frames flowing between the stages on channels.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"github.com/hailoview/hailoview/capture"
	"github.com/hailoview/hailoview/hailo"
	"github.com/hailoview/hailoview/ml"
	"github.com/hailoview/hailoview/vision/objectdetection"
	"github.com/hailoview/hailoview/vision/pose"
)

// Task selects which decode and overlay the postprocess stage applies.
type Task string

// The tasks the worker understands.
const (
	TaskObject = Task("object")
	TaskPose   = Task("pose")
)

// DefaultScoreThreshold drops detections the model is unsure about.
const DefaultScoreThreshold = 0.5

// jpegQuality trades detail for datagram-sized frames.
const jpegQuality = 50

// InputTensorName is the name the preprocessed frame is handed to the model under.
const InputTensorName = "image"

// Sink receives the annotated, encoded frames.
type Sink interface {
	SendJPEG([]byte) error
}

// Config assembles one worker pipeline.
type Config struct {
	Source         capture.ImageSource
	Model          hailo.Model
	Task           Task
	BatchSize      int
	Labels         []string
	ScoreThreshold float64
	Sink           Sink
	Clock          clock.Clock
	Logger         golog.Logger
}

// Run processes frames until the source is exhausted or the context is
// cancelled. Inference errors and sink errors abort the run.
func Run(ctx context.Context, cfg Config) (err error) {
	if cfg.Source == nil || cfg.Model == nil || cfg.Sink == nil {
		return errors.New("pipeline needs a source, a model and a sink")
	}
	if cfg.Task != TaskObject && cfg.Task != TaskPose {
		return errors.Errorf("unknown task %q", cfg.Task)
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.ScoreThreshold == 0 {
		cfg.ScoreThreshold = DefaultScoreThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = golog.Global()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runner := hailo.NewAsyncRunner(cfg.Model, 2*cfg.BatchSize, cfg.Logger)
	runner.Start(ctx)

	var preprocessErr error
	var workers sync.WaitGroup
	workers.Add(1)
	goutils.ManagedGo(func() {
		preprocessErr = preprocess(ctx, cfg, runner.In())
	}, workers.Done)

	filter := objectdetection.NewScoreFilter(cfg.ScoreThreshold)
	fps := newFPSCounter(cfg.Clock)
	frames := 0
	for res := range runner.Results() {
		if res.Err != nil {
			err = errors.Wrap(res.Err, "inference failed")
			break
		}
		annotated, decodeErr := annotate(res, cfg, filter)
		if decodeErr != nil {
			err = decodeErr
			break
		}
		annotated = objectdetection.OverlayText(annotated, fmt.Sprintf("FPS: %d", int(fps.Tick())))

		var buf bytes.Buffer
		if encodeErr := jpeg.Encode(&buf, annotated, &jpeg.Options{Quality: jpegQuality}); encodeErr != nil {
			err = encodeErr
			break
		}
		if sendErr := cfg.Sink.SendJPEG(buf.Bytes()); sendErr != nil {
			err = errors.Wrap(sendErr, "could not send frame")
			break
		}
		frames++
	}
	cancel()
	// unblock the runner if we bailed early
	for range runner.Results() { //nolint:revive
	}
	workers.Wait()
	runner.Wait()

	if preprocessErr != nil && !errors.Is(preprocessErr, context.Canceled) {
		err = multierr.Combine(err, preprocessErr)
	}
	if err == nil {
		cfg.Logger.Infow("inference was successful", "frames", frames)
	}
	return err
}

// preprocess pulls frames, resizes them to the model input and feeds batches to
// the runner, closing the job queue once the source runs out.
func preprocess(ctx context.Context, cfg Config, in chan<- hailo.Job) error {
	defer close(in)
	height, width, _ := cfg.Model.InputShape()

	job := hailo.Job{}
	flush := func() bool {
		if len(job.Frames) == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case in <- job:
			job = hailo.Job{}
			return true
		}
	}

	for {
		img, release, err := cfg.Source.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				if !flush() {
					return ctx.Err()
				}
				return nil
			}
			return err
		}
		resized := resize.Resize(uint(width), uint(height), img, resize.Bilinear)
		if release != nil {
			release()
		}
		job.Frames = append(job.Frames, img)
		job.Inputs = append(job.Inputs, ml.Tensors{InputTensorName: ml.NewImageTensor(resized)})
		if len(job.Frames) == cfg.BatchSize && !flush() {
			return ctx.Err()
		}
	}
}

func annotate(res hailo.Result, cfg Config, filter objectdetection.Postprocessor) (image.Image, error) {
	bounds := res.Frame.Bounds()
	switch cfg.Task {
	case TaskPose:
		poses, err := pose.Decode(res.Outputs, bounds.Dx(), bounds.Dy())
		if err != nil {
			return nil, err
		}
		kept := make([]pose.Pose, 0, len(poses))
		for _, p := range poses {
			if p.Score >= cfg.ScoreThreshold {
				kept = append(kept, p)
			}
		}
		return pose.Overlay(res.Frame, kept), nil
	default:
		dets, err := objectdetection.Decode(res.Outputs, bounds.Dx(), bounds.Dy(), cfg.Labels)
		if err != nil {
			return nil, err
		}
		return objectdetection.Overlay(res.Frame, filter(dets)), nil
	}
}
