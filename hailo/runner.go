package hailo

import (
	"context"
	"image"
	"sync"

	"github.com/edaniels/golog"
	goutils "go.viam.com/utils"

	"github.com/hailoview/hailoview/ml"
)

// Job is one batch of frames paired with their preprocessed input tensors.
// The original frames ride along so the postprocess stage can draw on them.
type Job struct {
	Frames []image.Image
	Inputs []ml.Tensors
}

// Result pairs one original frame with the raw outputs of the network.
type Result struct {
	Frame   image.Image
	Outputs ml.Tensors
	Err     error
}

// AsyncRunner feeds batches through a model off the caller's goroutine. Producers
// push jobs into In and close it when the input is exhausted; Results is closed
// once every accepted job has been run.
type AsyncRunner struct {
	model   Model
	in      chan Job
	out     chan Result
	logger  golog.Logger
	workers sync.WaitGroup
}

// NewAsyncRunner wraps a configured model for asynchronous batch execution.
func NewAsyncRunner(model Model, queueSize int, logger golog.Logger) *AsyncRunner {
	if queueSize < 1 {
		queueSize = 1
	}
	return &AsyncRunner{
		model:  model,
		in:     make(chan Job, queueSize),
		out:    make(chan Result, queueSize),
		logger: logger,
	}
}

// In is the job queue. Close it to signal end of input.
func (r *AsyncRunner) In() chan<- Job {
	return r.in
}

// Results delivers one Result per input frame, in submission order.
func (r *AsyncRunner) Results() <-chan Result {
	return r.out
}

// Start launches the inference worker. It exits when In is closed and drained,
// or when the context is cancelled.
func (r *AsyncRunner) Start(ctx context.Context) {
	r.workers.Add(1)
	goutils.ManagedGo(func() {
		defer close(r.out)
		for {
			select {
			case <-ctx.Done():
				return
			case job, ok := <-r.in:
				if !ok {
					return
				}
				r.runJob(ctx, job)
			}
		}
	}, r.workers.Done)
}

func (r *AsyncRunner) runJob(ctx context.Context, job Job) {
	for i, inputs := range job.Inputs {
		outputs, err := r.model.Infer(ctx, inputs)
		res := Result{Frame: job.Frames[i], Outputs: outputs, Err: err}
		select {
		case <-ctx.Done():
			return
		case r.out <- res:
		}
	}
}

// Wait blocks until the worker has exited.
func (r *AsyncRunner) Wait() {
	r.workers.Wait()
}
