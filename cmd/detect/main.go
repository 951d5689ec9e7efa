// Package main runs the detection worker: it reads frames from a camera or
// video file, runs inference on a Hailo device, draws the results and streams
// annotated JPEG frames over UDP to the web server.
package main

import (
	"context"
	"strconv"
	"strings"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"github.com/hailoview/hailoview/capture"
	"github.com/hailoview/hailoview/hailo"
	"github.com/hailoview/hailoview/pipeline"
	"github.com/hailoview/hailoview/stream"
	"github.com/hailoview/hailoview/vision/objectdetection"

	// inference engines register themselves
	_ "github.com/hailoview/hailoview/hailo/fake"
	_ "github.com/hailoview/hailoview/hailo/hailort"
)

var logger = golog.NewDevelopmentLogger("hailodetect")

// Arguments for the command.
type Arguments struct {
	Net       string `flag:"net,required,usage=compiled model file (.hef)"`
	Input     string `flag:"input,default=camera,usage=input source (camera, video file, image file or directory)"`
	Labels    string `flag:"labels,usage=class labels file (.txt)"`
	Task      string `flag:"task,default=object,usage=inference task (object or pose)"`
	Engine    string `flag:"engine,usage=inference engine to use (default: best available)"`
	StreamTo  string `flag:"stream-to,default=127.0.0.1:9999,usage=UDP address to stream annotated frames to"`
	BatchSize int    `flag:"batch,default=1,usage=inference batch size"`
	Score     string `flag:"score,usage=minimum detection score (default 0.5)"`
}

func main() {
	utils.ContextualMain(mainWithArgs, logger)
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) (err error) {
	var argsParsed Arguments
	if err := utils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}

	if err := hailo.CheckModelPath(argsParsed.Net); err != nil {
		return err
	}
	var labels []string
	if argsParsed.Labels != "" {
		labels, err = objectdetection.ReadLabels(argsParsed.Labels)
		if err != nil {
			return err
		}
	}
	var score float64
	if argsParsed.Score != "" {
		score, err = strconv.ParseFloat(argsParsed.Score, 64)
		if err != nil {
			return errors.Wrapf(err, "invalid score %q", argsParsed.Score)
		}
	}

	engineName := argsParsed.Engine
	if engineName == "" {
		engineName = hailo.DefaultEngineName()
	}
	engine, err := hailo.NewEngine(engineName)
	if err != nil {
		return errors.Wrapf(err, "cannot create %q engine (available: %s)",
			engineName, strings.Join(hailo.EngineNames(), ", "))
	}
	model, err := engine.LoadModel(argsParsed.Net, hailo.ModelSetup{BatchSize: argsParsed.BatchSize})
	if err != nil {
		return errors.Wrap(err, "cannot load model")
	}
	defer func() {
		err = multierr.Combine(err, model.Close())
	}()

	source, err := capture.NewSource(argsParsed.Input, logger.Named("capture"))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, source.Close())
	}()

	sender, err := stream.NewSender(argsParsed.StreamTo, logger.Named("stream"))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, sender.Close())
	}()

	logger.Infow("starting inference",
		"engine", engineName,
		"model", argsParsed.Net,
		"input", argsParsed.Input,
		"task", argsParsed.Task,
		"stream_to", argsParsed.StreamTo,
	)
	return pipeline.Run(ctx, pipeline.Config{
		Source:         source,
		Model:          model,
		Task:           pipeline.Task(argsParsed.Task),
		BatchSize:      argsParsed.BatchSize,
		Labels:         labels,
		ScoreThreshold: score,
		Sink:           sender,
		Logger:         logger,
	})
}
