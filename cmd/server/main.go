// Package main runs the web server that hosts the setup UI and the live
// annotated stream.
package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.viam.com/utils"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hailoview/hailoview/config"
	"github.com/hailoview/hailoview/rexec"
	"github.com/hailoview/hailoview/stream"
	"github.com/hailoview/hailoview/web"
)

var logger = golog.NewDevelopmentLogger("hailoview")

// Arguments for the command.
type Arguments struct {
	ConfigFile  string `flag:"config,usage=server config file"`
	BindAddress string `flag:"bind,usage=web server listen address (overrides config)"`
	Debug       bool   `flag:"debug,usage=enable debug logging"`
}

func main() {
	utils.ContextualMain(mainWithArgs, logger)
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) (err error) {
	var argsParsed Arguments
	if err := utils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}

	cfg, err := config.Read(argsParsed.ConfigFile)
	if err != nil {
		return err
	}
	if argsParsed.BindAddress != "" {
		cfg.BindAddress = argsParsed.BindAddress
	}
	if argsParsed.Debug {
		cfg.Debug = true
	}
	logger = newLogger(cfg)

	if err := cfg.EnsureUploadDir(); err != nil {
		return errors.Wrap(err, "cannot create upload dir")
	}

	receiver, err := stream.NewReceiver(cfg.FrameAddress, logger.Named("stream"))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, receiver.Close())
	}()

	workers := rexec.NewSupervisor(logger.Named("worker"))
	defer func() {
		err = multierr.Combine(err, workers.Stop())
	}()

	app, err := web.NewApp(cfg, receiver, workers, logger.Named("web"))
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.BindAddress,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Handler:           app.Handler(),
	}

	utils.PanicCapturingGo(func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Errorw("error shutting down", "error", err)
		}
	})

	logger.Infow("serving",
		"url", "http://"+cfg.BindAddress,
		"frame_address", cfg.FrameAddress,
		"upload_dir", cfg.UploadDir,
	)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// newLogger builds the process logger. When a log file is configured, logs are
// mirrored into it with rotation.
func newLogger(cfg *config.Config) golog.Logger {
	level := zap.InfoLevel
	if cfg.Debug {
		level = zap.DebugLevel
	}
	consoleEnc := zap.NewDevelopmentEncoderConfig()
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleEnc), zapcore.Lock(os.Stdout), level),
	}
	if cfg.LogFile != "" {
		fileWriter := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100, // megabytes
			MaxBackups: 3,
			MaxAge:     30, // days
		})
		cores = append(cores,
			zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), fileWriter, level))
	}
	return zap.New(zapcore.NewTee(cores...)).Sugar().Named("hailoview")
}
