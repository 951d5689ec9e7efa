// Package web provides the HTTP front-end: setup pages for picking a model
// and input, the live MJPEG view, and worker lifecycle control.
package web

import (
	"context"
	"embed"
	"fmt"
	"html/template"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/sprig"
	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
	"goji.io"
	"goji.io/pat"

	"github.com/hailoview/hailoview/capture"
	"github.com/hailoview/hailoview/config"
	"github.com/hailoview/hailoview/pipeline"
	"github.com/hailoview/hailoview/rexec"
)

//go:embed templates/*.html
var templatesFS embed.FS

// framePeriod paces /video_feed at roughly 30 fps.
const framePeriod = 33 * time.Millisecond

// maxUploadBytes bounds a single setup form submission. Compiled models run
// tens of megabytes and sample videos a bit more.
const maxUploadBytes = 512 << 20

// allowedUploadExts is the upload whitelist. Everything else is rejected.
var allowedUploadExts = map[string]bool{
	".hef": true,
	".txt": true,
	".mp4": true,
}

// FrameSource supplies the latest frame received from the worker.
type FrameSource interface {
	Latest() (frame []byte, seq uint32, ok bool)
}

// WorkerSupervisor manages the single detection worker process.
type WorkerSupervisor interface {
	Swap(ctx context.Context, config rexec.ProcessConfig) error
	Stop() error
}

// App is the web application. It owns the stream state: which task is pending
// setup and whether a worker is currently streaming.
type App struct {
	cfg      *config.Config
	frames   FrameSource
	workers  WorkerSupervisor
	logger   golog.Logger
	template *template.Template
	clock    clock.Clock

	mu          sync.Mutex
	pendingTask pipeline.Task
	activeTask  pipeline.Task
}

// NewApp parses the embedded templates and returns a ready application.
func NewApp(cfg *config.Config, frames FrameSource, workers WorkerSupervisor, logger golog.Logger) (*App, error) {
	t, err := template.New("app").Funcs(sprig.FuncMap()).ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, errors.Wrap(err, "cannot parse templates")
	}
	return &App{
		cfg:      cfg,
		frames:   frames,
		workers:  workers,
		logger:   logger,
		template: t,
		clock:    clock.New(),
	}, nil
}

// Handler returns the routing mux for the application.
func (app *App) Handler() http.Handler {
	mux := goji.NewMux()
	mux.HandleFunc(pat.Get("/"), app.handleIndex)
	mux.HandleFunc(pat.Get("/video_feed"), app.handleVideoFeed)
	mux.HandleFunc(pat.Get("/setup"), app.handleSetup)
	mux.HandleFunc(pat.Get("/setup_config"), app.handleSetupConfigForm)
	mux.HandleFunc(pat.Post("/setup_config"), app.handleSetupConfigSubmit)
	mux.HandleFunc(pat.Post("/stop"), app.handleStop)
	return mux
}

func (app *App) streamActive() (pipeline.Task, bool) {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.activeTask, app.activeTask != ""
}

func (app *App) render(w http.ResponseWriter, name string, data interface{}) {
	if err := app.template.ExecuteTemplate(w, name, data); err != nil {
		app.logger.Errorw("cannot render template", "template", name, "error", err)
	}
}

func (app *App) handleIndex(w http.ResponseWriter, r *http.Request) {
	task, active := app.streamActive()
	if !active {
		app.render(w, "index.html", nil)
		return
	}
	title := "Object Detection"
	if task == pipeline.TaskPose {
		title = "Pose Estimation"
	}
	app.render(w, "live_view.html", map[string]interface{}{"Title": title})
}

// handleVideoFeed streams the latest annotated frame as an MJPEG multipart
// response. Each connected client gets its own pacing loop so a slow consumer
// never stalls the router or other viewers.
func (app *App) handleVideoFeed(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := app.clock.Ticker(framePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
		if _, active := app.streamActive(); !active {
			continue
		}
		frame, _, ok := app.frames.Latest()
		if !ok {
			continue
		}
		if _, err := fmt.Fprintf(w,
			"--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame),
		); err != nil {
			return
		}
		if _, err := w.Write(frame); err != nil {
			return
		}
		if _, err := io.WriteString(w, "\r\n"); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (app *App) handleSetup(w http.ResponseWriter, r *http.Request) {
	task := pipeline.Task(r.URL.Query().Get("mode"))
	if task != pipeline.TaskObject && task != pipeline.TaskPose {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	app.mu.Lock()
	app.pendingTask = task
	app.mu.Unlock()
	http.Redirect(w, r, "/setup_config", http.StatusSeeOther)
}

func (app *App) handleSetupConfigForm(w http.ResponseWriter, r *http.Request) {
	app.mu.Lock()
	task := app.pendingTask
	app.mu.Unlock()
	switch task {
	case pipeline.TaskObject:
		app.render(w, "object_setup.html", nil)
	case pipeline.TaskPose:
		app.render(w, "pose_setup.html", nil)
	default:
		http.Redirect(w, r, "/", http.StatusSeeOther)
	}
}

func (app *App) handleSetupConfigSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, fmt.Sprintf("cannot parse form: %s", err), http.StatusBadRequest)
		return
	}
	// presence of the field is what matters, the back button submits no value
	if _, ok := r.MultipartForm.Value["back"]; ok {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	app.mu.Lock()
	task := app.pendingTask
	app.mu.Unlock()
	if task != pipeline.TaskObject && task != pipeline.TaskPose {
		http.Error(w, "no mode selected", http.StatusBadRequest)
		return
	}

	modelPath, err := app.saveRequiredUpload(r, "model")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var labelPath string
	if task == pipeline.TaskObject {
		labelPath, err = app.saveRequiredUpload(r, "label")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	input := capture.CameraInput
	if r.FormValue("input_type") == "mp4" {
		videoPath, err := app.saveUpload(r, "mp4_file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if videoPath != "" {
			input = videoPath
		}
	}

	if err := app.startWorker(r.Context(), task, modelPath, labelPath, input); err != nil {
		app.logger.Errorw("cannot start worker", "error", err)
		http.Error(w, fmt.Sprintf("cannot start worker: %s", err), http.StatusInternalServerError)
		return
	}

	app.mu.Lock()
	app.activeTask = task
	app.mu.Unlock()
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (app *App) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := app.workers.Stop(); err != nil {
		app.logger.Errorw("cannot stop worker", "error", err)
	}
	app.mu.Lock()
	app.activeTask = ""
	app.mu.Unlock()
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// startWorker launches the detection worker, replacing any running one.
func (app *App) startWorker(ctx context.Context, task pipeline.Task, modelPath, labelPath, input string) error {
	streamTo, err := app.cfg.WorkerStreamAddress()
	if err != nil {
		return err
	}
	args := []string{
		"-net", modelPath,
		"-input", input,
		"-task", string(task),
		"-stream-to", streamTo,
	}
	if labelPath != "" {
		args = append(args, "-labels", labelPath)
	}
	if app.cfg.Engine != "" {
		args = append(args, "-engine", app.cfg.Engine)
	}
	return app.workers.Swap(ctx, rexec.ProcessConfig{
		Name: app.cfg.WorkerPath,
		Args: args,
		Log:  true,
	})
}

// saveRequiredUpload is saveUpload but 400s when the field is absent.
func (app *App) saveRequiredUpload(r *http.Request, field string) (string, error) {
	path, err := app.saveUpload(r, field)
	if err != nil {
		return "", err
	}
	if path == "" {
		return "", errors.Errorf("missing %s file", field)
	}
	return path, nil
}

// saveUpload stores the named form file under the upload dir and returns its
// path, or "" when the field was not submitted.
func (app *App) saveUpload(r *http.Request, field string) (string, error) {
	file, header, err := r.FormFile(field)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return "", nil
		}
		return "", errors.Wrapf(err, "cannot read %s file", field)
	}
	defer goutils.UncheckedErrorFunc(file.Close)

	name := sanitizeFilename(header.Filename)
	if name == "" {
		return "", errors.Errorf("invalid %s filename", field)
	}
	if !allowedUploadExts[strings.ToLower(filepath.Ext(name))] {
		return "", errors.Errorf("invalid file type %q", filepath.Ext(name))
	}

	dst := filepath.Join(app.cfg.UploadDir, uuid.NewString()[:8]+"_"+name)
	if err := writeUpload(dst, file); err != nil {
		return "", err
	}
	app.logger.Debugw("saved upload", "field", field, "path", dst)
	return dst, nil
}

func writeUpload(dst string, src multipart.File) (err error) {
	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrap(err, "cannot create upload file")
	}
	defer func() {
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	_, err = io.Copy(out, src)
	return err
}

// sanitizeFilename strips any path components and everything outside
// [A-Za-z0-9._-] from an uploaded filename.
func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
		}
	}
	cleaned := strings.Trim(b.String(), ".")
	if cleaned == "" || strings.Trim(cleaned, "._-") == "" {
		return ""
	}
	return cleaned
}
