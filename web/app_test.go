package web

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"

	"github.com/hailoview/hailoview/config"
	"github.com/hailoview/hailoview/pipeline"
	"github.com/hailoview/hailoview/rexec"
)

type fakeFrames struct {
	mu    sync.Mutex
	frame []byte
	seq   uint32
}

func (f *fakeFrames) Latest() ([]byte, uint32, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.frame == nil {
		return nil, 0, false
	}
	return f.frame, f.seq, true
}

type fakeSupervisor struct {
	mu      sync.Mutex
	swapped []rexec.ProcessConfig
	stops   int
	swapErr error
}

func (f *fakeSupervisor) Swap(ctx context.Context, cfg rexec.ProcessConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.swapErr != nil {
		return f.swapErr
	}
	f.swapped = append(f.swapped, cfg)
	return nil
}

func (f *fakeSupervisor) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeSupervisor) lastSwap(t *testing.T) rexec.ProcessConfig {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	test.That(t, f.swapped, test.ShouldNotBeEmpty)
	return f.swapped[len(f.swapped)-1]
}

func newTestApp(t *testing.T) (*App, *fakeFrames, *fakeSupervisor) {
	t.Helper()
	cfg := config.Default()
	cfg.UploadDir = t.TempDir()
	cfg.WorkerPath = "hailodetect"
	frames := &fakeFrames{}
	workers := &fakeSupervisor{}
	app, err := NewApp(cfg, frames, workers, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return app, frames, workers
}

// noRedirectClient returns redirects to the caller instead of following them.
func noRedirectClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func setupForm(t *testing.T, files map[string][2]string, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for field, nameAndContents := range files {
		fw, err := mw.CreateFormFile(field, nameAndContents[0])
		test.That(t, err, test.ShouldBeNil)
		_, err = fw.Write([]byte(nameAndContents[1]))
		test.That(t, err, test.ShouldBeNil)
	}
	for field, value := range fields {
		test.That(t, mw.WriteField(field, value), test.ShouldBeNil)
	}
	test.That(t, mw.Close(), test.ShouldBeNil)
	return &body, mw.FormDataContentType()
}

func TestIndexShowsModeChoice(t *testing.T) {
	app, _, _ := newTestApp(t)
	server := httptest.NewServer(app.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/")
	test.That(t, err, test.ShouldBeNil)
	defer func() { test.That(t, resp.Body.Close(), test.ShouldBeNil) }()
	page, err := io.ReadAll(resp.Body)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
	test.That(t, string(page), test.ShouldContainSubstring, "/setup?mode=object")
	test.That(t, string(page), test.ShouldContainSubstring, "/setup?mode=pose")
}

func TestSetupModeValidation(t *testing.T) {
	app, _, _ := newTestApp(t)
	server := httptest.NewServer(app.Handler())
	defer server.Close()
	client := noRedirectClient()

	resp, err := client.Get(server.URL + "/setup?mode=object")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.Body.Close(), test.ShouldBeNil)
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusSeeOther)
	test.That(t, resp.Header.Get("Location"), test.ShouldEqual, "/setup_config")

	resp, err = client.Get(server.URL + "/setup?mode=banana")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.Body.Close(), test.ShouldBeNil)
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusSeeOther)
	test.That(t, resp.Header.Get("Location"), test.ShouldEqual, "/")
}

func TestSetupConfigFormPerMode(t *testing.T) {
	app, _, _ := newTestApp(t)
	server := httptest.NewServer(app.Handler())
	defer server.Close()

	// no pending mode redirects home
	client := noRedirectClient()
	resp, err := client.Get(server.URL + "/setup_config")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.Body.Close(), test.ShouldBeNil)
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusSeeOther)

	for _, tc := range []struct {
		mode string
		want string
	}{
		{"object", "Object Detection Setup"},
		{"pose", "Pose Estimation Setup"},
	} {
		resp, err := http.Get(server.URL + "/setup?mode=" + tc.mode)
		test.That(t, err, test.ShouldBeNil)
		page, err := io.ReadAll(resp.Body)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, resp.Body.Close(), test.ShouldBeNil)
		test.That(t, string(page), test.ShouldContainSubstring, tc.want)
	}
}

func TestSetupConfigStartsWorker(t *testing.T) {
	app, _, workers := newTestApp(t)
	server := httptest.NewServer(app.Handler())
	defer server.Close()
	client := noRedirectClient()

	resp, err := client.Get(server.URL + "/setup?mode=object")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.Body.Close(), test.ShouldBeNil)

	body, contentType := setupForm(t, map[string][2]string{
		"model": {"yolov8s.hef", "model-bytes"},
		"label": {"coco.txt", "person\ncar\n"},
	}, nil)
	resp, err = client.Post(server.URL+"/setup_config", contentType, body)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.Body.Close(), test.ShouldBeNil)
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusSeeOther)
	test.That(t, resp.Header.Get("Location"), test.ShouldEqual, "/")

	launched := workers.lastSwap(t)
	test.That(t, launched.Name, test.ShouldEqual, "hailodetect")
	args := strings.Join(launched.Args, " ")
	test.That(t, args, test.ShouldContainSubstring, "-task object")
	test.That(t, args, test.ShouldContainSubstring, "-input camera")
	test.That(t, args, test.ShouldContainSubstring, "-stream-to 127.0.0.1:9999")
	test.That(t, args, test.ShouldContainSubstring, "yolov8s.hef")
	test.That(t, args, test.ShouldContainSubstring, "coco.txt")

	// the live view takes over the index page
	resp, err = http.Get(server.URL + "/")
	test.That(t, err, test.ShouldBeNil)
	page, err := io.ReadAll(resp.Body)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.Body.Close(), test.ShouldBeNil)
	test.That(t, string(page), test.ShouldContainSubstring, "Object Detection")
	test.That(t, string(page), test.ShouldContainSubstring, "/video_feed")
}

func TestSetupConfigPoseNeedsNoLabels(t *testing.T) {
	app, _, workers := newTestApp(t)
	server := httptest.NewServer(app.Handler())
	defer server.Close()
	client := noRedirectClient()

	resp, err := client.Get(server.URL + "/setup?mode=pose")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.Body.Close(), test.ShouldBeNil)

	body, contentType := setupForm(t, map[string][2]string{
		"model": {"yolov8s_pose.hef", "model-bytes"},
	}, nil)
	resp, err = client.Post(server.URL+"/setup_config", contentType, body)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.Body.Close(), test.ShouldBeNil)
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusSeeOther)

	args := strings.Join(workers.lastSwap(t).Args, " ")
	test.That(t, args, test.ShouldContainSubstring, "-task pose")
	test.That(t, args, test.ShouldNotContainSubstring, "-labels")
}

func TestSetupConfigRejectsBadUploads(t *testing.T) {
	app, _, _ := newTestApp(t)
	server := httptest.NewServer(app.Handler())
	defer server.Close()
	client := noRedirectClient()

	resp, err := client.Get(server.URL + "/setup?mode=object")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.Body.Close(), test.ShouldBeNil)

	// missing label file
	body, contentType := setupForm(t, map[string][2]string{
		"model": {"yolov8s.hef", "model-bytes"},
	}, nil)
	resp, err = client.Post(server.URL+"/setup_config", contentType, body)
	test.That(t, err, test.ShouldBeNil)
	page, err := io.ReadAll(resp.Body)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.Body.Close(), test.ShouldBeNil)
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusBadRequest)
	test.That(t, string(page), test.ShouldContainSubstring, "missing label file")

	// disallowed extension
	body, contentType = setupForm(t, map[string][2]string{
		"model": {"payload.sh", "#!/bin/sh"},
		"label": {"coco.txt", "person\n"},
	}, nil)
	resp, err = client.Post(server.URL+"/setup_config", contentType, body)
	test.That(t, err, test.ShouldBeNil)
	page, err = io.ReadAll(resp.Body)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.Body.Close(), test.ShouldBeNil)
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusBadRequest)
	test.That(t, string(page), test.ShouldContainSubstring, "invalid file type")
}

func TestSetupConfigBackButton(t *testing.T) {
	app, _, workers := newTestApp(t)
	server := httptest.NewServer(app.Handler())
	defer server.Close()
	client := noRedirectClient()

	// the field may arrive with any value, including none at all
	for _, back := range []string{"1", ""} {
		body, contentType := setupForm(t, nil, map[string]string{"back": back})
		resp, err := client.Post(server.URL+"/setup_config", contentType, body)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, resp.Body.Close(), test.ShouldBeNil)
		test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusSeeOther)
		test.That(t, resp.Header.Get("Location"), test.ShouldEqual, "/")
	}
	workers.mu.Lock()
	test.That(t, workers.swapped, test.ShouldBeEmpty)
	workers.mu.Unlock()
}

func TestStopEndsStream(t *testing.T) {
	app, _, workers := newTestApp(t)
	app.mu.Lock()
	app.activeTask = pipeline.TaskObject
	app.mu.Unlock()
	server := httptest.NewServer(app.Handler())
	defer server.Close()
	client := noRedirectClient()

	resp, err := client.Post(server.URL+"/stop", "", nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.Body.Close(), test.ShouldBeNil)
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusSeeOther)

	workers.mu.Lock()
	test.That(t, workers.stops, test.ShouldEqual, 1)
	workers.mu.Unlock()
	_, active := app.streamActive()
	test.That(t, active, test.ShouldBeFalse)
}

func TestVideoFeedStreamsLatestFrame(t *testing.T) {
	app, frames, _ := newTestApp(t)
	app.mu.Lock()
	app.activeTask = pipeline.TaskObject
	app.mu.Unlock()
	frames.mu.Lock()
	frames.frame = []byte("jpeg-bytes")
	frames.seq = 7
	frames.mu.Unlock()

	server := httptest.NewServer(app.Handler())
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/video_feed", nil)
	test.That(t, err, test.ShouldBeNil)
	resp, err := http.DefaultClient.Do(req)
	test.That(t, err, test.ShouldBeNil)
	//nolint:errcheck
	defer resp.Body.Close()
	test.That(t, resp.Header.Get("Content-Type"), test.ShouldContainSubstring, "multipart/x-mixed-replace")

	parts := multipart.NewReader(resp.Body, "frame")
	part, err := parts.NextPart()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, part.Header.Get("Content-Type"), test.ShouldEqual, "image/jpeg")
	payload, err := io.ReadAll(part)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(payload), test.ShouldEqual, "jpeg-bytes")
}

func TestSanitizeFilename(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want string
	}{
		{"yolov8s.hef", "yolov8s.hef"},
		{"../../etc/passwd", "passwd"},
		{"my model (1).hef", "mymodel1.hef"},
		{"..", ""},
		{"///", ""},
	} {
		test.That(t, sanitizeFilename(tc.in), test.ShouldEqual, tc.want)
	}
}
