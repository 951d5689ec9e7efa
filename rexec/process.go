// Package rexec runs and supervises the detection worker processes the web
// server launches on behalf of a browser session.
package rexec

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
)

// ProcessConfig describes how to spawn one worker.
type ProcessConfig struct {
	Name string   `json:"name"`
	Args []string `json:"args"`
	CWD  string   `json:"cwd"`
	Log  bool     `json:"log"`
}

// defaultStopGrace is how long Stop waits after SIGTERM before SIGKILL.
const defaultStopGrace = 5 * time.Second

// ManagedProcess is one spawned worker. The child runs in its own process
// group so Stop can take down anything it forked as well.
type ManagedProcess struct {
	config    ProcessConfig
	logger    golog.Logger
	stopGrace time.Duration

	mu         sync.Mutex
	cmd        *exec.Cmd
	stopped    bool
	done       chan struct{}
	exitErr    error
	logWorkers sync.WaitGroup
}

// NewManagedProcess prepares a process from its config; call Start to run it.
func NewManagedProcess(config ProcessConfig, logger golog.Logger) *ManagedProcess {
	return &ManagedProcess{
		config:    config,
		logger:    logger,
		stopGrace: defaultStopGrace,
		done:      make(chan struct{}),
	}
}

// Start spawns the process. The context only bounds the spawn itself, not the
// lifetime of the child.
func (p *ManagedProcess) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return errors.New("process already started")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	//nolint:gosec
	cmd := exec.Command(p.config.Name, p.config.Args...)
	cmd.Dir = p.config.CWD
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if p.config.Log {
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return err
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return err
		}
		p.pipeOutput("stdout", stdout)
		p.pipeOutput("stderr", stderr)
	}

	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "error starting process %q", p.config.Name)
	}
	p.cmd = cmd
	p.logger.Debugw("started process", "name", p.config.Name, "pid", cmd.Process.Pid)

	goutils.PanicCapturingGo(func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.exitErr = err
		stopped := p.stopped
		p.mu.Unlock()
		if err != nil && !stopped {
			p.logger.Errorw("process exited", "name", p.config.Name, "error", err)
		}
		p.logWorkers.Wait()
		close(p.done)
	})
	return nil
}

func (p *ManagedProcess) pipeOutput(name string, r io.Reader) {
	logger := p.logger.Named(name)
	p.logWorkers.Add(1)
	goutils.ManagedGo(func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			logger.Info(scanner.Text())
		}
	}, p.logWorkers.Done)
}

// Done is closed once the process has exited and its output is drained.
func (p *ManagedProcess) Done() <-chan struct{} {
	return p.done
}

// Stop signals the process group with SIGTERM and waits for exit, escalating
// to SIGKILL after a grace period. Stopping an already exited process is not
// an error.
func (p *ManagedProcess) Stop() error {
	p.mu.Lock()
	cmd := p.cmd
	alreadyStopped := p.stopped
	p.stopped = true
	p.mu.Unlock()
	if cmd == nil || alreadyStopped {
		return nil
	}

	// negative pid signals the whole process group
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return errors.Wrapf(err, "error stopping process %q", p.config.Name)
	}

	select {
	case <-p.done:
	case <-time.After(p.stopGrace):
		p.logger.Warnw("process ignored SIGTERM, killing", "name", p.config.Name)
		if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			return errors.Wrapf(err, "error killing process %q", p.config.Name)
		}
		<-p.done
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exitErr != nil && !isSignalExit(p.exitErr) {
		return p.exitErr
	}
	return nil
}

// isSignalExit reports whether the error is just the child dying from our signal.
func isSignalExit(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return false
	}
	return ws.Signaled() && (ws.Signal() == syscall.SIGTERM || ws.Signal() == syscall.SIGKILL)
}
