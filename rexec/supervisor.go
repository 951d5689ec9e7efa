package rexec

import (
	"context"
	"sync"

	"github.com/edaniels/golog"
	"go.uber.org/multierr"
)

// Supervisor holds the single worker slot the web server drives: starting a new
// worker always tears down the previous one first.
type Supervisor struct {
	mu      sync.Mutex
	current *ManagedProcess
	logger  golog.Logger
}

// NewSupervisor returns an empty supervisor.
func NewSupervisor(logger golog.Logger) *Supervisor {
	return &Supervisor{logger: logger}
}

// Swap stops whatever is running and starts a process from the given config.
func (s *Supervisor) Swap(ctx context.Context, config ProcessConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stopErr error
	if s.current != nil {
		stopErr = s.current.Stop()
		s.current = nil
	}

	proc := NewManagedProcess(config, s.logger.Named("process."+config.Name))
	if err := proc.Start(ctx); err != nil {
		return multierr.Combine(stopErr, err)
	}
	s.current = proc
	return stopErr
}

// Stop tears down the running worker, if any.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	err := s.current.Stop()
	s.current = nil
	return err
}

// Running reports whether a worker slot is occupied.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}
