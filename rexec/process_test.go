package rexec

import (
	"context"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"go.viam.com/test"
)

func TestManagedProcessStartStop(t *testing.T) {
	logger := golog.NewTestLogger(t)
	proc := NewManagedProcess(ProcessConfig{
		Name: "bash",
		Args: []string{"-c", "trap 'exit 0' TERM; while true; do sleep 0.1; done"},
		Log:  true,
	}, logger)

	test.That(t, proc.Start(context.Background()), test.ShouldBeNil)
	test.That(t, proc.Stop(), test.ShouldBeNil)

	select {
	case <-proc.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("process did not exit")
	}
}

func TestManagedProcessStopIgnoringTerm(t *testing.T) {
	logger := golog.NewTestLogger(t)
	proc := NewManagedProcess(ProcessConfig{
		Name: "bash",
		Args: []string{"-c", "trap '' TERM; while true; do sleep 0.1; done"},
	}, logger)
	proc.stopGrace = time.Second

	test.That(t, proc.Start(context.Background()), test.ShouldBeNil)
	test.That(t, proc.Stop(), test.ShouldBeNil)
}

func TestManagedProcessEarlyExit(t *testing.T) {
	logger := golog.NewTestLogger(t)
	proc := NewManagedProcess(ProcessConfig{
		Name: "bash",
		Args: []string{"-c", "exit 0"},
	}, logger)

	test.That(t, proc.Start(context.Background()), test.ShouldBeNil)
	select {
	case <-proc.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("process did not exit")
	}
	// stopping an already exited process is fine
	test.That(t, proc.Stop(), test.ShouldBeNil)
}

func TestManagedProcessStartErrors(t *testing.T) {
	logger := golog.NewTestLogger(t)
	proc := NewManagedProcess(ProcessConfig{Name: "/does/not/exist"}, logger)
	err := proc.Start(context.Background())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "error starting process")

	proc = NewManagedProcess(ProcessConfig{Name: "bash", Args: []string{"-c", "sleep 1"}}, logger)
	test.That(t, proc.Start(context.Background()), test.ShouldBeNil)
	err = proc.Start(context.Background())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "already started")
	test.That(t, proc.Stop(), test.ShouldBeNil)
}

func TestSupervisorSwap(t *testing.T) {
	logger := golog.NewTestLogger(t)
	sup := NewSupervisor(logger)
	test.That(t, sup.Running(), test.ShouldBeFalse)
	test.That(t, sup.Stop(), test.ShouldBeNil)

	cfg := ProcessConfig{
		Name: "bash",
		Args: []string{"-c", "trap 'exit 0' TERM; while true; do sleep 0.1; done"},
	}
	test.That(t, sup.Swap(context.Background(), cfg), test.ShouldBeNil)
	test.That(t, sup.Running(), test.ShouldBeTrue)

	// swapping replaces the previous worker
	test.That(t, sup.Swap(context.Background(), cfg), test.ShouldBeNil)
	test.That(t, sup.Running(), test.ShouldBeTrue)

	test.That(t, sup.Stop(), test.ShouldBeNil)
	test.That(t, sup.Running(), test.ShouldBeFalse)
}
