// Package supervisor launches agent backend processes and enforces
// their runtime limits. Each invocation gets two independent clocks: a
// wall-clock timeout for the whole run and a first-output timeout that
// catches processes that start but never speak.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentflow/agentflow/internal/common/logger"
	"github.com/agentflow/agentflow/internal/engine/streamparser"
)

// Result classifies how an invocation ended.
type Result string

const (
	ResultSuccess   Result = "success"
	ResultFailed    Result = "failed"
	ResultTimeout   Result = "timeout"
	ResultStalled   Result = "stalled"
	ResultCancelled Result = "cancelled"
)

// Options configures one backend invocation.
type Options struct {
	Command string
	Args    []string
	Env     []string
	Dir     string

	// Timeout bounds the whole invocation. Zero disables it.
	Timeout time.Duration

	// FirstOutputTimeout bounds the wait for the first stdout line.
	// Zero disables it.
	FirstOutputTimeout time.Duration

	// StopGracePeriod is how long Stop waits between SIGTERM and
	// SIGKILL.
	StopGracePeriod time.Duration

	// Structured pins the stream parser to structured mode. When
	// false the parser auto-detects per line.
	Structured bool

	// StderrTailBytes bounds the retained stderr tail. Zero uses the
	// default.
	StderrTailBytes int
}

// Outcome describes a finished invocation.
type Outcome struct {
	Result   Result
	ExitCode int
	Stderr   string
	Duration time.Duration
}

// Invocation is one running backend process. Consume Events until it
// closes, then call Wait for the outcome.
type Invocation struct {
	// Events delivers parsed stream events. Closed when stdout ends.
	Events <-chan streamparser.ParsedEvent

	cmd     *exec.Cmd
	stderr  *tailBuffer
	logger  *logger.Logger
	started time.Time
	grace   time.Duration

	group *errgroup.Group

	firstOutput chan struct{}
	firstOnce   sync.Once

	procDone chan struct{}

	reasonMu sync.Mutex
	reason   Result

	killOnce sync.Once
	waitOnce sync.Once
	outcome  Outcome
}

// Supervisor launches and supervises backend processes.
type Supervisor struct {
	logger *logger.Logger
}

// New creates a process supervisor.
func New(log *logger.Logger) *Supervisor {
	return &Supervisor{
		logger: log.WithFields(zap.String("component", "supervisor")),
	}
}

// Launch starts the backend process and its watchdogs. The context
// cancels the invocation; cancellation counts as ResultCancelled.
func (s *Supervisor) Launch(ctx context.Context, opts Options) (*Invocation, error) {
	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env
	// Own process group so Stop can signal the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	events := make(chan streamparser.ParsedEvent, 256)
	inv := &Invocation{
		Events:      events,
		cmd:         cmd,
		stderr:      newTailBuffer(opts.StderrTailBytes),
		logger:      s.logger,
		grace:       opts.StopGracePeriod,
		firstOutput: make(chan struct{}),
		procDone:    make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	inv.started = time.Now()

	var parser *streamparser.Parser
	if opts.Structured {
		parser = streamparser.New()
	} else {
		parser = streamparser.NewDegraded()
	}

	g := &errgroup.Group{}
	inv.group = g

	g.Go(func() error {
		defer close(events)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			inv.firstOnce.Do(func() { close(inv.firstOutput) })
			for _, ev := range parser.Feed(scanner.Text()) {
				events <- ev
			}
		}
		for _, ev := range parser.Flush() {
			events <- ev
		}
		return scanner.Err()
	})

	g.Go(func() error {
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			inv.stderr.WriteLine(scanner.Text())
		}
		return scanner.Err()
	})

	go inv.watch(ctx, opts.Timeout, opts.FirstOutputTimeout)

	s.logger.Debug("launched backend process",
		zap.String("command", opts.Command),
		zap.Int("pid", cmd.Process.Pid),
		zap.String("dir", opts.Dir))

	return inv, nil
}

// watch arms the wall-clock and first-output timers and reacts to
// context cancellation.
func (inv *Invocation) watch(ctx context.Context, timeout, firstOutputTimeout time.Duration) {
	var wallC, stallC <-chan time.Time

	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		wallC = t.C
	}
	if firstOutputTimeout > 0 {
		t := time.NewTimer(firstOutputTimeout)
		defer t.Stop()
		stallC = t.C
	}

	firstOutput := inv.firstOutput
	for {
		select {
		case <-inv.procDone:
			return
		case <-firstOutput:
			// First line arrived, disarm the stall timer.
			stallC = nil
			firstOutput = nil
		case <-wallC:
			inv.kill(ResultTimeout)
			return
		case <-stallC:
			inv.kill(ResultStalled)
			return
		case <-ctx.Done():
			inv.kill(ResultCancelled)
			return
		}
	}
}

// Stop terminates the invocation. The process gets SIGTERM, then
// SIGKILL after the grace period. The outcome is ResultCancelled.
func (inv *Invocation) Stop() {
	inv.kill(ResultCancelled)
}

func (inv *Invocation) kill(reason Result) {
	inv.killOnce.Do(func() {
		inv.reasonMu.Lock()
		inv.reason = reason
		inv.reasonMu.Unlock()

		pid := inv.cmd.Process.Pid
		inv.logger.Debug("terminating backend process",
			zap.Int("pid", pid),
			zap.String("reason", string(reason)))

		// Signal the process group. Negative pid addresses the group.
		_ = syscall.Kill(-pid, syscall.SIGTERM)

		grace := inv.grace
		if grace <= 0 {
			grace = 5 * time.Second
		}
		go func() {
			select {
			case <-inv.procDone:
			case <-time.After(grace):
				_ = syscall.Kill(-pid, syscall.SIGKILL)
			}
		}()
	})
}

// Wait blocks until the process and its stream readers finish, then
// returns the outcome. Call it after draining Events.
func (inv *Invocation) Wait() Outcome {
	inv.waitOnce.Do(func() {
		readErr := inv.group.Wait()
		waitErr := inv.cmd.Wait()
		close(inv.procDone)

		inv.outcome = Outcome{
			ExitCode: exitCode(waitErr),
			Stderr:   inv.stderr.String(),
			Duration: time.Since(inv.started),
		}

		inv.reasonMu.Lock()
		reason := inv.reason
		inv.reasonMu.Unlock()

		switch {
		case reason != "":
			inv.outcome.Result = reason
		case waitErr == nil && readErr == nil:
			inv.outcome.Result = ResultSuccess
		default:
			inv.outcome.Result = ResultFailed
		}
	})
	return inv.outcome
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
