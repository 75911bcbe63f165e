package supervisor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/agentflow/agentflow/internal/common/logger"
	"github.com/agentflow/agentflow/internal/engine/streamparser"
	v1 "github.com/agentflow/agentflow/pkg/api/v1"
)

func shOptions(script string) Options {
	return Options{
		Command:         "sh",
		Args:            []string{"-c", script},
		StopGracePeriod: 200 * time.Millisecond,
	}
}

// drain collects all events and then waits for the outcome.
func drain(inv *Invocation) ([]streamparser.ParsedEvent, Outcome) {
	var events []streamparser.ParsedEvent
	for ev := range inv.Events {
		events = append(events, ev)
	}
	return events, inv.Wait()
}

func TestLaunch_SuccessDeliversStructuredEvents(t *testing.T) {
	s := New(logger.Default())
	opts := shOptions(`echo '{"type":"message","text":"working"}'; echo '{"type":"command","message":"go vet"}'`)
	opts.Structured = true

	inv, err := s.Launch(context.Background(), opts)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	events, outcome := drain(inv)
	if outcome.Result != ResultSuccess {
		t.Fatalf("expected success, got %s (stderr: %s)", outcome.Result, outcome.Stderr)
	}
	if outcome.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %d", outcome.ExitCode)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d: %+v", len(events), events)
	}
	if events[0].Type != v1.EventAgentMessage || events[0].Message != "working" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[1].Type != v1.EventCommandExec {
		t.Fatalf("unexpected second event: %+v", events[1])
	}
}

func TestLaunch_NonZeroExitIsFailure(t *testing.T) {
	s := New(logger.Default())
	inv, err := s.Launch(context.Background(), shOptions(`echo "diagnostic detail" >&2; exit 3`))
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	_, outcome := drain(inv)
	if outcome.Result != ResultFailed {
		t.Fatalf("expected failed, got %s", outcome.Result)
	}
	if outcome.ExitCode != 3 {
		t.Fatalf("expected exit 3, got %d", outcome.ExitCode)
	}
	if !strings.Contains(outcome.Stderr, "diagnostic detail") {
		t.Fatalf("expected stderr tail retained, got %q", outcome.Stderr)
	}
}

func TestLaunch_WallClockTimeout(t *testing.T) {
	s := New(logger.Default())
	opts := shOptions(`echo started; sleep 30`)
	opts.Timeout = 300 * time.Millisecond

	inv, err := s.Launch(context.Background(), opts)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	_, outcome := drain(inv)
	if outcome.Result != ResultTimeout {
		t.Fatalf("expected timeout, got %s", outcome.Result)
	}
	if outcome.Duration > 5*time.Second {
		t.Fatalf("timeout took too long: %s", outcome.Duration)
	}
}

func TestLaunch_FirstOutputTimeoutIsStalled(t *testing.T) {
	s := New(logger.Default())
	opts := shOptions(`sleep 30; echo late`)
	opts.FirstOutputTimeout = 300 * time.Millisecond

	inv, err := s.Launch(context.Background(), opts)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	_, outcome := drain(inv)
	if outcome.Result != ResultStalled {
		t.Fatalf("expected stalled, got %s", outcome.Result)
	}
}

func TestLaunch_FirstOutputDisarmsStallTimer(t *testing.T) {
	s := New(logger.Default())
	opts := shOptions(`echo hello; sleep 1`)
	opts.FirstOutputTimeout = 300 * time.Millisecond

	inv, err := s.Launch(context.Background(), opts)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	_, outcome := drain(inv)
	if outcome.Result != ResultSuccess {
		t.Fatalf("expected success after first output, got %s", outcome.Result)
	}
}

func TestStop_ResultsInCancelled(t *testing.T) {
	s := New(logger.Default())
	inv, err := s.Launch(context.Background(), shOptions(`echo running; sleep 30`))
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	go func() {
		time.Sleep(200 * time.Millisecond)
		inv.Stop()
	}()

	_, outcome := drain(inv)
	if outcome.Result != ResultCancelled {
		t.Fatalf("expected cancelled, got %s", outcome.Result)
	}
}

func TestLaunch_ContextCancelIsCancelled(t *testing.T) {
	s := New(logger.Default())
	ctx, cancel := context.WithCancel(context.Background())

	inv, err := s.Launch(ctx, shOptions(`echo running; sleep 30`))
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	_, outcome := drain(inv)
	if outcome.Result != ResultCancelled {
		t.Fatalf("expected cancelled, got %s", outcome.Result)
	}
}

func TestStop_SigkillAfterGrace(t *testing.T) {
	s := New(logger.Default())
	// Trap SIGTERM so only SIGKILL can end the process.
	opts := shOptions(`trap "" TERM; echo running; sleep 30`)
	opts.StopGracePeriod = 300 * time.Millisecond

	inv, err := s.Launch(context.Background(), opts)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	go func() {
		time.Sleep(200 * time.Millisecond)
		inv.Stop()
	}()

	start := time.Now()
	_, outcome := drain(inv)
	if outcome.Result != ResultCancelled {
		t.Fatalf("expected cancelled, got %s", outcome.Result)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("sigkill escalation took too long: %s", elapsed)
	}
}

func TestLaunch_MissingCommandFails(t *testing.T) {
	s := New(logger.Default())
	if _, err := s.Launch(context.Background(), Options{Command: "/no/such/binary"}); err == nil {
		t.Fatalf("expected launch error for missing binary")
	}
}
