package streamparser

import (
	"testing"

	v1 "github.com/agentflow/agentflow/pkg/api/v1"
)

func feedAll(p *Parser, lines ...string) []ParsedEvent {
	var events []ParsedEvent
	for _, l := range lines {
		events = append(events, p.Feed(l)...)
	}
	events = append(events, p.Flush()...)
	return events
}

func TestParser_StructuredLines(t *testing.T) {
	p := New()
	events := feedAll(p,
		`{"type":"message","text":"starting work"}`,
		`{"type":"tool_use","name":"read_file","path":"main.go"}`,
		`{"type":"command","message":"go test ./..."}`,
	)

	if p.Mode() != ModeStructured {
		t.Fatalf("expected structured mode, got %s", p.Mode())
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Type != v1.EventAgentMessage || events[0].Message != "starting work" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[1].Type != v1.EventToolInvocation {
		t.Fatalf("expected tool-invocation, got %s", events[1].Type)
	}
	if events[1].Payload["name"] != "read_file" {
		t.Fatalf("expected payload to carry tool name, got %v", events[1].Payload)
	}
	if events[2].Type != v1.EventCommandExec || events[2].Message != "go test ./..." {
		t.Fatalf("unexpected command event: %+v", events[2])
	}
}

func TestParser_StructuredMalformedLineBecomesWarning(t *testing.T) {
	p := New()
	events := feedAll(p,
		`{"type":"message","text":"ok"}`,
		`{"type":"message", broken`,
		`{"type":"message","text":"still going"}`,
	)

	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[1].Type != v1.EventWarning {
		t.Fatalf("expected warning for malformed line, got %s", events[1].Type)
	}
	if events[2].Message != "still going" {
		t.Fatalf("parser must keep going after malformed line")
	}
}

func TestParser_StructuredUnknownTypeKeepsRawType(t *testing.T) {
	p := New()
	events := feedAll(p, `{"type":"thinking","text":"hmm"}`)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type != v1.EventAgentMessage {
		t.Fatalf("unknown type should map to agent-message, got %s", events[0].Type)
	}
	if events[0].Payload["raw_type"] != "thinking" {
		t.Fatalf("expected raw_type in payload, got %v", events[0].Payload)
	}
}

func TestParser_DegradedGroupsPlainText(t *testing.T) {
	p := New()
	events := feedAll(p,
		"Looking at the failing test.",
		"The assertion compares pointers.",
		"",
		"Fixed by comparing values.",
	)

	if p.Mode() != ModeDegraded {
		t.Fatalf("expected degraded mode, got %s", p.Mode())
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 grouped messages, got %d: %+v", len(events), events)
	}
	want := "Looking at the failing test.\nThe assertion compares pointers."
	if events[0].Type != v1.EventAgentMessage || events[0].Message != want {
		t.Fatalf("unexpected first block: %+v", events[0])
	}
	if events[1].Message != "Fixed by comparing values." {
		t.Fatalf("unexpected second block: %+v", events[1])
	}
}

func TestParser_DegradedMarkerPrefixes(t *testing.T) {
	p := NewDegraded()
	events := feedAll(p,
		"Running the build now.",
		"$ go build ./...",
		"> ok",
		"! build failed on linux",
	)

	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d: %+v", len(events), events)
	}
	if events[0].Type != v1.EventAgentMessage {
		t.Fatalf("expected leading text block closed before marker, got %s", events[0].Type)
	}
	if events[1].Type != v1.EventCommandExec || events[1].Message != "go build ./..." {
		t.Fatalf("unexpected command event: %+v", events[1])
	}
	if events[2].Type != v1.EventCommandOutput || events[2].Message != "ok" {
		t.Fatalf("unexpected output event: %+v", events[2])
	}
	if events[3].Type != v1.EventError || events[3].Message != "build failed on linux" {
		t.Fatalf("unexpected error event: %+v", events[3])
	}
}

func TestParser_ModeDetectionSkipsBlankLines(t *testing.T) {
	p := New()
	p.Feed("")
	p.Feed("   ")
	if p.Mode() != ModeUnknown {
		t.Fatalf("blank lines must not decide the mode")
	}
	p.Feed(`{"type":"message","text":"hi"}`)
	if p.Mode() != ModeStructured {
		t.Fatalf("expected structured mode after JSON line")
	}
}

func TestParser_FlushClosesPendingBlock(t *testing.T) {
	p := NewDegraded()
	if events := p.Feed("trailing text without newline group"); len(events) != 0 {
		t.Fatalf("expected no events before flush, got %+v", events)
	}
	events := p.Flush()
	if len(events) != 1 || events[0].Message != "trailing text without newline group" {
		t.Fatalf("expected flush to emit pending block, got %+v", events)
	}
	if again := p.Flush(); len(again) != 0 {
		t.Fatalf("second flush should be empty, got %+v", again)
	}
}
