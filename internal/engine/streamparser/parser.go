// Package streamparser turns an agent backend's stdout into typed
// events. Backends that honor the line-JSON contract are parsed in
// structured mode; everything else falls back to degraded mode, where
// plain text is grouped into message blocks with a few marker prefixes
// as type hints. The parser never aborts on bad input.
package streamparser

import (
	"encoding/json"
	"strings"

	v1 "github.com/agentflow/agentflow/pkg/api/v1"
)

// ParsedEvent is one typed event extracted from the agent stream.
type ParsedEvent struct {
	Type    v1.EventType
	Message string
	Payload map[string]any
}

// Mode identifies how the parser is interpreting the stream.
type Mode string

const (
	// ModeUnknown means no line has been classified yet.
	ModeUnknown Mode = "unknown"
	// ModeStructured means the stream is line-delimited JSON.
	ModeStructured Mode = "structured"
	// ModeDegraded means the stream is plain text.
	ModeDegraded Mode = "degraded"
)

// Degraded-mode marker prefixes.
const (
	markerCommand = "$ "
	markerOutput  = "> "
	markerError   = "! "
)

// Parser is a stateful line parser for one agent invocation.
// It is not safe for concurrent use.
type Parser struct {
	mode Mode

	// block accumulates consecutive plain-text lines in degraded mode.
	block []string
}

// New creates a parser that detects the stream mode from the first
// non-empty line.
func New() *Parser {
	return &Parser{mode: ModeUnknown}
}

// NewDegraded creates a parser pinned to degraded mode, for backends
// known not to emit structured output.
func NewDegraded() *Parser {
	return &Parser{mode: ModeDegraded}
}

// Mode returns the current parsing mode.
func (p *Parser) Mode() Mode {
	return p.mode
}

// Feed consumes one line and returns zero or more events. A line may
// close a pending text block and open a new one, so more than one
// event can come back.
func (p *Parser) Feed(line string) []ParsedEvent {
	line = strings.TrimRight(line, "\r\n")

	if p.mode == ModeUnknown {
		if strings.TrimSpace(line) == "" {
			return nil
		}
		if looksStructured(line) {
			p.mode = ModeStructured
		} else {
			p.mode = ModeDegraded
		}
	}

	if p.mode == ModeStructured {
		return p.feedStructured(line)
	}
	return p.feedDegraded(line)
}

// Flush closes any pending degraded-mode text block. Call it after the
// stream ends.
func (p *Parser) Flush() []ParsedEvent {
	if ev, ok := p.closeBlock(); ok {
		return []ParsedEvent{ev}
	}
	return nil
}

func (p *Parser) feedStructured(line string) []ParsedEvent {
	if strings.TrimSpace(line) == "" {
		return nil
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return []ParsedEvent{{
			Type:    v1.EventWarning,
			Message: "malformed stream line",
			Payload: map[string]any{"line": truncate(line, 512)},
		}}
	}

	typ, _ := raw["type"].(string)
	msg := extractMessage(raw)
	delete(raw, "type")

	ev := ParsedEvent{Type: mapEventType(typ), Message: msg}
	if len(raw) > 0 {
		ev.Payload = raw
	}
	if ev.Type == v1.EventAgentMessage && typ != "" && !isKnownType(typ) {
		if ev.Payload == nil {
			ev.Payload = map[string]any{}
		}
		ev.Payload["raw_type"] = typ
	}
	return []ParsedEvent{ev}
}

func (p *Parser) feedDegraded(line string) []ParsedEvent {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		if ev, ok := p.closeBlock(); ok {
			return []ParsedEvent{ev}
		}
		return nil
	}

	if typ, rest, ok := markerType(line); ok {
		var events []ParsedEvent
		if ev, closed := p.closeBlock(); closed {
			events = append(events, ev)
		}
		events = append(events, ParsedEvent{Type: typ, Message: rest})
		return events
	}

	p.block = append(p.block, line)
	return nil
}

func (p *Parser) closeBlock() (ParsedEvent, bool) {
	if len(p.block) == 0 {
		return ParsedEvent{}, false
	}
	msg := strings.Join(p.block, "\n")
	p.block = nil
	return ParsedEvent{Type: v1.EventAgentMessage, Message: msg}, true
}

func markerType(line string) (v1.EventType, string, bool) {
	switch {
	case strings.HasPrefix(line, markerCommand):
		return v1.EventCommandExec, strings.TrimPrefix(line, markerCommand), true
	case strings.HasPrefix(line, markerOutput):
		return v1.EventCommandOutput, strings.TrimPrefix(line, markerOutput), true
	case strings.HasPrefix(line, markerError):
		return v1.EventError, strings.TrimPrefix(line, markerError), true
	}
	return "", "", false
}

// looksStructured reports whether a line is a JSON object.
func looksStructured(line string) bool {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return false
	}
	var raw map[string]any
	return json.Unmarshal([]byte(trimmed), &raw) == nil
}

func mapEventType(typ string) v1.EventType {
	switch typ {
	case "message", "assistant", "agent-message", "text":
		return v1.EventAgentMessage
	case "tool_use", "tool-invocation", "tool":
		return v1.EventToolInvocation
	case "command", "command-exec":
		return v1.EventCommandExec
	case "command_output", "command-output":
		return v1.EventCommandOutput
	case "error":
		return v1.EventError
	case "warning":
		return v1.EventWarning
	default:
		return v1.EventAgentMessage
	}
}

func isKnownType(typ string) bool {
	return mapEventType(typ) != v1.EventAgentMessage ||
		typ == "message" || typ == "assistant" || typ == "agent-message" || typ == "text"
}

// extractMessage pulls a human-readable message out of a structured
// line, trying the common field names backends use.
func extractMessage(raw map[string]any) string {
	for _, key := range []string{"message", "text", "content"} {
		if s, ok := raw[key].(string); ok && s != "" {
			delete(raw, key)
			return s
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
