// Package translate maps raw agent CLI output lines onto the unified event
// protocol. Translation is stateless: one physical line in, at most one
// primary event (plus one side-channel event) out. Merging streaming
// fragments into logical messages is the consumer's job.
package translate

import (
	"encoding/json"
	"strings"

	"github.com/agentdeck/agentdeck/pkg/models"
)

// maxErrorLen bounds the text carried by a parse-failure error event so a
// garbage line cannot balloon the stream.
const maxErrorLen = 256

// filesMarker introduces the worker CLI's embedded file-change summary.
const filesMarker = "@@files "

// streamEvent is the orchestrator CLI's stream-json line shape.
type streamEvent struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Role      string          `json:"role,omitempty"`
	Content   []contentBlock  `json:"content,omitempty"`
	Output    string          `json:"output,omitempty"`
	Status    string          `json:"status,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ExitCode  *int            `json:"exit_code,omitempty"`
}

// contentBlock is one block inside an orchestrator message line.
type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Translate converts one raw output line into zero, one or two events.
// Malformed or unknown lines are dropped silently, except an orchestrator
// parse failure after the protocol handshake, which yields a bounded error
// event. Returned events carry only kind and payload; identity and
// sequencing are stamped by the publisher.
func Translate(kind models.ProcessKind, raw string, afterHandshake bool) []models.Event {
	line := strings.TrimSpace(raw)
	if line == "" {
		return nil
	}

	switch kind {
	case models.KindOrchestrator:
		return translateOrchestrator(line, afterHandshake)
	case models.KindWorker:
		return translateWorker(line)
	default:
		return nil
	}
}

// IsHandshake reports whether the events contain the protocol handshake.
func IsHandshake(events []models.Event) bool {
	for _, e := range events {
		if e.Kind == models.EventStarted {
			return true
		}
	}
	return false
}

func translateOrchestrator(line string, afterHandshake bool) []models.Event {
	var ev streamEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		if !afterHandshake {
			// External CLIs are not guaranteed well-formed; banners and
			// warnings before the handshake are noise.
			return nil
		}
		return []models.Event{{
			Kind:    models.EventError,
			Payload: models.EventPayload{Reason: "parse_failure", Text: truncate(line, maxErrorLen)},
		}}
	}

	switch ev.Type {
	case "init", "system":
		return []models.Event{{
			Kind:    models.EventStarted,
			Payload: models.EventPayload{Text: ev.SessionID},
		}}

	case "message", "assistant":
		return translateMessage(&ev)

	case "tool_use":
		return []models.Event{{
			Kind:    models.EventToolRequest,
			Payload: models.EventPayload{Tool: ev.Name, Input: string(ev.Input)},
		}}

	case "tool_result":
		return []models.Event{{
			Kind:    models.EventToolResult,
			Payload: models.EventPayload{Tool: ev.Name, Output: ev.Output},
		}}

	case "result":
		return []models.Event{{
			Kind:    models.EventCompleted,
			Payload: models.EventPayload{Reason: ev.Status, ExitCode: ev.ExitCode},
		}}

	case "error":
		return []models.Event{{
			Kind:    models.EventError,
			Payload: models.EventPayload{Text: truncate(ev.Output, maxErrorLen)},
		}}

	default:
		return nil
	}
}

// translateMessage flattens a message line: joined text blocks become the
// primary stream event; a tool_use block yields an additional tool.request
// event alongside it, never replacing it.
func translateMessage(ev *streamEvent) []models.Event {
	var text strings.Builder
	var tool *contentBlock

	for i, block := range ev.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				text.WriteString(block.Text)
			}
		case "tool_use":
			if tool == nil {
				tool = &ev.Content[i]
			}
		}
	}

	var events []models.Event
	if text.Len() > 0 {
		events = append(events, models.Event{
			Kind:    models.EventStream,
			Payload: models.EventPayload{Text: text.String()},
		})
	}
	if tool != nil {
		events = append(events, models.Event{
			Kind:    models.EventToolRequest,
			Payload: models.EventPayload{Tool: tool.Name, Input: string(tool.Input)},
		})
	}
	return events
}

// translateWorker handles the worker CLI's plain-text protocol. A line may
// embed a file-change summary after the @@files marker; that summary is
// emitted as an additional tool.result event alongside the primary stream
// event.
func translateWorker(line string) []models.Event {
	idx := strings.Index(line, filesMarker)
	if idx < 0 {
		return []models.Event{{
			Kind:    models.EventStream,
			Payload: models.EventPayload{Text: line},
		}}
	}

	var files []models.FileChange
	if err := json.Unmarshal([]byte(line[idx+len(filesMarker):]), &files); err != nil {
		// Not a well-formed summary after all; pass the whole line through.
		return []models.Event{{
			Kind:    models.EventStream,
			Payload: models.EventPayload{Text: line},
		}}
	}

	events := []models.Event{{
		Kind:    models.EventStream,
		Payload: models.EventPayload{Text: strings.TrimSpace(line[:idx])},
	}}
	events = append(events, models.Event{
		Kind:    models.EventToolResult,
		Payload: models.EventPayload{Tool: "file_change", Files: files},
	})
	return events
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
