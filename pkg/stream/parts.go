// Package stream implements the Vercel AI data-stream protocol used by the
// frontend: every emission is one SSE message `data: <compact-json>\n\n`,
// heartbeats are comment lines, and the stream ends with a literal
// `data: [DONE]` trailer.
package stream

import (
	"encoding/json"
	"fmt"
)

// Ping is the SSE comment heartbeat emitted when a stream is idle.
const Ping = ": ping\n\n"

// Done is the literal stream trailer.
const Done = "data: [DONE]\n\n"

// Part is one protocol message. Keys vary by type, so parts are free-form
// maps marshalled compactly.
type Part map[string]any

// FormatSSE renders a part as a single SSE data message.
func FormatSSE(p Part) string {
	payload, err := json.Marshal(p)
	if err != nil {
		// Parts are built from plain strings and JSON-safe values; a marshal
		// failure means a programming error upstream.
		payload, _ = json.Marshal(Part{"type": "error", "errorText": err.Error()})
	}
	return fmt.Sprintf("data: %s\n\n", payload)
}

func StartPart(messageID string) Part {
	return Part{"type": "start", "messageId": messageID}
}

func TextStartPart(id string) Part {
	return Part{"type": "text-start", "id": id}
}

func TextDeltaPart(id, delta string) Part {
	return Part{"type": "text-delta", "id": id, "delta": delta}
}

func TextEndPart(id string) Part {
	return Part{"type": "text-end", "id": id}
}

func ReasoningStartPart(id string) Part {
	return Part{"type": "reasoning-start", "id": id}
}

func ReasoningDeltaPart(id, delta string) Part {
	return Part{"type": "reasoning-delta", "id": id, "delta": delta}
}

func ReasoningEndPart(id string) Part {
	return Part{"type": "reasoning-end", "id": id}
}

func SourceURLPart(sourceID, url string) Part {
	return Part{"type": "source-url", "sourceId": sourceID, "url": url}
}

func SourceDocumentPart(sourceID, mediaType, title string) Part {
	p := Part{"type": "source-document", "sourceId": sourceID, "mediaType": mediaType}
	if title != "" {
		p["title"] = title
	}
	return p
}

func FilePart(url, mediaType string) Part {
	return Part{"type": "file", "url": url, "mediaType": mediaType}
}

// DataPart wraps a structured payload; the wire type is "data-<dataType>".
func DataPart(dataType string, data any) Part {
	return Part{"type": "data-" + dataType, "data": data}
}

func ErrorPart(errorText string) Part {
	return Part{"type": "error", "errorText": errorText}
}

func ToolInputStartPart(toolCallID, toolName string) Part {
	return Part{"type": "tool-input-start", "toolCallId": toolCallID, "toolName": toolName}
}

func ToolInputDeltaPart(toolCallID, delta string) Part {
	return Part{"type": "tool-input-delta", "toolCallId": toolCallID, "inputTextDelta": delta}
}

func ToolInputAvailablePart(toolCallID, toolName string, input any) Part {
	return Part{"type": "tool-input-available", "toolCallId": toolCallID, "toolName": toolName, "input": input}
}

func ToolOutputAvailablePart(toolCallID string, output any) Part {
	return Part{"type": "tool-output-available", "toolCallId": toolCallID, "output": output}
}

func StartStepPart() Part {
	return Part{"type": "start-step"}
}

func FinishStepPart() Part {
	return Part{"type": "finish-step"}
}

func FinishPart(messageMetadata map[string]any) Part {
	if len(messageMetadata) > 0 {
		return Part{"type": "finish", "messageMetadata": messageMetadata}
	}
	return Part{"type": "finish"}
}

func AbortPart(reason string) Part {
	if reason == "" {
		reason = "stream aborted"
	}
	return Part{"type": "abort", "reason": reason}
}
