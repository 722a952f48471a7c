// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package streaming

import (
	"encoding/json"
	"strings"
)

// =============================================================================
// Framers
// =============================================================================

// Framer encodes stream events into transport frames. Implementations are
// stateless and safe for concurrent use.
type Framer interface {
	// Frame encodes one answer fragment.
	Frame(delta string) []byte
	// Error encodes a client-safe failure message.
	Error(message string) []byte
	// Terminal encodes the end-of-stream marker.
	Terminal() []byte
}

// SSEDoneMarker is the payload of the terminal SSE frame.
const SSEDoneMarker = "[DONE]"

// SSEFramer produces Server-Sent Events frames.
//
// # Description
//
// A fragment becomes "data: <fragment>\n\n". Fragments containing newlines
// are split into one data line per line so the blank-line frame separator
// can never appear inside a payload; SSE clients join the lines back with
// "\n". Errors use the "error" event type.
type SSEFramer struct{}

var _ Framer = SSEFramer{}

// Frame implements Framer.
func (SSEFramer) Frame(delta string) []byte {
	return sseData("", delta)
}

// Error implements Framer.
func (SSEFramer) Error(message string) []byte {
	return sseData("error", message)
}

// Terminal implements Framer.
func (SSEFramer) Terminal() []byte {
	return sseData("", SSEDoneMarker)
}

func sseData(event, payload string) []byte {
	var b strings.Builder
	if event != "" {
		b.WriteString("event: ")
		b.WriteString(event)
		b.WriteByte('\n')
	}
	payload = strings.ReplaceAll(payload, "\r\n", "\n")
	for _, line := range strings.Split(payload, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return []byte(b.String())
}

// JSONEvent is the frame produced by JSONFramer.
type JSONEvent struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// JSON event types.
const (
	JSONEventToken = "token"
	JSONEventError = "error"
	JSONEventDone  = "done"
)

// JSONFramer produces one JSON object per frame, for message-oriented
// transports such as websockets.
type JSONFramer struct{}

var _ Framer = JSONFramer{}

// Frame implements Framer.
func (JSONFramer) Frame(delta string) []byte {
	return mustJSON(JSONEvent{Type: JSONEventToken, Content: delta})
}

// Error implements Framer.
func (JSONFramer) Error(message string) []byte {
	return mustJSON(JSONEvent{Type: JSONEventError, Error: message})
}

// Terminal implements Framer.
func (JSONFramer) Terminal() []byte {
	return mustJSON(JSONEvent{Type: JSONEventDone})
}

// mustJSON never fails for JSONEvent, which holds only strings.
func mustJSON(ev JSONEvent) []byte {
	data, _ := json.Marshal(ev)
	return data
}
