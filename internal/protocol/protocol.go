// Package protocol defines the JSON messages exchanged over the
// WebSocket connection.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Inbound message types.
const (
	TypeQuery  = "query"
	TypeStatus = "status"
)

// Outbound message types.
const (
	TypeError       = "error"
	TypeStreamStart = "stream_start"
	TypeStreamChunk = "stream_chunk"
	TypeStreamEnd   = "stream_end"
)

// Status values carried by a status reply.
const (
	StatusReady    = "ready"
	StatusIndexing = "indexing"
	StatusNotReady = "not_ready"
)

// Inbound is a decoded client message. Question and Index are only
// meaningful for queries.
type Inbound struct {
	Type     string `json:"type"`
	Question string `json:"question,omitempty"`
	Index    string `json:"index,omitempty"`
}

// ParseInbound decodes one client frame.
func ParseInbound(data []byte) (Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return Inbound{}, fmt.Errorf("decoding message: %w", err)
	}
	return msg, nil
}

// StreamStart opens the answer stream for one query.
type StreamStart struct {
	Type string `json:"type"`
}

// StreamChunk carries one answer fragment.
type StreamChunk struct {
	Type  string `json:"type"`
	Chunk string `json:"chunk"`
}

// StreamEnd closes the stream. Sources is always present, possibly empty.
type StreamEnd struct {
	Type    string   `json:"type"`
	Sources []string `json:"sources"`
}

// Error reports a failure; the connection stays open.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Status answers a status request.
type Status struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func NewStreamStart() StreamStart {
	return StreamStart{Type: TypeStreamStart}
}

func NewStreamChunk(chunk string) StreamChunk {
	return StreamChunk{Type: TypeStreamChunk, Chunk: chunk}
}

// NewStreamEnd never leaves Sources nil so clients always see an array.
func NewStreamEnd(sources []string) StreamEnd {
	if sources == nil {
		sources = []string{}
	}
	return StreamEnd{Type: TypeStreamEnd, Sources: sources}
}

func NewError(message string) Error {
	return Error{Type: TypeError, Message: message}
}

func NewStatus(status, message string) Status {
	return Status{Type: TypeStatus, Status: status, Message: message}
}
