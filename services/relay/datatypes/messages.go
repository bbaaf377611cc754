// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the relay's wire messages, request bodies and
// error taxonomy.
//
// Client channel messages are a tagged union keyed by "type". Messages the
// relay produces itself (image, connection, refresh) are typed structs.
// Backend events are kept as BackendEvent, which decodes the envelope but
// re-emits the original bytes unchanged, so unknown backend event kinds are
// relayed without loss.
package datatypes

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// MessageType is the discriminator of the client channel union.
type MessageType string

const (
	// TypeImage carries a base64 image, its prompt and the saved path.
	TypeImage MessageType = "image"

	// TypeConnection reports backend connectivity.
	TypeConnection MessageType = "connection"

	// TypeRefresh nudges clients to reload artifact listings.
	TypeRefresh MessageType = "refresh"

	// TypeExecuted is the backend event emitted when a node produced output.
	TypeExecuted MessageType = "executed"
)

// ConnectionStatus values carried by ConnectionMessage.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// =============================================================================
// Client -> Relay
// =============================================================================

// ClientMessage is a decoded message received from a client.
//
// Only Type is guaranteed; Image and Prompt are populated for TypeImage.
// Raw keeps the original bytes for logging unknown kinds.
type ClientMessage struct {
	Type   MessageType     `json:"type"`
	Image  string          `json:"image,omitempty"`
	Prompt string          `json:"prompt,omitempty"`
	Raw    json.RawMessage `json:"-"`
}

// ParseClientMessage decodes a client frame.
//
// # Outputs
//
//   - ClientMessage: The decoded message. Unknown types are returned as-is
//     so the caller can decide to ignore them.
//   - error: Non-nil when data is not a JSON object with a string "type".
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("decode client message: %w", err)
	}
	if msg.Type == "" {
		return ClientMessage{}, fmt.Errorf("decode client message: missing type")
	}
	msg.Raw = append(json.RawMessage(nil), data...)
	return msg, nil
}

// =============================================================================
// Relay -> Client
// =============================================================================

// ImageMessage announces a saved image to every client.
type ImageMessage struct {
	Type      MessageType `json:"type"`
	Image     string      `json:"image"`
	Prompt    string      `json:"prompt"`
	SavedPath string      `json:"savedPath,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// NewImageMessage builds an ImageMessage stamped with ts (Unix millis).
func NewImageMessage(image, prompt, savedPath string, ts int64) ImageMessage {
	return ImageMessage{
		Type:      TypeImage,
		Image:     image,
		Prompt:    prompt,
		SavedPath: savedPath,
		Timestamp: ts,
	}
}

// ConnectionMessage reports backend connectivity.
type ConnectionMessage struct {
	Type   MessageType `json:"type"`
	Status string      `json:"status"`
}

// NewConnectionMessage returns the message for the given state.
func NewConnectionMessage(connected bool) ConnectionMessage {
	status := StatusDisconnected
	if connected {
		status = StatusConnected
	}
	return ConnectionMessage{Type: TypeConnection, Status: status}
}

// RefreshMessage asks clients to reload artifact listings. Files lists new
// backend output files when the nudge came from the output watcher.
type RefreshMessage struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
	Source    string      `json:"source,omitempty"`
	Files     []string    `json:"files,omitempty"`
}

// NewRefreshMessage builds a RefreshMessage stamped with ts (Unix millis).
func NewRefreshMessage(ts int64, source string, files []string) RefreshMessage {
	return RefreshMessage{Type: TypeRefresh, Timestamp: ts, Source: source, Files: files}
}

// =============================================================================
// Backend -> Relay
// =============================================================================

// BackendEvent is one backend event-channel frame.
//
// Type and Data are decoded for routing decisions; MarshalJSON returns the
// frame exactly as received.
type BackendEvent struct {
	Type MessageType
	Data json.RawMessage
	raw  json.RawMessage
}

// ExecutedData is the payload of an "executed" event.
type ExecutedData struct {
	Node     string          `json:"node"`
	PromptID string          `json:"prompt_id"`
	Output   json.RawMessage `json:"output"`
}

// ParseBackendEvent decodes a backend frame.
func ParseBackendEvent(data []byte) (BackendEvent, error) {
	var envelope struct {
		Type MessageType     `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return BackendEvent{}, fmt.Errorf("decode backend event: %w", err)
	}
	return BackendEvent{
		Type: envelope.Type,
		Data: envelope.Data,
		raw:  append(json.RawMessage(nil), data...),
	}, nil
}

// MarshalJSON re-emits the original frame.
func (e BackendEvent) MarshalJSON() ([]byte, error) {
	if len(e.raw) > 0 {
		return e.raw, nil
	}
	return json.Marshal(struct {
		Type MessageType     `json:"type"`
		Data json.RawMessage `json:"data,omitempty"`
	}{e.Type, e.Data})
}

// Executed returns the executed payload when the event is an "executed"
// event whose output is present and non-null.
func (e BackendEvent) Executed() (ExecutedData, bool) {
	if e.Type != TypeExecuted || len(e.Data) == 0 {
		return ExecutedData{}, false
	}
	var data ExecutedData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return ExecutedData{}, false
	}
	out := bytes.TrimSpace(data.Output)
	if len(out) == 0 || bytes.Equal(out, []byte("null")) {
		return ExecutedData{}, false
	}
	return data, true
}

// =============================================================================
// Helpers
// =============================================================================

// SplitDataURL strips a "data:<mime>;base64," prefix and returns the mime
// type (empty when absent) and the base64 payload.
func SplitDataURL(s string) (mime, payload string) {
	if !strings.HasPrefix(s, "data:") {
		return "", s
	}
	comma := strings.IndexByte(s, ',')
	if comma < 0 {
		return "", s
	}
	header := strings.TrimPrefix(s[:comma], "data:")
	mime, _, _ = strings.Cut(header, ";")
	return mime, s[comma+1:]
}

// DecodeImage strips an optional data URL prefix and decodes the base64
// payload, padded or not.
func DecodeImage(s string) ([]byte, error) {
	_, payload := SplitDataURL(s)
	payload = strings.TrimSpace(payload)
	data, err := base64.StdEncoding.DecodeString(payload)
	if err == nil {
		return data, nil
	}
	if raw, rawErr := base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "=")); rawErr == nil {
		return raw, nil
	}
	return nil, err
}

func asJSON(b []byte) (json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return nil, false
	}
	return json.RawMessage(trimmed), true
}
