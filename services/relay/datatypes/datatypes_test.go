// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackendRejectedError_Is(t *testing.T) {
	err := fmt.Errorf("execute: %w", &BackendRejectedError{StatusCode: 400, Body: []byte(`{"error":"bad node"}`)})

	assert.True(t, errors.Is(err, ErrBackendRejected))
	assert.False(t, errors.Is(err, ErrBackendUnavailable))

	var rejected *BackendRejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, 400, rejected.StatusCode)
	assert.JSONEq(t, `{"error":"bad node"}`, string(rejected.Details().(json.RawMessage)))
}

func TestBackendRejectedError_DetailsNonJSON(t *testing.T) {
	err := &BackendRejectedError{StatusCode: 500, Body: []byte("Internal Server Error")}
	assert.Equal(t, "Internal Server Error", err.Details())
	assert.Contains(t, err.Error(), "500")
}

func TestParseClientMessage(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"image","image":"aGVsbG8=","prompt":"a cat"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeImage, msg.Type)
	assert.Equal(t, "aGVsbG8=", msg.Image)
	assert.Equal(t, "a cat", msg.Prompt)

	unknown, err := ParseClientMessage([]byte(`{"type":"ping"}`))
	require.NoError(t, err)
	assert.Equal(t, MessageType("ping"), unknown.Type)
	assert.JSONEq(t, `{"type":"ping"}`, string(unknown.Raw))

	_, err = ParseClientMessage([]byte(`not json`))
	assert.Error(t, err)

	_, err = ParseClientMessage([]byte(`{"image":"x"}`))
	assert.Error(t, err)
}

func TestBackendEvent_RelaysUnknownVerbatim(t *testing.T) {
	frame := []byte(`{"type":"progress","data":{"value":3,"max":20,"extra":[1,2]}}`)
	evt, err := ParseBackendEvent(frame)
	require.NoError(t, err)
	assert.Equal(t, MessageType("progress"), evt.Type)

	out, err := json.Marshal(evt)
	require.NoError(t, err)
	assert.Equal(t, string(frame), string(out))

	_, ok := evt.Executed()
	assert.False(t, ok)
}

func TestBackendEvent_Executed(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  bool
	}{
		{"with output", `{"type":"executed","data":{"node":"9","prompt_id":"p1","output":{"images":[{"filename":"a.png"}]}}}`, true},
		{"null output", `{"type":"executed","data":{"node":"9","output":null}}`, false},
		{"missing output", `{"type":"executed","data":{"node":"9"}}`, false},
		{"no data", `{"type":"executed"}`, false},
		{"other type", `{"type":"executing","data":{"node":"9","output":{}}}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt, err := ParseBackendEvent([]byte(tt.frame))
			require.NoError(t, err)
			data, ok := evt.Executed()
			assert.Equal(t, tt.want, ok)
			if ok {
				assert.Equal(t, "9", data.Node)
				assert.Equal(t, "p1", data.PromptID)
			}
		})
	}
}

func TestMessageConstructors(t *testing.T) {
	b, err := json.Marshal(NewConnectionMessage(true))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"connection","status":"connected"}`, string(b))

	b, err = json.Marshal(NewConnectionMessage(false))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"connection","status":"disconnected"}`, string(b))

	b, err = json.Marshal(NewRefreshMessage(42, "", nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"refresh","timestamp":42}`, string(b))

	b, err = json.Marshal(NewImageMessage("aGk=", "dog", "/saved_images/x.png", 7))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"image","image":"aGk=","prompt":"dog","savedPath":"/saved_images/x.png","timestamp":7}`, string(b))
}

func TestSplitDataURL(t *testing.T) {
	mime, payload := SplitDataURL("data:image/png;base64,aGVsbG8=")
	assert.Equal(t, "image/png", mime)
	assert.Equal(t, "aGVsbG8=", payload)

	mime, payload = SplitDataURL("aGVsbG8=")
	assert.Empty(t, mime)
	assert.Equal(t, "aGVsbG8=", payload)
}

func TestDecodeImage(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"padded", "aGk=", "hi"},
		{"unpadded", "aGk", "hi"},
		{"data url", "data:image/png;base64,aGk=", "hi"},
		{"data url unpadded", "data:image/png;base64,aGk", "hi"},
		{"surrounding space", " aGk= \n", "hi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeImage(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}

	_, err := DecodeImage("not base64!")
	assert.Error(t, err)
}

func TestRequestValidation(t *testing.T) {
	t.Run("rename", func(t *testing.T) {
		assert.NoError(t, (&RenameRequest{OldPath: "a.json", NewPath: "b.json"}).Validate())
		err := (&RenameRequest{OldPath: "a.json", NewPath: "../b.json"}).Validate()
		assert.ErrorIs(t, err, ErrInvalidRequest)
		assert.Error(t, (&RenameRequest{OldPath: "", NewPath: "b"}).Validate())
		assert.Error(t, (&RenameRequest{OldPath: "a", NewPath: "sub/b"}).Validate())
	})
	t.Run("order", func(t *testing.T) {
		assert.NoError(t, (&OrderRequest{}).Validate())
		assert.NoError(t, (&OrderRequest{Order: []string{"a.json"}}).Validate())
		assert.Error(t, (&OrderRequest{Order: []string{""}}).Validate())
	})
	t.Run("settings", func(t *testing.T) {
		assert.Error(t, (&SettingsRequest{}).Validate())
		assert.NoError(t, (&SettingsRequest{ComfyUIPath: "/opt/ComfyUI"}).Validate())
	})
	t.Run("upload", func(t *testing.T) {
		assert.NoError(t, (&UploadRequest{Image: "aGk=", NodeID: "12"}).Validate())
		assert.NoError(t, (&UploadRequest{Image: "aGk="}).Validate())
		assert.Error(t, (&UploadRequest{NodeID: "12"}).Validate())
		assert.Error(t, (&UploadRequest{Image: "aGk=", NodeID: "../12"}).Validate())
	})
	t.Run("editor", func(t *testing.T) {
		assert.Error(t, (&EditorRequest{}).Validate())
	})
}
