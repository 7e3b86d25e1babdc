// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"axonflow/gateway/dispatch"
)

func TestCompletionRequestValidation(t *testing.T) {
	tests := []struct {
		name    string
		req     CompletionRequest
		wantErr string
	}{
		{
			name:    "empty prompt",
			req:     CompletionRequest{},
			wantErr: "prompt",
		},
		{
			name:    "whitespace prompt",
			req:     CompletionRequest{Prompt: "   "},
			wantErr: "prompt",
		},
		{
			name:    "negative max_tokens",
			req:     CompletionRequest{Prompt: "hi", MaxTokens: -1},
			wantErr: "max_tokens",
		},
		{
			name:    "temperature out of range",
			req:     CompletionRequest{Prompt: "hi", Temperature: f64(3)},
			wantErr: "temperature",
		},
		{
			name: "valid",
			req:  CompletionRequest{Prompt: "hi"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, dispatch.KindInvalidRequest, dispatch.KindOf(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func f64(v float64) *float64 { return &v }

func TestCompletionRequestDefaults(t *testing.T) {
	req := CompletionRequest{Prompt: "hello"}
	dreq, err := req.ToDispatch()
	require.NoError(t, err)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(dreq.Payload, &body))
	assert.Equal(t, "default", body["model"])
	assert.EqualValues(t, 1000, body["max_tokens"])
	assert.EqualValues(t, 0.7, body["temperature"])
}

func TestCompletionRequestPurity(t *testing.T) {
	greedy := CompletionRequest{Prompt: "hi", Temperature: f64(0)}
	dreq, err := greedy.ToDispatch()
	require.NoError(t, err)
	assert.True(t, dreq.Pure, "temperature 0 is replay-stable")
	assert.Equal(t, "default|greedy", dreq.BucketKey)

	sampled := CompletionRequest{Prompt: "hi", Temperature: f64(0.9)}
	dreq, err = sampled.ToDispatch()
	require.NoError(t, err)
	assert.False(t, dreq.Pure, "sampling is not replay-stable")
	assert.Equal(t, "default|mid", dreq.BucketKey)
}

func TestCompletionRequestAutoModel(t *testing.T) {
	req := CompletionRequest{Prompt: "debug this function please", Model: "auto"}
	dreq, err := req.ToDispatch()
	require.NoError(t, err)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(dreq.Payload, &body))
	assert.Equal(t, "code-specialist", body["model"])
}

func TestChatRequestValidation(t *testing.T) {
	valid := ChatRequest{Messages: []ChatMessage{{Role: "user", Content: "hi"}}}
	assert.NoError(t, valid.Validate())

	empty := ChatRequest{}
	assert.Error(t, empty.Validate())

	badRole := ChatRequest{Messages: []ChatMessage{{Role: "robot", Content: "hi"}}}
	err := badRole.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "messages[0].role")

	noContent := ChatRequest{Messages: []ChatMessage{{Role: "user"}}}
	err = noContent.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "messages[0].content")
}

func TestChatRequestNeverBatches(t *testing.T) {
	req := ChatRequest{Messages: []ChatMessage{{Role: "user", Content: "hi"}}}
	dreq, err := req.ToDispatch()
	require.NoError(t, err)
	assert.Empty(t, dreq.BucketKey)
	assert.Equal(t, dispatch.CapabilityLLMChat, dreq.Capability)
}

func TestVisionRequestValidation(t *testing.T) {
	neither := VisionRequest{}
	assert.Error(t, neither.Validate())

	both := VisionRequest{ImageURL: "http://x", ImageBase64: "aGk="}
	assert.Error(t, both.Validate())

	ok := VisionRequest{ImageURL: "http://x"}
	assert.NoError(t, ok.Validate())

	dreq, err := ok.ToDispatch()
	require.NoError(t, err)
	assert.True(t, dreq.Pure)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(dreq.Payload, &body))
	assert.Equal(t, "analyze", body["task"], "task should default")
}

func TestNLPRequestValidation(t *testing.T) {
	assert.Error(t, (&NLPRequest{Task: "sentiment"}).Validate())
	assert.Error(t, (&NLPRequest{Text: "hello"}).Validate())

	req := NLPRequest{Text: "hello", Task: "sentiment"}
	require.NoError(t, req.Validate())
	dreq, err := req.ToDispatch()
	require.NoError(t, err)
	assert.Equal(t, "sentiment", dreq.BucketKey, "same-task requests batch together")
}

func TestDataRequestValidation(t *testing.T) {
	assert.Error(t, (&DataRequest{Data: json.RawMessage(`[]`)}).Validate())
	assert.Error(t, (&DataRequest{Operation: "sum"}).Validate())

	req := DataRequest{Operation: "sum", Data: json.RawMessage(`[1,2]`)}
	require.NoError(t, req.Validate())
	dreq, err := req.ToDispatch()
	require.NoError(t, err)
	assert.Equal(t, dispatch.CapabilityDataProcess, dreq.Capability)
}

func TestTemperatureTier(t *testing.T) {
	assert.Equal(t, "greedy", temperatureTier(0))
	assert.Equal(t, "low", temperatureTier(0.3))
	assert.Equal(t, "mid", temperatureTier(0.7))
	assert.Equal(t, "high", temperatureTier(1.5))
}
