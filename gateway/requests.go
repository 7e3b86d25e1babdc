// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"axonflow/gateway/dispatch"
)

// Capability request records. Validation is total: a missing, empty or
// out-of-range field yields an invalid_request error whose message starts
// with the field path, never a panic. A body that fails JSON decoding (bad
// syntax or a wrongly typed field) is rejected by the handler with one
// invalid_request error that names no field.

const (
	defaultModel       = "default"
	defaultMaxTokens   = 1000
	defaultTemperature = 0.7
)

// CompletionRequest is the body of POST /ai/llm/completion.
type CompletionRequest struct {
	Prompt      string   `json:"prompt"`
	Model       string   `json:"model,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

func (r *CompletionRequest) applyDefaults() {
	if r.Model == "" || r.Model == "auto" {
		r.Model = SelectModel(r.Prompt)
	}
	if r.MaxTokens == 0 {
		r.MaxTokens = defaultMaxTokens
	}
	if r.Temperature == nil {
		t := defaultTemperature
		r.Temperature = &t
	}
}

// Validate checks required fields and ranges.
func (r *CompletionRequest) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return dispatch.NewError(dispatch.KindInvalidRequest, "prompt: must not be empty")
	}
	if r.MaxTokens < 0 {
		return dispatch.NewError(dispatch.KindInvalidRequest, "max_tokens: must be positive")
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return dispatch.NewError(dispatch.KindInvalidRequest, "temperature: must be between 0 and 2")
	}
	return nil
}

// ToDispatch canonicalizes the request for the dispatch core. Greedy
// decoding (temperature 0) is replay-stable and therefore pure; sampling
// requests only coalesce when the caller opts in via allow_cache.
func (r CompletionRequest) ToDispatch() (dispatch.Request, error) {
	r.applyDefaults()
	payload, err := json.Marshal(r)
	if err != nil {
		return dispatch.Request{}, dispatch.WrapError(dispatch.KindInternal, "encode completion request", err)
	}
	return dispatch.Request{
		Capability: dispatch.CapabilityLLMCompletion,
		Payload:    payload,
		BucketKey:  fmt.Sprintf("%s|%s", r.Model, temperatureTier(*r.Temperature)),
		Pure:       *r.Temperature == 0,
	}, nil
}

// ChatMessage is one turn of a chat conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of POST /ai/llm/chat.
type ChatRequest struct {
	Messages    []ChatMessage `json:"messages"`
	Model       string        `json:"model,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

var validChatRoles = map[string]bool{
	"system":    true,
	"user":      true,
	"assistant": true,
}

// Validate checks the message list and parameter ranges.
func (r *ChatRequest) Validate() error {
	if len(r.Messages) == 0 {
		return dispatch.NewError(dispatch.KindInvalidRequest, "messages: must not be empty")
	}
	for i, m := range r.Messages {
		if !validChatRoles[m.Role] {
			return dispatch.Errorf(dispatch.KindInvalidRequest,
				"messages[%d].role: must be one of system, user, assistant", i)
		}
		if m.Content == "" {
			return dispatch.Errorf(dispatch.KindInvalidRequest, "messages[%d].content: must not be empty", i)
		}
	}
	if r.MaxTokens < 0 {
		return dispatch.NewError(dispatch.KindInvalidRequest, "max_tokens: must be positive")
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return dispatch.NewError(dispatch.KindInvalidRequest, "temperature: must be between 0 and 2")
	}
	return nil
}

// ToDispatch canonicalizes the chat request. Chat is never batched: turns
// are conversational and latency-sensitive.
func (r ChatRequest) ToDispatch() (dispatch.Request, error) {
	if r.Model == "" {
		r.Model = defaultModel
	}
	if r.MaxTokens == 0 {
		r.MaxTokens = defaultMaxTokens
	}
	if r.Temperature == nil {
		t := defaultTemperature
		r.Temperature = &t
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return dispatch.Request{}, dispatch.WrapError(dispatch.KindInternal, "encode chat request", err)
	}
	return dispatch.Request{
		Capability: dispatch.CapabilityLLMChat,
		Payload:    payload,
		Pure:       *r.Temperature == 0,
	}, nil
}

// VisionRequest is the body of POST /ai/vision/analyze.
type VisionRequest struct {
	ImageURL    string                 `json:"image_url,omitempty"`
	ImageBase64 string                 `json:"image_base64,omitempty"`
	Task        string                 `json:"task,omitempty"`
	Options     map[string]interface{} `json:"options,omitempty"`
}

// Validate requires exactly one image source.
func (r *VisionRequest) Validate() error {
	if r.ImageURL == "" && r.ImageBase64 == "" {
		return dispatch.NewError(dispatch.KindInvalidRequest, "image_url: one of image_url or image_base64 is required")
	}
	if r.ImageURL != "" && r.ImageBase64 != "" {
		return dispatch.NewError(dispatch.KindInvalidRequest, "image_url: only one of image_url or image_base64 may be set")
	}
	return nil
}

// ToDispatch canonicalizes the vision request. Analysis of a fixed image
// is replay-stable.
func (r VisionRequest) ToDispatch() (dispatch.Request, error) {
	if r.Task == "" {
		r.Task = "analyze"
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return dispatch.Request{}, dispatch.WrapError(dispatch.KindInternal, "encode vision request", err)
	}
	return dispatch.Request{
		Capability: dispatch.CapabilityVisionAnalyze,
		Payload:    payload,
		Pure:       true,
	}, nil
}

// NLPRequest is the body of POST /ai/nlp/process.
type NLPRequest struct {
	Text string `json:"text"`
	Task string `json:"task"`
}

// Validate requires both text and task.
func (r *NLPRequest) Validate() error {
	if strings.TrimSpace(r.Text) == "" {
		return dispatch.NewError(dispatch.KindInvalidRequest, "text: must not be empty")
	}
	if r.Task == "" {
		return dispatch.NewError(dispatch.KindInvalidRequest, "task: must not be empty")
	}
	return nil
}

// ToDispatch canonicalizes the NLP request. Requests sharing a task batch
// together.
func (r NLPRequest) ToDispatch() (dispatch.Request, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return dispatch.Request{}, dispatch.WrapError(dispatch.KindInternal, "encode nlp request", err)
	}
	return dispatch.Request{
		Capability: dispatch.CapabilityNLPAnalyze,
		Payload:    payload,
		BucketKey:  r.Task,
		Pure:       true,
	}, nil
}

// DataRequest is the body of POST /data/process.
type DataRequest struct {
	Operation string                 `json:"operation"`
	Data      json.RawMessage        `json:"data"`
	Options   map[string]interface{} `json:"options,omitempty"`
}

// Validate requires an operation and a data payload.
func (r *DataRequest) Validate() error {
	if r.Operation == "" {
		return dispatch.NewError(dispatch.KindInvalidRequest, "operation: must not be empty")
	}
	if len(r.Data) == 0 {
		return dispatch.NewError(dispatch.KindInvalidRequest, "data: must not be empty")
	}
	return nil
}

// ToDispatch canonicalizes the data request. Data transforms are
// deterministic over their input.
func (r DataRequest) ToDispatch() (dispatch.Request, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return dispatch.Request{}, dispatch.WrapError(dispatch.KindInternal, "encode data request", err)
	}
	return dispatch.Request{
		Capability: dispatch.CapabilityDataProcess,
		Payload:    payload,
		Pure:       true,
	}, nil
}

// temperatureTier buckets a sampling temperature for batch compatibility:
// requests in the same tier may share one batched backend call.
func temperatureTier(t float64) string {
	switch {
	case t == 0:
		return "greedy"
	case t <= 0.5:
		return "low"
	case t <= 1:
		return "mid"
	default:
		return "high"
	}
}
