// Package openai holds the public request/response shapes of the
// OpenAI-compatible surface and the prompt linearization that feeds the
// upstream single-string protocol.
package openai

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/newhackerman/tenbin2api/internal/json"
)

// MessageContent is the "string or list of typed parts" union from the
// OpenAI schema, resolved at decode time into a tagged variant.
type MessageContent struct {
	Text        string
	Parts       []ContentPart
	IsMultiPart bool
}

// ContentPart is one element of multimodal message content. Only text
// parts feed prompt construction; image parts are carried as an
// extension point for future upstream multimodal support.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL is the image reference of an image_url content part.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// UnmarshalJSON accepts both content encodings.
func (mc *MessageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		mc.Text = s
		mc.IsMultiPart = false
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err == nil {
		mc.Parts = parts
		mc.IsMultiPart = true
		return nil
	}
	return fmt.Errorf("content must be a string or an array of content parts")
}

// MarshalJSON restores the original encoding.
func (mc MessageContent) MarshalJSON() ([]byte, error) {
	if mc.IsMultiPart {
		return json.Marshal(mc.Parts)
	}
	return json.Marshal(mc.Text)
}

// ChatMessage is one turn of the conversation.
type ChatMessage struct {
	Role             string         `json:"role"`
	Content          MessageContent `json:"content"`
	ReasoningContent *string        `json:"reasoning_content,omitempty"`
}

// ChatCompletionRequest is the POST /v1/chat/completions body. Sampling
// parameters are accepted for client compatibility but not forwarded;
// the upstream protocol takes only prompt and model.
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
}

// ModelInfo is one entry of the model list.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the GET /models payload.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// NewModelList builds the list payload from public model names.
func NewModelList(names []string) ModelList {
	now := time.Now().Unix()
	list := ModelList{Object: "list", Data: make([]ModelInfo, 0, len(names))}
	for _, name := range names {
		list.Data = append(list.Data, ModelInfo{
			ID:      name,
			Object:  "model",
			Created: now,
			OwnedBy: "tenbin",
		})
	}
	return list
}

// CompletionMessage is the assistant message of a buffered response.
type CompletionMessage struct {
	Role             string  `json:"role"`
	Content          string  `json:"content"`
	ReasoningContent *string `json:"reasoning_content,omitempty"`
}

// CompletionChoice wraps the message with finish metadata.
type CompletionChoice struct {
	Index        int               `json:"index"`
	Message      CompletionMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

// Usage is reported zero-filled: the upstream exposes no token
// accounting on the conversation stream.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionResponse is the buffered (non-streaming) response body.
type ChatCompletionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   Usage              `json:"usage"`
}

// NewCompletionID returns a fresh chatcmpl identifier.
func NewCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewChatCompletionResponse assembles a buffered response around one
// assistant message.
func NewChatCompletionResponse(model, content string, reasoning *string) ChatCompletionResponse {
	return ChatCompletionResponse{
		ID:      NewCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []CompletionChoice{{
			Message: CompletionMessage{
				Role:             "assistant",
				Content:          content,
				ReasoningContent: reasoning,
			},
			FinishReason: "stop",
		}},
	}
}

// ErrorResponse is the OpenAI error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the message and classification of an error.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code,omitempty"`
}

// NewErrorResponse builds the envelope.
func NewErrorResponse(message, errType string, code int) ErrorResponse {
	return ErrorResponse{Error: ErrorDetail{Message: message, Type: errType, Code: code}}
}
