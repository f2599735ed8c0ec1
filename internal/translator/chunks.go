// Package translator converts the upstream delta stream into
// OpenAI-shaped chat-completion chunks, including the stateful
// reasoning/answer split for thinking models.
package translator

import (
	"sync"

	"github.com/newhackerman/tenbin2api/internal/json"
)

// EventType discriminates the chunks a stream produces.
type EventType string

const (
	EventTypeRole      EventType = "role"
	EventTypeReasoning EventType = "reasoning"
	EventTypeContent   EventType = "content"
	EventTypeFinish    EventType = "finish"
	EventTypeError     EventType = "error"
)

// Chunk is one unit of translated output. Exactly one of Text/Err is
// meaningful depending on Type.
type Chunk struct {
	Type EventType
	Text string
	Err  error
}

// -----------------------------------------------------------------------------
// OpenAI wire shapes
// -----------------------------------------------------------------------------

// StreamDelta is the delta object inside a chat.completion.chunk.
type StreamDelta struct {
	Role             string `json:"role,omitempty"`
	Content          string `json:"content,omitempty"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// StreamChoice is one choice of a streaming chunk.
type StreamChoice struct {
	Index        int         `json:"index"`
	Delta        StreamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason,omitempty"`
}

// StreamChunk is the wire shape of one SSE data event.
type StreamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
}

var finishReasonStop = "stop"

// Pool for stream chunks; chunk building is the per-token hot path.
var streamChunkPool = sync.Pool{
	New: func() any {
		return &StreamChunk{
			Object:  "chat.completion.chunk",
			Choices: make([]StreamChoice, 1),
		}
	},
}

func getStreamChunk(id, model string, created int64) *StreamChunk {
	c := streamChunkPool.Get().(*StreamChunk)
	c.ID = id
	c.Model = model
	c.Created = created
	c.Choices[0] = StreamChoice{}
	return c
}

func putStreamChunk(c *StreamChunk) {
	streamChunkPool.Put(c)
}

// BuildSSEEvent frames a JSON payload as one SSE data event.
func BuildSSEEvent(payload []byte) []byte {
	buf := make([]byte, 0, len(payload)+8)
	buf = append(buf, "data: "...)
	buf = append(buf, payload...)
	buf = append(buf, '\n', '\n')
	return buf
}

// DoneSSE is the explicit end-of-stream marker.
var DoneSSE = []byte("data: [DONE]\n\n")

// Encoder renders chunks for one stream: the id and created timestamp
// are fixed at stream start and stamped onto every event.
type Encoder struct {
	ID      string
	Model   string
	Created int64
}

// Encode renders one translated chunk as an SSE data event. Error
// chunks use the OpenAI error envelope instead of a completion chunk so
// client-side stream parsers surface them cleanly.
func (e *Encoder) Encode(chunk Chunk) []byte {
	if chunk.Type == EventTypeError {
		payload, _ := json.Marshal(map[string]any{
			"error": map[string]any{
				"message": chunk.Err.Error(),
				"type":    "tenbin_api_error",
			},
		})
		return BuildSSEEvent(payload)
	}

	c := getStreamChunk(e.ID, e.Model, e.Created)
	defer putStreamChunk(c)

	switch chunk.Type {
	case EventTypeRole:
		c.Choices[0].Delta.Role = "assistant"
	case EventTypeReasoning:
		c.Choices[0].Delta.ReasoningContent = chunk.Text
	case EventTypeContent:
		c.Choices[0].Delta.Content = chunk.Text
	case EventTypeFinish:
		c.Choices[0].FinishReason = &finishReasonStop
	}

	payload, _ := json.Marshal(c)
	return BuildSSEEvent(payload)
}
