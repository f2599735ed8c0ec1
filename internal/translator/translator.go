package translator

import (
	"errors"
	"io"

	"github.com/newhackerman/tenbin2api/internal/upstream"
)

// Translator drives one upstream frame stream to completion, emitting
// OpenAI-ordered chunks. One Translator serves exactly one stream.
type Translator struct {
	thinking bool
	splitter thinkingSplitter
}

// New returns a translator for one stream. thinking enables the
// reasoning/answer split state machine; non-thinking models pass every
// delta straight through as content.
func New(thinking bool) *Translator {
	return &Translator{thinking: thinking}
}

// Stream consumes frames until the upstream finishes and calls emit for
// each chunk, strictly in production order. emit returning false stops
// consumption (client gone). Transport failures terminate the sequence
// with a single error chunk; they are not raised past this boundary.
//
// The sequence always starts with one role chunk and, unless emit bails
// out, always ends with either a finish chunk or an error chunk.
func (t *Translator) Stream(frames upstream.FrameSource, emit func(Chunk) bool) {
	if !emit(Chunk{Type: EventTypeRole}) {
		return
	}

	for {
		frame, err := frames.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Terminal complete frame without an isFinished delta:
				// flush and finish normally.
				t.finish(emit)
				return
			}
			emit(Chunk{Type: EventTypeError, Err: err})
			return
		}

		if frame.Delta != "" {
			if !t.emitDelta(frame.Delta, emit) {
				return
			}
		}

		if frame.Finished {
			t.finish(emit)
			return
		}
	}
}

func (t *Translator) emitDelta(delta string, emit func(Chunk) bool) bool {
	if !t.thinking {
		return emit(Chunk{Type: EventTypeContent, Text: delta})
	}
	reasoning, content := t.splitter.feed(delta)
	if reasoning != "" {
		if !emit(Chunk{Type: EventTypeReasoning, Text: reasoning}) {
			return false
		}
	}
	if content != "" {
		return emit(Chunk{Type: EventTypeContent, Text: content})
	}
	return true
}

func (t *Translator) finish(emit func(Chunk) bool) {
	if t.thinking {
		if buffered := t.splitter.flush(); buffered != "" {
			if !emit(Chunk{Type: EventTypeReasoning, Text: buffered}) {
				return
			}
		}
	}
	emit(Chunk{Type: EventTypeFinish})
}

// Result is the aggregate of one buffered translation.
type Result struct {
	Content   string
	Reasoning *string
}

// Buffered drives the same chunk sequence to completion, concatenating
// content and reasoning into a single message for non-streaming
// responses. A mid-stream error surfaces as an error here since nothing
// has been written to the client yet.
func (t *Translator) Buffered(frames upstream.FrameSource) (Result, error) {
	var res Result
	var streamErr error

	t.Stream(frames, func(chunk Chunk) bool {
		switch chunk.Type {
		case EventTypeContent:
			res.Content += chunk.Text
		case EventTypeReasoning:
			if res.Reasoning == nil {
				empty := ""
				res.Reasoning = &empty
			}
			*res.Reasoning += chunk.Text
		case EventTypeError:
			streamErr = chunk.Err
		}
		return true
	})

	if streamErr != nil {
		return Result{}, streamErr
	}
	return res, nil
}
