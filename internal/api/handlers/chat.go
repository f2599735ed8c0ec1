package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/newhackerman/tenbin2api/internal/account"
	"github.com/newhackerman/tenbin2api/internal/json"
	log "github.com/newhackerman/tenbin2api/internal/logging"
	"github.com/newhackerman/tenbin2api/internal/openai"
	"github.com/newhackerman/tenbin2api/internal/resilience"
	"github.com/newhackerman/tenbin2api/internal/translator"
	"github.com/newhackerman/tenbin2api/internal/usage"
)

// ChatCompletions serves POST /v1/chat/completions. It validates the
// request, then drives the account failover loop: at most pool-size
// attempts, each consuming one candidate selection. Acquisition and
// session-open failures are recorded against the account and retried;
// once response bytes are flowing, a failure terminates the stream with
// an inline error event instead.
func (h *Handler) ChatCompletions(c *gin.Context) {
	var req openai.ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request_error", "Invalid request body: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		respondError(c, http.StatusBadRequest, "invalid_request_error", "No messages provided in the request.")
		return
	}

	upstreamID, ok := h.reg.ResolveModel(req.Model)
	if !ok {
		respondError(c, http.StatusNotFound, "model_not_found", fmt.Sprintf("Model '%s' not found.", req.Model))
		return
	}

	prompt := openai.BuildPrompt(req.Messages)
	thinking := h.reg.IsThinkingModel(req.Model)
	pool := h.reg.Pool()
	ctx := c.Request.Context()

	log.Debugf("chat completion for model %s (upstream %s), stream=%v, prompt length %d",
		req.Model, upstreamID, req.Stream, len(prompt))

	attempts := pool.Size()
	if attempts == 0 {
		// Run one iteration so the empty pool is reported as a
		// no-accounts error, not as attempt exhaustion.
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		acc := pool.SelectCandidate()
		if acc == nil {
			respondError(c, http.StatusServiceUnavailable, "service_unavailable", "No valid Tenbin accounts available.")
			return
		}
		log.Debugf("attempt %d/%d using account %s", attempt+1, attempts, acc.Label())

		token, err := h.upstream.AcquireExecutionToken(ctx, upstreamID, acc.SessionID)
		if err != nil {
			// A breaker refusal says nothing about this account's
			// health; only real attempt failures count against it.
			if !resilience.IsRejection(err) {
				pool.RecordFailure(acc, err)
			}
			continue
		}

		sess, err := h.upstream.OpenStream(ctx, prompt, acc.SessionID, token)
		if err != nil {
			pool.RecordFailure(acc, err)
			continue
		}

		if req.Stream {
			h.serveStream(c, req.Model, prompt, acc, sess, translator.New(thinking))
			return
		}

		// Buffered responses can still fail over: nothing has been
		// written to the client until the whole stream succeeded.
		res, err := translator.New(thinking).Buffered(sess)
		sess.Close()
		if err != nil {
			pool.RecordFailure(acc, err)
			continue
		}
		pool.RecordSuccess(acc)
		h.observe(c, req.Model, prompt, acc, res.Content, reasoningText(res.Reasoning), false, false)
		c.JSON(http.StatusOK, openai.NewChatCompletionResponse(req.Model, res.Content, res.Reasoning))
		return
	}

	h.exhausted(c, req.Stream)
}

func reasoningText(r *string) string {
	if r == nil {
		return ""
	}
	return *r
}

func writeSSEHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
}

// serveStream writes the translated chunk sequence as SSE. The upstream
// session is always closed; the stream always terminates with [DONE]
// unless the client disconnected first.
func (h *Handler) serveStream(c *gin.Context, model, prompt string, acc *account.Account, sess StreamSession, tr *translator.Translator) {
	defer sess.Close()

	writeSSEHeaders(c)
	c.Status(http.StatusOK)

	enc := &translator.Encoder{
		ID:      openai.NewCompletionID(),
		Model:   model,
		Created: time.Now().Unix(),
	}

	var content, reasoning strings.Builder
	var streamFailed, clientGone bool

	tr.Stream(sess, func(chunk translator.Chunk) bool {
		switch chunk.Type {
		case translator.EventTypeContent:
			content.WriteString(chunk.Text)
		case translator.EventTypeReasoning:
			reasoning.WriteString(chunk.Text)
		case translator.EventTypeError:
			streamFailed = true
			h.reg.Pool().RecordFailure(acc, chunk.Err)
		}

		if _, err := c.Writer.Write(enc.Encode(chunk)); err != nil {
			clientGone = true
			return false
		}
		c.Writer.Flush()

		if c.Request.Context().Err() != nil {
			clientGone = true
			return false
		}
		return true
	})

	if !clientGone {
		_, _ = c.Writer.Write(translator.DoneSSE)
		c.Writer.Flush()
	}

	if !streamFailed {
		h.reg.Pool().RecordSuccess(acc)
	}
	h.observe(c, model, prompt, acc, content.String(), reasoning.String(), true, streamFailed)
}

// exhausted reports the uniform all-attempts-failed error. Streaming
// clients get it as a well-formed SSE stream so their parsers do not
// choke on a bare HTTP error.
func (h *Handler) exhausted(c *gin.Context, stream bool) {
	const detail = "All attempts to contact Tenbin API failed."

	if !stream {
		respondError(c, http.StatusServiceUnavailable, "service_unavailable", detail)
		return
	}

	writeSSEHeaders(c)
	c.Status(http.StatusServiceUnavailable)

	payload, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": detail,
			"type":    "tenbin_api_error",
			"code":    http.StatusServiceUnavailable,
		},
	})
	_, _ = c.Writer.Write(translator.BuildSSEEvent(payload))
	_, _ = c.Writer.Write(translator.DoneSSE)
	c.Writer.Flush()
}

// observe feeds the usage tracker. Token counts are local estimates;
// client-facing responses keep their zero-filled usage object.
func (h *Handler) observe(c *gin.Context, model, prompt string, acc *account.Account, content, reasoning string, streamed, failed bool) {
	if h.tracker == nil {
		return
	}
	h.tracker.Observe(usage.Record{
		Model:            model,
		ClientKey:        keyLabel(c.GetString("client_key")),
		Account:          acc.Label(),
		RequestedAt:      time.Now(),
		Streamed:         streamed,
		Failed:           failed,
		PromptTokens:     usage.EstimateTokens(prompt),
		CompletionTokens: usage.EstimateTokens(content),
		ReasoningTokens:  usage.EstimateTokens(reasoning),
	})
}
