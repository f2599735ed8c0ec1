package handlers

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sony/gobreaker"

	"github.com/newhackerman/tenbin2api/internal/config"
	"github.com/newhackerman/tenbin2api/internal/json"
	"github.com/newhackerman/tenbin2api/internal/openai"
	"github.com/newhackerman/tenbin2api/internal/registry"
	"github.com/newhackerman/tenbin2api/internal/upstream"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeSession replays a scripted frame sequence, then ends the stream
// with err (io.EOF for a clean finish).
type fakeSession struct {
	frames []upstream.Frame
	err    error
	pos    int
	closed bool
}

func (s *fakeSession) Next() (upstream.Frame, error) {
	if s.pos < len(s.frames) {
		f := s.frames[s.pos]
		s.pos++
		return f, nil
	}
	if s.err != nil {
		return upstream.Frame{}, s.err
	}
	return upstream.Frame{}, io.EOF
}

func (s *fakeSession) Close() { s.closed = true }

// fakeUpstream hands out one scripted attempt per call.
type fakeUpstream struct {
	attempts []attempt
	call     int
	sessions []*fakeSession
}

type attempt struct {
	tokenErr error
	openErr  error
	session  *fakeSession
}

// AcquireExecutionToken peeks at the current attempt; OpenStream
// advances to the next one, so both calls share a script entry.
func (f *fakeUpstream) AcquireExecutionToken(ctx context.Context, upstreamModelID, sessionID string) (string, error) {
	if f.call >= len(f.attempts) {
		f.call++
		return "", errors.New("unscripted attempt")
	}
	if err := f.attempts[f.call].tokenErr; err != nil {
		f.call++
		return "", err
	}
	return "tok-" + sessionID, nil
}

func (f *fakeUpstream) OpenStream(ctx context.Context, prompt, sessionID, executionToken string) (StreamSession, error) {
	a := f.attempts[f.call]
	f.call++
	if a.openErr != nil {
		return nil, a.openErr
	}
	f.sessions = append(f.sessions, a.session)
	return a.session, nil
}

func echoFrames(deltas ...string) []upstream.Frame {
	frames := make([]upstream.Frame, 0, len(deltas)+1)
	for _, d := range deltas {
		frames = append(frames, upstream.Frame{Delta: d})
	}
	frames = append(frames, upstream.Frame{Finished: true})
	return frames
}

func newTestHandler(t *testing.T, up Upstream, sessionIDs ...string) *Handler {
	t.Helper()

	dir := t.TempDir()
	cfg := config.NewDefaultConfig()
	cfg.AccountsFile = filepath.Join(dir, "tenbin.json")
	cfg.ModelsFile = filepath.Join(dir, "models.json")
	cfg.ClientKeysFile = filepath.Join(dir, "client_api_keys.json")
	cfg.ThinkingModels = []string{"claude-3.7-sonnet-extended"}

	accounts := make([]map[string]string, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		accounts = append(accounts, map[string]string{"session_id": id})
	}
	writeJSON(t, cfg.AccountsFile, accounts)
	writeJSON(t, cfg.ModelsFile, map[string]string{
		"claude-3.7-sonnet":          "AnthropicClaude37Sonnet",
		"claude-3.7-sonnet-extended": "AnthropicClaude37SonnetExtended",
	})
	writeJSON(t, cfg.ClientKeysFile, []string{"sk-test"})

	reg, err := registry.New(cfg)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	return New(cfg, reg, up, nil)
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func doChat(t *testing.T, h *Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")
	h.ChatCompletions(c)
	return w
}

func TestChatCompletions_Buffered(t *testing.T) {
	up := &fakeUpstream{attempts: []attempt{
		{session: &fakeSession{frames: echoFrames("Hello", "!")}},
	}}
	h := newTestHandler(t, up, "sess-aaaa")

	w := doChat(t, h, `{"model":"claude-3.7-sonnet","messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var resp openai.ChatCompletionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Choices) != 1 {
		t.Fatalf("choices = %d", len(resp.Choices))
	}
	msg := resp.Choices[0].Message
	if msg.Role != "assistant" || msg.Content != "Hello!" {
		t.Fatalf("message = %+v", msg)
	}
	if msg.ReasoningContent != nil {
		t.Fatalf("unexpected reasoning: %q", *msg.ReasoningContent)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Fatalf("finish_reason = %q", resp.Choices[0].FinishReason)
	}
	if !up.sessions[0].closed {
		t.Fatal("upstream session left open")
	}
}

func TestChatCompletions_BufferedThinkingSplit(t *testing.T) {
	up := &fakeUpstream{attempts: []attempt{
		{session: &fakeSession{frames: echoFrames("let me think", "\n\n---\n\n", "the answer")}},
	}}
	h := newTestHandler(t, up, "sess-aaaa")

	w := doChat(t, h, `{"model":"claude-3.7-sonnet-extended","messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var resp openai.ChatCompletionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	msg := resp.Choices[0].Message
	if msg.Content != "the answer" {
		t.Fatalf("content = %q", msg.Content)
	}
	if msg.ReasoningContent == nil || *msg.ReasoningContent != "let me think" {
		t.Fatalf("reasoning = %v", msg.ReasoningContent)
	}
}

func TestChatCompletions_Streaming(t *testing.T) {
	up := &fakeUpstream{attempts: []attempt{
		{session: &fakeSession{frames: echoFrames("Hello", "!")}},
	}}
	h := newTestHandler(t, up, "sess-aaaa")

	w := doChat(t, h, `{"model":"claude-3.7-sonnet","messages":[{"role":"user","content":"hi"}],"stream":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	events := parseSSE(t, w.Body.String())
	if len(events) < 4 {
		t.Fatalf("expected role, deltas, finish and [DONE], got %d events: %v", len(events), events)
	}
	if events[len(events)-1] != "[DONE]" {
		t.Fatalf("last event = %q", events[len(events)-1])
	}
	if !strings.Contains(events[0], `"role":"assistant"`) {
		t.Fatalf("first event lacks role: %s", events[0])
	}

	var content strings.Builder
	sawFinish := false
	for _, ev := range events[:len(events)-1] {
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
				FinishReason *string `json:"finish_reason"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(ev), &chunk); err != nil {
			t.Fatalf("bad chunk %q: %v", ev, err)
		}
		content.WriteString(chunk.Choices[0].Delta.Content)
		if fr := chunk.Choices[0].FinishReason; fr != nil && *fr == "stop" {
			sawFinish = true
		}
	}
	if content.String() != "Hello!" {
		t.Fatalf("streamed content = %q", content.String())
	}
	if !sawFinish {
		t.Fatal("no finish chunk before [DONE]")
	}
}

func TestChatCompletions_FailoverThenSuccess(t *testing.T) {
	up := &fakeUpstream{attempts: []attempt{
		{tokenErr: errors.New("challenge solver unavailable")},
		{session: &fakeSession{frames: echoFrames("ok")}},
	}}
	h := newTestHandler(t, up, "sess-aaaa", "sess-bbbb")

	w := doChat(t, h, `{"model":"claude-3.7-sonnet","messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	failed, succeeded := 0, 0
	for _, st := range h.reg.Pool().Snapshot() {
		switch st.ErrorCount {
		case 0:
			succeeded++
		case 1:
			failed++
		default:
			t.Fatalf("unexpected error count %d for %s", st.ErrorCount, st.Label)
		}
	}
	if failed != 1 || succeeded != 1 {
		t.Fatalf("failed=%d succeeded=%d, want 1/1", failed, succeeded)
	}
}

func TestChatCompletions_AllAttemptsFail(t *testing.T) {
	up := &fakeUpstream{attempts: []attempt{
		{tokenErr: errors.New("upstream returned 500 Internal Server Error")},
		{openErr: errors.New("websocket dial failed")},
	}}
	h := newTestHandler(t, up, "sess-aaaa", "sess-bbbb")

	w := doChat(t, h, `{"model":"claude-3.7-sonnet","messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", w.Code)
	}

	var resp openai.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error.Message != "All attempts to contact Tenbin API failed." {
		t.Fatalf("message = %q", resp.Error.Message)
	}

	for _, st := range h.reg.Pool().Snapshot() {
		if st.ErrorCount != 1 {
			t.Fatalf("account %s error count = %d, want 1", st.Label, st.ErrorCount)
		}
	}
}

func TestChatCompletions_AllAttemptsFailStreaming(t *testing.T) {
	up := &fakeUpstream{attempts: []attempt{
		{tokenErr: errors.New("upstream returned 500 Internal Server Error")},
	}}
	h := newTestHandler(t, up, "sess-aaaa")

	w := doChat(t, h, `{"model":"claude-3.7-sonnet","messages":[{"role":"user","content":"hi"}],"stream":true}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	events := parseSSE(t, w.Body.String())
	if len(events) != 2 {
		t.Fatalf("events = %v", events)
	}
	if !strings.Contains(events[0], "All attempts to contact Tenbin API failed.") {
		t.Fatalf("error event = %s", events[0])
	}
	if events[1] != "[DONE]" {
		t.Fatalf("last event = %q", events[1])
	}
}

func TestChatCompletions_BreakerRejectionLeavesAccountsUntouched(t *testing.T) {
	rejection := &upstream.Error{
		Kind: upstream.KindAcquisition,
		Op:   "issue token",
		Err:  gobreaker.ErrOpenState,
	}
	up := &fakeUpstream{attempts: []attempt{
		{tokenErr: rejection},
		{tokenErr: rejection},
	}}
	h := newTestHandler(t, up, "sess-aaaa", "sess-bbbb")

	w := doChat(t, h, `{"model":"claude-3.7-sonnet","messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "All attempts to contact Tenbin API failed.") {
		t.Fatalf("body = %s", w.Body.String())
	}

	for _, st := range h.reg.Pool().Snapshot() {
		if st.ErrorCount != 0 {
			t.Fatalf("account %s error count = %d, want 0", st.Label, st.ErrorCount)
		}
		if !st.Valid {
			t.Fatalf("account %s invalidated by a breaker rejection", st.Label)
		}
	}
}

func TestChatCompletions_NoValidAccounts(t *testing.T) {
	h := newTestHandler(t, &fakeUpstream{})

	w := doChat(t, h, `{"model":"claude-3.7-sonnet","messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", w.Code)
	}
	var resp openai.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error.Message != "No valid Tenbin accounts available." {
		t.Fatalf("message = %q", resp.Error.Message)
	}
}

func TestChatCompletions_UnknownModel(t *testing.T) {
	h := newTestHandler(t, &fakeUpstream{}, "sess-aaaa")

	w := doChat(t, h, `{"model":"gpt-99","messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Model 'gpt-99' not found.") {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestChatCompletions_NoMessages(t *testing.T) {
	h := newTestHandler(t, &fakeUpstream{}, "sess-aaaa")

	w := doChat(t, h, `{"model":"claude-3.7-sonnet","messages":[]}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "No messages provided in the request.") {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestChatCompletions_MidStreamErrorEndsStream(t *testing.T) {
	up := &fakeUpstream{attempts: []attempt{
		{session: &fakeSession{
			frames: []upstream.Frame{{Delta: "partial"}},
			err:    errors.New("websocket: close 1006 (abnormal closure)"),
		}},
	}}
	h := newTestHandler(t, up, "sess-aaaa")

	w := doChat(t, h, `{"model":"claude-3.7-sonnet","messages":[{"role":"user","content":"hi"}],"stream":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	events := parseSSE(t, w.Body.String())
	if events[len(events)-1] != "[DONE]" {
		t.Fatalf("last event = %q", events[len(events)-1])
	}
	sawError := false
	for _, ev := range events {
		if strings.Contains(ev, `"tenbin_api_error"`) {
			sawError = true
		}
	}
	if !sawError {
		t.Fatal("no error event in stream")
	}

	st := h.reg.Pool().Snapshot()
	if st[0].ErrorCount != 1 {
		t.Fatalf("error count = %d, want 1", st[0].ErrorCount)
	}
}

// parseSSE extracts the data payloads of each event.
func parseSSE(t *testing.T, body string) []string {
	t.Helper()
	var events []string
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "data: ") {
			events = append(events, strings.TrimPrefix(line, "data: "))
		}
	}
	return events
}
