package openai

import (
	"testing"

	"github.com/newhackerman/tenbin2api/internal/json"
)

func textMsg(role, text string) ChatMessage {
	return ChatMessage{Role: role, Content: MessageContent{Text: text}}
}

func TestBuildPrompt_RolePrefixes(t *testing.T) {
	prompt := BuildPrompt([]ChatMessage{
		textMsg("system", "be brief"),
		textMsg("user", "hi"),
		textMsg("assistant", "hello"),
		textMsg("user", "bye"),
	})

	want := "\n\nHuman: <system>be brief</system>\n\nHuman: hi\n\nAssistant: hello\n\nHuman: bye\n\nAssistant:"
	if prompt != want {
		t.Errorf("prompt = %q, want %q", prompt, want)
	}
}

func TestBuildPrompt_IgnoresUnknownRoles(t *testing.T) {
	prompt := BuildPrompt([]ChatMessage{
		textMsg("tool", "tool output"),
		textMsg("user", "hi"),
	})
	want := "\n\nHuman: hi\n\nAssistant:"
	if prompt != want {
		t.Errorf("prompt = %q, want %q", prompt, want)
	}
}

func TestBuildPrompt_MultipartTextOnly(t *testing.T) {
	msg := ChatMessage{
		Role: "user",
		Content: MessageContent{
			IsMultiPart: true,
			Parts: []ContentPart{
				{Type: "text", Text: "look at"},
				{Type: "image_url", ImageURL: &ImageURL{URL: "https://example.com/x.png"}},
				{Type: "text", Text: "this"},
			},
		},
	}
	prompt := BuildPrompt([]ChatMessage{msg})
	want := "\n\nHuman: look at this\n\nAssistant:"
	if prompt != want {
		t.Errorf("prompt = %q, want %q", prompt, want)
	}
}

func TestMessageContent_UnmarshalBothShapes(t *testing.T) {
	var m ChatMessage
	if err := json.Unmarshal([]byte(`{"role":"user","content":"plain"}`), &m); err != nil {
		t.Fatalf("string content: %v", err)
	}
	if m.Content.IsMultiPart || m.Content.Text != "plain" {
		t.Errorf("string content parsed as %+v", m.Content)
	}

	raw := `{"role":"user","content":[{"type":"text","text":"a"},{"type":"image_url","image_url":{"url":"u"}}]}`
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("list content: %v", err)
	}
	if !m.Content.IsMultiPart || len(m.Content.Parts) != 2 {
		t.Errorf("list content parsed as %+v", m.Content)
	}

	if err := json.Unmarshal([]byte(`{"role":"user","content":42}`), &m); err == nil {
		t.Error("expected error for numeric content")
	}
}

func TestMessageContent_MarshalRoundTrip(t *testing.T) {
	m := ChatMessage{Role: "user", Content: MessageContent{Text: "hi"}}
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back ChatMessage
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Content.Text != "hi" {
		t.Errorf("round trip lost content: %+v", back.Content)
	}
}
