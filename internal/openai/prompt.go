package openai

import "strings"

// BuildPrompt linearizes a multi-turn chat into the single-string
// prompt the upstream protocol takes. System messages ride as Human
// turns wrapped in <system> tags; roles outside system/user/assistant
// are ignored. A trailing "Assistant:" cue prompts the completion.
func BuildPrompt(messages []ChatMessage) string {
	var b strings.Builder
	for _, msg := range messages {
		content := msg.Content.TextContent()
		switch msg.Role {
		case "system":
			b.WriteString("\n\nHuman: <system>")
			b.WriteString(content)
			b.WriteString("</system>")
		case "user":
			b.WriteString("\n\nHuman: ")
			b.WriteString(content)
		case "assistant":
			b.WriteString("\n\nAssistant: ")
			b.WriteString(content)
		}
	}
	b.WriteString("\n\nAssistant:")
	return b.String()
}

// TextContent flattens the content union for prompt construction: the
// plain string as-is, or the text parts of a multipart list joined with
// single spaces. Non-text parts are dropped here.
func (mc *MessageContent) TextContent() string {
	if !mc.IsMultiPart {
		return mc.Text
	}
	var texts []string
	for _, part := range mc.Parts {
		if part.Type == "text" {
			texts = append(texts, part.Text)
		}
	}
	return strings.Join(texts, " ")
}
