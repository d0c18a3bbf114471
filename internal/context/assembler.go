package context

import (
	"encoding/base64"
	"strings"
)

// DefaultContextHeader introduces the rendered history inside the system message.
const DefaultContextHeader = "Context of previous messages:"

// StandardAssembler renders prior turns into the system message and appends
// the user payload after it.
type StandardAssembler struct {
	ContextHeader string
}

// Assemble builds the final message list: system (with context) + user.
func (a *StandardAssembler) Assemble(system string, history []Turn, user Message) []Message {
	messages := make([]Message, 0, 2)
	messages = append(messages, Message{Role: RoleSystem, Content: a.RenderSystem(system, history)})
	user.Role = RoleUser
	messages = append(messages, user)
	return messages
}

// RenderSystem appends one "User:"/"Bot:" line per turn to the persona.
func (a *StandardAssembler) RenderSystem(persona string, history []Turn) string {
	if len(history) == 0 {
		return persona
	}
	header := a.ContextHeader
	if header == "" {
		header = DefaultContextHeader
	}
	var b strings.Builder
	b.WriteString(persona)
	b.WriteString("\n\n")
	b.WriteString(header)
	for _, t := range history {
		if t.Inbound {
			b.WriteString("\nUser: ")
		} else {
			b.WriteString("\nBot: ")
		}
		b.WriteString(t.Text)
	}
	return b.String()
}

// TextMessage is a plain user prompt.
func TextMessage(prompt string) Message {
	return Message{Role: RoleUser, Content: prompt}
}

// ImageMessage is a user prompt carrying an inlined base64 image.
func ImageMessage(prompt, mimeType string, image []byte) Message {
	return Message{
		Role: RoleUser,
		Parts: []Part{
			{Type: PartText, Text: prompt},
			{Type: PartImage, ImageURL: DataURL(mimeType, image)},
		},
	}
}

// DataURL encodes data as a data: URL. An empty mime type defaults to JPEG.
func DataURL(mimeType string, data []byte) string {
	if strings.TrimSpace(mimeType) == "" {
		mimeType = "image/jpeg"
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
