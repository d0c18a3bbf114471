package context

// Role names used across the context pipeline.
const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// PartType identifies one piece of a multipart message.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image_url"
)

// Part is one element of a multipart user message.
type Part struct {
	Type     PartType
	Text     string
	ImageURL string
}

// Message is a model-agnostic chat message used across the context pipeline.
// When Parts is non-empty it replaces Content.
type Message struct {
	Role    string
	Content string
	Parts   []Part
}
