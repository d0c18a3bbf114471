package context

import stdcontext "context"

// Turn is one prior conversation entry as seen by the prompt builder.
type Turn struct {
	Inbound bool
	Text    string
}

// Provider supplies the newest n turns for a user in chronological order.
// It never fails: an unreadable history yields no turns.
type Provider interface {
	Turns(ctx stdcontext.Context, userID int64, n int) []Turn
}

// Assembler combines system prompt, prior turns, and the user payload into a final message list.
type Assembler interface {
	Assemble(system string, history []Turn, user Message) []Message
}
