// Package transport defines the abstract boundary to the chat-messaging
// transport: the pipeline depends on the Sender interface, never on one
// concrete wire protocol, with an HTTP-based reference adapter alongside
// it.
package transport

import "context"

// Sender is the abstract chat transport API:
// send(chat_id, formatted_text) -> remote_message_id. Implementations
// must translate transport-specific failures into the errs taxonomy
// before returning.
type Sender interface {
	Send(ctx context.Context, chatID, text string) (remoteMessageID string, err error)
}
