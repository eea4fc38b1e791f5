// Package channels delivers outbound notifications to chat surfaces.
// Inbound message handling lives outside this daemon; the worker only pushes
// results (currently schedule outcomes) back to the chat that owns a task.
package channels

import "context"

// Notifier pushes one message to a chat. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Notify(ctx context.Context, chatID int64, text string) error
}
