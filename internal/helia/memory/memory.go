// Package memory implements the process-local conversation memory cache.
// It keeps the recent message history of active chat sessions in memory so
// a turn does not need to re-read the message log from the database, while
// bounding total memory use with a global LRU over conversation keys and a
// per-conversation sliding window over messages.
package memory

import "time"

// Message roles as stored in the message log and sent to the completion
// provider.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single turn fragment in a conversation's working set.
type Message struct {
	Role      string    // "user" or "assistant"
	Content   string    // message text
	Timestamp time.Time // when this message was recorded
}

// Conversation is the in-memory working set of one chat session. It is
// owned exclusively by the Cache; callers receive copies and re-fetch by
// key instead of holding references across turns.
type Conversation struct {
	ChatID     string    // durable chat session ID this working set mirrors
	Messages   []Message // ordered message window (oldest first)
	LastAccess time.Time // when this conversation was last marked used
}
