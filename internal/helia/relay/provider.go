// Package relay builds provider-ready prompts for a chat turn and drives
// the token-streamed completion call. It owns persona resolution, profile
// interpolation and the provider error taxonomy; persistence of the turn is
// the caller's responsibility, never the relay's.
package relay

import (
	"context"
	"errors"
	"fmt"
)

// ErrRateLimited is returned when the upstream completion API reports a
// rate-limiting condition (HTTP 429). The turn fails without a reply; the
// user's message stays persisted and no credit is spent.
var ErrRateLimited = errors.New("relay: upstream rate limit exceeded")

// ContentPolicyError is the distinguished, recoverable provider rejection:
// the model refused to generate a reply because the input tripped a safety
// filter. Callers convert it into a persona-appropriate decline message and
// treat the turn as successful.
type ContentPolicyError struct {
	// Category is the provider-reported filter category ("hate", "violence",
	// "self_harm", ...). Empty when the provider did not name one.
	Category string
	// Severity is the provider-reported severity for that category
	// ("low", "medium", "high").
	Severity string
}

func (e *ContentPolicyError) Error() string {
	if e.Category == "" {
		return "relay: completion rejected by content policy"
	}
	return fmt.Sprintf("relay: completion rejected by content policy (category=%s severity=%s)", e.Category, e.Severity)
}

// ChatMessage is one prior turn handed to the completion provider.
type ChatMessage struct {
	// Role is "user" or "assistant".
	Role string
	// Content is the message text.
	Content string
}

// Prompt is the fully assembled input for one completion call.
type Prompt struct {
	// System is the persona instructions plus the serialized profile context.
	System string
	// History is the conversation window, oldest first.
	History []ChatMessage
	// Input is the new user message.
	Input string
}

// Stream is a lazy, finite, non-restartable sequence of text fragments.
// Consuming it to io.EOF yields the complete reply as the concatenation of
// fragments in emission order. Cancellation is observed only between
// fragments, never mid-fragment.
type Stream interface {
	// Recv returns the next fragment. io.EOF signals normal completion; a
	// *ContentPolicyError signals a mid-stream safety cutoff; any other
	// error aborts the turn.
	Recv() (string, error)
	// Close releases the underlying connection. Safe to call more than once.
	Close() error
}

// Provider drives a single streaming completion call.
//
// Implementations must be safe for concurrent use from multiple goroutines.
// A content-policy rejection must surface as *ContentPolicyError (from the
// initial call or from Recv); anything else is unrecoverable for the turn.
type Provider interface {
	StreamCompletion(ctx context.Context, p Prompt) (Stream, error)
}
