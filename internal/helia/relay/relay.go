package relay

import (
	"context"

	"github.com/heliachat/helia/internal/helia/memory"
)

// TurnRequest carries everything the relay needs to build and stream one
// completion call.
type TurnRequest struct {
	// ChatID identifies the conversation (for logging only; the relay does
	// not persist anything).
	ChatID string
	// PersonaID selects the persona; anything unrecognized falls back to
	// the default persona.
	PersonaID string
	// Profile personalizes the system prompt. May be zero.
	Profile Profile
	// Input is the new user message.
	Input string
	// History is the conversation window from the memory cache, oldest
	// first. May be empty.
	History []memory.Message
}

// Relay assembles prompts and drives streaming completion calls against a
// Provider. Its only side effect is the outbound network call.
type Relay struct {
	personas *Registry
	provider Provider
}

// New creates a Relay.
func New(personas *Registry, provider Provider) *Relay {
	return &Relay{personas: personas, provider: provider}
}

// BuildPrompt assembles the provider-ready prompt: persona instructions,
// profile context, prior turns, new input.
func (r *Relay) BuildPrompt(req TurnRequest) Prompt {
	persona := r.personas.Resolve(req.PersonaID)

	history := make([]ChatMessage, 0, len(req.History))
	for _, m := range req.History {
		history = append(history, ChatMessage{Role: m.Role, Content: m.Content})
	}

	return Prompt{
		System:  persona.System + profileContext(req.Profile),
		History: history,
		Input:   req.Input,
	}
}

// Stream starts the completion call and returns the token stream. A
// *ContentPolicyError (now or from Recv) is the recoverable rejection case;
// any other error is unrecoverable for this turn.
func (r *Relay) Stream(ctx context.Context, req TurnRequest) (Stream, error) {
	return r.provider.StreamCompletion(ctx, r.BuildPrompt(req))
}

// Decline returns the persona-appropriate decline text for a content-policy
// rejection in the given category.
func (r *Relay) Decline(personaID, category string) string {
	return DeclineMessage(r.personas.Resolve(personaID), category)
}
