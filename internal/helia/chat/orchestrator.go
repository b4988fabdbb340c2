// Package chat sequences one chat-send turn end to end: ownership check,
// credit check, durable persistence of both sides of the turn, the streaming
// relay call, and the credit debit. Turns on the same conversation serialize
// behind a per-conversation lock.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/heliachat/helia/internal/helia/memory"
	"github.com/heliachat/helia/internal/helia/relay"
	"github.com/heliachat/helia/internal/helia/store"
)

var (
	// ErrNotAuthorized means the conversation belongs to a different user.
	// It deliberately carries no detail about the conversation itself.
	ErrNotAuthorized = errors.New("chat: not authorized")
	// ErrNoCredits means the user's balance was exhausted before the turn
	// could start. Nothing has been persisted when this is returned.
	ErrNoCredits = errors.New("chat: insufficient credits")
)

// Store is the slice of the durable store the orchestrator needs.
type Store interface {
	GetChatSession(ctx context.Context, chatID string) (*store.ChatSession, error)
	GetOrCreateSession(ctx context.Context, userID, chatID, name string) (*store.ChatSession, error)
	AddMessage(ctx context.Context, chatID, role, content, imageURL string) (*store.ChatMessage, error)
	GetRecentMessages(ctx context.Context, chatID string, limit int) ([]*store.ChatMessage, error)
	GetUserCredits(ctx context.Context, id string) (int, error)
	DebitCredit(ctx context.Context, id string) error
}

// SharedHistory mirrors the conversation window into an external store so
// multiple instances see the same recent turns. Optional; when nil the
// in-process cache backed by the durable store is the only history source.
type SharedHistory interface {
	Append(ctx context.Context, chatID string, m memory.Message) error
	Recent(ctx context.Context, chatID string) ([]memory.Message, error)
	Clear(ctx context.Context, chatID string) error
}

// Sink receives reply fragments as they arrive from the provider. The
// transport layer implements this over its streaming response.
type Sink interface {
	Fragment(text string) error
}

// Turn is one chat-send request.
type Turn struct {
	UserID      string
	ChatID      string
	PersonaID   string
	SessionName string
	Input       string
	ImageURL    string
	Profile     relay.Profile
}

// Result summarizes a completed turn.
type Result struct {
	// Reply is the full assistant text, fragment concatenation or the
	// synthesized decline message.
	Reply string
	// Declined is true when the provider rejected the input on content
	// policy grounds and Reply is the decline text.
	Declined bool
}

// Orchestrator runs turns. Safe for concurrent use.
type Orchestrator struct {
	store   Store
	cache   *memory.Cache
	relay   *relay.Relay
	history SharedHistory
	locks   *keyLocks
	window  int
	logger  *slog.Logger
}

// New creates an Orchestrator. history may be nil.
func New(st Store, cache *memory.Cache, rl *relay.Relay, history SharedHistory, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:   st,
		cache:   cache,
		relay:   rl,
		history: history,
		locks:   newKeyLocks(),
		window:  cache.MaxMessages(),
		logger:  logger,
	}
}

// Run executes one turn. Fragments go to sink as they arrive. An error
// return means no assistant message was persisted and no credit was spent;
// the user message may already be durable once the relay stage was reached.
func (o *Orchestrator) Run(ctx context.Context, turn Turn, sink Sink) (*Result, error) {
	if err := o.authorize(ctx, turn); err != nil {
		return nil, err
	}

	credits, err := o.store.GetUserCredits(ctx, turn.UserID)
	if err != nil {
		return nil, fmt.Errorf("credit check: %w", err)
	}
	if credits <= 0 {
		return nil, ErrNoCredits
	}

	o.locks.lock(turn.ChatID)
	defer o.locks.unlock(turn.ChatID)

	if _, err := o.store.GetOrCreateSession(ctx, turn.UserID, turn.ChatID, turn.SessionName); err != nil {
		return nil, fmt.Errorf("ensure session: %w", err)
	}
	if _, err := o.store.AddMessage(ctx, turn.ChatID, memory.RoleUser, turn.Input, turn.ImageURL); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}

	conv, err := o.loadHistory(ctx, turn.ChatID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	reply, declined, err := o.relayTurn(ctx, turn, conv, sink)
	if err != nil {
		return nil, err
	}

	// The provider has produced a full reply. From here on a client
	// disconnect must not lose it, so persistence and the debit run on a
	// detached context.
	dctx := context.WithoutCancel(ctx)

	if _, err := o.store.AddMessage(dctx, turn.ChatID, memory.RoleAssistant, reply, ""); err != nil {
		return nil, fmt.Errorf("persist assistant message: %w", err)
	}
	if err := o.store.DebitCredit(dctx, turn.UserID); err != nil {
		// The reply is already durable. An empty balance here means a
		// concurrent turn spent the last credit; the turn still succeeded.
		if !errors.Is(err, store.ErrInsufficientCredit) {
			o.logger.Error("credit debit failed", "chat_id", turn.ChatID, "error", err)
		}
	}

	o.cache.AppendMessage(turn.ChatID, memory.RoleUser, turn.Input)
	o.cache.AppendMessage(turn.ChatID, memory.RoleAssistant, reply)
	o.cache.Touch(turn.ChatID)
	o.mirrorHistory(dctx, turn.ChatID, turn.Input, reply)

	return &Result{Reply: reply, Declined: declined}, nil
}

// Forget drops a conversation's working set from the local cache and the
// shared history. Called when the owning session is deleted so a later
// session reusing the chat ID starts clean everywhere.
func (o *Orchestrator) Forget(ctx context.Context, chatID string) {
	o.cache.Remove(chatID)
	if o.history == nil {
		return
	}
	if err := o.history.Clear(ctx, chatID); err != nil {
		o.logger.Warn("shared history clear failed", "chat_id", chatID, "error", err)
	}
}

// authorize resolves the session and rejects turns against a conversation
// owned by someone else. A missing session is fine; it is created lazily
// after the credit check passes.
func (o *Orchestrator) authorize(ctx context.Context, turn Turn) error {
	session, err := o.store.GetChatSession(ctx, turn.ChatID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve session: %w", err)
	}
	if session.UserID != turn.UserID {
		return ErrNotAuthorized
	}
	return nil
}

// loadHistory returns the cached conversation window, loading it from the
// shared history or the durable store on a miss. A miss inserts a new cache
// entry, so the capacity bound is re-established afterwards.
func (o *Orchestrator) loadHistory(ctx context.Context, chatID string) (*memory.Conversation, error) {
	conv, err := o.cache.GetOrLoad(ctx, chatID, func(ctx context.Context) ([]memory.Message, error) {
		if o.history != nil {
			msgs, err := o.history.Recent(ctx, chatID)
			if err == nil && len(msgs) > 0 {
				return msgs, nil
			}
			if err != nil {
				o.logger.Warn("shared history unavailable, falling back to store",
					"chat_id", chatID, "error", err)
			}
		}
		rows, err := o.store.GetRecentMessages(ctx, chatID, o.window)
		if err != nil {
			return nil, err
		}
		msgs := make([]memory.Message, 0, len(rows))
		for _, row := range rows {
			msgs = append(msgs, memory.Message{
				Role:      row.Role,
				Content:   row.Content,
				Timestamp: row.Timestamp,
			})
		}
		return msgs, nil
	})
	if err != nil {
		return nil, err
	}
	o.cache.EnforceCapacity()
	return conv, nil
}

// relayTurn drives the provider stream, forwarding fragments to sink and
// accumulating the full reply. A content-policy rejection becomes a decline
// message streamed in place of the provider output.
func (o *Orchestrator) relayTurn(ctx context.Context, turn Turn, conv *memory.Conversation, sink Sink) (reply string, declined bool, err error) {
	req := relay.TurnRequest{
		ChatID:    turn.ChatID,
		PersonaID: turn.PersonaID,
		Profile:   turn.Profile,
		Input:     turn.Input,
		History:   conv.Messages,
	}

	stream, err := o.relay.Stream(ctx, req)
	if err != nil {
		if decline, ok := o.declineFor(turn, err); ok {
			o.emit(turn.ChatID, sink, decline)
			return decline, true, nil
		}
		return "", false, fmt.Errorf("relay: %w", err)
	}
	defer stream.Close()

	var buf []byte
	sinkDown := false
	for {
		frag, err := stream.Recv()
		if err == io.EOF {
			return string(buf), false, nil
		}
		if err != nil {
			if decline, ok := o.declineFor(turn, err); ok {
				if !sinkDown {
					o.emit(turn.ChatID, sink, decline)
				}
				return decline, true, nil
			}
			return "", false, fmt.Errorf("relay: %w", err)
		}
		buf = append(buf, frag...)
		if !sinkDown {
			if err := sink.Fragment(frag); err != nil {
				// Client gone mid-stream. Keep draining so the reply the
				// provider already produced can still be persisted.
				o.logger.Warn("client write failed mid-stream", "chat_id", turn.ChatID, "error", err)
				sinkDown = true
			}
		}
	}
}

// declineFor converts a content-policy rejection into the persona's decline
// text. Any other error is not recoverable and returns ok=false.
func (o *Orchestrator) declineFor(turn Turn, err error) (string, bool) {
	var cpe *relay.ContentPolicyError
	if !errors.As(err, &cpe) {
		return "", false
	}
	o.logger.Info("content policy rejection",
		"chat_id", turn.ChatID, "category", cpe.Category, "severity", cpe.Severity)
	return o.relay.Decline(turn.PersonaID, cpe.Category), true
}

// emit writes the synthesized decline text. A write failure here does not
// fail the turn; the decline is still the reply and still gets persisted.
func (o *Orchestrator) emit(chatID string, sink Sink, text string) {
	if err := sink.Fragment(text); err != nil {
		o.logger.Warn("client write failed for decline", "chat_id", chatID, "error", err)
	}
}

// mirrorHistory appends both sides of the turn to the shared history.
// Failures are logged, not fatal; the durable store is the source of truth.
func (o *Orchestrator) mirrorHistory(ctx context.Context, chatID, input, reply string) {
	if o.history == nil {
		return
	}
	for _, m := range []memory.Message{
		{Role: memory.RoleUser, Content: input},
		{Role: memory.RoleAssistant, Content: reply},
	} {
		if err := o.history.Append(ctx, chatID, m); err != nil {
			o.logger.Warn("shared history append failed", "chat_id", chatID, "error", err)
			return
		}
	}
}
