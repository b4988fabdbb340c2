package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/heliachat/helia/common/redact"
	"github.com/heliachat/helia/common/retry"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
	// defaultTimeout bounds the whole call including stream consumption.
	defaultTimeout = 5 * time.Minute
)

// Config configures the OpenAI-compatible completion provider.
type Config struct {
	// APIKey is the bearer token used to authenticate against the API.
	APIKey string

	// BaseURL overrides the API endpoint. Useful for Azure OpenAI, local
	// models, or any other OpenAI-compatible endpoint. Defaults to
	// https://api.openai.com/v1 when empty.
	BaseURL string

	// Model is the chat model (or Azure deployment) to use.
	// Defaults to gpt-4o-mini when empty.
	Model string

	// Temperature is passed through to the completion call.
	Temperature float64

	// Timeout bounds the full call, stream consumption included.
	// Defaults to 5 minutes.
	Timeout time.Duration
}

// openAIProvider implements Provider against the OpenAI chat completions
// API with stream: true. Responses arrive as SSE "data:" frames terminated
// by a [DONE] sentinel.
type openAIProvider struct {
	cfg    Config
	client *http.Client
}

// NewOpenAI returns a Provider backed by an OpenAI-compatible chat API.
// The returned provider is safe for concurrent use.
func NewOpenAI(cfg Config) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &openAIProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// --- minimal OpenAI wire types ---

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	Temperature float64      `json:"temperature,omitempty"`
	Stream      bool         `json:"stream"`
}

// oaiStreamChunk is one decoded SSE frame of a streamed completion.
type oaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// oaiError is the error envelope returned on non-2xx responses. The
// innererror block carries the per-category content filter verdicts on
// Azure deployments.
type oaiError struct {
	Error struct {
		Code       string `json:"code"`
		Message    string `json:"message"`
		InnerError struct {
			Code                string                   `json:"code"`
			ContentFilterResult map[string]filterVerdict `json:"content_filter_result"`
		} `json:"innererror"`
	} `json:"error"`
}

type filterVerdict struct {
	Filtered bool   `json:"filtered"`
	Severity string `json:"severity"`
}

func (p *openAIProvider) StreamCompletion(ctx context.Context, prompt Prompt) (Stream, error) {
	messages := make([]oaiMessage, 0, len(prompt.History)+2)
	messages = append(messages, oaiMessage{Role: "system", Content: prompt.System})
	for _, m := range prompt.History {
		messages = append(messages, oaiMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, oaiMessage{Role: "user", Content: prompt.Input})

	body, err := json.Marshal(oaiRequest{
		Model:       p.cfg.Model,
		Messages:    messages,
		Temperature: p.cfg.Temperature,
		Stream:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("relay: marshal completion request: %w", err)
	}

	// Transient pre-stream failures (network, 5xx) are retried here; once
	// the stream is established the turn is single-shot.
	var resp *http.Response
	err = retry.Do(ctx, retry.Config{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		ShouldRetry:  isTransient,
	}, func() error {
		resp, err = p.start(ctx, body)
		return err
	})
	if err != nil {
		return nil, err
	}

	return &openAIStream{body: resp.Body, scanner: bufio.NewScanner(resp.Body)}, nil
}

// start performs one HTTP attempt and classifies any failure.
func (p *openAIProvider) start(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("relay: create completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &transientError{fmt.Errorf("relay: completion request: %w", err)}
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}

	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	// Error bodies end up in logs; make sure an echoing proxy can never
	// leak the API key through them.
	raw = []byte(redact.String(string(raw), p.cfg.APIKey))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode == http.StatusBadRequest:
		if cpe := parseContentFilter(raw); cpe != nil {
			return nil, cpe
		}
		return nil, fmt.Errorf("relay: completion API rejected request: status=%d body=%s", resp.StatusCode, truncate(raw, 512))
	case resp.StatusCode >= 500:
		return nil, &transientError{fmt.Errorf("relay: completion API failed: status=%d body=%s", resp.StatusCode, truncate(raw, 512))}
	default:
		return nil, fmt.Errorf("relay: completion API failed: status=%d body=%s", resp.StatusCode, truncate(raw, 512))
	}
}

// transientError marks failures worth retrying before the stream starts.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func isTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// severityRank orders provider severities for picking the dominant
// filter category.
var severityRank = map[string]int{"high": 3, "medium": 2, "low": 1, "safe": 0}

// parseContentFilter extracts a ContentPolicyError from a 400 response
// body, or nil when the rejection was not a content filter.
func parseContentFilter(raw []byte) *ContentPolicyError {
	var envelope oaiError
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil
	}
	if envelope.Error.Code != "content_filter" && envelope.Error.InnerError.Code != "ResponsibleAIPolicyViolation" {
		return nil
	}

	cpe := &ContentPolicyError{Category: "illegal_activity"}
	best := -1
	for category, verdict := range envelope.Error.InnerError.ContentFilterResult {
		if !verdict.Filtered && verdict.Severity == "safe" {
			continue
		}
		if rank := severityRank[verdict.Severity]; rank > best {
			best = rank
			cpe.Category = category
			cpe.Severity = verdict.Severity
		}
	}
	// Drug-related refusals come back under inconsistent category names;
	// the provider message text is the reliable signal for those.
	if bytes.Contains(bytes.ToLower(raw), []byte("drugs")) {
		cpe.Category = "illegal_activity"
	}
	return cpe
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// openAIStream consumes the SSE response body frame by frame.
type openAIStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

// Recv returns the next non-empty content fragment. io.EOF signals the
// [DONE] sentinel (or end of body); a finish_reason of "content_filter"
// surfaces as *ContentPolicyError.
func (s *openAIStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			s.done = true
			return "", io.EOF
		}

		var chunk oaiStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return "", fmt.Errorf("relay: decode stream chunk: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason == "content_filter" {
			s.done = true
			return "", &ContentPolicyError{}
		}
		if choice.Delta.Content == "" {
			continue
		}
		return choice.Delta.Content, nil
	}

	if err := s.scanner.Err(); err != nil {
		return "", fmt.Errorf("relay: read stream: %w", err)
	}
	s.done = true
	return "", io.EOF
}

func (s *openAIStream) Close() error {
	s.done = true
	return s.body.Close()
}
