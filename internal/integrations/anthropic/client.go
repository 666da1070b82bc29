// Package anthropic adapts the Anthropic Messages API to the chat interface
// used by the reply generator.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"whatsapp-relay/internal/domain"
	"whatsapp-relay/internal/integrations/paramstore"
)

const (
	DefaultTokenName = "llm-token"
	DefaultMaxTokens = 1024
)

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses.
type HTTPStatusError struct {
	StatusCode int
	Err        error
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("anthropic: unexpected status %d: %v", e.StatusCode, e.Err)
}

func (e *HTTPStatusError) Unwrap() error { return e.Err }

func (e *HTTPStatusError) HTTPStatusCode() int { return e.StatusCode }

type Client struct {
	sdk       anthropicsdk.Client
	getter    Getter
	tokenName string
	maxTokens int64

	keyMu  sync.Mutex
	apiKey string
}

type config struct {
	baseURL    string
	httpClient *http.Client
	maxTokens  int64
}

type Option func(*config)

func WithBaseURL(baseURL string) Option {
	return func(c *config) { c.baseURL = strings.TrimSpace(baseURL) }
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *config) { c.httpClient = httpClient }
}

func WithMaxTokens(n int) Option {
	return func(c *config) { c.maxTokens = int64(n) }
}

func NewClient(getter Getter, tokenName string, opts ...Option) (*Client, error) {
	if getter == nil {
		return nil, errors.New("anthropic: paramstore getter must not be nil")
	}
	tokenName = strings.TrimSpace(tokenName)
	if tokenName == "" {
		tokenName = DefaultTokenName
	}
	cfg := config{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		maxTokens:  DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxTokens <= 0 {
		cfg.maxTokens = DefaultMaxTokens
	}

	reqOpts := []option.RequestOption{
		option.WithHTTPClient(cfg.httpClient),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	return &Client{
		sdk:       anthropicsdk.NewClient(reqOpts...),
		getter:    getter,
		tokenName: tokenName,
		maxTokens: cfg.maxTokens,
	}, nil
}

func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	if c.apiKey != "" {
		return c.apiKey, nil
	}
	key, err := paramstore.Token(ctx, c.getter, c.tokenName)
	if err != nil {
		return "", fmt.Errorf("anthropic: resolve api key: %w", err)
	}
	c.apiKey = key
	return key, nil
}

// Chat sends messages to the Messages API. System messages are lifted into
// the system prompt; consecutive turns of the same role are merged since the
// API requires alternation.
func (c *Client) Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error) {
	if model == "" {
		return "", errors.New("anthropic: model must not be empty")
	}
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return "", err
	}

	system, turns := splitMessages(messages)
	if len(turns) == 0 {
		return "", errors.New("anthropic: no user or assistant messages")
	}
	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(model),
		MaxTokens: c.maxTokens,
		Messages:  turns,
	}
	if system != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: system}}
	}

	resp, err := c.sdk.Messages.New(ctx, params, option.WithAPIKey(apiKey))
	if err != nil {
		var apiErr *anthropicsdk.Error
		if errors.As(err, &apiErr) {
			return "", &HTTPStatusError{StatusCode: apiErr.StatusCode, Err: err}
		}
		return "", fmt.Errorf("anthropic: request failed: %w", err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String(), nil
}

func splitMessages(messages []domain.ChatMessage) (string, []anthropicsdk.MessageParam) {
	var system []string
	type turn struct {
		role string
		text []string
	}
	var turns []turn
	for _, m := range messages {
		text := strings.TrimSpace(m.Content)
		if text == "" {
			continue
		}
		if m.Role == domain.ChatRoleSystem {
			system = append(system, text)
			continue
		}
		role := domain.ChatRoleUser
		if m.Role == domain.ChatRoleAssistant {
			role = domain.ChatRoleAssistant
		}
		if n := len(turns); n > 0 && turns[n-1].role == role {
			turns[n-1].text = append(turns[n-1].text, text)
			continue
		}
		// The API rejects a conversation that opens with an assistant turn.
		if len(turns) == 0 && role == domain.ChatRoleAssistant {
			continue
		}
		turns = append(turns, turn{role: role, text: []string{text}})
	}

	out := make([]anthropicsdk.MessageParam, 0, len(turns))
	for _, t := range turns {
		block := anthropicsdk.NewTextBlock(strings.Join(t.text, "\n\n"))
		if t.role == domain.ChatRoleAssistant {
			out = append(out, anthropicsdk.NewAssistantMessage(block))
		} else {
			out = append(out, anthropicsdk.NewUserMessage(block))
		}
	}
	return strings.Join(system, "\n\n"), out
}
