// Package whatsapp sends messages through the WhatsApp Cloud API.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"whatsapp-relay/internal/domain"
	"whatsapp-relay/internal/integrations/paramstore"
)

const (
	DefaultBaseURL   = "https://graph.facebook.com"
	DefaultVersion   = "v18.0"
	DefaultTokenName = "whatsapp-token"

	// Platform limits.
	maxTextRunes        = 4096
	maxButtons          = 3
	maxButtonTitleRunes = 20
)

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx Graph API responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("whatsapp: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

type textBody struct {
	Body string `json:"body"`
}

type replyButton struct {
	Type  string `json:"type"`
	Reply struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"reply"`
}

type interactive struct {
	Type   string   `json:"type"`
	Body   textBody `json:"body"`
	Action struct {
		Buttons []replyButton `json:"buttons"`
	} `json:"action"`
}

type messageRequest struct {
	MessagingProduct string       `json:"messaging_product"`
	RecipientType    string       `json:"recipient_type,omitempty"`
	To               string       `json:"to,omitempty"`
	Type             string       `json:"type,omitempty"`
	Text             *textBody    `json:"text,omitempty"`
	Interactive      *interactive `json:"interactive,omitempty"`
	Status           string       `json:"status,omitempty"`
	MessageID        string       `json:"message_id,omitempty"`
}

// Client is a focused Graph API client for the messages endpoint.
type Client struct {
	baseURL       string
	version       string
	phoneNumberID string
	httpClient    *http.Client
	limiter       *rate.Limiter
	getter        Getter
	tokenName     string

	tokenMu sync.Mutex
	token   string
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if v := strings.TrimRight(strings.TrimSpace(baseURL), "/"); v != "" {
			c.baseURL = v
		}
	}
}

func WithVersion(version string) Option {
	return func(c *Client) {
		if v := strings.Trim(strings.TrimSpace(version), "/"); v != "" {
			c.version = v
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithRateLimit caps outbound requests per second. Zero or less disables
// client-side limiting.
func WithRateLimit(perSecond float64) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// NewClient creates a Client for phoneNumberID. The access token is read from
// getter under tokenName on first use.
func NewClient(getter Getter, tokenName, phoneNumberID string, opts ...Option) (*Client, error) {
	if getter == nil {
		return nil, errors.New("whatsapp: paramstore getter must not be nil")
	}
	phoneNumberID = strings.TrimSpace(phoneNumberID)
	if phoneNumberID == "" {
		return nil, errors.New("whatsapp: phone number id must not be empty")
	}
	tokenName = strings.TrimSpace(tokenName)
	if tokenName == "" {
		tokenName = DefaultTokenName
	}
	c := &Client{
		baseURL:       DefaultBaseURL,
		version:       DefaultVersion,
		phoneNumberID: phoneNumberID,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		limiter:       rate.NewLimiter(20, 20),
		getter:        getter,
		tokenName:     tokenName,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return c, nil
}

// resolveToken caches the token once a lookup succeeds. Failed lookups are
// retried on the next call.
func (c *Client) resolveToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if c.token != "" {
		return c.token, nil
	}
	token, err := paramstore.Token(ctx, c.getter, c.tokenName)
	if err != nil {
		return "", fmt.Errorf("whatsapp: resolve access token: %w", err)
	}
	c.token = token
	return token, nil
}

func (c *Client) messagesURL() string {
	return c.baseURL + "/" + c.version + "/" + c.phoneNumberID + "/messages"
}

// SendText sends a plain text message. Text beyond the platform limit is
// truncated.
func (c *Client) SendText(ctx context.Context, to, text string) error {
	if strings.TrimSpace(to) == "" {
		return errors.New("whatsapp: recipient must not be empty")
	}
	if strings.TrimSpace(text) == "" {
		return errors.New("whatsapp: text must not be empty")
	}
	return c.post(ctx, messageRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "text",
		Text:             &textBody{Body: truncateRunes(text, maxTextRunes)},
	})
}

// SendButtons sends body with up to three reply buttons in the given order.
func (c *Client) SendButtons(ctx context.Context, to, body string, options []domain.MenuOption) error {
	if strings.TrimSpace(to) == "" {
		return errors.New("whatsapp: recipient must not be empty")
	}
	if len(options) == 0 || len(options) > maxButtons {
		return fmt.Errorf("whatsapp: need 1 to %d buttons, got %d", maxButtons, len(options))
	}
	msg := &interactive{Type: "button", Body: textBody{Body: truncateRunes(body, maxTextRunes)}}
	for _, opt := range options {
		b := replyButton{Type: "reply"}
		b.Reply.ID = opt.ID
		b.Reply.Title = truncateRunes(opt.Label, maxButtonTitleRunes)
		msg.Action.Buttons = append(msg.Action.Buttons, b)
	}
	return c.post(ctx, messageRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "interactive",
		Interactive:      msg,
	})
}

// MarkRead marks an inbound message as read.
func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	if strings.TrimSpace(messageID) == "" {
		return errors.New("whatsapp: message id must not be empty")
	}
	return c.post(ctx, messageRequest{
		MessagingProduct: "whatsapp",
		Status:           "read",
		MessageID:        messageID,
	})
}

func (c *Client) post(ctx context.Context, payload messageRequest) error {
	token, err := c.resolveToken(ctx)
	if err != nil {
		return err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("whatsapp: rate limit wait: %w", err)
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("whatsapp: marshal request: %w", err)
	}
	url := c.messagesURL()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("whatsapp: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &HTTPStatusError{StatusCode: res.StatusCode, URL: url, Body: string(buf)}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<16))
	return nil
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit])
}
