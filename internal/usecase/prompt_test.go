package usecase

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"whatsapp-relay/internal/domain"
)

type statusErr struct{ code int }

func (e *statusErr) Error() string       { return http.StatusText(e.code) }
func (e *statusErr) HTTPStatusCode() int { return e.code }

type capturingLLM struct {
	answer   string
	err      error
	model    string
	captured []domain.ChatMessage
}

func (c *capturingLLM) Chat(_ context.Context, model string, msgs []domain.ChatMessage) (string, error) {
	c.model = model
	c.captured = msgs
	return c.answer, c.err
}

func expectUsecaseError(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var usecaseErr *Error
	require.ErrorAs(t, err, &usecaseErr)
	require.Equal(t, code, usecaseErr.Code)
	require.Equal(t, reason, usecaseErr.Reason)
}

func TestNewChatGenerator_Validates(t *testing.T) {
	_, err := NewChatGenerator(nil, "gpt-4o-mini", "")
	require.Error(t, err)
	_, err = NewChatGenerator(&capturingLLM{}, " ", "")
	require.Error(t, err)

	g, err := NewChatGenerator(&capturingLLM{}, "gpt-4o-mini", "")
	require.NoError(t, err)
	require.Equal(t, DefaultSystemPrompt, g.systemPrompt)
}

func TestGenerate_BuildsMessages(t *testing.T) {
	llm := &capturingLLM{answer: "  Namaste 🙏  "}
	g, err := NewChatGenerator(llm, "gpt-4o-mini", "be brief")
	require.NoError(t, err)

	history := []domain.Turn{
		domain.UserTurn("Poland Visa 🇵🇱"),
		domain.AgentTurn("Poland has seasonal permits."),
		domain.UserTurn("   "),
	}
	out, err := g.Generate(context.Background(), history, "Fees?")
	require.NoError(t, err)
	require.Equal(t, "Namaste 🙏", out)
	require.Equal(t, "gpt-4o-mini", llm.model)
	require.Equal(t, []domain.ChatMessage{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "Poland Visa 🇵🇱"},
		{Role: "assistant", Content: "Poland has seasonal permits."},
		{Role: "user", Content: "Fees?"},
	}, llm.captured)
}

func TestGenerate_Errors(t *testing.T) {
	g, err := NewChatGenerator(&capturingLLM{err: errors.New("boom")}, "m", "")
	require.NoError(t, err)
	_, err = g.Generate(context.Background(), nil, "x")
	expectUsecaseError(t, err, ErrorUpstream, "llm_error")

	g, err = NewChatGenerator(&capturingLLM{err: &statusErr{code: http.StatusTooManyRequests}}, "m", "")
	require.NoError(t, err)
	_, err = g.Generate(context.Background(), nil, "x")
	expectUsecaseError(t, err, ErrorRateLimited, "llm_rate_limited")

	g, err = NewChatGenerator(&capturingLLM{answer: " \n"}, "m", "")
	require.NoError(t, err)
	_, err = g.Generate(context.Background(), nil, "x")
	expectUsecaseError(t, err, ErrorUpstream, "llm_empty_response")
}
