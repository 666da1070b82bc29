package usecase

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"whatsapp-relay/internal/domain"
)

// DefaultSystemPrompt is the assistant persona used when SYSTEM_PROMPT is unset.
var DefaultSystemPrompt = strings.Join([]string{
	"You are 'Namaste Europe', an AI immigration consultant helping Nepali citizens secure work visas for European countries (Schengen zone, UK, Poland, Portugal, Malta, Croatia, Romania).",
	"",
	"Language and tone:",
	"- If the user writes in Nepali (Romanized or Devanagari), reply in clear, professional Nepali. If the user writes in English, reply in English.",
	"- Start with a warm greeting such as \"Namaste 🙏\" and use polite honorifics (Tapai, Hajur).",
	"",
	"Expertise:",
	"- Seasonal work, EU Blue Card and national D-type visas for Poland, Portugal, Malta, Croatia, Romania and the UK.",
	"- Current requirements: digital submission, salary thresholds, stricter document verification, the demand letter and the role of the Department of Foreign Employment (DOFE).",
	"",
	"Formatting for WhatsApp:",
	"- At most 150 words. Use emojis (🇪🇺, 🇳🇵, 📄, ✅) and bullet points for steps or requirements.",
	"- Use bold only for headers.",
	"",
	"Safety:",
	"- Warn users about manpower agency scams and advise checking that the agency is registered with DOFE (foreignemployment.gov.np).",
	"- Disclaimer: \"I am an AI, not a lawyer or government official. Always verify with the official embassy or DOFE.\"",
	"",
	"If the user only greets you, ask which European country they plan to work in (Tapai kun desh jana chahanu hunchha?).",
}, "\n")

// LLMClient is a chat-completion backend.
type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// ChatGenerator produces replies from an LLM using the conversation window
// as context.
type ChatGenerator struct {
	llm          LLMClient
	model        string
	systemPrompt string
}

func NewChatGenerator(llm LLMClient, model, systemPrompt string) (*ChatGenerator, error) {
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errors.New("usecase: model must not be empty")
	}
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = DefaultSystemPrompt
	}
	return &ChatGenerator{llm: llm, model: model, systemPrompt: systemPrompt}, nil
}

// Generate returns the model's reply to input given history (oldest first).
func (g *ChatGenerator) Generate(ctx context.Context, history []domain.Turn, input string) (string, error) {
	raw, err := g.llm.Chat(ctx, g.model, buildPromptMessages(g.systemPrompt, history, input))
	if err != nil {
		if status, ok := upstreamStatusCode(err); ok && status == http.StatusTooManyRequests {
			return "", newError(ErrorRateLimited, "llm_rate_limited", err)
		}
		return "", newError(ErrorUpstream, "llm_error", err)
	}
	answer := strings.TrimSpace(raw)
	if answer == "" {
		return "", newError(ErrorUpstream, "llm_empty_response", nil)
	}
	return answer, nil
}

func buildPromptMessages(systemPrompt string, history []domain.Turn, input string) []domain.ChatMessage {
	messages := make([]domain.ChatMessage, 0, len(history)+2)
	messages = append(messages, domain.ChatMessage{Role: domain.ChatRoleSystem, Content: strings.TrimSpace(systemPrompt)})

	for _, t := range history {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		role := domain.ChatRoleUser
		if t.Role == domain.RoleAgent {
			role = domain.ChatRoleAssistant
		}
		messages = append(messages, domain.ChatMessage{Role: role, Content: text})
	}

	return append(messages, domain.ChatMessage{Role: domain.ChatRoleUser, Content: input})
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
