package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"whatsapp-relay/internal/domain"
	"whatsapp-relay/internal/intent"
)

const (
	defaultSendTimeout     = 10 * time.Second
	defaultGenerateTimeout = 30 * time.Second
	maxMenuOptions         = 3
)

// DefaultFallbackText is sent when generation fails.
const DefaultFallbackText = "Namaste! 🙏 I am currently experiencing high traffic. Please try again in a moment. (Maaf garnuhola, maile ahile uttar dina sakina.)"

// Outcome is the terminal state of one processing cycle.
type Outcome string

const (
	OutcomeDropped       Outcome = "dropped"
	OutcomeQuotaRejected Outcome = "quota_rejected"
	OutcomeMenuSent      Outcome = "menu_sent"
	OutcomeResponded     Outcome = "responded"
	OutcomeFailed        Outcome = "failed"
)

// Sender delivers outbound messages to a user.
type Sender interface {
	SendText(ctx context.Context, to, text string) error
	SendButtons(ctx context.Context, to, body string, options []domain.MenuOption) error
	MarkRead(ctx context.Context, messageID string) error
}

type QuotaChecker interface {
	Allow(ctx context.Context, userID string) bool
}

type SessionStore interface {
	LoadHistory(ctx context.Context, userID string) ([]domain.Turn, error)
	AppendTurn(ctx context.Context, userID string, turns ...domain.Turn) error
}

type Generator interface {
	Generate(ctx context.Context, history []domain.Turn, input string) (string, error)
}

type RouterConfig struct {
	Menu            domain.Menu
	FallbackText    string
	SendTimeout     time.Duration
	GenerateTimeout time.Duration
}

// Router runs one inbound event through acknowledge, quota, classification
// and dispatch. Each call to Handle is independent; the router holds no
// per-user state of its own.
type Router struct {
	sender    Sender
	quota     QuotaChecker
	sessions  SessionStore
	generator Generator
	cfg       RouterConfig
	logger    *slog.Logger
}

func NewRouter(sender Sender, quota QuotaChecker, sessions SessionStore, generator Generator, cfg RouterConfig, logger *slog.Logger) (*Router, error) {
	if sender == nil {
		return nil, errors.New("usecase: sender must not be nil")
	}
	if quota == nil {
		return nil, errors.New("usecase: quota checker must not be nil")
	}
	if sessions == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	if generator == nil {
		return nil, errors.New("usecase: generator must not be nil")
	}
	if len(cfg.Menu.Options) == 0 || len(cfg.Menu.Options) > maxMenuOptions {
		return nil, fmt.Errorf("usecase: menu needs 1 to %d options, got %d", maxMenuOptions, len(cfg.Menu.Options))
	}
	if strings.TrimSpace(cfg.Menu.Body) == "" {
		return nil, errors.New("usecase: menu body must not be empty")
	}
	if strings.TrimSpace(cfg.FallbackText) == "" {
		cfg.FallbackText = DefaultFallbackText
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = defaultGenerateTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		sender:    sender,
		quota:     quota,
		sessions:  sessions,
		generator: generator,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// Handle processes ev to completion. Every failure is logged and folded into
// the returned Outcome.
func (r *Router) Handle(ctx context.Context, ev domain.InboundEvent) (out Outcome) {
	logger := r.logger.With("user", ev.UserID, "message_id", ev.MessageID)
	if id := CorrelationID(ctx); id != "" {
		logger = logger.With("correlation_id", id)
	}
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("router: panic", "err", newError(ErrorInternal, "panic", fmt.Errorf("%v", rec)))
			out = OutcomeFailed
		}
		logger.Info("router: cycle finished", "outcome", out, "type", ev.Type)
	}()

	if ev.MessageID != "" {
		if err := r.call(ctx, r.cfg.SendTimeout, func(ctx context.Context) error {
			return r.sender.MarkRead(ctx, ev.MessageID)
		}); err != nil {
			logger.Warn("router: mark read failed", "err", newError(ErrorUpstream, "mark_read_error", err))
		}
	}

	if strings.TrimSpace(ev.UserID) == "" {
		logger.Warn("router: dropping event", "err", newError(ErrorInvalidInput, "missing_sender", nil))
		return OutcomeDropped
	}

	if !r.quota.Allow(ctx, ev.UserID) {
		return OutcomeQuotaRejected
	}

	in := intent.Classify(ev)
	logger.Debug("router: classified", "intent", in.Kind.String())

	switch in.Kind {
	case intent.Menu:
		if err := r.call(ctx, r.cfg.SendTimeout, func(ctx context.Context) error {
			return r.sender.SendButtons(ctx, ev.UserID, r.cfg.Menu.Body, r.cfg.Menu.Options)
		}); err != nil {
			logger.Error("router: send menu failed", "err", newError(ErrorUpstream, "send_buttons_error", err))
			return OutcomeFailed
		}
		return OutcomeMenuSent
	case intent.ButtonSelection, intent.FreeText:
		return r.respond(ctx, logger, ev.UserID, in.Text)
	default:
		return OutcomeDropped
	}
}

func (r *Router) respond(ctx context.Context, logger *slog.Logger, userID, text string) Outcome {
	history, err := r.sessions.LoadHistory(ctx, userID)
	if err != nil {
		logger.Warn("router: history unavailable, continuing without it", "err", newError(ErrorStorage, "history_read_error", err))
		history = nil
	}

	reply := r.generate(ctx, logger, history, text)

	if err := r.call(ctx, r.cfg.SendTimeout, func(ctx context.Context) error {
		return r.sender.SendText(ctx, userID, reply)
	}); err != nil {
		logger.Error("router: send reply failed", "err", newError(ErrorUpstream, "send_text_error", err))
		return OutcomeFailed
	}

	if err := r.sessions.AppendTurn(ctx, userID, domain.UserTurn(text), domain.AgentTurn(reply)); err != nil {
		logger.Error("router: history write failed", "err", newError(ErrorStorage, "history_write_error", err))
	}
	return OutcomeResponded
}

// generate never fails: generation errors fall back to the fixed text.
func (r *Router) generate(ctx context.Context, logger *slog.Logger, history []domain.Turn, text string) string {
	var reply string
	err := r.call(ctx, r.cfg.GenerateTimeout, func(ctx context.Context) error {
		var err error
		reply, err = r.generator.Generate(ctx, history, text)
		return err
	})
	if err == nil && strings.TrimSpace(reply) == "" {
		err = newError(ErrorUpstream, "empty_reply", nil)
	}
	if err != nil {
		logger.Error("router: generation failed, sending fallback", "err", err)
		return r.cfg.FallbackText
	}
	return reply
}

func (r *Router) call(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}
