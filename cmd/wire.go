package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"whatsapp-relay/handler"
	"whatsapp-relay/internal/config"
	"whatsapp-relay/internal/dispatch"
	"whatsapp-relay/internal/integrations/anthropic"
	"whatsapp-relay/internal/integrations/openai"
	"whatsapp-relay/internal/integrations/paramstore"
	"whatsapp-relay/internal/integrations/whatsapp"
	"whatsapp-relay/internal/ratelimit"
	"whatsapp-relay/internal/repository"
	"whatsapp-relay/internal/session"
	"whatsapp-relay/internal/usecase"
)

// store is the key/TTL backend shared by sessions and quotas.
type store interface {
	session.Backend
	ratelimit.Counter
}

type app struct {
	handler    http.Handler
	dispatcher *dispatch.Dispatcher
	memory     *repository.Memory
	logger     *slog.Logger
}

func build(ctx context.Context, cfg config.Config, lambdaMode bool) (*app, error) {
	logger, err := config.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	awsLoad := &awsLoader{}

	// ---- Secrets ----
	var getter paramstore.Getter = cfg.Secrets()
	if cfg.ParamPrefix != "" {
		awsCfg, err := awsLoad.load(ctx)
		if err != nil {
			return nil, err
		}
		getter, err = paramstore.New(awsssm.NewFromConfig(awsCfg), cfg.ParamPrefix)
		if err != nil {
			return nil, err
		}
	}
	verifyToken, err := paramstore.Token(ctx, getter, config.SecretVerifyToken)
	if err != nil {
		return nil, fmt.Errorf("resolve verify token: %w", err)
	}
	appSecret, err := resolveAppSecret(ctx, getter, cfg.ParamPrefix != "", logger)
	if err != nil {
		return nil, err
	}

	// ---- State ----
	var backend store
	var memory *repository.Memory
	switch cfg.StoreBackend {
	case config.BackendDynamoDB:
		awsCfg, err := awsLoad.load(ctx)
		if err != nil {
			return nil, err
		}
		backend, err = repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
		if err != nil {
			return nil, err
		}
	default:
		memory = repository.NewMemory()
		backend = memory
	}
	sessions, err := session.New(backend, cfg.MaxTurns, cfg.SessionTTL(), logger)
	if err != nil {
		return nil, err
	}
	limiter, err := ratelimit.New(backend, cfg.RateLimit, cfg.RateLimitWindow(), logger)
	if err != nil {
		return nil, err
	}

	// ---- Outbound ----
	sender, err := whatsapp.NewClient(getter, config.SecretWhatsAppToken, cfg.PhoneNumberID,
		whatsapp.WithBaseURL(cfg.GraphAPIBaseURL),
		whatsapp.WithVersion(cfg.GraphAPIVersion),
		whatsapp.WithRateLimit(cfg.SendRatePerSecond),
		whatsapp.WithHTTPClient(&http.Client{Timeout: cfg.SendTimeout}),
	)
	if err != nil {
		return nil, err
	}
	llm, err := newLLMClient(cfg, getter)
	if err != nil {
		return nil, err
	}
	generator, err := usecase.NewChatGenerator(llm, cfg.LLMModel, cfg.SystemPrompt)
	if err != nil {
		return nil, err
	}

	// ---- Router and ingress ----
	router, err := usecase.NewRouter(sender, limiter, sessions, generator, usecase.RouterConfig{
		Menu:            cfg.Menu,
		FallbackText:    cfg.FallbackText,
		SendTimeout:     cfg.SendTimeout,
		GenerateTimeout: cfg.GenerateTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}
	dispatcher := dispatch.New(ctx, cfg.MaxConcurrentTasks, cfg.TaskTimeout, logger)
	h, err := handler.NewHandler(router, dispatcher, handler.Config{
		VerifyToken:   verifyToken,
		AppSecret:     appSecret,
		DrainOnReturn: lambdaMode,
	}, logger)
	if err != nil {
		return nil, err
	}
	return &app{handler: h, dispatcher: dispatcher, memory: memory, logger: logger}, nil
}

// resolveAppSecret reads the signing secret. With SSM it is required, so a
// missing or unreachable parameter stops startup. From the environment an
// unset WHATSAPP_APP_SECRET turns signature validation off.
func resolveAppSecret(ctx context.Context, getter paramstore.Getter, required bool, logger *slog.Logger) (string, error) {
	secret, err := paramstore.Token(ctx, getter, config.SecretAppSecret)
	if err == nil {
		return secret, nil
	}
	if required {
		return "", fmt.Errorf("resolve app secret: %w", err)
	}
	logger.Warn("WHATSAPP_APP_SECRET unset, webhook signatures are not validated")
	return "", nil
}

func newLLMClient(cfg config.Config, getter paramstore.Getter) (usecase.LLMClient, error) {
	httpClient := &http.Client{Timeout: cfg.GenerateTimeout}
	switch cfg.LLMProvider {
	case config.ProviderAnthropic:
		return anthropic.NewClient(getter, config.SecretLLMToken,
			anthropic.WithBaseURL(cfg.LLMBaseURL),
			anthropic.WithMaxTokens(cfg.LLMMaxTokens),
			anthropic.WithHTTPClient(httpClient),
		)
	default:
		return openai.NewClient(getter, config.SecretLLMToken,
			openai.WithBaseURL(cfg.LLMBaseURL),
			openai.WithMaxTokens(cfg.LLMMaxTokens),
			openai.WithHTTPClient(httpClient),
		)
	}
}

// awsLoader loads the shared AWS config at most once.
type awsLoader struct {
	cfg    aws.Config
	loaded bool
}

func (l *awsLoader) load(ctx context.Context) (aws.Config, error) {
	if l.loaded {
		return l.cfg, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	l.cfg, l.loaded = cfg, true
	return cfg, nil
}
