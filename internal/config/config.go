// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/caarlos0/env/v11"

	"whatsapp-relay/internal/domain"
	"whatsapp-relay/internal/integrations/paramstore"
)

// Secret names, relative to PARAM_PREFIX when secrets come from SSM.
const (
	SecretWhatsAppToken = "whatsapp-token"
	SecretVerifyToken   = "verify-token"
	SecretAppSecret     = "app-secret"
	SecretLLMToken      = "llm-token"
)

const (
	BackendMemory   = "memory"
	BackendDynamoDB = "dynamodb"

	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"

	maxMenuOptions    = 3
	maxMenuLabelRunes = 20
)

var defaultModels = map[string]string{
	ProviderOpenAI:    "gpt-4o-mini",
	ProviderAnthropic: "claude-sonnet-4-5",
}

type Config struct {
	Addr      string `env:"ADDR" envDefault:":8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	ParamPrefix   string `env:"PARAM_PREFIX"`
	VerifyToken   string `env:"WHATSAPP_VERIFY_TOKEN"`
	AppSecret     string `env:"WHATSAPP_APP_SECRET"`
	WhatsAppToken string `env:"WHATSAPP_TOKEN"`
	PhoneNumberID string `env:"PHONE_NUMBER_ID"`

	GraphAPIBaseURL   string        `env:"GRAPH_API_BASE_URL" envDefault:"https://graph.facebook.com"`
	GraphAPIVersion   string        `env:"GRAPH_API_VERSION" envDefault:"v18.0"`
	SendRatePerSecond float64       `env:"SEND_RATE_PER_SECOND" envDefault:"20"`
	SendTimeout       time.Duration `env:"SEND_TIMEOUT" envDefault:"10s"`

	StoreBackend string `env:"STORE_BACKEND" envDefault:"memory"`
	StateTable   string `env:"STATE_TABLE"`

	RateLimit              int `env:"RATE_LIMIT" envDefault:"30"`
	RateLimitWindowSeconds int `env:"RATE_LIMIT_WINDOW_SECONDS" envDefault:"3600"`
	MaxTurns               int `env:"MAX_TURNS" envDefault:"16"`
	SessionTTLSeconds      int `env:"SESSION_TTL_SECONDS" envDefault:"86400"`

	LLMProvider     string        `env:"LLM_PROVIDER" envDefault:"openai"`
	LLMModel        string        `env:"LLM_MODEL"`
	LLMBaseURL      string        `env:"LLM_BASE_URL"`
	LLMAPIKey       string        `env:"LLM_API_KEY"`
	LLMMaxTokens    int           `env:"LLM_MAX_TOKENS" envDefault:"1024"`
	GenerateTimeout time.Duration `env:"GENERATE_TIMEOUT" envDefault:"30s"`

	MaxConcurrentTasks int           `env:"MAX_CONCURRENT_TASKS" envDefault:"64"`
	TaskTimeout        time.Duration `env:"TASK_TIMEOUT" envDefault:"90s"`

	MenuBody     string   `env:"MENU_BODY" envDefault:"Namaste! 🙏 Select a country to check 2025 Visa details:"`
	MenuOptions  []string `env:"MENU_OPTIONS" envSeparator:"," envDefault:"btn_poland=Poland Visa 🇵🇱,btn_portugal=Portugal Visa 🇵🇹,btn_uk=UK Seasonal 🇬🇧"`
	FallbackText string   `env:"FALLBACK_TEXT"`
	SystemPrompt string   `env:"SYSTEM_PROMPT"`

	// Menu is parsed from MenuBody and MenuOptions by Load.
	Menu domain.Menu `env:"-"`
}

// Load reads the environment, applies defaults and validates the result.
func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("config: parse environment: %w", err)
	}
	if err := cfg.finalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) finalize() error {
	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	c.LLMProvider = strings.ToLower(strings.TrimSpace(c.LLMProvider))
	c.ParamPrefix = strings.TrimSpace(c.ParamPrefix)

	if c.LLMModel = strings.TrimSpace(c.LLMModel); c.LLMModel == "" {
		c.LLMModel = defaultModels[c.LLMProvider]
	}
	menu, err := parseMenu(c.MenuBody, c.MenuOptions)
	if err != nil {
		return err
	}
	c.Menu = menu
	return c.validate()
}

func (c *Config) validate() error {
	var errs []error
	if strings.TrimSpace(c.PhoneNumberID) == "" {
		errs = append(errs, errors.New("PHONE_NUMBER_ID is required"))
	}
	if c.ParamPrefix == "" {
		for name, v := range map[string]string{
			"WHATSAPP_TOKEN":        c.WhatsAppToken,
			"WHATSAPP_VERIFY_TOKEN": c.VerifyToken,
			"LLM_API_KEY":           c.LLMAPIKey,
		} {
			if strings.TrimSpace(v) == "" {
				errs = append(errs, fmt.Errorf("%s is required when PARAM_PREFIX is unset", name))
			}
		}
	}
	switch c.StoreBackend {
	case BackendMemory:
	case BackendDynamoDB:
		if strings.TrimSpace(c.StateTable) == "" {
			errs = append(errs, errors.New("STATE_TABLE is required for the dynamodb backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND %q is not one of memory, dynamodb", c.StoreBackend))
	}
	if _, ok := defaultModels[c.LLMProvider]; !ok {
		errs = append(errs, fmt.Errorf("LLM_PROVIDER %q is not one of openai, anthropic", c.LLMProvider))
	}
	if c.RateLimit <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT must be positive"))
	}
	if c.RateLimitWindowSeconds <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_WINDOW_SECONDS must be positive"))
	}
	if c.MaxTurns <= 0 || c.MaxTurns%2 != 0 {
		errs = append(errs, fmt.Errorf("MAX_TURNS must be positive and even, got %d", c.MaxTurns))
	}
	if c.SessionTTLSeconds <= 0 {
		errs = append(errs, errors.New("SESSION_TTL_SECONDS must be positive"))
	}
	if c.SendTimeout <= 0 || c.GenerateTimeout <= 0 || c.TaskTimeout <= 0 {
		errs = append(errs, errors.New("SEND_TIMEOUT, GENERATE_TIMEOUT and TASK_TIMEOUT must be positive"))
	}
	if c.MaxConcurrentTasks <= 0 {
		errs = append(errs, errors.New("MAX_CONCURRENT_TASKS must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func (c Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowSeconds) * time.Second
}

func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

// Secrets returns the secrets carried in the environment, keyed by the same
// names used under PARAM_PREFIX.
func (c Config) Secrets() paramstore.Static {
	return paramstore.Static{
		SecretWhatsAppToken: strings.TrimSpace(c.WhatsAppToken),
		SecretVerifyToken:   strings.TrimSpace(c.VerifyToken),
		SecretAppSecret:     strings.TrimSpace(c.AppSecret),
		SecretLLMToken:      strings.TrimSpace(c.LLMAPIKey),
	}
}

// parseMenu turns ordered "id=label" entries into a menu.
func parseMenu(body string, entries []string) (domain.Menu, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return domain.Menu{}, errors.New("config: MENU_BODY must not be empty")
	}
	menu := domain.Menu{Body: body}
	seen := make(map[string]bool, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, label, ok := strings.Cut(entry, "=")
		id, label = strings.TrimSpace(id), strings.TrimSpace(label)
		if !ok || id == "" || label == "" {
			return domain.Menu{}, fmt.Errorf("config: MENU_OPTIONS entry %q is not id=label", entry)
		}
		if utf8.RuneCountInString(label) > maxMenuLabelRunes {
			return domain.Menu{}, fmt.Errorf("config: MENU_OPTIONS label %q exceeds %d characters", label, maxMenuLabelRunes)
		}
		if seen[id] {
			return domain.Menu{}, fmt.Errorf("config: MENU_OPTIONS id %q is repeated", id)
		}
		seen[id] = true
		menu.Options = append(menu.Options, domain.MenuOption{ID: id, Label: label})
	}
	if len(menu.Options) == 0 || len(menu.Options) > maxMenuOptions {
		return domain.Menu{}, fmt.Errorf("config: MENU_OPTIONS needs 1 to %d entries, got %d", maxMenuOptions, len(menu.Options))
	}
	return menu, nil
}
