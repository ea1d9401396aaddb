// Package config loads the process-wide configuration once at startup.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"taskchat/internal/integrations/paramstore"
)

const (
	defaultAgentName       = "SendEmailAgent"
	defaultAgentAPIVersion = "2024-05-01-preview"
	defaultTriggerName     = "When_a_HTTP_request_is_received"
	defaultManagementURL   = "https://management.azure.com"
)

// Config is immutable after Load; ResolveSecrets returns a new value.
type Config struct {
	AppEnv string
	Port   string

	Project ProjectConfig
	Agent   AgentConfig
	Logic   LogicAppConfig
	Chat    ChatConfig

	AllowedOrigins []string
	LogLevel       slog.Level
}

// ProjectConfig identifies the hosted agent project.
type ProjectConfig struct {
	ConnectionString string
	Endpoint         string
	SubscriptionID   string
	ResourceGroup    string
	ProjectName      string
}

// AgentConfig selects and authenticates the hosted agent.
type AgentConfig struct {
	Endpoint        string
	ModelDeployment string
	AgentID         string
	AgentName       string
	APIKey          string
	APIKeyParam     string
	APIVersion      string
	RunPollInterval time.Duration
	RunTimeout      time.Duration
}

// LogicAppConfig locates the email workflow trigger.
type LogicAppConfig struct {
	WorkflowName  string
	TriggerName   string
	CallbackURL   string
	Token         string
	TokenParam    string
	ManagementURL string
}

// ChatConfig bounds a conversation.
type ChatConfig struct {
	MaxTurns         int
	MaxMessageLength int
	TaskSettleAfter  time.Duration
}

// LoadDotEnv reads .env and then the .env.<APP_ENV> overlay when present.
// Missing files are not an error.
func LoadDotEnv() string {
	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = "dev"
	}
	if err := godotenv.Load(".env"); err != nil {
		slog.Debug("no .env file found, using environment variables")
	}
	overlay := ".env." + appEnv
	if _, err := os.Stat(overlay); err == nil {
		if err := godotenv.Overload(overlay); err != nil {
			slog.Warn("could not load env overlay", "file", overlay, "err", err)
		}
	}
	return appEnv
}

// Load reads configuration from environment variables and validates it.
func Load() (Config, error) {
	return load(os.LookupEnv)
}

func load(lookup func(string) (string, bool)) (Config, error) {
	env := envReader{lookup: lookup}

	cfg := Config{
		AppEnv: env.str("APP_ENV", "dev"),
		Port:   env.str("PORT", "8080"),
		Project: ProjectConfig{
			ConnectionString: env.str("PROJECT_CONNECTION_STRING", ""),
		},
		Agent: AgentConfig{
			Endpoint:        env.str("AGENT_ENDPOINT", ""),
			ModelDeployment: env.str("MODEL_DEPLOYMENT_NAME", ""),
			AgentID:         env.str("AGENT_ID", ""),
			AgentName:       env.str("AGENT_NAME", defaultAgentName),
			APIKey:          env.str("AGENT_API_KEY", ""),
			APIKeyParam:     env.str("AGENT_API_KEY_PARAM", ""),
			APIVersion:      env.str("AGENT_API_VERSION", defaultAgentAPIVersion),
			RunPollInterval: env.duration("RUN_POLL_INTERVAL", time.Second),
			RunTimeout:      env.duration("RUN_TIMEOUT", 2*time.Minute),
		},
		Logic: LogicAppConfig{
			WorkflowName:  env.str("LOGIC_APP_NAME", ""),
			TriggerName:   env.str("LOGIC_APP_TRIGGER_NAME", defaultTriggerName),
			CallbackURL:   env.str("LOGIC_APP_CALLBACK_URL", ""),
			Token:         env.str("WORKFLOW_TOKEN", ""),
			TokenParam:    env.str("WORKFLOW_TOKEN_PARAM", ""),
			ManagementURL: env.str("AZURE_MANAGEMENT_URL", defaultManagementURL),
		},
		Chat: ChatConfig{
			MaxTurns:         env.integer("MAX_CONVERSATION_TURNS", 10),
			MaxMessageLength: env.integer("MAX_MESSAGE_LENGTH", 2000),
			TaskSettleAfter:  env.duration("TASK_SETTLE_AFTER", 0),
		},
		AllowedOrigins: splitList(env.str("ALLOWED_ORIGINS", "*")),
		LogLevel:       env.level("LOG_LEVEL", slog.LevelInfo),
	}

	errs := env.errs
	if cfg.Project.ConnectionString == "" {
		errs = append(errs, errors.New("PROJECT_CONNECTION_STRING is required"))
	} else {
		project, err := ParseConnectionString(cfg.Project.ConnectionString)
		if err != nil {
			errs = append(errs, err)
		} else {
			cfg.Project = project
		}
	}
	cfg.Project.SubscriptionID = env.str("AZURE_SUBSCRIPTION_ID", cfg.Project.SubscriptionID)
	cfg.Project.ResourceGroup = env.str("AZURE_RESOURCE_GROUP", cfg.Project.ResourceGroup)

	if err := cfg.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return cfg, nil
}

// ParseConnectionString splits an AI project connection string of the form
// "<host>;<subscription id>;<resource group>;<project name>".
func ParseConnectionString(s string) (ProjectConfig, error) {
	parts := strings.Split(strings.TrimSpace(s), ";")
	if len(parts) != 4 {
		return ProjectConfig{}, fmt.Errorf("PROJECT_CONNECTION_STRING must have 4 ';'-separated parts, got %d", len(parts))
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
		if parts[i] == "" {
			return ProjectConfig{}, fmt.Errorf("PROJECT_CONNECTION_STRING part %d is empty", i+1)
		}
	}
	host := strings.TrimSuffix(strings.TrimPrefix(parts[0], "https://"), "/")
	return ProjectConfig{
		ConnectionString: s,
		Endpoint:         "https://" + host,
		SubscriptionID:   parts[1],
		ResourceGroup:    parts[2],
		ProjectName:      parts[3],
	}, nil
}

// Validate reports every missing or inconsistent value at once.
func (c Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT cannot be empty"))
	}
	// the project host only locates workflows; runs go to the Azure OpenAI resource
	if c.Agent.Endpoint == "" {
		errs = append(errs, errors.New("AGENT_ENDPOINT is required (Azure OpenAI resource endpoint)"))
	} else if u, err := url.Parse(c.Agent.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, errors.New("AGENT_ENDPOINT must be an absolute URL"))
	}
	if c.Agent.ModelDeployment == "" {
		errs = append(errs, errors.New("MODEL_DEPLOYMENT_NAME is required"))
	}
	if c.Agent.AgentID == "" && c.Agent.AgentName == "" {
		errs = append(errs, errors.New("one of AGENT_ID or AGENT_NAME is required"))
	}
	if c.Agent.APIKey == "" && c.Agent.APIKeyParam == "" {
		errs = append(errs, errors.New("one of AGENT_API_KEY or AGENT_API_KEY_PARAM is required"))
	}
	if c.Agent.RunPollInterval <= 0 {
		errs = append(errs, errors.New("RUN_POLL_INTERVAL must be > 0"))
	}
	if c.Agent.RunTimeout <= 0 {
		errs = append(errs, errors.New("RUN_TIMEOUT must be > 0"))
	}
	if c.Logic.WorkflowName == "" {
		errs = append(errs, errors.New("LOGIC_APP_NAME is required"))
	}
	if c.Logic.CallbackURL != "" {
		if u, err := url.Parse(c.Logic.CallbackURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, errors.New("LOGIC_APP_CALLBACK_URL must be an absolute URL"))
		}
	} else {
		if c.Logic.TriggerName == "" {
			errs = append(errs, errors.New("LOGIC_APP_TRIGGER_NAME is required without LOGIC_APP_CALLBACK_URL"))
		}
		if c.Project.SubscriptionID == "" || c.Project.ResourceGroup == "" {
			errs = append(errs, errors.New("subscription and resource group are required without LOGIC_APP_CALLBACK_URL"))
		}
		if c.Logic.Token == "" && c.Logic.TokenParam == "" {
			errs = append(errs, errors.New("one of WORKFLOW_TOKEN or WORKFLOW_TOKEN_PARAM is required without LOGIC_APP_CALLBACK_URL"))
		}
	}
	if c.Chat.MaxTurns <= 0 {
		errs = append(errs, errors.New("MAX_CONVERSATION_TURNS must be > 0"))
	}
	if c.Chat.MaxMessageLength <= 0 {
		errs = append(errs, errors.New("MAX_MESSAGE_LENGTH must be > 0"))
	}
	if c.Chat.TaskSettleAfter < 0 {
		errs = append(errs, errors.New("TASK_SETTLE_AFTER must be >= 0"))
	}
	return errors.Join(errs...)
}

// NeedsParamStore reports whether any secret must be fetched from SSM.
func (c Config) NeedsParamStore() bool {
	return (c.Agent.APIKey == "" && c.Agent.APIKeyParam != "") ||
		(c.Logic.Token == "" && c.Logic.TokenParam != "")
}

// ResolveSecrets returns a copy of c with SSM-backed secrets filled in.
// Literal values always win over parameter names.
func (c Config) ResolveSecrets(ctx context.Context, g paramstore.Getter) (Config, error) {
	out := c
	if out.Agent.APIKey == "" && out.Agent.APIKeyParam != "" {
		key, err := paramstore.Secret(ctx, g, out.Agent.APIKeyParam)
		if err != nil {
			return Config{}, fmt.Errorf("config: resolve agent api key: %w", err)
		}
		out.Agent.APIKey = key
	}
	if out.Logic.Token == "" && out.Logic.TokenParam != "" {
		token, err := paramstore.Secret(ctx, g, out.Logic.TokenParam)
		if err != nil {
			return Config{}, fmt.Errorf("config: resolve workflow token: %w", err)
		}
		out.Logic.Token = token
	}
	out.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	return out, nil
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) str(key, fallback string) string {
	if v, ok := e.lookup(key); ok {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return fallback
}

func (e *envReader) integer(key string, fallback int) int {
	v := e.str(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s must be an integer: %q", key, v))
		return fallback
	}
	return n
}

func (e *envReader) duration(key string, fallback time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s must be a duration: %q", key, v))
		return fallback
	}
	return d
}

func (e *envReader) level(key string, fallback slog.Level) slog.Level {
	v := e.str(key, "")
	if v == "" {
		return fallback
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s must be one of debug, info, warn, error: %q", key, v))
		return fallback
	}
	return lvl
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
