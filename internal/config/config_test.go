package config

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mapLookup(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func validEnv() map[string]string {
	return map[string]string{
		"PROJECT_CONNECTION_STRING": "eastus.api.azureml.ms;sub-123;rg-demo;proj-demo",
		"AGENT_ENDPOINT":            "https://my-openai.openai.azure.com",
		"MODEL_DEPLOYMENT_NAME":     "gpt-4o-global",
		"AGENT_API_KEY":             "key-123",
		"LOGIC_APP_NAME":            "send-email-app",
		"WORKFLOW_TOKEN":            "arm-token",
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(mapLookup(validEnv()))
	require.NoError(t, err)

	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, "https://eastus.api.azureml.ms", cfg.Project.Endpoint)
	require.Equal(t, "https://my-openai.openai.azure.com", cfg.Agent.Endpoint)
	require.Equal(t, "sub-123", cfg.Project.SubscriptionID)
	require.Equal(t, "rg-demo", cfg.Project.ResourceGroup)
	require.Equal(t, "proj-demo", cfg.Project.ProjectName)
	require.Equal(t, "SendEmailAgent", cfg.Agent.AgentName)
	require.Equal(t, "2024-05-01-preview", cfg.Agent.APIVersion)
	require.Equal(t, time.Second, cfg.Agent.RunPollInterval)
	require.Equal(t, 2*time.Minute, cfg.Agent.RunTimeout)
	require.Equal(t, "When_a_HTTP_request_is_received", cfg.Logic.TriggerName)
	require.Equal(t, "https://management.azure.com", cfg.Logic.ManagementURL)
	require.Equal(t, 10, cfg.Chat.MaxTurns)
	require.Equal(t, 2000, cfg.Chat.MaxMessageLength)
	require.Zero(t, cfg.Chat.TaskSettleAfter)
	require.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	require.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestLoad_Overrides(t *testing.T) {
	env := validEnv()
	env["AZURE_SUBSCRIPTION_ID"] = "sub-override"
	env["AZURE_RESOURCE_GROUP"] = "rg-override"
	env["AGENT_ENDPOINT"] = "https://other-openai.openai.azure.com/"
	env["RUN_TIMEOUT"] = "45s"
	env["TASK_SETTLE_AFTER"] = "5s"
	env["ALLOWED_ORIGINS"] = "http://localhost:3000, https://chat.example.com"
	env["LOG_LEVEL"] = "debug"

	cfg, err := load(mapLookup(env))
	require.NoError(t, err)
	require.Equal(t, "sub-override", cfg.Project.SubscriptionID)
	require.Equal(t, "rg-override", cfg.Project.ResourceGroup)
	require.Equal(t, "https://other-openai.openai.azure.com/", cfg.Agent.Endpoint)
	require.Equal(t, 45*time.Second, cfg.Agent.RunTimeout)
	require.Equal(t, 5*time.Second, cfg.Chat.TaskSettleAfter)
	require.Equal(t, []string{"http://localhost:3000", "https://chat.example.com"}, cfg.AllowedOrigins)
	require.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestLoad_MissingRequiredValuesAreAllReported(t *testing.T) {
	_, err := load(mapLookup(map[string]string{}))
	require.Error(t, err)
	msg := err.Error()
	require.Contains(t, msg, "PROJECT_CONNECTION_STRING is required")
	require.Contains(t, msg, "AGENT_ENDPOINT is required")
	require.Contains(t, msg, "MODEL_DEPLOYMENT_NAME is required")
	require.Contains(t, msg, "AGENT_API_KEY")
	require.Contains(t, msg, "LOGIC_APP_NAME is required")
}

func TestLoad_AgentEndpointNotTakenFromProjectHost(t *testing.T) {
	env := validEnv()
	delete(env, "AGENT_ENDPOINT")
	_, err := load(mapLookup(env))
	require.ErrorContains(t, err, "AGENT_ENDPOINT is required (Azure OpenAI resource endpoint)")

	env["AGENT_ENDPOINT"] = "my-openai.openai.azure.com"
	_, err = load(mapLookup(env))
	require.ErrorContains(t, err, "AGENT_ENDPOINT must be an absolute URL")
}

func TestLoad_RunTimeoutMustBePositive(t *testing.T) {
	env := validEnv()
	env["RUN_TIMEOUT"] = "0s"
	_, err := load(mapLookup(env))
	require.ErrorContains(t, err, "RUN_TIMEOUT must be > 0")
}

func TestLoad_InvalidNumbers(t *testing.T) {
	env := validEnv()
	env["MAX_CONVERSATION_TURNS"] = "many"
	env["RUN_POLL_INTERVAL"] = "soon"
	_, err := load(mapLookup(env))
	require.Error(t, err)
	require.Contains(t, err.Error(), "MAX_CONVERSATION_TURNS must be an integer")
	require.Contains(t, err.Error(), "RUN_POLL_INTERVAL must be a duration")
}

func TestLoad_CallbackURLSkipsManagementRequirements(t *testing.T) {
	env := validEnv()
	delete(env, "WORKFLOW_TOKEN")
	env["LOGIC_APP_CALLBACK_URL"] = "https://prod-00.eastus.logic.azure.com/workflows/abc/triggers/manual/paths/invoke?sig=x"
	cfg, err := load(mapLookup(env))
	require.NoError(t, err)
	require.Empty(t, cfg.Logic.Token)
}

func TestLoad_RelativeCallbackURLRejected(t *testing.T) {
	env := validEnv()
	env["LOGIC_APP_CALLBACK_URL"] = "/workflows/abc"
	_, err := load(mapLookup(env))
	require.ErrorContains(t, err, "LOGIC_APP_CALLBACK_URL must be an absolute URL")
}

func TestLoad_TokenRequiredWithoutCallbackURL(t *testing.T) {
	env := validEnv()
	delete(env, "WORKFLOW_TOKEN")
	_, err := load(mapLookup(env))
	require.ErrorContains(t, err, "WORKFLOW_TOKEN")
}

func TestParseConnectionString(t *testing.T) {
	p, err := ParseConnectionString("https://host.example/;s;rg;p")
	require.NoError(t, err)
	require.Equal(t, "https://host.example", p.Endpoint)

	_, err = ParseConnectionString("host;s;rg")
	require.ErrorContains(t, err, "4 ';'-separated parts")

	_, err = ParseConnectionString("host;;rg;p")
	require.ErrorContains(t, err, "part 2 is empty")
}

type fakeGetter struct {
	vals  map[string]string
	calls []string
}

func (f *fakeGetter) GetParameter(_ context.Context, name string) (string, error) {
	f.calls = append(f.calls, name)
	v, ok := f.vals[name]
	if !ok {
		return "", errors.New("parameter not found")
	}
	return v, nil
}

func TestResolveSecrets(t *testing.T) {
	env := validEnv()
	delete(env, "AGENT_API_KEY")
	delete(env, "WORKFLOW_TOKEN")
	env["AGENT_API_KEY_PARAM"] = "/taskchat/agent-key"
	env["WORKFLOW_TOKEN_PARAM"] = "/taskchat/workflow-token"
	cfg, err := load(mapLookup(env))
	require.NoError(t, err)
	require.True(t, cfg.NeedsParamStore())

	g := &fakeGetter{vals: map[string]string{
		"/taskchat/agent-key":      `{"token":"sk-agent"}`,
		"/taskchat/workflow-token": "arm-raw",
	}}
	resolved, err := cfg.ResolveSecrets(context.Background(), g)
	require.NoError(t, err)
	require.Equal(t, "sk-agent", resolved.Agent.APIKey)
	require.Equal(t, "arm-raw", resolved.Logic.Token)
	require.False(t, resolved.NeedsParamStore())

	// the original value is untouched
	require.Empty(t, cfg.Agent.APIKey)
	require.Empty(t, cfg.Logic.Token)
}

func TestResolveSecrets_LiteralWins(t *testing.T) {
	cfg, err := load(mapLookup(validEnv()))
	require.NoError(t, err)
	require.False(t, cfg.NeedsParamStore())

	g := &fakeGetter{}
	resolved, err := cfg.ResolveSecrets(context.Background(), g)
	require.NoError(t, err)
	require.Equal(t, "key-123", resolved.Agent.APIKey)
	require.Empty(t, g.calls)
}

func TestResolveSecrets_Error(t *testing.T) {
	env := validEnv()
	delete(env, "AGENT_API_KEY")
	env["AGENT_API_KEY_PARAM"] = "/missing"
	cfg, err := load(mapLookup(env))
	require.NoError(t, err)

	_, err = cfg.ResolveSecrets(context.Background(), &fakeGetter{})
	require.ErrorContains(t, err, "resolve agent api key")
}
