package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"taskchat/handler"
	"taskchat/internal/config"
	"taskchat/internal/domain"
	"taskchat/internal/integrations/assistants"
	"taskchat/internal/integrations/logicapps"
	"taskchat/internal/integrations/paramstore"
	"taskchat/internal/usecase"
)

// Gateway.History lists the hosted thread through this.
var _ usecase.ThreadReader = (*assistants.Client)(nil)

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}

// loadConfig reads the environment once and installs the JSON logger.
func loadConfig(ctx context.Context) (config.Config, error) {
	appEnv := config.LoadDotEnv()
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))
	slog.Info("configuration loaded", "app_env", appEnv, "workflow", cfg.Logic.WorkflowName)

	if !cfg.NeedsParamStore() {
		return cfg, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return config.Config{}, fmt.Errorf("load AWS config: %w", err)
	}
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return config.Config{}, fmt.Errorf("create SSM client: %w", err)
	}
	return cfg.ResolveSecrets(ctx, ssmClient)
}

// buildHandler wires the agent, workflow and gateway layers behind the HTTP
// handler.
func buildHandler(ctx context.Context, cfg config.Config, opts ...handler.Option) (*handler.Handler, error) {
	agent, err := assistants.NewAzureClient(assistants.AzureSettings{
		Endpoint:        cfg.Agent.Endpoint,
		APIKey:          cfg.Agent.APIKey,
		APIVersion:      cfg.Agent.APIVersion,
		ModelDeployment: cfg.Agent.ModelDeployment,
	},
		assistants.WithPollInterval(cfg.Agent.RunPollInterval),
		assistants.WithRunTimeout(cfg.Agent.RunTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("create agent client: %w", err)
	}
	_, err = agent.EnsureAssistant(ctx, assistants.AssistantSpec{
		ID:           cfg.Agent.AgentID,
		Name:         cfg.Agent.AgentName,
		Model:        cfg.Agent.ModelDeployment,
		Instructions: usecase.AgentInstructions(),
		Actions:      usecase.ActionSpecs(),
	})
	if err != nil {
		return nil, fmt.Errorf("ensure assistant: %w", err)
	}
	slog.Info("assistant ready", "assistant_id", agent.AssistantID(), "run_timeout", cfg.Agent.RunTimeout)

	workflows := logicapps.NewClient(cfg.Project.SubscriptionID, cfg.Project.ResourceGroup,
		logicapps.WithManagementURL(cfg.Logic.ManagementURL),
		logicapps.WithToken(cfg.Logic.Token),
	)
	if cfg.Logic.CallbackURL != "" {
		err = workflows.RegisterCallbackURL(cfg.Logic.WorkflowName, cfg.Logic.CallbackURL)
	} else {
		err = workflows.Register(ctx, cfg.Logic.WorkflowName, cfg.Logic.TriggerName)
	}
	if err != nil {
		return nil, fmt.Errorf("register workflow: %w", err)
	}

	bridge := usecase.BridgeConfig{
		Workflows:   map[domain.ActionType]string{domain.ActionSendEmail: cfg.Logic.WorkflowName},
		SettleAfter: cfg.Chat.TaskSettleAfter,
	}
	if workflows.CanCheckStatus() {
		bridge.Status = workflows
	}
	slog.Info("workflow registered", "workflow", cfg.Logic.WorkflowName, "run_status", bridge.Status != nil)

	gateway, err := usecase.NewGateway(agent, workflows, usecase.GatewayConfig{
		MaxTurns:         cfg.Chat.MaxTurns,
		MaxMessageLength: cfg.Chat.MaxMessageLength,
		Bridge:           bridge,
	}, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("create gateway: %w", err)
	}

	opts = append([]handler.Option{
		handler.WithLogger(slog.Default()),
		handler.WithAllowedOrigins(cfg.AllowedOrigins),
	}, opts...)
	return handler.NewHandler(gateway, opts...)
}
