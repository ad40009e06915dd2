package main

import (
	"fmt"

	"github.com/convoyhq/convoy/internal/agentclient"
	"github.com/convoyhq/convoy/internal/config"
	"github.com/convoyhq/convoy/internal/llm"
	"github.com/convoyhq/convoy/internal/orchestrator"
	"github.com/convoyhq/convoy/internal/planner"
	"github.com/convoyhq/convoy/internal/quota"
	"github.com/convoyhq/convoy/internal/registry"
	"github.com/convoyhq/convoy/internal/relevance"
	"github.com/convoyhq/convoy/internal/safety"
	"github.com/convoyhq/convoy/internal/state"
)

// stack bundles the fully wired core for the CLI commands.
type stack struct {
	cfg          *config.Config
	db           *state.DB
	registry     *registry.Registry
	quota        *quota.Manager
	pending      *safety.PendingManager
	llm          *llm.Client
	orchestrator *orchestrator.Orchestrator
}

// buildStack loads configuration and wires every component. The caller owns
// closing the returned stack.
func buildStack(configPath string) (*stack, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	db, err := state.Open(cfg.State.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	reg, err := registry.Load(cfg.Registry.CatalogPath)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load capability catalog: %w", err)
	}
	if cfg.Registry.Watch {
		if err := reg.Watch(); err != nil {
			db.Close()
			return nil, fmt.Errorf("watch capability catalog: %w", err)
		}
	}

	llmClient, err := llm.NewClient(llm.ClientConfig{
		APIKey:        cfg.Anthropic.APIKey,
		UseAWSBedrock: cfg.Anthropic.UseAWSBedrock,
		AWSRegion:     cfg.Anthropic.AWSRegion,
		AWSProfile:    cfg.Anthropic.AWSProfile,
	})
	if err != nil {
		reg.Close()
		db.Close()
		return nil, err
	}

	qm := quota.NewManager(quota.Limits{
		MaxTokensPerPlanning:      cfg.Quota.MaxTokensPerPlanning,
		MaxTokensPerAgentCall:     cfg.Quota.MaxTokensPerAgentCall,
		MaxTokensPerUserPerDay:    cfg.Quota.MaxTokensPerUserPerDay,
		MaxRequestsPerUserPerDay:  cfg.Quota.MaxRequestsPerUserPerDay,
		MaxTokensPerSystemPerHour: cfg.Quota.MaxTokensPerSystemPerHour,
		MaxConcurrentWorkflows:    cfg.Quota.MaxConcurrentWorkflows,
	}, db)

	validator := planner.NewValidator(reg, cfg.Planner.MaxStepsPerWorkflow)
	plan := planner.New(llmClient, validator, qm, cfg.Anthropic.Model, cfg.Planner.MaxPlanningRetries)
	filter := relevance.NewFilter(reg, llmClient, qm, cfg.Anthropic.ClassifierModel)

	gate := safety.NewGate(reg, cfg.Safety.ApprovalTTL)
	pending, err := safety.NewPendingManager(db)
	if err != nil {
		reg.Close()
		db.Close()
		return nil, fmt.Errorf("init pending actions: %w", err)
	}

	agents := agentclient.New(cfg.Agents.CallTimeout, agentclient.RetryPolicy{
		MaxAttempts: cfg.Agents.MaxAttempts,
		BaseDelay:   cfg.Agents.RetryBaseDelay,
		Multiplier:  2.0,
	})

	orch := orchestrator.New(orchestrator.Config{
		Registry:    reg,
		Filter:      filter,
		Planner:     plan,
		Quota:       qm,
		Gate:        gate,
		Pending:     pending,
		Agents:      agents,
		DB:          db,
		Endpoints:   cfg.Agents.Endpoints,
		Credentials: cfg.Agents.Credentials,
		Model:       cfg.Anthropic.Model,
	})

	return &stack{
		cfg:          cfg,
		db:           db,
		registry:     reg,
		quota:        qm,
		pending:      pending,
		llm:          llmClient,
		orchestrator: orch,
	}, nil
}

// Close releases the stack's resources.
func (s *stack) Close() {
	s.registry.Close()
	s.db.Close()
}
