package coordinator

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"go-groupwatch/internal/core/ports"
	"go-groupwatch/internal/domain"
	"go-groupwatch/internal/replygen"
)

type Config struct {
	// PublicURL is the externally reachable base of the callback API.
	PublicURL string `yaml:"public_url"`
	// DefaultWebhookURL is used for workflows without their own webhook.
	DefaultWebhookURL string `yaml:"default_webhook_url"`
}

type ReplySender interface {
	Send(ctx context.Context, webhookURL string, req replygen.Request) error
}

type Stopper interface {
	Stop(ctx context.Context, workflowID uuid.UUID) (bool, error)
}

type Coordinator struct {
	cfg       Config
	leads     ports.LeadRepository
	workflows ports.WorkflowRepository
	artifacts ports.ArtifactStore
	eventBus  ports.EventBus
	sender    ReplySender
	logger    *slog.Logger
}

func NewCoordinator(
	cfg Config,
	leads ports.LeadRepository,
	workflows ports.WorkflowRepository,
	artifacts ports.ArtifactStore,
	bus ports.EventBus,
	sender ReplySender,
	logger *slog.Logger,
) *Coordinator {
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	return &Coordinator{
		cfg:       cfg,
		leads:     leads,
		workflows: workflows,
		artifacts: artifacts,
		eventBus:  bus,
		sender:    sender,
		logger:    logger.With("module", "coordinator"),
	}
}

// ForwardLeads hands every captured lead to the reply generator until ctx
// is done. Call this in main.go as a goroutine.
func (c *Coordinator) ForwardLeads(ctx context.Context) error {
	c.logger.InfoContext(ctx, "coordinator started, forwarding captured leads")

	events, err := c.eventBus.SubscribeLeadCaptured(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to lead events: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			c.logger.InfoContext(ctx, "coordinator shutting down")
			return nil

		case event, ok := <-events:
			if !ok {
				return nil
			}
			if err := c.HandleLeadCaptured(ctx, event); err != nil {
				c.logger.ErrorContext(ctx, "lead not forwarded", "lead_id", event.LeadID, "error", err)
			}
		}
	}
}

// HandleLeadCaptured builds the generator request for one lead and sends it.
func (c *Coordinator) HandleLeadCaptured(ctx context.Context, event domain.LeadCapturedEvent) error {
	// 1. Lead -> Node -> Workflow
	lead, err := c.leads.GetByID(ctx, event.LeadID)
	if err != nil {
		return err
	}
	if lead.Status != domain.LeadCaptured {
		c.logger.DebugContext(ctx, "lead already past captured, skipping", "lead_id", lead.ID, "status", lead.Status)
		return nil
	}
	node, err := c.workflows.NodeByID(ctx, lead.NodeID)
	if err != nil {
		return err
	}
	workflow, err := c.workflows.GetByID(ctx, node.WorkflowID)
	if err != nil {
		return err
	}

	webhook := c.cfg.DefaultWebhookURL
	if workflow.WebhookURL != nil && *workflow.WebhookURL != "" {
		webhook = *workflow.WebhookURL
	}
	if webhook == "" {
		c.logger.WarnContext(ctx, "workflow has no webhook, lead stays captured", "workflow_id", workflow.ID, "lead_id", lead.ID)
		return nil
	}

	// 2. Screenshot is optional
	var screenshot string
	if lead.ArtifactKey != "" && c.artifacts != nil {
		png, err := c.artifacts.Get(ctx, lead.ArtifactKey)
		switch {
		case err == nil:
			screenshot = base64.StdEncoding.EncodeToString(png)
		case errors.Is(err, domain.ErrNotFound):
		default:
			c.logger.WarnContext(ctx, "artifact unavailable", "key", lead.ArtifactKey, "error", err)
		}
	}

	// 3. Send
	req := replygen.Request{
		LeadID:           lead.ID,
		WorkflowID:       workflow.ID,
		NodeID:           node.ID,
		GroupName:        node.GroupName,
		Prompt:           node.Prompt,
		PostURL:          lead.SourceURL,
		Author:           lead.Author,
		Text:             lead.Snippet,
		ScreenshotBase64: screenshot,
		CallbackURL:      c.cfg.PublicURL + "/leads/" + lead.ID.String() + "/callback",
	}
	if err := c.sender.Send(ctx, webhook, req); err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "lead forwarded", "lead_id", lead.ID, "workflow_id", workflow.ID)
	return nil
}

// HandleStops stops local runs when any process asks for it.
func (c *Coordinator) HandleStops(ctx context.Context, stopper Stopper) error {
	events, err := c.eventBus.SubscribeStopRequested(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to stop events: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			stopped, err := stopper.Stop(ctx, event.WorkflowID)
			if err != nil {
				c.logger.ErrorContext(ctx, "stop failed", "workflow_id", event.WorkflowID, "error", err)
				continue
			}
			if stopped {
				c.logger.InfoContext(ctx, "run stopped on request", "workflow_id", event.WorkflowID)
			}
		}
	}
}
