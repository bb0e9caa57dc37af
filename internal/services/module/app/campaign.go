package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lorevault/lorevault/internal/platform/id"
	"github.com/lorevault/lorevault/internal/services/module/domain"
	"github.com/lorevault/lorevault/internal/services/module/eav"
	"github.com/lorevault/lorevault/internal/services/module/storage"
)

// RegisterCampaign records a campaign so modules can bind to it. A blank
// id gets a generated one.
func (e *Engine) RegisterCampaign(ctx context.Context, campaign domain.Campaign) (domain.Campaign, error) {
	if strings.TrimSpace(campaign.GameSystemID) == "" {
		return domain.Campaign{}, fmt.Errorf("game system id is required")
	}
	if strings.TrimSpace(campaign.ID) == "" {
		generated, err := id.NewID()
		if err != nil {
			return domain.Campaign{}, fmt.Errorf("generate campaign id: %w", err)
		}
		campaign.ID = generated
	}
	if err := e.store.CreateCampaign(ctx, campaign); err != nil {
		return domain.Campaign{}, fmt.Errorf("register campaign %s: %w", campaign.ID, err)
	}
	return campaign, nil
}

// BindModuleToCampaign appends a loaded module to a campaign's load
// order. The campaign and module must share a game system; a mismatch
// rejects the bind and writes nothing.
func (e *Engine) BindModuleToCampaign(ctx context.Context, campaignID, moduleID string) (domain.CampaignBinding, error) {
	ctx, span := e.tracer.Start(ctx, "module.bind", trace.WithAttributes(
		attribute.String("campaign.id", campaignID),
		attribute.String("module.id", moduleID),
	))
	defer span.End()

	campaign, err := e.store.GetCampaign(ctx, campaignID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.CampaignBinding{}, domain.ErrCampaignNotFound
		}
		return domain.CampaignBinding{}, fmt.Errorf("lookup campaign %s: %w", campaignID, err)
	}
	module, err := e.store.GetModule(ctx, moduleID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.CampaignBinding{}, domain.ErrModuleNotFound
		}
		return domain.CampaignBinding{}, fmt.Errorf("lookup module %s: %w", moduleID, err)
	}
	if campaign.GameSystemID != module.GameSystemID {
		return domain.CampaignBinding{}, &domain.GameSystemMismatchError{
			CampaignID:       campaign.ID,
			CampaignSystemID: campaign.GameSystemID,
			ModuleID:         module.ModuleID,
			ModuleSystemID:   module.GameSystemID,
		}
	}

	binding, err := e.store.BindCampaignModule(ctx, campaignID, moduleID)
	if err != nil {
		return domain.CampaignBinding{}, fmt.Errorf("bind module %s to campaign %s: %w", moduleID, campaignID, err)
	}
	log.Printf("module %s bound to campaign %s at load order %d", moduleID, campaignID, binding.LoadOrder)
	return binding, nil
}

// SetModuleActive toggles a binding without changing its load order.
func (e *Engine) SetModuleActive(ctx context.Context, campaignID, moduleID string, active bool) error {
	if err := e.store.SetBindingActive(ctx, campaignID, moduleID, active); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.ErrModuleNotFound
		}
		return fmt.Errorf("set module %s active on campaign %s: %w", moduleID, campaignID, err)
	}
	return nil
}

// ListCampaignModules returns a campaign's bindings in load order.
func (e *Engine) ListCampaignModules(ctx context.Context, campaignID string) ([]domain.CampaignBinding, error) {
	if _, err := e.store.GetCampaign(ctx, campaignID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, domain.ErrCampaignNotFound
		}
		return nil, fmt.Errorf("lookup campaign %s: %w", campaignID, err)
	}
	bindings, err := e.store.ListCampaignModules(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list campaign modules %s: %w", campaignID, err)
	}
	return bindings, nil
}

// ResolveCampaignEntity returns the entity a campaign sees for one type
// and id, with its data payload reconstructed. Among active bindings the
// highest load order wins.
func (e *Engine) ResolveCampaignEntity(ctx context.Context, campaignID, entityType, entityID string) (domain.Entity, error) {
	record, err := e.store.ResolveCampaignEntity(ctx, campaignID, entityType, entityID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Entity{}, domain.ErrEntityNotFound
		}
		return domain.Entity{}, fmt.Errorf("resolve entity %s for campaign %s: %w", entityID, campaignID, err)
	}

	data, err := eav.Reconstruct(record.Properties)
	if err != nil {
		return domain.Entity{}, fmt.Errorf("reconstruct entity %s: %w", entityID, err)
	}
	return domain.Entity{
		EntityID:    record.EntityID,
		EntityType:  record.EntityType,
		Name:        record.Name,
		Description: record.Description,
		Img:         record.Img,
		TemplateID:  record.TemplateID,
		Tags:        record.Tags,
		SearchText:  record.SearchText,
		Data:        data,
		Properties:  record.Properties,
	}, nil
}
