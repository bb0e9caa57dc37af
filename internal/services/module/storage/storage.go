// Package storage defines persistence contracts for loaded module
// content: module records, entity rows, typed property rows, and
// campaign-module bindings.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/lorevault/lorevault/internal/services/module/domain"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists indicates a uniqueness-constrained record already exists.
	ErrAlreadyExists = errors.New("record already exists")
)

// ModuleRecord stores one loaded module.
type ModuleRecord struct {
	ModuleID         string
	GameSystemID     string
	Name             string
	Version          string
	Author           string
	AuthorUserID     string
	ModuleType       string
	IsOfficial       bool
	License          string
	SourcePath       string
	ContentHash      string
	ValidationStatus domain.ValidationStatus
	ValidationIssues []domain.Issue
	Dependencies     []domain.Dependency
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// EntityRecord stores one module entity with its property rows.
type EntityRecord struct {
	ModuleID    string
	EntityID    string
	EntityType  string
	Name        string
	Description string
	Img         string
	TemplateID  string
	Tags        []string
	SearchText  string
	Properties  []domain.Property
}

// ModuleLoad is the full staged result of one load or reload, persisted
// as a single transaction.
type ModuleLoad struct {
	Module   ModuleRecord
	Entities []EntityRecord
}

// ModuleStatus summarizes one module's stored state.
type ModuleStatus struct {
	ModuleID         string
	EntityCount      int
	PropertyCount    int
	ValidationStatus domain.ValidationStatus
	ValidationIssues []domain.Issue
}

// PropertyQuery selects entities of a game system by one property key
// and value.
type PropertyQuery struct {
	GameSystemID string
	PropertyKey  string
	Value        domain.Value
}

// Store persists module content. ApplyModuleLoad must be atomic: either
// the whole load commits or none of it does, and readers never observe a
// mix of old and new rows.
type Store interface {
	ApplyModuleLoad(ctx context.Context, load ModuleLoad) error
	GetModule(ctx context.Context, moduleID string) (ModuleRecord, error)
	GetModuleStatus(ctx context.Context, moduleID string) (ModuleStatus, error)
	DeleteModule(ctx context.Context, moduleID string) error

	GetEntity(ctx context.Context, moduleID, entityID string) (EntityRecord, error)
	ListEntityIDs(ctx context.Context, gameSystemID string) (map[string]bool, error)
	QueryEntitiesByProperty(ctx context.Context, query PropertyQuery) ([]string, error)

	CreateCampaign(ctx context.Context, campaign domain.Campaign) error
	GetCampaign(ctx context.Context, campaignID string) (domain.Campaign, error)
	BindCampaignModule(ctx context.Context, campaignID, moduleID string) (domain.CampaignBinding, error)
	SetBindingActive(ctx context.Context, campaignID, moduleID string, active bool) error
	ListCampaignModules(ctx context.Context, campaignID string) ([]domain.CampaignBinding, error)
	ResolveCampaignEntity(ctx context.Context, campaignID, entityType, entityID string) (EntityRecord, error)
}
