package domain

import "time"

// ValidationStatus tracks where a module stands in its validation
// lifecycle.
type ValidationStatus string

const (
	// ValidationPending marks a module that has not been validated yet.
	ValidationPending ValidationStatus = "pending"
	// ValidationValid marks a module with no validation errors.
	ValidationValid ValidationStatus = "valid"
	// ValidationInvalid marks a module with at least one validation error.
	ValidationInvalid ValidationStatus = "invalid"
)

// Dependency declares that a module expects another module to be loaded.
type Dependency struct {
	ModuleID     string `json:"moduleId"`
	VersionRange string `json:"versionRange"`
}

// Module is a versioned, named content bundle scoped to one game system.
type Module struct {
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
	ValidationStatus ValidationStatus
	ValidationIssues []Issue
	Dependencies     []Dependency
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Entity is one content item (item, spell, monster, ...) contributed by a
// module. Identity fields stay first-class; everything under Data is an
// opaque payload decomposed into Properties.
type Entity struct {
	EntityID    string
	EntityType  string
	Name        string
	Description string
	Img         string
	TemplateID  string
	Tags        []string
	SearchText  string
	Data        map[string]any
	Properties  []Property
}

// Campaign is the minimal campaign view this engine needs for binding:
// its identity and the game system its content must conform to.
type Campaign struct {
	ID           string
	GameSystemID string
	Name         string
}

// CampaignBinding associates a loaded module with a campaign at a
// position in the campaign's load order.
type CampaignBinding struct {
	CampaignID string
	ModuleID   string
	LoadOrder  int
	IsActive   bool
}
