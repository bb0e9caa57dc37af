// Package validate runs the multi-pass module validation: manifest,
// structural, and referential checks. Passes never short-circuit; every
// finding is accumulated onto one report so operators see the full
// picture in a single load.
package validate

import (
	"fmt"
	"strings"

	"github.com/lorevault/lorevault/internal/services/module/domain"
	"github.com/lorevault/lorevault/internal/services/module/manifest"
)

// TemplateRegistry answers whether a templateId is known to the game
// system's template catalog.
type TemplateRegistry interface {
	HasTemplate(templateID string) bool
}

// DependencyResolver answers whether a dependency module is loaded.
type DependencyResolver interface {
	HasModule(moduleID string) bool
}

// ReferenceResolver answers whether an entityId is known across the
// modules sharing the game system, including the module being validated.
type ReferenceResolver interface {
	HasEntity(entityID string) bool
}

// Run executes all three passes and returns the combined report. Nil
// resolvers skip their respective best-effort checks.
func Run(m manifest.Manifest, entities []domain.Entity, deps DependencyResolver, templates TemplateRegistry, refs ReferenceResolver) domain.Report {
	var report domain.Report
	report.Add(ManifestPass(m, deps)...)
	report.Add(StructuralPass(entities, templates)...)
	report.Add(ReferentialPass(entities, refs)...)
	return report
}

// ManifestPass checks required-field presence, semver parseability, and
// dependency declarations. A dependency that is well-formed but not yet
// loaded is a warning, not an error: modules may load in any order.
func ManifestPass(m manifest.Manifest, deps DependencyResolver) []domain.Issue {
	var issues []domain.Issue
	require := func(field, value string) {
		if strings.TrimSpace(value) == "" {
			issues = append(issues, domain.Issue{
				Severity: domain.SeverityError,
				Code:     domain.CodeManifestFieldMissing,
				Message:  fmt.Sprintf("manifest field %s is required", field),
			})
		}
	}
	require("moduleId", m.ModuleID)
	require("gameSystemId", m.GameSystemID)
	require("name", m.Name)
	require("version", m.Version)

	if strings.TrimSpace(m.Version) != "" && !manifest.IsValidVersion(m.Version) {
		issues = append(issues, domain.Issue{
			Severity: domain.SeverityError,
			Code:     domain.CodeManifestVersionInvalid,
			Message:  fmt.Sprintf("version %q is not a valid semantic version", m.Version),
		})
	}

	for i, dep := range m.Dependencies {
		if strings.TrimSpace(dep.ModuleID) == "" || !IsValidVersionRange(dep.VersionRange) {
			issues = append(issues, domain.Issue{
				Severity: domain.SeverityError,
				Code:     domain.CodeDependencyMalformed,
				Message:  fmt.Sprintf("dependency %d is malformed", i),
				Details:  fmt.Sprintf("moduleId=%q versionRange=%q", dep.ModuleID, dep.VersionRange),
			})
			continue
		}
		if deps != nil && !deps.HasModule(dep.ModuleID) {
			issues = append(issues, domain.Issue{
				Severity: domain.SeverityWarning,
				Code:     domain.CodeDependencyUnresolved,
				Message:  fmt.Sprintf("dependency module %s is not loaded", dep.ModuleID),
			})
		}
	}

	return issues
}

// StructuralPass checks per-entity identity fields, entityId uniqueness
// within the module, and templateId resolvability. Duplicate entityIds
// flag the later occurrence; unresolvable templates warn but never block.
func StructuralPass(entities []domain.Entity, templates TemplateRegistry) []domain.Issue {
	var issues []domain.Issue
	seen := make(map[string]bool, len(entities))

	for _, entity := range entities {
		if strings.TrimSpace(entity.EntityID) == "" {
			issues = append(issues, domain.Issue{
				Severity: domain.SeverityError,
				Code:     domain.CodeEntityFieldMissing,
				Message:  "entity is missing entityId",
				EntityID: entity.EntityID,
			})
		}
		if strings.TrimSpace(entity.EntityType) == "" {
			issues = append(issues, domain.Issue{
				Severity: domain.SeverityError,
				Code:     domain.CodeEntityFieldMissing,
				Message:  fmt.Sprintf("entity %s is missing entityType", entity.EntityID),
				EntityID: entity.EntityID,
			})
		}
		if strings.TrimSpace(entity.Name) == "" {
			issues = append(issues, domain.Issue{
				Severity: domain.SeverityError,
				Code:     domain.CodeEntityFieldMissing,
				Message:  fmt.Sprintf("entity %s is missing name", entity.EntityID),
				EntityID: entity.EntityID,
			})
		}

		if entity.EntityID != "" {
			if seen[entity.EntityID] {
				issues = append(issues, domain.Issue{
					Severity: domain.SeverityError,
					Code:     domain.CodeEntityDuplicateID,
					Message:  fmt.Sprintf("entityId %s appears more than once in this module", entity.EntityID),
					EntityID: entity.EntityID,
				})
			}
			seen[entity.EntityID] = true
		}

		if templates != nil && strings.TrimSpace(entity.TemplateID) != "" && !templates.HasTemplate(entity.TemplateID) {
			issues = append(issues, domain.Issue{
				Severity: domain.SeverityWarning,
				Code:     domain.CodeTemplateUnresolved,
				Message:  fmt.Sprintf("template %s is not registered", entity.TemplateID),
				EntityID: entity.EntityID,
			})
		}
	}

	return issues
}

// ReferentialPass checks every reference-typed property against the
// known entityIds of the shared game system. Unresolved references warn
// only: the target module may load later.
func ReferentialPass(entities []domain.Entity, refs ReferenceResolver) []domain.Issue {
	if refs == nil {
		return nil
	}
	var issues []domain.Issue
	for _, entity := range entities {
		for _, property := range entity.Properties {
			if property.Value.Type != domain.ValueReference {
				continue
			}
			target := property.Value.Text
			if target == "" || refs.HasEntity(target) {
				continue
			}
			issues = append(issues, domain.Issue{
				Severity:    domain.SeverityWarning,
				Code:        domain.CodeReferenceUnresolved,
				Message:     fmt.Sprintf("reference to unknown entity %s", target),
				EntityID:    entity.EntityID,
				PropertyKey: property.Path,
			})
		}
	}
	return issues
}

// IsValidVersionRange accepts the dependency range grammar: "*", an
// exact semantic version, or a caret major prefix ("^1", "^1.2").
func IsValidVersionRange(value string) bool {
	v := strings.TrimSpace(value)
	if v == "" || v == "*" {
		// Absent range means "any version".
		return true
	}
	if strings.HasPrefix(v, "^") {
		v = strings.TrimPrefix(v, "^")
		if v == "" {
			return false
		}
		for _, part := range strings.Split(v, ".") {
			if part == "" {
				return false
			}
			for _, r := range part {
				if r < '0' || r > '9' {
					return false
				}
			}
		}
		return true
	}
	return manifest.IsValidVersion(v)
}
