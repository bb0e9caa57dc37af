// Package manifest parses and validates a content module's top-level
// descriptor (module.json).
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"golang.org/x/mod/semver"

	"github.com/lorevault/lorevault/internal/services/module/domain"
)

// FileName is the descriptor file expected at a module's root.
const FileName = "module.json"

// Manifest is a module's parsed descriptor.
type Manifest struct {
	ModuleID     string              `json:"moduleId"`
	GameSystemID string              `json:"gameSystemId"`
	Name         string              `json:"name"`
	Version      string              `json:"version"`
	Author       string              `json:"author"`
	ModuleType   string              `json:"moduleType"`
	IsOfficial   bool                `json:"isOfficial"`
	License      string              `json:"license"`
	Entities     []string            `json:"entities"`
	Dependencies []domain.Dependency `json:"dependencies"`
}

// Resolve reads and validates the manifest under rootPath. Validation
// does not stop at the first problem: the returned *domain.ManifestError
// lists every missing or invalid field.
func Resolve(rootPath string) (Manifest, error) {
	path := filepath.Join(rootPath, FileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, &domain.ManifestError{
			Path:   path,
			Fields: []domain.FieldError{{Field: FileName, Message: err.Error()}},
		}
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Manifest{}, &domain.ManifestError{
			Path:   path,
			Fields: []domain.FieldError{{Field: FileName, Message: fmt.Sprintf("decode: %v", err)}},
		}
	}

	if fields := Validate(m, rootPath); len(fields) > 0 {
		return Manifest{}, &domain.ManifestError{Path: path, Fields: fields}
	}
	return m, nil
}

// Validate checks required fields, semver format, and that every entity
// file path stays inside the module's own directory tree. It returns one
// FieldError per problem.
func Validate(m Manifest, rootPath string) []domain.FieldError {
	var fields []domain.FieldError
	require := func(field, value string) {
		if strings.TrimSpace(value) == "" {
			fields = append(fields, domain.FieldError{Field: field, Message: "is required"})
		}
	}

	require("moduleId", m.ModuleID)
	require("gameSystemId", m.GameSystemID)
	require("name", m.Name)
	require("version", m.Version)

	if strings.TrimSpace(m.Version) != "" && !IsValidVersion(m.Version) {
		fields = append(fields, domain.FieldError{
			Field:   "version",
			Message: fmt.Sprintf("%q is not a valid semantic version", m.Version),
		})
	}

	if len(m.Entities) == 0 {
		fields = append(fields, domain.FieldError{Field: "entities", Message: "at least one entity file is required"})
	}
	for i, entry := range m.Entities {
		field := fmt.Sprintf("entities[%d]", i)
		if strings.TrimSpace(entry) == "" {
			fields = append(fields, domain.FieldError{Field: field, Message: "is required"})
			continue
		}
		if err := checkEntityPath(rootPath, entry); err != nil {
			fields = append(fields, domain.FieldError{Field: field, Message: err.Error()})
		}
	}

	for i, dep := range m.Dependencies {
		field := fmt.Sprintf("dependencies[%d]", i)
		if strings.TrimSpace(dep.ModuleID) == "" {
			fields = append(fields, domain.FieldError{Field: field, Message: "moduleId is required"})
		}
	}

	return fields
}

// IsValidVersion reports whether value parses as a full semantic version.
// Manifests author versions without the leading "v" that x/mod expects.
func IsValidVersion(value string) bool {
	v := strings.TrimSpace(value)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return semver.IsValid(v) && semver.Canonical(v) == v
}

// checkEntityPath rejects absolute paths and any relative path that
// escapes the module root once cleaned.
func checkEntityPath(rootPath, entry string) error {
	if filepath.IsAbs(entry) {
		return fmt.Errorf("absolute path %q is not allowed", entry)
	}
	clean := filepath.Clean(filepath.FromSlash(entry))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes the module directory", entry)
	}
	resolved := filepath.Join(rootPath, clean)
	rel, err := filepath.Rel(rootPath, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes the module directory", entry)
	}
	return nil
}

// EntityFilePath returns the absolute path of one declared entity file.
// Callers must have validated the manifest first.
func EntityFilePath(rootPath, entry string) string {
	return filepath.Join(rootPath, filepath.Clean(filepath.FromSlash(entry)))
}
