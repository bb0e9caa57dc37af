// Package contenthash makes module reloads idempotent: a stable digest
// over canonicalized module content, plus a cheap file-mtime fingerprint
// so unchanged trees are detected without rehashing.
package contenthash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"github.com/lorevault/lorevault/internal/services/module/domain"
	"github.com/lorevault/lorevault/internal/services/module/manifest"
)

// hashedManifest pins the manifest core fields that participate in the
// digest. Entity file paths are layout, not content, and stay out.
type hashedManifest struct {
	ModuleID     string              `json:"moduleId"`
	GameSystemID string              `json:"gameSystemId"`
	Name         string              `json:"name"`
	Version      string              `json:"version"`
	Author       string              `json:"author"`
	ModuleType   string              `json:"moduleType"`
	IsOfficial   bool                `json:"isOfficial"`
	License      string              `json:"license"`
	Dependencies []domain.Dependency `json:"dependencies"`
}

type hashedEntity struct {
	EntityID    string         `json:"entityId"`
	EntityType  string         `json:"entityType"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Img         string         `json:"img"`
	TemplateID  string         `json:"templateId"`
	Tags        []string       `json:"tags"`
	Data        map[string]any `json:"data"`
}

// Digest computes the content hash over the canonicalized manifest core
// fields and the full post-inference entity list. JSON marshaling sorts
// map keys and carries no insignificant whitespace, so the digest is
// stable across key order and formatting differences in the source files.
func Digest(m manifest.Manifest, entities []domain.Entity) (string, error) {
	hashed := struct {
		Manifest hashedManifest `json:"manifest"`
		Entities []hashedEntity `json:"entities"`
	}{
		Manifest: hashedManifest{
			ModuleID:     m.ModuleID,
			GameSystemID: m.GameSystemID,
			Name:         m.Name,
			Version:      m.Version,
			Author:       m.Author,
			ModuleType:   m.ModuleType,
			IsOfficial:   m.IsOfficial,
			License:      m.License,
			Dependencies: m.Dependencies,
		},
	}

	hashed.Entities = make([]hashedEntity, 0, len(entities))
	for _, entity := range entities {
		hashed.Entities = append(hashed.Entities, hashedEntity{
			EntityID:    entity.EntityID,
			EntityType:  entity.EntityType,
			Name:        entity.Name,
			Description: entity.Description,
			Img:         entity.Img,
			TemplateID:  entity.TemplateID,
			Tags:        entity.Tags,
			Data:        entity.Data,
		})
	}
	sort.SliceStable(hashed.Entities, func(i, j int) bool {
		return hashed.Entities[i].EntityID < hashed.Entities[j].EntityID
	})

	raw, err := json.Marshal(hashed)
	if err != nil {
		return "", fmt.Errorf("canonicalize module content: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Fingerprint snapshots the mtime and size of the manifest and every
// declared entity file. Two equal fingerprints mean the digest does not
// need recomputing; a missing file yields a distinct marker rather than
// an error so removals still register as change.
func Fingerprint(rootPath string, m manifest.Manifest) string {
	paths := make([]string, 0, 1+len(m.Entities))
	paths = append(paths, manifest.FileName)
	paths = append(paths, m.Entities...)
	sort.Strings(paths)

	var b strings.Builder
	for _, entry := range paths {
		info, err := os.Stat(manifest.EntityFilePath(rootPath, entry))
		if err != nil {
			fmt.Fprintf(&b, "%s=missing;", entry)
			continue
		}
		fmt.Fprintf(&b, "%s=%d:%d;", entry, info.ModTime().UnixNano(), info.Size())
	}
	return b.String()
}
