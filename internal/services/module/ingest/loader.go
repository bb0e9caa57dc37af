// Package ingest reads declared content files and normalizes both
// authoring formats into one canonical entity list. No downstream
// component branches on the on-disk format.
package ingest

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"

	"github.com/lorevault/lorevault/internal/services/module/domain"
	"github.com/lorevault/lorevault/internal/services/module/manifest"
)

// Options controls how content-file failures are handled.
type Options struct {
	// SkipInvalid skips malformed files and keeps loading. When false,
	// the first bad file aborts the whole module load.
	SkipInvalid bool
}

// Result is the canonical entity list for a module plus the issues
// recorded for skipped files.
type Result struct {
	Entities []domain.Entity
	Issues   []domain.Issue
}

// rawEntry is the author-facing entity shape shared by both formats.
type rawEntry struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Img         string          `json:"img"`
	TemplateID  string          `json:"templateId"`
	EntityType  string          `json:"entityType"`
	Source      string          `json:"source"`
	Tags        []string        `json:"tags"`
	Data        json.RawMessage `json:"data"`
}

// legacyBatch is the legacy authoring format: a wrapper object whose
// entries inherit batch-level templateId and source as defaults.
type legacyBatch struct {
	TemplateID string     `json:"templateId"`
	Source     string     `json:"source"`
	Entries    []rawEntry `json:"entries"`
}

// LoadEntities reads every file declared in the manifest and returns the
// canonical entity list. Malformed files produce a *domain.FileLoadError;
// under Options.SkipInvalid the file is skipped and recorded as a
// warning issue instead.
func LoadEntities(rootPath string, m manifest.Manifest, opts Options) (Result, error) {
	var result Result
	for _, entry := range m.Entities {
		path := manifest.EntityFilePath(rootPath, entry)
		entities, err := LoadFile(path)
		if err != nil {
			if opts.SkipInvalid {
				result.Issues = append(result.Issues, domain.Issue{
					Severity: domain.SeverityWarning,
					Code:     domain.CodeFileSkipped,
					Message:  fmt.Sprintf("content file %s skipped", entry),
					Details:  err.Error(),
				})
				continue
			}
			return Result{}, err
		}
		result.Entities = append(result.Entities, entities...)
	}
	return result, nil
}

// LoadFile parses one content file and classifies its shape: legacy
// batch (object with an entries array), canonical array, or canonical
// single object.
func LoadFile(path string) ([]domain.Entity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &domain.FileLoadError{Path: path, Err: err}
	}

	entries, err := normalize(raw)
	if err != nil {
		return nil, &domain.FileLoadError{Path: path, Err: err}
	}

	entities := make([]domain.Entity, 0, len(entries))
	for i, entry := range entries {
		entity, err := toEntity(entry)
		if err != nil {
			return nil, &domain.FileLoadError{Path: path, Err: fmt.Errorf("entry %d: %w", i, err)}
		}
		entities = append(entities, entity)
	}
	return entities, nil
}

func normalize(raw []byte) ([]rawEntry, error) {
	trimmed := strings.TrimLeftFunc(string(raw), func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	if trimmed == "" {
		return nil, fmt.Errorf("empty content file")
	}

	switch trimmed[0] {
	case '[':
		var entries []rawEntry
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("decode entity array: %w", err)
		}
		return entries, nil
	case '{':
		// Probe for the legacy batch shape before falling back to a
		// canonical single object.
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(raw, &probe); err != nil {
			return nil, fmt.Errorf("decode entity object: %w", err)
		}
		if entriesRaw, ok := probe["entries"]; ok && len(entriesRaw) > 0 && entriesRaw[0] == '[' {
			var batch legacyBatch
			if err := json.Unmarshal(raw, &batch); err != nil {
				return nil, fmt.Errorf("decode legacy batch: %w", err)
			}
			for i := range batch.Entries {
				if batch.Entries[i].TemplateID == "" {
					batch.Entries[i].TemplateID = batch.TemplateID
				}
				if batch.Entries[i].Source == "" {
					batch.Entries[i].Source = batch.Source
				}
			}
			return batch.Entries, nil
		}
		var single rawEntry
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil, fmt.Errorf("decode entity object: %w", err)
		}
		return []rawEntry{single}, nil
	default:
		return nil, fmt.Errorf("content must be a JSON object or array")
	}
}

func toEntity(entry rawEntry) (domain.Entity, error) {
	if strings.TrimSpace(entry.ID) == "" {
		return domain.Entity{}, fmt.Errorf("entity id is required")
	}

	var data map[string]any
	if len(entry.Data) > 0 {
		if err := json.Unmarshal(entry.Data, &data); err != nil {
			return domain.Entity{}, fmt.Errorf("decode data payload for %s: %w", entry.ID, err)
		}
	}

	entity := domain.Entity{
		EntityID:    entry.ID,
		EntityType:  entry.EntityType,
		Name:        entry.Name,
		Description: entry.Description,
		Img:         entry.Img,
		TemplateID:  entry.TemplateID,
		Data:        data,
	}
	entity.EntityType = InferEntityType(entity.EntityType, entity.TemplateID)
	entity.Tags = InferTags(entry.Tags, entry.Source, entity.TemplateID, data)
	entity.SearchText = buildSearchText(entity.Name, entity.Tags)
	return entity, nil
}

// buildSearchText joins the lowercased name with the entity's tags, name
// first. Tags arrive already sorted from InferTags.
func buildSearchText(name string, tags []string) string {
	parts := make([]string, 0, 1+len(tags))
	if name != "" {
		parts = append(parts, strings.ToLower(name))
	}
	parts = append(parts, tags...)
	return strings.Join(parts, " ")
}
