package ingest

import (
	"sort"
	"strings"
)

// itemKinds are the template kinds that classify as the generic "item"
// entity type under the "<system>-<kind>" template convention. Any other
// kind passes through unchanged (a "dnd5e-spell" template yields "spell").
var itemKinds = map[string]bool{
	"weapon":     true,
	"armor":      true,
	"consumable": true,
	"tool":       true,
	"loot":       true,
}

// classifierKeys are data sub-properties whose values describe the
// entity's classification; their hyphenated values split into tag tokens.
var classifierKeys = map[string]bool{
	"weaponType":     true,
	"armorType":      true,
	"consumableType": true,
	"toolType":       true,
	"spellSchool":    true,
	"creatureType":   true,
}

// InferEntityType fills in a missing entityType from the templateId
// convention "<system>-<kind>". Explicit types always win.
func InferEntityType(entityType, templateID string) string {
	if strings.TrimSpace(entityType) != "" {
		return entityType
	}
	kind := TemplateKind(templateID)
	if kind == "" {
		return ""
	}
	if itemKinds[kind] {
		return "item"
	}
	return kind
}

// TemplateKind extracts the kind segment from a "<system>-<kind>"
// templateId, or "" when the template does not follow the convention.
func TemplateKind(templateID string) string {
	templateID = strings.TrimSpace(templateID)
	idx := strings.Index(templateID, "-")
	if idx <= 0 || idx == len(templateID)-1 {
		return ""
	}
	return templateID[idx+1:]
}

// InferTags builds the deduplicated, case-insensitive tag union: explicit
// entry tags, a source slug, the template kind, and tokenized values of
// recognized classifier sub-properties.
func InferTags(explicit []string, source, templateID string, data map[string]any) []string {
	seen := make(map[string]bool)
	var tags []string
	add := func(tag string) {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || seen[tag] {
			return
		}
		seen[tag] = true
		tags = append(tags, tag)
	}

	for _, tag := range explicit {
		add(tag)
	}
	if slug := Slugify(source); slug != "" {
		add(slug)
	}
	if kind := TemplateKind(templateID); kind != "" {
		add(kind)
	}
	for key, value := range data {
		if !classifierKeys[key] {
			continue
		}
		text, ok := value.(string)
		if !ok {
			continue
		}
		for _, token := range tokenize(text) {
			add(token)
		}
	}

	sort.Strings(tags)
	return tags
}

// Slugify lowercases and joins a free-text source label into one
// hyphenated tag ("Player's Handbook" becomes "players-handbook").
func Slugify(value string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(strings.TrimSpace(value)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		case r == ' ' || r == '-' || r == '_':
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

func tokenize(value string) []string {
	return strings.FieldsFunc(strings.ToLower(value), func(r rune) bool {
		return r == '-' || r == ' ' || r == '_'
	})
}
