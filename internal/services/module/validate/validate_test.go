package validate

import (
	"testing"

	"github.com/lorevault/lorevault/internal/services/module/domain"
	"github.com/lorevault/lorevault/internal/services/module/manifest"
)

type fakeRegistry map[string]bool

func (f fakeRegistry) HasTemplate(id string) bool { return f[id] }

type fakeDeps map[string]bool

func (f fakeDeps) HasModule(id string) bool { return f[id] }

type fakeRefs map[string]bool

func (f fakeRefs) HasEntity(id string) bool { return f[id] }

func countBy(issues []domain.Issue, code domain.IssueCode) int {
	n := 0
	for _, issue := range issues {
		if issue.Code == code {
			n++
		}
	}
	return n
}

func validManifest() manifest.Manifest {
	return manifest.Manifest{
		ModuleID:     "srd-weapons",
		GameSystemID: "dnd5e",
		Name:         "SRD Weapons",
		Version:      "1.0.0",
		Entities:     []string{"weapons.json"},
	}
}

func TestManifestPassAccumulates(t *testing.T) {
	t.Parallel()

	m := manifest.Manifest{Version: "bogus"}
	issues := ManifestPass(m, nil)

	if got := countBy(issues, domain.CodeManifestFieldMissing); got != 3 {
		t.Fatalf("missing-field issues = %d, want 3 (moduleId, gameSystemId, name)", got)
	}
	if got := countBy(issues, domain.CodeManifestVersionInvalid); got != 1 {
		t.Fatalf("version issues = %d, want 1", got)
	}
}

func TestManifestPassDependencySeverities(t *testing.T) {
	t.Parallel()

	m := validManifest()
	m.Dependencies = []domain.Dependency{
		{ModuleID: "srd-core", VersionRange: "^1"},   // loaded
		{ModuleID: "srd-magic", VersionRange: "*"},   // not loaded: warning
		{ModuleID: "", VersionRange: "^2"},           // malformed: error
		{ModuleID: "srd-lore", VersionRange: "oops"}, // malformed range: error
	}
	issues := ManifestPass(m, fakeDeps{"srd-core": true})

	if got := countBy(issues, domain.CodeDependencyUnresolved); got != 1 {
		t.Fatalf("unresolved deps = %d, want 1", got)
	}
	if got := countBy(issues, domain.CodeDependencyMalformed); got != 2 {
		t.Fatalf("malformed deps = %d, want 2", got)
	}
	for _, issue := range issues {
		switch issue.Code {
		case domain.CodeDependencyUnresolved:
			if issue.Severity != domain.SeverityWarning {
				t.Fatalf("unresolved dep severity = %q, want warning", issue.Severity)
			}
		case domain.CodeDependencyMalformed:
			if issue.Severity != domain.SeverityError {
				t.Fatalf("malformed dep severity = %q, want error", issue.Severity)
			}
		}
	}
}

func TestStructuralPassDuplicateIDs(t *testing.T) {
	t.Parallel()

	entities := []domain.Entity{
		{EntityID: "club", EntityType: "item", Name: "Club"},
		{EntityID: "club", EntityType: "item", Name: "Other Club"},
		{EntityID: "dagger", EntityType: "item", Name: "Dagger"},
	}
	issues := StructuralPass(entities, nil)

	if got := countBy(issues, domain.CodeEntityDuplicateID); got != 1 {
		t.Fatalf("duplicate issues = %d, want 1 (later occurrence only)", got)
	}
	if issues[0].EntityID != "club" {
		t.Fatalf("duplicate entityId = %q, want club", issues[0].EntityID)
	}
	if issues[0].Severity != domain.SeverityError {
		t.Fatalf("duplicate severity = %q, want error", issues[0].Severity)
	}
}

func TestStructuralPassMissingFields(t *testing.T) {
	t.Parallel()

	entities := []domain.Entity{{EntityID: "", EntityType: "", Name: ""}}
	issues := StructuralPass(entities, nil)
	if got := countBy(issues, domain.CodeEntityFieldMissing); got != 3 {
		t.Fatalf("missing-field issues = %d, want 3", got)
	}
}

func TestStructuralPassTemplateWarningOnly(t *testing.T) {
	t.Parallel()

	entities := []domain.Entity{
		{EntityID: "club", EntityType: "item", Name: "Club", TemplateID: "dnd5e-weapon"},
		{EntityID: "zap", EntityType: "spell", Name: "Zap", TemplateID: "dnd5e-unknown"},
	}
	issues := StructuralPass(entities, fakeRegistry{"dnd5e-weapon": true})

	if got := countBy(issues, domain.CodeTemplateUnresolved); got != 1 {
		t.Fatalf("template issues = %d, want 1", got)
	}
	var report domain.Report
	report.Add(issues...)
	if report.Status() != domain.ValidationValid {
		t.Fatalf("status = %q, want valid (warnings only)", report.Status())
	}
}

func TestReferentialPassWarnsOnUnknownTargets(t *testing.T) {
	t.Parallel()

	entities := []domain.Entity{{
		EntityID:   "longbow",
		EntityType: "item",
		Name:       "Longbow",
		Properties: []domain.Property{
			{Key: "ammoEntityId", Path: "ammoEntityId", ArrayIndex: domain.NoArrayIndex, Value: domain.ReferenceValue("arrow")},
			{Key: "strapEntityId", Path: "strapEntityId", ArrayIndex: domain.NoArrayIndex, Value: domain.ReferenceValue("ghost")},
			{Key: "name", Path: "display", ArrayIndex: domain.NoArrayIndex, Value: domain.StringValue("not a ref")},
		},
	}}
	issues := ReferentialPass(entities, fakeRefs{"arrow": true})

	if len(issues) != 1 {
		t.Fatalf("issues = %d, want 1", len(issues))
	}
	issue := issues[0]
	if issue.Code != domain.CodeReferenceUnresolved || issue.Severity != domain.SeverityWarning {
		t.Fatalf("issue = %+v, want unresolved-reference warning", issue)
	}
	if issue.PropertyKey != "strapEntityId" {
		t.Fatalf("propertyKey = %q, want strapEntityId", issue.PropertyKey)
	}
}

func TestRunCombinesAllPasses(t *testing.T) {
	t.Parallel()

	m := validManifest()
	m.Dependencies = []domain.Dependency{{ModuleID: "missing-dep", VersionRange: "*"}}
	entities := []domain.Entity{
		{EntityID: "club", EntityType: "item", Name: "Club"},
		{EntityID: "club", EntityType: "item", Name: "Copy"},
	}

	report := Run(m, entities, fakeDeps{}, nil, fakeRefs{})
	if got := countBy(report.Issues, domain.CodeDependencyUnresolved); got != 1 {
		t.Fatalf("unresolved deps = %d, want 1", got)
	}
	if got := countBy(report.Issues, domain.CodeEntityDuplicateID); got != 1 {
		t.Fatalf("duplicates = %d, want 1", got)
	}
	if report.Status() != domain.ValidationInvalid {
		t.Fatalf("status = %q, want invalid", report.Status())
	}
}

func TestIsValidVersionRange(t *testing.T) {
	t.Parallel()

	valid := []string{"*", "", "1.0.0", "v2.1.3", "^1", "^1.2", "^12.0"}
	for _, v := range valid {
		if !IsValidVersionRange(v) {
			t.Errorf("IsValidVersionRange(%q) = false, want true", v)
		}
	}
	invalid := []string{"^", "^a", "^1..2", "oops", ">=1.0.0"}
	for _, v := range invalid {
		if IsValidVersionRange(v) {
			t.Errorf("IsValidVersionRange(%q) = true, want false", v)
		}
	}
}
