package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/lorevault/lorevault/internal/services/module/domain"
	"github.com/lorevault/lorevault/internal/services/module/storage"
	"github.com/lorevault/lorevault/internal/services/module/storage/sqlite"
)

// countingStore counts registry transactions so tests can assert a
// no-op reload writes nothing.
type countingStore struct {
	storage.Store
	applies int
}

func (c *countingStore) ApplyModuleLoad(ctx context.Context, load storage.ModuleLoad) error {
	c.applies++
	return c.Store.ApplyModuleLoad(ctx, load)
}

func newEngine(t *testing.T) (*Engine, *countingStore) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "modules.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	counting := &countingStore{Store: store}
	return New(counting, nil, Config{}), counting
}

func writeModuleTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

const weaponsManifest = `{
  "moduleId": "srd-weapons",
  "gameSystemId": "dnd5e",
  "name": "SRD Weapons",
  "version": "1.0.0",
  "author": "SRD Team",
  "entities": ["weapons.json"]
}`

const weaponsFile = `[
  {"id": "club", "name": "Club", "entityType": "item", "tags": ["weapon"],
   "data": {"damage": "1d4", "weight": 2, "properties": ["light"]}},
  {"id": "dagger", "name": "Dagger", "entityType": "item", "tags": ["weapon"],
   "data": {"damage": "1d4", "weight": 1}}
]`

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(raw)
}

func TestLoadModuleEndToEnd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	engine, _ := newEngine(t)
	dir := writeModuleTree(t, map[string]string{
		"module.json":  weaponsManifest,
		"weapons.json": weaponsFile,
	})

	module, err := engine.LoadModule(ctx, dir, LoadOptions{Validate: true})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if module.ModuleID != "srd-weapons" || module.GameSystemID != "dnd5e" {
		t.Fatalf("module = %+v", module)
	}
	if module.ValidationStatus != domain.ValidationValid {
		t.Fatalf("status = %q, want valid: %+v", module.ValidationStatus, module.ValidationIssues)
	}
	if len(module.ContentHash) != 64 {
		t.Fatalf("content hash = %q, want 64 hex chars", module.ContentHash)
	}

	status, err := engine.GetModuleStatus(ctx, "srd-weapons")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.EntityCount != 2 {
		t.Fatalf("entity count = %d, want 2", status.EntityCount)
	}
	if status.PropertyCount != 5 {
		t.Fatalf("property count = %d, want 5", status.PropertyCount)
	}

	data, err := engine.ReconstructEntity(ctx, "srd-weapons", "club")
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	got := mustJSON(t, data)
	want := `{"damage":"1d4","properties":["light"],"weight":2}`
	if got != want {
		t.Fatalf("reconstructed data = %s, want %s", got, want)
	}
}

func TestLoadModuleWithoutValidationIsPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	engine, _ := newEngine(t)
	dir := writeModuleTree(t, map[string]string{
		"module.json":  weaponsManifest,
		"weapons.json": weaponsFile,
	})

	module, err := engine.LoadModule(ctx, dir, LoadOptions{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if module.ValidationStatus != domain.ValidationPending {
		t.Fatalf("status = %q, want pending", module.ValidationStatus)
	}
}

func TestLoadModuleRejectsSecondLoad(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	engine, _ := newEngine(t)
	dir := writeModuleTree(t, map[string]string{
		"module.json":  weaponsManifest,
		"weapons.json": weaponsFile,
	})

	if _, err := engine.LoadModule(ctx, dir, LoadOptions{}); err != nil {
		t.Fatalf("first load: %v", err)
	}
	if _, err := engine.LoadModule(ctx, dir, LoadOptions{}); !errors.Is(err, domain.ErrModuleAlreadyExists) {
		t.Fatalf("second load err = %v, want ErrModuleAlreadyExists", err)
	}
}

func TestLoadModuleManifestErrorAborts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	engine, counting := newEngine(t)
	dir := writeModuleTree(t, map[string]string{
		"module.json": `{"moduleId": "broken", "version": "not-semver"}`,
	})

	_, err := engine.LoadModule(ctx, dir, LoadOptions{})
	var manifestErr *domain.ManifestError
	if !errors.As(err, &manifestErr) {
		t.Fatalf("err = %v, want *domain.ManifestError", err)
	}
	// Accumulates every problem, not just the first.
	if len(manifestErr.Fields) < 3 {
		t.Fatalf("field errors = %d, want at least 3", len(manifestErr.Fields))
	}
	if counting.applies != 0 {
		t.Fatalf("applies = %d, want 0 on manifest failure", counting.applies)
	}
}

func TestLoadModuleSkipInvalid(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	files := map[string]string{
		"module.json": `{
		  "moduleId": "srd-mixed", "gameSystemId": "dnd5e",
		  "name": "Mixed", "version": "1.0.0",
		  "entities": ["good.json", "bad.json"]
		}`,
		"good.json": `[{"id": "club", "name": "Club", "entityType": "item"}]`,
		"bad.json":  `{not json`,
	}

	strictEngine, _ := newEngine(t)
	strictDir := writeModuleTree(t, files)
	_, err := strictEngine.LoadModule(ctx, strictDir, LoadOptions{Validate: true})
	var fileErr *domain.FileLoadError
	if !errors.As(err, &fileErr) {
		t.Fatalf("strict err = %v, want *domain.FileLoadError", err)
	}

	engine, _ := newEngine(t)
	dir := writeModuleTree(t, files)
	module, err := engine.LoadModule(ctx, dir, LoadOptions{Validate: true, SkipInvalid: true})
	if err != nil {
		t.Fatalf("skip-invalid load: %v", err)
	}
	if module.ValidationStatus != domain.ValidationValid {
		t.Fatalf("status = %q, want valid (skips are warnings)", module.ValidationStatus)
	}
	skipped := 0
	for _, issue := range module.ValidationIssues {
		if issue.Code == domain.CodeFileSkipped {
			skipped++
		}
	}
	if skipped != 1 {
		t.Fatalf("skipped-file issues = %d, want 1", skipped)
	}

	status, err := engine.GetModuleStatus(ctx, "srd-mixed")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.EntityCount != 1 {
		t.Fatalf("entity count = %d, want 1 (bad file skipped)", status.EntityCount)
	}
}

func TestReloadModuleIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	engine, counting := newEngine(t)
	dir := writeModuleTree(t, map[string]string{
		"module.json":  weaponsManifest,
		"weapons.json": weaponsFile,
	})

	if _, err := engine.LoadModule(ctx, dir, LoadOptions{Validate: true}); err != nil {
		t.Fatalf("load: %v", err)
	}
	if counting.applies != 1 {
		t.Fatalf("applies after load = %d, want 1", counting.applies)
	}

	// Untouched tree: the fingerprint short-circuits.
	result, err := engine.ReloadModule(ctx, "srd-weapons", dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if result.Changed {
		t.Fatal("reload reported change for untouched tree")
	}
	if counting.applies != 1 {
		t.Fatalf("applies after no-op reload = %d, want 1", counting.applies)
	}

	// Same content, different mtime: the digest catches it.
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(filepath.Join(dir, "weapons.json"), past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	result, err = engine.ReloadModule(ctx, "srd-weapons", dir)
	if err != nil {
		t.Fatalf("reload after touch: %v", err)
	}
	if result.Changed {
		t.Fatal("reload reported change for identical content")
	}
	if counting.applies != 1 {
		t.Fatalf("applies after digest no-op = %d, want 1", counting.applies)
	}
}

func TestReloadModuleAppliesChanges(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	engine, counting := newEngine(t)
	dir := writeModuleTree(t, map[string]string{
		"module.json":  weaponsManifest,
		"weapons.json": weaponsFile,
	})

	loaded, err := engine.LoadModule(ctx, dir, LoadOptions{Validate: true})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	changed := `[
	  {"id": "club", "name": "Club", "entityType": "item", "tags": ["weapon"],
	   "data": {"damage": "1d4", "weight": 3, "properties": ["light"]}},
	  {"id": "dagger", "name": "Dagger", "entityType": "item", "tags": ["weapon"],
	   "data": {"damage": "1d4", "weight": 1}}
	]`
	if err := os.WriteFile(filepath.Join(dir, "weapons.json"), []byte(changed), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	result, err := engine.ReloadModule(ctx, "srd-weapons", dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !result.Changed {
		t.Fatal("reload did not report change")
	}
	if counting.applies != 2 {
		t.Fatalf("applies = %d, want 2", counting.applies)
	}
	if result.Module.ContentHash == loaded.ContentHash {
		t.Fatal("content hash unchanged after content change")
	}
	if !result.Module.CreatedAt.Equal(loaded.CreatedAt) {
		t.Fatal("created_at changed across reload")
	}

	data, err := engine.ReconstructEntity(ctx, "srd-weapons", "club")
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	got := mustJSON(t, data)
	want := `{"damage":"1d4","properties":["light"],"weight":3}`
	if got != want {
		t.Fatalf("reconstructed data = %s, want %s", got, want)
	}
}

func TestReloadModuleNotLoaded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	engine, _ := newEngine(t)
	dir := writeModuleTree(t, map[string]string{
		"module.json":  weaponsManifest,
		"weapons.json": weaponsFile,
	})

	if _, err := engine.ReloadModule(ctx, "srd-weapons", dir); !errors.Is(err, domain.ErrModuleNotFound) {
		t.Fatalf("err = %v, want ErrModuleNotFound", err)
	}
}

func TestUnloadModule(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	engine, _ := newEngine(t)
	dir := writeModuleTree(t, map[string]string{
		"module.json":  weaponsManifest,
		"weapons.json": weaponsFile,
	})

	if _, err := engine.LoadModule(ctx, dir, LoadOptions{}); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := engine.UnloadModule(ctx, "srd-weapons"); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if _, err := engine.GetModuleStatus(ctx, "srd-weapons"); !errors.Is(err, domain.ErrModuleNotFound) {
		t.Fatalf("status err = %v, want ErrModuleNotFound", err)
	}
	// Entities must go with the module, not just the module row.
	if _, err := engine.ReconstructEntity(ctx, "srd-weapons", "club"); !errors.Is(err, domain.ErrEntityNotFound) {
		t.Fatalf("entity err = %v, want ErrEntityNotFound", err)
	}
	if ids, err := engine.QueryEntitiesByProperty(ctx, "dnd5e", "weight", domain.IntegerValue(2)); err != nil || len(ids) != 0 {
		t.Fatalf("query after unload = %v, %v; want no ids", ids, err)
	}
	if err := engine.UnloadModule(ctx, "srd-weapons"); !errors.Is(err, domain.ErrModuleNotFound) {
		t.Fatalf("second unload err = %v, want ErrModuleNotFound", err)
	}

	// The id is free again.
	if _, err := engine.LoadModule(ctx, dir, LoadOptions{}); err != nil {
		t.Fatalf("load after unload: %v", err)
	}
}

func TestDuplicateEntityIDsFlaggedAndPersisted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	engine, _ := newEngine(t)
	dir := writeModuleTree(t, map[string]string{
		"module.json": `{
		  "moduleId": "srd-dupes", "gameSystemId": "dnd5e",
		  "name": "Dupes", "version": "1.0.0", "entities": ["items.json"]
		}`,
		"items.json": `[
		  {"id": "club", "name": "Club", "entityType": "item"},
		  {"id": "club", "name": "Other Club", "entityType": "item"}
		]`,
	})

	module, err := engine.LoadModule(ctx, dir, LoadOptions{Validate: true})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if module.ValidationStatus != domain.ValidationInvalid {
		t.Fatalf("status = %q, want invalid", module.ValidationStatus)
	}

	status, err := engine.GetModuleStatus(ctx, "srd-dupes")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.EntityCount != 2 {
		t.Fatalf("entity count = %d, want 2 (no rows dropped)", status.EntityCount)
	}
	if _, err := engine.ReconstructEntity(ctx, "srd-dupes", "club~dup2"); err != nil {
		t.Fatalf("derived-id entity missing: %v", err)
	}
}

func TestBindModuleGameSystemMismatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	engine, _ := newEngine(t)
	dir := writeModuleTree(t, map[string]string{
		"module.json":  weaponsManifest,
		"weapons.json": weaponsFile,
	})

	if _, err := engine.LoadModule(ctx, dir, LoadOptions{}); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := engine.RegisterCampaign(ctx, domain.Campaign{ID: "camp-pf", GameSystemID: "pathfinder"}); err != nil {
		t.Fatalf("register campaign: %v", err)
	}

	_, err := engine.BindModuleToCampaign(ctx, "camp-pf", "srd-weapons")
	var mismatch *domain.GameSystemMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("err = %v, want *domain.GameSystemMismatchError", err)
	}

	bindings, err := engine.ListCampaignModules(ctx, "camp-pf")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(bindings) != 0 {
		t.Fatalf("bindings = %d, want 0 after rejected bind", len(bindings))
	}
}

func TestCampaignResolvesHighestLoadOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	engine, _ := newEngine(t)

	base := writeModuleTree(t, map[string]string{
		"module.json":  weaponsManifest,
		"weapons.json": weaponsFile,
	})
	override := writeModuleTree(t, map[string]string{
		"module.json": `{
		  "moduleId": "homebrew-weapons", "gameSystemId": "dnd5e",
		  "name": "Homebrew", "version": "0.1.0", "entities": ["weapons.json"]
		}`,
		"weapons.json": `[{"id": "club", "name": "Spiked Club", "entityType": "item",
		  "data": {"damage": "1d6"}}]`,
	})

	if _, err := engine.LoadModule(ctx, base, LoadOptions{}); err != nil {
		t.Fatalf("load base: %v", err)
	}
	if _, err := engine.LoadModule(ctx, override, LoadOptions{}); err != nil {
		t.Fatalf("load override: %v", err)
	}
	if _, err := engine.RegisterCampaign(ctx, domain.Campaign{ID: "camp-1", GameSystemID: "dnd5e"}); err != nil {
		t.Fatalf("register campaign: %v", err)
	}
	if _, err := engine.BindModuleToCampaign(ctx, "camp-1", "srd-weapons"); err != nil {
		t.Fatalf("bind base: %v", err)
	}
	if _, err := engine.BindModuleToCampaign(ctx, "camp-1", "homebrew-weapons"); err != nil {
		t.Fatalf("bind override: %v", err)
	}

	entity, err := engine.ResolveCampaignEntity(ctx, "camp-1", "item", "club")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if entity.Name != "Spiked Club" {
		t.Fatalf("resolved name = %q, want Spiked Club", entity.Name)
	}
	if got := mustJSON(t, entity.Data); got != `{"damage":"1d6"}` {
		t.Fatalf("resolved data = %s", got)
	}

	if err := engine.SetModuleActive(ctx, "camp-1", "homebrew-weapons", false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	entity, err = engine.ResolveCampaignEntity(ctx, "camp-1", "item", "club")
	if err != nil {
		t.Fatalf("resolve after deactivate: %v", err)
	}
	if entity.Name != "Club" {
		t.Fatalf("resolved name = %q, want Club", entity.Name)
	}
}

func TestRegisterCampaignGeneratesID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	engine, _ := newEngine(t)

	campaign, err := engine.RegisterCampaign(ctx, domain.Campaign{GameSystemID: "dnd5e", Name: "First Light"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(campaign.ID) != 26 {
		t.Fatalf("generated id = %q, want 26 chars", campaign.ID)
	}
	if _, err := engine.ListCampaignModules(ctx, campaign.ID); err != nil {
		t.Fatalf("list: %v", err)
	}
}

func TestQueryEntitiesByPropertyThroughEngine(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	engine, _ := newEngine(t)
	dir := writeModuleTree(t, map[string]string{
		"module.json":  weaponsManifest,
		"weapons.json": weaponsFile,
	})

	if _, err := engine.LoadModule(ctx, dir, LoadOptions{}); err != nil {
		t.Fatalf("load: %v", err)
	}

	ids, err := engine.QueryEntitiesByProperty(ctx, "dnd5e", "weight", domain.IntegerValue(1))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(ids) != 1 || ids[0] != "dagger" {
		t.Fatalf("ids = %v, want [dagger]", ids)
	}
}
