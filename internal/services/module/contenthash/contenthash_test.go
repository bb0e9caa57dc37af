package contenthash

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/lorevault/lorevault/internal/services/module/domain"
	"github.com/lorevault/lorevault/internal/services/module/manifest"
)

func baseManifest() manifest.Manifest {
	return manifest.Manifest{
		ModuleID:     "srd-weapons",
		GameSystemID: "dnd5e",
		Name:         "SRD Weapons",
		Version:      "1.0.0",
		Entities:     []string{"weapons.json"},
	}
}

func decodeData(t *testing.T, raw string) map[string]any {
	t.Helper()
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	return data
}

func TestDigestStableAcrossKeyOrder(t *testing.T) {
	t.Parallel()

	first := []domain.Entity{{
		EntityID: "club", EntityType: "item", Name: "Club",
		Data: decodeData(t, `{"damage": "1d4", "weight": 2}`),
	}}
	second := []domain.Entity{{
		EntityID: "club", EntityType: "item", Name: "Club",
		Data: decodeData(t, `{"weight": 2, "damage": "1d4"}`),
	}}

	a, err := Digest(baseManifest(), first)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	b, err := Digest(baseManifest(), second)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if a != b {
		t.Fatalf("digest differs across key order: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("digest length = %d, want 64 hex chars", len(a))
	}
}

func TestDigestStableAcrossEntityOrder(t *testing.T) {
	t.Parallel()

	club := domain.Entity{EntityID: "club", EntityType: "item", Name: "Club"}
	dagger := domain.Entity{EntityID: "dagger", EntityType: "item", Name: "Dagger"}

	a, err := Digest(baseManifest(), []domain.Entity{club, dagger})
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	b, err := Digest(baseManifest(), []domain.Entity{dagger, club})
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if a != b {
		t.Fatal("digest differs across entity order")
	}
}

func TestDigestChangesOnValueChange(t *testing.T) {
	t.Parallel()

	before := []domain.Entity{{
		EntityID: "club", EntityType: "item", Name: "Club",
		Data: decodeData(t, `{"weight": 2}`),
	}}
	after := []domain.Entity{{
		EntityID: "club", EntityType: "item", Name: "Club",
		Data: decodeData(t, `{"weight": 3}`),
	}}

	a, err := Digest(baseManifest(), before)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	b, err := Digest(baseManifest(), after)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if a == b {
		t.Fatal("digest unchanged after value change")
	}
}

func TestDigestChangesOnVersionBump(t *testing.T) {
	t.Parallel()

	m := baseManifest()
	a, err := Digest(m, nil)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	m.Version = "1.0.1"
	b, err := Digest(m, nil)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if a == b {
		t.Fatal("digest unchanged after version bump")
	}
}

func TestFingerprintTracksMtimes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := baseManifest()
	writeFile := func(name, content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	writeFile(manifest.FileName, `{}`)
	writeFile("weapons.json", `[]`)

	first := Fingerprint(dir, m)
	second := Fingerprint(dir, m)
	if first != second {
		t.Fatal("fingerprint unstable for untouched tree")
	}

	// Backdate then rewrite so the mtime moves even on coarse clocks.
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(filepath.Join(dir, "weapons.json"), past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	changed := Fingerprint(dir, m)
	if changed == first {
		t.Fatal("fingerprint unchanged after mtime change")
	}
}

func TestFingerprintMarksMissingFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := baseManifest()
	if err := os.WriteFile(filepath.Join(dir, manifest.FileName), []byte(`{}`), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	withMissing := Fingerprint(dir, m)
	if err := os.WriteFile(filepath.Join(dir, "weapons.json"), []byte(`[]`), 0o644); err != nil {
		t.Fatalf("write weapons: %v", err)
	}
	withFile := Fingerprint(dir, m)
	if withMissing == withFile {
		t.Fatal("fingerprint did not register file appearing")
	}
}
