// Package app wires the module engine: manifest resolution, content
// ingestion, property flattening, validation, change detection, and the
// transactional registry behind one façade.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/lorevault/lorevault/internal/services/module/contenthash"
	"github.com/lorevault/lorevault/internal/services/module/domain"
	"github.com/lorevault/lorevault/internal/services/module/eav"
	"github.com/lorevault/lorevault/internal/services/module/ingest"
	"github.com/lorevault/lorevault/internal/services/module/manifest"
	"github.com/lorevault/lorevault/internal/services/module/storage"
	"github.com/lorevault/lorevault/internal/services/module/validate"
)

// Config carries the engine's tunables.
type Config struct {
	// LoadTimeout bounds one load or reload end to end, including the
	// registry transaction.
	LoadTimeout time.Duration `env:"LOREVAULT_LOAD_TIMEOUT" envDefault:"30s"`
	// LoadWorkers caps how many module loads run concurrently.
	LoadWorkers int64 `env:"LOREVAULT_LOAD_WORKERS" envDefault:"4"`
}

// LoadOptions controls one module load.
type LoadOptions struct {
	// Validate runs the multi-pass validation and stores the resulting
	// status. Without it the module lands as "pending".
	Validate bool
	// SkipInvalid skips malformed content files instead of aborting.
	SkipInvalid bool
	// AuthorUserID attributes the load to a platform user.
	AuthorUserID string
}

// ReloadResult reports whether a reload changed anything.
type ReloadResult struct {
	Changed bool
	Module  domain.Module
}

// Engine loads, reloads, and serves content modules. Loads of the same
// module serialize on a per-module lock; loads of distinct modules run
// concurrently up to the worker cap.
type Engine struct {
	store       storage.Store
	templates   validate.TemplateRegistry
	tracer      trace.Tracer
	loadTimeout time.Duration
	workers     *semaphore.Weighted

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	digests map[string]digestEntry
}

// digestEntry caches the last committed digest keyed by the file
// fingerprint that produced it, so an untouched tree skips rehashing.
type digestEntry struct {
	fingerprint string
	digest      string
}

// New builds an engine over the given store. The template registry may
// be nil, which skips template resolution checks.
func New(store storage.Store, templates validate.TemplateRegistry, cfg Config) *Engine {
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = 30 * time.Second
	}
	if cfg.LoadWorkers <= 0 {
		cfg.LoadWorkers = 4
	}
	return &Engine{
		store:       store,
		templates:   templates,
		tracer:      otel.Tracer("lorevault/module-engine"),
		loadTimeout: cfg.LoadTimeout,
		workers:     semaphore.NewWeighted(cfg.LoadWorkers),
		locks:       make(map[string]*sync.Mutex),
		digests:     make(map[string]digestEntry),
	}
}

// lockModule serializes operations on one module id.
func (e *Engine) lockModule(moduleID string) func() {
	e.mu.Lock()
	lock, ok := e.locks[moduleID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[moduleID] = lock
	}
	e.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func (e *Engine) rememberDigest(moduleID, fingerprint, digest string) {
	e.mu.Lock()
	e.digests[moduleID] = digestEntry{fingerprint: fingerprint, digest: digest}
	e.mu.Unlock()
}

func (e *Engine) cachedDigest(moduleID string) (digestEntry, bool) {
	e.mu.Lock()
	entry, ok := e.digests[moduleID]
	e.mu.Unlock()
	return entry, ok
}

func (e *Engine) forgetDigest(moduleID string) {
	e.mu.Lock()
	delete(e.digests, moduleID)
	e.mu.Unlock()
}

// LoadModule loads the module rooted at rootPath for the first time. A
// module id that is already registered is rejected; use ReloadModule to
// pick up content changes.
func (e *Engine) LoadModule(ctx context.Context, rootPath string, opts LoadOptions) (domain.Module, error) {
	ctx, span := e.tracer.Start(ctx, "module.load",
		trace.WithAttributes(attribute.String("module.root", rootPath)))
	defer span.End()

	if err := e.workers.Acquire(ctx, 1); err != nil {
		return domain.Module{}, fmt.Errorf("acquire load slot: %w", err)
	}
	defer e.workers.Release(1)

	m, err := manifest.Resolve(rootPath)
	if err != nil {
		return domain.Module{}, err
	}
	span.SetAttributes(attribute.String("module.id", m.ModuleID))

	unlock := e.lockModule(m.ModuleID)
	defer unlock()

	if _, err := e.store.GetModule(ctx, m.ModuleID); err == nil {
		return domain.Module{}, domain.ErrModuleAlreadyExists
	} else if !errors.Is(err, storage.ErrNotFound) {
		return domain.Module{}, fmt.Errorf("lookup module %s: %w", m.ModuleID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.loadTimeout)
	defer cancel()

	staged, err := e.stage(ctx, rootPath, m, opts)
	if err != nil {
		return domain.Module{}, err
	}

	record := moduleRecord(m, rootPath, opts.AuthorUserID, staged, time.Time{})
	if err := e.store.ApplyModuleLoad(ctx, storage.ModuleLoad{
		Module:   record,
		Entities: entityRecords(m.ModuleID, staged.entities),
	}); err != nil {
		return domain.Module{}, &domain.TransactionError{ModuleID: m.ModuleID, Err: err}
	}
	e.rememberDigest(m.ModuleID, staged.fingerprint, staged.digest)

	log.Printf("module %s loaded: %d entities, status %s", m.ModuleID, len(staged.entities), record.ValidationStatus)
	return e.storedModule(ctx, m.ModuleID)
}

// ReloadModule re-reads the module tree and commits the differences in
// one transaction. An unchanged tree is a no-op: the mtime fingerprint
// short-circuits first, and an equal content digest skips the write even
// when timestamps moved.
func (e *Engine) ReloadModule(ctx context.Context, moduleID, rootPath string) (ReloadResult, error) {
	ctx, span := e.tracer.Start(ctx, "module.reload",
		trace.WithAttributes(attribute.String("module.id", moduleID)))
	defer span.End()

	if err := e.workers.Acquire(ctx, 1); err != nil {
		return ReloadResult{}, fmt.Errorf("acquire load slot: %w", err)
	}
	defer e.workers.Release(1)

	unlock := e.lockModule(moduleID)
	defer unlock()

	existing, err := e.store.GetModule(ctx, moduleID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ReloadResult{}, domain.ErrModuleNotFound
		}
		return ReloadResult{}, fmt.Errorf("lookup module %s: %w", moduleID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.loadTimeout)
	defer cancel()

	m, err := manifest.Resolve(rootPath)
	if err != nil {
		return ReloadResult{}, err
	}
	if m.ModuleID != moduleID {
		return ReloadResult{}, fmt.Errorf("manifest at %s declares module %s, want %s", rootPath, m.ModuleID, moduleID)
	}

	fingerprint := contenthash.Fingerprint(rootPath, m)
	if cached, ok := e.cachedDigest(moduleID); ok &&
		cached.fingerprint == fingerprint && cached.digest == existing.ContentHash {
		span.SetAttributes(attribute.Bool("module.changed", false))
		return ReloadResult{Changed: false, Module: toDomainModule(existing)}, nil
	}

	staged, err := e.stage(ctx, rootPath, m, LoadOptions{Validate: true, SkipInvalid: true, AuthorUserID: existing.AuthorUserID})
	if err != nil {
		return ReloadResult{}, err
	}

	if staged.digest == existing.ContentHash {
		e.rememberDigest(moduleID, fingerprint, staged.digest)
		span.SetAttributes(attribute.Bool("module.changed", false))
		return ReloadResult{Changed: false, Module: toDomainModule(existing)}, nil
	}

	record := moduleRecord(m, rootPath, existing.AuthorUserID, staged, existing.CreatedAt)
	if err := e.store.ApplyModuleLoad(ctx, storage.ModuleLoad{
		Module:   record,
		Entities: entityRecords(moduleID, staged.entities),
	}); err != nil {
		return ReloadResult{}, &domain.TransactionError{ModuleID: moduleID, Err: err}
	}
	e.rememberDigest(moduleID, staged.fingerprint, staged.digest)
	span.SetAttributes(attribute.Bool("module.changed", true))

	log.Printf("module %s reloaded: %d entities, status %s", moduleID, len(staged.entities), record.ValidationStatus)
	module, err := e.storedModule(ctx, moduleID)
	if err != nil {
		return ReloadResult{}, err
	}
	return ReloadResult{Changed: true, Module: module}, nil
}

// UnloadModule removes a module with all of its entities, property rows,
// and campaign bindings.
func (e *Engine) UnloadModule(ctx context.Context, moduleID string) error {
	ctx, span := e.tracer.Start(ctx, "module.unload",
		trace.WithAttributes(attribute.String("module.id", moduleID)))
	defer span.End()

	unlock := e.lockModule(moduleID)
	defer unlock()

	if err := e.store.DeleteModule(ctx, moduleID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.ErrModuleNotFound
		}
		return fmt.Errorf("unload module %s: %w", moduleID, err)
	}
	e.forgetDigest(moduleID)
	log.Printf("module %s unloaded", moduleID)
	return nil
}

// GetModule returns one loaded module.
func (e *Engine) GetModule(ctx context.Context, moduleID string) (domain.Module, error) {
	return e.storedModule(ctx, moduleID)
}

// GetModuleStatus returns a module's validation state and content counts.
func (e *Engine) GetModuleStatus(ctx context.Context, moduleID string) (storage.ModuleStatus, error) {
	status, err := e.store.GetModuleStatus(ctx, moduleID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.ModuleStatus{}, domain.ErrModuleNotFound
		}
		return storage.ModuleStatus{}, fmt.Errorf("module status %s: %w", moduleID, err)
	}
	return status, nil
}

// ReconstructEntity rebuilds an entity's original data payload from its
// stored property rows.
func (e *Engine) ReconstructEntity(ctx context.Context, moduleID, entityID string) (map[string]any, error) {
	record, err := e.store.GetEntity(ctx, moduleID, entityID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, domain.ErrEntityNotFound
		}
		return nil, fmt.Errorf("get entity %s/%s: %w", moduleID, entityID, err)
	}
	data, err := eav.Reconstruct(record.Properties)
	if err != nil {
		return nil, fmt.Errorf("reconstruct entity %s/%s: %w", moduleID, entityID, err)
	}
	return data, nil
}

// QueryEntitiesByProperty returns the entity ids of one game system whose
// property rows match the given key and typed value.
func (e *Engine) QueryEntitiesByProperty(ctx context.Context, gameSystemID, propertyKey string, value domain.Value) ([]string, error) {
	ids, err := e.store.QueryEntitiesByProperty(ctx, storage.PropertyQuery{
		GameSystemID: gameSystemID,
		PropertyKey:  propertyKey,
		Value:        value,
	})
	if err != nil {
		return nil, fmt.Errorf("query entities by %s: %w", propertyKey, err)
	}
	return ids, nil
}

// stagedLoad is the fully processed, not yet persisted result of reading
// one module tree.
type stagedLoad struct {
	entities    []domain.Entity
	report      domain.Report
	status      domain.ValidationStatus
	digest      string
	fingerprint string
}

// stage runs the read-side pipeline: ingest, flatten, validate, digest.
// Nothing here touches the registry except the read-only resolvers.
func (e *Engine) stage(ctx context.Context, rootPath string, m manifest.Manifest, opts LoadOptions) (stagedLoad, error) {
	loaded, err := ingest.LoadEntities(rootPath, m, ingest.Options{SkipInvalid: opts.SkipInvalid})
	if err != nil {
		return stagedLoad{}, err
	}
	if err := ctx.Err(); err != nil {
		return stagedLoad{}, fmt.Errorf("load module %s: %w", m.ModuleID, err)
	}

	entities := loaded.Entities
	for i := range entities {
		properties, err := eav.Flatten(entities[i].Data)
		if err != nil {
			return stagedLoad{}, fmt.Errorf("flatten entity %s: %w", entities[i].EntityID, err)
		}
		entities[i].Properties = properties
	}

	digest, err := contenthash.Digest(m, entities)
	if err != nil {
		return stagedLoad{}, err
	}

	staged := stagedLoad{
		entities:    entities,
		status:      domain.ValidationPending,
		digest:      digest,
		fingerprint: contenthash.Fingerprint(rootPath, m),
	}
	staged.report.Add(loaded.Issues...)

	if opts.Validate {
		known, err := e.store.ListEntityIDs(ctx, m.GameSystemID)
		if err != nil {
			return stagedLoad{}, fmt.Errorf("list known entities: %w", err)
		}
		if known == nil {
			known = make(map[string]bool)
		}
		for _, entity := range entities {
			known[entity.EntityID] = true
		}
		report := validate.Run(m, entities, storeModules{ctx: ctx, store: e.store}, e.templates, entitySet(known))
		staged.report.Add(report.Issues...)
		staged.status = staged.report.Status()
	}

	// Duplicate ids are already flagged; later occurrences persist under
	// a derived id so the registry keeps every row.
	renameDuplicates(staged.entities)
	return staged, nil
}

func renameDuplicates(entities []domain.Entity) {
	seen := make(map[string]int, len(entities))
	for i := range entities {
		id := entities[i].EntityID
		seen[id]++
		if seen[id] > 1 {
			entities[i].EntityID = fmt.Sprintf("%s~dup%d", id, seen[id])
		}
	}
}

func moduleRecord(m manifest.Manifest, rootPath, authorUserID string, staged stagedLoad, createdAt time.Time) storage.ModuleRecord {
	now := time.Now().UTC()
	if createdAt.IsZero() {
		createdAt = now
	}
	return storage.ModuleRecord{
		ModuleID:         m.ModuleID,
		GameSystemID:     m.GameSystemID,
		Name:             m.Name,
		Version:          m.Version,
		Author:           m.Author,
		AuthorUserID:     authorUserID,
		ModuleType:       m.ModuleType,
		IsOfficial:       m.IsOfficial,
		License:          m.License,
		SourcePath:       rootPath,
		ContentHash:      staged.digest,
		ValidationStatus: staged.status,
		ValidationIssues: staged.report.Issues,
		Dependencies:     m.Dependencies,
		CreatedAt:        createdAt,
		UpdatedAt:        now,
	}
}

func entityRecords(moduleID string, entities []domain.Entity) []storage.EntityRecord {
	records := make([]storage.EntityRecord, 0, len(entities))
	for _, entity := range entities {
		records = append(records, storage.EntityRecord{
			ModuleID:    moduleID,
			EntityID:    entity.EntityID,
			EntityType:  entity.EntityType,
			Name:        entity.Name,
			Description: entity.Description,
			Img:         entity.Img,
			TemplateID:  entity.TemplateID,
			Tags:        entity.Tags,
			SearchText:  entity.SearchText,
			Properties:  entity.Properties,
		})
	}
	return records
}

func (e *Engine) storedModule(ctx context.Context, moduleID string) (domain.Module, error) {
	record, err := e.store.GetModule(ctx, moduleID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Module{}, domain.ErrModuleNotFound
		}
		return domain.Module{}, fmt.Errorf("get module %s: %w", moduleID, err)
	}
	return toDomainModule(record), nil
}

func toDomainModule(record storage.ModuleRecord) domain.Module {
	return domain.Module{
		ModuleID:         record.ModuleID,
		GameSystemID:     record.GameSystemID,
		Name:             record.Name,
		Version:          record.Version,
		Author:           record.Author,
		AuthorUserID:     record.AuthorUserID,
		ModuleType:       record.ModuleType,
		IsOfficial:       record.IsOfficial,
		License:          record.License,
		SourcePath:       record.SourcePath,
		ContentHash:      record.ContentHash,
		ValidationStatus: record.ValidationStatus,
		ValidationIssues: record.ValidationIssues,
		Dependencies:     record.Dependencies,
		CreatedAt:        record.CreatedAt,
		UpdatedAt:        record.UpdatedAt,
	}
}

// storeModules resolves dependency declarations against the registry.
type storeModules struct {
	ctx   context.Context
	store storage.Store
}

func (r storeModules) HasModule(moduleID string) bool {
	_, err := r.store.GetModule(r.ctx, moduleID)
	return err == nil
}

// entitySet resolves references against the game system's known ids.
type entitySet map[string]bool

func (s entitySet) HasEntity(entityID string) bool { return s[entityID] }
