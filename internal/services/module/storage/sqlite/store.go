// Package sqlite provides a SQLite-backed module storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	sqlitemigrate "github.com/lorevault/lorevault/internal/platform/storage/sqlitemigrate"
	"github.com/lorevault/lorevault/internal/services/module/domain"
	"github.com/lorevault/lorevault/internal/services/module/storage"
	"github.com/lorevault/lorevault/internal/services/module/storage/sqlite/migrations"
)

// Store persists module content in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite module store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := ensureForeignKeysEnabled(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// ensureForeignKeysEnabled guards the delete cascades: every removal
// path relies on ON DELETE CASCADE, so a connection without the pragma
// would silently orphan entity and property rows.
func ensureForeignKeysEnabled(db *sql.DB) error {
	var enabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&enabled); err != nil {
		return fmt.Errorf("check sqlite foreign key pragma: %w", err)
	}
	if enabled != 1 {
		return fmt.Errorf("sqlite foreign keys are disabled")
	}
	return nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// ApplyModuleLoad commits a full module load in one transaction: the
// module row is upserted, entities are diffed by entity_id, and property
// rows are diffed by path so untouched rows stay untouched.
func (s *Store) ApplyModuleLoad(ctx context.Context, load storage.ModuleLoad) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	moduleID := strings.TrimSpace(load.Module.ModuleID)
	if moduleID == "" {
		return fmt.Errorf("module id is required")
	}
	if strings.TrimSpace(load.Module.GameSystemID) == "" {
		return fmt.Errorf("game system id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin module load: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertModule(ctx, tx, load.Module); err != nil {
		return err
	}
	if err := diffEntities(ctx, tx, moduleID, load.Entities); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit module load: %w", err)
	}
	return nil
}

func upsertModule(ctx context.Context, tx *sql.Tx, record storage.ModuleRecord) error {
	issues, err := marshalIssues(record.ValidationIssues)
	if err != nil {
		return err
	}
	deps, err := marshalDependencies(record.Dependencies)
	if err != nil {
		return err
	}

	createdAt := record.CreatedAt.UTC()
	updatedAt := record.UpdatedAt.UTC()
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	if createdAt.IsZero() {
		createdAt = updatedAt
	}

	var existingCreatedAt int64
	row := tx.QueryRowContext(ctx, `SELECT created_at FROM modules WHERE module_id = ?`, record.ModuleID)
	switch err := row.Scan(&existingCreatedAt); {
	case errors.Is(err, sql.ErrNoRows):
		_, err := tx.ExecContext(
			ctx,
			`INSERT INTO modules (
			   module_id, game_system_id, name, version,
			   author, author_user_id, module_type, is_official,
			   license, source_path, content_hash,
			   validation_status, validation_issues, dependencies,
			   created_at, updated_at
			 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			record.ModuleID,
			record.GameSystemID,
			record.Name,
			record.Version,
			record.Author,
			record.AuthorUserID,
			record.ModuleType,
			boolToInt(record.IsOfficial),
			record.License,
			record.SourcePath,
			record.ContentHash,
			string(record.ValidationStatus),
			issues,
			deps,
			toMillis(createdAt),
			toMillis(updatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert module: %w", err)
		}
	case err != nil:
		return fmt.Errorf("lookup module: %w", err)
	default:
		// Reload: created_at survives, everything else follows the new load.
		_, err := tx.ExecContext(
			ctx,
			`UPDATE modules SET
			   game_system_id = ?, name = ?, version = ?,
			   author = ?, author_user_id = ?, module_type = ?, is_official = ?,
			   license = ?, source_path = ?, content_hash = ?,
			   validation_status = ?, validation_issues = ?, dependencies = ?,
			   updated_at = ?
			 WHERE module_id = ?`,
			record.GameSystemID,
			record.Name,
			record.Version,
			record.Author,
			record.AuthorUserID,
			record.ModuleType,
			boolToInt(record.IsOfficial),
			record.License,
			record.SourcePath,
			record.ContentHash,
			string(record.ValidationStatus),
			issues,
			deps,
			toMillis(updatedAt),
			record.ModuleID,
		)
		if err != nil {
			return fmt.Errorf("update module: %w", err)
		}
	}
	return nil
}

func diffEntities(ctx context.Context, tx *sql.Tx, moduleID string, entities []storage.EntityRecord) error {
	existing := make(map[string]bool)
	rows, err := tx.QueryContext(ctx, `SELECT entity_id FROM module_entities WHERE module_id = ?`, moduleID)
	if err != nil {
		return fmt.Errorf("list existing entities: %w", err)
	}
	for rows.Next() {
		var entityID string
		if err := rows.Scan(&entityID); err != nil {
			rows.Close()
			return fmt.Errorf("list existing entities: %w", err)
		}
		existing[entityID] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("list existing entities: %w", err)
	}
	rows.Close()

	incoming := make(map[string]bool, len(entities))
	for _, entity := range entities {
		entityID := strings.TrimSpace(entity.EntityID)
		if entityID == "" {
			return fmt.Errorf("entity id is required")
		}
		if incoming[entityID] {
			return fmt.Errorf("entity %s staged more than once", entityID)
		}
		incoming[entityID] = true

		tags, err := marshalTags(entity.Tags)
		if err != nil {
			return err
		}
		if existing[entityID] {
			_, err = tx.ExecContext(
				ctx,
				`UPDATE module_entities SET
				   entity_type = ?, name = ?, description = ?, img = ?,
				   template_id = ?, tags = ?, search_text = ?
				 WHERE module_id = ? AND entity_id = ?`,
				entity.EntityType, entity.Name, entity.Description, entity.Img,
				entity.TemplateID, tags, entity.SearchText,
				moduleID, entityID,
			)
		} else {
			_, err = tx.ExecContext(
				ctx,
				`INSERT INTO module_entities (
				   module_id, entity_id, entity_type, name, description, img,
				   template_id, tags, search_text
				 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				moduleID, entityID, entity.EntityType, entity.Name, entity.Description,
				entity.Img, entity.TemplateID, tags, entity.SearchText,
			)
		}
		if err != nil {
			return fmt.Errorf("stage entity %s: %w", entityID, err)
		}

		if err := diffProperties(ctx, tx, moduleID, entityID, entity.Properties); err != nil {
			return err
		}
	}

	for entityID := range existing {
		if incoming[entityID] {
			continue
		}
		if _, err := tx.ExecContext(
			ctx,
			`DELETE FROM module_entities WHERE module_id = ? AND entity_id = ?`,
			moduleID, entityID,
		); err != nil {
			return fmt.Errorf("remove entity %s: %w", entityID, err)
		}
	}
	return nil
}

func diffProperties(ctx context.Context, tx *sql.Tx, moduleID, entityID string, properties []domain.Property) error {
	existing := make(map[string]domain.Property)
	rows, err := tx.QueryContext(
		ctx,
		`SELECT property_key, property_path, array_index, value_type,
		        string_value, number_value, integer_value, boolean_value,
		        json_value, reference_value
		   FROM entity_properties
		  WHERE module_id = ? AND entity_id = ?`,
		moduleID, entityID,
	)
	if err != nil {
		return fmt.Errorf("list existing properties: %w", err)
	}
	for rows.Next() {
		property, err := scanProperty(rows)
		if err != nil {
			rows.Close()
			return err
		}
		existing[property.Path] = property
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("list existing properties: %w", err)
	}
	rows.Close()

	incoming := make(map[string]bool, len(properties))
	for _, property := range properties {
		if property.Path == "" {
			return fmt.Errorf("property path is required for entity %s", entityID)
		}
		if incoming[property.Path] {
			return fmt.Errorf("property %s staged more than once for entity %s", property.Path, entityID)
		}
		incoming[property.Path] = true

		current, ok := existing[property.Path]
		if ok && current == property {
			continue
		}

		cols := valueColumns(property.Value)
		if ok {
			_, err = tx.ExecContext(
				ctx,
				`UPDATE entity_properties SET
				   property_key = ?, array_index = ?, value_type = ?,
				   string_value = ?, number_value = ?, integer_value = ?,
				   boolean_value = ?, json_value = ?, reference_value = ?
				 WHERE module_id = ? AND entity_id = ? AND property_path = ?`,
				property.Key, property.ArrayIndex, string(property.Value.Type),
				cols.text, cols.number, cols.integer, cols.boolean, cols.jsonText, cols.reference,
				moduleID, entityID, property.Path,
			)
		} else {
			_, err = tx.ExecContext(
				ctx,
				`INSERT INTO entity_properties (
				   module_id, entity_id, property_key, property_path, array_index,
				   value_type, string_value, number_value, integer_value,
				   boolean_value, json_value, reference_value
				 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				moduleID, entityID, property.Key, property.Path, property.ArrayIndex,
				string(property.Value.Type),
				cols.text, cols.number, cols.integer, cols.boolean, cols.jsonText, cols.reference,
			)
		}
		if err != nil {
			return fmt.Errorf("stage property %s.%s: %w", entityID, property.Path, err)
		}
	}

	for path := range existing {
		if incoming[path] {
			continue
		}
		if _, err := tx.ExecContext(
			ctx,
			`DELETE FROM entity_properties
			  WHERE module_id = ? AND entity_id = ? AND property_path = ?`,
			moduleID, entityID, path,
		); err != nil {
			return fmt.Errorf("remove property %s.%s: %w", entityID, path, err)
		}
	}
	return nil
}

// GetModule returns one module record by module id.
func (s *Store) GetModule(ctx context.Context, moduleID string) (storage.ModuleRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.ModuleRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.ModuleRecord{}, fmt.Errorf("storage is not configured")
	}
	moduleID = strings.TrimSpace(moduleID)
	if moduleID == "" {
		return storage.ModuleRecord{}, fmt.Errorf("module id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT module_id, game_system_id, name, version,
		        author, author_user_id, module_type, is_official,
		        license, source_path, content_hash,
		        validation_status, validation_issues, dependencies,
		        created_at, updated_at
		   FROM modules
		  WHERE module_id = ?`,
		moduleID,
	)

	var record storage.ModuleRecord
	var isOfficial int
	var status, issues, deps string
	var createdAt, updatedAt int64
	err := row.Scan(
		&record.ModuleID,
		&record.GameSystemID,
		&record.Name,
		&record.Version,
		&record.Author,
		&record.AuthorUserID,
		&record.ModuleType,
		&isOfficial,
		&record.License,
		&record.SourcePath,
		&record.ContentHash,
		&status,
		&issues,
		&deps,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ModuleRecord{}, storage.ErrNotFound
		}
		return storage.ModuleRecord{}, fmt.Errorf("get module: %w", err)
	}

	record.IsOfficial = isOfficial != 0
	record.ValidationStatus = domain.ValidationStatus(status)
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	if record.ValidationIssues, err = unmarshalIssues(issues); err != nil {
		return storage.ModuleRecord{}, err
	}
	if record.Dependencies, err = unmarshalDependencies(deps); err != nil {
		return storage.ModuleRecord{}, err
	}
	return record, nil
}

// GetModuleStatus returns the stored validation state plus entity and
// property counts for one module.
func (s *Store) GetModuleStatus(ctx context.Context, moduleID string) (storage.ModuleStatus, error) {
	record, err := s.GetModule(ctx, moduleID)
	if err != nil {
		return storage.ModuleStatus{}, err
	}

	status := storage.ModuleStatus{
		ModuleID:         record.ModuleID,
		ValidationStatus: record.ValidationStatus,
		ValidationIssues: record.ValidationIssues,
	}
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT
		   (SELECT COUNT(*) FROM module_entities WHERE module_id = ?),
		   (SELECT COUNT(*) FROM entity_properties WHERE module_id = ?)`,
		moduleID, moduleID,
	)
	if err := row.Scan(&status.EntityCount, &status.PropertyCount); err != nil {
		return storage.ModuleStatus{}, fmt.Errorf("count module content: %w", err)
	}
	return status, nil
}

// DeleteModule removes one module with all of its entities, property
// rows, and campaign bindings.
func (s *Store) DeleteModule(ctx context.Context, moduleID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	moduleID = strings.TrimSpace(moduleID)
	if moduleID == "" {
		return fmt.Errorf("module id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `DELETE FROM modules WHERE module_id = ?`, moduleID)
	if err != nil {
		return fmt.Errorf("delete module: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete module: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetEntity returns one entity with its property rows ordered by path.
func (s *Store) GetEntity(ctx context.Context, moduleID, entityID string) (storage.EntityRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.EntityRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.EntityRecord{}, fmt.Errorf("storage is not configured")
	}
	moduleID = strings.TrimSpace(moduleID)
	entityID = strings.TrimSpace(entityID)
	if moduleID == "" || entityID == "" {
		return storage.EntityRecord{}, fmt.Errorf("module id and entity id are required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT module_id, entity_id, entity_type, name, description, img,
		        template_id, tags, search_text
		   FROM module_entities
		  WHERE module_id = ? AND entity_id = ?`,
		moduleID, entityID,
	)
	record, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.EntityRecord{}, storage.ErrNotFound
		}
		return storage.EntityRecord{}, fmt.Errorf("get entity: %w", err)
	}

	record.Properties, err = s.listProperties(ctx, moduleID, entityID)
	if err != nil {
		return storage.EntityRecord{}, err
	}
	return record, nil
}

func (s *Store) listProperties(ctx context.Context, moduleID, entityID string) ([]domain.Property, error) {
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT property_key, property_path, array_index, value_type,
		        string_value, number_value, integer_value, boolean_value,
		        json_value, reference_value
		   FROM entity_properties
		  WHERE module_id = ? AND entity_id = ?
		  ORDER BY property_path ASC`,
		moduleID, entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("list properties: %w", err)
	}
	defer rows.Close()

	var properties []domain.Property
	for rows.Next() {
		property, err := scanProperty(rows)
		if err != nil {
			return nil, err
		}
		properties = append(properties, property)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list properties: %w", err)
	}
	return properties, nil
}

// ListEntityIDs returns the set of entity ids across every module of one
// game system.
func (s *Store) ListEntityIDs(ctx context.Context, gameSystemID string) (map[string]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	gameSystemID = strings.TrimSpace(gameSystemID)
	if gameSystemID == "" {
		return nil, fmt.Errorf("game system id is required")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT e.entity_id
		   FROM module_entities e
		   JOIN modules m ON m.module_id = e.module_id
		  WHERE m.game_system_id = ?`,
		gameSystemID,
	)
	if err != nil {
		return nil, fmt.Errorf("list entity ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var entityID string
		if err := rows.Scan(&entityID); err != nil {
			return nil, fmt.Errorf("list entity ids: %w", err)
		}
		ids[entityID] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list entity ids: %w", err)
	}
	return ids, nil
}

// QueryEntitiesByProperty returns the distinct entity ids of one game
// system holding a property with the given key, type, and value.
func (s *Store) QueryEntitiesByProperty(ctx context.Context, query storage.PropertyQuery) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	gameSystemID := strings.TrimSpace(query.GameSystemID)
	propertyKey := strings.TrimSpace(query.PropertyKey)
	if gameSystemID == "" || propertyKey == "" {
		return nil, fmt.Errorf("game system id and property key are required")
	}

	column, arg, err := matchColumn(query.Value)
	if err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT DISTINCT p.entity_id
		   FROM entity_properties p
		   JOIN modules m ON m.module_id = p.module_id
		  WHERE m.game_system_id = ?
		    AND p.property_key = ?
		    AND p.value_type = ?
		    AND p.`+column+` = ?
		  ORDER BY p.entity_id ASC`,
		gameSystemID,
		propertyKey,
		string(query.Value.Type),
		arg,
	)
	if err != nil {
		return nil, fmt.Errorf("query entities by property: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var entityID string
		if err := rows.Scan(&entityID); err != nil {
			return nil, fmt.Errorf("query entities by property: %w", err)
		}
		ids = append(ids, entityID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query entities by property: %w", err)
	}
	return ids, nil
}

// CreateCampaign inserts one campaign record.
func (s *Store) CreateCampaign(ctx context.Context, campaign domain.Campaign) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	campaignID := strings.TrimSpace(campaign.ID)
	gameSystemID := strings.TrimSpace(campaign.GameSystemID)
	if campaignID == "" {
		return fmt.Errorf("campaign id is required")
	}
	if gameSystemID == "" {
		return fmt.Errorf("game system id is required")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO campaigns (campaign_id, game_system_id, name, created_at)
		 VALUES (?, ?, ?, ?)`,
		campaignID, gameSystemID, campaign.Name, toMillis(time.Now()),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("create campaign: %w", err)
	}
	return nil
}

// GetCampaign returns one campaign by id.
func (s *Store) GetCampaign(ctx context.Context, campaignID string) (domain.Campaign, error) {
	if err := ctx.Err(); err != nil {
		return domain.Campaign{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Campaign{}, fmt.Errorf("storage is not configured")
	}
	campaignID = strings.TrimSpace(campaignID)
	if campaignID == "" {
		return domain.Campaign{}, fmt.Errorf("campaign id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT campaign_id, game_system_id, name FROM campaigns WHERE campaign_id = ?`,
		campaignID,
	)
	var campaign domain.Campaign
	if err := row.Scan(&campaign.ID, &campaign.GameSystemID, &campaign.Name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Campaign{}, storage.ErrNotFound
		}
		return domain.Campaign{}, fmt.Errorf("get campaign: %w", err)
	}
	return campaign, nil
}

// BindCampaignModule appends one module to a campaign's load order. The
// position auto-advances past the campaign's current maximum inside the
// same transaction, so concurrent bindings never collide.
func (s *Store) BindCampaignModule(ctx context.Context, campaignID, moduleID string) (domain.CampaignBinding, error) {
	if err := ctx.Err(); err != nil {
		return domain.CampaignBinding{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.CampaignBinding{}, fmt.Errorf("storage is not configured")
	}
	campaignID = strings.TrimSpace(campaignID)
	moduleID = strings.TrimSpace(moduleID)
	if campaignID == "" || moduleID == "" {
		return domain.CampaignBinding{}, fmt.Errorf("campaign id and module id are required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CampaignBinding{}, fmt.Errorf("begin binding: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var loadOrder int
	row := tx.QueryRowContext(
		ctx,
		`SELECT COALESCE(MAX(load_order), 0) + 1 FROM campaign_modules WHERE campaign_id = ?`,
		campaignID,
	)
	if err := row.Scan(&loadOrder); err != nil {
		return domain.CampaignBinding{}, fmt.Errorf("next load order: %w", err)
	}

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO campaign_modules (campaign_id, module_id, load_order, is_active, created_at)
		 VALUES (?, ?, ?, 1, ?)`,
		campaignID, moduleID, loadOrder, toMillis(time.Now()),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.CampaignBinding{}, storage.ErrAlreadyExists
		}
		return domain.CampaignBinding{}, fmt.Errorf("bind campaign module: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.CampaignBinding{}, fmt.Errorf("commit binding: %w", err)
	}
	return domain.CampaignBinding{
		CampaignID: campaignID,
		ModuleID:   moduleID,
		LoadOrder:  loadOrder,
		IsActive:   true,
	}, nil
}

// SetBindingActive toggles one binding without touching its load order.
func (s *Store) SetBindingActive(ctx context.Context, campaignID, moduleID string, active bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE campaign_modules SET is_active = ? WHERE campaign_id = ? AND module_id = ?`,
		boolToInt(active), strings.TrimSpace(campaignID), strings.TrimSpace(moduleID),
	)
	if err != nil {
		return fmt.Errorf("set binding active: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set binding active: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListCampaignModules returns a campaign's bindings in load order.
func (s *Store) ListCampaignModules(ctx context.Context, campaignID string) ([]domain.CampaignBinding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	campaignID = strings.TrimSpace(campaignID)
	if campaignID == "" {
		return nil, fmt.Errorf("campaign id is required")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT campaign_id, module_id, load_order, is_active
		   FROM campaign_modules
		  WHERE campaign_id = ?
		  ORDER BY load_order ASC`,
		campaignID,
	)
	if err != nil {
		return nil, fmt.Errorf("list campaign modules: %w", err)
	}
	defer rows.Close()

	var bindings []domain.CampaignBinding
	for rows.Next() {
		var binding domain.CampaignBinding
		var isActive int
		if err := rows.Scan(&binding.CampaignID, &binding.ModuleID, &binding.LoadOrder, &isActive); err != nil {
			return nil, fmt.Errorf("list campaign modules: %w", err)
		}
		binding.IsActive = isActive != 0
		bindings = append(bindings, binding)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list campaign modules: %w", err)
	}
	return bindings, nil
}

// ResolveCampaignEntity returns the entity a campaign sees for one type
// and id: among active bindings, the highest load order wins.
func (s *Store) ResolveCampaignEntity(ctx context.Context, campaignID, entityType, entityID string) (storage.EntityRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.EntityRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.EntityRecord{}, fmt.Errorf("storage is not configured")
	}
	campaignID = strings.TrimSpace(campaignID)
	entityType = strings.TrimSpace(entityType)
	entityID = strings.TrimSpace(entityID)
	if campaignID == "" || entityType == "" || entityID == "" {
		return storage.EntityRecord{}, fmt.Errorf("campaign id, entity type, and entity id are required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT e.module_id, e.entity_id, e.entity_type, e.name, e.description,
		        e.img, e.template_id, e.tags, e.search_text
		   FROM campaign_modules cm
		   JOIN module_entities e ON e.module_id = cm.module_id
		  WHERE cm.campaign_id = ? AND cm.is_active = 1
		    AND e.entity_type = ? AND e.entity_id = ?
		  ORDER BY cm.load_order DESC
		  LIMIT 1`,
		campaignID, entityType, entityID,
	)
	record, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.EntityRecord{}, storage.ErrNotFound
		}
		return storage.EntityRecord{}, fmt.Errorf("resolve campaign entity: %w", err)
	}

	record.Properties, err = s.listProperties(ctx, record.ModuleID, record.EntityID)
	if err != nil {
		return storage.EntityRecord{}, err
	}
	return record, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (storage.EntityRecord, error) {
	var record storage.EntityRecord
	var tags string
	err := row.Scan(
		&record.ModuleID,
		&record.EntityID,
		&record.EntityType,
		&record.Name,
		&record.Description,
		&record.Img,
		&record.TemplateID,
		&tags,
		&record.SearchText,
	)
	if err != nil {
		return storage.EntityRecord{}, err
	}
	if record.Tags, err = unmarshalTags(tags); err != nil {
		return storage.EntityRecord{}, err
	}
	return record, nil
}

func scanProperty(row rowScanner) (domain.Property, error) {
	var property domain.Property
	var valueType string
	var text, jsonText, reference sql.NullString
	var number sql.NullFloat64
	var integer, boolean sql.NullInt64
	err := row.Scan(
		&property.Key,
		&property.Path,
		&property.ArrayIndex,
		&valueType,
		&text,
		&number,
		&integer,
		&boolean,
		&jsonText,
		&reference,
	)
	if err != nil {
		return domain.Property{}, fmt.Errorf("scan property: %w", err)
	}

	switch domain.ValueType(valueType) {
	case domain.ValueString:
		property.Value = domain.StringValue(text.String)
	case domain.ValueNumber:
		property.Value = domain.NumberValue(number.Float64)
	case domain.ValueInteger:
		property.Value = domain.IntegerValue(integer.Int64)
	case domain.ValueBoolean:
		property.Value = domain.BooleanValue(boolean.Int64 != 0)
	case domain.ValueJSON:
		property.Value = domain.JSONValue(jsonText.String)
	case domain.ValueReference:
		property.Value = domain.ReferenceValue(reference.String)
	default:
		return domain.Property{}, fmt.Errorf("unknown value type %q for property %s", valueType, property.Path)
	}
	return property, nil
}

type columns struct {
	text      sql.NullString
	number    sql.NullFloat64
	integer   sql.NullInt64
	boolean   sql.NullInt64
	jsonText  sql.NullString
	reference sql.NullString
}

// valueColumns spreads a tagged value across the typed columns; only the
// column matching the type is non-NULL.
func valueColumns(value domain.Value) columns {
	var c columns
	switch value.Type {
	case domain.ValueString:
		c.text = sql.NullString{String: value.Text, Valid: true}
	case domain.ValueNumber:
		c.number = sql.NullFloat64{Float64: value.Number, Valid: true}
	case domain.ValueInteger:
		c.integer = sql.NullInt64{Int64: value.Integer, Valid: true}
	case domain.ValueBoolean:
		c.boolean = sql.NullInt64{Int64: int64(boolToInt(value.Boolean)), Valid: true}
	case domain.ValueJSON:
		c.jsonText = sql.NullString{String: value.JSON, Valid: true}
	case domain.ValueReference:
		c.reference = sql.NullString{String: value.Text, Valid: true}
	}
	return c
}

func matchColumn(value domain.Value) (string, any, error) {
	switch value.Type {
	case domain.ValueString:
		return "string_value", value.Text, nil
	case domain.ValueNumber:
		return "number_value", value.Number, nil
	case domain.ValueInteger:
		return "integer_value", value.Integer, nil
	case domain.ValueBoolean:
		return "boolean_value", boolToInt(value.Boolean), nil
	case domain.ValueJSON:
		return "json_value", value.JSON, nil
	case domain.ValueReference:
		return "reference_value", value.Text, nil
	default:
		return "", nil, fmt.Errorf("unknown value type %q", value.Type)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalIssues(issues []domain.Issue) (string, error) {
	if len(issues) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal(issues)
	if err != nil {
		return "", fmt.Errorf("marshal validation issues: %w", err)
	}
	return string(raw), nil
}

func unmarshalIssues(raw string) ([]domain.Issue, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var issues []domain.Issue
	if err := json.Unmarshal([]byte(raw), &issues); err != nil {
		return nil, fmt.Errorf("unmarshal validation issues: %w", err)
	}
	return issues, nil
}

func marshalDependencies(deps []domain.Dependency) (string, error) {
	if len(deps) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal(deps)
	if err != nil {
		return "", fmt.Errorf("marshal dependencies: %w", err)
	}
	return string(raw), nil
}

func unmarshalDependencies(raw string) ([]domain.Dependency, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var deps []domain.Dependency
	if err := json.Unmarshal([]byte(raw), &deps); err != nil {
		return nil, fmt.Errorf("unmarshal dependencies: %w", err)
	}
	return deps, nil
}

func marshalTags(tags []string) (string, error) {
	if len(tags) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("marshal tags: %w", err)
	}
	return string(raw), nil
}

func unmarshalTags(raw string) ([]string, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	return tags, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var _ storage.Store = (*Store)(nil)
