package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrModuleNotFound indicates a requested module is not loaded.
	ErrModuleNotFound = errors.New("module not found")
	// ErrEntityNotFound indicates a requested entity does not exist.
	ErrEntityNotFound = errors.New("entity not found")
	// ErrCampaignNotFound indicates a requested campaign does not exist.
	ErrCampaignNotFound = errors.New("campaign not found")
	// ErrModuleAlreadyExists indicates a module id collision on first load.
	ErrModuleAlreadyExists = errors.New("module already exists")
)

// FieldError describes one invalid or missing manifest field.
type FieldError struct {
	Field   string
	Message string
}

// ManifestError aborts a load. It carries every missing or invalid
// manifest field, not just the first one found.
type ManifestError struct {
	Path   string
	Fields []FieldError
}

// Error lists all offending fields.
func (e *ManifestError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Message))
	}
	return fmt.Sprintf("invalid manifest %s: %s", e.Path, strings.Join(parts, "; "))
}

// FileLoadError marks one malformed content file. Fatal unless the load
// runs with skipInvalid, in which case the file is skipped.
type FileLoadError struct {
	Path string
	Err  error
}

// Error describes the failed file.
func (e *FileLoadError) Error() string {
	return fmt.Sprintf("load content file %s: %v", e.Path, e.Err)
}

// Unwrap exposes the underlying parse or IO error.
func (e *FileLoadError) Unwrap() error { return e.Err }

// TransactionError marks a persistence failure mid-reload. The store
// rolls back entirely and the prior state is retained.
type TransactionError struct {
	ModuleID string
	Err      error
}

// Error describes the failed transaction.
func (e *TransactionError) Error() string {
	return fmt.Sprintf("persist module %s: %v", e.ModuleID, e.Err)
}

// Unwrap exposes the underlying storage error.
func (e *TransactionError) Unwrap() error { return e.Err }

// GameSystemMismatchError rejects a campaign-module binding whose game
// systems disagree. Fatal to the specific bind call only.
type GameSystemMismatchError struct {
	CampaignID       string
	CampaignSystemID string
	ModuleID         string
	ModuleSystemID   string
}

// Error describes the mismatch.
func (e *GameSystemMismatchError) Error() string {
	return fmt.Sprintf("campaign %s uses game system %s, module %s targets %s",
		e.CampaignID, e.CampaignSystemID, e.ModuleID, e.ModuleSystemID)
}
