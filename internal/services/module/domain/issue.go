package domain

// Severity ranks a validation issue.
type Severity string

const (
	// SeverityError blocks a "valid" status but not loading.
	SeverityError Severity = "error"
	// SeverityWarning flags a concern without affecting status.
	SeverityWarning Severity = "warning"
)

// IssueCode is a machine-readable validation issue code.
type IssueCode string

const (
	// CodeManifestFieldMissing flags a required manifest field absence.
	CodeManifestFieldMissing IssueCode = "MANIFEST_FIELD_MISSING"
	// CodeManifestVersionInvalid flags a non-semver module version.
	CodeManifestVersionInvalid IssueCode = "MANIFEST_VERSION_INVALID"
	// CodeDependencyMalformed flags an unparseable dependency declaration.
	CodeDependencyMalformed IssueCode = "DEPENDENCY_MALFORMED"
	// CodeDependencyUnresolved flags a dependency module not yet loaded.
	CodeDependencyUnresolved IssueCode = "DEPENDENCY_UNRESOLVED"
	// CodeEntityFieldMissing flags a canonical entity missing identity fields.
	CodeEntityFieldMissing IssueCode = "ENTITY_FIELD_MISSING"
	// CodeEntityDuplicateID flags a repeated entityId within one module.
	CodeEntityDuplicateID IssueCode = "ENTITY_DUPLICATE_ID"
	// CodeTemplateUnresolved flags a templateId unknown to the registry.
	CodeTemplateUnresolved IssueCode = "TEMPLATE_UNRESOLVED"
	// CodeReferenceUnresolved flags a reference to an unknown entityId.
	CodeReferenceUnresolved IssueCode = "REFERENCE_UNRESOLVED"
	// CodeFileSkipped records a content file skipped under skipInvalid.
	CodeFileSkipped IssueCode = "FILE_SKIPPED"
)

// Issue is one validation finding attached to a module's report.
type Issue struct {
	Severity    Severity  `json:"severity"`
	Code        IssueCode `json:"code"`
	Message     string    `json:"message"`
	EntityID    string    `json:"entityId,omitempty"`
	PropertyKey string    `json:"propertyKey,omitempty"`
	Details     string    `json:"details,omitempty"`
}

// Report accumulates the issues from every validation pass.
type Report struct {
	Issues []Issue
}

// Add appends issues to the report.
func (r *Report) Add(issues ...Issue) {
	r.Issues = append(r.Issues, issues...)
}

// HasErrors reports whether any issue carries error severity.
func (r *Report) HasErrors() bool {
	for _, issue := range r.Issues {
		if issue.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Status derives the module validation status from the accumulated
// issues: invalid iff at least one error exists, valid otherwise.
func (r *Report) Status() ValidationStatus {
	if r.HasErrors() {
		return ValidationInvalid
	}
	return ValidationValid
}
