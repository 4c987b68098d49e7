package schema

import "time"

// Complexity classifies a template's structural complexity.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// ValidationSeverity indicates whether an issue is an error or warning.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is a single validation problem with location context.
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// WorkflowValidationResult aggregates the outcome of template validation.
// Errors block activation and execution; warnings do not.
type WorkflowValidationResult struct {
	IsValid           bool              `json:"is_valid"`
	Errors            []ValidationIssue `json:"errors,omitempty"`
	Warnings          []ValidationIssue `json:"warnings,omitempty"`
	Complexity        Complexity        `json:"complexity"`
	EstimatedDuration time.Duration     `json:"estimated_duration"`
}

// AddError appends an error-severity issue.
func (r *WorkflowValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityError,
	})
}

// AddWarning appends a warning-severity issue.
func (r *WorkflowValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// ToError converts the result to a FlowError if invalid, nil if valid.
func (r *WorkflowValidationResult) ToError() error {
	if r.IsValid {
		return nil
	}

	msg := "template validation failed"
	if len(r.Errors) > 0 {
		msg = r.Errors[0].Message
	}

	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        r.Errors,
		})
}
