// Package errors provides structured error handling for naabu2nmap operations.
// It defines error codes and coded error types so that each layer can decide
// whether a failure is fatal (input and configuration) or contained (scans,
// report parsing, interruption).
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents different types of errors that can occur.
type ErrorCode string

const (
	// General errors.
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeValidation    ErrorCode = "VALIDATION"
	CodeConfiguration ErrorCode = "CONFIGURATION"
	CodeCanceled      ErrorCode = "CANCELED"

	// Scanning errors.
	CodeScanFailed   ErrorCode = "SCAN_FAILED"
	CodeToolNotFound ErrorCode = "TOOL_NOT_FOUND"

	// Report errors.
	CodeParse ErrorCode = "PARSE"
	CodeMerge ErrorCode = "MERGE"

	// File system errors.
	CodeFileNotFound    ErrorCode = "FILE_NOT_FOUND"
	CodeFilePermission  ErrorCode = "FILE_PERMISSION"
	CodeDirectoryCreate ErrorCode = "DIRECTORY_CREATE"
)

// ScanError represents an error that occurred while scanning a single target.
type ScanError struct {
	Code    ErrorCode
	Message string
	Target  string
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface.
func (e *ScanError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Target != "" {
		msg = fmt.Sprintf("%s (target: %s)", msg, e.Target)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error for error unwrapping.
func (e *ScanError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error.
func (e *ScanError) WithContext(key string, value interface{}) *ScanError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewScanErrorWithTarget creates a scan error for a specific target.
func NewScanErrorWithTarget(code ErrorCode, message, target string) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Target:  target,
		Context: make(map[string]interface{}),
	}
}

// WrapScanErrorWithTarget wraps an error with target information.
func WrapScanErrorWithTarget(code ErrorCode, message, target string, err error) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Target:  target,
		Cause:   err,
		Context: make(map[string]interface{}),
	}
}

// FileError represents a failure reading or writing a file on disk.
type FileError struct {
	Code    ErrorCode
	Message string
	Path    string
	Cause   error
}

// Error implements the error interface.
func (e *FileError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Path != "" {
		msg = fmt.Sprintf("%s (path: %s)", msg, e.Path)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *FileError) Unwrap() error {
	return e.Cause
}

// WrapFileError wraps an existing error as a file error for path.
func WrapFileError(code ErrorCode, message, path string, err error) *FileError {
	return &FileError{
		Code:    code,
		Message: message,
		Path:    path,
		Cause:   err,
	}
}

// ConfigError represents configuration-related errors.
type ConfigError struct {
	Code    ErrorCode
	Message string
	Field   string
	Value   interface{}
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Field != "" {
		msg = fmt.Sprintf("%s (field: %s)", msg, e.Field)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigFieldError creates a configuration error for a specific field.
func NewConfigFieldError(code ErrorCode, message, field string, value interface{}) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Field:   field,
		Value:   value,
	}
}

// WrapConfigError wraps an existing error as a configuration error.
func WrapConfigError(code ErrorCode, message string, err error) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Utility functions for common error operations

// GetCode extracts the error code from the first coded error in err's chain.
func GetCode(err error) ErrorCode {
	var scanErr *ScanError
	if stderrors.As(err, &scanErr) {
		return scanErr.Code
	}
	var fileErr *FileError
	if stderrors.As(err, &fileErr) {
		return fileErr.Code
	}
	var cfgErr *ConfigError
	if stderrors.As(err, &cfgErr) {
		return cfgErr.Code
	}
	return CodeUnknown
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// IsFatal reports whether err must stop the run before any scan is dispatched.
// Only input and configuration problems qualify; everything else is contained
// by the layer where it happens.
func IsFatal(err error) bool {
	switch GetCode(err) {
	case CodeFileNotFound, CodeFilePermission, CodeDirectoryCreate,
		CodeConfiguration, CodeValidation:
		return true
	default:
		return false
	}
}

// Common error creation functions

// ErrScanFailed creates an error for a scan subprocess that did not succeed.
func ErrScanFailed(target string, err error) *ScanError {
	return WrapScanErrorWithTarget(CodeScanFailed, "Scan execution failed", target, err)
}

// ErrToolNotFound creates an error for a scanner binary that cannot be located.
func ErrToolNotFound(target string, err error) *ScanError {
	return WrapScanErrorWithTarget(CodeToolNotFound, "Scanner executable not available", target, err)
}

// ErrConfigInvalid creates an error for invalid configuration.
func ErrConfigInvalid(field string, value interface{}) *ConfigError {
	return NewConfigFieldError(CodeValidation, "Invalid configuration value", field, value)
}

// ErrConfigMissing creates an error for missing required configuration.
func ErrConfigMissing(field string) *ConfigError {
	return NewConfigFieldError(CodeConfiguration, "Required configuration field missing", field, nil)
}
