// Package errors provides structured error handling for bivy.
//
// Codes read ERR_NXX_DESCRIPTION. The hundreds digit N is the category:
// 1 config, 2 local IO (index files, queue and record databases),
// 3 index backends, 4 validation, 5 internal.
package errors

// Category classifies an error by the hundreds digit of its code.
type Category string

const (
	CategoryConfig     Category = "CONFIG"
	CategoryIO         Category = "IO"
	CategoryBackend    Category = "BACKEND"
	CategoryValidation Category = "VALIDATION"
	CategoryInternal   Category = "INTERNAL"
)

// Severity says whether work can go on after the error.
type Severity string

const (
	// SeverityFatal means the process should stop.
	SeverityFatal Severity = "FATAL"
	// SeverityError means the operation failed; others can proceed.
	SeverityError Severity = "ERROR"
	// SeverityWarning means a retry is expected to succeed.
	SeverityWarning Severity = "WARNING"
)

const (
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	ErrCodeIndexOpen    = "ERR_201_INDEX_OPEN_FAILED"
	ErrCodeQueueOpen    = "ERR_202_QUEUE_OPEN_FAILED"
	ErrCodeDatabaseOpen = "ERR_203_DATABASE_OPEN_FAILED"
	ErrCodeCorruptIndex = "ERR_205_CORRUPT_INDEX"

	ErrCodeBackendUnavailable = "ERR_301_BACKEND_UNAVAILABLE"
	ErrCodeBackendTimeout     = "ERR_302_BACKEND_TIMEOUT"

	ErrCodeInvalidInput       = "ERR_401_INVALID_INPUT"
	ErrCodeInvalidFilter      = "ERR_402_INVALID_FILTER"
	ErrCodeModelNotRegistered = "ERR_403_MODEL_NOT_REGISTERED"
	ErrCodeRecordNotFound     = "ERR_404_RECORD_NOT_FOUND"

	ErrCodeInternal            = "ERR_501_INTERNAL"
	ErrCodeSerializationFailed = "ERR_502_SERIALIZATION_FAILED"
	ErrCodeDispatchFailed      = "ERR_503_DISPATCH_FAILED"
)

// Codes whose severity differs from SeverityError. Retryable codes are
// exactly the SeverityWarning ones: a job failing with one is redelivered.
var severities = map[string]Severity{
	ErrCodeCorruptIndex:       SeverityFatal,
	ErrCodeBackendUnavailable: SeverityWarning,
	ErrCodeBackendTimeout:     SeverityWarning,
	ErrCodeDispatchFailed:     SeverityWarning,
}

var categories = map[byte]Category{
	'1': CategoryConfig,
	'2': CategoryIO,
	'3': CategoryBackend,
	'4': CategoryValidation,
}

func categoryFromCode(code string) Category {
	if len(code) > len("ERR_") {
		if c, ok := categories[code[len("ERR_")]]; ok {
			return c
		}
	}
	return CategoryInternal
}

func severityFromCode(code string) Severity {
	if s, ok := severities[code]; ok {
		return s
	}
	return SeverityError
}

func isRetryableCode(code string) bool {
	return severities[code] == SeverityWarning
}
