package errors

import (
	"fmt"
	"strings"
	"time"
)

type ErrorCode string

const (
	// Input
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// Profiles
	ErrCodeProfileNotFound   ErrorCode = "PROFILE_NOT_FOUND"
	ErrCodeProfileLoadFailed ErrorCode = "PROFILE_LOAD_FAILED"

	// Candidate selection
	ErrCodeCandidateSearchFailed ErrorCode = "CANDIDATE_SEARCH_FAILED"

	// Embeddings
	ErrCodeEmbeddingFailed  ErrorCode = "EMBEDDING_FAILED"
	ErrCodeEmbeddingTimeout ErrorCode = "EMBEDDING_TIMEOUT"

	// Cache
	ErrCodeCacheUnavailable ErrorCode = "CACHE_UNAVAILABLE"

	// Scoring
	ErrCodeScoringFailed ErrorCode = "SCORING_FAILED"

	// Storage
	ErrCodeDatabaseConnectionFailed ErrorCode = "DATABASE_CONNECTION_FAILED"
	ErrCodeQueryExecutionFailed     ErrorCode = "QUERY_EXECUTION_FAILED"
	ErrCodeSearchQueryFailed        ErrorCode = "SEARCH_QUERY_FAILED"
	ErrCodeIndexNotFound            ErrorCode = "INDEX_NOT_FOUND"

	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// WithMetadata attaches a key/value pair and returns the same error.
func (e *StandardError) WithMetadata(key string, value interface{}) *StandardError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

type BPMNError struct {
	Code           string                 `json:"code"`
	Message        string                 `json:"message"`
	Details        string                 `json:"details,omitempty"`
	Retryable      bool                   `json:"retryable"`
	Retries        int                    `json:"retries"`
	ErrorVariables map[string]interface{} `json:"errorVariables,omitempty"`
}

func (e *BPMNError) Error() string {
	return fmt.Sprintf("BPMNError[%s]: %s", e.Code, e.Message)
}

func (e *BPMNError) ToErrorVariables() map[string]interface{} {
	vars := map[string]interface{}{
		"errorCode":    e.Code,
		"errorMessage": e.Message,
		"errorDetails": e.Details,
		"retryable":    e.Retryable,
	}
	for k, v := range e.ErrorVariables {
		vars[k] = v
	}
	return vars
}

func newError(code ErrorCode, message, details string, retryable bool) *StandardError {
	return &StandardError{
		Code:      code,
		Message:   message,
		Details:   details,
		Retryable: retryable,
		Timestamp: time.Now().UTC(),
	}
}

func NewInvalidInputError(details string) *StandardError {
	return newError(ErrCodeInvalidInput, "Job input failed validation", details, false)
}

func NewProfileNotFoundError(profileID string) *StandardError {
	return newError(ErrCodeProfileNotFound, "Profile not found",
		fmt.Sprintf("profileId: %s", profileID), false)
}

func NewProfileLoadFailedError(profileID string, err error) *StandardError {
	return newError(ErrCodeProfileLoadFailed, "Failed to load profile",
		fmt.Sprintf("profileId: %s, error: %s", profileID, err.Error()), true)
}

func NewCandidateSearchFailedError(mode string, err error) *StandardError {
	return newError(ErrCodeCandidateSearchFailed, "Candidate selection failed",
		fmt.Sprintf("mode: %s, error: %s", mode, err.Error()), true)
}

func NewEmbeddingFailedError(err error) *StandardError {
	return newError(ErrCodeEmbeddingFailed, "Embedding provider error", err.Error(), true)
}

func NewEmbeddingTimeoutError() *StandardError {
	return newError(ErrCodeEmbeddingTimeout, "Embedding provider timeout",
		"embedding call exceeded its deadline", true)
}

func NewCacheUnavailableError(op string, err error) *StandardError {
	return newError(ErrCodeCacheUnavailable, "Score cache unavailable",
		fmt.Sprintf("op: %s, error: %s", op, err.Error()), true)
}

func NewScoringFailedError(err error) *StandardError {
	return newError(ErrCodeScoringFailed, "Match scoring failed", err.Error(), false)
}

func NewDatabaseConnectionFailedError(err error) *StandardError {
	return newError(ErrCodeDatabaseConnectionFailed, "Database connection error", err.Error(), true)
}

func NewQueryExecutionFailedError(query string, err error) *StandardError {
	return newError(ErrCodeQueryExecutionFailed, "Database query execution error",
		fmt.Sprintf("query: %s, error: %s", query, err.Error()), true)
}

func NewSearchQueryFailedError(index string, err error) *StandardError {
	return newError(ErrCodeSearchQueryFailed, "Elasticsearch query error",
		fmt.Sprintf("index: %s, error: %s", index, err.Error()), true)
}

func NewIndexNotFoundError(index string) *StandardError {
	return newError(ErrCodeIndexNotFound, "Elasticsearch index not found",
		fmt.Sprintf("index: %s", index), false)
}

func NewExternalServiceError(service string, err error) *StandardError {
	return newError("EXTERNAL_SERVICE_ERROR",
		fmt.Sprintf("External service '%s' error", service), err.Error(), true)
}

func NewTimeoutError(service string, err error) *StandardError {
	return newError("TIMEOUT_ERROR",
		fmt.Sprintf("Service '%s' timeout", service), err.Error(), true)
}

func NewResourceNotFoundError(service, details string) *StandardError {
	return newError("RESOURCE_NOT_FOUND",
		fmt.Sprintf("Resource not found in %s", service), details, false)
}

func NewAuthenticationError(details string) *StandardError {
	return newError("AUTHENTICATION_ERROR", "Authentication failed", details, false)
}

func NewBusinessRuleError(message, details string) *StandardError {
	return newError("BUSINESS_RULE_VIOLATION", message, details, false)
}

var BPMNErrorMapping = map[ErrorCode]string{
	ErrCodeInvalidInput:             "INVALID_INPUT",
	ErrCodeProfileNotFound:          "PROFILE_NOT_FOUND",
	ErrCodeProfileLoadFailed:        "PROFILE_LOAD_FAILED",
	ErrCodeCandidateSearchFailed:    "CANDIDATE_SEARCH_FAILED",
	ErrCodeEmbeddingFailed:          "EMBEDDING_FAILED",
	ErrCodeEmbeddingTimeout:         "EMBEDDING_TIMEOUT",
	ErrCodeCacheUnavailable:         "CACHE_UNAVAILABLE",
	ErrCodeScoringFailed:            "SCORING_FAILED",
	ErrCodeDatabaseConnectionFailed: "DATABASE_CONNECTION_FAILED",
	ErrCodeQueryExecutionFailed:     "QUERY_EXECUTION_FAILED",
	ErrCodeSearchQueryFailed:        "SEARCH_QUERY_FAILED",
	ErrCodeIndexNotFound:            "INDEX_NOT_FOUND",
}

func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodeProfileLoadFailed,
		ErrCodeCandidateSearchFailed,
		ErrCodeDatabaseConnectionFailed,
		ErrCodeQueryExecutionFailed,
		ErrCodeSearchQueryFailed,
		ErrCodeEmbeddingFailed:
		return 3
	case ErrCodeEmbeddingTimeout,
		ErrCodeCacheUnavailable:
		return 2
	default:
		return 0
	}
}

func ConvertToBPMNError(stdErr *StandardError) *BPMNError {
	bpmnCode, ok := BPMNErrorMapping[stdErr.Code]
	if !ok {
		bpmnCode = string(stdErr.Code)
	}

	retries := GetRetryCount(stdErr.Code)
	if !stdErr.Retryable {
		retries = 0
	}

	vars := map[string]interface{}{
		"originalErrorCode": string(stdErr.Code),
		"timestamp":         stdErr.Timestamp.Format(time.RFC3339),
	}
	for k, v := range stdErr.Metadata {
		vars[k] = v
	}

	return &BPMNError{
		Code:           bpmnCode,
		Message:        stdErr.Message,
		Details:        stdErr.Details,
		Retryable:      stdErr.Retryable,
		Retries:        retries,
		ErrorVariables: vars,
	}
}

func IsRetryableErrorCode(code ErrorCode) bool {
	return GetRetryCount(code) > 0
}

func GetErrorCategory(code ErrorCode) string {
	codeStr := string(code)
	switch {
	case strings.Contains(codeStr, "PROFILE"):
		return "PROFILE"
	case strings.Contains(codeStr, "EMBEDDING"):
		return "EMBEDDING"
	case strings.Contains(codeStr, "CACHE"):
		return "CACHE"
	case strings.Contains(codeStr, "DATABASE") || strings.Contains(codeStr, "QUERY_EXECUTION"):
		return "DATABASE"
	case strings.Contains(codeStr, "SEARCH") || strings.Contains(codeStr, "INDEX"):
		return "SEARCH"
	case strings.Contains(codeStr, "INVALID") || strings.Contains(codeStr, "VALIDATION"):
		return "VALIDATION"
	case strings.Contains(codeStr, "SCORING"):
		return "SCORING"
	default:
		return "OTHER"
	}
}
