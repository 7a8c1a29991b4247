package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents internal error codes for cache node operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Contract errors: the caller asked for something the node must refuse
	ErrCodeUnsupported        ErrorCode = 1000
	ErrCodeReplicaSetMismatch ErrorCode = 1001
	ErrCodeSlotStateConflict  ErrorCode = 1002
	ErrCodeSnapshotNotFound   ErrorCode = 1003
	ErrCodeInvalidArgument    ErrorCode = 1004

	// Infra errors: recoverable by the slot state machine
	ErrCodeInternal         ErrorCode = 2000
	ErrCodeStoreUnavailable ErrorCode = 2001
	ErrCodeDownloadFailed   ErrorCode = 2002
	ErrCodeIntegrityFailed  ErrorCode = 2003
	ErrCodeChunkNotOpen     ErrorCode = 2004
	ErrCodeDrainTimeout     ErrorCode = 2005
)

// CacheError represents a structured error with code and context
type CacheError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *CacheError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *CacheError) Unwrap() error {
	return e.Cause
}

// NewCacheError creates a new CacheError
func NewCacheError(code ErrorCode, message string, cause error) *CacheError {
	return &CacheError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *CacheError) WithDetail(key string, value interface{}) *CacheError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func Unsupported(operation string) *CacheError {
	return NewCacheError(ErrCodeUnsupported, fmt.Sprintf("operation not supported on a caching node: %s", operation), nil).
		WithDetail("operation", operation)
}

func ReplicaSetMismatch(slotID, slotReplicaSet, chunkReplicaSet string) *CacheError {
	return NewCacheError(ErrCodeReplicaSetMismatch,
		fmt.Sprintf("slot %s belongs to replica set %q, assignment is for %q", slotID, slotReplicaSet, chunkReplicaSet), nil).
		WithDetail("slot_id", slotID).
		WithDetail("slot_replica_set", slotReplicaSet).
		WithDetail("chunk_replica_set", chunkReplicaSet)
}

func SlotStateConflict(slotID, state, wanted string) *CacheError {
	return NewCacheError(ErrCodeSlotStateConflict,
		fmt.Sprintf("slot %s is %s, expected %s", slotID, state, wanted), nil).
		WithDetail("slot_id", slotID).
		WithDetail("state", state).
		WithDetail("wanted", wanted)
}

func SnapshotNotFound(snapshotID string) *CacheError {
	return NewCacheError(ErrCodeSnapshotNotFound, fmt.Sprintf("snapshot not found: %s", snapshotID), nil).
		WithDetail("snapshot_id", snapshotID)
}

func InvalidArgument(message string, cause error) *CacheError {
	return NewCacheError(ErrCodeInvalidArgument, message, cause)
}

func StoreUnavailable(message string, cause error) *CacheError {
	return NewCacheError(ErrCodeStoreUnavailable, message, cause)
}

func DownloadFailed(snapshotID string, cause error) *CacheError {
	return NewCacheError(ErrCodeDownloadFailed, fmt.Sprintf("chunk download failed: %s", snapshotID), cause).
		WithDetail("snapshot_id", snapshotID)
}

func IntegrityFailed(file string, expected, actual uint64) *CacheError {
	return NewCacheError(ErrCodeIntegrityFailed,
		fmt.Sprintf("integrity check failed for %s: expected %x, got %x", file, expected, actual), nil).
		WithDetail("file", file).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func ChunkNotOpen(chunkID string) *CacheError {
	return NewCacheError(ErrCodeChunkNotOpen, fmt.Sprintf("chunk is not open for search: %s", chunkID), nil).
		WithDetail("chunk_id", chunkID)
}

func InternalError(message string, cause error) *CacheError {
	return NewCacheError(ErrCodeInternal, message, cause)
}

func DrainTimeout(chunkID string, inflight int) *CacheError {
	return NewCacheError(ErrCodeDrainTimeout,
		fmt.Sprintf("search drain timed out for chunk %s with %d queries in flight", chunkID, inflight), nil).
		WithDetail("chunk_id", chunkID).
		WithDetail("inflight", inflight)
}

// IsCacheError checks if an error is a CacheError
func IsCacheError(err error) bool {
	var ce *CacheError
	return errors.As(err, &ce)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var ce *CacheError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrCodeInternal
}
