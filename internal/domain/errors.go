package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRecord signals a raw receipt that failed schema checks.
	ErrInvalidRecord = errors.New("invalid record")
	// ErrInvalidConfig signals an unusable run configuration.
	ErrInvalidConfig = errors.New("invalid run config")
	// ErrInvalidRequest signals a malformed query or projection request.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrVectorDimMismatch signals a vector dimension mismatch.
	ErrVectorDimMismatch = errors.New("vector dimension mismatch")

	// ErrBackendUnavailable signals an unreachable or overloaded embedding backend.
	// It is the only embedding error that is retried.
	ErrBackendUnavailable = errors.New("embedding backend unavailable")
	// ErrEmbeddingProviderError signals a permanent rejection by the embedding provider.
	ErrEmbeddingProviderError = errors.New("embedding provider error")

	// ErrRunNotFound signals an unknown run identifier.
	ErrRunNotFound = errors.New("run not found")
	// ErrNotMaterialized signals an asset without a committed materialization.
	ErrNotMaterialized = errors.New("asset not materialized")
	// ErrUnknownAsset signals an asset name missing from the graph.
	ErrUnknownAsset = errors.New("unknown asset")
	// ErrStaleDependency signals a read of a materialization whose upstream has moved on.
	ErrStaleDependency = errors.New("stale dependency")
	// ErrLockTimeout signals that an asset write lock could not be acquired in time.
	ErrLockTimeout = errors.New("asset write lock timeout")
)

// SchemaError attributes a validation failure to one record and field.
type SchemaError struct {
	RecordID string
	Field    string
	Reason   string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s: record %q: %s: %s", ErrInvalidRecord.Error(), e.RecordID, e.Field, e.Reason)
}

func (e *SchemaError) Unwrap() error { return ErrInvalidRecord }

// NewSchemaError creates a schema error for the given record and field.
func NewSchemaError(recordID, field, reason string) error {
	return &SchemaError{RecordID: recordID, Field: field, Reason: reason}
}

// StaleDependencyError reports which upstream moved past the version a reader expected.
type StaleDependencyError struct {
	Asset    string
	Upstream string
	Expected int64 // upstream sequence recorded by Asset
	Current  int64 // upstream sequence at the time of the read
}

func (e *StaleDependencyError) Error() string {
	return fmt.Sprintf("%s: %s was built from %s@%d, current is %s@%d",
		ErrStaleDependency.Error(), e.Asset, e.Upstream, e.Expected, e.Upstream, e.Current)
}

func (e *StaleDependencyError) Unwrap() error { return ErrStaleDependency }
