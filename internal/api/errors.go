package api

import (
	"errors"
	"fmt"
)

// ValidationError reports a malformed entity spec. Validation runs before the
// registry write, so a spec that fails validation never reaches reconciliation.
type ValidationError struct {
	// Field is the offending field, when attributable.
	Field string

	// Message describes what is wrong with the spec.
	Message string
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
	}
	return e.Message
}

// NewValidationError creates a ValidationError for a specific field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// IsValidation checks if an error is or wraps a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// NotFoundError reports that a requested resource does not exist.
type NotFoundError struct {
	// ResourceType categorizes the missing resource ("camera", "agent",
	// "recording", "workload").
	ResourceType string

	// ResourceID is the identifier that was looked up.
	ResourceID string
}

// Error implements the error interface for NotFoundError.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.ResourceType, e.ResourceID)
}

// NewNotFoundError creates a NotFoundError for the given resource.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{ResourceType: resourceType, ResourceID: resourceID}
}

// IsNotFound checks if an error is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nfe *NotFoundError
	return errors.As(err, &nfe)
}

// PlacementError reports that no node satisfies an entity's placement
// requirements. The entity is parked in the error state with the reason and
// periodically retried in case capacity appears.
type PlacementError struct {
	EntityID string
	Reason   string
}

// Error implements the error interface for PlacementError.
func (e *PlacementError) Error() string {
	return fmt.Sprintf("no placement for %s: %s", e.EntityID, e.Reason)
}

// IsPlacement checks if an error is or wraps a PlacementError.
func IsPlacement(err error) bool {
	var pe *PlacementError
	return errors.As(err, &pe)
}

// ClusterAPIError wraps a transient failure from the cluster API. The
// reconciler absorbs these with retry and backoff; they never surface to
// callers of start/stop unless retries are exhausted.
type ClusterAPIError struct {
	Op  string
	Err error
}

// Error implements the error interface for ClusterAPIError.
func (e *ClusterAPIError) Error() string {
	return fmt.Sprintf("cluster %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cluster error.
func (e *ClusterAPIError) Unwrap() error {
	return e.Err
}

// NewClusterAPIError wraps err as a transient cluster failure for operation op.
func NewClusterAPIError(op string, err error) *ClusterAPIError {
	return &ClusterAPIError{Op: op, Err: err}
}

// IsClusterAPI checks if an error is or wraps a ClusterAPIError.
func IsClusterAPI(err error) bool {
	var ce *ClusterAPIError
	return errors.As(err, &ce)
}

// ConflictError reports an operation that conflicts with current state, such
// as starting a recording that is already active. Returned synchronously, no
// retry.
type ConflictError struct {
	ResourceType string
	ResourceID   string
	Message      string
}

// Error implements the error interface for ConflictError.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.ResourceType, e.ResourceID, e.Message)
}

// NewConflictError creates a ConflictError for the given resource.
func NewConflictError(resourceType, resourceID, message string) *ConflictError {
	return &ConflictError{ResourceType: resourceType, ResourceID: resourceID, Message: message}
}

// IsConflict checks if an error is or wraps a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// ErrStillConverging is returned by control operations when the caller's
// timeout elapses before the entity reaches a terminal status. It is not a
// failure: the underlying operation remains valid and the caller should poll
// status.
var ErrStillConverging = errors.New("still converging")

// ErrUnavailable is returned by the proxy when a workload address cannot be
// resolved even after one refresh, typically because the workload was just
// replaced and has not come back yet.
var ErrUnavailable = errors.New("temporarily unavailable")

// ErrNotRunning is returned when an operation requires a running workload,
// such as starting a recording on a stopped camera.
var ErrNotRunning = errors.New("workload not running")
