package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations on a closed backend.
	ErrClosed = errors.New("storage backend closed")

	// ErrNotFound is matched by every NotFoundError via errors.Is.
	ErrNotFound = errors.New("not found")
)

// NotFoundError reports a missing resource.
type NotFoundError struct {
	ResourceType string
	ResourceID   string
}

func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{ResourceType: resourceType, ResourceID: resourceID}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.ResourceType, e.ResourceID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// InvalidInputError reports a rejected argument.
type InvalidInputError struct {
	Field   string
	Message string
}

func NewInvalidInputError(field, message string) *InvalidInputError {
	return &InvalidInputError{Field: field, Message: message}
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}
