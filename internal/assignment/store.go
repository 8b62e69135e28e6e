// Package assignment remembers, per user, the workflow node and assignees
// picked on the last transfer so the next submission can be prefilled.
package assignment

import (
	"context"

	"github.com/pitabwire/officeflow/model"
)

// keyPrefix namespaces persisted memories.
const keyPrefix = "officeflow:assignment:"

// StorageKey returns the persistence key of a subject's memory.
func StorageKey(subject string) string {
	return keyPrefix + subject
}

// Store persists assignment memories as opaque JSON documents.
type Store interface {
	// Load returns the memory stored under key. A missing key is not an
	// error: found is false and the memory is empty.
	Load(ctx context.Context, key string) (mem model.AssignmentMemory, found bool, err error)

	// Save replaces the memory stored under key.
	Save(ctx context.Context, key string, mem model.AssignmentMemory) error

	// Delete removes key. Deleting a missing key succeeds.
	Delete(ctx context.Context, key string) error

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error
}
