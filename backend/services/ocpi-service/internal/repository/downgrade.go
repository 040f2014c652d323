package repository

import (
	"fmt"
	"time"

	"ocpihub/backend/services/ocpi-service/internal/models"
)

// IsDowngrade reports whether incoming would replace a stored version that is newer or equal.
func IsDowngrade(existing *models.VersionedResource, incoming models.VersionedResource) bool {
	return existing != nil && !incoming.LastUpdated.After(existing.LastUpdated)
}

// AllowDowngrade resolves the effective policy: the request override wins over the configured
// flag, and downgrades are rejected when neither is set.
func AllowDowngrade(requestOverride, configured *bool) bool {
	if requestOverride != nil {
		return *requestOverride
	}
	if configured != nil {
		return *configured
	}
	return false
}

// DowngradeError is returned when a write is rejected by the downgrade guard.
type DowngradeError struct {
	Key      models.ResourceKey
	Stored   time.Time
	Incoming time.Time
}

func (e *DowngradeError) Error() string {
	return fmt.Sprintf(
		"%s: last_updated %s is not newer than stored %s; send a newer last_updated or retry with forceDowngrade=true",
		e.Key, models.FormatTime(e.Incoming), models.FormatTime(e.Stored),
	)
}
