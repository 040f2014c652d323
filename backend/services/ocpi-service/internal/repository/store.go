package repository

import (
	"context"
	"errors"
	"sort"
	"time"

	"ocpihub/backend/services/ocpi-service/internal/models"
)

var (
	// ErrNotFound is returned when no resource is stored under a key.
	ErrNotFound = errors.New("resource not found")
	// ErrAlreadyExists is returned by create-once writes.
	ErrAlreadyExists = errors.New("resource already exists")
)

// WriteResult describes an accepted write.
type WriteResult struct {
	Resource models.VersionedResource
	Created  bool
}

// MutateFunc computes the next version of a resource from the current one (nil when absent).
// Returning an error aborts the write and leaves the stored version untouched.
type MutateFunc func(current *models.VersionedResource) (models.VersionedResource, error)

// Filter selects resources of one kind.
type Filter struct {
	Kind        models.ResourceKind
	CountryCode string
	PartyID     string
	ID          string
	// DateFrom is inclusive, DateTo exclusive. Zero values are unbounded.
	DateFrom  time.Time
	DateTo    time.Time
	Predicate func(models.VersionedResource) bool
	Offset    int
	Limit     int
}

// Page is one window of a listing. Total counts every match before pagination.
type Page struct {
	Items []models.VersionedResource
	Total int
}

// Store is the versioned resource repository. Only top-level keys are stored; EVSEs and
// connectors live inside their location document.
type Store interface {
	TryGet(ctx context.Context, key models.ResourceKey) (models.VersionedResource, error)
	AddOrUpdate(ctx context.Context, res models.VersionedResource, allowDowngrade bool) (WriteResult, error)
	Mutate(ctx context.Context, key models.ResourceKey, fn MutateFunc) (WriteResult, error)
	Remove(ctx context.Context, key models.ResourceKey) error
	List(ctx context.Context, filter Filter) (Page, error)
}

// GuardedWrite replaces the current version with res unless the downgrade guard rejects it.
func GuardedWrite(res models.VersionedResource, allowDowngrade bool) MutateFunc {
	return func(current *models.VersionedResource) (models.VersionedResource, error) {
		if IsDowngrade(current, res) && !allowDowngrade {
			return models.VersionedResource{}, &DowngradeError{
				Key:      res.Key,
				Stored:   current.LastUpdated,
				Incoming: res.LastUpdated,
			}
		}
		return res, nil
	}
}

func (f Filter) matches(res models.VersionedResource) bool {
	if res.Key.Kind != f.Kind {
		return false
	}
	if f.CountryCode != "" && res.Key.CountryCode != f.CountryCode {
		return false
	}
	if f.PartyID != "" && res.Key.PartyID != f.PartyID {
		return false
	}
	if f.ID != "" && res.Key.ID != f.ID {
		return false
	}
	if !f.DateFrom.IsZero() && res.LastUpdated.Before(f.DateFrom) {
		return false
	}
	if !f.DateTo.IsZero() && !res.LastUpdated.Before(f.DateTo) {
		return false
	}
	return f.Predicate == nil || f.Predicate(res)
}

// sortResources orders by last_updated, then key, so pagination is stable.
func sortResources(items []models.VersionedResource) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].LastUpdated.Equal(items[j].LastUpdated) {
			return items[i].LastUpdated.Before(items[j].LastUpdated)
		}
		return items[i].Key.String() < items[j].Key.String()
	})
}

func paginate(items []models.VersionedResource, offset, limit int) []models.VersionedResource {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []models.VersionedResource{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
