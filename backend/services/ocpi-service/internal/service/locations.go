package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ocpihub/backend/services/ocpi-service/internal/apierror"
	"ocpihub/backend/services/ocpi-service/internal/mergepatch"
	"ocpihub/backend/services/ocpi-service/internal/models"
	"ocpihub/backend/services/ocpi-service/internal/repository"
)

// locationTree is a decoded location with the path to an EVSE and connector resolved.
// Indexes are -1 when the element does not exist.
type locationTree struct {
	loc        models.Document
	evses      []models.Document
	evse       int
	connectors []models.Document
	connector  int
}

// walk follows location -> EVSE -> connector. Missing ancestors of the leaf are ErrNotFound;
// a missing leaf is reported through its index.
func walk(loc models.Document, key models.ResourceKey) (*locationTree, error) {
	t := &locationTree{loc: loc, evse: -1, connector: -1}
	t.evses = loc.Objects(models.FieldEVSEs)
	t.evse = indexOf(t.evses, models.FieldUID, key.EVSEUID)
	if key.Kind != models.KindConnector {
		return t, nil
	}
	if t.evse < 0 {
		return nil, fmt.Errorf("evse %s: %w", key.EVSEUID, repository.ErrNotFound)
	}
	t.connectors = t.evses[t.evse].Objects(models.FieldConnectors)
	t.connector = indexOf(t.connectors, models.FieldID, key.ConnectorID)
	return t, nil
}

// resolve is walk that also requires the leaf to exist.
func resolve(loc models.Document, key models.ResourceKey) (*locationTree, error) {
	t, err := walk(loc, key)
	if err != nil {
		return nil, err
	}
	if t.leafIndex(key) < 0 {
		return nil, fmt.Errorf("%s %s: %w", key.Kind, key.LeafID(), repository.ErrNotFound)
	}
	return t, nil
}

func (t *locationTree) leafIndex(key models.ResourceKey) int {
	if key.Kind == models.KindConnector {
		return t.connector
	}
	return t.evse
}

func (t *locationTree) leaf(key models.ResourceKey) models.Document {
	if key.Kind == models.KindConnector {
		return t.connectors[t.connector]
	}
	return t.evses[t.evse]
}

// setLeaf replaces or appends the leaf and propagates its last_updated to the ancestors.
func (t *locationTree) setLeaf(key models.ResourceKey, doc models.Document, lastUpdated time.Time) {
	if key.Kind == models.KindConnector {
		if t.connector >= 0 {
			t.connectors[t.connector] = doc
		} else {
			t.connectors = append(t.connectors, doc)
			t.connector = len(t.connectors) - 1
		}
		evse := t.evses[t.evse]
		evse.SetObjects(models.FieldConnectors, t.connectors)
		bumpLastUpdated(evse, lastUpdated)
	} else {
		if t.evse >= 0 {
			t.evses[t.evse] = doc
		} else {
			t.evses = append(t.evses, doc)
			t.evse = len(t.evses) - 1
		}
	}
	t.loc.SetObjects(models.FieldEVSEs, t.evses)
	bumpLastUpdated(t.loc, lastUpdated)
}

// removeLeaf drops the leaf and stamps the ancestors with lastUpdated.
func (t *locationTree) removeLeaf(key models.ResourceKey, lastUpdated time.Time) {
	if key.Kind == models.KindConnector {
		t.connectors = append(t.connectors[:t.connector], t.connectors[t.connector+1:]...)
		evse := t.evses[t.evse]
		evse.SetObjects(models.FieldConnectors, t.connectors)
		bumpLastUpdated(evse, lastUpdated)
	} else {
		t.evses = append(t.evses[:t.evse], t.evses[t.evse+1:]...)
	}
	t.loc.SetObjects(models.FieldEVSEs, t.evses)
	bumpLastUpdated(t.loc, lastUpdated)
}

// putLocation replaces a location. A body without evses keeps the stored EVSEs.
func (s *ResourceService) putLocation(ctx context.Context, key models.ResourceKey, doc models.Document, allow bool) (repository.WriteResult, error) {
	return s.store.Mutate(ctx, key, func(current *models.VersionedResource) (models.VersionedResource, error) {
		if _, has := doc[models.FieldEVSEs]; !has && current != nil {
			stored, err := current.Document()
			if err != nil {
				return models.VersionedResource{}, err
			}
			if evses, ok := stored[models.FieldEVSEs]; ok {
				doc[models.FieldEVSEs] = evses
			}
		}
		next, err := models.NewVersionedResource(key, doc)
		if err != nil {
			return models.VersionedResource{}, apierror.InvalidParameters("%v", err)
		}
		return repository.GuardedWrite(next, allow)(current)
	})
}

func (s *ResourceService) putNested(ctx context.Context, key models.ResourceKey, doc models.Document, allow bool) (repository.WriteResult, error) {
	var out repository.WriteResult
	_, err := s.store.Mutate(ctx, key, func(current *models.VersionedResource) (models.VersionedResource, error) {
		if current == nil {
			return models.VersionedResource{}, wrapNotFound(repository.ErrNotFound, key.Root())
		}
		loc, err := current.Document()
		if err != nil {
			return models.VersionedResource{}, err
		}
		tree, err := walk(loc, key)
		if err != nil {
			return models.VersionedResource{}, err
		}
		incoming, _, _ := doc.LastUpdated()

		created := tree.leafIndex(key) < 0
		if !created {
			existing := tree.leaf(key)
			if err := guardNested(key, existing, incoming, allow); err != nil {
				return models.VersionedResource{}, err
			}
			if key.Kind == models.KindEVSE {
				if _, has := doc[models.FieldConnectors]; !has {
					if conns, ok := existing[models.FieldConnectors]; ok {
						doc[models.FieldConnectors] = conns
					}
				}
			}
		}
		tree.setLeaf(key, doc, incoming)

		next, err := models.NewVersionedResource(current.Key, tree.loc)
		if err != nil {
			return models.VersionedResource{}, err
		}
		child, err := childResource(key, doc, next.LastUpdated)
		if err != nil {
			return models.VersionedResource{}, err
		}
		out = repository.WriteResult{Resource: child, Created: created}
		return next, nil
	})
	if err != nil {
		return repository.WriteResult{}, err
	}
	return out, nil
}

func (s *ResourceService) patchNested(ctx context.Context, key models.ResourceKey, patch mergepatch.Patch, allow bool) (models.VersionedResource, error) {
	var out models.VersionedResource
	_, err := s.store.Mutate(ctx, key, func(current *models.VersionedResource) (models.VersionedResource, error) {
		if current == nil {
			return models.VersionedResource{}, wrapNotFound(repository.ErrNotFound, key.Root())
		}
		loc, err := current.Document()
		if err != nil {
			return models.VersionedResource{}, err
		}
		tree, err := resolve(loc, key)
		if err != nil {
			return models.VersionedResource{}, err
		}
		existing := tree.leaf(key)
		patched, err := mergepatch.Merge(existing, patch)
		if err != nil {
			return models.VersionedResource{}, err
		}
		if err := checkIdentityUnchanged(key, existing, patched); err != nil {
			return models.VersionedResource{}, err
		}
		if key.Kind == models.KindEVSE {
			if err := validateConnectors(patched); err != nil {
				return models.VersionedResource{}, err
			}
		}
		now := models.Now()
		if err := guardNested(key, existing, now, allow); err != nil {
			return models.VersionedResource{}, err
		}
		patched.SetLastUpdated(now)
		tree.setLeaf(key, patched, now)

		next, err := models.NewVersionedResource(current.Key, tree.loc)
		if err != nil {
			return models.VersionedResource{}, err
		}
		out, err = childResource(key, patched, now)
		if err != nil {
			return models.VersionedResource{}, err
		}
		return next, nil
	})
	if err != nil {
		return models.VersionedResource{}, err
	}
	return out, nil
}

func (s *ResourceService) deleteNested(ctx context.Context, key models.ResourceKey) error {
	_, err := s.store.Mutate(ctx, key, func(current *models.VersionedResource) (models.VersionedResource, error) {
		if current == nil {
			return models.VersionedResource{}, wrapNotFound(repository.ErrNotFound, key.Root())
		}
		loc, err := current.Document()
		if err != nil {
			return models.VersionedResource{}, err
		}
		tree, err := resolve(loc, key)
		if err != nil {
			return models.VersionedResource{}, err
		}
		tree.removeLeaf(key, models.Now())
		return models.NewVersionedResource(current.Key, tree.loc)
	})
	if err != nil {
		return err
	}
	s.logger.Info("nested resource removed", zap.String("key", key.String()))
	return nil
}

// guardNested applies the downgrade guard to an EVSE or connector inside its location.
func guardNested(key models.ResourceKey, existing models.Document, incoming time.Time, allow bool) error {
	stored, ok, err := existing.LastUpdated()
	if err != nil || !ok || allow {
		return nil
	}
	if !incoming.After(stored) {
		return &repository.DowngradeError{Key: key, Stored: stored, Incoming: incoming}
	}
	return nil
}

// childResource versions an EVSE or connector on its own. Without a last_updated of its own
// it inherits the location's.
func childResource(key models.ResourceKey, doc models.Document, parent time.Time) (models.VersionedResource, error) {
	lastUpdated, ok, err := doc.LastUpdated()
	if err != nil || !ok {
		lastUpdated = parent
	}
	payload, err := doc.Canonical()
	if err != nil {
		return models.VersionedResource{}, err
	}
	return models.VersionedResource{
		Key:         key,
		Payload:     payload,
		LastUpdated: lastUpdated,
		ETag:        models.ComputeETag(payload),
	}, nil
}

func bumpLastUpdated(doc models.Document, t time.Time) {
	current, ok, err := doc.LastUpdated()
	if err != nil || !ok || t.After(current) {
		doc.SetLastUpdated(t)
	}
}

func indexOf(items []models.Document, field, id string) int {
	for i, item := range items {
		if item.String(field) == id {
			return i
		}
	}
	return -1
}

// validateContainment checks that EVSE uids are unique within the location and connector ids
// within each EVSE.
func validateContainment(doc models.Document) error {
	raw, present := doc[models.FieldEVSEs]
	if present && raw != nil {
		if err := checkUnique(raw, models.FieldEVSEs, models.FieldUID); err != nil {
			return err
		}
		for _, evse := range doc.Objects(models.FieldEVSEs) {
			if err := validateConnectors(evse); err != nil {
				return err
			}
		}
	}
	return validateConnectors(doc)
}

func validateConnectors(evse models.Document) error {
	raw, present := evse[models.FieldConnectors]
	if !present || raw == nil {
		return nil
	}
	return checkUnique(raw, models.FieldConnectors, models.FieldID)
}

func checkUnique(raw any, field, idField string) error {
	items, ok := raw.([]any)
	if !ok {
		return apierror.InvalidParameters("%s must be an array", field)
	}
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return apierror.InvalidParameters("%s must contain objects", field)
		}
		id, _ := obj[idField].(string)
		if id == "" {
			return apierror.InvalidParameters("%s entry without %s", field, idField)
		}
		if _, dup := seen[id]; dup {
			return apierror.InvalidParameters("duplicate %s %q in %s", idField, id, field)
		}
		seen[id] = struct{}{}
	}
	return nil
}
