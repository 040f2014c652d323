package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"go.uber.org/zap"

	"ocpihub/backend/services/ocpi-service/internal/apierror"
	"ocpihub/backend/services/ocpi-service/internal/mergepatch"
	"ocpihub/backend/services/ocpi-service/internal/models"
	"ocpihub/backend/services/ocpi-service/internal/repository"
)

// ResourceService applies OCPI PUT/PATCH/DELETE semantics on top of the resource store.
type ResourceService struct {
	store           repository.Store
	allowDowngrades *bool
	logger          *zap.Logger
}

// NewResourceService builds service. allowDowngrades is the service wide policy; nil rejects.
func NewResourceService(store repository.Store, allowDowngrades *bool, logger *zap.Logger) *ResourceService {
	return &ResourceService{
		store:           store,
		allowDowngrades: allowDowngrades,
		logger:          logger,
	}
}

// Get returns the resource addressed by key. EVSEs and connectors are extracted from their location.
func (s *ResourceService) Get(ctx context.Context, key models.ResourceKey) (models.VersionedResource, error) {
	if err := validateKey(key); err != nil {
		return models.VersionedResource{}, err
	}
	root, err := s.store.TryGet(ctx, key)
	if err != nil {
		return models.VersionedResource{}, wrapNotFound(err, key.Root())
	}
	if !isNested(key) {
		return root, nil
	}
	loc, err := root.Document()
	if err != nil {
		return models.VersionedResource{}, err
	}
	tree, err := resolve(loc, key)
	if err != nil {
		return models.VersionedResource{}, err
	}
	return childResource(key, tree.leaf(key), root.LastUpdated)
}

// Put fully replaces the resource. A missing last_updated is stamped with the current time.
func (s *ResourceService) Put(ctx context.Context, key models.ResourceKey, body []byte, forceDowngrade *bool) (repository.WriteResult, error) {
	doc, err := s.prepare(key, body)
	if err != nil {
		return repository.WriteResult{}, err
	}
	allow := repository.AllowDowngrade(forceDowngrade, s.allowDowngrades)

	switch key.Kind {
	case models.KindLocation:
		return s.putLocation(ctx, key, doc, allow)
	case models.KindEVSE, models.KindConnector:
		return s.putNested(ctx, key, doc, allow)
	}

	res, err := models.NewVersionedResource(key, doc)
	if err != nil {
		return repository.WriteResult{}, apierror.InvalidParameters("%v", err)
	}
	return s.store.AddOrUpdate(ctx, res, allow)
}

// Create stores a resource that must not exist yet.
func (s *ResourceService) Create(ctx context.Context, key models.ResourceKey, body []byte) (models.VersionedResource, error) {
	doc, err := s.prepare(key, body)
	if err != nil {
		return models.VersionedResource{}, err
	}
	res, err := models.NewVersionedResource(key, doc)
	if err != nil {
		return models.VersionedResource{}, apierror.InvalidParameters("%v", err)
	}
	result, err := s.store.Mutate(ctx, key, func(current *models.VersionedResource) (models.VersionedResource, error) {
		if current != nil {
			return models.VersionedResource{}, fmt.Errorf("%s: %w", key, repository.ErrAlreadyExists)
		}
		return res, nil
	})
	if err != nil {
		return models.VersionedResource{}, err
	}
	return result.Resource, nil
}

// Patch merges body into the stored resource and stamps last_updated with the current time.
func (s *ResourceService) Patch(ctx context.Context, key models.ResourceKey, body []byte, forceDowngrade *bool) (models.VersionedResource, error) {
	if err := validateKey(key); err != nil {
		return models.VersionedResource{}, err
	}
	patch, err := mergepatch.Decode(body)
	if err != nil {
		return models.VersionedResource{}, err
	}
	allow := repository.AllowDowngrade(forceDowngrade, s.allowDowngrades)
	if isNested(key) {
		return s.patchNested(ctx, key, patch, allow)
	}

	var out models.VersionedResource
	_, err = s.store.Mutate(ctx, key, func(current *models.VersionedResource) (models.VersionedResource, error) {
		if current == nil {
			return models.VersionedResource{}, wrapNotFound(repository.ErrNotFound, key)
		}
		doc, err := current.Document()
		if err != nil {
			return models.VersionedResource{}, err
		}
		patched, err := mergepatch.Merge(doc, patch)
		if err != nil {
			return models.VersionedResource{}, err
		}
		if err := checkIdentityUnchanged(key, doc, patched); err != nil {
			return models.VersionedResource{}, err
		}
		if key.Kind == models.KindLocation {
			if err := validateContainment(patched); err != nil {
				return models.VersionedResource{}, err
			}
		}
		patched.SetLastUpdated(models.Now())
		next, err := models.NewVersionedResource(key, patched)
		if err != nil {
			return models.VersionedResource{}, apierror.InvalidParameters("%v", err)
		}
		out, err = repository.GuardedWrite(next, allow)(current)
		return out, err
	})
	if err != nil {
		return models.VersionedResource{}, err
	}
	return out, nil
}

// Delete removes a resource. Removing a location does not touch resources of other kinds.
func (s *ResourceService) Delete(ctx context.Context, key models.ResourceKey) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if isNested(key) {
		return s.deleteNested(ctx, key)
	}
	if err := s.store.Remove(ctx, key); err != nil {
		return wrapNotFound(err, key)
	}
	s.logger.Info("resource removed", zap.String("key", key.String()))
	return nil
}

// List returns one page of resources matching filter.
func (s *ResourceService) List(ctx context.Context, filter repository.Filter) (repository.Page, error) {
	return s.store.List(ctx, filter)
}

// prepare decodes body and binds it to key.
func (s *ResourceService) prepare(key models.ResourceKey, body []byte) (models.Document, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	doc, err := models.DecodeDocument(body)
	if err != nil {
		return nil, apierror.InvalidParameters("%v", err)
	}
	if err := bindIdentity(key, doc); err != nil {
		return nil, err
	}
	_, ok, err := doc.LastUpdated()
	if err != nil {
		return nil, apierror.InvalidParameters("%v", err)
	}
	if !ok {
		doc.SetLastUpdated(models.Now())
	}
	if key.Kind == models.KindLocation || key.Kind == models.KindEVSE {
		if err := validateContainment(doc); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

func validateKey(key models.ResourceKey) error {
	if err := key.Validate(); err != nil {
		return apierror.InvalidParameters("%v", err)
	}
	return nil
}

func isNested(key models.ResourceKey) bool {
	return key.Kind == models.KindEVSE || key.Kind == models.KindConnector
}

// identityFields lists the payload fields that must agree with the path.
func identityFields(key models.ResourceKey) map[string]string {
	fields := map[string]string{key.IdentityField(): key.LeafID()}
	if !isNested(key) {
		fields[models.FieldCountryCode] = key.CountryCode
		fields[models.FieldPartyID] = key.PartyID
	}
	return fields
}

// bindIdentity fills absent identity fields from the path and rejects contradicting ones.
func bindIdentity(key models.ResourceKey, doc models.Document) error {
	for field, want := range identityFields(key) {
		raw, present := doc[field]
		if !present || raw == nil {
			doc[field] = want
			continue
		}
		if got, _ := raw.(string); got != want {
			return apierror.InvalidParameters("%s %v does not match path value %q", field, raw, want)
		}
	}
	return nil
}

func checkIdentityUnchanged(key models.ResourceKey, before, after models.Document) error {
	for field := range identityFields(key) {
		if !reflect.DeepEqual(before[field], after[field]) {
			return apierror.InvalidParameters("%s cannot be changed", field)
		}
	}
	return nil
}

func wrapNotFound(err error, key models.ResourceKey) error {
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%s %s: %w", key.Kind, key.LeafID(), repository.ErrNotFound)
	}
	return err
}
