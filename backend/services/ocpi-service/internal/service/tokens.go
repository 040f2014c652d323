package service

import (
	"context"
	"fmt"

	"ocpihub/backend/services/ocpi-service/internal/apierror"
	"ocpihub/backend/services/ocpi-service/internal/models"
	"ocpihub/backend/services/ocpi-service/internal/repository"
)

// PutToken stores a token under its uid. The payload type defaults to tokenType and must agree with it.
func (s *ResourceService) PutToken(ctx context.Context, key models.ResourceKey, tokenType models.TokenType, body []byte, forceDowngrade *bool) (repository.WriteResult, error) {
	doc, err := models.DecodeDocument(body)
	if err != nil {
		return repository.WriteResult{}, apierror.InvalidParameters("%v", err)
	}
	switch t := doc.String(models.FieldType); {
	case t == "":
		doc[models.FieldType] = string(tokenType)
	case models.TokenType(t) != tokenType:
		return repository.WriteResult{}, apierror.InvalidParameters("token type %s does not match requested type %s", t, tokenType)
	}
	raw, err := doc.Canonical()
	if err != nil {
		return repository.WriteResult{}, err
	}
	return s.Put(ctx, key, raw, forceDowngrade)
}

// GetToken returns the token only when its type matches.
func (s *ResourceService) GetToken(ctx context.Context, key models.ResourceKey, tokenType models.TokenType) (models.VersionedResource, error) {
	res, err := s.Get(ctx, key)
	if err != nil {
		return models.VersionedResource{}, err
	}
	status, err := models.TokenStatusFrom(res)
	if err != nil {
		return models.VersionedResource{}, err
	}
	if status.Token.Type != tokenType {
		return models.VersionedResource{}, fmt.Errorf("token %s of type %s: %w", key.ID, tokenType, repository.ErrNotFound)
	}
	return res, nil
}

// PatchToken merges body into a token of the given type.
func (s *ResourceService) PatchToken(ctx context.Context, key models.ResourceKey, tokenType models.TokenType, body []byte, forceDowngrade *bool) (models.VersionedResource, error) {
	if _, err := s.GetToken(ctx, key, tokenType); err != nil {
		return models.VersionedResource{}, err
	}
	return s.Patch(ctx, key, body, forceDowngrade)
}

// DeleteToken removes a token of the given type.
func (s *ResourceService) DeleteToken(ctx context.Context, key models.ResourceKey, tokenType models.TokenType) error {
	if _, err := s.GetToken(ctx, key, tokenType); err != nil {
		return err
	}
	return s.Delete(ctx, key)
}
