// Package mergepatch applies JSON merge patches (RFC 7396) to stored documents.
package mergepatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"ocpihub/backend/services/ocpi-service/internal/models"
)

// ContentType is advertised through Accept-Patch.
const ContentType = "application/merge-patch+json"

// ErrInvalidPatch is returned when the patch document is not a JSON object.
var ErrInvalidPatch = errors.New("patch document must be a JSON object")

// Patch is a merge patch document known to be a single JSON object.
type Patch []byte

// Apply decodes raw and merges it into a copy of target. target is never modified.
func Apply(target models.Document, raw []byte) (models.Document, error) {
	patch, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	return Merge(target, patch)
}

// Decode validates a patch document.
func Decode(raw []byte) (Patch, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrInvalidPatch)
	}
	if _, ok := v.(map[string]any); !ok {
		return nil, ErrInvalidPatch
	}
	return Patch(bytes.TrimSpace(raw)), nil
}

// Merge returns target with patch applied. Numbers keep their original text.
func Merge(target models.Document, patch Patch) (models.Document, error) {
	if target == nil {
		target = models.Document{}
	}
	base, err := target.Canonical()
	if err != nil {
		return nil, fmt.Errorf("encode target: %w", err)
	}
	merged, err := jsonpatch.MergePatch(base, patch)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	return models.DecodeDocument(merged)
}
