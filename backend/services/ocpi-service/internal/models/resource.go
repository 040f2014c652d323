package models

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ResourceKind enumerates the versioned resource kinds.
type ResourceKind string

const (
	KindLocation  ResourceKind = "location"
	KindEVSE      ResourceKind = "evse"
	KindConnector ResourceKind = "connector"
	KindTariff    ResourceKind = "tariff"
	KindSession   ResourceKind = "session"
	KindCDR       ResourceKind = "cdr"
	KindToken     ResourceKind = "token"
)

// Well-known payload fields.
const (
	FieldID          = "id"
	FieldUID         = "uid"
	FieldCountryCode = "country_code"
	FieldPartyID     = "party_id"
	FieldLastUpdated = "last_updated"
	FieldEVSEs       = "evses"
	FieldConnectors  = "connectors"
	FieldType        = "type"
)

const maxIDLength = 36

// ErrInvalidDocument is returned when a payload is not a JSON object.
var ErrInvalidDocument = errors.New("payload must be a JSON object")

// Now returns the current time at the precision resources are stored with.
var Now = func() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// ResourceKey identifies a resource instance. EVSEUID and ConnectorID are only set for
// resources nested inside a Location.
type ResourceKey struct {
	CountryCode string       `json:"country_code"`
	PartyID     string       `json:"party_id"`
	Kind        ResourceKind `json:"kind"`
	ID          string       `json:"id"`
	EVSEUID     string       `json:"evse_uid,omitempty"`
	ConnectorID string       `json:"connector_id,omitempty"`
}

// Root returns the key of the top-level stored document.
func (k ResourceKey) Root() ResourceKey {
	if k.Kind == KindEVSE || k.Kind == KindConnector {
		return ResourceKey{CountryCode: k.CountryCode, PartyID: k.PartyID, Kind: KindLocation, ID: k.ID}
	}
	return k
}

// EVSE returns the key of the EVSE a connector key points into.
func (k ResourceKey) EVSE() ResourceKey {
	return ResourceKey{CountryCode: k.CountryCode, PartyID: k.PartyID, Kind: KindEVSE, ID: k.ID, EVSEUID: k.EVSEUID}
}

func (k ResourceKey) String() string {
	parts := []string{string(k.Kind), k.CountryCode, k.PartyID, k.ID}
	if k.EVSEUID != "" {
		parts = append(parts, k.EVSEUID)
	}
	if k.ConnectorID != "" {
		parts = append(parts, k.ConnectorID)
	}
	return strings.Join(parts, "/")
}

// Validate checks the shape of every segment of the key.
func (k ResourceKey) Validate() error {
	if len(k.CountryCode) != 2 || !isUpperAlpha(k.CountryCode) {
		return fmt.Errorf("invalid country_code %q", k.CountryCode)
	}
	if len(k.PartyID) != 3 {
		return fmt.Errorf("invalid party_id %q", k.PartyID)
	}
	if err := validateID("id", k.ID); err != nil {
		return err
	}
	switch k.Kind {
	case KindEVSE:
		return validateID("evse_uid", k.EVSEUID)
	case KindConnector:
		if err := validateID("evse_uid", k.EVSEUID); err != nil {
			return err
		}
		return validateID("connector_id", k.ConnectorID)
	case KindLocation, KindTariff, KindSession, KindCDR, KindToken:
		return nil
	default:
		return fmt.Errorf("unknown resource kind %q", k.Kind)
	}
}

// IdentityField is the payload field holding the leaf id of the key.
func (k ResourceKey) IdentityField() string {
	switch k.Kind {
	case KindEVSE, KindToken:
		return FieldUID
	default:
		return FieldID
	}
}

// LeafID is the id of the addressed resource itself.
func (k ResourceKey) LeafID() string {
	switch k.Kind {
	case KindEVSE:
		return k.EVSEUID
	case KindConnector:
		return k.ConnectorID
	default:
		return k.ID
	}
}

func validateID(name, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%s is required", name)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%s exceeds %d characters", name, maxIDLength)
	}
	return nil
}

func isUpperAlpha(s string) bool {
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// VersionedResource is a stored payload with its version metadata.
type VersionedResource struct {
	Key         ResourceKey
	Payload     json.RawMessage
	LastUpdated time.Time
	ETag        string
}

// Document returns a fresh decoded copy of the payload.
func (r VersionedResource) Document() (Document, error) {
	return DecodeDocument(r.Payload)
}

// Document is a decoded JSON object. Numbers are kept as json.Number so re-encoding is lossless.
type Document map[string]any

// DecodeDocument parses raw JSON which must be an object.
func DecodeDocument(raw []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if dec.More() {
		return nil, errors.New("decode payload: trailing data")
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, ErrInvalidDocument
	}
	return Document(obj), nil
}

// String returns a string field or "".
func (d Document) String(field string) string {
	s, _ := d[field].(string)
	return s
}

// Objects returns the object elements of an array field; non-object elements are skipped.
func (d Document) Objects(field string) []Document {
	arr, _ := d[field].([]any)
	out := make([]Document, 0, len(arr))
	for _, item := range arr {
		if obj, ok := item.(map[string]any); ok {
			out = append(out, Document(obj))
		}
	}
	return out
}

// SetObjects stores docs as an array field.
func (d Document) SetObjects(field string, docs []Document) {
	arr := make([]any, 0, len(docs))
	for _, doc := range docs {
		arr = append(arr, map[string]any(doc))
	}
	d[field] = arr
}

// LastUpdated parses the last_updated field. ok is false when the field is absent.
func (d Document) LastUpdated() (t time.Time, ok bool, err error) {
	raw, present := d[FieldLastUpdated]
	if !present || raw == nil {
		return time.Time{}, false, nil
	}
	s, isString := raw.(string)
	if !isString {
		return time.Time{}, true, errors.New("last_updated must be a string")
	}
	t, err = ParseTime(s)
	if err != nil {
		return time.Time{}, true, err
	}
	return t.Truncate(TimePrecision), true, nil
}

// SetLastUpdated writes t in the canonical wire format.
func (d Document) SetLastUpdated(t time.Time) {
	d[FieldLastUpdated] = FormatTime(t.Truncate(TimePrecision))
}

// Canonical encodes the document with sorted keys and no insignificant whitespace.
func (d Document) Canonical() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(map[string]any(d)); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ComputeETag derives the entity tag from canonical payload bytes.
func ComputeETag(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// TimePrecision is the resolution last_updated is kept at, matching a TIMESTAMPTZ column.
const TimePrecision = time.Microsecond

// NewVersionedResource canonicalizes doc and derives LastUpdated and ETag from it.
// The document must carry last_updated; its payload value is rewritten at TimePrecision.
func NewVersionedResource(key ResourceKey, doc Document) (VersionedResource, error) {
	lastUpdated, ok, err := doc.LastUpdated()
	if err != nil {
		return VersionedResource{}, err
	}
	if !ok {
		return VersionedResource{}, errors.New("last_updated is required")
	}
	doc.SetLastUpdated(lastUpdated)

	payload, err := doc.Canonical()
	if err != nil {
		return VersionedResource{}, fmt.Errorf("encode payload: %w", err)
	}
	return VersionedResource{
		Key:         key,
		Payload:     payload,
		LastUpdated: lastUpdated,
		ETag:        ComputeETag(payload),
	}, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// ParseTime accepts OCPI DateTime values with or without a zone designator (UTC assumed).
func ParseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

// FormatTime renders t in UTC with only as much fractional precision as needed.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
