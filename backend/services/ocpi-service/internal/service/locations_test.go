package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ocpihub/backend/services/ocpi-service/internal/apierror"
	"ocpihub/backend/services/ocpi-service/internal/models"
	"ocpihub/backend/services/ocpi-service/internal/repository"
)

func evseKey(loc, evse string) models.ResourceKey {
	return models.ResourceKey{CountryCode: "NL", PartyID: "TNM", Kind: models.KindEVSE, ID: loc, EVSEUID: evse}
}

func connectorKey(loc, evse, conn string) models.ResourceKey {
	return models.ResourceKey{CountryCode: "NL", PartyID: "TNM", Kind: models.KindConnector, ID: loc, EVSEUID: evse, ConnectorID: conn}
}

func seedLocation(t *testing.T, svc *ResourceService) {
	t.Helper()
	body := `{"id":"L1","last_updated":"` + ts(100) + `","evses":[
		{"uid":"E1","status":"AVAILABLE","last_updated":"` + ts(100) + `","connectors":[{"id":"1","standard":"IEC_62196_T2","last_updated":"` + ts(100) + `"}]},
		{"uid":"E2","status":"AVAILABLE","last_updated":"` + ts(100) + `"}
	]}`
	_, err := svc.Put(context.Background(), locKey("L1"), []byte(body), nil)
	require.NoError(t, err)
}

func TestNestedPutRequiresLocation(t *testing.T) {
	svc, _ := newResourceService(t)

	_, err := svc.Put(context.Background(), evseKey("L1", "E1"), []byte(`{"status":"AVAILABLE"}`), nil)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	seedLocation(t, svc)
	_, err = svc.Put(context.Background(), connectorKey("L1", "E9", "1"), []byte(`{}`), nil)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestEVSEPutCreatesAndPropagatesLastUpdated(t *testing.T) {
	ctx := context.Background()
	svc, _ := newResourceService(t)
	seedLocation(t, svc)

	res, err := svc.Put(ctx, evseKey("L1", "E3"), []byte(`{"status":"CHARGING","last_updated":"`+ts(200)+`"}`), nil)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, evseKey("L1", "E3"), res.Resource.Key)

	loc, err := svc.Get(ctx, locKey("L1"))
	require.NoError(t, err)
	assert.Equal(t, time.Unix(200, 0).UTC(), loc.LastUpdated)

	evse, err := svc.Get(ctx, evseKey("L1", "E3"))
	require.NoError(t, err)
	assert.Equal(t, res.Resource.ETag, evse.ETag)
	doc, err := evse.Document()
	require.NoError(t, err)
	assert.Equal(t, "E3", doc.String(models.FieldUID))
}

func TestEVSEPutKeepsConnectorsAndGuardsDowngrade(t *testing.T) {
	ctx := context.Background()
	svc, _ := newResourceService(t)
	seedLocation(t, svc)

	_, err := svc.Put(ctx, evseKey("L1", "E1"), []byte(`{"status":"CHARGING","last_updated":"`+ts(90)+`"}`), nil)
	var downgrade *repository.DowngradeError
	require.ErrorAs(t, err, &downgrade)
	assert.Equal(t, evseKey("L1", "E1"), downgrade.Key)

	res, err := svc.Put(ctx, evseKey("L1", "E1"), []byte(`{"status":"CHARGING","last_updated":"`+ts(300)+`"}`), nil)
	require.NoError(t, err)
	assert.False(t, res.Created)

	_, err = svc.Get(ctx, connectorKey("L1", "E1", "1"))
	assert.NoError(t, err)
}

func TestConnectorPatchResolvesChain(t *testing.T) {
	ctx := context.Background()
	svc, _ := newResourceService(t)
	seedLocation(t, svc)
	freezeNow(t, fixedNow)

	_, err := svc.Patch(ctx, connectorKey("L1", "E2", "1"), []byte(`{"max_voltage":230}`), nil)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = svc.Patch(ctx, connectorKey("L9", "E1", "1"), []byte(`{"max_voltage":230}`), nil)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	conn, err := svc.Patch(ctx, connectorKey("L1", "E1", "1"), []byte(`{"max_voltage":230}`), nil)
	require.NoError(t, err)
	assert.Equal(t, fixedNow, conn.LastUpdated)
	assert.Contains(t, string(conn.Payload), `"max_voltage":230`)
	assert.Contains(t, string(conn.Payload), `"standard":"IEC_62196_T2"`)

	evse, err := svc.Get(ctx, evseKey("L1", "E1"))
	require.NoError(t, err)
	assert.Equal(t, fixedNow, evse.LastUpdated)
	loc, err := svc.Get(ctx, locKey("L1"))
	require.NoError(t, err)
	assert.Equal(t, fixedNow, loc.LastUpdated)
	other, err := svc.Get(ctx, evseKey("L1", "E2"))
	require.NoError(t, err)
	assert.Equal(t, time.Unix(100, 0).UTC(), other.LastUpdated)
}

func TestLocationPutWithoutEVSEsKeepsThem(t *testing.T) {
	ctx := context.Background()
	svc, _ := newResourceService(t)
	seedLocation(t, svc)

	_, err := svc.Put(ctx, locKey("L1"), []byte(`{"name":"Renamed","last_updated":"`+ts(400)+`"}`), nil)
	require.NoError(t, err)
	_, err = svc.Get(ctx, evseKey("L1", "E2"))
	assert.NoError(t, err)

	_, err = svc.Put(ctx, locKey("L1"), []byte(`{"evses":[],"last_updated":"`+ts(500)+`"}`), nil)
	require.NoError(t, err)
	_, err = svc.Get(ctx, evseKey("L1", "E2"))
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestLocationRejectsDuplicateEVSEs(t *testing.T) {
	svc, _ := newResourceService(t)

	_, err := svc.Put(context.Background(), locKey("L1"), []byte(`{"evses":[{"uid":"E1"},{"uid":"E1"}]}`), nil)
	var apiErr *apierror.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Contains(t, apiErr.Message, "duplicate uid")
}

func TestDeleteNested(t *testing.T) {
	ctx := context.Background()
	svc, _ := newResourceService(t)
	seedLocation(t, svc)

	require.NoError(t, svc.Delete(ctx, connectorKey("L1", "E1", "1")))
	_, err := svc.Get(ctx, connectorKey("L1", "E1", "1"))
	assert.ErrorIs(t, err, repository.ErrNotFound)

	require.NoError(t, svc.Delete(ctx, evseKey("L1", "E2")))
	assert.ErrorIs(t, svc.Delete(ctx, evseKey("L1", "E2")), repository.ErrNotFound)
	_, err = svc.Get(ctx, evseKey("L1", "E1"))
	assert.NoError(t, err)
}
