package resolver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/metrika-bridge/pkg/config"
	"github.com/zoff-tech/metrika-bridge/pkg/crm"
	"github.com/zoff-tech/metrika-bridge/pkg/metrika"
	"github.com/zoff-tech/metrika-bridge/pkg/routing"
	"github.com/zoff-tech/metrika-bridge/pkg/store"
)

type fakeCRM struct {
	deal      crm.Deal
	contactID int64
	contact   crm.Contact
	values    map[string]string // field code -> resolved routing value
}

func (f *fakeCRM) GetDeal(ctx context.Context, dealID int64) (crm.Deal, error) {
	return f.deal, nil
}

func (f *fakeCRM) EnsureContactForDeal(ctx context.Context, deal crm.Deal, clientID string) (int64, error) {
	return f.contactID, nil
}

func (f *fakeCRM) GetContact(ctx context.Context, contactID int64) (crm.Contact, error) {
	return f.contact, nil
}

func (f *fakeCRM) RoutingValue(ctx context.Context, deal crm.Deal, fieldCode string) (string, error) {
	return f.values[fieldCode], nil
}

type fakeRoutes struct {
	entries map[string]routing.Entry
}

func (f *fakeRoutes) Pick(ctx context.Context, key string) (routing.Entry, error) {
	if e, ok := f.entries[key]; ok {
		return e, nil
	}
	return routing.Entry{}, fmt.Errorf("%w: %q", routing.ErrNoRoute, key)
}

func testSettings(t *testing.T) *config.Settings {
	cfg := &config.Settings{
		Database: config.DbSettings{Type: "sqlite", Path: ":memory:"},
		Server:   config.ServerSettings{Addr: ":0"},
		CRM: config.CrmSettings{
			WebhookURL:        "http://crm.test",
			RoutingField:      "UF_CRM_BRAND",
			RequiredField:     "UF_CRM_SITE",
			ClientIDDealField: "UF_CRM_CLIENT_ID",
		},
		Metrika:       config.MetrikaSettings{CollectURL: "http://mc.test", MaxAttempts: 1},
		Routing:       config.RoutingSettings{DefaultBehavior: "skip"},
		Stages:        config.StageSettings{Paid: []string{"WON"}, Cancelled: []string{"LOSE"}},
		Worker:        config.WorkerSettings{BatchSize: 10},
		Observability: config.Observability{ServiceName: "test"},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func setup(t *testing.T, cfg *config.Settings, c *fakeCRM, routes RouteTable) (*Resolver, store.Repository) {
	ctx := context.Background()
	repo, err := store.NewRepository(ctx, cfg.Database)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(c, repo, repo, routes, cfg, log), repo
}

func sampleDeal() crm.Deal {
	return crm.Deal{
		"ID":               "100",
		"STAGE_ID":         "NEW",
		"DATE_CREATE":      "2025-06-01T12:00:00+03:00",
		"UF_CRM_CLIENT_ID": "client-1",
		"OPPORTUNITY":      "1500",
		"CURRENCY_ID":      "RUB",
	}
}

func sampleCRM() *fakeCRM {
	return &fakeCRM{
		deal: sampleDeal(),
		values: map[string]string{
			"UF_CRM_BRAND": "shop.example.com",
			"UF_CRM_SITE":  "shop.example.com",
		},
	}
}

func shopRoutes() *fakeRoutes {
	return &fakeRoutes{entries: map[string]routing.Entry{
		"shop.example.com": {CounterID: 55, Token: "T1", Key: "shop.example.com"},
	}}
}

func TestHandleDealCreated_Enqueues(t *testing.T) {
	ctx := context.Background()
	r, repo := setup(t, testSettings(t), sampleCRM(), shopRoutes())

	require.NoError(t, r.HandleDealCreated(ctx, 100))

	items, err := repo.FetchBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, int64(100), items[0].DealID)
	assert.Equal(t, metrika.EventDealCreated, items[0].EventType)
	assert.Equal(t, "55", items[0].Payload["tid"])
	assert.Equal(t, "T1", items[0].Payload["ms"])
	assert.Equal(t, "client-1", items[0].Payload["cid"])
	assert.Equal(t, "DEAL_100", items[0].Payload["ti"])
	assert.Equal(t, "shop.example.com", items[0].Payload["ep.uf_value"])

	state, err := repo.GetDealState(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(55), state.LockedCounterID)
	assert.Equal(t, "T1", state.LockedToken)
	assert.NotEmpty(t, state.LastSentHash)
	assert.Equal(t, "NEW", state.LastStageID)
}

func TestHandleDealCreated_CutoffSkipsOldDeals(t *testing.T) {
	ctx := context.Background()
	cfg := testSettings(t)
	cfg.ProcessFromDate = "2025-01-01"
	require.NoError(t, cfg.Validate())

	c := sampleCRM()
	c.deal["DATE_CREATE"] = "2024-12-31T23:59:00+03:00"
	r, repo := setup(t, cfg, c, shopRoutes())

	require.NoError(t, r.HandleDealCreated(ctx, 100))

	items, err := repo.FetchBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, items)
	_, err = repo.GetDealState(ctx, 100)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHandleDealCreated_DuplicatePayloadSkipped(t *testing.T) {
	ctx := context.Background()
	r, repo := setup(t, testSettings(t), sampleCRM(), shopRoutes())

	require.NoError(t, r.HandleDealCreated(ctx, 100))
	require.NoError(t, r.HandleDealCreated(ctx, 100))

	items, err := repo.FetchBatch(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestStickyLockSurvivesRouteChange(t *testing.T) {
	ctx := context.Background()
	routes := shopRoutes()
	r, repo := setup(t, testSettings(t), sampleCRM(), routes)

	require.NoError(t, r.HandleDealCreated(ctx, 100))

	// Repointing the routing table must not move an already-locked deal.
	routes.entries["shop.example.com"] = routing.Entry{CounterID: 99, Token: "T9", Key: "shop.example.com"}

	r.crm.(*fakeCRM).deal["STAGE_ID"] = "WON"
	require.NoError(t, r.HandleDealUpdated(ctx, 100))

	items, err := repo.FetchBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	paid := items[1]
	assert.Equal(t, metrika.EventDealPaid, paid.EventType)
	assert.Equal(t, "55", paid.Payload["tid"])
	assert.Equal(t, "T1", paid.Payload["ms"])
	assert.Equal(t, "1500", paid.Payload["tr"])
	assert.Equal(t, "RUB", paid.Payload["cu"])

	state, err := repo.GetDealState(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(55), state.LockedCounterID)
}

func TestRequiredFieldGate(t *testing.T) {
	ctx := context.Background()
	c := sampleCRM()
	c.values["UF_CRM_SITE"] = ""
	r, repo := setup(t, testSettings(t), c, shopRoutes())

	require.NoError(t, r.HandleDealCreated(ctx, 100))

	items, err := repo.FetchBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, items)
	_, err = repo.GetDealState(ctx, 100)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMissingClientIDSkips(t *testing.T) {
	ctx := context.Background()
	c := sampleCRM()
	delete(c.deal, "UF_CRM_CLIENT_ID")
	r, repo := setup(t, testSettings(t), c, shopRoutes())

	require.NoError(t, r.HandleDealCreated(ctx, 100))

	items, err := repo.FetchBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestHandleDealUpdated_UnmappedStageIgnored(t *testing.T) {
	ctx := context.Background()
	c := sampleCRM()
	c.deal["STAGE_ID"] = "NEGOTIATION"
	r, repo := setup(t, testSettings(t), c, shopRoutes())

	require.NoError(t, r.HandleDealUpdated(ctx, 100))

	items, err := repo.FetchBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestNoRoute_SkipPolicy(t *testing.T) {
	ctx := context.Background()
	r, repo := setup(t, testSettings(t), sampleCRM(), &fakeRoutes{})

	require.NoError(t, r.HandleDealCreated(ctx, 100))

	items, err := repo.FetchBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, items)
	_, err = repo.GetDealState(ctx, 100)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestNoRoute_DefaultPolicy(t *testing.T) {
	ctx := context.Background()
	cfg := testSettings(t)
	cfg.Routing.DefaultBehavior = "default"
	cfg.Routing.DefaultCounterID = 77
	cfg.Routing.DefaultToken = "T7"
	require.NoError(t, cfg.Validate())

	r, repo := setup(t, cfg, sampleCRM(), &fakeRoutes{})

	require.NoError(t, r.HandleDealCreated(ctx, 100))

	items, err := repo.FetchBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "77", items[0].Payload["tid"])
	assert.Equal(t, "T7", items[0].Payload["ms"])

	state, err := repo.GetDealState(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(77), state.LockedCounterID)
	assert.Equal(t, "T7", state.LockedToken)
}

func TestContactIdentityFields(t *testing.T) {
	ctx := context.Background()
	c := sampleCRM()
	c.contactID = 7
	c.contact = crm.Contact{ID: 7, Phone: "+7 (999) 123-45-67", Email: "User@Example.com"}
	r, repo := setup(t, testSettings(t), c, shopRoutes())

	require.NoError(t, r.HandleDealCreated(ctx, 100))

	items, err := repo.FetchBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "7", items[0].Payload["ep.contact_id"])
	assert.Len(t, items[0].Payload["ep.phash"], 64)
	assert.Len(t, items[0].Payload["ep.ehash"], 64)
	assert.Equal(t, metrika.SHA256Hex("user@example.com"), items[0].Payload["ep.ehash"])
}
