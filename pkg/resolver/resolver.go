// Package resolver decides, per inbound CRM event, whether a measurement
// event is enqueued and to which counter it is routed.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/zoff-tech/metrika-bridge/pkg/config"
	"github.com/zoff-tech/metrika-bridge/pkg/crm"
	"github.com/zoff-tech/metrika-bridge/pkg/metrika"
	"github.com/zoff-tech/metrika-bridge/pkg/routing"
	"github.com/zoff-tech/metrika-bridge/pkg/store"
)

// CRM is the external collaborator surface the resolver consumes.
type CRM interface {
	GetDeal(ctx context.Context, dealID int64) (crm.Deal, error)
	EnsureContactForDeal(ctx context.Context, deal crm.Deal, clientID string) (int64, error)
	GetContact(ctx context.Context, contactID int64) (crm.Contact, error)
	RoutingValue(ctx context.Context, deal crm.Deal, fieldCode string) (string, error)
}

// RouteTable picks a route for a normalized key.
type RouteTable interface {
	Pick(ctx context.Context, key string) (routing.Entry, error)
}

// Resolver orchestrates the enqueue-or-skip decision. Failures local to one
// event are contained: the caller logs and acknowledges regardless.
type Resolver struct {
	crm    CRM
	states store.DealStateRepository
	queue  store.QueueRepository
	routes RouteTable
	cfg    *config.Settings
	log    *slog.Logger
	now    func() time.Time
}

func New(c CRM, states store.DealStateRepository, queue store.QueueRepository, routes RouteTable, cfg *config.Settings, log *slog.Logger) *Resolver {
	return &Resolver{
		crm:    c,
		states: states,
		queue:  queue,
		routes: routes,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
	}
}

// HandleDealCreated processes a deal-created notification.
func (r *Resolver) HandleDealCreated(ctx context.Context, dealID int64) error {
	return r.process(ctx, dealID, func(crm.Deal) string { return metrika.EventDealCreated })
}

// HandleDealUpdated processes a deal-update notification. Only transitions
// into a configured paid or cancelled stage produce a downstream event;
// every other stage is silently ignored.
func (r *Resolver) HandleDealUpdated(ctx context.Context, dealID int64) error {
	return r.process(ctx, dealID, func(deal crm.Deal) string {
		return r.stageToEvent(deal.StageID())
	})
}

func (r *Resolver) stageToEvent(stageID string) string {
	for _, s := range r.cfg.Stages.Paid {
		if s == stageID {
			return metrika.EventDealPaid
		}
	}
	for _, s := range r.cfg.Stages.Cancelled {
		if s == stageID {
			return metrika.EventDealCancelled
		}
	}
	return ""
}

func (r *Resolver) process(ctx context.Context, dealID int64, eventFor func(crm.Deal) string) error {
	deal, err := r.crm.GetDeal(ctx, dealID)
	if err != nil {
		return fmt.Errorf("load deal %d: %w", dealID, err)
	}

	if r.beforeCutoff(deal) {
		r.log.Info("skip_old_deal", "deal_id", dealID, "date_create", deal.StringField("DATE_CREATE"))
		return nil
	}

	clientID := r.extractClientID(deal)

	contactID, err := r.crm.EnsureContactForDeal(ctx, deal, clientID)
	if err != nil {
		return fmt.Errorf("ensure contact for deal %d: %w", dealID, err)
	}

	requiredVal, err := r.crm.RoutingValue(ctx, deal, r.cfg.CRM.RequiredField)
	if err != nil {
		return fmt.Errorf("required field for deal %d: %w", dealID, err)
	}
	if clientID == "" || requiredVal == "" {
		r.log.Warn("skip_no_required", "deal_id", dealID)
		return nil
	}

	eventName := eventFor(deal)
	if eventName == "" {
		return nil
	}

	state, err := r.states.GetDealState(ctx, dealID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("deal state %d: %w", dealID, err)
	}

	// Resolution happens exactly once per event.
	route, ok, err := r.resolveRoute(ctx, deal, state)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	extra, err := r.contactFields(ctx, contactID)
	if err != nil {
		return fmt.Errorf("contact fields for deal %d: %w", dealID, err)
	}

	payload := metrika.Build(route.CounterID, route.Token, clientID, eventName, deal, route.Key, extra, r.now())
	hash := metrika.Hash(payload)

	if state != nil && state.LastSentHash == hash {
		r.log.Info("dup_payload_skip", "deal_id", dealID, "event", eventName)
		return nil
	}

	if err := r.queue.Enqueue(ctx, dealID, eventName, payload); err != nil {
		return fmt.Errorf("enqueue for deal %d: %w", dealID, err)
	}
	if err := r.states.UpsertDealState(ctx, store.DealStateUpsert{
		DealID:          dealID,
		LastStageID:     deal.StageID(),
		LastSentHash:    hash,
		LockedCounterID: route.CounterID,
		LockedToken:     route.Token,
		LockedKey:       route.Key,
	}); err != nil {
		return fmt.Errorf("upsert state for deal %d: %w", dealID, err)
	}

	r.log.Info("queued_event", "deal_id", dealID, "event", eventName)
	return nil
}

// resolveRoute reuses the sticky lock when present, otherwise consults the
// routing table and finally the configured default. ok=false means the
// event is dropped (a recoverable per-event condition, already logged).
func (r *Resolver) resolveRoute(ctx context.Context, deal crm.Deal, state *store.DealState) (routing.Entry, bool, error) {
	if state != nil && state.Locked() {
		return routing.Entry{
			CounterID: state.LockedCounterID,
			Token:     state.LockedToken,
			Key:       state.LockedKey,
		}, true, nil
	}

	key, err := r.crm.RoutingValue(ctx, deal, r.cfg.CRM.RoutingField)
	if err != nil {
		return routing.Entry{}, false, fmt.Errorf("routing value for deal %d: %w", deal.ID(), err)
	}

	entry, err := r.routes.Pick(ctx, key)
	if err == nil {
		return entry, true, nil
	}
	if !errors.Is(err, routing.ErrNoRoute) {
		return routing.Entry{}, false, err
	}

	if r.cfg.Routing.DefaultBehavior == "default" {
		return routing.Entry{
			CounterID: r.cfg.Routing.DefaultCounterID,
			Token:     r.cfg.Routing.DefaultToken,
			Key:       key,
		}, true, nil
	}

	r.log.Warn("no_routing", "deal_id", deal.ID(), "key", key)
	return routing.Entry{}, false, nil
}

func (r *Resolver) contactFields(ctx context.Context, contactID int64) (map[string]string, error) {
	if contactID == 0 {
		return nil, nil
	}
	contact, err := r.crm.GetContact(ctx, contactID)
	if err != nil {
		return nil, err
	}
	fields := map[string]string{
		"contact_id": strconv.FormatInt(contact.ID, 10),
	}
	if phone := metrika.NormalizePhone(contact.Phone); phone != "" {
		fields["phash"] = metrika.SHA256Hex(phone)
	}
	if email := metrika.NormalizeEmail(contact.Email); email != "" {
		fields["ehash"] = metrika.SHA256Hex(email)
	}
	return fields, nil
}

func (r *Resolver) extractClientID(deal crm.Deal) string {
	if v := deal.StringField("client_id"); v != "" {
		return v
	}
	if f := r.cfg.CRM.ClientIDDealField; f != "" {
		return deal.StringField(f)
	}
	return ""
}

// beforeCutoff compares calendar dates: a deal created strictly before the
// configured cutoff is historical and never processed. Unparseable dates
// pass through.
func (r *Resolver) beforeCutoff(deal crm.Deal) bool {
	cutoff := r.cfg.Cutoff()
	if cutoff.IsZero() {
		return false
	}
	created, ok := deal.CreatedAt()
	if !ok {
		return false
	}
	y, m, d := created.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Before(cutoff)
}
