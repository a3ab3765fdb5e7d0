package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/metrika-bridge/pkg/config"
)

type recordingHandler struct {
	created []int64
	updated []int64
	err     error
}

func (h *recordingHandler) HandleDealCreated(ctx context.Context, dealID int64) error {
	h.created = append(h.created, dealID)
	return h.err
}

func (h *recordingHandler) HandleDealUpdated(ctx context.Context, dealID int64) error {
	h.updated = append(h.updated, dealID)
	return h.err
}

func newTestServer(handler EventHandler, cfg config.ServerSettings) http.Handler {
	stages := config.StageSettings{Paid: []string{"WON"}, Cancelled: []string{"LOSE"}}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(handler, cfg, stages, log).Router()
}

func postEvent(t *testing.T, router http.Handler, body string, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	req := httptest.NewRequest(http.MethodPost, "/bitrix/events", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func TestEvents_DispatchCreated(t *testing.T) {
	h := &recordingHandler{}
	router := newTestServer(h, config.ServerSettings{})

	rec, resp := postEvent(t, router, `{"event":"onCrmDealAdd","data":{"FIELDS":{"ID":"100"}}}`, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, resp["ok"])
	assert.Equal(t, []int64{100}, h.created)
	assert.Empty(t, h.updated)
}

func TestEvents_DispatchUpdatedNumericID(t *testing.T) {
	h := &recordingHandler{}
	router := newTestServer(h, config.ServerSettings{})

	_, resp := postEvent(t, router, `{"event":"onCrmDealUpdate","data":{"FIELDS":{"ID":100}}}`, nil)

	assert.Equal(t, true, resp["ok"])
	assert.Equal(t, []int64{100}, h.updated)
}

func TestEvents_TokenRequired(t *testing.T) {
	h := &recordingHandler{}
	router := newTestServer(h, config.ServerSettings{WebhookToken: "s3cret"})
	body := `{"event":"onCrmDealAdd","data":{"FIELDS":{"ID":"100"}}}`

	rec, resp := postEvent(t, router, body, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, resp["ok"])
	assert.Equal(t, "forbidden", resp["error"])
	assert.Empty(t, h.created)

	_, resp = postEvent(t, router, body, map[string]string{"X-Hook-Token": "wrong"})
	assert.Equal(t, false, resp["ok"])
	assert.Empty(t, h.created)

	_, resp = postEvent(t, router, body, map[string]string{"X-Hook-Token": "s3cret"})
	assert.Equal(t, true, resp["ok"])
	assert.Equal(t, []int64{100}, h.created)

	_, resp = postEvent(t, router, body, map[string]string{"X-Webhook-Token": "s3cret"})
	assert.Equal(t, true, resp["ok"])
	assert.Equal(t, []int64{100, 100}, h.created)
}

func TestEvents_MalformedBodyAcknowledged(t *testing.T) {
	h := &recordingHandler{}
	router := newTestServer(h, config.ServerSettings{})

	rec, resp := postEvent(t, router, `{not json`, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, resp["ok"])
	assert.Empty(t, h.created)
	assert.Empty(t, h.updated)
}

func TestEvents_MissingDealIDAcknowledged(t *testing.T) {
	h := &recordingHandler{}
	router := newTestServer(h, config.ServerSettings{})

	rec, _ := postEvent(t, router, `{"event":"onCrmDealAdd","data":{"FIELDS":{}}}`, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, h.created)
}

func TestEvents_UnknownEventIgnored(t *testing.T) {
	h := &recordingHandler{}
	router := newTestServer(h, config.ServerSettings{})

	rec, _ := postEvent(t, router, `{"event":"onCrmLeadAdd","data":{"FIELDS":{"ID":"100"}}}`, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, h.created)
	assert.Empty(t, h.updated)
}

func TestEvents_HandlerErrorStillAcknowledged(t *testing.T) {
	h := &recordingHandler{err: errors.New("crm unreachable")}
	router := newTestServer(h, config.ServerSettings{})

	rec, resp := postEvent(t, router, `{"event":"onCrmDealAdd","data":{"FIELDS":{"ID":"100"}}}`, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, resp["ok"])
}

func TestHealth(t *testing.T) {
	router := newTestServer(&recordingHandler{}, config.ServerSettings{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["ok"])
	assert.Equal(t, []any{"WON"}, resp["paid"])
	assert.Equal(t, []any{"LOSE"}, resp["cancel"])
}

func TestExtractDealID(t *testing.T) {
	assert.Equal(t, int64(100), extractDealID(map[string]any{"ID": "100"}))
	assert.Equal(t, int64(100), extractDealID(map[string]any{"ID": float64(100)}))
	assert.Equal(t, int64(7), extractDealID(map[string]any{"dealId": " 7 "}))
	assert.Equal(t, int64(0), extractDealID(map[string]any{"ID": "abc"}))
	assert.Equal(t, int64(0), extractDealID(map[string]any{}))
}

func TestMaskSensitive(t *testing.T) {
	masked := maskSensitive(`{"event":"x","auth":{"token":"abc","user":"u"},"password":"p"}`)

	var data map[string]any
	require.NoError(t, json.Unmarshal([]byte(masked), &data))
	assert.Equal(t, "<redacted>", data["password"])
	auth := data["auth"].(map[string]any)
	assert.Equal(t, "<redacted>", auth["token"])
	assert.Equal(t, "u", auth["user"])

	assert.Equal(t, "not json", maskSensitive("not json"))
}
