// Package crm is the client for the CRM REST API (Bitrix-style inbound
// webhook URL, one POST per method). The resolver treats every call as a
// fallible remote operation: errors skip the current event, never the
// process.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zoff-tech/metrika-bridge/pkg/config"
)

// Client calls the CRM REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cfg        config.CrmSettings
	log        *slog.Logger

	enumMu    sync.Mutex
	enumCache map[string]map[int64]string
}

func NewClient(cfg config.CrmSettings, log *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.WebhookURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		cfg:        cfg,
		log:        log,
		enumCache:  make(map[string]map[int64]string),
	}
}

type apiResponse struct {
	Result           json.RawMessage `json:"result"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

// call POSTs params as JSON to <base>/<method>.json and decodes result into
// out.
func (c *Client) call(ctx context.Context, method string, params map[string]any, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("%s: marshal params: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method+".json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Error("crm_call_failed", "method", method, "error", err)
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Error("crm_call_failed", "method", method, "status", resp.StatusCode)
		return fmt.Errorf("%s: unexpected status %d", method, resp.StatusCode)
	}

	var api apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&api); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if api.Error != "" {
		c.log.Error("crm_call_failed", "method", method, "error", api.Error)
		return fmt.Errorf("%s: %s: %s", method, api.Error, api.ErrorDescription)
	}
	if out != nil {
		if err := json.Unmarshal(api.Result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
	}
	return nil
}

// GetDeal fetches the full deal snapshot.
func (c *Client) GetDeal(ctx context.Context, dealID int64) (Deal, error) {
	var deal Deal
	if err := c.call(ctx, "crm.deal.get", map[string]any{"id": dealID}, &deal); err != nil {
		return nil, err
	}
	return deal, nil
}

// RoutingValue returns the normalized routing value of a deal field. Enum
// fields (numeric values) are mapped through the cached user-field enum list
// before host normalization; plain strings go straight to host form.
func (c *Client) RoutingValue(ctx context.Context, deal Deal, fieldCode string) (string, error) {
	raw := deal.StringField(fieldCode)
	if raw == "" {
		return "", nil
	}
	if enumID, err := strconv.ParseInt(raw, 10, 64); err == nil {
		mapping, err := c.enumMap(ctx, fieldCode)
		if err != nil {
			return "", err
		}
		return NormalizeHost(mapping[enumID]), nil
	}
	return NormalizeHost(raw), nil
}

func (c *Client) enumMap(ctx context.Context, fieldCode string) (map[int64]string, error) {
	c.enumMu.Lock()
	cached, ok := c.enumCache[fieldCode]
	c.enumMu.Unlock()
	if ok {
		return cached, nil
	}

	var uf struct {
		List []struct {
			ID    string `json:"ID"`
			XMLID string `json:"XML_ID"`
			Value string `json:"VALUE"`
		} `json:"LIST"`
	}
	if err := c.call(ctx, "crm.deal.userfield.get", map[string]any{"id": fieldCode}, &uf); err != nil {
		return nil, err
	}

	mapping := make(map[int64]string, len(uf.List))
	for _, item := range uf.List {
		id, err := strconv.ParseInt(item.ID, 10, 64)
		if err != nil {
			continue
		}
		val := strings.TrimSpace(item.XMLID)
		if val == "" {
			val = strings.TrimSpace(item.Value)
		}
		mapping[id] = val
	}

	c.enumMu.Lock()
	c.enumCache[fieldCode] = mapping
	c.enumMu.Unlock()
	return mapping, nil
}

// EventBind subscribes the given handler URL to a CRM event.
func (c *Client) EventBind(ctx context.Context, event, handler string) error {
	return c.call(ctx, "event.bind", map[string]any{"event": event, "handler": handler}, nil)
}

// EventUnbind removes a previously bound handler.
func (c *Client) EventUnbind(ctx context.Context, event, handler string) error {
	return c.call(ctx, "event.unbind", map[string]any{"event": event, "handler": handler}, nil)
}
