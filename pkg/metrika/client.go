package metrika

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zoff-tech/metrika-bridge/pkg/config"
)

// ErrRejected marks an application-level rejection (4xx) from the
// measurement endpoint. Retrying cannot fix it.
var ErrRejected = errors.New("metrika: payload rejected")

// Client sends payloads to the measurement endpoint. One call is one
// attempt with a bounded timeout; the delivery worker owns the retry
// schedule.
type Client struct {
	collectURL string
	httpClient *http.Client
	log        *slog.Logger
}

func NewClient(cfg config.MetrikaSettings, log *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		collectURL: cfg.CollectURL,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

// Send POSTs the payload form-encoded. Transport errors and 5xx responses
// are transient; 4xx returns ErrRejected.
func (c *Client) Send(ctx context.Context, p Payload) error {
	form := url.Values{}
	for k, v := range p {
		form.Set(k, v)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.collectURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("metrika send: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.log.Info("mp_sent", "counter", p["tid"], "event", p["ea"], "deal", p["ti"])
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	default:
		return fmt.Errorf("metrika send: unexpected status %d", resp.StatusCode)
	}
}
