// Package metrika builds and delivers measurement-protocol events.
package metrika

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/zoff-tech/metrika-bridge/pkg/crm"
)

// Downstream event names.
const (
	EventDealCreated   = "deal_created"
	EventDealPaid      = "deal_paid"
	EventDealCancelled = "deal_cancelled"
)

// Payload is one flat measurement event. All values are stringified at
// build time so the canonical hash is independent of numeric
// representation.
type Payload map[string]string

// Build assembles the payload for one deal event. Deterministic given its
// inputs except for the "et" timestamp, which the hash ignores.
func Build(counterID int64, token, clientID, eventName string, deal crm.Deal, routingKey string, extra map[string]string, now time.Time) Payload {
	p := Payload{
		"tid":         strconv.FormatInt(counterID, 10),
		"cid":         clientID,
		"t":           "event",
		"ea":          eventName,
		"ti":          fmt.Sprintf("DEAL_%d", deal.ID()),
		"et":          strconv.FormatInt(now.UTC().Unix(), 10),
		"ms":          token,
		"ep.uf_value": routingKey,
	}
	if eventName == EventDealPaid {
		if v := deal.StringField("OPPORTUNITY"); v != "" {
			p["tr"] = v
		}
		if v := deal.StringField("CURRENCY_ID"); v != "" {
			p["cu"] = v
		}
	}
	for k, v := range extra {
		if v == "" {
			continue
		}
		p["ep."+k] = v
	}
	return p
}

// Hash returns the canonical SHA-256 digest of a payload: keys sorted, the
// volatile "et" timestamp excluded so a rebuild of the same logical event
// hashes identically. Used only for dedup, not security.
func Hash(p Payload) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		if k == "et" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(p[k])
		b.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
