package store

// RoutingEntry maps a normalized routing key to a measurement counter and
// its delivery token. Keys are unique among active entries.
type RoutingEntry struct {
	Key       string `json:"key"`
	CounterID int64  `json:"counter_id"`
	Token     string `json:"token"`
	Active    bool   `json:"active"`
}
