package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zoff-tech/metrika-bridge/pkg/config"
)

var sensitiveFields = map[string]struct{}{
	"password":      {},
	"token":         {},
	"secret":        {},
	"authorization": {},
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// requestLogger logs every request with a generated request id, duration
// and, when enabled, a masked body preview.
func requestLogger(log *slog.Logger, cfg config.ServerSettings) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := uuid.NewString()

			var preview string
			if cfg.LogBody && r.Body != nil {
				body, err := io.ReadAll(r.Body)
				if err == nil {
					r.Body = io.NopCloser(bytes.NewReader(body))
					preview = maskSensitive(string(body))
					if len(preview) > cfg.MaxBodyLog {
						preview = preview[:cfg.MaxBodyLog]
					}
				} else {
					preview = "<unreadable>"
				}
			}

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			attrs := []any{
				"request_id", requestID,
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if cfg.LogBody {
				attrs = append(attrs, "body", preview)
			}
			log.Info("http_request", attrs...)
		})
	}
}

// maskSensitive redacts well-known credential fields in a JSON body.
// Non-JSON bodies pass through untouched.
func maskSensitive(body string) string {
	var data any
	if err := json.Unmarshal([]byte(body), &data); err != nil {
		return body
	}
	masked, err := json.Marshal(maskValue(data))
	if err != nil {
		return body
	}
	return string(masked)
}

func maskValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if _, ok := sensitiveFields[strings.ToLower(k)]; ok {
				out[k] = "<redacted>"
				continue
			}
			out[k] = maskValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = maskValue(val)
		}
		return out
	default:
		return v
	}
}
