package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/nats-io/nats.go/jetstream"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotency-Replayed"
	maxIdempotencyBody   = 1 << 20 // 1 MB
)

// storedResponse is a captured HTTP response, serialized into the KV bucket.
type storedResponse struct {
	StatusCode int                 `json:"status_code"`
	Headers    map[string][]string `json:"headers"`
	Body       []byte              `json:"body"`
}

// Idempotency deduplicates mutations that carry an Idempotency-Key
// header. A client retrying POST /tasks after a dropped response gets
// the stored response back instead of a second task. The bucket is a
// NATS JetStream KV store with a TTL, shared across API replicas.
func Idempotency(kv jetstream.KeyValue) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := r.Header.Get(headerIdempotencyKey)
			if clientKey == "" || r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			// Clients send arbitrary strings (base64, colon-namespaced);
			// the KV key charset is [-/_=.a-zA-Z0-9], so store under a
			// digest of the header instead of the header itself.
			key := bucketKey(clientKey)

			if entry, err := kv.Get(r.Context(), key); err == nil {
				var cached storedResponse
				if err := json.Unmarshal(entry.Value(), &cached); err == nil {
					for k, vals := range cached.Headers {
						for _, v := range vals {
							w.Header().Add(k, v)
						}
					}
					w.Header().Set(headerReplayed, "true")
					w.WriteHeader(cached.StatusCode)
					_, _ = w.Write(cached.Body)
					return
				}
				slog.Warn("idempotency: corrupt cache entry", "key", key)
			}

			rec := &responseRecorder{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
				body:           &bytes.Buffer{},
			}
			next.ServeHTTP(rec, r)

			// Only successful responses are worth replaying; a failed
			// attempt should run again on retry. Storage is best-effort.
			if rec.statusCode >= 300 || rec.body.Len() > maxIdempotencyBody {
				return
			}
			data, err := json.Marshal(storedResponse{
				StatusCode: rec.statusCode,
				Headers:    w.Header().Clone(),
				Body:       rec.body.Bytes(),
			})
			if err != nil {
				return
			}
			if _, err := kv.Put(r.Context(), key, data); err != nil {
				slog.Warn("idempotency: failed to store response", "key", key, "error", err)
			}
		})
	}
}

// bucketKey maps a client-supplied idempotency key onto the KV key
// charset.
func bucketKey(clientKey string) string {
	sum := sha256.Sum256([]byte(clientKey))
	return "idem." + hex.EncodeToString(sum[:])
}

// responseRecorder tees the response so it can be stored after the
// handler runs.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
