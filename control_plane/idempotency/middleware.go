package idempotency

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/zeebo/blake3"
)

// Header carries the client-chosen key.
const Header = "X-Idempotency-Key"

// ReplayedHeader is set on responses served from a stored result.
const ReplayedHeader = "Idempotent-Replayed"

const maxBody = 1 << 20

// Fingerprint identifies a request by method, path and body, so a key
// reused for a different request can be rejected.
func Fingerprint(method, path string, body []byte) string {
	h := blake3.New()
	_, _ = h.Write([]byte(method))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(path))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// Middleware replays the stored response for a repeated key. Requests
// without the header pass through. Server errors are not stored, so the
// client may retry them.
func Middleware(store Store, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(Header)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
			if err != nil {
				writeError(w, http.StatusBadRequest, "unreadable body", "bad_request")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			fp := Fingerprint(r.Method, r.URL.Path, body)

			existing, reserved, err := store.Reserve(r.Context(), key, fp)
			if err != nil {
				logger.Error("idempotency reserve failed", "key", key, "error", err)
				writeError(w, http.StatusServiceUnavailable, "idempotency store unavailable", "unavailable")
				return
			}
			if !reserved {
				switch {
				case existing.Fingerprint != fp:
					writeError(w, http.StatusUnprocessableEntity, "idempotency key reused with a different request", "idempotency_key_reused")
				case existing.State == StateLocked:
					writeError(w, http.StatusConflict, "request with this idempotency key is in progress", "idempotency_in_progress")
				default:
					replay(w, existing)
				}
				return
			}

			rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.statusCode >= http.StatusInternalServerError {
				if err := store.Release(r.Context(), key); err != nil {
					logger.Warn("idempotency release failed", "key", key, "error", err)
				}
				return
			}
			err = store.Complete(r.Context(), key, &Record{
				Fingerprint: fp,
				StatusCode:  rec.statusCode,
				Body:        rec.body.Bytes(),
				Headers:     map[string][]string{"Content-Type": rec.Header().Values("Content-Type")},
			})
			if err != nil {
				logger.Warn("idempotency result not stored", "key", key, "error", err)
			}
		})
	}
}

func replay(w http.ResponseWriter, rec *Record) {
	for k, v := range rec.Headers {
		for _, val := range v {
			w.Header().Add(k, val)
		}
	}
	w.Header().Set(ReplayedHeader, "true")
	w.WriteHeader(rec.StatusCode)
	_, _ = w.Write(rec.Body)
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": code})
}
