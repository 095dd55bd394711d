package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tierrewards/ledger/internal/logger"
)

func TestRateLimiter(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	t.Run("limits per client", func(t *testing.T) {
		rl := NewRateLimiter(0.01, 2, logger.Discard())
		h := rl.Handler(ok)

		send := func(addr string) int {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payments", nil)
			req.RemoteAddr = addr
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			return rec.Code
		}

		assert.Equal(t, http.StatusOK, send("10.0.0.1:5000"))
		assert.Equal(t, http.StatusOK, send("10.0.0.1:5001"))
		assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.1:5002"))
		assert.Equal(t, http.StatusOK, send("10.0.0.2:5000"))
	})

	t.Run("authenticated callers are keyed by user", func(t *testing.T) {
		rl := NewRateLimiter(0.01, 1, logger.Discard())
		h := rl.Handler(ok)

		send := func(userID int64, addr string) *httptest.ResponseRecorder {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = addr
			req = req.WithContext(WithIdentity(req.Context(), userID, ""))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			return rec
		}

		assert.Equal(t, http.StatusOK, send(1, "10.0.0.1:1").Code)
		limited := send(1, "10.0.0.9:1")
		assert.Equal(t, http.StatusTooManyRequests, limited.Code)
		assert.Equal(t, "100", limited.Header().Get("Retry-After"))
		assert.Equal(t, http.StatusOK, send(2, "10.0.0.1:1").Code)
	})

	t.Run("cleanup drops idle callers", func(t *testing.T) {
		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		rl := NewRateLimiter(1, 1, logger.Discard())
		rl.now = func() time.Time { return now }

		rl.getLimiter("ip:a")
		now = now.Add(10 * time.Minute)
		rl.getLimiter("ip:b")

		assert.Equal(t, 1, rl.Cleanup(5*time.Minute))
		assert.Len(t, rl.limiters, 1)
	})
}
