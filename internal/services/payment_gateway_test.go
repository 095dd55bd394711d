package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tierrewards/ledger/internal/models"
)

func TestHTTPPaymentGateway_CreateSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/sessions", r.URL.Path)
		assert.Equal(t, "key-1", r.Header.Get("X-API-Key"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "BTC", body["network"])
		assert.Equal(t, float64(9), body["user_id"])

		w.Write([]byte(`{"session_id":"sess-1","address":"bc1qxyz","expires_at":"2026-05-01T11:00:00Z"}`))
	}))
	defer server.Close()

	gw := NewHTTPPaymentGateway(server.URL, "key-1", time.Second)
	session, err := gw.CreateSession(context.Background(), CreateSessionRequest{
		UserID: 9, Network: models.NetworkBTC, Amount: dec("0.002"), AmountUSD: dec("90"),
	})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", session.SessionID)
	assert.Equal(t, "bc1qxyz", session.Address)
	assert.Equal(t, 2026, session.ExpiresAt.Year())
}

func TestHTTPPaymentGateway_GetSessionStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/sessions/sess-1":
			w.Write([]byte(`{"status":"CONFIRMING","confirmations":1,"tx_hash":"0xfeed","received_amount_usd":"89.5"}`))
		case "/api/sessions/sess-odd":
			w.Write([]byte(`{"status":"teleported"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	gw := NewHTTPPaymentGateway(server.URL, "", time.Second)

	status, err := gw.GetSessionStatus(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentConfirming, status.Status)
	assert.Equal(t, 1, status.Confirmations)
	assert.Equal(t, "0xfeed", status.TxHash)
	assert.True(t, dec("89.5").Equal(status.ReceivedUSD))

	_, err = gw.GetSessionStatus(context.Background(), "sess-odd")
	assert.Equal(t, KindUpstreamUnavailable, KindOf(err))

	_, err = gw.GetSessionStatus(context.Background(), "missing")
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestHTTPPaymentGateway_Availability(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/sessions/sess-1/cancel" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer server.Close()

	gw := NewHTTPPaymentGateway(server.URL, "", time.Second)
	assert.True(t, gw.IsAvailable(context.Background()))
	assert.NoError(t, gw.CancelSession(context.Background(), "sess-1"))

	healthy.Store(false)
	assert.False(t, gw.IsAvailable(context.Background()))
}
