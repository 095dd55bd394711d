package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordSettlement(t *testing.T) {
	before := testutil.ToFloat64(settlements.WithLabelValues("topup", "approved", "webhook"))
	RecordSettlement("topup", "approved", "webhook")
	after := testutil.ToFloat64(settlements.WithLabelValues("topup", "approved", "webhook"))
	assert.Equal(t, before+1, after)
}

func TestRecordRateRefresh(t *testing.T) {
	before := testutil.ToFloat64(rateRefreshes.WithLabelValues("error"))
	RecordRateRefresh(false, 20*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(rateRefreshes.WithLabelValues("error")))
}

func TestHandlerExposesLedgerMetrics(t *testing.T) {
	RecordBalanceMutation("topup_credit")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ledger_settlement_balance_mutations_total")
}
