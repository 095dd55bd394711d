package services

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"

	"github.com/tierrewards/ledger/internal/audit"
	"github.com/tierrewards/ledger/internal/logger"
	"github.com/tierrewards/ledger/internal/models"
)

func testLogger() *logrus.Entry { return logger.Discard() }

func testAudit() *audit.Logger { return audit.NewLogger(testLogger()) }

// capturedAudit returns an audit logger writing into buf.
func capturedAudit(buf *bytes.Buffer) *audit.Logger {
	return audit.NewLogger(logger.NewWithOutput("ledger", buf, "info"))
}

// auditEvents decodes the AUDIT lines written to buf.
func auditEvents(buf *bytes.Buffer) []audit.Event {
	var out []audit.Event
	sc := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	for sc.Scan() {
		var line struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(sc.Bytes(), &line) != nil || !strings.HasPrefix(line.Message, "AUDIT: ") {
			continue
		}
		var ev audit.Event
		if json.Unmarshal([]byte(strings.TrimPrefix(line.Message, "AUDIT: ")), &ev) == nil {
			out = append(out, ev)
		}
	}
	return out
}

// countingSource is a PriceSource that counts fetches.
type countingSource struct {
	calls atomic.Int32
	rates models.RateTable
	err   error
	delay time.Duration

	mu        sync.Mutex
	requested []models.Network
}

func (s *countingSource) FetchRates(ctx context.Context, networks []models.Network) (models.RateTable, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.requested = append([]models.Network(nil), networks...)
	s.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	out := make(models.RateTable, len(networks))
	for _, n := range networks {
		if r, ok := s.rates[n]; ok {
			out[n] = r
		}
	}
	return out, nil
}

func (s *countingSource) lastRequested() []models.Network {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requested
}

// staticRates is a RateProvider with a fixed table.
type staticRates models.RateTable

func (r staticRates) GetRates(context.Context) (models.RateTable, error) {
	out := make(models.RateTable, len(r))
	for n, v := range r {
		out[n] = v
	}
	return out, nil
}

// recordingSink is a NotificationSink that remembers every event.
type recordingSink struct {
	err error

	mu   sync.Mutex
	sent []Notification
}

func (s *recordingSink) Send(_ context.Context, n Notification) error {
	s.mu.Lock()
	s.sent = append(s.sent, n)
	s.mu.Unlock()
	return s.err
}

func (s *recordingSink) events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	for i, n := range s.sent {
		out[i] = n.Event
	}
	return out
}

type MockPaymentGateway struct {
	mock.Mock
}

func (m *MockPaymentGateway) CreateSession(ctx context.Context, req CreateSessionRequest) (*PaymentSession, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*PaymentSession), args.Error(1)
}

func (m *MockPaymentGateway) GetSessionStatus(ctx context.Context, sessionID string) (*SessionStatus, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*SessionStatus), args.Error(1)
}

func (m *MockPaymentGateway) CancelSession(ctx context.Context, sessionID string) error {
	args := m.Called(ctx, sessionID)
	return args.Error(0)
}

func (m *MockPaymentGateway) IsAvailable(ctx context.Context) bool {
	args := m.Called(ctx)
	return args.Bool(0)
}

// MockDispatcher records notifications synchronously.
type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) Notify(event string, accountID int64, payload map[string]any) {
	m.Called(event, accountID, payload)
}
