package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

const (
	EventTopupApproved          = "topup.approved"
	EventTopupRejected          = "topup.rejected"
	EventTopupExpired           = "topup.expired"
	EventAdminTopupCancelFailed = "admin.topup.cancel_failed"
	EventWithdrawCreated        = "withdraw.created"
	EventWithdrawApproved       = "withdraw.approved"
	EventWithdrawRejected       = "withdraw.rejected"
	EventWithdrawCompleted      = "withdraw.completed"
	EventTierRequested          = "tier.requested"
	EventTierApproved           = "tier.approved"
	EventTierRejected           = "tier.rejected"
)

// Notification is a user email or admin alert.
type Notification struct {
	Event     string         `json:"event"`
	AccountID int64          `json:"account_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// NotificationSink delivers one notification.
type NotificationSink interface {
	Send(ctx context.Context, n Notification) error
}

// RedisNotificationSink queues notifications for the mailer worker.
type RedisNotificationSink struct {
	client redis.Cmdable
	queue  string
}

func NewRedisNotificationSink(client redis.Cmdable, queue string) *RedisNotificationSink {
	return &RedisNotificationSink{client: client, queue: queue}
}

func (s *RedisNotificationSink) Send(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, s.queue, data).Err()
}

// LogNotificationSink only logs; used when no queue is configured.
type LogNotificationSink struct {
	log *logrus.Entry
}

func NewLogNotificationSink(log *logrus.Entry) *LogNotificationSink {
	return &LogNotificationSink{log: log}
}

func (s *LogNotificationSink) Send(_ context.Context, n Notification) error {
	s.log.WithFields(logrus.Fields{
		"event":      n.Event,
		"account_id": n.AccountID,
	}).Info("notification")
	return nil
}

// Notifier dispatches notifications in the background. Delivery failures
// are logged and never reach the caller.
type Notifier struct {
	sink    NotificationSink
	log     *logrus.Entry
	timeout time.Duration
	wg      sync.WaitGroup
	now     func() time.Time
}

func NewNotifier(sink NotificationSink, log *logrus.Entry) *Notifier {
	return &Notifier{
		sink:    sink,
		log:     log.WithField("component", "notifier"),
		timeout: 5 * time.Second,
		now:     time.Now,
	}
}

func (n *Notifier) Notify(event string, accountID int64, payload map[string]any) {
	msg := Notification{Event: event, AccountID: accountID, Payload: payload, CreatedAt: n.now()}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				n.log.WithField("event", event).Errorf("notification panic: %v", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		if err := n.sink.Send(ctx, msg); err != nil {
			n.log.WithError(err).WithField("event", event).Warn("notification delivery failed")
		}
	}()
}

// Close waits for in-flight deliveries or ctx expiry.
func (n *Notifier) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
