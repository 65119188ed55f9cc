// Package queue is the runtime over the shared Redis broker: three durable
// named queues with per-job retry, exponential backoff and a dead-letter
// tier. The external control-plane produces on the same queues with the
// same helpers.
package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Queue names on the shared broker.
const (
	QueueDeviceCommands   = "device_commands"
	QueueOutboundMessages = "outbound_messages"
	QueueWebhookDispatch  = "webhook_dispatch"
)

// Task type names.
const (
	TaskConnect             = "connect"
	TaskDisconnect          = "disconnect"
	TaskResetSenderSessions = "reset-sender-sessions"
	TaskSend                = "send"
	TaskDeliver             = "deliver"
)

// Attempt budgets per queue.
const (
	CommandMaxAttempts  = 1
	OutboundMaxAttempts = 3
	WebhookMaxAttempts  = 5
)

// Per-worker concurrency caps.
const (
	CommandConcurrency  = 1
	OutboundConcurrency = 5
	WebhookConcurrency  = 10
)

// CommandPayload is carried by device_commands jobs.
type CommandPayload struct {
	DeviceID string   `json:"deviceId"`
	Jids     []string `json:"jids,omitempty"`
}

// SendPayload is carried by outbound_messages "send" jobs.
type SendPayload struct {
	OutboundMessageID string `json:"outboundMessageId"`
}

// DeliverPayload is carried by webhook_dispatch "deliver" jobs.
type DeliverPayload struct {
	DeliveryID string `json:"deliveryId"`
}

// Queues is the producer side of the broker.
type Queues struct {
	client *asynq.Client
}

// NewQueues connects a producer client to the broker at redisURL.
func NewQueues(redisURL string) (*Queues, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, "queue: redis url")
	}
	return &Queues{client: asynq.NewClient(opt)}, nil
}

func (q *Queues) Close() error {
	return q.client.Close()
}

// EnqueueCommand enqueues a device command (connect, disconnect,
// reset-sender-sessions). Commands are idempotent and not retried.
func (q *Queues) EnqueueCommand(ctx context.Context, name string, p CommandPayload) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "queue: command payload")
	}
	_, err = q.client.EnqueueContext(ctx, asynq.NewTask(name, payload),
		asynq.Queue(QueueDeviceCommands),
		asynq.MaxRetry(CommandMaxAttempts-1),
		asynq.Timeout(2*time.Minute),
	)
	return errors.Wrap(err, "queue: enqueue command")
}

// EnqueueSend enqueues an outbound send job. Attempts: 3, exponential
// backoff base 1s.
func (q *Queues) EnqueueSend(ctx context.Context, outboundMessageID string) error {
	payload, err := json.Marshal(SendPayload{OutboundMessageID: outboundMessageID})
	if err != nil {
		return errors.Wrap(err, "queue: send payload")
	}
	_, err = q.client.EnqueueContext(ctx, asynq.NewTask(TaskSend, payload),
		asynq.Queue(QueueOutboundMessages),
		asynq.MaxRetry(OutboundMaxAttempts-1),
		asynq.Timeout(2*time.Minute),
	)
	return errors.Wrap(err, "queue: enqueue send")
}

// EnqueueDelivery enqueues a webhook delivery job. Attempts: 5, delay
// 2^attempt seconds, then the delivery row moves to DLQ.
func (q *Queues) EnqueueDelivery(ctx context.Context, deliveryID string) error {
	payload, err := json.Marshal(DeliverPayload{DeliveryID: deliveryID})
	if err != nil {
		return errors.Wrap(err, "queue: deliver payload")
	}
	_, err = q.client.EnqueueContext(ctx, asynq.NewTask(TaskDeliver, payload),
		asynq.Queue(QueueWebhookDispatch),
		asynq.MaxRetry(WebhookMaxAttempts-1),
		asynq.Timeout(time.Minute),
	)
	return errors.Wrap(err, "queue: enqueue delivery")
}

// ExponentialDelay is the shared retry policy: the k-th failed attempt is
// retried after 2^k seconds.
func ExponentialDelay(n int, _ error, _ *asynq.Task) time.Duration {
	attempt := n + 1
	if attempt > 16 {
		attempt = 16
	}
	return time.Duration(1<<uint(attempt)) * time.Second
}
