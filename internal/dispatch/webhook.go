package dispatch

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/guonaihong/gout"
	"github.com/hibiken/asynq"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/JoseManuelGdlO/whatsapp-connect-v2/internal/domain"
	"github.com/JoseManuelGdlO/whatsapp-connect-v2/internal/queue"
)

// webhookTimeout is the hard cap on one delivery request.
const webhookTimeout = 15 * time.Second

// bodySnippetLen bounds how much of an error response is recorded.
const bodySnippetLen = 200

// createdAtLayout renders createdAt as an ISO-8601 string with
// millisecond precision, always UTC.
const createdAtLayout = "2006-01-02T15:04:05.000Z"

// webhookBody is the byte-semantic payload POSTed to endpoints. Field
// order is part of the wire contract.
type webhookBody struct {
	EventID    string              `json:"eventId"`
	TenantID   string              `json:"tenantId"`
	DeviceID   string              `json:"deviceId"`
	Type       string              `json:"type"`
	Normalized jsoniter.RawMessage `json:"normalized"`
	Raw        jsoniter.RawMessage `json:"raw"`
	CreatedAt  string              `json:"createdAt"`
}

// Webhook consumes "deliver" jobs: POSTs signed payloads and updates
// delivery rows with backoff and the DLQ transition.
type Webhook struct {
	db *gorm.DB
}

func NewWebhook(db *gorm.DB) *Webhook {
	return &Webhook{db: db}
}

// Sign computes the delivery signature: hex HMAC-SHA256 of
// "<timestamp>.<body>" under the endpoint secret.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// BuildBody serializes the canonical webhook payload for an event.
func BuildBody(event *domain.Event) ([]byte, error) {
	body := webhookBody{
		EventID:    event.ID,
		TenantID:   event.TenantID,
		DeviceID:   event.DeviceID,
		Type:       event.Type,
		Normalized: jsoniter.RawMessage(event.NormalizedJSON),
		Raw:        jsoniter.RawMessage(event.RawJSON),
		CreatedAt:  event.CreatedAt.UTC().Format(createdAtLayout),
	}
	return json.Marshal(&body)
}

// HandleDeliver processes one webhook_dispatch job.
func (d *Webhook) HandleDeliver(ctx context.Context, task *asynq.Task) queue.Outcome {
	var p queue.DeliverPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return queue.Terminal("bad_payload")
	}

	var delivery domain.WebhookDelivery
	if err := d.db.Where("id = ?", p.DeliveryID).First(&delivery).Error; err != nil {
		zap.L().Warn("webhook: delivery row missing", zap.String("delivery_id", p.DeliveryID), zap.Error(err))
		return queue.Done()
	}
	var endpoint domain.WebhookEndpoint
	if err := d.db.Where("id = ?", delivery.EndpointID).First(&endpoint).Error; err != nil {
		zap.L().Warn("webhook: endpoint row missing", zap.String("delivery_id", delivery.ID), zap.Error(err))
		return queue.Done()
	}
	if !endpoint.Enabled {
		return queue.Done()
	}
	var event domain.Event
	if err := d.db.Where("id = ?", delivery.EventID).First(&event).Error; err != nil {
		zap.L().Warn("webhook: event row missing", zap.String("delivery_id", delivery.ID), zap.Error(err))
		return queue.Done()
	}

	body, err := BuildBody(&event)
	if err != nil {
		return queue.Terminal("bad_body")
	}

	if err := d.post(&endpoint, &event, body); err != nil {
		return queue.Retry(err)
	}

	uerr := d.db.Model(&domain.WebhookDelivery{}).Where("id = ?", delivery.ID).
		Updates(map[string]interface{}{
			"status":        domain.DeliverySuccess,
			"attempts":      gorm.Expr("attempts + 1"),
			"last_error":    "",
			"next_retry_at": nil,
		}).Error
	if uerr != nil {
		zap.L().Error("webhook: success update failed", zap.String("delivery_id", delivery.ID), zap.Error(uerr))
	}
	return queue.Done()
}

// post issues the signed delivery request and fails on any non-2xx status.
func (d *Webhook) post(endpoint *domain.WebhookEndpoint, event *domain.Event, body []byte) error {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	signature := Sign(endpoint.Secret, timestamp, body)

	code := 0
	respBody := ""
	err := gout.POST(endpoint.URL).
		SetTimeout(webhookTimeout).
		SetHeader(gout.H{
			"content-type": "application/json",
			"x-event-id":   event.ID,
			"x-tenant-id":  event.TenantID,
			"x-device-id":  event.DeviceID,
			"x-event-type": event.Type,
			"x-timestamp":  timestamp,
			"x-signature":  signature,
		}).
		SetBody(body).
		Code(&code).
		BindBody(&respBody).
		Do()
	if err != nil {
		return errors.Wrap(err, "webhook: request")
	}
	if code < 200 || code > 299 {
		if len(respBody) > bodySnippetLen {
			respBody = respBody[:bodySnippetLen]
		}
		return errors.Errorf("webhook: status %d: %s", code, respBody)
	}
	return nil
}

// OnDeliverFailure is the webhook queue's failure hook: below the attempt
// budget the row stays retryable with the next backoff recorded; at the
// budget it moves to the dead-letter tier.
func (d *Webhook) OnDeliverFailure(_ context.Context, task *asynq.Task, err error, attempts int, final bool) {
	var p queue.DeliverPayload
	if uerr := json.Unmarshal(task.Payload(), &p); uerr != nil {
		return
	}
	lastError := ""
	if err != nil {
		lastError = err.Error()
	}
	updates := map[string]interface{}{
		"attempts":   attempts,
		"last_error": lastError,
	}
	if final {
		updates["status"] = domain.DeliveryDLQ
		updates["next_retry_at"] = nil
	} else {
		updates["status"] = domain.DeliveryFailed
		backoff := time.Duration(1<<uint(attempts)) * time.Second
		updates["next_retry_at"] = time.Now().Add(backoff)
	}
	uerr := d.db.Model(&domain.WebhookDelivery{}).Where("id = ?", p.DeliveryID).Updates(updates).Error
	if uerr != nil {
		zap.L().Error("webhook: failure update failed", zap.String("delivery_id", p.DeliveryID), zap.Error(uerr))
	}
}

// SendTest issues a signed webhook.test request through the production
// signing path. Used by the control-plane's endpoint test button.
func (d *Webhook) SendTest(endpoint *domain.WebhookEndpoint) error {
	now := time.Now()
	probe := domain.Event{
		ID:             domain.NewID(),
		TenantID:       endpoint.TenantID,
		Type:           "webhook.test",
		NormalizedJSON: `{"kind":"webhook_test"}`,
		RawJSON:        `{}`,
		CreatedAt:      now,
	}
	body, err := BuildBody(&probe)
	if err != nil {
		return err
	}
	return d.post(endpoint, &probe, body)
}
