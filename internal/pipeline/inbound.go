// Package pipeline turns decrypted inbound messages into persisted events
// and fanned-out webhook deliveries, and flags decryption-failure stubs for
// sender-key reconciliation.
package pipeline

import (
	"context"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/JoseManuelGdlO/whatsapp-connect-v2/internal/domain"
	"github.com/JoseManuelGdlO/whatsapp-connect-v2/internal/normalizer"
	"github.com/JoseManuelGdlO/whatsapp-connect-v2/internal/session"
	"github.com/JoseManuelGdlO/whatsapp-connect-v2/internal/transport"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// slowThreshold triggers a WARN when one message takes longer than this.
const slowThreshold = time.Second

// decryptionFailurePatterns are the observed stub texts the upstream
// transport emits when it could not decrypt a message. Matched
// case-insensitively.
var decryptionFailurePatterns = []string{
	"no matching sessions found for message",
	"bad mac",
	"failed to decrypt message",
}

// Enqueuer is the producer surface the pipeline needs from the queue
// runtime.
type Enqueuer interface {
	EnqueueDelivery(ctx context.Context, deliveryID string) error
	EnqueueSend(ctx context.Context, outboundMessageID string) error
}

// Pipeline processes inbound batches for live sessions.
type Pipeline struct {
	db      *gorm.DB
	queues  Enqueuer
	pool    *ants.Pool
	ackText string
}

// New builds the pipeline. ackText, when non-empty, is enqueued as an
// immediate outbound reply on every inbound so the chat visibly receives
// something independent of the bot's latency. pool bounds the best-effort
// presence/read side effects.
func New(db *gorm.DB, queues Enqueuer, pool *ants.Pool, ackText string) *Pipeline {
	return &Pipeline{db: db, queues: queues, pool: pool, ackText: ackText}
}

// HandleInbound implements session.InboundSink. It processes the batch in
// arrival order and returns reconcile signals for decryption failures.
func (p *Pipeline) HandleInbound(ctx context.Context, dev *domain.Device, sess *session.Session, msgs []*transport.RawMessage) []session.Reconcile {
	var reconciles []session.Reconcile
	for _, msg := range msgs {
		if msg == nil || msg.Key.ID == "" || msg.Key.FromMe {
			continue
		}
		if rec := p.handleOne(ctx, dev, sess, msg); rec != nil {
			reconciles = append(reconciles, *rec)
		}
	}
	return reconciles
}

func (p *Pipeline) handleOne(ctx context.Context, dev *domain.Device, sess *session.Session, msg *transport.RawMessage) *session.Reconcile {
	started := time.Now()

	p.ackPresence(sess, msg)

	norm := normalizer.Normalize(msg, sess.OwnJid())

	if norm.Content.Type == normalizer.ContentStub {
		stubText := ""
		if norm.Content.Text != nil {
			stubText = *norm.Content.Text
		}
		if !isDecryptionFailure(stubText) {
			p.touchLastSeen(dev.ID)
			return nil
		}
		if err := p.persistAndFanOut(ctx, dev, msg, norm, true); err != nil {
			zap.L().Error("pipeline: decryption-failure event persist failed",
				zap.String("device_id", dev.ID), zap.Error(err))
		}
		p.touchLastSeen(dev.ID)
		return &session.Reconcile{RemoteJid: msg.Key.RemoteJid, SenderPn: msg.Key.SenderPn}
	}

	if err := p.persistAndFanOut(ctx, dev, msg, norm, false); err != nil {
		zap.L().Error("pipeline: inbound event persist failed",
			zap.String("device_id", dev.ID), zap.String("message_id", msg.Key.ID), zap.Error(err))
		return nil
	}

	if p.ackText != "" {
		p.enqueueInboundAck(ctx, dev, norm.From)
	}

	p.touchLastSeen(dev.ID)

	if elapsed := time.Since(started); elapsed > slowThreshold {
		age := int64(0)
		if msg.MessageTimestamp > 0 {
			age = time.Now().UnixMilli() - msg.MessageTimestamp*1000
		}
		zap.L().Warn("pipeline: slow inbound processing",
			zap.String("device_id", dev.ID),
			zap.String("message_id", msg.Key.ID),
			zap.Int64("processing_time_ms", elapsed.Milliseconds()),
			zap.Int64("message_age_ms", age))
	}
	return nil
}

// ackPresence runs the best-effort side effects off the device loop: typing
// presence to the sender, a scheduled paused presence, and a read receipt.
func (p *Pipeline) ackPresence(sess *session.Session, msg *transport.RawMessage) {
	key := msg.Key
	task := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		sock := sess.Socket()
		if err := sock.SendPresence(ctx, transport.PresenceComposing, key.RemoteJid); err != nil {
			zap.L().Debug("pipeline: typing presence failed",
				zap.String("device_id", sess.DeviceID()), zap.Error(err))
		}
		sess.SchedulePaused(key.RemoteJid)
		if err := sock.ReadMessages(ctx, []transport.MessageKey{key}); err != nil {
			zap.L().Debug("pipeline: read receipt failed",
				zap.String("device_id", sess.DeviceID()), zap.Error(err))
		}
	}
	if err := p.pool.Submit(task); err != nil {
		// Pool saturated or closed; run inline rather than drop the ack.
		task()
	}
}

// persistAndFanOut writes the event and one PENDING delivery per enabled
// endpoint of the device's tenant in a single transaction, then enqueues
// the delivery jobs.
func (p *Pipeline) persistAndFanOut(ctx context.Context, dev *domain.Device, msg *transport.RawMessage, norm *normalizer.NormalizedInboundMessage, decryptionFailed bool) error {
	rawJSON, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	normJSON, err := marshalNormalized(norm, decryptionFailed)
	if err != nil {
		return err
	}

	event := domain.Event{
		ID:             domain.NewID(),
		TenantID:       dev.TenantID,
		DeviceID:       dev.ID,
		Type:           domain.EventTypeMessageInbound,
		NormalizedJSON: string(normJSON),
		RawJSON:        string(rawJSON),
		CreatedAt:      time.Now(),
	}

	var deliveryIDs []string
	err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&event).Error; err != nil {
			return err
		}
		var endpoints []domain.WebhookEndpoint
		if err := tx.Where("tenant_id = ? AND enabled = ?", dev.TenantID, true).
			Order("created_at asc").Find(&endpoints).Error; err != nil {
			return err
		}
		for _, ep := range endpoints {
			delivery := domain.WebhookDelivery{
				ID:         domain.NewID(),
				EndpointID: ep.ID,
				EventID:    event.ID,
				Status:     domain.DeliveryPending,
				CreatedAt:  time.Now(),
			}
			if err := tx.Create(&delivery).Error; err != nil {
				return err
			}
			deliveryIDs = append(deliveryIDs, delivery.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, id := range deliveryIDs {
		if err := p.queues.EnqueueDelivery(ctx, id); err != nil {
			zap.L().Error("pipeline: delivery enqueue failed",
				zap.String("delivery_id", id), zap.Error(err))
		}
	}
	return nil
}

// marshalNormalized serializes the normalized message, annotating
// decryption failures so bots can ask the sender to resend.
func marshalNormalized(norm *normalizer.NormalizedInboundMessage, decryptionFailed bool) ([]byte, error) {
	if !decryptionFailed {
		return json.Marshal(norm)
	}
	raw, err := json.Marshal(norm)
	if err != nil {
		return nil, err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	doc["decryptionFailed"] = true
	return json.Marshal(doc)
}

func (p *Pipeline) enqueueInboundAck(ctx context.Context, dev *domain.Device, to string) {
	payload, err := json.Marshal(map[string]string{"text": p.ackText})
	if err != nil {
		zap.L().Error("pipeline: ack payload marshal failed", zap.Error(err))
		return
	}
	out := domain.OutboundMessage{
		ID:          domain.NewID(),
		TenantID:    dev.TenantID,
		DeviceID:    dev.ID,
		To:          to,
		Type:        domain.OutboundMessageTypeText,
		PayloadJSON: string(payload),
		Status:      domain.OutboundQueued,
		CreatedAt:   time.Now(),
	}
	if err := p.db.Create(&out).Error; err != nil {
		zap.L().Error("pipeline: inbound ack create failed",
			zap.String("device_id", dev.ID), zap.Error(err))
		return
	}
	if err := p.queues.EnqueueSend(ctx, out.ID); err != nil {
		zap.L().Error("pipeline: inbound ack enqueue failed",
			zap.String("outbound_message_id", out.ID), zap.Error(err))
	}
}

func (p *Pipeline) touchLastSeen(deviceID string) {
	now := time.Now()
	if err := p.db.Model(&domain.Device{}).Where("id = ?", deviceID).
		Updates(map[string]interface{}{"last_seen_at": now, "updated_at": now}).Error; err != nil {
		zap.L().Debug("pipeline: last_seen update failed", zap.String("device_id", deviceID), zap.Error(err))
	}
}

func isDecryptionFailure(text string) bool {
	lowered := strings.ToLower(text)
	for _, pattern := range decryptionFailurePatterns {
		if strings.Contains(lowered, pattern) {
			return true
		}
	}
	return false
}
