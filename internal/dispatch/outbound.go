// Package dispatch hosts the consumers of the outbound_messages and
// webhook_dispatch queues.
package dispatch

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/JoseManuelGdlO/whatsapp-connect-v2/internal/domain"
	"github.com/JoseManuelGdlO/whatsapp-connect-v2/internal/queue"
	"github.com/JoseManuelGdlO/whatsapp-connect-v2/internal/session"
	"github.com/JoseManuelGdlO/whatsapp-connect-v2/internal/transport"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Diagnostics thresholds.
const (
	queueWaitWarn = 30 * time.Second
	sendWarn      = 5 * time.Second
)

// Outbound consumes "send" jobs: validates device state, sends the text
// through the live session, records the terminal status.
type Outbound struct {
	db             *gorm.DB
	manager        *session.Manager
	composingDelay time.Duration
}

func NewOutbound(db *gorm.DB, manager *session.Manager, composingDelay time.Duration) *Outbound {
	return &Outbound{db: db, manager: manager, composingDelay: composingDelay}
}

type textPayload struct {
	Text string `json:"text"`
}

// HandleSend processes one outbound_messages job.
func (d *Outbound) HandleSend(ctx context.Context, task *asynq.Task) queue.Outcome {
	var p queue.SendPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return queue.Terminal("bad_payload")
	}

	var row domain.OutboundMessage
	if err := d.db.Where("id = ?", p.OutboundMessageID).First(&row).Error; err != nil {
		// Nothing to transition; a retry cannot produce the row.
		zap.L().Error("outbound: message row missing",
			zap.String("outbound_message_id", p.OutboundMessageID), zap.Error(err))
		return queue.Done()
	}

	if wait := time.Since(row.CreatedAt); wait > queueWaitWarn {
		zap.L().Warn("outbound: queue wait exceeded",
			zap.String("outbound_message_id", row.ID),
			zap.Int64("wait_ms", wait.Milliseconds()))
	}

	d.setStatus(row.ID, map[string]interface{}{"status": domain.OutboundProcessing})

	var dev domain.Device
	if err := d.db.Where("id = ?", row.DeviceID).First(&dev).Error; err != nil {
		return d.fail(row.ID, "device_not_found")
	}
	if dev.Status != domain.DeviceOnline {
		return d.fail(row.ID, "device_not_online:"+dev.Status)
	}

	sess := d.manager.Get(row.DeviceID)
	if sess == nil {
		return d.fail(row.ID, "device_not_connected")
	}
	if sess.OwnJid() == "" {
		return d.fail(row.ID, "socket_not_authenticated")
	}
	if row.Type != domain.OutboundMessageTypeText {
		return d.fail(row.ID, "unsupported_type:"+row.Type)
	}

	var payload textPayload
	if err := json.Unmarshal([]byte(row.PayloadJSON), &payload); err != nil || payload.Text == "" {
		return queue.Retry(errors.New("outbound: payload has no text"))
	}

	started := time.Now()
	msgID, err := d.send(ctx, sess, row.To, payload.Text)
	if err != nil {
		// Leave PROCESSING; the failure hook settles FAILED after the last
		// attempt.
		return queue.Retry(errors.Wrap(err, "outbound: send"))
	}
	if elapsed := time.Since(started); elapsed > sendWarn {
		zap.L().Warn("outbound: slow send",
			zap.String("outbound_message_id", row.ID),
			zap.Int64("send_ms", elapsed.Milliseconds()))
	}

	d.setStatus(row.ID, map[string]interface{}{
		"status":              domain.OutboundSent,
		"provider_message_id": msgID,
		"error":               "",
	})
	return queue.Done()
}

// send emits composing presence, pauses for the configured delay, sends the
// text, then emits paused. An outbound send supersedes any pending paused
// timer for the destination.
func (d *Outbound) send(ctx context.Context, sess *session.Session, to, text string) (string, error) {
	sock := sess.Socket()
	sess.CancelPaused(to)
	if err := sock.SendPresence(ctx, transport.PresenceComposing, to); err != nil {
		zap.L().Debug("outbound: composing presence failed",
			zap.String("device_id", sess.DeviceID()), zap.Error(err))
	}
	if d.composingDelay > 0 {
		select {
		case <-time.After(d.composingDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	receipt, err := sock.SendText(ctx, to, text)
	if err != nil {
		return "", err
	}
	if err := sock.SendPresence(ctx, transport.PresencePaused, to); err != nil {
		zap.L().Debug("outbound: paused presence failed",
			zap.String("device_id", sess.DeviceID()), zap.Error(err))
	}
	return receipt.ID, nil
}

func (d *Outbound) fail(id, reason string) queue.Outcome {
	d.setStatus(id, map[string]interface{}{
		"status": domain.OutboundFailed,
		"error":  reason,
	})
	return queue.Terminal(reason)
}

func (d *Outbound) setStatus(id string, updates map[string]interface{}) {
	if err := d.db.Model(&domain.OutboundMessage{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		zap.L().Error("outbound: status update failed", zap.String("outbound_message_id", id), zap.Error(err))
	}
}

// OnSendFailure is the outbound queue's failure hook: after the last
// attempt the row settles FAILED with the final error.
func (d *Outbound) OnSendFailure(_ context.Context, task *asynq.Task, err error, _ int, final bool) {
	if !final {
		return
	}
	var p queue.SendPayload
	if uerr := json.Unmarshal(task.Payload(), &p); uerr != nil {
		return
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	d.db.Model(&domain.OutboundMessage{}).
		Where("id = ? AND status = ?", p.OutboundMessageID, domain.OutboundProcessing).
		Updates(map[string]interface{}{"status": domain.OutboundFailed, "error": msg})
}
