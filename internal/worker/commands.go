package worker

import (
	"context"

	"github.com/hibiken/asynq"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/JoseManuelGdlO/whatsapp-connect-v2/internal/queue"
	"github.com/JoseManuelGdlO/whatsapp-connect-v2/internal/session"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Commands consumes the device_commands queue. The control-plane is the
// producer; the session manager's idempotency makes the handlers safe to
// re-deliver.
type Commands struct {
	manager *session.Manager
}

func NewCommands(manager *session.Manager) *Commands {
	return &Commands{manager: manager}
}

func (c *Commands) HandleConnect(ctx context.Context, task *asynq.Task) queue.Outcome {
	var p queue.CommandPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return queue.Terminal("bad_payload")
	}
	if err := c.manager.Connect(ctx, p.DeviceID); err != nil {
		zap.L().Error("worker: connect command failed",
			zap.String("device_id", p.DeviceID), zap.Error(err))
		return queue.Retry(err)
	}
	return queue.Done()
}

func (c *Commands) HandleDisconnect(_ context.Context, task *asynq.Task) queue.Outcome {
	var p queue.CommandPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return queue.Terminal("bad_payload")
	}
	c.manager.Disconnect(p.DeviceID)
	return queue.Done()
}

func (c *Commands) HandleResetSenderSessions(_ context.Context, task *asynq.Task) queue.Outcome {
	var p queue.CommandPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return queue.Terminal("bad_payload")
	}
	if err := c.manager.ResetSenderSessions(p.DeviceID, p.Jids); err != nil {
		zap.L().Error("worker: reset-sender-sessions failed",
			zap.String("device_id", p.DeviceID), zap.Error(err))
		return queue.Retry(err)
	}
	return queue.Done()
}
