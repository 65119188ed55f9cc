package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/JoseManuelGdlO/whatsapp-connect-v2/internal/domain"
	"github.com/JoseManuelGdlO/whatsapp-connect-v2/internal/session"
)

// Sweeper reconnects every device with persisted auth after a deploy: one
// startup delay, then a stagger interval between devices so the fleet does
// not thundering-herd the transport.
type Sweeper struct {
	db      *gorm.DB
	manager *session.Manager
	delay   time.Duration
	stagger time.Duration
}

func NewSweeper(db *gorm.DB, manager *session.Manager, delay, stagger time.Duration) *Sweeper {
	return &Sweeper{db: db, manager: manager, delay: delay, stagger: stagger}
}

// Run blocks until the sweep completes or ctx is cancelled. Per-device
// failures are logged and never abort the sweep.
func (s *Sweeper) Run(ctx context.Context) {
	if !sleepCtx(ctx, s.delay) {
		return
	}

	var rows []domain.WaSession
	if err := s.db.Order("created_at asc").Find(&rows).Error; err != nil {
		zap.L().Error("sweeper: listing persisted sessions failed", zap.Error(err))
		return
	}
	zap.L().Info("sweeper: reconnect sweep starting", zap.Int("devices", len(rows)))

	for i, row := range rows {
		if i > 0 && !sleepCtx(ctx, s.stagger) {
			return
		}
		if err := s.manager.Connect(ctx, row.DeviceID); err != nil {
			zap.L().Warn("sweeper: reconnect failed",
				zap.String("device_id", row.DeviceID), zap.Error(err))
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
