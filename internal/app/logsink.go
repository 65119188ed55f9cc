package app

import (
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap/zapcore"

	"github.com/JoseManuelGdlO/whatsapp-connect-v2/internal/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// dbLogSink mirrors log entries at or above a level into the sys_log
// table. Writes are buffered and best-effort: a full buffer or a missing
// DB drops the row rather than blocking the logger.
type dbLogSink struct {
	zapcore.LevelEnabler
	fields []zapcore.Field
	ch     chan domain.SysLog
	done   chan struct{}
}

func parseDBLevel(s string) (zapcore.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel, true
	case "info":
		return zapcore.InfoLevel, true
	case "warn", "warning":
		return zapcore.WarnLevel, true
	case "error":
		return zapcore.ErrorLevel, true
	default:
		return 0, false
	}
}

func newDBLogSink(level zapcore.Level) *dbLogSink {
	return &dbLogSink{
		LevelEnabler: level,
		ch:           make(chan domain.SysLog, 256),
		done:         make(chan struct{}),
	}
}

// start begins draining buffered rows into the application's database.
func (s *dbLogSink) start(a *Application) {
	go func() {
		for {
			select {
			case row := <-s.ch:
				if db := a.DB(); db != nil {
					_ = db.Create(&row).Error
				}
			case <-s.done:
				return
			}
		}
	}()
}

func (s *dbLogSink) stop() {
	close(s.done)
}

func (s *dbLogSink) With(fields []zapcore.Field) zapcore.Core {
	clone := *s
	clone.fields = append(append([]zapcore.Field{}, s.fields...), fields...)
	return &clone
}

func (s *dbLogSink) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if s.Enabled(entry.Level) {
		return ce.AddCore(entry, s)
	}
	return ce
}

func (s *dbLogSink) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range s.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}

	row := domain.SysLog{
		ID:        domain.NewID(),
		Level:     levelName(entry.Level),
		Service:   domain.LogServiceWorker,
		Message:   entry.Message,
		CreatedAt: time.Now(),
	}
	if v, ok := enc.Fields["error"].(string); ok {
		row.Error = v
		delete(enc.Fields, "error")
	}
	if v, ok := enc.Fields["tenant_id"].(string); ok {
		row.TenantID = v
	}
	if v, ok := enc.Fields["device_id"].(string); ok {
		row.DeviceID = v
	}
	if len(enc.Fields) > 0 {
		if meta, err := json.Marshal(enc.Fields); err == nil {
			row.Metadata = string(meta)
		}
	}

	select {
	case s.ch <- row:
	default:
		// buffer full, drop
	}
	return nil
}

func (s *dbLogSink) Sync() error {
	return nil
}

func levelName(l zapcore.Level) string {
	switch l {
	case zapcore.DebugLevel:
		return domain.LogDebug
	case zapcore.InfoLevel:
		return domain.LogInfo
	case zapcore.WarnLevel:
		return domain.LogWarn
	default:
		return domain.LogError
	}
}
