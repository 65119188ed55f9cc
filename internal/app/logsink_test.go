package app

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/JoseManuelGdlO/whatsapp-connect-v2/config"
	"github.com/JoseManuelGdlO/whatsapp-connect-v2/internal/domain"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(domain.Tables...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestParseDBLevel(t *testing.T) {
	cases := map[string]struct {
		level zapcore.Level
		ok    bool
	}{
		"debug":   {zapcore.DebugLevel, true},
		"info":    {zapcore.InfoLevel, true},
		"warn":    {zapcore.WarnLevel, true},
		"warning": {zapcore.WarnLevel, true},
		"ERROR":   {zapcore.ErrorLevel, true},
		"":        {0, false},
		"silent":  {0, false},
	}
	for in, want := range cases {
		got, ok := parseDBLevel(in)
		if ok != want.ok || (ok && got != want.level) {
			t.Errorf("parseDBLevel(%q) = %v/%v", in, got, ok)
		}
	}
}

func TestDBLogSinkWritesSelectedLevels(t *testing.T) {
	db := newTestDB(t)
	a := NewApplication(config.DefaultAppConfig())
	a.OverrideDB(db)

	sink := newDBLogSink(zapcore.WarnLevel)
	sink.start(a)
	t.Cleanup(sink.stop)

	logger := zap.New(sink)
	logger.Info("below threshold")
	logger.Warn("session desync",
		zap.String("device_id", "d1"),
		zap.String("tenant_id", "t1"),
		zap.String("error", "bad mac"),
		zap.Int("evicted", 3),
	)

	deadline := time.Now().Add(2 * time.Second)
	var rows []domain.SysLog
	for time.Now().Before(deadline) {
		db.Find(&rows)
		if len(rows) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(rows) != 1 {
		t.Fatalf("sys_log rows = %d, want 1", len(rows))
	}
	row := rows[0]
	if row.Level != domain.LogWarn || row.Service != domain.LogServiceWorker {
		t.Fatalf("row = %+v", row)
	}
	if row.Message != "session desync" || row.DeviceID != "d1" || row.TenantID != "t1" || row.Error != "bad mac" {
		t.Fatalf("row fields = %+v", row)
	}
	if !strings.Contains(row.Metadata, `"evicted":3`) {
		t.Errorf("metadata = %q", row.Metadata)
	}
}
