package authstate

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/JoseManuelGdlO/whatsapp-connect-v2/internal/domain"
	"github.com/JoseManuelGdlO/whatsapp-connect-v2/internal/transport"
	"github.com/JoseManuelGdlO/whatsapp-connect-v2/internal/vault"
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

func newTestStore(t *testing.T) *Store {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	v, err := vault.New(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	return NewStore(newTestDB(t), v)
}

func TestLoadInitializesFreshCredentials(t *testing.T) {
	store := newTestStore(t)
	h, err := store.Load("dev1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	state := h.State()
	if state.Creds == nil || state.Creds.RegistrationID == 0 {
		t.Fatalf("fresh creds = %+v", state.Creds)
	}
	if state.Creds.Registered {
		t.Error("fresh creds must be unregistered")
	}
}

func TestKeyStoreSetGetAndPersist(t *testing.T) {
	store := newTestStore(t)
	h, err := store.Load("dev1")
	if err != nil {
		t.Fatal(err)
	}
	keys := h.State().Keys
	err = keys.Set(transport.KeyUpdates{
		transport.KindSession: {"5491122223333": []byte("sess-a"), "5491122223333:1": []byte("sess-b")},
		transport.KindPreKey:  {"17": []byte("prekey")},
	})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := keys.Get(transport.KindSession, []string{"5491122223333", "missing"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || string(got["5491122223333"]) != "sess-a" {
		t.Fatalf("Get = %v", got)
	}

	// deletion through a nil blob
	if err := keys.Set(transport.KeyUpdates{transport.KindSession: {"5491122223333:1": nil}}); err != nil {
		t.Fatal(err)
	}
	got, _ = keys.Get(transport.KindSession, []string{"5491122223333:1"})
	if len(got) != 0 {
		t.Fatalf("deleted entry still present: %v", got)
	}

	h.SaveNow()

	// a second load sees the persisted state
	h2, err := store.Load("dev1")
	if err != nil {
		t.Fatal(err)
	}
	got, _ = h2.State().Keys.Get(transport.KindPreKey, []string{"17"})
	if string(got["17"]) != "prekey" {
		t.Fatalf("reloaded prekey = %v", got)
	}
}

func TestSaveNowUpsertsSingleRow(t *testing.T) {
	store := newTestStore(t)
	h, err := store.Load("dev1")
	if err != nil {
		t.Fatal(err)
	}
	h.SaveNow()
	h.SaveNow()

	var count int64
	store.db.Model(&domain.WaSession{}).Where("device_id = ?", "dev1").Count(&count)
	if count != 1 {
		t.Fatalf("wa_session rows = %d, want 1", count)
	}
}

func TestUndecipherableRowFallsBackToFresh(t *testing.T) {
	store := newTestStore(t)
	if err := store.db.Create(&domain.WaSession{
		ID:           domain.NewID(),
		DeviceID:     "dev1",
		AuthStateEnc: "v1:garbage:garbage:garbage",
	}).Error; err != nil {
		t.Fatal(err)
	}
	h, err := store.Load("dev1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if h.State().Creds == nil || h.State().Creds.Registered {
		t.Fatalf("expected fresh unregistered creds, got %+v", h.State().Creds)
	}
}

func seedBuckets(t *testing.T, h *Handle) {
	t.Helper()
	err := h.State().Keys.Set(transport.KeyUpdates{
		transport.KindSession: {
			"5491122223333":    []byte("a"),
			"5491122223333:12": []byte("b"),
			"5491122223333.0":  []byte("c"),
			"5599888877776":    []byte("keep"),
		},
		transport.KindSenderKey: {
			"120363040@g.us::5491122223333::1": []byte("sk"),
			"120363040@g.us::5599888877776::1": []byte("keep"),
		},
		transport.KindSenderKeyMemory: {
			"5491122223333@s.whatsapp.net": []byte("skm"),
		},
		transport.KindPreKey: {"1": []byte("keep")},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestClearSenderInMemory(t *testing.T) {
	store := newTestStore(t)
	h, err := store.Load("dev1")
	if err != nil {
		t.Fatal(err)
	}
	seedBuckets(t, h)

	removed := h.ClearSenderInMemory([]string{"5491122223333@s.whatsapp.net", ""})
	if removed != 5 {
		t.Fatalf("removed = %d, want 5", removed)
	}

	keys := h.State().Keys
	got, _ := keys.Get(transport.KindSession, []string{"5599888877776"})
	if len(got) != 1 {
		t.Error("unrelated session entry was evicted")
	}
	got, _ = keys.Get(transport.KindSenderKey, []string{"120363040@g.us::5599888877776::1"})
	if len(got) != 1 {
		t.Error("unrelated sender key was evicted")
	}
	got, _ = keys.Get(transport.KindPreKey, []string{"1"})
	if len(got) != 1 {
		t.Error("pre-keys must never be touched by sender eviction")
	}
}

func TestClearCorrupted(t *testing.T) {
	store := newTestStore(t)
	h, err := store.Load("dev1")
	if err != nil {
		t.Fatal(err)
	}
	seedBuckets(t, h)
	h.ClearCorrupted()

	keys := h.State().Keys
	for _, kind := range []transport.KeyKind{transport.KindSession, transport.KindSenderKey, transport.KindSenderKeyMemory} {
		got, _ := keys.Get(kind, []string{
			"5491122223333", "5599888877776",
			"120363040@g.us::5491122223333::1", "120363040@g.us::5599888877776::1",
			"5491122223333@s.whatsapp.net",
		})
		if len(got) != 0 {
			t.Errorf("bucket %s not cleared: %v", kind, got)
		}
	}
	got, _ := keys.Get(transport.KindPreKey, []string{"1"})
	if len(got) != 1 {
		t.Error("pre-keys must survive ClearCorrupted")
	}

	// the clear is persisted immediately
	h2, err := store.Load("dev1")
	if err != nil {
		t.Fatal(err)
	}
	got, _ = h2.State().Keys.Get(transport.KindSession, []string{"5599888877776"})
	if len(got) != 0 {
		t.Error("ClearCorrupted was not persisted")
	}
}

func TestClearSessionsForJidsRewritesPersistedRow(t *testing.T) {
	store := newTestStore(t)
	h, err := store.Load("dev1")
	if err != nil {
		t.Fatal(err)
	}
	seedBuckets(t, h)
	h.SaveNow()

	if err := store.ClearSessionsForJids("dev1", []string{"5491122223333@s.whatsapp.net"}); err != nil {
		t.Fatalf("ClearSessionsForJids: %v", err)
	}

	h2, err := store.Load("dev1")
	if err != nil {
		t.Fatal(err)
	}
	keys := h2.State().Keys
	got, _ := keys.Get(transport.KindSession, []string{"5491122223333", "5491122223333:12"})
	if len(got) != 0 {
		t.Fatalf("persisted sessions not purged: %v", got)
	}
	got, _ = keys.Get(transport.KindSession, []string{"5599888877776"})
	if len(got) != 1 {
		t.Error("unrelated persisted session was purged")
	}

	// unknown device is a no-op
	if err := store.ClearSessionsForJids("ghost", []string{"1@x"}); err != nil {
		t.Fatalf("unknown device: %v", err)
	}
}
