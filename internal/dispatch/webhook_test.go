package dispatch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/JoseManuelGdlO/whatsapp-connect-v2/internal/domain"
	"github.com/JoseManuelGdlO/whatsapp-connect-v2/internal/queue"
)

func TestSignIsDeterministic(t *testing.T) {
	body := []byte(`{"eventId":"e1"}`)
	a := Sign("secret", "1736900000000", body)
	b := Sign("secret", "1736900000000", body)
	if a != b {
		t.Fatal("signature not deterministic")
	}
	if len(a) != 64 {
		t.Fatalf("signature length = %d, want 64 hex chars", len(a))
	}
	if Sign("secret", "1736900000001", body) == a {
		t.Error("timestamp change must alter the signature")
	}
	mutated := append([]byte{}, body...)
	mutated[0] ^= 0x01
	if Sign("secret", "1736900000000", mutated) == a {
		t.Error("body change must alter the signature")
	}
	if Sign("other", "1736900000000", body) == a {
		t.Error("secret change must alter the signature")
	}
}

func TestBuildBody(t *testing.T) {
	ev := domain.Event{
		ID:             "e1",
		TenantID:       "t1",
		DeviceID:       "d1",
		Type:           domain.EventTypeMessageInbound,
		NormalizedJSON: `{"kind":"inbound_message","content":{"type":"text","text":"hola","media":null}}`,
		RawJSON:        `{"key":{"id":"M1"}}`,
		CreatedAt:      time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
	}
	body, err := BuildBody(&ev)
	if err != nil {
		t.Fatal(err)
	}
	s := string(body)
	for _, want := range []string{
		`"eventId":"e1"`,
		`"tenantId":"t1"`,
		`"deviceId":"d1"`,
		`"type":"message.inbound"`,
		`"text":"hola"`,
		`"raw":{"key":{"id":"M1"}}`,
		`"createdAt":"2026-01-15T00:00:00.000Z"`,
	} {
		if !strings.Contains(s, want) {
			t.Errorf("body missing %s: %s", want, s)
		}
	}
}

type receivedRequest struct {
	headers http.Header
	body    []byte
}

func seedDelivery(t *testing.T, db *gorm.DB, url string, enabled bool) (domain.WebhookDelivery, domain.WebhookEndpoint, domain.Event) {
	t.Helper()
	ep := domain.WebhookEndpoint{
		ID: domain.NewID(), TenantID: testTenantID, URL: url,
		Secret: "hush", Enabled: enabled, CreatedAt: time.Now(),
	}
	if err := db.Create(&ep).Error; err != nil {
		t.Fatal(err)
	}
	ev := domain.Event{
		ID:             domain.NewID(),
		TenantID:       testTenantID,
		DeviceID:       testDeviceID,
		Type:           domain.EventTypeMessageInbound,
		NormalizedJSON: `{"kind":"inbound_message","content":{"type":"text","text":"hola","media":null}}`,
		RawJSON:        `{"key":{"id":"M1","remoteJid":"5491122223333@s.whatsapp.net"}}`,
		CreatedAt:      time.Now(),
	}
	if err := db.Create(&ev).Error; err != nil {
		t.Fatal(err)
	}
	del := domain.WebhookDelivery{
		ID: domain.NewID(), EndpointID: ep.ID, EventID: ev.ID,
		Status: domain.DeliveryPending, CreatedAt: time.Now(),
	}
	if err := db.Create(&del).Error; err != nil {
		t.Fatal(err)
	}
	return del, ep, ev
}

func deliverTask(t *testing.T, id string) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(queue.DeliverPayload{DeliveryID: id})
	if err != nil {
		t.Fatal(err)
	}
	return asynq.NewTask(queue.TaskDeliver, payload)
}

func TestDeliverSuccess(t *testing.T) {
	db := newTestDB(t)

	var mu sync.Mutex
	var got *receivedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = &receivedRequest{headers: r.Header.Clone(), body: body}
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	del, ep, ev := seedDelivery(t, db, srv.URL, true)
	d := NewWebhook(db)
	out := d.HandleDeliver(context.Background(), deliverTask(t, del.ID))
	if !out.IsDone() {
		t.Fatalf("outcome = %+v, want done", out)
	}

	mu.Lock()
	defer mu.Unlock()
	if got == nil {
		t.Fatal("endpoint never called")
	}
	if ct := got.headers.Get("content-type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("content-type = %q", ct)
	}
	if got.headers.Get("x-event-id") != ev.ID ||
		got.headers.Get("x-tenant-id") != testTenantID ||
		got.headers.Get("x-device-id") != testDeviceID ||
		got.headers.Get("x-event-type") != domain.EventTypeMessageInbound {
		t.Errorf("headers = %+v", got.headers)
	}
	ts := got.headers.Get("x-timestamp")
	if ts == "" {
		t.Fatal("x-timestamp missing")
	}
	if want := Sign(ep.Secret, ts, got.body); got.headers.Get("x-signature") != want {
		t.Errorf("signature mismatch: %s != %s", got.headers.Get("x-signature"), want)
	}

	var row domain.WebhookDelivery
	if err := db.Where("id = ?", del.ID).First(&row).Error; err != nil {
		t.Fatal(err)
	}
	if row.Status != domain.DeliverySuccess || row.Attempts != 1 {
		t.Fatalf("row = %s/%d, want SUCCESS/1", row.Status, row.Attempts)
	}
	if row.LastError != "" || row.NextRetryAt != nil {
		t.Fatalf("SUCCESS must clear lastError and nextRetryAt: %+v", row)
	}
}

func TestDeliverNon2xxRetries(t *testing.T) {
	db := newTestDB(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("upstream down " + strings.Repeat("x", 500)))
	}))
	defer srv.Close()

	del, _, _ := seedDelivery(t, db, srv.URL, true)
	d := NewWebhook(db)
	out := d.HandleDeliver(context.Background(), deliverTask(t, del.ID))
	if !out.IsRetry() {
		t.Fatalf("outcome = %+v, want retry", out)
	}
	msg := out.Err().Error()
	if !strings.Contains(msg, "503") {
		t.Errorf("error = %q, want status code", msg)
	}
	// response snippet is capped at 200 chars
	if strings.Contains(msg, strings.Repeat("x", 300)) {
		t.Error("error carries uncapped response body")
	}
}

func TestDeliverDisabledEndpointIsDone(t *testing.T) {
	db := newTestDB(t)
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))
	defer srv.Close()

	del, _, _ := seedDelivery(t, db, srv.URL, false)
	d := NewWebhook(db)
	if out := d.HandleDeliver(context.Background(), deliverTask(t, del.ID)); !out.IsDone() {
		t.Fatalf("outcome = %+v", out)
	}
	if called {
		t.Error("disabled endpoint must not be called")
	}
}

func TestDeliverMissingRowIsDone(t *testing.T) {
	db := newTestDB(t)
	d := NewWebhook(db)
	if out := d.HandleDeliver(context.Background(), deliverTask(t, "ghost")); !out.IsDone() {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestOnDeliverFailureBackoffThenDLQ(t *testing.T) {
	db := newTestDB(t)
	del, _, _ := seedDelivery(t, db, "https://unreachable.invalid", true)
	d := NewWebhook(db)
	task := deliverTask(t, del.ID)

	for attempt := 1; attempt < queue.WebhookMaxAttempts; attempt++ {
		before := time.Now()
		d.OnDeliverFailure(context.Background(), task, errors.New("webhook: status 503: upstream down"), attempt, false)

		var row domain.WebhookDelivery
		if err := db.Where("id = ?", del.ID).First(&row).Error; err != nil {
			t.Fatal(err)
		}
		if row.Status != domain.DeliveryFailed || row.Attempts != attempt {
			t.Fatalf("attempt %d: row = %s/%d", attempt, row.Status, row.Attempts)
		}
		if !strings.Contains(row.LastError, "503") {
			t.Fatalf("attempt %d: lastError = %q", attempt, row.LastError)
		}
		if row.NextRetryAt == nil {
			t.Fatalf("attempt %d: nextRetryAt missing", attempt)
		}
		wantDelay := time.Duration(1<<uint(attempt)) * time.Second
		gotDelay := row.NextRetryAt.Sub(before)
		if gotDelay < wantDelay-time.Second || gotDelay > wantDelay+time.Second {
			t.Fatalf("attempt %d: backoff = %v, want ~%v", attempt, gotDelay, wantDelay)
		}
	}

	d.OnDeliverFailure(context.Background(), task, errors.New("webhook: status 503: upstream down"), queue.WebhookMaxAttempts, true)
	var row domain.WebhookDelivery
	if err := db.Where("id = ?", del.ID).First(&row).Error; err != nil {
		t.Fatal(err)
	}
	if row.Status != domain.DeliveryDLQ || row.Attempts != queue.WebhookMaxAttempts {
		t.Fatalf("final row = %s/%d, want DLQ/%d", row.Status, row.Attempts, queue.WebhookMaxAttempts)
	}
	if row.NextRetryAt != nil {
		t.Error("DLQ rows carry no nextRetryAt")
	}
	if !strings.Contains(row.LastError, "503") {
		t.Errorf("lastError = %q", row.LastError)
	}
}
