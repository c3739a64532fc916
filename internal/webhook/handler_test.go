package webhook

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fpang/watermark-relay/internal/telegram"
)

const testSecret = "my_test_webhook_secret"

type recordingDispatcher struct {
	updates []telegram.Update
}

func (d *recordingDispatcher) Dispatch(u telegram.Update) {
	d.updates = append(d.updates, u)
}

func newTestHandler() (*Handler, *recordingDispatcher) {
	d := &recordingDispatcher{}
	return NewHandler(testSecret, d), d
}

func TestWebhook_ValidUpdate(t *testing.T) {
	h, d := newTestHandler()
	payload := `{"update_id":100,"message":{"message_id":5,"chat":{"id":7,"type":"private"},"date":1,"text":"/stats"}}`

	req := httptest.NewRequest(http.MethodPost, "/telegram/webhook", strings.NewReader(payload))
	req.Header.Set(SecretHeader, testSecret)
	rr := httptest.NewRecorder()

	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	if len(d.updates) != 1 {
		t.Fatalf("expected 1 dispatched update, got %d", len(d.updates))
	}
	if d.updates[0].UpdateID != 100 || d.updates[0].Message.Text != "/stats" {
		t.Errorf("unexpected update: %+v", d.updates[0])
	}
}

func TestWebhook_InvalidSecret(t *testing.T) {
	h, d := newTestHandler()
	req := httptest.NewRequest(http.MethodPost, "/telegram/webhook", strings.NewReader(`{"update_id":1}`))
	req.Header.Set(SecretHeader, "wrong")
	rr := httptest.NewRecorder()

	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Errorf("expected status 403, got %d", rr.Code)
	}
	if len(d.updates) != 0 {
		t.Error("update must not be dispatched with a bad secret")
	}
}

func TestWebhook_MissingSecret(t *testing.T) {
	h, _ := newTestHandler()
	req := httptest.NewRequest(http.MethodPost, "/telegram/webhook", strings.NewReader(`{"update_id":1}`))
	rr := httptest.NewRecorder()

	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Errorf("expected status 403, got %d", rr.Code)
	}
}

func TestWebhook_EmptySecretConfigured(t *testing.T) {
	h := NewHandler("", &recordingDispatcher{})
	req := httptest.NewRequest(http.MethodPost, "/telegram/webhook", strings.NewReader(`{"update_id":1}`))
	req.Header.Set(SecretHeader, "")
	rr := httptest.NewRecorder()

	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Errorf("expected status 403 when no secret is configured, got %d", rr.Code)
	}
}

func TestWebhook_EmptyBody(t *testing.T) {
	h, _ := newTestHandler()
	req := httptest.NewRequest(http.MethodPost, "/telegram/webhook", strings.NewReader(""))
	req.Header.Set(SecretHeader, testSecret)
	rr := httptest.NewRecorder()

	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rr.Code)
	}
}

func TestWebhook_InvalidJSON(t *testing.T) {
	h, _ := newTestHandler()
	req := httptest.NewRequest(http.MethodPost, "/telegram/webhook", strings.NewReader("{not json"))
	req.Header.Set(SecretHeader, testSecret)
	rr := httptest.NewRecorder()

	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rr.Code)
	}
}

func TestWebhook_MethodNotAllowed(t *testing.T) {
	h, _ := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/telegram/webhook", nil)
	rr := httptest.NewRecorder()

	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status 405, got %d", rr.Code)
	}
}
