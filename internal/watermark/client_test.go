package watermark

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// testPNG returns a tiny valid PNG image.
func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func newTestClient(server *httptest.Server) *Client {
	c := NewClient(Options{
		Endpoint:   server.URL + "/watermark",
		OverlayURL: "https://example.com/mark.png",
		Position:   "center",
	})
	c.httpClient = server.Client()
	return c
}

func TestApply_Success(t *testing.T) {
	want := testPNG(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		if r.URL.Path != "/watermark" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("mainImageUrl") != "https://files.example.com/photo.jpg" {
			t.Errorf("unexpected mainImageUrl: %s", q.Get("mainImageUrl"))
		}
		if q.Get("markImageUrl") != "https://example.com/mark.png" {
			t.Errorf("unexpected markImageUrl: %s", q.Get("markImageUrl"))
		}
		if q.Get("markRatio") != "0.35" {
			t.Errorf("unexpected markRatio: %s", q.Get("markRatio"))
		}
		if q.Get("position") != "center" {
			t.Errorf("unexpected position: %s", q.Get("position"))
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(want)
	}))
	defer server.Close()

	got, err := newTestClient(server).Apply(context.Background(), "https://files.example.com/photo.jpg", 0.35)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("returned bytes differ from rendered image")
	}
}

func TestApply_NonSuccessStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream image unreachable", http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := newTestClient(server).Apply(context.Background(), "https://x", 0.5)
	if !errors.Is(err, ErrRender) {
		t.Fatalf("expected ErrRender, got %v", err)
	}
	var re *RenderError
	if !errors.As(err, &re) || re.StatusCode != http.StatusBadGateway {
		t.Errorf("expected RenderError with status 502, got %#v", err)
	}
}

func TestApply_MalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"not an image"}`))
	}))
	defer server.Close()

	_, err := newTestClient(server).Apply(context.Background(), "https://x", 0.5)
	if !errors.Is(err, ErrRender) {
		t.Fatalf("expected ErrRender for malformed body, got %v", err)
	}
}

func TestApply_EmptyBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	_, err := newTestClient(server).Apply(context.Background(), "https://x", 0.5)
	if !errors.Is(err, ErrRender) {
		t.Fatalf("expected ErrRender for empty body, got %v", err)
	}
}

func TestApply_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	c := newTestClient(server)
	c.httpClient.Timeout = 50 * time.Millisecond

	_, err := c.Apply(context.Background(), "https://x", 0.5)
	if !errors.Is(err, ErrRender) {
		t.Fatalf("expected ErrRender on timeout, got %v", err)
	}
}

func TestApply_TransportErrorOmitsSourceURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	c := newTestClient(server)
	c.httpClient.Timeout = 50 * time.Millisecond

	source := "https://api.telegram.org/file/bot123456:SECRETtoken/photos/file_1.jpg"
	_, err := c.Apply(context.Background(), source, 0.5)
	if !errors.Is(err, ErrRender) {
		t.Fatalf("expected ErrRender, got %v", err)
	}
	for _, secret := range []string{"SECRETtoken", "bot123456", "mainImageUrl"} {
		if strings.Contains(err.Error(), secret) {
			t.Fatalf("error message exposes %q: %v", secret, err)
		}
	}
}

func TestApply_CanceledContextOmitsSourceURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestClient(server).Apply(ctx, "https://api.telegram.org/file/bot1:SECRETtoken/a.jpg", 0.5)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if strings.Contains(err.Error(), "SECRETtoken") {
		t.Fatalf("error message exposes the bot token: %v", err)
	}
}

func TestRenderError_Message(t *testing.T) {
	err := &RenderError{StatusCode: 500, Reason: "unexpected status", Err: errors.New("boom")}
	want := "watermark render failed: unexpected status (status 500): boom"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}
