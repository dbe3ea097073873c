// -------------------------------------------------------------------------------
// Request Log Shipper Tests
//
// Covers capture and masking rules, path exclusion, file rotation and
// upload, backpressure suspension, and the bounded pending queue.
// -------------------------------------------------------------------------------

package logship

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/apitrack/apitrack-go/internal/telemetry"
	"github.com/klauspost/compress/gzip"
)

// -------------------------------------------------------------------------
// TEST HELPERS
// -------------------------------------------------------------------------

type captureSender struct {
	mu      sync.Mutex
	uploads []uploadedFile
	err     error
}

type uploadedFile struct {
	uuid  string
	items []Item
}

func (c *captureSender) SendLogs(_ context.Context, fileUUID string, body io.Reader) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	gz, err := gzip.NewReader(body)
	if err != nil {
		return err
	}
	var items []Item
	dec := json.NewDecoder(gz)
	for dec.More() {
		var item Item
		if err := dec.Decode(&item); err != nil {
			return err
		}
		items = append(items, item)
	}
	c.uploads = append(c.uploads, uploadedFile{uuid: fileUUID, items: items})
	return nil
}

func (c *captureSender) allItems() []Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Item
	for _, u := range c.uploads {
		out = append(out, u.items...)
	}
	return out
}

func newTestShipper(t *testing.T, cfg Config, sender LogSender) *Shipper {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := NewShipper(cfg, sender, nil, telemetry.New(nil), logger)
	if err != nil {
		t.Fatalf("NewShipper: %v", err)
	}
	t.Cleanup(s.Clear)
	return s
}

func flush(t *testing.T, s *Shipper) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

// -------------------------------------------------------------------------
// TESTS
// -------------------------------------------------------------------------

func TestShipper_CaptureAndUpload(t *testing.T) {
	sender := &captureSender{}
	s := newTestShipper(t, DefaultConfig(), sender)

	s.LogRequest(
		Request{Method: "GET", Path: "/items", URL: "https://api.example.com/items"},
		Response{StatusCode: 200, ResponseTime: 0.05},
	)
	flush(t, s)

	items := sender.allItems()
	if len(items) != 1 {
		t.Fatalf("expected 1 uploaded item, got %d", len(items))
	}
	if items[0].UUID == "" {
		t.Error("item must carry a uuid")
	}
	if items[0].Request.Method != "GET" || items[0].Response.StatusCode != 200 {
		t.Errorf("unexpected item %+v", items[0])
	}
}

func TestShipper_ExcludesHealthPaths(t *testing.T) {
	sender := &captureSender{}
	s := newTestShipper(t, DefaultConfig(), sender)

	for _, path := range []string{"/healthz", "/api/health", "/ping"} {
		s.LogRequest(
			Request{Method: "GET", Path: path, URL: "https://api.example.com" + path},
			Response{StatusCode: 200},
		)
	}
	s.LogRequest(
		Request{Method: "GET", Path: "/items", URL: "https://api.example.com/items"},
		Response{StatusCode: 200},
	)
	flush(t, s)

	items := sender.allItems()
	if len(items) != 1 || items[0].Request.Path != "/items" {
		t.Errorf("expected only /items to survive exclusion, got %+v", items)
	}
}

func TestShipper_MasksQueryParams(t *testing.T) {
	sender := &captureSender{}
	s := newTestShipper(t, DefaultConfig(), sender)

	s.LogRequest(
		Request{Method: "GET", Path: "/items", URL: "https://api.example.com/items?page=2&api_key=hunter2"},
		Response{StatusCode: 200},
	)
	flush(t, s)

	items := sender.allItems()
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	u := items[0].Request.URL
	if strings.Contains(u, "hunter2") {
		t.Errorf("api_key value leaked: %s", u)
	}
	if !strings.Contains(u, "page=2") {
		t.Errorf("non-sensitive param must survive: %s", u)
	}
}

func TestDefaultMaskPatterns_KeyNameVariants(t *testing.T) {
	p, err := compilePatterns(DefaultConfig())
	if err != nil {
		t.Fatalf("compilePatterns: %v", err)
	}
	for _, name := range []string{"api_key", "api-key", "apikey", "X-API-Key", "auth_token", "password"} {
		if !matchesAny(p.maskQueryParams, name) {
			t.Errorf("default patterns must mask %q", name)
		}
	}
	if matchesAny(p.maskQueryParams, "page") {
		t.Error("default patterns must not mask plain parameter names")
	}
}

func TestShipper_MasksHeadersAndBodyFields(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogRequestHeaders = true
	cfg.LogRequestBody = true
	sender := &captureSender{}
	s := newTestShipper(t, cfg, sender)

	s.LogRequest(
		Request{
			Method: "POST",
			Path:   "/login",
			URL:    "https://api.example.com/login",
			Headers: []Header{
				{"Content-Type", "application/json"},
				{"Authorization", "Bearer secret"},
			},
			Body: []byte(`{"user":"bob","password":"hunter2"}`),
		},
		Response{StatusCode: 200},
	)
	flush(t, s)

	items := sender.allItems()
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	for _, h := range items[0].Request.Headers {
		if h[0] == "Authorization" && h[1] != Masked {
			t.Errorf("Authorization header not masked: %q", h[1])
		}
	}
	var body map[string]any
	if err := json.Unmarshal(items[0].Request.Body, &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["password"] != Masked {
		t.Errorf("password field not masked: %v", body["password"])
	}
	if body["user"] != "bob" {
		t.Errorf("non-sensitive field mangled: %v", body["user"])
	}
}

func TestShipper_OversizedBodyReplaced(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogRequestBody = true
	sender := &captureSender{}
	s := newTestShipper(t, cfg, sender)

	s.LogRequest(
		Request{
			Method:  "POST",
			Path:    "/bulk",
			URL:     "https://api.example.com/bulk",
			Headers: []Header{{"Content-Type", "application/json"}},
			Body:    []byte(strings.Repeat("x", maxBodySize+1)),
		},
		Response{StatusCode: 200},
	)
	flush(t, s)

	items := sender.allItems()
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if string(items[0].Request.Body) != string(bodyTooLarge) {
		t.Errorf("oversized body not replaced, got %d bytes", len(items[0].Request.Body))
	}
}

func TestShipper_SuspendDiscardsBuffers(t *testing.T) {
	sender := &captureSender{}
	s := newTestShipper(t, DefaultConfig(), sender)

	s.LogRequest(
		Request{Method: "GET", Path: "/items", URL: "https://api.example.com/items"},
		Response{StatusCode: 200},
	)
	s.SuspendFor(time.Hour)

	if s.Enabled() {
		t.Error("shipper must report disabled while suspended")
	}
	s.LogRequest(
		Request{Method: "GET", Path: "/more", URL: "https://api.example.com/more"},
		Response{StatusCode: 200},
	)
	flush(t, s)

	if items := sender.allItems(); len(items) != 0 {
		t.Errorf("suspension must discard all buffered items, got %+v", items)
	}
}

func TestShipper_PendingQueueBounded(t *testing.T) {
	sender := &captureSender{}
	s := newTestShipper(t, DefaultConfig(), sender)

	for i := range maxPendingItems + 20 {
		s.LogRequest(
			Request{Method: "GET", Path: "/items", URL: "https://api.example.com/items", Size: int64(i)},
			Response{StatusCode: 200},
		)
	}
	flush(t, s)

	items := sender.allItems()
	if len(items) != maxPendingItems {
		t.Fatalf("expected queue capped at %d, got %d", maxPendingItems, len(items))
	}
	// Oldest items are evicted first
	if items[0].Request.Size != 20 {
		t.Errorf("expected oldest surviving item to be #20, got %d", items[0].Request.Size)
	}
}

func TestShipper_DisabledConfigCapturesNothing(t *testing.T) {
	sender := &captureSender{}
	s := newTestShipper(t, Config{}, sender)

	s.LogRequest(
		Request{Method: "GET", Path: "/items", URL: "https://api.example.com/items"},
		Response{StatusCode: 200},
	)
	flush(t, s)

	if items := sender.allItems(); len(items) != 0 {
		t.Errorf("disabled shipper must not capture, got %+v", items)
	}
}
