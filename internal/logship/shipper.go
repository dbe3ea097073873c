// -------------------------------------------------------------------------------
// Request Log Shipper - Capture, Buffer, Rotate, Upload
//
// Captures individual request/response pairs, masks sensitive fields, and
// buffers them through a bounded in-memory queue onto rotating gzip temp
// files. A background loop drains the queue to disk every second and
// uploads finished files to the hub, paced by a rate limiter. A 402
// backpressure response suspends capture and discards all buffers; an
// unwritable filesystem disables the shipper for the process lifetime.
// -------------------------------------------------------------------------------

package logship

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/apitrack/apitrack-go/internal/hub"
	"github.com/apitrack/apitrack-go/internal/telemetry"
	"github.com/google/uuid"
)

// -------------------------------------------------------------------------
// CONSTANTS AND WIRE TYPES
// -------------------------------------------------------------------------

const (
	maxBodySize     = 50_000
	maxFileSize     = 1_000_000
	maxPendingItems = 100
	maxFiles        = 50

	writeInterval  = time.Second
	rotateInterval = 60 * time.Second

	// Uploads are paced to roughly ten files per sync interval.
	uploadsPerMinute = 10
)

var bodyTooLarge = []byte("<body too large>")

// Header is one header name/value pair, preserved in order.
type Header [2]string

// Request is the captured request half of a log item.
type Request struct {
	Timestamp float64  `json:"timestamp"`
	Consumer  string   `json:"consumer,omitempty"`
	Method    string   `json:"method"`
	Path      string   `json:"path,omitempty"`
	URL       string   `json:"url"`
	Headers   []Header `json:"headers"`
	Size      int64    `json:"size,omitempty"`
	Body      []byte   `json:"body,omitempty"`
}

// Response is the captured response half of a log item.
type Response struct {
	StatusCode   int      `json:"status_code"`
	ResponseTime float64  `json:"response_time"`
	Headers      []Header `json:"headers"`
	Size         int64    `json:"size,omitempty"`
	Body         []byte   `json:"body,omitempty"`
}

// Item is one NDJSON line in a log file.
type Item struct {
	UUID     string   `json:"uuid"`
	Request  Request  `json:"request"`
	Response Response `json:"response"`
}

// LogSender uploads one finished log file to the hub.
type LogSender interface {
	SendLogs(ctx context.Context, fileUUID string, body io.Reader) error
}

// -------------------------------------------------------------------------
// SHIPPER
// -------------------------------------------------------------------------

// Shipper buffers and uploads captured request logs. Safe for concurrent
// use by request handlers.
type Shipper struct {
	cfg      Config
	pat      *patterns
	sender   LogSender
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	limiter  *rate.Limiter
	disabled func() bool

	mu           sync.Mutex
	writable     bool
	suspendUntil time.Time
	pending      []Item
	current      *tempGzipFile
	currentSince time.Time
	files        []*tempGzipFile
}

// NewShipper creates a shipper for the given capture config. The disabled
// callback gates uploads without stopping local capture teardown; pass nil
// when no external kill switch exists.
func NewShipper(cfg Config, sender LogSender, disabled func() bool, metrics *telemetry.Metrics, logger *slog.Logger) (*Shipper, error) {
	pat, err := compilePatterns(cfg)
	if err != nil {
		return nil, err
	}
	if disabled == nil {
		disabled = func() bool { return false }
	}
	return &Shipper{
		cfg:      cfg,
		pat:      pat,
		sender:   sender,
		logger:   logger,
		metrics:  metrics,
		limiter:  rate.NewLimiter(rate.Limit(uploadsPerMinute)/60, uploadsPerMinute),
		disabled: disabled,
		writable: true,
	}, nil
}

// Enabled reports whether capture is currently active.
func (s *Shipper) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.writable && s.suspendUntil.IsZero()
}

// LogRequest captures one request/response pair. Excluded paths are
// dropped, sensitive fields are masked, and oversized bodies are replaced
// with a placeholder. When the queue is full the oldest item is discarded.
func (s *Shipper) LogRequest(req Request, resp Response) {
	if !s.Enabled() || matchesAny(s.pat.excludePaths, req.Path) {
		return
	}

	req.URL = s.maskURL(req.URL)
	if s.cfg.LogRequestHeaders {
		req.Headers = s.maskHeaders(req.Headers)
	} else {
		req.Headers = nil
	}
	if s.cfg.LogResponseHeaders {
		resp.Headers = s.maskHeaders(resp.Headers)
	} else {
		resp.Headers = nil
	}
	req.Body = s.prepareBody(req.Body, req.Headers, s.cfg.LogRequestBody)
	resp.Body = s.prepareBody(resp.Body, resp.Headers, s.cfg.LogResponseBody)

	item := Item{UUID: uuid.NewString(), Request: req, Response: resp}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) >= maxPendingItems {
		s.pending = s.pending[1:]
	}
	s.pending = append(s.pending, item)
}

// SuspendFor pauses capture and uploads, discarding everything buffered so
// far. Used when the hub signals backpressure.
func (s *Shipper) SuspendFor(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspendUntil = time.Now().Add(d)
	s.clearLocked()
}

// Clear discards all buffered items and files.
func (s *Shipper) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
}

func (s *Shipper) clearLocked() {
	s.pending = nil
	if s.current != nil {
		s.current.remove()
		s.current = nil
	}
	for _, f := range s.files {
		f.remove()
	}
	s.files = nil
}

// -------------------------------------------------------------------------
// BACKGROUND SERVICE
// -------------------------------------------------------------------------

// Run drains the capture queue to disk every second and uploads finished
// files. Implements the background service contract.
func (s *Shipper) Run(ctx context.Context) error {
	ticker := time.NewTicker(writeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.maintain()
			s.uploadPending(ctx, true)
		case <-ctx.Done():
			return nil
		}
	}
}

// Stop performs a final flush: buffered items are written out and a last
// upload attempt is made, bounded by ctx.
func (s *Shipper) Stop(ctx context.Context) error {
	s.maintain()
	s.mu.Lock()
	s.rotateLocked()
	s.mu.Unlock()
	s.uploadPending(ctx, false)
	return nil
}

// maintain moves queued items onto the current file and rotates it when it
// grows past the size threshold. Expired suspensions are lifted here.
func (s *Shipper) maintain() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.suspendUntil.IsZero() {
		if time.Now().Before(s.suspendUntil) {
			s.pending = nil
			return
		}
		s.suspendUntil = time.Time{}
	}
	if !s.cfg.Enabled || !s.writable {
		s.pending = nil
		return
	}

	for _, item := range s.pending {
		line, err := json.Marshal(item)
		if err != nil {
			continue
		}
		if s.current == nil {
			f, err := newTempGzipFile()
			if err != nil {
				s.logger.Error("Request log storage unavailable, disabling capture", "error", err)
				s.writable = false
				s.pending = nil
				return
			}
			s.current = f
			s.currentSince = time.Now()
		}
		if err := s.current.writeLine(line); err != nil {
			s.logger.Error("Writing request log failed, disabling capture", "error", err)
			s.writable = false
			s.pending = nil
			return
		}
	}
	s.pending = s.pending[:0]

	if s.current != nil && (s.current.size > maxFileSize || time.Since(s.currentSince) >= rotateInterval) {
		s.rotateLocked()
	}
}

// rotateLocked finishes the current file and queues it for upload, evicting
// the oldest finished file when the cap is reached.
func (s *Shipper) rotateLocked() {
	if s.current == nil || s.current.size == 0 {
		return
	}
	if err := s.current.finish(); err != nil {
		s.logger.Error("Finishing request log file failed", "error", err)
		s.current.remove()
		s.current = nil
		return
	}
	if len(s.files) >= maxFiles {
		s.files[0].remove()
		s.files = s.files[1:]
	}
	s.files = append(s.files, s.current)
	s.current = nil
}

// uploadPending ships finished files oldest first. With pacing enabled each
// upload consumes a limiter token; the final flush ignores pacing.
func (s *Shipper) uploadPending(ctx context.Context, paced bool) {
	if s.disabled() {
		return
	}
	for {
		s.mu.Lock()
		if len(s.files) == 0 || !s.suspendUntil.IsZero() {
			s.mu.Unlock()
			return
		}
		if paced && !s.limiter.Allow() {
			s.mu.Unlock()
			return
		}
		f := s.files[0]
		s.files = s.files[1:]
		s.mu.Unlock()

		if err := s.uploadFile(ctx, f); err != nil {
			var suspend *hub.SuspendError
			if errors.As(err, &suspend) {
				s.logger.Warn("Hub suspended request log uploads", "retry_after", suspend.RetryAfter)
				f.remove()
				s.SuspendFor(suspend.RetryAfter)
				return
			}
			s.logger.Warn("Request log upload failed, will retry", "file_uuid", f.uuid, "error", err)
			s.retryFileLater(f)
			return
		}
		f.remove()
		s.metrics.LogFilesUploaded.Inc()
	}
}

func (s *Shipper) uploadFile(ctx context.Context, f *tempGzipFile) error {
	body, err := f.reader()
	if err != nil {
		return err
	}
	defer body.Close()
	return s.sender.SendLogs(ctx, f.uuid, body)
}

func (s *Shipper) retryFileLater(f *tempGzipFile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.files) >= maxFiles {
		f.remove()
		return
	}
	s.files = append(s.files, f)
}

// -------------------------------------------------------------------------
// MASKING
// -------------------------------------------------------------------------

func (s *Shipper) maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if !s.cfg.LogQueryParams {
		u.RawQuery = ""
		return u.String()
	}
	q := u.Query()
	changed := false
	for name := range q {
		if matchesAny(s.pat.maskQueryParams, name) {
			q.Set(name, Masked)
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (s *Shipper) maskHeaders(headers []Header) []Header {
	out := make([]Header, 0, len(headers))
	for _, h := range headers {
		if matchesAny(s.pat.maskHeaders, h[0]) {
			out = append(out, Header{h[0], Masked})
		} else {
			out = append(out, h)
		}
	}
	return out
}

// prepareBody applies the capture flag, the size cap, and JSON field
// masking in that order.
func (s *Shipper) prepareBody(body []byte, headers []Header, capture bool) []byte {
	if !capture || body == nil {
		return nil
	}
	if !jsonOrTextContent(headers) {
		return nil
	}
	if len(body) > maxBodySize {
		return bodyTooLarge
	}
	return s.maskJSONBody(body)
}

// maskJSONBody masks matching fields in a JSON object body. Non-JSON
// bodies pass through unchanged.
func (s *Shipper) maskJSONBody(body []byte) []byte {
	if len(s.pat.maskBodyFields) == 0 {
		return body
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return body
	}
	if !s.maskFields(doc) {
		return body
	}
	masked, err := json.Marshal(doc)
	if err != nil {
		return body
	}
	return masked
}

func (s *Shipper) maskFields(doc map[string]any) bool {
	changed := false
	for name, val := range doc {
		if matchesAny(s.pat.maskBodyFields, name) {
			doc[name] = Masked
			changed = true
			continue
		}
		if nested, ok := val.(map[string]any); ok {
			if s.maskFields(nested) {
				changed = true
			}
		}
	}
	return changed
}

func jsonOrTextContent(headers []Header) bool {
	for _, h := range headers {
		if !strings.EqualFold(h[0], "Content-Type") {
			continue
		}
		ct := strings.ToLower(h[1])
		return strings.Contains(ct, "json") || strings.HasPrefix(ct, "text/")
	}
	// No headers captured; assume the caller only passes supported bodies.
	return true
}
