// -------------------------------------------------------------------------------
// Server Error Counter Tests
//
// Covers truncation limits, aggregation by error identity, and the
// best-effort event id poller.
// -------------------------------------------------------------------------------

package metrics

import (
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestAddServerError_AggregatesByIdentity(t *testing.T) {
	c := NewServerErrorCounter()
	err := errors.New("connection refused")
	c.AddServerError("tester", "get", "/items", err, []byte("goroutine 1 [running]:\nmain.handler()\n"))
	c.AddServerError("tester", "GET", "/items", err, []byte("goroutine 1 [running]:\nmain.handler()\n"))

	items := c.GetAndResetServerErrors()
	if len(items) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(items))
	}
	if items[0].ErrorCount != 2 {
		t.Errorf("expected error_count 2, got %d", items[0].ErrorCount)
	}
	if items[0].Type != "*errors.errorString" {
		t.Errorf("unexpected type %q", items[0].Type)
	}
	if items[0].Method != "GET" {
		t.Errorf("method should be uppercased, got %q", items[0].Method)
	}
}

func TestAddServerError_NilErrorIgnored(t *testing.T) {
	c := NewServerErrorCounter()
	c.AddServerError("", "GET", "/", nil, nil)
	if got := len(c.GetAndResetServerErrors()); got != 0 {
		t.Errorf("nil error produced %d entries, want 0", got)
	}
}

func TestTruncateErrorMsg(t *testing.T) {
	short := "boom"
	if got := TruncateErrorMsg(short); got != short {
		t.Errorf("short message altered: %q", got)
	}

	long := strings.Repeat("x", 5000)
	got := TruncateErrorMsg(long)
	if len(got) != maxErrorMsgLength {
		t.Errorf("truncated message length %d, want %d", len(got), maxErrorMsgLength)
	}
	if !strings.HasSuffix(got, "... (truncated)") {
		t.Errorf("truncated message missing marker: %q", got[len(got)-20:])
	}
}

func TestTruncateStackTrace_KeepsMostRecentFrames(t *testing.T) {
	var b strings.Builder
	b.WriteString("goroutine 1 [running]:\n")
	b.WriteString("recent.frame()\n\t/app/recent.go:1 +0x10\n")
	for b.Len() < maxStackTraceLength+1000 {
		b.WriteString("old.frame()\n\t/app/old.go:99 +0x20\n")
	}

	got := TruncateStackTrace(b.String())
	if len(got) > maxStackTraceLength {
		t.Errorf("truncated stack length %d exceeds limit %d", len(got), maxStackTraceLength)
	}
	if !strings.Contains(got, "recent.frame()") {
		t.Error("most recent frame was dropped by truncation")
	}
	if !strings.HasSuffix(got, "... (truncated) ...") {
		t.Error("truncated stack missing marker")
	}
}

func TestCaptureEventID_ResolvedImmediately(t *testing.T) {
	c := NewServerErrorCounter()
	c.Resolver = func() (string, bool) { return "evt-1", true }

	c.AddServerError("", "GET", "/", errors.New("boom"), nil)
	items := c.GetAndResetServerErrors()
	if len(items) != 1 || items[0].EventID != "evt-1" {
		t.Fatalf("expected event id evt-1, got %+v", items)
	}
}

func TestCaptureEventID_ResolvedByPoller(t *testing.T) {
	var calls atomic.Int64
	c := NewServerErrorCounter()
	c.Resolver = func() (string, bool) {
		if calls.Add(1) > 3 {
			return "evt-2", true
		}
		return "", false
	}

	c.AddServerError("", "GET", "/", errors.New("boom"), nil)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		n := len(c.eventIDs)
		c.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	items := c.GetAndResetServerErrors()
	if len(items) != 1 || items[0].EventID != "evt-2" {
		t.Fatalf("expected event id evt-2, got %+v", items)
	}
}

func TestCaptureEventID_LateResultAfterDrainDropped(t *testing.T) {
	release := make(chan struct{})
	c := NewServerErrorCounter()
	c.Resolver = func() (string, bool) {
		select {
		case <-release:
			return "late", true
		default:
			return "", false
		}
	}

	c.AddServerError("", "GET", "/", errors.New("boom"), nil)
	items := c.GetAndResetServerErrors()
	if len(items) != 1 || items[0].EventID != "" {
		t.Fatalf("expected no event id before resolution, got %+v", items)
	}

	close(release)
	time.Sleep(20 * time.Millisecond)

	// A late event id must not resurrect drained state.
	if got := len(c.GetAndResetServerErrors()); got != 0 {
		t.Errorf("late event id created %d entries after drain", got)
	}
}
