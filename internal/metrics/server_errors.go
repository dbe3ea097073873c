// -------------------------------------------------------------------------------
// Server Error Counter - Unhandled Error Aggregation
//
// Counts unhandled errors keyed by (consumer, method, path, error type,
// message, stack trace). Messages and stack traces are truncated to fixed
// limits before keying. An optional error-tracking event id (e.g. from a
// crash reporter) is resolved by a detached best-effort poller that never
// delays the request path; a result arriving after the drain is dropped.
// -------------------------------------------------------------------------------

package metrics

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	maxErrorMsgLength   = 2048
	maxStackTraceLength = 65536

	eventIDMaxPolls     = 100
	eventIDPollInterval = time.Millisecond
)

// EventIDResolver returns the event id of the most recently captured error
// in an external error tracker, if one is available yet.
type EventIDResolver func() (string, bool)

// ServerErrorKey identifies one aggregation bucket for server errors.
type ServerErrorKey struct {
	Consumer   string
	Method     string
	Path       string
	Type       string
	Msg        string
	StackTrace string
}

// ServerErrorsItem is one drained aggregation entry.
type ServerErrorsItem struct {
	Consumer   string `json:"consumer,omitempty"`
	Method     string `json:"method"`
	Path       string `json:"path"`
	Type       string `json:"type"`
	Msg        string `json:"msg"`
	StackTrace string `json:"traceback"`
	EventID    string `json:"sentry_event_id,omitempty"`
	ErrorCount int64  `json:"error_count"`
}

// ServerErrorCounter accumulates unhandled errors between syncs.
type ServerErrorCounter struct {
	mu       sync.Mutex
	counts   map[ServerErrorKey]int64
	eventIDs map[ServerErrorKey]string

	// Resolver is consulted after each recorded error to correlate it with
	// an external error-tracking event. Optional.
	Resolver EventIDResolver
}

// NewServerErrorCounter creates an empty server error counter.
func NewServerErrorCounter() *ServerErrorCounter {
	return &ServerErrorCounter{
		counts:   make(map[ServerErrorKey]int64),
		eventIDs: make(map[ServerErrorKey]string),
	}
}

// AddServerError records one unhandled error. The stack is typically the
// output of debug.Stack() captured at the recovery site; it may be nil.
func (c *ServerErrorCounter) AddServerError(consumer, method, path string, err error, stack []byte) {
	if err == nil {
		return
	}
	key := ServerErrorKey{
		Consumer:   consumer,
		Method:     strings.ToUpper(method),
		Path:       path,
		Type:       fmt.Sprintf("%T", err),
		Msg:        TruncateErrorMsg(err.Error()),
		StackTrace: TruncateStackTrace(string(stack)),
	}

	c.mu.Lock()
	c.counts[key]++
	c.mu.Unlock()

	c.captureEventID(key)
}

// captureEventID spawns a detached poller for the external event id. The
// poller gives up after eventIDMaxPolls attempts, and its result is only
// kept if the entry has not been drained in the meantime.
func (c *ServerErrorCounter) captureEventID(key ServerErrorKey) {
	resolver := c.Resolver
	if resolver == nil {
		return
	}
	if eventID, ok := resolver(); ok {
		c.setEventID(key, eventID)
		return
	}
	go func() {
		for i := 0; i < eventIDMaxPolls; i++ {
			time.Sleep(eventIDPollInterval)
			if eventID, ok := resolver(); ok {
				c.setEventID(key, eventID)
				return
			}
		}
	}()
}

func (c *ServerErrorCounter) setEventID(key ServerErrorKey, eventID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.counts[key]; ok {
		c.eventIDs[key] = eventID
	}
}

// GetAndResetServerErrors atomically drains all accumulated entries.
func (c *ServerErrorCounter) GetAndResetServerErrors() []ServerErrorsItem {
	c.mu.Lock()
	defer c.mu.Unlock()

	items := make([]ServerErrorsItem, 0, len(c.counts))
	for key, count := range c.counts {
		items = append(items, ServerErrorsItem{
			Consumer:   key.Consumer,
			Method:     key.Method,
			Path:       key.Path,
			Type:       key.Type,
			Msg:        key.Msg,
			StackTrace: key.StackTrace,
			EventID:    c.eventIDs[key],
			ErrorCount: count,
		})
	}
	c.counts = make(map[ServerErrorKey]int64)
	c.eventIDs = make(map[ServerErrorKey]string)
	return items
}

// TruncateErrorMsg trims an error message to maxErrorMsgLength, marking the
// cut point.
func TruncateErrorMsg(msg string) string {
	msg = strings.TrimSpace(msg)
	if len(msg) <= maxErrorMsgLength {
		return msg
	}
	const suffix = "... (truncated)"
	return msg[:maxErrorMsgLength-len(suffix)] + suffix
}

// TruncateStackTrace trims a stack trace to maxStackTraceLength. Go stacks
// list the most recent frame first, so whole lines are kept from the top
// and the tail is cut.
func TruncateStackTrace(stack string) string {
	stack = strings.TrimSpace(stack)
	if len(stack) <= maxStackTraceLength {
		return stack
	}
	const marker = "\n... (truncated) ..."
	cutoff := maxStackTraceLength - len(marker)

	var b strings.Builder
	for _, line := range strings.SplitAfter(stack, "\n") {
		if b.Len()+len(line) > cutoff {
			break
		}
		b.WriteString(line)
	}
	return strings.TrimRight(b.String(), "\n") + marker
}
