// -------------------------------------------------------------------------------
// Validation Error Counter - Request Validation Failure Aggregation
//
// Counts request validation failures keyed by (consumer, method, path, error
// location, error type, message). Malformed detail items are skipped
// individually so one bad entry never aborts aggregation of the rest.
// -------------------------------------------------------------------------------

package metrics

import (
	"strings"
	"sync"
)

// ValidationErrorDetail is one validation failure as reported by the
// integration layer, mirroring the common {loc, msg, type} error shape.
type ValidationErrorDetail struct {
	Loc  []string `json:"loc"`
	Msg  string   `json:"msg"`
	Type string   `json:"type"`
}

// ValidationErrorsItem is one drained aggregation entry.
type ValidationErrorsItem struct {
	Consumer   string   `json:"consumer,omitempty"`
	Method     string   `json:"method"`
	Path       string   `json:"path"`
	Loc        []string `json:"loc"`
	Msg        string   `json:"msg"`
	Type       string   `json:"type"`
	ErrorCount int64    `json:"error_count"`
}

type validationErrorKey struct {
	consumer string
	method   string
	path     string
	loc      string
	msg      string
	typ      string
}

type validationErrorEntry struct {
	loc   []string
	count int64
}

// ValidationErrorCounter accumulates validation failures between syncs.
type ValidationErrorCounter struct {
	mu     sync.Mutex
	errors map[validationErrorKey]*validationErrorEntry
}

// NewValidationErrorCounter creates an empty validation error counter.
func NewValidationErrorCounter() *ValidationErrorCounter {
	return &ValidationErrorCounter{errors: make(map[validationErrorKey]*validationErrorEntry)}
}

// AddValidationErrors records a batch of validation failures for one request.
// Items with no location and no message are considered malformed and skipped.
func (c *ValidationErrorCounter) AddValidationErrors(consumer, method, path string, details []ValidationErrorDetail) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, d := range details {
		if len(d.Loc) == 0 && d.Msg == "" {
			continue
		}
		key := validationErrorKey{
			consumer: consumer,
			method:   strings.ToUpper(method),
			path:     path,
			loc:      strings.Join(d.Loc, "\x1f"),
			msg:      d.Msg,
			typ:      d.Type,
		}
		entry, ok := c.errors[key]
		if !ok {
			entry = &validationErrorEntry{loc: append([]string(nil), d.Loc...)}
			c.errors[key] = entry
		}
		entry.count++
	}
}

// GetAndResetValidationErrors atomically drains all accumulated entries.
func (c *ValidationErrorCounter) GetAndResetValidationErrors() []ValidationErrorsItem {
	c.mu.Lock()
	defer c.mu.Unlock()

	items := make([]ValidationErrorsItem, 0, len(c.errors))
	for key, entry := range c.errors {
		items = append(items, ValidationErrorsItem{
			Consumer:   key.consumer,
			Method:     key.method,
			Path:       key.path,
			Loc:        entry.loc,
			Msg:        key.msg,
			Type:       key.typ,
			ErrorCount: entry.count,
		})
	}
	c.errors = make(map[validationErrorKey]*validationErrorEntry)
	return items
}
