// -------------------------------------------------------------------------------
// Consumer Registry - API Consumer Identity Tracking
//
// Tracks identified API consumers and the display metadata (name, group)
// attached to them. Only consumers carrying a name or group are stored, and
// a consumer is marked dirty only when its metadata actually changes, so the
// periodic sync ships deltas instead of the full registry.
// -------------------------------------------------------------------------------

package metrics

import (
	"strings"
	"sync"
)

const (
	maxConsumerIdentifierLength = 128
	maxConsumerFieldLength      = 64
)

// Consumer identifies a caller of the monitored API.
type Consumer struct {
	Identifier string
	Name       string
	Group      string
}

// NewConsumer creates a consumer from a bare identifier. Returns nil for
// blank identifiers so callers can pass the result straight through.
func NewConsumer(identifier string) *Consumer {
	identifier = truncate(strings.TrimSpace(identifier), maxConsumerIdentifierLength)
	if identifier == "" {
		return nil
	}
	return &Consumer{Identifier: identifier}
}

// TrimmedIdentifier returns the identifier trimmed and capped to the
// aggregation key limit. Safe on a nil consumer. Aggregation keys must use
// this form so they line up with what the registry stores.
func (c *Consumer) TrimmedIdentifier() string {
	if c == nil {
		return ""
	}
	return truncate(strings.TrimSpace(c.Identifier), maxConsumerIdentifierLength)
}

// normalized returns a copy with all fields trimmed and length-limited.
func (c Consumer) normalized() Consumer {
	return Consumer{
		Identifier: truncate(strings.TrimSpace(c.Identifier), maxConsumerIdentifierLength),
		Name:       truncate(strings.TrimSpace(c.Name), maxConsumerFieldLength),
		Group:      truncate(strings.TrimSpace(c.Group), maxConsumerFieldLength),
	}
}

// ConsumerItem is one drained registry entry.
type ConsumerItem struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name,omitempty"`
	Group      string `json:"group,omitempty"`
}

// ConsumerRegistry holds consumer metadata for the process lifetime.
// Entries never expire; the registry only grows with distinct consumers
// that carry metadata.
type ConsumerRegistry struct {
	mu        sync.Mutex
	consumers map[string]Consumer
	updated   map[string]struct{}
}

// NewConsumerRegistry creates an empty consumer registry.
func NewConsumerRegistry() *ConsumerRegistry {
	return &ConsumerRegistry{
		consumers: make(map[string]Consumer),
		updated:   make(map[string]struct{}),
	}
}

// AddOrUpdateConsumer registers a consumer or updates its metadata.
// Consumers without a name or group are ignored. The dirty flag is set only
// on first registration or when a non-empty field actually changes.
func (r *ConsumerRegistry) AddOrUpdateConsumer(consumer *Consumer) {
	if consumer == nil {
		return
	}
	c := consumer.normalized()
	if c.Identifier == "" || (c.Name == "" && c.Group == "") {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.consumers[c.Identifier]
	if !ok {
		r.consumers[c.Identifier] = c
		r.updated[c.Identifier] = struct{}{}
		return
	}

	changed := false
	if c.Name != "" && c.Name != existing.Name {
		existing.Name = c.Name
		changed = true
	}
	if c.Group != "" && c.Group != existing.Group {
		existing.Group = c.Group
		changed = true
	}
	if changed {
		r.consumers[c.Identifier] = existing
		r.updated[c.Identifier] = struct{}{}
	}
}

// GetAndResetUpdatedConsumers drains the set of consumers whose metadata
// changed since the last call.
func (r *ConsumerRegistry) GetAndResetUpdatedConsumers() []ConsumerItem {
	r.mu.Lock()
	defer r.mu.Unlock()

	items := make([]ConsumerItem, 0, len(r.updated))
	for identifier := range r.updated {
		if c, ok := r.consumers[identifier]; ok {
			items = append(items, ConsumerItem{
				Identifier: c.Identifier,
				Name:       c.Name,
				Group:      c.Group,
			})
		}
	}
	r.updated = make(map[string]struct{})
	return items
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}
