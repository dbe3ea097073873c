// -------------------------------------------------------------------------------
// Consumer Identity
//
// Public consumer type and the resolver hook hosts use to attribute
// requests to API consumers from their own request context.
// -------------------------------------------------------------------------------

package apitrack

import (
	"context"

	"github.com/apitrack/apitrack-go/internal/metrics"
)

// Consumer attributes recorded metrics to an API consumer. Name and Group
// are optional display metadata.
type Consumer = metrics.Consumer

// NewConsumer creates a consumer from a bare identifier. Returns nil for a
// blank identifier, which the recording API accepts as "unattributed".
func NewConsumer(identifier string) *Consumer {
	return metrics.NewConsumer(identifier)
}

// ConsumerResolver derives the consumer for a request from the host's
// request context. Returning nil leaves the request unattributed.
type ConsumerResolver func(ctx context.Context) *Consumer

func consumerIdentifier(c *Consumer) string {
	return c.TrimmedIdentifier()
}
