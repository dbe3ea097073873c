// -------------------------------------------------------------------------------
// Hub Client - HTTP Transport with Bounded Retry
//
// HTTP client for the hub's startup, sync, and log endpoints. JSON payloads
// are retried with exponential backoff (3 attempts, each failure logged);
// protocol responses get special handling: 404 marks the client id as
// permanently invalid, 422 is logged and swallowed, 402 on the log endpoint
// carries a Retry-After backpressure signal. Log uploads stream a file body
// and are never retried at this level.
// -------------------------------------------------------------------------------

package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Version is the hub API version segment in request paths.
const Version = "v2"

const maxSendAttempts = 3

// ErrInvalidClientID reports a 404 from the hub, meaning the client id is
// not known and the sync engine must disable itself.
var ErrInvalidClientID = errors.New("invalid client id")

// SuspendError reports a 402 backpressure response from the log endpoint.
// The caller must suspend log shipping for RetryAfter and discard buffers.
type SuspendError struct {
	RetryAfter time.Duration
}

func (e *SuspendError) Error() string {
	return fmt.Sprintf("log shipping suspended for %s", e.RetryAfter)
}

// Client talks to one hub endpoint for one (client id, env) pair.
type Client struct {
	baseURL string
	httpc   *http.Client
	logger  *slog.Logger
}

// NewClient creates a hub client. The base URL is
// {hubBaseURL}/{version}/{clientID}/{env}.
func NewClient(hubBaseURL, clientID, env string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL: fmt.Sprintf("%s/%s/%s/%s", hubBaseURL, Version, clientID, env),
		httpc:   &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// SendStartup posts the application descriptor envelope.
func (c *Client) SendStartup(ctx context.Context, payload *StartupPayload) (*SyncResponse, error) {
	c.logger.Debug("Sending startup data to hub")
	return c.postJSON(ctx, "/startup", payload)
}

// SendSync posts one sync envelope.
func (c *Client) SendSync(ctx context.Context, payload *SyncPayload) (*SyncResponse, error) {
	c.logger.Debug("Synchronizing data with hub")
	return c.postJSON(ctx, "/sync", payload)
}

// SendLogs streams one compressed request log file. No transport retry:
// the caller re-queues the file on failure.
func (c *Client) SendLogs(ctx context.Context, fileUUID string, body io.Reader) error {
	c.logger.Debug("Streaming request log data to hub", "file_uuid", fileUUID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/log?uuid="+fileUUID, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Encoding", "gzip")

	res, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusPaymentRequired {
		if secs, err := strconv.Atoi(res.Header.Get("Retry-After")); err == nil {
			return &SuspendError{RetryAfter: time.Duration(secs) * time.Second}
		}
	}
	return c.handleResponse(res, nil)
}

// postJSON sends a JSON payload with exponential backoff, up to
// maxSendAttempts attempts. Protocol errors (404, 422) are never retried.
func (c *Client) postJSON(ctx context.Context, endpoint string, payload any) (*SyncResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", endpoint, err)
	}

	var syncResp *SyncResponse
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		res, err := c.httpc.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		return c.handleResponse(res, &syncResp)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxSendAttempts-1), ctx)
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("Hub request failed, backing off",
			"endpoint", endpoint,
			"error", err,
			"retry_in", wait,
		)
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, err
	}
	return syncResp, nil
}

// handleResponse applies the hub's protocol semantics. When out is non-nil
// and the response is 2xx, the body is parsed as a SyncResponse; parse
// failures and empty bodies are tolerated.
func (c *Client) handleResponse(res *http.Response, out **SyncResponse) error {
	switch {
	case res.StatusCode == http.StatusNotFound:
		return backoff.Permanent(ErrInvalidClientID)

	case res.StatusCode == http.StatusUnprocessableEntity:
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		c.logger.Error("Hub rejected payload with validation error", "body", string(body))
		return nil

	case res.StatusCode >= 200 && res.StatusCode < 300:
		if out != nil {
			var parsed SyncResponse
			if err := json.NewDecoder(res.Body).Decode(&parsed); err == nil {
				*out = &parsed
			}
		}
		return nil

	default:
		return fmt.Errorf("hub returned status %d", res.StatusCode)
	}
}
