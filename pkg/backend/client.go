// Package backend is the REST client for the collaborator call API. The
// backend owns the authoritative call records; the engine reports lifecycle
// transitions and reads back participant state during liveness checks.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nist-kishan/collabcall/pkg/logger"
)

// Client wraps the collaborator call API
type Client struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClient creates a call API client
func NewClient(baseURL, apiToken string, timeout time.Duration, log *logger.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:  baseURL,
		apiToken: apiToken,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: log.With("component", "backend"),
	}
}

// StartCall creates a new call in a chat and returns the backend record
func (c *Client) StartCall(ctx context.Context, chatID string, callType CallType) (*Call, error) {
	body, err := json.Marshal(startCallRequest{ChatID: chatID, CallType: callType})
	if err != nil {
		return nil, fmt.Errorf("marshal start call request: %w", err)
	}

	var call Call
	if err := c.do(ctx, http.MethodPost, "/calls", body, &call); err != nil {
		return nil, fmt.Errorf("start call: %w", err)
	}
	if call.ErrorCode != "" {
		return nil, fmt.Errorf("start call API error %s: %s", call.ErrorCode, call.ErrorDesc)
	}

	c.logger.Info("call created", "callId", call.ID, "chatId", chatID, "callType", callType)
	return &call, nil
}

// JoinCall marks the local user as joined and returns the updated record
func (c *Client) JoinCall(ctx context.Context, callID string) (*Call, error) {
	var call Call
	if err := c.do(ctx, http.MethodPost, "/calls/"+callID+"/join", nil, &call); err != nil {
		return nil, fmt.Errorf("join call: %w", err)
	}
	if call.ErrorCode != "" {
		return nil, fmt.Errorf("join call API error %s: %s", call.ErrorCode, call.ErrorDesc)
	}

	c.logger.Info("call joined", "callId", callID, "participants", len(call.Participants))
	return &call, nil
}

// EndCall reports a terminal transition for the call
func (c *Client) EndCall(ctx context.Context, callID, endReason string) error {
	body, err := json.Marshal(map[string]string{"endReason": endReason})
	if err != nil {
		return fmt.Errorf("marshal end call request: %w", err)
	}

	var resp apiError
	if err := c.do(ctx, http.MethodPost, "/calls/"+callID+"/end", body, &resp); err != nil {
		return fmt.Errorf("end call: %w", err)
	}
	if resp.ErrorCode != "" {
		return fmt.Errorf("end call API error %s: %s", resp.ErrorCode, resp.ErrorDesc)
	}

	c.logger.Info("call ended", "callId", callID, "endReason", endReason)
	return nil
}

// RejectCall declines an incoming call before it connects
func (c *Client) RejectCall(ctx context.Context, callID string) error {
	var resp apiError
	if err := c.do(ctx, http.MethodPost, "/calls/"+callID+"/reject", nil, &resp); err != nil {
		return fmt.Errorf("reject call: %w", err)
	}
	if resp.ErrorCode != "" {
		return fmt.Errorf("reject call API error %s: %s", resp.ErrorCode, resp.ErrorDesc)
	}

	c.logger.Info("call rejected", "callId", callID)
	return nil
}

// UpdateCallSettings mirrors local mute/video/screen-share toggles
func (c *Client) UpdateCallSettings(ctx context.Context, callID string, settings CallSettings) error {
	body, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	var resp apiError
	if err := c.do(ctx, http.MethodPatch, "/calls/"+callID+"/settings", body, &resp); err != nil {
		return fmt.Errorf("update call settings: %w", err)
	}
	if resp.ErrorCode != "" {
		return fmt.Errorf("update settings API error %s: %s", resp.ErrorCode, resp.ErrorDesc)
	}
	return nil
}

// GetCallByID fetches one call record. Used by the liveness monitor for
// participant counts.
func (c *Client) GetCallByID(ctx context.Context, callID string) (*Call, error) {
	var call Call
	if err := c.do(ctx, http.MethodGet, "/calls/"+callID, nil, &call); err != nil {
		return nil, fmt.Errorf("get call: %w", err)
	}
	if call.ErrorCode != "" {
		return nil, fmt.Errorf("get call API error %s: %s", call.ErrorCode, call.ErrorDesc)
	}
	return &call, nil
}

// GetCallHistory lists past calls, newest first
func (c *Client) GetCallHistory(ctx context.Context, filters HistoryFilters) ([]Call, error) {
	q := url.Values{}
	if filters.ChatID != "" {
		q.Set("chatId", filters.ChatID)
	}
	if filters.Type != "" {
		q.Set("callType", string(filters.Type))
	}
	if filters.After != nil {
		q.Set("after", filters.After.UTC().Format(time.RFC3339))
	}
	if filters.Before != nil {
		q.Set("before", filters.Before.UTC().Format(time.RFC3339))
	}
	if filters.Limit > 0 {
		q.Set("limit", strconv.Itoa(filters.Limit))
	}

	path := "/calls"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}

	var resp historyResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("get call history: %w", err)
	}
	if resp.ErrorCode != "" {
		return nil, fmt.Errorf("history API error %s: %s", resp.ErrorCode, resp.ErrorDesc)
	}
	return resp.Calls, nil
}

// DeleteCallHistory removes one call from the local user's history
func (c *Client) DeleteCallHistory(ctx context.Context, callID string) error {
	var resp apiError
	if err := c.do(ctx, http.MethodDelete, "/calls/"+callID, nil, &resp); err != nil {
		return fmt.Errorf("delete call history: %w", err)
	}
	if resp.ErrorCode != "" {
		return fmt.Errorf("delete history API error %s: %s", resp.ErrorCode, resp.ErrorDesc)
	}
	return nil
}

// ClearCallHistory removes the local user's entire history
func (c *Client) ClearCallHistory(ctx context.Context) error {
	var resp apiError
	if err := c.do(ctx, http.MethodDelete, "/calls", nil, &resp); err != nil {
		return fmt.Errorf("clear call history: %w", err)
	}
	if resp.ErrorCode != "" {
		return fmt.Errorf("clear history API error %s: %s", resp.ErrorCode, resp.ErrorDesc)
	}
	return nil
}

// EndCallWithRetry retries EndCall with exponential backoff. Teardown must
// not leave the backend believing a dead call is live, so transient failures
// are retried until the context is cancelled.
func (c *Client) EndCallWithRetry(ctx context.Context, callID, endReason string, maxRetries int) error {
	var lastErr error
	backoff := 100 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := c.EndCall(ctx, callID, endReason); err != nil {
			lastErr = err
			c.logger.Warn("end call attempt failed",
				"callId", callID,
				"attempt", attempt+1,
				"maxRetries", maxRetries,
				"error", err,
			)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}

			backoff *= 2
			if backoff > 10*time.Second {
				backoff = 10 * time.Second
			}
			continue
		}

		if attempt > 0 {
			c.logger.Info("end call succeeded after retry", "callId", callID, "attempts", attempt+1)
		}
		return nil
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// do issues one authenticated request and decodes the response body into out
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}
