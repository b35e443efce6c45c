// Package platformclient issues issue/comment/activity CRUD and work-item
// lookups against the external issue-tracking platform. Interface-first so
// tests can substitute an in-memory fake; the HTTP implementation is ambient
// wiring, not the subject under test.
package platformclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/edgeworker/edgeworker/internal/common/logger"
	"github.com/edgeworker/edgeworker/internal/domain"
)

// Client is the external collaborator the dispatcher and prompt builder
// depend on to read work items and post activities.
type Client interface {
	// GetWorkItem fetches a work item by platform id.
	GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error)
	// ListAttachments returns resolved local paths for files referenced by a
	// work item or conversation, after the caller has downloaded them.
	ListAttachments(ctx context.Context, workItemID string) ([]string, error)
	// CreateActivity posts one activity entry onto the platform's timeline
	// for the given conversation, returning the platform-assigned id.
	CreateActivity(ctx context.Context, conversationID string, activity domain.Activity) (string, error)
	// IssueAssignee sets or clears the agent as assignee of a work item.
	IssueAssignee(ctx context.Context, workItemID, assigneeHandle string) error
}

const (
	maxRetries    = 4
	baseRetryWait = 200 * time.Millisecond
	maxRetryWait  = 2 * time.Second
)

// HTTPClient is a net/http-based Client implementation with bounded
// exponential-backoff retry on transient failures.
type HTTPClient struct {
	baseURL    string
	bearer     string
	httpClient *http.Client
	log        *logger.Logger
}

// NewHTTPClient constructs an HTTPClient against baseURL, authenticating
// with a bearer token.
func NewHTTPClient(baseURL, bearer string, log *logger.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		bearer:     bearer,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log.WithFields(zap.String("component", "platform-client")),
	}
}

func (c *HTTPClient) GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	var wi domain.WorkItem
	err := c.doJSON(ctx, http.MethodGet, "/work-items/"+id, nil, &wi)
	return wi, err
}

func (c *HTTPClient) ListAttachments(ctx context.Context, workItemID string) ([]string, error) {
	var paths []string
	err := c.doJSON(ctx, http.MethodGet, "/work-items/"+workItemID+"/attachments", nil, &paths)
	return paths, err
}

func (c *HTTPClient) CreateActivity(ctx context.Context, conversationID string, activity domain.Activity) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/conversations/"+conversationID+"/activities", activity, &resp)
	return resp.ID, err
}

func (c *HTTPClient) IssueAssignee(ctx context.Context, workItemID, assigneeHandle string) error {
	body := map[string]string{"assignee": assigneeHandle}
	return c.doJSON(ctx, http.MethodPatch, "/work-items/"+workItemID, body, nil)
}

// doJSON issues one JSON HTTP request, retrying idempotent-safe failures
// (network errors and 5xx responses) with exponential backoff.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
	}

	backoff := baseRetryWait
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxRetryWait {
				backoff = maxRetryWait
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.bearer != "" {
			req.Header.Set("Authorization", "Bearer "+c.bearer)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			c.log.Debug("platform request failed, retrying", zap.String("path", path), zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("platform returned status %d", resp.StatusCode)
			c.log.Debug("platform request 5xx, retrying", zap.String("path", path), zap.Int("attempt", attempt), zap.Int("status", resp.StatusCode))
			continue
		}

		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return fmt.Errorf("platform returned status %d", resp.StatusCode)
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}

	return fmt.Errorf("platform request failed after %d attempts: %w", maxRetries, lastErr)
}
